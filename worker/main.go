package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/segmentio/kafka-go"

	responsecache "github.com/fairlens/trustscope/backend/internal/cache"
	"github.com/fairlens/trustscope/backend/internal/config"
	"github.com/fairlens/trustscope/backend/internal/dedupe"
	"github.com/fairlens/trustscope/backend/internal/logger"
	"github.com/fairlens/trustscope/backend/internal/models"
	"github.com/fairlens/trustscope/backend/internal/policy"
	"github.com/fairlens/trustscope/backend/internal/processing"
	"github.com/fairlens/trustscope/backend/internal/store"
)

type eventIndexer interface {
	IndexEvent(ctx context.Context, ev models.CanonicalEvent) error
}

func main() {
	log := logger.New("worker")
	cfg, err := config.LoadWorker()
	if err != nil {
		log.Error("load config", slog.Any("err", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	st, err := store.New(cfg.ElasticsearchAddr, cfg.EventIndex, cfg.ScoreIndex, log)
	if err != nil {
		log.Error("init store", slog.Any("err", err))
		os.Exit(1)
	}
	if err := st.EnsureIndices(ctx); err != nil {
		log.Error("ensure indices", slog.Any("err", err))
		os.Exit(1)
	}

	respCache, err := buildCache(ctx, cfg.Cache)
	if err != nil {
		log.Error("init cache", slog.Any("err", err))
		os.Exit(1)
	}

	seen := dedupe.NewCache(cfg.DedupeCapacity, cfg.DedupeTTL, clockwork.NewRealClock())

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.KafkaBrokers,
		Topic:          cfg.KafkaTopic,
		GroupID:        cfg.KafkaConsumer,
		MinBytes:       1e3,
		MaxBytes:       10e6,
		CommitInterval: 0, // Disable auto-commit; manual commit only
	})
	defer reader.Close()

	dlqWriter := kafka.NewWriter(kafka.WriterConfig{
		Brokers:     cfg.KafkaBrokers,
		Topic:       cfg.KafkaTopic + "_dlq",
		MaxAttempts: 3,
	})
	defer dlqWriter.Close()

	log.Info("worker started",
		slog.String("topic", cfg.KafkaTopic),
		slog.String("group", cfg.KafkaConsumer),
		slog.String("dlq_topic", cfg.KafkaTopic+"_dlq"),
	)

	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				log.Info("context canceled, stopping")
				return
			}
			log.Error("fetch message", slog.Any("err", err))
			continue
		}

		if err := processMessage(ctx, log, st, respCache, seen, msg); err != nil {
			log.Warn("process message failed, sending to DLQ",
				slog.Any("err", err),
				slog.Int("partition", msg.Partition),
				slog.Int64("offset", msg.Offset),
			)

			dlqMsg := kafka.Message{
				Value: msg.Value,
				Headers: append(msg.Headers,
					kafka.Header{Key: "original_partition", Value: []byte(fmt.Sprintf("%d", msg.Partition))},
					kafka.Header{Key: "original_offset", Value: []byte(fmt.Sprintf("%d", msg.Offset))},
					kafka.Header{Key: "error", Value: []byte(err.Error())},
					kafka.Header{Key: "timestamp", Value: []byte(time.Now().UTC().Format(time.RFC3339))},
				),
			}

			// Retry DLQ write with exponential backoff
			dlqSuccess := false
			for attempt := range 5 {
				if dlqErr := dlqWriter.WriteMessages(ctx, dlqMsg); dlqErr == nil {
					dlqSuccess = true
					log.Info("message sent to DLQ",
						slog.Int("partition", msg.Partition),
						slog.Int64("offset", msg.Offset),
						slog.Int("attempt", attempt+1),
					)
					break
				} else {
					backoff := time.Duration(1<<uint(attempt)) * time.Second
					log.Warn("DLQ write failed, retrying",
						slog.Any("err", dlqErr),
						slog.Int("attempt", attempt+1),
						slog.Duration("backoff", backoff),
					)
					select {
					case <-time.After(backoff):
						// Continue to next attempt
					case <-ctx.Done():
						log.Info("context canceled during DLQ retry")
						return
					}
				}
			}

			// Only commit if DLQ write succeeded; otherwise skip commit and reprocess on restart
			if dlqSuccess {
				if err := reader.CommitMessages(ctx, msg); err != nil {
					log.Error("commit failed message to dlq", slog.Any("err", err))
				}
			} else {
				log.Error("DLQ write exhausted retries, message may be lost if later messages commit",
					slog.Int("partition", msg.Partition),
					slog.Int64("offset", msg.Offset),
				)
			}
			continue
		}

		if err := reader.CommitMessages(ctx, msg); err != nil {
			log.Error("commit message", slog.Any("err", err))
		}
	}
}

// processMessage validates, dedupes, and indexes one canonical event, then
// synchronously drops the owning entity's cached trust response so the next
// read reflects the new evidence.
func processMessage(ctx context.Context, log *slog.Logger, indexer eventIndexer, respCache responsecache.Cache, seen *dedupe.Cache, msg kafka.Message) error {
	var ev models.CanonicalEvent
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		return fmt.Errorf("decode event: %w", err)
	}

	if err := validateEvent(ev); err != nil {
		return err
	}

	// Redaction is enforced again here; connectors outside this repo may
	// feed the topic.
	ev.Description = processing.Redact(ev.Description, 500)
	ev.Title = processing.Truncate(ev.Title, 200)
	if ev.ParsedAt.IsZero() {
		ev.ParsedAt = time.Now().UTC()
	}

	// Policy events may arrive as raw warranty text; derive the structured
	// facts the scoring engine reads.
	if ev.Type == models.EventPolicy && len(ev.Details) == 0 && ev.Description != "" {
		facts := policy.Parse(ev.Description)
		details, err := json.Marshal(facts)
		if err != nil {
			return fmt.Errorf("marshal policy facts: %w", err)
		}
		ev.Details = details
	}

	if seen.IsSeen(ev.ID) {
		log.Debug("duplicate event", slog.String("id", ev.ID))
		return nil
	}

	if err := indexer.IndexEvent(ctx, ev); err != nil {
		return fmt.Errorf("index event: %w", err)
	}

	key := responsecache.Key(ev.Entity)
	if err := respCache.Delete(ctx, key); err != nil {
		// Indexing is idempotent by event id, so retrying the whole
		// message is safe.
		return fmt.Errorf("invalidate cache %s: %w", key, err)
	}

	seen.MarkSeen(ev.ID)
	log.Info("indexed event",
		slog.String("id", ev.ID),
		slog.String("entity", ev.Entity.Key()),
		slog.String("type", string(ev.Type)),
	)
	return nil
}

func validateEvent(ev models.CanonicalEvent) error {
	if ev.ID == "" {
		return errors.New("event id is required")
	}
	if ev.Source == "" {
		return errors.New("event source is required")
	}
	if ev.Severity < 0 || ev.Severity > 1 {
		return fmt.Errorf("severity %v outside [0,1]", ev.Severity)
	}
	if _, err := models.ParseEntityKind(string(ev.Entity.Kind)); err != nil {
		return err
	}
	if ev.Entity.ID == "" {
		return errors.New("entity id is required")
	}
	return nil
}

func buildCache(ctx context.Context, cfg config.Cache) (responsecache.Cache, error) {
	if cfg.CacheBackend == "memory" {
		return responsecache.NewMemory(0, clockwork.NewRealClock()), nil
	}
	return responsecache.NewRedis(ctx, cfg.RedisAddr)
}
