package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/segmentio/kafka-go"
	"golang.org/x/sync/errgroup"

	"github.com/fairlens/trustscope/backend/internal/archive"
	"github.com/fairlens/trustscope/backend/internal/config"
	"github.com/fairlens/trustscope/backend/internal/connectors"
	"github.com/fairlens/trustscope/backend/internal/logger"
	"github.com/fairlens/trustscope/backend/internal/models"
	"github.com/fairlens/trustscope/backend/internal/scoring"
)

type eventPublisher interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

func main() {
	log := logger.New("ingest")
	cfg, err := config.LoadIngest()
	if err != nil {
		log.Error("load config", slog.Any("err", err))
		os.Exit(1)
	}

	scoringCfg, err := scoring.LoadConfig(cfg.ScoringConfigPath)
	if err != nil {
		log.Error("load scoring config", slog.Any("err", err))
		os.Exit(1)
	}

	entities, err := loadSeed(cfg.SeedFile, os.Args[1:])
	if err != nil {
		log.Error("load seed entities", slog.Any("err", err))
		os.Exit(1)
	}
	if len(entities) == 0 {
		log.Error("no entities to ingest; pass a seed file or entity keys as arguments")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	clock := clockwork.NewRealClock()
	deps := connectors.Deps{
		HTTP:              &http.Client{Timeout: 15 * time.Second},
		Clock:             clock,
		Log:               log,
		Archive:           archive.NewWriter(cfg.ArchiveDir, log, clock),
		KeywordSeverities: scoringCfg.SeverityMapping,
	}
	providers := connectors.All(connectors.Keys{
		Newswire:      cfg.NewsAPIKey,
		ComplaintDesk: cfg.ComplaintKey,
	}, deps)

	writer := kafka.NewWriter(kafka.WriterConfig{
		Brokers:     cfg.KafkaBrokers,
		Topic:       cfg.KafkaTopic,
		MaxAttempts: 3,
	})
	defer writer.Close()

	log.Info("ingest started",
		slog.Int("entities", len(entities)),
		slog.Int("providers", len(providers)),
		slog.String("topic", cfg.KafkaTopic),
	)

	published := 0
	for _, entity := range entities {
		n, err := ingestEntity(ctx, log, writer, providers, entity, cfg.FetchLimit)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				log.Info("context canceled, stopping")
				return
			}
			log.Warn("entity ingest incomplete", slog.String("entity", entity.Key()), slog.Any("err", err))
		}
		published += n
	}

	log.Info("ingest finished", slog.Int("published", published))
}

// ingestEntity fans out across providers concurrently and publishes every
// fetched event. One provider failing must not cancel the siblings, so each
// goroutine records its own error and the failures are joined after the
// group drains; events from healthy providers are still published.
func ingestEntity(ctx context.Context, log *slog.Logger, writer eventPublisher, providers []connectors.Connector, entity models.EntityRef, limit int) (int, error) {
	results := make([][]models.CanonicalEvent, len(providers))
	fetchErrs := make([]error, len(providers))

	var g errgroup.Group
	for i, provider := range providers {
		g.Go(func() error {
			events, err := provider.FetchEventsForEntity(ctx, entity, connectors.Options{Limit: limit})
			if err != nil {
				fetchErrs[i] = fmt.Errorf("%s: %w", provider.Name(), err)
				return nil
			}
			results[i] = events
			return nil
		})
	}
	_ = g.Wait()
	fetchErr := errors.Join(fetchErrs...)

	published := 0
	for _, events := range results {
		for _, ev := range events {
			payload, err := json.Marshal(ev)
			if err != nil {
				log.Warn("marshal event", slog.String("id", ev.ID), slog.Any("err", err))
				continue
			}
			msg := kafka.Message{
				Key:   []byte(entity.Key()),
				Value: payload,
			}
			if err := writer.WriteMessages(ctx, msg); err != nil {
				return published, fmt.Errorf("publish event %s: %w", ev.ID, err)
			}
			published++
		}
	}

	log.Info("entity ingested",
		slog.String("entity", entity.Key()),
		slog.Int("events", published),
	)
	return published, fetchErr
}

// loadSeed reads entities from a JSON seed file, or parses "<kind>:<id>"
// arguments when no file is configured.
func loadSeed(path string, args []string) ([]models.EntityRef, error) {
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read seed file: %w", err)
		}
		var entities []models.EntityRef
		if err := json.Unmarshal(data, &entities); err != nil {
			return nil, fmt.Errorf("parse seed file: %w", err)
		}
		for i, e := range entities {
			if _, err := models.ParseEntityKind(string(e.Kind)); err != nil {
				return nil, fmt.Errorf("seed entry %d: %w", i, err)
			}
			if e.ID == "" || e.Name == "" {
				return nil, fmt.Errorf("seed entry %d: id and name are required", i)
			}
		}
		return entities, nil
	}

	entities := make([]models.EntityRef, 0, len(args))
	for _, arg := range args {
		entity, err := models.ParseEntityKey(arg)
		if err != nil {
			return nil, err
		}
		// Without a seed file the name falls back to the id.
		entity.Name = entity.ID
		entities = append(entities, entity)
	}
	return entities, nil
}
