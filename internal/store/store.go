// Package store persists canonical events and score snapshots in
// Elasticsearch. Both indices are append-only; the current score of an
// entity is simply its most recently created snapshot.
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"

	"github.com/fairlens/trustscope/backend/internal/models"
)

// Store wraps go-elasticsearch with helpers tailored to this project.
type Store struct {
	es         *elasticsearch.Client
	eventIndex string
	scoreIndex string
	log        *slog.Logger
}

// New instantiates the Elasticsearch-backed store.
func New(addr, eventIndex, scoreIndex string, logger *slog.Logger) (*Store, error) {
	cfg := elasticsearch.Config{
		Addresses: []string{addr},
	}

	es, err := elasticsearch.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("create elasticsearch client: %w", err)
	}

	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Store{es: es, eventIndex: eventIndex, scoreIndex: scoreIndex, log: logger}, nil
}

// Ping checks if Elasticsearch is available.
func (s *Store) Ping(ctx context.Context) error {
	res, err := s.es.Ping(s.es.Ping.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("ping elasticsearch: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("elasticsearch ping failed: %s", res.Status())
	}

	return nil
}

// Health pings the cluster to ensure connectivity.
func (s *Store) Health(ctx context.Context) error {
	res, err := s.es.Cluster.Health(s.es.Cluster.Health.WithContext(ctx))
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode >= http.StatusBadRequest {
		data, _ := io.ReadAll(res.Body)
		return fmt.Errorf("cluster health bad: %s", strings.TrimSpace(string(data)))
	}
	return nil
}

// entityMapping is shared by both indices so entity lookups filter on the
// same keyword fields everywhere.
var entityMapping = map[string]any{
	"properties": map[string]any{
		"kind":     map[string]any{"type": "keyword"},
		"id":       map[string]any{"type": "keyword"},
		"name":     map[string]any{"type": "text"},
		"category": map[string]any{"type": "keyword"},
	},
}

// EnsureIndices creates the event and score indices with explicit mappings.
// Existing indices are left untouched, so every service can call this at
// startup.
func (s *Store) EnsureIndices(ctx context.Context) error {
	eventMappings := map[string]any{
		"mappings": map[string]any{
			"properties": map[string]any{
				"id":       map[string]any{"type": "keyword"},
				"source":   map[string]any{"type": "keyword"},
				"type":     map[string]any{"type": "keyword"},
				"severity": map[string]any{"type": "float"},
				"title":    map[string]any{"type": "text"},
				"parsedAt": map[string]any{"type": "date"},
				"entity":   entityMapping,
			},
		},
	}
	scoreMappings := map[string]any{
		"mappings": map[string]any{
			"properties": map[string]any{
				"id":            map[string]any{"type": "keyword"},
				"score":         map[string]any{"type": "float"},
				"grade":         map[string]any{"type": "keyword"},
				"confidence":    map[string]any{"type": "float"},
				"configVersion": map[string]any{"type": "keyword"},
				"createdAt":     map[string]any{"type": "date"},
				"entity":        entityMapping,
			},
		},
	}

	if err := s.ensureIndex(ctx, s.eventIndex, eventMappings); err != nil {
		return err
	}
	return s.ensureIndex(ctx, s.scoreIndex, scoreMappings)
}

func (s *Store) ensureIndex(ctx context.Context, index string, mappings map[string]any) error {
	exists, err := s.es.Indices.Exists([]string{index}, s.es.Indices.Exists.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("check index %s: %w", index, err)
	}
	exists.Body.Close()
	if exists.StatusCode == http.StatusOK {
		return nil
	}

	payload, err := json.Marshal(mappings)
	if err != nil {
		return fmt.Errorf("marshal mappings for %s: %w", index, err)
	}

	res, err := s.es.Indices.Create(
		index,
		s.es.Indices.Create.WithContext(ctx),
		s.es.Indices.Create.WithBody(bytes.NewReader(payload)),
	)
	if err != nil {
		return fmt.Errorf("create index %s: %w", index, err)
	}
	defer res.Body.Close()

	if res.IsError() {
		body, _ := io.ReadAll(res.Body)
		// Racing services can both see a missing index.
		if strings.Contains(string(body), "resource_already_exists_exception") {
			return nil
		}
		return fmt.Errorf("create index %s failed: %s", index, strings.TrimSpace(string(body)))
	}

	s.log.Info("index created", "index", index)
	return nil
}

// IndexEvent writes a canonical event. Indexing the same event ID twice
// overwrites an identical document, so replayed messages are harmless.
func (s *Store) IndexEvent(ctx context.Context, ev models.CanonicalEvent) error {
	return s.indexDoc(ctx, s.eventIndex, ev.ID, ev)
}

// IndexScore appends a score snapshot.
func (s *Store) IndexScore(ctx context.Context, score models.Score) error {
	return s.indexDoc(ctx, s.scoreIndex, score.ID, score)
}

func (s *Store) indexDoc(ctx context.Context, index, id string, doc any) error {
	payload, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal doc: %w", err)
	}

	req := esapi.IndexRequest{
		Index:      index,
		DocumentID: id,
		Body:       bytes.NewReader(payload),
		Refresh:    "false",
	}

	res, err := req.Do(ctx, s.es)
	if err != nil {
		return fmt.Errorf("index doc: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		body, _ := io.ReadAll(res.Body)
		return fmt.Errorf("index doc failed: %s", strings.TrimSpace(string(body)))
	}

	return nil
}

func entityFilter(entity models.EntityRef) []map[string]any {
	return []map[string]any{
		{"term": map[string]any{"entity.kind": string(entity.Kind)}},
		{"term": map[string]any{"entity.id": entity.ID}},
	}
}

// EventsForEntity returns the entity's events sorted newest first.
func (s *Store) EventsForEntity(ctx context.Context, entity models.EntityRef, size int) ([]models.CanonicalEvent, error) {
	if size <= 0 {
		size = 500
	}
	if size > 2000 {
		size = 2000
	}

	body := map[string]any{
		"size": size,
		"query": map[string]any{
			"bool": map[string]any{
				"filter": entityFilter(entity),
			},
		},
		"sort": []map[string]any{
			{"parsedAt": map[string]any{"order": "desc"}},
		},
	}

	var events []models.CanonicalEvent
	if err := s.search(ctx, s.eventIndex, body, &events); err != nil {
		return nil, err
	}
	return events, nil
}

// LatestEventTime returns the entity's most recent ParsedAt, or the zero
// time when the entity has no events.
func (s *Store) LatestEventTime(ctx context.Context, entity models.EntityRef) (time.Time, error) {
	body := map[string]any{
		"size": 1,
		"query": map[string]any{
			"bool": map[string]any{
				"filter": entityFilter(entity),
			},
		},
		"sort": []map[string]any{
			{"parsedAt": map[string]any{"order": "desc"}},
		},
	}

	var events []models.CanonicalEvent
	if err := s.search(ctx, s.eventIndex, body, &events); err != nil {
		return time.Time{}, err
	}
	if len(events) == 0 {
		return time.Time{}, nil
	}
	return events[0].ParsedAt, nil
}

// LatestScore returns the entity's current snapshot, or nil when the entity
// has never been scored.
func (s *Store) LatestScore(ctx context.Context, entity models.EntityRef) (*models.Score, error) {
	scores, err := s.ScoreHistory(ctx, entity, 1)
	if err != nil {
		return nil, err
	}
	if len(scores) == 0 {
		return nil, nil
	}
	return &scores[0], nil
}

// TwoLatestScores returns the current and previous snapshots for drift
// comparison. Either may be nil.
func (s *Store) TwoLatestScores(ctx context.Context, entity models.EntityRef) (latest, previous *models.Score, err error) {
	scores, err := s.ScoreHistory(ctx, entity, 2)
	if err != nil {
		return nil, nil, err
	}
	if len(scores) > 0 {
		latest = &scores[0]
	}
	if len(scores) > 1 {
		previous = &scores[1]
	}
	return latest, previous, nil
}

// ScoreHistory returns up to limit snapshots, newest first.
func (s *Store) ScoreHistory(ctx context.Context, entity models.EntityRef, limit int) ([]models.Score, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 200 {
		limit = 200
	}

	body := map[string]any{
		"size": limit,
		"query": map[string]any{
			"bool": map[string]any{
				"filter": entityFilter(entity),
			},
		},
		"sort": []map[string]any{
			{"createdAt": map[string]any{"order": "desc"}},
		},
	}

	var scores []models.Score
	if err := s.search(ctx, s.scoreIndex, body, &scores); err != nil {
		return nil, err
	}
	return scores, nil
}

// KnownEntities lists every distinct entity that has at least one event,
// using a kind/id terms aggregation with a single top hit carrying the full
// entity document.
func (s *Store) KnownEntities(ctx context.Context) ([]models.EntityRef, error) {
	body := map[string]any{
		"size": 0,
		"aggs": map[string]any{
			"kinds": map[string]any{
				"terms": map[string]any{"field": "entity.kind", "size": 10},
				"aggs": map[string]any{
					"ids": map[string]any{
						"terms": map[string]any{"field": "entity.id", "size": 10000},
						"aggs": map[string]any{
							"latest": map[string]any{
								"top_hits": map[string]any{
									"size":    1,
									"_source": map[string]any{"includes": []string{"entity"}},
									"sort": []map[string]any{
										{"parsedAt": map[string]any{"order": "desc"}},
									},
								},
							},
						},
					},
				},
			},
		},
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal aggregation body: %w", err)
	}

	res, err := s.es.Search(
		s.es.Search.WithContext(ctx),
		s.es.Search.WithIndex(s.eventIndex),
		s.es.Search.WithBody(bytes.NewReader(payload)),
	)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		data, _ := io.ReadAll(res.Body)
		return nil, fmt.Errorf("search failed: %s", strings.TrimSpace(string(data)))
	}

	var parsed struct {
		Aggregations struct {
			Kinds struct {
				Buckets []struct {
					IDs struct {
						Buckets []struct {
							Latest struct {
								Hits struct {
									Hits []struct {
										Source struct {
											Entity models.EntityRef `json:"entity"`
										} `json:"_source"`
									} `json:"hits"`
								} `json:"hits"`
							} `json:"latest"`
						} `json:"buckets"`
					} `json:"ids"`
				} `json:"buckets"`
			} `json:"kinds"`
		} `json:"aggregations"`
	}

	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode aggregation response: %w", err)
	}

	var entities []models.EntityRef
	for _, kind := range parsed.Aggregations.Kinds.Buckets {
		for _, id := range kind.IDs.Buckets {
			for _, hit := range id.Latest.Hits.Hits {
				entities = append(entities, hit.Source.Entity)
			}
		}
	}

	return entities, nil
}

// search runs a query body against an index and decodes hit sources into out,
// which must be a pointer to a slice.
func (s *Store) search(ctx context.Context, index string, body map[string]any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal search body: %w", err)
	}

	res, err := s.es.Search(
		s.es.Search.WithContext(ctx),
		s.es.Search.WithIndex(index),
		s.es.Search.WithBody(bytes.NewReader(payload)),
	)
	if err != nil {
		return fmt.Errorf("search: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		data, _ := io.ReadAll(res.Body)
		return fmt.Errorf("search failed: %s", strings.TrimSpace(string(data)))
	}

	var parsed struct {
		Hits struct {
			Hits []struct {
				Source json.RawMessage `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}

	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return fmt.Errorf("decode search response: %w", err)
	}

	sources := make([]json.RawMessage, 0, len(parsed.Hits.Hits))
	for _, hit := range parsed.Hits.Hits {
		sources = append(sources, hit.Source)
	}

	joined, err := json.Marshal(sources)
	if err != nil {
		return fmt.Errorf("rebuild hit list: %w", err)
	}
	if err := json.Unmarshal(joined, out); err != nil {
		return fmt.Errorf("decode hit sources: %w", err)
	}
	return nil
}

// PurgeEventsOlderThan removes events older than maxAge using batched
// delete-by-query. It loops until a batch deletes fewer documents than
// batchSize.
func (s *Store) PurgeEventsOlderThan(ctx context.Context, maxAge time.Duration, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = 1000
	}

	cutoff := time.Now().Add(-maxAge).UTC().Format(time.RFC3339)
	totalDeleted := int64(0)

	for {
		body := map[string]any{
			"query": map[string]any{
				"range": map[string]any{
					"parsedAt": map[string]any{
						"lte": cutoff,
					},
				},
			},
		}

		payload, err := json.Marshal(body)
		if err != nil {
			return totalDeleted, fmt.Errorf("marshal delete body: %w", err)
		}

		res, err := s.es.DeleteByQuery(
			[]string{s.eventIndex},
			bytes.NewReader(payload),
			s.es.DeleteByQuery.WithContext(ctx),
			s.es.DeleteByQuery.WithWaitForCompletion(true),
			s.es.DeleteByQuery.WithConflicts("proceed"),
			s.es.DeleteByQuery.WithScrollSize(batchSize),
		)
		if err != nil {
			return totalDeleted, fmt.Errorf("delete by query: %w", err)
		}

		if res.IsError() {
			data, _ := io.ReadAll(res.Body)
			res.Body.Close()
			return totalDeleted, fmt.Errorf("delete by query failed: %s", strings.TrimSpace(string(data)))
		}

		var parsed struct {
			Deleted int64 `json:"deleted"`
		}
		if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
			res.Body.Close()
			return totalDeleted, fmt.Errorf("decode delete response: %w", err)
		}
		res.Body.Close()

		totalDeleted += parsed.Deleted

		if parsed.Deleted < int64(batchSize) {
			break
		}
	}

	return totalDeleted, nil
}
