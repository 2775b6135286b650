// Package trust serves trust payloads through the response cache, computing
// scores on demand when an entity has events but no snapshot yet.
package trust

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fairlens/trustscope/backend/internal/cache"
	"github.com/fairlens/trustscope/backend/internal/models"
	"github.com/fairlens/trustscope/backend/internal/scoring"
)

// ErrUnknownEntity marks entities with no events and no score history.
var ErrUnknownEntity = errors.New("unknown entity")

// maxEvidenceEvents bounds the event set fed into a single scoring run.
const maxEvidenceEvents = 500

// Store is the persistence surface the service needs.
type Store interface {
	EventsForEntity(ctx context.Context, entity models.EntityRef, size int) ([]models.CanonicalEvent, error)
	LatestEventTime(ctx context.Context, entity models.EntityRef) (time.Time, error)
	LatestScore(ctx context.Context, entity models.EntityRef) (*models.Score, error)
	ScoreHistory(ctx context.Context, entity models.EntityRef, limit int) ([]models.Score, error)
	IndexScore(ctx context.Context, score models.Score) error
}

// Engine computes scores and their diagnostic view.
type Engine interface {
	Compute(in scoring.Input) models.Score
	Diagnose(in scoring.Input) models.Diagnostics
}

// Service resolves trust payloads. Cached entries are invalidated only by
// worker ingest deletes and TTL expiry; the service itself never deletes.
type Service struct {
	store       Store
	cache       cache.Cache
	engine      Engine
	log         *slog.Logger
	ttl         time.Duration
	diagnostics bool
}

// New wires the service. ttl bounds cache entry lifetime; diagnostics
// attaches the shrinkage view to every payload when enabled.
func New(store Store, c cache.Cache, engine Engine, log *slog.Logger, ttl time.Duration, diagnostics bool) *Service {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Service{
		store:       store,
		cache:       c,
		engine:      engine,
		log:         log,
		ttl:         ttl,
		diagnostics: diagnostics,
	}
}

// Get returns the entity's trust payload, served from cache when possible.
// A miss serves the latest stored snapshot unless evidence newer than the
// snapshot has landed since, in which case the entity is rescored.
func (s *Service) Get(ctx context.Context, entity models.EntityRef) (models.TrustPayload, error) {
	key := cache.Key(entity)

	raw, ok, err := s.cache.Get(ctx, key)
	if err != nil {
		s.log.Warn("cache get failed", "key", key, "error", err)
	} else if ok {
		var payload models.TrustPayload
		if err := json.Unmarshal(raw, &payload); err == nil {
			payload.Cached = true
			return payload, nil
		}
		s.log.Warn("corrupt cache entry dropped", "key", key)
	}

	payload, err := s.resolve(ctx, entity)
	if err != nil {
		return models.TrustPayload{}, err
	}

	if buf, err := json.Marshal(payload); err == nil {
		if err := s.cache.Set(ctx, key, buf, s.ttl); err != nil {
			s.log.Warn("cache set failed", "key", key, "error", err)
		}
	}

	return payload, nil
}

// Recompute scores the entity from its current event set and appends the
// snapshot. The response cache is left alone; cached entries age out or die
// on the next ingested event.
func (s *Service) Recompute(ctx context.Context, entity models.EntityRef) (models.TrustPayload, error) {
	score, events, err := s.compute(ctx, entity)
	if err != nil {
		return models.TrustPayload{}, err
	}
	if err := s.store.IndexScore(ctx, *score); err != nil {
		return models.TrustPayload{}, fmt.Errorf("persist score: %w", err)
	}
	return s.payload(*score, events), nil
}

// History returns up to limit snapshots, newest first. An entity with no
// snapshots and no events is unknown.
func (s *Service) History(ctx context.Context, entity models.EntityRef, limit int) ([]models.Score, error) {
	scores, err := s.store.ScoreHistory(ctx, entity, limit)
	if err != nil {
		return nil, err
	}
	if len(scores) == 0 {
		events, err := s.store.EventsForEntity(ctx, entity, 1)
		if err != nil {
			return nil, err
		}
		if len(events) == 0 {
			return nil, ErrUnknownEntity
		}
	}
	return scores, nil
}

// resolve backs a cache miss. A stored snapshot is served only while it is
// current; an event parsed after the snapshot was written means the worker
// invalidated the key and a fresh compute is owed.
func (s *Service) resolve(ctx context.Context, entity models.EntityRef) (models.TrustPayload, error) {
	stored, err := s.store.LatestScore(ctx, entity)
	if err != nil {
		return models.TrustPayload{}, fmt.Errorf("load score: %w", err)
	}
	if stored != nil {
		latestEvent, err := s.store.LatestEventTime(ctx, entity)
		if err != nil {
			return models.TrustPayload{}, fmt.Errorf("load latest event time: %w", err)
		}
		if !latestEvent.After(stored.CreatedAt) {
			var events []models.CanonicalEvent
			if s.diagnostics {
				events, err = s.store.EventsForEntity(ctx, entity, maxEvidenceEvents)
				if err != nil {
					return models.TrustPayload{}, fmt.Errorf("load events: %w", err)
				}
			}
			return s.payload(*stored, events), nil
		}
	}

	score, events, err := s.compute(ctx, entity)
	if err != nil {
		return models.TrustPayload{}, err
	}
	if err := s.store.IndexScore(ctx, *score); err != nil {
		return models.TrustPayload{}, fmt.Errorf("persist score: %w", err)
	}
	return s.payload(*score, events), nil
}

// compute loads the entity's events and runs the engine. The entity carried
// on stored events is preferred over the caller's, which usually holds only
// kind and id.
func (s *Service) compute(ctx context.Context, entity models.EntityRef) (*models.Score, []models.CanonicalEvent, error) {
	events, err := s.store.EventsForEntity(ctx, entity, maxEvidenceEvents)
	if err != nil {
		return nil, nil, fmt.Errorf("load events: %w", err)
	}
	if len(events) == 0 {
		return nil, nil, ErrUnknownEntity
	}

	subject := events[0].Entity
	if subject.ID == "" {
		subject = entity
	}

	score := s.engine.Compute(scoring.Input{Entity: subject, Events: events})
	return &score, events, nil
}

func (s *Service) payload(score models.Score, events []models.CanonicalEvent) models.TrustPayload {
	p := models.TrustPayload{
		Entity:        score.Entity,
		Score:         score.Score,
		Grade:         score.Grade,
		Confidence:    score.Confidence,
		Breakdown:     score.Breakdown,
		ConfigVersion: score.ConfigVersion,
		ComputedAt:    score.CreatedAt,
		Cached:        false,
	}
	if s.diagnostics && events != nil {
		d := s.engine.Diagnose(scoring.Input{Entity: score.Entity, Events: events})
		p.Diagnostics = &d
	}
	return p
}
