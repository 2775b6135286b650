// Package scheduler recomputes trust scores in bulk: incrementally for
// entities whose evidence changed, or across the whole known-entity set.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/fairlens/trustscope/backend/internal/models"
	"github.com/fairlens/trustscope/backend/internal/scoring"
)

// maxEvidenceEvents bounds the event set fed into a single scoring run.
const maxEvidenceEvents = 500

// Store is the persistence surface a recompute pass needs.
type Store interface {
	KnownEntities(ctx context.Context) ([]models.EntityRef, error)
	EventsForEntity(ctx context.Context, entity models.EntityRef, size int) ([]models.CanonicalEvent, error)
	LatestEventTime(ctx context.Context, entity models.EntityRef) (time.Time, error)
	LatestScore(ctx context.Context, entity models.EntityRef) (*models.Score, error)
	TwoLatestScores(ctx context.Context, entity models.EntityRef) (latest, previous *models.Score, err error)
	IndexScore(ctx context.Context, score models.Score) error
}

// Engine computes a score from an entity's evidence.
type Engine interface {
	Compute(in scoring.Input) models.Score
}

// Mode names the two pass shapes.
type Mode string

const (
	ModeIncremental Mode = "incremental"
	ModeFull        Mode = "full"
)

// EntityError records a per-entity failure; the pass continues past it.
type EntityError struct {
	Entity models.EntityRef
	Err    error
}

// Drift records a score movement beyond the configured threshold.
type Drift struct {
	Entity   models.EntityRef
	Previous float64
	Current  float64
	Delta    float64
}

// Report summarizes one pass. AlreadyRunning reports return immediately with
// zero counters.
type Report struct {
	Mode           Mode
	AlreadyRunning bool
	Started        time.Time
	Finished       time.Time
	Updated        int
	Skipped        int
	Errors         []EntityError
	Drifts         []Drift
}

// Scheduler runs recompute passes. At most one pass runs per instance; a
// second caller observes AlreadyRunning instead of queueing.
type Scheduler struct {
	store          Store
	engine         Engine
	log            *slog.Logger
	clock          clockwork.Clock
	lookback       time.Duration
	driftThreshold float64
	running        atomic.Bool
}

// New wires a scheduler. lookback bounds how far back incremental passes
// consider evidence fresh; driftThreshold sets the notification bar.
func New(store Store, engine Engine, log *slog.Logger, clock clockwork.Clock, lookback time.Duration, driftThreshold float64) *Scheduler {
	if lookback <= 0 {
		lookback = 24 * time.Hour
	}
	if driftThreshold <= 0 {
		driftThreshold = 10
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Scheduler{
		store:          store,
		engine:         engine,
		log:            log,
		clock:          clock,
		lookback:       lookback,
		driftThreshold: driftThreshold,
	}
}

// Incremental rescores only stale entities: never-scored ones, and ones with
// evidence newer than their current snapshot inside the lookback window.
func (s *Scheduler) Incremental(ctx context.Context) Report {
	return s.run(ctx, ModeIncremental)
}

// Full rescores every known entity regardless of staleness.
func (s *Scheduler) Full(ctx context.Context) Report {
	return s.run(ctx, ModeFull)
}

func (s *Scheduler) run(ctx context.Context, mode Mode) Report {
	report := Report{Mode: mode, Started: s.clock.Now().UTC()}

	if !s.running.CompareAndSwap(false, true) {
		report.AlreadyRunning = true
		report.Finished = report.Started
		s.log.Info("recompute pass already running", "mode", mode)
		return report
	}
	defer s.running.Store(false)

	entities, err := s.store.KnownEntities(ctx)
	if err != nil {
		report.Errors = append(report.Errors, EntityError{Err: fmt.Errorf("list entities: %w", err)})
		report.Finished = s.clock.Now().UTC()
		return report
	}

	s.log.Info("recompute pass started", "mode", mode, "entities", len(entities))

	for _, entity := range entities {
		if ctx.Err() != nil {
			report.Errors = append(report.Errors, EntityError{Entity: entity, Err: ctx.Err()})
			break
		}

		if mode == ModeIncremental {
			stale, err := s.isStale(ctx, entity)
			if err != nil {
				report.Errors = append(report.Errors, EntityError{Entity: entity, Err: err})
				continue
			}
			if !stale {
				report.Skipped++
				continue
			}
		}

		drift, err := s.rescore(ctx, entity)
		if err != nil {
			report.Errors = append(report.Errors, EntityError{Entity: entity, Err: err})
			continue
		}
		report.Updated++
		if drift != nil {
			report.Drifts = append(report.Drifts, *drift)
		}
	}

	report.Finished = s.clock.Now().UTC()
	s.log.Info("recompute pass finished",
		"mode", mode,
		"updated", report.Updated,
		"skipped", report.Skipped,
		"errors", len(report.Errors),
		"drifts", len(report.Drifts),
		"took", report.Finished.Sub(report.Started))
	return report
}

// isStale marks an entity for rescoring when it has no snapshot, or when its
// newest evidence postdates the snapshot and falls inside the lookback
// window.
func (s *Scheduler) isStale(ctx context.Context, entity models.EntityRef) (bool, error) {
	score, err := s.store.LatestScore(ctx, entity)
	if err != nil {
		return false, fmt.Errorf("load score: %w", err)
	}
	if score == nil {
		return true, nil
	}

	latestEvent, err := s.store.LatestEventTime(ctx, entity)
	if err != nil {
		return false, fmt.Errorf("load latest event time: %w", err)
	}
	if latestEvent.IsZero() {
		return false, nil
	}

	cutoff := s.clock.Now().Add(-s.lookback)
	return latestEvent.After(score.CreatedAt) && latestEvent.After(cutoff), nil
}

func (s *Scheduler) rescore(ctx context.Context, entity models.EntityRef) (*Drift, error) {
	events, err := s.store.EventsForEntity(ctx, entity, maxEvidenceEvents)
	if err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}

	score := s.engine.Compute(scoring.Input{Entity: entity, Events: events})
	if err := s.store.IndexScore(ctx, score); err != nil {
		return nil, fmt.Errorf("persist score: %w", err)
	}

	latest, previous, err := s.store.TwoLatestScores(ctx, entity)
	if err != nil {
		return nil, fmt.Errorf("load score pair: %w", err)
	}
	if latest == nil || previous == nil {
		return nil, nil
	}

	delta := latest.Score - previous.Score
	if math.Abs(delta) <= s.driftThreshold {
		return nil, nil
	}

	s.log.Warn("score drift detected",
		"entity", entity.Key(),
		"previous", previous.Score,
		"current", latest.Score,
		"delta", delta)
	return &Drift{
		Entity:   entity,
		Previous: previous.Score,
		Current:  latest.Score,
		Delta:    delta,
	}, nil
}
