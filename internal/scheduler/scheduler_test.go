package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/fairlens/trustscope/backend/internal/models"
	"github.com/fairlens/trustscope/backend/internal/scoring"
)

type stubStore struct {
	mu       sync.Mutex
	entities []models.EntityRef
	events   map[string][]models.CanonicalEvent
	eventTs  map[string]time.Time
	scores   map[string][]models.Score // newest first
	indexed  int

	listErr  error
	scoreErr map[string]error
	enter    chan struct{} // closed signal target for KnownEntities
	release  chan struct{} // KnownEntities blocks until closed
}

func newStubStore() *stubStore {
	return &stubStore{
		events:   map[string][]models.CanonicalEvent{},
		eventTs:  map[string]time.Time{},
		scores:   map[string][]models.Score{},
		scoreErr: map[string]error{},
	}
}

func (s *stubStore) KnownEntities(context.Context) ([]models.EntityRef, error) {
	if s.enter != nil {
		close(s.enter)
	}
	if s.release != nil {
		<-s.release
	}
	return s.entities, s.listErr
}

func (s *stubStore) EventsForEntity(_ context.Context, entity models.EntityRef, _ int) ([]models.CanonicalEvent, error) {
	return s.events[entity.Key()], nil
}

func (s *stubStore) LatestEventTime(_ context.Context, entity models.EntityRef) (time.Time, error) {
	return s.eventTs[entity.Key()], nil
}

func (s *stubStore) LatestScore(_ context.Context, entity models.EntityRef) (*models.Score, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	scores := s.scores[entity.Key()]
	if len(scores) == 0 {
		return nil, nil
	}
	return &scores[0], nil
}

func (s *stubStore) TwoLatestScores(_ context.Context, entity models.EntityRef) (*models.Score, *models.Score, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	scores := s.scores[entity.Key()]
	var latest, previous *models.Score
	if len(scores) > 0 {
		latest = &scores[0]
	}
	if len(scores) > 1 {
		previous = &scores[1]
	}
	return latest, previous, nil
}

func (s *stubStore) IndexScore(_ context.Context, score models.Score) error {
	key := score.Entity.Key()
	if err := s.scoreErr[key]; err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.indexed++
	s.scores[key] = append([]models.Score{score}, s.scores[key]...)
	return nil
}

// fixedEngine returns a preset score per entity key, so drift scenarios are
// exact.
type fixedEngine struct {
	clock  clockwork.Clock
	scores map[string]float64
}

func (e *fixedEngine) Compute(in scoring.Input) models.Score {
	return models.Score{
		ID:        "test-" + in.Entity.Key(),
		Entity:    in.Entity,
		Score:     e.scores[in.Entity.Key()],
		Grade:     "C",
		CreatedAt: e.clock.Now().UTC(),
	}
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func entity(id string) models.EntityRef {
	return models.EntityRef{Kind: models.KindProduct, ID: id, Name: id}
}

func TestFullRescoresEveryEntity(t *testing.T) {
	clock := clockwork.NewFakeClock()
	store := newStubStore()
	store.entities = []models.EntityRef{entity("a"), entity("b"), entity("c")}
	engine := &fixedEngine{clock: clock, scores: map[string]float64{}}

	s := New(store, engine, discard(), clock, time.Hour, 10)
	report := s.Full(context.Background())

	require.False(t, report.AlreadyRunning)
	require.Equal(t, ModeFull, report.Mode)
	require.Equal(t, 3, report.Updated)
	require.Zero(t, report.Skipped)
	require.Empty(t, report.Errors)
	require.Equal(t, 3, store.indexed)
}

func TestIncrementalStaleness(t *testing.T) {
	clock := clockwork.NewFakeClock()
	now := clock.Now()
	store := newStubStore()
	engine := &fixedEngine{clock: clock, scores: map[string]float64{}}

	// Never scored: stale.
	neverScored := entity("never")

	// Scored, newer evidence inside lookback: stale.
	staleEnt := entity("stale")
	store.scores[staleEnt.Key()] = []models.Score{{Entity: staleEnt, CreatedAt: now.Add(-2 * time.Hour)}}
	store.eventTs[staleEnt.Key()] = now.Add(-time.Hour)

	// Scored after its newest evidence: fresh.
	freshEnt := entity("fresh")
	store.scores[freshEnt.Key()] = []models.Score{{Entity: freshEnt, CreatedAt: now.Add(-time.Hour)}}
	store.eventTs[freshEnt.Key()] = now.Add(-2 * time.Hour)

	// Newer evidence, but older than the lookback window: left alone.
	ancient := entity("ancient")
	store.scores[ancient.Key()] = []models.Score{{Entity: ancient, CreatedAt: now.Add(-100 * time.Hour)}}
	store.eventTs[ancient.Key()] = now.Add(-50 * time.Hour)

	store.entities = []models.EntityRef{neverScored, staleEnt, freshEnt, ancient}

	s := New(store, engine, discard(), clock, 24*time.Hour, 10)
	report := s.Incremental(context.Background())

	require.Equal(t, 2, report.Updated)
	require.Equal(t, 2, report.Skipped)
	require.Empty(t, report.Errors)
}

func TestDriftDetection(t *testing.T) {
	clock := clockwork.NewFakeClock()
	now := clock.Now()
	store := newStubStore()

	jumped := entity("jumped")
	store.scores[jumped.Key()] = []models.Score{{Entity: jumped, Score: 40, CreatedAt: now.Add(-time.Hour)}}

	steady := entity("steady")
	store.scores[steady.Key()] = []models.Score{{Entity: steady, Score: 62, CreatedAt: now.Add(-time.Hour)}}

	store.entities = []models.EntityRef{jumped, steady}
	engine := &fixedEngine{clock: clock, scores: map[string]float64{
		jumped.Key(): 75,
		steady.Key(): 65,
	}}

	s := New(store, engine, discard(), clock, time.Hour, 10)
	report := s.Full(context.Background())

	require.Equal(t, 2, report.Updated)
	require.Len(t, report.Drifts, 1)
	drift := report.Drifts[0]
	require.Equal(t, jumped.Key(), drift.Entity.Key())
	require.Equal(t, 40.0, drift.Previous)
	require.Equal(t, 75.0, drift.Current)
	require.Equal(t, 35.0, drift.Delta)
}

func TestPerEntityErrorsDoNotAbortPass(t *testing.T) {
	clock := clockwork.NewFakeClock()
	store := newStubStore()
	bad := entity("bad")
	good := entity("good")
	store.entities = []models.EntityRef{bad, good}
	store.scoreErr[bad.Key()] = errors.New("index rejected")
	engine := &fixedEngine{clock: clock, scores: map[string]float64{}}

	s := New(store, engine, discard(), clock, time.Hour, 10)
	report := s.Full(context.Background())

	require.Equal(t, 1, report.Updated)
	require.Len(t, report.Errors, 1)
	require.Equal(t, bad.Key(), report.Errors[0].Entity.Key())
	require.ErrorContains(t, report.Errors[0].Err, "index rejected")
}

func TestConcurrentPassReturnsAlreadyRunning(t *testing.T) {
	clock := clockwork.NewFakeClock()
	store := newStubStore()
	store.entities = []models.EntityRef{entity("a")}
	store.enter = make(chan struct{})
	store.release = make(chan struct{})
	engine := &fixedEngine{clock: clock, scores: map[string]float64{}}

	s := New(store, engine, discard(), clock, time.Hour, 10)

	var winner Report
	done := make(chan struct{})
	go func() {
		winner = s.Full(context.Background())
		close(done)
	}()

	<-store.enter // first pass is inside the guard
	loser := s.Incremental(context.Background())
	require.True(t, loser.AlreadyRunning)
	require.Zero(t, loser.Updated)

	close(store.release)
	<-done
	require.False(t, winner.AlreadyRunning)
	require.Equal(t, 1, winner.Updated)

	// The guard resets once the pass finishes.
	store.enter = nil
	store.release = nil
	again := s.Full(context.Background())
	require.False(t, again.AlreadyRunning)
}
