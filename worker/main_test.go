package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"

	responsecache "github.com/fairlens/trustscope/backend/internal/cache"
	"github.com/fairlens/trustscope/backend/internal/dedupe"
	"github.com/fairlens/trustscope/backend/internal/models"
)

type stubIndexer struct {
	events []models.CanonicalEvent
}

func (s *stubIndexer) IndexEvent(_ context.Context, ev models.CanonicalEvent) error {
	s.events = append(s.events, ev)
	return nil
}

func discardLog() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testEvent() models.CanonicalEvent {
	return models.CanonicalEvent{
		ID:          "ev-1",
		Source:      "complaintdesk",
		Type:        models.EventComplaint,
		Severity:    0.7,
		Title:       "Refund refused",
		Description: "customer in 94110 reports a defective unit",
		ParsedAt:    time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC),
		Entity:      models.EntityRef{Kind: models.KindProduct, ID: "sku-1", Name: "Acme Kettle"},
	}
}

func message(t *testing.T, ev models.CanonicalEvent) kafka.Message {
	t.Helper()
	data, err := json.Marshal(ev)
	require.NoError(t, err)
	return kafka.Message{Value: data}
}

func TestProcessMessageIndexesAndInvalidates(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	idx := &stubIndexer{}
	respCache := responsecache.NewMemory(16, clock)
	seen := dedupe.NewCache(100, time.Hour, clock)

	ev := testEvent()
	key := responsecache.Key(ev.Entity)
	require.NoError(t, respCache.Set(ctx, key, []byte(`{"score":70}`), time.Hour))

	require.NoError(t, processMessage(ctx, discardLog(), idx, respCache, seen, message(t, ev)))

	require.Len(t, idx.events, 1)
	require.Equal(t, "ev-1", idx.events[0].ID)

	// The cached trust response died with the ingest.
	_, ok, err := respCache.Get(ctx, key)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestProcessMessageDeduplicates(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	idx := &stubIndexer{}
	respCache := responsecache.NewMemory(16, clock)
	seen := dedupe.NewCache(100, time.Hour, clock)

	msg := message(t, testEvent())
	require.NoError(t, processMessage(ctx, discardLog(), idx, respCache, seen, msg))
	require.NoError(t, processMessage(ctx, discardLog(), idx, respCache, seen, msg))

	require.Len(t, idx.events, 1)
}

func TestProcessMessageRedactsDescription(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	idx := &stubIndexer{}
	respCache := responsecache.NewMemory(16, clock)
	seen := dedupe.NewCache(100, time.Hour, clock)

	require.NoError(t, processMessage(ctx, discardLog(), idx, respCache, seen, message(t, testEvent())))

	require.Len(t, idx.events, 1)
	require.Contains(t, idx.events[0].Description, "941**")
	require.NotContains(t, idx.events[0].Description, "94110")
}

func TestProcessMessageParsesPolicyText(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	idx := &stubIndexer{}
	respCache := responsecache.NewMemory(16, clock)
	seen := dedupe.NewCache(100, time.Hour, clock)

	ev := testEvent()
	ev.ID = "ev-policy"
	ev.Type = models.EventPolicy
	ev.Description = "2 year limited warranty covering parts and labor, 30-day money back guarantee"
	ev.Details = nil

	require.NoError(t, processMessage(ctx, discardLog(), idx, respCache, seen, message(t, ev)))
	require.Len(t, idx.events, 1)

	var facts models.PolicyFacts
	require.NoError(t, json.Unmarshal(idx.events[0].Details, &facts))
	require.Equal(t, 24, facts.WarrantyMonths)
	require.True(t, facts.PartsCovered)
	require.True(t, facts.LaborCovered)
	require.Equal(t, 30, facts.RefundDays)
	require.Greater(t, facts.Confidence, 0.0)
}

func TestProcessMessageRejectsInvalidEvents(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	idx := &stubIndexer{}
	respCache := responsecache.NewMemory(16, clock)
	seen := dedupe.NewCache(100, time.Hour, clock)

	cases := map[string]func(*models.CanonicalEvent){
		"missing id":       func(ev *models.CanonicalEvent) { ev.ID = "" },
		"missing source":   func(ev *models.CanonicalEvent) { ev.Source = "" },
		"severity too big": func(ev *models.CanonicalEvent) { ev.Severity = 1.2 },
		"negative":         func(ev *models.CanonicalEvent) { ev.Severity = -0.1 },
		"bad kind":         func(ev *models.CanonicalEvent) { ev.Entity.Kind = "robot" },
		"no entity id":     func(ev *models.CanonicalEvent) { ev.Entity.ID = "" },
	}

	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			ev := testEvent()
			mutate(&ev)
			err := processMessage(ctx, discardLog(), idx, respCache, seen, message(t, ev))
			require.Error(t, err)
		})
	}

	require.Empty(t, idx.events)

	malformed := kafka.Message{Value: []byte("not json")}
	require.Error(t, processMessage(ctx, discardLog(), idx, respCache, seen, malformed))
}
