package cache

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/fairlens/trustscope/backend/internal/models"
)

func TestKeyFormat(t *testing.T) {
	entity := models.EntityRef{Kind: models.KindProduct, ID: "sku-42"}
	require.Equal(t, "trust:v1:product:sku-42", Key(entity))

	company := models.EntityRef{Kind: models.KindCompany, ID: "acme"}
	require.Equal(t, "trust:v1:company:acme", Key(company))
}

func TestMemoryRoundTrip(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory(10, clockwork.NewFakeClock())

	_, ok, err := mem.Get(ctx, "trust:v1:product:a")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, mem.Set(ctx, "trust:v1:product:a", []byte(`{"score":72}`), time.Hour))

	val, ok, err := mem.Get(ctx, "trust:v1:product:a")
	require.NoError(t, err)
	require.True(t, ok)
	require.JSONEq(t, `{"score":72}`, string(val))
}

func TestMemoryTTLExpiry(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	mem := NewMemory(10, clock)

	require.NoError(t, mem.Set(ctx, "k", []byte("v"), time.Hour))

	clock.Advance(59 * time.Minute)
	_, ok, err := mem.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)

	clock.Advance(2 * time.Minute)
	_, ok, err = mem.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMemoryDelete(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory(10, clockwork.NewFakeClock())

	require.NoError(t, mem.Set(ctx, "k", []byte("v"), time.Hour))
	require.NoError(t, mem.Delete(ctx, "k"))

	_, ok, err := mem.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)

	// Deleting an absent key is not an error.
	require.NoError(t, mem.Delete(ctx, "k"))
}

func TestMemoryCapacityBound(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory(3, clockwork.NewFakeClock())

	for _, k := range []string{"a", "b", "c", "d", "e"} {
		require.NoError(t, mem.Set(ctx, k, []byte("v"), time.Hour))
	}

	require.LessOrEqual(t, len(mem.items), 3)
}

func TestMemoryCopiesValues(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory(10, clockwork.NewFakeClock())

	src := []byte("original")
	require.NoError(t, mem.Set(ctx, "k", src, time.Hour))
	src[0] = 'X'

	val, ok, err := mem.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "original", string(val))
}
