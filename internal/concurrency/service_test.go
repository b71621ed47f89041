package concurrency

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/runrecorder/internal/store"
)

func newTestService(t *testing.T, opts ...Option) (*Service, *Metrics) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	metrics := MustNewMetrics(prometheus.NewRegistry())
	opts = append([]Option{WithMetrics(metrics)}, opts...)
	return NewService(s, opts...), metrics
}

func TestCreate_Validation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, _, err := svc.Create(ctx, "  ", 1)
	assert.True(t, IsValidationError(err))

	_, _, err = svc.Create(ctx, "db", 0)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "concurrency_limit", ve.Field)
}

func TestCreate_DuplicatePolicies(t *testing.T) {
	ctx := context.Background()

	t.Run("error", func(t *testing.T) {
		svc, _ := newTestService(t)
		_, created, err := svc.Create(ctx, "db", 2)
		require.NoError(t, err)
		assert.True(t, created)

		_, _, err = svc.Create(ctx, "db", 3)
		assert.True(t, IsAlreadyExists(err))
		assert.ErrorIs(t, err, store.ErrAlreadyExists)
	})

	t.Run("upsert", func(t *testing.T) {
		svc, _ := newTestService(t, WithCreatePolicy(PolicyUpsert))
		first, _, err := svc.Create(ctx, "db", 2)
		require.NoError(t, err)

		lim, created, err := svc.Create(ctx, "db", 3)
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, first.ID, lim.ID)
		assert.Equal(t, 3, lim.ConcurrencyLimit)
	})
}

func TestTagNormalization(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	decomposed := "cafe\u0301"
	composed := "caf\u00e9"

	lim, _, err := svc.Create(ctx, "  "+decomposed+" ", 1)
	require.NoError(t, err)
	assert.Equal(t, composed, lim.Tag)

	got, err := svc.Read(ctx, composed)
	require.NoError(t, err)
	assert.Equal(t, lim.ID, got.ID)

	_, _, err = svc.Create(ctx, composed, 1)
	assert.True(t, IsAlreadyExists(err), "normalized forms name the same limit")
}

func TestRead_NotFound(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.Read(context.Background(), "missing")
	var nf *NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "missing", nf.Tag)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.True(t, IsNotFoundError(err))
}

func TestList(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	for _, tag := range []string{"a", "b", "c"} {
		_, _, err := svc.Create(ctx, tag, 1)
		require.NoError(t, err)
	}

	all, err := svc.List(ctx, 0, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3, "zero limit means the default page size")

	page, err := svc.List(ctx, 2, 2)
	require.NoError(t, err)
	assert.Len(t, page, 1)

	_, err = svc.List(ctx, 10, -1)
	assert.True(t, IsValidationError(err))
}

// Capacity 2: run-1 and run-2 are admitted, run-3 is denied until run-1
// releases after 12.5s.
func TestSlots_CapacityScenario(t *testing.T) {
	svc, metrics := newTestService(t)
	ctx := context.Background()

	_, _, err := svc.Create(ctx, "db", 2)
	require.NoError(t, err)

	for _, holder := range []string{"run-1", "run-2"} {
		res, err := svc.Increment(ctx, []string{"db"}, holder)
		require.NoError(t, err)
		require.True(t, res.Acquired, holder)
	}

	res, err := svc.Increment(ctx, []string{"db"}, "run-3")
	require.NoError(t, err)
	assert.False(t, res.Acquired)
	assert.Equal(t, []string{"db"}, res.Blocking)

	limits, err := svc.Decrement(ctx, []string{"db"}, "run-1", 12.5)
	require.NoError(t, err)
	assert.Equal(t, []string{"run-2"}, limits[0].ActiveSlots)

	res, err = svc.Increment(ctx, []string{"db"}, "run-3")
	require.NoError(t, err)
	assert.True(t, res.Acquired)
	assert.Equal(t, []string{"run-2", "run-3"}, res.Limits[0].ActiveSlots)

	assert.Equal(t, 3.0, testutil.ToFloat64(metrics.increments.WithLabelValues("acquired")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.increments.WithLabelValues("denied")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.releases.WithLabelValues("db")))

	releases, err := svc.Releases(ctx, "db", 0)
	require.NoError(t, err)
	require.Len(t, releases, 1)
	assert.Equal(t, "run-1", releases[0].HolderID)
	assert.Equal(t, 12.5, releases[0].OccupancySeconds)
}

func TestIncrement_FullLimitBlocksAll(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, _, err := svc.Create(ctx, "A", 1)
	require.NoError(t, err)
	_, _, err = svc.Create(ctx, "B", 1)
	require.NoError(t, err)
	_, err = svc.Increment(ctx, []string{"A"}, "run-1")
	require.NoError(t, err)

	res, err := svc.Increment(ctx, []string{"A", "B"}, "run-2")
	require.NoError(t, err)
	assert.False(t, res.Acquired)

	a, err := svc.Read(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, []string{"run-1"}, a.ActiveSlots)
	b, err := svc.Read(ctx, "B")
	require.NoError(t, err)
	assert.Empty(t, b.ActiveSlots)
}

func TestIncrement_Validation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Increment(ctx, nil, "run-1")
	assert.True(t, IsValidationError(err))

	_, err = svc.Increment(ctx, []string{"A"}, " ")
	assert.True(t, IsValidationError(err))

	_, err = svc.Increment(ctx, []string{"missing"}, "run-1")
	assert.True(t, IsNotFoundError(err))
}

func TestDecrement_AbsentHolderIsNoop(t *testing.T) {
	svc, metrics := newTestService(t)
	ctx := context.Background()

	_, _, err := svc.Create(ctx, "db", 1)
	require.NoError(t, err)
	_, err = svc.Increment(ctx, []string{"db"}, "run-1")
	require.NoError(t, err)

	limits, err := svc.Decrement(ctx, []string{"db"}, "run-2", 4)
	require.NoError(t, err)
	assert.Equal(t, []string{"run-1"}, limits[0].ActiveSlots)
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.releases.WithLabelValues("db")))
}

func TestDecrement_Validation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, _, err := svc.Create(ctx, "db", 1)
	require.NoError(t, err)

	_, err = svc.Decrement(ctx, []string{"db"}, "run-1", -1)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "occupancy_seconds", ve.Field)

	_, err = svc.Decrement(ctx, []string{"db", "missing"}, "run-1", 1)
	assert.True(t, IsNotFoundError(err))
}

func TestReset_WithOverride(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, _, err := svc.Create(ctx, "db", 3)
	require.NoError(t, err)
	for _, holder := range []string{"run-1", "run-2"} {
		_, err := svc.Increment(ctx, []string{"db"}, holder)
		require.NoError(t, err)
	}

	lim, err := svc.Reset(ctx, "db", []string{"run-7"})
	require.NoError(t, err)
	assert.Equal(t, []string{"run-7"}, lim.ActiveSlots)

	lim, err = svc.Reset(ctx, "db", nil)
	require.NoError(t, err)
	assert.Empty(t, lim.ActiveSlots)

	_, err = svc.Reset(ctx, "missing", nil)
	assert.True(t, IsNotFoundError(err))
}

func TestDelete(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, _, err := svc.Create(ctx, "db", 1)
	require.NoError(t, err)
	require.NoError(t, svc.Delete(ctx, "db"))

	assert.True(t, IsNotFoundError(svc.Delete(ctx, "db")))
}

func TestParseCreatePolicy(t *testing.T) {
	p, err := ParseCreatePolicy("")
	require.NoError(t, err)
	assert.Equal(t, PolicyError, p)

	p, err = ParseCreatePolicy("Upsert")
	require.NoError(t, err)
	assert.Equal(t, PolicyUpsert, p)

	_, err = ParseCreatePolicy("merge")
	assert.True(t, IsValidationError(err))
}
