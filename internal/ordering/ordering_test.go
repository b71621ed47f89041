package ordering

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/runrecorder/internal/events"
	"github.com/roach88/runrecorder/internal/testutil"
)

// recorder collects the ids passed to a Handler.
type recorder struct {
	mu   sync.Mutex
	ids  []uuid.UUID
	fail map[uuid.UUID]error
}

func (r *recorder) handle(_ context.Context, ev events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err, ok := r.fail[ev.ID]; ok {
		return err
	}
	r.ids = append(r.ids, ev.ID)
	return nil
}

func (r *recorder) handled() []uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uuid.UUID(nil), r.ids...)
}

func ids(evs []events.Event) []uuid.UUID {
	out := make([]uuid.UUID, len(evs))
	for i, ev := range evs {
		out[i] = ev.ID
	}
	return out
}

func newTestOrdering(clock *testutil.Clock, opts ...Option) *CausalOrdering {
	return New("test", append([]Option{WithClock(clock.Now)}, opts...)...)
}

func TestDecision_String(t *testing.T) {
	assert.Equal(t, "ready", Ready.String())
	assert.Equal(t, "parked", Parked.String())
	assert.Equal(t, "unknown", Decision(0).String())
}

func TestAdmit_ChainStartIsReady(t *testing.T) {
	clock := testutil.NewClock(time.Time{})
	o := newTestOrdering(clock)

	chain := testutil.Chain(uuid.New(), clock.Now(), "PENDING")
	assert.Equal(t, Ready, o.Admit(chain[0]))
	assert.Equal(t, 0, o.Stats().Parked)
}

func TestAdmit_EarlyEventIsParked(t *testing.T) {
	clock := testutil.NewClock(time.Time{})
	o := newTestOrdering(clock)

	chain := testutil.Chain(uuid.New(), clock.Now(), "PENDING", "RUNNING")

	assert.Equal(t, Parked, o.Admit(chain[1]))
	assert.Equal(t, Parked, o.Admit(chain[1]), "parking twice is a no-op")
	assert.Equal(t, 1, o.Stats().Parked)
	assert.Equal(t, 1, o.Stats().Chains)

	released := o.Complete(chain[0])
	assert.Equal(t, []uuid.UUID{chain[1].ID}, ids(released))
	assert.Equal(t, 0, o.Stats().Parked)
	assert.True(t, o.Seen(chain[0].ID))

	assert.Equal(t, Ready, o.Admit(chain[1]), "predecessor now seen")
}

func TestAdmit_OldEventIsNotParked(t *testing.T) {
	clock := testutil.NewClock(time.Time{})
	o := newTestOrdering(clock, WithLookback(time.Minute))

	chain := testutil.Chain(uuid.New(), clock.Now(), "PENDING", "RUNNING")
	clock.Advance(2 * time.Minute)

	assert.Equal(t, Ready, o.Admit(chain[1]))
}

func TestProcess_DrainsInOrder(t *testing.T) {
	clock := testutil.NewClock(time.Time{})
	o := newTestOrdering(clock)
	rec := &recorder{}
	ctx := context.Background()

	chain := testutil.Chain(uuid.New(), clock.Now(), "PENDING", "RUNNING", "COMPLETED")

	// Deliver in reverse: both successors park.
	d, err := o.Process(ctx, chain[2], rec.handle)
	require.NoError(t, err)
	assert.Equal(t, Parked, d)

	d, err = o.Process(ctx, chain[1], rec.handle)
	require.NoError(t, err)
	assert.Equal(t, Parked, d)
	assert.Empty(t, rec.handled())

	d, err = o.Process(ctx, chain[0], rec.handle)
	require.NoError(t, err)
	assert.Equal(t, Ready, d)

	assert.Equal(t, ids(chain), rec.handled())
	assert.Equal(t, Stats{Chains: 0, Parked: 0, Seen: 3}, o.Stats())
}

func TestProcess_AllPermutations(t *testing.T) {
	clock := testutil.NewClock(time.Time{})
	chain := testutil.Chain(uuid.New(), clock.Now(), "PENDING", "RUNNING", "COMPLETED", "COMPLETED")

	for _, perm := range permutations(len(chain)) {
		o := newTestOrdering(clock)
		rec := &recorder{}
		for _, i := range perm {
			_, err := o.Process(context.Background(), chain[i], rec.handle)
			require.NoError(t, err)
		}
		assert.Equal(t, ids(chain), rec.handled(), "delivery order %v", perm)
	}
}

func TestProcess_MultipleFollowersReleasedInArrivalOrder(t *testing.T) {
	clock := testutil.NewClock(time.Time{})
	o := newTestOrdering(clock)
	rec := &recorder{}
	ctx := context.Background()

	run := uuid.New()
	leader := testutil.TaskRunEvent(uuid.New(), run, "PENDING", clock.Now(), nil)
	first := testutil.TaskRunEvent(uuid.New(), run, "RUNNING", clock.Now(), &leader.ID)
	second := testutil.TaskRunEvent(uuid.New(), run, "RUNNING", clock.Now(), &leader.ID)

	_, _ = o.Process(ctx, first, rec.handle)
	_, _ = o.Process(ctx, second, rec.handle)
	_, err := o.Process(ctx, leader, rec.handle)
	require.NoError(t, err)

	assert.Equal(t, []uuid.UUID{leader.ID, first.ID, second.ID}, rec.handled())
}

func TestProcess_HandlerErrorOnReadyEvent(t *testing.T) {
	clock := testutil.NewClock(time.Time{})
	o := newTestOrdering(clock)
	chain := testutil.Chain(uuid.New(), clock.Now(), "PENDING", "RUNNING")
	boom := errors.New("store down")
	rec := &recorder{fail: map[uuid.UUID]error{chain[0].ID: boom}}
	ctx := context.Background()

	_, _ = o.Process(ctx, chain[1], rec.handle)

	d, err := o.Process(ctx, chain[0], rec.handle)
	assert.Equal(t, Ready, d)
	assert.ErrorIs(t, err, boom)
	assert.False(t, o.Seen(chain[0].ID), "failed event is not completed")
	assert.Equal(t, 1, o.Stats().Parked, "follower stays parked")

	// Redelivery succeeds and drains the follower.
	delete(rec.fail, chain[0].ID)
	_, err = o.Process(ctx, chain[0], rec.handle)
	require.NoError(t, err)
	assert.Equal(t, ids(chain), rec.handled())
}

func TestProcess_FollowerFailureReparks(t *testing.T) {
	clock := testutil.NewClock(time.Time{})
	o := newTestOrdering(clock)
	chain := testutil.Chain(uuid.New(), clock.Now(), "PENDING", "RUNNING", "COMPLETED")
	boom := errors.New("store down")
	rec := &recorder{fail: map[uuid.UUID]error{chain[1].ID: boom}}
	ctx := context.Background()

	_, _ = o.Process(ctx, chain[2], rec.handle)
	_, _ = o.Process(ctx, chain[1], rec.handle)

	d, err := o.Process(ctx, chain[0], rec.handle)
	assert.Equal(t, Ready, d)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 2, o.Stats().Parked, "failed follower parked again behind its leader")

	// The leader is redelivered because its message was not acked.
	delete(rec.fail, chain[1].ID)
	_, err = o.Process(ctx, chain[0], rec.handle)
	require.NoError(t, err)

	assert.Equal(t, []uuid.UUID{chain[0].ID, chain[0].ID, chain[1].ID, chain[2].ID}, rec.handled())
	assert.Equal(t, 0, o.Stats().Parked)
}

func TestProcess_UnrelatedChainsDoNotBlock(t *testing.T) {
	clock := testutil.NewClock(time.Time{})
	o := newTestOrdering(clock)
	ctx := context.Background()

	a := testutil.Chain(uuid.New(), clock.Now(), "PENDING")
	b := testutil.Chain(uuid.New(), clock.Now(), "PENDING")

	entered := make(chan struct{})
	unblock := make(chan struct{})
	slow := func(context.Context, events.Event) error {
		close(entered)
		<-unblock
		return nil
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = o.Process(ctx, a[0], slow)
	}()
	<-entered

	// Chain b proceeds while chain a's handler is still running.
	rec := &recorder{}
	_, err := o.Process(ctx, b[0], rec.handle)
	require.NoError(t, err)
	assert.Equal(t, ids(b), rec.handled())

	close(unblock)
	<-done
}

func TestDrainLost_ReleasesAfterLookback(t *testing.T) {
	clock := testutil.NewClock(time.Time{})
	o := newTestOrdering(clock, WithLookback(time.Minute))
	rec := &recorder{}
	ctx := context.Background()

	chain := testutil.Chain(uuid.New(), clock.Now(), "PENDING", "RUNNING", "COMPLETED")

	// chain[0] is lost; its successors park.
	_, _ = o.Process(ctx, chain[1], rec.handle)
	_, _ = o.Process(ctx, chain[2], rec.handle)

	n, err := o.DrainLost(ctx, rec.handle)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "still inside the lookback window")

	clock.Advance(2 * time.Minute)
	n, err = o.DrainLost(ctx, rec.handle)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []uuid.UUID{chain[1].ID, chain[2].ID}, rec.handled())
	assert.Equal(t, 0, o.Stats().Parked)
}

func TestDrainLost_FailureReparks(t *testing.T) {
	clock := testutil.NewClock(time.Time{})
	o := newTestOrdering(clock, WithLookback(time.Minute))
	chain := testutil.Chain(uuid.New(), clock.Now(), "PENDING", "RUNNING")
	boom := errors.New("store down")
	rec := &recorder{fail: map[uuid.UUID]error{chain[1].ID: boom}}
	ctx := context.Background()

	_, _ = o.Process(ctx, chain[1], rec.handle)
	clock.Advance(2 * time.Minute)

	n, err := o.DrainLost(ctx, rec.handle)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, n)
	assert.Equal(t, 1, o.Stats().Parked)

	delete(rec.fail, chain[1].ID)
	n, err = o.DrainLost(ctx, rec.handle)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestMaxParked_EvictsOldest(t *testing.T) {
	clock := testutil.NewClock(time.Time{})
	var evicted []uuid.UUID
	o := newTestOrdering(clock,
		WithMaxParked(2),
		WithEvictHandler(func(ev events.Event) { evicted = append(evicted, ev.ID) }),
	)

	var parked []events.Event
	for i := 0; i < 3; i++ {
		chain := testutil.Chain(uuid.New(), clock.Now(), "PENDING", "RUNNING")
		parked = append(parked, chain[1])
		require.Equal(t, Parked, o.Admit(chain[1]))
	}

	assert.Equal(t, []uuid.UUID{parked[0].ID}, evicted)
	assert.Equal(t, 2, o.Stats().Parked)
	assert.Equal(t, 2, o.Stats().Chains)
}

func TestSeenCapacity_Bounded(t *testing.T) {
	clock := testutil.NewClock(time.Time{})
	o := newTestOrdering(clock, WithSeenCapacity(2))

	for i := 0; i < 5; i++ {
		o.Complete(testutil.Chain(uuid.New(), clock.Now(), "PENDING")[0])
	}
	assert.Equal(t, 2, o.Stats().Seen)
}

// permutations returns every ordering of 0..n-1.
func permutations(n int) [][]int {
	var out [][]int
	var rec func(prefix []int, used []bool)
	rec = func(prefix []int, used []bool) {
		if len(prefix) == n {
			out = append(out, append([]int(nil), prefix...))
			return
		}
		for i := 0; i < n; i++ {
			if used[i] {
				continue
			}
			used[i] = true
			rec(append(prefix, i), used)
			used[i] = false
		}
	}
	rec(nil, make([]bool, n))
	return out
}

func TestReleaseLost(t *testing.T) {
	clock := testutil.NewClock(time.Time{})
	o := newTestOrdering(clock, WithLookback(time.Minute))

	a := testutil.Chain(uuid.New(), clock.Now(), "PENDING", "RUNNING")
	require.Equal(t, Parked, o.Admit(a[1]))
	clock.Advance(30 * time.Second)
	b := testutil.Chain(uuid.New(), clock.Now(), "PENDING", "RUNNING")
	require.Equal(t, Parked, o.Admit(b[1]))

	assert.Empty(t, o.ReleaseLost(clock.Now()))

	lost := o.ReleaseLost(clock.Now().Add(45 * time.Second))
	assert.Equal(t, []uuid.UUID{a[1].ID}, ids(lost))
	assert.Equal(t, 1, o.Stats().Parked)
	assert.Equal(t, 1, o.Stats().Chains)
}
