package recorder

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/runrecorder/internal/messaging"
	"github.com/roach88/runrecorder/internal/ordering"
	tu "github.com/roach88/runrecorder/internal/testutil"
)

// syncBuffer is a bytes.Buffer safe for concurrent log writes.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestService_RecordsOutOfOrderStream(t *testing.T) {
	f := newFixture(t)
	brokerMetrics := messaging.MustNewMetrics(prometheus.NewRegistry())
	broker := messaging.NewMemoryBroker("events", messaging.WithMetrics(brokerMetrics))
	ctx := context.Background()

	runID := uuid.New()
	chain := tu.Chain(runID, f.clock.Now(), "PENDING", "RUNNING", "COMPLETED")
	for _, i := range []int{2, 0, 1} {
		require.NoError(t, broker.Publish(ctx, tu.MustEncode(chain[i])))
	}
	require.NoError(t, broker.Publish(ctx, []byte("garbage")))
	require.NoError(t, broker.Close())

	svc := NewService(broker, f.handler, WithBrokerMetrics(brokerMetrics))
	require.NoError(t, svc.Run(ctx), "a drained broker stops the service cleanly")

	run, err := f.store.ReadTaskRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, "COMPLETED", run.StateType)

	letters, err := f.store.ListDeadLetters(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, letters, 1)

	assert.Equal(t, messaging.Throughput{Published: 4, Consumed: 4}, brokerMetrics.Snapshot("events"))
}

func TestService_StopsOnCancel(t *testing.T) {
	f := newFixture(t)
	broker := messaging.NewMemoryBroker("events")
	svc := NewService(broker, f.handler)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	<-svc.Started()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("service did not stop")
	}
}

func TestService_SweepsLostFollowers(t *testing.T) {
	f := newFixture(t, WithOrderingOptions(ordering.WithLookback(time.Minute)))
	broker := messaging.NewMemoryBroker("events")
	svc := NewService(broker, f.handler, WithSweepInterval(5*time.Millisecond))

	runID := uuid.New()
	chain := tu.Chain(runID, f.clock.Now(), "PENDING", "RUNNING")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()
	<-svc.Started()

	require.NoError(t, broker.Publish(ctx, tu.MustEncode(chain[1])))
	require.Eventually(t, func() bool {
		return f.handler.Ordering().Stats().Parked == 1
	}, 2*time.Second, 5*time.Millisecond)

	f.clock.Advance(2 * time.Minute)
	require.Eventually(t, func() bool {
		_, err := f.store.ReadTaskRun(context.Background(), runID)
		return err == nil
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	run, err := f.store.ReadTaskRun(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, "RUNNING", run.StateType)
}

func TestService_LogsThroughput(t *testing.T) {
	f := newFixture(t)
	brokerMetrics := messaging.MustNewMetrics(prometheus.NewRegistry())
	broker := messaging.NewMemoryBroker("events", messaging.WithMetrics(brokerMetrics))

	var logs syncBuffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))
	svc := NewService(broker, f.handler,
		WithBrokerMetrics(brokerMetrics),
		WithMetricsInterval(5*time.Millisecond),
		WithServiceLogger(logger),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	ev := tu.TaskRunEvent(uuid.New(), uuid.New(), "PENDING", f.clock.Now(), nil)
	require.NoError(t, broker.Publish(ctx, tu.MustEncode(ev)))

	require.Eventually(t, func() bool {
		return strings.Contains(logs.String(), "published=1 consumed=1")
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.Contains(t, logs.String(), "topic=events")
}
