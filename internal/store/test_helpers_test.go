package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/runrecorder/internal/testutil"
)

var testEpoch = testutil.Epoch

// createTestStore creates a new store in a temp dir for testing.
func createTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path, opts...)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createClockedStore creates a store whose created/updated columns follow
// a fake clock.
func createClockedStore(t *testing.T) (*Store, *testutil.Clock) {
	t.Helper()
	clock := testutil.NewClock(time.Time{})
	return createTestStore(t, WithClock(clock.Now)), clock
}

// taskRunEvent builds a record with minimal required fields.
func taskRunEvent(runID, stateID uuid.UUID, stateType, name string, ts time.Time) TaskRunEvent {
	return TaskRunEvent{
		TaskRun: TaskRun{
			ID:         runID,
			Name:       name,
			TaskKey:    "my_task-abc123",
			DynamicKey: "0",
			Tags:       []string{"db"},
			Attributes: map[string]any{"run_count": 0},
		},
		State: TaskRunState{
			ID:           stateID,
			TaskRunID:    runID,
			Type:         stateType,
			Name:         stateType,
			Timestamp:    ts,
			StateDetails: map[string]any{},
		},
	}
}
