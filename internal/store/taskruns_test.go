package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordTaskRunEvent_InsertsRunAndState(t *testing.T) {
	s, clock := createClockedStore(t)
	ctx := context.Background()

	runID, stateID, flowRunID := uuid.New(), uuid.New(), uuid.New()
	rec := taskRunEvent(runID, stateID, "PENDING", "my-task-0", testEpoch)
	rec.TaskRun.FlowRunID = &flowRunID

	require.NoError(t, s.RecordTaskRunEvent(ctx, rec))

	run, err := s.ReadTaskRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, runID, run.ID)
	require.NotNil(t, run.FlowRunID)
	assert.Equal(t, flowRunID, *run.FlowRunID)
	assert.Equal(t, "my-task-0", run.Name)
	assert.Equal(t, []string{"db"}, run.Tags)
	assert.Equal(t, json.Number("0"), run.Attributes["run_count"])
	require.NotNil(t, run.StateID)
	assert.Equal(t, stateID, *run.StateID)
	assert.Equal(t, "PENDING", run.StateType)
	require.NotNil(t, run.StateTimestamp)
	assert.True(t, run.StateTimestamp.Equal(testEpoch))
	assert.True(t, run.Created.Equal(clock.Now()))

	states, err := s.ListTaskRunStates(ctx, runID)
	require.NoError(t, err)
	require.Len(t, states, 1)
	assert.Equal(t, stateID, states[0].ID)
	assert.Equal(t, runID, states[0].TaskRunID)
	assert.Equal(t, "PENDING", states[0].Type)
}

func TestRecordTaskRunEvent_NewerStateWins(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	runID := uuid.New()

	pending := taskRunEvent(runID, uuid.New(), "PENDING", "old-name", testEpoch)
	running := taskRunEvent(runID, uuid.New(), "RUNNING", "new-name", testEpoch.Add(time.Second))

	require.NoError(t, s.RecordTaskRunEvent(ctx, pending))
	require.NoError(t, s.RecordTaskRunEvent(ctx, running))

	run, err := s.ReadTaskRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, "RUNNING", run.StateType)
	assert.Equal(t, "new-name", run.Name)
	assert.Equal(t, running.State.ID, *run.StateID)
}

func TestRecordTaskRunEvent_OlderStateDoesNotRegress(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	runID := uuid.New()

	pending := taskRunEvent(runID, uuid.New(), "PENDING", "old-name", testEpoch)
	running := taskRunEvent(runID, uuid.New(), "RUNNING", "new-name", testEpoch.Add(time.Second))

	// Reverse delivery.
	require.NoError(t, s.RecordTaskRunEvent(ctx, running))
	require.NoError(t, s.RecordTaskRunEvent(ctx, pending))

	run, err := s.ReadTaskRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, "RUNNING", run.StateType)
	assert.Equal(t, "new-name", run.Name, "older event must not overwrite attributes")
	assert.True(t, run.StateTimestamp.Equal(testEpoch.Add(time.Second)))

	// Both states are kept as history.
	states, err := s.ListTaskRunStates(ctx, runID)
	require.NoError(t, err)
	require.Len(t, states, 2)
	assert.Equal(t, "PENDING", states[0].Type)
	assert.Equal(t, "RUNNING", states[1].Type)
}

func TestRecordTaskRunEvent_RedeliveryIsIdempotent(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	runID := uuid.New()
	rec := taskRunEvent(runID, uuid.New(), "COMPLETED", "my-task-0", testEpoch)

	for i := 0; i < 3; i++ {
		require.NoError(t, s.RecordTaskRunEvent(ctx, rec))
	}

	states, err := s.ListTaskRunStates(ctx, runID)
	require.NoError(t, err)
	assert.Len(t, states, 1)

	var count int
	require.NoError(t, s.db.QueryRow("SELECT COUNT(*) FROM task_runs").Scan(&count))
	assert.Equal(t, 1, count)
}

func TestRecordTaskRunEvent_KeepsFlowRunWhenLaterEventOmitsIt(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	runID, flowRunID := uuid.New(), uuid.New()

	first := taskRunEvent(runID, uuid.New(), "PENDING", "t", testEpoch)
	first.TaskRun.FlowRunID = &flowRunID
	second := taskRunEvent(runID, uuid.New(), "RUNNING", "t", testEpoch.Add(time.Second))

	require.NoError(t, s.RecordTaskRunEvent(ctx, first))
	require.NoError(t, s.RecordTaskRunEvent(ctx, second))

	run, err := s.ReadTaskRun(ctx, runID)
	require.NoError(t, err)
	require.NotNil(t, run.FlowRunID)
	assert.Equal(t, flowRunID, *run.FlowRunID)
}

func TestRecordTaskRunEvent_PartialPayloadKeepsColumns(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	runID := uuid.New()

	pending := taskRunEvent(runID, uuid.New(), "PENDING", "my-task-0", testEpoch)
	pending.TaskRun.Attributes = map[string]any{"run_count": 1, "flow_run_run_count": 1}
	running := taskRunEvent(runID, uuid.New(), "RUNNING", "", testEpoch.Add(time.Second))
	running.TaskRun.TaskKey, running.TaskRun.DynamicKey, running.TaskRun.Tags = "", "", []string{}
	running.TaskRun.Attributes = map[string]any{"run_count": 2}
	running.Present = map[string]bool{}

	require.NoError(t, s.RecordTaskRunEvent(ctx, pending))
	require.NoError(t, s.RecordTaskRunEvent(ctx, running))

	run, err := s.ReadTaskRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, "RUNNING", run.StateType)
	assert.Equal(t, "my-task-0", run.Name)
	assert.Equal(t, "my_task-abc123", run.TaskKey)
	assert.Equal(t, "0", run.DynamicKey)
	assert.Equal(t, []string{"db"}, run.Tags)
	assert.Equal(t, map[string]any{
		"run_count":          json.Number("2"),
		"flow_run_run_count": json.Number("1"),
	}, run.Attributes)
}

func TestRecordTaskRunEvent_PresentColumnsOverwrite(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	runID := uuid.New()

	pending := taskRunEvent(runID, uuid.New(), "PENDING", "old-name", testEpoch)
	running := taskRunEvent(runID, uuid.New(), "RUNNING", "new-name", testEpoch.Add(time.Second))
	running.TaskRun.Tags = []string{}
	running.Present = map[string]bool{ColumnName: true, ColumnTags: true}

	require.NoError(t, s.RecordTaskRunEvent(ctx, pending))
	require.NoError(t, s.RecordTaskRunEvent(ctx, running))

	run, err := s.ReadTaskRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, "new-name", run.Name)
	assert.Empty(t, run.Tags, "an explicit empty tag list clears the tags")
	assert.Equal(t, "my_task-abc123", run.TaskKey)
}

func TestReadTaskRun_NotFound(t *testing.T) {
	s := createTestStore(t)

	_, err := s.ReadTaskRun(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
	assert.True(t, IsNotFound(err))
}

func TestListTaskRunStates_Empty(t *testing.T) {
	s := createTestStore(t)

	states, err := s.ListTaskRunStates(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.NotNil(t, states)
	assert.Empty(t, states)
}
