package recorder

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/runrecorder/internal/events"
	"github.com/roach88/runrecorder/internal/store"
	"github.com/roach88/runrecorder/internal/testutil"
)

func TestTaskRunFromEvent(t *testing.T) {
	runID, flowRunID := uuid.New(), uuid.New()
	ev := testutil.TaskRunEvent(uuid.New(), runID, "RUNNING", testutil.Epoch, nil)
	ev.Related = []events.Resource{{
		events.LabelResourceID:   events.KindFlowRun + "." + flowRunID.String(),
		events.LabelResourceRole: RoleFlowRun,
	}}
	ev.Payload["validated_state"] = map[string]any{
		"type":          "RUNNING",
		"message":       "go",
		"state_details": map[string]any{"retriable": true},
	}
	ev.Payload["task_run"] = map[string]any{
		"id":                         uuid.NewString(),
		"name":                       "my-task-0",
		"task_key":                   "my_task-abc123",
		"dynamic_key":                "0",
		"tags":                       []any{"db", "etl"},
		"state":                      map[string]any{"type": "RUNNING"},
		"created":                    "2026-01-01T00:00:00Z",
		"estimated_run_time":         1.5,
		"estimated_start_time_delta": 0.2,
		"run_count":                  1,
		"empirical_policy":           map[string]any{"retries": 2},
	}

	rec, err := TaskRunFromEvent(ev)
	require.NoError(t, err)

	run := rec.TaskRun
	assert.Equal(t, runID, run.ID)
	require.NotNil(t, run.FlowRunID)
	assert.Equal(t, flowRunID, *run.FlowRunID)
	assert.Equal(t, "my-task-0", run.Name)
	assert.Equal(t, "my_task-abc123", run.TaskKey)
	assert.Equal(t, "0", run.DynamicKey)
	assert.Equal(t, []string{"db", "etl"}, run.Tags)
	assert.Equal(t, map[string]any{
		"run_count":        1,
		"empirical_policy": map[string]any{"retries": 2},
	}, run.Attributes)

	state := rec.State
	assert.Equal(t, ev.ID, state.ID)
	assert.Equal(t, runID, state.TaskRunID)
	assert.Equal(t, "RUNNING", state.Type)
	assert.Equal(t, "Running", state.Name)
	assert.Equal(t, "go", state.Message)
	assert.True(t, state.Timestamp.Equal(ev.Occurred))
	assert.Equal(t, map[string]any{
		"retriable":   true,
		"task_run_id": runID.String(),
		"flow_run_id": flowRunID.String(),
	}, state.StateDetails)
}

func TestTaskRunFromEvent_Present(t *testing.T) {
	ev := testutil.TaskRunEvent(uuid.New(), uuid.New(), "RUNNING", testutil.Epoch, nil)
	ev.Payload["task_run"] = map[string]any{"tags": []any{}, "run_count": 2}

	rec, err := TaskRunFromEvent(ev)
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{store.ColumnTags: true}, rec.Present)
	assert.True(t, rec.Carries(store.ColumnTags))
	assert.False(t, rec.Carries(store.ColumnName))
	assert.False(t, rec.Carries(store.ColumnTaskKey))
	assert.False(t, rec.Carries(store.ColumnDynamicKey))
}

func TestTaskRunFromEvent_ExplicitStateName(t *testing.T) {
	ev := testutil.TaskRunEvent(uuid.New(), uuid.New(), "COMPLETED", testutil.Epoch, nil)
	ev.Payload["validated_state"] = map[string]any{"type": "COMPLETED", "name": "Cached"}

	rec, err := TaskRunFromEvent(ev)
	require.NoError(t, err)
	assert.Equal(t, "Cached", rec.State.Name)
	assert.Nil(t, rec.TaskRun.FlowRunID)
}

func TestTaskRunFromEvent_FlowRunFromPayload(t *testing.T) {
	flowRunID := uuid.New()
	ev := testutil.TaskRunEvent(uuid.New(), uuid.New(), "PENDING", testutil.Epoch, nil)
	ev.Payload["task_run"].(map[string]any)["flow_run_id"] = flowRunID.String()

	rec, err := TaskRunFromEvent(ev)
	require.NoError(t, err)
	require.NotNil(t, rec.TaskRun.FlowRunID)
	assert.Equal(t, flowRunID, *rec.TaskRun.FlowRunID)
	assert.NotContains(t, rec.TaskRun.Attributes, "flow_run_id")
}

func TestTaskRunFromEvent_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(ev *events.Event)
	}{
		{"missing validated_state", func(ev *events.Event) { delete(ev.Payload, "validated_state") }},
		{"missing task_run", func(ev *events.Event) { delete(ev.Payload, "task_run") }},
		{"unknown state type", func(ev *events.Event) {
			ev.Payload["validated_state"] = map[string]any{"type": "EXPLODED"}
		}},
		{"state type not a string", func(ev *events.Event) {
			ev.Payload["validated_state"] = map[string]any{"type": 3}
		}},
		{"state details not an object", func(ev *events.Event) {
			ev.Payload["validated_state"] = map[string]any{"type": "RUNNING", "state_details": "x"}
		}},
		{"tags not strings", func(ev *events.Event) {
			ev.Payload["task_run"].(map[string]any)["tags"] = []any{1}
		}},
		{"name not a string", func(ev *events.Event) {
			ev.Payload["task_run"].(map[string]any)["name"] = []any{}
		}},
		{"wrong resource kind", func(ev *events.Event) {
			ev.Resource[events.LabelResourceID] = "prefect.flow-run." + uuid.NewString()
		}},
		{"bad flow run resource", func(ev *events.Event) {
			ev.Related = []events.Resource{{
				events.LabelResourceID:   "prefect.flow-run.nope",
				events.LabelResourceRole: RoleFlowRun,
			}}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := testutil.TaskRunEvent(uuid.New(), uuid.New(), "RUNNING", testutil.Epoch, nil)
			tt.mutate(&ev)

			_, err := TaskRunFromEvent(ev)
			require.Error(t, err)
			assert.True(t, events.IsDecodeError(err), "expected DecodeError, got %v", err)
		})
	}
}

func TestDefaultStateName(t *testing.T) {
	tests := map[string]string{
		"RUNNING":    "Running",
		"CANCELLING": "Cancelling",
		"SCHEDULED":  "Scheduled",
	}
	for in, want := range tests {
		assert.Equal(t, want, DefaultStateName(in))
	}
}
