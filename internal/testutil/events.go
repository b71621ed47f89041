package testutil

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/runrecorder/internal/events"
)

// TaskRunEvent builds a recordable task run lifecycle event.
//
// stateType is the validated state type (e.g. "RUNNING"); follows may be
// nil. The event is received at occurred.
func TaskRunEvent(id, taskRunID uuid.UUID, stateType string, occurred time.Time, follows *uuid.UUID) events.Event {
	return events.Event{
		ID:       id,
		Event:    fmt.Sprintf("prefect.task-run.%s", stateType),
		Occurred: occurred.UTC(),
		Received: occurred.UTC(),
		Resource: events.Resource{
			events.LabelResourceID:    events.KindTaskRun + "." + taskRunID.String(),
			events.LabelOrchestration: events.OrchestrationClient,
		},
		Follows: follows,
		Payload: map[string]any{
			"validated_state": map[string]any{
				"type": stateType,
			},
			"task_run": map[string]any{
				"name":     "my-task-0",
				"task_key": "my_task-abc123",
			},
		},
	}
}

// Chain builds a linear chain of task run events, each following the
// previous one, one second apart starting at start.
func Chain(taskRunID uuid.UUID, start time.Time, stateTypes ...string) []events.Event {
	chain := make([]events.Event, 0, len(stateTypes))
	var prev *uuid.UUID
	for i, stateType := range stateTypes {
		id := uuid.New()
		chain = append(chain, TaskRunEvent(id, taskRunID, stateType, start.Add(time.Duration(i)*time.Second), prev))
		prev = &id
	}
	return chain
}

// MustEncode renders an event in wire form or panics.
func MustEncode(ev events.Event) []byte {
	data, err := events.Encode(ev)
	if err != nil {
		panic(fmt.Sprintf("encode event: %v", err))
	}
	return data
}
