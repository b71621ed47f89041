package events

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TaskRunEventPrefix is the type prefix of task run lifecycle events.
const TaskRunEventPrefix = "prefect.task-run"

// OrchestrationClient marks events emitted by a tracked client.
const OrchestrationClient = "client"

// Decode parses a wire event. Received defaults to now when the event does
// not carry one.
func Decode(data []byte, now time.Time) (Event, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var ev Event
	if err := dec.Decode(&ev); err != nil {
		return Event{}, &DecodeError{Message: "invalid json", Err: err}
	}

	if ev.ID == uuid.Nil {
		return Event{}, newDecodeError("event has no id")
	}
	if strings.TrimSpace(ev.Event) == "" {
		return Event{}, newDecodeError("event %s has no type", ev.ID)
	}
	if ev.Occurred.IsZero() {
		return Event{}, newDecodeError("event %s has no occurred time", ev.ID)
	}
	if ev.Resource.ID() == "" {
		return Event{}, newDecodeError("event %s has no resource id", ev.ID)
	}
	for i, related := range ev.Related {
		if related.ID() == "" || related.Role() == "" {
			return Event{}, newDecodeError("event %s related[%d] needs id and role", ev.ID, i)
		}
	}
	if ev.Received.IsZero() {
		ev.Received = now
	}
	ev.Occurred = ev.Occurred.UTC()
	ev.Received = ev.Received.UTC()
	if ev.Payload == nil {
		ev.Payload = map[string]any{}
	}
	return ev, nil
}

// Encode renders an event in its wire form.
func Encode(ev Event) ([]byte, error) {
	return json.Marshal(ev)
}

// IsRecordable reports whether the task run recorder cares about the event:
// a task run lifecycle event emitted by a tracked client.
func IsRecordable(ev Event) bool {
	if !strings.HasPrefix(ev.Event, TaskRunEventPrefix) {
		return false
	}
	return ev.Resource.Get(LabelOrchestration) == OrchestrationClient
}
