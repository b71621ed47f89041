package recorder

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/roach88/runrecorder/internal/events"
	"github.com/roach88/runrecorder/internal/store"
)

// StateTypes lists the valid task run state types.
var StateTypes = []string{
	"SCHEDULED", "PENDING", "RUNNING", "PAUSED", "COMPLETED",
	"FAILED", "CANCELLED", "CANCELLING", "CRASHED",
}

// RoleFlowRun is the related-resource role naming a task run's flow run.
const RoleFlowRun = "flow-run"

// excludedAttributes never reach the attribute bag: they are either
// derived from the event itself or computed by the server.
var excludedAttributes = map[string]struct{}{
	"id":                         {},
	"state":                      {},
	"state_id":                   {},
	"created":                    {},
	"estimated_run_time":         {},
	"estimated_start_time_delta": {},
}

// columnAttributes are stored in their own columns.
var columnAttributes = map[string]struct{}{
	"flow_run_id": {},
	"name":        {},
	"task_key":    {},
	"dynamic_key": {},
	"tags":        {},
}

// TaskRunFromEvent derives the task run and state reported by ev.
//
// The task run id comes from the primary resource and the flow run id from
// the related resource in role "flow-run" (falling back to the payload's
// flow_run_id). The state is payload.validated_state with the event id as
// its id and the occurred time as its timestamp. Any problem is a
// *events.DecodeError, since retrying cannot fix it.
func TaskRunFromEvent(ev events.Event) (store.TaskRunEvent, error) {
	taskRunID, err := ev.Resource.ObjectID(events.KindTaskRun)
	if err != nil {
		return store.TaskRunEvent{}, err
	}

	var flowRunID *uuid.UUID
	if related, ok := ev.ResourceInRole()[RoleFlowRun]; ok {
		id, err := related.ObjectID(events.KindFlowRun)
		if err != nil {
			return store.TaskRunEvent{}, err
		}
		flowRunID = &id
	}

	rawState, ok := ev.Payload["validated_state"].(map[string]any)
	if !ok {
		return store.TaskRunEvent{}, decodeError("payload has no validated_state object")
	}
	rawRun, ok := ev.Payload["task_run"].(map[string]any)
	if !ok {
		return store.TaskRunEvent{}, decodeError("payload has no task_run object")
	}

	state, err := stateFromPayload(ev, rawState)
	if err != nil {
		return store.TaskRunEvent{}, err
	}

	run := store.TaskRun{
		ID:         taskRunID,
		FlowRunID:  flowRunID,
		Attributes: map[string]any{},
	}
	if run.FlowRunID == nil {
		if s, ok := rawRun["flow_run_id"].(string); ok && s != "" {
			id, err := uuid.Parse(s)
			if err != nil {
				return store.TaskRunEvent{}, decodeError("task_run.flow_run_id %q: %v", s, err)
			}
			run.FlowRunID = &id
		}
	}
	if run.Name, err = optionalString(rawRun, "name"); err != nil {
		return store.TaskRunEvent{}, err
	}
	if run.TaskKey, err = optionalString(rawRun, "task_key"); err != nil {
		return store.TaskRunEvent{}, err
	}
	if run.DynamicKey, err = optionalString(rawRun, "dynamic_key"); err != nil {
		return store.TaskRunEvent{}, err
	}
	if run.Tags, err = stringList(rawRun, "tags"); err != nil {
		return store.TaskRunEvent{}, err
	}
	present := map[string]bool{}
	for _, column := range []string{store.ColumnName, store.ColumnTaskKey, store.ColumnDynamicKey, store.ColumnTags} {
		if _, ok := rawRun[column]; ok {
			present[column] = true
		}
	}
	for k, v := range rawRun {
		if _, skip := excludedAttributes[k]; skip {
			continue
		}
		if _, column := columnAttributes[k]; column {
			continue
		}
		run.Attributes[k] = v
	}

	state.TaskRunID = taskRunID
	state.StateDetails["task_run_id"] = taskRunID.String()
	if run.FlowRunID != nil {
		state.StateDetails["flow_run_id"] = run.FlowRunID.String()
	}

	return store.TaskRunEvent{TaskRun: run, State: state, Present: present}, nil
}

func stateFromPayload(ev events.Event, raw map[string]any) (store.TaskRunState, error) {
	stateType, ok := raw["type"].(string)
	if !ok || !validStateType(stateType) {
		return store.TaskRunState{}, decodeError("validated_state.type %v is not a state type", raw["type"])
	}

	name, err := optionalString(raw, "name")
	if err != nil {
		return store.TaskRunState{}, err
	}
	if name == "" {
		name = DefaultStateName(stateType)
	}
	message, err := optionalString(raw, "message")
	if err != nil {
		return store.TaskRunState{}, err
	}

	details := map[string]any{}
	if v, ok := raw["state_details"]; ok && v != nil {
		m, ok := v.(map[string]any)
		if !ok {
			return store.TaskRunState{}, decodeError("validated_state.state_details is not an object")
		}
		for k, v := range m {
			details[k] = v
		}
	}

	return store.TaskRunState{
		ID:           ev.ID,
		Type:         stateType,
		Name:         name,
		Message:      message,
		Timestamp:    ev.Occurred,
		StateDetails: details,
	}, nil
}

// DefaultStateName is the name of a state whose payload gives none:
// the title-cased type, so RUNNING becomes Running.
func DefaultStateName(stateType string) string {
	// Casers are stateful, so each call gets its own.
	return cases.Title(language.English).String(strings.ToLower(stateType))
}

func validStateType(s string) bool {
	for _, t := range StateTypes {
		if s == t {
			return true
		}
	}
	return false
}

// optionalString reads a string field; numbers are accepted and rendered.
func optionalString(m map[string]any, key string) (string, error) {
	switch v := m[key].(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	case json.Number:
		return v.String(), nil
	case float64, int, int64:
		return fmt.Sprint(v), nil
	default:
		return "", decodeError("%s is %T, expected a string", key, v)
	}
}

func stringList(m map[string]any, key string) ([]string, error) {
	switch v := m[key].(type) {
	case nil:
		return []string{}, nil
	case []string:
		return append([]string{}, v...), nil
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, decodeError("%s contains %T, expected strings", key, item)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, decodeError("%s is %T, expected a list", key, v)
	}
}

func decodeError(format string, args ...any) *events.DecodeError {
	return &events.DecodeError{Message: fmt.Sprintf(format, args...)}
}
