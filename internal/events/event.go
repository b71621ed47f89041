package events

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Well-known resource labels.
const (
	LabelResourceID    = "prefect.resource.id"
	LabelResourceRole  = "prefect.resource.role"
	LabelOrchestration = "prefect.orchestration"
)

// Resource kinds carried in resource ids.
const (
	KindTaskRun = "prefect.task-run"
	KindFlowRun = "prefect.flow-run"
)

// Resource is the label set describing one resource of an event.
type Resource map[string]string

// ID returns the resource id label.
func (r Resource) ID() string {
	return r[LabelResourceID]
}

// Role returns the role label. The primary resource has no role.
func (r Resource) Role() string {
	return r[LabelResourceRole]
}

// Get returns a label value, or "" if absent.
func (r Resource) Get(label string) string {
	return r[label]
}

// ObjectID extracts the object id for the given kind from the resource id.
// The resource id must look like "<kind>.<uuid>".
func (r Resource) ObjectID(kind string) (uuid.UUID, error) {
	id := r.ID()
	if id == "" {
		return uuid.Nil, newDecodeError("resource has no %s label", LabelResourceID)
	}
	prefix := kind + "."
	if !strings.HasPrefix(id, prefix) {
		return uuid.Nil, newDecodeError("resource %q is not a %s", id, kind)
	}
	parsed, err := uuid.Parse(strings.TrimPrefix(id, prefix))
	if err != nil {
		return uuid.Nil, newDecodeError("resource %q has invalid object id: %v", id, err)
	}
	return parsed, nil
}

// Event is a received orchestration event.
type Event struct {
	ID       uuid.UUID      `json:"id"`
	Event    string         `json:"event"`
	Occurred time.Time      `json:"occurred"`
	Received time.Time      `json:"received"`
	Resource Resource       `json:"resource"`
	Related  []Resource     `json:"related,omitempty"`
	Follows  *uuid.UUID     `json:"follows,omitempty"`
	Payload  map[string]any `json:"payload,omitempty"`
}

// ResourceInRole maps each role to its resource. The primary resource is
// stored under the empty role. When several related resources share a role
// the first one wins.
func (e Event) ResourceInRole() map[string]Resource {
	roles := make(map[string]Resource, len(e.Related)+1)
	roles[""] = e.Resource
	for _, related := range e.Related {
		role := related.Role()
		if role == "" {
			continue
		}
		if _, ok := roles[role]; !ok {
			roles[role] = related
		}
	}
	return roles
}

// ChainKey identifies the causal chain the event belongs to.
func (e Event) ChainKey() string {
	return e.Resource.ID()
}

// HasPredecessor reports whether the event follows another event.
func (e Event) HasPredecessor() bool {
	return e.Follows != nil && *e.Follows != uuid.Nil
}
