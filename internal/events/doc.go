// Package events decodes orchestration events from their wire form.
//
// An event names what happened (Event), when it happened (Occurred), the
// resource it concerns (Resource) and any related resources, each tagged with a
// role. Events may point at a causal predecessor through Follows; ordering of
// such chains is the job of package ordering, not this one.
//
// Resource ids follow the "<kind>.<uuid>" convention, e.g.
// "prefect.task-run.3b7c...". ObjectID extracts the typed id for a kind and
// rejects ids of any other kind.
package events
