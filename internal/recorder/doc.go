// Package recorder materializes task-run lifecycle events into the store.
//
// Events arrive through a messaging.Consumer at least once and in any
// order. The Handler decodes each message, drops events that are not
// client-side task-run events, and hands the rest to a causal ordering
// engine so that events linked by follows are applied predecessor first.
// Each applied event is written by RecordTaskRunEvent, whose
// last-writer-wins guards make redelivery harmless.
//
// Messages that can never be applied (undecodable payloads, events evicted
// from a full holding area, messages that exhausted their retries) are
// written to the dead-letter table and acknowledged.
package recorder
