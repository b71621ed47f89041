// Package ordering applies causally linked events in order.
//
// Events may name the event they follow. The transport delivers events in
// any order and may redeliver them, so an event can show up before its
// predecessor has been materialized. Such an event is parked in the holding
// area of its chain and released, in arrival order, once the predecessor
// completes.
//
// CHAINS:
//
// A chain is keyed by the primary resource id of its events. Each chain has
// its own lock, held for the duration of a Process call on that chain, so
// events of one chain are applied one at a time while unrelated chains make
// progress independently. The chain registry lock is only held to look up or
// retire a chain, never across a handler call.
//
// Per-chain lifecycle: Empty -> Parked(n) -> Draining -> Empty.
//
// MEMORY:
//
// Completed event ids live in an expiring LRU. Followers whose predecessor
// never shows up are released as "lost" once they have waited longer than
// the lookback window (see DrainLost). The holding area is capped; when the
// cap is exceeded the oldest parked event is evicted and handed to the evict
// callback.
//
// The holding area is process-local. Ordering holds across instances only if
// every event of a chain is routed to the same instance.
package ordering
