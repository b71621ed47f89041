// Package store provides SQLite-backed durable storage for materialized
// task-run state and concurrency slot accounting.
//
// Tables:
//   - task_runs: one row per task run, last-writer-wins on state_timestamp
//   - task_run_states: one row per state event id, insert-if-absent
//   - concurrency_limits: tag-scoped admission limits
//   - slot_leases: active slots, one row per (limit, holder)
//   - slot_releases: accounting rows written by decrements
//   - dead_letters: messages that could not be decoded or were evicted
//
// # Convergence
//
// Every task-run write is idempotent and guarded by the state timestamp, so
// replaying the same events in any order yields the same rows. Timestamps
// are stored as fixed-width UTC text so lexical and chronological order agree.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//   - _txlock=immediate: Transactions take the write lock at BEGIN, so
//     slot increments from separate processes serialize
package store
