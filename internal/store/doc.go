// Package store provides SQLite-backed durable storage for scenesync.
//
// Two tables:
//   - records: append-only journal of accepted inbound records and locally
//     authored outbound records, ordered by seq
//   - snapshots: the last known state of each scene, written when the scene
//     is unloaded
//
// Journal order across concurrent pushes is not meaningful. Replaying a
// scene's journal through a fresh crdt.Protocol yields the same state in any
// order, because last-writer-wins resolution is order independent.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - single open connection: one writer at a time
package store
