// Package crdt implements the last-writer-wins protocol state for one scene.
//
// Every synchronized attribute is addressed by a composite Key of
// (primary, secondary): the entity number and the component id. The Protocol
// keeps exactly one authoritative Record per Key and decides whether an
// incoming Record supersedes it.
//
// # Acceptance Rule
//
//   - No stored record: accept.
//   - Incoming timestamp greater than stored: accept.
//   - Equal timestamps: the record with the longer payload wins. Equal length
//     is a redelivery and is rejected.
//   - Incoming timestamp smaller than stored: reject.
//
// The payload-length tie break is kept for wire compatibility with existing
// peers. It is not a content comparison.
//
// An empty payload is a deletion. Deletions are versioned like any other
// record, so a later create only wins with a greater timestamp.
//
// The Protocol is pure: no I/O, no goroutines, no locking. Callers confine
// mutation to a single goroutine (see package engine).
package crdt
