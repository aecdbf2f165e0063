// Package harness runs replication scenarios against real in-process peers.
//
// A scenario names one or more peers. Each peer is a complete service: its
// own engine loop, scene registry, executor manager and an in-memory SQLite
// store used for the journal and for snapshots. Steps load and unload scenes,
// push record batches, author local mutations and pull outgoing records,
// optionally forwarding the pulled batch into another peer.
//
// # Scenario Format
//
// Scenarios are YAML files with the following structure:
//
//	name: two_peer_convergence
//	description: "What this scenario validates"
//	catalog: components.cue        # optional, relative to the scenario file
//	peers: [alpha, beta]           # optional, defaults to [local]
//	steps:
//	  - op: load
//	    peer: alpha
//	    scene: lobby
//	  - op: push
//	    peer: alpha
//	    scene: lobby
//	    records:
//	      - {entity: 1, component: 2, timestamp: 3, text: red}
//	    expect:
//	      ack: {applied: 1}
//	  - op: author
//	    peer: alpha
//	    scene: lobby
//	    entity: 1
//	    component: 2
//	    text: blue
//	  - op: pull
//	    peer: alpha
//	    scene: lobby
//	    into: beta
//	assertions:
//	  - type: converged
//	    scene: lobby
//	  - type: record
//	    peer: beta
//	    scene: lobby
//	    entity: 1
//	    component: 2
//	    text: blue
//
// # Assertion Types
//
//   - converged: every listed peer (default all) holds the same snapshot
//   - record: one key has the given timestamp and payload, or is absent
//   - record_count: a scene tracks exactly N keys
//   - pending: a scene has exactly N unpulled outgoing records
//   - replay: rebuilding the scene from its journal yields the live state
//
// # Deterministic Testing
//
// Steps run sequentially and every trace event is numbered by a
// testutil.DeterministicClock, so the same scenario always produces the same
// trace. Traces and final state can be compared against golden files with
// RunWithGolden.
package harness
