// Package harness runs multi-peer editing scenarios against real nodes on
// an in-process network.
//
// Every peer gets its own node, stores and document replica. Steps run in
// order; a sync step waits until all joined peers have ingested the same
// operations and show the same text. The trace records each step, the
// presentation events of local edits and the texts at every sync point,
// so it is deterministic and suitable for golden comparison.
//
// # Scenario Format
//
//	name: two_peers_hello
//	description: "Bob sees what Alice types"
//	peers: [alice, bob]
//	flow:
//	  - peer: alice
//	    create: true
//	  - peer: bob
//	    join: true
//	  - peer: alice
//	    insert: { pos: 0, text: "hi" }
//	  - peer: bob
//	    delete: { start: 0, end: 1 }
//	  - sync: true
//	assertions:
//	  - type: text
//	    peer: bob
//	    expect: "i"
//	  - type: converged
//
// # Assertion Types
//
//   - text: the peer's text equals expect
//   - converged: every joined peer shows the same text
//   - authors: the peer knows count members of the document
//   - log_length: the peer stores count entries of author's log_type log
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
package harness
