// Package shuffle owns the static side of a shuffle manager: the registered
// shuffle handles, the set of shuffle servers known to be failing, and the
// policy that moves partitions off those servers.
//
// # Overview
//
// Executors report failures to the service layer, which counts them per
// shuffle. When a count crosses the configured threshold the service marks
// the offending server failing here and asks the driver to resubmit the
// stage. The resubmitted stage then calls ReassignShuffleServers, which
// rebuilds the partition assignment from healthy servers.
//
//	  failure report                     probe (GET /health)
//	        │                                   │
//	        ▼                                   ▼
//	┌──────────────┐   AddFailingServer  ┌───────────────┐
//	│   service    │ ──────────────────▶ │   Manager     │ ◀── ServerMonitor
//	└──────────────┘                     ├───────────────┤
//	                                     │ HandleStore   │
//	                                     │ failing set   │
//	                                     │ ServerSource  │
//	                                     └───────────────┘
//
// # Server Sources
//
// Reassignment candidates come from ServerSource implementations tried in
// order: coordinator clients first, then a StaticServers list from
// configuration. The first source that returns at least one healthy server
// wins.
//
// # Health Monitoring
//
// ServerMonitor probes every server referenced by a registered shuffle. A
// server failing three probes in a row is marked failing; a later successful
// probe clears that mark. Marks set from failure reports are not cleared by
// probes, since a server can answer /health and still lose shuffle data.
//
// # Thread Safety
//
// Manager and ServerMonitor are safe for concurrent use. Callbacks and
// server sources are invoked with no lock held.
package shuffle
