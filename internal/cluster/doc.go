// Package cluster defines the wire surface of the tabulon cluster: every
// request and response exchanged between the master and its workers, and the
// JSON/HTTP helpers both sides use to speak it.
//
// # Topology
//
// The cluster is a hub-and-spoke system. A single master coordinates a fixed
// set of workers:
//
//	              ┌──────────────┐
//	              │    Master    │
//	              │              │
//	              │ - Registry   │
//	              │ - Assignment │
//	              │ - Dispatch   │
//	              └──────┬───────┘
//	                     │
//	      ┌──────────────┼──────────────┐
//	      │              │              │
//	┌─────▼─────┐  ┌─────▼─────┐  ┌─────▼─────┐
//	│ Worker 0  │  │ Worker 1  │  │ Worker 2  │
//	│           │  │           │  │           │
//	│ Shards:   │◄─► Shards:   │◄─► Shards:   │
//	│ [0,3,6]   │  │ [1,4,7]   │  │ [2,5,8]   │
//	└───────────┘  └───────────┘  └───────────┘
//
// Workers also talk directly to each other: a kernel running on one worker
// reads and writes shards owned by its peers through the Get, Put, and
// iterator RPCs defined here.
//
// # Message groups
//
// Membership: RegisterRequest (worker -> master) and WorkerInitRequest
// (master -> worker) establish worker ids and the peer address map.
//
// Table lifecycle: CreateTableRequest, DestroyTableRequest, and
// AssignShardsRequest manage tables and their ownership metadata. Shard
// assignment never moves data.
//
// Data plane: GetRequest/GetResponse, PutRequest, and
// IteratorRequest/IteratorResponse move key-value pairs between workers.
// Values are opaque byte blocks end to end.
//
// Execution: RunKernelRequest/RunKernelResponse dispatch one unit of
// computation to the worker owning a (table, shard) pair.
//
// # Transport
//
// All calls are HTTP POSTs carrying JSON bodies, issued through PostJSON and
// GetJSON with a shared 5-second-timeout client. A status >= 300 is reported
// as an error by the helpers; retry policy is left to callers.
package cluster
