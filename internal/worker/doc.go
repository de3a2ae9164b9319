// Package worker implements the worker-side distributed table service: the
// process that stores owned shards, executes kernels against them, and
// serves the table RPC surface to the master and to peer workers.
//
// # Lifecycle
//
//	              register(addr)
//	  Worker  ───────────────────►  Master
//	          ◄───────────────────
//	            /init {id, peers}
//
// A worker announces itself to the master at startup and refuses table and
// kernel RPCs until the master's WorkerInit arrives with its assigned id and
// the full peer address map. From then on it serves until a Shutdown RPC or
// a process signal; Shutdown discards every table and releases anyone
// blocked in WaitForShutdown.
//
// # Request handling
//
// Each RPC executes synchronously on the handling goroutine; a RunKernel
// call blocks for the full duration of its kernel. Kernels for different
// shards may run concurrently, and a kernel may itself call out to peer
// workers (Get, Put, iterator pages) while it runs.
//
// One mutex guards the structural state: the table map, the
// iteration-session map, and membership. It is never held across a kernel
// run, a page fill, or flush I/O.
//
// # Error taxonomy
//
// Unknown strategy or kernel types, misrouted kernels, references to
// unknown tables, and unknown iteration sessions all indicate configuration
// or scheduling defects upstream; the worker aborts on them (through a
// test-interceptable logFatal). A missing key on Get is data, reported with
// the missing flag. A kernel's own failure is captured in the RunKernel
// response and the worker keeps serving.
package worker
