package worker

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/dreamware/tabulon/internal/cluster"
	"github.com/dreamware/tabulon/internal/kernel"
	"github.com/dreamware/tabulon/internal/table"
)

// logFatal is a variable to allow intercepting fatal conditions in tests.
// Misrouted kernels, unknown strategy or kernel types, and unknown iteration
// sessions all indicate defects upstream; production workers abort on them.
var logFatal = log.Fatalf

// Worker hosts a set of tables, executes kernels against the shards it owns,
// and serves the table RPC surface to the master and peer workers.
//
// Concurrency model:
//   - mu guards the table map, the iteration-session map, the session
//     counter, and membership state. It is held for structural changes only.
//   - Kernel runs and flush I/O happen outside the lock; per-shard data is
//     guarded inside the table package.
//   - The master never schedules two kernels against the same shard
//     concurrently; the worker relies on that.
type Worker struct {
	tables   map[int]*table.Table
	sessions map[int64]*table.Iterator
	peers    map[int]string
	done     chan struct{}

	addr        string
	mu          sync.Mutex
	nextSession int64
	id          int
	initialized bool
	running     bool
}

// New creates a worker that will announce addr to the master. The worker
// refuses table and kernel RPCs until Initialize has been called with the
// master's WorkerInit.
func New(addr string) *Worker {
	return &Worker{
		tables:   make(map[int]*table.Table),
		sessions: make(map[int64]*table.Iterator),
		done:     make(chan struct{}),
		addr:     addr,
		id:       table.Unassigned,
		running:  true,
	}
}

// ID returns this worker's assigned id, table.Unassigned before Initialize.
func (w *Worker) ID() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.id
}

// Addr returns the address this worker announces to the cluster.
func (w *Worker) Addr() string { return w.addr }

// Initialized reports whether the master's WorkerInit has arrived.
func (w *Worker) Initialized() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.initialized
}

// Initialize accepts the master's WorkerInit: this worker's id plus the full
// peer address map. Only after this does the worker serve table RPCs.
func (w *Worker) Initialize(req cluster.WorkerInitRequest) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.id = req.ID
	w.peers = req.Workers
	w.initialized = true
	log.Printf("worker[%d]: initialized with %d peers", w.id, len(req.Workers))
}

// CreateTable instantiates a table with the requested strategies. Unknown
// strategy types are configuration errors and fatal at this point.
func (w *Worker) CreateTable(req cluster.CreateTableRequest) error {
	fail := func(err error) error {
		logFatal("worker[%d]: create table %d: %v", w.ID(), req.ID, err)
		return fmt.Errorf("create table %d: %w", req.ID, err)
	}

	sharder, err := table.NewSharder(req.Sharder)
	if err != nil {
		return fail(err)
	}
	combiner, err := table.NewAccumulator(req.Combiner)
	if err != nil {
		return fail(err)
	}
	reducer, err := table.NewAccumulator(req.Reducer)
	if err != nil {
		return fail(err)
	}
	selector, err := table.NewSelector(req.Selector)
	if err != nil {
		return fail(err)
	}

	t := table.New(table.Config{
		ID:        req.ID,
		NumShards: req.NumShards,
		Sharder:   sharder,
		Combiner:  combiner,
		Reducer:   reducer,
		Selector:  selector,
	})

	w.mu.Lock()
	t.SetWorkers(w.id, w.peers)
	w.tables[req.ID] = t
	w.mu.Unlock()

	log.Printf("worker[%d]: created table %d with %d shards", w.ID(), req.ID, req.NumShards)
	return nil
}

// DestroyTable releases a table and all its shards. Referencing an id that
// was never created, or already destroyed, is a checked failure.
func (w *Worker) DestroyTable(id int) error {
	w.mu.Lock()
	_, ok := w.tables[id]
	if ok {
		delete(w.tables, id)
	}
	w.mu.Unlock()

	if !ok {
		logFatal("worker[%d]: destroy of unknown table %d", w.ID(), id)
		return fmt.Errorf("destroy of unknown table %d", id)
	}
	log.Printf("worker[%d]: destroyed table %d", w.ID(), id)
	return nil
}

// GetTable implements kernel.TableSource. Unlike the RPC paths, a missing
// id here is an application-level error surfaced to the running kernel.
func (w *Worker) GetTable(id int) (*table.Table, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	t, ok := w.tables[id]
	if !ok {
		return nil, fmt.Errorf("no such table %d", id)
	}
	return t, nil
}

// mustTable resolves a table referenced by an RPC. A reference to a table
// that does not exist on this worker is a checked failure.
func (w *Worker) mustTable(id int) *table.Table {
	w.mu.Lock()
	t, ok := w.tables[id]
	w.mu.Unlock()
	if !ok {
		logFatal("worker[%d]: reference to unknown table %d", w.ID(), id)
		return nil
	}
	return t
}

// AssignShards overwrites ownership metadata for each named (table, shard)
// pair. Metadata only: no shard data moves between workers.
func (w *Worker) AssignShards(req cluster.AssignShardsRequest) error {
	for _, a := range req.Assign {
		t := w.mustTable(a.Table)
		if t == nil {
			return fmt.Errorf("assignment references unknown table %d", a.Table)
		}
		if a.Shard < 0 || a.Shard >= t.NumShards() {
			return fmt.Errorf("assignment references shard %d of table %d (has %d)", a.Shard, a.Table, t.NumShards())
		}
		t.SetOwner(a.Shard, a.Worker)
	}
	return nil
}

// Get answers a key lookup from local storage. There is no ownership check:
// any worker holding the table answers what it has, and absence is reported
// with the missing flag rather than an error.
func (w *Worker) Get(req cluster.GetRequest) (cluster.GetResponse, error) {
	resp := cluster.GetResponse{Source: w.ID(), Table: req.Table}

	t := w.mustTable(req.Table)
	if t == nil {
		return resp, fmt.Errorf("get references unknown table %d", req.Table)
	}
	if req.Shard < 0 || req.Shard >= t.NumShards() {
		return resp, fmt.Errorf("get references shard %d of table %d (has %d)", req.Shard, req.Table, t.NumShards())
	}

	value, ok := t.Get(req.Shard, req.Key)
	if !ok {
		resp.Missing = true
		return resp, nil
	}
	resp.KV = &cluster.KV{Key: req.Key, Value: value}
	return resp, nil
}

// Put merges a batch of pairs into an owned shard through the table's
// reducer, pair by pair in the order received, so a key repeated within one
// batch folds deterministically.
func (w *Worker) Put(req cluster.PutRequest) error {
	t := w.mustTable(req.Table)
	if t == nil {
		return fmt.Errorf("put references unknown table %d", req.Table)
	}
	if req.Shard < 0 || req.Shard >= t.NumShards() {
		return fmt.Errorf("put references shard %d of table %d (has %d)", req.Shard, req.Table, t.NumShards())
	}

	for _, kv := range req.KVs {
		if err := t.Merge(req.Shard, kv.Key, kv.Value); err != nil {
			return fmt.Errorf("put into table %d shard %d key %q: %w", req.Table, req.Shard, kv.Key, err)
		}
	}
	return nil
}

// GetIterator serves one page of an iteration session. A request with id
// cluster.NewIteration opens a session over the shard; later requests must
// carry the returned id. Referencing an unknown session is a protocol
// violation and fatal. A session is discarded as soon as a page goes out
// with the done flag set.
func (w *Worker) GetIterator(req cluster.IteratorRequest) (cluster.IteratorResponse, error) {
	t := w.mustTable(req.Table)
	if t == nil {
		return cluster.IteratorResponse{}, fmt.Errorf("iterator references unknown table %d", req.Table)
	}
	if req.Shard < 0 || req.Shard >= t.NumShards() {
		return cluster.IteratorResponse{}, fmt.Errorf("iterator references shard %d of table %d (has %d)", req.Shard, req.Table, t.NumShards())
	}

	var it *table.Iterator
	var id int64

	w.mu.Lock()
	if req.ID == cluster.NewIteration {
		it = t.Iterator(req.Shard)
		id = w.nextSession
		w.nextSession++
		w.sessions[id] = it
	} else {
		var ok bool
		it, ok = w.sessions[req.ID]
		id = req.ID
		if !ok {
			w.mu.Unlock()
			logFatal("worker[%d]: page request for unknown iteration session %d", w.ID(), req.ID)
			return cluster.IteratorResponse{}, fmt.Errorf("unknown iteration session %d", req.ID)
		}
	}
	w.mu.Unlock()

	// The page is produced outside the lock. The protocol guarantees no
	// concurrent page requests for one session, so the cursor is ours.
	resp := cluster.IteratorResponse{ID: id}
	for i := 0; i < req.Count && !it.Done(); i++ {
		resp.KVs = append(resp.KVs, cluster.KV{Key: it.Key(), Value: it.Value()})
		it.Next()
	}
	resp.Count = len(resp.KVs)
	resp.Done = it.Done()

	if resp.Done {
		w.mu.Lock()
		delete(w.sessions, id)
		w.mu.Unlock()
	}
	return resp, nil
}

// RunKernel executes one kernel synchronously on the calling thread. The
// worker must be the recorded owner of the named shard; anything else means
// the request was misrouted and the scheduler upstream is defective, which
// is fatal. Application-level failures inside the kernel are captured in the
// response instead, and the worker keeps serving.
func (w *Worker) RunKernel(req cluster.RunKernelRequest) cluster.RunKernelResponse {
	start := time.Now()
	var resp cluster.RunKernelResponse

	t := w.mustTable(req.Table)
	if t == nil {
		resp.Error = fmt.Sprintf("run_kernel references unknown table %d", req.Table)
		return resp
	}
	if req.Shard < 0 || req.Shard >= t.NumShards() {
		resp.Error = fmt.Sprintf("run_kernel references shard %d of table %d (has %d)", req.Shard, req.Table, t.NumShards())
		return resp
	}

	selfID := w.ID()
	if owner := t.Owner(req.Shard); owner != selfID {
		logFatal("worker[%d]: received a kernel for a shard I don't own (table %d, shard %d, owner %d)",
			selfID, req.Table, req.Shard, owner)
		resp.Error = fmt.Sprintf("misrouted kernel: worker %d is not the owner of (%d, %d)", selfID, req.Table, req.Shard)
		return resp
	}

	k, err := kernel.New(req.Kernel)
	if err != nil {
		logFatal("worker[%d]: run_kernel: %v", selfID, err)
		resp.Error = err.Error()
		return resp
	}

	log.Printf("worker[%d]: running kernel %s on (%d, %d), %d items",
		selfID, req.Kernel, req.Table, req.Shard, t.ShardSize(req.Shard))

	kctx := kernel.NewContext(w, req.Table, req.Shard, req.KernelArgs, req.TaskArgs)
	if err := k.Run(kctx); err != nil {
		resp.Error = fmt.Sprintf("kernel %s failed on table %d shard %d: %v", req.Kernel, req.Table, req.Shard, err)
	}

	resp.ElapsedSeconds = time.Since(start).Seconds()
	log.Printf("worker[%d]: finished kernel %s on (%d, %d) in %.3fs",
		selfID, req.Kernel, req.Table, req.Shard, resp.ElapsedSeconds)
	return resp
}

// Flush asks every resident table to make buffered combine state externally
// visible, draining pending remote-shard writes to their owners. Safe to
// call repeatedly.
func (w *Worker) Flush(ctx context.Context) error {
	w.mu.Lock()
	tables := make([]*table.Table, 0, len(w.tables))
	for _, t := range w.tables {
		tables = append(tables, t)
	}
	w.mu.Unlock()

	for _, t := range tables {
		if err := t.Flush(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Shutdown discards all tables and sessions, stops accepting table RPCs,
// and releases anyone blocked in WaitForShutdown. Idempotent.
func (w *Worker) Shutdown() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return
	}
	w.tables = make(map[int]*table.Table)
	w.sessions = make(map[int64]*table.Iterator)
	w.running = false
	close(w.done)
	log.Printf("worker[%d]: shut down", w.id)
}

// Running reports whether the worker still accepts RPCs.
func (w *Worker) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// Done is closed when Shutdown runs.
func (w *Worker) Done() <-chan struct{} { return w.done }

// WaitForShutdown blocks until Shutdown is called.
func (w *Worker) WaitForShutdown() { <-w.done }

// Info is the worker state snapshot served by the info endpoint.
type Info struct {
	Tables map[int][]table.ShardInfo `json:"tables"`
	ID     int                       `json:"id"`
	Addr   string                    `json:"addr"`
}

// Snapshot assembles an Info from the current table set.
func (w *Worker) Snapshot() Info {
	w.mu.Lock()
	tables := make(map[int]*table.Table, len(w.tables))
	for id, t := range w.tables {
		tables[id] = t
	}
	id := w.id
	w.mu.Unlock()

	info := Info{ID: id, Addr: w.addr, Tables: make(map[int][]table.ShardInfo, len(tables))}
	for tid, t := range tables {
		info.Tables[tid] = t.Info()
	}
	return info
}
