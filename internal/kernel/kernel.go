// Package kernel defines the unit of computation dispatched to workers: the
// Kernel contract, the process-wide registry of kernel constructors, and the
// execution Context handed to every run.
//
// A kernel is bound to exactly one (table, shard) pair plus a string-keyed
// argument map. A fresh instance is constructed for every RunKernel RPC and
// discarded when Run returns; kernels never outlive the call that made them.
//
// Kernels receive everything through their Context rather than reaching into
// process-global state, which keeps them independently testable: any
// TableSource stand-in makes a runnable context.
package kernel

import (
	"fmt"
	"sync"

	"github.com/dreamware/tabulon/internal/table"
)

// Kernel is one unit of computation. Run executes synchronously on the
// worker thread handling the RunKernel RPC; an error return is an
// application-level failure, reported in the RPC response without disturbing
// the worker.
type Kernel interface {
	Run(ctx *Context) error
}

// Factory constructs a fresh kernel instance for one run.
type Factory func() Kernel

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register makes a kernel constructible by name. Registering a duplicate
// name panics.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[name]; dup {
		panic(fmt.Sprintf("kernel: %q registered twice", name))
	}
	registry[name] = f
}

// New constructs a kernel by registry lookup. An unknown name is a
// configuration error; callers treat it as fatal.
func New(name string) (Kernel, error) {
	registryMu.RLock()
	f, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown kernel type %q", name)
	}
	return f(), nil
}

// TableSource resolves table ids to the tables resident on the executing
// worker. The worker itself implements it; tests can substitute anything.
type TableSource interface {
	GetTable(id int) (*table.Table, error)
}

// Context carries everything a kernel run may touch: the bound (table,
// shard) pair, the argument maps, and access to the worker's resident
// tables.
type Context struct {
	source  TableSource
	args    map[string]string
	task    map[string]string
	tableID int
	shardID int
}

// NewContext binds a kernel execution context.
func NewContext(src TableSource, tableID, shardID int, args, task map[string]string) *Context {
	return &Context{
		source:  src,
		args:    args,
		task:    task,
		tableID: tableID,
		shardID: shardID,
	}
}

// TableID is the id of the table this run is bound to.
func (c *Context) TableID() int { return c.tableID }

// ShardID is the shard this run is bound to.
func (c *Context) ShardID() int { return c.shardID }

// Args returns the kernel argument map.
func (c *Context) Args() map[string]string { return c.args }

// TaskArgs returns the per-task argument map.
func (c *Context) TaskArgs() map[string]string { return c.task }

// GetTable resolves any table resident on the executing worker.
func (c *Context) GetTable(id int) (*table.Table, error) {
	return c.source.GetTable(id)
}

// Table resolves the table this run is bound to.
func (c *Context) Table() (*table.Table, error) {
	return c.source.GetTable(c.tableID)
}
