// Package master implements the coordinating process: worker registration,
// table creation fan-out, shard-ownership bookkeeping, kernel dispatch to
// shard owners, and worker health monitoring.
package master

import (
	"errors"
	"fmt"
	"sync"

	"github.com/dreamware/tabulon/internal/cluster"
)

// Unassigned marks a shard with no recorded owner.
const Unassigned = -1

// Assignments is the master's authoritative record of shard ownership: for
// every table, which worker owns each shard. Workers hold a copy of this
// metadata inside their Table objects; the master's copy drives kernel
// routing.
//
// Assignment is metadata only. Reassigning a shard moves no data; the
// cluster treats shard migration as out of scope.
type Assignments struct {
	tables map[int]*tableMeta
	mu     sync.RWMutex
}

type tableMeta struct {
	owners    []int
	numShards int
}

// NewAssignments creates an empty ownership record.
func NewAssignments() *Assignments {
	return &Assignments{tables: make(map[int]*tableMeta)}
}

// AddTable records a table's shard count, with every shard unassigned.
// Re-adding an existing id resets its assignments.
func (a *Assignments) AddTable(id, numShards int) error {
	if numShards <= 0 {
		return fmt.Errorf("table %d: shard count must be positive, got %d", id, numShards)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	owners := make([]int, numShards)
	for i := range owners {
		owners[i] = Unassigned
	}
	a.tables[id] = &tableMeta{owners: owners, numShards: numShards}
	return nil
}

// RemoveTable forgets a table entirely. Removing an unknown id is a no-op.
func (a *Assignments) RemoveTable(id int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.tables, id)
}

// NumShards reports a table's shard count.
func (a *Assignments) NumShards(table int) (int, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	meta, ok := a.tables[table]
	if !ok {
		return 0, fmt.Errorf("unknown table %d", table)
	}
	return meta.numShards, nil
}

// Assign overwrites the owner of one (table, shard) pair.
func (a *Assignments) Assign(table, shard, worker int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	meta, ok := a.tables[table]
	if !ok {
		return fmt.Errorf("unknown table %d", table)
	}
	if shard < 0 || shard >= meta.numShards {
		return fmt.Errorf("invalid shard %d for table %d, must be in [0, %d)", shard, table, meta.numShards)
	}
	meta.owners[shard] = worker
	return nil
}

// Owner reports the recorded owner of a (table, shard) pair.
func (a *Assignments) Owner(table, shard int) (int, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	meta, ok := a.tables[table]
	if !ok {
		return Unassigned, fmt.Errorf("unknown table %d", table)
	}
	if shard < 0 || shard >= meta.numShards {
		return Unassigned, fmt.Errorf("invalid shard %d for table %d, must be in [0, %d)", shard, table, meta.numShards)
	}
	owner := meta.owners[shard]
	if owner == Unassigned {
		return Unassigned, fmt.Errorf("shard %d of table %d is not assigned", shard, table)
	}
	return owner, nil
}

// RoundRobin distributes a table's shards across the given workers (shard i
// to workers[i mod n]), records the result, and returns the assignment list
// to broadcast.
func (a *Assignments) RoundRobin(table int, workers []int) ([]cluster.ShardAssignment, error) {
	if len(workers) == 0 {
		return nil, errors.New("cannot assign shards with no workers")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	meta, ok := a.tables[table]
	if !ok {
		return nil, fmt.Errorf("unknown table %d", table)
	}

	assigns := make([]cluster.ShardAssignment, meta.numShards)
	for shard := 0; shard < meta.numShards; shard++ {
		worker := workers[shard%len(workers)]
		meta.owners[shard] = worker
		assigns[shard] = cluster.ShardAssignment{Table: table, Shard: shard, Worker: worker}
	}
	return assigns, nil
}

// WorkerShards lists the shards of one table recorded as owned by a worker.
func (a *Assignments) WorkerShards(table, worker int) []int {
	a.mu.RLock()
	defer a.mu.RUnlock()

	meta, ok := a.tables[table]
	if !ok {
		return nil
	}
	var shards []int
	for shard, owner := range meta.owners {
		if owner == worker {
			shards = append(shards, shard)
		}
	}
	return shards
}

// Tables lists the ids of every recorded table.
func (a *Assignments) Tables() []int {
	a.mu.RLock()
	defer a.mu.RUnlock()

	ids := make([]int, 0, len(a.tables))
	for id := range a.tables {
		ids = append(ids, id)
	}
	return ids
}
