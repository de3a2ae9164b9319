package table

import (
	"context"
	"fmt"
	"sync"

	"github.com/dreamware/tabulon/internal/cluster"
)

// Unassigned marks a shard with no recorded owner.
const Unassigned = -1

// shard is one partition of a table's keyspace: a key-value map plus an
// approximate byte size, guarded by its own lock so that operations on
// different shards never contend.
type shard struct {
	mu    sync.RWMutex
	data  map[string][]byte
	bytes int
}

func newShard() *shard {
	return &shard{data: make(map[string][]byte)}
}

func (s *shard) get(key string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	value, ok := s.data[key]
	if !ok {
		return nil, false
	}
	// Copy out so callers can't mutate stored state.
	out := make([]byte, len(value))
	copy(out, value)
	return out, true
}

// merge inserts value if key is absent, otherwise folds it into the stored
// value with the given accumulator.
func (s *shard) merge(key string, value []byte, acc Accumulator) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.data[key]
	if !ok {
		stored := make([]byte, len(value))
		copy(stored, value)
		s.data[key] = stored
		s.bytes += len(stored)
		return nil
	}

	merged, err := acc.Accumulate(current, value)
	if err != nil {
		return err
	}
	s.bytes += len(merged) - len(current)
	s.data[key] = merged
	return nil
}

func (s *shard) size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

func (s *shard) stats() (keys, bytes int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data), s.bytes
}

// Config carries the resolved strategies for a new table. Strategy resolution
// happens before construction (see the registry), so a Table never holds a
// type name it cannot instantiate.
type Config struct {
	Sharder   Sharder
	Combiner  Accumulator
	Reducer   Accumulator
	Selector  Selector
	ID        int
	NumShards int
}

// Table is one worker's slice of a globally-named, sharded key-value
// container. Every hosting worker holds a Table with the same id, shard
// count, and strategies; ownership metadata decides which worker's Table
// actually stores each shard's data.
//
// Writes flow two ways:
//   - Update is the local write path. Writes against an owned shard land in
//     storage combiner-merged; writes against a peer's shard are buffered
//     locally (also combiner-merged) until Flush ships them to the owner.
//   - Merge is the remote write path, invoked by the Put RPC on the owning
//     worker, folding another worker's contribution in with the reducer.
type Table struct {
	sharder  Sharder
	combiner Accumulator
	reducer  Accumulator
	selector Selector

	shards []*shard

	// mu guards ownership metadata, the peer map, and the pending buffers.
	// Shard contents are guarded per shard.
	mu      sync.RWMutex
	owners  []int
	peers   map[int]string
	pending []map[string][]byte // per-shard buffered writes bound for peers

	id        int
	numShards int
	selfID    int
}

// New builds an empty table with NumShards empty shards, all unassigned.
func New(cfg Config) *Table {
	t := &Table{
		sharder:   cfg.Sharder,
		combiner:  cfg.Combiner,
		reducer:   cfg.Reducer,
		selector:  cfg.Selector,
		id:        cfg.ID,
		numShards: cfg.NumShards,
		selfID:    Unassigned,
		shards:    make([]*shard, cfg.NumShards),
		owners:    make([]int, cfg.NumShards),
		pending:   make([]map[string][]byte, cfg.NumShards),
	}
	for i := range t.shards {
		t.shards[i] = newShard()
		t.owners[i] = Unassigned
	}
	return t
}

func (t *Table) ID() int        { return t.id }
func (t *Table) NumShards() int { return t.numShards }

// SetWorkers wires in the hosting worker's id and the peer address map so
// the table can route remote-shard traffic.
func (t *Table) SetWorkers(selfID int, peers map[int]string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.selfID = selfID
	t.peers = peers
}

// ShardForKey delegates to the table's sharder.
func (t *Table) ShardForKey(key string) int {
	return t.sharder.ShardForKey(key, t.numShards)
}

// Owner reports the recorded owner of a shard, Unassigned if none.
func (t *Table) Owner(shardID int) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.owners[shardID]
}

// SetOwner overwrites the ownership metadata for one shard. Metadata only:
// no data moves.
func (t *Table) SetOwner(shardID, worker int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.owners[shardID] = worker
}

// WorkerAddr returns the base address of a peer worker.
func (t *Table) WorkerAddr(worker int) (string, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	addr, ok := t.peers[worker]
	if !ok {
		return "", fmt.Errorf("table %d: no address for worker %d", t.id, worker)
	}
	return addr, nil
}

// Get answers from local storage regardless of ownership; a shard this
// worker doesn't own is simply empty. Absence is not an error.
func (t *Table) Get(shardID int, key string) ([]byte, bool) {
	return t.shards[shardID].get(key)
}

// Contains reports whether the local shard holds the key.
func (t *Table) Contains(shardID int, key string) bool {
	_, ok := t.shards[shardID].get(key)
	return ok
}

// Update applies a local write. Owned shards take the value directly,
// combiner-merged; shards owned elsewhere buffer it, also combiner-merged,
// until Flush drains the buffer to the owner.
func (t *Table) Update(shardID int, key string, value []byte) error {
	t.mu.RLock()
	local := t.owners[shardID] == t.selfID
	t.mu.RUnlock()

	if local {
		return t.shards[shardID].merge(key, value, t.combiner)
	}
	return t.buffer(shardID, key, value)
}

// Merge folds a contribution from another worker into an owned shard using
// the reducer. This is the Put RPC's storage path.
func (t *Table) Merge(shardID int, key string, value []byte) error {
	return t.shards[shardID].merge(key, value, t.reducer)
}

func (t *Table) buffer(shardID int, key string, value []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.pending[shardID] == nil {
		t.pending[shardID] = make(map[string][]byte)
	}
	current, ok := t.pending[shardID][key]
	if !ok {
		stored := make([]byte, len(value))
		copy(stored, value)
		t.pending[shardID][key] = stored
		return nil
	}
	merged, err := t.combiner.Accumulate(current, value)
	if err != nil {
		return err
	}
	t.pending[shardID][key] = merged
	return nil
}

// Flush ships every buffered remote-shard write to its owning worker via the
// Put RPC and clears the buffers. Safe to call repeatedly; with nothing
// buffered it is a no-op. When a send fails, every undelivered buffer is
// merged back into pending so a later Flush retries it; nothing is lost.
func (t *Table) Flush(ctx context.Context) error {
	t.mu.Lock()
	drained := make([]map[string][]byte, t.numShards)
	copy(drained, t.pending)
	t.pending = make([]map[string][]byte, t.numShards)
	owners := make([]int, t.numShards)
	copy(owners, t.owners)
	t.mu.Unlock()

	for shardID, buf := range drained {
		if len(buf) == 0 {
			continue
		}
		owner := owners[shardID]
		if owner == Unassigned {
			t.restore(drained)
			return fmt.Errorf("table %d: cannot flush shard %d, no owner recorded", t.id, shardID)
		}
		addr, err := t.WorkerAddr(owner)
		if err != nil {
			t.restore(drained)
			return err
		}
		req := cluster.PutRequest{Table: t.id, Shard: shardID}
		for key, value := range buf {
			req.KVs = append(req.KVs, cluster.KV{Key: key, Value: value})
		}
		if err := cluster.PostJSON(ctx, addr+"/table/put", req, nil); err != nil {
			t.restore(drained)
			return fmt.Errorf("table %d: flush of shard %d to worker %d: %w", t.id, shardID, owner, err)
		}
		drained[shardID] = nil
	}
	return nil
}

// restore merges undelivered drained buffers back into pending after a
// failed Flush. Writes buffered since the drain are newer, so they go in as
// the incoming side of the combine and win ties under replace.
func (t *Table) restore(drained []map[string][]byte) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for shardID, buf := range drained {
		if len(buf) == 0 {
			continue
		}
		if t.pending[shardID] == nil {
			t.pending[shardID] = buf
			continue
		}
		for key, older := range buf {
			newer, ok := t.pending[shardID][key]
			if !ok {
				t.pending[shardID][key] = older
				continue
			}
			merged, err := t.combiner.Accumulate(older, newer)
			if err != nil {
				// Blocks that no longer combine keep the newer write.
				continue
			}
			t.pending[shardID][key] = merged
		}
	}
}

// ShardSize reports the number of keys resident in a local shard.
func (t *Table) ShardSize(shardID int) int {
	return t.shards[shardID].size()
}

// ShardInfo is per-shard metadata surfaced by the worker's info endpoint.
type ShardInfo struct {
	Shard int `json:"shard"`
	Owner int `json:"owner"`
	Keys  int `json:"keys"`
	Bytes int `json:"bytes"`
}

// Info returns metadata for every shard of the table.
func (t *Table) Info() []ShardInfo {
	t.mu.RLock()
	owners := make([]int, t.numShards)
	copy(owners, t.owners)
	t.mu.RUnlock()

	infos := make([]ShardInfo, t.numShards)
	for i, s := range t.shards {
		keys, bytes := s.stats()
		infos[i] = ShardInfo{Shard: i, Owner: owners[i], Keys: keys, Bytes: bytes}
	}
	return infos
}
