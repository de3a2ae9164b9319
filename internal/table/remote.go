package table

import (
	"context"
	"fmt"

	"github.com/dreamware/tabulon/internal/cluster"
)

// RemoteIterator walks the contents of a shard owned by a peer worker, one
// page at a time. The first page request opens an iteration session on the
// owner; every later request reuses the session id it returned. Pages are
// requested strictly in sequence, and a new page is fetched only when the
// buffered one is exhausted and the server has not yet flagged completion.
type RemoteIterator struct {
	table    *Table
	page     cluster.IteratorResponse
	shardID  int
	fetchNum int
	index    int
}

// NewRemoteIterator opens an iteration session against the owner of
// (t, shardID) and fetches the first page of up to fetchNum pairs.
func NewRemoteIterator(ctx context.Context, t *Table, shardID, fetchNum int) (*RemoteIterator, error) {
	it := &RemoteIterator{
		table:    t,
		shardID:  shardID,
		fetchNum: fetchNum,
	}
	it.page.ID = cluster.NewIteration
	if err := it.fetch(ctx); err != nil {
		return nil, err
	}
	return it, nil
}

func (it *RemoteIterator) fetch(ctx context.Context) error {
	owner := it.table.Owner(it.shardID)
	if owner == Unassigned {
		return fmt.Errorf("table %d: shard %d has no recorded owner", it.table.ID(), it.shardID)
	}
	addr, err := it.table.WorkerAddr(owner)
	if err != nil {
		return err
	}

	req := cluster.IteratorRequest{
		Table: it.table.ID(),
		Shard: it.shardID,
		Count: it.fetchNum,
		ID:    it.page.ID,
	}
	var resp cluster.IteratorResponse
	if err := cluster.PostJSON(ctx, addr+"/table/iterator", req, &resp); err != nil {
		return fmt.Errorf("table %d: iterator page for shard %d from worker %d: %w",
			it.table.ID(), it.shardID, owner, err)
	}
	it.page = resp
	it.index = 0
	return nil
}

// Done reports completion: the server flagged the last page done and every
// pair of it has been consumed.
func (it *RemoteIterator) Done() bool {
	return it.page.Done && it.index >= len(it.page.KVs)
}

// Next advances past the current pair, fetching the next page when the
// buffered one is exhausted. This is the protocol's only network round trip
// after the opening request.
func (it *RemoteIterator) Next(ctx context.Context) error {
	it.index++
	if it.index < len(it.page.KVs) || it.page.Done {
		return nil
	}
	return it.fetch(ctx)
}

// Key returns the current key. Only valid while Done is false.
func (it *RemoteIterator) Key() string {
	return it.page.KVs[it.index].Key
}

// Value returns the current value. Only valid while Done is false.
func (it *RemoteIterator) Value() []byte {
	return it.page.KVs[it.index].Value
}
