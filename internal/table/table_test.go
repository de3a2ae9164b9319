package table

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/tabulon/internal/accum"
	"github.com/dreamware/tabulon/internal/cluster"
)

// newTestTable builds a table with the named combiner/reducer, a mod
// sharder, and an identity selector, hosted by worker 0 which owns every
// shard.
func newTestTable(t *testing.T, id, numShards int, combiner, reducer string) *Table {
	t.Helper()

	sharder, err := NewSharder(cluster.StrategySpec{Type: "mod"})
	require.NoError(t, err)
	comb, err := NewAccumulator(cluster.StrategySpec{Type: combiner})
	require.NoError(t, err)
	red, err := NewAccumulator(cluster.StrategySpec{Type: reducer})
	require.NoError(t, err)
	sel, err := NewSelector(cluster.StrategySpec{Type: "identity"})
	require.NoError(t, err)

	tbl := New(Config{
		ID:        id,
		NumShards: numShards,
		Sharder:   sharder,
		Combiner:  comb,
		Reducer:   red,
		Selector:  sel,
	})
	tbl.SetWorkers(0, map[int]string{})
	for s := 0; s < numShards; s++ {
		tbl.SetOwner(s, 0)
	}
	return tbl
}

func TestTableUpdate(t *testing.T) {
	t.Run("combiner add accumulates", func(t *testing.T) {
		tbl := newTestTable(t, 1, 2, "add", "add")

		require.NoError(t, tbl.Update(0, "k", accum.EncodeInt64(3)))
		require.NoError(t, tbl.Update(0, "k", accum.EncodeInt64(4)))

		value, ok := tbl.Get(0, "k")
		require.True(t, ok)
		vs, err := accum.DecodeInt64(value)
		require.NoError(t, err)
		assert.Equal(t, int64(7), vs[0])
	})

	t.Run("combiner replace keeps the last value", func(t *testing.T) {
		tbl := newTestTable(t, 1, 2, "replace", "replace")

		require.NoError(t, tbl.Update(0, "k", []byte("first")))
		require.NoError(t, tbl.Update(0, "k", []byte("second")))

		value, ok := tbl.Get(0, "k")
		require.True(t, ok)
		assert.Equal(t, []byte("second"), value)
	})

	t.Run("missing key reports absence", func(t *testing.T) {
		tbl := newTestTable(t, 1, 2, "replace", "replace")

		value, ok := tbl.Get(0, "never-written")
		assert.False(t, ok)
		assert.Nil(t, value)
		assert.False(t, tbl.Contains(0, "never-written"))
	})

	t.Run("get returns a copy", func(t *testing.T) {
		tbl := newTestTable(t, 1, 2, "replace", "replace")
		require.NoError(t, tbl.Update(0, "k", []byte("value")))

		value, _ := tbl.Get(0, "k")
		value[0] = 'X'

		again, _ := tbl.Get(0, "k")
		assert.Equal(t, []byte("value"), again)
	})
}

func TestTableMerge(t *testing.T) {
	// Merge is the remote-contribution path and goes through the reducer,
	// not the combiner.
	tbl := newTestTable(t, 1, 2, "replace", "add")

	require.NoError(t, tbl.Merge(0, "k", accum.EncodeInt64(3)))
	require.NoError(t, tbl.Merge(0, "k", accum.EncodeInt64(4)))

	value, ok := tbl.Get(0, "k")
	require.True(t, ok)
	vs, err := accum.DecodeInt64(value)
	require.NoError(t, err)
	assert.Equal(t, int64(7), vs[0])
}

func TestTableRemoteBuffering(t *testing.T) {
	var received []cluster.PutRequest
	owner := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/table/put", r.URL.Path)
		var req cluster.PutRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		received = append(received, req)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer owner.Close()

	tbl := newTestTable(t, 9, 2, "add", "add")
	// Shard 1 belongs to worker 1, reachable at the fake server.
	tbl.SetWorkers(0, map[int]string{0: "http://unused", 1: owner.URL})
	tbl.SetOwner(1, 1)

	t.Run("remote writes buffer locally", func(t *testing.T) {
		require.NoError(t, tbl.Update(1, "k", accum.EncodeInt64(3)))
		require.NoError(t, tbl.Update(1, "k", accum.EncodeInt64(4)))

		// Nothing hits local storage or the wire before flush.
		_, ok := tbl.Get(1, "k")
		assert.False(t, ok)
		assert.Empty(t, received)
	})

	t.Run("flush drains combiner-merged buffers to the owner", func(t *testing.T) {
		require.NoError(t, tbl.Flush(context.Background()))

		require.Len(t, received, 1)
		assert.Equal(t, 9, received[0].Table)
		assert.Equal(t, 1, received[0].Shard)
		require.Len(t, received[0].KVs, 1)
		vs, err := accum.DecodeInt64(received[0].KVs[0].Value)
		require.NoError(t, err)
		assert.Equal(t, int64(7), vs[0], "buffered writes must be combiner-merged before shipping")
	})

	t.Run("flush is idempotent once drained", func(t *testing.T) {
		require.NoError(t, tbl.Flush(context.Background()))
		assert.Len(t, received, 1)
	})

	t.Run("flush without a recorded owner fails", func(t *testing.T) {
		tbl.SetOwner(1, Unassigned)
		require.NoError(t, tbl.Update(1, "k2", accum.EncodeInt64(1)))
		assert.Error(t, tbl.Flush(context.Background()))
	})
}

func TestTableFlushRetry(t *testing.T) {
	var (
		failures int
		received []cluster.PutRequest
	)
	owner := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if failures > 0 {
			failures--
			http.Error(w, "owner unavailable", http.StatusBadGateway)
			return
		}
		var req cluster.PutRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		received = append(received, req)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer owner.Close()

	tbl := newTestTable(t, 9, 2, "add", "add")
	tbl.SetWorkers(0, map[int]string{0: "http://unused", 1: owner.URL})
	tbl.SetOwner(1, 1)

	t.Run("failed flush keeps the buffer for the next attempt", func(t *testing.T) {
		require.NoError(t, tbl.Update(1, "k", accum.EncodeInt64(3)))

		failures = 1
		require.Error(t, tbl.Flush(context.Background()))
		assert.Empty(t, received)

		require.NoError(t, tbl.Flush(context.Background()))
		require.Len(t, received, 1)
		require.Len(t, received[0].KVs, 1)
		vs, err := accum.DecodeInt64(received[0].KVs[0].Value)
		require.NoError(t, err)
		assert.Equal(t, int64(3), vs[0], "the write buffered before the failed flush must still be delivered")
	})

	t.Run("writes between failure and retry recombine", func(t *testing.T) {
		received = nil
		require.NoError(t, tbl.Update(1, "k", accum.EncodeInt64(3)))

		failures = 1
		require.Error(t, tbl.Flush(context.Background()))

		// A write landing while the failed batch is in flight must fold
		// into the restored buffer, not replace or shadow it.
		require.NoError(t, tbl.Update(1, "k", accum.EncodeInt64(4)))

		require.NoError(t, tbl.Flush(context.Background()))
		require.Len(t, received, 1)
		require.Len(t, received[0].KVs, 1)
		vs, err := accum.DecodeInt64(received[0].KVs[0].Value)
		require.NoError(t, err)
		assert.Equal(t, int64(7), vs[0])
	})

	t.Run("unassigned owner keeps the buffer too", func(t *testing.T) {
		received = nil
		require.NoError(t, tbl.Update(1, "k", accum.EncodeInt64(5)))

		tbl.SetOwner(1, Unassigned)
		require.Error(t, tbl.Flush(context.Background()))
		tbl.SetOwner(1, 1)

		require.NoError(t, tbl.Flush(context.Background()))
		require.Len(t, received, 1)
		vs, err := accum.DecodeInt64(received[0].KVs[0].Value)
		require.NoError(t, err)
		assert.Equal(t, int64(5), vs[0])
	})
}

func TestTableOwnership(t *testing.T) {
	tbl := newTestTable(t, 1, 4, "replace", "replace")

	assert.Equal(t, 0, tbl.Owner(2))
	tbl.SetOwner(2, 3)
	assert.Equal(t, 3, tbl.Owner(2))

	// Reassignment is metadata only: existing contents stay put.
	require.NoError(t, tbl.Merge(2, "k", []byte("v")))
	tbl.SetOwner(2, 1)
	_, ok := tbl.Get(2, "k")
	assert.True(t, ok)
}

func TestTableInfo(t *testing.T) {
	tbl := newTestTable(t, 1, 2, "replace", "replace")
	require.NoError(t, tbl.Update(0, "a", []byte("xy")))
	require.NoError(t, tbl.Update(0, "b", []byte("z")))

	infos := tbl.Info()
	require.Len(t, infos, 2)
	assert.Equal(t, 2, infos[0].Keys)
	assert.Equal(t, 3, infos[0].Bytes)
	assert.Equal(t, 0, infos[1].Keys)
	assert.Equal(t, 2, tbl.ShardSize(0))
}

func TestLocalIterator(t *testing.T) {
	t.Run("visits every pair in sorted key order", func(t *testing.T) {
		tbl := newTestTable(t, 1, 1, "replace", "replace")
		require.NoError(t, tbl.Update(0, "c", []byte("3")))
		require.NoError(t, tbl.Update(0, "a", []byte("1")))
		require.NoError(t, tbl.Update(0, "b", []byte("2")))

		var keys []string
		for it := tbl.Iterator(0); !it.Done(); it.Next() {
			keys = append(keys, it.Key())
		}
		assert.Equal(t, []string{"a", "b", "c"}, keys)
	})

	t.Run("empty shard is immediately done", func(t *testing.T) {
		tbl := newTestTable(t, 1, 1, "replace", "replace")
		assert.True(t, tbl.Iterator(0).Done())
	})

	t.Run("snapshot ignores later writes", func(t *testing.T) {
		tbl := newTestTable(t, 1, 1, "replace", "replace")
		require.NoError(t, tbl.Update(0, "a", []byte("1")))

		it := tbl.Iterator(0)
		require.NoError(t, tbl.Update(0, "b", []byte("2")))

		count := 0
		for ; !it.Done(); it.Next() {
			count++
		}
		assert.Equal(t, 1, count)
	})
}

func TestIteratorSelector(t *testing.T) {
	sharder, err := NewSharder(cluster.StrategySpec{Type: "mod"})
	require.NoError(t, err)
	acc, err := NewAccumulator(cluster.StrategySpec{Type: "replace"})
	require.NoError(t, err)
	sel, err := NewSelector(cluster.StrategySpec{
		Type: "prefix",
		Opts: map[string]string{"prefix": "row:"},
	})
	require.NoError(t, err)

	tbl := New(Config{ID: 1, NumShards: 1, Sharder: sharder, Combiner: acc, Reducer: acc, Selector: sel})
	tbl.SetWorkers(0, nil)
	tbl.SetOwner(0, 0)

	require.NoError(t, tbl.Update(0, "row:1", []byte("keep")))
	require.NoError(t, tbl.Update(0, "col:1", []byte("drop")))

	it := tbl.Iterator(0)
	require.False(t, it.Done())
	assert.Equal(t, "row:1", it.Key())
	it.Next()
	assert.True(t, it.Done())
}
