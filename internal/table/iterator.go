package table

import "sort"

// Iterator is a cursor over one local shard's contents. It snapshots the
// shard at creation time (keys sorted for a stable page order) and applies
// the table's selector, so concurrent writes never disturb an open iteration
// session.
type Iterator struct {
	keys   []string
	values [][]byte
	pos    int
}

// Iterator opens a cursor over a local shard, filtered and projected through
// the table's selector.
func (t *Table) Iterator(shardID int) *Iterator {
	s := t.shards[shardID]

	s.mu.RLock()
	keys := make([]string, 0, len(s.data))
	for key := range s.data {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	it := &Iterator{
		keys:   make([]string, 0, len(keys)),
		values: make([][]byte, 0, len(keys)),
	}
	for _, key := range keys {
		value, keep := t.selector.Select(key, s.data[key])
		if !keep {
			continue
		}
		out := make([]byte, len(value))
		copy(out, value)
		it.keys = append(it.keys, key)
		it.values = append(it.values, out)
	}
	s.mu.RUnlock()

	return it
}

// Done reports whether the cursor has run past the last pair.
func (it *Iterator) Done() bool {
	return it.pos >= len(it.keys)
}

// Key returns the current key. Only valid while Done is false.
func (it *Iterator) Key() string {
	return it.keys[it.pos]
}

// Value returns the current value. Only valid while Done is false.
func (it *Iterator) Value() []byte {
	return it.values[it.pos]
}

// Next advances the cursor one pair.
func (it *Iterator) Next() {
	it.pos++
}
