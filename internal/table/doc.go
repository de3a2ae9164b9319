// Package table implements the sharded key-value container at the heart of
// tabulon: per-shard storage, the pluggable strategy registries, local shard
// cursors, and the paging client for iterating shards owned by peer workers.
//
// # Data model
//
// A Table is a logical, globally-named container split into a fixed number of
// shards. Every worker hosting part of the table holds a Table object with
// the same id, shard count, and strategies; an ownership vector (mutated only
// by shard assignment) records which worker actually stores each shard.
//
//	Table 3, 4 shards, 2 workers
//
//	worker 0                      worker 1
//	┌─────────────────┐           ┌─────────────────┐
//	│ shard 0 ██ owned│           │ shard 0 ·· empty│
//	│ shard 1 ·· empty│           │ shard 1 ██ owned│
//	│ shard 2 ██ owned│           │ shard 2 ·· empty│
//	│ shard 3 ·· empty│           │ shard 3 ██ owned│
//	└─────────────────┘           └─────────────────┘
//
// # Strategies
//
// Four strategy kinds shape a table's behavior, each resolved by name from a
// process-wide registry when the table is created:
//
//   - Sharder: maps a key to a shard index ("mod": FNV-1a hash modulo the
//     shard count).
//   - Combiner: an Accumulator merging writes that arrive at the same worker
//     for the same key.
//   - Reducer: an Accumulator merging contributions for the same key arriving
//     from different workers.
//   - Selector: filters/projects pairs during iteration ("identity",
//     "prefix").
//
// The numeric accumulators (add, mul, min, max, and the bitwise family) come
// from the accum package and are bound to a concrete element type once, at
// creation time.
//
// # Write paths
//
// Update is the local path: owned shards are merged directly through the
// combiner, and writes aimed at a peer's shard are buffered (combiner-merged)
// until Flush drains them to the owner over the Put RPC. Merge is the remote
// path, applied by the owning worker's Put handler through the reducer.
//
// # Iteration
//
// Iterator snapshots one local shard in sorted key order. RemoteIterator
// consumes the worker iterator RPC page by page, strictly in sequence, per
// the session protocol served by the worker package.
package table
