package table

import (
	"fmt"
	"hash/fnv"
	"strings"
	"sync"

	"github.com/dreamware/tabulon/internal/accum"
	"github.com/dreamware/tabulon/internal/cluster"
)

// Sharder maps a key to a shard index. Implementations must be deterministic
// and total: the same (key, numShards) pair always yields the same index, and
// the index is always in [0, numShards).
type Sharder interface {
	ShardForKey(key string, numShards int) int
}

// Accumulator merges an incoming value into the current stored value for the
// same key. A table carries two: the combiner merges writes arriving at the
// same worker, the reducer merges contributions arriving from different
// workers.
type Accumulator interface {
	Accumulate(current, incoming []byte) ([]byte, error)
}

// Selector filters and projects key-value pairs during iteration. Returning
// false drops the pair from the cursor entirely.
type Selector interface {
	Select(key string, value []byte) ([]byte, bool)
}

// Factories construct strategies from the options map carried in a
// StrategySpec. Each strategy kind has its own process-wide registry,
// populated at init time and extendable by applications before any table is
// created.
type (
	SharderFactory     func(opts map[string]string) (Sharder, error)
	AccumulatorFactory func(opts map[string]string) (Accumulator, error)
	SelectorFactory    func(opts map[string]string) (Selector, error)
)

var (
	registryMu   sync.RWMutex
	sharders     = map[string]SharderFactory{}
	accumulators = map[string]AccumulatorFactory{}
	selectors    = map[string]SelectorFactory{}
)

// RegisterSharder makes a sharder constructible by name. Registering a
// duplicate name panics: two implementations competing for one name is a
// programming error.
func RegisterSharder(name string, f SharderFactory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := sharders[name]; dup {
		panic(fmt.Sprintf("table: sharder %q registered twice", name))
	}
	sharders[name] = f
}

// RegisterAccumulator makes an accumulator constructible by name.
func RegisterAccumulator(name string, f AccumulatorFactory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := accumulators[name]; dup {
		panic(fmt.Sprintf("table: accumulator %q registered twice", name))
	}
	accumulators[name] = f
}

// RegisterSelector makes a selector constructible by name.
func RegisterSelector(name string, f SelectorFactory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := selectors[name]; dup {
		panic(fmt.Sprintf("table: selector %q registered twice", name))
	}
	selectors[name] = f
}

// NewSharder resolves a spec against the sharder registry. An unknown type is
// a configuration error; callers treat it as fatal.
func NewSharder(spec cluster.StrategySpec) (Sharder, error) {
	registryMu.RLock()
	f, ok := sharders[spec.Type]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown sharder type %q", spec.Type)
	}
	return f(spec.Opts)
}

// NewAccumulator resolves a spec against the accumulator registry.
func NewAccumulator(spec cluster.StrategySpec) (Accumulator, error) {
	registryMu.RLock()
	f, ok := accumulators[spec.Type]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown accumulator type %q", spec.Type)
	}
	return f(spec.Opts)
}

// NewSelector resolves a spec against the selector registry.
func NewSelector(spec cluster.StrategySpec) (Selector, error) {
	registryMu.RLock()
	f, ok := selectors[spec.Type]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown selector type %q", spec.Type)
	}
	return f(spec.Opts)
}

// modSharder hashes the key with FNV-1a and reduces it modulo the shard
// count.
type modSharder struct{}

func (modSharder) ShardForKey(key string, numShards int) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32()) % numShards
}

// accumFunc adapts a resolved accum.Func to the Accumulator interface.
type accumFunc accum.Func

func (f accumFunc) Accumulate(current, incoming []byte) ([]byte, error) {
	return f(current, incoming)
}

// identitySelector passes every pair through unchanged.
type identitySelector struct{}

func (identitySelector) Select(_ string, value []byte) ([]byte, bool) {
	return value, true
}

// prefixSelector keeps only keys carrying a fixed prefix.
type prefixSelector struct {
	prefix string
}

func (s prefixSelector) Select(key string, value []byte) ([]byte, bool) {
	if !strings.HasPrefix(key, s.prefix) {
		return nil, false
	}
	return value, true
}

func init() {
	RegisterSharder("mod", func(map[string]string) (Sharder, error) {
		return modSharder{}, nil
	})

	// One accumulator registration per reduction operator. The element type
	// comes from opts["dtype"] and defaults to int64; the concrete merge
	// function is resolved here, once, and reused for every update.
	for _, op := range []accum.Op{
		accum.Replace, accum.Add, accum.Mul, accum.Min,
		accum.Max, accum.And, accum.Or, accum.Xor,
	} {
		op := op
		RegisterAccumulator(string(op), func(opts map[string]string) (Accumulator, error) {
			dt := accum.DType(opts["dtype"])
			if dt == "" {
				dt = accum.Int64
			}
			f, err := accum.Resolve(op, dt)
			if err != nil {
				return nil, err
			}
			return accumFunc(f), nil
		})
	}

	RegisterSelector("identity", func(map[string]string) (Selector, error) {
		return identitySelector{}, nil
	})
	RegisterSelector("prefix", func(opts map[string]string) (Selector, error) {
		return prefixSelector{prefix: opts["prefix"]}, nil
	})
}
