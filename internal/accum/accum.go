// Package accum implements the numeric reduction operators used to merge
// table values: replace, add, mul, min, max, and the bitwise and/or/xor
// family.
//
// Values are fixed-width little-endian element blocks. An operator merges an
// incoming block into the current block element by element, in place, so a
// single-element block behaves like a scalar and a multi-element block like a
// dense array combine. The (operator, element type) pair is resolved exactly
// once, at table-creation time; the returned Func does no per-element
// dispatch.
package accum

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Op identifies a reduction operator.
type Op string

const (
	Replace Op = "replace"
	Add     Op = "add"
	Mul     Op = "mul"
	Min     Op = "min"
	Max     Op = "max"
	And     Op = "and"
	Or      Op = "or"
	Xor     Op = "xor"
)

// DType identifies the element type of a value block.
type DType string

const (
	Int64   DType = "int64"
	Float64 DType = "float64"
)

// elemSize is the byte width of every supported element type.
const elemSize = 8

// Func merges incoming into current and returns the merged block. For every
// operator except Replace the merge happens in place inside current; no new
// block is allocated. Both blocks must hold the same number of elements.
type Func func(current, incoming []byte) ([]byte, error)

// Resolve returns the merge function for one (operator, element type) pair.
// Unknown operators and unsupported pairings (bitwise ops over float64) are
// configuration errors.
func Resolve(op Op, dt DType) (Func, error) {
	if op == Replace {
		// Replace is type-blind: the incoming block wins wholesale, so it
		// also serves tables holding arbitrary byte payloads.
		return replace, nil
	}

	switch dt {
	case Int64:
		if f, ok := int64Ops[op]; ok {
			return f, nil
		}
	case Float64:
		if f, ok := float64Ops[op]; ok {
			return f, nil
		}
		if _, bitwise := int64Ops[op]; bitwise {
			return nil, fmt.Errorf("operator %q is not defined for float64", op)
		}
	default:
		return nil, fmt.Errorf("unknown element type %q", dt)
	}

	return nil, fmt.Errorf("unknown operator %q", op)
}

func replace(current, incoming []byte) ([]byte, error) {
	return append(current[:0], incoming...), nil
}

var int64Ops = map[Op]Func{
	Add: int64Func(func(a, b int64) int64 { return a + b }),
	Mul: int64Func(func(a, b int64) int64 { return a * b }),
	Min: int64Func(func(a, b int64) int64 {
		if b < a {
			return b
		}
		return a
	}),
	Max: int64Func(func(a, b int64) int64 {
		if b > a {
			return b
		}
		return a
	}),
	And: int64Func(func(a, b int64) int64 { return a & b }),
	Or:  int64Func(func(a, b int64) int64 { return a | b }),
	Xor: int64Func(func(a, b int64) int64 { return a ^ b }),
}

var float64Ops = map[Op]Func{
	Add: float64Func(func(a, b float64) float64 { return a + b }),
	Mul: float64Func(func(a, b float64) float64 { return a * b }),
	Min: float64Func(math.Min),
	Max: float64Func(math.Max),
}

// int64Func lifts a scalar combine over whole blocks, merging in place.
func int64Func(combine func(a, b int64) int64) Func {
	return func(current, incoming []byte) ([]byte, error) {
		if err := checkBlocks(current, incoming); err != nil {
			return nil, err
		}
		for i := 0; i < len(current); i += elemSize {
			a := int64(binary.LittleEndian.Uint64(current[i:]))
			b := int64(binary.LittleEndian.Uint64(incoming[i:]))
			binary.LittleEndian.PutUint64(current[i:], uint64(combine(a, b)))
		}
		return current, nil
	}
}

func float64Func(combine func(a, b float64) float64) Func {
	return func(current, incoming []byte) ([]byte, error) {
		if err := checkBlocks(current, incoming); err != nil {
			return nil, err
		}
		for i := 0; i < len(current); i += elemSize {
			a := math.Float64frombits(binary.LittleEndian.Uint64(current[i:]))
			b := math.Float64frombits(binary.LittleEndian.Uint64(incoming[i:]))
			binary.LittleEndian.PutUint64(current[i:], math.Float64bits(combine(a, b)))
		}
		return current, nil
	}
}

func checkBlocks(current, incoming []byte) error {
	if len(current) != len(incoming) {
		return fmt.Errorf("block length mismatch: %d vs %d bytes", len(current), len(incoming))
	}
	if len(current)%elemSize != 0 {
		return fmt.Errorf("block length %d is not a multiple of the element size", len(current))
	}
	return nil
}

// EncodeInt64 packs values into a little-endian block.
func EncodeInt64(vs ...int64) []byte {
	b := make([]byte, len(vs)*elemSize)
	for i, v := range vs {
		binary.LittleEndian.PutUint64(b[i*elemSize:], uint64(v))
	}
	return b
}

// DecodeInt64 unpacks a block produced by EncodeInt64.
func DecodeInt64(b []byte) ([]int64, error) {
	if len(b)%elemSize != 0 {
		return nil, fmt.Errorf("block length %d is not a multiple of the element size", len(b))
	}
	vs := make([]int64, len(b)/elemSize)
	for i := range vs {
		vs[i] = int64(binary.LittleEndian.Uint64(b[i*elemSize:]))
	}
	return vs, nil
}

// EncodeFloat64 packs values into a little-endian block.
func EncodeFloat64(vs ...float64) []byte {
	b := make([]byte, len(vs)*elemSize)
	for i, v := range vs {
		binary.LittleEndian.PutUint64(b[i*elemSize:], math.Float64bits(v))
	}
	return b
}

// DecodeFloat64 unpacks a block produced by EncodeFloat64.
func DecodeFloat64(b []byte) ([]float64, error) {
	if len(b)%elemSize != 0 {
		return nil, fmt.Errorf("block length %d is not a multiple of the element size", len(b))
	}
	vs := make([]float64, len(b)/elemSize)
	for i := range vs {
		vs[i] = math.Float64frombits(binary.LittleEndian.Uint64(b[i*elemSize:]))
	}
	return vs, nil
}
