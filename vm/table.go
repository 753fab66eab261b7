package vm

import (
	"errors"
	"math"
)

// Table is a minimal associative array. The core treats tables as opaque
// values; this implementation exists so that host functions and tests have
// something to pass around.
type Table struct {
	hash map[Value]Value
}

var errBadTableKey = errors.New("table index is nil or NaN")

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{hash: make(map[Value]Value)}
}

// Get returns the value stored under key, or nil.
func (t *Table) Get(key Value) Value {
	return t.hash[key]
}

// Set stores val under key. Storing nil removes the entry.
func (t *Table) Set(key, val Value) error {
	if key.kind == KindNil || (key.kind == KindNumber && math.IsNaN(key.num)) {
		return errBadTableKey
	}
	if val.kind == KindNil {
		delete(t.hash, key)
		return nil
	}
	t.hash[key] = val
	return nil
}

// Len returns the border of the sequence part: the largest n such that
// keys 1..n are all present.
func (t *Table) Len() int {
	n := 0
	for {
		if _, ok := t.hash[Int(n+1)]; !ok {
			return n
		}
		n++
	}
}
