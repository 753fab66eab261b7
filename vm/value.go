package vm

import (
	"fmt"
	"math"
	"strconv"
)

// Kind identifies the variant held by a Value.
type Kind uint8

const (
	KindNil Kind = iota
	KindBoolean
	KindNumber
	KindString
	KindTable
	KindNative
	KindClosure
)

var kindNames = [...]string{
	KindNil:     "nil",
	KindBoolean: "boolean",
	KindNumber:  "number",
	KindString:  "string",
	KindTable:   "table",
	KindNative:  "native",
	KindClosure: "closure",
}

// String returns the internal name of the kind. Use Value.TypeName for the
// name scripts observe (natives and closures are both "function").
func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", k)
}

// Value is a tagged union over every value the VM can hold in a register.
//
// Values are small, comparable structs. The zero Value is nil. Comparing two
// Values with == is raw equality: numbers compare by value (so NaN is never
// equal to itself), strings by content, and tables, natives and closures by
// identity.
type Value struct {
	kind Kind
	num  float64
	ref  any // string, *Table, *NativeFunction or *Closure
}

// Pre-defined values
var (
	Nil   = Value{}
	True  = Value{kind: KindBoolean, num: 1}
	False = Value{kind: KindBoolean}
)

// ---------------------------------------------------------------------------
// Construction
// ---------------------------------------------------------------------------

// Bool returns True or False.
func Bool(b bool) Value {
	if b {
		return True
	}
	return False
}

// Number wraps a float64.
func Number(f float64) Value {
	return Value{kind: KindNumber, num: f}
}

// Int wraps an integer as a number.
func Int(n int) Value {
	return Value{kind: KindNumber, num: float64(n)}
}

// String wraps a Go string.
func String(s string) Value {
	return Value{kind: KindString, ref: s}
}

// FromTable wraps a table reference.
func FromTable(t *Table) Value {
	if t == nil {
		return Nil
	}
	return Value{kind: KindTable, ref: t}
}

// FromNative wraps a host function.
func FromNative(fn *NativeFunction) Value {
	if fn == nil {
		return Nil
	}
	return Value{kind: KindNative, ref: fn}
}

// FromClosure wraps a closure.
func FromClosure(c *Closure) Value {
	if c == nil {
		return Nil
	}
	return Value{kind: KindClosure, ref: c}
}

// ---------------------------------------------------------------------------
// Inspection
// ---------------------------------------------------------------------------

// Kind returns the variant tag.
func (v Value) Kind() Kind { return v.kind }

// IsNil reports whether v is nil.
func (v Value) IsNil() bool { return v.kind == KindNil }

// IsCallable reports whether v can be the callee of a call instruction.
func (v Value) IsCallable() bool {
	return v.kind == KindNative || v.kind == KindClosure
}

// Truthy reports whether v counts as true in a condition.
// Only nil and false are falsy.
func (v Value) Truthy() bool {
	switch v.kind {
	case KindNil:
		return false
	case KindBoolean:
		return v.num != 0
	}
	return true
}

// AsBool returns the boolean payload.
func (v Value) AsBool() (bool, bool) {
	if v.kind != KindBoolean {
		return false, false
	}
	return v.num != 0, true
}

// AsNumber returns the number payload.
func (v Value) AsNumber() (float64, bool) {
	if v.kind != KindNumber {
		return 0, false
	}
	return v.num, true
}

// AsString returns the string payload.
func (v Value) AsString() (string, bool) {
	if v.kind != KindString {
		return "", false
	}
	return v.ref.(string), true
}

// AsTable returns the table payload, or nil.
func (v Value) AsTable() *Table {
	if v.kind != KindTable {
		return nil
	}
	return v.ref.(*Table)
}

// AsNative returns the host function payload, or nil.
func (v Value) AsNative() *NativeFunction {
	if v.kind != KindNative {
		return nil
	}
	return v.ref.(*NativeFunction)
}

// AsClosure returns the closure payload, or nil.
func (v Value) AsClosure() *Closure {
	if v.kind != KindClosure {
		return nil
	}
	return v.ref.(*Closure)
}

// TypeName returns the type name scripts observe.
func (v Value) TypeName() string {
	switch v.kind {
	case KindNative, KindClosure:
		return "function"
	}
	return v.kind.String()
}

// String formats the value the way tostring does.
func (v Value) String() string {
	switch v.kind {
	case KindNil:
		return "nil"
	case KindBoolean:
		if v.num != 0 {
			return "true"
		}
		return "false"
	case KindNumber:
		return formatNumber(v.num)
	case KindString:
		return v.ref.(string)
	case KindTable:
		return fmt.Sprintf("table: %p", v.ref)
	case KindNative:
		return fmt.Sprintf("builtin: %s", v.ref.(*NativeFunction).Name)
	case KindClosure:
		return fmt.Sprintf("function: %p", v.ref)
	}
	return "?"
}

func formatNumber(f float64) string {
	switch {
	case math.IsInf(f, 1):
		return "inf"
	case math.IsInf(f, -1):
		return "-inf"
	case math.IsNaN(f):
		return "nan"
	case f == math.Trunc(f) && math.Abs(f) < 1e15:
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'g', 14, 64)
}
