package vm

import (
	"testing"
)

// buildProto runs emit against a fresh builder and validates the result.
func buildProto(t *testing.T, name string, params, maxStack int, emit func(b *ProtoBuilder, bc *BytecodeBuilder)) *FuncProto {
	t.Helper()
	b := NewProtoBuilder(name, params).SetMaxStack(maxStack)
	emit(b, b.Bytecode())
	p := b.Build()
	if err := p.Validate(); err != nil {
		t.Fatalf("Validate(%s): %v", name, err)
	}
	return p
}

// constReturn builds a function returning the given numbers.
func constReturn(t *testing.T, name string, vals ...int) *FuncProto {
	t.Helper()
	return buildProto(t, name, 0, len(vals), func(b *ProtoBuilder, bc *BytecodeBuilder) {
		for i, v := range vals {
			bc.EmitAx(OpLoadK, uint8(i), b.Constant(Int(v)))
		}
		bc.EmitAB(OpReturn, 0, uint8(len(vals)+1))
	})
}

// nativeReturning builds a native returning the given numbers.
func nativeReturning(name string, vals ...int) Value {
	return NewNative(name, func(ctx *CallContext) (int, error) {
		for _, v := range vals {
			if err := ctx.Push(Int(v)); err != nil {
				return 0, err
			}
		}
		return len(vals), nil
	})
}

func mustCall(t *testing.T, interp *Interpreter, fn Value, args ...Value) []Value {
	t.Helper()
	res, err := interp.Call(fn, args...)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	return res
}

func assertValues(t *testing.T, got []Value, want ...Value) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("got %d values %v, want %d values %v", len(got), got, len(want), want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("value %d = %v, want %v", i, got[i], want[i])
		}
	}
}

// assertClean checks that nothing of a finished Call is left behind.
func assertClean(t *testing.T, interp *Interpreter) {
	t.Helper()
	if top := interp.Stack().Top(); top != 0 {
		t.Errorf("stack top = %d after call, want 0", top)
	}
	if d := interp.Depth(); d != 0 {
		t.Errorf("depth = %d after call, want 0", d)
	}
}
