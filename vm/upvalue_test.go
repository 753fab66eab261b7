package vm

import (
	"errors"
	"testing"
)

// ---------------------------------------------------------------------------
// Closure and upvalue tests
// ---------------------------------------------------------------------------

// buildCounter creates:
//
//	function counter()
//	    local x = 0
//	    local function inc() x = x + 1 end
//	    local function get() return x end
//	    return inc, get
//	end
func buildCounter(t *testing.T) *FuncProto {
	inc := buildProto(t, "inc", 0, 2, func(b *ProtoBuilder, bc *BytecodeBuilder) {
		b.AddUpvalue(FromLocal, 0, "x")
		bc.EmitAB(OpGetUpval, 0, 0)
		bc.EmitAx(OpLoadK, 1, b.Constant(Int(1)))
		bc.EmitABC(OpAdd, 0, 0, 1)
		bc.EmitAB(OpSetUpval, 0, 0)
		bc.Emit(OpReturn0)
	})
	get := buildProto(t, "get", 0, 1, func(b *ProtoBuilder, bc *BytecodeBuilder) {
		b.AddUpvalue(FromLocal, 0, "x")
		bc.EmitAB(OpGetUpval, 0, 0)
		bc.EmitAB(OpReturn, 0, 2)
	})
	return buildProto(t, "counter", 0, 3, func(b *ProtoBuilder, bc *BytecodeBuilder) {
		bc.EmitAx(OpLoadK, 0, b.Constant(Int(0)))
		bc.EmitAx(OpClosure, 1, b.AddProto(inc))
		bc.EmitAx(OpClosure, 2, b.AddProto(get))
		bc.EmitAB(OpReturn, 1, 3)
	})
}

func TestUpvalueSharedBetweenClosures(t *testing.T) {
	interp := New(DefaultConfig())
	counter := FromClosure(interp.Load(buildCounter(t)))

	res := mustCall(t, interp, counter)
	inc, get := res[0], res[1]

	// Both closures hold the same cell, closed when counter returned.
	incCell := inc.AsClosure().Upvalues[0]
	getCell := get.AsClosure().Upvalues[0]
	if incCell != getCell {
		t.Fatal("inc and get captured different cells")
	}
	if incCell.IsOpen() {
		t.Error("cell still open after counter returned")
	}

	mustCall(t, interp, inc)
	mustCall(t, interp, inc)
	assertValues(t, mustCall(t, interp, get), Int(2))
	assertClean(t, interp)
}

func TestUpvaluesIndependentAcrossActivations(t *testing.T) {
	interp := New(DefaultConfig())
	counter := FromClosure(interp.Load(buildCounter(t)))

	first := mustCall(t, interp, counter)
	second := mustCall(t, interp, counter)

	mustCall(t, interp, first[0])
	mustCall(t, interp, first[0])
	mustCall(t, interp, second[0])

	assertValues(t, mustCall(t, interp, first[1]), Int(2))
	assertValues(t, mustCall(t, interp, second[1]), Int(1))
}

// TestOpenUpvalueAliasesRegister checks that a write through an open cell
// is visible in the declaring frame's register.
func TestOpenUpvalueAliasesRegister(t *testing.T) {
	interp := New(DefaultConfig())
	inc := buildProto(t, "inc", 0, 2, func(b *ProtoBuilder, bc *BytecodeBuilder) {
		b.AddUpvalue(FromLocal, 0, "x")
		bc.EmitAB(OpGetUpval, 0, 0)
		bc.EmitAx(OpLoadK, 1, b.Constant(Int(1)))
		bc.EmitABC(OpAdd, 0, 0, 1)
		bc.EmitAB(OpSetUpval, 0, 0)
		bc.Emit(OpReturn0)
	})
	// local x = 10; local f = inc; f(); return x
	main := buildProto(t, "main", 0, 3, func(b *ProtoBuilder, bc *BytecodeBuilder) {
		bc.EmitAx(OpLoadK, 0, b.Constant(Int(10)))
		bc.EmitAx(OpClosure, 1, b.AddProto(inc))
		bc.EmitAB(OpMove, 2, 1)
		bc.EmitABC(OpCall, 2, 1, 1)
		bc.EmitAB(OpReturn, 0, 2)
	})
	assertValues(t, mustCall(t, interp, FromClosure(interp.Load(main))), Int(11))
}

// TestCaptureDeduplicates checks that two CLOSURE instructions capturing
// the same register share one cell, giving the registry a single entry.
func TestCaptureDeduplicates(t *testing.T) {
	interp := New(DefaultConfig())
	var cells []*UpvalueCell
	var open []int
	interp.Register("inspect", func(ctx *CallContext) (int, error) {
		for i := 0; i < ctx.NArgs(); i++ {
			cells = append(cells, ctx.Arg(i).AsClosure().Upvalues[0])
		}
		caller := ctx.Interpreter().frames[len(ctx.Interpreter().frames)-1]
		open = append(open, caller.open.Len())
		return 0, nil
	})
	get := buildProto(t, "get", 0, 1, func(b *ProtoBuilder, bc *BytecodeBuilder) {
		b.AddUpvalue(FromLocal, 0, "x")
		bc.EmitAB(OpGetUpval, 0, 0)
		bc.EmitAB(OpReturn, 0, 2)
	})
	main := buildProto(t, "main", 0, 4, func(b *ProtoBuilder, bc *BytecodeBuilder) {
		p := b.AddProto(get)
		bc.EmitAx(OpLoadK, 0, b.Constant(Int(1)))
		bc.EmitAx(OpGetGlobal, 1, b.Constant(String("inspect")))
		bc.EmitAx(OpClosure, 2, p)
		bc.EmitAx(OpClosure, 3, p)
		bc.EmitABC(OpCall, 1, 3, 1)
		bc.Emit(OpReturn0)
	})
	mustCall(t, interp, FromClosure(interp.Load(main)))
	if len(cells) != 2 || cells[0] != cells[1] {
		t.Fatalf("cells = %v, want one shared cell", cells)
	}
	if len(open) != 1 || open[0] != 1 {
		t.Errorf("open registry size = %v, want [1]", open)
	}
	if cells[0].IsOpen() {
		t.Error("cell still open after return")
	}
}

// TestClosureIdentity checks that each CLOSURE execution yields a new
// value, even without captures.
func TestClosureIdentity(t *testing.T) {
	interp := New(DefaultConfig())
	empty := constReturn(t, "empty")
	main := buildProto(t, "main", 0, 3, func(b *ProtoBuilder, bc *BytecodeBuilder) {
		p := b.AddProto(empty)
		bc.EmitAx(OpClosure, 0, p)
		bc.EmitAx(OpClosure, 1, p)
		bc.EmitABC(OpEq, 2, 0, 1)
		bc.EmitAB(OpReturn, 2, 2)
	})
	assertValues(t, mustCall(t, interp, FromClosure(interp.Load(main))), False)
}

// TestNestedUpvalueHop checks a FromUpvalue descriptor: the innermost
// function reaches x through its parent's cell.
//
//	function outer()
//	    local x = 5
//	    return function()
//	        return function() return x end
//	    end
//	end
func TestNestedUpvalueHop(t *testing.T) {
	interp := New(DefaultConfig())
	// Only the whole tree validates: FromUpvalue needs an enclosing proto.
	innerB := NewProtoBuilder("innermost", 0).SetMaxStack(1)
	innerB.AddUpvalue(FromUpvalue, 0, "x")
	innerB.Bytecode().EmitAB(OpGetUpval, 0, 0)
	innerB.Bytecode().EmitAB(OpReturn, 0, 2)
	innermost := innerB.Build()

	middleB := NewProtoBuilder("middle", 0).SetMaxStack(1)
	middleB.AddUpvalue(FromLocal, 0, "x")
	middleB.Bytecode().EmitAx(OpClosure, 0, middleB.AddProto(innermost))
	middleB.Bytecode().EmitAB(OpReturn, 0, 2)
	middle := middleB.Build()

	outer := buildProto(t, "outer", 0, 2, func(b *ProtoBuilder, bc *BytecodeBuilder) {
		bc.EmitAx(OpLoadK, 0, b.Constant(Int(5)))
		bc.EmitAx(OpClosure, 1, b.AddProto(middle))
		bc.EmitAB(OpReturn, 1, 2)
	})

	m := mustCall(t, interp, FromClosure(interp.Load(outer)))[0]
	in := mustCall(t, interp, m)[0]
	if in.AsClosure().Upvalues[0] != m.AsClosure().Upvalues[0] {
		t.Error("innermost did not reuse middle's cell")
	}
	assertValues(t, mustCall(t, interp, in), Int(5))
}

// TestCloseGivesFreshCellPerIteration runs
//
//	for i = 0, 2 do
//	    local v = i
//	    keep(function() return v end)
//	end
//
// and checks that each kept closure sees its own v.
func TestCloseGivesFreshCellPerIteration(t *testing.T) {
	interp := New(DefaultConfig())
	var kept []Value
	interp.Register("keep", func(ctx *CallContext) (int, error) {
		kept = append(kept, ctx.Arg(0))
		return 0, nil
	})
	getv := buildProto(t, "getv", 0, 1, func(b *ProtoBuilder, bc *BytecodeBuilder) {
		b.AddUpvalue(FromLocal, 2, "v")
		bc.EmitAB(OpGetUpval, 0, 0)
		bc.EmitAB(OpReturn, 0, 2)
	})
	main := buildProto(t, "main", 0, 6, func(b *ProtoBuilder, bc *BytecodeBuilder) {
		loop := bc.NewLabel()
		done := bc.NewLabel()
		bc.EmitAx(OpLoadK, 0, b.Constant(Int(0)))
		bc.EmitAx(OpLoadK, 1, b.Constant(Int(3)))
		bc.Mark(loop)
		bc.EmitABC(OpLt, 2, 0, 1)
		bc.EmitCondJump(OpJumpIfNot, 2, done)
		bc.EmitAB(OpMove, 2, 0)
		bc.EmitAx(OpClosure, 3, b.AddProto(getv))
		bc.EmitAx(OpGetGlobal, 4, b.Constant(String("keep")))
		bc.EmitAB(OpMove, 5, 3)
		bc.EmitABC(OpCall, 4, 2, 1)
		bc.EmitA(OpClose, 2)
		bc.EmitAx(OpLoadK, 3, b.Constant(Int(1)))
		bc.EmitABC(OpAdd, 0, 0, 3)
		bc.EmitJump(loop)
		bc.Mark(done)
		bc.Emit(OpReturn0)
	})
	mustCall(t, interp, FromClosure(interp.Load(main)))

	if len(kept) != 3 {
		t.Fatalf("kept %d closures, want 3", len(kept))
	}
	for i, fn := range kept {
		assertValues(t, mustCall(t, interp, fn), Int(i))
	}
}

// TestUpvaluesClosedOnError checks that cells of frames unwound by an
// error are closed and keep the last value.
func TestUpvaluesClosedOnError(t *testing.T) {
	interp := New(DefaultConfig())
	var saved Value
	interp.Register("save", func(ctx *CallContext) (int, error) {
		saved = ctx.Arg(0)
		return 0, nil
	})
	interp.Register("fail", func(ctx *CallContext) (int, error) {
		return 0, NewError(String("boom"))
	})
	get := buildProto(t, "get", 0, 1, func(b *ProtoBuilder, bc *BytecodeBuilder) {
		b.AddUpvalue(FromLocal, 0, "x")
		bc.EmitAB(OpGetUpval, 0, 0)
		bc.EmitAB(OpReturn, 0, 2)
	})
	main := buildProto(t, "main", 0, 4, func(b *ProtoBuilder, bc *BytecodeBuilder) {
		bc.EmitAx(OpLoadK, 0, b.Constant(Int(7)))
		bc.EmitAx(OpClosure, 1, b.AddProto(get))
		bc.EmitAx(OpGetGlobal, 2, b.Constant(String("save")))
		bc.EmitAB(OpMove, 3, 1)
		bc.EmitABC(OpCall, 2, 2, 1)
		bc.EmitAx(OpGetGlobal, 2, b.Constant(String("fail")))
		bc.EmitABC(OpCall, 2, 1, 1)
		bc.Emit(OpReturn0)
	})
	_, err := interp.Call(FromClosure(interp.Load(main)))
	var re *RuntimeError
	if !errors.As(err, &re) || re.Kind != User || re.Message != "boom" {
		t.Fatalf("err = %v, want user error boom", err)
	}
	assertClean(t, interp)

	cell := saved.AsClosure().Upvalues[0]
	if cell.IsOpen() {
		t.Fatal("cell still open after error")
	}
	if cell.Get() != Int(7) {
		t.Errorf("cell = %v, want 7", cell.Get())
	}
}

// TestUpvaluesClosedOnPanic runs a proto that falls off the end of its
// code. The interpreter panics, but the unwind still closes cells.
func TestUpvaluesClosedOnPanic(t *testing.T) {
	interp := New(DefaultConfig())
	var saved Value
	interp.Register("save", func(ctx *CallContext) (int, error) {
		saved = ctx.Arg(0)
		return 0, nil
	})
	get := buildProto(t, "get", 0, 1, func(b *ProtoBuilder, bc *BytecodeBuilder) {
		b.AddUpvalue(FromLocal, 0, "x")
		bc.EmitAB(OpGetUpval, 0, 0)
		bc.EmitAB(OpReturn, 0, 2)
	})
	b := NewProtoBuilder("broken", 0).SetMaxStack(4)
	bc := b.Bytecode()
	bc.EmitAx(OpLoadK, 0, b.Constant(Int(3)))
	bc.EmitAx(OpClosure, 1, b.AddProto(get))
	bc.EmitAx(OpGetGlobal, 2, b.Constant(String("save")))
	bc.EmitAB(OpMove, 3, 1)
	bc.EmitABC(OpCall, 2, 2, 1)
	broken := b.Build()
	if broken.Validate() == nil {
		t.Fatal("Validate accepted code without a return")
	}

	func() {
		defer func() {
			if recover() == nil {
				t.Error("expected a panic for code without a return")
			}
		}()
		interp.Call(FromClosure(interp.Load(broken)))
	}()

	if interp.Depth() != 0 {
		t.Errorf("depth = %d after panic, want 0", interp.Depth())
	}
	cell := saved.AsClosure().Upvalues[0]
	if cell.IsOpen() || cell.Get() != Int(3) {
		t.Errorf("cell open=%v value=%v, want closed 3", cell.IsOpen(), cell.Get())
	}
}

func TestRegistryCloseFrom(t *testing.T) {
	s := newStack(16, 16)
	for i := 0; i < 16; i++ {
		s.Set(i, Int(i))
	}
	var r upvalueRegistry
	for _, slot := range []int{9, 3, 12, 5} {
		r.capture(s, 1, slot)
	}
	if c := r.capture(s, 1, 5); c.Slot() != 5 || r.Len() != 4 {
		t.Fatalf("recapture: slot %d, len %d", c.Slot(), r.Len())
	}
	for i := 1; i < len(r.cells); i++ {
		if r.cells[i-1].slot >= r.cells[i].slot {
			t.Fatalf("registry not ordered: %d before %d", r.cells[i-1].slot, r.cells[i].slot)
		}
	}

	high := r.find(9)
	if n := r.closeFrom(6); n != 2 {
		t.Errorf("closeFrom(6) closed %d, want 2", n)
	}
	if high.IsOpen() || high.Get() != Int(9) {
		t.Errorf("cell 9: open=%v value=%v", high.IsOpen(), high.Get())
	}
	if r.find(9) != nil || r.find(5) == nil {
		t.Error("closeFrom removed the wrong entries")
	}

	// closed cells no longer alias the stack
	s.Set(9, String("changed"))
	if high.Get() != Int(9) {
		t.Errorf("closed cell follows stack: %v", high.Get())
	}
	high.Set(Int(99))
	if s.Get(9) != String("changed") {
		t.Error("closed cell wrote to the stack")
	}
}
