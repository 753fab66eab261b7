package vm

import (
	"testing"
)

// ---------------------------------------------------------------------------
// Calling convention tests
// ---------------------------------------------------------------------------

// callerOf builds a function that calls the global fname with no
// arguments using the given C operand and returns `ret` registers.
func callerOf(t *testing.T, fname string, c uint8, ret int) *FuncProto {
	t.Helper()
	maxStack := ret
	if maxStack < 1 {
		maxStack = 1
	}
	return buildProto(t, "caller", 0, maxStack, func(b *ProtoBuilder, bc *BytecodeBuilder) {
		bc.EmitAx(OpGetGlobal, 0, b.Constant(String(fname)))
		bc.EmitABC(OpCall, 0, 1, c)
		if ret < 0 {
			bc.EmitAB(OpReturn, 0, 0)
			return
		}
		bc.EmitAB(OpReturn, 0, uint8(ret+1))
	})
}

// callees returns an interpreted and a native variant of a function
// returning vals, keyed by name.
func callees(t *testing.T, interp *Interpreter, vals ...int) map[string]Value {
	return map[string]Value{
		"closure": FromClosure(interp.Load(constReturn(t, "f", vals...))),
		"native":  nativeReturning("f", vals...),
	}
}

func TestResultPadding(t *testing.T) {
	interp := New(DefaultConfig())
	for kind, f := range callees(t, interp, 7) {
		t.Run(kind, func(t *testing.T) {
			interp.SetGlobal("f", f)
			// local a, b, c = f()
			caller := interp.Load(callerOf(t, "f", 4, 3))
			res := mustCall(t, interp, FromClosure(caller))
			assertValues(t, res, Int(7), Nil, Nil)
			assertClean(t, interp)
		})
	}
}

func TestResultTruncation(t *testing.T) {
	interp := New(DefaultConfig())
	for kind, f := range callees(t, interp, 1, 2, 3) {
		t.Run(kind, func(t *testing.T) {
			interp.SetGlobal("f", f)
			// local a = f()
			caller := interp.Load(callerOf(t, "f", 2, 1))
			res := mustCall(t, interp, FromClosure(caller))
			assertValues(t, res, Int(1))
			assertClean(t, interp)
		})
	}
}

func TestResultsDiscarded(t *testing.T) {
	interp := New(DefaultConfig())
	for kind, f := range callees(t, interp, 1, 2, 3) {
		t.Run(kind, func(t *testing.T) {
			interp.SetGlobal("f", f)
			// f(); return
			caller := interp.Load(callerOf(t, "f", 1, 0))
			res := mustCall(t, interp, FromClosure(caller))
			assertValues(t, res)
			assertClean(t, interp)
		})
	}
}

// TestReturnForwardsAllResults checks that "return f()" in g hands every
// result of f to g's caller.
func TestReturnForwardsAllResults(t *testing.T) {
	interp := New(DefaultConfig())
	for kind, f := range callees(t, interp, 1, 2, 3) {
		t.Run(kind, func(t *testing.T) {
			interp.SetGlobal("f", f)
			g := interp.Load(callerOf(t, "f", 0, -1))
			res := mustCall(t, interp, FromClosure(g))
			assertValues(t, res, Int(1), Int(2), Int(3))
			assertClean(t, interp)
		})
	}
}

// TestVariadicLastArgument checks count(10, 20, h()) where h returns
// nothing or several values.
func TestVariadicLastArgument(t *testing.T) {
	tests := []struct {
		name string
		h    []int
		want int
	}{
		{"zero results", nil, 2},
		{"one result", []int{1}, 3},
		{"three results", []int{1, 2, 3}, 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			interp := New(DefaultConfig())
			interp.Register("count", func(ctx *CallContext) (int, error) {
				return ctx.Return(Int(ctx.NArgs()))
			})
			interp.SetGlobal("h", FromClosure(interp.Load(constReturn(t, "h", tt.h...))))

			p := buildProto(t, "main", 0, 4, func(b *ProtoBuilder, bc *BytecodeBuilder) {
				bc.EmitAx(OpGetGlobal, 0, b.Constant(String("count")))
				bc.EmitAx(OpLoadK, 1, b.Constant(Int(10)))
				bc.EmitAx(OpLoadK, 2, b.Constant(Int(20)))
				bc.EmitAx(OpGetGlobal, 3, b.Constant(String("h")))
				bc.EmitABC(OpCall, 3, 1, 0) // h() with all results
				bc.EmitABC(OpCall, 0, 0, 2) // count(R1 .. top)
				bc.EmitAB(OpReturn, 0, 2)
			})
			res := mustCall(t, interp, FromClosure(interp.Load(p)))
			assertValues(t, res, Int(tt.want))
			assertClean(t, interp)
		})
	}
}

func TestMissingParametersAreNil(t *testing.T) {
	interp := New(DefaultConfig())
	// function f(a, b) return a, b end
	f := buildProto(t, "f", 2, 2, func(b *ProtoBuilder, bc *BytecodeBuilder) {
		bc.EmitAB(OpReturn, 0, 3)
	})
	res := mustCall(t, interp, FromClosure(interp.Load(f)), Int(1))
	assertValues(t, res, Int(1), Nil)
}

func TestExtraArgumentsDropped(t *testing.T) {
	interp := New(DefaultConfig())
	// function f(a) local b; return a, b end
	f := buildProto(t, "f", 1, 2, func(b *ProtoBuilder, bc *BytecodeBuilder) {
		bc.EmitAB(OpReturn, 0, 3)
	})
	res := mustCall(t, interp, FromClosure(interp.Load(f)), Int(1), Int(2), Int(3))
	assertValues(t, res, Int(1), Nil)
	assertClean(t, interp)
}

func TestVarArgs(t *testing.T) {
	interp := New(DefaultConfig())

	// function all(a, ...) return ... end
	all := NewProtoBuilder("all", 1).SetMaxStack(1).SetVararg()
	all.Bytecode().EmitAB(OpVarArg, 0, 0)
	all.Bytecode().EmitAB(OpReturn, 0, 0)
	allProto := all.Build()
	if err := allProto.Validate(); err != nil {
		t.Fatal(err)
	}
	res := mustCall(t, interp, FromClosure(interp.Load(allProto)), Int(1), Int(2), Int(3))
	assertValues(t, res, Int(2), Int(3))

	res = mustCall(t, interp, FromClosure(interp.Load(allProto)), Int(1))
	assertValues(t, res)

	// function two(...) local x, y = ...; return x, y end
	two := NewProtoBuilder("two", 0).SetMaxStack(2).SetVararg()
	two.Bytecode().EmitAB(OpVarArg, 0, 3)
	two.Bytecode().EmitAB(OpReturn, 0, 3)
	twoProto := two.Build()
	if err := twoProto.Validate(); err != nil {
		t.Fatal(err)
	}
	res = mustCall(t, interp, FromClosure(interp.Load(twoProto)), Int(9))
	assertValues(t, res, Int(9), Nil)
	assertClean(t, interp)
}

// TestVarArgsForwarded checks count(...) inside a vararg function.
func TestVarArgsForwarded(t *testing.T) {
	interp := New(DefaultConfig())
	interp.Register("count", func(ctx *CallContext) (int, error) {
		return ctx.Return(Int(ctx.NArgs()))
	})
	b := NewProtoBuilder("fwd", 0).SetMaxStack(2).SetVararg()
	bc := b.Bytecode()
	bc.EmitAx(OpGetGlobal, 0, b.Constant(String("count")))
	bc.EmitAB(OpVarArg, 1, 0)
	bc.EmitABC(OpCall, 0, 0, 0)
	bc.EmitAB(OpReturn, 0, 0)
	p := b.Build()
	if err := p.Validate(); err != nil {
		t.Fatal(err)
	}
	res := mustCall(t, interp, FromClosure(interp.Load(p)), Int(1), Int(2), Int(3), Int(4))
	assertValues(t, res, Int(4))
	assertClean(t, interp)
}

func TestCall1(t *testing.T) {
	interp := New(DefaultConfig())
	for kind, f := range callees(t, interp, 5, 6) {
		t.Run(kind, func(t *testing.T) {
			interp.SetGlobal("f", f)
			// local x = nil; x = f(); return x
			p := buildProto(t, "main", 0, 2, func(b *ProtoBuilder, bc *BytecodeBuilder) {
				bc.EmitAB(OpLoadNil, 0, 1)
				bc.EmitAx(OpGetGlobal, 1, b.Constant(String("f")))
				bc.EmitABC(OpCall1, 0, 1, 0)
				bc.EmitAB(OpReturn, 0, 2)
			})
			res := mustCall(t, interp, FromClosure(interp.Load(p)))
			assertValues(t, res, Int(5))
		})
	}

	empty := FromClosure(interp.Load(constReturn(t, "empty")))
	interp.SetGlobal("f", empty)
	p := buildProto(t, "main", 0, 2, func(b *ProtoBuilder, bc *BytecodeBuilder) {
		bc.EmitAx(OpLoadK, 0, b.Constant(Int(1)))
		bc.EmitAx(OpGetGlobal, 1, b.Constant(String("f")))
		bc.EmitABC(OpCall1, 0, 1, 0)
		bc.EmitAB(OpReturn, 0, 2)
	})
	res := mustCall(t, interp, FromClosure(interp.Load(p)))
	assertValues(t, res, Nil)
	assertClean(t, interp)
}

func TestCall1PassesArguments(t *testing.T) {
	interp := New(DefaultConfig())
	// function add(a, b) return a + b end
	add := buildProto(t, "add", 2, 3, func(b *ProtoBuilder, bc *BytecodeBuilder) {
		bc.EmitABC(OpAdd, 2, 0, 1)
		bc.EmitAB(OpReturn, 2, 2)
	})
	interp.SetGlobal("add", FromClosure(interp.Load(add)))
	p := buildProto(t, "main", 0, 3, func(b *ProtoBuilder, bc *BytecodeBuilder) {
		bc.EmitAx(OpGetGlobal, 0, b.Constant(String("add")))
		bc.EmitAx(OpLoadK, 1, b.Constant(Int(40)))
		bc.EmitAx(OpLoadK, 2, b.Constant(Int(2)))
		bc.EmitABC(OpCall1, 0, 0, 2)
		bc.EmitAB(OpReturn, 0, 2)
	})
	res := mustCall(t, interp, FromClosure(interp.Load(p)))
	assertValues(t, res, Int(42))
}

// ---------------------------------------------------------------------------
// Stack top after calls
// ---------------------------------------------------------------------------

// TestTopAfterFixedCallIsWindowEnd relies on a B=0 call counting its
// arguments up to top: after a fixed-result call top must be back at the
// end of the window, so the probe in the last register sees none.
func TestTopAfterFixedCallIsWindowEnd(t *testing.T) {
	interp := New(DefaultConfig())
	var seen []int
	interp.Register("probe", func(ctx *CallContext) (int, error) {
		seen = append(seen, ctx.NArgs())
		return 0, nil
	})
	for kind, f := range callees(t, interp, 1, 2, 3) {
		t.Run(kind, func(t *testing.T) {
			seen = nil
			interp.SetGlobal("f", f)
			p := buildProto(t, "main", 0, 4, func(b *ProtoBuilder, bc *BytecodeBuilder) {
				bc.EmitAx(OpGetGlobal, 0, b.Constant(String("f")))
				bc.EmitABC(OpCall, 0, 1, 2) // truncate to one result
				bc.EmitAx(OpGetGlobal, 3, b.Constant(String("probe")))
				bc.EmitABC(OpCall, 3, 0, 1)
				bc.EmitAx(OpGetGlobal, 1, b.Constant(String("f")))
				bc.EmitABC(OpCall, 1, 1, 3) // pad to two of three
				bc.EmitAx(OpGetGlobal, 3, b.Constant(String("probe")))
				bc.EmitABC(OpCall, 3, 0, 1)
				bc.Emit(OpReturn0)
			})
			mustCall(t, interp, FromClosure(interp.Load(p)))
			if len(seen) != 2 || seen[0] != 0 || seen[1] != 0 {
				t.Errorf("probe saw %v arguments, want [0 0]", seen)
			}
			assertClean(t, interp)
		})
	}
}

func TestPlaceResults(t *testing.T) {
	tests := []struct {
		name    string
		n       int
		wanted  int
		want    []Value
		wantTop int
	}{
		{"keep all", 3, 0, []Value{Int(1), Int(2), Int(3)}, 3},
		{"pad", 1, 3, []Value{Int(1), Nil, Nil}, 3},
		{"truncate", 3, 1, []Value{Int(1)}, 1},
		{"none wanted none produced", 0, 0, nil, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			interp := New(DefaultConfig())
			s := interp.Stack()
			// garbage in the destination, results above it
			for i := 0; i < 5; i++ {
				s.Set(i, String("junk"))
			}
			for i := 0; i < tt.n; i++ {
				s.Set(5+i, Int(i+1))
			}
			if err := interp.placeResults(5, 0, tt.n, tt.wanted); err != nil {
				t.Fatal(err)
			}
			if s.Top() != tt.wantTop {
				t.Errorf("top = %d, want %d", s.Top(), tt.wantTop)
			}
			for i, v := range tt.want {
				if got := s.Get(i); got != v {
					t.Errorf("slot %d = %v, want %v", i, got, v)
				}
			}
		})
	}
}

func TestFinishCallRestoresCallerTop(t *testing.T) {
	interp := New(DefaultConfig())
	s := interp.Stack()
	s.Set(10, Int(1))
	s.Set(11, Int(2))
	s.setTop(12)

	if err := interp.finishCall(siteForC(2, 8), 4, 2); err != nil {
		t.Fatal(err)
	}
	if s.Top() != 8 {
		t.Errorf("top = %d, want caller top 8", s.Top())
	}
	if s.Get(4) != Int(1) {
		t.Errorf("slot 4 = %v, want 1", s.Get(4))
	}

	s.Set(10, Int(1))
	s.Set(11, Int(2))
	s.setTop(12)
	if err := interp.finishCall(siteForC(0, 8), 4, 2); err != nil {
		t.Fatal(err)
	}
	if s.Top() != 6 {
		t.Errorf("top = %d after C=0, want end of results 6", s.Top())
	}
}
