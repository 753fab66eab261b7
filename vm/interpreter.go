package vm

import (
	"fmt"
	"math"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("moon.vm")

// ---------------------------------------------------------------------------
// Interpreter: Bytecode execution engine
// ---------------------------------------------------------------------------

// Interpreter executes FuncProto bytecode. An interpreter is not safe for
// concurrent use; separate interpreters share nothing but protos.
type Interpreter struct {
	id      string
	config  Config
	globals map[string]Value

	// Execution state
	stack       *Stack
	frames      []*CallFrame
	hostDepth   int // native activations currently on the Go stack
	nextFrameID uint64
}

// New creates an interpreter.
func New(cfg Config) *Interpreter {
	cfg = cfg.withDefaults()
	return &Interpreter{
		id:      uuid.NewString(),
		config:  cfg,
		globals: make(map[string]Value),
		stack:   newStack(cfg.InitialStackSize, cfg.MaxStackSize),
		frames:  make([]*CallFrame, 0, 64),
	}
}

// ID returns the interpreter's unique id, as shown in trace logs.
func (interp *Interpreter) ID() string {
	return interp.id
}

func (interp *Interpreter) shortID() string {
	return interp.id[:8]
}

// Config returns the effective configuration.
func (interp *Interpreter) Config() Config {
	return interp.config
}

// Stack exposes the value stack for inspection.
func (interp *Interpreter) Stack() *Stack {
	return interp.stack
}

// Depth returns the number of active frames, natives included.
func (interp *Interpreter) Depth() int {
	return len(interp.frames) + interp.hostDepth
}

// ---------------------------------------------------------------------------
// Globals
// ---------------------------------------------------------------------------

// SetGlobal binds a global. Binding nil removes it.
func (interp *Interpreter) SetGlobal(name string, v Value) {
	if v.IsNil() {
		delete(interp.globals, name)
		return
	}
	interp.globals[name] = v
}

// GetGlobal returns a global, or nil.
func (interp *Interpreter) GetGlobal(name string) Value {
	return interp.globals[name]
}

// Register binds a native function as a global.
func (interp *Interpreter) Register(name string, fn NativeFunc) {
	interp.SetGlobal(name, NewNative(name, fn))
}

// ---------------------------------------------------------------------------
// Entry points
// ---------------------------------------------------------------------------

// Load wraps a top-level proto in a closure. Upvalues of a top-level proto
// have no enclosing frame, so each gets a fresh cell holding nil.
func (interp *Interpreter) Load(proto *FuncProto) *Closure {
	cl := &Closure{Proto: proto}
	if n := len(proto.Upvalues); n > 0 {
		cl.Upvalues = make([]*UpvalueCell, n)
		for i := range cl.Upvalues {
			cl.Upvalues[i] = NewClosedCell(Nil)
		}
	}
	return cl
}

// Run loads proto and calls it with args.
func (interp *Interpreter) Run(proto *FuncProto, args ...Value) ([]Value, error) {
	return interp.Call(FromClosure(interp.Load(proto)), args...)
}

// Call calls fn with args and returns every result. Natives may use it to
// call back into the interpreter. On error every frame pushed by this call
// has been unwound, with its upvalues closed, and the error is a
// *RuntimeError.
func (interp *Interpreter) Call(fn Value, args ...Value) ([]Value, error) {
	s := interp.stack
	entry := s.top
	if err := s.ensure(entry + 1 + len(args)); err != nil {
		return nil, err
	}
	s.Set(entry, fn)
	copy(s.slots[entry+1:], args)
	s.setTop(entry + 1 + len(args))

	n, err := interp.call(entry, len(args), 0)
	if err != nil {
		s.setTop(entry)
		return nil, asRuntimeError(err)
	}
	results := make([]Value, n)
	copy(results, s.slots[entry:entry+n])
	s.setTop(entry)
	return results, nil
}

// ---------------------------------------------------------------------------
// Execution dispatcher
// ---------------------------------------------------------------------------

// register helpers
func (interp *Interpreter) reg(f *CallFrame, r int) Value {
	return interp.stack.slots[f.base+r]
}

func (interp *Interpreter) setReg(f *CallFrame, r int, v Value) {
	interp.stack.slots[f.base+r] = v
}

// execute runs frames until the frame count drops back to depth and
// returns the produced count of the outermost return.
func (interp *Interpreter) execute(depth int) (produced int, err error) {
	defer func() {
		if err != nil || len(interp.frames) > depth {
			err = interp.unwind(depth, err)
		}
	}()

	frame := interp.frames[len(interp.frames)-1]
	for {
		code := frame.proto.Code
		pc := frame.pc
		if pc >= len(code) {
			panic(fmt.Sprintf("vm: %s: pc %d runs past end of code", frame.proto.DisplayName(), pc))
		}
		op := Opcode(code[pc])
		if !op.Valid() {
			panic(fmt.Sprintf("vm: %s: pc %d: unknown opcode 0x%02X", frame.proto.DisplayName(), pc, byte(op)))
		}
		if pc+op.InstructionLen() > len(code) {
			panic(fmt.Sprintf("vm: %s: pc %d: truncated %s", frame.proto.DisplayName(), pc, op))
		}
		in := decodeAt(code, pc)
		frame.cur = pc
		frame.pc = pc + op.InstructionLen()

		if interp.config.Trace {
			log.Debugf("[%s] %s %s", interp.shortID(), frame.proto.DisplayName(), FormatInstruction(frame.proto, in))
		}

		switch op {
		case OpNop:

		case OpMove:
			interp.setReg(frame, in.A, interp.reg(frame, in.B))

		case OpLoadK:
			interp.setReg(frame, in.A, frame.proto.Constants[in.X])

		case OpLoadNil:
			interp.stack.clear(frame.base+in.A, frame.base+in.A+in.B)

		case OpLoadBool:
			interp.setReg(frame, in.A, Bool(in.B != 0))

		case OpGetGlobal:
			name := frame.proto.Constants[in.X].ref.(string)
			interp.setReg(frame, in.A, interp.globals[name])

		case OpSetGlobal:
			name := frame.proto.Constants[in.X].ref.(string)
			interp.SetGlobal(name, interp.reg(frame, in.A))

		case OpAdd, OpSub, OpMul, OpDiv, OpMod:
			v, err := arith(op, interp.reg(frame, in.B), interp.reg(frame, in.C))
			if err != nil {
				return 0, err
			}
			interp.setReg(frame, in.A, v)

		case OpEq:
			interp.setReg(frame, in.A, Bool(interp.reg(frame, in.B) == interp.reg(frame, in.C)))

		case OpLt, OpLe:
			v, err := compare(op, interp.reg(frame, in.B), interp.reg(frame, in.C))
			if err != nil {
				return 0, err
			}
			interp.setReg(frame, in.A, Bool(v))

		case OpNot:
			interp.setReg(frame, in.A, Bool(!interp.reg(frame, in.B).Truthy()))

		case OpJump:
			frame.pc += in.X

		case OpJumpIf:
			if interp.reg(frame, in.A).Truthy() {
				frame.pc += in.X
			}

		case OpJumpIfNot:
			if !interp.reg(frame, in.A).Truthy() {
				frame.pc += in.X
			}

		case OpCall:
			entry := frame.base + in.A
			nArgs := in.B - 1
			if in.B == 0 {
				nArgs = interp.stack.top - entry - 1
			} else {
				interp.stack.setTop(entry + in.B)
			}
			pushed, _, err := interp.precall(entry, nArgs, siteForC(in.C, frame.windowEnd()))
			if err != nil {
				return 0, err
			}
			if pushed {
				frame = interp.frames[len(interp.frames)-1]
			}

		case OpCall1:
			entry := frame.base + in.B
			interp.stack.setTop(entry + 1 + in.C)
			site := callSite{dst: frame.base + in.A, callerTop: frame.windowEnd()}
			pushed, _, err := interp.precall(entry, in.C, site)
			if err != nil {
				return 0, err
			}
			if pushed {
				frame = interp.frames[len(interp.frames)-1]
			}

		case OpTailCall:
			entry := frame.base + in.A
			nArgs := in.B - 1
			if in.B == 0 {
				nArgs = interp.stack.top - entry - 1
			}
			interp.popFrame()
			s := interp.stack
			copy(s.slots[frame.entry:], s.slots[entry:entry+1+nArgs])
			s.setTop(frame.entry + 1 + nArgs)

			pushed, n, err := interp.precall(frame.entry, nArgs, frame.site)
			if err != nil {
				return 0, err
			}
			if !pushed && len(interp.frames) == depth {
				return n, nil
			}
			frame = interp.frames[len(interp.frames)-1]

		case OpReturn, OpReturn0:
			n := 0
			if op == OpReturn {
				first := frame.base + in.A
				n = in.B - 1
				if in.B == 0 {
					n = interp.stack.top - first
				} else {
					interp.stack.setTop(first + n)
				}
			} else {
				interp.stack.setTop(frame.base)
			}
			interp.popFrame()
			if err := interp.finishCall(frame.site, frame.entry, n); err != nil {
				return 0, err
			}
			if len(interp.frames) == depth {
				return n, nil
			}
			frame = interp.frames[len(interp.frames)-1]

		case OpVarArg:
			dst := frame.base + in.A
			n := in.B - 1
			if in.B == 0 {
				n = len(frame.varargs)
				if err := interp.stack.ensure(dst + n); err != nil {
					return 0, err
				}
				interp.stack.setTop(dst + n)
			}
			for i := 0; i < n; i++ {
				v := Nil
				if i < len(frame.varargs) {
					v = frame.varargs[i]
				}
				interp.stack.Set(dst+i, v)
			}

		case OpClosure:
			cl := interp.instantiate(frame.proto.Protos[in.X], frame)
			interp.setReg(frame, in.A, FromClosure(cl))

		case OpGetUpval:
			interp.setReg(frame, in.A, frame.closure.Upvalues[in.B].Get())

		case OpSetUpval:
			frame.closure.Upvalues[in.A].Set(interp.reg(frame, in.B))

		case OpClose:
			frame.open.closeFrom(frame.base + in.A)

		default:
			panic(fmt.Sprintf("vm: %s: pc %d: unhandled opcode %s", frame.proto.DisplayName(), pc, op))
		}
	}
}

// unwind pops every frame above depth, closing its upvalues, and records
// the traceback on err. It also runs while a panic propagates, in which
// case err is nil and only the cleanup happens.
func (interp *Interpreter) unwind(depth int, err error) error {
	var re *RuntimeError
	if err != nil {
		re = asRuntimeError(err)
	}
	for len(interp.frames) > depth {
		frame := interp.frames[len(interp.frames)-1]
		if re != nil {
			re.Traceback = append(re.Traceback, frame.traceEntry())
		}
		interp.popFrame()
		interp.stack.setTop(frame.entry)
	}
	if re == nil {
		return nil
	}
	return re
}

// ---------------------------------------------------------------------------
// Arithmetic and comparison
// ---------------------------------------------------------------------------

func arith(op Opcode, a, b Value) (Value, error) {
	x, ok1 := a.AsNumber()
	y, ok2 := b.AsNumber()
	if !ok1 || !ok2 {
		bad := a
		if ok1 {
			bad = b
		}
		return Nil, newRuntimeError(Arithmetic, "attempt to perform arithmetic on a %s value", bad.TypeName())
	}
	switch op {
	case OpAdd:
		return Number(x + y), nil
	case OpSub:
		return Number(x - y), nil
	case OpMul:
		return Number(x * y), nil
	case OpDiv:
		return Number(x / y), nil
	}
	// floored modulo: the result takes the sign of the divisor
	r := math.Mod(x, y)
	if r != 0 && (r < 0) != (y < 0) {
		r += y
	}
	return Number(r), nil
}

func compare(op Opcode, a, b Value) (bool, error) {
	if x, ok := a.AsNumber(); ok {
		if y, ok := b.AsNumber(); ok {
			if op == OpLt {
				return x < y, nil
			}
			return x <= y, nil
		}
	}
	if x, ok := a.AsString(); ok {
		if y, ok := b.AsString(); ok {
			if op == OpLt {
				return x < y, nil
			}
			return x <= y, nil
		}
	}
	return false, newRuntimeError(Arithmetic, "attempt to compare %s with %s", a.TypeName(), b.TypeName())
}
