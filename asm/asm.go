// Package asm assembles the textual listing format into function protos.
//
// A source file holds one top-level function; nested functions appear
// inside it and are referenced by name from CLOSURE:
//
//	.func main 0
//	  .maxstack 2
//	  CLOSURE 0 counter
//	  CALL    0 1 2
//	  RETURN  0 2
//	  .func counter 0
//	    LOADK  0 42
//	    RETURN 0 2
//	  .end
//	.end
//
// Operands are decimal register numbers (optionally prefixed with r),
// literals for constant operands, function names for CLOSURE and labels
// for jumps. A ; starts a comment. Without .maxstack the register window
// is sized from the highest register the code touches.
package asm

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/chazu/moonvm/vm"
)

// Assemble parses src and returns the validated top-level proto. source
// names the chunk in tracebacks.
func Assemble(source string, src []byte) (*vm.FuncProto, error) {
	fd, err := parse(src)
	if err != nil {
		return nil, err
	}
	p, err := emit(fd, source)
	if err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, &Error{Line: fd.line, Msg: err.Error()}
	}
	return p, nil
}

// AssembleFile reads and assembles path, using its base name as the
// chunk name.
func AssembleFile(path string) (*vm.FuncProto, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("asm: %w", err)
	}
	return Assemble(filepath.Base(path), src)
}

type emitter struct {
	fd       *funcDef
	b        *vm.ProtoBuilder
	protos   map[string]uint16
	labels   map[string]*vm.Label
	defined  map[string]bool
	firstUse map[string]int
	need     int
}

// emit builds children first so CLOSURE can name a function defined
// after it.
func emit(fd *funcDef, source string) (*vm.FuncProto, error) {
	e := &emitter{
		fd:       fd,
		b:        vm.NewProtoBuilder(fd.name, fd.params).SetSource(source),
		protos:   make(map[string]uint16),
		labels:   make(map[string]*vm.Label),
		defined:  make(map[string]bool),
		firstUse: make(map[string]int),
		need:     fd.params,
	}
	if fd.vararg {
		e.b.SetVararg()
	}
	for _, child := range fd.children {
		if _, dup := e.protos[child.name]; dup {
			return nil, errorf(child.line, "function %s defined twice in %s", child.name, fd.name)
		}
		p, err := emit(child, source)
		if err != nil {
			return nil, err
		}
		e.protos[child.name] = e.b.AddProto(p)
		for _, uv := range child.upvals {
			if uv.From == vm.FromLocal {
				e.use(int(uv.Index) + 1)
			}
		}
	}
	for _, uv := range fd.upvals {
		e.b.AddUpvalue(uv.From, uv.Index, uv.Name)
	}
	for _, k := range fd.consts {
		e.b.Constant(k)
	}

	for _, st := range fd.body {
		if st.label != "" {
			if e.defined[st.label] {
				return nil, errorf(st.line, "label %s defined twice", st.label)
			}
			e.defined[st.label] = true
			e.b.Bytecode().Mark(e.label(st.label))
			continue
		}
		e.b.MarkSource(st.line, 0)
		if err := e.instruction(st); err != nil {
			return nil, err
		}
	}
	for name, line := range e.firstUse {
		if !e.defined[name] {
			return nil, errorf(line, "undefined label %s", name)
		}
	}

	if fd.maxStack >= 0 {
		e.b.SetMaxStack(fd.maxStack)
	} else {
		if e.need > 256 {
			return nil, errorf(fd.line, "function %s needs %d registers", fd.name, e.need)
		}
		e.b.SetMaxStack(e.need)
	}
	return e.b.Build(), nil
}

func (e *emitter) label(name string) *vm.Label {
	l, ok := e.labels[name]
	if !ok {
		l = e.b.Bytecode().NewLabel()
		e.labels[name] = l
	}
	return l
}

func (e *emitter) use(n int) {
	if n > e.need {
		e.need = n
	}
}

func (e *emitter) instruction(st stmt) error {
	bc := e.b.Bytecode()
	op := st.op
	switch op.Info().Format {
	case vm.FormatNone:
		bc.Emit(op)
		return nil

	case vm.FormatJ:
		bc.EmitJump(e.jumpTarget(st, 0))
		return nil

	case vm.FormatAJ:
		a, err := e.reg(st, 0)
		if err != nil {
			return err
		}
		e.use(a + 1)
		bc.EmitCondJump(op, uint8(a), e.jumpTarget(st, 1))
		return nil

	case vm.FormatAK:
		a, err := e.reg(st, 0)
		if err != nil {
			return err
		}
		k, err := parseConstant(st.args[1])
		if err != nil {
			return errorf(st.line, "%v", err)
		}
		if op == vm.OpGetGlobal || op == vm.OpSetGlobal {
			if k.Kind() != vm.KindString {
				return errorf(st.line, "%s needs a global name, got %s", op, k.TypeName())
			}
		}
		e.use(a + 1)
		bc.EmitAx(op, uint8(a), e.b.Constant(k))
		return nil

	case vm.FormatAP:
		a, err := e.reg(st, 0)
		if err != nil {
			return err
		}
		idx, ok := e.protos[st.args[1]]
		if !ok {
			n, err := parseByte(st.args[1])
			if err != nil || n >= len(e.fd.children) {
				return errorf(st.line, "unknown function %q", st.args[1])
			}
			idx = uint16(n)
		}
		e.use(a + 1)
		bc.EmitAx(op, uint8(a), idx)
		return nil
	}

	ops := make([]int, len(st.args))
	for i := range st.args {
		n, err := e.reg(st, i)
		if err != nil {
			return err
		}
		ops[i] = n
	}
	e.use(registersTouched(op, ops))
	switch len(ops) {
	case 1:
		bc.EmitA(op, uint8(ops[0]))
	case 2:
		bc.EmitAB(op, uint8(ops[0]), uint8(ops[1]))
	default:
		bc.EmitABC(op, uint8(ops[0]), uint8(ops[1]), uint8(ops[2]))
	}
	return nil
}

func (e *emitter) reg(st stmt, i int) (int, error) {
	n, err := parseByte(st.args[i])
	if err != nil {
		return 0, errorf(st.line, "%s: %v", st.op, err)
	}
	return n, nil
}

func (e *emitter) jumpTarget(st stmt, i int) *vm.Label {
	name := st.args[i]
	if _, seen := e.firstUse[name]; !seen {
		e.firstUse[name] = st.line
	}
	return e.label(name)
}

// registersTouched is one past the highest register an instruction reads
// or writes, given its operands.
func registersTouched(op vm.Opcode, ops []int) int {
	a := ops[0]
	hi := a + 1
	grow := func(n int) {
		if n > hi {
			hi = n
		}
	}
	switch op {
	case vm.OpMove, vm.OpNot:
		grow(ops[1] + 1)
	case vm.OpSetUpval:
		hi = ops[1] + 1
	case vm.OpGetUpval:
	case vm.OpLoadNil:
		grow(a + ops[1])
	case vm.OpAdd, vm.OpSub, vm.OpMul, vm.OpDiv, vm.OpMod, vm.OpEq, vm.OpLt, vm.OpLe:
		grow(ops[1] + 1)
		grow(ops[2] + 1)
	case vm.OpCall:
		grow(a + ops[1])
		grow(a + ops[2] - 1)
	case vm.OpCall1:
		grow(ops[1] + ops[2] + 1)
	case vm.OpTailCall:
		grow(a + ops[1])
	case vm.OpReturn, vm.OpVarArg:
		if ops[1] > 0 {
			grow(a + ops[1] - 1)
		}
	}
	return hi
}
