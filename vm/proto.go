package vm

import (
	"fmt"
)

// ---------------------------------------------------------------------------
// FuncProto: Compiled function template
// ---------------------------------------------------------------------------

// FuncProto is the immutable compiled form of one function. Every closure
// created from it shares the same proto.
type FuncProto struct {
	Name      string
	NumParams int  // number of fixed parameters
	IsVararg  bool // extra arguments are kept for VARARG
	MaxStack  int  // size of the register window

	Code      []byte
	Constants []Value // nil, boolean, number and string only
	Upvalues  []UpvalueSource
	Protos    []*FuncProto // protos for CLOSURE, indexed by Px

	Source   string      // chunk name, used in tracebacks
	LineInfo []SourceLoc // bytecode offset → source position
}

// UpvalueFrom tells instantiate where a captured variable lives.
type UpvalueFrom uint8

const (
	// FromLocal captures a register of the frame executing CLOSURE.
	FromLocal UpvalueFrom = iota
	// FromUpvalue reuses a cell of the closure executing CLOSURE.
	FromUpvalue
)

// String implements the Stringer interface.
func (f UpvalueFrom) String() string {
	if f == FromLocal {
		return "local"
	}
	return "up"
}

// UpvalueSource describes one captured variable of a proto.
type UpvalueSource struct {
	From  UpvalueFrom
	Index uint8 // register (FromLocal) or upvalue index (FromUpvalue)
	Name  string
}

// SourceLoc maps a bytecode offset to source position.
type SourceLoc struct {
	Offset int // bytecode offset
	Line   int // 1-based line number
	Column int // 1-based column number, 0 if unknown
}

// LineAt returns the source line of the instruction at pc, or 0 when the
// proto carries no line information.
func (p *FuncProto) LineAt(pc int) int {
	line := 0
	for _, loc := range p.LineInfo {
		if loc.Offset > pc {
			break
		}
		line = loc.Line
	}
	return line
}

// DisplayName returns the proto name, or "?" for anonymous functions.
func (p *FuncProto) DisplayName() string {
	if p.Name == "" {
		return "?"
	}
	return p.Name
}

// ---------------------------------------------------------------------------
// Structural validation
// ---------------------------------------------------------------------------

// Validate checks that a proto tree is structurally sound: every
// instruction decodes, operands stay inside the register window and the
// constant, proto and upvalue tables, jumps land on instruction
// boundaries, and control cannot run off the end of the code.
//
// Validate is a loading aid. It does not make untrusted bytecode safe.
func (p *FuncProto) Validate() error {
	return p.validate(nil)
}

func (p *FuncProto) validate(parent *FuncProto) error {
	if err := p.validateHeader(parent); err != nil {
		return fmt.Errorf("function %s: %w", p.DisplayName(), err)
	}
	if err := p.validateCode(); err != nil {
		return fmt.Errorf("function %s: %w", p.DisplayName(), err)
	}
	for _, child := range p.Protos {
		if child == nil {
			return fmt.Errorf("function %s: nil nested proto", p.DisplayName())
		}
		if err := child.validate(p); err != nil {
			return err
		}
	}
	return nil
}

func (p *FuncProto) validateHeader(parent *FuncProto) error {
	if p.NumParams < 0 || p.MaxStack < p.NumParams {
		return fmt.Errorf("maxstack %d smaller than %d parameters", p.MaxStack, p.NumParams)
	}
	if p.MaxStack > 256 {
		return fmt.Errorf("maxstack %d exceeds 256 registers", p.MaxStack)
	}
	if len(p.Constants) > 1<<16 || len(p.Protos) > 1<<16 {
		return fmt.Errorf("too many constants or nested protos")
	}
	for i, k := range p.Constants {
		switch k.kind {
		case KindNil, KindBoolean, KindNumber, KindString:
		default:
			return fmt.Errorf("constant %d has kind %s", i, k.kind)
		}
	}
	for i, uv := range p.Upvalues {
		switch uv.From {
		case FromLocal:
			if parent != nil && int(uv.Index) >= parent.MaxStack {
				return fmt.Errorf("upvalue %d captures register %d outside enclosing window", i, uv.Index)
			}
		case FromUpvalue:
			if parent == nil || int(uv.Index) >= len(parent.Upvalues) {
				return fmt.Errorf("upvalue %d refers to missing enclosing upvalue %d", i, uv.Index)
			}
		default:
			return fmt.Errorf("upvalue %d has unknown source %d", i, uv.From)
		}
	}
	return nil
}

func (p *FuncProto) validateCode() error {
	if len(p.Code) == 0 {
		return fmt.Errorf("empty code")
	}

	starts := make(map[int]bool)
	var jumps []Instruction
	var last Opcode
	pc := 0
	for pc < len(p.Code) {
		op := Opcode(p.Code[pc])
		if !op.Valid() {
			return fmt.Errorf("pc %d: unknown opcode 0x%02X", pc, byte(op))
		}
		if pc+op.InstructionLen() > len(p.Code) {
			return fmt.Errorf("pc %d: truncated %s", pc, op)
		}
		starts[pc] = true
		in := decodeAt(p.Code, pc)
		if err := p.checkOperands(in); err != nil {
			return fmt.Errorf("pc %d: %s: %w", pc, op, err)
		}
		if op.IsJump() {
			jumps = append(jumps, in)
		}
		last = op
		pc += op.InstructionLen()
	}
	if !last.IsTerminal() {
		return fmt.Errorf("code does not end with a return")
	}
	for _, in := range jumps {
		if target := in.Target(); !starts[target] {
			return fmt.Errorf("pc %d: %s: jump target %d is not an instruction", in.Offset, in.Op, target)
		}
	}
	return nil
}

func (p *FuncProto) checkOperands(in Instruction) error {
	reg := func(r int) error {
		if r >= p.MaxStack {
			return fmt.Errorf("register %d outside window of %d", r, p.MaxStack)
		}
		return nil
	}
	span := func(first, n int) error {
		if first+n > p.MaxStack {
			return fmt.Errorf("registers %d..%d outside window of %d", first, first+n-1, p.MaxStack)
		}
		return nil
	}
	upval := func(i int) error {
		if i >= len(p.Upvalues) {
			return fmt.Errorf("upvalue %d out of range", i)
		}
		return nil
	}

	switch in.Op {
	case OpNop, OpReturn0, OpJump:
		return nil
	case OpMove, OpNot:
		return firstErr(reg(in.A), reg(in.B))
	case OpLoadK:
		if in.X >= len(p.Constants) {
			return fmt.Errorf("constant %d out of range", in.X)
		}
		return reg(in.A)
	case OpLoadNil:
		return span(in.A, in.B)
	case OpLoadBool, OpJumpIf, OpJumpIfNot, OpClose:
		return reg(in.A)
	case OpGetGlobal, OpSetGlobal:
		if in.X >= len(p.Constants) {
			return fmt.Errorf("constant %d out of range", in.X)
		}
		if p.Constants[in.X].kind != KindString {
			return fmt.Errorf("global name constant %d is not a string", in.X)
		}
		return reg(in.A)
	case OpAdd, OpSub, OpMul, OpDiv, OpMod, OpEq, OpLt, OpLe:
		return firstErr(reg(in.A), reg(in.B), reg(in.C))
	case OpCall:
		if err := reg(in.A); err != nil {
			return err
		}
		if in.B > 0 {
			if err := span(in.A, in.B); err != nil {
				return err
			}
		}
		if in.C > 1 {
			return span(in.A, in.C-1)
		}
		return nil
	case OpCall1:
		return firstErr(reg(in.A), span(in.B, in.C+1))
	case OpTailCall:
		if in.B > 0 {
			return span(in.A, in.B)
		}
		return reg(in.A)
	case OpReturn:
		if in.B > 0 {
			return span(in.A, in.B-1)
		}
		return reg(in.A)
	case OpVarArg:
		if !p.IsVararg {
			return fmt.Errorf("function is not vararg")
		}
		if in.B > 1 {
			return span(in.A, in.B-1)
		}
		return reg(in.A)
	case OpClosure:
		if in.X >= len(p.Protos) {
			return fmt.Errorf("proto %d out of range", in.X)
		}
		return reg(in.A)
	case OpGetUpval:
		return firstErr(reg(in.A), upval(in.B))
	case OpSetUpval:
		return firstErr(upval(in.A), reg(in.B))
	}
	return fmt.Errorf("no operand rules")
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// ProtoBuilder: Helper for constructing protos
// ---------------------------------------------------------------------------

// ProtoBuilder helps construct FuncProtos.
type ProtoBuilder struct {
	proto    *FuncProto
	bytecode *BytecodeBuilder
}

// NewProtoBuilder creates a new proto builder.
func NewProtoBuilder(name string, numParams int) *ProtoBuilder {
	return &ProtoBuilder{
		proto: &FuncProto{
			Name:      name,
			NumParams: numParams,
			MaxStack:  numParams,
		},
		bytecode: NewBytecodeBuilder(),
	}
}

// SetVararg marks the proto as accepting extra arguments.
func (b *ProtoBuilder) SetVararg() *ProtoBuilder {
	b.proto.IsVararg = true
	return b
}

// SetMaxStack sets the register window size.
func (b *ProtoBuilder) SetMaxStack(n int) *ProtoBuilder {
	b.proto.MaxStack = n
	return b
}

// SetSource sets the chunk name.
func (b *ProtoBuilder) SetSource(source string) *ProtoBuilder {
	b.proto.Source = source
	return b
}

// Constant interns a constant and returns its index.
func (b *ProtoBuilder) Constant(v Value) uint16 {
	for i, k := range b.proto.Constants {
		if k == v {
			return uint16(i)
		}
	}
	b.proto.Constants = append(b.proto.Constants, v)
	return uint16(len(b.proto.Constants) - 1)
}

// AddProto adds a nested proto and returns its index for CLOSURE.
func (b *ProtoBuilder) AddProto(p *FuncProto) uint16 {
	b.proto.Protos = append(b.proto.Protos, p)
	return uint16(len(b.proto.Protos) - 1)
}

// AddUpvalue appends an upvalue descriptor and returns its index.
func (b *ProtoBuilder) AddUpvalue(from UpvalueFrom, index uint8, name string) int {
	b.proto.Upvalues = append(b.proto.Upvalues, UpvalueSource{From: from, Index: index, Name: name})
	return len(b.proto.Upvalues) - 1
}

// Bytecode returns the bytecode builder for direct emission.
func (b *ProtoBuilder) Bytecode() *BytecodeBuilder {
	return b.bytecode
}

// MarkSource records a source position at the current bytecode offset.
func (b *ProtoBuilder) MarkSource(line, column int) {
	b.proto.LineInfo = append(b.proto.LineInfo, SourceLoc{
		Offset: b.bytecode.Len(),
		Line:   line,
		Column: column,
	})
}

// Build finalizes and returns the proto.
func (b *ProtoBuilder) Build() *FuncProto {
	b.proto.Code = b.bytecode.Bytes()
	return b.proto
}
