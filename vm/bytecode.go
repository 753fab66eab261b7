package vm

import (
	"encoding/binary"
	"fmt"
)

// ---------------------------------------------------------------------------
// Opcode definitions
// ---------------------------------------------------------------------------

// Opcode represents a single bytecode instruction.
//
// Register operands (A, B, C) are one byte and index the current frame's
// register window. Constant and prototype indices are 16-bit little-endian.
// Jump offsets are signed 16-bit, relative to the start of the next
// instruction.
type Opcode byte

// Data movement
const (
	OpNop      Opcode = 0x00 // no operation
	OpMove     Opcode = 0x01 // R[A] = R[B]
	OpLoadK    Opcode = 0x02 // R[A] = K[Kx]
	OpLoadNil  Opcode = 0x03 // R[A..A+B-1] = nil
	OpLoadBool Opcode = 0x04 // R[A] = B != 0
)

// Globals
const (
	OpGetGlobal Opcode = 0x10 // R[A] = G[K[Kx]]
	OpSetGlobal Opcode = 0x11 // G[K[Kx]] = R[A]
)

// Arithmetic and comparison
const (
	OpAdd Opcode = 0x20 // R[A] = R[B] + R[C]
	OpSub Opcode = 0x21 // R[A] = R[B] - R[C]
	OpMul Opcode = 0x22 // R[A] = R[B] * R[C]
	OpDiv Opcode = 0x23 // R[A] = R[B] / R[C]
	OpMod Opcode = 0x24 // R[A] = R[B] % R[C]
	OpEq  Opcode = 0x28 // R[A] = R[B] == R[C]
	OpLt  Opcode = 0x29 // R[A] = R[B] < R[C]
	OpLe  Opcode = 0x2A // R[A] = R[B] <= R[C]
	OpNot Opcode = 0x2B // R[A] = not R[B]
)

// Control flow
const (
	OpJump      Opcode = 0x30 // pc += sJ
	OpJumpIf    Opcode = 0x31 // if R[A] is truthy, pc += sJ
	OpJumpIfNot Opcode = 0x32 // if R[A] is falsy, pc += sJ
)

// Calls and returns
const (
	OpCall     Opcode = 0x40 // call R[A] with B-1 args (0: to top), keep C-1 results (0: all)
	OpCall1    Opcode = 0x41 // R[A] = first result of R[B] called with C args
	OpTailCall Opcode = 0x42 // return R[A](R[A+1..A+B-1]) reusing this frame (B=0: to top)
	OpReturn   Opcode = 0x43 // return R[A..A+B-2] (B=0: to top)
	OpReturn0  Opcode = 0x44 // return no values
	OpVarArg   Opcode = 0x45 // R[A..A+B-2] = varargs (B=0: all, sets top)
)

// Closures
const (
	OpClosure  Opcode = 0x50 // R[A] = closure(Protos[Px])
	OpGetUpval Opcode = 0x51 // R[A] = Upvalue[B]
	OpSetUpval Opcode = 0x52 // Upvalue[A] = R[B]
	OpClose    Opcode = 0x53 // close open upvalues for registers >= A
)

// ---------------------------------------------------------------------------
// Opcode metadata
// ---------------------------------------------------------------------------

// OperandFormat describes the operand layout following an opcode byte.
type OperandFormat uint8

const (
	FormatNone OperandFormat = iota // no operands
	FormatA                         // A:u8
	FormatAB                        // A:u8 B:u8
	FormatABC                       // A:u8 B:u8 C:u8
	FormatAK                        // A:u8 Kx:u16
	FormatAP                        // A:u8 Px:u16
	FormatJ                         // sJ:i16
	FormatAJ                        // A:u8 sJ:i16
)

var formatBytes = [...]int{
	FormatNone: 0,
	FormatA:    1,
	FormatAB:   2,
	FormatABC:  3,
	FormatAK:   3,
	FormatAP:   3,
	FormatJ:    2,
	FormatAJ:   3,
}

// OpcodeInfo holds metadata about an opcode.
type OpcodeInfo struct {
	Name   string        // mnemonic, as accepted by the assembler
	Format OperandFormat // operand layout
}

// opcodeTable maps opcodes to their metadata.
var opcodeTable = map[Opcode]OpcodeInfo{
	OpNop:      {"NOP", FormatNone},
	OpMove:     {"MOVE", FormatAB},
	OpLoadK:    {"LOADK", FormatAK},
	OpLoadNil:  {"LOADNIL", FormatAB},
	OpLoadBool: {"LOADBOOL", FormatAB},

	OpGetGlobal: {"GETGLOBAL", FormatAK},
	OpSetGlobal: {"SETGLOBAL", FormatAK},

	OpAdd: {"ADD", FormatABC},
	OpSub: {"SUB", FormatABC},
	OpMul: {"MUL", FormatABC},
	OpDiv: {"DIV", FormatABC},
	OpMod: {"MOD", FormatABC},
	OpEq:  {"EQ", FormatABC},
	OpLt:  {"LT", FormatABC},
	OpLe:  {"LE", FormatABC},
	OpNot: {"NOT", FormatAB},

	OpJump:      {"JMP", FormatJ},
	OpJumpIf:    {"JMPIF", FormatAJ},
	OpJumpIfNot: {"JMPIFNOT", FormatAJ},

	OpCall:     {"CALL", FormatABC},
	OpCall1:    {"CALL1", FormatABC},
	OpTailCall: {"TAILCALL", FormatAB},
	OpReturn:   {"RETURN", FormatAB},
	OpReturn0:  {"RETURN0", FormatNone},
	OpVarArg:   {"VARARG", FormatAB},

	OpClosure:  {"CLOSURE", FormatAP},
	OpGetUpval: {"GETUPVAL", FormatAB},
	OpSetUpval: {"SETUPVAL", FormatAB},
	OpClose:    {"CLOSE", FormatA},
}

var opcodesByName = func() map[string]Opcode {
	m := make(map[string]Opcode, len(opcodeTable))
	for op, info := range opcodeTable {
		m[info.Name] = op
	}
	return m
}()

// Info returns the metadata for an opcode.
func (op Opcode) Info() OpcodeInfo {
	if info, ok := opcodeTable[op]; ok {
		return info
	}
	return OpcodeInfo{Name: fmt.Sprintf("UNKNOWN_%02X", byte(op)), Format: FormatNone}
}

// Valid reports whether op is a defined opcode.
func (op Opcode) Valid() bool {
	_, ok := opcodeTable[op]
	return ok
}

// String implements the Stringer interface.
func (op Opcode) String() string {
	return op.Info().Name
}

// OperandBytes returns the number of operand bytes for an opcode.
func (op Opcode) OperandBytes() int {
	return formatBytes[op.Info().Format]
}

// InstructionLen returns the total length of an instruction.
func (op Opcode) InstructionLen() int {
	return 1 + op.OperandBytes()
}

// IsJump reports whether op carries a relative jump offset.
func (op Opcode) IsJump() bool {
	f := op.Info().Format
	return f == FormatJ || f == FormatAJ
}

// IsTerminal reports whether op ends the execution of a frame.
func (op Opcode) IsTerminal() bool {
	return op == OpReturn || op == OpReturn0 || op == OpTailCall
}

// LookupOpcode finds an opcode by mnemonic.
func LookupOpcode(name string) (Opcode, bool) {
	op, ok := opcodesByName[name]
	return op, ok
}

// ---------------------------------------------------------------------------
// BytecodeBuilder: Helper for constructing bytecode
// ---------------------------------------------------------------------------

// BytecodeBuilder helps construct bytecode sequences.
type BytecodeBuilder struct {
	bytes []byte
}

// NewBytecodeBuilder creates a new bytecode builder.
func NewBytecodeBuilder() *BytecodeBuilder {
	return &BytecodeBuilder{
		bytes: make([]byte, 0, 64),
	}
}

// Bytes returns the constructed bytecode.
func (b *BytecodeBuilder) Bytes() []byte {
	return b.bytes
}

// Len returns the current length.
func (b *BytecodeBuilder) Len() int {
	return len(b.bytes)
}

func (b *BytecodeBuilder) begin(op Opcode) {
	b.bytes = append(b.bytes, byte(op))
}

// Emit appends an opcode with no operands.
func (b *BytecodeBuilder) Emit(op Opcode) {
	b.begin(op)
}

// EmitA appends an opcode with a single register operand.
func (b *BytecodeBuilder) EmitA(op Opcode, a uint8) {
	b.begin(op)
	b.bytes = append(b.bytes, a)
}

// EmitAB appends an opcode with two byte operands.
func (b *BytecodeBuilder) EmitAB(op Opcode, a, bb uint8) {
	b.begin(op)
	b.bytes = append(b.bytes, a, bb)
}

// EmitABC appends an opcode with three byte operands.
func (b *BytecodeBuilder) EmitABC(op Opcode, a, bb, c uint8) {
	b.begin(op)
	b.bytes = append(b.bytes, a, bb, c)
}

// EmitAx appends an opcode with a register and a 16-bit index operand
// (constant or prototype index).
func (b *BytecodeBuilder) EmitAx(op Opcode, a uint8, x uint16) {
	b.begin(op)
	b.bytes = append(b.bytes, a, byte(x), byte(x>>8))
}

// ---------------------------------------------------------------------------
// Label management for jumps
// ---------------------------------------------------------------------------

// Label represents a jump target that may not be known yet.
type Label struct {
	resolved bool
	position int   // target (if resolved)
	refs     []int // operand positions waiting for the target
}

// NewLabel creates an unresolved label.
func (b *BytecodeBuilder) NewLabel() *Label {
	return &Label{refs: make([]int, 0, 2)}
}

// Resolved reports whether the label has been marked.
func (l *Label) Resolved() bool {
	return l.resolved
}

// Mark resolves a label to the current position.
func (b *BytecodeBuilder) Mark(label *Label) {
	if label.resolved {
		panic("label already resolved")
	}
	label.resolved = true
	label.position = len(b.bytes)

	for _, ref := range label.refs {
		b.patch(ref, label.position)
	}
	label.refs = nil
}

// EmitJump emits JMP to a label.
func (b *BytecodeBuilder) EmitJump(label *Label) {
	b.begin(OpJump)
	b.emitOffset(label)
}

// EmitCondJump emits JMPIF or JMPIFNOT testing register a.
func (b *BytecodeBuilder) EmitCondJump(op Opcode, a uint8, label *Label) {
	b.begin(op)
	b.bytes = append(b.bytes, a)
	b.emitOffset(label)
}

func (b *BytecodeBuilder) emitOffset(label *Label) {
	ref := len(b.bytes)
	b.bytes = append(b.bytes, 0, 0)
	if label.resolved {
		b.patch(ref, label.position)
		return
	}
	label.refs = append(label.refs, ref)
}

// patch writes the offset from the end of the operand at ref to target.
func (b *BytecodeBuilder) patch(ref, target int) {
	offset := target - (ref + 2)
	if offset < -32768 || offset > 32767 {
		panic(fmt.Sprintf("jump offset %d out of range", offset))
	}
	binary.LittleEndian.PutUint16(b.bytes[ref:], uint16(int16(offset)))
}

// ---------------------------------------------------------------------------
// BytecodeReader: decoding for the interpreter and disassembler
// ---------------------------------------------------------------------------

// BytecodeReader reads bytecode one instruction at a time.
type BytecodeReader struct {
	bytes []byte
	pos   int
}

// NewBytecodeReader creates a reader for bytecode.
func NewBytecodeReader(bc []byte) *BytecodeReader {
	return &BytecodeReader{bytes: bc}
}

// Position returns the current read position.
func (r *BytecodeReader) Position() int {
	return r.pos
}

// HasMore returns true if there are more bytes to read.
func (r *BytecodeReader) HasMore() bool {
	return r.pos < len(r.bytes)
}

// Instruction is a decoded instruction. Unused operands are zero.
type Instruction struct {
	Offset int
	Op     Opcode
	A      int
	B      int
	C      int
	X      int // constant/prototype index, or signed jump offset
}

// Target returns the absolute jump target of a jump instruction.
func (in Instruction) Target() int {
	return in.Offset + in.Op.InstructionLen() + in.X
}

// Decode reads one full instruction.
func (r *BytecodeReader) Decode() Instruction {
	if r.pos >= len(r.bytes) {
		panic("bytecode underflow")
	}
	op := Opcode(r.bytes[r.pos])
	if r.pos+op.InstructionLen() > len(r.bytes) {
		panic("bytecode underflow")
	}
	in := decodeAt(r.bytes, r.pos)
	r.pos += op.InstructionLen()
	return in
}

// decodeAt decodes the instruction starting at pc. The caller guarantees
// that the whole instruction is inside code.
func decodeAt(code []byte, pc int) Instruction {
	in := Instruction{Offset: pc, Op: Opcode(code[pc])}
	operands := code[pc+1:]
	switch in.Op.Info().Format {
	case FormatA:
		in.A = int(operands[0])
	case FormatAB:
		in.A = int(operands[0])
		in.B = int(operands[1])
	case FormatABC:
		in.A = int(operands[0])
		in.B = int(operands[1])
		in.C = int(operands[2])
	case FormatAK, FormatAP:
		in.A = int(operands[0])
		in.X = int(binary.LittleEndian.Uint16(operands[1:]))
	case FormatJ:
		in.X = int(int16(binary.LittleEndian.Uint16(operands)))
	case FormatAJ:
		in.A = int(operands[0])
		in.X = int(int16(binary.LittleEndian.Uint16(operands[1:])))
	}
	return in
}
