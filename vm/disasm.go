package vm

import (
	"fmt"
	"strconv"
	"strings"
)

// ---------------------------------------------------------------------------
// Disassembly
// ---------------------------------------------------------------------------

// ListingLine is one line of a proto listing. Header lines carry only
// Text; instruction lines carry the decoded parts so that callers can
// style them separately.
type ListingLine struct {
	Header   bool
	Depth    int // nesting level of the proto
	Text     string
	Offset   int
	Mnemonic string
	Operands string
	Comment  string
}

// String renders the line without styling.
func (l ListingLine) String() string {
	indent := strings.Repeat("  ", l.Depth)
	if l.Header {
		return indent + l.Text
	}
	s := fmt.Sprintf("%s%04d  %-9s %s", indent, l.Offset, l.Mnemonic, l.Operands)
	if l.Comment != "" {
		s = fmt.Sprintf("%-40s ; %s", s, l.Comment)
	}
	return strings.TrimRight(s, " ")
}

// Listing returns the listing of p and, recursively, its nested protos.
func Listing(p *FuncProto) []ListingLine {
	var lines []ListingLine
	listing(p, 0, &lines)
	return lines
}

func listing(p *FuncProto, depth int, lines *[]ListingLine) {
	*lines = append(*lines, ListingLine{Header: true, Depth: depth, Text: header(p)})
	for i, uv := range p.Upvalues {
		*lines = append(*lines, ListingLine{
			Header: true,
			Depth:  depth,
			Text:   fmt.Sprintf(".upval %s %d %s ; #%d", uv.From, uv.Index, uv.Name, i),
		})
	}
	r := NewBytecodeReader(p.Code)
	for r.HasMore() {
		op := Opcode(p.Code[r.Position()])
		if !op.Valid() || r.Position()+op.InstructionLen() > len(p.Code) {
			*lines = append(*lines, ListingLine{
				Depth:    depth,
				Offset:   r.Position(),
				Mnemonic: op.String(),
				Comment:  "malformed",
			})
			break
		}
		in := r.Decode()
		operands, comment := describe(p, in)
		*lines = append(*lines, ListingLine{
			Depth:    depth,
			Offset:   in.Offset,
			Mnemonic: in.Op.String(),
			Operands: operands,
			Comment:  comment,
		})
	}
	for _, child := range p.Protos {
		listing(child, depth+1, lines)
	}
}

func header(p *FuncProto) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "function %s (%d params", p.DisplayName(), p.NumParams)
	if p.IsVararg {
		sb.WriteString(", vararg")
	}
	fmt.Fprintf(&sb, ", %d registers, %d constants, %d upvalues, %d protos)",
		p.MaxStack, len(p.Constants), len(p.Upvalues), len(p.Protos))
	return sb.String()
}

// describe formats the operands of in and an explanatory comment.
func describe(p *FuncProto, in Instruction) (operands, comment string) {
	switch in.Op.Info().Format {
	case FormatNone:
		return "", ""
	case FormatA:
		return fmt.Sprintf("%d", in.A), ""
	case FormatAB:
		operands = fmt.Sprintf("%d %d", in.A, in.B)
		switch in.Op {
		case OpGetUpval:
			comment = upvalName(p, in.B)
		case OpSetUpval:
			comment = upvalName(p, in.A)
		}
		return operands, comment
	case FormatABC:
		return fmt.Sprintf("%d %d %d", in.A, in.B, in.C), ""
	case FormatAK:
		operands = fmt.Sprintf("%d %d", in.A, in.X)
		if in.X < len(p.Constants) {
			comment = QuoteConstant(p.Constants[in.X])
		}
		return operands, comment
	case FormatAP:
		operands = fmt.Sprintf("%d %d", in.A, in.X)
		if in.X < len(p.Protos) && p.Protos[in.X] != nil {
			comment = p.Protos[in.X].DisplayName()
		}
		return operands, comment
	case FormatJ:
		return fmt.Sprintf("%d", in.X), fmt.Sprintf("to %04d", in.Target())
	case FormatAJ:
		return fmt.Sprintf("%d %d", in.A, in.X), fmt.Sprintf("to %04d", in.Target())
	}
	return "", ""
}

func upvalName(p *FuncProto, i int) string {
	if i < len(p.Upvalues) {
		return p.Upvalues[i].Name
	}
	return ""
}

// QuoteConstant renders a constant the way the assembler reads it.
func QuoteConstant(v Value) string {
	if s, ok := v.AsString(); ok {
		return strconv.Quote(s)
	}
	return v.String()
}

// FormatInstruction renders a single decoded instruction of p.
func FormatInstruction(p *FuncProto, in Instruction) string {
	operands, comment := describe(p, in)
	return ListingLine{Offset: in.Offset, Mnemonic: in.Op.String(), Operands: operands, Comment: comment}.String()
}

// Disassemble returns a readable listing of p and its nested protos.
func Disassemble(p *FuncProto) string {
	lines := Listing(p)
	out := make([]string, len(lines))
	for i, l := range lines {
		out[i] = l.String()
	}
	return strings.Join(out, "\n")
}
