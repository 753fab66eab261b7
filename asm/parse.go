package asm

import (
	"bufio"
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/chazu/moonvm/vm"
)

// Error is an assembly error at a source line.
type Error struct {
	Line int
	Msg  string
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Line == 0 {
		return "asm: " + e.Msg
	}
	return fmt.Sprintf("asm: line %d: %s", e.Line, e.Msg)
}

func errorf(line int, format string, args ...any) *Error {
	return &Error{Line: line, Msg: fmt.Sprintf(format, args...)}
}

// funcDef is one .func block before emission.
type funcDef struct {
	name     string
	line     int
	params   int
	vararg   bool
	maxStack int // -1 until .maxstack is seen
	upvals   []vm.UpvalueSource
	consts   []vm.Value
	body     []stmt
	children []*funcDef
}

// stmt is a label definition or an instruction.
type stmt struct {
	line  int
	label string
	op    vm.Opcode
	args  []string
}

// parse reads the whole source into a tree of function definitions and
// returns the single top-level one.
func parse(src []byte) (*funcDef, error) {
	var (
		top   []*funcDef
		stack []*funcDef
	)
	sc := bufio.NewScanner(bytes.NewReader(src))
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	line := 0
	for sc.Scan() {
		line++
		toks, err := tokenize(sc.Text())
		if err != nil {
			return nil, errorf(line, "%v", err)
		}
		if len(toks) == 0 {
			continue
		}

		head := toks[0]
		if head == ".func" {
			fd, err := parseFuncHeader(line, toks[1:])
			if err != nil {
				return nil, err
			}
			if len(stack) > 0 {
				parent := stack[len(stack)-1]
				parent.children = append(parent.children, fd)
			} else {
				top = append(top, fd)
			}
			stack = append(stack, fd)
			continue
		}

		if len(stack) == 0 {
			return nil, errorf(line, "%s outside of .func", head)
		}
		cur := stack[len(stack)-1]

		switch {
		case head == ".end":
			if len(toks) != 1 {
				return nil, errorf(line, ".end takes no operands")
			}
			stack = stack[:len(stack)-1]
		case strings.HasPrefix(head, "."):
			if err := parseDirective(cur, line, toks); err != nil {
				return nil, err
			}
		case strings.HasSuffix(head, ":"):
			name := strings.TrimSuffix(head, ":")
			if !isIdent(name) {
				return nil, errorf(line, "bad label %q", name)
			}
			cur.body = append(cur.body, stmt{line: line, label: name})
			if len(toks) > 1 {
				// label and instruction on one line
				st, err := parseInstruction(line, toks[1:])
				if err != nil {
					return nil, err
				}
				cur.body = append(cur.body, st)
			}
		default:
			st, err := parseInstruction(line, toks)
			if err != nil {
				return nil, err
			}
			cur.body = append(cur.body, st)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, &Error{Msg: err.Error()}
	}
	if len(stack) > 0 {
		return nil, errorf(stack[len(stack)-1].line, "function %s is missing .end", stack[len(stack)-1].name)
	}
	switch len(top) {
	case 0:
		return nil, &Error{Msg: "no function defined"}
	case 1:
		return top[0], nil
	}
	return nil, errorf(top[1].line, "more than one top-level function")
}

func parseFuncHeader(line int, args []string) (*funcDef, error) {
	if len(args) < 1 || len(args) > 2 {
		return nil, errorf(line, "usage: .func name [nparams]")
	}
	if !isIdent(args[0]) {
		return nil, errorf(line, "bad function name %q", args[0])
	}
	fd := &funcDef{name: args[0], line: line, maxStack: -1}
	if len(args) == 2 {
		n, err := parseByte(args[1])
		if err != nil {
			return nil, errorf(line, "parameter count: %v", err)
		}
		fd.params = n
	}
	return fd, nil
}

func parseDirective(fd *funcDef, line int, toks []string) error {
	args := toks[1:]
	switch toks[0] {
	case ".vararg":
		if len(args) != 0 {
			return errorf(line, ".vararg takes no operands")
		}
		fd.vararg = true
	case ".maxstack":
		if len(args) != 1 {
			return errorf(line, "usage: .maxstack N")
		}
		n, err := strconv.Atoi(args[0])
		if err != nil || n < 0 || n > 256 {
			return errorf(line, "bad register count %q", args[0])
		}
		fd.maxStack = n
	case ".upval":
		if len(args) < 2 || len(args) > 3 {
			return errorf(line, "usage: .upval local|up index [name]")
		}
		var from vm.UpvalueFrom
		switch args[0] {
		case "local":
			from = vm.FromLocal
		case "up":
			from = vm.FromUpvalue
		default:
			return errorf(line, "upvalue source must be local or up, not %q", args[0])
		}
		idx, err := parseByte(args[1])
		if err != nil {
			return errorf(line, "upvalue index: %v", err)
		}
		uv := vm.UpvalueSource{From: from, Index: uint8(idx)}
		if len(args) == 3 {
			uv.Name = args[2]
		}
		fd.upvals = append(fd.upvals, uv)
	case ".const":
		if len(args) != 1 {
			return errorf(line, "usage: .const literal")
		}
		v, err := parseConstant(args[0])
		if err != nil {
			return errorf(line, "%v", err)
		}
		fd.consts = append(fd.consts, v)
	default:
		return errorf(line, "unknown directive %s", toks[0])
	}
	return nil
}

func parseInstruction(line int, toks []string) (stmt, error) {
	op, ok := vm.LookupOpcode(strings.ToUpper(toks[0]))
	if !ok {
		return stmt{}, errorf(line, "unknown instruction %q", toks[0])
	}
	want := operandCount(op.Info().Format)
	if len(toks)-1 != want {
		return stmt{}, errorf(line, "%s takes %d operands, got %d", op, want, len(toks)-1)
	}
	return stmt{line: line, op: op, args: toks[1:]}, nil
}

func operandCount(f vm.OperandFormat) int {
	switch f {
	case vm.FormatNone:
		return 0
	case vm.FormatA, vm.FormatJ:
		return 1
	case vm.FormatAB, vm.FormatAK, vm.FormatAP, vm.FormatAJ:
		return 2
	}
	return 3
}

// ---------------------------------------------------------------------------
// Tokens and literals
// ---------------------------------------------------------------------------

// tokenize splits a line into whitespace- or comma-separated tokens,
// keeping quoted strings whole and dropping a trailing ; comment.
func tokenize(s string) ([]string, error) {
	var toks []string
	i := 0
	for i < len(s) {
		c := s[i]
		switch {
		case c == ';':
			return toks, nil
		case c == ' ' || c == '\t' || c == ',' || c == '\r':
			i++
		case c == '"':
			j := i + 1
			for ; j < len(s); j++ {
				if s[j] == '\\' {
					j++
					continue
				}
				if s[j] == '"' {
					break
				}
			}
			if j >= len(s) {
				return nil, fmt.Errorf("unterminated string")
			}
			toks = append(toks, s[i:j+1])
			i = j + 1
		default:
			j := i
			for j < len(s) && !strings.ContainsRune(" \t,;\r\"", rune(s[j])) {
				j++
			}
			toks = append(toks, s[i:j])
			i = j
		}
	}
	return toks, nil
}

func isIdent(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z'):
		case i > 0 && ((r >= '0' && r <= '9') || r == '.'):
		default:
			return false
		}
	}
	return true
}

// parseConstant reads a literal. A bare identifier is a string constant,
// so GETGLOBAL 0 print names the global "print".
func parseConstant(tok string) (vm.Value, error) {
	switch tok {
	case "nil":
		return vm.Nil, nil
	case "true":
		return vm.True, nil
	case "false":
		return vm.False, nil
	}
	if strings.HasPrefix(tok, `"`) {
		s, err := strconv.Unquote(tok)
		if err != nil {
			return vm.Nil, fmt.Errorf("bad string literal %s", tok)
		}
		return vm.String(s), nil
	}
	if isIdent(tok) {
		return vm.String(tok), nil
	}
	digits := strings.TrimLeft(tok, "+-")
	if strings.HasPrefix(digits, "0x") || strings.HasPrefix(digits, "0X") {
		if n, err := strconv.ParseInt(tok, 0, 64); err == nil {
			return vm.Number(float64(n)), nil
		}
	}
	if f, err := strconv.ParseFloat(tok, 64); err == nil {
		return vm.Number(f), nil
	}
	return vm.Nil, fmt.Errorf("bad constant %q", tok)
}

// parseByte reads a u8 operand, accepting an optional r/R register prefix.
func parseByte(tok string) (int, error) {
	t := strings.TrimPrefix(strings.TrimPrefix(tok, "r"), "R")
	n, err := strconv.Atoi(t)
	if err != nil || n < 0 || n > 255 {
		return 0, fmt.Errorf("operand %q is not in 0..255", tok)
	}
	return n, nil
}
