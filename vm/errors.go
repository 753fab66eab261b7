package vm

import (
	"errors"
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Runtime errors
// ---------------------------------------------------------------------------

// ErrorKind classifies a RuntimeError.
type ErrorKind uint8

const (
	// NotCallable: the callee of a call instruction is not a function.
	NotCallable ErrorKind = iota + 1
	// StackOverflow: the frame depth or value stack limit was reached.
	StackOverflow
	// Arithmetic: an arithmetic or ordering operand has the wrong type.
	Arithmetic
	// User: raised by script code through the error builtin.
	User
	// Host: a native function failed with a plain Go error.
	Host
)

var errorKindNames = map[ErrorKind]string{
	NotCallable:   "not callable",
	StackOverflow: "stack overflow",
	Arithmetic:    "arithmetic",
	User:          "error",
	Host:          "host",
}

// String implements the Stringer interface.
func (k ErrorKind) String() string {
	if name, ok := errorKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("ErrorKind(%d)", k)
}

// Sentinels for errors.Is.
var (
	ErrNotCallable   = errors.New("attempt to call a non-function value")
	ErrStackOverflow = errors.New("stack overflow")
	ErrArithmetic    = errors.New("arithmetic on a non-number value")
)

// TraceEntry names one frame that was active when an error was raised.
type TraceEntry struct {
	Function string
	Source   string
	PC       int
	Line     int // 0 when the proto has no line information
}

// String formats the entry as "source:line: in function name".
func (e TraceEntry) String() string {
	var sb strings.Builder
	if e.Source != "" {
		sb.WriteString(e.Source)
	} else {
		sb.WriteString("?")
	}
	if e.Line > 0 {
		fmt.Fprintf(&sb, ":%d", e.Line)
	}
	fmt.Fprintf(&sb, ": in function %s (pc %d)", e.Function, e.PC)
	return sb.String()
}

// RuntimeError is returned by Interpreter.Call when execution fails.
type RuntimeError struct {
	Kind      ErrorKind
	Message   string
	Value     Value // payload passed to error, nil otherwise
	Traceback []TraceEntry

	cause error
}

// Error implements the error interface.
func (e *RuntimeError) Error() string {
	return e.Message
}

// Unwrap returns the sentinel for the error kind, or the wrapped host error.
func (e *RuntimeError) Unwrap() error {
	if e.cause != nil {
		return e.cause
	}
	switch e.Kind {
	case NotCallable:
		return ErrNotCallable
	case StackOverflow:
		return ErrStackOverflow
	case Arithmetic:
		return ErrArithmetic
	}
	return nil
}

// Is lets errors.Is match the kind sentinels even when a host error is
// wrapped.
func (e *RuntimeError) Is(target error) bool {
	switch target {
	case ErrNotCallable:
		return e.Kind == NotCallable
	case ErrStackOverflow:
		return e.Kind == StackOverflow
	case ErrArithmetic:
		return e.Kind == Arithmetic
	}
	return false
}

// FormatTraceback renders the message followed by one line per frame,
// innermost first.
func (e *RuntimeError) FormatTraceback() string {
	var sb strings.Builder
	sb.WriteString(e.Message)
	if len(e.Traceback) > 0 {
		sb.WriteString("\nstack traceback:")
		for _, entry := range e.Traceback {
			sb.WriteString("\n\t")
			sb.WriteString(entry.String())
		}
	}
	return sb.String()
}

// NewError creates a User error carrying v, as raised by the error builtin.
func NewError(v Value) *RuntimeError {
	return &RuntimeError{Kind: User, Message: v.String(), Value: v}
}

func newRuntimeError(kind ErrorKind, format string, args ...any) *RuntimeError {
	return &RuntimeError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// asRuntimeError wraps err so that every error leaving Call is a
// *RuntimeError.
func asRuntimeError(err error) *RuntimeError {
	var re *RuntimeError
	if errors.As(err, &re) {
		return re
	}
	return &RuntimeError{Kind: Host, Message: err.Error(), cause: fmt.Errorf("native: %w", err)}
}
