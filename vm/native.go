package vm

import (
	"fmt"
)

// ---------------------------------------------------------------------------
// Native functions
// ---------------------------------------------------------------------------

// NativeFunc is the Go signature of a host function. It reads its
// arguments through the context, pushes its results and returns how
// many it pushed.
type NativeFunc func(ctx *CallContext) (int, error)

// NativeFunction is a host function value.
type NativeFunction struct {
	Name string
	Fn   NativeFunc
}

// NewNative creates a host function value.
func NewNative(name string, fn NativeFunc) Value {
	return FromNative(&NativeFunction{Name: name, Fn: fn})
}

// CallContext is the view a native function has of its activation.
type CallContext struct {
	interp *Interpreter
	base   int // slot of the first argument
	nargs  int
}

// Interpreter returns the running interpreter, for callbacks.
func (c *CallContext) Interpreter() *Interpreter {
	return c.interp
}

// NArgs returns the number of arguments passed.
func (c *CallContext) NArgs() int {
	return c.nargs
}

// Arg returns argument i (0-based), or nil past the end.
func (c *CallContext) Arg(i int) Value {
	if i < 0 || i >= c.nargs {
		return Nil
	}
	return c.interp.stack.Get(c.base + i)
}

// Args returns a copy of the arguments.
func (c *CallContext) Args() []Value {
	args := make([]Value, c.nargs)
	copy(args, c.interp.stack.slots[c.base:c.base+c.nargs])
	return args
}

// Push appends results.
func (c *CallContext) Push(vals ...Value) error {
	for _, v := range vals {
		if err := c.interp.stack.push(v); err != nil {
			return err
		}
	}
	return nil
}

// Return pushes vals and returns their count, for use as
// "return ctx.Return(a, b)".
func (c *CallContext) Return(vals ...Value) (int, error) {
	if err := c.Push(vals...); err != nil {
		return 0, err
	}
	return len(vals), nil
}

// CheckNumber returns argument i as a number or fails with an Arithmetic
// error naming the function.
func (c *CallContext) CheckNumber(fn string, i int) (float64, error) {
	v := c.Arg(i)
	if n, ok := v.AsNumber(); ok {
		return n, nil
	}
	return 0, newRuntimeError(Arithmetic, "bad argument #%d to '%s' (number expected, got %s)", i+1, fn, v.TypeName())
}

// callNative runs fn with the arguments at [entry+1, top) and returns the
// number of results it left at the top of the stack.
func (interp *Interpreter) callNative(fn *NativeFunction, entry, nArgs int) (int, error) {
	if err := interp.checkDepth(); err != nil {
		return 0, err
	}
	interp.hostDepth++
	defer func() { interp.hostDepth-- }()

	ctx := &CallContext{interp: interp, base: entry + 1, nargs: nArgs}
	n, err := fn.Fn(ctx)
	if err != nil {
		return 0, err
	}
	if avail := interp.stack.top - ctx.base; n < 0 || n > avail {
		panic(fmt.Sprintf("native %s reported %d results with %d values on the stack", fn.Name, n, avail))
	}
	return n, nil
}
