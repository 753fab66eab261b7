// Package base provides the builtin host functions every moon program can
// rely on.
package base

import (
	"fmt"
	"io"
	"strings"

	"github.com/chazu/moonvm/vm"
)

// Open registers the base functions as globals of interp. print writes to
// out.
func Open(interp *vm.Interpreter, out io.Writer) {
	interp.Register("print", printTo(out))
	interp.Register("select", selectArgs)
	interp.Register("type", typeOf)
	interp.Register("tostring", toString)
	interp.Register("assert", assert)
	interp.Register("error", raise)
	interp.Register("rawequal", rawEqual)
}

// Names lists the globals Open defines.
var Names = []string{"print", "select", "type", "tostring", "assert", "error", "rawequal"}

func printTo(out io.Writer) vm.NativeFunc {
	return func(ctx *vm.CallContext) (int, error) {
		parts := make([]string, ctx.NArgs())
		for i := range parts {
			parts[i] = ctx.Arg(i).String()
		}
		if _, err := fmt.Fprintln(out, strings.Join(parts, "\t")); err != nil {
			return 0, fmt.Errorf("print: %w", err)
		}
		return 0, nil
	}
}

// selectArgs implements select(n, ...) and select("#", ...). The selected
// values are already the topmost arguments, so they are reported in place.
func selectArgs(ctx *vm.CallContext) (int, error) {
	rest := ctx.NArgs() - 1
	if s, ok := ctx.Arg(0).AsString(); ok && s == "#" {
		return ctx.Return(vm.Int(rest))
	}
	n, err := ctx.CheckNumber("select", 0)
	if err != nil {
		return 0, err
	}
	i := int(n)
	switch {
	case i < 0:
		i = rest + i + 1
		if i < 1 {
			return 0, argError("select", 1, "index out of range")
		}
	case i == 0:
		return 0, argError("select", 1, "index out of range")
	}
	if i > rest {
		return 0, nil
	}
	return rest - i + 1, nil
}

func typeOf(ctx *vm.CallContext) (int, error) {
	if ctx.NArgs() == 0 {
		return 0, argError("type", 1, "value expected")
	}
	return ctx.Return(vm.String(ctx.Arg(0).TypeName()))
}

func toString(ctx *vm.CallContext) (int, error) {
	if ctx.NArgs() == 0 {
		return 0, argError("tostring", 1, "value expected")
	}
	return ctx.Return(vm.String(ctx.Arg(0).String()))
}

// assert returns all of its arguments when the first is truthy.
func assert(ctx *vm.CallContext) (int, error) {
	if ctx.Arg(0).Truthy() {
		return ctx.NArgs(), nil
	}
	if ctx.NArgs() > 1 {
		return 0, vm.NewError(ctx.Arg(1))
	}
	return 0, vm.NewError(vm.String("assertion failed!"))
}

func raise(ctx *vm.CallContext) (int, error) {
	return 0, vm.NewError(ctx.Arg(0))
}

func rawEqual(ctx *vm.CallContext) (int, error) {
	return ctx.Return(vm.Bool(ctx.Arg(0) == ctx.Arg(1)))
}

func argError(fn string, i int, msg string) error {
	return vm.NewError(vm.String(fmt.Sprintf("bad argument #%d to '%s' (%s)", i, fn, msg)))
}
