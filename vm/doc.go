// Package vm implements the moon bytecode virtual machine.
//
// This package contains:
//   - Tagged value representation and a minimal table
//   - Function prototypes, bytecode builder and disassembler
//   - Register-window calling convention with multiple results,
//     variadic arguments and tail calls
//   - Closures over shared upvalue cells
//   - Iterative bytecode interpreter
package vm
