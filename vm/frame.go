package vm

// ---------------------------------------------------------------------------
// CallFrame: Execution state for a closure activation
// ---------------------------------------------------------------------------

// CallFrame represents the execution state of a single closure activation.
type CallFrame struct {
	id      uint64
	closure *Closure
	proto   *FuncProto
	entry   int // slot holding the callee; results are placed here
	base    int // first register (entry+1)
	pc      int // offset of the next instruction
	cur     int // offset of the instruction being executed

	varargs []Value         // arguments beyond NumParams (vararg protos only)
	open    upvalueRegistry // cells aliasing this frame's registers

	site callSite // how the caller wants the results
}

// callSite records how a caller consumes the results of a call.
type callSite struct {
	wanted    int  // results to keep; 0 keeps every produced value
	dst       int  // absolute slot for a fused single result, -1 if none
	keepTop   bool // leave top at the end of the results (C=0)
	callerTop int  // top to restore in the caller otherwise
}

// siteForC maps the C operand of CALL to a call site.
func siteForC(c, callerTop int) callSite {
	switch c {
	case 0:
		return callSite{dst: -1, keepTop: true}
	case 1:
		return callSite{dst: -1, callerTop: callerTop}
	}
	return callSite{wanted: c - 1, dst: -1, callerTop: callerTop}
}

// Proto returns the proto being executed.
func (f *CallFrame) Proto() *FuncProto {
	return f.proto
}

// PC returns the offset of the next instruction.
func (f *CallFrame) PC() int {
	return f.pc
}

// Base returns the absolute slot of register 0.
func (f *CallFrame) Base() int {
	return f.base
}

// windowEnd returns top as it stands between instructions.
func (f *CallFrame) windowEnd() int {
	return f.base + f.proto.MaxStack
}

func (f *CallFrame) traceEntry() TraceEntry {
	return TraceEntry{
		Function: f.proto.DisplayName(),
		Source:   f.proto.Source,
		PC:       f.cur,
		Line:     f.proto.LineAt(f.cur),
	}
}
