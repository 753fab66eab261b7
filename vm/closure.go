package vm

// Closure is a function value: a proto plus the cells of its captured
// variables, in the order of Proto.Upvalues.
type Closure struct {
	Proto    *FuncProto
	Upvalues []*UpvalueCell
}

// NewClosure creates a closure over explicit cells. The interpreter uses
// instantiate; hosts building closures by hand use this.
func NewClosure(proto *FuncProto, cells ...*UpvalueCell) *Closure {
	return &Closure{Proto: proto, Upvalues: cells}
}

// instantiate creates a closure for proto as CLOSURE does in frame. Every
// call returns a fresh closure, even when proto captures nothing.
func (interp *Interpreter) instantiate(proto *FuncProto, frame *CallFrame) *Closure {
	cl := &Closure{Proto: proto}
	if n := len(proto.Upvalues); n > 0 {
		cl.Upvalues = make([]*UpvalueCell, n)
		for i, src := range proto.Upvalues {
			cl.Upvalues[i] = interp.capture(frame, src)
		}
	}
	return cl
}

// capture resolves one upvalue descriptor against the frame executing
// CLOSURE.
func (interp *Interpreter) capture(frame *CallFrame, src UpvalueSource) *UpvalueCell {
	if src.From == FromUpvalue {
		return frame.closure.Upvalues[src.Index]
	}
	return frame.open.capture(interp.stack, frame.id, frame.base+int(src.Index))
}
