package vm

// VarArgs as an argument count means "every value between the callee and
// top".
const VarArgs = -1

// ---------------------------------------------------------------------------
// Stack frame manager
// ---------------------------------------------------------------------------

// call invokes the value at entry with the arguments above it and runs it
// to completion. Results are moved down to entry; nWanted == 0 keeps all
// of them (top = entry+produced), otherwise exactly nWanted are kept,
// padded with nil (top = entry+nWanted). It returns the produced count.
func (interp *Interpreter) call(entry, nArgs, nWanted int) (int, error) {
	if nArgs == VarArgs {
		nArgs = interp.stack.top - entry - 1
	} else {
		interp.stack.setTop(entry + 1 + nArgs)
	}
	depth := len(interp.frames)
	site := callSite{wanted: nWanted, dst: -1, keepTop: true}
	pushed, n, err := interp.precall(entry, nArgs, site)
	if err != nil || !pushed {
		return n, err
	}
	return interp.execute(depth)
}

// precall starts a call. Natives run to completion and have their results
// placed before precall returns; closures get a new frame that the
// dispatcher picks up, reported by pushed.
func (interp *Interpreter) precall(entry, nArgs int, site callSite) (pushed bool, n int, err error) {
	callee := interp.stack.Get(entry)
	switch callee.kind {
	case KindNative:
		n, err = interp.callNative(callee.AsNative(), entry, nArgs)
		if err != nil {
			return false, 0, err
		}
		return false, n, interp.finishCall(site, entry, n)
	case KindClosure:
		return true, 0, interp.pushFrame(callee.AsClosure(), entry, nArgs, site)
	}
	return false, 0, newRuntimeError(NotCallable, "attempt to call a %s value", callee.TypeName())
}

func (interp *Interpreter) checkDepth() error {
	if depth := len(interp.frames) + interp.hostDepth; depth >= interp.config.MaxFrameDepth {
		return newRuntimeError(StackOverflow, "stack overflow (%d active frames)", depth)
	}
	return nil
}

// pushFrame activates cl with nArgs arguments at entry+1.
func (interp *Interpreter) pushFrame(cl *Closure, entry, nArgs int, site callSite) error {
	if err := interp.checkDepth(); err != nil {
		return err
	}
	p := cl.Proto
	base := entry + 1
	end := base + p.MaxStack

	var varargs []Value
	if p.IsVararg && nArgs > p.NumParams {
		varargs = make([]Value, nArgs-p.NumParams)
		copy(varargs, interp.stack.slots[base+p.NumParams:base+nArgs])
	}
	if err := interp.stack.ensure(end); err != nil {
		return err
	}
	interp.stack.clear(base+min(nArgs, p.NumParams), end)
	interp.stack.setTop(end)

	interp.nextFrameID++
	frame := &CallFrame{
		id:      interp.nextFrameID,
		closure: cl,
		proto:   p,
		entry:   entry,
		base:    base,
		varargs: varargs,
		site:    site,
	}
	interp.frames = append(interp.frames, frame)

	if interp.config.Trace {
		log.Debugf("[%s] enter %s: frame %d, base %d, %d args, depth %d",
			interp.shortID(), p.DisplayName(), frame.id, base, nArgs, len(interp.frames))
	}
	return nil
}

// popFrame closes the frame's upvalues and removes it.
func (interp *Interpreter) popFrame() *CallFrame {
	frame := interp.frames[len(interp.frames)-1]
	frame.open.closeFrom(frame.base)
	interp.frames[len(interp.frames)-1] = nil
	interp.frames = interp.frames[:len(interp.frames)-1]

	if interp.config.Trace {
		log.Debugf("[%s] leave %s: frame %d, depth %d",
			interp.shortID(), frame.proto.DisplayName(), frame.id, len(interp.frames))
	}
	return frame
}

// finishCall delivers the n values at the top of the stack to the caller
// described by site. entry is the callee slot.
func (interp *Interpreter) finishCall(site callSite, entry, n int) error {
	first := interp.stack.top - n
	if site.dst >= 0 {
		v := Nil
		if n > 0 {
			v = interp.stack.Get(first)
		}
		interp.stack.Set(site.dst, v)
		interp.stack.setTop(site.callerTop)
		return nil
	}
	if err := interp.placeResults(first, entry, n, site.wanted); err != nil {
		return err
	}
	if !site.keepTop {
		interp.stack.setTop(site.callerTop)
	}
	return nil
}

// placeResults moves n values from first down to dst and applies the
// wanted-count fixup.
func (interp *Interpreter) placeResults(first, dst, n, wanted int) error {
	s := interp.stack
	if first != dst {
		copy(s.slots[dst:], s.slots[first:first+n])
	}
	if wanted == 0 {
		s.setTop(dst + n)
		return nil
	}
	if n < wanted {
		if err := s.ensure(dst + wanted); err != nil {
			return err
		}
		s.clear(dst+n, dst+wanted)
	}
	s.setTop(dst + wanted)
	return nil
}
