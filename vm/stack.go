package vm

// ---------------------------------------------------------------------------
// Stack: Value slots shared by every frame of an interpreter
// ---------------------------------------------------------------------------

// Stack is the growable value stack. Slots at or above top are dead: their
// contents are unspecified and ensure may reuse them.
type Stack struct {
	slots []Value
	top   int
	max   int
}

func newStack(size, max int) *Stack {
	return &Stack{slots: make([]Value, size), max: max}
}

// Top returns the index one past the last live slot.
func (s *Stack) Top() int {
	return s.top
}

// Len returns the current capacity in slots.
func (s *Stack) Len() int {
	return len(s.slots)
}

// Get returns the value at an absolute slot.
func (s *Stack) Get(i int) Value {
	return s.slots[i]
}

// Set stores a value at an absolute slot.
func (s *Stack) Set(i int, v Value) {
	s.slots[i] = v
}

func (s *Stack) setTop(top int) {
	s.top = top
}

// ensure makes slots [0, n) addressable, growing by doubling.
func (s *Stack) ensure(n int) error {
	if n <= len(s.slots) {
		return nil
	}
	if n > s.max {
		return newRuntimeError(StackOverflow, "stack overflow (%d slots exceeds limit of %d)", n, s.max)
	}
	size := len(s.slots) * 2
	if size < n {
		size = n
	}
	if size > s.max {
		size = s.max
	}
	grown := make([]Value, size)
	copy(grown, s.slots)
	s.slots = grown
	return nil
}

// push appends v at top.
func (s *Stack) push(v Value) error {
	if err := s.ensure(s.top + 1); err != nil {
		return err
	}
	s.slots[s.top] = v
	s.top++
	return nil
}

// clear sets slots [from, to) to nil.
func (s *Stack) clear(from, to int) {
	clear(s.slots[from:to])
}
