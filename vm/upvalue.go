package vm

import (
	"cmp"
	"slices"
)

// ---------------------------------------------------------------------------
// UpvalueCell: Captured variable shared between closures
// ---------------------------------------------------------------------------

// UpvalueCell holds a variable captured by one or more closures. While the
// declaring frame is active the cell is open and aliases the variable's
// stack slot; when the frame exits (or CLOSE runs) the current value is
// copied into the cell and it becomes closed. A cell never reopens.
type UpvalueCell struct {
	stack   *Stack
	frameID uint64
	slot    int // absolute stack slot while open
	closed  Value
	open    bool
}

func newOpenCell(stack *Stack, frameID uint64, slot int) *UpvalueCell {
	return &UpvalueCell{stack: stack, frameID: frameID, slot: slot, open: true}
}

// NewClosedCell creates a cell that already holds v. Hosts use it to build
// closures outside of CLOSURE.
func NewClosedCell(v Value) *UpvalueCell {
	return &UpvalueCell{closed: v}
}

// Get returns the variable's current value.
func (c *UpvalueCell) Get() Value {
	if c.open {
		return c.stack.Get(c.slot)
	}
	return c.closed
}

// Set stores a new value for the variable.
func (c *UpvalueCell) Set(v Value) {
	if c.open {
		c.stack.Set(c.slot, v)
		return
	}
	c.closed = v
}

// IsOpen reports whether the cell still aliases a stack slot.
func (c *UpvalueCell) IsOpen() bool {
	return c.open
}

// Slot returns the aliased stack slot, or -1 once closed.
func (c *UpvalueCell) Slot() int {
	if !c.open {
		return -1
	}
	return c.slot
}

// FrameID returns the id of the declaring frame.
func (c *UpvalueCell) FrameID() uint64 {
	return c.frameID
}

func (c *UpvalueCell) close() {
	if !c.open {
		return
	}
	c.closed = c.stack.Get(c.slot)
	c.open = false
	c.stack = nil
}

// ---------------------------------------------------------------------------
// upvalueRegistry: Open cells of one frame, ordered by slot
// ---------------------------------------------------------------------------

type upvalueRegistry struct {
	cells []*UpvalueCell
}

func compareSlot(c *UpvalueCell, slot int) int {
	return cmp.Compare(c.slot, slot)
}

// find returns the open cell for slot, if any.
func (r *upvalueRegistry) find(slot int) *UpvalueCell {
	i, ok := slices.BinarySearchFunc(r.cells, slot, compareSlot)
	if !ok {
		return nil
	}
	return r.cells[i]
}

// capture returns the open cell for slot, creating and registering it if
// this is the first capture.
func (r *upvalueRegistry) capture(stack *Stack, frameID uint64, slot int) *UpvalueCell {
	i, ok := slices.BinarySearchFunc(r.cells, slot, compareSlot)
	if ok {
		return r.cells[i]
	}
	cell := newOpenCell(stack, frameID, slot)
	r.cells = slices.Insert(r.cells, i, cell)
	return cell
}

// closeFrom closes and forgets every cell whose slot is >= level.
func (r *upvalueRegistry) closeFrom(level int) int {
	i, _ := slices.BinarySearchFunc(r.cells, level, compareSlot)
	n := len(r.cells) - i
	for _, cell := range r.cells[i:] {
		cell.close()
	}
	clear(r.cells[i:])
	r.cells = r.cells[:i]
	return n
}

// Len returns the number of open cells.
func (r *upvalueRegistry) Len() int {
	return len(r.cells)
}
