package symtrace

import (
	"bytes"
	"fmt"
	"sync/atomic"
)

// ExecutionState represents a path under exploration: a call stack over the
// program's block graph, the constraints collected so far, and the address
// space holding the path's memory.
type ExecutionState struct {
	id int

	// Call stack
	stack []*StackFrame

	// Constraints collected so far during execution.
	constraints []Expr

	// Memory for this path.
	space *AddressSpace

	// Shows whether state is running, finished, or terminated by error state.
	status ExecutionStatus
	reason string
}

var stateIDSeq int64

// NewExecutionState returns a state positioned at the entry block of fn.
func NewExecutionState(fn *Function) *ExecutionState {
	s := &ExecutionState{
		id:     int(atomic.AddInt64(&stateIDSeq, 1)),
		space:  NewAddressSpace(),
		status: ExecutionStatusRunning,
	}
	s.Push(fn)
	return s
}

// ID returns an autoincrementing state ID.
func (s *ExecutionState) ID() int { return s.id }

// Space returns the address space owned by this state.
func (s *ExecutionState) Space() *AddressSpace { return s.space }

// Constraints returns the constraints collected so far.
func (s *ExecutionState) Constraints() []Expr { return s.constraints }

// Status returns the current status of the state.
// See Reason() for additional information if status is in an error state.
func (s *ExecutionState) Status() ExecutionStatus { return s.status }

// Reason returns additional information about the status of the state.
func (s *ExecutionState) Reason() string { return s.reason }

// Terminated returns true if the state completes execution of a path.
func (s *ExecutionState) Terminated() bool {
	return s.status != ExecutionStatusRunning
}

// Terminate moves the state out of the running status.
func (s *ExecutionState) Terminate(status ExecutionStatus, reason string) {
	s.status, s.reason = status, reason
}

// Clone returns a copy of the state including deep copies of the stack and
// constraints. The address space is cloned under COW; no contents are copied.
func (s *ExecutionState) Clone() *ExecutionState {
	stack := make([]*StackFrame, len(s.stack))
	for i := range s.stack {
		stack[i] = s.stack[i].Clone()
	}

	constraints := make([]Expr, len(s.constraints))
	copy(constraints, s.constraints)

	return &ExecutionState{
		id:          int(atomic.AddInt64(&stateIDSeq, 1)),
		stack:       stack,
		constraints: constraints,
		space:       s.space.Clone(),
		status:      s.status,
	}
}

// Fork returns a copy of the state with the additional constraint.
func (s *ExecutionState) Fork(constraint Expr) *ExecutionState {
	child := s.Clone()
	if constraint != nil {
		child.AddConstraint(constraint)
	}
	return child
}

// AddConstraint adds a constraint to the state. Panic if expr is a constant false.
func (s *ExecutionState) AddConstraint(expr Expr) {
	if expr, ok := expr.(*ConstantExpr); ok {
		assert(expr.IsTrue(), "invalid false constraint")
	}
	s.constraints = AddConstraint(s.constraints, expr)
}

// Frame returns the current stack frame.
func (s *ExecutionState) Frame() *StackFrame {
	if len(s.stack) == 0 {
		return nil
	}
	return s.stack[len(s.stack)-1]
}

// CallerFrame returns the parent of the current stack frame.
func (s *ExecutionState) CallerFrame() *StackFrame {
	if len(s.stack) <= 1 {
		return nil
	}
	return s.stack[len(s.stack)-2]
}

// Stack returns the call stack, outermost frame first.
func (s *ExecutionState) Stack() []*StackFrame { return s.stack }

// PC returns the block currently executing.
func (s *ExecutionState) PC() *Block {
	if f := s.Frame(); f != nil {
		return f.block
	}
	return nil
}

// PrevPC returns the block executed before the current one.
func (s *ExecutionState) PrevPC() *Block {
	if f := s.Frame(); f != nil {
		return f.prev
	}
	return nil
}

// Push adds a frame for fn to the top of the stack, at fn's entry block.
func (s *ExecutionState) Push(fn *Function) {
	s.stack = append(s.stack, NewStackFrame(s.Frame(), fn))
}

// Pop removes the current frame from the stack.
// Marks the state finished when no frames remain.
func (s *ExecutionState) Pop() {
	s.stack[len(s.stack)-1] = nil
	s.stack = s.stack[:len(s.stack)-1]

	if len(s.stack) == 0 {
		s.status = ExecutionStatusFinished
	}
}

// TransferTo moves the current frame to dst.
func (s *ExecutionState) TransferTo(dst *Block) {
	f := s.Frame()
	assert(f != nil, "transfer without a frame")
	assert(dst.Fn == f.fn, "transfer across functions: %s -> %s", f.fn, dst.Fn)
	f.prev, f.block = f.block, dst
}

// Dump returns the contents of the state as a string.
func (s *ExecutionState) Dump() string {
	var buf bytes.Buffer

	fmt.Fprintln(&buf, "EXECUTION STATE")
	fmt.Fprintln(&buf, "===============")
	fmt.Fprintf(&buf, "status=%s\n", s.status)
	fmt.Fprintf(&buf, "reason=%s\n", s.reason)
	fmt.Fprintln(&buf, "")
	for i := len(s.stack) - 1; i >= 0; i-- {
		f := s.stack[i]
		fmt.Fprintf(&buf, "== FRAME #%d fn=%s block=%s\n", i, f.fn, f.block)
	}
	fmt.Fprintln(&buf, "")

	fmt.Fprintln(&buf, "== CONSTRAINTS")
	for i, expr := range s.constraints {
		fmt.Fprintf(&buf, "%d. %s\n", i, expr.String())
	}
	return buf.String()
}

// ExecutionStatus represents the current status of the execution state.
// The state will also include a reason if the status is not running.
type ExecutionStatus string

const (
	ExecutionStatusRunning  = ExecutionStatus("running")  // has future states
	ExecutionStatusFinished = ExecutionStatus("finished") // clean completion
	ExecutionStatusPanicked = ExecutionStatus("panicked") // panic occurred
	ExecutionStatusFailed   = ExecutionStatus("failed")   // error state reached
)

// StackFrame represents the state of a call into a function.
type StackFrame struct {
	fn     *Function
	caller *StackFrame

	block *Block
	prev  *Block
}

// NewStackFrame returns a new instance of StackFrame for a given function.
func NewStackFrame(caller *StackFrame, fn *Function) *StackFrame {
	return &StackFrame{
		fn:     fn,
		caller: caller,
		block:  fn.Entry,
	}
}

// Fn returns the function this frame executes.
func (f *StackFrame) Fn() *Function { return f.fn }

// Block returns the block the frame is positioned at. For suspended frames
// this is the call site control returns to.
func (f *StackFrame) Block() *Block { return f.block }

// Prev returns the previously executed block.
func (f *StackFrame) Prev() *Block { return f.prev }

// Clone returns a copy of the stack frame.
func (f *StackFrame) Clone() *StackFrame {
	other := *f
	return &other
}
