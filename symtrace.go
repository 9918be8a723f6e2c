// Package symtrace implements the symbolic address space and the
// guided-search distance core of a symbolic execution engine.
package symtrace

import (
	"errors"
	"fmt"
)

// Standard widths.
const (
	WidthBool = 1
	Width8    = 8
	Width16   = 16
	Width32   = 32
	Width64   = 64
)

// PointerWidth is the width of pointer expressions handled by the core.
const PointerWidth = Width64

var (
	ErrSolverTimeout       = errors.New("Solver timeout")
	ErrSolverCanceled      = errors.New("Solver canceled")
	ErrSolverResourceLimit = errors.New("Solver resource limit")
	ErrSolverUnknown       = errors.New("Solver unknown error")
)

// IsSolverFailure returns true if err is a resource-bounded solver error.
// These are reported as incomplete results rather than failures.
func IsSolverFailure(err error) bool {
	return errors.Is(err, ErrSolverTimeout) ||
		errors.Is(err, ErrSolverCanceled) ||
		errors.Is(err, ErrSolverResourceLimit) ||
		errors.Is(err, ErrSolverUnknown)
}

// assert panics if condition is false.
func assert(condition bool, format string, args ...interface{}) {
	if !condition {
		panic(fmt.Sprintf("assert: "+format, args...))
	}
}
