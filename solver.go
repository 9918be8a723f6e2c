package symtrace

import (
	"time"
)

// Solver is the capability set the core requires of a constraint solver.
// Every method carries the solver's own time budget; resource exhaustion is
// reported through the sentinel solver errors and treated as incomplete by
// callers, never as failure.
type Solver interface {
	// Evaluate returns one concrete value of expr under the constraints,
	// or nil if the constraints are unsatisfiable.
	Evaluate(constraints []Expr, expr Expr) (*ConstantExpr, error)

	// MustBeTrue returns true if expr holds under every satisfying
	// assignment of the constraints.
	MustBeTrue(constraints []Expr, expr Expr) (bool, error)

	// MayBeTrue returns true if expr holds under some satisfying
	// assignment of the constraints.
	MayBeTrue(constraints []Expr, expr Expr) (bool, error)

	// Range returns concrete lower and upper bounds on expr under the
	// constraints.
	Range(constraints []Expr, expr Expr) (min, max uint64, err error)
}

// SatSolver is the low-level satisfiability interface implemented by solver
// backends such as z3.
type SatSolver interface {
	Solve(constraints []Expr, arrays []*Array) (satisfiable bool, values [][]byte, err error)
}

// SolverStats tracks query counts and cumulative solve time.
type SolverStats struct {
	QueryN    int
	QueryTime time.Duration
}

// TimingSolver adapts a SatSolver into the Solver capability set and records
// per-query statistics.
type TimingSolver struct {
	Underlying SatSolver

	stats SolverStats
}

// Ensure solver implements interface.
var _ Solver = (*TimingSolver)(nil)

// NewTimingSolver returns a new instance of TimingSolver.
func NewTimingSolver(underlying SatSolver) *TimingSolver {
	return &TimingSolver{Underlying: underlying}
}

// Stats returns statistics for the solver.
func (s *TimingSolver) Stats() SolverStats { return s.stats }

func (s *TimingSolver) solve(constraints []Expr, arrays []*Array) (bool, [][]byte, error) {
	t := time.Now()
	defer func() {
		s.stats.QueryN++
		s.stats.QueryTime += time.Since(t)
	}()
	return s.Underlying.Solve(constraints, arrays)
}

// Evaluate returns one concrete value of expr under the constraints.
// Returns nil without error when the constraints are unsatisfiable.
func (s *TimingSolver) Evaluate(constraints []Expr, expr Expr) (*ConstantExpr, error) {
	if expr, ok := expr.(*ConstantExpr); ok {
		return expr, nil
	}

	arrays := FindArrays(append(append([]Expr{}, constraints...), expr)...)
	satisfiable, values, err := s.solve(constraints, arrays)
	if err != nil {
		return nil, err
	} else if !satisfiable {
		return nil, nil
	}
	return NewExprEvaluator(arrays, values).Evaluate(expr)
}

// MayBeTrue returns true if the constraints plus expr are satisfiable.
func (s *TimingSolver) MayBeTrue(constraints []Expr, expr Expr) (bool, error) {
	if expr, ok := expr.(*ConstantExpr); ok {
		return expr.IsTrue(), nil
	}

	satisfiable, _, err := s.solve(AddConstraint(cloneConstraints(constraints), expr), nil)
	if err != nil {
		return false, err
	}
	return satisfiable, nil
}

// MustBeTrue returns true if the negation of expr is unsatisfiable under the
// constraints.
func (s *TimingSolver) MustBeTrue(constraints []Expr, expr Expr) (bool, error) {
	if expr, ok := expr.(*ConstantExpr); ok {
		return expr.IsTrue(), nil
	}

	satisfiable, _, err := s.solve(AddConstraint(cloneConstraints(constraints), NewIsZeroExpr(expr)), nil)
	if err != nil {
		return false, err
	}
	return !satisfiable, nil
}

// Range returns concrete bounds on expr by bisecting with MayBeTrue.
func (s *TimingSolver) Range(constraints []Expr, expr Expr) (min, max uint64, err error) {
	if expr, ok := expr.(*ConstantExpr); ok {
		return expr.Value, expr.Value, nil
	}

	width := ExprWidth(expr)
	limit := bitmask(width)

	// Smallest value expr can take.
	lo, hi := uint64(0), limit
	for lo < hi {
		mid := lo + (hi-lo)/2
		may, err := s.MayBeTrue(constraints, NewBinaryExpr(ULE, expr, NewConstantExpr(mid, width)))
		if err != nil {
			return 0, 0, err
		} else if may {
			hi = mid
		} else {
			lo = mid + 1
		}
	}
	min = lo

	// Largest value expr can take.
	lo, hi = min, limit
	for lo < hi {
		mid := lo + (hi-lo)/2 + 1
		may, err := s.MayBeTrue(constraints, NewBinaryExpr(UGE, expr, NewConstantExpr(mid, width)))
		if err != nil {
			return 0, 0, err
		} else if may {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	max = lo

	return min, max, nil
}

func cloneConstraints(constraints []Expr) []Expr {
	other := make([]Expr, len(constraints))
	copy(other, constraints)
	return other
}
