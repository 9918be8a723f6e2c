package symtrace_test

import (
	"time"

	"github.com/symtrace/symtrace"
)

// modelSat is a SatSolver backed by one fixed assignment of array values.
// A query is satisfiable iff the model satisfies it, which makes MustBeTrue
// and MayBeTrue coincide with evaluation under the model. Deterministic and
// solver-free, in the spirit of wiring a scripted solver into tests.
type modelSat struct {
	values map[uint64][]byte // array id -> initial bytes
}

func newModelSat() *modelSat {
	return &modelSat{values: make(map[uint64][]byte)}
}

func (s *modelSat) bind(a *symtrace.Array, value []byte) *modelSat {
	s.values[a.ID] = value
	return s
}

func (s *modelSat) valueOf(a *symtrace.Array) []byte {
	if v, ok := s.values[a.ID]; ok {
		return v
	}
	return make([]byte, a.Size)
}

func (s *modelSat) Solve(constraints []symtrace.Expr, arrays []*symtrace.Array) (bool, [][]byte, error) {
	all := symtrace.FindArrays(constraints...)
	vals := make([][]byte, len(all))
	for i, a := range all {
		vals[i] = s.valueOf(a)
	}
	ee := symtrace.NewExprEvaluator(all, vals)

	for _, c := range constraints {
		v, err := ee.Evaluate(c)
		if err != nil {
			return false, nil, err
		} else if !v.IsTrue() {
			return false, nil, nil
		}
	}

	out := make([][]byte, len(arrays))
	for i, a := range arrays {
		out[i] = s.valueOf(a)
	}
	return true, out, nil
}

// errorSat fails every query with a fixed error.
type errorSat struct {
	err error
}

func (s *errorSat) Solve([]symtrace.Expr, []*symtrace.Array) (bool, [][]byte, error) {
	return false, nil, s.err
}

// looseSolver is a purely syntactic Solver: constants fold, everything else
// is possible and nothing is provable. It drives resolution down the
// maybe-candidate path without a real solver.
type looseSolver struct{}

func (looseSolver) Evaluate(constraints []symtrace.Expr, expr symtrace.Expr) (*symtrace.ConstantExpr, error) {
	if expr, ok := expr.(*symtrace.ConstantExpr); ok {
		return expr, nil
	}
	return nil, nil
}

func (looseSolver) MustBeTrue(constraints []symtrace.Expr, expr symtrace.Expr) (bool, error) {
	return symtrace.IsConstantTrue(expr), nil
}

func (looseSolver) MayBeTrue(constraints []symtrace.Expr, expr symtrace.Expr) (bool, error) {
	if expr, ok := expr.(*symtrace.ConstantExpr); ok {
		return expr.IsTrue(), nil
	}
	return true, nil
}

func (looseSolver) Range(constraints []symtrace.Expr, expr symtrace.Expr) (uint64, uint64, error) {
	if expr, ok := expr.(*symtrace.ConstantExpr); ok {
		return expr.Value, expr.Value, nil
	}
	return 0, ^uint64(0), nil
}

// slowSolver delays every query by a fixed amount.
type slowSolver struct {
	symtrace.Solver
	delay time.Duration
}

func (s *slowSolver) Evaluate(constraints []symtrace.Expr, expr symtrace.Expr) (*symtrace.ConstantExpr, error) {
	time.Sleep(s.delay)
	return s.Solver.Evaluate(constraints, expr)
}

func (s *slowSolver) MustBeTrue(constraints []symtrace.Expr, expr symtrace.Expr) (bool, error) {
	time.Sleep(s.delay)
	return s.Solver.MustBeTrue(constraints, expr)
}

func (s *slowSolver) MayBeTrue(constraints []symtrace.Expr, expr symtrace.Expr) (bool, error) {
	time.Sleep(s.delay)
	return s.Solver.MayBeTrue(constraints, expr)
}

func (s *slowSolver) Range(constraints []symtrace.Expr, expr symtrace.Expr) (uint64, uint64, error) {
	time.Sleep(s.delay)
	return s.Solver.Range(constraints, expr)
}

// newFunction builds a function with n blocks and the given CFG edges.
func newFunction(name string, n int, edges ...[2]int) *symtrace.Function {
	fn := &symtrace.Function{Name: name}
	fn.Blocks = make([]*symtrace.Block, n)
	for i := 0; i < n; i++ {
		fn.Blocks[i] = &symtrace.Block{Index: i, Fn: fn}
	}
	fn.Entry = fn.Blocks[0]
	for _, e := range edges {
		from, to := fn.Blocks[e[0]], fn.Blocks[e[1]]
		from.Succs = append(from.Succs, to)
	}
	return fn
}

// addCall records a static call edge from block i of fn to callee.
func addCall(fn *symtrace.Function, i int, callee *symtrace.Function) {
	fn.Blocks[i].Calls = append(fn.Blocks[i].Calls, callee)
}

// symbolicPointer returns an unconstrained pointer-width expression over a
// fresh array, plus the array for model binding.
func symbolicPointer(id uint64) (symtrace.Expr, *symtrace.Array) {
	arr := symtrace.NewArray(id, 8)
	return arr.Select(symtrace.NewConstantExpr64(0), symtrace.Width64, true), arr
}

// leBytes encodes v as 8 little-endian bytes.
func leBytes(v uint64) []byte {
	buf := make([]byte, 8)
	for i := range buf {
		buf[i] = byte(v >> (8 * uint(i)))
	}
	return buf
}
