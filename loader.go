package symtrace

import (
	"sort"

	"golang.org/x/tools/go/ssa"
	"golang.org/x/tools/go/ssa/ssautil"
)

// NewCodeGraphFromProgram builds a CodeGraph over every function of an SSA
// program that has a body. Call edges come from statically resolvable call
// sites; dynamic calls contribute no edges.
func NewCodeGraphFromProgram(prog *ssa.Program) *CodeGraph {
	var ssaFns []*ssa.Function
	for fn := range ssautil.AllFunctions(prog) {
		if len(fn.Blocks) > 0 {
			ssaFns = append(ssaFns, fn)
		}
	}

	// Deterministic function order regardless of map iteration.
	sort.Slice(ssaFns, func(i, j int) bool {
		return ssaFns[i].String() < ssaFns[j].String()
	})

	fns := make(map[*ssa.Function]*Function, len(ssaFns))
	for _, sf := range ssaFns {
		fn := &Function{Name: sf.String()}
		fn.Blocks = make([]*Block, len(sf.Blocks))
		for i, sb := range sf.Blocks {
			fn.Blocks[i] = &Block{Index: sb.Index, Fn: fn}
		}
		fn.Entry = fn.Blocks[0]
		fns[sf] = fn
	}

	// Wire successor and call edges now that every block exists.
	for _, sf := range ssaFns {
		fn := fns[sf]
		for i, sb := range sf.Blocks {
			b := fn.Blocks[i]
			for _, succ := range sb.Succs {
				b.Succs = append(b.Succs, fn.Blocks[succ.Index])
			}
			for _, instr := range sb.Instrs {
				call, ok := instr.(ssa.CallInstruction)
				if !ok {
					continue
				}
				callee := call.Common().StaticCallee()
				if callee == nil {
					continue
				}
				if target, ok := fns[callee]; ok {
					b.Calls = append(b.Calls, target)
				}
			}
		}
	}

	ordered := make([]*Function, 0, len(ssaFns))
	for _, sf := range ssaFns {
		ordered = append(ordered, fns[sf])
	}
	return NewCodeGraph(ordered...)
}

// FindFunction returns the graph function with the given name.
func (g *CodeGraph) FindFunction(name string) *Function {
	for _, fn := range g.fns {
		if fn.Name == name {
			return fn
		}
	}
	return nil
}
