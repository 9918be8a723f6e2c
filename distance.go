package symtrace

import (
	"fmt"
	"sync"
)

// WeightResult is the verdict of a distance query.
type WeightResult uint8

const (
	WeightDone     = WeightResult(iota) // state is at the target
	WeightContinue                      // target reachable, weight away
	WeightMiss                          // no path to the target
)

// String returns the string representation of the verdict.
func (r WeightResult) String() string {
	switch r {
	case WeightDone:
		return "Done"
	case WeightContinue:
		return "Continue"
	case WeightMiss:
		return "Miss"
	default:
		return fmt.Sprintf("WeightResult<%d>", uint8(r))
	}
}

// DistanceResult ranks a state's proximity to a target block.
//
// Results order lexicographically by (verdict, weight, outside-function),
// so Done beats Continue beats Miss, closer beats farther, and weights inside
// the target's function beat equal weights outside it. The order is a strict
// weak order suitable for priority queues.
type DistanceResult struct {
	Result           WeightResult
	Weight           uint
	IsInsideFunction bool
}

// Compare returns -1 if r ranks before other, 1 if after, and 0 if equal.
func (r DistanceResult) Compare(other DistanceResult) int {
	if cmp := compareUint(uint64(r.Result), uint64(other.Result)); cmp != 0 {
		return cmp
	}
	if cmp := compareUint(uint64(r.Weight), uint64(other.Weight)); cmp != 0 {
		return cmp
	}
	if r.IsInsideFunction != other.IsInsideFunction {
		if r.IsInsideFunction {
			return -1
		}
		return 1
	}
	return 0
}

// Less returns true if r ranks strictly before other.
func (r DistanceResult) Less(other DistanceResult) bool {
	return r.Compare(other) < 0
}

// String returns the string representation of the result.
func (r DistanceResult) String() string {
	return fmt.Sprintf("%s (weight=%d inside=%v)", r.Result, r.Weight, r.IsInsideFunction)
}

// targetKind classifies the position of a block relative to a target.
type targetKind uint8

const (
	localTarget = targetKind(iota) // same function as the target
	preTarget                      // target's function lies forward in the call graph
	postTarget                     // target lies past a return, up the stack
	noneTarget                     // no path to the target
)

// speculativeState is one cache key: a block plus the classification it was
// queried under. Entries depend only on the program graph, never on
// execution state, so they stay valid for the lifetime of the graph.
type speculativeState struct {
	block *Block
	kind  targetKind
}

// DistanceCalculator computes ranked distances from execution states to
// target blocks over a CodeGraph.
type DistanceCalculator struct {
	graph *CodeGraph

	mu     sync.Mutex
	cache  map[*Block]map[speculativeState]DistanceResult
	hits   uint64
	misses uint64
}

// NewDistanceCalculator returns a new instance of DistanceCalculator.
func NewDistanceCalculator(graph *CodeGraph) *DistanceCalculator {
	return &DistanceCalculator{
		graph: graph,
		cache: make(map[*Block]map[speculativeState]DistanceResult),
	}
}

// Distance returns the distance from the state's current location to target.
// The operation never fails; an unreachable target yields a Miss verdict.
func (c *DistanceCalculator) Distance(es *ExecutionState, target *Block) DistanceResult {
	assert(target != nil && target.Fn != nil, "distance: unknown target block")
	pc := es.PC()
	assert(pc != nil, "distance: state has no program counter")
	return c.distance(pc, es.Stack(), target)
}

func (c *DistanceCalculator) distance(pc *Block, frames []*StackFrame, target *Block) DistanceResult {
	// Local: target within the current function.
	if pc.Fn == target.Fn {
		if res := c.getDistance(pc, localTarget, target); res.Result != WeightMiss {
			return res
		}
	}

	// Pre: reach a call site whose callee leads to the target's function.
	if res := c.getDistance(pc, preTarget, target); res.Result != WeightMiss {
		return res
	}

	// Post: pop frames; measure from each suspended frame's resume block.
	var best DistanceResult
	var found bool
	for i := len(frames) - 2; i >= 0; i-- {
		kb := frames[i].Block()
		if kb == nil {
			continue
		}
		if res := c.getDistance(kb, postTarget, target); res.Result != WeightMiss {
			if !found || res.Less(best) {
				best, found = res, true
			}
		}
	}
	if found {
		return best
	}

	return c.getDistance(pc, noneTarget, target)
}

// getDistance returns the cached result for (target, block, kind),
// computing and storing it on a miss.
func (c *DistanceCalculator) getDistance(kb *Block, kind targetKind, target *Block) DistanceResult {
	key := speculativeState{block: kb, kind: kind}

	c.mu.Lock()
	m, ok := c.cache[target]
	if !ok {
		m = make(map[speculativeState]DistanceResult)
		c.cache[target] = m
	}
	if res, ok := m[key]; ok {
		c.hits++
		c.mu.Unlock()
		return res
	}
	c.misses++
	c.mu.Unlock()

	res := c.computeDistance(kb, kind, target)

	c.mu.Lock()
	m[key] = res
	c.mu.Unlock()
	return res
}

// computeDistance is the uncached three-phase weight computation.
func (c *DistanceCalculator) computeDistance(kb *Block, kind targetKind, target *Block) DistanceResult {
	switch kind {
	case localTarget:
		weight, ok := c.graph.BlockDistance(kb)[target]
		if !ok {
			return DistanceResult{Result: WeightMiss, IsInsideFunction: true}
		}
		result := WeightContinue
		if weight == 0 {
			result = WeightDone
		}
		return DistanceResult{Result: result, Weight: weight, IsInsideFunction: true}

	case preTarget:
		weight, ok := c.callWeight(kb, target)
		if !ok {
			return DistanceResult{Result: WeightMiss}
		}
		return DistanceResult{Result: WeightContinue, Weight: weight}

	case postTarget:
		if kb.Fn == target.Fn {
			if weight, ok := c.graph.BlockDistance(kb)[target]; ok {
				result := WeightContinue
				if weight == 0 {
					result = WeightDone
				}
				return DistanceResult{Result: result, Weight: weight}
			}
		}
		weight, ok := c.callWeight(kb, target)
		if !ok {
			return DistanceResult{Result: WeightMiss}
		}
		return DistanceResult{Result: WeightContinue, Weight: weight}

	case noneTarget:
		return DistanceResult{Result: WeightMiss}

	default:
		panic("unreachable")
	}
}

// callWeight returns the minimal weight of reaching target's function through
// a call site of kb's function: the block distance from kb to the call site
// plus the call-graph distance from the callee down to the target's function.
func (c *DistanceCalculator) callWeight(kb *Block, target *Block) (uint, bool) {
	blockDist := c.graph.BlockDistance(kb)
	toTargetFn := c.graph.BackwardFunctionDistance(target.Fn)

	var best uint
	var found bool
	for _, site := range c.graph.CallBlocks(kb.Fn) {
		d, ok := blockDist[site]
		if !ok {
			continue
		}
		for _, callee := range site.Calls {
			hops, ok := toTargetFn[callee]
			if !ok {
				continue
			}
			if w := d + hops; !found || w < best {
				best, found = w, true
			}
		}
	}
	return best, found
}

// CacheHits returns the number of distance queries answered from the cache.
func (c *DistanceCalculator) CacheHits() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits
}

// CacheMisses returns the number of distance queries that were computed.
func (c *DistanceCalculator) CacheMisses() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.misses
}

// ClearCache drops every cached result. Must be called if the code graph is
// replaced, e.g. after loading additional functions.
func (c *DistanceCalculator) ClearCache() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache = make(map[*Block]map[speculativeState]DistanceResult)
	c.hits, c.misses = 0, 0
}
