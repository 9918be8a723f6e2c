package symtrace_test

import (
	"testing"

	"github.com/symtrace/symtrace"
)

func TestDistanceCalculator_Local(t *testing.T) {
	// Entry -> 1 -> 2 -> 3 (target).
	fn := newFunction("f", 4, [2]int{0, 1}, [2]int{1, 2}, [2]int{2, 3})
	g := symtrace.NewCodeGraph(fn)
	c := symtrace.NewDistanceCalculator(g)

	st := symtrace.NewExecutionState(fn)
	target := fn.Blocks[3]

	res := c.Distance(st, target)
	want := symtrace.DistanceResult{Result: symtrace.WeightContinue, Weight: 3, IsInsideFunction: true}
	if res != want {
		t.Fatalf("unexpected result: %s", res)
	}

	// Repeated queries are bit-identical and served from the cache.
	misses := c.CacheMisses()
	if again := c.Distance(st, target); again != res {
		t.Fatalf("cache not deterministic: %s", again)
	}
	if c.CacheHits() == 0 {
		t.Fatal("expected a cache hit")
	} else if c.CacheMisses() != misses {
		t.Fatal("unexpected recomputation")
	}
}

func TestDistanceCalculator_Done(t *testing.T) {
	fn := newFunction("f", 2, [2]int{0, 1})
	g := symtrace.NewCodeGraph(fn)
	c := symtrace.NewDistanceCalculator(g)

	st := symtrace.NewExecutionState(fn)
	st.TransferTo(fn.Blocks[1])

	res := c.Distance(st, fn.Blocks[1])
	if res.Result != symtrace.WeightDone || res.Weight != 0 || !res.IsInsideFunction {
		t.Fatalf("unexpected result: %s", res)
	}
}

func TestDistanceCalculator_Pre(t *testing.T) {
	// main: 0 -> 1(call helper) -> 2; helper: 0(call deep); deep: 0 -> 1.
	main := newFunction("main", 3, [2]int{0, 1}, [2]int{1, 2})
	helper := newFunction("helper", 1)
	deep := newFunction("deep", 2, [2]int{0, 1})
	addCall(main, 1, helper)
	addCall(helper, 0, deep)

	g := symtrace.NewCodeGraph(main, helper, deep)
	c := symtrace.NewDistanceCalculator(g)

	st := symtrace.NewExecutionState(main)
	target := deep.Blocks[1]

	// One block to the call site, one call-graph hop from helper to deep.
	res := c.Distance(st, target)
	want := symtrace.DistanceResult{Result: symtrace.WeightContinue, Weight: 2, IsInsideFunction: false}
	if res != want {
		t.Fatalf("unexpected result: %s", res)
	}
}

func TestDistanceCalculator_Post(t *testing.T) {
	// Call stack main -> foo -> bar; target back in main, five blocks past
	// the call site foo was invoked from.
	main := newFunction("main", 7,
		[2]int{0, 1}, [2]int{1, 2}, [2]int{2, 3}, [2]int{3, 4}, [2]int{4, 5}, [2]int{5, 6})
	foo := newFunction("foo", 2, [2]int{0, 1})
	bar := newFunction("bar", 1)
	addCall(main, 1, foo)
	addCall(foo, 0, bar)

	g := symtrace.NewCodeGraph(main, foo, bar)
	c := symtrace.NewDistanceCalculator(g)

	st := symtrace.NewExecutionState(main)
	st.TransferTo(main.Blocks[1]) // call site of foo
	st.Push(foo)
	st.Push(bar)

	target := main.Blocks[6] // distance 5 from the call site

	res := c.Distance(st, target)
	want := symtrace.DistanceResult{Result: symtrace.WeightContinue, Weight: 5, IsInsideFunction: false}
	if res != want {
		t.Fatalf("unexpected result: %s", res)
	}
}

func TestDistanceCalculator_Miss(t *testing.T) {
	fn := newFunction("f", 1)
	island := newFunction("island", 2, [2]int{0, 1})

	g := symtrace.NewCodeGraph(fn, island)
	c := symtrace.NewDistanceCalculator(g)

	st := symtrace.NewExecutionState(fn)
	res := c.Distance(st, island.Blocks[1])
	if res.Result != symtrace.WeightMiss || res.Weight != 0 {
		t.Fatalf("unexpected result: %s", res)
	}
}

func TestDistanceCalculator_LocalUnreachableFallsBack(t *testing.T) {
	// Target is behind the current block in the CFG, but the function can
	// re-enter itself through recursion.
	fn := newFunction("f", 3, [2]int{0, 1}, [2]int{1, 2})
	addCall(fn, 2, fn)

	g := symtrace.NewCodeGraph(fn)
	c := symtrace.NewDistanceCalculator(g)

	st := symtrace.NewExecutionState(fn)
	st.TransferTo(fn.Blocks[1])
	st.TransferTo(fn.Blocks[2])

	res := c.Distance(st, fn.Blocks[0])
	if res.Result != symtrace.WeightContinue || res.IsInsideFunction {
		t.Fatalf("expected recursive pre-target result: %s", res)
	}
}

func TestDistanceCalculator_ClearCache(t *testing.T) {
	fn := newFunction("f", 2, [2]int{0, 1})
	g := symtrace.NewCodeGraph(fn)
	c := symtrace.NewDistanceCalculator(g)

	st := symtrace.NewExecutionState(fn)
	c.Distance(st, fn.Blocks[1])
	c.Distance(st, fn.Blocks[1])
	if c.CacheHits() == 0 {
		t.Fatal("expected cache hits")
	}

	c.ClearCache()
	if c.CacheHits() != 0 || c.CacheMisses() != 0 {
		t.Fatal("expected counters reset")
	}
	if res := c.Distance(st, fn.Blocks[1]); res.Result != symtrace.WeightContinue {
		t.Fatalf("unexpected result after clear: %s", res)
	}
}

func TestDistanceResult_Ordering(t *testing.T) {
	results := []symtrace.DistanceResult{
		{Result: symtrace.WeightDone, Weight: 0, IsInsideFunction: true},
		{Result: symtrace.WeightContinue, Weight: 1, IsInsideFunction: true},
		{Result: symtrace.WeightContinue, Weight: 1, IsInsideFunction: false},
		{Result: symtrace.WeightContinue, Weight: 5, IsInsideFunction: true},
		{Result: symtrace.WeightMiss, Weight: 0, IsInsideFunction: false},
	}

	// Listed order is strictly ascending.
	for i := 0; i < len(results)-1; i++ {
		if !results[i].Less(results[i+1]) {
			t.Fatalf("expected %s < %s", results[i], results[i+1])
		}
	}

	// Strict weak order: irreflexive, asymmetric, transitive.
	for _, a := range results {
		if a.Less(a) {
			t.Fatalf("irreflexivity violated: %s", a)
		}
	}
	for _, a := range results {
		for _, b := range results {
			if a.Less(b) && b.Less(a) {
				t.Fatalf("asymmetry violated: %s, %s", a, b)
			}
			for _, c := range results {
				if a.Less(b) && b.Less(c) && !a.Less(c) {
					t.Fatalf("transitivity violated: %s, %s, %s", a, b, c)
				}
			}
		}
	}

	// Compare is consistent with Less.
	a, b := results[1], results[2]
	if a.Compare(b) != -1 || b.Compare(a) != 1 || a.Compare(a) != 0 {
		t.Fatal("Compare inconsistent with Less")
	}
}
