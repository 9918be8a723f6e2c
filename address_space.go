package symtrace

import (
	"bytes"
	"io"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/immutable"
)

// ObjectPair is one binding from a memory object to its contents.
type ObjectPair struct {
	Object *MemoryObject
	State  *ObjectState
}

// ResolutionList holds the objects a pointer may alias, in address order.
type ResolutionList []ObjectPair

// ptrCheck classifies one candidate object during resolution.
type ptrCheck int

const (
	ptrCheckNo     = ptrCheck(iota) // pointer cannot reference the object
	ptrCheckMaybe                   // pointer may reference the object
	ptrCheckUnique                  // pointer must reference the object
)

// AddressSpace maps memory objects to their symbolic contents for one
// execution state.
//
// The spine is a persistent sorted map ordered by object address (object id
// as tie-breaker), so clones share structure and resolution enumerates
// deterministically. Each space holds a cowKey drawn from a counter shared
// across its clone family: an object state whose copyOnWriteOwner equals the
// space's cowKey is uniquely owned and may be mutated in place, anything else
// must be cloned through GetWriteable first.
//
// Invariant: for every bound state, state.copyOnWriteOwner <= cowKey.
type AddressSpace struct {
	objects *immutable.SortedMap // *MemoryObject -> *ObjectState

	cowKey uint32
	cowSeq *uint32 // shared clone-family counter

	complete bool
}

// NewAddressSpace returns a new, empty address space.
func NewAddressSpace() *AddressSpace {
	seq := uint32(1)
	return &AddressSpace{
		objects: immutable.NewSortedMap(&memoryObjectComparer{}),
		cowKey:  1,
		cowSeq:  &seq,
	}
}

// Clone returns a copy of the address space with a fresh, larger cowKey.
// The object map is shared structurally; no object state is copied. The
// source also takes a fresh cowKey, so neither side owns the states they now
// share and both must clone through GetWriteable before mutating them.
func (as *AddressSpace) Clone() *AddressSpace {
	as.cowKey = atomic.AddUint32(as.cowSeq, 1)
	return &AddressSpace{
		objects:  as.objects,
		cowKey:   atomic.AddUint32(as.cowSeq, 1),
		cowSeq:   as.cowSeq,
		complete: as.complete,
	}
}

// CowKey returns the copy-on-write stamp owned by this space.
func (as *AddressSpace) CowKey() uint32 { return as.cowKey }

// Len returns the number of bound objects.
func (as *AddressSpace) Len() int { return as.objects.Len() }

// Complete returns true if the space has exhaustively enumerated its
// bindings for the current query, with no lazy initialization pending.
func (as *AddressSpace) Complete() bool { return as.complete }

// MarkComplete records that all bindings have been enumerated.
func (as *AddressSpace) MarkComplete() { as.complete = true }

// Bind inserts or overwrites the binding for mo and takes ownership of os.
func (as *AddressSpace) Bind(mo *MemoryObject, os *ObjectState) {
	os.copyOnWriteOwner = as.cowKey
	as.objects = as.objects.Set(mo, os)
	as.complete = false
}

// Unbind removes the binding for mo.
func (as *AddressSpace) Unbind(mo *MemoryObject) {
	as.objects = as.objects.Delete(mo)
}

// Find returns the binding for mo.
func (as *AddressSpace) Find(mo *MemoryObject) (ObjectPair, bool) {
	if value, ok := as.objects.Get(mo); ok {
		return ObjectPair{Object: mo, State: value.(*ObjectState)}, true
	}
	return ObjectPair{}, false
}

// GetWriteable returns an object state for mo that this space may mutate.
// If the space already owns os it is returned as-is; otherwise os is cloned,
// stamped with this space's cowKey, and rebound. This is the sole sanctioned
// path to mutation.
func (as *AddressSpace) GetWriteable(mo *MemoryObject, os *ObjectState) *ObjectState {
	assert(os.copyOnWriteOwner <= as.cowKey, "object state owner %d ahead of space %d", os.copyOnWriteOwner, as.cowKey)
	if os.copyOnWriteOwner == as.cowKey {
		return os
	}

	other := os.Clone()
	other.copyOnWriteOwner = as.cowKey
	as.objects = as.objects.Set(mo, other)
	return other
}

// LazyInitialize creates, binds and returns a fully symbolic state for an
// object the engine has not materialized yet. The space can no longer claim
// exhaustive enumeration afterwards.
func (as *AddressSpace) LazyInitialize(mo *MemoryObject) ObjectPair {
	os := NewSymbolicObjectState(mo)
	as.Bind(mo, os)
	return ObjectPair{Object: mo, State: os}
}

// FindOrLazyInitialize returns the binding for mo, materializing a fully
// symbolic one on demand.
func (as *AddressSpace) FindOrLazyInitialize(mo *MemoryObject) ObjectPair {
	if pair, ok := as.Find(mo); ok {
		return pair
	}
	return as.LazyInitialize(mo)
}

// ResolveOne locates the unique object whose concrete address range contains
// address. Zero-sized and symbolically-sized objects are never returned.
func (as *AddressSpace) ResolveOne(address *ConstantExpr) (ObjectPair, bool) {
	return as.resolveConcrete(address.Value)
}

func (as *AddressSpace) resolveConcrete(addr uint64) (ObjectPair, bool) {
	// Seek to the first object at or after addr, then walk backwards until
	// the candidate ranges fall below the address.
	itr := as.objects.Iterator()
	if itr.Seek(&MemoryObject{Address: addr}); itr.Done() {
		itr.Last()
	}

	for !itr.Done() {
		k, v := itr.Prev()
		mo := k.(*MemoryObject)

		size, ok := mo.ConcreteSize()
		if ok && size > 0 && addr >= mo.Address && addr-mo.Address < size {
			return ObjectPair{Object: mo, State: v.(*ObjectState)}, true
		} else if ok && addr > mo.Address+size {
			break // address above allocation, exit
		}
	}
	return ObjectPair{}, false
}

// ResolveOneUnique attempts to narrow a symbolic pointer down to a single
// object: pick one concrete value, look up the object containing it, and ask
// the solver whether the pointer must stay inside that object. Ambiguity is
// reported via success=false so callers can escalate to Resolve; solver
// resource exhaustion is reported via incomplete.
func (as *AddressSpace) ResolveOneUnique(state *ExecutionState, solver Solver, ptr Expr) (result ObjectPair, success, incomplete bool) {
	if ptr, ok := ptr.(*ConstantExpr); ok {
		result, success = as.ResolveOne(ptr)
		return result, success, false
	}

	value, err := solver.Evaluate(state.Constraints(), ptr)
	if err != nil {
		return ObjectPair{}, false, IsSolverFailure(err)
	} else if value == nil {
		return ObjectPair{}, false, false // no satisfying assignment
	}

	pair, ok := as.resolveConcrete(value.Value)
	if !ok {
		return ObjectPair{}, false, false
	}

	must, err := solver.MustBeTrue(state.Constraints(), pair.Object.BoundsCheck(ptr))
	if err != nil {
		return ObjectPair{}, false, IsSolverFailure(err)
	} else if !must {
		return ObjectPair{}, false, false // ambiguous, caller falls back to Resolve
	}
	return pair, true, false
}

// Resolve enumerates all objects ptr may alias, in strictly increasing
// address order.
//
// maxResolutions of zero means no bound. The operation returns early with
// incomplete=true and the partial list accumulated so far when the bound is
// reached, the time budget is exceeded, the halt flag is observed, or the
// solver gives up.
func (as *AddressSpace) Resolve(state *ExecutionState, solver Solver, ptr Expr, maxResolutions int, timeout time.Duration, halt *atomic.Bool) (ResolutionList, bool) {
	start := time.Now()

	if ptr, ok := ptr.(*ConstantExpr); ok {
		if pair, ok := as.ResolveOne(ptr); ok {
			return ResolutionList{pair}, false
		}
		return nil, false
	}

	// Cheap concrete bounds restrict the scan window.
	min, max, err := solver.Range(state.Constraints(), ptr)
	if err != nil {
		return nil, true
	}

	var rl ResolutionList

	// An object containing min may start below it; check it first so the
	// list stays in address order.
	if pair, ok := as.resolveConcrete(min); ok && pair.Object.Address < min {
		res, incomplete := as.checkPointerInObject(state, solver, ptr, pair, &rl)
		if incomplete {
			return rl, true
		} else if res == ptrCheckUnique {
			return rl, false
		}
	}

	itr := as.objects.Iterator()
	itr.Seek(&MemoryObject{Address: min})
	for !itr.Done() {
		k, v := itr.Next()
		mo := k.(*MemoryObject)
		if mo.Address > max {
			break
		}
		if size, ok := mo.ConcreteSize(); ok && size == 0 {
			continue
		}

		pair := ObjectPair{Object: mo, State: v.(*ObjectState)}
		res, incomplete := as.checkPointerInObject(state, solver, ptr, pair, &rl)
		if incomplete {
			return rl, true
		} else if res == ptrCheckUnique {
			return rl, false
		}

		if maxResolutions > 0 && len(rl) >= maxResolutions {
			return rl, true
		} else if halt != nil && halt.Load() {
			return rl, true
		} else if timeout > 0 && time.Since(start) > timeout {
			return rl, true
		}
	}
	return rl, false
}

// checkPointerInObject asks the solver whether ptr can, or must, point into
// the candidate object. A maybe-candidate is appended to rl; a must-candidate
// replaces rl with itself and stops the search.
func (as *AddressSpace) checkPointerInObject(state *ExecutionState, solver Solver, ptr Expr, pair ObjectPair, rl *ResolutionList) (ptrCheck, bool) {
	inBounds := pair.Object.BoundsCheck(ptr)

	may, err := solver.MayBeTrue(state.Constraints(), inBounds)
	if err != nil {
		return ptrCheckNo, true
	} else if !may {
		return ptrCheckNo, false
	}

	must, err := solver.MustBeTrue(state.Constraints(), inBounds)
	if err != nil {
		*rl = append(*rl, pair)
		return ptrCheckMaybe, true
	} else if must {
		*rl = ResolutionList{pair}
		return ptrCheckUnique, false
	}

	*rl = append(*rl, pair)
	return ptrCheckMaybe, false
}

// CopyOutConcretes writes the concrete shadow of every binding to the
// external memory region, keyed by object address. Used before handing
// control to unmodeled native code.
func (as *AddressSpace) CopyOutConcretes(mem io.WriterAt) error {
	itr := as.objects.Iterator()
	for !itr.Done() {
		k, v := itr.Next()
		mo, os := k.(*MemoryObject), v.(*ObjectState)

		size, ok := mo.ConcreteSize()
		if !ok || size == 0 {
			continue
		}

		buf := make([]byte, size)
		os.concreteShadow(buf)
		if _, err := mem.WriteAt(buf, int64(mo.Address)); err != nil {
			return err
		}
	}
	return nil
}

// CopyInConcretes reads the external memory region back, rebinding any
// object whose bytes were changed by native code. Returns false if a
// read-only object was modified.
func (as *AddressSpace) CopyInConcretes(mem io.ReaderAt) (bool, error) {
	itr := as.objects.Iterator()
	for !itr.Done() {
		k, v := itr.Next()
		mo, os := k.(*MemoryObject), v.(*ObjectState)

		size, ok := mo.ConcreteSize()
		if !ok || size == 0 {
			continue
		}

		buf := make([]byte, size)
		if _, err := mem.ReadAt(buf, int64(mo.Address)); err != nil {
			return false, err
		}

		shadow := make([]byte, size)
		os.concreteShadow(shadow)
		if bytes.Equal(buf, shadow) {
			continue
		}
		if os.readOnly {
			return false, nil
		}

		wos := as.GetWriteable(mo, os)
		wos.setBytesConcrete(buf)
	}
	return true, nil
}
