package symtrace

import (
	"fmt"
	"sync/atomic"
)

// MemoryObject describes a single allocation. Objects are immutable once
// allocated; identity is the monotonically assigned ID, never the address.
// Two objects may overlap symbolically but never share an ID.
type MemoryObject struct {
	ID      uint64
	Address uint64 // concrete base address
	Size    Expr   // allocation size in bytes; usually constant, may be symbolic

	IsLocal    bool
	IsGlobal   bool
	IsReadOnly bool

	// AllocSite names the program location that performed the allocation.
	AllocSite string
}

// String returns a string representation of the object.
func (mo *MemoryObject) String() string {
	return fmt.Sprintf("(object #%d addr=%d size=%s)", mo.ID, mo.Address, mo.Size)
}

// BaseExpr returns the base address as a pointer-width constant.
func (mo *MemoryObject) BaseExpr() *ConstantExpr {
	return NewPointerConstantExpr(mo.Address)
}

// ConcreteSize returns the object size if it is concrete.
func (mo *MemoryObject) ConcreteSize() (uint64, bool) {
	if size, ok := mo.Size.(*ConstantExpr); ok {
		return size.Value, true
	}
	return 0, false
}

// ContainsConcrete returns true if addr falls within the object's concrete
// address range. Objects with symbolic sizes never contain concretely.
func (mo *MemoryObject) ContainsConcrete(addr uint64) bool {
	size, ok := mo.ConcreteSize()
	if !ok {
		return false
	}
	return addr >= mo.Address && addr-mo.Address < size
}

// BoundsCheck returns a boolean expression stating that ptr points within
// the object. The subtraction form handles wraparound in one comparison.
func (mo *MemoryObject) BoundsCheck(ptr Expr) Expr {
	offset := NewBinaryExpr(SUB, newZExtExpr(ptr, PointerWidth), mo.BaseExpr())
	return NewBinaryExpr(ULT, offset, newZExtExpr(mo.Size, PointerWidth))
}

// compareMemoryObjects orders objects by address with ID as tie-breaker.
// This is the total order the address space map relies on.
func compareMemoryObjects(a, b *MemoryObject) int {
	if cmp := compareUint(a.Address, b.Address); cmp != 0 {
		return cmp
	}
	return compareUint(a.ID, b.ID)
}

// memoryObjectComparer implements immutable.Comparer over *MemoryObject keys.
type memoryObjectComparer struct{}

func (c *memoryObjectComparer) Compare(a, b interface{}) int {
	return compareMemoryObjects(a.(*MemoryObject), b.(*MemoryObject))
}

// Allocator creates memory objects with unique ids and non-overlapping
// concrete addresses. MOs outlive every address space that references them,
// so the allocator never frees; unbinding an object from an address space is
// sufficient to retire it.
type Allocator struct {
	idSeq uint64 // last assigned id, atomic
	next  uint64 // next free concrete address, atomic
}

// allocBase keeps allocations away from the zero page.
const allocBase = 0x10000

// NewAllocator returns a new instance of Allocator.
func NewAllocator() *Allocator {
	return &Allocator{next: allocBase}
}

// Allocate returns a new object of the given concrete size.
func (a *Allocator) Allocate(size uint64, allocSite string) *MemoryObject {
	addr := atomic.AddUint64(&a.next, align8(size)) - align8(size)
	return a.AllocateAt(addr, size, allocSite)
}

// AllocateAt returns a new object at a caller-chosen address. Used for
// globals and for mirroring externally managed regions.
func (a *Allocator) AllocateAt(addr, size uint64, allocSite string) *MemoryObject {
	return &MemoryObject{
		ID:        atomic.AddUint64(&a.idSeq, 1),
		Address:   addr,
		Size:      NewConstantExpr64(size),
		AllocSite: allocSite,
	}
}

// AllocateLocal returns a new stack-local object.
func (a *Allocator) AllocateLocal(size uint64, allocSite string) *MemoryObject {
	mo := a.Allocate(size, allocSite)
	mo.IsLocal = true
	return mo
}

// AllocateGlobal returns a new global object, optionally read-only.
func (a *Allocator) AllocateGlobal(size uint64, allocSite string, readOnly bool) *MemoryObject {
	mo := a.Allocate(size, allocSite)
	mo.IsGlobal = true
	mo.IsReadOnly = readOnly
	return mo
}

// AllocateSymbolicSize returns a new object whose size is a symbolic
// expression. Such objects are only reachable through solver-backed
// resolution; the concrete fast path skips them.
func (a *Allocator) AllocateSymbolicSize(size Expr, reserve uint64, allocSite string) *MemoryObject {
	addr := atomic.AddUint64(&a.next, align8(reserve)) - align8(reserve)
	return &MemoryObject{
		ID:        atomic.AddUint64(&a.idSeq, 1),
		Address:   addr,
		Size:      size,
		AllocSite: allocSite,
	}
}

func align8(n uint64) uint64 {
	return (n + 7) &^ 7
}
