package symtrace

import (
	"fmt"
)

// ObjectState holds the byte-level contents of one MemoryObject.
//
// Contents are a hybrid: a concrete shadow buffer for bytes known concretely,
// a sparse slice of symbolic byte expressions, and a bitmap marking which
// offsets are symbolic. Reads merge the two. Accesses at symbolic offsets
// flush the hybrid into the backing array's update list and the array becomes
// authoritative from then on.
//
// The copyOnWriteOwner stamp identifies the address space that may mutate
// this state in place; all other spaces must clone through GetWriteable.
type ObjectState struct {
	object *MemoryObject
	array  *Array // backing identity referenced by select expressions

	concretes      []byte // concrete shadow buffer
	knownSymbolics []Expr // symbolic byte at offset, nil when concrete
	symbolicMask   bitset

	flushed bool // array update list is authoritative

	copyOnWriteOwner uint32
	readOnly         bool
}

// NewObjectState returns a zero-filled state for mo.
// The object size must be concrete.
func NewObjectState(mo *MemoryObject) *ObjectState {
	size, ok := mo.ConcreteSize()
	assert(ok, "object state requires concrete size: %s", mo)

	return &ObjectState{
		object:         mo,
		array:          NewArray(mo.ID, size),
		concretes:      make([]byte, size),
		knownSymbolics: make([]Expr, size),
		symbolicMask:   newBitset(size),
		readOnly:       mo.IsReadOnly,
	}
}

// NewSymbolicObjectState returns a fully symbolic state for mo. Every byte
// reads as an unconstrained select over the backing array.
func NewSymbolicObjectState(mo *MemoryObject) *ObjectState {
	os := NewObjectState(mo)
	for i := uint64(0); i < os.Size(); i++ {
		os.knownSymbolics[i] = NewSelectExpr(os.array, NewConstantExpr64(i))
		os.symbolicMask.set(i)
	}
	return os
}

// Object returns the memory object this state belongs to.
func (os *ObjectState) Object() *MemoryObject { return os.object }

// Array returns the backing array identity.
func (os *ObjectState) Array() *Array { return os.array }

// Size returns the object size in bytes.
func (os *ObjectState) Size() uint64 { return uint64(len(os.concretes)) }

// IsReadOnly returns true if the underlying object is read-only.
func (os *ObjectState) IsReadOnly() bool { return os.readOnly }

// String returns a string representation of the state.
func (os *ObjectState) String() string {
	return fmt.Sprintf("(state %s owner=%d)", os.object, os.copyOnWriteOwner)
}

// Clone returns a copy of the state with an unbound COW owner.
func (os *ObjectState) Clone() *ObjectState {
	other := &ObjectState{
		object:         os.object,
		array:          os.array,
		concretes:      make([]byte, len(os.concretes)),
		knownSymbolics: make([]Expr, len(os.knownSymbolics)),
		symbolicMask:   os.symbolicMask.clone(),
		flushed:        os.flushed,
		readOnly:       os.readOnly,
	}
	copy(other.concretes, os.concretes)
	copy(other.knownSymbolics, os.knownSymbolics)
	return other
}

// Read returns an expression for width bits starting at offset.
// A concrete offset over concrete bytes folds to a constant.
func (os *ObjectState) Read(offset Expr, width uint, isLittleEndian bool) Expr {
	assert(width > 0, "read: invalid width")

	if os.flushed {
		return os.array.Select(offset, width, isLittleEndian)
	}

	coff, ok := offset.(*ConstantExpr)
	if !ok {
		os.flush()
		return os.array.Select(offset, width, isLittleEndian)
	}

	if width == WidthBool {
		return NewExtractExpr(os.readByte(coff.Value), 0, WidthBool)
	}

	var result Expr
	for i, n := uint64(0), uint64(width)/8; i != n; i++ {
		byteOffset := i
		if !isLittleEndian {
			byteOffset = n - i - 1
		}

		value := os.readByte(coff.Value + byteOffset)
		if i == 0 {
			result = value
		} else {
			result = NewConcatExpr(value, result)
		}
	}
	return result
}

// readByte returns the authoritative expression for one byte.
func (os *ObjectState) readByte(i uint64) Expr {
	assert(i < os.Size(), "read out of bounds: %d >= %d", i, os.Size())
	if os.symbolicMask.test(i) {
		return os.knownSymbolics[i]
	}
	return NewConstantExpr(uint64(os.concretes[i]), Width8)
}

// Write stores value at offset, marking affected bytes as potentially
// symbolic. Mutation must only happen on a state owned by the caller's
// address space; see AddressSpace.GetWriteable.
func (os *ObjectState) Write(offset Expr, value Expr, isLittleEndian bool) {
	width := ExprWidth(value)
	assert(width > 0, "write: invalid width")

	coff, ok := offset.(*ConstantExpr)
	if !ok {
		os.flush()
	}
	if os.flushed {
		os.array = os.array.Store(offset, value, isLittleEndian)
		return
	}

	if width == WidthBool {
		os.setByte(coff.Value, newZExtExpr(value, Width8))
		return
	}

	for i, n := uint64(0), uint64(width)/8; i != n; i++ {
		byteOffset := i
		if !isLittleEndian {
			byteOffset = n - i - 1
		}
		os.setByte(coff.Value+byteOffset, NewExtractExpr(value, uint(i*8), Width8))
	}
}

// setByte records one byte, routing constants to the concrete shadow.
func (os *ObjectState) setByte(i uint64, value Expr) {
	assert(i < os.Size(), "write out of bounds: %d >= %d", i, os.Size())
	if c, ok := value.(*ConstantExpr); ok {
		os.concretes[i] = byte(c.Value)
		os.knownSymbolics[i] = nil
		os.symbolicMask.clear(i)
		return
	}
	os.knownSymbolics[i] = value
	os.symbolicMask.set(i)
}

// flush pushes the hybrid contents into the backing array's update list.
// After flushing the array is authoritative for every byte.
func (os *ObjectState) flush() {
	if os.flushed {
		return
	}

	arr := os.array.Clone()
	for i := uint64(0); i < os.Size(); i++ {
		value := os.readByte(i)

		// A byte that still reads as its own initial array cell needs no update.
		if sel, ok := value.(*SelectExpr); ok && sel.Array == os.array {
			if index, ok := sel.Index.(*ConstantExpr); ok && index.Value == i {
				continue
			}
		}
		arr.storeByte(NewConstantExpr64(i), value)
	}
	os.array = arr
	os.flushed = true
}

// IsByteConcrete returns true if the byte at offset i is known concretely.
func (os *ObjectState) IsByteConcrete(i uint64) bool {
	if !os.flushed {
		return !os.symbolicMask.test(i)
	}
	_, ok := os.array.selectByte(NewConstantExpr64(i)).(*ConstantExpr)
	return ok
}

// IsFullyConcrete returns true if every byte is known concretely.
func (os *ObjectState) IsFullyConcrete() bool {
	if !os.flushed {
		return os.symbolicMask.empty()
	}
	return !os.array.IsSymbolic()
}

// concreteShadow copies the last known concrete value of every byte into buf.
// Symbolic bytes contribute their stale shadow value.
func (os *ObjectState) concreteShadow(buf []byte) {
	assert(uint64(len(buf)) == os.Size(), "shadow size mismatch")
	copy(buf, os.concretes)
	if os.flushed {
		for i := uint64(0); i < os.Size(); i++ {
			if c, ok := os.array.selectByte(NewConstantExpr64(i)).(*ConstantExpr); ok {
				buf[i] = byte(c.Value)
			}
		}
	}
}

// setBytesConcrete overwrites the contents with fully concrete bytes.
func (os *ObjectState) setBytesConcrete(buf []byte) {
	assert(uint64(len(buf)) == os.Size(), "concrete size mismatch")
	if os.flushed {
		arr := os.array.Clone()
		for i := range buf {
			arr.storeByte(NewConstantExpr64(uint64(i)), NewConstantExpr(uint64(buf[i]), Width8))
		}
		os.array = arr
	}
	copy(os.concretes, buf)
	for i := range buf {
		os.knownSymbolics[i] = nil
	}
	os.symbolicMask.clearAll()
}

// bitset is a fixed-size bitmap over byte offsets.
type bitset []uint64

func newBitset(n uint64) bitset {
	return make(bitset, (n+63)/64)
}

func (b bitset) set(i uint64)   { b[i/64] |= 1 << (i % 64) }
func (b bitset) clear(i uint64) { b[i/64] &^= 1 << (i % 64) }

func (b bitset) test(i uint64) bool { return b[i/64]&(1<<(i%64)) != 0 }

func (b bitset) clearAll() {
	for i := range b {
		b[i] = 0
	}
}

func (b bitset) empty() bool {
	for _, w := range b {
		if w != 0 {
			return false
		}
	}
	return true
}

func (b bitset) clone() bitset {
	other := make(bitset, len(b))
	copy(other, b)
	return other
}
