// Package region implements the polymorphic memory-region model:
// component D of the verifier. A Pointee is a named block of memory
// (stack, fixed struct, dynamic buffer, map, simple resource, or the
// always-rejecting empty region) addressed through a Pointer. Regions
// form a graph that can be cyclic (a struct pointing back into the
// stack, say); rather than port Rust's Rc/RefCell cycle machinery,
// every region carries an Id and cloning works in two steps --
// SafeClone (a shallow copy that keeps the same Id) followed by Redirect
// (rewrite every inner pointer by looking its target Id up in a
// mapper) -- grounded on pointees/stack_region.rs's SafeClone impl
// and branch/vm.rs's Clone impl.
package region

import (
	"errors"

	"github.com/dylandreimerink/bpfverify/pkg/scalar"
)

// Id uniquely identifies a region within a single branch's region
// graph. Ids are never reused while a region is alive; 0 is never a
// valid live Id (regions start at Id 0 meaning "not yet registered").
type Id = uint32

// TrackedValue is either a Scalar or a Pointer, never both.
type TrackedValue struct {
	Scalar  *scalar.Scalar
	Pointer *Pointer
}

func FromScalar(s scalar.Scalar) TrackedValue  { return TrackedValue{Scalar: &s} }
func FromPointer(p Pointer) TrackedValue       { return TrackedValue{Pointer: &p} }
func (v TrackedValue) IsScalar() bool          { return v.Scalar != nil }
func (v TrackedValue) IsPointer() bool         { return v.Pointer != nil }

// IsValid reports whether the slot holds a tracked value at all; a
// zero TrackedValue means "uninitialized register" or "invalidated by
// a prior failed operation".
func (v TrackedValue) IsValid() bool { return v.Scalar != nil || v.Pointer != nil }

func (v TrackedValue) Clone() TrackedValue {
	if v.Scalar != nil {
		s := *v.Scalar
		return TrackedValue{Scalar: &s}
	}
	if v.Pointer != nil {
		p := *v.Pointer
		return TrackedValue{Pointer: &p}
	}
	return TrackedValue{}
}

// Error is the taxonomy of memory-access faults a region can report
// (spec §7's IllegalStateChange family for component D).
var (
	ErrOutOfBounds     = errors.New("access out of bounds")
	ErrMisaligned      = errors.New("misaligned access")
	ErrNotReadable     = errors.New("pointee is not readable at this offset")
	ErrNotWritable     = errors.New("pointee is not writable at this offset")
	ErrPointerExpected = errors.New("expected a pointer-typed slot")
	ErrScalarExpected  = errors.New("expected a scalar-typed slot")
	ErrUninitialized   = errors.New("read of an uninitialized slot")
	ErrMaybeNull       = errors.New("dereference of a pointer that may be null")
)

// Pointee is a memory region that can be read, written, cloned and
// have its internal pointers redirected after a clone.
type Pointee interface {
	Get(offset scalar.Scalar, size uint8) (TrackedValue, error)
	Set(offset scalar.Scalar, size uint8, value TrackedValue) error
	GetID() Id
	SetID(id Id)
	// SafeClone makes an independent, shallow copy: any pointer
	// fields inside still point at the *original* regions until
	// Redirect is called on the clone.
	SafeClone() Pointee
	// Redirect rewrites every inner pointer field using mapper,
	// which resolves an old region Id to its corresponding region in
	// the new graph.
	Redirect(mapper func(Id) (Pointee, bool))
}

// Attributes describes what a Pointer is allowed to do.
type Attributes uint8

const (
	NonNull Attributes = 1 << iota
	Mutable
	Readable
	Writable
)

// Common attribute combinations mirroring Pointer::nrwa / Pointer::nrw
// from pointer.rs: NonNull+Readable[+Writable][+Mutable(able to move its offset)].
const (
	AttrsReadOnlyFixed  = NonNull | Readable            // nrwa: read-only, offset fixed (e.g. r10)
	AttrsReadWrite      = NonNull | Readable | Writable | Mutable
	AttrsReadOnlyMobile = NonNull | Readable | Mutable
)

// Pointer is a typed reference into a Pointee, with an abstract
// scalar offset tracked the same way any other number is.
type Pointer struct {
	Attrs  Attributes
	Offset scalar.Scalar
	Region Pointee
}

func NewPointer(attrs Attributes, region Pointee) Pointer {
	return Pointer{Attrs: attrs, Offset: scalar.Const64(0), Region: region}
}

func (p Pointer) IsMutable() bool  { return p.Attrs&Mutable != 0 }
func (p Pointer) IsReadable() bool { return p.Attrs&Readable != 0 }
func (p Pointer) IsWritable() bool { return p.Attrs&Writable != 0 }
func (p Pointer) IsNonNull() bool  { return p.Attrs&NonNull != 0 }

// SetNonNull marks the pointer as known non-null in place, the
// refinement a successful null-check comparison applies to the
// "pointer is not zero" side of the fork.
func (p *Pointer) SetNonNull() { p.Attrs |= NonNull }

// IsPointingTo reports whether this pointer's region has the given
// Id; used to decide whether a deallocated resource invalidates it.
func (p Pointer) IsPointingTo(id Id) bool { return p.Region != nil && p.Region.GetID() == id }

func (p Pointer) GetPointingTo() Id {
	if p.Region == nil {
		return 0
	}
	return p.Region.GetID()
}

// Redirect swaps this pointer's region, used after a branch clone has
// produced independent region copies.
func (p *Pointer) Redirect(region Pointee) { p.Region = region }

// Add shifts the pointer's offset in place by delta, as BPF_ADD on a
// pointer-typed destination does; a pointer without Mutable is left
// unchanged.
func (p *Pointer) Add(delta scalar.Scalar) {
	if !p.IsMutable() {
		return
	}
	p.Offset.Add(delta)
}

func (p *Pointer) Sub(delta scalar.Scalar) {
	if !p.IsMutable() {
		return
	}
	p.Offset.Sub(delta)
}

// Difference computes dst - src as a Scalar when both pointers
// target the same region (pointer arithmetic between unrelated
// regions is not trackable and the caller should widen to Unknown).
func Difference(dst, src Pointer) (scalar.Scalar, bool) {
	if dst.Region == nil || src.Region == nil || dst.Region.GetID() != src.Region.GetID() {
		return scalar.Scalar{}, false
	}
	out := dst.Offset
	out.Sub(src.Offset)
	return out, true
}

// Get reads size bytes at the pointer's current offset plus extra,
// checking read permission first.
func (p Pointer) Get(extra int16, size uint8) (TrackedValue, error) {
	if !p.IsNonNull() {
		return TrackedValue{}, ErrMaybeNull
	}
	if !p.IsReadable() {
		return TrackedValue{}, ErrNotReadable
	}
	off := p.Offset
	off.Add(scalar.Const64(uint64(int64(extra))))
	return p.Region.Get(off, size)
}

// Set writes value at the pointer's current offset plus extra,
// checking write permission first.
func (p Pointer) Set(extra int16, size uint8, value TrackedValue) error {
	if !p.IsNonNull() {
		return ErrMaybeNull
	}
	if !p.IsWritable() {
		return ErrNotWritable
	}
	off := p.Offset
	off.Add(scalar.Const64(uint64(int64(extra))))
	return p.Region.Set(off, size, value)
}

// isAccessInRange is the bounds check shared by every fixed-size
// region variant: the access must fit entirely within [0, limit) and
// the offset must be a known constant (an unknown offset can't be
// soundly bounds-checked against a fixed limit).
func isAccessInRange(offset scalar.Scalar, size uint8, limit int) error {
	v, ok := offset.Value64()
	if !ok {
		return ErrOutOfBounds
	}
	start := int64(v)
	if start < 0 || start+int64(size) > int64(limit) {
		return ErrOutOfBounds
	}
	return nil
}
