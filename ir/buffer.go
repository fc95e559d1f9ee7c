// Package ir defines the interface boundary between graph lowering and the
// wrapper code generator: buffer descriptors, their storage layouts, and the
// per-program compilation context (Graph).
//
// Buffers are created and owned by the lowering pass; the code generator only
// reasons about their lifecycle. The generator therefore accepts the Buffer
// interface and never constructs storage itself.
package ir

import (
	"fmt"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/tensorir/wrapgen/sizevars"
)

// Device identifies where a buffer's storage lives.
type Device struct {
	Type    string
	Ordinal int
}

// String renders "cuda" for ordinal 0 and "cuda:1" otherwise, matching the
// device syntax of the generated allocation statements.
func (d Device) String() string {
	if d.Ordinal == 0 {
		return d.Type
	}
	return fmt.Sprintf("%s:%d", d.Type, d.Ordinal)
}

// Buffer describes one named storage slot for an intermediate value.
// The name is unique within a program and assigned once by lowering.
type Buffer interface {
	Name() string
	Device() Device
	DType() dtypes.DType
	Size() []sizevars.Expr
	Stride() []sizevars.Expr
	Layout() Layout
}

// Layout classifies how a buffer's storage relates to other buffers.
// It is a closed set: SimpleLayout, MutationLayout, AliasedLayout and
// MultiOutputLayout.
type Layout interface {
	isLayout()
}

// SimpleLayout is a buffer with its own storage, eligible for pooled reuse.
type SimpleLayout struct{}

// MutationLayout marks a buffer that overwrites Target's storage in place.
// The producing operation handles the storage; the generator emits nothing.
type MutationLayout struct {
	Target string
}

// AliasedLayout marks a buffer that shares storage with another buffer
// through a reinterpreting view.
type AliasedLayout struct {
	View *ReinterpretView
}

// MultiOutputLayout marks one of several results of a single producing
// operation. Its storage is multiply referenced, so it is never pooled.
type MultiOutputLayout struct {
	Producer string
}

func (SimpleLayout) isLayout() {}
func (MutationLayout) isLayout() {}
func (AliasedLayout) isLayout() {}
func (MultiOutputLayout) isLayout() {}

// ReinterpretView reinterprets Data's storage with a different size/stride.
type ReinterpretView struct {
	Data   Buffer
	Size   []sizevars.Expr
	Stride []sizevars.Expr
}

// Reference renders the view expression, e.g.
// "view(buf0, shape=[16], stride=[1])".
func (v *ReinterpretView) Reference(vars *sizevars.SizeVars) string {
	return fmt.Sprintf("view(%s, shape=%s, stride=%s)",
		v.Data.Name(), vars.ShapeTuple(v.Size), vars.ShapeTuple(v.Stride))
}

// Reference returns the expression by which a buffer's value is read after
// the program body: the view expression for aliased buffers, otherwise the
// buffer name itself.
func Reference(b Buffer, vars *sizevars.SizeVars) string {
	if layout, ok := b.Layout().(AliasedLayout); ok {
		return layout.View.Reference(vars)
	}
	return b.Name()
}

// ContiguousStrides returns the row-major strides for the given size, with
// symbolic dimensions kept symbolic.
func ContiguousStrides(size []sizevars.Expr) []sizevars.Expr {
	strides := make([]sizevars.Expr, len(size))
	stride := sizevars.One()
	for axis := len(size) - 1; axis >= 0; axis-- {
		strides[axis] = stride
		stride = sizevars.Mul(stride, size[axis])
	}
	return strides
}

// StaticBuffer is the plain-struct Buffer used by lowering and by tests.
type StaticBuffer struct {
	name   string
	device Device
	dtype  dtypes.DType
	size   []sizevars.Expr
	stride []sizevars.Expr
	layout Layout
}

// Compile-time check:
var _ Buffer = (*StaticBuffer)(nil)

// NewBuffer creates a SimpleLayout buffer. If stride is nil, row-major
// contiguous strides are derived from size.
func NewBuffer(name string, device Device, dtype dtypes.DType, size, stride []sizevars.Expr) *StaticBuffer {
	if stride == nil {
		stride = ContiguousStrides(size)
	}
	return &StaticBuffer{
		name:   name,
		device: device,
		dtype:  dtype,
		size:   size,
		stride: stride,
		layout: SimpleLayout{},
	}
}

// WithLayout sets the buffer's layout and returns the buffer, for chaining.
func (b *StaticBuffer) WithLayout(layout Layout) *StaticBuffer {
	b.layout = layout
	return b
}

func (b *StaticBuffer) Name() string { return b.name }
func (b *StaticBuffer) Device() Device { return b.device }
func (b *StaticBuffer) DType() dtypes.DType { return b.dtype }
func (b *StaticBuffer) Size() []sizevars.Expr { return b.size }
func (b *StaticBuffer) Stride() []sizevars.Expr { return b.stride }
func (b *StaticBuffer) Layout() Layout { return b.layout }

// String implements fmt.Stringer for error messages and logs.
func (b *StaticBuffer) String() string {
	return fmt.Sprintf("%s(%s, %v)", b.name, b.dtype, b.size)
}
