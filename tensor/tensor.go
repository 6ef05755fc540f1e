// Package tensor implements flat, byte-backed numeric
// buffers with a shape and a dtype.
//
// Tensors are the unit of data exchanged by collective
// operations. The raw byte storage makes it possible to
// measure exactly how much data goes over the wire.
package tensor

import (
	"fmt"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
)

// A Tensor is a contiguous array of elements laid out in
// row-major order.
//
// Views created with Flatten, Narrow and Chunk share the
// underlying storage with their parent.
type Tensor struct {
	dtype dtypes.DType
	shape []int
	buf   []byte
}

// New creates a zero-filled tensor.
func New(dtype dtypes.DType, dims ...int) *Tensor {
	checkDType(dtype)
	n := numel(dims)
	return &Tensor{
		dtype: dtype,
		shape: slices.Clone(dims),
		buf:   make([]byte, n*elemSize(dtype)),
	}
}

// FromBytes wraps raw storage without copying it.
func FromBytes(dtype dtypes.DType, data []byte, dims ...int) *Tensor {
	checkDType(dtype)
	if n := numel(dims); n*elemSize(dtype) != len(data) {
		exceptions.Panicf("tensor.FromBytes: %d bytes cannot hold %d elements of %s", len(data), n, dtype)
	}
	return &Tensor{dtype: dtype, shape: slices.Clone(dims), buf: data}
}

// FromFloat32s creates a tensor of the given float dtype
// holding values.
//
// If no dims are passed, the tensor is 1-D.
func FromFloat32s(dtype dtypes.DType, values []float32, dims ...int) *Tensor {
	if len(dims) == 0 {
		dims = []int{len(values)}
	}
	t := New(dtype, dims...)
	if t.Numel() != len(values) {
		exceptions.Panicf("tensor.FromFloat32s: %d values do not fit shape %v", len(values), dims)
	}
	t.SetFloat32s(values)
	return t
}

// Full creates a tensor where every element is v.
func Full(dtype dtypes.DType, v float32, dims ...int) *Tensor {
	t := New(dtype, dims...)
	values := make([]float32, t.Numel())
	for i := range values {
		values[i] = v
	}
	t.SetFloat32s(values)
	return t
}

// DType returns the element type.
func (t *Tensor) DType() dtypes.DType {
	return t.dtype
}

// Shape returns a copy of the dimensions.
func (t *Tensor) Shape() []int {
	return slices.Clone(t.shape)
}

// Rank is the number of dimensions.
func (t *Tensor) Rank() int {
	return len(t.shape)
}

// Numel is the total number of elements.
func (t *Tensor) Numel() int {
	return len(t.buf) / elemSize(t.dtype)
}

// ElemSize is the number of bytes per element.
func (t *Tensor) ElemSize() int {
	return elemSize(t.dtype)
}

// Bytes returns the raw storage of the tensor.
// Writes to the returned slice are visible through t.
func (t *Tensor) Bytes() []byte {
	return t.buf
}

// String describes the dtype and shape.
func (t *Tensor) String() string {
	return fmt.Sprintf("(%s)%v", t.dtype, t.shape)
}

// Flatten returns a 1-D view of t.
func (t *Tensor) Flatten() *Tensor {
	return &Tensor{dtype: t.dtype, shape: []int{t.Numel()}, buf: t.buf}
}

// Reshape returns a view of t with new dimensions holding
// the same number of elements.
func (t *Tensor) Reshape(dims ...int) *Tensor {
	if numel(dims) != t.Numel() {
		exceptions.Panicf("Tensor%s.Reshape(%v): element count mismatch", t, dims)
	}
	return &Tensor{dtype: t.dtype, shape: slices.Clone(dims), buf: t.buf}
}

// Narrow returns a 1-D view of length elements starting
// at element start of the flattened tensor.
func (t *Tensor) Narrow(start, length int) *Tensor {
	if start < 0 || length < 0 || start+length > t.Numel() {
		exceptions.Panicf("Tensor%s.Narrow(%d, %d) out of bounds", t, start, length)
	}
	size := t.ElemSize()
	return &Tensor{
		dtype: t.dtype,
		shape: []int{length},
		buf:   t.buf[start*size : (start+length)*size : (start+length)*size],
	}
}

// Chunk splits the flattened tensor into at most n views
// of ceil(Numel()/n) elements each; the last one may be
// shorter.
func (t *Tensor) Chunk(n int) []*Tensor {
	if n <= 0 {
		exceptions.Panicf("Tensor%s.Chunk(%d): n must be positive", t, n)
	}
	total := t.Numel()
	size := (total + n - 1) / n
	var res []*Tensor
	for start := 0; start < total; start += size {
		res = append(res, t.Narrow(start, min(size, total-start)))
	}
	return res
}

// Split cuts the flattened tensor into exactly n views of
// equal length. Numel() must be divisible by n.
func (t *Tensor) Split(n int) []*Tensor {
	if n <= 0 || t.Numel()%n != 0 {
		exceptions.Panicf("Tensor%s.Split(%d): not evenly divisible", t, n)
	}
	size := t.Numel() / n
	res := make([]*Tensor, n)
	for i := range res {
		res[i] = t.Narrow(i*size, size)
	}
	return res
}

// Clone copies t into new storage.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{dtype: t.dtype, shape: slices.Clone(t.shape), buf: slices.Clone(t.buf)}
}

// CopyFrom copies the elements of src into t.
// Both tensors must have the same dtype and element count.
func (t *Tensor) CopyFrom(src *Tensor) {
	if src.dtype != t.dtype || src.Numel() != t.Numel() {
		exceptions.Panicf("Tensor%s.CopyFrom(%s): incompatible tensors", t, src)
	}
	copy(t.buf, src.buf)
}

// Concat copies parts, in order, into one new 1-D tensor
// obtained from alloc.
func Concat(alloc Allocator, parts ...*Tensor) *Tensor {
	if len(parts) == 0 {
		exceptions.Panicf("tensor.Concat: no parts")
	}
	var total int
	for _, p := range parts {
		if p.dtype != parts[0].dtype {
			exceptions.Panicf("tensor.Concat: mixed dtypes %s and %s", parts[0].dtype, p.dtype)
		}
		total += p.Numel()
	}
	res := alloc.Alloc(parts[0].dtype, total)
	offset := 0
	for _, p := range parts {
		offset += copy(res.buf[offset:], p.buf)
	}
	return res
}

func numel(dims []int) int {
	n := 1
	for _, d := range dims {
		if d < 0 {
			exceptions.Panicf("tensor: negative dimension in %v", dims)
		}
		n *= d
	}
	return n
}

func elemSize(dtype dtypes.DType) int {
	return int(dtype.Memory())
}

func checkDType(dtype dtypes.DType) {
	switch dtype {
	case dtypes.Float32, dtypes.Float64, dtypes.Float16, dtypes.BFloat16, dtypes.Uint8:
	default:
		exceptions.Panicf("tensor: unsupported dtype %s", dtype)
	}
}
