package tensor

import (
	"encoding/binary"
	"math"

	"github.com/d4l3k/go-bfloat16"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/x448/float16"
	"gonum.org/v1/gonum/floats"
)

// IsFloat reports whether t holds floating-point values
// that support arithmetic.
func (t *Tensor) IsFloat() bool {
	switch t.dtype {
	case dtypes.Float32, dtypes.Float64, dtypes.Float16, dtypes.BFloat16:
		return true
	}
	return false
}

// Float64s decodes the elements of t.
func (t *Tensor) Float64s() []float64 {
	res := make([]float64, t.Numel())
	switch t.dtype {
	case dtypes.Float64:
		for i := range res {
			res[i] = math.Float64frombits(binary.LittleEndian.Uint64(t.buf[i*8:]))
		}
	default:
		for i, x := range t.Float32s() {
			res[i] = float64(x)
		}
	}
	return res
}

// SetFloat64s encodes values into t, rounding to the
// precision of t's dtype.
func (t *Tensor) SetFloat64s(values []float64) {
	t.checkLen(len(values))
	if t.dtype == dtypes.Float64 {
		for i, x := range values {
			binary.LittleEndian.PutUint64(t.buf[i*8:], math.Float64bits(x))
		}
		return
	}
	f32s := make([]float32, len(values))
	for i, x := range values {
		f32s[i] = float32(x)
	}
	t.SetFloat32s(f32s)
}

// Float32s decodes the elements of t.
func (t *Tensor) Float32s() []float32 {
	n := t.Numel()
	switch t.dtype {
	case dtypes.Float32:
		res := make([]float32, n)
		for i := range res {
			res[i] = math.Float32frombits(binary.LittleEndian.Uint32(t.buf[i*4:]))
		}
		return res
	case dtypes.Float64:
		res := make([]float32, n)
		for i := range res {
			res[i] = float32(math.Float64frombits(binary.LittleEndian.Uint64(t.buf[i*8:])))
		}
		return res
	case dtypes.Float16:
		res := make([]float32, n)
		for i := range res {
			res[i] = float16.Frombits(binary.LittleEndian.Uint16(t.buf[i*2:])).Float32()
		}
		return res
	case dtypes.BFloat16:
		return bfloat16.DecodeFloat32(t.buf)
	}
	exceptions.Panicf("Tensor%s.Float32s: dtype is not a float type", t)
	return nil
}

// SetFloat32s encodes values into t.
func (t *Tensor) SetFloat32s(values []float32) {
	t.checkLen(len(values))
	switch t.dtype {
	case dtypes.Float32:
		for i, x := range values {
			binary.LittleEndian.PutUint32(t.buf[i*4:], math.Float32bits(x))
		}
	case dtypes.Float64:
		for i, x := range values {
			binary.LittleEndian.PutUint64(t.buf[i*8:], math.Float64bits(float64(x)))
		}
	case dtypes.Float16:
		for i, x := range values {
			binary.LittleEndian.PutUint16(t.buf[i*2:], float16.Fromfloat32(x).Bits())
		}
	case dtypes.BFloat16:
		copy(t.buf, bfloat16.EncodeFloat32(values))
	default:
		exceptions.Panicf("Tensor%s.SetFloat32s: dtype is not a float type", t)
	}
}

// Scale multiplies every element of t by f in place.
func (t *Tensor) Scale(f float64) {
	values := t.Float64s()
	floats.Scale(f, values)
	t.SetFloat64s(values)
}

// AddInPlace adds src to dst elementwise.
func AddInPlace(dst, src *Tensor) {
	if dst.dtype != src.dtype || dst.Numel() != src.Numel() {
		exceptions.Panicf("tensor.AddInPlace(%s, %s): incompatible tensors", dst, src)
	}
	values := dst.Float64s()
	floats.Add(values, src.Float64s())
	dst.SetFloat64s(values)
}

// Mean computes the elementwise average of equally sized
// parts into a new tensor of dtype.
func Mean(alloc Allocator, dtype dtypes.DType, parts ...*Tensor) *Tensor {
	if len(parts) == 0 {
		exceptions.Panicf("tensor.Mean: no parts")
	}
	sum := make([]float64, parts[0].Numel())
	for _, p := range parts {
		if p.Numel() != len(sum) {
			exceptions.Panicf("tensor.Mean: part %s does not match length %d", p, len(sum))
		}
		floats.Add(sum, p.Float64s())
	}
	floats.Scale(1/float64(len(parts)), sum)
	res := alloc.Alloc(dtype, len(sum))
	res.SetFloat64s(sum)
	return res
}

// Convert copies t into a new tensor of another float
// dtype, keeping the shape.
func Convert(alloc Allocator, t *Tensor, dtype dtypes.DType) *Tensor {
	res := alloc.Alloc(dtype, t.Numel()).Reshape(t.shape...)
	res.SetFloat64s(t.Float64s())
	return res
}

func (t *Tensor) checkLen(n int) {
	if n != t.Numel() {
		exceptions.Panicf("Tensor%s: got %d values for %d elements", t, n, t.Numel())
	}
}
