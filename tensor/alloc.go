package tensor

import (
	"sync/atomic"

	"github.com/gomlx/gopjrt/dtypes"
)

// An Allocator provides storage for intermediate and
// output tensors, standing in for device memory.
type Allocator interface {
	// Alloc returns a zero-filled 1-D tensor of n elements.
	Alloc(dtype dtypes.DType, n int) *Tensor
}

// HeapAllocator allocates tensors on the Go heap.
type HeapAllocator struct{}

// Alloc creates a new zero-filled tensor.
func (HeapAllocator) Alloc(dtype dtypes.DType, n int) *Tensor {
	return New(dtype, n)
}

// A CountingAllocator wraps another Allocator and records
// how many tensors and bytes it handed out.
type CountingAllocator struct {
	Allocator Allocator

	count atomic.Int64
	bytes atomic.Int64
}

// Alloc forwards to the wrapped Allocator, or to the heap
// if none is set.
func (c *CountingAllocator) Alloc(dtype dtypes.DType, n int) *Tensor {
	c.count.Add(1)
	c.bytes.Add(int64(n * elemSize(dtype)))
	if c.Allocator == nil {
		return New(dtype, n)
	}
	return c.Allocator.Alloc(dtype, n)
}

// Count returns the number of allocations so far.
func (c *CountingAllocator) Count() int {
	return int(c.count.Load())
}

// Bytes returns the total number of bytes allocated.
func (c *CountingAllocator) Bytes() int {
	return int(c.bytes.Load())
}
