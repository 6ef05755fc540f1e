package coalesced

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/unixpickle/gradsync/tensor"
)

func TestPartitionLen(t *testing.T) {
	var lengths []int
	for rank := 0; rank < 8; rank++ {
		lengths = append(lengths, partitionLen(17, 8, rank))
	}
	assert.Equal(t, []int{3, 3, 3, 3, 3, 2, 0, 0}, lengths)
	assert.Equal(t, 24, alignedSize(17, 8))
	assert.Equal(t, 16, alignedSize(16, 8))
	assert.Equal(t, 0, partitionLen(0, 3, 0))
}

func TestInterleaveRoundTrip(t *testing.T) {
	const world = 4
	sizes := []int{10, 3, 8, 0, 1}
	var flats []*tensor.Tensor
	for _, size := range sizes {
		values := make([]float32, size)
		for i := range values {
			values[i] = float32(len(flats)*100 + i + 1)
		}
		flats = append(flats, tensor.FromFloat32s(dtypes.Float32, values))
	}
	alloc := &tensor.CountingAllocator{}
	buf := interleave(alloc, flats, world)
	assert.Equal(t, 1, alloc.Count())
	// Chunks are 3, 1, 2, 0 and 1 elements.
	require.Equal(t, 7*world, buf.Numel())

	for rank, shard := range buf.Split(world) {
		parts := deinterleave(shard, flats, rank, world)
		require.Len(t, parts, len(flats))
		for i, f := range flats {
			chunk := chunkSize(f.Numel(), world)
			n := partitionLen(f.Numel(), world, rank)
			require.Equal(t, n, parts[i].Numel(), "rank %d buffer %d", rank, i)
			if n > 0 {
				assert.Equal(t, f.Narrow(rank*chunk, n).Float32s(), parts[i].Float32s())
			}
		}
	}

	// The tail of the first buffer is padded with zeros.
	last := buf.Split(world)[3].Float32s()
	assert.Equal(t, []float32{10, 0, 0}, last[:3])
}
