package coalesced

import "github.com/unixpickle/gradsync/tensor"

// alignedSize rounds numel up to a multiple of world.
func alignedSize(numel, world int) int {
	return chunkSize(numel, world) * world
}

// chunkSize is the padded partition length of a buffer.
func chunkSize(numel, world int) int {
	return (numel + world - 1) / world
}

// partitionLen is the number of real elements of a
// buffer in the partition of rank. Only the partition
// holding the last element may be short, and the ones
// after it are empty.
func partitionLen(numel, world, rank int) int {
	chunk := chunkSize(numel, world)
	return max(0, min(chunk, numel-rank*chunk))
}

// interleave lays out the partitions of every buffer rank
// by rank, padding each partition with zeros to its
// buffer's chunk size.
func interleave(alloc tensor.Allocator, flats []*tensor.Tensor, world int) *tensor.Tensor {
	var stride int
	for _, f := range flats {
		stride += chunkSize(f.Numel(), world)
	}
	res := alloc.Alloc(flats[0].DType(), stride*world)
	offset := 0
	for rank := 0; rank < world; rank++ {
		for _, f := range flats {
			chunk := chunkSize(f.Numel(), world)
			n := partitionLen(f.Numel(), world, rank)
			if n > 0 {
				res.Narrow(offset, n).CopyFrom(f.Narrow(rank*chunk, n))
			}
			offset += chunk
		}
	}
	return res
}

// deinterleave cuts the real elements of each buffer out
// of the reduced shard of rank.
func deinterleave(shard *tensor.Tensor, flats []*tensor.Tensor, rank, world int) []*tensor.Tensor {
	res := make([]*tensor.Tensor, len(flats))
	offset := 0
	for i, f := range flats {
		res[i] = shard.Narrow(offset, partitionLen(f.Numel(), world, rank))
		offset += chunkSize(f.Numel(), world)
	}
	return res
}
