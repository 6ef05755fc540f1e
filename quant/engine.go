package quant

import "github.com/unixpickle/gradsync/tensor"

// An Engine implements the quantization kernels used by
// hierarchical reductions.
//
// Payloads are Uint8 tensors holding groups of packed
// integers, and scales are Float32 tensors holding
// Scheme.ScalesPerGroup() values per group, in the same
// group order as the payload.
type Engine interface {
	// SwizzleQuantize quantizes x in groups, reordering the
	// partitions of x so that an all-to-all within a node
	// sends each device the partitions that it and its
	// peers on other nodes are responsible for.
	//
	// x is split into nodes*devicesPerNode partitions.
	// Partition n*devicesPerNode+j is stored in position
	// j*nodes+n of the output.
	SwizzleQuantize(x *tensor.Tensor, groups, bits int, scheme Scheme,
		nodes, devicesPerNode int) (payload, scales *tensor.Tensor, err error)

	// QuantizedReduce averages devicesPerNode equally sized
	// quantized shards of numel elements in total, and
	// quantizes the result again with outGroups groups.
	QuantizedReduce(payload, scales *tensor.Tensor, numel, inGroups, outGroups, bits int,
		scheme Scheme, devicesPerNode int) (outPayload, outScales *tensor.Tensor, err error)

	// Dequantize decodes numel float32 values from groups
	// groups.
	Dequantize(payload, scales *tensor.Tensor, numel, groups, bits int,
		scheme Scheme) (*tensor.Tensor, error)
}
