package coalesced

import (
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/unixpickle/gradsync/collcomm"
	"github.com/unixpickle/gradsync/tensor"
	"k8s.io/klog/v2"
)

// AllToAllQuantReduce averages every buffer across all
// ranks and returns this rank's partition of each average,
// like ReduceScatterCoalesced on the world.
//
// Buffers with more than one dimension are quantized and
// reduced in two stages, first over the local group of
// this rank's node and then over the global group of its
// device slot, both resolved from groups. 1-D buffers are
// reduced one by one with ReduceScatterCoalesced.
//
// Results of the quantized path are approximate.
func (r *Reducer) AllToAllQuantReduce(tensors []*tensor.Tensor, groups *collcomm.GroupSet) ([]*tensor.Tensor, error) {
	var res []*tensor.Tensor
	err := catch(func() (err error) {
		res, err = r.allToAllQuantReduce(tensors, groups)
		return err
	})
	return res, err
}

func (r *Reducer) allToAllQuantReduce(tensors []*tensor.Tensor, groups *collcomm.GroupSet) ([]*tensor.Tensor, error) {
	klog.V(1).Infof("rank %d: quantized reduce of %d buffers", r.transport.Rank(), len(tensors))
	out := newOutputs(len(tensors))
	for i, t := range tensors {
		if t.Rank() == 1 {
			res, err := r.reduceScatter([]*tensor.Tensor{t}, nil)
			if err != nil {
				return nil, errors.Wrapf(err, "buffer %d", i)
			}
			out.set(i, res[0])
			continue
		}
		res, err := r.quantReduce(t, groups)
		if err != nil {
			return nil, errors.Wrapf(err, "buffer %d", i)
		}
		out.set(i, res)
	}
	return out.result()
}

func (r *Reducer) quantReduce(t *tensor.Tensor, groups *collcomm.GroupSet) (*tensor.Tensor, error) {
	if !t.IsFloat() {
		return nil, errors.Errorf("cannot average dtype %s", t.DType())
	}
	rank, world := r.transport.Rank(), r.transport.WorldSize()
	topo := collcomm.Topology{WorldSize: world, LocalSize: r.cfg.LocalWorldSize}
	if err := topo.Validate(); err != nil {
		return nil, errors.Wrap(ErrConfig, err.Error())
	}
	local, err := groups.Resolve(collcomm.Local(topo.NodeIndex(rank)))
	if err != nil {
		return nil, err
	}
	global, err := groups.Resolve(collcomm.Global(topo.SlotIndex(rank)))
	if err != nil {
		return nil, err
	}

	numel := t.Numel()
	aligned := alignedSize(numel, world)
	ceiling := r.cfg.MaxElemsPerIntraGroup
	key := GroupKey{Aligned: aligned, World: world, Ceiling: ceiling}
	intraGroups := r.cache.LookupOrCompute(key, func() int {
		return searchIntraGroups(aligned, world, ceiling)
	})
	if err := checkIntraGroups(intraGroups, aligned, numel, world, ceiling); err != nil {
		return nil, err
	}
	interGroups := intraGroups / topo.LocalSize
	if elems := aligned / intraGroups; elems > r.cfg.MaxElemsPerInterGroup {
		return nil, errors.Wrapf(ErrConfig, "%d elements per inter-node group exceeds the limit of %d",
			elems, r.cfg.MaxElemsPerInterGroup)
	}

	flat := r.alloc.Alloc(t.DType(), aligned)
	flat.Narrow(0, numel).CopyFrom(t.Flatten())

	bits, scheme := r.cfg.Bits, r.cfg.Scheme
	payload, scales, err := r.engine.SwizzleQuantize(flat, intraGroups, bits, scheme,
		topo.NumNodes(), topo.LocalSize)
	if err != nil {
		return nil, err
	}
	klog.V(2).Infof("rank %d: %s exchange of %d groups (%d payload bytes)", rank, local.Name,
		intraGroups, payload.Numel())
	payload, scales, err = r.exchange(payload, scales, local)
	if err != nil {
		return nil, err
	}

	payload, scales, err = r.engine.QuantizedReduce(payload, scales, aligned, intraGroups, interGroups,
		bits, scheme, topo.LocalSize)
	if err != nil {
		return nil, err
	}
	klog.V(2).Infof("rank %d: %s exchange of %d groups (%d payload bytes)", rank, global.Name,
		interGroups, payload.Numel())
	payload, scales, err = r.exchange(payload, scales, global)
	if err != nil {
		return nil, err
	}

	contributions, err := r.engine.Dequantize(payload, scales, aligned/topo.LocalSize, interGroups,
		bits, scheme)
	if err != nil {
		return nil, err
	}
	partition := aligned / world
	mean := tensor.Mean(r.alloc, t.DType(), contributions.Split(topo.NumNodes())...)
	if mean.Numel() != partition {
		return nil, errors.Wrapf(ErrAssertion, "reduced partition has %d elements, expected %d",
			mean.Numel(), partition)
	}
	return window(mean, numel, partition, rank), nil
}

// exchange runs an all-to-all of a payload and its scales.
func (r *Reducer) exchange(payload, scales *tensor.Tensor, g *collcomm.Group) (*tensor.Tensor, *tensor.Tensor, error) {
	outPayload := r.alloc.Alloc(dtypes.Uint8, payload.Numel())
	outScales := r.alloc.Alloc(scales.DType(), scales.Numel())
	if err := r.transport.AllToAll(payload, outPayload, g); err != nil {
		return nil, nil, err
	}
	if err := r.transport.AllToAll(scales, outScales, g); err != nil {
		return nil, nil, err
	}
	return outPayload, outScales, nil
}

// window cuts the real elements of rank's partition out
// of a padded buffer of numel elements.
//
// The rank holding the last real element may get fewer
// than partition elements, and ranks past it get none.
func window(reduced *tensor.Tensor, numel, partition, rank int) *tensor.Tensor {
	start := rank * partition
	if start >= numel {
		return reduced.Narrow(0, 0)
	}
	return reduced.Narrow(0, min(partition, numel-start))
}
