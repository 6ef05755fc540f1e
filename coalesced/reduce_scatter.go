package coalesced

import (
	"github.com/pkg/errors"
	"github.com/unixpickle/gradsync/collcomm"
	"github.com/unixpickle/gradsync/tensor"
	"k8s.io/klog/v2"
)

// ReduceScatterCoalesced averages every buffer across the
// ranks of g with one reduce-scatter, and returns this
// rank's partition of each average.
//
// A nil g means every rank. Partitions are ceil(n/size)
// elements long except at the end of a buffer, where they
// may be short or empty.
//
// If one buffer is passed and its size divides evenly,
// the reduction runs in place: the buffer is overwritten
// and the result is a view of it.
func (r *Reducer) ReduceScatterCoalesced(tensors []*tensor.Tensor, g *collcomm.Group) ([]*tensor.Tensor, error) {
	var res []*tensor.Tensor
	err := catch(func() (err error) {
		res, err = r.reduceScatter(tensors, g)
		return err
	})
	return res, err
}

func (r *Reducer) reduceScatter(tensors []*tensor.Tensor, g *collcomm.Group) ([]*tensor.Tensor, error) {
	if len(tensors) == 0 {
		return nil, nil
	}
	rank, err := r.transport.GroupRank(g)
	if err != nil {
		return nil, err
	}
	world := r.transport.GroupSize(g)

	dtype := tensors[0].DType()
	flats := make([]*tensor.Tensor, len(tensors))
	for i, t := range tensors {
		if t.DType() != dtype {
			return nil, errors.Errorf("reduce-scatter: buffer %d has dtype %s, expected %s", i, t.DType(), dtype)
		}
		if !t.IsFloat() {
			return nil, errors.Errorf("reduce-scatter: cannot average dtype %s", dtype)
		}
		flats[i] = t.Flatten()
	}

	var buf *tensor.Tensor
	inPlace := len(flats) == 1 && flats[0].Numel()%world == 0
	if inPlace {
		buf = flats[0]
	} else {
		buf = interleave(r.alloc, flats, world)
	}
	klog.V(1).Infof("rank %d: reduce-scatter of %d buffers over %d ranks (%d elements, in place: %v)",
		r.transport.Rank(), len(flats), world, buf.Numel(), inPlace)

	buf.Scale(1 / float64(world))
	shard := buf.Split(world)[rank]
	if err := r.transport.ReduceScatter(buf, shard, g); err != nil {
		return nil, err
	}
	return deinterleave(shard, flats, rank, world), nil
}
