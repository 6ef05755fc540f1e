package collcomm

import (
	"github.com/pkg/errors"
	"github.com/unixpickle/gradsync/tensor"
	"gonum.org/v1/gonum/floats"
)

// An Algorithm selects how Comms implements ReduceScatter.
type Algorithm int

const (
	// DirectAlgorithm sends every shard straight to its
	// owner, which sums all of them in group order.
	DirectAlgorithm Algorithm = iota

	// RingAlgorithm passes partial sums around the group
	// in size-1 rounds. Each rank only talks to its ring
	// neighbors, so no link carries more than one shard
	// per round.
	RingAlgorithm
)

func (a Algorithm) String() string {
	if a == RingAlgorithm {
		return "ring"
	}
	return "direct"
}

// SetAlgorithm changes the reduce-scatter algorithm. All
// members of a group must use the same one.
func (c *Comms) SetAlgorithm(a Algorithm) {
	c.algorithm = a
}

// WithAlgorithm wraps a Runner so that every Comms uses
// the given algorithm.
func WithAlgorithm(runner Runner, a Algorithm) Runner {
	return func(topo Topology, f func(c *Comms) error) error {
		return runner(topo, func(c *Comms) error {
			c.SetAlgorithm(a)
			return f(c)
		})
	}
}

// ringReduceScatter leaves the sum of shard me in output.
//
// In round k, member i sends its partial sum of shard
// i-k-1 to member i+1 and adds its own data to the partial
// sum of shard i-k-2 received from member i-1.
func (c *Comms) ringReduceScatter(g *Group, me int, tag string, seq int, shards []*tensor.Tensor,
	output *tensor.Tensor) error {
	n := len(g.Ranks)
	next, prev := g.Ranks[(me+1)%n], g.Ranks[(me+n-1)%n]
	shard := shards[0].Numel()
	dtype := shards[0].DType()

	partial := shards[(me+n-1)%n].Float64s()
	for step := 0; step < n-1; step++ {
		out := tensor.New(dtype, shard)
		out.SetFloat64s(partial)
		err := c.link.Send(&Packet{
			Tag:  tag,
			Seq:  seq,
			Step: step,
			Src:  c.Rank(),
			Dst:  next,
			Data: out.Bytes(),
		})
		if err != nil {
			return errors.Wrapf(err, "send %s", callKey{tag, seq, step})
		}

		key := callKey{tag, seq, step}
		err = c.receive(key, 1, func(p *Packet) error {
			if p.Src != prev || len(p.Data) != len(out.Bytes()) {
				return errors.Errorf("%s: unexpected packet of %d bytes from rank %d", key, len(p.Data), p.Src)
			}
			partial = tensor.FromBytes(dtype, p.Data, shard).Float64s()
			return nil
		})
		if err != nil {
			return err
		}
		floats.Add(partial, shards[(me-step-2+2*n)%n].Float64s())
		c.link.Compute(shard)
	}
	output.SetFloat64s(partial)
	return nil
}
