// Package collcomm implements collective communication
// primitives on top of point-to-point links.
package collcomm

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/unixpickle/essentials"
	"github.com/unixpickle/gradsync/tensor"
	"gonum.org/v1/gonum/floats"
	"k8s.io/klog/v2"
)

// FlopTime is the amount of virtual time it takes to
// perform a single floating-point operation.
const FlopTime = 1e-9

// A Transport runs collective operations for one rank.
//
// Every member of a group must issue the same collectives
// on that group in the same order, or the calls block
// forever.
type Transport interface {
	// Rank is the world rank of the caller.
	Rank() int

	// WorldSize is the number of ranks.
	WorldSize() int

	// GroupRank is the caller's rank within g.
	GroupRank(g *Group) (int, error)

	// GroupSize is the number of ranks in g.
	GroupSize(g *Group) int

	// ReduceScatter sums input across the members of g and
	// stores shard i of the sum in member i's output.
	//
	// The input is split into GroupSize(g) contiguous
	// shards of equal length; output may alias the
	// caller's own shard of input.
	ReduceScatter(input, output *tensor.Tensor, g *Group) error

	// AllToAll sends shard i of input to member i, and
	// stores the shard received from member j in shard j
	// of output.
	AllToAll(input, output *tensor.Tensor, g *Group) error
}

// A Packet is the unit of data exchanged over a Link.
type Packet struct {
	// Tag identifies the collective call: the group name
	// and the call's sequence number on that group.
	Tag string
	Seq int

	// Step orders the rounds of multi-round algorithms.
	Step int

	Src  int
	Dst  int
	Data []byte
}

// headerSize is the number of bytes a packet adds on the
// wire in addition to its data.
const headerSize = 16

// WireSize is the number of bytes the packet occupies on a
// network.
func (p *Packet) WireSize() int {
	return len(p.Data) + headerSize
}

// A Link moves packets between ranks.
type Link interface {
	Rank() int
	Size() int

	// Send delivers packets asynchronously.
	Send(packets ...*Packet) error

	// Recv blocks until the next packet for this rank
	// arrives, in any order.
	Recv() (*Packet, error)

	// Compute accounts for local arithmetic.
	Compute(flops int)
}

// Comms implements Transport on top of a Link.
//
// Packets that belong to a later collective than the one
// in progress are parked in a mailbox, so one Comms can
// run any number of collectives back to back on several
// groups. A Comms must only be used by one Goroutine.
type Comms struct {
	link      Link
	algorithm Algorithm
	seqs      map[string]int
	pending   []*Packet
}

// NewComms creates a Comms for the rank behind link.
func NewComms(link Link) *Comms {
	return &Comms{link: link, seqs: map[string]int{}}
}

// Rank returns the world rank of this endpoint.
func (c *Comms) Rank() int {
	return c.link.Rank()
}

// WorldSize returns the number of ranks.
func (c *Comms) WorldSize() int {
	return c.link.Size()
}

// GroupRank returns this rank's index in g.
func (c *Comms) GroupRank(g *Group) (int, error) {
	g = c.resolve(g)
	for _, r := range g.Ranks {
		if r < 0 || r >= c.WorldSize() {
			return 0, errors.Errorf("group %q: rank %d outside world of size %d", g.Name, r, c.WorldSize())
		}
	}
	idx := g.IndexOf(c.Rank())
	if idx < 0 {
		return 0, errors.Wrapf(ErrNotMember, "rank %d, group %q", c.Rank(), g.Name)
	}
	return idx, nil
}

// GroupSize returns the number of ranks in g.
func (c *Comms) GroupSize(g *Group) int {
	return len(c.resolve(g).Ranks)
}

// ReduceScatter sums input across g and scatters the
// shards of the result.
func (c *Comms) ReduceScatter(input, output *tensor.Tensor, g *Group) error {
	g = c.resolve(g)
	me, err := c.GroupRank(g)
	if err != nil {
		return err
	}
	n := len(g.Ranks)
	if input.Numel()%n != 0 {
		return errors.Errorf("reduce-scatter on %q: %d elements do not split into %d shards",
			g.Name, input.Numel(), n)
	}
	shard := input.Numel() / n
	if err := checkOutput(input, output, shard, "reduce-scatter"); err != nil {
		return err
	}
	if !input.IsFloat() {
		return errors.Errorf("reduce-scatter on %q: cannot sum dtype %s", g.Name, input.DType())
	}
	if n == 1 {
		output.CopyFrom(input)
		return nil
	}

	shards := input.Split(n)
	tag, seq := c.nextTag(g)
	klog.V(2).Infof("rank %d: %s reduce-scatter %s#%d over %d ranks (%d bytes)",
		c.Rank(), c.algorithm, tag, seq, n, len(input.Bytes()))
	if c.algorithm == RingAlgorithm {
		return c.ringReduceScatter(g, me, tag, seq, shards, output)
	}
	if err := c.scatter(g, me, tag, seq, shards); err != nil {
		return err
	}
	received, err := c.gather(g, me, callKey{tag, seq, 0}, len(shards[me].Bytes()))
	if err != nil {
		return err
	}

	// Sum in group order so every run gives the same
	// rounding, whatever order packets arrived in.
	sum := make([]float64, shard)
	for i := 0; i < n; i++ {
		part := shards[me]
		if i != me {
			part = tensor.FromBytes(input.DType(), received[i], shard)
		}
		floats.Add(sum, part.Float64s())
	}
	c.link.Compute(n * shard)
	output.SetFloat64s(sum)
	return nil
}

// AllToAll exchanges one shard of input with every member
// of g.
func (c *Comms) AllToAll(input, output *tensor.Tensor, g *Group) error {
	g = c.resolve(g)
	me, err := c.GroupRank(g)
	if err != nil {
		return err
	}
	n := len(g.Ranks)
	if input.Numel()%n != 0 {
		return errors.Errorf("all-to-all on %q: %d elements do not split into %d shards",
			g.Name, input.Numel(), n)
	}
	if err := checkOutput(input, output, input.Numel(), "all-to-all"); err != nil {
		return err
	}

	shards := input.Split(n)
	tag, seq := c.nextTag(g)
	klog.V(2).Infof("rank %d: all-to-all %s#%d over %d ranks (%d bytes)",
		c.Rank(), tag, seq, n, len(input.Bytes()))
	if err := c.scatter(g, me, tag, seq, shards); err != nil {
		return err
	}
	received, err := c.gather(g, me, callKey{tag, seq, 0}, len(shards[me].Bytes()))
	if err != nil {
		return err
	}
	outShards := output.Split(n)
	for i, dst := range outShards {
		if i == me {
			copy(dst.Bytes(), shards[me].Bytes())
		} else {
			copy(dst.Bytes(), received[i])
		}
	}
	return nil
}

func (c *Comms) resolve(g *Group) *Group {
	if g != nil {
		return g
	}
	ranks := make([]int, c.WorldSize())
	for i := range ranks {
		ranks[i] = i
	}
	return &Group{Name: "world", Ranks: ranks}
}

func (c *Comms) nextTag(g *Group) (string, int) {
	seq := c.seqs[g.Name]
	c.seqs[g.Name] = seq + 1
	return g.Name, seq
}

// scatter sends shard i to member i, skipping ourselves.
// The data is copied, since the caller may overwrite its
// buffers before the packets are read.
func (c *Comms) scatter(g *Group, me int, tag string, seq int, shards []*tensor.Tensor) error {
	packets := make([]*Packet, 0, len(shards)-1)
	for i, shard := range shards {
		if i == me {
			continue
		}
		packets = append(packets, &Packet{
			Tag:  tag,
			Seq:  seq,
			Src:  c.Rank(),
			Dst:  g.Ranks[i],
			Data: append([]byte{}, shard.Bytes()...),
		})
	}
	if err := c.link.Send(packets...); err != nil {
		return errors.Wrapf(err, "send %s#%d", tag, seq)
	}
	return nil
}

// callKey identifies the packets of one round of a
// collective.
type callKey struct {
	tag  string
	seq  int
	step int
}

func (k callKey) String() string {
	return fmt.Sprintf("%s#%d.%d", k.tag, k.seq, k.step)
}

// gather receives one packet of the given round from every
// other member, indexed by group rank.
func (c *Comms) gather(g *Group, me int, key callKey, size int) ([][]byte, error) {
	res := make([][]byte, len(g.Ranks))
	remaining := len(g.Ranks) - 1
	err := c.receive(key, remaining, func(p *Packet) error {
		idx := g.IndexOf(p.Src)
		if idx < 0 || idx == me || res[idx] != nil {
			return errors.Errorf("%s: unexpected packet from rank %d", key, p.Src)
		}
		if len(p.Data) != size {
			return errors.Errorf("%s: rank %d sent %d bytes, expected %d", key, p.Src, len(p.Data), size)
		}
		res[idx] = p.Data
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// receive passes count packets of a round to handle,
// taking them from the mailbox first and parking packets
// of other rounds there.
func (c *Comms) receive(key callKey, count int, handle func(p *Packet) error) error {
	matches := func(p *Packet) bool {
		return p.Tag == key.tag && p.Seq == key.seq && p.Step == key.step
	}
	for i := 0; i < len(c.pending) && count > 0; i++ {
		if p := c.pending[i]; matches(p) {
			essentials.OrderedDelete(&c.pending, i)
			i--
			count--
			if err := handle(p); err != nil {
				return err
			}
		}
	}
	for count > 0 {
		p, err := c.link.Recv()
		if err != nil {
			return errors.Wrapf(err, "receive %s", key)
		}
		if !matches(p) {
			c.pending = append(c.pending, p)
			continue
		}
		count--
		if err := handle(p); err != nil {
			return err
		}
	}
	return nil
}

func checkOutput(input, output *tensor.Tensor, numel int, op string) error {
	if output.DType() != input.DType() {
		return errors.Errorf("%s: output dtype %s does not match input dtype %s", op, output.DType(), input.DType())
	}
	if output.Numel() != numel {
		return errors.Errorf("%s: output has %d elements, expected %d", op, output.Numel(), numel)
	}
	return nil
}
