package collcomm

import (
	"github.com/unixpickle/gradsync/simulator"
)

// simLink sends packets over a simulated network.
type simLink struct {
	handle  *simulator.Handle
	port    *simulator.Port
	ports   []*simulator.Port
	network simulator.Network
	rank    int
}

// SpawnComms creates a Comms for every node in a network
// and calls f for each node in its own Goroutine on the
// event loop.
//
// The rank of a node is its index in nodes.
func SpawnComms(loop *simulator.EventLoop, network simulator.Network, nodes []*simulator.Node,
	f func(c *Comms)) {
	ports := make([]*simulator.Port, len(nodes))
	for i, node := range nodes {
		ports[i] = node.Port(loop)
	}
	for i := range nodes {
		rank := i
		loop.Go(func(h *simulator.Handle) {
			f(NewComms(&simLink{
				handle:  h,
				port:    ports[rank],
				ports:   ports,
				network: network,
				rank:    rank,
			}))
		})
	}
}

func (s *simLink) Rank() int {
	return s.rank
}

func (s *simLink) Size() int {
	return len(s.ports)
}

func (s *simLink) Send(packets ...*Packet) error {
	msgs := make([]*simulator.Message, len(packets))
	for i, p := range packets {
		msgs[i] = &simulator.Message{
			Source:  s.port,
			Dest:    s.ports[p.Dst],
			Message: p,
			Size:    float64(p.WireSize()),
		}
	}
	if len(msgs) > 0 {
		s.network.Send(s.handle, msgs...)
	}
	return nil
}

func (s *simLink) Recv() (*Packet, error) {
	return s.port.Recv(s.handle).Message.(*Packet), nil
}

func (s *simLink) Compute(flops int) {
	s.handle.Sleep(FlopTime * float64(flops))
}
