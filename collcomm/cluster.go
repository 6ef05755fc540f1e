package collcomm

import (
	"context"

	"github.com/unixpickle/gradsync/simulator"
)

// A Runner runs f once for every rank of a topology, with
// all ranks running at the same time, and returns the
// first error any rank produced.
type Runner func(topo Topology, f func(c *Comms) error) error

// SimRunner runs ranks on a simulated cluster.
//
// If randomized is true, messages arrive after random
// delays. Otherwise the cluster is switched with fast
// links inside a node and slower NICs between nodes.
func SimRunner(randomized bool) Runner {
	return func(topo Topology, f func(c *Comms) error) error {
		if err := topo.Validate(); err != nil {
			return err
		}
		nodes := simulator.NewCluster(topo.NumNodes(), topo.LocalSize)
		var network simulator.Network
		if randomized {
			network = simulator.RandomNetwork{}
		} else {
			switcher := &simulator.TopologySwitcher{
				PerHost:   topo.LocalSize,
				IntraRate: 1e10,
				InterRate: 1e9,
			}
			network = simulator.NewSwitcherNetwork(switcher, len(nodes), 1e-5)
		}
		return RunSimulated(simulator.NewEventLoop(), network, nodes, f)
	}
}

// RunSimulated runs f for every node on loop and waits
// for the loop to finish.
//
// An error returned by a rank takes precedence over the
// deadlock it is likely to cause in the other ranks.
func RunSimulated(loop *simulator.EventLoop, network simulator.Network, nodes []*simulator.Node,
	f func(c *Comms) error) error {
	errs := make(chan error, len(nodes))
	SpawnComms(loop, network, nodes, func(c *Comms) {
		if err := f(c); err != nil {
			errs <- err
		}
	})
	loopErr := loop.Run()
	select {
	case err := <-errs:
		return err
	default:
		return loopErr
	}
}

// LocalRunner runs ranks in-process with RunLocal.
func LocalRunner() Runner {
	return func(topo Topology, f func(c *Comms) error) error {
		if err := topo.Validate(); err != nil {
			return err
		}
		return RunLocal(context.Background(), topo.WorldSize, func(_ context.Context, c *Comms) error {
			return f(c)
		})
	}
}
