package collcomm

import (
	"context"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/unixpickle/gradsync/simulator"
	"github.com/unixpickle/gradsync/tensor"
)

func TestCommsRandomNetwork(t *testing.T) {
	RunTransportTests(t, SimRunner(true))
}

func TestCommsSwitchedNetwork(t *testing.T) {
	RunTransportTests(t, SimRunner(false))
}

func TestCommsLocal(t *testing.T) {
	RunTransportTests(t, LocalRunner())
}

func TestCommsRing(t *testing.T) {
	t.Run("Random", func(t *testing.T) {
		RunTransportTests(t, WithAlgorithm(SimRunner(true), RingAlgorithm))
	})
	t.Run("Switched", func(t *testing.T) {
		RunTransportTests(t, WithAlgorithm(SimRunner(false), RingAlgorithm))
	})
	t.Run("Local", func(t *testing.T) {
		RunTransportTests(t, WithAlgorithm(LocalRunner(), RingAlgorithm))
	})
}

func TestRingTraffic(t *testing.T) {
	const size = 4
	loop := simulator.NewEventLoop()
	nodes := simulator.NewCluster(size, 1)
	meter := simulator.NewMeter(simulator.RandomNetwork{})
	err := RunSimulated(loop, meter, nodes, func(c *Comms) error {
		c.SetAlgorithm(RingAlgorithm)
		return c.ReduceScatter(tensor.New(dtypes.Float32, 8), tensor.New(dtypes.Float32, 2), nil)
	})
	require.NoError(t, err)
	// Each rank sends one shard in each of size-1 rounds,
	// like the direct algorithm.
	traffic := meter.Traffic()
	assert.Equal(t, size*(size-1), traffic.InterHostMessages)
	assert.Equal(t, float64(size*(size-1)*(8+headerSize)), traffic.InterHostBytes)
}

func TestCommsNotMember(t *testing.T) {
	for name, runner := range map[string]Runner{"Sim": SimRunner(true), "Local": LocalRunner()} {
		t.Run(name, func(t *testing.T) {
			topo := Topology{WorldSize: 4, LocalSize: 2}
			groups, err := NewHierarchicalGroups(topo)
			require.NoError(t, err)
			err = runner(topo, func(c *Comms) error {
				// Every rank uses the group of node 0.
				local, err := groups.Resolve(Local(0))
				if err != nil {
					return err
				}
				x := tensor.New(dtypes.Float32, 4)
				return c.ReduceScatter(x, tensor.New(dtypes.Float32, 2), local)
			})
			assert.True(t, errors.Is(err, ErrNotMember), "got %v", err)
		})
	}
}

func TestCommsBadShapes(t *testing.T) {
	topo := Topology{WorldSize: 3, LocalSize: 1}
	cases := map[string]func(c *Comms) error{
		"Indivisible": func(c *Comms) error {
			return c.ReduceScatter(tensor.New(dtypes.Float32, 4), tensor.New(dtypes.Float32, 1), nil)
		},
		"OutputSize": func(c *Comms) error {
			return c.ReduceScatter(tensor.New(dtypes.Float32, 6), tensor.New(dtypes.Float32, 3), nil)
		},
		"OutputDType": func(c *Comms) error {
			return c.AllToAll(tensor.New(dtypes.Float32, 6), tensor.New(dtypes.Float64, 6), nil)
		},
		"NotFloat": func(c *Comms) error {
			return c.ReduceScatter(tensor.New(dtypes.Uint8, 6), tensor.New(dtypes.Uint8, 2), nil)
		},
	}
	for name, f := range cases {
		t.Run(name, func(t *testing.T) {
			require.Error(t, LocalRunner()(topo, f))
		})
	}
}

func TestCommsMismatchedCalls(t *testing.T) {
	topo := Topology{WorldSize: 2, LocalSize: 1}
	err := SimRunner(true)(topo, func(c *Comms) error {
		x := tensor.New(dtypes.Float32, 2)
		if c.Rank() == 0 {
			return c.ReduceScatter(x, tensor.New(dtypes.Float32, 1), nil)
		}
		return nil
	})
	assert.True(t, errors.Is(err, simulator.ErrDeadlock), "got %v", err)
}

func TestRunLocalError(t *testing.T) {
	failure := errors.New("rank failed")
	err := RunLocal(context.Background(), 3, func(ctx context.Context, c *Comms) error {
		if c.Rank() == 1 {
			return failure
		}
		// The other ranks block until the context is
		// canceled.
		return c.AllToAll(tensor.New(dtypes.Uint8, 3), tensor.New(dtypes.Uint8, 3), nil)
	})
	assert.Equal(t, failure, err)
}

func TestLocalGroupTrafficStaysOnHost(t *testing.T) {
	topo := Topology{WorldSize: 4, LocalSize: 2}
	groups, err := NewHierarchicalGroups(topo)
	require.NoError(t, err)

	loop := simulator.NewEventLoop()
	nodes := simulator.NewCluster(topo.NumNodes(), topo.LocalSize)
	meter := simulator.NewMeter(simulator.RandomNetwork{})
	err = RunSimulated(loop, meter, nodes, func(c *Comms) error {
		local, err := groups.Resolve(Local(topo.NodeIndex(c.Rank())))
		if err != nil {
			return err
		}
		return c.ReduceScatter(tensor.New(dtypes.Float32, 8), tensor.New(dtypes.Float32, 4), local)
	})
	require.NoError(t, err)
	traffic := meter.Traffic()
	assert.Equal(t, 0, traffic.InterHostMessages)
	assert.Equal(t, 4, traffic.IntraHostMessages)
	assert.Equal(t, float64(4*(16+headerSize)), traffic.IntraHostBytes)
}
