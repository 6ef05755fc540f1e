package collcomm

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/require"
	"github.com/unixpickle/gradsync/tensor"
)

// RunTransportTests runs a battery of tests on the
// collectives of Comms over a Runner.
func RunTransportTests(t *testing.T, runner Runner) {
	for _, topo := range []Topology{{1, 1}, {2, 1}, {4, 2}, {6, 3}, {8, 4}, {5, 5}} {
		for _, shard := range []int{0, 1, 37} {
			name := fmt.Sprintf("World=%d,Local=%d,Shard=%d", topo.WorldSize, topo.LocalSize, shard)
			t.Run(name+"/ReduceScatter", func(t *testing.T) {
				testReduceScatter(t, runner, topo, shard)
			})
			t.Run(name+"/AllToAll", func(t *testing.T) {
				testAllToAll(t, runner, topo, shard)
			})
		}
		t.Run(fmt.Sprintf("World=%d,Local=%d/Hierarchical", topo.WorldSize, topo.LocalSize), func(t *testing.T) {
			testHierarchicalSequence(t, runner, topo)
		})
	}
}

func testReduceScatter(t *testing.T, runner Runner, topo Topology, shard int) {
	n := topo.WorldSize
	inputs := make([][]float32, n)
	sum := make([]float64, n*shard)
	for i := range inputs {
		inputs[i] = make([]float32, n*shard)
		for j := range inputs[i] {
			// Small integers keep the float32 sums exact.
			inputs[i][j] = float32(rand.Intn(33) - 16)
			sum[j] += float64(inputs[i][j])
		}
	}
	results := make([][]float32, n)
	err := runner(topo, func(c *Comms) error {
		input := tensor.FromFloat32s(dtypes.Float32, inputs[c.Rank()])
		// Reduce in place, into this rank's own shard.
		output := input.Narrow(c.Rank()*shard, shard)
		if err := c.ReduceScatter(input, output, nil); err != nil {
			return err
		}
		results[c.Rank()] = output.Float32s()
		return nil
	})
	require.NoError(t, err)
	for rank, res := range results {
		require.Len(t, res, shard)
		for j, x := range res {
			require.Equal(t, sum[rank*shard+j], float64(x), "rank %d element %d", rank, j)
		}
	}
}

func testAllToAll(t *testing.T, runner Runner, topo Topology, shard int) {
	n := topo.WorldSize
	results := make([][]byte, n)
	err := runner(topo, func(c *Comms) error {
		// Shard j of rank i is filled with the byte i*n+j.
		input := tensor.New(dtypes.Uint8, n*shard)
		for j, s := range input.Split(n) {
			for k := range s.Bytes() {
				s.Bytes()[k] = byte(c.Rank()*n + j)
			}
		}
		output := tensor.New(dtypes.Uint8, n*shard)
		if err := c.AllToAll(input, output, nil); err != nil {
			return err
		}
		results[c.Rank()] = output.Bytes()
		return nil
	})
	require.NoError(t, err)
	for rank, res := range results {
		require.Len(t, res, n*shard)
		for j := 0; j < n; j++ {
			for k := 0; k < shard; k++ {
				require.Equal(t, byte(j*n+rank), res[j*shard+k], "rank %d shard %d", rank, j)
			}
		}
	}
}

// testHierarchicalSequence issues collectives on several
// groups back to back, so that fast ranks send packets for
// later calls while slow ranks are still receiving.
func testHierarchicalSequence(t *testing.T, runner Runner, topo Topology) {
	groups, err := NewHierarchicalGroups(topo)
	require.NoError(t, err)
	results := make([][]float32, topo.WorldSize)
	err = runner(topo, func(c *Comms) error {
		local, err := groups.Resolve(Local(topo.NodeIndex(c.Rank())))
		if err != nil {
			return err
		}
		global, err := groups.Resolve(Global(topo.SlotIndex(c.Rank())))
		if err != nil {
			return err
		}
		x := tensor.Full(dtypes.Float32, float32(c.Rank()+1), topo.WorldSize)
		for round := 0; round < 3; round++ {
			localOut := tensor.New(dtypes.Float32, x.Numel()/topo.LocalSize)
			if err := c.ReduceScatter(x, localOut, local); err != nil {
				return err
			}
			globalOut := tensor.New(dtypes.Float32, localOut.Numel())
			if err := c.AllToAll(localOut, globalOut, global); err != nil {
				return err
			}
			x = tensor.Full(dtypes.Float32, globalOut.Float32s()[0], topo.WorldSize)
		}
		results[c.Rank()] = x.Float32s()
		return nil
	})
	require.NoError(t, err)

	// Each round replaces every value with the sum over the
	// ranks of node 0.
	values := make([]float64, topo.WorldSize)
	for i := range values {
		values[i] = float64(i + 1)
	}
	for round := 0; round < 3; round++ {
		sums := make([]float64, topo.NumNodes())
		for i, v := range values {
			sums[topo.NodeIndex(i)] += v
		}
		next := make([]float64, len(values))
		for i := range next {
			next[i] = sums[0]
		}
		values = next
	}
	for rank, res := range results {
		for _, x := range res {
			require.Equal(t, values[rank], float64(x), "rank %d", rank)
		}
	}
}
