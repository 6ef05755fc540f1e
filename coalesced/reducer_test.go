package coalesced

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/unixpickle/gradsync/collcomm"
	"github.com/unixpickle/gradsync/quant"
	"github.com/unixpickle/gradsync/tensor"
)

var runners = map[string]collcomm.Runner{
	"Random":   collcomm.SimRunner(true),
	"Switched": collcomm.SimRunner(false),
	"Local":    collcomm.LocalRunner(),
}

// runRanks creates a Reducer for every rank of topo and
// calls f with it.
func runRanks(t *testing.T, runner collcomm.Runner, topo collcomm.Topology, cfg Config,
	f func(r *Reducer, groups *collcomm.GroupSet, rank int) error) error {
	groups, err := collcomm.NewHierarchicalGroups(topo)
	require.NoError(t, err)
	cache := NewGroupSizeCache()
	return runner(topo, func(c *collcomm.Comms) error {
		r, err := NewReducer(c, quant.CPU{}, cfg, WithCache(cache))
		if err != nil {
			return err
		}
		return f(r, groups, c.Rank())
	})
}

// expectedPartition averages the inputs of every rank and
// returns the partition of rank.
func expectedPartition(inputs [][]float32, rank int) []float64 {
	world := len(inputs)
	numel := len(inputs[0])
	chunk := chunkSize(numel, world)
	res := make([]float64, partitionLen(numel, world, rank))
	for _, in := range inputs {
		for i := range res {
			res[i] += float64(in[rank*chunk+i]) / float64(world)
		}
	}
	return res
}

func randomInputs(world, numel int) [][]float32 {
	res := make([][]float32, world)
	for i := range res {
		res[i] = make([]float32, numel)
		for j := range res[i] {
			res[i][j] = float32(rand.Float64()*2 - 1)
		}
	}
	return res
}

func TestReduceScatterAverage(t *testing.T) {
	for name, runner := range runners {
		t.Run(name, func(t *testing.T) {
			topo := collcomm.Topology{WorldSize: 4, LocalSize: 1}
			results := make([][]float32, 4)
			err := runRanks(t, runner, topo, DefaultConfig(1), func(r *Reducer, _ *collcomm.GroupSet, rank int) error {
				out, err := r.ReduceScatterCoalesced([]*tensor.Tensor{
					tensor.Full(dtypes.Float32, float32(rank), 10),
				}, nil)
				if err != nil {
					return err
				}
				results[rank] = out[0].Float32s()
				return nil
			})
			require.NoError(t, err)
			for rank, res := range results {
				expected := 3
				if rank == 3 {
					expected = 1
				}
				require.Len(t, res, expected)
				for _, x := range res {
					assert.InDelta(t, 1.5, x, 1e-6)
				}
			}
		})
	}
}

func TestReduceScatterCoalesced(t *testing.T) {
	sizes := []int{1, 5, 16, 0, 23}
	for name, runner := range runners {
		for _, world := range []int{1, 2, 3, 4, 7, 8} {
			t.Run(fmt.Sprintf("%s/World=%d", name, world), func(t *testing.T) {
				inputs := make([][][]float32, len(sizes))
				for i, size := range sizes {
					inputs[i] = randomInputs(world, size)
				}
				results := make([][][]float32, world)
				topo := collcomm.Topology{WorldSize: world, LocalSize: 1}
				err := runRanks(t, runner, topo, DefaultConfig(1), func(r *Reducer, _ *collcomm.GroupSet, rank int) error {
					var tensors []*tensor.Tensor
					for i, size := range sizes {
						// Shapes do not matter to the plain path.
						x := tensor.FromFloat32s(dtypes.Float32, inputs[i][rank])
						if size == 16 {
							x = x.Reshape(4, 4)
						}
						tensors = append(tensors, x)
					}
					out, err := r.ReduceScatterCoalesced(tensors, nil)
					if err != nil {
						return err
					}
					for _, o := range out {
						results[rank] = append(results[rank], o.Float32s())
					}
					return nil
				})
				require.NoError(t, err)
				for rank := range results {
					require.Len(t, results[rank], len(sizes))
					for i := range sizes {
						expected := expectedPartition(inputs[i], rank)
						require.Len(t, results[rank][i], len(expected), "rank %d buffer %d", rank, i)
						for j, x := range expected {
							assert.InDelta(t, x, results[rank][i][j], 1e-5)
						}
					}
				}
			})
		}
	}
}

func TestReduceScatterInPlace(t *testing.T) {
	topo := collcomm.Topology{WorldSize: 4, LocalSize: 1}
	allocs := make([]*tensor.CountingAllocator, 4)
	err := collcomm.LocalRunner()(topo, func(c *collcomm.Comms) error {
		alloc := &tensor.CountingAllocator{}
		allocs[c.Rank()] = alloc
		r, err := NewReducer(c, nil, DefaultConfig(1), WithAllocator(alloc))
		if err != nil {
			return err
		}
		input := tensor.Full(dtypes.Float32, 2, 4)
		out, err := r.ReduceScatterCoalesced([]*tensor.Tensor{input}, nil)
		if err != nil {
			return err
		}
		if out[0].Numel() != 1 || out[0].Float32s()[0] != 2 {
			return errors.Errorf("unexpected output %v", out[0].Float32s())
		}
		if &out[0].Bytes()[0] != &input.Bytes()[4*c.Rank()] {
			return errors.New("output does not alias the input")
		}
		return nil
	})
	require.NoError(t, err)
	for _, alloc := range allocs {
		assert.Equal(t, 0, alloc.Count())
	}

	// Padding or several buffers need one scratch buffer.
	err = collcomm.LocalRunner()(topo, func(c *collcomm.Comms) error {
		alloc := &tensor.CountingAllocator{}
		allocs[c.Rank()] = alloc
		r, err := NewReducer(c, nil, DefaultConfig(1), WithAllocator(alloc))
		if err != nil {
			return err
		}
		_, err = r.ReduceScatterCoalesced([]*tensor.Tensor{
			tensor.New(dtypes.Float32, 4),
			tensor.New(dtypes.Float32, 6),
		}, nil)
		return err
	})
	require.NoError(t, err)
	for _, alloc := range allocs {
		assert.Equal(t, 1, alloc.Count())
		assert.Equal(t, 12*4, alloc.Bytes())
	}
}

func TestReduceScatterErrors(t *testing.T) {
	topo := collcomm.Topology{WorldSize: 2, LocalSize: 1}
	err := runRanks(t, collcomm.LocalRunner(), topo, DefaultConfig(1), func(r *Reducer, _ *collcomm.GroupSet, _ int) error {
		_, err := r.ReduceScatterCoalesced([]*tensor.Tensor{
			tensor.New(dtypes.Float32, 4),
			tensor.New(dtypes.Float64, 4),
		}, nil)
		return err
	})
	assert.Error(t, err)

	err = runRanks(t, collcomm.LocalRunner(), topo, DefaultConfig(1), func(r *Reducer, _ *collcomm.GroupSet, _ int) error {
		g, err := collcomm.NewGroup("other", 1)
		if err != nil {
			return err
		}
		_, err = r.ReduceScatterCoalesced([]*tensor.Tensor{tensor.New(dtypes.Float32, 4)}, g)
		return err
	})
	assert.True(t, errors.Is(err, collcomm.ErrNotMember), "got %v", err)

	err = runRanks(t, collcomm.LocalRunner(), topo, DefaultConfig(1), func(r *Reducer, _ *collcomm.GroupSet, _ int) error {
		out, err := r.ReduceScatterCoalesced(nil, nil)
		if err == nil && len(out) != 0 {
			return errors.New("expected no outputs")
		}
		return err
	})
	assert.NoError(t, err)
}

func TestNewReducerConfig(t *testing.T) {
	topo := collcomm.Topology{WorldSize: 4, LocalSize: 1}
	err := collcomm.LocalRunner()(topo, func(c *collcomm.Comms) error {
		_, err := NewReducer(c, nil, DefaultConfig(3))
		return err
	})
	assert.True(t, errors.Is(err, ErrConfig), "got %v", err)

	err = collcomm.LocalRunner()(topo, func(c *collcomm.Comms) error {
		cfg := DefaultConfig(2)
		cfg.Bits = 2
		_, err := NewReducer(c, nil, cfg)
		return err
	})
	assert.True(t, errors.Is(err, ErrConfig), "got %v", err)
}
