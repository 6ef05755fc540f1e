package collcomm

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTopologyValidate(t *testing.T) {
	assert.NoError(t, Topology{WorldSize: 8, LocalSize: 4}.Validate())
	for _, topo := range []Topology{{0, 1}, {4, 0}, {6, 4}, {-2, 1}} {
		err := topo.Validate()
		assert.True(t, errors.Is(err, ErrTopology), "%v: got %v", topo, err)
	}
}

func TestTopologyIndices(t *testing.T) {
	topo := Topology{WorldSize: 6, LocalSize: 3}
	assert.Equal(t, 2, topo.NumNodes())
	assert.Equal(t, 1, topo.NodeIndex(4))
	assert.Equal(t, 1, topo.SlotIndex(4))
	assert.Equal(t, 0, topo.NodeIndex(2))
	assert.Equal(t, 2, topo.SlotIndex(2))
}

func TestHierarchicalGroups(t *testing.T) {
	topo := Topology{WorldSize: 6, LocalSize: 3}
	groups, err := NewHierarchicalGroups(topo)
	require.NoError(t, err)

	local, err := groups.Resolve(Local(1))
	require.NoError(t, err)
	assert.Equal(t, "local_1", local.Name)
	assert.Equal(t, []int{3, 4, 5}, local.Ranks)

	global, err := groups.Resolve(Global(2))
	require.NoError(t, err)
	assert.Equal(t, "global_2", global.Name)
	assert.Equal(t, []int{2, 5}, global.Ranks)
	assert.Equal(t, 1, global.IndexOf(5))
	assert.Equal(t, -1, global.IndexOf(4))

	_, err = groups.Resolve(Local(2))
	assert.True(t, errors.Is(err, ErrUnknownScope))
	_, err = groups.Resolve(Global(3))
	assert.True(t, errors.Is(err, ErrUnknownScope))

	var missing *GroupSet
	_, err = missing.Resolve(Local(0))
	assert.True(t, errors.Is(err, ErrUnknownScope))

	_, err = NewHierarchicalGroups(Topology{WorldSize: 5, LocalSize: 2})
	assert.True(t, errors.Is(err, ErrTopology))
}

func TestNewGroup(t *testing.T) {
	g, err := NewGroup("pair", 3, 1)
	require.NoError(t, err)
	assert.Equal(t, 0, g.IndexOf(3))
	assert.Equal(t, 1, g.IndexOf(1))

	_, err = NewGroup("dup", 1, 1)
	assert.Error(t, err)
	_, err = NewGroup("neg", -1)
	assert.Error(t, err)
	_, err = NewGroup("empty")
	assert.Error(t, err)
}

func TestCustomGroupSet(t *testing.T) {
	set := NewGroupSet()
	g, err := NewGroup("evens", 0, 2)
	require.NoError(t, err)
	set.Add(Global(0), g)
	res, err := set.Resolve(Global(0))
	require.NoError(t, err)
	assert.Same(t, g, res)
	assert.Equal(t, "local_3", Local(3).String())
}
