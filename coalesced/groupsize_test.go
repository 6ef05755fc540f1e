package coalesced

import (
	"fmt"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSolveIntraGroups(t *testing.T) {
	cases := []struct {
		numel, world, groups int
	}{
		{17, 8, 8},
		{18, 4, 4},
		{100, 1, 1},
		{1000, 3, 3},
		{8 * 40960, 8, 8},
		// More than the limit per group with one group per
		// rank, so the search moves on.
		{131072, 2, 4},
		{4096 * 4096, 8, 512},
	}
	for _, c := range cases {
		t.Run(fmt.Sprintf("Numel=%d,World=%d", c.numel, c.world), func(t *testing.T) {
			aligned := alignedSize(c.numel, c.world)
			groups, err := SolveIntraGroups(aligned, c.numel, c.world, DefaultMaxElemsPerIntraGroup)
			require.NoError(t, err)
			assert.Equal(t, c.groups, groups)
			assert.Zero(t, groups%c.world)
			assert.Zero(t, aligned%groups)
			assert.LessOrEqual(t, aligned/groups, DefaultMaxElemsPerIntraGroup)
		})
	}
}

func TestSolveIntraGroupsDegenerate(t *testing.T) {
	cases := []struct {
		numel, world, ceiling int
	}{
		// One element per rank.
		{4, 4, 40960},
		{3, 4, 40960},
		// 8*40961 has no divisor with small enough groups
		// other than itself.
		{8*40960 + 1, 8, 40960},
		{14, 2, 3},
		{0, 2, 40960},
	}
	for _, c := range cases {
		aligned := alignedSize(c.numel, c.world)
		_, err := SolveIntraGroups(aligned, c.numel, c.world, c.ceiling)
		assert.True(t, errors.Is(err, ErrConfig), "numel %d world %d: got %v", c.numel, c.world, err)
	}
}

func TestCheckIntraGroups(t *testing.T) {
	assert.NoError(t, checkIntraGroups(8, 24, 17, 8, 40960))
	for _, args := range [][5]int{
		{6, 24, 17, 8, 40960},
		{16, 24, 17, 8, 40960},
		{8, 24, 17, 8, 2},
		{8, 24, 8, 8, 40960},
	} {
		err := checkIntraGroups(args[0], args[1], args[2], args[3], args[4])
		assert.True(t, errors.Is(err, ErrConfig), "%v: got %v", args, err)
	}
}

func TestGroupSizeCache(t *testing.T) {
	cache := NewGroupSizeCache()
	var calls int
	key := GroupKey{Aligned: 131072, World: 2, Ceiling: DefaultMaxElemsPerIntraGroup}
	solve := func() int {
		calls++
		return searchIntraGroups(key.Aligned, key.World, key.Ceiling)
	}
	first := cache.LookupOrCompute(key, solve)
	second := cache.LookupOrCompute(key, solve)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, cache.Len())

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			key := GroupKey{Aligned: 8 * (i%4 + 1), World: 8, Ceiling: DefaultMaxElemsPerIntraGroup}
			cache.LookupOrCompute(key, func() int {
				return searchIntraGroups(key.Aligned, key.World, key.Ceiling)
			})
		}()
	}
	wg.Wait()
	assert.Equal(t, 5, cache.Len())
}

func TestGroupSizeCacheKeys(t *testing.T) {
	cache := NewGroupSizeCache()
	lookup := func(aligned, world, ceiling int) int {
		key := GroupKey{Aligned: aligned, World: world, Ceiling: ceiling}
		return cache.LookupOrCompute(key, func() int {
			return searchIntraGroups(aligned, world, ceiling)
		})
	}
	// The same aligned size is solved separately for each
	// world size and ceiling.
	assert.Equal(t, 2, lookup(64, 2, DefaultMaxElemsPerIntraGroup))
	assert.Equal(t, 4, lookup(64, 4, DefaultMaxElemsPerIntraGroup))
	assert.Equal(t, 16, lookup(64, 4, 4))
	assert.Equal(t, 2, lookup(64, 2, DefaultMaxElemsPerIntraGroup))
	assert.Equal(t, 3, cache.Len())
	require.NoError(t, checkIntraGroups(lookup(64, 4, DefaultMaxElemsPerIntraGroup), 64, 64, 4,
		DefaultMaxElemsPerIntraGroup))
}
