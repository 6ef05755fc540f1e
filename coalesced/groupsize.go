package coalesced

import (
	"sync"

	"github.com/pkg/errors"
)

// A GroupKey holds every input of the group count search.
type GroupKey struct {
	Aligned int
	World   int
	Ceiling int
}

// A GroupSizeCache remembers the number of quantization
// groups chosen for each buffer size, world size and
// per-group ceiling.
//
// It is safe to share between Goroutines, and between
// Reducers with different configurations.
type GroupSizeCache struct {
	lock  sync.Mutex
	sizes map[GroupKey]int
}

// NewGroupSizeCache creates an empty cache.
func NewGroupSizeCache() *GroupSizeCache {
	return &GroupSizeCache{sizes: map[GroupKey]int{}}
}

// LookupOrCompute returns the cached value for key, or
// calls solve and caches its result.
//
// The lock is held while solve runs, so each key is only
// solved once.
func (g *GroupSizeCache) LookupOrCompute(key GroupKey, solve func() int) int {
	g.lock.Lock()
	defer g.lock.Unlock()
	if n, ok := g.sizes[key]; ok {
		return n
	}
	n := solve()
	g.sizes[key] = n
	return n
}

// Len returns the number of cached keys.
func (g *GroupSizeCache) Len() int {
	g.lock.Lock()
	defer g.lock.Unlock()
	return len(g.sizes)
}

// SolveIntraGroups chooses the number of quantization
// groups for a buffer of numel elements, padded to aligned
// elements, in a world of the given size.
//
// The result is a multiple of world that divides aligned,
// with at most ceiling elements per group.
func SolveIntraGroups(aligned, numel, world, ceiling int) (int, error) {
	groups := searchIntraGroups(aligned, world, ceiling)
	if err := checkIntraGroups(groups, aligned, numel, world, ceiling); err != nil {
		return 0, err
	}
	return groups, nil
}

func searchIntraGroups(aligned, world, ceiling int) int {
	groups := world
	for groups < aligned {
		if aligned%groups == 0 && aligned/groups <= ceiling {
			break
		}
		groups += world
	}
	for aligned%(groups*2) == 0 && aligned/groups > ceiling {
		groups *= 2
	}
	return groups
}

func checkIntraGroups(groups, aligned, numel, world, ceiling int) error {
	if groups%world != 0 {
		return errors.Wrapf(ErrConfig, "%d groups is not a multiple of world size %d", groups, world)
	}
	if aligned%groups != 0 {
		return errors.Wrapf(ErrConfig, "%d groups do not divide %d elements", groups, aligned)
	}
	if aligned/groups > ceiling {
		return errors.Wrapf(ErrConfig, "%d elements per group exceeds the limit of %d",
			aligned/groups, ceiling)
	}
	if numel <= groups || aligned/groups >= numel {
		return errors.Wrapf(ErrConfig, "no group size fits a tensor of %d elements", numel)
	}
	return nil
}
