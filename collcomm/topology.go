package collcomm

import (
	"fmt"
	"strconv"

	"github.com/pkg/errors"
)

var (
	// ErrTopology is returned when world and local sizes
	// are inconsistent.
	ErrTopology = errors.New("invalid topology")

	// ErrUnknownScope is returned when a GroupSet has no
	// group for a Scope.
	ErrUnknownScope = errors.New("unknown communication scope")

	// ErrNotMember is returned when a rank takes part in a
	// collective on a group that does not contain it.
	ErrNotMember = errors.New("rank is not a member of group")
)

// A Topology describes how ranks are spread over nodes.
//
// Ranks [i*LocalSize, (i+1)*LocalSize) live on node i.
type Topology struct {
	WorldSize int
	LocalSize int
}

// Validate checks that the sizes are positive and that the
// world divides evenly into nodes.
func (t Topology) Validate() error {
	if t.WorldSize <= 0 || t.LocalSize <= 0 {
		return errors.Wrapf(ErrTopology, "world size %d and local size %d must be positive",
			t.WorldSize, t.LocalSize)
	}
	if t.WorldSize%t.LocalSize != 0 {
		return errors.Wrapf(ErrTopology, "world size %d is not divisible by local size %d",
			t.WorldSize, t.LocalSize)
	}
	return nil
}

// NumNodes is the number of machines.
func (t Topology) NumNodes() int {
	return t.WorldSize / t.LocalSize
}

// NodeIndex returns the node holding rank.
func (t Topology) NodeIndex(rank int) int {
	return rank / t.LocalSize
}

// SlotIndex returns the device slot of rank within its
// node. Ranks with the same slot on different nodes form
// the inter-node groups.
func (t Topology) SlotIndex(rank int) int {
	return rank % t.LocalSize
}

// A Group is a set of ranks that take part together in a
// collective operation.
//
// A nil *Group means every rank in the world.
type Group struct {
	// Name tags the messages of the group, so it must be
	// unique among the groups a rank communicates on.
	Name string

	// Ranks lists the world ranks in the group. The index
	// of a rank in this list is its rank in the group.
	Ranks []int
}

// NewGroup creates a group, checking that ranks are unique
// and non-negative.
func NewGroup(name string, ranks ...int) (*Group, error) {
	seen := map[int]bool{}
	for _, r := range ranks {
		if r < 0 || seen[r] {
			return nil, errors.Errorf("group %q: invalid or duplicate rank %d", name, r)
		}
		seen[r] = true
	}
	if len(ranks) == 0 {
		return nil, errors.Errorf("group %q: no ranks", name)
	}
	return &Group{Name: name, Ranks: append([]int{}, ranks...)}, nil
}

// IndexOf returns the group rank of a world rank, or -1.
func (g *Group) IndexOf(rank int) int {
	for i, r := range g.Ranks {
		if r == rank {
			return i
		}
	}
	return -1
}

// ScopeKind distinguishes intra-node and inter-node
// groups.
type ScopeKind int

const (
	// LocalScope groups every rank of one node.
	LocalScope ScopeKind = iota

	// GlobalScope groups the ranks of one device slot
	// across all nodes.
	GlobalScope
)

// A Scope names one group of a hierarchical GroupSet.
type Scope struct {
	Kind  ScopeKind
	Index int
}

// Local is the scope of the ranks on node.
func Local(node int) Scope {
	return Scope{Kind: LocalScope, Index: node}
}

// Global is the scope of the ranks with device slot.
func Global(slot int) Scope {
	return Scope{Kind: GlobalScope, Index: slot}
}

func (s Scope) String() string {
	switch s.Kind {
	case LocalScope:
		return "local_" + strconv.Itoa(s.Index)
	case GlobalScope:
		return "global_" + strconv.Itoa(s.Index)
	}
	return fmt.Sprintf("scope(%d)_%d", s.Kind, s.Index)
}

// A GroupSet maps scopes to groups.
type GroupSet struct {
	groups map[Scope]*Group
}

// NewGroupSet creates an empty GroupSet.
func NewGroupSet() *GroupSet {
	return &GroupSet{groups: map[Scope]*Group{}}
}

// NewHierarchicalGroups creates one local group per node
// and one global group per device slot.
func NewHierarchicalGroups(topo Topology) (*GroupSet, error) {
	if err := topo.Validate(); err != nil {
		return nil, err
	}
	set := NewGroupSet()
	for node := 0; node < topo.NumNodes(); node++ {
		ranks := make([]int, topo.LocalSize)
		for i := range ranks {
			ranks[i] = node*topo.LocalSize + i
		}
		set.Add(Local(node), &Group{Name: Local(node).String(), Ranks: ranks})
	}
	for slot := 0; slot < topo.LocalSize; slot++ {
		ranks := make([]int, topo.NumNodes())
		for i := range ranks {
			ranks[i] = i*topo.LocalSize + slot
		}
		set.Add(Global(slot), &Group{Name: Global(slot).String(), Ranks: ranks})
	}
	return set, nil
}

// Add registers or replaces the group for a scope.
func (s *GroupSet) Add(scope Scope, g *Group) {
	s.groups[scope] = g
}

// Resolve looks up the group for a scope.
func (s *GroupSet) Resolve(scope Scope) (*Group, error) {
	if s == nil {
		return nil, errors.Wrapf(ErrUnknownScope, "%s: no groups given", scope)
	}
	g, ok := s.groups[scope]
	if !ok {
		return nil, errors.Wrap(ErrUnknownScope, scope.String())
	}
	return g, nil
}
