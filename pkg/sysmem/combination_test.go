// Copyright The NRI Plugins Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package sysmem

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type testNode struct {
	kind        Kind
	constraints *Constraints
	attached    bool
	children    []*testNode
}

func leaf(id uint32) *testNode {
	return &testNode{
		kind:        KindCollection,
		constraints: &Constraints{MinBufferCount: id},
	}
}

func group(children ...*testNode) *testNode {
	return &testNode{kind: KindGroup, children: children}
}

func parent(children ...*testNode) *testNode {
	return &testNode{kind: KindCollection, children: children}
}

func attached(tn *testNode) *testNode {
	tn.attached = true
	return tn
}

// buildTree builds a ready tree of nodes from a description.
func buildTree(tn *testNode) (*tree, *node) {
	var (
		t     = &tree{}
		koid  uint64
		build func(*testNode, NodeID) *node
	)

	build = func(tn *testNode, pid NodeID) *node {
		koid++
		n := &node{
			koid:               koid,
			kind:               tn.kind,
			constraints:        tn.constraints,
			constraintsSet:     tn.kind == KindCollection,
			allChildrenPresent: tn.kind == KindGroup,
			attached:           tn.attached,
		}
		t.add(n, pid)
		for _, c := range tn.children {
			build(c, n.id)
		}
		return n
	}

	return t, build(tn, NodeID{})
}

// participantIDs returns the leaf IDs of participants.
func participantIDs(parts []*participant) []uint32 {
	ids := []uint32{}
	for _, p := range parts {
		ids = append(ids, p.constraints.MinBufferCount)
	}
	return ids
}

func TestReachable(t *testing.T) {
	type testCase struct {
		name   string
		tree   *testNode
		limit  uint64
		result uint64
	}

	chain := func(depth int) *testNode {
		g := group(leaf(1), leaf(2))
		for i := 1; i < depth; i++ {
			g = group(g, leaf(1))
		}
		return parent(g)
	}

	for _, tc := range []*testCase{
		{
			name:   "single node",
			tree:   leaf(1),
			limit:  64,
			result: 1,
		},
		{
			name:   "group of leaves",
			tree:   group(leaf(1), leaf(2), leaf(3)),
			limit:  64,
			result: 3,
		},
		{
			name:   "sibling groups multiply",
			tree:   parent(group(leaf(1), leaf(2)), group(leaf(3), leaf(4), leaf(5))),
			limit:  64,
			result: 6,
		},
		{
			name:   "empty group",
			tree:   group(group(), leaf(1)),
			limit:  64,
			result: 2,
		},
		{
			name:   "chain of 63 groups",
			tree:   chain(63),
			limit:  64,
			result: 64,
		},
		{
			name:   "chain of 64 groups saturates",
			tree:   chain(64),
			limit:  64,
			result: 65,
		},
		{
			name: "product saturates",
			tree: parent(
				group(leaf(1), leaf(2), leaf(3), leaf(4), leaf(5), leaf(6), leaf(7), leaf(8)),
				group(leaf(1), leaf(2), leaf(3), leaf(4), leaf(5), leaf(6), leaf(7), leaf(8)),
				group(leaf(1), leaf(2)),
			),
			limit:  64,
			result: 65,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			tr, root := buildTree(tc.tree)
			require.Equal(t, tc.result, snapshot(tr, root).reachable(tc.limit), "reachable combinations")
		})
	}
}

func TestSearchOrder(t *testing.T) {
	tr, root := buildTree(parent(
		group(leaf(1), leaf(2)),
		group(leaf(3), leaf(4)),
	))

	tried := [][]uint32{}
	srch := newSearcher(tr, root, 64)
	_, err := srch.search(func(parts []*participant) (*allocationPlan, error) {
		tried = append(tried, participantIDs(parts))
		return nil, intersectionEmpty("combination %d", len(tried))
	})

	require.ErrorIs(t, err, ErrConstraintsIntersectionEmpty, "no combination accepted")
	require.ErrorContains(t, err, "combination 4", "error of last combination")
	require.Equal(t, [][]uint32{{1, 3}, {1, 4}, {2, 3}, {2, 4}}, tried, "combinations in priority order")
	require.Equal(t, 4, srch.tried, "tried combinations")
}

func TestSearchAccepts(t *testing.T) {
	tr, root := buildTree(parent(
		group(leaf(1), leaf(2)),
		group(leaf(3), leaf(4)),
	))

	plan := &allocationPlan{count: 1}
	srch := newSearcher(tr, root, 64)
	c, err := srch.search(func(parts []*participant) (*allocationPlan, error) {
		ids := participantIDs(parts)
		if ids[0] == 2 && ids[1] == 3 {
			return plan, nil
		}
		return nil, intersectionEmpty("not this one")
	})

	require.Nil(t, err, "unexpected search error")
	require.Equal(t, []int{1, 0}, c.selected, "selected children")
	require.Equal(t, plan, c.plan, "accepted plan")
	require.Equal(t, 3, srch.tried, "tried combinations")

	excluded := []uint32{}
	for _, n := range c.excluded {
		excluded = append(excluded, n.constraints.MinBufferCount)
	}
	require.Equal(t, []uint32{1, 4}, excluded, "excluded group children")
	require.Len(t, c.nodes, 5, "nodes of the combination")
}

func TestSearchCeiling(t *testing.T) {
	type testCase struct {
		name  string
		tree  *testNode
		limit int
		fail  bool
	}

	for _, tc := range []*testCase{
		{
			name:  "at the limit",
			tree:  parent(group(leaf(1), leaf(2)), group(leaf(3), leaf(4))),
			limit: 4,
		},
		{
			name:  "over the limit",
			tree:  parent(group(leaf(1), leaf(2)), group(leaf(3), leaf(4))),
			limit: 3,
			fail:  true,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			tr, root := buildTree(tc.tree)
			srch := newSearcher(tr, root, tc.limit)
			_, err := srch.search(func([]*participant) (*allocationPlan, error) {
				return nil, intersectionEmpty("rejected")
			})
			if tc.fail {
				require.ErrorIs(t, err, ErrTooManyGroupChildCombinations, "search over the limit")
				require.Equal(t, 0, srch.tried, "no combination tried")
			} else {
				require.ErrorIs(t, err, ErrConstraintsIntersectionEmpty, "search at the limit")
				require.Equal(t, tc.limit, srch.tried, "all combinations tried")
			}
		})
	}
}

func TestSearchEmptyGroup(t *testing.T) {
	tr, root := buildTree(group())

	srch := newSearcher(tr, root, 64)
	_, err := srch.search(func([]*participant) (*allocationPlan, error) {
		require.Fail(t, "unexpected combination")
		return nil, nil
	})

	require.ErrorIs(t, err, ErrConstraintsIntersectionEmpty, "group without children")
	require.Equal(t, 1, srch.tried, "tried combinations")
}

func TestSearchSkipsAttached(t *testing.T) {
	tr, root := buildTree(parent(
		leaf(1),
		attached(group(leaf(2), leaf(3))),
	))

	srch := newSearcher(tr, root, 64)
	require.Equal(t, 0, srch.groups(), "groups in snapshot")

	c, err := srch.search(func(parts []*participant) (*allocationPlan, error) {
		require.Equal(t, []uint32{1}, participantIDs(parts), "participants")
		return &allocationPlan{}, nil
	})
	require.Nil(t, err, "unexpected search error")
	require.Len(t, c.nodes, 2, "nodes of the combination")
	require.Len(t, c.excluded, 0, "excluded nodes")
}
