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
	"fmt"
	"slices"
)

// snapNode is a node of the tree snapshot a combination search runs on.
type snapNode struct {
	n        *node
	group    bool
	children []*snapNode
}

// combination is one selection of a child per reachable group.
type combination struct {
	selected []int       // child index per reachable group, in pre-order
	nodes    []*node     // nodes reachable under the selection
	excluded []*node     // roots of unselected group children
	plan     *allocationPlan
}

// searcher enumerates group child combinations of a subtree.
type searcher struct {
	root  *snapNode
	limit uint64
	tried int
}

// newSearcher snapshots the subtree of n, leaving out attached subtrees
// below n.
func newSearcher(t *tree, n *node, limit int) *searcher {
	return &searcher{
		root:  snapshot(t, n),
		limit: uint64(max(limit, 1)),
	}
}

func snapshot(t *tree, n *node) *snapNode {
	s := &snapNode{n: n, group: n.kind == KindGroup}
	for _, c := range t.childrenOf(n) {
		if c.attached {
			continue
		}
		s.children = append(s.children, snapshot(t, c))
	}
	return s
}

// reachable returns the number of reachable combinations under s,
// saturating at limit+1. A group without children counts as a single
// failing combination.
func (s *snapNode) reachable(limit uint64) uint64 {
	if len(s.children) == 0 {
		return 1
	}

	var cnt uint64
	if s.group {
		for _, c := range s.children {
			cnt = min(cnt+c.reachable(limit), limit+1)
		}
		return cnt
	}

	cnt = 1
	for _, c := range s.children {
		r := c.reachable(limit)
		if cnt > (limit+1)/r {
			cnt = limit + 1
		} else {
			cnt = min(cnt*r, limit+1)
		}
	}
	return cnt
}

// nextGroup returns the first reachable group in pre-order which the
// given partial selection does not cover, or nil if there is none.
func (srch *searcher) nextGroup(selected []int) *snapNode {
	var (
		k     int
		found *snapNode
		visit func(*snapNode) bool
	)

	visit = func(s *snapNode) bool {
		if s.group {
			if k >= len(selected) {
				found = s
				return ForeachDone
			}
			idx := selected[k]
			k++
			return visit(s.children[idx])
		}
		for _, c := range s.children {
			if !visit(c) {
				return ForeachDone
			}
		}
		return ForeachMore
	}

	visit(srch.root)
	return found
}

// resolve collects the nodes reachable under a complete selection and
// the roots of the group children it leaves out.
func (srch *searcher) resolve(selected []int) *combination {
	var (
		k     int
		c     = &combination{selected: slices.Clone(selected)}
		visit func(*snapNode)
	)

	visit = func(s *snapNode) {
		c.nodes = append(c.nodes, s.n)
		if s.group {
			idx := selected[k]
			k++
			for i, child := range s.children {
				if i != idx {
					c.excluded = append(c.excluded, child.n)
				}
			}
			visit(s.children[idx])
			return
		}
		for _, child := range s.children {
			visit(child)
		}
	}

	visit(srch.root)
	return c
}

// search runs a depth-first enumeration of combinations in priority order
// and returns the first one accepted by try. If none is accepted the error
// of the last one tried is returned.
func (srch *searcher) search(try func([]*participant) (*allocationPlan, error)) (*combination, error) {
	total := srch.root.reachable(srch.limit)
	if total > srch.limit {
		return nil, fmt.Errorf("%w: more than %d combinations", ErrTooManyGroupChildCombinations, srch.limit)
	}

	var (
		stack  = [][]int{{}}
		pushed = uint64(1)
		budget = total*uint64(max(srch.groups(), 1)) + 1
		last   error
	)

	for len(stack) > 0 {
		selected := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		g := srch.nextGroup(selected)
		if g == nil {
			c := srch.resolve(selected)
			srch.tried++
			plan, err := try(c.participants())
			if err == nil {
				c.plan = plan
				return c, nil
			}
			details.Debug("combination %v failed: %v", selected, err)
			last = err
			continue
		}

		if len(g.children) == 0 {
			srch.tried++
			last = intersectionEmpty("%s has no children", g.n)
			continue
		}

		for i := len(g.children) - 1; i >= 0; i-- {
			if pushed++; pushed > budget {
				return nil, fmt.Errorf("%w: search budget of %d exhausted",
					ErrTooManyGroupChildCombinations, budget)
			}
			stack = append(stack, append(slices.Clone(selected), i))
		}
	}

	return nil, last
}

// groups returns the number of groups in the snapshot.
func (srch *searcher) groups() int {
	var visit func(*snapNode) int
	visit = func(s *snapNode) int {
		cnt := 0
		if s.group {
			cnt++
		}
		for _, c := range s.children {
			cnt += visit(c)
		}
		return cnt
	}
	return visit(srch.root)
}

// participants returns the constraint contributions of the combination.
func (c *combination) participants() []*participant {
	parts := make([]*participant, 0, len(c.nodes))
	for _, n := range c.nodes {
		if n.kind != KindCollection || n.constraints == nil {
			continue
		}
		parts = append(parts, &participant{
			name:        n.String(),
			constraints: n.constraints,
		})
	}
	return parts
}
