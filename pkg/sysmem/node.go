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

// NodeID identifies a node within its tree. IDs of removed nodes are never
// reused thanks to a per-slot generation counter.
type NodeID struct {
	index uint32
	gen   uint32
}

// IsValid returns true for an ID that was handed out by a tree.
func (id NodeID) IsValid() bool {
	return id.gen != 0
}

func (id NodeID) String() string {
	if !id.IsValid() {
		return "<none>"
	}
	return fmt.Sprintf("%d.%d", id.index, id.gen)
}

// node is a participant in a tree.
type node struct {
	id       NodeID
	koid     uint64
	kind     Kind
	rights   Rights
	parent   NodeID
	children []NodeID

	name         string
	namePriority uint32
	clientName   string
	clientID     uint64
	verbose      bool

	released    bool
	closed      bool
	dispensable bool
	attached    bool
	negotiated  bool

	weak              bool
	weakOk            bool
	weakOkForChildren bool

	allChildrenPresent bool
	constraintsSet     bool
	constraints        *Constraints
	waitIssued         bool

	delivered bool
	result    *AllocationResult
	err       error
	waiters   []chan *allocReply
}

type allocReply struct {
	result *AllocationResult
	err    error
}

func (n *node) String() string {
	name := n.name
	if name == "" {
		name = n.clientName
	}
	if name == "" {
		return fmt.Sprintf("%s #%d", n.kind, n.koid)
	}
	return fmt.Sprintf("%s #%d (%s)", n.kind, n.koid, name)
}

// isReady returns true if the node itself is ready for allocation.
func (n *node) isReady() bool {
	switch n.kind {
	case KindOrphan:
		return true
	case KindGroup:
		return n.allChildrenPresent
	case KindCollection:
		return n.constraintsSet
	}
	return false
}

// failed returns true if the node has failed.
func (n *node) failed() bool {
	return n.err != nil
}

type slot struct {
	gen  uint32
	node *node
}

// tree is an arena of nodes rooted at a single node.
type tree struct {
	slots []slot
	free  []uint32
	root  NodeID
	nodes int
}

// add puts a node into the arena and links it to its parent.
func (t *tree) add(n *node, parent NodeID) NodeID {
	var idx uint32
	if cnt := len(t.free); cnt > 0 {
		idx = t.free[cnt-1]
		t.free = t.free[:cnt-1]
	} else {
		idx = uint32(len(t.slots))
		t.slots = append(t.slots, slot{})
	}

	s := &t.slots[idx]
	s.gen++
	s.node = n
	n.id = NodeID{index: idx, gen: s.gen}
	n.parent = parent
	t.nodes++

	if p := t.get(parent); p != nil {
		p.children = append(p.children, n.id)
	} else {
		t.root = n.id
	}

	return n.id
}

// get returns the node for an ID, nil if the node has been removed.
func (t *tree) get(id NodeID) *node {
	if !id.IsValid() || int(id.index) >= len(t.slots) {
		return nil
	}
	if s := &t.slots[id.index]; s.gen == id.gen {
		return s.node
	}
	return nil
}

// rootNode returns the root of the tree.
func (t *tree) rootNode() *node {
	return t.get(t.root)
}

// parentOf returns the parent of a node, nil for the root.
func (t *tree) parentOf(n *node) *node {
	return t.get(n.parent)
}

// childrenOf returns the children of a node in creation order.
func (t *tree) childrenOf(n *node) []*node {
	children := make([]*node, 0, len(n.children))
	for _, id := range n.children {
		if c := t.get(id); c != nil {
			children = append(children, c)
		}
	}
	return children
}

// remove unlinks a node and its subtree from the arena, calling fn for
// every removed node, descendants first.
func (t *tree) remove(n *node, fn func(*node)) {
	if p := t.parentOf(n); p != nil {
		p.children = slices.DeleteFunc(p.children, func(id NodeID) bool { return id == n.id })
	}
	t.removeSubtree(n, fn)
}

func (t *tree) removeSubtree(n *node, fn func(*node)) {
	for _, c := range t.childrenOf(n) {
		t.removeSubtree(c, fn)
	}
	if fn != nil {
		fn(n)
	}
	s := &t.slots[n.id.index]
	s.node = nil
	t.free = append(t.free, n.id.index)
	t.nodes--
	if n.id == t.root {
		t.root = NodeID{}
	}
}

// Foreach calls fn for every node of the tree in pre-order.
func (t *tree) Foreach(fn func(*node) bool) {
	if r := t.rootNode(); r != nil {
		t.ForeachIn(r, false, fn)
	}
}

// ForeachIn calls fn for every node of the subtree of n in pre-order,
// optionally skipping attached subtrees below n.
func (t *tree) ForeachIn(n *node, skipAttached bool, fn func(*node) bool) bool {
	if !fn(n) {
		return ForeachDone
	}
	for _, c := range t.childrenOf(n) {
		if skipAttached && c.attached {
			continue
		}
		if !t.ForeachIn(c, skipAttached, fn) {
			return ForeachDone
		}
	}
	return ForeachMore
}

// isSubtreeReady returns true if every node of the subtree of n is ready,
// not counting attached subtrees below n.
func (t *tree) isSubtreeReady(n *node) bool {
	ready := true
	t.ForeachIn(n, true, func(o *node) bool {
		ready = o.isReady()
		return ready
	})
	return ready
}

// ancestors returns the ancestors of n, starting with n itself.
func (t *tree) ancestors(n *node) []*node {
	chain := []*node{}
	for o := n; o != nil; o = t.parentOf(o) {
		chain = append(chain, o)
	}
	return chain
}

// isAncestor returns true if a is an ancestor of n or n itself.
func (t *tree) isAncestor(a, n *node) bool {
	for o := n; o != nil; o = t.parentOf(o) {
		if o == a {
			return true
		}
	}
	return false
}

// isAlternate returns true if a and b are in different child subtrees of
// a common ancestor group, which makes them mutually exclusive.
func (t *tree) isAlternate(a, b *node) bool {
	if a == b || t.isAncestor(a, b) || t.isAncestor(b, a) {
		return false
	}

	chainA := t.ancestors(a)
	for _, o := range t.ancestors(b) {
		if slices.Contains(chainA, o) {
			return o.kind == KindGroup
		}
	}

	return false
}

// strongNodes returns the number of strong nodes left in the tree.
func (t *tree) strongNodes() int {
	cnt := 0
	t.Foreach(func(n *node) bool {
		if !n.weak {
			cnt++
		}
		return ForeachMore
	})
	return cnt
}

// liveNodes returns the number of strong and all nodes with open handles.
func (t *tree) liveNodes() (strong, live int) {
	t.Foreach(func(n *node) bool {
		if !n.closed {
			live++
			if !n.weak {
				strong++
			}
		}
		return ForeachMore
	})
	return strong, live
}
