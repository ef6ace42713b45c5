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
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/containers/nri-sysmem/pkg/instrumentation/tracing"
)

// CollectionInfo describes an allocated collection. It is shared by all
// nodes of the collection and never changes once published.
type CollectionInfo struct {
	CollectionID uint64         `json:"collectionID"`
	BufferCount  uint32         `json:"bufferCount"`
	Settings     BufferSettings `json:"settings"`
}

// AllocationResult is the allocation as delivered to a single node.
type AllocationResult struct {
	Info    *CollectionInfo
	Buffers []*BufferHandle
}

// Close closes all buffer handles of the result.
func (r *AllocationResult) Close() error {
	var err error
	for _, b := range r.Buffers {
		if e := b.Close(); e != nil && err == nil {
			err = e
		}
	}
	return err
}

// CollectionStatus is a snapshot of the status of a collection.
type CollectionStatus struct {
	ID    uint64
	State State
	Nodes int
}

// LogicalCollection is a tree of participants negotiating one allocation.
// All operations on the tree are serialized through a single event loop.
type LogicalCollection struct {
	id      uint64
	broker  *Broker
	events  chan func()
	done    chan struct{}
	once    sync.Once
	state   atomic.Int32
	nodeCnt atomic.Int32

	// owned by the event loop
	tree    tree
	byKoid  map[uint64]*node
	info    *CollectionInfo
	tracker *tracker
	handles int
	stopped bool
}

func newLogicalCollection(b *Broker, id uint64) *LogicalCollection {
	lc := &LogicalCollection{
		id:      id,
		broker:  b,
		events:  make(chan func()),
		done:    make(chan struct{}),
		byKoid:  map[uint64]*node{},
		tracker: newTracker(id, b.stats),
	}
	go lc.run()
	return lc
}

func (lc *LogicalCollection) run() {
	for {
		select {
		case fn := <-lc.events:
			fn()
		case <-lc.done:
			return
		}
	}
}

// do runs fn in the event loop and settles the tree afterwards.
func (lc *LogicalCollection) do(fn func() error) error {
	return lc.doOr(fn, lc.closedError)
}

// doOr is like do but returns the error of stopped if the event loop has
// stopped. The state of the loop is final by then, so stopped can read it.
func (lc *LogicalCollection) doOr(fn func() error, stopped func() error) error {
	reply := make(chan error, 1)
	ev := func() {
		if lc.stopped {
			reply <- stopped()
			return
		}
		err := fn()
		lc.settle()
		reply <- err
	}

	select {
	case lc.events <- ev:
	case <-lc.done:
		return stopped()
	}

	return <-reply
}

func (lc *LogicalCollection) closedError() error {
	return fmt.Errorf("%w: collection #%d is gone", ErrPeerClosed, lc.id)
}

// ID returns the ID of the collection.
func (lc *LogicalCollection) ID() uint64 {
	return lc.id
}

// State returns the current state of the collection.
func (lc *LogicalCollection) State() State {
	return State(lc.state.Load())
}

// Status returns a snapshot of the status of the collection.
func (lc *LogicalCollection) Status() CollectionStatus {
	return CollectionStatus{
		ID:    lc.id,
		State: lc.State(),
		Nodes: int(lc.nodeCnt.Load()),
	}
}

func (lc *LogicalCollection) setState(s State) {
	if old := lc.State(); old != s {
		details.Debug("collection #%d: %s -> %s", lc.id, old, s)
		lc.state.Store(int32(s))
	}
}

// verbose returns true if any node asked for verbose logging.
func (lc *LogicalCollection) verbose() bool {
	verbose := false
	lc.tree.Foreach(func(n *node) bool {
		verbose = n.verbose
		return !verbose
	})
	return verbose
}

// newNode creates a node with an open handle under parent.
func (lc *LogicalCollection) newNode(kind Kind, parent *node, rights Rights) *node {
	n := &node{
		koid:   lc.broker.newKoid(),
		kind:   kind,
		rights: rights,
	}

	var pid NodeID
	if parent != nil {
		pid = parent.id
		n.weak = parent.weak
		n.weakOk = parent.weakOkForChildren
		n.weakOkForChildren = parent.weakOkForChildren
	}

	lc.tree.add(n, pid)
	lc.byKoid[n.koid] = n
	lc.handles++
	lc.broker.registerNode(n.koid, lc, kind == KindToken)

	details.Debug("collection #%d: created %s under %v", lc.id, n, pid)

	return n
}

// newToken creates a token under parent with attenuated rights. A zero
// rights mask gives a dead token without touching the tree.
func (lc *LogicalCollection) newToken(parent *node, mask Rights, attached bool) *Token {
	if mask == 0 {
		log.Warn("collection #%d: %s: child with zero rights mask", lc.id, parent)
		return &Token{nodeHandle{
			lc: lc,
			n: &node{
				koid:   lc.broker.newKoid(),
				kind:   KindToken,
				closed: true,
				err:    fmt.Errorf("%w: created with zero rights mask", ErrPeerClosed),
			},
		}}
	}

	rights := parent.rights
	if mask != RightsSame {
		rights &= mask
	}

	n := lc.newNode(KindToken, parent, rights)
	n.attached = attached

	return &Token{nodeHandle{lc: lc, n: n}}
}

// retire removes a node from the collection, failing it with err.
func (lc *LogicalCollection) retire(n *node, err error) {
	if n.err == nil {
		n.err = err
	}
	lc.completeWaiters(n, nil, n.err)
	delete(lc.byKoid, n.koid)
	lc.broker.unregisterNode(n.koid)
	if !n.closed {
		n.closed = true
		lc.handles--
	}
}

func (lc *LogicalCollection) completeWaiters(n *node, r *AllocationResult, err error) {
	for _, w := range n.waiters {
		w <- &allocReply{result: r, err: err}
	}
	n.waiters = nil
}

// propagated returns the error a node gets for a failure originating at
// origin. Domain errors reach every node unchanged.
func propagated(err error, origin, n *node) error {
	if origin == nil || origin == n || IsDomainError(err) {
		return err
	}
	return fmt.Errorf("%w: %s failed: %v", ErrPeerClosed, origin, err)
}

// isFailureBoundary returns true if a failure stops at n.
func (lc *LogicalCollection) isFailureBoundary(n *node) bool {
	if n.attached || n.dispensable {
		return true
	}
	if !n.weak {
		return false
	}

	strong := false
	lc.tree.Foreach(func(o *node) bool {
		if !o.weak && !lc.tree.isAncestor(n, o) {
			strong = true
		}
		return !strong
	})

	return strong
}

// nodeFailed handles the failure of a node. The failure propagates up to
// the first failure boundary, or fails the whole collection.
func (lc *LogicalCollection) nodeFailed(n *node, err error) {
	if n.failed() || lc.stopped {
		return
	}

	log.Warn("collection #%d: %s failed: %v", lc.id, n, err)

	b := n
	for !lc.isFailureBoundary(b) {
		p := lc.tree.parentOf(b)
		if p == nil {
			lc.fail(n, err)
			return
		}
		b = p
	}

	if b != n {
		log.Warn("collection #%d: failure stops at %s", lc.id, b)
	}
	lc.removeFailed(b, n, err)
}

// removeFailed removes the failed subtree rooted at b.
func (lc *LogicalCollection) removeFailed(b, origin *node, err error) {
	lc.tree.remove(b, func(o *node) {
		lc.retire(o, propagated(err, origin, o))
	})

	if lc.info == nil && lc.tree.strongNodes() == 0 {
		lc.fail(nil, fmt.Errorf("%w: no strong nodes left", ErrPeerClosed))
	}
}

// fail fails the whole collection.
func (lc *LogicalCollection) fail(origin *node, err error) {
	if lc.State() == StateFailed || lc.stopped {
		return
	}

	log.Error("collection #%d: failed: %v", lc.id, err)
	lc.dumpTree("failed collection: ")
	lc.setState(StateFailed)

	if r := lc.tree.rootNode(); r != nil {
		lc.tree.remove(r, func(o *node) {
			lc.retire(o, propagated(err, origin, o))
		})
	}

	lc.stop()
}

// stop tears down the event loop and releases the tree.
func (lc *LogicalCollection) stop() {
	if lc.stopped {
		return
	}
	lc.stopped = true

	if lc.info == nil {
		lc.tracker.fail()
	} else {
		lc.tracker.setNodes(0, 0)
	}

	lc.nodeCnt.Store(0)
	lc.once.Do(func() { close(lc.done) })
	lc.broker.removeCollection(lc)

	details.Debug("collection #%d: stopped", lc.id)
}

// settle drives allocation after every event and tears the collection
// down once all handles are closed.
func (lc *LogicalCollection) settle() {
	if lc.stopped {
		return
	}

	lc.maybeAllocate()

	if lc.stopped {
		return
	}

	lc.nodeCnt.Store(int32(lc.tree.nodes))

	if lc.info != nil {
		lc.tracker.setNodes(lc.tree.liveNodes())
	}

	if lc.handles == 0 {
		if lc.info == nil {
			lc.fail(nil, fmt.Errorf("%w: all participants gone", ErrPeerClosed))
			return
		}
		if r := lc.tree.rootNode(); r != nil {
			lc.tree.remove(r, func(o *node) {
				lc.retire(o, lc.closedError())
			})
		}
		lc.stop()
	}
}

// maybeAllocate runs the initial allocation once the tree is ready, then
// any follow-up allocations for ready attached subtrees.
func (lc *LogicalCollection) maybeAllocate() {
	for !lc.stopped {
		switch lc.State() {
		case StateCollecting:
			r := lc.tree.rootNode()
			if r == nil || !lc.tree.isSubtreeReady(r) {
				return
			}
			lc.allocate(r)
		case StateAllocated:
			a := lc.pendingAttach()
			if a == nil {
				return
			}
			lc.attach(a)
		default:
			return
		}
	}
}

// pendingAttach returns the first attached subtree ready for a follow-up.
func (lc *LogicalCollection) pendingAttach() *node {
	var pending *node
	lc.tree.Foreach(func(n *node) bool {
		if !n.attached || n.negotiated {
			return ForeachMore
		}
		if p := lc.tree.parentOf(n); p == nil || !p.negotiated {
			return ForeachMore
		}
		if lc.tree.isSubtreeReady(n) {
			pending = n
			return ForeachDone
		}
		return ForeachMore
	})
	return pending
}

// searchLimit returns the configured group child combination ceiling.
func (lc *LogicalCollection) searchLimit() int {
	return lc.broker.cfg.MaxGroupChildCombinations
}

// allocate runs the initial allocation of the tree rooted at r.
func (lc *LogicalCollection) allocate(r *node) {
	lc.setState(StateNegotiating)
	lc.dumpTree("allocating: ")

	_, span := tracing.StartSpan(context.Background(), "sysmem.allocate",
		tracing.WithAttributes(tracing.Attribute("collection", lc.id)))

	srch := newSearcher(&lc.tree, r, lc.searchLimit())
	c, err := srch.search(func(parts []*participant) (*allocationPlan, error) {
		return lc.broker.negotiator.negotiate(parts, nil)
	})

	var info *CollectionInfo
	if err == nil {
		info, err = lc.materialize(c.plan)
	}

	lc.broker.stats.allocation(err, srch.tried)
	span.SetAttributes(tracing.Attribute("combinations", srch.tried))
	span.End(tracing.WithStatus(err))

	if err != nil {
		lc.fail(nil, err)
		return
	}

	lc.info = info
	lc.setState(StateAllocated)
	lc.dumpAllocation(info)
	lc.publish(c)
}

// attach runs the follow-up allocation of the attached subtree rooted at a.
func (lc *LogicalCollection) attach(a *node) {
	lc.setState(StateRenegotiating)

	_, span := tracing.StartSpan(context.Background(), "sysmem.attach",
		tracing.WithAttributes(
			tracing.Attribute("collection", lc.id),
			tracing.Attribute("node", a.koid),
		))

	srch := newSearcher(&lc.tree, a, lc.searchLimit())
	c, err := srch.search(func(parts []*participant) (*allocationPlan, error) {
		return lc.broker.negotiator.negotiate(parts, lc.info)
	})

	lc.broker.stats.allocation(err, srch.tried)
	span.SetAttributes(tracing.Attribute("combinations", srch.tried))
	span.End(tracing.WithStatus(err))

	lc.setState(StateAllocated)

	if err != nil {
		log.Warn("collection #%d: attached %s failed: %v", lc.id, a, err)
		lc.removeFailed(a, nil, err)
		return
	}

	log.Info("collection #%d: attached %s", lc.id, a)
	lc.publish(c)
}

// materialize allocates the buffers of a plan.
func (lc *LogicalCollection) materialize(plan *allocationPlan) (*CollectionInfo, error) {
	mems := make([]Memory, 0, plan.count)
	for i := uint32(0); i < plan.count; i++ {
		mem, err := lc.broker.allocator.Allocate(plan.heap, plan.reserved)
		if err != nil {
			for _, m := range mems {
				m.Close()
			}
			return nil, fmt.Errorf("%w: buffer #%d of %d bytes from %s: %w",
				ErrNoMemory, i, plan.reserved, plan.heap, err)
		}
		mems = append(mems, mem)
	}

	strong, live := lc.tree.liveNodes()
	lc.tracker.setBuffers(plan.heap, mems, strong, live)

	return &CollectionInfo{
		CollectionID: lc.id,
		BufferCount:  plan.count,
		Settings:     plan.settings,
	}, nil
}

// publish delivers an allocation to the nodes of a combination and fails
// the group children left out of it.
func (lc *LogicalCollection) publish(c *combination) {
	for _, x := range c.excluded {
		err := intersectionEmpty("%s not selected", x)
		lc.tree.remove(x, func(o *node) {
			lc.retire(o, err)
		})
	}

	for _, n := range c.nodes {
		if n.failed() {
			continue
		}
		n.negotiated = true
		if n.kind != KindCollection {
			continue
		}
		if n.weak && !n.weakOk {
			err := fmt.Errorf("%w: %s", ErrWeakNotAllowed, n)
			log.Warn("collection #%d: %v", lc.id, err)
			lc.tree.remove(n, func(o *node) {
				lc.retire(o, err)
			})
			continue
		}
		n.delivered = true
		if len(n.waiters) > 0 {
			r, err := lc.resultFor(n)
			lc.completeWaiters(n, r, err)
		}
	}
}

// resultFor returns the allocation result of a node, creating its buffer
// handles on first use.
func (lc *LogicalCollection) resultFor(n *node) (*AllocationResult, error) {
	if n.result == nil {
		handles, err := lc.tracker.newHandles(n.rights, n.weak)
		if err != nil {
			return nil, err
		}
		n.result = &AllocationResult{
			Info:    lc.info,
			Buffers: handles,
		}
	}
	return n.result, nil
}

// shutdown fails the collection from outside the event loop.
func (lc *LogicalCollection) shutdown(err error) {
	lc.do(func() error {
		lc.fail(nil, err)
		return nil
	})
}
