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
	"errors"
	"fmt"
)

// NodeRef refers to a node of any collection of a broker.
type NodeRef struct {
	Koid uint64
}

// nodeHandle is the participant end of a node. Every operation runs in
// the event loop of the collection the node belongs to.
type nodeHandle struct {
	lc       *LogicalCollection
	n        *node
	consumed bool
	closed   bool
}

// node returns the node of the handle, or the error which makes it unusable.
func (h *nodeHandle) node() (*node, error) {
	switch {
	case h.consumed:
		return nil, fmt.Errorf("%w: handle of %s consumed", ErrPeerClosed, h.n)
	case h.n.err != nil:
		return nil, h.n.err
	case h.closed:
		return nil, fmt.Errorf("%w: handle of %s closed", ErrPeerClosed, h.n)
	}
	return h.n, nil
}

// with runs fn with the node of the handle in the event loop. Once the
// collection is gone the failure of the node is returned, if it has one.
func (h *nodeHandle) with(fn func(n *node) error) error {
	return h.lc.doOr(func() error {
		n, err := h.node()
		if err != nil {
			return err
		}
		return fn(n)
	}, h.stoppedError)
}

// stoppedError returns the error for an operation on a stopped collection.
func (h *nodeHandle) stoppedError() error {
	if _, err := h.node(); err != nil {
		return err
	}
	return h.lc.closedError()
}

// Koid returns the broker-wide unique ID of the node.
func (h *nodeHandle) Koid() uint64 {
	return h.n.koid
}

// NodeRef returns a reference to the node.
func (h *nodeHandle) NodeRef() NodeRef {
	return NodeRef{Koid: h.n.koid}
}

// Sync returns once all earlier operations on the node have been processed.
func (h *nodeHandle) Sync() error {
	return h.with(func(*node) error { return nil })
}

// Release marks the node for a clean Close. A group can only be released
// once all of its children are present.
func (h *nodeHandle) Release() error {
	return h.with(func(n *node) error {
		if n.kind == KindGroup && !n.allChildrenPresent {
			err := protocolError("%s released before all children present", n)
			h.lc.nodeFailed(n, err)
			return err
		}
		n.released = true
		return nil
	})
}

// Close closes the handle. Closing a handle which was not released fails
// the node. A released token becomes an orphan which stays ready in the
// tree, a released collection keeps its constraints.
func (h *nodeHandle) Close() error {
	err := h.lc.do(func() error {
		if h.consumed || h.closed {
			return nil
		}
		h.closed = true

		n := h.n
		if n.failed() {
			return nil
		}

		n.closed = true
		h.lc.handles--
		h.lc.completeWaiters(n, nil, fmt.Errorf("%w: %s closed", ErrPeerClosed, n))

		if !n.released {
			h.lc.nodeFailed(n, fmt.Errorf("%w: %s closed without release", ErrPeerClosed, n))
			return nil
		}

		switch n.kind {
		case KindToken:
			n.kind = KindOrphan
			h.lc.broker.unregisterToken(n.koid)
		case KindCollection:
			n.constraintsSet = true
		}
		details.Debug("collection #%d: %s closed", h.lc.id, n)

		return nil
	})

	if errors.Is(err, ErrPeerClosed) {
		return nil
	}
	return err
}

// SetName sets the debug name of the node. A name with a lower priority
// than the current one is ignored.
func (h *nodeHandle) SetName(priority uint32, name string) error {
	return h.with(func(n *node) error {
		if n.name == "" || priority >= n.namePriority {
			n.name = name
			n.namePriority = priority
		}
		return nil
	})
}

// SetDebugClientInfo sets the debug name and ID of the participant.
func (h *nodeHandle) SetDebugClientInfo(name string, id uint64) error {
	return h.with(func(n *node) error {
		n.clientName = name
		n.clientID = id
		return nil
	})
}

// SetVerboseLogging turns on verbose logging for the collection.
func (h *nodeHandle) SetVerboseLogging() error {
	return h.with(func(n *node) error {
		n.verbose = true
		return nil
	})
}

// GetCollectionID returns the ID of the collection, the same for all nodes.
func (h *nodeHandle) GetCollectionID() (uint64, error) {
	if err := h.with(func(*node) error { return nil }); err != nil {
		return 0, err
	}
	return h.lc.id, nil
}

// IsAlternateFor returns true if the node and the referred node are in
// different child subtrees of a common group.
func (h *nodeHandle) IsAlternateFor(ref NodeRef) (bool, error) {
	lc := h.lc.broker.lookup(ref.Koid)
	if lc == nil {
		return false, fmt.Errorf("%w: node #%d", ErrNotFound, ref.Koid)
	}

	alternate := false
	err := h.with(func(n *node) error {
		if lc != h.lc {
			return nil
		}
		other, ok := h.lc.byKoid[ref.Koid]
		if !ok {
			return fmt.Errorf("%w: node #%d", ErrNotFound, ref.Koid)
		}
		alternate = h.lc.tree.isAlternate(n, other)
		return nil
	})

	return alternate, err
}

// SetWeak makes buffer handles of the node and of its future children weak.
func (h *nodeHandle) SetWeak() error {
	return h.with(func(n *node) error {
		if n.negotiated {
			err := protocolError("%s set weak after allocation", n)
			h.lc.nodeFailed(n, err)
			return err
		}
		n.weak = true
		if h.lc.info == nil && h.lc.tree.strongNodes() == 0 {
			err := fmt.Errorf("%w: last strong node %s set weak", ErrPeerClosed, n)
			h.lc.fail(nil, err)
			return err
		}
		return nil
	})
}

// SetWeakOk declares that the participant of the node can handle weak
// buffer handles, optionally for all future children of the node too.
func (h *nodeHandle) SetWeakOk(forChildNodesAlso bool) error {
	return h.with(func(n *node) error {
		n.weakOk = true
		n.weakOkForChildren = forChildNodesAlso
		return nil
	})
}

// Token is a node not bound to constraints yet.
type Token struct {
	nodeHandle
}

// Duplicate creates a new token with rights attenuated by mask.
func (t *Token) Duplicate(mask Rights) (*Token, error) {
	var tok *Token
	err := t.with(func(n *node) error {
		tok = t.lc.newToken(n, mask, false)
		return nil
	})
	return tok, err
}

// DuplicateSync creates one new token per mask.
func (t *Token) DuplicateSync(masks []Rights) ([]*Token, error) {
	if len(masks) == 0 {
		return nil, invalidArgs("no rights masks")
	}

	tokens := make([]*Token, 0, len(masks))
	err := t.with(func(n *node) error {
		for _, mask := range masks {
			tokens = append(tokens, t.lc.newToken(n, mask, false))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return tokens, nil
}

// SetDispensable stops failures of the node from propagating to its parent.
func (t *Token) SetDispensable() error {
	return t.with(func(n *node) error {
		n.dispensable = true
		return nil
	})
}

// CreateGroup converts the token into a group. The token handle is
// consumed by the conversion.
func (t *Token) CreateGroup() (*Group, error) {
	var g *Group
	err := t.with(func(n *node) error {
		if n.kind != KindToken {
			return protocolError("%s is not a token", n)
		}
		n.kind = KindGroup
		t.consumed = true
		t.lc.broker.unregisterToken(n.koid)
		g = &Group{nodeHandle{lc: t.lc, n: n}}
		return nil
	})
	return g, err
}

// Group is a node whose children are mutually exclusive alternatives, in
// decreasing order of preference.
type Group struct {
	nodeHandle
}

func (g *Group) createChild(n *node, mask Rights) (*Token, error) {
	if n.allChildrenPresent {
		err := protocolError("%s: child created after all children present", n)
		g.lc.nodeFailed(n, err)
		return nil, err
	}
	if limit := g.lc.broker.cfg.MaxGroupChildren; limit > 0 && len(n.children) >= limit {
		err := protocolError("%s: more than %d children", n, limit)
		g.lc.nodeFailed(n, err)
		return nil, err
	}
	return g.lc.newToken(n, mask, false), nil
}

// CreateChild creates a new child token with rights attenuated by mask.
func (g *Group) CreateChild(mask Rights) (*Token, error) {
	var tok *Token
	err := g.with(func(n *node) error {
		var err error
		tok, err = g.createChild(n, mask)
		return err
	})
	return tok, err
}

// CreateChildrenSync creates one child token per mask.
func (g *Group) CreateChildrenSync(masks []Rights) ([]*Token, error) {
	if len(masks) == 0 {
		return nil, invalidArgs("no rights masks")
	}

	tokens := make([]*Token, 0, len(masks))
	err := g.with(func(n *node) error {
		for _, mask := range masks {
			tok, err := g.createChild(n, mask)
			if err != nil {
				return err
			}
			tokens = append(tokens, tok)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return tokens, nil
}

// AllChildrenPresent declares that all children of the group have been
// created, which makes the group ready.
func (g *Group) AllChildrenPresent() error {
	return g.with(func(n *node) error {
		if n.allChildrenPresent {
			err := protocolError("%s: all children present twice", n)
			g.lc.nodeFailed(n, err)
			return err
		}
		if len(n.children) == 0 {
			err := protocolError("%s: all children present without children", n)
			g.lc.nodeFailed(n, err)
			return err
		}
		n.allChildrenPresent = true
		return nil
	})
}

// Collection is a node bound to constraints which receives the allocation.
type Collection struct {
	nodeHandle
}

// SetConstraints sets the constraints of the node, which makes it ready.
// Nil constraints make the node ready without any requirements.
func (c *Collection) SetConstraints(constraints *Constraints) error {
	return c.with(func(n *node) error {
		if n.constraintsSet {
			err := protocolError("%s: constraints set twice", n)
			c.lc.nodeFailed(n, err)
			return err
		}
		if n.waitIssued {
			err := protocolError("%s: constraints set after wait for allocation", n)
			c.lc.nodeFailed(n, err)
			return err
		}
		if constraints != nil {
			if err := constraints.Validate(); err != nil {
				c.lc.nodeFailed(n, err)
				return err
			}
			n.constraints = constraints.normalize()
		}
		n.constraintsSet = true

		if n.verbose {
			log.Info("collection #%d: %s constraints %s", c.lc.id, n, n.constraints)
		} else {
			details.Debug("collection #%d: %s constraints %s", c.lc.id, n, n.constraints)
		}

		return nil
	})
}

// WaitForAllocated waits until the allocation is delivered to the node or
// the node fails.
func (c *Collection) WaitForAllocated(ctx context.Context) (*AllocationResult, error) {
	ch := make(chan *allocReply, 1)

	err := c.with(func(n *node) error {
		n.waitIssued = true
		if n.delivered {
			r, err := c.lc.resultFor(n)
			ch <- &allocReply{result: r, err: err}
		} else {
			n.waiters = append(n.waiters, ch)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	select {
	case r := <-ch:
		return r.result, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// CheckAllocated returns nil if the allocation has been delivered to the
// node, ErrPending if it is still pending, or the failure of the node.
func (c *Collection) CheckAllocated() error {
	return c.with(func(n *node) error {
		if n.delivered {
			return nil
		}
		return ErrPending
	})
}

// AttachToken creates a token for a participant joining the collection
// later. Its subtree is left out of the initial allocation and negotiated
// against the published allocation.
func (c *Collection) AttachToken(mask Rights) (*Token, error) {
	var tok *Token
	err := c.with(func(n *node) error {
		tok = c.lc.newToken(n, mask, true)
		return nil
	})
	return tok, err
}

// AttachLifetimeTracking closes s once at most remaining buffers of the
// collection are left unfreed.
func (c *Collection) AttachLifetimeTracking(s *Signal, remaining uint32) error {
	if s == nil {
		return invalidArgs("nil signal")
	}
	return c.with(func(*node) error {
		c.lc.tracker.attach(s, remaining)
		return nil
	})
}
