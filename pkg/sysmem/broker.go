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
	"sync"
	"sync/atomic"

	cfgapi "github.com/containers/nri-sysmem/pkg/apis/config/v1alpha1/broker"
)

// Broker creates and tracks logical buffer collections.
type Broker struct {
	sync.Mutex
	cfg         *cfgapi.Config
	heaps       []*Heap
	allocator   MemoryAllocator
	negotiator  *negotiator
	stats       *stats
	koids       atomic.Uint64
	nextID      uint64
	collections map[uint64]*LogicalCollection
	nodes       map[uint64]*LogicalCollection
	tokens      map[uint64]struct{}
	closed      bool
}

// Option is an option for a broker.
type Option func(*Broker) error

// WithConfig sets the configuration of the broker.
func WithConfig(cfg *cfgapi.Config) Option {
	return func(b *Broker) error {
		c := *cfg
		c.Heaps = slices.Clone(cfg.Heaps)
		c.SetDefaults()
		if err := c.Validate(); err != nil {
			return err
		}
		b.cfg = &c
		return nil
	}
}

// WithAllocator sets the memory allocator of the broker, overriding the
// allocator selected by configuration.
func WithAllocator(a MemoryAllocator) Option {
	return func(b *Broker) error {
		if a == nil {
			return fmt.Errorf("nil allocator")
		}
		b.allocator = a
		return nil
	}
}

// NewBroker creates a new broker with the given options.
func NewBroker(options ...Option) (*Broker, error) {
	b := &Broker{
		cfg:         cfgapi.Default(),
		stats:       newStats(),
		collections: map[uint64]*LogicalCollection{},
		nodes:       map[uint64]*LogicalCollection{},
		tokens:      map[uint64]struct{}{},
	}

	for _, o := range options {
		if err := o(b); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrFailedOption, err)
		}
	}

	heaps, err := heapsFromConfig(b.cfg.Heaps)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFailedOption, err)
	}
	b.heaps = heaps

	if b.allocator == nil {
		switch b.cfg.Allocator {
		case cfgapi.AllocatorMemfd:
			a, err := NewMemfdAllocator()
			if err != nil {
				return nil, err
			}
			b.allocator = a
		default:
			b.allocator = NewRAMAllocator()
		}
	}

	b.negotiator = &negotiator{
		heaps: b.heaps,
		resolver: resolver{
			pageSize:       uint64(b.cfg.PageSize),
			maxBufferCount: uint32(b.cfg.MaxBufferCount),
			maxTotalBytes:  quantityBytes(b.cfg.MaxTotalBytes),
		},
	}

	brokerCollector.add(b)

	log.Info("created broker with %d heaps, %T allocator", len(b.heaps), b.allocator)
	for _, h := range b.heaps {
		log.Info("  - %s, domains %s", h, h.Domains)
	}

	return b, nil
}

// Heaps returns the heaps of the broker in order of preference.
func (b *Broker) Heaps() []*Heap {
	return slices.Clone(b.heaps)
}

// AllocateSharedCollection creates a new collection and returns the token
// of its root node.
func (b *Broker) AllocateSharedCollection() (*Token, error) {
	b.Lock()
	if b.closed {
		b.Unlock()
		return nil, fmt.Errorf("%w: broker closed", ErrPeerClosed)
	}
	b.nextID++
	lc := newLogicalCollection(b, b.nextID)
	b.collections[lc.id] = lc
	b.Unlock()

	var tok *Token
	err := lc.do(func() error {
		n := lc.newNode(KindToken, nil, RightsAll)
		tok = &Token{nodeHandle{lc: lc, n: n}}
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Info("created collection #%d", lc.id)

	return tok, nil
}

// BindSharedCollection converts a token into a collection node. The token
// handle is consumed by the conversion.
func (b *Broker) BindSharedCollection(t *Token) (*Collection, error) {
	if t == nil || t.lc == nil || t.lc.broker != b {
		return nil, invalidArgs("token of another broker")
	}

	var c *Collection
	err := t.with(func(n *node) error {
		if n.kind != KindToken {
			return protocolError("%s is not a token", n)
		}
		n.kind = KindCollection
		t.consumed = true
		b.unregisterToken(n.koid)
		c = &Collection{nodeHandle{lc: t.lc, n: n}}
		return nil
	})

	return c, err
}

// ValidateToken returns true if koid refers to a known token.
func (b *Broker) ValidateToken(koid uint64) bool {
	b.Lock()
	defer b.Unlock()
	_, ok := b.tokens[koid]
	return ok
}

// Collections returns the status of all live collections, ordered by ID.
func (b *Broker) Collections() []CollectionStatus {
	b.Lock()
	collections := make([]*LogicalCollection, 0, len(b.collections))
	for _, lc := range b.collections {
		collections = append(collections, lc)
	}
	b.Unlock()

	status := make([]CollectionStatus, 0, len(collections))
	for _, lc := range collections {
		status = append(status, lc.Status())
	}
	slices.SortFunc(status, func(a, b CollectionStatus) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})

	return status
}

// Check returns an error once the broker is closed.
func (b *Broker) Check() error {
	b.Lock()
	defer b.Unlock()
	if b.closed {
		return fmt.Errorf("%w: broker closed", ErrPeerClosed)
	}
	return nil
}

// Close fails all live collections and closes the broker.
func (b *Broker) Close() {
	b.Lock()
	if b.closed {
		b.Unlock()
		return
	}
	b.closed = true
	collections := make([]*LogicalCollection, 0, len(b.collections))
	for _, lc := range b.collections {
		collections = append(collections, lc)
	}
	b.Unlock()

	for _, lc := range collections {
		lc.shutdown(fmt.Errorf("%w: broker closed", ErrPeerClosed))
	}

	brokerCollector.del(b)
	log.Info("closed broker")
}

func (b *Broker) newKoid() uint64 {
	return b.koids.Add(1)
}

func (b *Broker) registerNode(koid uint64, lc *LogicalCollection, token bool) {
	b.Lock()
	defer b.Unlock()
	b.nodes[koid] = lc
	if token {
		b.tokens[koid] = struct{}{}
	}
}

func (b *Broker) unregisterToken(koid uint64) {
	b.Lock()
	defer b.Unlock()
	delete(b.tokens, koid)
}

func (b *Broker) unregisterNode(koid uint64) {
	b.Lock()
	defer b.Unlock()
	delete(b.nodes, koid)
	delete(b.tokens, koid)
}

func (b *Broker) lookup(koid uint64) *LogicalCollection {
	b.Lock()
	defer b.Unlock()
	return b.nodes[koid]
}

func (b *Broker) removeCollection(lc *LogicalCollection) {
	b.Lock()
	defer b.Unlock()
	delete(b.collections, lc.id)
}
