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
	"sync"
)

// Signal is a one-shot notification, closed by the broker.
type Signal struct {
	once sync.Once
	ch   chan struct{}
}

// NewSignal creates a new open signal.
func NewSignal() *Signal {
	return &Signal{ch: make(chan struct{})}
}

// Close closes the signal. Closing an already closed signal is a no-op.
func (s *Signal) Close() {
	s.once.Do(func() { close(s.ch) })
}

// Done returns a channel which is closed once the signal is closed.
func (s *Signal) Done() <-chan struct{} {
	return s.ch
}

// IsClosed returns true if the signal has been closed.
func (s *Signal) IsClosed() bool {
	select {
	case <-s.ch:
		return true
	default:
		return false
	}
}

// tracker accounts for buffer handles of one collection. Handles outlive
// nodes so the tracker has its own lock instead of running on the actor.
type tracker struct {
	sync.Mutex
	collection  uint64
	stats       *stats
	buffers     []*buffer
	allocated   bool
	failed      bool
	strongNodes int
	liveNodes   int
	unfreed     int
	watchers    []*watcher
}

// buffer is the lifetime entry of one allocated buffer.
type buffer struct {
	index    int
	heap     *Heap
	mem      Memory
	strong   int
	weak     int
	weakAsap *Signal
	freed    bool
}

// watcher is a lifetime tracking request.
type watcher struct {
	signal    *Signal
	remaining int
}

func newTracker(collection uint64, stats *stats) *tracker {
	return &tracker{
		collection: collection,
		stats:      stats,
	}
}

// setBuffers installs the allocated buffers along with the current node
// counts and evaluates any pending lifetime tracking requests.
func (t *tracker) setBuffers(heap *Heap, mems []Memory, strong, live int) {
	t.Lock()
	defer t.Unlock()

	t.strongNodes = strong
	t.liveNodes = live

	for i, mem := range mems {
		t.buffers = append(t.buffers, &buffer{
			index:    i,
			heap:     heap,
			mem:      mem,
			weakAsap: NewSignal(),
		})
		t.stats.bufferAllocated(heap, mem.Size())
	}
	t.allocated = true
	t.unfreed = len(mems)

	t.update()
}

// setNodes updates the number of live nodes still able to obtain handles.
func (t *tracker) setNodes(strong, live int) {
	t.Lock()
	defer t.Unlock()

	t.strongNodes = strong
	t.liveNodes = live
	t.update()
}

// fail closes pending lifetime tracking requests of a collection which
// never got allocated.
func (t *tracker) fail() {
	t.Lock()
	defer t.Unlock()

	t.failed = true
	t.strongNodes = 0
	t.liveNodes = 0
	t.update()
}

// attach registers a lifetime tracking request.
func (t *tracker) attach(s *Signal, remaining uint32) {
	t.Lock()
	defer t.Unlock()

	t.watchers = append(t.watchers, &watcher{signal: s, remaining: int(remaining)})
	t.update()
}

// newHandles creates one handle per buffer for a node.
func (t *tracker) newHandles(rights Rights, weak bool) ([]*BufferHandle, error) {
	t.Lock()
	defer t.Unlock()

	handles := make([]*BufferHandle, 0, len(t.buffers))
	for _, b := range t.buffers {
		h, err := t.newHandle(b, rights, weak)
		if err != nil {
			for _, h := range handles {
				t.closeHandle(h)
			}
			return nil, err
		}
		handles = append(handles, h)
	}

	return handles, nil
}

func (t *tracker) newHandle(b *buffer, rights Rights, weak bool) (*BufferHandle, error) {
	if b.freed {
		return nil, fmt.Errorf("%w: buffer #%d already freed", ErrPeerClosed, b.index)
	}

	mem, err := b.mem.Duplicate()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to duplicate buffer #%d: %w", ErrNoMemory, b.index, err)
	}

	if weak {
		b.weak++
	} else {
		b.strong++
	}

	return &BufferHandle{
		t:      t,
		b:      b,
		mem:    mem,
		rights: rights,
		weak:   weak,
	}, nil
}

func (t *tracker) closeHandle(h *BufferHandle) error {
	if h.closed {
		return nil
	}
	h.closed = true

	if h.weak {
		h.b.weak--
	} else {
		h.b.strong--
	}

	err := h.mem.Close()
	t.update()

	return err
}

// update closes weak-asap signals, frees unreferenced buffers and closes
// satisfied lifetime tracking requests. The caller holds the lock.
func (t *tracker) update() {
	for _, b := range t.buffers {
		if b.freed {
			continue
		}
		if b.strong == 0 && t.strongNodes == 0 {
			b.weakAsap.Close()
		}
		if b.strong == 0 && b.weak == 0 && t.liveNodes == 0 {
			t.free(b)
		}
	}

	if !t.allocated && !t.failed {
		return
	}

	pending := t.watchers[:0]
	for _, w := range t.watchers {
		if t.failed || t.unfreed <= w.remaining {
			w.signal.Close()
		} else {
			pending = append(pending, w)
		}
	}
	t.watchers = pending
}

func (t *tracker) free(b *buffer) {
	b.freed = true
	b.weakAsap.Close()
	t.unfreed--
	if err := b.mem.Close(); err != nil {
		log.Error("collection #%d: failed to free buffer #%d: %v", t.collection, b.index, err)
	}
	t.stats.bufferFreed(b.heap, b.mem.Size())
	details.Debug("collection #%d: freed buffer #%d, %d buffers remaining", t.collection, b.index, t.unfreed)
}

// Unfreed returns the number of buffers not yet freed.
func (t *tracker) Unfreed() int {
	t.Lock()
	defer t.Unlock()
	return t.unfreed
}

// BufferHandle is a handle to one buffer of an allocated collection.
type BufferHandle struct {
	t      *tracker
	b      *buffer
	mem    Memory
	rights Rights
	weak   bool
	closed bool
}

// Index returns the index of the buffer within its collection.
func (h *BufferHandle) Index() int {
	return h.b.index
}

// Memory returns the memory of the buffer.
func (h *BufferHandle) Memory() Memory {
	return h.mem
}

// Rights returns the rights of the handle.
func (h *BufferHandle) Rights() Rights {
	return h.rights
}

// IsWeak returns true for a weak handle.
func (h *BufferHandle) IsWeak() bool {
	return h.weak
}

// CloseWeakAsap returns the signal closed once the buffer has no strong
// handles nor strong nodes left. It is nil for strong handles.
func (h *BufferHandle) CloseWeakAsap() *Signal {
	if !h.weak {
		return nil
	}
	return h.b.weakAsap
}

// Duplicate returns a new handle with the same strength and rights.
func (h *BufferHandle) Duplicate() (*BufferHandle, error) {
	h.t.Lock()
	defer h.t.Unlock()

	if h.closed {
		return nil, fmt.Errorf("%w: buffer handle closed", ErrPeerClosed)
	}
	return h.t.newHandle(h.b, h.rights, h.weak)
}

// Close closes the handle. The buffer is freed once all of its handles
// are closed and no live node can obtain new ones.
func (h *BufferHandle) Close() error {
	h.t.Lock()
	defer h.t.Unlock()
	return h.t.closeHandle(h)
}

func (h *BufferHandle) String() string {
	kind := "strong"
	if h.weak {
		kind = "weak"
	}
	return fmt.Sprintf("buffer #%d (%s, %s)", h.b.index, kind, h.rights)
}
