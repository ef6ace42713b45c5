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
	"sync/atomic"

	"github.com/containers/nri-sysmem/pkg/sysmem/memfd"
)

// Memory is an opaque, duplicable, closable handle to buffer memory.
type Memory interface {
	// Size returns the size of the memory in bytes.
	Size() uint64
	// Duplicate returns a new handle to the same memory.
	Duplicate() (Memory, error)
	// Close closes the handle. The memory is released with the last handle.
	Close() error
}

// MemoryAllocator allocates memory for buffers from a heap.
type MemoryAllocator interface {
	Allocate(heap *Heap, size uint64) (Memory, error)
}

// RAMAllocator allocates buffer memory from the process heap.
type RAMAllocator struct{}

// NewRAMAllocator returns a new RAM allocator.
func NewRAMAllocator() *RAMAllocator {
	return &RAMAllocator{}
}

// Allocate allocates memory of the given size.
func (*RAMAllocator) Allocate(_ *Heap, size uint64) (Memory, error) {
	return newRAMMemory(size), nil
}

type ramBuffer struct {
	sync.Mutex
	refs int
	data []byte
}

// RAMMemory is a handle to memory allocated by RAMAllocator.
type RAMMemory struct {
	buf    *ramBuffer
	size   uint64
	closed atomic.Bool
}

func newRAMMemory(size uint64) *RAMMemory {
	return &RAMMemory{
		buf:  &ramBuffer{refs: 1, data: make([]byte, size)},
		size: size,
	}
}

// Bytes returns the contents of the memory, nil once the handle is closed.
func (m *RAMMemory) Bytes() []byte {
	if m.closed.Load() {
		return nil
	}
	m.buf.Lock()
	defer m.buf.Unlock()
	return m.buf.data
}

func (m *RAMMemory) Size() uint64 {
	return m.size
}

func (m *RAMMemory) Duplicate() (Memory, error) {
	if m.closed.Load() {
		return nil, fmt.Errorf("%w: memory handle closed", ErrPeerClosed)
	}
	m.buf.Lock()
	defer m.buf.Unlock()
	m.buf.refs++
	return &RAMMemory{buf: m.buf, size: m.size}, nil
}

func (m *RAMMemory) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	m.buf.Lock()
	defer m.buf.Unlock()
	if m.buf.refs--; m.buf.refs == 0 {
		m.buf.data = nil
	}
	return nil
}

// Released returns true once all handles to the memory are closed.
func (m *RAMMemory) Released() bool {
	m.buf.Lock()
	defer m.buf.Unlock()
	return m.buf.refs == 0
}

// MemfdAllocator allocates buffer memory as anonymous memory files.
type MemfdAllocator struct{}

// NewMemfdAllocator returns a new memfd allocator, or an error if memfd
// is not supported on this platform.
func NewMemfdAllocator() (*MemfdAllocator, error) {
	if !memfd.Supported() {
		return nil, fmt.Errorf("%w: memfd allocator: %w", ErrFailedOption, memfd.ErrNotSupported)
	}
	return &MemfdAllocator{}, nil
}

// Allocate allocates a memory file of the given size.
func (*MemfdAllocator) Allocate(heap *Heap, size uint64) (Memory, error) {
	f, err := memfd.New("sysmem-"+heap.Name, size)
	if err != nil {
		return nil, err
	}
	return &MemfdMemory{File: f}, nil
}

// MemfdMemory is a handle to memory allocated by MemfdAllocator.
type MemfdMemory struct {
	*memfd.File
}

func (m *MemfdMemory) Duplicate() (Memory, error) {
	f, err := m.File.Dup()
	if err != nil {
		return nil, err
	}
	return &MemfdMemory{File: f}, nil
}
