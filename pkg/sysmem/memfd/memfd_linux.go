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

//go:build linux

package memfd

import (
	"fmt"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// File is an anonymous memory file of a fixed size.
type File struct {
	fd     int
	size   uint64
	closed atomic.Bool
}

// Supported returns true if memory files are supported.
func Supported() bool {
	return true
}

// New creates a memory file of the given size, sealed against resizing.
func New(name string, size uint64) (*File, error) {
	fd, err := unix.MemfdCreate(name, unix.MFD_CLOEXEC|unix.MFD_ALLOW_SEALING)
	if err != nil {
		return nil, fmt.Errorf("memfd: failed to create %q: %w", name, err)
	}

	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("memfd: failed to resize %q to %d bytes: %w", name, size, err)
	}

	seals := unix.F_SEAL_SHRINK | unix.F_SEAL_GROW | unix.F_SEAL_SEAL
	if _, err := unix.FcntlInt(uintptr(fd), unix.F_ADD_SEALS, seals); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("memfd: failed to seal %q: %w", name, err)
	}

	return &File{fd: fd, size: size}, nil
}

// Fd returns the file descriptor of the file.
func (f *File) Fd() int {
	return f.fd
}

// Size returns the size of the file.
func (f *File) Size() uint64 {
	return f.size
}

// Dup returns a new file sharing the same memory.
func (f *File) Dup() (*File, error) {
	if f.closed.Load() {
		return nil, ErrClosed
	}
	fd, err := unix.FcntlInt(uintptr(f.fd), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("memfd: failed to duplicate fd %d: %w", f.fd, err)
	}
	return &File{fd: fd, size: f.size}, nil
}

// Map maps the file into memory, shared and writable.
func (f *File) Map() ([]byte, error) {
	if f.closed.Load() {
		return nil, ErrClosed
	}
	if f.size == 0 {
		return []byte{}, nil
	}
	b, err := unix.Mmap(f.fd, 0, int(f.size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("memfd: failed to map fd %d: %w", f.fd, err)
	}
	return b, nil
}

// Unmap unmaps memory returned by Map.
func Unmap(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	return unix.Munmap(b)
}

// Close closes the file. Closing an already closed file is a no-op.
func (f *File) Close() error {
	if !f.closed.CompareAndSwap(false, true) {
		return nil
	}
	return unix.Close(f.fd)
}
