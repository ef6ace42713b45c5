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

//go:build !linux

package memfd

// File is an anonymous memory file of a fixed size.
type File struct{}

// Supported returns true if memory files are supported.
func Supported() bool {
	return false
}

// New creates a memory file of the given size.
func New(string, uint64) (*File, error) {
	return nil, ErrNotSupported
}

// Fd returns the file descriptor of the file.
func (*File) Fd() int {
	return -1
}

// Size returns the size of the file.
func (*File) Size() uint64 {
	return 0
}

// Dup returns a new file sharing the same memory.
func (*File) Dup() (*File, error) {
	return nil, ErrNotSupported
}

// Map maps the file into memory.
func (*File) Map() ([]byte, error) {
	return nil, ErrNotSupported
}

// Unmap unmaps memory returned by Map.
func Unmap([]byte) error {
	return ErrNotSupported
}

// Close closes the file.
func (*File) Close() error {
	return nil
}
