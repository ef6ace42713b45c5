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

package sysmem_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	cfgapi "github.com/containers/nri-sysmem/pkg/apis/config/v1alpha1/broker"
	. "github.com/containers/nri-sysmem/pkg/sysmem"
	"github.com/containers/nri-sysmem/pkg/sysmem/memfd"
)

func TestMemfdAllocator(t *testing.T) {
	if !memfd.Supported() {
		t.Skip("memfd not supported")
	}

	cfg := cfgapi.Default()
	cfg.Allocator = cfgapi.AllocatorMemfd

	b := newBroker(t, WithConfig(cfg))
	cs := newParticipants(t, b, 2)
	setConstraints(t, cs[0], sizeConstraints(1, 3*page, 0))
	setConstraints(t, cs[1], sizeConstraints(1, 0, 0))

	r0 := mustAllocate(t, cs[0])
	r1 := mustAllocate(t, cs[1])
	require.Len(t, r0.Buffers, 2, "buffer handles")

	m0, ok := r0.Buffers[1].Memory().(*MemfdMemory)
	require.True(t, ok, "memfd allocator memory")
	m1, ok := r1.Buffers[1].Memory().(*MemfdMemory)
	require.True(t, ok, "memfd allocator memory")
	require.Equal(t, uint64(3*page), m0.Size(), "memfd size")

	w, err := m0.Map()
	require.Nil(t, err, "unexpected Map() error")
	defer memfd.Unmap(w)
	rd, err := m1.Map()
	require.Nil(t, err, "unexpected Map() error")
	defer memfd.Unmap(rd)

	w[page+1] = 0xa5
	require.Equal(t, byte(0xa5), rd[page+1], "participants share buffer memory")
}
