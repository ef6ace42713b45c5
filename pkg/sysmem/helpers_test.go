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

package sysmem_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	. "github.com/containers/nri-sysmem/pkg/sysmem"
)

const (
	page = 4096
)

func newBroker(t *testing.T, options ...Option) *Broker {
	b, err := NewBroker(options...)
	require.Nil(t, err, "unexpected NewBroker() error")
	require.NotNil(t, b, "unexpected nil broker")
	t.Cleanup(b.Close)
	return b
}

// newParticipants creates a collection with cnt bound participants.
func newParticipants(t *testing.T, b *Broker, cnt int) []*Collection {
	root, err := b.AllocateSharedCollection()
	require.Nil(t, err, "unexpected AllocateSharedCollection() error")

	tokens := []*Token{root}
	if cnt > 1 {
		masks := make([]Rights, cnt-1)
		for i := range masks {
			masks[i] = RightsSame
		}
		dups, err := root.DuplicateSync(masks)
		require.Nil(t, err, "unexpected DuplicateSync() error")
		tokens = append(tokens, dups...)
	}

	collections := make([]*Collection, 0, cnt)
	for _, tok := range tokens {
		collections = append(collections, bind(t, b, tok))
	}

	return collections
}

func bind(t *testing.T, b *Broker, tok *Token) *Collection {
	c, err := b.BindSharedCollection(tok)
	require.Nil(t, err, "unexpected BindSharedCollection() error")
	require.NotNil(t, c, "unexpected nil collection")
	return c
}

func setConstraints(t *testing.T, c *Collection, constraints *Constraints) {
	require.Nil(t, c.SetConstraints(constraints), "unexpected SetConstraints() error")
}

func waitAllocated(c *Collection) (*AllocationResult, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return c.WaitForAllocated(ctx)
}

func mustAllocate(t *testing.T, c *Collection) *AllocationResult {
	r, err := waitAllocated(c)
	require.Nil(t, err, "unexpected WaitForAllocated() error")
	require.NotNil(t, r, "unexpected nil allocation result")
	return r
}

func cpuConstraints(minCount uint32) *Constraints {
	return &Constraints{
		Usage:          UsageCPURead | UsageCPUWrite,
		MinBufferCount: minCount,
		Memory: &BufferMemoryConstraints{
			MinSizeBytes: page,
		},
	}
}

func sizeConstraints(camping uint32, minSize, maxSize uint64) *Constraints {
	return &Constraints{
		Usage:                    UsageCPURead,
		MinBufferCountForCamping: camping,
		Memory: &BufferMemoryConstraints{
			MinSizeBytes: minSize,
			MaxSizeBytes: maxSize,
		},
	}
}

type releaser interface {
	Release() error
	Close() error
}

func closeAll(nodes ...releaser) {
	for _, n := range nodes {
		n.Release()
		n.Close()
	}
}
