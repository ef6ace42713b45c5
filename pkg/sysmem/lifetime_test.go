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
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestTracker(t *testing.T, count, strong, live int) (*tracker, []*RAMMemory) {
	var (
		tr   = newTracker(1, newStats())
		heap = &Heap{Name: "test"}
		rams []*RAMMemory
		mems []Memory
	)

	for i := 0; i < count; i++ {
		m, err := NewRAMAllocator().Allocate(heap, testPage)
		require.Nil(t, err, "unexpected Allocate() error")
		rams = append(rams, m.(*RAMMemory))
		mems = append(mems, m)
	}
	tr.setBuffers(heap, mems, strong, live)

	return tr, rams
}

func TestTrackerFreesUnreferencedBuffers(t *testing.T) {
	tr, mems := newTestTracker(t, 2, 1, 1)
	require.Equal(t, 2, tr.Unfreed(), "buffers with a live node")

	handles, err := tr.newHandles(RightsAll, false)
	require.Nil(t, err, "unexpected newHandles() error")
	require.Len(t, handles, 2, "buffer handles")

	tr.setNodes(0, 0)
	require.Equal(t, 2, tr.Unfreed(), "buffers with open handles")

	require.Nil(t, handles[0].Close(), "unexpected Close() error")
	require.Equal(t, 1, tr.Unfreed(), "buffer without handles freed")
	require.True(t, mems[0].Released(), "memory of freed buffer")
	require.False(t, mems[1].Released(), "memory of buffer in use")

	require.Nil(t, handles[0].Close(), "closing handle twice")
	_, err = handles[0].Duplicate()
	require.ErrorIs(t, err, ErrPeerClosed, "duplicate of closed handle")

	require.Nil(t, handles[1].Close(), "unexpected Close() error")
	require.Equal(t, 0, tr.Unfreed(), "all buffers freed")
}

func TestTrackerWeakAsap(t *testing.T) {
	tr, _ := newTestTracker(t, 1, 2, 2)

	strong, err := tr.newHandles(RightsAll, false)
	require.Nil(t, err, "unexpected newHandles() error")
	weak, err := tr.newHandles(RightRead, true)
	require.Nil(t, err, "unexpected newHandles() error")

	asap := weak[0].CloseWeakAsap()
	require.NotNil(t, asap, "weak asap signal")
	require.Equal(t, "buffer #0 (weak, read)", weak[0].String(), "weak handle")

	require.Nil(t, strong[0].Close(), "unexpected Close() error")
	require.False(t, asap.IsClosed(), "strong node left")

	tr.setNodes(0, 1)
	require.True(t, asap.IsClosed(), "no strong handles nor nodes")
	require.Equal(t, 1, tr.Unfreed(), "weak handle keeps buffer")

	require.Nil(t, weak[0].Close(), "unexpected Close() error")
	require.Equal(t, 1, tr.Unfreed(), "live node keeps buffer")

	tr.setNodes(0, 0)
	require.Equal(t, 0, tr.Unfreed(), "buffer freed")

	_, err = tr.newHandles(RightsAll, false)
	require.ErrorIs(t, err, ErrPeerClosed, "handles of freed buffers")
}

func TestTrackerWatchers(t *testing.T) {
	type testCase struct {
		name      string
		remaining uint32
		closed    []bool // after allocation, after each freed buffer
	}

	for _, tc := range []*testCase{
		{
			name:      "all buffers freed",
			remaining: 0,
			closed:    []bool{false, false, false, true},
		},
		{
			name:      "one buffer left",
			remaining: 1,
			closed:    []bool{false, false, true, true},
		},
		{
			name:      "more than allocated",
			remaining: 5,
			closed:    []bool{true, true, true, true},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			var (
				tr = newTracker(1, newStats())
				s  = NewSignal()
			)

			tr.attach(s, tc.remaining)
			require.False(t, s.IsClosed(), "before allocation")

			heap := &Heap{Name: "test"}
			mems := []Memory{newRAMMemory(testPage), newRAMMemory(testPage), newRAMMemory(testPage)}
			tr.setBuffers(heap, mems, 1, 1)
			handles, err := tr.newHandles(RightsAll, false)
			require.Nil(t, err, "unexpected newHandles() error")
			tr.setNodes(0, 0)

			require.Equal(t, tc.closed[0], s.IsClosed(), "after allocation")
			for i, h := range handles {
				require.Nil(t, h.Close(), "unexpected Close() error")
				require.Equal(t, tc.closed[i+1], s.IsClosed(), "after freeing buffer #%d", i)
			}
		})
	}

	t.Run("failed collection", func(t *testing.T) {
		var (
			tr = newTracker(1, newStats())
			s  = NewSignal()
		)
		tr.attach(s, 0)
		tr.fail()
		require.True(t, s.IsClosed(), "failed before allocation")
	})
}

func TestSignal(t *testing.T) {
	s := NewSignal()
	require.False(t, s.IsClosed(), "new signal")

	select {
	case <-s.Done():
		require.Fail(t, "unexpected closed signal")
	default:
	}

	s.Close()
	s.Close()
	require.True(t, s.IsClosed(), "closed signal")
	<-s.Done()
}
