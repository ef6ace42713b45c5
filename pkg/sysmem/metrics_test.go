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
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestOutcome(t *testing.T) {
	type testCase struct {
		err     error
		outcome string
	}

	for _, tc := range []*testCase{
		{nil, outcomeSuccess},
		{intersectionEmpty("no heap"), outcomeIntersectionEmpty},
		{fmt.Errorf("%w: too many", ErrTooManyGroupChildCombinations), outcomeTooManyCombinations},
		{fmt.Errorf("%w: out of memory", ErrNoMemory), outcomeNoMemory},
		{ErrPeerClosed, outcomePeerClosed},
		{fmt.Errorf("bad things"), outcomeOther},
	} {
		require.Equal(t, tc.outcome, outcome(tc.err), "outcome of %v", tc.err)
	}
}

func allocateForMetrics(t *testing.T, b *Broker, c *Constraints) error {
	tok, err := b.AllocateSharedCollection()
	require.Nil(t, err, "unexpected AllocateSharedCollection() error")
	col, err := b.BindSharedCollection(tok)
	require.Nil(t, err, "unexpected BindSharedCollection() error")
	require.Nil(t, col.SetConstraints(c), "unexpected SetConstraints() error")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = col.WaitForAllocated(ctx)
	return err
}

func TestCollector(t *testing.T) {
	b, err := NewBroker()
	require.Nil(t, err, "unexpected NewBroker() error")
	defer b.Close()

	c := newCollector()
	c.add(b)

	err = allocateForMetrics(t, b, &Constraints{
		Usage:          UsageCPU,
		MinBufferCount: 2,
		Memory:         &BufferMemoryConstraints{MinSizeBytes: 4000},
	})
	require.Nil(t, err, "unexpected allocation error")

	err = allocateForMetrics(t, b, &Constraints{
		Usage:          UsageCPU,
		MinBufferCount: 1,
		Memory:         &BufferMemoryConstraints{SecureRequired: true},
	})
	require.ErrorIs(t, err, ErrConstraintsIntersectionEmpty, "incompatible constraints")

	require.Eventually(t, func() bool { return len(b.Collections()) == 1 },
		time.Second, time.Millisecond, "failed collection gone")

	expected := `
# HELP allocations_total Number of logical allocations, by outcome.
# TYPE allocations_total counter
allocations_total{outcome="intersection-empty"} 1
allocations_total{outcome="success"} 1
# HELP buffers Number of allocated buffers not yet freed, by heap.
# TYPE buffers gauge
buffers{heap="system-ram"} 2
# HELP bytes Amount of allocated buffer memory not yet freed, by heap.
# TYPE bytes gauge
bytes{heap="system-ram"} 8192
# HELP collections Number of logical buffer collections by state.
# TYPE collections gauge
collections{state="allocated"} 1
collections{state="collecting"} 0
collections{state="failed"} 0
collections{state="negotiating"} 0
collections{state="renegotiating"} 0
# HELP combinations_tried_total Number of group child combinations tried.
# TYPE combinations_tried_total counter
combinations_tried_total 2
`
	require.Nil(t, testutil.CollectAndCompare(c, strings.NewReader(expected)), "collected metrics")

	c.del(b)
	require.Equal(t, len(States)+1, testutil.CollectAndCount(c), "metrics without brokers")
}
