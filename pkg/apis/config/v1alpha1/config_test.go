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

package v1alpha1_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	cfgapi "github.com/containers/nri-sysmem/pkg/apis/config/v1alpha1"
	"github.com/containers/nri-sysmem/pkg/apis/config/v1alpha1/broker"
)

func TestParseDefaults(t *testing.T) {
	cfg, err := cfgapi.Parse([]byte(`
kind: SysmemBroker
spec:
  maxBufferCount: 32
`))
	require.NoError(t, err)
	require.Equal(t, 32, cfg.Spec.MaxBufferCount)
	require.Equal(t, broker.DefaultMaxGroupChildCombinations, cfg.Spec.MaxGroupChildCombinations)
	require.Equal(t, broker.DefaultPageSize, cfg.Spec.PageSize)
	require.Len(t, cfg.Spec.Heaps, 3)
	require.Equal(t, "4Gi", cfg.Spec.MaxTotalBytes.String())
}

func TestParseHeaps(t *testing.T) {
	cfg, err := cfgapi.Parse([]byte(`
spec:
  allocator: memfd
  heaps:
    - name: dram
      id: 10
      capacity: 64Mi
    - name: protected
      id: 11
      secure: true
  log:
    debug:
      - sysmem
`))
	require.NoError(t, err)
	require.Equal(t, broker.AllocatorMemfd, cfg.Spec.Allocator)
	require.Len(t, cfg.Spec.Heaps, 2)
	require.Equal(t, int64(64<<20), cfg.Spec.Heaps[0].Capacity.Value())
	require.Equal(t, []string{broker.DomainInaccessible}, cfg.Spec.Heaps[1].Domains)
	require.Equal(t, []string{"sysmem"}, cfg.Spec.Log.Debug)
}

func TestParseErrors(t *testing.T) {
	type testCase struct {
		name string
		data string
	}

	for _, tc := range []*testCase{
		{
			name: "wrong kind",
			data: "kind: TopologyAwarePolicy\n",
		},
		{
			name: "unknown field",
			data: "spec:\n  maxBuffers: 3\n",
		},
		{
			name: "duplicate heap id",
			data: "spec:\n  heaps:\n    - name: a\n      id: 1\n    - name: b\n      id: 1\n",
		},
		{
			name: "secure cpu heap",
			data: "spec:\n  heaps:\n    - name: a\n      secure: true\n      domains: [cpu]\n",
		},
		{
			name: "bad page size",
			data: "spec:\n  pageSize: 1000\n",
		},
		{
			name: "unknown allocator",
			data: "spec:\n  allocator: gpu\n",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := cfgapi.Parse([]byte(tc.data))
			require.Error(t, err)
		})
	}
}

func TestPrintRoundTrip(t *testing.T) {
	data, err := cfgapi.Default().Print()
	require.NoError(t, err)

	cfg, err := cfgapi.Parse(data)
	require.NoError(t, err)
	require.Equal(t, cfgapi.Default().Spec.Heaps, cfg.Spec.Heaps)
}

func TestAddDebug(t *testing.T) {
	cfg := cfgapi.Default()
	cfg.Spec.Log.Debug = []string{"on:sysmem"}
	cfg.Spec.Log.AddDebug("", "off:sysmem-details", "scenario")
	require.Equal(t, []string{"on:sysmem", "off:sysmem-details", "scenario"}, cfg.Spec.Log.Debug)
}
