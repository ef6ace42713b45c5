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

package log

import (
	"testing"

	"github.com/stretchr/testify/require"

	cfgapi "github.com/containers/nri-sysmem/pkg/apis/config/v1alpha1/log"
)

func TestSrcmapParse(t *testing.T) {
	type testCase struct {
		name    string
		value   string
		result  srcmap
		invalid bool
	}

	for _, tc := range []*testCase{
		{
			name:   "empty",
			value:  "",
			result: srcmap{},
		},
		{
			name:   "implicit on",
			value:  "sysmem,broker",
			result: srcmap{"sysmem": true, "broker": true},
		},
		{
			name:   "mixed states",
			value:  "on:sysmem,off:metrics,tracing",
			result: srcmap{"sysmem": true, "metrics": false, "tracing": false},
		},
		{
			name:   "all",
			value:  "all",
			result: srcmap{"*": true},
		},
		{
			name:    "bad state",
			value:   "maybe:sysmem",
			invalid: true,
		},
		{
			name:    "bad entry",
			value:   "on:off:sysmem",
			invalid: true,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			m := make(srcmap)
			err := m.parse(tc.value)
			if tc.invalid {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.result, m)
		})
	}
}

func TestConfigureDebug(t *testing.T) {
	l := Get("log-test")
	other := Get("log-test-other")

	require.NoError(t, Configure(&cfgapi.Config{Debug: []string{"log-test"}}))
	require.True(t, l.DebugEnabled())
	require.False(t, other.DebugEnabled())

	require.NoError(t, Configure(&cfgapi.Config{Debug: []string{"all"}}))
	require.True(t, other.DebugEnabled())

	require.NoError(t, Configure(&cfgapi.Config{Debug: []string{"all,off:log-test-other"}}))
	require.True(t, l.DebugEnabled())
	require.False(t, other.DebugEnabled())

	require.Error(t, Configure(&cfgapi.Config{Debug: []string{"bogus:log-test"}}))

	require.NoError(t, Configure(&cfgapi.Config{}))
	require.False(t, l.DebugEnabled())
}

func TestEnableDebug(t *testing.T) {
	l := Get("log-test-forced")
	require.NoError(t, Configure(&cfgapi.Config{}))

	require.False(t, l.EnableDebug(true))
	require.True(t, l.DebugEnabled())
	require.True(t, l.EnableDebug(false))
	require.False(t, l.DebugEnabled())
}

func TestGetReturnsSameLogger(t *testing.T) {
	require.Equal(t, Get("log-test-same"), NewLogger("log-test-same"))
	require.Equal(t, "log-test-same", Get("log-test-same").Source())
	require.Equal(t, "default", Default().Source())
}
