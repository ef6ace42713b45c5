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

package utils_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/containers/nri-sysmem/pkg/utils"
)

func TestParseEnabled(t *testing.T) {
	for _, on := range []string{"on", "Yes", "TRUE", "enabled", "1"} {
		enabled, err := utils.ParseEnabled(on)
		require.NoError(t, err, on)
		require.True(t, enabled, on)
	}
	for _, off := range []string{"off", "no", "False", "disable", "0"} {
		enabled, err := utils.ParseEnabled(off)
		require.NoError(t, err, off)
		require.False(t, enabled, off)
	}
	_, err := utils.ParseEnabled("maybe")
	require.Error(t, err)
}

func TestRoundUpAndLCM(t *testing.T) {
	require.Equal(t, uint64(4096), utils.RoundUp(1, 4096))
	require.Equal(t, uint64(8192), utils.RoundUp(8192, 4096))
	require.Equal(t, uint64(7), utils.RoundUp(7, 0))
	require.Equal(t, uint64(12), utils.LCM(4, 6))
	require.Equal(t, uint64(5), utils.LCM(0, 5))
	require.Equal(t, uint64(1), utils.LCM(0, 0))
}
