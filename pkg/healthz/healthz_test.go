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

package healthz_test

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/containers/nri-sysmem/pkg/healthz"
)

func get(t *testing.T, srv *httptest.Server) (int, string) {
	rpl, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer rpl.Body.Close()
	body, err := io.ReadAll(rpl.Body)
	require.NoError(t, err)
	return rpl.StatusCode, string(body)
}

func TestHealthz(t *testing.T) {
	r := chi.NewRouter()
	healthz.Setup(r)
	srv := httptest.NewServer(r)
	defer srv.Close()

	healthy := true
	healthz.RegisterHealthChecker("test", func() (healthz.Status, error) {
		if healthy {
			return healthz.Healthy, nil
		}
		return healthz.Degraded, errors.New("too many failed collections")
	})
	defer healthz.UnregisterHealthChecker("test")

	code, body := get(t, srv)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "ok", body)

	healthy = false
	code, body = get(t, srv)
	require.Equal(t, http.StatusInternalServerError, code)
	require.Contains(t, body, "degraded")
	require.Contains(t, body, "test: too many failed collections")

	status, details := healthz.Check()
	require.Equal(t, healthz.Degraded, status)
	require.Len(t, details, 1)
}
