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

package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/containers/nri-sysmem/pkg/healthz"
	"github.com/containers/nri-sysmem/pkg/scenario"
	"github.com/containers/nri-sysmem/pkg/sysmem"
)

const (
	testdata = "../../pkg/scenario/testdata"
)

func execute(t *testing.T, args ...string) (string, error) {
	cmd := newRootCmd()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestNegotiateCmd(t *testing.T) {
	out, err := execute(t, "negotiate", "--verify", "-o", "json", testdata+"/camping.yaml")
	require.Nil(t, err, "unexpected negotiate error, output:\n%s", out)

	report := &scenario.Report{}
	require.Nil(t, json.Unmarshal([]byte(out), report), "unexpected report unmarshal error")
	require.Equal(t, "camping", report.Scenario, "scenario name")
	require.Len(t, report.Outcomes, 2, "outcomes")
	require.Equal(t, uint32(6), report.Outcome("producer").BufferCount, "buffer count")

	out, err = execute(t, "negotiate", testdata+"/weak.yaml", testdata+"/group.yaml")
	require.Nil(t, err, "unexpected negotiate error, output:\n%s", out)
	require.Equal(t, 2, strings.Count(out, "---\n"), "YAML documents")

	_, err = execute(t, "negotiate", "-o", "xml", testdata+"/weak.yaml")
	require.NotNil(t, err, "expected error for invalid output format")

	_, err = execute(t, "negotiate", "no-such-scenario.yaml")
	require.NotNil(t, err, "expected error for missing scenario")
}

func TestNegotiateCmdVerifyFailure(t *testing.T) {
	file := t.TempDir() + "/greedy.yaml"
	require.Nil(t, os.WriteFile(file, []byte(`
name: greedy
root:
  name: app
  constraints:
    usage: cpu-read
    minBufferCount: 2
    memory:
      minSizeBytes: 4096
  expect:
    bufferCount: 3
`), 0o644))

	out, err := execute(t, "negotiate", file)
	require.Nil(t, err, "unexpected error without --verify, output:\n%s", out)

	_, err = execute(t, "negotiate", "--verify", file)
	require.NotNil(t, err, "expected verification error")
	require.Contains(t, err.Error(), "expected 3 buffers, got 2", "verification error")
}

func TestConfigCmd(t *testing.T) {
	out, err := execute(t, "config")
	require.Nil(t, err, "unexpected config error")
	require.Contains(t, out, "kind: SysmemBroker", "printed config")
	require.Contains(t, out, "system-ram", "printed config")

	_, err = execute(t, "config", "--config", "no-such-config.yaml")
	require.NotNil(t, err, "expected error for missing config file")
}

func TestVersionCmd(t *testing.T) {
	out, err := execute(t, "version")
	require.Nil(t, err, "unexpected version error")
	require.Contains(t, out, "version: ", "version output")
	require.Contains(t, out, "build: ", "version output")
}

func TestNegotiateHandler(t *testing.T) {
	b, err := sysmem.NewBroker()
	require.Nil(t, err, "unexpected NewBroker() error")
	defer b.Close()

	handler := negotiateHandler(b, 5*time.Second)

	type testCase struct {
		name       string
		body       string
		status     int
		mismatches int
	}

	camping, err := os.ReadFile(testdata + "/camping.yaml")
	require.Nil(t, err, "unexpected ReadFile() error")

	for _, tc := range []*testCase{
		{
			name:   "camping scenario",
			body:   string(camping),
			status: http.StatusOK,
		},
		{
			name: "mismatching expectations",
			body: `
name: mismatch
root:
  name: app
  constraints:
    usage: cpu-read
    minBufferCount: 2
    memory:
      minSizeBytes: 4096
  expect:
    bufferCount: 1
    heap: secure
`,
			status:     http.StatusOK,
			mismatches: 2,
		},
		{
			name:   "invalid scenario",
			body:   `name: broken`,
			status: http.StatusBadRequest,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, NegotiatePath, strings.NewReader(tc.body))
			rec := httptest.NewRecorder()
			handler(rec, req)

			require.Equal(t, tc.status, rec.Code, "status, body: %s", rec.Body.String())
			if tc.status != http.StatusOK {
				return
			}

			rpl := &negotiateResponse{}
			require.Nil(t, json.Unmarshal(rec.Body.Bytes(), rpl), "unexpected reply unmarshal error")
			require.NotNil(t, rpl.Report, "report")
			require.NotEmpty(t, rpl.Outcomes, "outcomes")
			require.Len(t, rpl.Mismatches, tc.mismatches, "mismatches")
		})
	}
}

func TestBrokerHealth(t *testing.T) {
	b, err := sysmem.NewBroker()
	require.Nil(t, err, "unexpected NewBroker() error")

	check := brokerHealth(b)
	status, err := check()
	require.Nil(t, err, "unexpected health error")
	require.Equal(t, healthz.Healthy, status, "broker health")

	b.Close()
	status, err = check()
	require.NotNil(t, err, "expected health error for closed broker")
	require.Equal(t, healthz.NonFunctional, status, "closed broker health")
}
