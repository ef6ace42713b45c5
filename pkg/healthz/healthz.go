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

package healthz

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"

	logger "github.com/containers/nri-sysmem/pkg/log"
)

var (
	lock     sync.Mutex
	checkers = map[string]CheckFn{}
	// our logger instance
	log = logger.NewLogger("health-check")
)

// CheckFn reports the health of a single component.
type CheckFn func() (status Status, details error)

// Status describes the health of a component or the whole.
type Status int

const (
	Healthy Status = iota
	Degraded
	NonFunctional
)

func (s Status) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case NonFunctional:
		return "non-functional"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// Setup prepares the given router for serving healthz.
func Setup(r chi.Router) {
	r.Get("/healthz", serve)
}

// serve serves a single HTTP request.
func serve(w http.ResponseWriter, _ *http.Request) {
	status, details := Check()

	code := http.StatusOK
	body := "ok"
	if status != Healthy {
		code = http.StatusInternalServerError
		lines := []string{}
		for _, name := range sortedNames(details) {
			lines = append(lines, fmt.Sprintf("%s: %v", name, details[name]))
		}
		body = status.String() + "\n" + strings.Join(lines, "\n")
	}

	w.WriteHeader(code)
	if _, err := w.Write([]byte(body)); err != nil {
		log.Errorf("failed to write response: %v", err)
	}
}

// RegisterHealthChecker registers the given health checker function,
// replacing any earlier checker registered with the same name.
func RegisterHealthChecker(name string, fn CheckFn) {
	lock.Lock()
	defer lock.Unlock()

	if _, ok := checkers[name]; ok {
		log.Warn("replacing health checker %q", name)
	}
	checkers[name] = fn
}

// UnregisterHealthChecker removes the named health checker.
func UnregisterHealthChecker(name string) {
	lock.Lock()
	defer lock.Unlock()
	delete(checkers, name)
}

// Check runs all registered checkers. It returns the worst reported status
// and the details of every checker which reported a problem.
func Check() (Status, map[string]error) {
	status := Healthy
	details := map[string]error{}

	lock.Lock()
	defer lock.Unlock()

	for _, name := range sortedNames(checkers) {
		s, err := checkers[name]()
		if s == Healthy {
			continue
		}
		if s > status {
			status = s
		}
		if err == nil {
			err = fmt.Errorf("%s", s)
		}
		details[name] = err
		log.Errorf("component %s reported %s: %v", name, s, err)
	}

	return status, details
}

func sortedNames[T any](m map[string]T) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
