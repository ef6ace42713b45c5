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

package instrumentation

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	cfgapi "github.com/containers/nri-sysmem/pkg/apis/config/v1alpha1/instrumentation"
	"github.com/containers/nri-sysmem/pkg/healthz"
	"github.com/containers/nri-sysmem/pkg/instrumentation/tracing"
	logger "github.com/containers/nri-sysmem/pkg/log"
	"github.com/containers/nri-sysmem/pkg/metrics"
	_ "github.com/containers/nri-sysmem/pkg/metrics/collectors"
)

const (
	// ServiceName is our service name in external tracing and metrics services.
	ServiceName = "nri-sysmem-broker"
	// MetricsNamespace is the common prefix of our exported metrics.
	MetricsNamespace = "nri"
)

// KeyValue aliases tracing.KeyValue, for SetIdentity().
type KeyValue = tracing.KeyValue

var (
	// Our runtime configuration.
	cfg = &cfgapi.Config{}
	// Lock to protect against reconfiguration.
	lock sync.RWMutex
	// Our HTTP server instance.
	srv = NewServer()
	// Our metrics gatherer, swapped on reconfiguration.
	gatherer *metrics.Gatherer
	// Our logger instance.
	log = logger.NewLogger("instrumentation")

	// Our identity for instrumentation.
	identity []KeyValue

	// Attribute aliases tracing.Attribute(), for SetIdentity().
	Attribute = tracing.Attribute
)

func init() {
	healthz.Setup(srv.Router())
	srv.Router().Handle("/metrics", http.HandlerFunc(serveMetrics))
}

// HTTPServer returns our HTTP server.
func HTTPServer() *Server {
	return srv
}

// SetIdentity sets (extra) process identity attributes for tracing.
func SetIdentity(attrs ...KeyValue) {
	identity = attrs
}

// Start our instrumentation services with the given configuration.
func Start(c *cfgapi.Config) error {
	log.Info("starting instrumentation services...")

	lock.Lock()
	defer lock.Unlock()

	if c != nil {
		cfg = c
	}

	return start()
}

// Stop our instrumentation services.
func Stop() {
	lock.Lock()
	defer lock.Unlock()

	stop()
}

// Reconfigure our instrumentation services.
func Reconfigure(c *cfgapi.Config) error {
	lock.Lock()
	defer lock.Unlock()

	stop()
	cfg = c

	err := start()
	if err != nil {
		log.Error("failed to start instrumentation: %v", err)
	}

	return err
}

func start() error {
	g, err := metrics.NewGatherer(
		metrics.WithNamespace(MetricsNamespace),
		metrics.WithMetrics(cfg.EnabledMetrics()),
	)
	if err != nil {
		return fmt.Errorf("failed to set up metrics: %w", err)
	}
	gatherer = g

	resource, err := GetResource()
	if err != nil {
		return err
	}

	if err := tracing.Start(
		resource,
		tracing.WithServiceName(ServiceName),
		tracing.WithCollectorEndpoint(cfg.TracingCollector),
		tracing.WithSamplingRatio(cfg.SamplingRatio()),
	); err != nil {
		return fmt.Errorf("failed to start tracing: %w", err)
	}

	if err := srv.Start(cfg.HTTPEndpoint); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	return nil
}

func stop() {
	srv.Stop()
	tracing.Stop()
	gatherer = nil
}

func serveMetrics(w http.ResponseWriter, r *http.Request) {
	lock.RLock()
	g := gatherer
	lock.RUnlock()

	if g == nil {
		http.Error(w, "metrics not available", http.StatusServiceUnavailable)
		return
	}

	promhttp.HandlerFor(g, promhttp.HandlerOpts{ErrorLog: promLogger{}}).ServeHTTP(w, r)
}

// promLogger adapts our logger for promhttp error reporting.
type promLogger struct{}

func (promLogger) Println(v ...interface{}) {
	log.Error("%s", fmt.Sprint(v...))
}
