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

package tracing

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	logger "github.com/containers/nri-sysmem/pkg/log"
)

// Option represents an option which can be applied to tracing.
type Option func(*tracing) error

type tracing struct {
	sync.RWMutex
	service  string
	endpoint string
	sampling float64
	sampler  *sampler
	exporter *spanExporter
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

var (
	log = logger.Get("tracing")
	trc = &tracing{
		service:  filepath.Base(os.Args[0]),
		sampler:  &sampler{},
		exporter: &spanExporter{},
	}
)

const (
	// timeout for shutting down exporters and providers
	shutdownTimeout = 5 * time.Second
)

// WithCollectorEndpoint sets the given collector endpoint.
func WithCollectorEndpoint(endpoint string) Option {
	return func(t *tracing) error {
		t.endpoint = endpoint
		return nil
	}
}

// WithSamplingRatio sets the given sampling ratio.
func WithSamplingRatio(ratio float64) Option {
	return func(t *tracing) error {
		if ratio < 0.0 || ratio > 1.0 {
			return fmt.Errorf("invalid sampling ratio %f", ratio)
		}
		t.sampling = ratio
		return nil
	}
}

// WithServiceName sets the service name reported for tracing.
func WithServiceName(name string) Option {
	return func(t *tracing) error {
		t.service = name
		return nil
	}
}

// Start tracing with the given resource identity. Start can be called
// repeatedly to reconfigure tracing. The tracer provider is created once
// and reconfiguration only swaps its exporter and sampler.
func Start(res *resource.Resource, options ...Option) error {
	return trc.start(res, options...)
}

// Stop tracing.
func Stop() {
	trc.stop()
}

// Enabled returns true if spans are currently being exported.
func Enabled() bool {
	trc.RLock()
	defer trc.RUnlock()
	return trc.enabled()
}

func (t *tracing) enabled() bool {
	return t.provider != nil && t.endpoint != "" && t.sampling > 0.0
}

func (t *tracing) start(res *resource.Resource, options ...Option) error {
	t.Lock()
	defer t.Unlock()

	for _, opt := range options {
		if err := opt(t); err != nil {
			return fmt.Errorf("failed to set tracing option: %w", err)
		}
	}

	switch {
	case t.endpoint == "":
		log.Info("tracing disabled, no endpoint set")
		t.disable()
		return nil
	case t.sampling == 0.0:
		log.Info("tracing disabled, sampling ratio is 0.0")
		t.disable()
		return nil
	}

	log.Info("starting tracing exporter for %s (sampling ratio %.6f)...", t.endpoint, t.sampling)

	if err := t.exporter.setEndpoint(t.endpoint); err != nil {
		return fmt.Errorf("failed to start tracing exporter: %w", err)
	}
	t.sampler.setRatio(t.sampling)

	if t.provider == nil {
		opts := []sdktrace.TracerProviderOption{
			sdktrace.WithSpanProcessor(sdktrace.NewBatchSpanProcessor(t.exporter)),
			sdktrace.WithSampler(sdktrace.ParentBased(t.sampler)),
		}
		if res != nil {
			opts = append(opts, sdktrace.WithResource(res))
		}
		t.provider = sdktrace.NewTracerProvider(opts...)

		otel.SetTracerProvider(t.provider)
		otel.SetTextMapPropagator(
			propagation.NewCompositeTextMapPropagator(
				propagation.TraceContext{},
				propagation.Baggage{},
			),
		)
	}

	t.tracer = t.provider.Tracer(t.service)

	return nil
}

func (t *tracing) stop() {
	t.Lock()
	defer t.Unlock()

	t.disable()
	if t.provider == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := t.provider.Shutdown(ctx); err != nil {
		log.Errorf("failed to shut down tracer provider: %v", err)
	}

	t.provider = nil
	t.tracer = nil
}

func (t *tracing) disable() {
	t.sampler.setRatio(0)
	if t.provider != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := t.provider.ForceFlush(ctx); err != nil {
			log.Errorf("failed to flush tracer provider: %v", err)
		}
	}
	if err := t.exporter.setEndpoint(""); err != nil {
		log.Warnf("failed to shut down tracing exporter: %v", err)
	}
}
