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
	"net/url"
	"sync"

	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

const (
	httpExporter = "otlp-http"
	grpcExporter = "otlp-grpc"
)

var (
	_ sdktrace.SpanExporter = (*spanExporter)(nil)
)

// spanExporter is a span exporter with a replaceable backend. It lets a
// single tracer provider survive reconfiguration of the collector endpoint.
type spanExporter struct {
	sync.RWMutex
	exporter sdktrace.SpanExporter
}

func (e *spanExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	e.RLock()
	defer e.RUnlock()

	if e.exporter == nil {
		return nil
	}
	return e.exporter.ExportSpans(ctx, spans)
}

func (e *spanExporter) Shutdown(ctx context.Context) error {
	e.Lock()
	defer e.Unlock()

	if e.exporter == nil {
		return nil
	}

	err := e.exporter.Shutdown(ctx)
	e.exporter = nil

	return err
}

func (e *spanExporter) setEndpoint(endpoint string) error {
	if err := e.shutdown(); err != nil {
		log.Warnf("failed to shutdown tracing exporter: %v", err)
	}

	if endpoint == "" {
		return nil
	}

	exp, err := newExporter(endpoint)
	if err != nil {
		return err
	}

	e.Lock()
	defer e.Unlock()
	e.exporter = exp

	return nil
}

func (e *spanExporter) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	return e.Shutdown(ctx)
}

// newExporter creates an OTLP exporter for the endpoint. The endpoint is
// either a URL or a plain scheme, in which case the exporter defaults of
// localhost:4318 (HTTP) or localhost:4317 (gRPC) are used.
func newExporter(endpoint string) (sdktrace.SpanExporter, error) {
	u, err := parseEndpoint(endpoint)
	if err != nil {
		return nil, err
	}

	switch u.Scheme {
	case httpExporter, "http":
		opts := []otlptracehttp.Option{otlptracehttp.WithInsecure()}
		if u.Host != "" {
			opts = append(opts, otlptracehttp.WithEndpoint(u.Host))
		}
		if u.Path != "" && u.Path != "/" {
			opts = append(opts, otlptracehttp.WithURLPath(u.Path))
		}
		return otlptracehttp.New(context.Background(), opts...)
	case grpcExporter, "grpc":
		opts := []otlptracegrpc.Option{otlptracegrpc.WithInsecure()}
		if u.Host != "" {
			opts = append(opts, otlptracegrpc.WithEndpoint(u.Host))
		}
		return otlptracegrpc.New(context.Background(), opts...)
	}

	return nil, fmt.Errorf("unsupported tracing endpoint %q", endpoint)
}

func parseEndpoint(endpoint string) (*url.URL, error) {
	switch endpoint {
	case httpExporter, "http", grpcExporter, "grpc":
		return &url.URL{Scheme: endpoint}, nil
	}

	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid tracing endpoint %q: %w", endpoint, err)
	}
	return u, nil
}
