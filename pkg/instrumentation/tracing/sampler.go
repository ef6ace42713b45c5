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
	"fmt"
	"sync"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

var (
	_ sdktrace.Sampler = (*sampler)(nil)
)

// sampler samples root spans by trace ID at an adjustable ratio. The
// tracer provider keeps the same sampler across reconfiguration. With a
// zero ratio every span is dropped.
type sampler struct {
	sync.RWMutex
	ratio   float64
	backend sdktrace.Sampler
}

// setRatio sets the sampling ratio, 0 disabling sampling.
func (s *sampler) setRatio(ratio float64) {
	s.Lock()
	defer s.Unlock()

	s.ratio = ratio
	if ratio > 0.0 {
		s.backend = sdktrace.TraceIDRatioBased(ratio)
	} else {
		s.backend = nil
	}
}

func (s *sampler) ShouldSample(p sdktrace.SamplingParameters) sdktrace.SamplingResult {
	s.RLock()
	backend := s.backend
	s.RUnlock()

	if backend != nil {
		return backend.ShouldSample(p)
	}

	return sdktrace.SamplingResult{
		Decision:   sdktrace.Drop,
		Tracestate: trace.SpanContextFromContext(p.ParentContext).TraceState(),
	}
}

func (s *sampler) Description() string {
	s.RLock()
	defer s.RUnlock()
	return fmt.Sprintf("SwitchableRatioSampler{%g}", s.ratio)
}
