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
	"math"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// KeyValue is an alias for the opentelemetry KeyValue attribute.
type KeyValue = attribute.KeyValue

// SpanStartOption is applied to a Span in StartSpan.
type SpanStartOption func(*[]trace.SpanStartOption)

// SpanEndOption is applied to a Span in Span.End.
type SpanEndOption func(*Span)

// WithAttributes sets initial attributes of a Span.
func WithAttributes(attrs ...KeyValue) SpanStartOption {
	return func(o *[]trace.SpanStartOption) {
		*o = append(*o, trace.WithAttributes(attrs...))
	}
}

// WithStatus sets the status of the Span from err when it ends.
func WithStatus(err error) SpanEndOption {
	return func(s *Span) {
		s.SetStatus(err)
	}
}

// Span wraps an opentelemetry Span. The zero Span, returned when tracing
// is disabled, ignores every operation.
type Span struct {
	otel trace.Span
}

// StartSpan starts a new Span, which must be ended with Span.End().
func StartSpan(ctx context.Context, name string, opts ...SpanStartOption) (context.Context, *Span) {
	trc.RLock()
	t := trc.tracer
	enabled := trc.enabled()
	trc.RUnlock()

	if !enabled || t == nil {
		return ctx, &Span{}
	}

	var options []trace.SpanStartOption
	for _, o := range opts {
		o(&options)
	}

	ctx, span := t.Start(ctx, name, options...)
	return ctx, &Span{otel: span}
}

// SpanFromContext returns the current Span of the context.
func SpanFromContext(ctx context.Context) *Span {
	return &Span{otel: trace.SpanFromContext(ctx)}
}

func (s *Span) active() bool {
	return s != nil && s.otel != nil
}

// SetStatus marks the Span failed with err, or successful for nil.
func (s *Span) SetStatus(err error) {
	if !s.active() {
		return
	}
	if err == nil {
		s.otel.SetStatus(codes.Ok, "")
		return
	}
	s.otel.RecordError(err)
	s.otel.SetStatus(codes.Error, err.Error())
}

// SetAttributes sets attributes of the Span.
func (s *Span) SetAttributes(attrs ...KeyValue) {
	if s.active() {
		s.otel.SetAttributes(attrs...)
	}
}

// AddEvent records an event with the given attributes in the Span.
func (s *Span) AddEvent(name string, attrs ...KeyValue) {
	if s.active() {
		s.otel.AddEvent(name, trace.WithAttributes(attrs...))
	}
}

// End ends the Span after applying the given options.
func (s *Span) End(opts ...SpanEndOption) {
	if !s.active() {
		return
	}
	for _, o := range opts {
		o(s)
	}
	s.otel.End()
}

// Attribute returns an attribute with the given key and value. Unsigned
// values too large for int64 and values of other types are recorded as
// strings.
func Attribute(key string, value interface{}) KeyValue {
	switch v := value.(type) {
	case nil:
		return attribute.String(key, "<nil>")
	case string:
		return attribute.String(key, v)
	case []string:
		return attribute.StringSlice(key, v)
	case bool:
		return attribute.Bool(key, v)
	case int:
		return attribute.Int(key, v)
	case int64:
		return attribute.Int64(key, v)
	case []int64:
		return attribute.Int64Slice(key, v)
	case uint32:
		return attribute.Int64(key, int64(v))
	case uint64:
		if v > math.MaxInt64 {
			return attribute.String(key, fmt.Sprintf("%d", v))
		}
		return attribute.Int64(key, int64(v))
	case float64:
		return attribute.Float64(key, v)
	case fmt.Stringer:
		return attribute.String(key, v.String())
	}
	return attribute.String(key, fmt.Sprintf("%v", value))
}
