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

// Config provides runtime configuration for instrumentation.
// +kubebuilder:object:generate=true
type Config struct {
	// SamplingRatePerMillion is the number of samples to collect per million spans.
	// +optional
	// +kubebuilder:example=100000
	SamplingRatePerMillion int `json:"samplingRatePerMillion,omitempty"`
	// TracingCollector defines the external endpoint for tracing data collection.
	// OTLP over HTTP or gRPC is supported, given either as a full URL or as
	// a plain "otlp-http" or "otlp-grpc" scheme for the default local port.
	// +optional
	// +kubebuilder:example="otlp-http://localhost:4318"
	TracingCollector string `json:"tracingCollector,omitempty"`
	// HTTPEndpoint is the address our HTTP server listens on. This endpoint is used
	// to expose Prometheus metrics, health checks and the negotiation API.
	// +optional
	// +kubebuilder:example=":8891"
	HTTPEndpoint string `json:"httpEndpoint,omitempty"`
	// Metrics defines which metrics to collect.
	// +optional
	Metrics *Metrics `json:"metrics,omitempty"`
}

// Metrics defines which metrics collectors are enabled.
type Metrics struct {
	// Enabled lists globs of enabled collectors or collector groups.
	// +optional
	Enabled []string `json:"enabled,omitempty"`
}

// SamplingRatio returns the configured sampling rate as a ratio in [0, 1].
func (c *Config) SamplingRatio() float64 {
	if c == nil || c.SamplingRatePerMillion <= 0 {
		return 0
	}
	if c.SamplingRatePerMillion >= 1000000 {
		return 1
	}
	return float64(c.SamplingRatePerMillion) / 1000000.0
}

// EnabledMetrics returns the globs of enabled metrics collectors.
func (c *Config) EnabledMetrics() []string {
	if c == nil || c.Metrics == nil {
		return nil
	}
	return c.Metrics.Enabled
}
