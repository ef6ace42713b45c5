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

// Package log holds the logging configuration of the broker.
package log

import (
	"github.com/containers/nri-sysmem/pkg/apis/config/v1alpha1/log/klogcontrol"
)

// Config is the logging configuration.
// +k8s:deepcopy-gen=true
type Config struct {
	// Debug lists logger sources to enable or disable debugging for, in
	// the form "on:sysmem,scenario,off:sysmem-details". The source "all"
	// matches every source.
	// +optional
	// +kubebuilder:example={"on:sysmem"}
	Debug []string `json:"debug,omitempty"`
	// LogSource prefixes messages with their logger source.
	// +optional
	LogSource bool `json:"source,omitempty"`
	// Klog configures the klog backend.
	// +optional
	Klog klogcontrol.Config `json:"klog,omitempty"`
}

// AddDebug appends debug settings, which take precedence over the ones
// already present.
func (c *Config) AddDebug(settings ...string) {
	for _, s := range settings {
		if s != "" {
			c.Debug = append(c.Debug, s)
		}
	}
}
