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

package klogcontrol

import (
	"strconv"
)

// Config provides runtime configuration for klog.
// +k8s:deepcopy-gen=true
type Config struct {
	// Logtostderr causes klog to log to stderr instead of files.
	// +optional
	Logtostderr *bool `json:"logtostderr,omitempty"`
	// Alsologtostderr causes klog to log to stderr in addition to files.
	// +optional
	Alsologtostderr *bool `json:"alsologtostderr,omitempty"`
	// Skip_headers drops the header prefix (date, time, source) of klog messages.
	// +optional
	Skip_headers *bool `json:"skip_headers,omitempty"`
	// Skip_log_headers drops headers when opening log files.
	// +optional
	Skip_log_headers *bool `json:"skip_log_headers,omitempty"`
	// One_output only logs to the highest severity level file.
	// +optional
	One_output *bool `json:"one_output,omitempty"`
	// Log_file is the file klog logs to.
	// +optional
	Log_file string `json:"log_file,omitempty"`
	// Stderrthreshold sets the severity for messages also going to stderr.
	// +optional
	Stderrthreshold string `json:"stderrthreshold,omitempty"`
	// V is the klog verbosity level.
	// +optional
	V *int `json:"v,omitempty"`
	// Vmodule is a comma-separated list of pattern=N per-file verbosities.
	// +optional
	Vmodule string `json:"vmodule,omitempty"`
}

// GetByFlag returns the configured value for the klog flag with the given name.
func (c *Config) GetByFlag(name string) (string, bool) {
	if c == nil {
		return "", false
	}

	boolValue := func(v *bool) (string, bool) {
		if v == nil {
			return "", false
		}
		return strconv.FormatBool(*v), true
	}
	strValue := func(v string) (string, bool) {
		return v, v != ""
	}

	switch name {
	case "logtostderr":
		return boolValue(c.Logtostderr)
	case "alsologtostderr":
		return boolValue(c.Alsologtostderr)
	case "skip_headers":
		return boolValue(c.Skip_headers)
	case "skip_log_headers":
		return boolValue(c.Skip_log_headers)
	case "one_output":
		return boolValue(c.One_output)
	case "log_file":
		return strValue(c.Log_file)
	case "stderrthreshold":
		return strValue(c.Stderrthreshold)
	case "v":
		if c.V == nil {
			return "", false
		}
		return strconv.Itoa(*c.V), true
	case "vmodule":
		return strValue(c.Vmodule)
	}

	return "", false
}
