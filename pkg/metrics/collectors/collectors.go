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

// Package collectors registers the process level collectors of the broker
// in the "standard" group of the default metrics registry.
package collectors

import (
	"runtime"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	logger "github.com/containers/nri-sysmem/pkg/log"
	"github.com/containers/nri-sysmem/pkg/metrics"
	"github.com/containers/nri-sysmem/pkg/version"
)

const (
	// Group is the metrics group of the standard collectors.
	Group = "standard"
)

var (
	log = logger.Get("metrics")
)

// NewVersionInfoCollector returns a constant gauge labeled with the
// version, build and Go runtime of the binary.
func NewVersionInfoCollector(v, b string) prometheus.Collector {
	return prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "sysmem_broker_version_info",
			Help: "Constant 1, labeled by the version, build and Go runtime of the broker.",
			ConstLabels: prometheus.Labels{
				"version":   v,
				"build":     b,
				"goversion": runtime.Version(),
			},
		},
		func() float64 { return 1 },
	)
}

// standard returns the collectors to register, by name. Go runtime
// collection includes memory statistics since buffer memory allocated by
// the RAM allocator shows up there.
func standard() map[string]prometheus.Collector {
	return map[string]prometheus.Collector{
		"buildinfo": collectors.NewBuildInfoCollector(),
		"golang": collectors.NewGoCollector(
			collectors.WithGoCollectorRuntimeMetrics(
				collectors.MetricsGC,
				collectors.MetricsMemory,
			),
		),
		"process":     collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		"versioninfo": NewVersionInfoCollector(version.Version, version.Build),
	}
}

// register adds the standard collectors to the given registry.
func register(r *metrics.Registry) error {
	opts := []metrics.RegisterOption{
		metrics.WithGroup(Group),
		metrics.WithoutPrefix(),
	}

	var failed error
	for name, c := range standard() {
		if err := r.Register(name, c, opts...); err != nil {
			log.Error("failed to register %s collector: %v", name, err)
			failed = err
		}
	}
	return failed
}

func init() {
	register(metrics.Default())
}
