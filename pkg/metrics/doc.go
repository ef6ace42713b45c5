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

// Package metrics registers prometheus collectors in named groups and
// exports a selected subset of them.
//
// A collector is registered with a group,
//
//	metrics.MustRegister("broker", c, metrics.WithGroup("sysmem"))
//
// and a gatherer is created with the globs of collectors to enable:
//
//	g, err := metrics.NewGatherer(
//	    metrics.WithNamespace("nri"),
//	    metrics.WithMetrics([]string{"sysmem", "standard/*"}),
//	)
//	http.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
//
// The metrics of the collector above are then exported with the prefix
// "nri_sysmem_".
package metrics
