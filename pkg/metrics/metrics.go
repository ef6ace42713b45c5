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


package metrics

import (
	"fmt"
	"path"
	"slices"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	logger "github.com/containers/nri-sysmem/pkg/log"
)

var log = logger.Get("metrics")

// DefaultGroup is the group of collectors registered without one.
const DefaultGroup = "default"

// Registry keeps track of collectors by group and name. Collectors are only
// exported through a Gatherer, which enables a subset of them.
type Registry struct {
	sync.Mutex
	entries []*entry
}

// entry is a registered collector.
type entry struct {
	group      string
	name       string
	collector  prometheus.Collector
	unprefixed bool
}

func (e *entry) String() string {
	return e.group + "/" + e.name
}

// selectedBy returns the glob which enables the collector, if any. A glob
// can name the group, the collector or both as group/name.
func (e *entry) selectedBy(globs []string) (string, bool) {
	for _, glob := range globs {
		for _, name := range []string{e.group, e.name, e.String()} {
			if ok, _ := path.Match(glob, name); ok {
				return glob, true
			}
		}
	}
	return "", false
}

// RegisterOption is an option for registering a collector.
type RegisterOption func(*entry)

// WithGroup registers the collector in the named group. Its metrics are
// prefixed with the group name unless registered WithoutPrefix.
func WithGroup(name string) RegisterOption {
	return func(e *entry) {
		if name != "" {
			e.group = name
		}
	}
}

// WithoutPrefix exports the metrics of the collector with their own names,
// without namespace or group prefix.
func WithoutPrefix() RegisterOption {
	return func(e *entry) {
		e.unprefixed = true
	}
}

// NewRegistry creates a new, empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a collector to the registry.
func (r *Registry) Register(name string, collector prometheus.Collector, opts ...RegisterOption) error {
	e := &entry{group: DefaultGroup, name: name, collector: collector}
	for _, o := range opts {
		o(e)
	}

	r.Lock()
	defer r.Unlock()

	for _, o := range r.entries {
		if o.group == e.group && o.name == e.name {
			return fmt.Errorf("metrics: collector %s already registered", e)
		}
	}
	r.entries = append(r.entries, e)

	log.Info("registered collector %s", e)
	return nil
}

// Collectors returns the sorted group/name of all registered collectors.
func (r *Registry) Collectors() []string {
	r.Lock()
	defer r.Unlock()

	names := make([]string, 0, len(r.entries))
	for _, e := range r.entries {
		names = append(names, e.String())
	}
	slices.Sort(names)
	return names
}

// Gatherer gathers the enabled collectors of a registry.
type Gatherer struct {
	*prometheus.Registry
	namespace string
	enabled   []string
}

// GathererOption is an option for a Gatherer.
type GathererOption func(*Gatherer)

// WithNamespace sets the common prefix of all prefixed metrics.
func WithNamespace(namespace string) GathererOption {
	return func(g *Gatherer) {
		g.namespace = namespace
	}
}

// WithMetrics sets the globs of the enabled collectors.
func WithMetrics(enabled []string) GathererOption {
	return func(g *Gatherer) {
		g.enabled = enabled
	}
}

// NewGatherer creates a gatherer for the collectors enabled by the given
// options. Globs which enable no collector are an error.
func (r *Registry) NewGatherer(opts ...GathererOption) (*Gatherer, error) {
	g := &Gatherer{
		Registry: prometheus.NewPedanticRegistry(),
	}
	for _, o := range opts {
		o(g)
	}

	r.Lock()
	defer r.Unlock()

	matched := map[string]struct{}{}
	for _, e := range r.entries {
		glob, ok := e.selectedBy(g.enabled)
		if !ok {
			log.Debug("collector %s disabled", e)
			continue
		}
		matched[glob] = struct{}{}

		if err := g.registerer(e).Register(e.collector); err != nil {
			return nil, fmt.Errorf("metrics: failed to register collector %s: %w", e, err)
		}
		log.Debug("collector %s enabled by %q", e, glob)
	}

	unmatched := []string{}
	for _, glob := range g.enabled {
		if _, ok := matched[glob]; !ok {
			unmatched = append(unmatched, glob)
		}
	}
	if len(unmatched) > 0 {
		return nil, fmt.Errorf("metrics: no collectors match %s", strings.Join(unmatched, ", "))
	}

	return g, nil
}

func (g *Gatherer) registerer(e *entry) prometheus.Registerer {
	if e.unprefixed {
		return g.Registry
	}

	prefix := e.group + "_"
	if g.namespace != "" {
		prefix = g.namespace + "_" + prefix
	}
	return prometheus.WrapRegistererWithPrefix(prefix, g.Registry)
}

var defaultRegistry = NewRegistry()

// Default returns the default registry.
func Default() *Registry {
	return defaultRegistry
}

// Register adds a collector to the default registry.
func Register(name string, collector prometheus.Collector, opts ...RegisterOption) error {
	return Default().Register(name, collector, opts...)
}

// MustRegister adds a collector to the default registry, panicking on error.
func MustRegister(name string, collector prometheus.Collector, opts ...RegisterOption) {
	if err := Register(name, collector, opts...); err != nil {
		panic(err)
	}
}

// NewGatherer creates a gatherer for the default registry.
func NewGatherer(opts ...GathererOption) (*Gatherer, error) {
	return Default().NewGatherer(opts...)
}
