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

package sysmem

import (
	"errors"
	"slices"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/containers/nri-sysmem/pkg/metrics"
)

const (
	descCollections = iota
	descBuffers
	descBytes
	descAllocations
	descCombinations
)

const (
	outcomeSuccess             = "success"
	outcomeIntersectionEmpty   = "intersection-empty"
	outcomeTooManyCombinations = "too-many-combinations"
	outcomeNoMemory            = "no-memory"
	outcomePeerClosed          = "peer-closed"
	outcomeOther               = "other"
)

var (
	descriptors = []*prometheus.Desc{
		descCollections: prometheus.NewDesc(
			"collections",
			"Number of logical buffer collections by state.",
			[]string{
				"state",
			},
			nil,
		),
		descBuffers: prometheus.NewDesc(
			"buffers",
			"Number of allocated buffers not yet freed, by heap.",
			[]string{
				"heap",
			},
			nil,
		),
		descBytes: prometheus.NewDesc(
			"bytes",
			"Amount of allocated buffer memory not yet freed, by heap.",
			[]string{
				"heap",
			},
			nil,
		),
		descAllocations: prometheus.NewDesc(
			"allocations_total",
			"Number of logical allocations, by outcome.",
			[]string{
				"outcome",
			},
			nil,
		),
		descCombinations: prometheus.NewDesc(
			"combinations_tried_total",
			"Number of group child combinations tried.",
			nil,
			nil,
		),
	}

	brokerCollector = newCollector()
)

// stats are the metrics of a single broker.
type stats struct {
	sync.Mutex
	buffers      map[string]uint64
	bytes        map[string]uint64
	allocations  map[string]uint64
	combinations uint64
}

func newStats() *stats {
	return &stats{
		buffers:     map[string]uint64{},
		bytes:       map[string]uint64{},
		allocations: map[string]uint64{},
	}
}

func (s *stats) bufferAllocated(h *Heap, size uint64) {
	s.Lock()
	defer s.Unlock()
	s.buffers[h.Name]++
	s.bytes[h.Name] += size
}

func (s *stats) bufferFreed(h *Heap, size uint64) {
	s.Lock()
	defer s.Unlock()
	s.buffers[h.Name]--
	s.bytes[h.Name] -= size
}

func (s *stats) allocation(err error, combinations int) {
	s.Lock()
	defer s.Unlock()
	s.allocations[outcome(err)]++
	s.combinations += uint64(combinations)
}

func outcome(err error) string {
	switch {
	case err == nil:
		return outcomeSuccess
	case errors.Is(err, ErrConstraintsIntersectionEmpty):
		return outcomeIntersectionEmpty
	case errors.Is(err, ErrTooManyGroupChildCombinations):
		return outcomeTooManyCombinations
	case errors.Is(err, ErrNoMemory):
		return outcomeNoMemory
	case errors.Is(err, ErrPeerClosed):
		return outcomePeerClosed
	}
	return outcomeOther
}

// collector collects metrics of all live brokers.
type collector struct {
	sync.Mutex
	brokers map[*Broker]struct{}
}

func newCollector() *collector {
	return &collector{
		brokers: map[*Broker]struct{}{},
	}
}

func (c *collector) add(b *Broker) {
	c.Lock()
	defer c.Unlock()
	c.brokers[b] = struct{}{}
}

func (c *collector) del(b *Broker) {
	c.Lock()
	defer c.Unlock()
	delete(c.brokers, b)
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range descriptors {
		ch <- d
	}
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	var (
		states       = map[State]int{}
		buffers      = map[string]uint64{}
		bytes        = map[string]uint64{}
		allocations  = map[string]uint64{}
		combinations uint64
	)

	c.Lock()
	brokers := make([]*Broker, 0, len(c.brokers))
	for b := range c.brokers {
		brokers = append(brokers, b)
	}
	c.Unlock()

	for _, b := range brokers {
		for _, st := range b.Collections() {
			states[st.State]++
		}
		b.stats.Lock()
		for heap, cnt := range b.stats.buffers {
			buffers[heap] += cnt
		}
		for heap, cnt := range b.stats.bytes {
			bytes[heap] += cnt
		}
		for o, cnt := range b.stats.allocations {
			allocations[o] += cnt
		}
		combinations += b.stats.combinations
		b.stats.Unlock()
	}

	for _, s := range States {
		ch <- prometheus.MustNewConstMetric(
			descriptors[descCollections],
			prometheus.GaugeValue,
			float64(states[s]),
			s.String(),
		)
	}
	for _, heap := range sortedKeys(buffers) {
		ch <- prometheus.MustNewConstMetric(
			descriptors[descBuffers],
			prometheus.GaugeValue,
			float64(buffers[heap]),
			heap,
		)
		ch <- prometheus.MustNewConstMetric(
			descriptors[descBytes],
			prometheus.GaugeValue,
			float64(bytes[heap]),
			heap,
		)
	}
	for _, o := range sortedKeys(allocations) {
		ch <- prometheus.MustNewConstMetric(
			descriptors[descAllocations],
			prometheus.CounterValue,
			float64(allocations[o]),
			o,
		)
	}
	ch <- prometheus.MustNewConstMetric(
		descriptors[descCombinations],
		prometheus.CounterValue,
		float64(combinations),
	)
}

func sortedKeys[T any](m map[string]T) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func init() {
	metrics.MustRegister("broker", brokerCollector, metrics.WithGroup("sysmem"))
}
