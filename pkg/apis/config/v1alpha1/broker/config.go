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

package broker

import (
	"fmt"
	"strings"

	"github.com/hashicorp/go-multierror"
	"k8s.io/apimachinery/pkg/api/resource"
)

const (
	// DefaultMaxGroupChildCombinations is the default ceiling on group child
	// combinations examined per logical allocation.
	DefaultMaxGroupChildCombinations = 64
	// DefaultMaxGroupChildren is the default maximum number of children per group.
	DefaultMaxGroupChildren = 64
	// DefaultMaxBufferCount is the default maximum number of buffers per collection.
	DefaultMaxBufferCount = 128
	// DefaultPageSize is the default allocation granularity.
	DefaultPageSize = 4096
	// DefaultMaxTotalBytes is the default ceiling on the total size of one collection.
	DefaultMaxTotalBytes = "4Gi"

	// AllocatorRAM allocates buffer memory from the process heap.
	AllocatorRAM = "ram"
	// AllocatorMemfd allocates buffer memory as anonymous memfd files (Linux only).
	AllocatorMemfd = "memfd"

	// DomainCPU is the name of the CPU coherency domain.
	DomainCPU = "cpu"
	// DomainRAM is the name of the RAM coherency domain.
	DomainRAM = "ram"
	// DomainInaccessible is the name of the inaccessible coherency domain.
	DomainInaccessible = "inaccessible"
)

// Config is the configuration of the buffer collection broker.
// +k8s:deepcopy-gen=true
type Config struct {
	// Heaps lists the memory heaps allocations can be placed in. The order
	// of the list is the order of preference when several heaps would do.
	// +optional
	Heaps []Heap `json:"heaps,omitempty"`
	// Allocator selects the memory allocator backing all heaps.
	// +optional
	// +kubebuilder:validation:Enum=ram;memfd
	Allocator string `json:"allocator,omitempty"`
	// MaxGroupChildCombinations bounds the number of group child selections
	// tried for one logical allocation.
	// +optional
	MaxGroupChildCombinations int `json:"maxGroupChildCombinations,omitempty"`
	// MaxGroupChildren bounds the number of children of a single group.
	// +optional
	MaxGroupChildren int `json:"maxGroupChildren,omitempty"`
	// MaxBufferCount bounds the number of buffers in a collection.
	// +optional
	MaxBufferCount int `json:"maxBufferCount,omitempty"`
	// MaxTotalBytes bounds the total amount of memory of one collection.
	// +optional
	MaxTotalBytes *resource.Quantity `json:"maxTotalBytes,omitempty"`
	// PageSize is the granularity buffer sizes are rounded up to.
	// +optional
	PageSize int `json:"pageSize,omitempty"`
}

// Heap describes a memory heap participants can permit allocations from.
type Heap struct {
	// Name of the heap, used in logs and metrics.
	Name string `json:"name"`
	// ID is the heap identifier participants use in their permitted heap sets.
	ID int `json:"id"`
	// Secure heaps hold protected memory which is never CPU accessible.
	// +optional
	Secure bool `json:"secure,omitempty"`
	// PhysicallyContiguous heaps provide physically contiguous memory.
	// +optional
	PhysicallyContiguous bool `json:"physicallyContiguous,omitempty"`
	// Domains lists the coherency domains the heap supports.
	// +optional
	Domains []string `json:"domains,omitempty"`
	// Capacity limits the size of a single collection allocated from the heap.
	// +optional
	Capacity *resource.Quantity `json:"capacity,omitempty"`
}

// Default returns the default broker configuration.
func Default() *Config {
	maxTotal := resource.MustParse(DefaultMaxTotalBytes)
	return &Config{
		Heaps: []Heap{
			{
				Name:    "system-ram",
				ID:      0,
				Domains: []string{DomainCPU, DomainRAM, DomainInaccessible},
			},
			{
				Name:                 "contiguous-ram",
				ID:                   1,
				PhysicallyContiguous: true,
				Domains:              []string{DomainCPU, DomainRAM, DomainInaccessible},
			},
			{
				Name:                 "secure",
				ID:                   2,
				Secure:               true,
				PhysicallyContiguous: true,
				Domains:              []string{DomainInaccessible},
			},
		},
		Allocator:                 AllocatorRAM,
		MaxGroupChildCombinations: DefaultMaxGroupChildCombinations,
		MaxGroupChildren:          DefaultMaxGroupChildren,
		MaxBufferCount:            DefaultMaxBufferCount,
		MaxTotalBytes:             &maxTotal,
		PageSize:                  DefaultPageSize,
	}
}

// SetDefaults fills in defaults for any unset configuration.
func (c *Config) SetDefaults() {
	def := Default()
	if len(c.Heaps) == 0 {
		c.Heaps = def.Heaps
	}
	if c.Allocator == "" {
		c.Allocator = def.Allocator
	}
	if c.MaxGroupChildCombinations == 0 {
		c.MaxGroupChildCombinations = def.MaxGroupChildCombinations
	}
	if c.MaxGroupChildren == 0 {
		c.MaxGroupChildren = def.MaxGroupChildren
	}
	if c.MaxBufferCount == 0 {
		c.MaxBufferCount = def.MaxBufferCount
	}
	if c.MaxTotalBytes == nil {
		c.MaxTotalBytes = def.MaxTotalBytes
	}
	if c.PageSize == 0 {
		c.PageSize = def.PageSize
	}
	for i := range c.Heaps {
		if len(c.Heaps[i].Domains) == 0 {
			if c.Heaps[i].Secure {
				c.Heaps[i].Domains = []string{DomainInaccessible}
			} else {
				c.Heaps[i].Domains = []string{DomainCPU, DomainRAM, DomainInaccessible}
			}
		}
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs *multierror.Error

	if len(c.Heaps) == 0 {
		errs = multierror.Append(errs, configError("no heaps configured"))
	}

	names := map[string]struct{}{}
	ids := map[int]struct{}{}
	for _, h := range c.Heaps {
		if h.Name == "" {
			errs = multierror.Append(errs, configError("heap #%d without a name", h.ID))
		}
		if _, ok := names[h.Name]; ok {
			errs = multierror.Append(errs, configError("duplicate heap name %q", h.Name))
		}
		names[h.Name] = struct{}{}
		if _, ok := ids[h.ID]; ok {
			errs = multierror.Append(errs, configError("duplicate heap id %d", h.ID))
		}
		ids[h.ID] = struct{}{}
		if h.ID < 0 {
			errs = multierror.Append(errs, configError("heap %q: negative id %d", h.Name, h.ID))
		}
		for _, d := range h.Domains {
			switch strings.ToLower(d) {
			case DomainCPU, DomainRAM:
				if h.Secure {
					errs = multierror.Append(errs,
						configError("heap %q: secure heap can't support domain %q", h.Name, d))
				}
			case DomainInaccessible:
			default:
				errs = multierror.Append(errs, configError("heap %q: unknown domain %q", h.Name, d))
			}
		}
		if h.Capacity != nil && h.Capacity.Sign() <= 0 {
			errs = multierror.Append(errs, configError("heap %q: non-positive capacity %s",
				h.Name, h.Capacity.String()))
		}
	}

	switch c.Allocator {
	case "", AllocatorRAM, AllocatorMemfd:
	default:
		errs = multierror.Append(errs, configError("unknown allocator %q", c.Allocator))
	}

	if c.MaxGroupChildCombinations < 0 {
		errs = multierror.Append(errs, configError("negative maxGroupChildCombinations"))
	}
	if c.MaxGroupChildren < 0 {
		errs = multierror.Append(errs, configError("negative maxGroupChildren"))
	}
	if c.MaxBufferCount < 0 {
		errs = multierror.Append(errs, configError("negative maxBufferCount"))
	}
	if c.PageSize < 0 || (c.PageSize&(c.PageSize-1)) != 0 {
		errs = multierror.Append(errs, configError("pageSize %d is not a power of two", c.PageSize))
	}
	if c.MaxTotalBytes != nil && c.MaxTotalBytes.Sign() <= 0 {
		errs = multierror.Append(errs, configError("non-positive maxTotalBytes"))
	}

	return errs.ErrorOrNil()
}

func configError(format string, args ...interface{}) error {
	return fmt.Errorf("broker config: "+format, args...)
}
