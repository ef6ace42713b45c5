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
	"encoding/json"
	"fmt"
	"strings"

	idset "github.com/intel/goresctrl/pkg/utils"
	"k8s.io/apimachinery/pkg/api/resource"

	cfgapi "github.com/containers/nri-sysmem/pkg/apis/config/v1alpha1/broker"
)

type (
	// HeapID identifies a heap.
	HeapID = idset.ID
	// HeapSet is a set of heap IDs.
	HeapSet = idset.IDSet
)

// NewHeapSet returns a heap set with the given heaps.
func NewHeapSet(ids ...HeapID) HeapSet {
	return idset.NewIDSet(ids...)
}

// Rights is a mask of rights carried by nodes and buffer handles.
type Rights uint32

const (
	RightRead Rights = 1 << iota
	RightWrite
	RightMap
	RightTransfer
	RightDuplicate

	// RightsAll is the set of all rights.
	RightsAll = RightRead | RightWrite | RightMap | RightTransfer | RightDuplicate
	// RightsSame is an attenuation mask which keeps all rights of the parent.
	RightsSame Rights = 0xffffffff
)

var (
	rightNames = []struct {
		r    Rights
		name string
	}{
		{RightRead, "read"},
		{RightWrite, "write"},
		{RightMap, "map"},
		{RightTransfer, "transfer"},
		{RightDuplicate, "duplicate"},
	}
)

// ParseRights parses a comma-separated list of rights. "all" is all
// rights, "same" keeps the rights of the parent node.
func ParseRights(str string) (Rights, error) {
	var r Rights
	for _, name := range strings.Split(str, ",") {
		switch name = strings.TrimSpace(name); name {
		case "":
		case "all":
			r |= RightsAll
		case "same":
			return RightsSame, nil
		default:
			found := false
			for _, bit := range rightNames {
				if bit.name == name {
					r |= bit.r
					found = true
				}
			}
			if !found {
				return 0, fmt.Errorf("%w: invalid right %q", ErrInvalidArgs, name)
			}
		}
	}
	return r, nil
}

func (r Rights) String() string {
	if r == RightsSame {
		return "same"
	}
	if r&RightsAll == RightsAll {
		return "all"
	}
	names := []string{}
	for _, bit := range rightNames {
		if r&bit.r != 0 {
			names = append(names, bit.name)
		}
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, ",")
}

// Usage describes how a participant intends to use the buffers.
type Usage uint32

const (
	// UsageNone explicitly declares that the participant does not use
	// the buffers itself but takes part in buffer counting.
	UsageNone Usage = 1 << iota
	UsageCPURead
	UsageCPUWrite
	UsageGPUSampled
	UsageGPURender
	UsageDisplay
	UsageVideoDecode
	UsageVideoEncode
	UsageTransferSrc
	UsageTransferDst

	// UsageCPU is the set of CPU usage bits.
	UsageCPU = UsageCPURead | UsageCPUWrite
)

// IsNone returns true if the usage imposes no requirements of its own.
func (u Usage) IsNone() bool {
	return u&^UsageNone == 0
}

// HasCPU returns true if the usage involves CPU access.
func (u Usage) HasCPU() bool {
	return u&UsageCPU != 0
}

var (
	usageNames = []struct {
		u    Usage
		name string
	}{
		{UsageCPURead, "cpu-read"},
		{UsageCPUWrite, "cpu-write"},
		{UsageGPUSampled, "gpu-sampled"},
		{UsageGPURender, "gpu-render"},
		{UsageDisplay, "display"},
		{UsageVideoDecode, "video-decode"},
		{UsageVideoEncode, "video-encode"},
		{UsageTransferSrc, "transfer-src"},
		{UsageTransferDst, "transfer-dst"},
	}
)

// ParseUsage parses a comma-separated list of usage names.
func ParseUsage(str string) (Usage, error) {
	var u Usage
	for _, name := range strings.Split(str, ",") {
		switch name = strings.TrimSpace(name); name {
		case "":
		case "none":
			u |= UsageNone
		case "cpu":
			u |= UsageCPU
		default:
			found := false
			for _, bit := range usageNames {
				if bit.name == name {
					u |= bit.u
					found = true
				}
			}
			if !found {
				return 0, fmt.Errorf("%w: invalid usage %q", ErrInvalidArgs, name)
			}
		}
	}
	return u, nil
}

func (u Usage) String() string {
	if u.IsNone() {
		return "none"
	}
	names := []string{}
	for _, bit := range usageNames {
		if u&bit.u != 0 {
			names = append(names, bit.name)
		}
	}
	return strings.Join(names, ",")
}

func (u Usage) MarshalJSON() ([]byte, error) {
	return json.Marshal(u.String())
}

func (u *Usage) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	v, err := ParseUsage(str)
	if err != nil {
		return err
	}
	*u = v
	return nil
}

// CoherencyDomain is the domain in which buffer contents are kept coherent.
type CoherencyDomain int

const (
	DomainCPU CoherencyDomain = iota
	DomainRAM
	DomainInaccessible
)

var (
	domainToString = map[CoherencyDomain]string{
		DomainCPU:          cfgapi.DomainCPU,
		DomainRAM:          cfgapi.DomainRAM,
		DomainInaccessible: cfgapi.DomainInaccessible,
	}
	stringToDomain = map[string]CoherencyDomain{
		cfgapi.DomainCPU:          DomainCPU,
		cfgapi.DomainRAM:          DomainRAM,
		cfgapi.DomainInaccessible: DomainInaccessible,
	}
	// domainPreference is the order of preference of coherency domains.
	domainPreference = []CoherencyDomain{DomainCPU, DomainRAM, DomainInaccessible}
)

// ParseCoherencyDomain parses the given string into a coherency domain.
func ParseCoherencyDomain(str string) (CoherencyDomain, error) {
	if d, ok := stringToDomain[strings.ToLower(str)]; ok {
		return d, nil
	}
	return DomainCPU, fmt.Errorf("%w: unknown coherency domain %q", ErrInvalidArgs, str)
}

func (d CoherencyDomain) String() string {
	if s, ok := domainToString[d]; ok {
		return s
	}
	return fmt.Sprintf("%%!(BAD-CoherencyDomain:%d)", int(d))
}

// MarshalJSON is the JSON marshaller for CoherencyDomain.
func (d CoherencyDomain) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON is the JSON unmarshaller for CoherencyDomain.
func (d *CoherencyDomain) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	domain, err := ParseCoherencyDomain(str)
	if err != nil {
		return err
	}
	*d = domain
	return nil
}

// CoherencyDomains is a set of coherency domains. The zero value means
// the default domains implied by usage.
type CoherencyDomains uint8

const (
	// AllDomains is the set of all coherency domains.
	AllDomains = CoherencyDomains(1<<DomainCPU | 1<<DomainRAM | 1<<DomainInaccessible)
)

// NewCoherencyDomains returns a set of the given domains.
func NewCoherencyDomains(domains ...CoherencyDomain) CoherencyDomains {
	var s CoherencyDomains
	for _, d := range domains {
		s |= 1 << d
	}
	return s
}

// Has returns true if the set contains the given domain.
func (s CoherencyDomains) Has(d CoherencyDomain) bool {
	return s&(1<<d) != 0
}

// Foreach calls the given function for each domain in order of preference.
func (s CoherencyDomains) Foreach(fn func(CoherencyDomain) bool) {
	for _, d := range domainPreference {
		if s.Has(d) {
			if fn(d) == ForeachDone {
				return
			}
		}
	}
}

// Preferred returns the most preferred domain in the set.
func (s CoherencyDomains) Preferred() (CoherencyDomain, bool) {
	var (
		domain CoherencyDomain
		found  bool
	)
	s.Foreach(func(d CoherencyDomain) bool {
		domain, found = d, true
		return ForeachDone
	})
	return domain, found
}

func (s CoherencyDomains) String() string {
	names := []string{}
	s.Foreach(func(d CoherencyDomain) bool {
		names = append(names, d.String())
		return ForeachMore
	})
	return "{" + strings.Join(names, ",") + "}"
}

// MarshalJSON is the JSON marshaller for CoherencyDomains.
func (s CoherencyDomains) MarshalJSON() ([]byte, error) {
	names := []string{}
	s.Foreach(func(d CoherencyDomain) bool {
		names = append(names, d.String())
		return ForeachMore
	})
	return json.Marshal(names)
}

// UnmarshalJSON is the JSON unmarshaller for CoherencyDomains.
func (s *CoherencyDomains) UnmarshalJSON(data []byte) error {
	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		return err
	}
	*s = 0
	for _, name := range names {
		d, err := ParseCoherencyDomain(name)
		if err != nil {
			return err
		}
		*s |= NewCoherencyDomains(d)
	}
	return nil
}

// effectiveDomains returns the domains supported by a participant with the
// given declared domains and usage.
func effectiveDomains(declared CoherencyDomains, usage Usage) CoherencyDomains {
	domains := declared
	if domains == 0 {
		if usage.IsNone() {
			return AllDomains
		}
		domains = NewCoherencyDomains(DomainCPU)
	}
	if usage.HasCPU() {
		domains &^= NewCoherencyDomains(DomainInaccessible)
	}
	return domains
}

const (
	// ForeachDone as a return value terminates iteration by a Foreach* function.
	ForeachDone = false
	// ForeachMore as a return value continues iteration by a Foreach* function.
	ForeachMore = !ForeachDone
)

// Heap is a memory heap allocations can be placed in.
type Heap struct {
	ID         HeapID
	Name       string
	Secure     bool
	Contiguous bool
	Domains    CoherencyDomains
	// Capacity is the maximum size of one collection, 0 for unlimited.
	Capacity uint64
}

func (h *Heap) String() string {
	flags := ""
	if h.Secure {
		flags += ",secure"
	}
	if h.Contiguous {
		flags += ",contiguous"
	}
	return fmt.Sprintf("heap #%d(%s%s)", h.ID, h.Name, flags)
}

// heapsFromConfig converts heap configuration to heaps.
func heapsFromConfig(cfg []cfgapi.Heap) ([]*Heap, error) {
	heaps := make([]*Heap, 0, len(cfg))
	for _, hc := range cfg {
		h := &Heap{
			ID:         hc.ID,
			Name:       hc.Name,
			Secure:     hc.Secure,
			Contiguous: hc.PhysicallyContiguous,
		}
		for _, name := range hc.Domains {
			d, err := ParseCoherencyDomain(name)
			if err != nil {
				return nil, fmt.Errorf("heap %q: %w", hc.Name, err)
			}
			h.Domains |= NewCoherencyDomains(d)
		}
		if hc.Capacity != nil {
			h.Capacity = quantityBytes(hc.Capacity)
		}
		heaps = append(heaps, h)
	}
	return heaps, nil
}

func quantityBytes(q *resource.Quantity) uint64 {
	if q == nil || q.Sign() <= 0 {
		return 0
	}
	return uint64(q.Value())
}

// Kind is the kind of a node.
type Kind int

const (
	// KindToken is an unbound node.
	KindToken Kind = iota
	// KindGroup is an alternative selector node.
	KindGroup
	// KindCollection is a node bound to constraints.
	KindCollection
	// KindOrphan is a node whose participant released and closed it.
	KindOrphan
)

func (k Kind) String() string {
	switch k {
	case KindToken:
		return "token"
	case KindGroup:
		return "group"
	case KindCollection:
		return "collection"
	case KindOrphan:
		return "orphan"
	}
	return fmt.Sprintf("%%!(BAD-Kind:%d)", int(k))
}

// State is the state of a logical collection.
type State int32

const (
	// StateCollecting while the tree is growing and constraints are set.
	StateCollecting State = iota
	// StateNegotiating while group child combinations are searched.
	StateNegotiating
	// StateAllocated once the initial allocation is published.
	StateAllocated
	// StateRenegotiating while an attached subtree is negotiated.
	StateRenegotiating
	// StateFailed once the collection has failed.
	StateFailed
)

var (
	// States lists all collection states.
	States = []State{StateCollecting, StateNegotiating, StateAllocated, StateRenegotiating, StateFailed}
)

func (s State) String() string {
	switch s {
	case StateCollecting:
		return "collecting"
	case StateNegotiating:
		return "negotiating"
	case StateAllocated:
		return "allocated"
	case StateRenegotiating:
		return "renegotiating"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("%%!(BAD-State:%d)", int(s))
}
