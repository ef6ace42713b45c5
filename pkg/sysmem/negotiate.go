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
	"fmt"
	"slices"

	"github.com/containers/nri-sysmem/pkg/utils"
)

// participant is the contribution of one node to a negotiation.
type participant struct {
	name        string
	constraints *Constraints
}

// BufferSettings are the settings shared by all buffers of a collection.
type BufferSettings struct {
	SizeBytes            uint64          `json:"sizeBytes"`
	HeapID               HeapID          `json:"heapID"`
	HeapName             string          `json:"heapName"`
	CoherencyDomain      CoherencyDomain `json:"coherencyDomain"`
	PhysicallyContiguous bool            `json:"physicallyContiguous,omitempty"`
	Secure               bool            `json:"secure,omitempty"`
	ImageFormat          *ImageFormat    `json:"imageFormat,omitempty"`
}

// placement is a candidate heap and coherency domain for an allocation.
type placement struct {
	heap   *Heap
	domain CoherencyDomain
}

// allocationPlan is the outcome of a successful negotiation.
type allocationPlan struct {
	count    uint32
	heap     *Heap
	reserved uint64
	settings BufferSettings
}

// negotiator intersects the constraints of participants.
type negotiator struct {
	heaps []*Heap
	resolver
}

// negotiate tries to find an allocation satisfying all participants. If
// pinned is not nil the allocation must fit the published collection.
func (n *negotiator) negotiate(parts []*participant, pinned *CollectionInfo) (*allocationPlan, error) {
	placements, err := n.negotiatePlacement(parts, pinned)
	if err != nil {
		return nil, err
	}

	image, err := n.negotiateImageFormat(parts, pinned)
	if err != nil {
		return nil, err
	}

	count, err := n.resolveCount(parts, pinned)
	if err != nil {
		return nil, err
	}

	size, err := n.resolveSize(parts, image, pinned)
	if err != nil {
		return nil, err
	}

	if pinned != nil {
		return &allocationPlan{
			count:    pinned.BufferCount,
			heap:     placements[0].heap,
			reserved: n.reservedSize(pinned.Settings.SizeBytes),
			settings: pinned.Settings,
		}, nil
	}

	p, err := n.placeCollection(placements, count, size)
	if err != nil {
		return nil, err
	}

	return &allocationPlan{
		count:    count,
		heap:     p.heap,
		reserved: n.reservedSize(size),
		settings: BufferSettings{
			SizeBytes:            size,
			HeapID:               p.heap.ID,
			HeapName:             p.heap.Name,
			CoherencyDomain:      p.domain,
			PhysicallyContiguous: p.heap.Contiguous,
			Secure:               p.heap.Secure,
			ImageFormat:          image,
		},
	}, nil
}

// negotiatePlacement returns the heaps and coherency domains acceptable to
// all participants, in order of preference.
func (n *negotiator) negotiatePlacement(parts []*participant, pinned *CollectionInfo) ([]placement, error) {
	var (
		permitted  HeapSet
		secure     bool
		contiguous bool
		domains    = AllDomains
	)

	for _, p := range parts {
		c := p.constraints
		if c == nil {
			continue
		}

		var declared CoherencyDomains
		if m := c.Memory; m != nil {
			declared = m.Domains
			secure = secure || m.SecureRequired
			contiguous = contiguous || m.PhysicallyContiguousRequired
			if len(m.PermittedHeaps) > 0 {
				heaps := NewHeapSet(m.PermittedHeaps...)
				if permitted == nil {
					permitted = heaps
				} else {
					for _, id := range permitted.Members() {
						if !heaps.Has(id) {
							permitted.Del(id)
						}
					}
				}
			}
		}

		domains &= effectiveDomains(declared, c.Usage)
		if domains == 0 {
			return nil, intersectionEmpty("no coherency domain supported by %s and previous participants", p.name)
		}
	}

	if permitted != nil && permitted.Size() == 0 {
		return nil, intersectionEmpty("no heap permitted by all participants")
	}

	var pinnedHeap HeapID
	if pinned != nil {
		pinnedHeap = pinned.Settings.HeapID
		if !domains.Has(pinned.Settings.CoherencyDomain) {
			return nil, intersectionEmpty("published coherency domain %s not supported",
				pinned.Settings.CoherencyDomain)
		}
		domains = NewCoherencyDomains(pinned.Settings.CoherencyDomain)
	}

	candidates := []placement{}
	for _, h := range n.heaps {
		if pinned != nil && h.ID != pinnedHeap {
			continue
		}
		if permitted != nil && !permitted.Has(h.ID) {
			continue
		}
		if h.Secure != secure || (contiguous && !h.Contiguous) {
			continue
		}
		if d, ok := (h.Domains & domains).Preferred(); ok {
			candidates = append(candidates, placement{heap: h, domain: d})
		}
	}

	if len(candidates) == 0 {
		if pinned != nil {
			return nil, intersectionEmpty("published heap #%d not acceptable", pinnedHeap)
		}
		return nil, intersectionEmpty("no heap with secure=%v, contiguous=%v, domains %s",
			secure, contiguous, domains)
	}

	return candidates, nil
}

// formatEntry is a single pixel format and modifier pair with the rest
// of its image format constraints, as intersected so far.
type formatEntry struct {
	pixelFormat        PixelFormat
	modifier           Modifier
	colorSpaces        []ColorSpace // nil if left open
	minSize            Size
	maxSize            Size
	requiredMaxSize    Size
	minBytesPerRow     uint32
	maxBytesPerRow     uint32
	bytesPerRowDivisor uint32
	startOffsetDivisor uint32
	sizeAlignment      Size
	planeOffsets       []uint64 // published plane offsets, if pinned
}

// formatEntries expands the image format constraints of a participant
// into one entry per pixel format and modifier pair.
func formatEntries(c *Constraints) []*formatEntry {
	entries := []*formatEntry{}
	for i := range c.ImageFormats {
		f := &c.ImageFormats[i]
		var spaces []ColorSpace
		if !f.ColorSpaceOpen() {
			spaces = slices.Clone(f.ColorSpaces)
		}
		for _, p := range f.Pairs() {
			entries = append(entries, &formatEntry{
				pixelFormat:        p.PixelFormat,
				modifier:           p.Modifier,
				colorSpaces:        spaces,
				minSize:            f.MinSize,
				maxSize:            f.MaxSize,
				requiredMaxSize:    f.RequiredMaxSize,
				minBytesPerRow:     f.MinBytesPerRow,
				maxBytesPerRow:     f.MaxBytesPerRow,
				bytesPerRowDivisor: max(f.BytesPerRowDivisor, 1),
				startOffsetDivisor: max(f.StartOffsetDivisor, 1),
				sizeAlignment: Size{
					Width:  max(f.SizeAlignment.Width, 1),
					Height: max(f.SizeAlignment.Height, 1),
				},
			})
		}
	}
	return entries
}

// pinnedEntry returns the entry a follow-up negotiation must fit.
func pinnedEntry(f *ImageFormat) *formatEntry {
	return &formatEntry{
		pixelFormat:        f.PixelFormat,
		modifier:           f.Modifier,
		colorSpaces:        []ColorSpace{f.ColorSpace},
		minSize:            f.Size,
		maxSize:            f.Size,
		minBytesPerRow:     f.BytesPerRow,
		maxBytesPerRow:     f.BytesPerRow,
		bytesPerRowDivisor: 1,
		startOffsetDivisor: 1,
		sizeAlignment:      Size{Width: 1, Height: 1},
		planeOffsets:       f.PlaneOffsets,
	}
}

// merge intersects two entries. DoNotCare and open color spaces take
// the value of the other entry.
func (a *formatEntry) merge(b *formatEntry) (*formatEntry, bool) {
	m := &formatEntry{planeOffsets: a.planeOffsets}

	switch {
	case a.pixelFormat == PixelFormatDoNotCare:
		m.pixelFormat = b.pixelFormat
	case b.pixelFormat == PixelFormatDoNotCare || a.pixelFormat == b.pixelFormat:
		m.pixelFormat = a.pixelFormat
	default:
		return nil, false
	}

	switch {
	case a.modifier == ModifierDoNotCare:
		m.modifier = b.modifier
	case b.modifier == ModifierDoNotCare || a.modifier == b.modifier:
		m.modifier = a.modifier
	default:
		return nil, false
	}

	switch {
	case a.colorSpaces == nil:
		m.colorSpaces = slices.Clone(b.colorSpaces)
	case b.colorSpaces == nil:
		m.colorSpaces = slices.Clone(a.colorSpaces)
	default:
		m.colorSpaces = []ColorSpace{}
		for _, cs := range a.colorSpaces {
			if slices.Contains(b.colorSpaces, cs) {
				m.colorSpaces = append(m.colorSpaces, cs)
			}
		}
		if len(m.colorSpaces) == 0 {
			return nil, false
		}
	}

	m.minSize = Size{max(a.minSize.Width, b.minSize.Width), max(a.minSize.Height, b.minSize.Height)}
	m.maxSize = Size{minNonZero(a.maxSize.Width, b.maxSize.Width), minNonZero(a.maxSize.Height, b.maxSize.Height)}
	m.requiredMaxSize = Size{
		max(a.requiredMaxSize.Width, b.requiredMaxSize.Width),
		max(a.requiredMaxSize.Height, b.requiredMaxSize.Height),
	}
	m.minBytesPerRow = max(a.minBytesPerRow, b.minBytesPerRow)
	m.maxBytesPerRow = minNonZero(a.maxBytesPerRow, b.maxBytesPerRow)
	m.bytesPerRowDivisor = lcm32(a.bytesPerRowDivisor, b.bytesPerRowDivisor)
	m.startOffsetDivisor = lcm32(a.startOffsetDivisor, b.startOffsetDivisor)
	m.sizeAlignment = Size{
		lcm32(a.sizeAlignment.Width, b.sizeAlignment.Width),
		lcm32(a.sizeAlignment.Height, b.sizeAlignment.Height),
	}

	if exceeds(m.minSize.Width, m.maxSize.Width) || exceeds(m.minSize.Height, m.maxSize.Height) ||
		exceeds(m.requiredMaxSize.Width, m.maxSize.Width) || exceeds(m.requiredMaxSize.Height, m.maxSize.Height) ||
		exceeds(m.minBytesPerRow, m.maxBytesPerRow) {
		return nil, false
	}

	return m, true
}

// resolve turns a fully constrained entry into an image format.
func (e *formatEntry) resolve() (*ImageFormat, error) {
	switch {
	case e.pixelFormat == PixelFormatDoNotCare:
		return nil, fmt.Errorf("pixel format left unconstrained")
	case e.modifier == ModifierDoNotCare:
		return nil, fmt.Errorf("modifier for %s left unconstrained", e.pixelFormat)
	case e.colorSpaces == nil:
		return nil, fmt.Errorf("color space for %s/%s left unconstrained", e.pixelFormat, e.modifier)
	}

	colorSpace := ColorSpaceInvalid
	for _, cs := range e.colorSpaces {
		if cs.IsCompatible(e.pixelFormat) {
			colorSpace = cs
			break
		}
	}
	if colorSpace == ColorSpaceInvalid {
		return nil, fmt.Errorf("no color space compatible with %s", e.pixelFormat)
	}

	align := e.sizeAlignment
	if isSubsampled(e.pixelFormat) {
		align = Size{lcm32(align.Width, 2), lcm32(align.Height, 2)}
	}
	size := Size{
		Width:  roundUp32(max(e.minSize.Width, e.requiredMaxSize.Width), align.Width),
		Height: roundUp32(max(e.minSize.Height, e.requiredMaxSize.Height), align.Height),
	}
	if exceeds(size.Width, e.maxSize.Width) || exceeds(size.Height, e.maxSize.Height) {
		return nil, fmt.Errorf("aligned size %s of %s exceeds max size %s", size, e.pixelFormat, e.maxSize)
	}

	bpr := roundUp32(max(minBytesPerRow(e.pixelFormat, size.Width), e.minBytesPerRow), e.bytesPerRowDivisor)
	if exceeds(bpr, e.maxBytesPerRow) {
		return nil, fmt.Errorf("bytes per row %d of %s exceeds max %d", bpr, e.pixelFormat, e.maxBytesPerRow)
	}

	offsets, bytes := layoutImage(e.pixelFormat, size, bpr, e.startOffsetDivisor)
	if e.planeOffsets != nil && !slices.Equal(offsets, e.planeOffsets) {
		return nil, fmt.Errorf("published plane offsets %v not acceptable, need %v", e.planeOffsets, offsets)
	}

	return &ImageFormat{
		PixelFormat:  e.pixelFormat,
		Modifier:     e.modifier,
		ColorSpace:   colorSpace,
		Size:         size,
		BytesPerRow:  bpr,
		PlaneOffsets: offsets,
		SizeBytes:    bytes,
	}, nil
}

// negotiateImageFormat folds the image format constraints of participants
// into a single image format. It returns nil if no participant has image
// format constraints.
func (n *negotiator) negotiateImageFormat(parts []*participant, pinned *CollectionInfo) (*ImageFormat, error) {
	var acc []*formatEntry

	if pinned != nil && pinned.Settings.ImageFormat != nil {
		acc = []*formatEntry{pinnedEntry(pinned.Settings.ImageFormat)}
	}

	for _, p := range parts {
		if p.constraints == nil || len(p.constraints.ImageFormats) == 0 {
			continue
		}
		if pinned != nil && pinned.Settings.ImageFormat == nil {
			return nil, intersectionEmpty("%s needs an image format, published collection has none", p.name)
		}

		entries := formatEntries(p.constraints)
		if acc == nil {
			acc = entries
			continue
		}

		merged := []*formatEntry{}
		for _, a := range acc {
			for _, b := range entries {
				if m, ok := a.merge(b); ok {
					merged = append(merged, m)
				}
			}
		}
		if len(merged) == 0 {
			return nil, intersectionEmpty("no image format common to %s and previous participants", p.name)
		}
		acc = merged
	}

	if acc == nil {
		return nil, nil
	}

	var reason error
	for _, e := range acc {
		f, err := e.resolve()
		if err == nil {
			return f, nil
		}
		if reason == nil {
			reason = err
		}
	}

	return nil, intersectionEmpty("%v", reason)
}

func minNonZero(a, b uint32) uint32 {
	switch {
	case a == 0:
		return b
	case b == 0:
		return a
	}
	return min(a, b)
}

func lcm32(a, b uint32) uint32 {
	return uint32(utils.LCM(uint64(a), uint64(b)))
}

func roundUp32(v, align uint32) uint32 {
	return uint32(utils.RoundUp(uint64(v), uint64(align)))
}
