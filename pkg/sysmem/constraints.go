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
	"strings"

	"github.com/hashicorp/go-multierror"
)

// Constraints are the requirements of one participant.
type Constraints struct {
	// Usage describes how the participant uses the buffers.
	Usage Usage `json:"usage,omitempty"`
	// MinBufferCount is the minimum number of buffers in the collection.
	MinBufferCount uint32 `json:"minBufferCount,omitempty"`
	// MaxBufferCount is the maximum number of buffers, 0 for unbounded.
	MaxBufferCount uint32 `json:"maxBufferCount,omitempty"`
	// MinBufferCountForCamping is the number of buffers the participant
	// holds on to at the same time. Camping counts of participants add up.
	MinBufferCountForCamping uint32 `json:"minBufferCountForCamping,omitempty"`
	// MinBufferCountForDedicatedSlack is extra buffers needed by this
	// participant alone. Dedicated slack counts add up.
	MinBufferCountForDedicatedSlack uint32 `json:"minBufferCountForDedicatedSlack,omitempty"`
	// MinBufferCountForSharedSlack is extra buffers which can be shared
	// with the slack of others. The largest shared slack count is used.
	MinBufferCountForSharedSlack uint32 `json:"minBufferCountForSharedSlack,omitempty"`
	// Memory are the buffer memory constraints, nil for none.
	Memory *BufferMemoryConstraints `json:"memory,omitempty"`
	// ImageFormats are the acceptable image formats in order of preference.
	ImageFormats []ImageFormatConstraints `json:"imageFormats,omitempty"`
}

// BufferMemoryConstraints are the memory placement requirements of one participant.
type BufferMemoryConstraints struct {
	// MinSizeBytes is the minimum size of a buffer.
	MinSizeBytes uint64 `json:"minSizeBytes,omitempty"`
	// MaxSizeBytes is the maximum size of a buffer, 0 for unbounded.
	MaxSizeBytes uint64 `json:"maxSizeBytes,omitempty"`
	// PhysicallyContiguousRequired forces physically contiguous memory.
	PhysicallyContiguousRequired bool `json:"physicallyContiguousRequired,omitempty"`
	// SecureRequired forces secure memory.
	SecureRequired bool `json:"secureRequired,omitempty"`
	// Domains are the supported coherency domains, the zero value for the
	// defaults implied by usage.
	Domains CoherencyDomains `json:"domains,omitempty"`
	// PermittedHeaps are the heaps the participant accepts, empty for all.
	PermittedHeaps []HeapID `json:"permittedHeaps,omitempty"`
}

// PixelFormatAndModifier is an acceptable pixel format and modifier pair.
type PixelFormatAndModifier struct {
	PixelFormat PixelFormat `json:"pixelFormat"`
	Modifier    Modifier    `json:"modifier,omitempty"`
}

func (p PixelFormatAndModifier) String() string {
	return p.PixelFormat.String() + "/" + p.Modifier.String()
}

// covers returns true if p accepts everything q accepts.
func (p PixelFormatAndModifier) covers(q PixelFormatAndModifier) bool {
	return (p.PixelFormat == PixelFormatDoNotCare || p.PixelFormat == q.PixelFormat) &&
		(p.Modifier == ModifierDoNotCare || p.Modifier == q.Modifier)
}

// ImageFormatConstraints describe an acceptable image format.
type ImageFormatConstraints struct {
	// PixelFormat and Modifier are the primary accepted pair. The pair is
	// ignored if PixelFormat is PixelFormatInvalid.
	PixelFormat PixelFormat `json:"pixelFormat,omitempty"`
	Modifier    Modifier    `json:"modifier,omitempty"`
	// PixelFormatAndModifiers are further accepted pairs sharing the rest
	// of these constraints.
	PixelFormatAndModifiers []PixelFormatAndModifier `json:"pixelFormatAndModifiers,omitempty"`
	// ColorSpaces are the accepted color spaces in order of preference.
	// An empty list or ColorSpaceDoNotCare alone leaves color space open.
	ColorSpaces []ColorSpace `json:"colorSpaces,omitempty"`
	// MinSize and MaxSize bound the coded image size, zero for unbounded.
	MinSize Size `json:"minSize,omitempty"`
	MaxSize Size `json:"maxSize,omitempty"`
	// RequiredMaxSize is the largest image size buffers must fit.
	RequiredMaxSize Size `json:"requiredMaxSize,omitempty"`
	// MinBytesPerRow and MaxBytesPerRow bound the row stride, 0 for unbounded.
	MinBytesPerRow uint32 `json:"minBytesPerRow,omitempty"`
	MaxBytesPerRow uint32 `json:"maxBytesPerRow,omitempty"`
	// BytesPerRowDivisor must divide the row stride.
	BytesPerRowDivisor uint32 `json:"bytesPerRowDivisor,omitempty"`
	// StartOffsetDivisor must divide the start offset of every plane.
	StartOffsetDivisor uint32 `json:"startOffsetDivisor,omitempty"`
	// SizeAlignment must divide the coded width and height.
	SizeAlignment Size `json:"sizeAlignment,omitempty"`
}

// Pairs returns all pixel format and modifier pairs accepted by the entry.
func (f *ImageFormatConstraints) Pairs() []PixelFormatAndModifier {
	pairs := make([]PixelFormatAndModifier, 0, 1+len(f.PixelFormatAndModifiers))
	if f.PixelFormat != PixelFormatInvalid {
		pairs = append(pairs, PixelFormatAndModifier{f.PixelFormat, f.Modifier})
	}
	return append(pairs, f.PixelFormatAndModifiers...)
}

// ColorSpaceOpen returns true if the entry leaves color space unconstrained
// with a single ColorSpaceDoNotCare.
func (f *ImageFormatConstraints) ColorSpaceOpen() bool {
	return len(f.ColorSpaces) == 1 && f.ColorSpaces[0] == ColorSpaceDoNotCare
}

// Clone returns a deep copy of the constraints.
func (c *Constraints) Clone() *Constraints {
	if c == nil {
		return nil
	}
	o := *c
	if c.Memory != nil {
		m := *c.Memory
		m.PermittedHeaps = slices.Clone(c.Memory.PermittedHeaps)
		o.Memory = &m
	}
	if c.ImageFormats != nil {
		o.ImageFormats = make([]ImageFormatConstraints, len(c.ImageFormats))
		for i, f := range c.ImageFormats {
			f.PixelFormatAndModifiers = slices.Clone(f.PixelFormatAndModifiers)
			f.ColorSpaces = slices.Clone(f.ColorSpaces)
			o.ImageFormats[i] = f
		}
	}
	return &o
}

// Validate checks the constraints for errors. All problems found are
// reported together, wrapped in ErrInvalidConstraints.
func (c *Constraints) Validate() error {
	var errs *multierror.Error

	if c.MaxBufferCount != 0 && c.MinBufferCount > c.MaxBufferCount {
		errs = multierror.Append(errs, fmt.Errorf("min buffer count %d > max buffer count %d",
			c.MinBufferCount, c.MaxBufferCount))
	}

	if m := c.Memory; m != nil {
		if m.MaxSizeBytes != 0 && m.MinSizeBytes > m.MaxSizeBytes {
			errs = multierror.Append(errs, fmt.Errorf("min size %d > max size %d",
				m.MinSizeBytes, m.MaxSizeBytes))
		}
		if m.Domains&^AllDomains != 0 {
			errs = multierror.Append(errs, fmt.Errorf("unknown coherency domains 0x%x", uint8(m.Domains)))
		}
	}

	var pairs []PixelFormatAndModifier
	for i := range c.ImageFormats {
		f := &c.ImageFormats[i]
		entryPairs := f.Pairs()
		if len(entryPairs) == 0 {
			errs = multierror.Append(errs, fmt.Errorf("image format #%d: no pixel format", i))
		}
		for _, p := range entryPairs {
			if !p.PixelFormat.IsValid() {
				errs = multierror.Append(errs, fmt.Errorf("image format #%d: invalid pixel format %s",
					i, p.PixelFormat))
			}
		}
		pairs = append(pairs, entryPairs...)

		if err := validateColorSpaces(f.ColorSpaces); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("image format #%d: %w", i, err))
		}
		if exceeds(f.MinSize.Width, f.MaxSize.Width) || exceeds(f.MinSize.Height, f.MaxSize.Height) {
			errs = multierror.Append(errs, fmt.Errorf("image format #%d: min size %s > max size %s",
				i, f.MinSize, f.MaxSize))
		}
		if exceeds(f.RequiredMaxSize.Width, f.MaxSize.Width) || exceeds(f.RequiredMaxSize.Height, f.MaxSize.Height) {
			errs = multierror.Append(errs, fmt.Errorf("image format #%d: required max size %s > max size %s",
				i, f.RequiredMaxSize, f.MaxSize))
		}
		if exceeds(f.MinBytesPerRow, f.MaxBytesPerRow) {
			errs = multierror.Append(errs, fmt.Errorf("image format #%d: min bytes per row %d > max %d",
				i, f.MinBytesPerRow, f.MaxBytesPerRow))
		}
	}

	for i, p := range pairs {
		for j, q := range pairs {
			if i >= j {
				continue
			}
			switch {
			case p == q:
				errs = multierror.Append(errs, fmt.Errorf("duplicate image format %s", p))
			case p.covers(q) || q.covers(p):
				errs = multierror.Append(errs, fmt.Errorf("ambiguous image formats %s and %s", p, q))
			}
		}
	}

	if err := errs.ErrorOrNil(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConstraints, err)
	}

	return nil
}

func validateColorSpaces(spaces []ColorSpace) error {
	if len(spaces) == 0 {
		return fmt.Errorf("no color spaces, use DoNotCare to leave color space open")
	}
	seen := map[ColorSpace]struct{}{}
	for _, cs := range spaces {
		if cs <= ColorSpaceInvalid || cs > ColorSpaceDoNotCare {
			return fmt.Errorf("invalid color space %d", int(cs))
		}
		if cs == ColorSpaceDoNotCare && len(spaces) > 1 {
			return fmt.Errorf("color space DoNotCare mixed with other color spaces")
		}
		if _, ok := seen[cs]; ok {
			return fmt.Errorf("duplicate color space %s", cs)
		}
		seen[cs] = struct{}{}
	}
	return nil
}

func (c *Constraints) memory() *BufferMemoryConstraints {
	if c == nil {
		return nil
	}
	return c.Memory
}

// exceeds returns true if lo > hi for a nonzero hi.
func exceeds(lo, hi uint32) bool {
	return hi != 0 && lo > hi
}

// normalize returns a copy of the constraints with defaults filled in.
func (c *Constraints) normalize() *Constraints {
	o := c.Clone()
	for i := range o.ImageFormats {
		f := &o.ImageFormats[i]
		if f.BytesPerRowDivisor == 0 {
			f.BytesPerRowDivisor = 1
		}
		if f.StartOffsetDivisor == 0 {
			f.StartOffsetDivisor = 1
		}
		if f.SizeAlignment.Width == 0 {
			f.SizeAlignment.Width = 1
		}
		if f.SizeAlignment.Height == 0 {
			f.SizeAlignment.Height = 1
		}
	}
	return o
}

func (c *Constraints) String() string {
	if c == nil {
		return "<no constraints>"
	}

	parts := []string{"usage " + c.Usage.String()}
	if c.MinBufferCount != 0 {
		parts = append(parts, fmt.Sprintf("min count %d", c.MinBufferCount))
	}
	if c.MaxBufferCount != 0 {
		parts = append(parts, fmt.Sprintf("max count %d", c.MaxBufferCount))
	}
	if c.MinBufferCountForCamping != 0 {
		parts = append(parts, fmt.Sprintf("camping %d", c.MinBufferCountForCamping))
	}
	if c.MinBufferCountForDedicatedSlack != 0 {
		parts = append(parts, fmt.Sprintf("dedicated slack %d", c.MinBufferCountForDedicatedSlack))
	}
	if c.MinBufferCountForSharedSlack != 0 {
		parts = append(parts, fmt.Sprintf("shared slack %d", c.MinBufferCountForSharedSlack))
	}
	if m := c.Memory; m != nil {
		mem := fmt.Sprintf("size [%d,%d]", m.MinSizeBytes, m.MaxSizeBytes)
		if m.SecureRequired {
			mem += " secure"
		}
		if m.PhysicallyContiguousRequired {
			mem += " contiguous"
		}
		if m.Domains != 0 {
			mem += " domains " + m.Domains.String()
		}
		if len(m.PermittedHeaps) > 0 {
			mem += " heaps " + NewHeapSet(m.PermittedHeaps...).String()
		}
		parts = append(parts, mem)
	}
	for _, f := range c.ImageFormats {
		pairs := []string{}
		for _, p := range f.Pairs() {
			pairs = append(pairs, p.String())
		}
		spaces := []string{}
		for _, cs := range f.ColorSpaces {
			spaces = append(spaces, cs.String())
		}
		parts = append(parts, fmt.Sprintf("image {%s} color {%s} min %s",
			strings.Join(pairs, ","), strings.Join(spaces, ","), f.MinSize))
	}

	return strings.Join(parts, ", ")
}
