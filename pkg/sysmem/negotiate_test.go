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
	"testing"

	"github.com/stretchr/testify/require"

	cfgapi "github.com/containers/nri-sysmem/pkg/apis/config/v1alpha1/broker"
)

const (
	testPage = 4096
)

func newTestNegotiator(t *testing.T) *negotiator {
	heaps, err := heapsFromConfig(cfgapi.Default().Heaps)
	require.Nil(t, err, "unexpected heapsFromConfig() error")
	return &negotiator{
		heaps: heaps,
		resolver: resolver{
			pageSize:       testPage,
			maxBufferCount: cfgapi.DefaultMaxBufferCount,
			maxTotalBytes:  4 << 30,
		},
	}
}

func participants(constraints ...*Constraints) []*participant {
	parts := []*participant{}
	for i, c := range constraints {
		parts = append(parts, &participant{
			name:        fmt.Sprintf("participant #%d", i),
			constraints: c.normalize(),
		})
	}
	return parts
}

func memoryConstraints(usage Usage, m BufferMemoryConstraints) *Constraints {
	if m.MinSizeBytes == 0 {
		m.MinSizeBytes = testPage
	}
	return &Constraints{
		Usage:          usage,
		MinBufferCount: 1,
		Memory:         &m,
	}
}

func TestNegotiatePlacement(t *testing.T) {
	type testCase struct {
		name        string
		constraints []*Constraints
		fail        bool
		heap        string
		domain      CoherencyDomain
		contiguous  bool
		secure      bool
	}

	for _, tc := range []*testCase{
		{
			name: "CPU usage",
			constraints: []*Constraints{
				memoryConstraints(UsageCPURead, BufferMemoryConstraints{}),
			},
			heap:   "system-ram",
			domain: DomainCPU,
		},
		{
			name: "physically contiguous",
			constraints: []*Constraints{
				memoryConstraints(UsageCPURead, BufferMemoryConstraints{}),
				memoryConstraints(UsageVideoDecode, BufferMemoryConstraints{
					PhysicallyContiguousRequired: true,
				}),
			},
			heap:       "contiguous-ram",
			domain:     DomainCPU,
			contiguous: true,
		},
		{
			name: "secure",
			constraints: []*Constraints{
				memoryConstraints(UsageVideoDecode, BufferMemoryConstraints{
					SecureRequired: true,
					Domains:        NewCoherencyDomains(DomainInaccessible),
				}),
				memoryConstraints(UsageDisplay, BufferMemoryConstraints{
					Domains: AllDomains,
				}),
			},
			heap:       "secure",
			domain:     DomainInaccessible,
			contiguous: true,
			secure:     true,
		},
		{
			name: "secure with CPU usage",
			constraints: []*Constraints{
				memoryConstraints(UsageVideoDecode, BufferMemoryConstraints{
					SecureRequired: true,
					Domains:        NewCoherencyDomains(DomainInaccessible),
				}),
				memoryConstraints(UsageCPURead, BufferMemoryConstraints{}),
			},
			fail: true,
		},
		{
			name: "RAM preferred without CPU",
			constraints: []*Constraints{
				memoryConstraints(UsageDisplay, BufferMemoryConstraints{
					Domains: NewCoherencyDomains(DomainRAM, DomainInaccessible),
				}),
				memoryConstraints(UsageGPUSampled, BufferMemoryConstraints{
					Domains: AllDomains,
				}),
			},
			heap:   "system-ram",
			domain: DomainRAM,
		},
		{
			name: "disjoint coherency domains",
			constraints: []*Constraints{
				memoryConstraints(UsageDisplay, BufferMemoryConstraints{
					Domains: NewCoherencyDomains(DomainRAM),
				}),
				memoryConstraints(UsageCPUWrite, BufferMemoryConstraints{}),
			},
			fail: true,
		},
		{
			name: "permitted heaps",
			constraints: []*Constraints{
				memoryConstraints(UsageCPURead, BufferMemoryConstraints{
					PermittedHeaps: []HeapID{0, 1},
				}),
				memoryConstraints(UsageCPURead, BufferMemoryConstraints{
					PermittedHeaps: []HeapID{1},
				}),
			},
			heap:       "contiguous-ram",
			domain:     DomainCPU,
			contiguous: true,
		},
		{
			name: "disjoint permitted heaps",
			constraints: []*Constraints{
				memoryConstraints(UsageCPURead, BufferMemoryConstraints{
					PermittedHeaps: []HeapID{0},
				}),
				memoryConstraints(UsageCPURead, BufferMemoryConstraints{
					PermittedHeaps: []HeapID{1},
				}),
			},
			fail: true,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			n := newTestNegotiator(t)
			plan, err := n.negotiate(participants(tc.constraints...), nil)
			if tc.fail {
				require.ErrorIs(t, err, ErrConstraintsIntersectionEmpty, "incompatible placement")
				return
			}

			require.Nil(t, err, "unexpected negotiate() error")
			require.Equal(t, tc.heap, plan.settings.HeapName, "heap")
			require.Equal(t, tc.domain, plan.settings.CoherencyDomain, "coherency domain")
			require.Equal(t, tc.contiguous, plan.settings.PhysicallyContiguous, "physically contiguous")
			require.Equal(t, tc.secure, plan.settings.Secure, "secure")
			require.Equal(t, plan.heap.ID, plan.settings.HeapID, "heap ID")
		})
	}
}

func TestNegotiateImageFormat(t *testing.T) {
	type testCase struct {
		name    string
		formats [][]ImageFormatConstraints
		fail    bool
		result  *ImageFormat
	}

	for _, tc := range []*testCase{
		{
			name: "subsampled size aligned to even",
			formats: [][]ImageFormatConstraints{
				{
					{
						PixelFormat: PixelFormatNV12,
						ColorSpaces: []ColorSpace{ColorSpaceREC709},
						MinSize:     Size{Width: 511, Height: 511},
					},
				},
			},
			result: &ImageFormat{
				PixelFormat:  PixelFormatNV12,
				ColorSpace:   ColorSpaceREC709,
				Size:         Size{Width: 512, Height: 512},
				BytesPerRow:  512,
				PlaneOffsets: []uint64{0, 262144},
				SizeBytes:    393216,
			},
		},
		{
			name: "bytes per row divisors combine",
			formats: [][]ImageFormatConstraints{
				{
					{
						PixelFormat:        PixelFormatR8G8B8A8,
						ColorSpaces:        []ColorSpace{ColorSpaceSRGB},
						MinSize:            Size{Width: 100, Height: 10},
						BytesPerRowDivisor: 64,
					},
				},
				{
					{
						PixelFormat:        PixelFormatR8G8B8A8,
						ColorSpaces:        []ColorSpace{ColorSpaceSRGB},
						BytesPerRowDivisor: 48,
					},
				},
			},
			result: &ImageFormat{
				PixelFormat:  PixelFormatR8G8B8A8,
				ColorSpace:   ColorSpaceSRGB,
				Size:         Size{Width: 100, Height: 10},
				BytesPerRow:  576,
				PlaneOffsets: []uint64{0},
				SizeBytes:    5760,
			},
		},
		{
			name: "preference of first participant",
			formats: [][]ImageFormatConstraints{
				{
					{
						PixelFormat: PixelFormatB8G8R8A8,
						ColorSpaces: []ColorSpace{ColorSpaceSRGB},
						MinSize:     Size{Width: 16, Height: 16},
					},
					{
						PixelFormat: PixelFormatR8G8B8A8,
						ColorSpaces: []ColorSpace{ColorSpaceSRGB},
						MinSize:     Size{Width: 16, Height: 16},
					},
				},
				{
					{
						PixelFormat: PixelFormatR8G8B8A8,
						ColorSpaces: []ColorSpace{ColorSpaceSRGB},
					},
					{
						PixelFormat: PixelFormatB8G8R8A8,
						ColorSpaces: []ColorSpace{ColorSpaceSRGB},
					},
				},
			},
			result: &ImageFormat{
				PixelFormat:  PixelFormatB8G8R8A8,
				ColorSpace:   ColorSpaceSRGB,
				Size:         Size{Width: 16, Height: 16},
				BytesPerRow:  64,
				PlaneOffsets: []uint64{0},
				SizeBytes:    1024,
			},
		},
		{
			name: "plane start offsets aligned",
			formats: [][]ImageFormatConstraints{
				{
					{
						PixelFormat:        PixelFormatNV12,
						ColorSpaces:        []ColorSpace{ColorSpaceREC601PAL, ColorSpaceREC709},
						MinSize:            Size{Width: 100, Height: 100},
						StartOffsetDivisor: 4096,
					},
				},
				{
					{
						PixelFormat: PixelFormatNV12,
						ColorSpaces: []ColorSpace{ColorSpaceREC709},
					},
				},
			},
			result: &ImageFormat{
				PixelFormat:  PixelFormatNV12,
				ColorSpace:   ColorSpaceREC709,
				Size:         Size{Width: 100, Height: 100},
				BytesPerRow:  100,
				PlaneOffsets: []uint64{0, 12288},
				SizeBytes:    17288,
			},
		},
		{
			name: "no compatible color space",
			formats: [][]ImageFormatConstraints{
				{
					{
						PixelFormat: PixelFormatNV12,
						ColorSpaces: []ColorSpace{ColorSpaceSRGB},
						MinSize:     Size{Width: 64, Height: 64},
					},
				},
			},
			fail: true,
		},
		{
			name: "disjoint sizes",
			formats: [][]ImageFormatConstraints{
				{
					{
						PixelFormat: PixelFormatR8,
						ColorSpaces: []ColorSpace{ColorSpaceSRGB},
						MaxSize:     Size{Width: 256, Height: 256},
					},
				},
				{
					{
						PixelFormat: PixelFormatR8,
						ColorSpaces: []ColorSpace{ColorSpaceSRGB},
						MinSize:     Size{Width: 512, Height: 512},
					},
				},
			},
			fail: true,
		},
		{
			name: "disjoint pixel formats",
			formats: [][]ImageFormatConstraints{
				{
					{
						PixelFormat: PixelFormatR8,
						ColorSpaces: []ColorSpace{ColorSpaceSRGB},
					},
				},
				{
					{
						PixelFormat: PixelFormatR8G8,
						ColorSpaces: []ColorSpace{ColorSpaceSRGB},
					},
				},
			},
			fail: true,
		},
		{
			name: "modifier left unconstrained",
			formats: [][]ImageFormatConstraints{
				{
					{
						PixelFormat: PixelFormatR8,
						Modifier:    ModifierDoNotCare,
						ColorSpaces: []ColorSpace{ColorSpaceSRGB},
						MinSize:     Size{Width: 8, Height: 8},
					},
				},
			},
			fail: true,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			constraints := []*Constraints{}
			for _, f := range tc.formats {
				constraints = append(constraints, &Constraints{
					Usage:          UsageGPUSampled,
					MinBufferCount: 1,
					ImageFormats:   f,
				})
			}

			n := newTestNegotiator(t)
			plan, err := n.negotiate(participants(constraints...), nil)
			if tc.fail {
				require.ErrorIs(t, err, ErrConstraintsIntersectionEmpty, "incompatible image formats")
				return
			}

			require.Nil(t, err, "unexpected negotiate() error")
			require.Equal(t, tc.result, plan.settings.ImageFormat, "image format")
			require.Equal(t, tc.result.SizeBytes, plan.settings.SizeBytes, "buffer size")
			require.Equal(t, (tc.result.SizeBytes+testPage-1)/testPage*testPage, plan.reserved,
				"page rounded reserved size")
		})
	}
}

func TestNegotiatePinned(t *testing.T) {
	n := newTestNegotiator(t)

	initial := &Constraints{
		Usage:          UsageCPURead,
		MinBufferCount: 2,
		ImageFormats: []ImageFormatConstraints{
			{
				PixelFormat: PixelFormatR8G8B8A8,
				ColorSpaces: []ColorSpace{ColorSpaceSRGB},
				MinSize:     Size{Width: 64, Height: 64},
			},
		},
	}

	plan, err := n.negotiate(participants(initial), nil)
	require.Nil(t, err, "unexpected negotiate() error")
	pinned := &CollectionInfo{
		CollectionID: 1,
		BufferCount:  plan.count,
		Settings:     plan.settings,
	}

	type testCase struct {
		name        string
		constraints *Constraints
		fail        bool
	}

	for _, tc := range []*testCase{
		{
			name:        "same constraints",
			constraints: initial,
		},
		{
			name:        "no constraints",
			constraints: &Constraints{Usage: UsageNone},
		},
		{
			name: "smaller image fits",
			constraints: &Constraints{
				Usage: UsageDisplay,
				ImageFormats: []ImageFormatConstraints{
					{
						PixelFormat: PixelFormatR8G8B8A8,
						ColorSpaces: []ColorSpace{ColorSpaceSRGB},
						MaxSize:     Size{Width: 128, Height: 128},
					},
				},
			},
		},
		{
			name: "different pixel format",
			constraints: &Constraints{
				Usage: UsageDisplay,
				ImageFormats: []ImageFormatConstraints{
					{
						PixelFormat: PixelFormatB8G8R8A8,
						ColorSpaces: []ColorSpace{ColorSpaceSRGB},
					},
				},
			},
			fail: true,
		},
		{
			name: "wider stride",
			constraints: &Constraints{
				Usage: UsageDisplay,
				ImageFormats: []ImageFormatConstraints{
					{
						PixelFormat:    PixelFormatR8G8B8A8,
						ColorSpaces:    []ColorSpace{ColorSpaceSRGB},
						MinBytesPerRow: 512,
					},
				},
			},
			fail: true,
		},
		{
			name:        "more buffers",
			constraints: &Constraints{Usage: UsageCPURead, MinBufferCountForCamping: 3},
			fail:        true,
		},
		{
			name: "larger buffers",
			constraints: &Constraints{
				Usage:  UsageCPURead,
				Memory: &BufferMemoryConstraints{MinSizeBytes: 8 * testPage},
			},
			fail: true,
		},
		{
			name: "contiguous memory",
			constraints: &Constraints{
				Usage:  UsageCPURead,
				Memory: &BufferMemoryConstraints{PhysicallyContiguousRequired: true},
			},
			fail: true,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			p, err := n.negotiate(participants(tc.constraints), pinned)
			if tc.fail {
				require.ErrorIs(t, err, ErrConstraintsIntersectionEmpty, "incompatible follow-up")
				return
			}
			require.Nil(t, err, "unexpected negotiate() error")
			require.Equal(t, pinned.BufferCount, p.count, "pinned buffer count")
			require.Equal(t, pinned.Settings, p.settings, "pinned settings")
		})
	}
}
