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

package sysmem_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	. "github.com/containers/nri-sysmem/pkg/sysmem"
)

func TestValidateConstraints(t *testing.T) {
	type testCase struct {
		name        string
		constraints *Constraints
		invalid     bool
	}

	rgba := func(f ImageFormatConstraints) *Constraints {
		if f.PixelFormat == PixelFormatInvalid && len(f.PixelFormatAndModifiers) == 0 {
			f.PixelFormat = PixelFormatR8G8B8A8
		}
		return &Constraints{
			Usage:        UsageGPUSampled,
			ImageFormats: []ImageFormatConstraints{f},
		}
	}

	for _, tc := range []*testCase{
		{
			name: "valid constraints",
			constraints: &Constraints{
				Usage:          UsageCPU,
				MinBufferCount: 1,
				MaxBufferCount: 2,
				Memory: &BufferMemoryConstraints{
					MinSizeBytes: 1024,
					MaxSizeBytes: 4096,
					Domains:      NewCoherencyDomains(DomainCPU, DomainRAM),
				},
			},
		},
		{
			name:        "min buffer count over max",
			constraints: &Constraints{MinBufferCount: 3, MaxBufferCount: 2},
			invalid:     true,
		},
		{
			name: "min size over max",
			constraints: &Constraints{
				Memory: &BufferMemoryConstraints{MinSizeBytes: 8192, MaxSizeBytes: 4096},
			},
			invalid: true,
		},
		{
			name: "unknown coherency domain",
			constraints: &Constraints{
				Memory: &BufferMemoryConstraints{Domains: CoherencyDomains(0x80)},
			},
			invalid: true,
		},
		{
			name: "image format without pixel format",
			constraints: &Constraints{
				ImageFormats: []ImageFormatConstraints{{ColorSpaces: []ColorSpace{ColorSpaceSRGB}}},
			},
			invalid: true,
		},
		{
			name: "extra pixel format and modifier pairs",
			constraints: rgba(ImageFormatConstraints{
				PixelFormatAndModifiers: []PixelFormatAndModifier{
					{PixelFormat: PixelFormatR8G8B8A8, Modifier: ModifierIntelXTiled},
					{PixelFormat: PixelFormatR8G8B8A8, Modifier: ModifierIntelYTiled},
				},
				ColorSpaces: []ColorSpace{ColorSpaceSRGB},
			}),
		},
		{
			name: "duplicate pixel format",
			constraints: rgba(ImageFormatConstraints{
				PixelFormatAndModifiers: []PixelFormatAndModifier{
					{PixelFormat: PixelFormatR8G8B8A8},
					{PixelFormat: PixelFormatR8G8B8A8},
				},
			}),
			invalid: true,
		},
		{
			name: "ambiguous pixel formats",
			constraints: rgba(ImageFormatConstraints{
				PixelFormatAndModifiers: []PixelFormatAndModifier{
					{PixelFormat: PixelFormatR8G8B8A8, Modifier: ModifierDoNotCare},
					{PixelFormat: PixelFormatR8G8B8A8, Modifier: ModifierIntelXTiled},
				},
			}),
			invalid: true,
		},
		{
			name: "no color spaces",
			constraints: &Constraints{
				Usage: UsageGPUSampled,
				ImageFormats: []ImageFormatConstraints{
					{PixelFormat: PixelFormatR8G8B8A8},
				},
			},
			invalid: true,
		},
		{
			name: "color space DoNotCare",
			constraints: rgba(ImageFormatConstraints{
				ColorSpaces: []ColorSpace{ColorSpaceDoNotCare},
			}),
		},
		{
			name: "DoNotCare mixed with color spaces",
			constraints: rgba(ImageFormatConstraints{
				ColorSpaces: []ColorSpace{ColorSpaceSRGB, ColorSpaceDoNotCare},
			}),
			invalid: true,
		},
		{
			name: "duplicate color space",
			constraints: rgba(ImageFormatConstraints{
				ColorSpaces: []ColorSpace{ColorSpaceSRGB, ColorSpaceSRGB},
			}),
			invalid: true,
		},
		{
			name: "min image size over max",
			constraints: rgba(ImageFormatConstraints{
				MinSize: Size{Width: 64, Height: 64},
				MaxSize: Size{Width: 32, Height: 0},
			}),
			invalid: true,
		},
		{
			name: "required max size over max",
			constraints: rgba(ImageFormatConstraints{
				MaxSize:         Size{Width: 64, Height: 64},
				RequiredMaxSize: Size{Width: 32, Height: 128},
			}),
			invalid: true,
		},
		{
			name: "min bytes per row over max",
			constraints: rgba(ImageFormatConstraints{
				MinBytesPerRow: 256,
				MaxBytesPerRow: 128,
			}),
			invalid: true,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.constraints.Validate()
			if tc.invalid {
				require.ErrorIs(t, err, ErrInvalidConstraints, "invalid constraints")
			} else {
				require.Nil(t, err, "unexpected Validate() error")
			}
		})
	}
}

func TestConstraintsClone(t *testing.T) {
	c := &Constraints{
		Usage: UsageCPURead,
		Memory: &BufferMemoryConstraints{
			MinSizeBytes:   4096,
			PermittedHeaps: []HeapID{0, 1},
		},
		ImageFormats: []ImageFormatConstraints{
			{
				PixelFormat: PixelFormatNV12,
				ColorSpaces: []ColorSpace{ColorSpaceREC709},
			},
		},
	}

	o := c.Clone()
	require.Equal(t, c, o, "cloned constraints")

	o.Memory.PermittedHeaps[0] = 2
	o.ImageFormats[0].ColorSpaces[0] = ColorSpaceREC2020
	require.Equal(t, HeapID(0), c.Memory.PermittedHeaps[0], "original permitted heaps")
	require.Equal(t, ColorSpaceREC709, c.ImageFormats[0].ColorSpaces[0], "original color spaces")

	require.Nil(t, (*Constraints)(nil).Clone(), "clone of nil constraints")
}
