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

	"github.com/containers/nri-sysmem/pkg/utils"
)

// PixelFormat is the layout of pixel data in an image.
type PixelFormat int

const (
	PixelFormatInvalid PixelFormat = iota
	PixelFormatR8G8B8A8
	PixelFormatB8G8R8A8
	PixelFormatR8
	PixelFormatR8G8
	PixelFormatRGB565
	PixelFormatB8G8R8
	PixelFormatA2R10G10B10
	PixelFormatNV12
	PixelFormatI420
	PixelFormatYV12
	// PixelFormatDoNotCare accepts whatever other participants require.
	PixelFormatDoNotCare
)

// planeLayout describes how the planes of a pixel format are laid out.
type planeLayout int

const (
	packed      planeLayout = iota // single plane
	semiPlanar                     // luma plane, interleaved 2x2 subsampled chroma plane
	fullyPlanar                    // luma plane, two separate 2x2 subsampled chroma planes
)

type pixelFormatInfo struct {
	name   string
	yuv    bool
	bpp    uint32 // bytes per pixel of the first plane
	layout planeLayout
}

var (
	pixelFormats = map[PixelFormat]*pixelFormatInfo{
		PixelFormatR8G8B8A8:    {name: "R8G8B8A8", bpp: 4},
		PixelFormatB8G8R8A8:    {name: "B8G8R8A8", bpp: 4},
		PixelFormatR8:          {name: "R8", bpp: 1},
		PixelFormatR8G8:        {name: "R8G8", bpp: 2},
		PixelFormatRGB565:      {name: "RGB565", bpp: 2},
		PixelFormatB8G8R8:      {name: "B8G8R8", bpp: 3},
		PixelFormatA2R10G10B10: {name: "A2R10G10B10", bpp: 4},
		PixelFormatNV12:        {name: "NV12", yuv: true, bpp: 1, layout: semiPlanar},
		PixelFormatI420:        {name: "I420", yuv: true, bpp: 1, layout: fullyPlanar},
		PixelFormatYV12:        {name: "YV12", yuv: true, bpp: 1, layout: fullyPlanar},
	}
)

// ParsePixelFormat parses the given string into a pixel format.
func ParsePixelFormat(str string) (PixelFormat, error) {
	str = strings.ToUpper(str)
	if str == "DONOTCARE" || str == "DO_NOT_CARE" || str == "*" {
		return PixelFormatDoNotCare, nil
	}
	for f, info := range pixelFormats {
		if info.name == str {
			return f, nil
		}
	}
	return PixelFormatInvalid, fmt.Errorf("%w: unknown pixel format %q", ErrInvalidArgs, str)
}

func (f PixelFormat) String() string {
	switch f {
	case PixelFormatInvalid:
		return "INVALID"
	case PixelFormatDoNotCare:
		return "DoNotCare"
	}
	if info, ok := pixelFormats[f]; ok {
		return info.name
	}
	return fmt.Sprintf("%%!(BAD-PixelFormat:%d)", int(f))
}

// IsValid returns true for known pixel formats, including DoNotCare.
func (f PixelFormat) IsValid() bool {
	_, ok := pixelFormats[f]
	return ok || f == PixelFormatDoNotCare
}

// IsYUV returns true for YUV pixel formats.
func (f PixelFormat) IsYUV() bool {
	info, ok := pixelFormats[f]
	return ok && info.yuv
}

// IsRGB returns true for RGB pixel formats.
func (f PixelFormat) IsRGB() bool {
	info, ok := pixelFormats[f]
	return ok && !info.yuv
}

// MarshalJSON is the JSON marshaller for PixelFormat.
func (f PixelFormat) MarshalJSON() ([]byte, error) {
	return json.Marshal(f.String())
}

// UnmarshalJSON is the JSON unmarshaller for PixelFormat.
func (f *PixelFormat) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	format, err := ParsePixelFormat(str)
	if err != nil {
		return err
	}
	*f = format
	return nil
}

// Modifier describes tiling or compression of pixel data. The zero value
// is the linear layout.
type Modifier uint64

const (
	ModifierLinear        Modifier = 0
	ModifierIntelXTiled   Modifier = 0x0100000000000001
	ModifierIntelYTiled   Modifier = 0x0100000000000002
	ModifierArmAFBC16x16  Modifier = 0x0800000000000001
	ModifierGoldfishOptim Modifier = 0x0300000000000001
	// ModifierDoNotCare accepts whatever other participants require.
	ModifierDoNotCare Modifier = 0x00ffffffffffffff
)

var (
	modifierNames = map[Modifier]string{
		ModifierLinear:        "Linear",
		ModifierIntelXTiled:   "IntelXTiled",
		ModifierIntelYTiled:   "IntelYTiled",
		ModifierArmAFBC16x16:  "ArmAFBC16x16",
		ModifierGoldfishOptim: "GoogleGoldfishOptimal",
		ModifierDoNotCare:     "DoNotCare",
	}
)

// ParseModifier parses the given string into a modifier.
func ParseModifier(str string) (Modifier, error) {
	switch str {
	case "":
		return ModifierLinear, nil
	case "*":
		return ModifierDoNotCare, nil
	}
	for m, name := range modifierNames {
		if strings.EqualFold(name, str) {
			return m, nil
		}
	}
	return ModifierLinear, fmt.Errorf("%w: unknown modifier %q", ErrInvalidArgs, str)
}

func (m Modifier) String() string {
	if name, ok := modifierNames[m]; ok {
		return name
	}
	return fmt.Sprintf("0x%016x", uint64(m))
}

// MarshalJSON is the JSON marshaller for Modifier.
func (m Modifier) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.String())
}

// UnmarshalJSON is the JSON unmarshaller for Modifier.
func (m *Modifier) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	mod, err := ParseModifier(str)
	if err != nil {
		return err
	}
	*m = mod
	return nil
}

// ColorSpace is the color space of image data.
type ColorSpace int

const (
	ColorSpaceInvalid ColorSpace = iota
	ColorSpaceSRGB
	ColorSpaceREC601NTSC
	ColorSpaceREC601NTSCFullRange
	ColorSpaceREC601PAL
	ColorSpaceREC709
	ColorSpaceREC2020
	ColorSpaceREC2100
	ColorSpacePassThrough
	// ColorSpaceDoNotCare accepts whatever other participants require.
	ColorSpaceDoNotCare
)

var (
	colorSpaceNames = map[ColorSpace]string{
		ColorSpaceSRGB:                "SRGB",
		ColorSpaceREC601NTSC:          "REC601_NTSC",
		ColorSpaceREC601NTSCFullRange: "REC601_NTSC_FULL_RANGE",
		ColorSpaceREC601PAL:           "REC601_PAL",
		ColorSpaceREC709:              "REC709",
		ColorSpaceREC2020:             "REC2020",
		ColorSpaceREC2100:             "REC2100",
		ColorSpacePassThrough:         "PASS_THROUGH",
		ColorSpaceDoNotCare:           "DoNotCare",
	}
)

// ParseColorSpace parses the given string into a color space.
func ParseColorSpace(str string) (ColorSpace, error) {
	if str == "*" {
		return ColorSpaceDoNotCare, nil
	}
	for cs, name := range colorSpaceNames {
		if strings.EqualFold(name, str) {
			return cs, nil
		}
	}
	return ColorSpaceInvalid, fmt.Errorf("%w: unknown color space %q", ErrInvalidArgs, str)
}

func (cs ColorSpace) String() string {
	if name, ok := colorSpaceNames[cs]; ok {
		return name
	}
	if cs == ColorSpaceInvalid {
		return "INVALID"
	}
	return fmt.Sprintf("%%!(BAD-ColorSpace:%d)", int(cs))
}

// MarshalJSON is the JSON marshaller for ColorSpace.
func (cs ColorSpace) MarshalJSON() ([]byte, error) {
	return json.Marshal(cs.String())
}

// UnmarshalJSON is the JSON unmarshaller for ColorSpace.
func (cs *ColorSpace) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	c, err := ParseColorSpace(str)
	if err != nil {
		return err
	}
	*cs = c
	return nil
}

// IsCompatible returns true if the color space can be used with the given
// pixel format.
func (cs ColorSpace) IsCompatible(f PixelFormat) bool {
	switch cs {
	case ColorSpacePassThrough:
		return f.IsRGB() || f.IsYUV()
	case ColorSpaceSRGB:
		return f.IsRGB()
	case ColorSpaceREC601NTSC, ColorSpaceREC601NTSCFullRange, ColorSpaceREC601PAL,
		ColorSpaceREC709, ColorSpaceREC2020, ColorSpaceREC2100:
		return f.IsYUV()
	}
	return false
}

// Size is the size of an image in pixels.
type Size struct {
	Width  uint32 `json:"width,omitempty"`
	Height uint32 `json:"height,omitempty"`
}

func (s Size) String() string {
	return fmt.Sprintf("%dx%d", s.Width, s.Height)
}

// ImageFormat is the image layout chosen for a collection.
type ImageFormat struct {
	PixelFormat PixelFormat `json:"pixelFormat"`
	Modifier    Modifier    `json:"modifier"`
	ColorSpace  ColorSpace  `json:"colorSpace"`
	// Size is the coded size the buffers are laid out for.
	Size Size `json:"size"`
	// BytesPerRow is the row stride of the first plane.
	BytesPerRow uint32 `json:"bytesPerRow"`
	// PlaneOffsets are the byte offsets of the planes in a buffer.
	PlaneOffsets []uint64 `json:"planeOffsets,omitempty"`
	// SizeBytes is the minimum buffer size for the image.
	SizeBytes uint64 `json:"sizeBytes"`
}

func (f *ImageFormat) String() string {
	if f == nil {
		return "<no image format>"
	}
	return fmt.Sprintf("%s/%s/%s %s stride %d (%d bytes)", f.PixelFormat, f.Modifier,
		f.ColorSpace, f.Size, f.BytesPerRow, f.SizeBytes)
}

// layoutImage computes the plane layout of an image of the given pixel
// format and coded size. bytesPerRow is the stride of the first plane and
// every plane starts at a multiple of startOffsetDivisor.
func layoutImage(f PixelFormat, size Size, bytesPerRow, startOffsetDivisor uint32) ([]uint64, uint64) {
	info, ok := pixelFormats[f]
	if !ok {
		return nil, 0
	}

	var (
		bpr    = uint64(bytesPerRow)
		height = uint64(size.Height)
		align  = uint64(startOffsetDivisor)
		luma   = bpr * height
	)

	switch info.layout {
	case semiPlanar:
		chroma := utils.RoundUp(luma, align)
		total := chroma + bpr*((height+1)/2)
		return []uint64{0, chroma}, total
	case fullyPlanar:
		var (
			chromaBpr  = (bpr + 1) / 2
			chromaSize = chromaBpr * ((height + 1) / 2)
			first      = utils.RoundUp(luma, align)
			second     = utils.RoundUp(first+chromaSize, align)
		)
		return []uint64{0, first, second}, second + chromaSize
	}

	return []uint64{0}, luma
}

// minBytesPerRow returns the minimum first plane stride for the given width.
func minBytesPerRow(f PixelFormat, width uint32) uint32 {
	info, ok := pixelFormats[f]
	if !ok {
		return 0
	}
	return width * info.bpp
}

// isSubsampled returns true if the format subsamples chroma by 2x2.
func isSubsampled(f PixelFormat) bool {
	info, ok := pixelFormats[f]
	return ok && info.layout != packed
}
