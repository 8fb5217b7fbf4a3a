package yuv

// Package yuv handles the planar YUV 4:2:0 frames that the camera
// pipeline hands us, and converts them into the packed RGB that a
// neural network wants.
//
// A frame buffer is laid out as a full-resolution Y plane of
// Height*Stride bytes, followed by U and V planes of
// (Height/2)*(Stride/2) bytes each.

import (
	"fmt"

	"github.com/bmharper/cimg/v2"
)

// Geometry of one video stream, as negotiated with the camera pipeline.
type Geometry struct {
	Width  int
	Height int
	Stride int // Row stride of the Y plane, in bytes. Chroma stride is Stride/2.
}

// PlaneSize returns the byte sizes of the Y and the (single) U or V plane.
func (g Geometry) PlaneSize() (ySize, cSize int) {
	return g.Height * g.Stride, (g.Height / 2) * (g.Stride / 2)
}

// BufferSize is the total size of a YUV420 frame with this geometry.
func (g Geometry) BufferSize() int {
	ySize, cSize := g.PlaneSize()
	return ySize + 2*cSize
}

// CropOffset returns the origin of a centered targetW x targetH crop,
// snapped down to an even pixel boundary so that the half-resolution
// chroma planes stay registered with the luma plane.
func CropOffset(geo Geometry, targetW, targetH int) (offX, offY int) {
	return ((geo.Width - targetW) / 2) &^ 1, ((geo.Height - targetH) / 2) &^ 1
}

func clamp8(v int) byte {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return byte(v)
}

// ToRGBCrop converts a centered targetW x targetH window of a YUV420
// frame into packed RGB (see CropOffset for how the window is placed).
// The output is a fresh buffer of exactly targetH*targetW*3 bytes.
//
// Fails only if the target exceeds the source in either dimension;
// callers are expected to have validated that at configure time.
func ToRGBCrop(src []byte, geo Geometry, targetW, targetH int) ([]byte, error) {
	if targetW > geo.Width || targetH > geo.Height {
		return nil, fmt.Errorf("crop %vx%v exceeds source %vx%v", targetW, targetH, geo.Width, geo.Height)
	}
	out := make([]byte, targetH*targetW*3)

	offX, offY := CropOffset(geo, targetW, targetH)
	ySize, cSize := geo.PlaneSize()
	cStride := geo.Stride / 2

	di := 0
	for y := 0; y < targetH; y++ {
		yRow := (y + offY) * geo.Stride
		cRow := ySize + ((y+offY)/2)*cStride + offX/2
		si := yRow + offX
		ui := cRow
		vi := cRow + cSize
		for x := 0; x < targetW; x++ {
			Y := int(src[si])
			si++
			U := int(src[ui])
			V := int(src[vi])
			// U and V are shared across 2x1 pairs of luma samples
			ui += x & 1
			vi += x & 1

			// Fixed point BT.601-style coefficients: 1.402, 0.345, 0.714, 1.771
			out[di] = clamp8(Y + (91881*(V-128))>>16)
			out[di+1] = clamp8(Y - ((22610*(U-128))+(46802*(V-128)))>>16)
			out[di+2] = clamp8(Y + (116064*(U-128))>>16)
			di += 3
		}
	}
	return out, nil
}

// ToCImageRGB converts an entire YUV420 frame to an RGB cimg image.
func ToCImageRGB(src []byte, geo Geometry) (*cimg.Image, error) {
	dst := cimg.NewImage(geo.Width, geo.Height, cimg.PixelFormatRGB)
	pixels, err := ToRGBCrop(src, geo, geo.Width, geo.Height)
	if err != nil {
		return nil, err
	}
	if dst.Stride == geo.Width*3 {
		copy(dst.Pixels, pixels)
	} else {
		for y := 0; y < geo.Height; y++ {
			copy(dst.Pixels[y*dst.Stride:], pixels[y*geo.Width*3:(y+1)*geo.Width*3])
		}
	}
	return dst, nil
}
