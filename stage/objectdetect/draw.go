package objectdetect

import (
	"image"

	"github.com/bmharper/cimg/v2"
	"github.com/fogleman/gg"
)

// drawDetections renders labelled boxes onto an RGB image. Boxes are in
// main stream coordinates; if the image is a different size (eg a
// preview), they are scaled to fit.
func (m *Model) drawDetections(img *cimg.Image, detections []Detection) {
	if len(detections) == 0 {
		return
	}
	rgba := image.NewRGBA(image.Rect(0, 0, img.Width, img.Height))
	for y := 0; y < img.Height; y++ {
		src := img.Pixels[y*img.Stride:]
		dst := rgba.Pix[y*rgba.Stride:]
		for x := 0; x < img.Width; x++ {
			dst[x*4] = src[x*3]
			dst[x*4+1] = src[x*3+1]
			dst[x*4+2] = src[x*3+2]
			dst[x*4+3] = 255
		}
	}

	dc := gg.NewContextForRGBA(rgba)
	dc.SetLineWidth(2)
	for _, det := range detections {
		box := det.Box.Scale(m.streams.Main.Width, m.streams.Main.Height, img.Width, img.Height)
		dc.SetRGB(1, 0, 0)
		dc.DrawRectangle(float64(box.X), float64(box.Y), float64(box.Width), float64(box.Height))
		dc.Stroke()
		dc.DrawString(det.Label, float64(box.X), float64(box.Y)-4)
	}

	for y := 0; y < img.Height; y++ {
		src := rgba.Pix[y*rgba.Stride:]
		dst := img.Pixels[y*img.Stride:]
		for x := 0; x < img.Width; x++ {
			dst[x*3] = src[x*4]
			dst[x*3+1] = src[x*4+1]
			dst[x*3+2] = src[x*4+2]
		}
	}
}
