package session

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"

	"github.com/pkg/errors"

	"github.com/mogri/sceneserver/render"
)

func isInf(v float64) bool {
	return math.IsInf(v, 0)
}

func framebufferFileName(sample int) string {
	return fmt.Sprintf("framebuffer_%04d.png", sample)
}

// encodeFramebuffer converts the accumulated color buffer into a PNG
// file. Linear values are gamma encoded unless the framebuffer is already
// sRGB.
func encodeFramebuffer(fb render.Framebuffer) ([]byte, error) {
	pixels := fb.MapColor()
	w, h := fb.Width(), fb.Height()
	if len(pixels) != w*h*4 {
		return nil, errors.Errorf("color buffer has %d values, expected %d", len(pixels), w*h*4)
	}

	encode := func(v float32) uint8 {
		f := float64(v)
		if fb.Format() == render.FormatRGBA32F {
			f = math.Pow(f, 1/2.2)
		}
		if f < 0 {
			f = 0
		}
		if f > 1 {
			f = 1
		}
		return uint8(f*255 + 0.5)
	}

	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := (y*w + x) * 4
			// flip vertically, the accumulator is bottom-up
			img.SetNRGBA(x, h-1-y, color.NRGBA{
				R: encode(pixels[i+0]),
				G: encode(pixels[i+1]),
				B: encode(pixels[i+2]),
				A: uint8(clamp01(pixels[i+3])*255 + 0.5),
			})
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, errors.Wrapf(err, "png encoding failed")
	}
	return buf.Bytes(), nil
}

func clamp01(v float32) float32 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
