package mnist

import (
	"image"
	"image/color"
	"image/png"
	"io"
	"strings"
)

// shadeRamp maps pixel intensity to terminal characters, darkest last.
const shadeRamp = " .:-=+*#%@"

// ASCII renders the image as one terminal line per pixel row.
func (img Image) ASCII() string {
	var b strings.Builder
	b.Grow((img.Cols + 1) * img.Rows)

	for r := 0; r < img.Rows; r++ {
		for c := 0; c < img.Cols; c++ {
			v := img.Pixels[r*img.Cols+c]
			idx := int(v * float64(len(shadeRamp)-1))
			if idx < 0 {
				idx = 0
			}
			if idx >= len(shadeRamp) {
				idx = len(shadeRamp) - 1
			}
			b.WriteByte(shadeRamp[idx])
		}
		b.WriteByte('\n')
	}

	return b.String()
}

// PNG writes the image as 8-bit grayscale.
func (img Image) PNG(w io.Writer) error {
	out := image.NewGray(image.Rect(0, 0, img.Cols, img.Rows))
	for r := 0; r < img.Rows; r++ {
		for c := 0; c < img.Cols; c++ {
			v := img.Pixels[r*img.Cols+c] * 255.0
			if v < 0 {
				v = 0
			}
			if v > 255 {
				v = 255
			}
			out.SetGray(c, r, color.Gray{Y: uint8(v)})
		}
	}

	return png.Encode(w, out)
}
