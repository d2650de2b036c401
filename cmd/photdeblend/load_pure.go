//go:build purego || js

package main

import (
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"
	"os"

	_ "golang.org/x/image/tiff"

	"photdeblend/pkg/photdeblend"
)

// loadKernelImage reads a kernel image and converts it to 16-bit luminance.
func loadKernelImage(path string) (photdeblend.Mat, error) {
	f, err := os.Open(path)
	if err != nil {
		return photdeblend.Mat{}, fmt.Errorf("opening kernel image: %w", err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return photdeblend.Mat{}, fmt.Errorf("decoding kernel image: %w", err)
	}

	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	pixels := make([]float32, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			g := color.Gray16Model.Convert(img.At(bounds.Min.X+x, bounds.Min.Y+y)).(color.Gray16)
			pixels[y*w+x] = float32(g.Y)
		}
	}
	return photdeblend.MatFromFloat32(pixels, h, w), nil
}
