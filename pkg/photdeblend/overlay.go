package photdeblend

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"math"
	"os"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// PValueFlagLimit marks p-values below it, or above 1 minus it, as misfits.
const PValueFlagLimit = 0.05

// RenderPValueOverlay draws the band map with every source circled and
// coloured by its Bayes p-value, and writes it as JPEG.
func RenderPValueOverlay(prior *SourcePrior, pvalues []float64, outputPath string) error {
	img, err := renderPValueImage(prior, pvalues)
	if err != nil {
		return err
	}

	f, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("create overlay file: %w", err)
	}
	defer f.Close()

	return jpeg.Encode(f, img, &jpeg.Options{Quality: 90})
}

// RenderPValueOverlayBytes is RenderPValueOverlay returning JPEG bytes.
func RenderPValueOverlayBytes(prior *SourcePrior, pvalues []float64) ([]byte, error) {
	img, err := renderPValueImage(prior, pvalues)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func renderPValueImage(prior *SourcePrior, pvalues []float64) (*image.RGBA, error) {
	if len(pvalues) != prior.NSrc {
		return nil, shapeError("overlay p-values", prior.NSrc, len(pvalues))
	}
	m := prior.Map

	const targetWidth = 800
	scale := float64(targetWidth) / float64(m.Width)
	imgW := targetWidth
	imgH := int(math.Max(100, float64(m.Height)*scale))

	summaryH := 40
	totalH := imgH + summaryH
	img := image.NewRGBA(image.Rect(0, 0, imgW, totalH))

	var finite []float64
	for y := 0; y < m.Height; y++ {
		for x := 0; x < m.Width; x++ {
			if m.Finite(x, y) {
				finite = append(finite, m.Image[y*m.Width+x])
			}
		}
	}
	lo, hi := Percentile(finite, 1), Percentile(finite, 99)
	if !(hi > lo) {
		hi = lo + 1
	}

	for y := 0; y < totalH; y++ {
		for x := 0; x < imgW; x++ {
			img.Set(x, y, color.RGBA{0, 0, 0, 255})
		}
	}
	for y := 0; y < imgH; y++ {
		// FITS row 0 is the bottom of the image.
		my := m.Height - 1 - int(float64(y)/scale)
		if my < 0 {
			continue
		}
		for x := 0; x < imgW; x++ {
			mx := int(float64(x) / scale)
			if mx >= m.Width || !m.Finite(mx, my) {
				continue
			}
			t := (m.Image[my*m.Width+mx] - lo) / (hi - lo)
			v := uint8(255 * math.Max(0, math.Min(1, t)))
			img.Set(x, y, color.RGBA{v, v, v, 255})
		}
	}

	halfX := 2.0
	if prior.Kernel != nil {
		halfX, _ = prior.Kernel.HalfExtent()
	}
	radius := max(3, int(halfX*scale/2))
	flagged := 0
	for s := 0; s < prior.NSrc; s++ {
		sx, sy := prior.SourcePixel(s)
		cx := int((sx + 0.5) * scale)
		cy := imgH - int((sy+0.5)*scale)
		c := pvalueColor(pvalues[s])
		drawCircle(img, cx, cy, radius, c)
		if pvalueFlagged(pvalues[s]) {
			flagged++
		}
	}

	face := basicfont.Face7x13
	summaryColor := color.RGBA{220, 220, 220, 255}
	drawText(img, face, fmt.Sprintf("Band %s: %d sources, %d flagged (p < %.2f or p > %.2f)",
		prior.Band, prior.NSrc, flagged, PValueFlagLimit, 1-PValueFlagLimit), 10, imgH+15, summaryColor)
	drawText(img, face, fmt.Sprintf("Stretch: %.3g .. %.3g", lo, hi), 10, imgH+31, summaryColor)
	return img, nil
}

func pvalueFlagged(p float64) bool {
	return p < PValueFlagLimit || p > 1-PValueFlagLimit
}

// pvalueColor is green near 0.5, shading through yellow to red at 0 and 1.
// Missing p-values are grey.
func pvalueColor(p float64) color.RGBA {
	if math.IsNaN(p) {
		return color.RGBA{128, 128, 128, 255}
	}
	d := math.Abs(p-0.5) * 2
	var r, g uint8
	switch {
	case d <= 0.5:
		r = uint8(d * 2 * 255)
		g = 255
	default:
		r = 255
		g = uint8((1 - d) * 2 * 255)
	}
	return color.RGBA{r, g, 40, 255}
}

// drawText draws a string at (x, y) using the given font face.
func drawText(img *image.RGBA, face font.Face, s string, x, y int, c color.RGBA) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: face,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(s)
}

// drawCircle draws a circle outline using midpoint algorithm.
func drawCircle(img *image.RGBA, cx, cy, radius int, c color.RGBA) {
	x := radius
	y := 0
	err := 0

	for x >= y {
		img.Set(cx+x, cy+y, c)
		img.Set(cx+y, cy+x, c)
		img.Set(cx-y, cy+x, c)
		img.Set(cx-x, cy+y, c)
		img.Set(cx-x, cy-y, c)
		img.Set(cx-y, cy-x, c)
		img.Set(cx+y, cy-x, c)
		img.Set(cx+x, cy-y, c)

		y++
		err += 1 + 2*y
		if 2*(err-x)+1 > 0 {
			x--
			err += 1 - 2*x
		}
	}
}
