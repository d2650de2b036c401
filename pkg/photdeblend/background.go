/*
Extracted from HocusFocus plugin by George Hilios.
Original Copyright © 2021 George Hilios <ghilios+NINA@googlemail.com>
Licensed under Mozilla Public License 2.0.
Ported to Go.
*/

package photdeblend

import (
	"fmt"
	"math"

	"go.uber.org/zap"
)

// KappaSigmaResult holds background estimation results.
type KappaSigmaResult struct {
	Sigma          float64
	BackgroundMean float64
	NumIterations  int
	NumPixels      int
}

// KappaSigmaParams controls iterative clipping.
type KappaSigmaParams struct {
	ClippingMultiplier float64
	AllowedError       float64
	MaxIterations      int
}

// NewKappaSigmaParams returns the defaults used for background priors.
func NewKappaSigmaParams() KappaSigmaParams {
	return KappaSigmaParams{
		ClippingMultiplier: 3.0,
		AllowedError:       1e-4,
		MaxIterations:      20,
	}
}

// KappaSigmaBackground estimates the background level of the finite pixels of
// a map by iterative symmetric kappa-sigma clipping.
func KappaSigmaBackground(m *MapContext, params KappaSigmaParams) (KappaSigmaResult, error) {
	values := make([]float32, 0, len(m.Image))
	for y := 0; y < m.Height; y++ {
		for x := 0; x < m.Width; x++ {
			if m.Finite(x, y) {
				values = append(values, float32(m.Image[y*m.Width+x]))
			}
		}
	}
	if len(values) == 0 {
		return KappaSigmaResult{}, fmt.Errorf("no finite pixels")
	}
	img := MatFromFloat32(values, len(values), 1)
	defer img.Close()

	maskMat := NewMat()
	defer maskMat.Close()

	lastSigma := 0.0
	lastBackgroundMean := 0.0
	numPixels := len(values)
	numIterations := 0
	lower, upper := float32(-math.MaxFloat32), float32(math.MaxFloat32)

	for numIterations < params.MaxIterations {
		var meanVal, sigmaVal float64
		count := numPixels

		if numIterations > 0 {
			inRangeScalar(img, lower, upper, &maskMat)
			meanVal, sigmaVal, count = meanStdDevWithMask(img, maskMat)
			if count == 0 {
				break
			}
		} else {
			meanVal, sigmaVal = matMeanStdDev(img)
		}

		numIterations++
		if numIterations > 1 && math.Abs(sigmaVal-lastSigma) <= params.AllowedError {
			lastSigma = sigmaVal
			lastBackgroundMean = meanVal
			numPixels = count
			break
		}
		lower = float32(meanVal - params.ClippingMultiplier*sigmaVal)
		upper = float32(meanVal + params.ClippingMultiplier*sigmaVal)
		lastSigma = sigmaVal
		lastBackgroundMean = meanVal
		numPixels = count
	}

	return KappaSigmaResult{
		Sigma:          lastSigma,
		BackgroundMean: lastBackgroundMean,
		NumIterations:  numIterations,
		NumPixels:      numPixels,
	}, nil
}

// meanStdDevWithMask computes mean and stddev of pixels where mask is non-zero.
func meanStdDevWithMask(img Mat, mask Mat) (float64, float64, int) {
	imgData := img.DataFloat32()
	maskData := mask.DataFloat32()
	numPixels := img.Rows() * img.Cols()

	var sum float64
	var count int
	for i := 0; i < numPixels; i++ {
		if maskData[i] != 0 {
			sum += float64(imgData[i])
			count++
		}
	}
	if count == 0 {
		return 0, 0, 0
	}
	mean := sum / float64(count)

	var sse float64
	for i := 0; i < numPixels; i++ {
		if maskData[i] != 0 {
			diff := float64(imgData[i]) - mean
			sse += diff * diff
		}
	}
	return mean, math.Sqrt(sse / float64(count)), count
}

// EstimateBackgroundPrior sets the background prior from the clipped mean and
// standard deviation of the band's finite pixels.
func (p *SourcePrior) EstimateBackgroundPrior(params KappaSigmaParams) error {
	if p.frozen {
		return ErrFrozen
	}
	res, err := KappaSigmaBackground(p.Map, params)
	if err != nil {
		return fmt.Errorf("band %s background: %w", p.Band, err)
	}
	sigma := res.Sigma
	if sigma <= 0 {
		sigma = 1
	}
	p.logger.Debug("estimated background prior",
		zap.Float64("mean", res.BackgroundMean),
		zap.Float64("sigma", sigma),
		zap.Int("iterations", res.NumIterations),
		zap.Int("pixels", res.NumPixels),
	)
	return p.SetBackgroundPrior(res.BackgroundMean, sigma)
}
