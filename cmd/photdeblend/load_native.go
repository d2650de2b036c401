//go:build !purego && !js

package main

import (
	"fmt"

	"gocv.io/x/gocv"

	"photdeblend/pkg/photdeblend"
)

// loadKernelImage reads a single-channel kernel image of any bit depth.
func loadKernelImage(path string) (photdeblend.Mat, error) {
	src := gocv.IMRead(path, gocv.IMReadAnyDepth|gocv.IMReadGrayScale)
	if src.Empty() {
		return photdeblend.Mat{}, fmt.Errorf("could not load kernel image: %s", path)
	}
	defer src.Close()

	floatMat := gocv.NewMat()
	defer floatMat.Close()
	src.ConvertTo(&floatMat, gocv.MatTypeCV32F)

	data, err := floatMat.DataPtrFloat32()
	if err != nil {
		return photdeblend.Mat{}, fmt.Errorf("reading kernel image: %w", err)
	}
	return photdeblend.MatFromFloat32(data, floatMat.Rows(), floatMat.Cols()), nil
}
