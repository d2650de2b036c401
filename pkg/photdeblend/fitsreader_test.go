package photdeblend

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fitsCard(key, value string) string {
	return fmt.Sprintf("%-8s= %-70s", key, value)
}

// fitsHeader pads cards and END to a whole number of blocks.
func fitsHeader(cards ...string) []byte {
	var b strings.Builder
	for _, c := range cards {
		b.WriteString(c)
	}
	b.WriteString(fmt.Sprintf("%-80s", "END"))
	for b.Len()%fitsBlockSize != 0 {
		b.WriteByte(' ')
	}
	return []byte(b.String())
}

func padBlock(data []byte) []byte {
	for len(data)%fitsBlockSize != 0 {
		data = append(data, 0)
	}
	return data
}

func float32Plane(values []float32) []byte {
	out := make([]byte, 4*len(values))
	for i, v := range values {
		binary.BigEndian.PutUint32(out[i*4:], math.Float32bits(v))
	}
	return padBlock(out)
}

func TestReadFitsPrimaryAndExtensions(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(fitsHeader(
		fitsCard("SIMPLE", "T"),
		fitsCard("BITPIX", "-32"),
		fitsCard("NAXIS", "2"),
		fitsCard("NAXIS1", "3"),
		fitsCard("NAXIS2", "2"),
		fitsCard("BUNIT", "'Jy/beam '           / flux unit"),
		fitsCard("CRVAL1", "150.0D0"),
	))
	buf.Write(float32Plane([]float32{1, 2, 3, 4, float32(math.NaN()), 6}))

	// A binary table between the images must be skipped.
	buf.Write(fitsHeader(
		fitsCard("XTENSION", "'BINTABLE'"),
		fitsCard("BITPIX", "8"),
		fitsCard("NAXIS", "2"),
		fitsCard("NAXIS1", "10"),
		fitsCard("NAXIS2", "3"),
		fitsCard("PCOUNT", "0"),
		fitsCard("GCOUNT", "1"),
	))
	buf.Write(padBlock(make([]byte, 30)))

	i16 := make([]byte, 2*6)
	for i := 0; i < 6; i++ {
		binary.BigEndian.PutUint16(i16[i*2:], uint16(int16(i-3)))
	}
	buf.Write(fitsHeader(
		fitsCard("XTENSION", "'IMAGE   '"),
		fitsCard("BITPIX", "16"),
		fitsCard("NAXIS", "2"),
		fitsCard("NAXIS1", "3"),
		fitsCard("NAXIS2", "2"),
		fitsCard("BSCALE", "0.5"),
		fitsCard("BZERO", "10"),
		fitsCard("EXTNAME", "'ERROR'"),
	))
	buf.Write(padBlock(i16))

	hdus, err := ReadFitsFromBytes(buf.Bytes())
	require.NoError(t, err)
	require.Len(t, hdus, 3)

	img := hdus[0]
	require.True(t, img.HasImage())
	assert.Equal(t, 3, img.Width)
	assert.Equal(t, 2, img.Height)
	assert.Equal(t, 4.0, img.Data[3])
	assert.True(t, math.IsNaN(img.Data[4]))
	assert.Equal(t, "Jy/beam", img.Header.Unit())
	v, ok := img.Header.GetDouble("crval1")
	require.True(t, ok)
	assert.Equal(t, 150.0, v)

	assert.False(t, hdus[1].HasImage())
	assert.Equal(t, "BINTABLE", hdus[1].Header.Extension())

	noise := hdus[2]
	assert.Equal(t, "ERROR", noise.Header.ExtName())
	assert.Equal(t, []float64{8.5, 9, 9.5, 10, 10.5, 11}, noise.Data)
}

func TestReadFitsFile(t *testing.T) {
	data := append(fitsHeader(
		fitsCard("SIMPLE", "T"),
		fitsCard("BITPIX", "-64"),
		fitsCard("NAXIS", "2"),
		fitsCard("NAXIS1", "1"),
		fitsCard("NAXIS2", "1"),
	), padBlock(binary.BigEndian.AppendUint64(nil, math.Float64bits(2.5)))...)
	path := filepath.Join(t.TempDir(), "map.fits")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	hdus, err := ReadFits(path)
	require.NoError(t, err)
	require.Len(t, hdus, 1)
	assert.Equal(t, []float64{2.5}, hdus[0].Data)

	_, err = ReadFits(filepath.Join(t.TempDir(), "missing.fits"))
	assert.Error(t, err)
}

func TestReadFitsRejectsTruncatedData(t *testing.T) {
	data := fitsHeader(
		fitsCard("SIMPLE", "T"),
		fitsCard("BITPIX", "-32"),
		fitsCard("NAXIS", "2"),
		fitsCard("NAXIS1", "10"),
		fitsCard("NAXIS2", "10"),
	)
	_, err := ReadFitsFromBytes(data)
	assert.Error(t, err)

	_, err = ReadFitsFromBytes(nil)
	assert.Error(t, err)
}

func TestSplitFitsComment(t *testing.T) {
	assert.Equal(t, "'a/b' ", splitFitsComment("'a/b' / path"))
	assert.Equal(t, "12 ", splitFitsComment("12 / count"))
	assert.Equal(t, "True", parseFitsValue("T"))
	assert.Equal(t, "it's", parseFitsValue("'it's'"))
}

func TestMapContextFromHDUs(t *testing.T) {
	header := NewFitsMetadata()
	for k, v := range map[string]string{
		"CRVAL1": "150", "CRVAL2": "2",
		"CRPIX1": "2", "CRPIX2": "1.5",
		"CDELT1": "-0.001666667", "CDELT2": "0.001666667",
	} {
		header.Headers[k] = v
	}
	img := &FitsHDU{Header: header, Width: 3, Height: 2, Data: []float64{1, 2, 3, 4, 5, 6}}
	noise := &FitsHDU{Header: NewFitsMetadata(), Width: 3, Height: 2, Data: []float64{1, 1, 1, 1, 1, 1}}

	m, err := MapContextFromHDUs(img, noise, 0)
	require.NoError(t, err)
	assert.InDelta(t, 6, m.PixelScale, 1e-3)
	ra, dec := m.Projection.PixelToWorld(1, 0.5)
	assert.InDelta(t, 150, ra, 1e-9)
	assert.InDelta(t, 2, dec, 1e-9)

	m, err = MapContextFromHDUs(img, noise, 4)
	require.NoError(t, err)
	assert.Equal(t, 4.0, m.PixelScale)

	small := &FitsHDU{Header: NewFitsMetadata(), Width: 2, Height: 2, Data: []float64{1, 1, 1, 1}}
	_, err = MapContextFromHDUs(img, small, 0)
	assert.ErrorIs(t, err, ErrDataShape)
}
