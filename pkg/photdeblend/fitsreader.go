package photdeblend

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
)

const fitsBlockSize = 2880

// FitsMetadata holds parsed FITS header key-value pairs.
type FitsMetadata struct {
	Headers map[string]string
}

// NewFitsMetadata creates an empty FitsMetadata.
func NewFitsMetadata() *FitsMetadata {
	return &FitsMetadata{Headers: make(map[string]string)}
}

func (m *FitsMetadata) GetString(key string) string {
	if v, ok := m.Headers[strings.ToUpper(key)]; ok {
		return v
	}
	return ""
}

func (m *FitsMetadata) GetDouble(key string) (float64, bool) {
	v, ok := m.Headers[strings.ToUpper(key)]
	if !ok {
		return 0, false
	}
	// Fortran-style exponents are legal in FITS.
	v = strings.Replace(strings.TrimSpace(v), "D", "E", 1)
	d, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	return d, true
}

func (m *FitsMetadata) GetInt(key string) (int, bool) {
	v, ok := m.Headers[strings.ToUpper(key)]
	if !ok {
		return 0, false
	}
	i, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, false
	}
	return i, true
}

func (m *FitsMetadata) Extension() string { return m.GetString("XTENSION") }
func (m *FitsMetadata) ExtName() string   { return m.GetString("EXTNAME") }
func (m *FitsMetadata) Unit() string      { return m.GetString("BUNIT") }

// FitsHDU is one header-data unit. Data is nil for HDUs without a 2-D image.
type FitsHDU struct {
	Header *FitsMetadata
	Width  int
	Height int
	Data   []float64
}

// HasImage reports whether the HDU carries a 2-D image plane.
func (h *FitsHDU) HasImage() bool { return h.Data != nil }

// ReadFits reads every HDU of a FITS file.
func ReadFits(filePath string) ([]*FitsHDU, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("opening FITS file: %w", err)
	}
	defer f.Close()
	return readFitsFromReader(bufio.NewReader(f))
}

// ReadFitsFromBytes reads every HDU from an in-memory FITS file.
func ReadFitsFromBytes(data []byte) ([]*FitsHDU, error) {
	return readFitsFromReader(bytes.NewReader(data))
}

func readFitsFromReader(r io.Reader) ([]*FitsHDU, error) {
	var hdus []*FitsHDU
	for {
		hdu, err := readHDU(r)
		if errors.Is(err, io.EOF) && len(hdus) > 0 {
			return hdus, nil
		}
		if err != nil {
			return nil, fmt.Errorf("HDU %d: %w", len(hdus), err)
		}
		hdus = append(hdus, hdu)
	}
}

func readHDU(r io.Reader) (*FitsHDU, error) {
	metadata := NewFitsMetadata()
	recordBuf := make([]byte, 80)
	headerDone := false
	first := true

	for !headerDone {
		for i := 0; i < 36; i++ {
			if _, err := io.ReadFull(r, recordBuf); err != nil {
				if first && (errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)) {
					return nil, io.EOF
				}
				return nil, fmt.Errorf("reading FITS header record: %w", err)
			}
			first = false
			record := string(recordBuf)
			keyword := strings.TrimSpace(record[:8])

			if keyword == "END" {
				headerDone = true
				remaining := 35 - i
				if remaining > 0 {
					if _, err := io.ReadFull(r, make([]byte, remaining*80)); err != nil {
						return nil, fmt.Errorf("skipping header padding: %w", err)
					}
				}
				break
			}

			if record[8] == '=' && record[9] == ' ' {
				rawValue := strings.TrimSpace(splitFitsComment(record[10:]))
				parsedValue := parseFitsValue(rawValue)
				if keyword != "" && parsedValue != "" {
					metadata.Headers[strings.ToUpper(keyword)] = parsedValue
				}
			}
		}
	}

	bitpix, _ := metadata.GetInt("BITPIX")
	naxis, _ := metadata.GetInt("NAXIS")
	bscale := 1.0
	if v, ok := metadata.GetDouble("BSCALE"); ok {
		bscale = v
	}
	bzero, _ := metadata.GetDouble("BZERO")

	count := 0
	if naxis > 0 {
		count = 1
		for i := 1; i <= naxis; i++ {
			n, _ := metadata.GetInt(fmt.Sprintf("NAXIS%d", i))
			count *= n
		}
	}
	pcount, _ := metadata.GetInt("PCOUNT")
	gcount := 1
	if v, ok := metadata.GetInt("GCOUNT"); ok && v > 0 {
		gcount = v
	}
	bytesPer := intAbs(bitpix) / 8
	dataBytes := bytesPer * gcount * (pcount + count)
	if naxis == 0 {
		dataBytes = 0
	}
	padded := (dataBytes + fitsBlockSize - 1) / fitsBlockSize * fitsBlockSize

	hdu := &FitsHDU{Header: metadata}
	isImage := metadata.Extension() == "" || metadata.Extension() == "IMAGE"
	if !isImage || naxis < 2 || count == 0 {
		if _, err := io.CopyN(io.Discard, r, int64(padded)); err != nil {
			return nil, fmt.Errorf("skipping data unit: %w", err)
		}
		return hdu, nil
	}

	hdu.Width, _ = metadata.GetInt("NAXIS1")
	hdu.Height, _ = metadata.GetInt("NAXIS2")
	raw := make([]byte, padded)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, fmt.Errorf("reading pixel data: %w", err)
	}
	// Higher axes are ignored; only the first plane is kept.
	numPixels := hdu.Width * hdu.Height
	pixels := make([]float64, numPixels)

	switch bitpix {
	case 8:
		for i := 0; i < numPixels; i++ {
			pixels[i] = float64(raw[i])*bscale + bzero
		}
	case 16:
		for i := 0; i < numPixels; i++ {
			pixels[i] = float64(int16(binary.BigEndian.Uint16(raw[i*2:])))*bscale + bzero
		}
	case 32:
		for i := 0; i < numPixels; i++ {
			pixels[i] = float64(int32(binary.BigEndian.Uint32(raw[i*4:])))*bscale + bzero
		}
	case -32:
		for i := 0; i < numPixels; i++ {
			pixels[i] = float64(math.Float32frombits(binary.BigEndian.Uint32(raw[i*4:])))*bscale + bzero
		}
	case -64:
		for i := 0; i < numPixels; i++ {
			pixels[i] = math.Float64frombits(binary.BigEndian.Uint64(raw[i*8:]))*bscale + bzero
		}
	default:
		return nil, fmt.Errorf("unsupported BITPIX: %d", bitpix)
	}
	hdu.Data = pixels
	return hdu, nil
}

// splitFitsComment strips the "/ comment" part of a card value, ignoring
// slashes inside quoted strings.
func splitFitsComment(s string) string {
	inQuote := false
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\'':
			inQuote = !inQuote
		case '/':
			if !inQuote {
				return s[:i]
			}
		}
	}
	return s
}

func parseFitsValue(rawValue string) string {
	if rawValue == "" {
		return ""
	}
	if rawValue == "T" {
		return "True"
	}
	if rawValue == "F" {
		return "False"
	}
	if strings.HasPrefix(rawValue, "'") {
		endQuote := strings.LastIndex(rawValue, "'")
		if endQuote > 0 {
			return strings.TrimRight(rawValue[1:endQuote], " ")
		}
		return strings.TrimLeft(strings.TrimRight(rawValue, " "), "'")
	}
	return rawValue
}

// MapContextFromHDUs builds a band map from an image HDU and a noise HDU. The
// projection is read from the image header; pixelScale overrides the scale
// derived from it when positive.
func MapContextFromHDUs(image, noise *FitsHDU, pixelScale float64) (*MapContext, error) {
	if !image.HasImage() || !noise.HasImage() {
		return nil, fmt.Errorf("image and noise HDUs must both carry 2-D data")
	}
	if image.Width != noise.Width || image.Height != noise.Height {
		return nil, shapeError("noise plane pixels", image.Width*image.Height, noise.Width*noise.Height)
	}
	proj, err := TanProjectionFromHeader(image.Header)
	if err != nil {
		return nil, fmt.Errorf("reading projection: %w", err)
	}
	if pixelScale <= 0 {
		pixelScale = proj.PixelScaleArcsec()
	}
	return NewMapContext(image.Width, image.Height, image.Data, noise.Data, proj, pixelScale)
}

func intAbs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
