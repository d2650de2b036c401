// Package cmdstan runs compiled CmdStan models as a photdeblend sampler. It
// writes the JSON data file a model reads, runs one process per chain and
// reads the per-chain output CSVs back into a photdeblend.MemoryResult.
package cmdstan

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode"

	"photdeblend/pkg/photdeblend"
)

// Data is the data dictionary of one fit, keyed by Stan variable name.
type Data map[string]any

// BandSuffix turns a band name into the suffix of its per-band variables,
// e.g. npix_<suffix>. Characters outside [A-Za-z0-9_] become underscores.
func BandSuffix(band string) string {
	return strings.Map(func(r rune) rune {
		if r == '_' || r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			return unicode.ToLower(r)
		}
		return '_'
	}, band)
}

// BuildData converts a sampler input into the data dictionary. suffixes maps
// band names to variable suffixes; bands without an entry use BandSuffix.
//
// Pointing-matrix rows and columns are written zero-based, as built. Models
// add one when indexing.
func BuildData(in *photdeblend.SamplerInput, suffixes map[string]string) (Data, error) {
	if in.NBands() == 0 {
		return nil, fmt.Errorf("sampler input has no bands")
	}
	nb := in.NBands()
	d := Data{"nsrc": in.NSrc}

	bkg := make([]float64, nb)
	bkgSig := make([]float64, nb)
	conf := make([]float64, nb)
	fLow := make([][]float64, nb)
	fUp := make([][]float64, nb)
	var fMu, fSig [][]float64
	seen := make(map[string]string, nb)

	for b := range in.Bands {
		band := &in.Bands[b]
		sfx, ok := suffixes[band.Band]
		if !ok {
			sfx = BandSuffix(band.Band)
		}
		if prev, dup := seen[sfx]; dup {
			return nil, fmt.Errorf("bands %s and %s share variable suffix %q", prev, band.Band, sfx)
		}
		seen[sfx] = band.Band

		pm := band.Pointing
		if pm == nil {
			return nil, fmt.Errorf("band %s has no pointing matrix", band.Band)
		}
		if len(band.Values) != pm.NPix || len(band.Noise) != pm.NPix {
			return nil, fmt.Errorf("band %s pixel vectors: %w", band.Band, &photdeblend.DataShapeError{What: "pixels", Want: pm.NPix, Got: len(band.Values)})
		}
		if len(band.FluxLower) != in.NSrc || len(band.FluxUpper) != in.NSrc {
			return nil, fmt.Errorf("band %s flux bounds: %w", band.Band, &photdeblend.DataShapeError{What: "sources", Want: in.NSrc, Got: len(band.FluxLower)})
		}

		d["npix_"+sfx] = pm.NPix
		d["nnz_"+sfx] = pm.NNZ()
		d["db_"+sfx] = band.Values
		d["sigma_"+sfx] = band.Noise
		d["Val_"+sfx] = pm.Vals
		d["Row_"+sfx] = pm.Rows
		d["Col_"+sfx] = pm.Cols

		bkg[b] = band.Background.Mean
		bkgSig[b] = band.Background.Sigma
		conf[b] = band.ConfPrior
		fLow[b] = band.FluxLower
		fUp[b] = band.FluxUpper
		if band.FluxPrior != nil {
			if fMu == nil {
				fMu = make([][]float64, nb)
				fSig = make([][]float64, nb)
			}
			fMu[b] = band.FluxPrior.Mean
			fSig[b] = band.FluxPrior.Sigma
		}
	}
	d["bkg_prior"] = bkg
	d["bkg_prior_sig"] = bkgSig
	d["conf_prior_sig"] = conf
	d["f_low_lim"] = fLow
	d["f_up_lim"] = fUp
	if fMu != nil {
		for b := range fMu {
			if fMu[b] == nil {
				return nil, fmt.Errorf("band %s has no Gaussian flux prior while others do", in.Bands[b].Band)
			}
		}
		d["f_mu"] = fMu
		d["f_sigma"] = fSig
	}

	if in.Redshift != nil {
		d["z_median"] = in.Redshift.Median
		d["z_sig"] = in.Redshift.Sigma
	}
	if t := in.Templates; t != nil {
		seds := make([][][]float64, t.NTemplates)
		for i := range seds {
			seds[i] = make([][]float64, t.NBands)
			for b := range seds[i] {
				seds[i][b] = make([]float64, t.NRedshift)
				for z := range seds[i][b] {
					seds[i][b][z] = t.At(i, b, z)
				}
			}
		}
		d["nTemp"] = t.NTemplates
		d["nband"] = t.NBands
		d["nz"] = t.NRedshift
		d["SEDs"] = seds
	}
	return d, nil
}

// Encode writes the dictionary as CmdStan JSON.
func (d Data) Encode(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", " ")
	if err := enc.Encode(map[string]any(d)); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}
	return nil
}

// WriteData builds the dictionary for in and writes it to path.
func WriteData(path string, in *photdeblend.SamplerInput, suffixes map[string]string) error {
	d, err := BuildData(in, suffixes)
	if err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create data file: %w", err)
	}
	if err := d.Encode(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
