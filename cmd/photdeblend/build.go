package main

import (
	"fmt"
	"math"
	"path/filepath"
	"strconv"

	"go.uber.org/zap"

	"photdeblend/internal/config"
	"photdeblend/pkg/cmdstan"
	"photdeblend/pkg/photdeblend"
)

// band is one configured map, loaded once and shared read-only by every
// patch.
type band struct {
	cfg      config.BandConfig
	index    int
	m        *photdeblend.MapContext
	kernel   *photdeblend.Kernel
	bkgMean  float64
	bkgSigma float64
}

// run is everything a command needs to build patches.
type run struct {
	cfg       *config.Config
	catalogue *photdeblend.Catalogue
	bands     []*band
	logger    *zap.Logger
}

func loadRun(path string, logger *zap.Logger) (*run, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	// Relative paths in the file are relative to the file.
	base := filepath.Dir(path)
	resolve := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(base, p)
	}
	cfg.Output.Database = resolve(cfg.Output.Database)
	cfg.Output.CSVDir = resolve(cfg.Output.CSVDir)
	cfg.Output.OverlayDir = resolve(cfg.Output.OverlayDir)
	cfg.Sampler.WorkDir = resolve(cfg.Sampler.WorkDir)

	cat, err := photdeblend.ReadCatalogueFile(resolve(cfg.Catalogue.Path), cfg.Catalogue.Name)
	if err != nil {
		return nil, err
	}
	logger.Info("loaded prior catalogue", zap.String("name", cat.Name), zap.Int("sources", cat.Len()))

	r := &run{cfg: &cfg, catalogue: cat, logger: logger}
	for i, bc := range cfg.Bands {
		bc.Map = resolve(bc.Map)
		bc.KernelImage = resolve(bc.KernelImage)
		b, err := loadBand(i, bc, logger)
		if err != nil {
			return nil, fmt.Errorf("band %s: %w", bc.Name, err)
		}
		r.bands = append(r.bands, b)
	}
	return r, nil
}

func loadBand(index int, bc config.BandConfig, logger *zap.Logger) (*band, error) {
	hdus, err := photdeblend.ReadFits(bc.Map)
	if err != nil {
		return nil, err
	}
	image, noise, err := pickHDUs(hdus, bc.ImageHDU, bc.NoiseHDU)
	if err != nil {
		return nil, err
	}
	m, err := photdeblend.MapContextFromHDUs(image, noise, bc.PixelScale)
	if err != nil {
		return nil, err
	}

	if iu, nu := image.Header.Unit(), noise.Header.Unit(); iu != "" && nu != "" && iu != nu {
		logger.Warn("image and noise units differ",
			zap.String("band", bc.Name),
			zap.String("image_unit", iu),
			zap.String("noise_unit", nu),
		)
	}

	b := &band{cfg: bc, index: index, m: m, bkgMean: bc.BkgMean, bkgSigma: bc.BkgSigma}
	if b.kernel, err = bandKernel(bc, m.PixelScale); err != nil {
		return nil, err
	}
	if bc.BkgSigma == 0 {
		res, err := photdeblend.KappaSigmaBackground(m, photdeblend.NewKappaSigmaParams())
		if err != nil {
			return nil, fmt.Errorf("estimating background: %w", err)
		}
		b.bkgMean, b.bkgSigma = res.BackgroundMean, res.Sigma
		if b.bkgSigma <= 0 {
			b.bkgSigma = 1
		}
	}
	logger.Info("loaded band",
		zap.String("band", bc.Name),
		zap.Int("width", m.Width),
		zap.Int("height", m.Height),
		zap.Float64("pixel_scale", m.PixelScale),
		zap.String("unit", image.Header.Unit()),
		zap.String("image_hdu", image.Header.ExtName()),
		zap.String("noise_hdu", noise.Header.ExtName()),
		zap.Float64("bkg_mean", b.bkgMean),
		zap.Float64("bkg_sigma", b.bkgSigma),
	)
	return b, nil
}

// pickHDUs returns the requested HDUs, or the first two image HDUs.
func pickHDUs(hdus []*photdeblend.FitsHDU, imageIdx, noiseIdx *int) (*photdeblend.FitsHDU, *photdeblend.FitsHDU, error) {
	var images []int
	for i, h := range hdus {
		if h.HasImage() {
			images = append(images, i)
		}
	}
	pick := func(idx *int, fallback int, what string) (*photdeblend.FitsHDU, error) {
		if idx != nil {
			if *idx < 0 || *idx >= len(hdus) {
				return nil, fmt.Errorf("%s HDU %d out of range, file has %d", what, *idx, len(hdus))
			}
			if !hdus[*idx].HasImage() {
				return nil, fmt.Errorf("%s HDU %s carries no image", what, hduLabel(*idx, hdus[*idx]))
			}
			return hdus[*idx], nil
		}
		if fallback >= len(images) {
			return nil, fmt.Errorf("file has %d image HDUs, no %s plane", len(images), what)
		}
		return hdus[images[fallback]], nil
	}
	image, err := pick(imageIdx, 0, "image")
	if err != nil {
		return nil, nil, err
	}
	noise, err := pick(noiseIdx, 1, "noise")
	if err != nil {
		return nil, nil, err
	}
	return image, noise, nil
}

// hduLabel names an HDU by index and, when set, EXTNAME.
func hduLabel(i int, h *photdeblend.FitsHDU) string {
	if h.Header != nil {
		if name := h.Header.ExtName(); name != "" {
			return fmt.Sprintf("%d (%s)", i, name)
		}
	}
	return strconv.Itoa(i)
}

func bandKernel(bc config.BandConfig, mapPixelArcsec float64) (*photdeblend.Kernel, error) {
	if bc.KernelImage != "" {
		img, err := loadKernelImage(bc.KernelImage)
		if err != nil {
			return nil, err
		}
		defer img.Close()
		return photdeblend.KernelFromMat(img, bc.KernelPixelArcsec, mapPixelArcsec)
	}
	kpix := bc.KernelPixelArcsec
	if kpix <= 0 {
		kpix = mapPixelArcsec
	}
	size := bc.KernelSize
	if size == 0 {
		size = gaussianKernelSize(bc.FWHMArcsec, kpix)
	}
	return photdeblend.NewGaussianPRF(bc.FWHMArcsec, size, kpix, mapPixelArcsec)
}

// gaussianKernelSize covers at least 1.5 FWHM either side of the centre.
func gaussianKernelSize(fwhm, pixel float64) int {
	return 2*int(math.Ceil(1.5*fwhm/pixel)) + 1
}

// buildPatch creates fresh priors for one patch. The catalogue is cut to the
// sources near the patch so the coverage region stays small.
func (r *run) buildPatch(pc config.PatchConfig) (*photdeblend.Patch, error) {
	logger := r.logger.With(zap.String("patch", pc.Name))
	cone := photdeblend.Cone{RA: pc.RA, Dec: pc.Dec, Radius: pc.RadiusArcsec / 3600}
	margin := r.cfg.Catalogue.RegionRadiusArcsec / 3600
	cat := subsetCatalogue(r.catalogue, photdeblend.Cone{RA: pc.RA, Dec: pc.Dec, Radius: cone.Radius + margin})
	if cat.Len() == 0 {
		return nil, fmt.Errorf("patch %s: no catalogue sources within %.1f arcsec", pc.Name, pc.RadiusArcsec)
	}

	patch := &photdeblend.Patch{
		Name:    pc.Name,
		Regions: []photdeblend.Region{cone, photdeblend.CatalogueRegion(cat.RA, cat.Dec, margin)},
	}
	for _, b := range r.bands {
		p, err := photdeblend.NewSourcePrior(b.cfg.Name, b.index, b.m, cat, logger.With(zap.String("band", b.cfg.Name)))
		if err != nil {
			return nil, fmt.Errorf("patch %s: %w", pc.Name, err)
		}
		if err := p.SetKernel(b.kernel); err != nil {
			return nil, err
		}
		if err := p.SetBackgroundPrior(b.bkgMean, b.bkgSigma); err != nil {
			return nil, err
		}
		if b.cfg.ConfPriorSigma > 0 {
			if err := p.SetConfusionPriorSigma(b.cfg.ConfPriorSigma); err != nil {
				return nil, err
			}
		}
		patch.Priors = append(patch.Priors, p)
	}
	return patch, nil
}

// buildPatches builds every configured patch. A patch that cannot be built is
// returned as a failed result and left out of the patch list.
func (r *run) buildPatches() ([]*photdeblend.Patch, []*photdeblend.PatchResult) {
	patches := make([]*photdeblend.Patch, 0, len(r.cfg.Patches))
	var failed []*photdeblend.PatchResult
	for _, pc := range r.cfg.Patches {
		p, err := r.buildPatch(pc)
		if err != nil {
			r.logger.Warn("patch not built", zap.String("patch", pc.Name), zap.Error(err))
			failed = append(failed, &photdeblend.PatchResult{Patch: pc.Name, State: photdeblend.PatchFailed, Err: err})
			continue
		}
		patches = append(patches, p)
	}
	return patches, failed
}

func (r *run) findPatch(name string) (config.PatchConfig, error) {
	for _, pc := range r.cfg.Patches {
		if pc.Name == name {
			return pc, nil
		}
	}
	return config.PatchConfig{}, fmt.Errorf("no patch named %q in config", name)
}

// subsetCatalogue keeps the rows inside region. Unnamed sources are named by
// their row in the full catalogue so IDs agree across patches.
func subsetCatalogue(cat *photdeblend.Catalogue, region photdeblend.Region) *photdeblend.Catalogue {
	out := &photdeblend.Catalogue{Name: cat.Name}
	for i := range cat.RA {
		if !region.Contains(cat.RA[i], cat.Dec[i]) {
			continue
		}
		out.RA = append(out.RA, cat.RA[i])
		out.Dec = append(out.Dec, cat.Dec[i])
		if cat.ID != nil {
			out.ID = append(out.ID, cat.ID[i])
		} else {
			out.ID = append(out.ID, strconv.Itoa(i+1))
		}
		if cat.FluxLower != nil {
			out.FluxLower = append(out.FluxLower, cat.FluxLower[i])
		}
		if cat.FluxUpper != nil {
			out.FluxUpper = append(out.FluxUpper, cat.FluxUpper[i])
		}
		if cat.Stacked != nil {
			out.Stacked = append(out.Stacked, cat.Stacked[i])
		}
	}
	return out
}

// pipelineOptions maps the run configuration onto the pipeline.
func (r *run) pipelineOptions(names photdeblend.ParameterNames) photdeblend.PipelineOptions {
	cfg := r.cfg
	opts := photdeblend.NewPipelineOptions()
	opts.Workers = cfg.Workers
	opts.PPCSeed = cfg.PPC.Seed
	opts.SkipPPC = cfg.PPC.Disabled
	opts.Ingest.Names = names
	opts.Ingest.Thresholds = photdeblend.HealthThresholds{
		MaxDivergentFraction: cfg.Health.MaxDivergentFraction,
		MaxTreeDepthFraction: cfg.Health.MaxTreeDepthFraction,
		MinEBFMI:             cfg.Health.MinEBFMI,
	}
	copy(opts.Assembler.Percentiles[:], cfg.Output.Percentiles)
	opts.Assembler.IncludeStacked = cfg.Output.IncludeStacked
	opts.Assembler.PriorCatalogue = r.catalogue.Name
	opts.Assembler.SoftwareVersion = version
	return opts
}

// newSampler returns the configured sampler and the parameter names its
// output uses.
func (r *run) newSampler() (photdeblend.Sampler, photdeblend.ParameterNames, error) {
	sc := r.cfg.Sampler
	switch sc.Kind {
	case config.SamplerGaussian:
		s := photdeblend.NewLinearGaussianSampler(sc.Chains, sc.Samples, sc.Seed, r.logger)
		return s, s.ParameterNames(), nil
	case config.SamplerCmdStan:
		timeout, err := sc.TimeoutDuration()
		if err != nil {
			return nil, photdeblend.ParameterNames{}, err
		}
		opts := cmdstan.NewOptions()
		opts.Executable = sc.Executable
		opts.Chains = sc.Chains
		opts.Samples = sc.Samples
		opts.Warmup = sc.Warmup
		opts.MaxTreeDepth = sc.MaxTreeDepth
		opts.AdaptDelta = sc.AdaptDelta
		opts.Seed = sc.Seed
		opts.WorkDir = sc.WorkDir
		opts.Timeout = timeout
		opts.KeepFiles = sc.KeepFiles
		opts.Suffixes = sc.Suffixes
		return cmdstan.NewRunner(opts, cmdstan.ExecRunner{}, r.logger), photdeblend.DefaultParameterNames(), nil
	}
	return nil, photdeblend.ParameterNames{}, fmt.Errorf("unknown sampler kind %q", sc.Kind)
}
