// Package config loads photdeblend run configuration from TOML or YAML.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Sampler kinds.
const (
	SamplerGaussian = "gaussian"
	SamplerCmdStan  = "cmdstan"
)

type SamplerConfig struct {
	Kind         string            `toml:"kind" yaml:"kind"`
	Executable   string            `toml:"executable" yaml:"executable"`
	Chains       int               `toml:"chains" yaml:"chains"`
	Samples      int               `toml:"samples" yaml:"samples"`
	Warmup       int               `toml:"warmup" yaml:"warmup"`
	MaxTreeDepth int               `toml:"max_treedepth" yaml:"max_treedepth"`
	AdaptDelta   float64           `toml:"adapt_delta" yaml:"adapt_delta"`
	Seed         uint64            `toml:"seed" yaml:"seed"`
	WorkDir      string            `toml:"work_dir" yaml:"work_dir"`
	Timeout      string            `toml:"timeout" yaml:"timeout"`
	KeepFiles    bool              `toml:"keep_files" yaml:"keep_files"`
	Suffixes     map[string]string `toml:"suffixes" yaml:"suffixes"`
}

// TimeoutDuration parses Timeout; empty means no timeout.
func (s SamplerConfig) TimeoutDuration() (time.Duration, error) {
	if strings.TrimSpace(s.Timeout) == "" {
		return 0, nil
	}
	return time.ParseDuration(s.Timeout)
}

type HealthConfig struct {
	MaxDivergentFraction float64 `toml:"max_divergent_fraction" yaml:"max_divergent_fraction"`
	MaxTreeDepthFraction float64 `toml:"max_treedepth_fraction" yaml:"max_treedepth_fraction"`
	MinEBFMI             float64 `toml:"min_ebfmi" yaml:"min_ebfmi"`
}

type PPCConfig struct {
	Seed     uint64 `toml:"seed" yaml:"seed"`
	Disabled bool   `toml:"disabled" yaml:"disabled"`
}

type OutputConfig struct {
	Database       string    `toml:"database" yaml:"database"`
	CSVDir         string    `toml:"csv_dir" yaml:"csv_dir"`
	OverlayDir     string    `toml:"overlay_dir" yaml:"overlay_dir"`
	Percentiles    []float64 `toml:"percentiles" yaml:"percentiles"`
	IncludeStacked bool      `toml:"include_stacked" yaml:"include_stacked"`
}

type CatalogueConfig struct {
	Path string `toml:"path" yaml:"path"`
	// Name is recorded as the prior catalogue in provenance; empty uses the
	// file name.
	Name               string  `toml:"name" yaml:"name"`
	RegionRadiusArcsec float64 `toml:"region_radius_arcsec" yaml:"region_radius_arcsec"`
}

// BandConfig describes one map. Zero numeric fields take derived defaults:
// PixelScale from the header, ConfPriorSigma from the library default and a
// zero BkgSigma estimates the background prior from the map.
type BandConfig struct {
	Name string `toml:"name" yaml:"name"`
	Map  string `toml:"map" yaml:"map"`
	// ImageHDU and NoiseHDU index the file's HDUs; nil picks the first and
	// second image HDUs.
	ImageHDU          *int    `toml:"image_hdu" yaml:"image_hdu"`
	NoiseHDU          *int    `toml:"noise_hdu" yaml:"noise_hdu"`
	PixelScale        float64 `toml:"pixel_scale" yaml:"pixel_scale"`
	FWHMArcsec        float64 `toml:"fwhm_arcsec" yaml:"fwhm_arcsec"`
	KernelSize        int     `toml:"kernel_size" yaml:"kernel_size"`
	KernelImage       string  `toml:"kernel_image" yaml:"kernel_image"`
	KernelPixelArcsec float64 `toml:"kernel_pixel_arcsec" yaml:"kernel_pixel_arcsec"`
	BkgMean           float64 `toml:"bkg_mean" yaml:"bkg_mean"`
	BkgSigma          float64 `toml:"bkg_sigma" yaml:"bkg_sigma"`
	ConfPriorSigma    float64 `toml:"conf_prior_sigma" yaml:"conf_prior_sigma"`
}

type PatchConfig struct {
	Name         string  `toml:"name" yaml:"name"`
	RA           float64 `toml:"ra" yaml:"ra"`
	Dec          float64 `toml:"dec" yaml:"dec"`
	RadiusArcsec float64 `toml:"radius_arcsec" yaml:"radius_arcsec"`
}

// Config is a complete run configuration.
type Config struct {
	Workers   int             `toml:"workers" yaml:"workers"`
	Sampler   SamplerConfig   `toml:"sampler" yaml:"sampler"`
	Health    HealthConfig    `toml:"health" yaml:"health"`
	PPC       PPCConfig       `toml:"ppc" yaml:"ppc"`
	Output    OutputConfig    `toml:"output" yaml:"output"`
	Catalogue CatalogueConfig `toml:"catalogue" yaml:"catalogue"`
	Bands     []BandConfig    `toml:"band" yaml:"band"`
	Patches   []PatchConfig   `toml:"patch" yaml:"patch"`
}

// Default returns the configuration every file is overlaid on.
func Default() Config {
	return Config{
		Workers: 1,
		Sampler: SamplerConfig{
			Kind:         SamplerGaussian,
			Chains:       4,
			Samples:      1000,
			Warmup:       1000,
			MaxTreeDepth: 10,
			AdaptDelta:   0.8,
			Seed:         1,
		},
		Health: HealthConfig{
			MaxDivergentFraction: 0,
			MaxTreeDepthFraction: 0,
			MinEBFMI:             0.2,
		},
		PPC: PPCConfig{Seed: 1},
		Output: OutputConfig{
			Percentiles: []float64{15.9, 50, 84.1},
		},
		Catalogue: CatalogueConfig{RegionRadiusArcsec: 30},
	}
}

// Load reads a .toml, .yaml or .yml file over Default and validates it.
// Unknown keys are an error.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		cfg, err = parseTOML(data)
	case ".yaml", ".yml":
		cfg, err = parseYAML(data)
	default:
		return Config{}, fmt.Errorf("config load failed (%s): unsupported extension", path)
	}
	if err != nil {
		return Config{}, fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config invalid (%s): %w", path, err)
	}
	return cfg, nil
}

func parseTOML(data []byte) (Config, error) {
	cfg := Default()
	meta, err := toml.Decode(string(data), &cfg)
	if err != nil {
		return Config{}, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return Config{}, fmt.Errorf("unknown keys: %s", strings.Join(keys, ", "))
	}
	// The check seed follows the sampler seed unless set.
	if meta.IsDefined("sampler", "seed") && !meta.IsDefined("ppc", "seed") {
		cfg.PPC.Seed = cfg.Sampler.Seed
	}
	return cfg, nil
}

func parseYAML(data []byte) (Config, error) {
	cfg := Default()
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return Config{}, err
	}
	var raw struct {
		Sampler map[string]any `yaml:"sampler"`
		PPC     map[string]any `yaml:"ppc"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Config{}, err
	}
	_, samplerSeed := raw.Sampler["seed"]
	_, ppcSeed := raw.PPC["seed"]
	if samplerSeed && !ppcSeed {
		cfg.PPC.Seed = cfg.Sampler.Seed
	}
	return cfg, nil
}

// Validate reports every problem found, joined.
func (c Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Workers < 1 {
		add("workers must be at least 1, got %d", c.Workers)
	}
	s := c.Sampler
	switch s.Kind {
	case SamplerGaussian:
	case SamplerCmdStan:
		if strings.TrimSpace(s.Executable) == "" {
			add("sampler.executable is required for the cmdstan sampler")
		}
		if s.MaxTreeDepth < 1 {
			add("sampler.max_treedepth must be positive")
		}
		if s.AdaptDelta <= 0 || s.AdaptDelta >= 1 {
			add("sampler.adapt_delta must be in (0, 1), got %g", s.AdaptDelta)
		}
		if s.Warmup < 0 {
			add("sampler.warmup must not be negative")
		}
	default:
		add("sampler.kind %q is not %s or %s", s.Kind, SamplerGaussian, SamplerCmdStan)
	}
	if s.Chains < 1 {
		add("sampler.chains must be at least 1, got %d", s.Chains)
	}
	if s.Samples < 1 {
		add("sampler.samples must be at least 1, got %d", s.Samples)
	}
	if _, err := s.TimeoutDuration(); err != nil {
		add("sampler.timeout: %v", err)
	}

	h := c.Health
	if h.MaxDivergentFraction < 0 || h.MaxDivergentFraction > 1 {
		add("health.max_divergent_fraction must be in [0, 1]")
	}
	if h.MaxTreeDepthFraction < 0 || h.MaxTreeDepthFraction > 1 {
		add("health.max_treedepth_fraction must be in [0, 1]")
	}

	if p := c.Output.Percentiles; len(p) != 3 {
		add("output.percentiles needs 3 values, got %d", len(p))
	} else if !(0 <= p[0] && p[0] < p[1] && p[1] < p[2] && p[2] <= 100) {
		add("output.percentiles must increase within [0, 100], got %v", p)
	}

	if strings.TrimSpace(c.Catalogue.Path) == "" {
		add("catalogue.path is required")
	}
	if c.Catalogue.RegionRadiusArcsec <= 0 {
		add("catalogue.region_radius_arcsec must be positive")
	}

	if len(c.Bands) == 0 {
		add("at least one [[band]] is required")
	}
	names := make(map[string]bool)
	for i, b := range c.Bands {
		if err := b.validate(); err != nil {
			add("band[%d] invalid: %v", i, err)
		}
		if names[b.Name] {
			add("band[%d]: duplicate name %q", i, b.Name)
		}
		names[b.Name] = true
	}

	if len(c.Patches) == 0 {
		add("at least one [[patch]] is required")
	}
	patches := make(map[string]bool)
	for i, p := range c.Patches {
		if strings.TrimSpace(p.Name) == "" {
			add("patch[%d]: name is required", i)
		} else if patches[p.Name] {
			add("patch[%d]: duplicate name %q", i, p.Name)
		}
		patches[p.Name] = true
		if p.RadiusArcsec <= 0 {
			add("patch[%d]: radius_arcsec must be positive", i)
		}
		if p.Dec < -90 || p.Dec > 90 {
			add("patch[%d]: dec %g out of range", i, p.Dec)
		}
	}
	return errors.Join(errs...)
}

func (b BandConfig) validate() error {
	if strings.TrimSpace(b.Name) == "" {
		return fmt.Errorf("name is required")
	}
	if strings.TrimSpace(b.Map) == "" {
		return fmt.Errorf("map is required")
	}
	hasImage := strings.TrimSpace(b.KernelImage) != ""
	switch {
	case hasImage && b.FWHMArcsec > 0:
		return fmt.Errorf("set either fwhm_arcsec or kernel_image, not both")
	case hasImage && b.KernelPixelArcsec <= 0:
		return fmt.Errorf("kernel_image requires kernel_pixel_arcsec")
	case !hasImage && b.FWHMArcsec <= 0:
		return fmt.Errorf("fwhm_arcsec or kernel_image is required")
	}
	if b.BkgSigma < 0 || b.ConfPriorSigma < 0 || b.PixelScale < 0 {
		return fmt.Errorf("sigmas and pixel_scale must not be negative")
	}
	return nil
}
