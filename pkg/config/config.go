// Package config provides configuration loading and management for subtomoprep.
// It handles loading configuration from YAML or TOML files and provides default values.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration loaded from YAML or TOML
type Config struct {
	// Input selection
	Input struct {
		// TomogramStar is the STAR file listing one micrograph per tomogram
		TomogramStar string `yaml:"tomogramStar" toml:"tomogramStar"`

		// RootName is the suffix for sub-tomograms and the particle list name
		RootName string `yaml:"rootName" toml:"rootName"`
	} `yaml:"input" toml:"input"`

	// Tomogram geometry
	Tomogram struct {
		// Size is the full tomogram size in pixels (IMOD convention: beam along Z, tilt around Y)
		Size [3]int `yaml:"size" toml:"size"`

		// PixelSize is the calibrated pixel size in Å
		PixelSize float64 `yaml:"pixelSize" toml:"pixelSize"`
	} `yaml:"tomogram" toml:"tomogram"`

	// CTF estimation parameters
	CTF struct {
		// Skip disables CTF correction; the 3D CTF model keeps tilt and B-factor weighting only
		Skip bool `yaml:"skip" toml:"skip"`

		// Voltage is the microscope voltage in kV
		Voltage float64 `yaml:"voltage" toml:"voltage"`

		// Cs is the spherical aberration coefficient in mm
		Cs float64 `yaml:"cs" toml:"cs"`

		// Magnification of the image
		Magnification float64 `yaml:"magnification" toml:"magnification"`

		// DetectorPixelSize is the detector pixel size in µm
		DetectorPixelSize float64 `yaml:"detectorPixelSize" toml:"detectorPixelSize"`

		// BoxSize for CTFFIND
		BoxSize float64 `yaml:"boxSize" toml:"boxSize"`

		// LowResLimit and HighResLimit bound the fitted resolution range in Å
		LowResLimit  float64 `yaml:"lowResLimit" toml:"lowResLimit"`
		HighResLimit float64 `yaml:"highResLimit" toml:"highResLimit"`

		// LowDefocusLimit and HighDefocusLimit bound the defocus search in Å
		LowDefocusLimit  float64 `yaml:"lowDefocusLimit" toml:"lowDefocusLimit"`
		HighDefocusLimit float64 `yaml:"highDefocusLimit" toml:"highDefocusLimit"`

		// DefocusStep is the defocus search step in Å
		DefocusStep float64 `yaml:"defocusStep" toml:"defocusStep"`

		// AmpContrast is the amplitude contrast of the images
		AmpContrast float64 `yaml:"ampContrast" toml:"ampContrast"`

		// Astigmatism is the expected astigmatism in Å
		Astigmatism float64 `yaml:"astigmatism" toml:"astigmatism"`

		// OnlyUnfinished resumes CTFFIND for images without results
		OnlyUnfinished bool `yaml:"onlyUnfinished" toml:"onlyUnfinished"`

		// SkipRun reuses CTFFIND results from a previous run
		SkipRun bool `yaml:"skipRun" toml:"skipRun"`
	} `yaml:"ctf" toml:"ctf"`

	// Weighting of the 3D CTF model
	Weighting struct {
		// UseLowTiltDefoci replaces high-tilt defoci by the mean of lower tilts
		UseLowTiltDefoci bool `yaml:"useLowTiltDefoci" toml:"useLowTiltDefoci"`

		// LowTiltLimit is the |tilt| in degrees at and above which defoci are replaced
		LowTiltLimit float64 `yaml:"lowTiltLimit" toml:"lowTiltLimit"`

		// Bfactor is the weighting B-factor per e-/Å²
		Bfactor float64 `yaml:"bfactor" toml:"bfactor"`
	} `yaml:"weighting" toml:"weighting"`

	// External programs
	Tools struct {
		ExtractTilts   string `yaml:"extractTilts" toml:"extractTilts"`
		Newstack       string `yaml:"newstack" toml:"newstack"`
		CTFFindWrapper string `yaml:"ctffindWrapper" toml:"ctffindWrapper"`
		CTFFind        string `yaml:"ctffind" toml:"ctffind"`
	} `yaml:"tools" toml:"tools"`

	// Run behaviour
	Run struct {
		// ContinueOnError keeps processing the remaining tomograms after a failure
		ContinueOnError bool `yaml:"continueOnError" toml:"continueOnError"`

		// Verbose enables debug logging
		Verbose bool `yaml:"verbose" toml:"verbose"`
	} `yaml:"run" toml:"run"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Input.TomogramStar = "./all_tomograms.star"
	cfg.Input.RootName = "subtomo"

	cfg.Tomogram.Size = [3]int{3838, 3708, 3000}
	cfg.Tomogram.PixelSize = 1.755

	cfg.CTF.Voltage = 300
	cfg.CTF.Cs = 2.7
	cfg.CTF.Magnification = 81000
	cfg.CTF.DetectorPixelSize = 14.2155
	cfg.CTF.BoxSize = 256
	cfg.CTF.LowResLimit = 50
	cfg.CTF.HighResLimit = 10
	cfg.CTF.LowDefocusLimit = 20000
	cfg.CTF.HighDefocusLimit = 60000
	cfg.CTF.DefocusStep = 1000
	cfg.CTF.AmpContrast = 0.07
	cfg.CTF.Astigmatism = 2000

	cfg.Weighting.LowTiltLimit = 30
	cfg.Weighting.Bfactor = 4

	cfg.Tools.ExtractTilts = "extracttilts"
	cfg.Tools.Newstack = "newstack"
	cfg.Tools.CTFFindWrapper = "relion_run_ctffind"
	cfg.Tools.CTFFind = "ctffind"

	return cfg
}

// LoadConfig loads configuration from a YAML or TOML file (chosen by extension).
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if isTOML(configPath) {
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("error parsing config file: %w", err)
		}
		return cfg, nil
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML or TOML file
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	f, err := os.Create(configPath)
	if err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}
	defer f.Close()

	if isTOML(configPath) {
		if err := toml.NewEncoder(f).Encode(cfg); err != nil {
			return fmt.Errorf("error marshaling config: %w", err)
		}
		return nil
	}

	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}
	return enc.Close()
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}

// Effective returns a copy with the CTF-skip overrides applied: no spherical
// aberration, full amplitude contrast and no low-tilt defocus replacement
func (c *Config) Effective() *Config {
	out := *c
	if out.CTF.Skip {
		out.CTF.Cs = 0
		out.CTF.AmpContrast = 1
		out.Weighting.UseLowTiltDefoci = false
	}
	return &out
}

// Validate reports every inconsistent setting
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Input.TomogramStar != "", "input.tomogramStar is empty")
	check(c.Input.RootName != "" && !strings.ContainsAny(c.Input.RootName, "/ \t"),
		"input.rootName %q must be a non-empty file name part", c.Input.RootName)
	for i, s := range c.Tomogram.Size {
		check(s > 0, "tomogram.size[%d] must be positive, got %d", i, s)
	}
	check(c.Tomogram.PixelSize > 0, "tomogram.pixelSize must be positive, got %g", c.Tomogram.PixelSize)
	check(c.CTF.Voltage > 0, "ctf.voltage must be positive, got %g", c.CTF.Voltage)
	check(c.CTF.BoxSize > 0, "ctf.boxSize must be positive, got %g", c.CTF.BoxSize)
	check(c.CTF.LowResLimit > c.CTF.HighResLimit,
		"ctf.lowResLimit (%g Å) must be coarser than ctf.highResLimit (%g Å)", c.CTF.LowResLimit, c.CTF.HighResLimit)
	check(c.CTF.LowDefocusLimit < c.CTF.HighDefocusLimit,
		"ctf.lowDefocusLimit (%g) must be below ctf.highDefocusLimit (%g)", c.CTF.LowDefocusLimit, c.CTF.HighDefocusLimit)
	check(c.CTF.DefocusStep > 0, "ctf.defocusStep must be positive, got %g", c.CTF.DefocusStep)
	check(c.CTF.AmpContrast >= 0 && c.CTF.AmpContrast <= 1,
		"ctf.ampContrast must be within [0,1], got %g", c.CTF.AmpContrast)
	if c.Weighting.UseLowTiltDefoci {
		check(c.Weighting.LowTiltLimit > 0, "weighting.lowTiltLimit must be positive, got %g", c.Weighting.LowTiltLimit)
	}
	check(c.Tools.ExtractTilts != "" && c.Tools.Newstack != "", "tools.extractTilts and tools.newstack must be set")
	if !c.CTF.Skip {
		check(c.Tools.CTFFindWrapper != "" && c.Tools.CTFFind != "", "tools.ctffindWrapper and tools.ctffind must be set")
	}

	return errors.Join(errs...)
}

func isTOML(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}
