package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const (
	defaultConfigPath = "~/.config/reticulum/config.yaml"
	defaultParallel   = 4

	// EnvConfigPath names the variable holding the config file location.
	EnvConfigPath = "RETICULUM_CONFIG"
	// EnvPrefix prefixes overriding variables; "__" separates nesting levels,
	// e.g. RETICULUM_SERVER__ADDR sets server.addr.
	EnvPrefix = "RETICULUM_"
)

// Config holds user-editable settings for the pipeline.
type Config struct {
	Processing  Processing  `koanf:"processing" yaml:"processing"`
	Logging     Logging     `koanf:"logging" yaml:"logging"`
	Paths       Paths       `koanf:"paths" yaml:"paths"`
	Storage     Storage     `koanf:"storage" yaml:"storage"`
	Calibration Calibration `koanf:"calibration" yaml:"calibration"`
	Catalog     Catalog     `koanf:"catalog" yaml:"catalog"`
	Fit         Fit         `koanf:"fit" yaml:"fit"`
	Color       Color       `koanf:"color" yaml:"color"`
	Server      Server      `koanf:"server" yaml:"server"`
}

// Processing captures execution preferences.
type Processing struct {
	ParallelJobs int  `koanf:"parallel_jobs" yaml:"parallel_jobs"`
	QueueSize    int  `koanf:"queue_size" yaml:"queue_size"`
	Reprocess    bool `koanf:"reprocess" yaml:"reprocess"`
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `koanf:"level" yaml:"level"`             // debug, info, warn, error
	Format     string `koanf:"format" yaml:"format"`           // text, json
	FileOutput bool   `koanf:"file_output" yaml:"file_output"` // Enable file logging
	LogDir     string `koanf:"log_dir" yaml:"log_dir"`         // Directory for log files
}

// Paths configures default input/output locations.
type Paths struct {
	FramesDir    string `koanf:"frames_dir" yaml:"frames_dir"`
	DatabasePath string `koanf:"database_path" yaml:"database_path"`
}

// Storage selects the SQLite driver and cache retention.
type Storage struct {
	Driver   string        `koanf:"driver" yaml:"driver"` // sqlite (pure Go) or sqlite3 (cgo)
	CacheTTL time.Duration `koanf:"cache_ttl" yaml:"cache_ttl"`
}

// Calibration fixes the per-frame calibration policy.
type Calibration struct {
	Catalog           string  `koanf:"catalog" yaml:"catalog"`
	LimitMag          float64 `koanf:"limit_mag" yaml:"limit_mag"`
	Nside             int64   `koanf:"nside" yaml:"nside"` // 0 = derive from query radius
	MatchRadiusArcsec float64 `koanf:"match_radius_arcsec" yaml:"match_radius_arcsec"`
	Order             int     `koanf:"order" yaml:"order"`
	ColorOrder        int     `koanf:"color_order" yaml:"color_order"`
	Threshold         float64 `koanf:"threshold" yaml:"threshold"`
	MaxIntrinsicRMS   float64 `koanf:"max_intrinsic_rms" yaml:"max_intrinsic_rms"`
	Nonlin            bool    `koanf:"nonlin" yaml:"nonlin"`
	AnchorPolicy      string  `koanf:"anchor_policy" yaml:"anchor_policy"` // johnson, family
	FallbackFilter    string  `koanf:"fallback_filter" yaml:"fallback_filter"`
}

// Catalog configures the reference catalog service.
type Catalog struct {
	BaseURL string        `koanf:"base_url" yaml:"base_url"`
	Timeout time.Duration `koanf:"timeout" yaml:"timeout"`
	MaxRows int           `koanf:"max_rows" yaml:"max_rows"`
	Cache   bool          `koanf:"cache" yaml:"cache"`
}

// Fit configures the external photometric fit tool.
type Fit struct {
	Command string        `koanf:"command" yaml:"command"`
	Args    []string      `koanf:"args" yaml:"args"`
	Timeout time.Duration `koanf:"timeout" yaml:"timeout"`
}

// Color configures light-curve assembly and color reconciliation.
type Color struct {
	Tolerance          float64 `koanf:"tolerance" yaml:"tolerance"`
	MaxIterations      int     `koanf:"max_iterations" yaml:"max_iterations"`
	SearchRadiusArcsec float64 `koanf:"search_radius_arcsec" yaml:"search_radius_arcsec"`
	MaxMagErr          float64 `koanf:"max_magerr" yaml:"max_magerr"` // 0 disables the cut
}

// Server configures the HTTP and gRPC listeners.
type Server struct {
	Addr             string `koanf:"addr" yaml:"addr"`
	GRPCAddr         string `koanf:"grpc_addr" yaml:"grpc_addr"`
	MetricsNamespace string `koanf:"metrics_namespace" yaml:"metrics_namespace"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return defaultConfig()
}

// Load builds a Config by layering defaults, the optional config file and
// environment variables, in increasing precedence. The file is taken from
// RETICULUM_CONFIG or the default location; a missing file is not an error.
func Load() (*Config, error) {
	configPath := os.Getenv(EnvConfigPath)
	explicit := configPath != ""
	if !explicit {
		configPath = defaultConfigPath
	}
	return load(configPath, explicit)
}

// LoadFile is Load with an explicit file path, which must exist.
func LoadFile(path string) (*Config, error) {
	return load(path, true)
}

func load(configPath string, mustExist bool) (*Config, error) {
	base := defaultConfig()
	k := koanf.New(".")

	expanded, err := expandUser(configPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLoadConfig, err)
	}
	if _, err := os.Stat(expanded); err == nil {
		if err := k.Load(file.Provider(expanded), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrLoadConfig, expanded, err)
		}
	} else if !errors.Is(err, os.ErrNotExist) || mustExist {
		return nil, fmt.Errorf("%w: %v", ErrLoadConfig, err)
	}

	envProvider := env.Provider(EnvPrefix, ".", func(s string) string {
		s = strings.TrimPrefix(s, EnvPrefix)
		s = strings.ToLower(s)
		return strings.ReplaceAll(s, "__", ".")
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLoadConfig, err)
	}

	// Unmarshal into a copy
	cfg := *base
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLoadConfig, err)
	}

	for _, p := range []*string{&cfg.Paths.DatabasePath, &cfg.Paths.FramesDir, &cfg.Logging.LogDir} {
		if *p, err = expandUser(*p); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrLoadConfig, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
	}
	switch {
	case c.Processing.ParallelJobs < 1:
		return invalid("processing.parallel_jobs must be at least 1")
	case c.Processing.QueueSize < 1:
		return invalid("processing.queue_size must be at least 1")
	case !slices.Contains([]string{"debug", "info", "warn", "warning", "error"}, strings.ToLower(c.Logging.Level)):
		return invalid("logging.level %q", c.Logging.Level)
	case !slices.Contains([]string{"sqlite", "sqlite3"}, c.Storage.Driver):
		return invalid("storage.driver %q must be sqlite or sqlite3", c.Storage.Driver)
	case c.Calibration.Catalog == "":
		return invalid("calibration.catalog must not be empty")
	case c.Calibration.LimitMag <= 0:
		return invalid("calibration.limit_mag must be positive")
	case c.Calibration.Nside < 0 || (c.Calibration.Nside > 0 && c.Calibration.Nside&(c.Calibration.Nside-1) != 0):
		return invalid("calibration.nside %d must be 0 or a power of two", c.Calibration.Nside)
	case c.Calibration.MatchRadiusArcsec <= 0:
		return invalid("calibration.match_radius_arcsec must be positive")
	case !slices.Contains([]string{"johnson", "family"}, c.Calibration.AnchorPolicy):
		return invalid("calibration.anchor_policy %q must be johnson or family", c.Calibration.AnchorPolicy)
	case c.Fit.Command == "":
		return invalid("fit.command must not be empty")
	case c.Color.MaxIterations < 1:
		return invalid("color.max_iterations must be at least 1")
	case c.Color.SearchRadiusArcsec <= 0:
		return invalid("color.search_radius_arcsec must be positive")
	}
	return nil
}

// MatchRadius returns the fit match radius in degrees.
func (c Calibration) MatchRadius() float64 {
	return c.MatchRadiusArcsec / 3600
}

func defaultConfig() *Config {
	return &Config{
		Processing: Processing{
			ParallelJobs: defaultParallel,
			QueueSize:    100,
		},
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: false,
			LogDir:     "./logs",
		},
		Paths: Paths{
			FramesDir:    ".",
			DatabasePath: filepath.Join(os.TempDir(), "reticulum.db"),
		},
		Storage: Storage{
			Driver:   "sqlite",
			CacheTTL: 30 * 24 * time.Hour,
		},
		Calibration: Calibration{
			Catalog:           "gaiadr3syn",
			LimitMag:          16,
			MatchRadiusArcsec: 2,
			Order:             2,
			ColorOrder:        2,
			Threshold:         5,
			MaxIntrinsicRMS:   0.02,
			Nonlin:            true,
			AnchorPolicy:      "johnson",
			FallbackFilter:    "r",
		},
		Catalog: Catalog{
			BaseURL: "https://vizier.cds.unistra.fr/viz-bin/asu-tsv",
			Timeout: 60 * time.Second,
			MaxRows: 50000,
			Cache:   true,
		},
		Fit: Fit{
			Command: "reticulum-photfit",
			Timeout: 5 * time.Minute,
		},
		Color: Color{
			Tolerance:          1e-12,
			MaxIterations:      1000,
			SearchRadiusArcsec: 2,
		},
		Server: Server{
			Addr:             ":8080",
			GRPCAddr:         ":9090",
			MetricsNamespace: "reticulum",
		},
	}
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}
