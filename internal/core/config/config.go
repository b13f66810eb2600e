package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	// WFSURL locates the capabilities document: an http(s) URL or a file.
	WFSURL string
	// SchemaURL overrides the DescribeFeatureType request used to obtain the
	// application schema.
	SchemaURL      string
	MaxFeatures    int
	RequestTimeout time.Duration
	TempDir        string
	DocCacheSize   int
	// StatusAddr serves /healthz, /metrics and /featuretypes while a run is
	// in progress; empty disables it.
	StatusAddr string
	LogLevel   string
	LogConsole bool
	LogSampleN int
}

func FromEnv() Config {
	return Config{
		WFSURL:         getenv("ETS_WFS_URL", ""),
		SchemaURL:      getenv("ETS_SCHEMA_URL", ""),
		MaxFeatures:    getint("ETS_MAX_FEATURES", 25),
		RequestTimeout: getduration("ETS_REQUEST_TIMEOUT", 30*time.Second),
		TempDir:        getenv("ETS_TEMP_DIR", ""),
		DocCacheSize:   getint("ETS_DOC_CACHE_SIZE", 64),
		StatusAddr:     getenv("ETS_STATUS_ADDR", ""),
		LogLevel:       getenv("LOG_LEVEL", "info"),
		LogConsole:     getbool("LOG_CONSOLE", false),
		LogSampleN:     getint("LOG_SAMPLE_N", 0),
	}
}

// fileConfig is the YAML run file. Unset keys keep the environment values.
type fileConfig struct {
	WFS            *string `yaml:"wfs"`
	Schema         *string `yaml:"schema"`
	MaxFeatures    *int    `yaml:"max_features"`
	RequestTimeout *string `yaml:"request_timeout"`
	TempDir        *string `yaml:"temp_dir"`
	DocCacheSize   *int    `yaml:"doc_cache_size"`
	StatusAddr     *string `yaml:"status_addr"`
	Log            struct {
		Level   *string `yaml:"level"`
		Console *bool   `yaml:"console"`
		SampleN *int    `yaml:"sample_n"`
	} `yaml:"log"`
}

// LoadFile overlays the YAML run file at path onto cfg.
func LoadFile(path string, cfg Config) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(b, &fc); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}

	set(&cfg.WFSURL, fc.WFS)
	set(&cfg.SchemaURL, fc.Schema)
	set(&cfg.MaxFeatures, fc.MaxFeatures)
	set(&cfg.TempDir, fc.TempDir)
	set(&cfg.DocCacheSize, fc.DocCacheSize)
	set(&cfg.StatusAddr, fc.StatusAddr)
	set(&cfg.LogLevel, fc.Log.Level)
	set(&cfg.LogConsole, fc.Log.Console)
	set(&cfg.LogSampleN, fc.Log.SampleN)
	if fc.RequestTimeout != nil {
		d, err := time.ParseDuration(*fc.RequestTimeout)
		if err != nil {
			return cfg, fmt.Errorf("request_timeout: %w", err)
		}
		cfg.RequestTimeout = d
	}
	return cfg, nil
}

func set[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}

// Validate checks the settings a run cannot do without.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.WFSURL) == "" {
		errs = append(errs, errors.New("no WFS capabilities location (ETS_WFS_URL or -wfs)"))
	}
	if c.MaxFeatures <= 0 {
		errs = append(errs, fmt.Errorf("max features must be positive, got %d", c.MaxFeatures))
	}
	if c.RequestTimeout <= 0 {
		errs = append(errs, fmt.Errorf("request timeout must be positive, got %s", c.RequestTimeout))
	}
	return errors.Join(errs...)
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getint(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "t", "true", "y", "yes":
			return true
		case "0", "f", "false", "n", "no":
			return false
		}
	}
	return def
}

func getduration(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
