// Package config loads and validates the cache engine's configuration:
// the options enumerated for CacheEngine construction (free-space
// thresholds, worker pool sizing, memfile budget, codec selection).
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/tailscale/hujson"
)

// ErrConfigFileRead is returned when a required config file cannot be read.
var ErrConfigFileRead = errors.New("read config file")

// ErrConfigInvalid is returned when a config file fails to parse or validate.
var ErrConfigInvalid = errors.New("invalid config")

// CodecID selects a compression/encryption implementation by name. The
// engine never interprets the value itself, only passes it to the
// configured codec registry.
type CodecID string

// Config mirrors the engine options enumerated for construction. Every
// field maps directly to one documented option; there is no hidden
// derived state here, and this package is I/O-free beyond loading the
// file. [engine.Config] wraps this struct together with the engine's
// collaborators.
type Config struct {
	MinCacheSize         int64   `json:"min_cachesize"`
	MinFreeSize          int64   `json:"min_free_size"`
	CriticalFreeSize     int64   `json:"critical_free_size"`
	ThrottleFreeSize     int64   `json:"throttle_free_size"`
	MaxCacheSize         int64   `json:"max_cachesize"`
	MaxCacheSizeThrottle int64   `json:"max_cachesize_throttle_size"`
	MinMetadataCacheFree int64   `json:"min_metadata_cache_free"`
	CompPercent          float64 `json:"comp_percent"`
	CompStartLimit       int64   `json:"comp_start_limit"`
	CPUMultiplier        float64 `json:"cpu_multiplier"`
	NoCompressMult       float64 `json:"no_compress_mult,omitempty"`
	WithPrevLink         bool    `json:"with_prev_link,omitempty"`
	AllowEvict           bool    `json:"allow_evict"`
	WithSubmittedFiles   bool    `json:"with_submitted_files,omitempty"`
	ResubmitCompRatio    float64 `json:"resubmit_compressed_ratio,omitempty"`
	MaxMemFileSize       int64   `json:"max_memfile_size,omitempty"`
	MemCachePath         string  `json:"memcache_path,omitempty"`
	OnlyMemFiles         bool    `json:"only_memfiles,omitempty"`
	MemoryUsageFactor    float64 `json:"memory_usage_factor,omitempty"`
	BackgroundCompMethod CodecID `json:"background_comp_method,omitempty"`
	CacheComp            CodecID `json:"cache_comp,omitempty"`
	MetaCacheComp        CodecID `json:"meta_cache_comp,omitempty"`
	VerifyCache          bool    `json:"verify_cache,omitempty"`

	// ClouddriveResetRetries is the consecutive-expected-miss cap before the
	// engine considers reset(key) on an unreadable backend object (§7).
	ClouddriveResetRetries int `json:"clouddrive_reset_retries,omitempty"`

	// SubmitBundleWindowMS is how often RegularSubmitBundleThread flushes
	// accumulated submission entries (supplemented feature, see DESIGN.md).
	SubmitBundleWindowMS int `json:"submit_bundle_window_ms,omitempty"`
}

// SubmitBundleWindow returns SubmitBundleWindowMS as a [time.Duration],
// defaulting to 2s when unset.
func (c Config) SubmitBundleWindow() time.Duration {
	if c.SubmitBundleWindowMS <= 0 {
		return 2 * time.Second
	}

	return time.Duration(c.SubmitBundleWindowMS) * time.Millisecond
}

// Default returns the engine's default configuration. Values come from
// spec §6.4/§7 where a default is named; thresholds with no named default
// are left at zero, which callers must override for a workable engine.
func Default() Config {
	return Config{
		CPUMultiplier:          1,
		NoCompressMult:         0.25,
		AllowEvict:             true,
		MemoryUsageFactor:      1,
		ClouddriveResetRetries: 12,
		CacheComp:              "zstd",
		MetaCacheComp:          "zstd",
		BackgroundCompMethod:   "zstd",
		SubmitBundleWindowMS:   2000,
	}
}

// Load reads and validates a JWCC (JSON-with-comments) config file at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("%w: %s: %w", ErrConfigFileRead, path, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("%w %s: %w", ErrConfigInvalid, path, err)
	}

	return cfg, nil
}

// Parse decodes a JWCC document into a Config overlaying [Default], then
// validates it.
func Parse(data []byte) (Config, error) {
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, fmt.Errorf("invalid JWCC: %w", err)
	}

	cfg := Default()

	if err := json.Unmarshal(standardized, &cfg); err != nil {
		return Config{}, fmt.Errorf("invalid JSON: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks invariants the engine depends on before it will start.
// A failure here is the "Configuration" error kind: the engine refuses to
// start rather than run with an inconsistent threshold ladder.
func Validate(cfg Config) error {
	if cfg.CriticalFreeSize < 0 || cfg.MinFreeSize < 0 || cfg.ThrottleFreeSize < 0 {
		return fmt.Errorf("%w: free-size thresholds must be non-negative", ErrConfigInvalid)
	}

	if cfg.CriticalFreeSize > cfg.MinFreeSize {
		return fmt.Errorf("%w: critical_free_size must be <= min_free_size", ErrConfigInvalid)
	}

	if cfg.MinFreeSize > cfg.ThrottleFreeSize && cfg.ThrottleFreeSize != 0 {
		return fmt.Errorf("%w: min_free_size must be <= throttle_free_size", ErrConfigInvalid)
	}

	if cfg.CompPercent < 0 || cfg.CompPercent > 1 {
		return fmt.Errorf("%w: comp_percent must be in [0,1]", ErrConfigInvalid)
	}

	if cfg.CPUMultiplier <= 0 {
		return fmt.Errorf("%w: cpu_multiplier must be > 0", ErrConfigInvalid)
	}

	if cfg.MaxMemFileSize < 0 {
		return fmt.Errorf("%w: max_memfile_size must be >= 0", ErrConfigInvalid)
	}

	if cfg.OnlyMemFiles && cfg.MaxMemFileSize == 0 {
		return fmt.Errorf("%w: only_memfiles requires max_memfile_size > 0", ErrConfigInvalid)
	}

	return nil
}
