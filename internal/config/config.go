// Package config provides configuration management for hlsget using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"net/textproto"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/spf13/viper"
)

// Default configuration values.
const (
	defaultConnectTimeout    = 10 * time.Second
	defaultReadTimeout       = 30 * time.Second
	defaultMaxConcurrentJobs = 3
	defaultMaxRetries        = 3
	defaultRetryBaseDelay    = 1 * time.Second
	defaultRetryMaxDelay     = 30 * time.Second
	defaultKeyCacheTTL       = time.Hour
	defaultMergeTimeout      = 10 * time.Minute
	defaultCleanupAge        = 1 * time.Hour
	fallbackSegmentThreads   = 8
)

// Config holds all configuration for the application.
type Config struct {
	Storage  StorageConfig  `mapstructure:"storage"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Download DownloadConfig `mapstructure:"download"`
	Keys     KeysConfig     `mapstructure:"keys"`
	FFmpeg   FFmpegConfig   `mapstructure:"ffmpeg"`
}

// StorageConfig holds filesystem layout configuration.
type StorageConfig struct {
	// OutputDir is the default directory for finished output files.
	OutputDir string `mapstructure:"output_dir"`
	// WorkDir is the base directory under which per-job workspaces are created.
	WorkDir string `mapstructure:"work_dir"`
	// CleanupAge is the age after which orphaned workspaces are removed at startup.
	CleanupAge time.Duration `mapstructure:"cleanup_age"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// HTTPConfig holds settings shared by all outbound HTTP requests
// (manifest, key, and segment fetches).
type HTTPConfig struct {
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	// InsecureSkipVerify disables TLS certificate verification.
	InsecureSkipVerify bool `mapstructure:"insecure_skip_verify"`
	// Headers are default request headers (referer, auth) applied to every
	// request unless overridden per job.
	Headers map[string]string `mapstructure:"headers"`
}

// DownloadConfig holds the download pipeline configuration.
type DownloadConfig struct {
	// MaxConcurrentJobs bounds the number of jobs running at once.
	MaxConcurrentJobs int `mapstructure:"max_concurrent_jobs"`
	// SegmentThreads is the per-job segment fetch concurrency.
	// 1 means strictly sequential fetching.
	SegmentThreads int `mapstructure:"segment_threads"`
	// MaxRetries is the per-segment retry budget.
	MaxRetries int `mapstructure:"max_retries"`
	// RetryBaseDelay is the base delay for exponential backoff.
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay"`
	// RetryMaxDelay caps the backoff delay.
	RetryMaxDelay time.Duration `mapstructure:"retry_max_delay"`
	// Decrypt enables AES-128 decryption of encrypted segments.
	Decrypt bool `mapstructure:"decrypt"`
	// AllowPartial permits merging only the successfully fetched segments
	// when some segments failed permanently. Off by default: a merge with
	// missing segments produces a silently corrupt output file.
	AllowPartial bool `mapstructure:"allow_partial"`
}

// KeysConfig holds encryption key resolution configuration.
type KeysConfig struct {
	// CacheTTL is how long fetched keys stay valid in the shared cache.
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
	// CacheDir, when set, persists fetched keys to disk under
	// collision-free file names. Empty disables the disk cache.
	CacheDir string `mapstructure:"cache_dir"`
}

// FFmpegConfig holds the external muxer configuration.
type FFmpegConfig struct {
	// BinaryPath is the path to the ffmpeg binary (empty = look up in PATH).
	BinaryPath string `mapstructure:"binary_path"`
	// MergeTimeout bounds a single merge invocation.
	MergeTimeout time.Duration `mapstructure:"merge_timeout"`
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration.
// Environment variables are prefixed with HLSGET_ and use underscores for
// nesting. Example: HLSGET_DOWNLOAD_SEGMENT_THREADS=16.
func Load(configPath string) (*Config, error) {
	return LoadWithPreset(configPath, "")
}

// LoadWithPreset is Load with a named preset applied on top of the base
// defaults. Presets are parameter bundles; file and environment values still
// override them.
func LoadWithPreset(configPath, preset string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)
	if preset != "" {
		if err := ApplyPreset(v, preset); err != nil {
			return nil, err
		}
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.hlsget")
		v.AddConfigPath("/etc/hlsget")
	}

	v.SetEnvPrefix("HLSGET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		// Config file not found is OK - we'll use defaults and env vars
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	// Viper lowercases nested map keys; restore canonical header casing
	// so lookups like Headers["Referer"] behave as written in the file.
	cfg.HTTP.Headers = canonicalHeaders(cfg.HTTP.Headers)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// canonicalHeaders rewrites header names into canonical MIME form,
// e.g. "x-custom-token" becomes "X-Custom-Token".
func canonicalHeaders(headers map[string]string) map[string]string {
	if len(headers) == 0 {
		return headers
	}
	out := make(map[string]string, len(headers))
	for k, v := range headers {
		out[textproto.CanonicalMIMEHeaderKey(k)] = v
	}
	return out
}

// DefaultSegmentThreads returns twice the logical CPU count, matching the
// throughput sweet spot for IO-bound segment fetching.
func DefaultSegmentThreads() int {
	count, err := cpu.Counts(true)
	if err != nil || count < 1 {
		return fallbackSegmentThreads
	}
	return count * 2
}

// SetDefaults configures default values for all configuration options.
func SetDefaults(v *viper.Viper) {
	// Storage defaults
	v.SetDefault("storage.output_dir", "./downloads")
	v.SetDefault("storage.work_dir", "./work")
	v.SetDefault("storage.cleanup_age", defaultCleanupAge)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	// HTTP defaults
	v.SetDefault("http.connect_timeout", defaultConnectTimeout)
	v.SetDefault("http.read_timeout", defaultReadTimeout)
	v.SetDefault("http.insecure_skip_verify", false)
	v.SetDefault("http.headers", map[string]string{})

	// Download defaults
	v.SetDefault("download.max_concurrent_jobs", defaultMaxConcurrentJobs)
	v.SetDefault("download.segment_threads", DefaultSegmentThreads())
	v.SetDefault("download.max_retries", defaultMaxRetries)
	v.SetDefault("download.retry_base_delay", defaultRetryBaseDelay)
	v.SetDefault("download.retry_max_delay", defaultRetryMaxDelay)
	v.SetDefault("download.decrypt", true)
	v.SetDefault("download.allow_partial", false)

	// Keys defaults
	v.SetDefault("keys.cache_ttl", defaultKeyCacheTTL)
	v.SetDefault("keys.cache_dir", "")

	// FFmpeg defaults
	v.SetDefault("ffmpeg.binary_path", "")
	v.SetDefault("ffmpeg.merge_timeout", defaultMergeTimeout)
}

// ApplyPreset overlays a named parameter bundle on top of the defaults.
// Known presets: fast, stable, low-bandwidth.
func ApplyPreset(v *viper.Viper, name string) error {
	switch name {
	case "fast":
		v.SetDefault("download.segment_threads", DefaultSegmentThreads()*2)
		v.SetDefault("download.max_retries", 1)
		v.SetDefault("download.retry_base_delay", 500*time.Millisecond)
		v.SetDefault("http.connect_timeout", 5*time.Second)
		v.SetDefault("http.read_timeout", 15*time.Second)
	case "stable":
		v.SetDefault("download.segment_threads", DefaultSegmentThreads()/2)
		v.SetDefault("download.max_retries", 5)
		v.SetDefault("download.retry_base_delay", 2*time.Second)
		v.SetDefault("http.connect_timeout", 15*time.Second)
		v.SetDefault("http.read_timeout", 60*time.Second)
	case "low-bandwidth":
		v.SetDefault("download.segment_threads", 2)
		v.SetDefault("download.max_retries", 3)
		v.SetDefault("download.retry_base_delay", 3*time.Second)
	default:
		return fmt.Errorf("unknown preset: %s (known: fast, stable, low-bandwidth)", name)
	}
	return nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Storage.OutputDir == "" {
		return fmt.Errorf("storage.output_dir is required")
	}
	if c.Storage.WorkDir == "" {
		return fmt.Errorf("storage.work_dir is required")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	if c.HTTP.ConnectTimeout <= 0 {
		return fmt.Errorf("http.connect_timeout must be positive")
	}
	if c.HTTP.ReadTimeout <= 0 {
		return fmt.Errorf("http.read_timeout must be positive")
	}

	if c.Download.MaxConcurrentJobs < 1 {
		return fmt.Errorf("download.max_concurrent_jobs must be at least 1")
	}
	if c.Download.SegmentThreads < 1 {
		return fmt.Errorf("download.segment_threads must be at least 1")
	}
	if c.Download.MaxRetries < 0 {
		return fmt.Errorf("download.max_retries must not be negative")
	}
	if c.Download.RetryBaseDelay <= 0 {
		return fmt.Errorf("download.retry_base_delay must be positive")
	}

	if c.Keys.CacheTTL <= 0 {
		return fmt.Errorf("keys.cache_ttl must be positive")
	}

	if c.FFmpeg.MergeTimeout <= 0 {
		return fmt.Errorf("ffmpeg.merge_timeout must be positive")
	}

	return nil
}
