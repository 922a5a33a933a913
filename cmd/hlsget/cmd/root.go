// Package cmd implements the CLI commands for hlsget.
package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/hlsget/internal/config"
	"github.com/jmylchreest/hlsget/internal/observability"
	"github.com/jmylchreest/hlsget/internal/version"
)

var (
	cfgFile string
	preset  string
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:     "hlsget",
	Short:   "Concurrent HLS stream downloader",
	Version: version.Short(),
	Long: `hlsget downloads HTTP Live Streaming (HLS) video-on-demand streams.

It resolves a playlist (following multivariant playlists to the best
variant), downloads all segments concurrently with retries, decrypts
AES-128 encrypted segments, and merges the result into a single file
with ffmpeg.`,
}

// Execute adds all child commands to the root command and runs it.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("executing root command: %w", err)
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default searches ., $HOME/.hlsget, /etc/hlsget)")
	rootCmd.PersistentFlags().StringVar(&preset, "preset", "", "parameter preset (fast, stable, low-bandwidth)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "", "log format (text, json)")
}

// loadConfig builds the effective configuration for a command run.
// Priority: CLI flags > environment > config file > preset > defaults.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.LoadWithPreset(cfgFile, preset)
	if err != nil {
		return nil, err
	}

	// Flags override only when explicitly set, so env and file values
	// survive flag defaults.
	if cmd.Flags().Changed("log-level") {
		v, _ := cmd.Flags().GetString("log-level")
		cfg.Logging.Level = strings.ToLower(v)
	}
	if cmd.Flags().Changed("log-format") {
		v, _ := cmd.Flags().GetString("log-format")
		cfg.Logging.Format = strings.ToLower(v)
	}
	if cfg.Logging.Level == "warning" {
		cfg.Logging.Level = "warn"
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setupLogging creates and installs the process logger. Logs go to
// stderr so progress output on stdout stays clean.
func setupLogging(cfg *config.Config) {
	logger := observability.NewLoggerWithWriter(cfg.Logging, os.Stderr)
	observability.SetDefault(logger)
}
