package cmd

import (
	"errors"
	"log/slog"
	"time"

	"github.com/jmylchreest/hlsget/internal/config"
	"github.com/jmylchreest/hlsget/internal/fetcher"
	"github.com/jmylchreest/hlsget/internal/httpclient"
	"github.com/jmylchreest/hlsget/internal/job"
	"github.com/jmylchreest/hlsget/internal/keys"
	"github.com/jmylchreest/hlsget/internal/manifest"
	"github.com/jmylchreest/hlsget/internal/merger"
	"github.com/jmylchreest/hlsget/internal/observability"
	"github.com/jmylchreest/hlsget/internal/version"
	"github.com/jmylchreest/hlsget/internal/workspace"
)

// buildRunner wires the download pipeline from configuration.
func buildRunner(cfg *config.Config, logger *slog.Logger) (*job.Runner, error) {
	segmentClient := httpclient.New(clientConfig(cfg, cfg.Download.MaxRetries, logger))

	// Manifest fetches fail fast: a broken playlist URL should surface
	// immediately instead of burning the retry budget.
	manifestClient := httpclient.New(clientConfig(cfg, 0, logger))

	resolver := manifest.NewResolver(manifestClient, logger)
	keyResolver := keys.NewResolver(segmentClient, keys.Options{
		TTL:      cfg.Keys.CacheTTL,
		CacheDir: cfg.Keys.CacheDir,
		Logger:   logger,
	})
	f := fetcher.New(segmentClient, keyResolver, logger)

	m, err := buildMerger(cfg, logger)
	if err != nil {
		return nil, err
	}

	runner := job.NewRunner(cfg, resolver, f, m, logger)
	runner.WithFetcherFactory(func(maxRetries int, retryBaseDelay time.Duration) *fetcher.Fetcher {
		c := clientConfig(cfg, maxRetries, logger)
		c.RetryDelay = retryBaseDelay
		return fetcher.New(httpclient.New(c), keyResolver, logger)
	})
	return runner, nil
}

func clientConfig(cfg *config.Config, retries int, logger *slog.Logger) httpclient.Config {
	c := httpclient.DefaultConfig()
	c.ConnectTimeout = cfg.HTTP.ConnectTimeout
	c.ReadTimeout = cfg.HTTP.ReadTimeout
	c.InsecureSkipVerify = cfg.HTTP.InsecureSkipVerify
	c.DefaultHeaders = cfg.HTTP.Headers
	c.RetryAttempts = retries
	c.RetryDelay = cfg.Download.RetryBaseDelay
	c.RetryMaxDelay = cfg.Download.RetryMaxDelay
	c.UserAgent = version.UserAgent()
	c.Logger = logger
	return c
}

// buildMerger prefers ffmpeg and falls back to plain concatenation
// when no binary is available.
func buildMerger(cfg *config.Config, logger *slog.Logger) (merger.Merger, error) {
	m, err := merger.NewFFmpeg(cfg.FFmpeg.BinaryPath, cfg.FFmpeg.MergeTimeout, logger)
	if err == nil {
		return m, nil
	}
	if !errors.Is(err, merger.ErrFFmpegNotFound) {
		return nil, err
	}
	logger.Warn("ffmpeg not found, falling back to byte concatenation; output containers will be MPEG-TS")
	return merger.NewConcat(logger), nil
}

// cleanupOrphans removes leftover workspaces from crashed runs.
func cleanupOrphans(cfg *config.Config, logger *slog.Logger) {
	removed, err := workspace.CleanupOrphans(cfg.Storage.WorkDir, cfg.Storage.CleanupAge, logger)
	if err != nil {
		logger.Warn("workspace cleanup failed", slog.String("error", err.Error()))
		return
	}
	if removed > 0 {
		logger.Info("cleaned up orphaned workspaces", slog.Int("removed", removed))
	}
}

// progressLogger periodically reports job progress until the returned
// stop function is called.
func progressLogger(rec *job.Record, logger *slog.Logger, interval time.Duration) (stop func()) {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if rec.State().Terminal() {
					return
				}
				completed, total := rec.Progress()
				if total == 0 {
					continue
				}
				observability.WithJob(logger, rec.ID(), rec.Spec().Name).Info("progress",
					slog.Int("segments_done", completed),
					slog.Int("segments_total", total),
					slog.String("state", string(rec.State())),
				)
			}
		}
	}()
	return func() { close(done) }
}
