package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmylchreest/hlsget/internal/config"
	"github.com/jmylchreest/hlsget/internal/fetcher"
	"github.com/jmylchreest/hlsget/internal/manifest"
	"github.com/jmylchreest/hlsget/internal/merger"
	"github.com/jmylchreest/hlsget/internal/observability"
	"github.com/jmylchreest/hlsget/internal/workspace"
)

// FetcherFactory builds a fetcher with a job-specific retry policy.
type FetcherFactory func(maxRetries int, retryBaseDelay time.Duration) *fetcher.Fetcher

// Runner drives a single job through its lifecycle: resolve the
// manifest, fetch segments into an exclusive workspace, merge, and
// clean up. A Runner is stateless across jobs and safe for concurrent
// Run calls.
type Runner struct {
	cfg            *config.Config
	resolver       *manifest.Resolver
	fetcher        *fetcher.Fetcher
	fetcherFactory FetcherFactory
	merger         merger.Merger
	logger         *slog.Logger
}

// NewRunner wires a Runner from its collaborators.
func NewRunner(cfg *config.Config, resolver *manifest.Resolver, f *fetcher.Fetcher, m merger.Merger, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		cfg:      cfg,
		resolver: resolver,
		fetcher:  f,
		merger:   m,
		logger:   observability.WithComponent(logger, "job"),
	}
}

// WithFetcherFactory enables per-job retry overrides. Without a
// factory those spec fields are ignored and the shared fetcher is used
// for every job.
func (r *Runner) WithFetcherFactory(f FetcherFactory) *Runner {
	r.fetcherFactory = f
	return r
}

// fetcherFor returns the fetcher honouring the spec's retry overrides.
func (r *Runner) fetcherFor(spec Spec) *fetcher.Fetcher {
	if r.fetcherFactory == nil || (spec.MaxRetries == nil && spec.RetryBaseDelay == "") {
		return r.fetcher
	}
	retries := r.cfg.Download.MaxRetries
	if spec.MaxRetries != nil {
		retries = *spec.MaxRetries
	}
	delay := r.cfg.Download.RetryBaseDelay
	if d, ok, _ := spec.retryBaseDelay(); ok {
		delay = d
	}
	return r.fetcherFactory(retries, delay)
}

// Run executes the job described by spec and returns its record. The
// record is always non-nil and terminal on return. Run never returns an
// error for job-level failures; inspect the record instead.
func (r *Runner) Run(ctx context.Context, spec Spec) *Record {
	rec := NewRecord(spec)
	r.run(ctx, rec)
	return rec
}

// RunRecord is Run for a pre-created record, letting callers observe
// the job while it is queued.
func (r *Runner) RunRecord(ctx context.Context, rec *Record) {
	r.run(ctx, rec)
}

func (r *Runner) run(ctx context.Context, rec *Record) {
	spec := rec.Spec()
	logger := observability.WithJob(r.logger, rec.ID(), spec.Name)

	if err := spec.Validate(); err != nil {
		rec.fail(err)
		logger.Error("job rejected", slog.String("error", err.Error()))
		return
	}
	keyOverride, err := spec.keyBytes()
	if err != nil {
		rec.fail(err)
		logger.Error("job rejected", slog.String("error", err.Error()))
		return
	}

	done := observability.TimedOperation(ctx, logger, "job")
	defer done()

	rec.setState(StateResolving)
	m, err := r.resolver.Resolve(ctx, spec.URL)
	if err != nil {
		rec.fail(err)
		logger.Error("manifest resolution failed", slog.String("error", err.Error()))
		return
	}
	rec.setProgress(0, len(m.Segments))

	newWorkspace := workspace.New
	if spec.Resume {
		newWorkspace = workspace.Resume
	}
	ws, err := newWorkspace(r.cfg.Storage.WorkDir, spec.Name)
	if err != nil {
		rec.fail(fmt.Errorf("%w: %v", ErrWorkspaceSetup, err))
		return
	}
	defer func() {
		// A resumable job keeps its segments so the next attempt can
		// pick up where this one stopped.
		if spec.Resume && rec.State() != StateCompleted {
			logger.Info("keeping workspace for resume", slog.String("dir", ws.Dir()))
			return
		}
		if err := ws.Release(); err != nil {
			logger.Warn("workspace release failed", slog.String("error", err.Error()))
		}
	}()

	rec.setState(StateFetching)
	threads := spec.SegmentThreads
	if threads == 0 {
		threads = r.cfg.Download.SegmentThreads
	}
	allowPartial := spec.AllowPartial || r.cfg.Download.AllowPartial
	decrypt := r.cfg.Download.Decrypt
	if spec.Decrypt != nil {
		decrypt = *spec.Decrypt
	}

	res, fetchErr := r.fetcherFor(spec).Fetch(ctx, m, ws, fetcher.Options{
		Threads:      threads,
		Decrypt:      decrypt,
		Key:          keyOverride,
		AllowPartial: allowPartial,
		Resume:       spec.Resume,
		Headers:      spec.Headers,
		OnProgress:   rec.setProgress,
	})
	if res != nil {
		rec.setSegmentsFailed(res.Failed)
	}
	if fetchErr != nil && !(allowPartial && res != nil && res.Completed+res.Skipped > 0) {
		rec.fail(fetchErr)
		return
	}
	if fetchErr != nil {
		logger.Warn("merging partial download",
			slog.Int("failed_segments", res.Failed),
		)
	}

	if err := ctx.Err(); err != nil {
		rec.fail(err)
		return
	}

	rec.setState(StateMerging)
	output, err := reserveOutput(spec.OutputFile(r.cfg.Storage.OutputDir))
	if err != nil {
		rec.fail(err)
		logger.Error("output reservation failed", slog.String("error", err.Error()))
		return
	}
	if err := r.merger.Merge(ctx, res.CompletedPaths(), output); err != nil {
		os.Remove(output)
		rec.fail(err)
		logger.Error("merge failed", slog.String("error", err.Error()))
		return
	}

	rec.complete(output)
	logger.Info("job completed",
		slog.String("output", output),
		slog.Int("segments", res.Completed+res.Skipped),
	)
}

// reserveOutput claims the final output path with O_EXCL, falling back
// to numbered variants, so identically named jobs running at once end
// up with distinct files instead of overwriting each other.
func reserveOutput(path string) (string, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("%w: %v", merger.ErrMergeFailed, err)
	}
	ext := filepath.Ext(path)
	stem := strings.TrimSuffix(path, ext)
	candidate := path
	for i := 1; ; i++ {
		f, err := os.OpenFile(candidate, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			f.Close()
			return candidate, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return "", fmt.Errorf("%w: %v", merger.ErrMergeFailed, err)
		}
		candidate = fmt.Sprintf("%s_%d%s", stem, i, ext)
	}
}
