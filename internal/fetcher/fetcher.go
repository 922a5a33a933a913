// Package fetcher downloads the segments of a resolved manifest into a
// workspace, decrypting them as needed. Downloads run on a bounded pool
// of workers; per-segment retries live in the HTTP client.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/jmylchreest/hlsget/internal/decrypt"
	"github.com/jmylchreest/hlsget/internal/httpclient"
	"github.com/jmylchreest/hlsget/internal/keys"
	"github.com/jmylchreest/hlsget/internal/manifest"
	"github.com/jmylchreest/hlsget/internal/observability"
	"github.com/jmylchreest/hlsget/internal/workspace"
)

var (
	ErrSegmentFetch       = errors.New("segment fetch failed")
	ErrSegmentInvalid     = errors.New("segment failed validation")
	ErrUnsupportedKey     = errors.New("unsupported encryption method")
	ErrSegmentsIncomplete = errors.New("not all segments completed")
)

const tsSyncByte = 0x47

// Status is the lifecycle state of one segment.
type Status int

const (
	StatusPending Status = iota
	StatusCompleted
	StatusSkipped
	StatusFailed
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusCompleted:
		return "completed"
	case StatusSkipped:
		return "skipped"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// SegmentState records the outcome of one segment download.
type SegmentState struct {
	Index  int
	Status Status
	Path   string
	Bytes  int64
	Err    error
}

// Result summarizes a fetch run. Completed counts segments downloaded
// this run; Skipped counts segments already present from an earlier
// run. Failed counts only permanent failures; segments abandoned when
// the run was cancelled count as Cancelled.
type Result struct {
	States    []SegmentState
	Completed int
	Skipped   int
	Failed    int
	Cancelled int
}

// Complete reports whether every segment is on disk.
func (r *Result) Complete() bool {
	return r.Failed == 0 && r.Cancelled == 0
}

// CompletedPaths returns the workspace paths of all on-disk segments in
// playlist order, skipping failures.
func (r *Result) CompletedPaths() []string {
	paths := make([]string, 0, len(r.States))
	for _, s := range r.States {
		if s.Status == StatusCompleted || s.Status == StatusSkipped {
			paths = append(paths, s.Path)
		}
	}
	return paths
}

// Progress is invoked after every segment settles. done counts settled
// segments (any terminal status), total is the plan size.
type Progress func(done, total int)

// Options configures a fetch run.
type Options struct {
	// Threads is the worker pool size. 1 downloads strictly sequentially.
	Threads int
	// Decrypt enables AES-128 decryption of encrypted segments. When
	// false, encrypted segments are written to disk as fetched.
	Decrypt bool
	// AllowPartial keeps downloading after a permanent segment failure.
	// When false the first failure cancels the remaining downloads.
	AllowPartial bool
	// Key, when non-nil, decrypts every encrypted segment in place of
	// the key fetched from its URI. The override is scoped to this
	// fetch run; other jobs sharing the key resolver never see it.
	Key []byte
	// Resume skips segments already present in the workspace.
	Resume bool
	// Headers are added to every segment request.
	Headers map[string]string
	// OnProgress, if set, is called as segments settle.
	OnProgress Progress
}

// Fetcher downloads manifest segments.
type Fetcher struct {
	client *httpclient.Client
	keys   *keys.Resolver
	logger *slog.Logger
}

// New creates a Fetcher. The keys resolver may be nil when decryption
// is disabled.
func New(client *httpclient.Client, keyResolver *keys.Resolver, logger *slog.Logger) *Fetcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{
		client: client,
		keys:   keyResolver,
		logger: observability.WithComponent(logger, "fetcher"),
	}
}

// Fetch downloads every segment of m into ws. The returned Result is
// non-nil even on error so callers can inspect partial progress. The
// error is non-nil when the run was cancelled or, in strict mode, when
// any segment failed.
func (f *Fetcher) Fetch(ctx context.Context, m *manifest.Manifest, ws *workspace.Workspace, opts Options) (*Result, error) {
	threads := opts.Threads
	if threads < 1 {
		threads = 1
	}

	segments := resolveByteRanges(m.Segments)
	states := make([]SegmentState, len(segments))
	var done atomic.Int64
	var mu sync.Mutex

	settle := func(i int, st SegmentState) {
		mu.Lock()
		states[i] = st
		mu.Unlock()
		n := done.Add(1)
		if opts.OnProgress != nil {
			opts.OnProgress(int(n), len(segments))
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(threads)

	for i := range segments {
		seg := segments[i]
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				settle(seg.Index, SegmentState{Index: seg.Index, Status: StatusCancelled, Err: err})
				return err
			}

			path := ws.SegmentPath(seg.Index)

			if opts.Resume {
				if n, ok := resumable(seg.URL, path); ok {
					settle(seg.Index, SegmentState{
						Index: seg.Index, Status: StatusSkipped, Path: path, Bytes: n,
					})
					return nil
				}
			}

			n, err := f.fetchOne(gctx, seg, path, opts)
			if err != nil {
				st := StatusFailed
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					st = StatusCancelled
				}
				f.logger.Error("segment failed",
					slog.Int("index", seg.Index),
					slog.String("url", seg.URL),
					slog.String("status", st.String()),
					slog.String("error", err.Error()),
				)
				settle(seg.Index, SegmentState{Index: seg.Index, Status: st, Err: err})
				if opts.AllowPartial {
					return nil
				}
				return err
			}

			settle(seg.Index, SegmentState{
				Index: seg.Index, Status: StatusCompleted, Path: path, Bytes: n,
			})
			return nil
		})
	}

	groupErr := g.Wait()

	result := &Result{States: states}
	for i := range states {
		// Segments never started (strict-mode cancellation) were
		// abandoned, not failed.
		if states[i].Status == StatusPending {
			states[i] = SegmentState{Index: i, Status: StatusCancelled, Err: context.Canceled}
		}
		switch states[i].Status {
		case StatusCompleted:
			result.Completed++
		case StatusSkipped:
			result.Skipped++
		case StatusCancelled:
			result.Cancelled++
		default:
			result.Failed++
		}
	}

	f.logger.Info("fetch finished",
		slog.Int("completed", result.Completed),
		slog.Int("skipped", result.Skipped),
		slog.Int("failed", result.Failed),
		slog.Int("cancelled", result.Cancelled),
	)

	if groupErr != nil {
		return result, groupErr
	}
	if result.Cancelled > 0 {
		return result, context.Canceled
	}
	if result.Failed > 0 {
		return result, fmt.Errorf("%w: %d of %d failed", ErrSegmentsIncomplete, result.Failed, len(segments))
	}
	return result, nil
}

// fetchOne downloads, optionally decrypts, validates, and writes one
// segment. The write goes through a temp file so a crash never leaves a
// truncated segment that a resumed run would skip.
func (f *Fetcher) fetchOne(ctx context.Context, seg resolvedSegment, path string, opts Options) (int64, error) {
	data, err := f.download(ctx, seg, opts.Headers)
	if err != nil {
		return 0, err
	}

	if seg.Key != nil && opts.Decrypt {
		data, err = f.decryptSegment(ctx, seg, data, opts.Key)
		if err != nil {
			return 0, err
		}
	}

	if err := validate(seg.URL, data); err != nil {
		return 0, err
	}

	tmp := path + ".part"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return 0, fmt.Errorf("writing segment: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return 0, fmt.Errorf("placing segment: %w", err)
	}
	return int64(len(data)), nil
}

func (f *Fetcher) download(ctx context.Context, seg resolvedSegment, headers map[string]string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, seg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSegmentFetch, err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if seg.rangeHeader != "" {
		req.Header.Set("Range", seg.rangeHeader)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSegmentFetch, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return nil, fmt.Errorf("%w: status %d", ErrSegmentFetch, resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading body: %v", ErrSegmentFetch, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrSegmentInvalid)
	}
	return data, nil
}

func (f *Fetcher) decryptSegment(ctx context.Context, seg resolvedSegment, data, keyOverride []byte) ([]byte, error) {
	if seg.Key.Method != manifest.KeyMethodAES128 {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedKey, seg.Key.Method)
	}

	key := keyOverride
	if key == nil {
		if f.keys == nil {
			return nil, fmt.Errorf("%w: no key resolver configured", ErrUnsupportedKey)
		}
		var err error
		key, err = f.keys.Resolve(ctx, seg.Key.URI)
		if err != nil {
			return nil, err
		}
	}
	iv, err := decrypt.DeriveIV(seg.Key.IV, seg.Sequence)
	if err != nil {
		return nil, err
	}
	plaintext, err := decrypt.AES128CBC(data, key, iv)
	if err != nil {
		return nil, fmt.Errorf("segment %d: %w", seg.Index, err)
	}
	return plaintext, nil
}

// validate rejects payloads that cannot be what the playlist promised.
// Transport stream segments must begin with the 0x47 sync byte; other
// container formats pass through unchecked.
func validate(segURL string, data []byte) error {
	if !strings.HasSuffix(strings.ToLower(trimQuery(segURL)), ".ts") {
		return nil
	}
	if len(data) == 0 || data[0] != tsSyncByte {
		return fmt.Errorf("%w: missing transport stream sync byte", ErrSegmentInvalid)
	}
	return nil
}

// resumable reports whether an existing segment file can be trusted by
// a resumed run. Transport stream segments must still carry the sync
// byte; a leftover from an interrupted decrypt would fail here and be
// fetched again.
func resumable(segURL, path string) (int64, bool) {
	info, err := os.Stat(path)
	if err != nil || info.Size() == 0 {
		return 0, false
	}
	if !strings.HasSuffix(strings.ToLower(trimQuery(segURL)), ".ts") {
		return info.Size(), true
	}
	f, err := os.Open(path)
	if err != nil {
		return 0, false
	}
	defer f.Close()
	var b [1]byte
	if _, err := io.ReadFull(f, b[:]); err != nil || b[0] != tsSyncByte {
		return 0, false
	}
	return info.Size(), true
}

func trimQuery(u string) string {
	if i := strings.IndexByte(u, '?'); i >= 0 {
		return u[:i]
	}
	return u
}

// resolvedSegment is a manifest segment with its byte range collapsed
// to a concrete Range header.
type resolvedSegment struct {
	manifest.Segment
	rangeHeader string
}

// resolveByteRanges walks the plan once and turns EXT-X-BYTERANGE
// declarations into absolute ranges. A range without an explicit start
// continues where the previous range on the same URI ended.
func resolveByteRanges(segments []manifest.Segment) []resolvedSegment {
	out := make([]resolvedSegment, len(segments))
	nextOffset := make(map[string]uint64)

	for i, seg := range segments {
		out[i] = resolvedSegment{Segment: seg}
		if seg.ByteRangeLength == nil {
			continue
		}
		start := nextOffset[seg.URL]
		if seg.ByteRangeStart != nil {
			start = *seg.ByteRangeStart
		}
		length := *seg.ByteRangeLength
		out[i].rangeHeader = fmt.Sprintf("bytes=%d-%d", start, start+length-1)
		nextOffset[seg.URL] = start + length
	}
	return out
}
