// Package job defines download jobs and the runner that drives one job
// from manifest resolution through merge.
package job

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/jmylchreest/hlsget/internal/decrypt"
	"github.com/jmylchreest/hlsget/internal/fetcher"
	"github.com/jmylchreest/hlsget/internal/keys"
	"github.com/jmylchreest/hlsget/internal/manifest"
	"github.com/jmylchreest/hlsget/internal/merger"
	"github.com/jmylchreest/hlsget/internal/workspace"
)

var (
	ErrInvalidSpec    = errors.New("invalid job spec")
	ErrWorkspaceSetup = errors.New("workspace setup failed")
)

// State is the lifecycle state of a job.
type State string

const (
	StatePending   State = "pending"
	StateResolving State = "resolving"
	StateFetching  State = "fetching"
	StateMerging   State = "merging"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether the state is final.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// ErrorKind classifies a job failure by the stage and cause.
type ErrorKind string

const (
	ErrorKindNone      ErrorKind = ""
	ErrorKindManifest  ErrorKind = "manifest"
	ErrorKindKey       ErrorKind = "key"
	ErrorKindSegment   ErrorKind = "segment"
	ErrorKindDecrypt   ErrorKind = "decrypt"
	ErrorKindMerge     ErrorKind = "merge"
	ErrorKindWorkspace ErrorKind = "workspace"
	ErrorKindCancelled ErrorKind = "cancelled"
	ErrorKindInternal  ErrorKind = "internal"
)

// ClassifyError maps an error onto its ErrorKind.
func ClassifyError(err error) ErrorKind {
	switch {
	case err == nil:
		return ErrorKindNone
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		return ErrorKindCancelled
	case errors.Is(err, manifest.ErrManifestFetch),
		errors.Is(err, manifest.ErrManifestParse),
		errors.Is(err, manifest.ErrNoVariants),
		errors.Is(err, manifest.ErrNoSegments),
		errors.Is(err, manifest.ErrNestedVariants):
		return ErrorKindManifest
	case errors.Is(err, keys.ErrKeyFetch), errors.Is(err, keys.ErrKeyLength):
		return ErrorKindKey
	case errors.Is(err, fetcher.ErrUnsupportedKey),
		errors.Is(err, decrypt.ErrBadKey),
		errors.Is(err, decrypt.ErrBadIV),
		errors.Is(err, decrypt.ErrBadPayload),
		errors.Is(err, decrypt.ErrBadPadding):
		return ErrorKindDecrypt
	case errors.Is(err, fetcher.ErrSegmentFetch),
		errors.Is(err, fetcher.ErrSegmentInvalid),
		errors.Is(err, fetcher.ErrSegmentsIncomplete):
		return ErrorKindSegment
	case errors.Is(err, merger.ErrNoSegments),
		errors.Is(err, merger.ErrMergeFailed),
		errors.Is(err, merger.ErrEmptyOutput),
		errors.Is(err, merger.ErrFFmpegNotFound):
		return ErrorKindMerge
	case errors.Is(err, workspace.ErrReleased), errors.Is(err, ErrWorkspaceSetup):
		return ErrorKindWorkspace
	default:
		return ErrorKindInternal
	}
}

// Spec describes one download job. Zero-valued optional fields fall
// back to the runner's configuration.
type Spec struct {
	// Name identifies the job in logs and seeds the output file name.
	Name string `json:"name"`
	// URL is the playlist URL, media or multivariant.
	URL string `json:"url"`
	// OutputPath overrides the derived output location. Relative paths
	// are resolved against the configured output dir.
	OutputPath string `json:"output_path,omitempty"`
	// Headers are extra request headers for this job's fetches.
	Headers map[string]string `json:"headers,omitempty"`
	// KeyHex overrides key fetching with a fixed 32-digit hex key.
	KeyHex string `json:"key_hex,omitempty"`
	// SegmentThreads overrides the configured per-job concurrency.
	SegmentThreads int `json:"segment_threads,omitempty"`
	// MaxRetries overrides the configured per-segment retry budget.
	MaxRetries *int `json:"max_retries,omitempty"`
	// RetryBaseDelay overrides the configured backoff base delay,
	// as a duration string such as "500ms" or "2s".
	RetryBaseDelay string `json:"retry_base_delay,omitempty"`
	// Decrypt overrides the configured decryption toggle.
	Decrypt *bool `json:"decrypt,omitempty"`
	// AllowPartial permits merging despite failed segments.
	AllowPartial bool `json:"allow_partial,omitempty"`
	// Resume skips segments already present in a reused workspace.
	Resume bool `json:"resume,omitempty"`
}

// Validate checks the spec for structural problems.
func (s *Spec) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidSpec)
	}
	if s.URL == "" {
		return fmt.Errorf("%w: url is required", ErrInvalidSpec)
	}
	if !strings.HasPrefix(s.URL, "http://") && !strings.HasPrefix(s.URL, "https://") {
		return fmt.Errorf("%w: url must be http or https", ErrInvalidSpec)
	}
	if s.SegmentThreads < 0 {
		return fmt.Errorf("%w: segment_threads must not be negative", ErrInvalidSpec)
	}
	if s.KeyHex != "" && len(strings.TrimPrefix(s.KeyHex, "0x")) != 2*keys.KeySize {
		return fmt.Errorf("%w: key_hex must be %d hex digits", ErrInvalidSpec, 2*keys.KeySize)
	}
	if s.MaxRetries != nil && *s.MaxRetries < 0 {
		return fmt.Errorf("%w: max_retries must not be negative", ErrInvalidSpec)
	}
	if d, ok, err := s.retryBaseDelay(); err != nil {
		return fmt.Errorf("%w: retry_base_delay: %v", ErrInvalidSpec, err)
	} else if ok && d <= 0 {
		return fmt.Errorf("%w: retry_base_delay must be positive", ErrInvalidSpec)
	}
	return nil
}

// keyBytes decodes the optional KeyHex override. Nil when unset.
func (s *Spec) keyBytes() ([]byte, error) {
	if s.KeyHex == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(strings.TrimPrefix(s.KeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: key_hex: %v", ErrInvalidSpec, err)
	}
	return key, nil
}

// retryBaseDelay parses the optional backoff override.
func (s *Spec) retryBaseDelay() (time.Duration, bool, error) {
	if s.RetryBaseDelay == "" {
		return 0, false, nil
	}
	d, err := time.ParseDuration(s.RetryBaseDelay)
	if err != nil {
		return 0, false, err
	}
	return d, true, nil
}

// OutputFile resolves the final output path against outputDir.
func (s Spec) OutputFile(outputDir string) string {
	out := s.OutputPath
	if out == "" {
		out = workspace.SanitizeName(s.Name) + ".mp4"
	}
	if !filepath.IsAbs(out) {
		out = filepath.Join(outputDir, out)
	}
	return out
}

// Record is the observable state of a job. All fields are guarded by
// the embedded mutex; use the accessor methods from other goroutines.
type Record struct {
	mu sync.RWMutex

	id        string
	spec      Spec
	state     State
	err       error
	errorKind ErrorKind

	createdAt  time.Time
	startedAt  time.Time
	finishedAt time.Time

	segmentsTotal  int
	segmentsDone   int
	segmentsFailed int
	outputPath     string
}

// NewRecord creates a pending record with a fresh ULID.
func NewRecord(spec Spec) *Record {
	return &Record{
		id:        ulid.Make().String(),
		spec:      spec,
		state:     StatePending,
		createdAt: time.Now(),
	}
}

func (r *Record) ID() string { return r.id }
func (r *Record) Spec() Spec { return r.spec }

// State returns the current lifecycle state.
func (r *Record) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// Err returns the failure error, nil unless the job failed.
func (r *Record) Err() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.err
}

// ErrorKind returns the failure classification.
func (r *Record) ErrorKind() ErrorKind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.errorKind
}

// OutputPath returns the final output location once the job completed.
func (r *Record) OutputPath() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.outputPath
}

// Progress returns settled and total segment counts.
func (r *Record) Progress() (done, total int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.segmentsDone, r.segmentsTotal
}

// SegmentsFailed returns how many segments permanently failed.
func (r *Record) SegmentsFailed() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.segmentsFailed
}

// Duration returns how long the job ran. Zero before it starts.
func (r *Record) Duration() time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.startedAt.IsZero() {
		return 0
	}
	end := r.finishedAt
	if end.IsZero() {
		end = time.Now()
	}
	return end.Sub(r.startedAt)
}

func (r *Record) setState(s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.Terminal() {
		return
	}
	r.state = s
	if s == StateResolving && r.startedAt.IsZero() {
		r.startedAt = time.Now()
	}
	if s.Terminal() {
		r.finishedAt = time.Now()
	}
}

func (r *Record) setProgress(done, total int) {
	r.mu.Lock()
	r.segmentsDone = done
	r.segmentsTotal = total
	r.mu.Unlock()
}

func (r *Record) setSegmentsFailed(n int) {
	r.mu.Lock()
	r.segmentsFailed = n
	r.mu.Unlock()
}

// Fail marks the record terminal with err. Used by the scheduler when
// a job cannot run at all; no-op once the record is terminal.
func (r *Record) Fail(err error) {
	if r.State().Terminal() {
		return
	}
	r.fail(err)
}

func (r *Record) fail(err error) {
	kind := ClassifyError(err)
	r.mu.Lock()
	r.err = err
	r.errorKind = kind
	r.mu.Unlock()
	if kind == ErrorKindCancelled {
		r.setState(StateCancelled)
	} else {
		r.setState(StateFailed)
	}
}

func (r *Record) complete(outputPath string) {
	r.mu.Lock()
	r.outputPath = outputPath
	r.mu.Unlock()
	r.setState(StateCompleted)
}
