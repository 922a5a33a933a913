// Package workspace manages exclusive per-job scratch directories.
// Every job gets its own directory under the configured work dir; a
// random suffix keeps two jobs with the same name from colliding.
package workspace

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrReleased is returned when a workspace is used after Release.
var ErrReleased = errors.New("workspace already released")

// unsafeChars matches everything that is not filesystem-friendly in a
// directory name.
var unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

const (
	maxNameLen   = 80
	suffixHexLen = 8
)

// Workspace is an exclusive scratch directory for one job. It owns the
// directory for its lifetime; Release removes it and everything in it.
type Workspace struct {
	dir string

	mu       sync.Mutex
	once     sync.Once
	released bool
}

// New creates a fresh workspace under baseDir. The directory name is
// the sanitized job name plus a short random suffix.
func New(baseDir, jobName string) (*Workspace, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating work dir: %w", err)
	}

	name := fmt.Sprintf("%s_%s", SanitizeName(jobName), uuid.New().String()[:suffixHexLen])
	dir := filepath.Join(baseDir, name)
	if err := os.Mkdir(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating workspace: %w", err)
	}

	return &Workspace{dir: dir}, nil
}

// Resume opens the stable workspace for jobName, creating it on first
// use. The directory name carries no random suffix, so a rerun of the
// same job finds the segments an earlier interrupted run left behind.
func Resume(baseDir, jobName string) (*Workspace, error) {
	dir := filepath.Join(baseDir, SanitizeName(jobName)+"_resume")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating workspace: %w", err)
	}
	return &Workspace{dir: dir}, nil
}

// Dir returns the absolute-or-relative workspace directory path.
func (w *Workspace) Dir() string {
	return w.dir
}

// SegmentPath returns the canonical path for the segment at the given
// playlist index. Zero-padded names keep lexical and numeric order
// identical, which the merge file list relies on.
func (w *Workspace) SegmentPath(index int) string {
	return filepath.Join(w.dir, fmt.Sprintf("seg_%05d.ts", index))
}

// FileListPath returns the path of the merge file list inside the
// workspace.
func (w *Workspace) FileListPath() string {
	return filepath.Join(w.dir, "filelist.txt")
}

// WriteFile writes a file inside the workspace. Returns ErrReleased
// after Release.
func (w *Workspace) WriteFile(name string, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.released {
		return ErrReleased
	}
	return os.WriteFile(filepath.Join(w.dir, name), data, 0o644)
}

// Released reports whether Release has run.
func (w *Workspace) Released() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.released
}

// Release removes the workspace directory and all its contents. It is
// idempotent and safe to call from multiple goroutines; only the first
// call does the removal.
func (w *Workspace) Release() error {
	var err error
	w.once.Do(func() {
		w.mu.Lock()
		w.released = true
		w.mu.Unlock()
		err = os.RemoveAll(w.dir)
	})
	return err
}

// SanitizeName maps an arbitrary job name onto a safe directory name
// component. Unsafe runs collapse to a single underscore and overlong
// names are truncated.
func SanitizeName(name string) string {
	s := unsafeChars.ReplaceAllString(name, "_")
	s = strings.Trim(s, "._")
	if s == "" {
		s = "job"
	}
	if len(s) > maxNameLen {
		s = s[:maxNameLen]
	}
	return s
}

// CleanupOrphans removes workspace directories under baseDir older
// than maxAge. Jobs that crashed or were killed leave their directories
// behind; this runs at startup before any new job is admitted. Returns
// the number of directories removed.
func CleanupOrphans(baseDir string, maxAge time.Duration, logger *slog.Logger) (int, error) {
	if logger == nil {
		logger = slog.Default()
	}

	entries, err := os.ReadDir(baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("reading work dir: %w", err)
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(baseDir, entry.Name())
		if err := os.RemoveAll(path); err != nil {
			logger.Warn("orphan cleanup failed",
				slog.String("path", path),
				slog.String("error", err.Error()),
			)
			continue
		}
		logger.Info("removed orphaned workspace", slog.String("path", path))
		removed++
	}
	return removed, nil
}
