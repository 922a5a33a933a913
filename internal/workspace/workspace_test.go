package workspace

import (
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCreatesUniqueDirs(t *testing.T) {
	base := t.TempDir()

	w1, err := New(base, "movie")
	require.NoError(t, err)
	w2, err := New(base, "movie")
	require.NoError(t, err)

	assert.NotEqual(t, w1.Dir(), w2.Dir(), "same job name must not collide")
	assert.DirExists(t, w1.Dir())
	assert.DirExists(t, w2.Dir())

	assert.Regexp(t, regexp.MustCompile(`^movie_[0-9a-f-]{8}$`), filepath.Base(w1.Dir()))
}

func TestResumeReattachesToSameDir(t *testing.T) {
	base := t.TempDir()

	w1, err := Resume(base, "movie")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(w1.SegmentPath(0), []byte{0x47}, 0o644))

	// A second open of the same job sees the earlier segments.
	w2, err := Resume(base, "movie")
	require.NoError(t, err)
	assert.Equal(t, w1.Dir(), w2.Dir())
	assert.FileExists(t, w2.SegmentPath(0))

	assert.Equal(t, "movie_resume", filepath.Base(w2.Dir()))
}

func TestSegmentPathOrdering(t *testing.T) {
	base := t.TempDir()
	w, err := New(base, "x")
	require.NoError(t, err)

	p0 := w.SegmentPath(0)
	p9 := w.SegmentPath(9)
	p10 := w.SegmentPath(10)

	assert.Equal(t, "seg_00000.ts", filepath.Base(p0))
	assert.Equal(t, "seg_00010.ts", filepath.Base(p10))
	assert.Less(t, filepath.Base(p9), filepath.Base(p10), "lexical order must match numeric order")
}

func TestWriteFile(t *testing.T) {
	w, err := New(t.TempDir(), "x")
	require.NoError(t, err)

	require.NoError(t, w.WriteFile("filelist.txt", []byte("data")))
	assert.FileExists(t, filepath.Join(w.Dir(), "filelist.txt"))

	require.NoError(t, w.Release())
	assert.ErrorIs(t, w.WriteFile("late.txt", nil), ErrReleased)
}

func TestReleaseRemovesDirAndIsIdempotent(t *testing.T) {
	w, err := New(t.TempDir(), "x")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(w.SegmentPath(0), []byte("ts"), 0o644))

	require.NoError(t, w.Release())
	assert.NoDirExists(t, w.Dir())
	assert.True(t, w.Released())

	// Second release is a no-op.
	require.NoError(t, w.Release())
}

func TestReleaseConcurrent(t *testing.T) {
	w, err := New(t.TempDir(), "x")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = w.Release()
		}()
	}
	wg.Wait()
	assert.NoDirExists(t, w.Dir())
}

func TestSanitizeName(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"movie", "movie"},
		{"My Movie (2024)", "My_Movie_2024"},
		{"a/b\\c:d", "a_b_c_d"},
		{"...", "job"},
		{"", "job"},
		{"ep.01-final", "ep.01-final"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SanitizeName(tt.in), "input %q", tt.in)
	}
}

func TestCleanupOrphans(t *testing.T) {
	base := t.TempDir()

	old := filepath.Join(base, "dead_abcd1234")
	require.NoError(t, os.Mkdir(old, 0o755))
	past := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(old, past, past))

	fresh := filepath.Join(base, "alive_ef567890")
	require.NoError(t, os.Mkdir(fresh, 0o755))

	// A stray file is left alone.
	require.NoError(t, os.WriteFile(filepath.Join(base, "notes.txt"), nil, 0o644))

	removed, err := CleanupOrphans(base, time.Hour, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.NoDirExists(t, old)
	assert.DirExists(t, fresh)
	assert.FileExists(t, filepath.Join(base, "notes.txt"))
}

func TestCleanupOrphansMissingBase(t *testing.T) {
	removed, err := CleanupOrphans(filepath.Join(t.TempDir(), "nope"), time.Hour, nil)
	require.NoError(t, err)
	assert.Zero(t, removed)
}
