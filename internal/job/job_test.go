package job

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/jmylchreest/hlsget/internal/decrypt"
	"github.com/jmylchreest/hlsget/internal/fetcher"
	"github.com/jmylchreest/hlsget/internal/keys"
	"github.com/jmylchreest/hlsget/internal/manifest"
	"github.com/jmylchreest/hlsget/internal/merger"
)

func TestSpecValidate(t *testing.T) {
	valid := Spec{Name: "movie", URL: "https://host/index.m3u8"}

	tests := []struct {
		name   string
		mutate func(*Spec)
		ok     bool
	}{
		{"valid", func(*Spec) {}, true},
		{"missing name", func(s *Spec) { s.Name = "" }, false},
		{"missing url", func(s *Spec) { s.URL = "" }, false},
		{"bad scheme", func(s *Spec) { s.URL = "ftp://host/x" }, false},
		{"negative threads", func(s *Spec) { s.SegmentThreads = -1 }, false},
		{"good key hex", func(s *Spec) { s.KeyHex = "0x000102030405060708090a0b0c0d0e0f" }, true},
		{"short key hex", func(s *Spec) { s.KeyHex = "0xabcd" }, false},
		{"zero retries", func(s *Spec) { n := 0; s.MaxRetries = &n }, true},
		{"negative retries", func(s *Spec) { n := -1; s.MaxRetries = &n }, false},
		{"good retry delay", func(s *Spec) { s.RetryBaseDelay = "500ms" }, true},
		{"bad retry delay", func(s *Spec) { s.RetryBaseDelay = "fast" }, false},
		{"zero retry delay", func(s *Spec) { s.RetryBaseDelay = "0s" }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := valid
			tt.mutate(&spec)
			err := spec.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidSpec)
			}
		})
	}
}

func TestSpecOutputFile(t *testing.T) {
	t.Run("derived from name", func(t *testing.T) {
		s := Spec{Name: "My Show (S01E01)"}
		assert.Equal(t, "/out/My_Show_S01E01.mp4", s.OutputFile("/out"))
	})

	t.Run("relative override", func(t *testing.T) {
		s := Spec{Name: "x", OutputPath: "sub/file.mkv"}
		assert.Equal(t, "/out/sub/file.mkv", s.OutputFile("/out"))
	})

	t.Run("absolute override", func(t *testing.T) {
		s := Spec{Name: "x", OutputPath: "/elsewhere/file.mp4"}
		assert.Equal(t, "/elsewhere/file.mp4", s.OutputFile("/out"))
	})
}

func TestRecordLifecycle(t *testing.T) {
	rec := NewRecord(Spec{Name: "x", URL: "https://h/i.m3u8"})

	assert.NotEmpty(t, rec.ID())
	assert.Equal(t, StatePending, rec.State())
	assert.False(t, rec.State().Terminal())
	assert.Zero(t, rec.Duration())

	rec.setState(StateResolving)
	rec.setProgress(3, 10)
	done, total := rec.Progress()
	assert.Equal(t, 3, done)
	assert.Equal(t, 10, total)

	rec.complete("/out/x.mp4")
	assert.Equal(t, StateCompleted, rec.State())
	assert.True(t, rec.State().Terminal())
	assert.Equal(t, "/out/x.mp4", rec.OutputPath())

	// Terminal states are sticky.
	rec.setState(StateFetching)
	assert.Equal(t, StateCompleted, rec.State())
}

func TestRecordFailClassifies(t *testing.T) {
	t.Run("failure", func(t *testing.T) {
		rec := NewRecord(Spec{})
		rec.fail(fmt.Errorf("wrapped: %w", manifest.ErrManifestFetch))
		assert.Equal(t, StateFailed, rec.State())
		assert.Equal(t, ErrorKindManifest, rec.ErrorKind())
		assert.Error(t, rec.Err())
	})

	t.Run("cancellation", func(t *testing.T) {
		rec := NewRecord(Spec{})
		rec.fail(context.Canceled)
		assert.Equal(t, StateCancelled, rec.State())
		assert.Equal(t, ErrorKindCancelled, rec.ErrorKind())
	})
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		err  error
		want ErrorKind
	}{
		{nil, ErrorKindNone},
		{context.Canceled, ErrorKindCancelled},
		{context.DeadlineExceeded, ErrorKindCancelled},
		{manifest.ErrManifestParse, ErrorKindManifest},
		{manifest.ErrNoVariants, ErrorKindManifest},
		{keys.ErrKeyFetch, ErrorKindKey},
		{keys.ErrKeyLength, ErrorKindKey},
		{fetcher.ErrSegmentFetch, ErrorKindSegment},
		{fetcher.ErrSegmentsIncomplete, ErrorKindSegment},
		{fetcher.ErrUnsupportedKey, ErrorKindDecrypt},
		{fmt.Errorf("segment 3: %w", decrypt.ErrBadPadding), ErrorKindDecrypt},
		{decrypt.ErrBadKey, ErrorKindDecrypt},
		{decrypt.ErrBadIV, ErrorKindDecrypt},
		{decrypt.ErrBadPayload, ErrorKindDecrypt},
		{merger.ErrMergeFailed, ErrorKindMerge},
		{merger.ErrFFmpegNotFound, ErrorKindMerge},
		{ErrWorkspaceSetup, ErrorKindWorkspace},
		{errors.New("mystery"), ErrorKindInternal},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, ClassifyError(tt.err), "error %v", tt.err)
	}
}
