// Package merger joins downloaded segments into a single output file.
// The primary implementation shells out to ffmpeg via its concat
// demuxer; a plain byte-concatenation fallback covers environments
// without ffmpeg.
package merger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jmylchreest/hlsget/internal/observability"
)

var (
	ErrNoSegments     = errors.New("nothing to merge")
	ErrMergeFailed    = errors.New("merge failed")
	ErrEmptyOutput    = errors.New("merge produced an empty output file")
	ErrFFmpegNotFound = errors.New("ffmpeg binary not found")
)

// Merger joins ordered segment files into one output file.
type Merger interface {
	// Merge writes the joined segments to outputPath. paths must be in
	// playlist order. The output is written atomically; a failed merge
	// leaves no file at outputPath.
	Merge(ctx context.Context, paths []string, outputPath string) error
}

// FFmpegMerger merges via the ffmpeg concat demuxer with stream copy,
// so no re-encoding takes place.
type FFmpegMerger struct {
	binary  string
	timeout time.Duration
	logger  *slog.Logger
}

// NewFFmpeg creates an FFmpegMerger. binaryPath may be empty to search
// PATH. The returned error is ErrFFmpegNotFound when no usable binary
// exists.
func NewFFmpeg(binaryPath string, timeout time.Duration, logger *slog.Logger) (*FFmpegMerger, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if binaryPath == "" {
		binaryPath = "ffmpeg"
	}
	resolved, err := exec.LookPath(binaryPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrFFmpegNotFound, binaryPath)
	}
	return &FFmpegMerger{
		binary:  resolved,
		timeout: timeout,
		logger:  observability.WithComponent(logger, "merger"),
	}, nil
}

// Merge runs ffmpeg over a generated concat file list. The adts-to-asc
// bitstream filter is applied so AAC audio from transport streams stays
// valid in an MP4 container.
func (m *FFmpegMerger) Merge(ctx context.Context, paths []string, outputPath string) error {
	if len(paths) == 0 {
		return ErrNoSegments
	}

	listPath, err := writeFileList(paths, filepath.Dir(paths[0]))
	if err != nil {
		return err
	}
	defer os.Remove(listPath)

	if m.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}

	tmp, err := tempOutput(outputPath)
	if err != nil {
		return err
	}
	defer os.Remove(tmp)

	format := outputFormat(outputPath)
	args := []string{
		"-hide_banner",
		"-loglevel", "error",
		"-f", "concat",
		"-safe", "0",
		"-i", listPath,
		"-c", "copy",
	}
	if format != "mpegts" {
		// AAC in transport streams is ADTS-framed; MP4 and Matroska
		// need the raw form.
		args = append(args, "-bsf:a", "aac_adtstoasc")
	}
	args = append(args, "-y", "-f", format, tmp)

	done := observability.TimedOperation(ctx, m.logger, "ffmpeg_merge")
	defer done()

	cmd := exec.CommandContext(ctx, m.binary, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %v", ErrMergeFailed, ctx.Err())
		}
		return fmt.Errorf("%w: %v: %s", ErrMergeFailed, err, truncate(string(output), 512))
	}

	return placeOutput(tmp, outputPath)
}

// ConcatMerger appends segment bytes in order. It produces a valid
// MPEG-TS file from TS segments but cannot remux into MP4; it exists as
// the fallback when ffmpeg is unavailable.
type ConcatMerger struct {
	logger *slog.Logger
}

// NewConcat creates a ConcatMerger.
func NewConcat(logger *slog.Logger) *ConcatMerger {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConcatMerger{logger: observability.WithComponent(logger, "merger")}
}

func (m *ConcatMerger) Merge(ctx context.Context, paths []string, outputPath string) error {
	if len(paths) == 0 {
		return ErrNoSegments
	}

	tmp, err := tempOutput(outputPath)
	if err != nil {
		return err
	}
	defer os.Remove(tmp)

	out, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMergeFailed, err)
	}

	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			out.Close()
			return fmt.Errorf("%w: %v", ErrMergeFailed, err)
		}
		if err := appendFile(out, p); err != nil {
			out.Close()
			return fmt.Errorf("%w: %v", ErrMergeFailed, err)
		}
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("%w: %v", ErrMergeFailed, err)
	}

	return placeOutput(tmp, outputPath)
}

func appendFile(dst io.Writer, path string) error {
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()
	_, err = io.Copy(dst, src)
	return err
}

// writeFileList emits a concat-demuxer file list next to the segments.
// Single quotes in paths are escaped per ffmpeg's quoting rules.
func writeFileList(paths []string, dir string) (string, error) {
	var b strings.Builder
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrMergeFailed, err)
		}
		fmt.Fprintf(&b, "file '%s'\n", strings.ReplaceAll(abs, "'", `'\''`))
	}

	listPath := filepath.Join(dir, "filelist.txt")
	if err := os.WriteFile(listPath, []byte(b.String()), 0o644); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMergeFailed, err)
	}
	return listPath, nil
}

// tempOutput picks a unique temp path next to the final output so
// concurrent merges targeting sibling files never share a temp file.
func tempOutput(outputPath string) (string, error) {
	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMergeFailed, err)
	}
	return fmt.Sprintf("%s.tmp-%s", outputPath, uuid.NewString()[:8]), nil
}

// placeOutput validates the temp file and moves it into place.
func placeOutput(tmp, outputPath string) error {
	info, err := os.Stat(tmp)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMergeFailed, err)
	}
	if info.Size() == 0 {
		return ErrEmptyOutput
	}
	if err := os.Rename(tmp, outputPath); err != nil {
		return fmt.Errorf("%w: %v", ErrMergeFailed, err)
	}
	return nil
}

// outputFormat maps the output extension onto an ffmpeg muxer name.
// The explicit -f keeps ffmpeg from guessing while writing to the .tmp
// suffix.
func outputFormat(outputPath string) string {
	switch strings.ToLower(filepath.Ext(outputPath)) {
	case ".ts":
		return "mpegts"
	case ".mkv":
		return "matroska"
	default:
		return "mp4"
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
