// Package taskfile loads batches of download jobs from a JSON file, so
// many streams can be queued with one invocation.
package taskfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/jmylchreest/hlsget/internal/job"
)

var (
	ErrEmptyTaskFile = errors.New("task file contains no tasks")
	ErrDuplicateName = errors.New("duplicate task name")
)

// File is the on-disk shape of a task file. Defaults apply to every
// task unless the task sets its own value.
type File struct {
	Defaults Defaults   `json:"defaults"`
	Tasks    []job.Spec `json:"tasks"`
}

// Defaults are file-wide fallbacks for per-task fields.
type Defaults struct {
	Headers        map[string]string `json:"headers,omitempty"`
	SegmentThreads int               `json:"segment_threads,omitempty"`
	AllowPartial   bool              `json:"allow_partial,omitempty"`
	Resume         bool              `json:"resume,omitempty"`
}

// Load reads and validates a task file. Every returned spec has the
// file defaults folded in and has passed job.Spec validation.
func Load(path string) ([]job.Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading task file: %w", err)
	}
	return Parse(data)
}

// Parse decodes task file bytes.
func Parse(data []byte) ([]job.Spec, error) {
	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing task file: %w", err)
	}
	if len(f.Tasks) == 0 {
		return nil, ErrEmptyTaskFile
	}

	seen := make(map[string]bool, len(f.Tasks))
	specs := make([]job.Spec, 0, len(f.Tasks))
	for i := range f.Tasks {
		spec := applyDefaults(f.Tasks[i], f.Defaults)
		if err := spec.Validate(); err != nil {
			return nil, fmt.Errorf("task %d (%q): %w", i, spec.Name, err)
		}
		if seen[spec.Name] {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateName, spec.Name)
		}
		seen[spec.Name] = true
		specs = append(specs, spec)
	}
	return specs, nil
}

func applyDefaults(spec job.Spec, d Defaults) job.Spec {
	if spec.SegmentThreads == 0 {
		spec.SegmentThreads = d.SegmentThreads
	}
	if !spec.AllowPartial {
		spec.AllowPartial = d.AllowPartial
	}
	if !spec.Resume {
		spec.Resume = d.Resume
	}
	if len(d.Headers) > 0 {
		merged := make(map[string]string, len(d.Headers)+len(spec.Headers))
		for k, v := range d.Headers {
			merged[k] = v
		}
		for k, v := range spec.Headers {
			merged[k] = v
		}
		spec.Headers = merged
	}
	return spec
}
