package executor

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/menta2k/detection-postprocess/pkg/cropid"
	"github.com/menta2k/detection-postprocess/pkg/types"
)

// Kind classifies the outcome of one job
type Kind string

const (
	KindOK            Kind = "ok"
	KindSkipped       Kind = "skipped"
	KindMissingSource Kind = "missing_source"
	KindFailed        Kind = "failed"
)

// Job is the immutable descriptor of one unit of work: one source image with
// everything needed to render it or cut all of its crops
type Job struct {
	Index      int               `json:"index"`
	File       string            `json:"file"`
	Failure    *string           `json:"failure,omitempty"`
	Detections []types.Detection `json:"detections,omitempty"`
	Crops      []cropid.CropJob  `json:"crops,omitempty"`
	Skip       bool              `json:"skip,omitempty"`
}

// Failed reports whether the detector failed on the job's image
func (j Job) Failed() bool { return j.Failure != nil }

// NewJob builds a job from a selected record. Detections are deep copied.
func NewJob(rec *types.DetectionRecord, skip bool) Job {
	job := Job{File: rec.File, Skip: skip}
	if reason, failed := rec.Failure(); failed {
		job.Failure = &reason
		return job
	}
	for _, d := range rec.Detections() {
		job.Detections = append(job.Detections, d.Clone())
	}
	return job
}

// Result is the outcome of one job. Index matches the job's Index.
type Result struct {
	Index     int      `json:"index"`
	File      string   `json:"file"`
	Kind      Kind     `json:"kind"`
	Artifacts []string `json:"artifacts,omitempty"`
	Error     string   `json:"error,omitempty"`
}

// OK builds a successful result
func OK(job Job, artifacts ...string) Result {
	return Result{Index: job.Index, File: job.File, Kind: KindOK, Artifacts: artifacts}
}

// Fail builds a failed result
func Fail(job Job, err error) Result {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return Result{Index: job.Index, File: job.File, Kind: KindFailed, Error: msg}
}

// Missing builds a missing_source result
func Missing(job Job, path string) Result {
	return Result{Index: job.Index, File: job.File, Kind: KindMissingSource, Error: fmt.Sprintf("source image not found: %s", path)}
}

// Skipped builds a skipped result
func Skipped(job Job) Result {
	return Result{Index: job.Index, File: job.File, Kind: KindSkipped}
}

// OperationSpec is enough to rebuild an operation in another process
type OperationSpec struct {
	Name   string `json:"name"`
	Config []byte `json:"config,omitempty"`
}

// Operation applies per-image work. Apply must not panic across jobs or
// share mutable state between them; failures are reported in the Result.
type Operation interface {
	Name() string
	Spec() (OperationSpec, error)
	Apply(ctx context.Context, job Job) Result
}

// Factory rebuilds an operation from its serialized config
type Factory func(config []byte) (Operation, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register makes an operation constructible by name in worker processes
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if factory == nil {
		panic("executor: Register factory is nil for " + name)
	}
	registry[name] = factory
}

// Registered lists the registered operation names
func Registered() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Build constructs a registered operation from its spec
func Build(spec OperationSpec) (Operation, error) {
	registryMu.RLock()
	factory, ok := registry[spec.Name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown operation %q", spec.Name)
	}
	op, err := factory(spec.Config)
	if err != nil {
		return nil, fmt.Errorf("failed to build operation %q: %w", spec.Name, err)
	}
	return op, nil
}
