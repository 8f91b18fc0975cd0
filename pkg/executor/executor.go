// Package executor runs an operation over a list of jobs with a pluggable
// parallelism strategy. Every job yields exactly one Result and results are
// returned in job order whatever order they finish in.
package executor

import (
	"context"
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/menta2k/detection-postprocess/pkg/log"
)

// Strategy schedules jobs. Execute calls emit once per job it finishes and
// returns after every started job is finished; emit is safe for concurrent use.
type Strategy interface {
	Name() string
	Execute(ctx context.Context, jobs []Job, op Operation, emit func(Result))
}

// Options configures an Executor
type Options struct {
	Strategy Strategy
	Logger   logrus.FieldLogger
	// Progress is called after each finished job with the running count.
	Progress func(done, total int)
}

// Executor maps an operation over jobs
type Executor struct {
	strategy Strategy
	logger   logrus.FieldLogger
	progress func(done, total int)
}

// New creates an executor; a nil strategy runs jobs sequentially
func New(opts Options) *Executor {
	e := &Executor{
		strategy: opts.Strategy,
		logger:   opts.Logger,
		progress: opts.Progress,
	}
	if e.strategy == nil {
		e.strategy = Sequential{}
	}
	if e.logger == nil {
		e.logger = log.Default()
	}
	return e
}

// Strategy returns the configured strategy
func (e *Executor) Strategy() Strategy { return e.strategy }

// Run applies op to every job. Job indexes are rewritten to their position in
// jobs. Jobs that never ran because ctx was cancelled come back as failed.
func (e *Executor) Run(ctx context.Context, jobs []Job, op Operation) []Result {
	indexed := make([]Job, len(jobs))
	for i, job := range jobs {
		job.Index = i
		indexed[i] = job
	}

	results := make([]Result, len(indexed))
	filled := make([]bool, len(indexed))
	done := 0
	var mu sync.Mutex

	emit := func(r Result) {
		mu.Lock()
		defer mu.Unlock()
		if r.Index < 0 || r.Index >= len(results) || filled[r.Index] {
			e.logger.WithFields(log.Fields{"index": r.Index, "file": r.File}).Error("Discarding unexpected result")
			return
		}
		results[r.Index] = r
		filled[r.Index] = true
		done++
		if e.progress != nil {
			e.progress(done, len(results))
		}
	}

	e.logger.WithFields(log.Fields{
		"operation": op.Name(),
		"strategy":  e.strategy.Name(),
		"jobs":      len(indexed),
	}).Info("Starting batch")

	e.strategy.Execute(ctx, indexed, op, emit)

	for i := range results {
		if filled[i] {
			continue
		}
		err := ctx.Err()
		if err == nil {
			err = fmt.Errorf("job produced no result")
		}
		results[i] = Fail(indexed[i], err)
	}
	return results
}

// apply runs one job with the skip short-circuit and panic recovery
func apply(ctx context.Context, op Operation, job Job) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			result = Fail(job, fmt.Errorf("panic: %v\n%s", r, debug.Stack()))
		}
	}()

	if job.Skip {
		return Skipped(job)
	}

	result = op.Apply(ctx, job)
	result.Index = job.Index
	result.File = job.File
	if result.Kind == "" {
		result = Fail(job, fmt.Errorf("operation %s returned no outcome", op.Name()))
	}
	return result
}

// Sequential runs jobs one at a time on the calling goroutine
type Sequential struct{}

func (Sequential) Name() string { return "sequential" }

func (Sequential) Execute(ctx context.Context, jobs []Job, op Operation, emit func(Result)) {
	for _, job := range jobs {
		if ctx.Err() != nil {
			return
		}
		emit(apply(ctx, op, job))
	}
}

// Threaded runs jobs on a bounded pool of goroutines
type Threaded struct {
	// Workers <= 0 uses one worker per CPU.
	Workers int
}

func (t Threaded) Name() string { return "thread" }

func (t Threaded) Execute(ctx context.Context, jobs []Job, op Operation, emit func(Result)) {
	var g errgroup.Group
	g.SetLimit(workerCount(t.Workers))
	for _, job := range jobs {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			emit(apply(ctx, op, job))
			return nil
		})
	}
	_ = g.Wait()
}

func workerCount(n int) int {
	if n <= 0 {
		return runtime.NumCPU()
	}
	return n
}

// NewStrategy resolves a strategy by name: "sequential", "thread" or "process"
func NewStrategy(name string, workers int, logger logrus.FieldLogger) (Strategy, error) {
	switch name {
	case "", "sequential":
		return Sequential{}, nil
	case "thread", "threads":
		return Threaded{Workers: workers}, nil
	case "process", "processes":
		return &Process{Workers: workers, Logger: logger}, nil
	default:
		return nil, fmt.Errorf("unknown parallelism strategy %q", name)
	}
}
