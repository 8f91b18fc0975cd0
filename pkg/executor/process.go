package executor

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/menta2k/detection-postprocess/pkg/log"
)

// WorkerEnv is set in the environment of spawned worker processes
const WorkerEnv = "MDPP_WORKER"

const stopTimeout = 5 * time.Second

// Process runs jobs in a pool of worker subprocesses. Each worker is the
// current executable started with Args (default "worker"), which must call
// ServeWorker. A worker that dies fails its in-flight job and is respawned
// for the next one.
type Process struct {
	// Workers <= 0 uses one worker per CPU.
	Workers int
	// Command defaults to the running executable.
	Command string
	Args    []string
	// Env is appended to the parent environment.
	Env    []string
	Logger logrus.FieldLogger
}

func (p *Process) Name() string { return "process" }

func (p *Process) Execute(ctx context.Context, jobs []Job, op Operation, emit func(Result)) {
	logger := p.Logger
	if logger == nil {
		logger = log.Default()
	}

	spec, err := op.Spec()
	if err != nil {
		for _, job := range jobs {
			emit(Fail(job, fmt.Errorf("operation %s cannot run in a worker process: %w", op.Name(), err)))
		}
		return
	}

	command := p.Command
	if command == "" {
		command, err = os.Executable()
		if err != nil {
			for _, job := range jobs {
				emit(Fail(job, fmt.Errorf("failed to resolve executable: %w", err)))
			}
			return
		}
	}
	args := p.Args
	if args == nil {
		args = []string{"worker"}
	}

	queue := make(chan Job)
	workers := workerCount(p.Workers)
	if workers > len(jobs) {
		workers = len(jobs)
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		w := &workerClient{
			id:      i,
			command: command,
			args:    args,
			env:     append([]string{WorkerEnv + "=1"}, p.Env...),
			spec:    spec,
			logger:  logger.WithField("worker_id", i),
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer w.stop(stopTimeout)
			for job := range queue {
				if ctx.Err() != nil {
					continue
				}
				emit(w.run(ctx, job))
			}
		}()
	}

	for _, job := range jobs {
		if ctx.Err() != nil {
			break
		}
		if job.Skip {
			emit(Skipped(job))
			continue
		}
		queue <- job
	}
	close(queue)
	wg.Wait()
}

// workerClient owns at most one live worker process at a time
type workerClient struct {
	id      int
	command string
	args    []string
	env     []string
	spec    OperationSpec
	logger  logrus.FieldLogger

	// fatal is set when the worker rejects the operation; no respawn helps then.
	fatal error
	proc  *workerProc
}

type workerProc struct {
	cmd        *exec.Cmd
	stdin      io.WriteCloser
	stdout     *bufio.Reader
	stderrDone chan struct{}
}

func (w *workerClient) run(ctx context.Context, job Job) Result {
	if w.fatal != nil {
		return Fail(job, w.fatal)
	}
	if w.proc == nil {
		if err := w.spawn(ctx); err != nil {
			return Fail(job, err)
		}
	}

	if err := writeFrame(w.proc.stdin, request{Job: &job}); err != nil {
		w.crashed(job, err)
		return Fail(job, fmt.Errorf("worker %d: %w", w.id, err))
	}

	var resp response
	if err := readFrame(w.proc.stdout, &resp); err != nil {
		if err == io.EOF {
			err = fmt.Errorf("worker process exited")
		}
		w.crashed(job, err)
		return Fail(job, fmt.Errorf("worker %d: %w", w.id, err))
	}
	if resp.Result == nil {
		return Fail(job, fmt.Errorf("worker %d: empty response: %s", w.id, resp.Error))
	}

	result := *resp.Result
	result.Index = job.Index
	result.File = job.File
	return result
}

func (w *workerClient) spawn(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, w.command, w.args...)
	cmd.Env = append(os.Environ(), w.env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start worker process: %w", err)
	}

	proc := &workerProc{
		cmd:        cmd,
		stdin:      stdin,
		stdout:     bufio.NewReader(stdout),
		stderrDone: make(chan struct{}),
	}
	go w.logStderr(stderr, proc.stderrDone)
	w.proc = proc

	w.logger.WithField("pid", cmd.Process.Pid).Debug("Worker process spawned")

	if err := writeFrame(proc.stdin, request{Spec: &w.spec}); err != nil {
		w.stop(0)
		return fmt.Errorf("failed to send operation to worker: %w", err)
	}
	var resp response
	if err := readFrame(proc.stdout, &resp); err != nil {
		w.stop(0)
		return fmt.Errorf("worker did not acknowledge operation: %w", err)
	}
	if !resp.Ready {
		w.stop(0)
		w.fatal = fmt.Errorf("worker rejected operation %s: %s", w.spec.Name, resp.Error)
		return w.fatal
	}
	return nil
}

func (w *workerClient) crashed(job Job, err error) {
	w.logger.WithFields(log.Fields{"file": job.File, "error": err}).Warn("Worker process lost, respawning for next job")
	w.stop(0)
}

// stop closes stdin so the worker exits on EOF, killing it after timeout
func (w *workerClient) stop(timeout time.Duration) {
	proc := w.proc
	if proc == nil {
		return
	}
	w.proc = nil

	_ = proc.stdin.Close()
	waitErr := make(chan error, 1)
	go func() {
		<-proc.stderrDone
		waitErr <- proc.cmd.Wait()
	}()

	var timer <-chan time.Time
	if timeout > 0 {
		timer = time.After(timeout)
	} else {
		_ = proc.cmd.Process.Kill()
	}

	select {
	case err := <-waitErr:
		if err != nil && timeout > 0 {
			w.logger.WithField("error", err).Warn("Worker process exited with error")
		}
	case <-timer:
		w.logger.Warn("Worker stop timeout, force killing process")
		_ = proc.cmd.Process.Kill()
		<-waitErr
	}
}

func (w *workerClient) logStderr(r io.Reader, done chan struct{}) {
	defer close(done)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.Contains(line, "ERRO") || strings.Contains(line, "PANI") {
			w.logger.WithField("log", line).Error("Worker process error")
		} else if strings.Contains(line, "WARN") {
			w.logger.WithField("log", line).Warn("Worker process warning")
		} else {
			w.logger.WithField("log", line).Debug("Worker process log")
		}
	}
}
