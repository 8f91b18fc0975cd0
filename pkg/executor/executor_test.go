package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/menta2k/detection-postprocess/pkg/log"
)

// TestMain doubles as the worker binary for the process strategy tests
func TestMain(m *testing.M) {
	if os.Getenv(WorkerEnv) == "1" {
		if err := ServeWorker(context.Background(), os.Stdin, os.Stdout); err != nil {
			fmt.Fprintln(os.Stderr, "ERRO", err)
			os.Exit(1)
		}
		os.Exit(0)
	}
	os.Exit(m.Run())
}

type echoConfig struct {
	Fail  []string `json:"fail"`
	Panic []string `json:"panic"`
	Crash []string `json:"crash"`
	Delay int      `json:"delay_ms"`
}

type echoOp struct {
	cfg     echoConfig
	applied atomic.Int32
}

func init() {
	Register("test.echo", func(config []byte) (Operation, error) {
		op := &echoOp{}
		if len(config) > 0 {
			if err := json.Unmarshal(config, &op.cfg); err != nil {
				return nil, err
			}
		}
		return op, nil
	})
}

func (o *echoOp) Name() string { return "test.echo" }

func (o *echoOp) Spec() (OperationSpec, error) {
	data, err := json.Marshal(o.cfg)
	if err != nil {
		return OperationSpec{}, err
	}
	return OperationSpec{Name: "test.echo", Config: data}, nil
}

func (o *echoOp) Apply(ctx context.Context, job Job) Result {
	o.applied.Add(1)
	if o.cfg.Delay > 0 {
		time.Sleep(time.Duration(o.cfg.Delay) * time.Millisecond)
	}
	if contains(o.cfg.Crash, job.File) {
		os.Exit(3)
	}
	if contains(o.cfg.Panic, job.File) {
		panic("boom on " + job.File)
	}
	if contains(o.cfg.Fail, job.File) {
		return Fail(job, fmt.Errorf("cannot process %s", job.File))
	}
	if job.Failed() {
		return Fail(job, fmt.Errorf("%s", *job.Failure))
	}
	return OK(job, "out/"+job.File)
}

type unregisteredOp struct{ echoOp }

func (o *unregisteredOp) Spec() (OperationSpec, error) {
	return OperationSpec{Name: "test.unregistered"}, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func createJobs(n int) []Job {
	jobs := make([]Job, n)
	for i := range jobs {
		jobs[i] = Job{Index: 100 + i, File: fmt.Sprintf("img_%02d.jpg", i)}
	}
	return jobs
}

func newTestExecutor(s Strategy) *Executor {
	return New(Options{Strategy: s, Logger: log.Discard()})
}

func checkOrdered(t *testing.T, jobs []Job, results []Result) {
	t.Helper()
	if len(results) != len(jobs) {
		t.Fatalf("Expected %d results, got %d", len(jobs), len(results))
	}
	for i, r := range results {
		if r.Index != i || r.File != jobs[i].File {
			t.Errorf("result %d: got index %d file %s, expected %s", i, r.Index, r.File, jobs[i].File)
		}
	}
}

func TestStrategiesProduceOrderedResults(t *testing.T) {
	strategies := []Strategy{
		Sequential{},
		Threaded{Workers: 4},
		Threaded{},
	}
	for _, s := range strategies {
		t.Run(s.Name(), func(t *testing.T) {
			jobs := createJobs(25)
			op := &echoOp{cfg: echoConfig{Fail: []string{"img_03.jpg"}}}
			results := newTestExecutor(s).Run(context.Background(), jobs, op)
			checkOrdered(t, jobs, results)

			for i, r := range results {
				if i == 3 {
					if r.Kind != KindFailed || !strings.Contains(r.Error, "img_03.jpg") {
						t.Errorf("Expected failure for img_03, got %+v", r)
					}
					continue
				}
				if r.Kind != KindOK || len(r.Artifacts) != 1 || r.Artifacts[0] != "out/"+jobs[i].File {
					t.Errorf("result %d: unexpected %+v", i, r)
				}
			}
		})
	}
}

func TestPanicIsContained(t *testing.T) {
	for _, s := range []Strategy{Sequential{}, Threaded{Workers: 2}} {
		jobs := createJobs(5)
		op := &echoOp{cfg: echoConfig{Panic: []string{"img_01.jpg"}}}
		results := newTestExecutor(s).Run(context.Background(), jobs, op)
		checkOrdered(t, jobs, results)

		if results[1].Kind != KindFailed || !strings.Contains(results[1].Error, "boom") {
			t.Errorf("%s: expected contained panic, got %+v", s.Name(), results[1])
		}
		for _, i := range []int{0, 2, 3, 4} {
			if results[i].Kind != KindOK {
				t.Errorf("%s: job %d affected by panic: %+v", s.Name(), i, results[i])
			}
		}
	}
}

func TestSkipShortCircuits(t *testing.T) {
	jobs := createJobs(3)
	jobs[1].Skip = true
	op := &echoOp{}
	results := newTestExecutor(Sequential{}).Run(context.Background(), jobs, op)

	if results[1].Kind != KindSkipped {
		t.Errorf("Expected skipped, got %s", results[1].Kind)
	}
	if n := op.applied.Load(); n != 2 {
		t.Errorf("Expected operation applied twice, got %d", n)
	}
}

func TestCancelledJobsFail(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	jobs := createJobs(4)
	results := newTestExecutor(Threaded{Workers: 2}).Run(ctx, jobs, &echoOp{})
	checkOrdered(t, jobs, results)
	for _, r := range results {
		if r.Kind != KindFailed || !strings.Contains(r.Error, "canceled") {
			t.Errorf("Expected cancelled failure, got %+v", r)
		}
	}
}

func TestProgressReported(t *testing.T) {
	var mu sync.Mutex
	var seen []int
	e := New(Options{
		Strategy: Threaded{Workers: 3},
		Logger:   log.Discard(),
		Progress: func(done, total int) {
			mu.Lock()
			defer mu.Unlock()
			if total != 10 {
				t.Errorf("Expected total 10, got %d", total)
			}
			seen = append(seen, done)
		},
	})
	e.Run(context.Background(), createJobs(10), &echoOp{})

	if len(seen) != 10 {
		t.Fatalf("Expected 10 progress calls, got %d", len(seen))
	}
	for i, d := range seen {
		if d != i+1 {
			t.Errorf("Progress call %d reported %d", i, d)
		}
	}
}

func TestNewStrategy(t *testing.T) {
	tests := []struct {
		name     string
		expected string
		wantErr  bool
	}{
		{"", "sequential", false},
		{"sequential", "sequential", false},
		{"thread", "thread", false},
		{"process", "process", false},
		{"gpu", "", true},
	}
	for _, tt := range tests {
		s, err := NewStrategy(tt.name, 2, log.Discard())
		if tt.wantErr {
			if err == nil {
				t.Errorf("NewStrategy(%q) expected error", tt.name)
			}
			continue
		}
		if err != nil || s.Name() != tt.expected {
			t.Errorf("NewStrategy(%q) = %v, %v", tt.name, s, err)
		}
	}
}

func TestBuildUnknownOperation(t *testing.T) {
	if _, err := Build(OperationSpec{Name: "nope"}); err == nil {
		t.Error("Expected error for unknown operation")
	}
	found := false
	for _, name := range Registered() {
		if name == "test.echo" {
			found = true
		}
	}
	if !found {
		t.Error("test.echo is not registered")
	}
}

func TestServeWorkerProtocol(t *testing.T) {
	reqR, reqW := io.Pipe()
	respR, respW := io.Pipe()

	done := make(chan error, 1)
	go func() {
		done <- ServeWorker(context.Background(), reqR, respW)
		respW.Close()
	}()

	cfg, _ := json.Marshal(echoConfig{Fail: []string{"bad.jpg"}})
	if err := writeFrame(reqW, request{Spec: &OperationSpec{Name: "test.echo", Config: cfg}}); err != nil {
		t.Fatal(err)
	}
	var ack response
	if err := readFrame(respR, &ack); err != nil || !ack.Ready {
		t.Fatalf("Expected ready ack, got %+v, %v", ack, err)
	}

	failure := "detector crashed"
	for _, job := range []Job{
		{Index: 0, File: "good.jpg"},
		{Index: 1, File: "bad.jpg"},
		{Index: 2, File: "failed.jpg", Failure: &failure},
		{Index: 3, File: "skip.jpg", Skip: true},
	} {
		if err := writeFrame(reqW, request{Job: &job}); err != nil {
			t.Fatal(err)
		}
		var resp response
		if err := readFrame(respR, &resp); err != nil {
			t.Fatal(err)
		}
		r := resp.Result
		if r == nil || r.Index != job.Index || r.File != job.File {
			t.Fatalf("Unexpected response for %s: %+v", job.File, resp)
		}
		switch job.File {
		case "good.jpg":
			if r.Kind != KindOK {
				t.Errorf("Expected ok, got %+v", r)
			}
		case "bad.jpg":
			if r.Kind != KindFailed {
				t.Errorf("Expected failed, got %+v", r)
			}
		case "failed.jpg":
			if r.Kind != KindFailed || r.Error != failure {
				t.Errorf("Expected detector failure, got %+v", r)
			}
		case "skip.jpg":
			if r.Kind != KindSkipped {
				t.Errorf("Expected skipped, got %+v", r)
			}
		}
	}

	reqW.Close()
	if err := <-done; err != nil {
		t.Errorf("ServeWorker returned %v", err)
	}
}

func TestServeWorkerRejectsUnknownOperation(t *testing.T) {
	reqR, reqW := io.Pipe()
	respR, respW := io.Pipe()

	done := make(chan error, 1)
	go func() {
		done <- ServeWorker(context.Background(), reqR, respW)
		respW.Close()
	}()

	if err := writeFrame(reqW, request{Spec: &OperationSpec{Name: "test.unregistered"}}); err != nil {
		t.Fatal(err)
	}
	var ack response
	if err := readFrame(respR, &ack); err != nil {
		t.Fatal(err)
	}
	if ack.Ready || !strings.Contains(ack.Error, "unknown operation") {
		t.Errorf("Expected rejection, got %+v", ack)
	}
	reqW.Close()
	if err := <-done; err == nil {
		t.Error("Expected ServeWorker to report the unknown operation")
	}
}

func newTestProcess(workers int) *Process {
	return &Process{
		Workers: workers,
		Command: os.Args[0],
		Args:    []string{"-test.run=^$"},
		Logger:  log.Discard(),
	}
}

func TestProcessStrategy(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns worker processes")
	}

	jobs := createJobs(12)
	jobs[5].Skip = true
	op := &echoOp{cfg: echoConfig{
		Fail:  []string{"img_02.jpg"},
		Panic: []string{"img_07.jpg"},
	}}
	results := newTestExecutor(newTestProcess(3)).Run(context.Background(), jobs, op)
	checkOrdered(t, jobs, results)

	for i, r := range results {
		switch i {
		case 2, 7:
			if r.Kind != KindFailed {
				t.Errorf("result %d: expected failed, got %+v", i, r)
			}
		case 5:
			if r.Kind != KindSkipped {
				t.Errorf("result %d: expected skipped, got %+v", i, r)
			}
		default:
			if r.Kind != KindOK || r.Artifacts[0] != "out/"+jobs[i].File {
				t.Errorf("result %d: expected ok, got %+v", i, r)
			}
		}
	}
	if n := op.applied.Load(); n != 0 {
		t.Errorf("Operation ran %d times in the parent process", n)
	}
}

func TestProcessWorkerCrashIsIsolated(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns worker processes")
	}

	jobs := createJobs(6)
	op := &echoOp{cfg: echoConfig{Crash: []string{"img_01.jpg"}}}
	results := newTestExecutor(newTestProcess(1)).Run(context.Background(), jobs, op)
	checkOrdered(t, jobs, results)

	if results[1].Kind != KindFailed || !strings.Contains(results[1].Error, "worker") {
		t.Errorf("Expected crashed job to fail, got %+v", results[1])
	}
	for _, i := range []int{0, 2, 3, 4, 5} {
		if results[i].Kind != KindOK {
			t.Errorf("result %d: expected ok after respawn, got %+v", i, results[i])
		}
	}
}

func TestProcessRejectedOperation(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns worker processes")
	}

	jobs := createJobs(3)
	results := newTestExecutor(newTestProcess(2)).Run(context.Background(), jobs, &unregisteredOp{})
	checkOrdered(t, jobs, results)
	for _, r := range results {
		if r.Kind != KindFailed || !strings.Contains(r.Error, "rejected") {
			t.Errorf("Expected rejection failure, got %+v", r)
		}
	}
}
