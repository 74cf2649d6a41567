package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/itstheanurag/verdict/internal/database"
	"github.com/itstheanurag/verdict/internal/execution"
	"github.com/itstheanurag/verdict/internal/executor"
	"github.com/itstheanurag/verdict/internal/queue"
	"github.com/rs/zerolog"
)

type fakeRunner struct {
	delay   time.Duration
	panicOn string

	mu      sync.Mutex
	order   []string
	running int32
	peak    int32
}

func (f *fakeRunner) Execute(ctx context.Context, id string, req execution.ExecutionRequest) *executor.Result {
	n := atomic.AddInt32(&f.running, 1)
	defer atomic.AddInt32(&f.running, -1)
	for {
		peak := atomic.LoadInt32(&f.peak)
		if n <= peak || atomic.CompareAndSwapInt32(&f.peak, peak, n) {
			break
		}
	}

	f.mu.Lock()
	f.order = append(f.order, req.Code)
	f.mu.Unlock()

	if req.Code == f.panicOn {
		panic("boom")
	}
	select {
	case <-time.After(f.delay):
	case <-ctx.Done():
		return &executor.Result{
			Response: execution.Failed(req.TestCases, execution.ClassCancelled, "execution cancelled"),
			Class:    execution.ClassCancelled,
		}
	}
	results := make([]execution.TestResult, len(req.TestCases))
	for i, tc := range req.TestCases {
		results[i] = execution.TestResult{Description: tc.Description, Passed: true}
	}
	return &executor.Result{
		Response: &execution.Response{ExecutionResult: execution.ExecutionResult{Success: true}, TestResults: results},
		Duration: f.delay,
	}
}

type fakeStore struct {
	mu       sync.Mutex
	outcomes []database.Outcome
	err      error
}

func (s *fakeStore) Record(_ context.Context, o database.Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes = append(s.outcomes, o)
	return s.err
}

func request(code string) execution.ExecutionRequest {
	return execution.ExecutionRequest{
		Code:      code,
		Language:  "python",
		TestCases: []execution.TestCase{{Description: "d", Assertion: "assert True"}},
	}
}

func startPool(t *testing.T, size, capacity int, runner Runner, store OutcomeRecorder) *queue.Manager {
	t.Helper()
	logger := zerolog.Nop()
	m := queue.NewManager(capacity, time.Minute, &logger)
	p := NewPool(size, runner, m, store, &logger)
	ctx, cancel := context.WithCancel(context.Background())
	p.Start(ctx)
	t.Cleanup(func() {
		cancel()
		p.Wait()
	})
	return m
}

func waitAll(t *testing.T, handles []*queue.Handle) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, h := range handles {
		if _, err := h.Wait(ctx); err != nil {
			t.Fatalf("handle %s: %v", h.ID(), err)
		}
	}
}

func TestPoolBoundsConcurrency(t *testing.T) {
	runner := &fakeRunner{delay: 30 * time.Millisecond}
	m := startPool(t, 10, 50, runner, nil)

	var handles []*queue.Handle
	for i := 0; i < 50; i++ {
		h, err := m.Submit(context.Background(), request("job"))
		if err != nil {
			t.Fatalf("Submit %d: %v", i, err)
		}
		handles = append(handles, h)
	}
	waitAll(t, handles)

	if peak := atomic.LoadInt32(&runner.peak); peak > 10 {
		t.Fatalf("%d executions ran at once with 10 workers", peak)
	}
	for _, h := range handles {
		if h.State() != execution.StateComplete {
			t.Fatalf("state = %s", h.State())
		}
	}
}

func TestSingleWorkerRunsInSubmissionOrder(t *testing.T) {
	runner := &fakeRunner{delay: time.Millisecond}
	m := startPool(t, 1, 20, runner, nil)

	var handles []*queue.Handle
	var want []string
	for i := 0; i < 20; i++ {
		code := string(rune('a' + i))
		h, err := m.Submit(context.Background(), request(code))
		if err != nil {
			t.Fatalf("Submit: %v", err)
		}
		handles = append(handles, h)
		want = append(want, code)
	}
	waitAll(t, handles)

	runner.mu.Lock()
	defer runner.mu.Unlock()
	for i := range want {
		if runner.order[i] != want[i] {
			t.Fatalf("ran %v, want %v", runner.order, want)
		}
	}
}

func TestPanicBecomesInternalError(t *testing.T) {
	runner := &fakeRunner{panicOn: "explode"}
	m := startPool(t, 1, 4, runner, nil)

	bad, _ := m.Submit(context.Background(), request("explode"))
	good, _ := m.Submit(context.Background(), request("fine"))
	waitAll(t, []*queue.Handle{bad, good})

	res := bad.Result()
	if res.Class != execution.ClassInternal || len(res.Response.TestResults) != 1 || res.Response.TestResults[0].Passed {
		t.Fatalf("result = %+v", res.Response)
	}
	if good.Result().Class != "" {
		t.Fatal("a panicking job affected the next one")
	}
}

func TestCancelledJobIsNotRun(t *testing.T) {
	runner := &fakeRunner{delay: 200 * time.Millisecond}
	m := startPool(t, 1, 4, runner, nil)

	first, _ := m.Submit(context.Background(), request("first"))
	second, _ := m.Submit(context.Background(), request("second"))
	second.Cancel()
	waitAll(t, []*queue.Handle{first, second})

	runner.mu.Lock()
	defer runner.mu.Unlock()
	for _, code := range runner.order {
		if code == "second" {
			t.Fatal("cancelled job reached the runner")
		}
	}
}

func TestCancelDuringExecution(t *testing.T) {
	runner := &fakeRunner{delay: 10 * time.Second}
	m := startPool(t, 1, 1, runner, nil)

	h, _ := m.Submit(context.Background(), request("slow"))
	deadline := time.Now().Add(2 * time.Second)
	for h.State() != execution.StateRunning {
		if time.Now().After(deadline) {
			t.Fatal("job never started")
		}
		time.Sleep(5 * time.Millisecond)
	}
	h.Cancel()
	waitAll(t, []*queue.Handle{h})
	if h.Result().Class != execution.ClassCancelled {
		t.Fatalf("class = %q", h.Result().Class)
	}
}

func TestOutcomesRecorded(t *testing.T) {
	store := &fakeStore{err: errors.New("db down")}
	runner := &fakeRunner{panicOn: "explode"}
	m := startPool(t, 1, 4, runner, store)

	ok, _ := m.Submit(context.Background(), request("fine"))
	bad, _ := m.Submit(context.Background(), request("explode"))
	waitAll(t, []*queue.Handle{ok, bad})

	// The outcome is recorded after the result is published.
	deadline := time.Now().Add(2 * time.Second)
	for {
		store.mu.Lock()
		n := len(store.outcomes)
		store.mu.Unlock()
		if n >= 1 || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.outcomes) != 1 {
		t.Fatalf("recorded %d outcomes, want only the executed one", len(store.outcomes))
	}
	o := store.outcomes[0]
	if o.ExecutionID != ok.ID() || !o.AllPassed || o.Total != 1 || o.Language != "python" {
		t.Fatalf("outcome = %+v", o)
	}
}
