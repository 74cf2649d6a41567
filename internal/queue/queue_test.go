package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/itstheanurag/verdict/internal/execution"
	"github.com/itstheanurag/verdict/internal/executor"
	"github.com/rs/zerolog"
)

func newTestManager(capacity int) *Manager {
	logger := zerolog.Nop()
	return NewManager(capacity, time.Minute, &logger)
}

func testRequest() execution.ExecutionRequest {
	return execution.ExecutionRequest{
		Code:     "x = 1",
		Language: "python",
		TestCases: []execution.TestCase{
			{Description: "one", Assertion: "assert x == 1"},
			{Description: "two", Assertion: "assert x != 2"},
		},
	}
}

func okResult() *executor.Result {
	return &executor.Result{Response: &execution.Response{ExecutionResult: execution.ExecutionResult{Success: true}}}
}

func TestSubmitIsFIFO(t *testing.T) {
	m := newTestManager(3)
	var ids []string
	for i := 0; i < 3; i++ {
		h, err := m.Submit(context.Background(), testRequest())
		if err != nil {
			t.Fatalf("Submit %d: %v", i, err)
		}
		if h.State() != execution.StateQueued {
			t.Fatalf("state = %s", h.State())
		}
		ids = append(ids, h.ID())
	}
	for i := 0; i < 3; i++ {
		h := <-m.NextJob()
		if h.ID() != ids[i] {
			t.Fatalf("dequeued %s at %d, want %s", h.ID(), i, ids[i])
		}
	}
}

func TestSubmitThrottlesWhenFull(t *testing.T) {
	m := newTestManager(1)
	if _, err := m.Submit(context.Background(), testRequest()); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := m.Submit(context.Background(), testRequest())
		done <- err
	}()
	select {
	case err := <-done:
		if !errors.Is(err, execution.ErrThrottled) {
			t.Fatalf("err = %v, want ErrThrottled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Submit blocked on a full queue")
	}
	if m.Len() != 1 {
		t.Fatalf("queue length = %d", m.Len())
	}
}

func TestHandleCompletesOnce(t *testing.T) {
	m := newTestManager(1)
	h, _ := m.Submit(context.Background(), testRequest())
	if !h.MarkRunning() {
		t.Fatal("MarkRunning failed")
	}

	first := okResult()
	var wg sync.WaitGroup
	published := make(chan bool, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res := okResult()
			if i == 0 {
				res = first
			}
			published <- h.Complete(res)
		}(i)
	}
	wg.Wait()
	close(published)

	count := 0
	for p := range published {
		if p {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("result published %d times", count)
	}
	if h.State() != execution.StateComplete {
		t.Fatalf("state = %s", h.State())
	}
	res, err := h.Wait(context.Background())
	if err != nil || res == nil {
		t.Fatalf("Wait = %v, %v", res, err)
	}
}

func TestCancelQueuedJobIsSkipped(t *testing.T) {
	m := newTestManager(2)
	h, _ := m.Submit(context.Background(), testRequest())
	if err := m.Cancel(h.ID()); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	res, err := h.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if res.Class != execution.ClassCancelled || len(res.Response.TestResults) != 2 {
		t.Fatalf("result = %+v", res)
	}
	if h.State() != execution.StateError {
		t.Fatalf("state = %s", h.State())
	}

	dequeued := <-m.NextJob()
	if dequeued.MarkRunning() {
		t.Fatal("cancelled job was claimed by a worker")
	}
}

func TestCancelRunningJobCancelsContext(t *testing.T) {
	m := newTestManager(1)
	h, _ := m.Submit(context.Background(), testRequest())
	h.MarkRunning()
	h.Cancel()

	select {
	case <-h.Context().Done():
	case <-time.After(time.Second):
		t.Fatal("context not cancelled")
	}
	if h.Result() != nil {
		t.Fatal("running job must be finished by its worker, not by Cancel")
	}
}

func TestChangedBroadcasts(t *testing.T) {
	m := newTestManager(1)
	h, _ := m.Submit(context.Background(), testRequest())
	state, res, changed := h.Snapshot()
	if state != execution.StateQueued || res != nil {
		t.Fatalf("snapshot = %s %v", state, res)
	}

	h.MarkRunning()
	select {
	case <-changed:
	case <-time.After(time.Second):
		t.Fatal("no broadcast on transition")
	}
	if h.State() != execution.StateRunning {
		t.Fatalf("state = %s", h.State())
	}
}

func TestWaitHonoursContext(t *testing.T) {
	m := newTestManager(1)
	h, _ := m.Submit(context.Background(), testRequest())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := h.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v", err)
	}
}

func TestGetAndSweep(t *testing.T) {
	m := newTestManager(2)
	h, _ := m.Submit(context.Background(), testRequest())
	if _, err := m.Get("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v", err)
	}
	if got, err := m.Get(h.ID()); err != nil || got != h {
		t.Fatalf("Get = %v, %v", got, err)
	}

	if n := m.sweep(time.Now().Add(time.Hour)); n != 0 {
		t.Fatalf("swept %d unfinished handles", n)
	}
	h.MarkRunning()
	h.Complete(okResult())
	if n := m.sweep(time.Now()); n != 0 {
		t.Fatalf("swept a fresh result")
	}
	if n := m.sweep(time.Now().Add(2 * time.Minute)); n != 1 {
		t.Fatalf("swept %d, want 1", n)
	}
	if _, err := m.Get(h.ID()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expired handle still indexed: %v", err)
	}
}

func TestCancelPending(t *testing.T) {
	m := newTestManager(3)
	var handles []*Handle
	for i := 0; i < 3; i++ {
		h, _ := m.Submit(context.Background(), testRequest())
		handles = append(handles, h)
	}
	if n := m.CancelPending(); n != 3 {
		t.Fatalf("cancelled %d", n)
	}
	for _, h := range handles {
		if r := h.Result(); r == nil || r.Class != execution.ClassCancelled {
			t.Fatalf("result = %+v", r)
		}
	}
	if m.Len() != 0 {
		t.Fatalf("queue length = %d", m.Len())
	}
}

func TestSubmitterContextCancelsHandle(t *testing.T) {
	m := newTestManager(1)
	ctx, cancel := context.WithCancel(context.Background())
	h, _ := m.Submit(ctx, testRequest())
	cancel()
	select {
	case <-h.Context().Done():
	case <-time.After(time.Second):
		t.Fatal("handle context outlived its submitter")
	}
}
