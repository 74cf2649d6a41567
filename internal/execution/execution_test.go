package execution

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestFailedPreservesCountAndOrder(t *testing.T) {
	tests := []TestCase{
		{Description: "first", Assertion: "a"},
		{Description: "second", Assertion: "b"},
		{Description: "third", Assertion: "c"},
	}

	resp := Failed(tests, ClassTimeout, "took too long")

	if resp.Success {
		t.Fatal("expected success=false")
	}
	if resp.Error != "TimeoutError: took too long" {
		t.Fatalf("unexpected error %q", resp.Error)
	}
	if len(resp.TestResults) != len(tests) {
		t.Fatalf("expected %d results, got %d", len(tests), len(resp.TestResults))
	}
	for i, tr := range resp.TestResults {
		if tr.Description != tests[i].Description {
			t.Fatalf("result %d: description %q, want %q", i, tr.Description, tests[i].Description)
		}
		if tr.Passed {
			t.Fatalf("result %d unexpectedly passed", i)
		}
		if tr.Error != resp.Error {
			t.Fatalf("result %d: error %q, want shared %q", i, tr.Error, resp.Error)
		}
	}
}

func TestValidate(t *testing.T) {
	valid := ExecutionRequest{
		Code:      "def add(a, b): return a + b",
		Language:  "python",
		TestCases: []TestCase{{Description: "adds", Assertion: "assert add(2, 3) == 5"}},
	}

	cases := []struct {
		name    string
		mutate  func(r *ExecutionRequest)
		wantErr string
	}{
		{name: "valid", mutate: func(r *ExecutionRequest) {}},
		{name: "empty code", mutate: func(r *ExecutionRequest) { r.Code = "  " }, wantErr: "code is required"},
		{name: "code too large", mutate: func(r *ExecutionRequest) { r.Code = strings.Repeat("x", 101) }, wantErr: "exceeds 100 bytes"},
		{name: "nul byte", mutate: func(r *ExecutionRequest) { r.Code = "a\x00b" }, wantErr: "NUL"},
		{name: "no language", mutate: func(r *ExecutionRequest) { r.Language = "" }, wantErr: "language is required"},
		{name: "no tests", mutate: func(r *ExecutionRequest) { r.TestCases = nil }, wantErr: "at least one test case"},
		{name: "too many tests", mutate: func(r *ExecutionRequest) {
			r.TestCases = append(r.TestCases, r.TestCases[0], r.TestCases[0], r.TestCases[0])
		}, wantErr: "at most 3"},
		{name: "empty description", mutate: func(r *ExecutionRequest) {
			r.TestCases = []TestCase{{Description: "", Assertion: "x"}}
		}, wantErr: "testCases[0].description"},
		{name: "empty assertion", mutate: func(r *ExecutionRequest) {
			r.TestCases = []TestCase{{Description: "d", Assertion: ""}}
		}, wantErr: "testCases[0].assertion"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := valid
			req.TestCases = append([]TestCase(nil), valid.TestCases...)
			tc.mutate(&req)
			err := req.Validate(100, 3)
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestErrorClassification(t *testing.T) {
	cause := errors.New("fork/exec /usr/bin/python3: permission denied")
	err := fmt.Errorf("run job: %w", NewError(ClassInternal, "spawn failed", cause))

	if got := ClassOf(err); got != ClassInternal {
		t.Fatalf("ClassOf = %q, want InternalError", got)
	}
	if !errors.Is(err, cause) {
		t.Fatal("expected wrapped cause to be reachable")
	}
	if msg := PublicMessage(err); strings.Contains(msg, "python3") {
		t.Fatalf("internal details leaked: %q", msg)
	}

	throttled := NewError(ClassThrottled, "queue full", nil)
	if !errors.Is(throttled, ErrThrottled) {
		t.Fatal("expected class-based errors.Is match")
	}
	if ClassOf(errors.New("plain")) != ClassInternal {
		t.Fatal("unclassified errors must default to InternalError")
	}
}

func TestStateTransitions(t *testing.T) {
	allowed := [][2]State{
		{StateIdle, StateQueued},
		{StateQueued, StateRunning},
		{StateRunning, StateComplete},
		{StateRunning, StateError},
		{StateQueued, StateError},
	}
	for _, tr := range allowed {
		if !tr[0].CanTransition(tr[1]) {
			t.Fatalf("%s -> %s should be allowed", tr[0], tr[1])
		}
	}

	denied := [][2]State{
		{StateComplete, StateRunning},
		{StateError, StateComplete},
		{StateQueued, StateComplete},
		{StateIdle, StateRunning},
	}
	for _, tr := range denied {
		if tr[0].CanTransition(tr[1]) {
			t.Fatalf("%s -> %s should be rejected", tr[0], tr[1])
		}
	}
}

func TestAllPassed(t *testing.T) {
	resp := &Response{
		ExecutionResult: ExecutionResult{Success: true},
		TestResults:     []TestResult{{Passed: true}, {Passed: true}},
	}
	if !resp.AllPassed() {
		t.Fatal("expected all passed")
	}
	resp.TestResults[1].Passed = false
	if resp.AllPassed() {
		t.Fatal("expected not all passed")
	}
	if resp.PassedCount() != 1 {
		t.Fatalf("PassedCount = %d, want 1", resp.PassedCount())
	}
}
