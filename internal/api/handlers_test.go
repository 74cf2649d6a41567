package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/itstheanurag/verdict/internal/config"
	"github.com/itstheanurag/verdict/internal/execution"
	"github.com/itstheanurag/verdict/internal/executor"
	"github.com/itstheanurag/verdict/internal/languages"
	"github.com/itstheanurag/verdict/internal/limiter"
	"github.com/itstheanurag/verdict/internal/queue"
	"github.com/itstheanurag/verdict/internal/worker"
	"github.com/rs/zerolog"
)

// echoRunner passes every test whose assertion contains "true" and blocks
// on code "block" until cancelled.
type echoRunner struct{}

func (echoRunner) Execute(ctx context.Context, id string, req execution.ExecutionRequest) *executor.Result {
	if req.Code == "block" {
		<-ctx.Done()
		return &executor.Result{
			Response: execution.Failed(req.TestCases, execution.ClassCancelled, "execution cancelled"),
			Class:    execution.ClassCancelled,
		}
	}
	results := make([]execution.TestResult, len(req.TestCases))
	for i, tc := range req.TestCases {
		results[i] = execution.TestResult{Description: tc.Description, Passed: strings.Contains(tc.Assertion, "true")}
		if !results[i].Passed {
			results[i].Error = "AssertionError"
		}
	}
	return &executor.Result{Response: &execution.Response{
		ExecutionResult: execution.ExecutionResult{Success: true, Output: "ran " + id},
		TestResults:     results,
	}}
}

type fakeStats struct{}

func (fakeStats) PassRate(_ context.Context, language string) (int, int, error) {
	if language == "go" {
		return 0, 0, errors.New("db down")
	}
	return 3, 4, nil
}

type testEnv struct {
	router  http.Handler
	manager *queue.Manager
}

func newTestEnv(t *testing.T, workers, capacity int, rl *limiter.RateLimiter) *testEnv {
	t.Helper()
	logger := zerolog.Nop()
	conf := config.Defaults()
	m := queue.NewManager(capacity, time.Minute, &logger)
	if workers > 0 {
		pool := worker.NewPool(workers, echoRunner{}, m, nil, &logger)
		ctx, cancel := context.WithCancel(context.Background())
		pool.Start(ctx)
		t.Cleanup(func() {
			cancel()
			pool.Wait()
		})
	}
	reg := languages.NewRegistry(conf.Languages)
	h := NewHandler(m, reg, &conf, fakeStats{}, &logger)
	return &testEnv{router: NewRouter(h, rl), manager: m}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if s, ok := body.(string); ok {
		buf.WriteString(s)
	} else if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func validRequest(code string) execution.ExecutionRequest {
	return execution.ExecutionRequest{
		Code:     code,
		Language: "python",
		TestCases: []execution.TestCase{
			{Description: "passes", Assertion: "assert true"},
			{Description: "fails", Assertion: "assert false"},
		},
	}
}

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder) execution.Response {
	t.Helper()
	var resp execution.Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return resp
}

func TestExecuteSync(t *testing.T) {
	env := newTestEnv(t, 2, 10, nil)
	rec := env.do(t, http.MethodPost, "/v1/execute", validRequest("x = 1"))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body)
	}
	resp := decodeResponse(t, rec)
	if !resp.Success || len(resp.TestResults) != 2 || !resp.TestResults[0].Passed || resp.TestResults[1].Passed {
		t.Fatalf("response = %+v", resp)
	}
}

func TestExecuteInvalidRequests(t *testing.T) {
	env := newTestEnv(t, 1, 10, nil)

	unknown := validRequest("x = 1")
	unknown.Language = "brainfuck"
	noDescription := validRequest("x = 1")
	noDescription.TestCases[1].Description = ""

	cases := []struct {
		name  string
		body  any
		tests int
		want  string
	}{
		{"malformed json", "{", 0, "InvalidRequest: invalid request body"},
		{"unknown language", unknown, 2, "InvalidRequest: unsupported language brainfuck"},
		{"missing description", noDescription, 2, "testCases[1].description is required"},
		{"too large", `{"code":"` + strings.Repeat("x", 2<<20) + `"}`, 0, "request body exceeds"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/v1/execute", tc.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d", rec.Code)
			}
			resp := decodeResponse(t, rec)
			if resp.Success || len(resp.TestResults) != tc.tests || !strings.Contains(resp.Error, tc.want) {
				t.Fatalf("response = %+v", resp)
			}
			for _, tr := range resp.TestResults {
				if tr.Passed || tr.Error != resp.Error {
					t.Fatalf("test result = %+v", tr)
				}
			}
		})
	}
}

func TestExecuteThrottled(t *testing.T) {
	// No workers: the single queue slot stays taken.
	env := newTestEnv(t, 0, 1, nil)
	if rec := env.do(t, http.MethodPost, "/v1/executions", validRequest("x = 1")); rec.Code != http.StatusAccepted {
		t.Fatalf("first submit status = %d", rec.Code)
	}

	rec := env.do(t, http.MethodPost, "/v1/execute", validRequest("x = 1"))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d", rec.Code)
	}
	resp := decodeResponse(t, rec)
	if !strings.HasPrefix(resp.Error, "Throttled") || len(resp.TestResults) != 2 {
		t.Fatalf("response = %+v", resp)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("missing Retry-After")
	}
}

func TestAsyncSubmitAndPoll(t *testing.T) {
	env := newTestEnv(t, 1, 10, nil)
	rec := env.do(t, http.MethodPost, "/v1/executions", validRequest("x = 1"))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d", rec.Code)
	}
	var accepted StatusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &accepted); err != nil {
		t.Fatal(err)
	}
	if accepted.ID == "" || rec.Header().Get("Location") != "/v1/executions/"+accepted.ID {
		t.Fatalf("accepted = %+v location = %q", accepted, rec.Header().Get("Location"))
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		rec = env.do(t, http.MethodGet, "/v1/executions/"+accepted.ID, nil)
		var st StatusResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
			t.Fatal(err)
		}
		if st.State.Terminal() {
			if st.State != execution.StateComplete || st.Result == nil || len(st.Result.TestResults) != 2 {
				t.Fatalf("status = %+v", st)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("execution never finished: %+v", st)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestGetUnknownExecution(t *testing.T) {
	env := newTestEnv(t, 1, 10, nil)
	if rec := env.do(t, http.MethodGet, "/v1/executions/nope", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec := env.do(t, http.MethodDelete, "/v1/executions/nope", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestCancelExecution(t *testing.T) {
	env := newTestEnv(t, 1, 10, nil)
	rec := env.do(t, http.MethodPost, "/v1/executions", validRequest("block"))
	var accepted StatusResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &accepted)

	job, err := env.manager.Get(accepted.ID)
	if err != nil {
		t.Fatal(err)
	}
	if rec := env.do(t, http.MethodDelete, "/v1/executions/"+accepted.ID, nil); rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d", rec.Code)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := job.Wait(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Class != execution.ClassCancelled || len(res.Response.TestResults) != 2 {
		t.Fatalf("result = %+v", res)
	}
}

func TestWatchStreamsUntilTerminal(t *testing.T) {
	env := newTestEnv(t, 0, 10, nil)
	srv := httptest.NewServer(env.router)
	defer srv.Close()

	job, err := env.manager.Submit(context.Background(), validRequest("x = 1"))
	if err != nil {
		t.Fatal(err)
	}

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/executions/" + job.ID() + "/watch"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var first StatusResponse
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatal(err)
	}
	if first.State != execution.StateQueued {
		t.Fatalf("first state = %s", first.State)
	}

	// Play the worker by hand.
	<-env.manager.NextJob()
	job.MarkRunning()
	job.Complete(echoRunner{}.Execute(context.Background(), job.ID(), job.Request()))

	var states []execution.State
	for {
		var st StatusResponse
		if err := conn.ReadJSON(&st); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				t.Fatalf("read: %v", err)
			}
			break
		}
		states = append(states, st.State)
		if st.State.Terminal() && (st.Result == nil || len(st.Result.TestResults) != 2) {
			t.Fatalf("terminal status without result: %+v", st)
		}
	}
	if len(states) == 0 || states[len(states)-1] != execution.StateComplete {
		t.Fatalf("states = %v", states)
	}
}

func TestLanguagesAndHealth(t *testing.T) {
	env := newTestEnv(t, 1, 10, nil)

	rec := env.do(t, http.MethodGet, "/v1/languages", nil)
	var body struct {
		Languages []languages.Info `json:"languages"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if len(body.Languages) != 4 || body.Languages[0].ID != "cpp" {
		t.Fatalf("languages = %+v", body.Languages)
	}

	if rec := env.do(t, http.MethodGet, "/health", nil); rec.Code != http.StatusOK {
		t.Fatalf("health status = %d", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/metrics", nil); rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "verdict_queue_depth") {
		t.Fatalf("metrics status = %d", rec.Code)
	}
}

func TestLanguageStats(t *testing.T) {
	env := newTestEnv(t, 1, 10, nil)
	rec := env.do(t, http.MethodGet, "/v1/languages/python/stats", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"passed":3`) {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body)
	}
	if rec := env.do(t, http.MethodGet, "/v1/languages/cobol/stats", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/v1/languages/go/stats", nil); rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestRateLimitedSubmissions(t *testing.T) {
	rl := limiter.NewRateLimiter(config.RateLimitConfig{GlobalRPS: 100, PerIPRPS: 0.001, PerIPBurst: 1, IdleEvict: time.Minute})
	env := newTestEnv(t, 1, 10, rl)

	if rec := env.do(t, http.MethodPost, "/v1/execute", validRequest("x = 1")); rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec := env.do(t, http.MethodPost, "/v1/execute", validRequest("x = 1")); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d", rec.Code)
	}
	// Reads are not rate limited.
	if rec := env.do(t, http.MethodGet, "/v1/languages", nil); rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}
