package worker

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/itstheanurag/verdict/internal/database"
	"github.com/itstheanurag/verdict/internal/execution"
	"github.com/itstheanurag/verdict/internal/executor"
	"github.com/itstheanurag/verdict/internal/metrics"
	"github.com/itstheanurag/verdict/internal/queue"
	"github.com/rs/zerolog"
)

const recordTimeout = 2 * time.Second

// Runner executes one request end to end.
type Runner interface {
	Execute(ctx context.Context, id string, req execution.ExecutionRequest) *executor.Result
}

// OutcomeRecorder is told whether a learner's submission passed. It never
// sees code or output.
type OutcomeRecorder interface {
	Record(ctx context.Context, o database.Outcome) error
}

type Worker struct {
	id      int
	runner  Runner
	manager *queue.Manager
	store   OutcomeRecorder
	logger  *zerolog.Logger
}

func NewWorker(id int, runner Runner, manager *queue.Manager, store OutcomeRecorder, logger *zerolog.Logger) *Worker {
	return &Worker{
		id:      id,
		runner:  runner,
		manager: manager,
		store:   store,
		logger:  logger,
	}
}

func (w *Worker) Start(ctx context.Context) {
	w.logger.Info().Int("worker_id", w.id).Msg("worker started")
	for {
		select {
		case h := <-w.manager.NextJob():
			w.manager.UpdateQueueMetric()
			w.processJob(h)
		case <-ctx.Done():
			w.logger.Info().Int("worker_id", w.id).Msg("worker stopping")
			return
		}
	}
}

func (w *Worker) processJob(h *queue.Handle) {
	if !h.MarkRunning() {
		w.logger.Debug().Int("worker_id", w.id).Str("job_id", h.ID()).Msg("skipping finished job")
		return
	}
	metrics.ActiveWorkers.Inc()
	defer metrics.ActiveWorkers.Dec()

	req := h.Request()
	lang := string(req.Language)
	waited := time.Since(h.Submitted())
	metrics.ExecutionDuration.WithLabelValues(lang, "queue").Observe(float64(waited.Milliseconds()))
	w.logger.Info().Int("worker_id", w.id).Str("job_id", h.ID()).Dur("queued", waited).Msg("processing job")

	result := w.execute(h)
	h.Complete(result)

	class := string(result.Class)
	if class == "" {
		class = "ok"
	}
	metrics.ExecutionsTotal.WithLabelValues(lang, class).Inc()
	metrics.ExecutionDuration.WithLabelValues(lang, "run").Observe(float64(result.Duration.Milliseconds()))
	if result.MaxRSSBytes > 0 {
		metrics.MemoryUsage.WithLabelValues(lang).Observe(float64(result.MaxRSSBytes / 1024))
	}

	w.record(h.ID(), req, result)
}

// execute runs the job, turning a panic into an internal error so the
// worker survives it.
func (w *Worker) execute(h *queue.Handle) (res *executor.Result) {
	defer func() {
		if r := recover(); r != nil {
			metrics.PanicsTotal.Inc()
			w.logger.Error().
				Int("worker_id", w.id).
				Str("job_id", h.ID()).
				Str("panic", fmt.Sprint(r)).
				Bytes("stack", debug.Stack()).
				Msg("job panicked")
			res = &executor.Result{
				Response: execution.Failed(h.Request().TestCases, execution.ClassInternal, "internal error, the incident has been logged"),
				Class:    execution.ClassInternal,
			}
		}
	}()
	res = w.runner.Execute(h.Context(), h.ID(), h.Request())
	if res == nil || res.Response == nil {
		panic("runner returned no response")
	}
	return res
}

// record reports the pass/fail outcome of executions that actually ran.
func (w *Worker) record(id string, req execution.ExecutionRequest, res *executor.Result) {
	if w.store == nil {
		return
	}
	switch res.Class {
	case execution.ClassCancelled, execution.ClassInvalidRequest, execution.ClassInternal:
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	err := w.store.Record(ctx, database.Outcome{
		ExecutionID: id,
		Language:    string(req.Language),
		AllPassed:   res.Response.AllPassed(),
		Passed:      res.Response.PassedCount(),
		Total:       len(res.Response.TestResults),
		ErrorClass:  string(res.Class),
		Duration:    res.Duration,
	})
	if err != nil {
		w.logger.Warn().Err(err).Str("job_id", id).Msg("failed to record outcome")
	}
}

// Pool is a fixed set of workers draining one queue.
type Pool struct {
	workers []*Worker
	wg      sync.WaitGroup
}

func NewPool(size int, runner Runner, manager *queue.Manager, store OutcomeRecorder, logger *zerolog.Logger) *Pool {
	p := &Pool{workers: make([]*Worker, size)}
	for i := range p.workers {
		p.workers[i] = NewWorker(i, runner, manager, store, logger)
	}
	return p
}

func (p *Pool) Size() int { return len(p.workers) }

// Start launches every worker; they stop when ctx ends.
func (p *Pool) Start(ctx context.Context) {
	for _, w := range p.workers {
		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Start(ctx)
		}(w)
	}
}

// Wait blocks until every worker has returned.
func (p *Pool) Wait() {
	p.wg.Wait()
}
