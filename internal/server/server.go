package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/itstheanurag/verdict/internal/api"
	"github.com/itstheanurag/verdict/internal/config"
	"github.com/itstheanurag/verdict/internal/database"
	"github.com/itstheanurag/verdict/internal/executor"
	"github.com/itstheanurag/verdict/internal/languages"
	"github.com/itstheanurag/verdict/internal/limiter"
	"github.com/itstheanurag/verdict/internal/queue"
	"github.com/itstheanurag/verdict/internal/sandbox"
	"github.com/itstheanurag/verdict/internal/worker"
	"github.com/rs/zerolog"
)

const (
	janitorInterval = time.Minute
	prepareTimeout  = 10 * time.Minute
)

type Server struct {
	conf        *config.Config
	logger      *zerolog.Logger
	httpServer  *http.Server
	db          *database.Database
	store       *database.OutcomeStore
	registry    *languages.Registry
	sandbox     sandbox.Sandbox
	executor    *executor.Executor
	queue       *queue.Manager
	pool        *worker.Pool
	rateLimiter *limiter.RateLimiter
	cancelFunc  context.CancelFunc
}

func New(
	conf *config.Config,
	logger *zerolog.Logger,
) (*Server, error) {
	s := &Server{conf: conf, logger: logger}

	var recorder worker.OutcomeRecorder
	var stats api.StatsSource
	if conf.Db.Enabled {
		db, err := database.New(context.Background(), conf.Db, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create database: %w", err)
		}
		s.db = db
		s.store = database.NewOutcomeStore(db)
		recorder, stats = s.store, s.store
	}

	s.registry = languages.NewRegistry(conf.Languages)

	sb, err := newSandbox(conf.Sandbox, logger)
	if err != nil {
		s.closeDB()
		return nil, fmt.Errorf("failed to create sandbox: %w", err)
	}
	s.sandbox = sb

	s.executor = executor.NewExecutor(s.registry, sb, conf.Limits, logger)
	s.queue = queue.NewManager(conf.Scheduler.QueueSize, conf.Scheduler.ResultTTL, logger)
	s.pool = worker.NewPool(conf.Scheduler.Workers, s.executor, s.queue, recorder, logger)

	if conf.RateLimit.Enabled {
		s.rateLimiter = limiter.NewRateLimiter(conf.RateLimit)
	}

	handler := api.NewHandler(s.queue, s.registry, conf, stats, logger)

	s.httpServer = &http.Server{
		Addr:         ":" + conf.Server.Port,
		Handler:      api.NewRouter(handler, s.rateLimiter),
		ReadTimeout:  time.Duration(conf.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(conf.Server.WriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(conf.Server.IdleTimeout) * time.Second,
	}

	return s, nil
}

func newSandbox(conf config.SandboxConfig, logger *zerolog.Logger) (sandbox.Sandbox, error) {
	switch conf.Backend {
	case "docker":
		return sandbox.NewDockerSandbox(conf, logger)
	case "process", "":
		return sandbox.NewProcessSandbox(conf, logger)
	default:
		return nil, fmt.Errorf("unknown sandbox backend %q", conf.Backend)
	}
}

func (s *Server) Start() error {
	s.logger.Info().
		Str("port", s.conf.Server.Port).
		Str("backend", s.conf.Sandbox.Backend).
		Int("workers", s.pool.Size()).
		Msg("starting HTTP server")

	prepCtx, prepCancel := context.WithTimeout(context.Background(), prepareTimeout)
	defer prepCancel()

	// Pull the language images, or check the process isolation works
	if err := s.sandbox.Prepare(prepCtx, s.registry.Images()); err != nil {
		return fmt.Errorf("failed to prepare sandbox: %w", err)
	}
	if s.store != nil {
		if err := s.store.Migrate(prepCtx); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancelFunc = cancel

	s.queue.StartJanitor(ctx, janitorInterval)
	if s.rateLimiter != nil {
		s.rateLimiter.StartCleanup(ctx, s.conf.RateLimit.IdleEvict)
	}
	s.pool.Start(ctx)

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server failed: %w", err)
	}

	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("shutting down HTTP server")

	err := s.httpServer.Shutdown(ctx)

	if s.cancelFunc != nil {
		s.cancelFunc()
	}
	if n := s.queue.CancelPending(); n > 0 {
		s.logger.Info().Int("jobs", n).Msg("cancelled queued jobs")
	}
	s.waitWorkers(ctx)

	if cerr := s.sandbox.Close(); cerr != nil {
		s.logger.Warn().Err(cerr).Msg("failed to close sandbox")
	}
	s.closeDB()

	if err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	return nil
}

// waitWorkers gives running jobs until ctx ends to finish; each is bounded by
// its own wall clock.
func (s *Server) waitWorkers(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		s.pool.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn().Msg("workers still running at shutdown deadline")
	}
}

func (s *Server) closeDB() {
	if s.db != nil {
		_ = s.db.Close()
	}
}
