package executor

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/itstheanurag/verdict/internal/config"
	"github.com/itstheanurag/verdict/internal/execution"
	"github.com/itstheanurag/verdict/internal/languages"
	"github.com/itstheanurag/verdict/internal/metrics"
	"github.com/itstheanurag/verdict/internal/sandbox"
	"github.com/rs/zerolog"
)

// Result is one finished execution. Response is always well formed; Class is
// empty when the run succeeded.
type Result struct {
	Response *execution.Response
	Class    execution.ErrorClass
	Duration time.Duration
	// MaxRSSBytes is the peak resident size of the run step, when known.
	MaxRSSBytes int64
}

type Executor struct {
	registry *languages.Registry
	sandbox  sandbox.Sandbox
	limits   config.LimitsConfig
	logger   *zerolog.Logger
}

func NewExecutor(registry *languages.Registry, sb sandbox.Sandbox, limits config.LimitsConfig, logger *zerolog.Logger) *Executor {
	return &Executor{
		registry: registry,
		sandbox:  sb,
		limits:   limits,
		logger:   logger,
	}
}

// Execute runs req end to end. It never returns a nil result; every failure
// is folded into a classified response with one test result per test case.
func (e *Executor) Execute(ctx context.Context, id string, req execution.ExecutionRequest) *Result {
	start := time.Now()
	log := e.logger.With().Str("job_id", id).Str("language", string(req.Language)).Logger()

	done := func(resp *execution.Response, class execution.ErrorClass) *Result {
		return &Result{Response: resp, Class: class, Duration: time.Since(start)}
	}

	if err := req.Validate(e.limits.MaxCodeBytes, e.limits.MaxTests); err != nil {
		return done(execution.Failed(req.TestCases, execution.ClassInvalidRequest, err.Error()), execution.ClassInvalidRequest)
	}

	adapter, err := e.registry.Get(req.Language)
	if err != nil {
		if errors.Is(err, languages.ErrLanguageNotFound) {
			msg := "unsupported language " + string(req.Language)
			return done(execution.Failed(req.TestCases, execution.ClassInvalidRequest, msg), execution.ClassInvalidRequest)
		}
		log.Error().Err(err).Msg("resolving language adapter")
		return done(internalFailure(req.TestCases), execution.ClassInternal)
	}

	prog, err := adapter.Build(req.Code, req.TestCases)
	if err != nil {
		log.Error().Err(err).Msg("building harness")
		return done(internalFailure(req.TestCases), execution.ClassInternal)
	}

	cmd := adapter.Invoke(baseLimits(e.limits))
	limits := scaleLimits(e.limits, cmd)

	job := sandbox.NewJob(id, prog.Files, cmd.Compile, cmd.Run, limits)
	job.Image = adapter.Image()
	job.Env = cmd.Env
	job.MarkerPrefix = prog.MarkerPrefix()

	raw, err := e.sandbox.Run(ctx, job)
	if err != nil {
		runErr := execution.NewError(execution.ClassInternal, internalMessage, err)
		if ctx.Err() != nil {
			runErr = execution.NewError(execution.ClassCancelled, "execution cancelled", err)
		} else {
			log.Error().Err(err).Msg("sandbox run failed")
		}
		class := execution.ClassOf(runErr)
		return done(execution.Failed(req.TestCases, class, execution.PublicMessage(runErr)), class)
	}
	if raw.Violation != sandbox.ViolationNone {
		metrics.SandboxViolations.WithLabelValues(string(raw.Violation)).Inc()
	}

	rep, parseErr := adapter.Parse(raw, prog)
	resp, class := Assemble(raw, rep, parseErr, req.TestCases, AssembleOptions{
		OutputBytes:     e.limits.OutputBytes,
		DiagnosticBytes: e.limits.DiagnosticBytes,
		WallClock:       limits.WallClock,
		Workspace:       job.Workspace(),
	})

	switch {
	case class == "":
		log.Debug().Dur("duration", raw.Duration).Int("passed", resp.PassedCount()).Msg("execution finished")
	case !class.Recoverable():
		log.Error().Err(parseErr).Int("exit_code", raw.ExitCode).Msg("malformed harness output")
	default:
		log.Info().Str("class", string(class)).Dur("duration", raw.Duration).Msg("execution failed")
	}

	res := done(resp, class)
	res.MaxRSSBytes = raw.MaxRSSBytes
	return res
}

const internalMessage = "internal error, the incident has been logged"

func internalFailure(tests []execution.TestCase) *execution.Response {
	return execution.Failed(tests, execution.ClassInternal, internalMessage)
}

func baseLimits(c config.LimitsConfig) sandbox.Limits {
	return sandbox.Limits{
		WallClock:         c.WallClock,
		CPUTime:           c.CPUTime,
		MemoryBytes:       c.MemoryBytes,
		FileSizeBytes:     c.FileSizeBytes,
		MaxProcesses:      c.MaxProcesses,
		OpenFiles:         c.OpenFiles,
		OutputBytes:       c.OutputBytes,
		LimitAddressSpace: true,
	}
}

// scaleLimits applies a language's multipliers to the service-wide ceilings.
func scaleLimits(c config.LimitsConfig, cmd languages.Command) sandbox.Limits {
	l := baseLimits(c)
	l.WallClock = scaleDuration(l.WallClock, cmd.WallMultiplier)
	l.CPUTime = scaleDuration(l.CPUTime, cmd.CPUMultiplier)
	l.MemoryBytes = int64(math.Round(float64(l.MemoryBytes) * multiplier(cmd.MemoryMultiplier)))
	l.LimitAddressSpace = cmd.LimitAddressSpace
	return l
}

func scaleDuration(d time.Duration, m float64) time.Duration {
	return time.Duration(math.Round(float64(d) * multiplier(m)))
}

func multiplier(m float64) float64 {
	if m <= 0 {
		return 1
	}
	return m
}
