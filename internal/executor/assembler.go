package executor

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/itstheanurag/verdict/internal/execution"
	"github.com/itstheanurag/verdict/internal/languages"
	"github.com/itstheanurag/verdict/internal/sandbox"
)

const truncatedMarker = "...output truncated"

// AssembleOptions bounds what the assembler copies into a response.
type AssembleOptions struct {
	OutputBytes     int
	DiagnosticBytes int
	WallClock       time.Duration
	// Workspace is scrubbed from any text taken from the process.
	Workspace string
}

// Assemble turns a raw sandbox result and the harness report into the
// caller-facing response. It returns the error class, empty on success.
// Precedence: compile failure, timeout, cancellation, resource violation,
// load or runtime failure, malformed harness output.
func Assemble(raw *sandbox.RawResult, rep *languages.Report, parseErr error, tests []execution.TestCase, opts AssembleOptions) (*execution.Response, execution.ErrorClass) {
	if raw.CompileFailed {
		diag := truncateBytes(scrub(raw.Stderr, opts.Workspace), opts.DiagnosticBytes)
		if diag == "" {
			diag = "compilation failed"
		}
		return execution.Failed(tests, execution.ClassCompile, diag), execution.ClassCompile
	}

	results := inferredResults(rep, tests)
	output := ""
	if rep != nil {
		output = rep.Output
	}
	output = boundOutput(output, opts.OutputBytes, raw.StdoutTruncated)

	fail := func(class execution.ErrorClass, msg string) (*execution.Response, execution.ErrorClass) {
		return &execution.Response{
			ExecutionResult: execution.ExecutionResult{Success: false, Output: output, Error: class.Format(msg)},
			TestResults:     results,
		}, class
	}

	switch {
	case raw.TimedOut:
		return fail(execution.ClassTimeout, timeoutMessage(opts.WallClock))
	case raw.Cancelled:
		return fail(execution.ClassCancelled, "execution cancelled")
	case raw.Violation != sandbox.ViolationNone:
		return fail(execution.ClassViolation, violationMessage(raw.Violation))
	case rep != nil && rep.LoadError != "":
		// The code never loaded, so every test shares the classified error
		// just like a compile failure.
		class := execution.ClassRuntime
		if rep.LoadSyntax {
			class = execution.ClassCompile
		}
		resp := execution.Failed(tests, class, rep.LoadError)
		resp.Output = output
		return resp, class
	case raw.ExitCode != 0 || raw.Signal != "":
		return fail(execution.ClassRuntime, runtimeMessage(raw, opts.Workspace))
	case parseErr != nil:
		return fail(execution.ClassInternal, "malformed harness output")
	case rep == nil || !rep.Done:
		return fail(execution.ClassRuntime, "program exited before all tests ran")
	}

	return &execution.Response{
		ExecutionResult: execution.ExecutionResult{Success: true, Output: output},
		TestResults:     results,
	}, ""
}

// inferredResults returns exactly one result per test case, in order.
func inferredResults(rep *languages.Report, tests []execution.TestCase) []execution.TestResult {
	results := make([]execution.TestResult, len(tests))
	for i, tc := range tests {
		results[i] = execution.TestResult{Description: tc.Description, Error: languages.NotRunMessage}
		if rep != nil && i < len(rep.Results) {
			results[i].Passed = rep.Results[i].Passed
			results[i].Error = rep.Results[i].Error
		}
	}
	return results
}

func timeoutMessage(wall time.Duration) string {
	if wall <= 0 {
		return "execution timed out, check for infinite loops or blocking calls"
	}
	return fmt.Sprintf("execution did not finish within %s, check for infinite loops or blocking calls", wall)
}

func violationMessage(v sandbox.Violation) string {
	switch v {
	case sandbox.ViolationCPU:
		return "CPU time limit exceeded"
	case sandbox.ViolationMemory:
		return "memory limit exceeded"
	case sandbox.ViolationFileSize:
		return "file size limit exceeded"
	default:
		return "resource limit exceeded"
	}
}

// runtimeMessage is the last meaningful stderr line, never the full stream.
func runtimeMessage(raw *sandbox.RawResult, workspace string) string {
	if line := lastLine(scrub(raw.Stderr, workspace)); line != "" {
		return truncateBytes(line, 300)
	}
	if raw.Signal != "" {
		return "process terminated by " + raw.Signal
	}
	return fmt.Sprintf("process exited with status %d", raw.ExitCode)
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" {
			return l
		}
	}
	return ""
}

// scrub removes the sandbox workspace path so host layout does not leak.
func scrub(s, workspace string) string {
	if workspace != "" {
		s = strings.ReplaceAll(s, workspace+"/", "")
		s = strings.ReplaceAll(s, workspace, ".")
	}
	return strings.ReplaceAll(s, "/home/sandbox/", "")
}

func boundOutput(s string, limit int, alreadyTruncated bool) string {
	s = strings.ToValidUTF8(s, "�")
	cut := limit > 0 && len(s) > limit
	if cut {
		s = truncateBytes(s, limit)
	}
	if cut || alreadyTruncated {
		if s != "" && !strings.HasSuffix(s, "\n") {
			s += "\n"
		}
		s += truncatedMarker
	}
	return s
}

// truncateBytes cuts s to at most limit bytes on a rune boundary.
func truncateBytes(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	for limit > 0 && !utf8.RuneStart(s[limit]) {
		limit--
	}
	return s[:limit]
}
