package sandbox

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrSpawn reports that a job's process could not be started. It is an
// infrastructure failure, never the submitted program's fault.
var ErrSpawn = errors.New("sandbox: spawn failed")

// Sandbox runs one job in isolation and always releases the job's resources
// before returning.
type Sandbox interface {
	Run(ctx context.Context, job *Job) (*RawResult, error)
	// Prepare warms up the backend for the given images (docker) or checks
	// that jobs can start with the configured isolation (process).
	Prepare(ctx context.Context, images []string) error
	Close() error
}

// Limits are the effective ceilings for a single job, after language
// multipliers have been applied.
type Limits struct {
	WallClock     time.Duration
	CPUTime       time.Duration
	MemoryBytes   int64
	FileSizeBytes int64
	MaxProcesses  int
	OpenFiles     int
	OutputBytes   int
	// LimitAddressSpace applies RLIMIT_AS; runtimes that reserve large
	// virtual ranges up front (V8, Go) bound their heap by other means.
	LimitAddressSpace bool
}

// Violation names the resource ceiling a job breached.
type Violation string

const (
	ViolationNone     Violation = ""
	ViolationCPU      Violation = "cpu"
	ViolationMemory   Violation = "memory"
	ViolationFileSize Violation = "file-size"
)

// RawResult is the unparsed outcome of a job.
type RawResult struct {
	Stdout          string
	Stderr          string
	ExitCode        int
	Signal          string
	TimedOut        bool
	Cancelled       bool
	Violation       Violation
	CompileFailed   bool
	StdoutTruncated bool
	Duration        time.Duration
	CPUTime         time.Duration
	MaxRSSBytes     int64
}

// Normal reports whether the process ran to completion and exited cleanly.
func (r *RawResult) Normal() bool {
	return !r.TimedOut && !r.Cancelled && r.Violation == ViolationNone && !r.CompileFailed && r.ExitCode == 0
}

// Messages runtimes print when an allocation fails under the memory ceiling.
var oomSignatures = []string{
	"MemoryError",
	"std::bad_alloc",
	"JavaScript heap out of memory",
	"Reached heap limit",
	"fatal error: runtime: out of memory",
	"Cannot allocate memory",
}

func hasOOMSignature(stderr string) bool {
	for _, sig := range oomSignatures {
		if strings.Contains(stderr, sig) {
			return true
		}
	}
	return false
}

// joinOutput concatenates the non-blank streams of a failed step.
func joinOutput(parts ...string) string {
	var kept []string
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			kept = append(kept, strings.TrimRight(p, "\n"))
		}
	}
	return strings.Join(kept, "\n")
}
