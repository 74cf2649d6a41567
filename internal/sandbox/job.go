package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// JobState tracks a job through Created -> Spawned -> Running -> terminal -> Cleaned.
type JobState int

const (
	JobCreated JobState = iota
	JobSpawned
	JobRunning
	JobCompleted
	JobTimedOut
	JobViolated
	JobSpawnFailed
	JobCleaned
)

func (s JobState) String() string {
	switch s {
	case JobCreated:
		return "created"
	case JobSpawned:
		return "spawned"
	case JobRunning:
		return "running"
	case JobCompleted:
		return "completed"
	case JobTimedOut:
		return "timed_out"
	case JobViolated:
		return "violated"
	case JobSpawnFailed:
		return "spawn_failed"
	case JobCleaned:
		return "cleaned"
	default:
		return fmt.Sprintf("JobState(%d)", int(s))
	}
}

func (s JobState) terminal() bool {
	return s == JobCompleted || s == JobTimedOut || s == JobViolated || s == JobSpawnFailed
}

func (s JobState) canTransition(next JobState) bool {
	switch {
	case s == JobCreated:
		return next == JobSpawned || next == JobSpawnFailed
	case s == JobSpawned:
		return next == JobRunning || next.terminal()
	case s == JobRunning:
		return next.terminal()
	case s.terminal():
		return next == JobCleaned
	default:
		return false
	}
}

// File is written into the workspace before the first step runs.
type File struct {
	Name string
	Data []byte
	Mode os.FileMode
}

// Job is one sandboxed execution. It is owned by the sandbox for its whole
// lifetime and must not be reused.
type Job struct {
	ID      string
	Image   string
	Files   []File
	Compile [][]string
	Run     []string
	Env     []string
	Limits  Limits
	// MarkerPrefix lines on stdout survive the output ceiling.
	MarkerPrefix string

	mu        sync.Mutex
	state     JobState
	workspace string
	history   []JobState
	cleanups  []func()
}

// NewJob returns a job in the Created state.
func NewJob(id string, files []File, compile [][]string, run []string, limits Limits) *Job {
	return &Job{
		ID:      id,
		Files:   files,
		Compile: compile,
		Run:     run,
		Limits:  limits,
		state:   JobCreated,
		history: []JobState{JobCreated},
	}
}

func (j *Job) State() JobState {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// History returns every state the job went through, in order.
func (j *Job) History() []JobState {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]JobState(nil), j.history...)
}

func (j *Job) Workspace() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.workspace
}

func (j *Job) transition(next JobState) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state == next {
		return nil
	}
	if !j.state.canTransition(next) {
		return fmt.Errorf("job %s: illegal transition %s -> %s", j.ID, j.state, next)
	}
	j.state = next
	j.history = append(j.history, next)
	return nil
}

// finish moves the job into a terminal state, tolerating a job that never
// reached Running.
func (j *Job) finish(terminal JobState) {
	j.mu.Lock()
	cur := j.state
	j.mu.Unlock()
	if cur == JobCreated && terminal != JobSpawnFailed {
		_ = j.transition(JobSpawned)
	}
	_ = j.transition(terminal)
}

func (j *Job) onCleanup(fn func()) {
	j.mu.Lock()
	j.cleanups = append(j.cleanups, fn)
	j.mu.Unlock()
}

// acquireWorkspace creates a private scratch directory under root and writes
// the job files into it.
func (j *Job) acquireWorkspace(root string) error {
	dir, err := os.MkdirTemp(root, "verdict-"+sanitizeID(j.ID)+"-")
	if err != nil {
		return fmt.Errorf("create workspace: %w", err)
	}
	j.mu.Lock()
	j.workspace = dir
	j.mu.Unlock()
	j.onCleanup(func() { _ = os.RemoveAll(dir) })

	if err := os.Chmod(dir, 0o700); err != nil {
		return fmt.Errorf("chmod workspace: %w", err)
	}

	for _, f := range j.Files {
		if f.Name == "" || f.Name != filepath.Base(f.Name) {
			return fmt.Errorf("invalid workspace file name %q", f.Name)
		}
		mode := f.Mode
		if mode == 0 {
			mode = 0o644
		}
		if err := os.WriteFile(filepath.Join(dir, f.Name), f.Data, mode); err != nil {
			return fmt.Errorf("write %s: %w", f.Name, err)
		}
	}
	return nil
}

// cleanup releases everything the job acquired and moves it to Cleaned.
// It runs exactly once per job; later calls are no-ops.
func (j *Job) cleanup() {
	j.mu.Lock()
	if j.state == JobCleaned {
		j.mu.Unlock()
		return
	}
	fns := j.cleanups
	j.cleanups = nil
	j.mu.Unlock()

	for i := len(fns) - 1; i >= 0; i-- {
		fns[i]()
	}

	j.mu.Lock()
	if !j.state.terminal() {
		// Released on a path that never classified the job; record it as a
		// spawn failure so the history stays well formed.
		if j.state == JobCreated {
			j.state = JobSpawnFailed
		} else {
			j.state = JobCompleted
		}
		j.history = append(j.history, j.state)
	}
	j.state = JobCleaned
	j.history = append(j.history, JobCleaned)
	j.mu.Unlock()
}

func sanitizeID(id string) string {
	var b strings.Builder
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		}
		if b.Len() >= 36 {
			break
		}
	}
	if b.Len() == 0 {
		return "job"
	}
	return b.String()
}
