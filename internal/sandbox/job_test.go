package sandbox

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func assertCleaned(t *testing.T, job *Job) {
	t.Helper()
	if job.State() != JobCleaned {
		t.Fatalf("job state = %s, want cleaned", job.State())
	}
	if ws := job.Workspace(); ws != "" {
		if _, err := os.Stat(ws); !os.IsNotExist(err) {
			t.Fatalf("workspace %s still exists", ws)
		}
	}
}

func TestJobTransitions(t *testing.T) {
	job := NewJob("j1", nil, nil, []string{"true"}, Limits{})
	if job.State() != JobCreated {
		t.Fatalf("state = %s", job.State())
	}
	if err := job.transition(JobRunning); err == nil {
		t.Fatal("created -> running must be rejected")
	}
	for _, next := range []JobState{JobSpawned, JobRunning, JobCompleted} {
		if err := job.transition(next); err != nil {
			t.Fatalf("transition to %s: %v", next, err)
		}
	}
	if err := job.transition(JobTimedOut); err == nil {
		t.Fatal("terminal -> terminal must be rejected")
	}
	job.cleanup()
	want := []JobState{JobCreated, JobSpawned, JobRunning, JobCompleted, JobCleaned}
	if got := job.History(); !reflect.DeepEqual(got, want) {
		t.Fatalf("history = %v, want %v", got, want)
	}
}

func TestJobFinishFromCreated(t *testing.T) {
	job := NewJob("j2", nil, nil, nil, Limits{})
	job.finish(JobTimedOut)
	want := []JobState{JobCreated, JobSpawned, JobTimedOut}
	if got := job.History(); !reflect.DeepEqual(got, want) {
		t.Fatalf("history = %v, want %v", got, want)
	}

	failed := NewJob("j3", nil, nil, nil, Limits{})
	failed.finish(JobSpawnFailed)
	if failed.State() != JobSpawnFailed {
		t.Fatalf("state = %s", failed.State())
	}
}

func TestJobWorkspaceLifecycle(t *testing.T) {
	root := t.TempDir()
	job := NewJob("abc/../def", []File{
		{Name: "main.py", Data: []byte("print(1)\n")},
		{Name: "run.sh", Data: []byte("#!/bin/sh\n"), Mode: 0o755},
	}, nil, nil, Limits{})

	if err := job.acquireWorkspace(root); err != nil {
		t.Fatalf("acquireWorkspace: %v", err)
	}
	ws := job.Workspace()
	if filepath.Dir(ws) != root {
		t.Fatalf("workspace %s escaped root %s", ws, root)
	}
	info, err := os.Stat(ws)
	if err != nil {
		t.Fatalf("stat workspace: %v", err)
	}
	if info.Mode().Perm() != 0o700 {
		t.Fatalf("workspace mode = %v", info.Mode().Perm())
	}
	data, err := os.ReadFile(filepath.Join(ws, "main.py"))
	if err != nil || string(data) != "print(1)\n" {
		t.Fatalf("main.py = %q, %v", data, err)
	}
	if st, _ := os.Stat(filepath.Join(ws, "run.sh")); st == nil || st.Mode().Perm()&0o100 == 0 {
		t.Fatal("run.sh should be executable")
	}

	calls := 0
	job.onCleanup(func() { calls++ })
	job.cleanup()
	job.cleanup()
	if calls != 1 {
		t.Fatalf("cleanup ran %d times", calls)
	}
	if _, err := os.Stat(ws); !os.IsNotExist(err) {
		t.Fatalf("workspace not removed: %v", err)
	}
	if job.State() != JobCleaned {
		t.Fatalf("state = %s", job.State())
	}
}

func TestJobRejectsPathFileNames(t *testing.T) {
	job := NewJob("x", []File{{Name: "../evil", Data: []byte("x")}}, nil, nil, Limits{})
	if err := job.acquireWorkspace(t.TempDir()); err == nil {
		t.Fatal("expected invalid file name error")
	}
	job.cleanup()
}

func TestSanitizeID(t *testing.T) {
	cases := map[string]string{
		"":        "job",
		"../..":   "job",
		"abc-123": "abc-123",
		"a b/c":   "abc",
	}
	for in, want := range cases {
		if got := sanitizeID(in); got != want {
			t.Errorf("sanitizeID(%q) = %q, want %q", in, got, want)
		}
	}
}
