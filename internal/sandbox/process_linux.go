//go:build linux

package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/itstheanurag/verdict/internal/config"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

const (
	// Compilers get more address space than the program they build.
	compileMemoryFactor = 4
	waitDelay           = 500 * time.Millisecond
	rssPollInterval     = 20 * time.Millisecond
)

// ErrIsolation reports that the host refused the namespaces or mounts a
// confined job needs.
var ErrIsolation = fmt.Errorf("%w: isolation unavailable", ErrSpawn)

// ProcessSandbox runs jobs as child process groups of the service, confined
// by rlimits and, when configured, by their own mount, pid and network
// namespaces with a private root (see enterRoot). Rlimits and confinement are
// applied by re-executing the service binary as a tiny init, see MaybeRunInit.
type ProcessSandbox struct {
	// Executable is the binary re-executed as sandbox init. It defaults to
	// the running service binary.
	Executable string

	workRoot   string
	uid, gid   int
	isolateFS  bool
	isolateNet bool
	allowBare  bool
	readOnly   []string
	tmpBytes   int64
	logger     *zerolog.Logger

	namespaces atomic.Bool
	nsWarn     sync.Once
}

func NewProcessSandbox(cfg config.SandboxConfig, logger *zerolog.Logger) (*ProcessSandbox, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve service binary: %w", err)
	}
	root := cfg.WorkRoot
	if root == "" {
		root = os.TempDir()
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("work root: %w", err)
	}
	s := &ProcessSandbox{
		Executable: exe,
		workRoot:   root,
		uid:        cfg.RunAsUID,
		gid:        cfg.RunAsGID,
		isolateFS:  cfg.IsolateFilesystem,
		isolateNet: cfg.IsolateNetwork,
		allowBare:  cfg.AllowUnisolated,
		readOnly:   cfg.ReadOnlyPaths,
		tmpBytes:   cfg.TmpSizeBytes,
		logger:     logger,
	}
	if s.uid >= 0 && s.gid < 0 {
		s.gid = s.uid
	}
	if s.uid < 0 && os.Geteuid() == 0 {
		logger.Warn().Msg("jobs run as root: the process limit is not enforced, set sandbox.run_as_uid")
	}
	s.namespaces.Store(s.isolateFS || s.isolateNet)
	return s, nil
}

// Prepare starts one init through the full spawn path so a host that refuses
// the configured isolation fails at startup rather than on every job.
func (s *ProcessSandbox) Prepare(ctx context.Context, _ []string) error {
	job := NewJob("self-check", nil, nil, []string{selfCheckTarget}, Limits{WallClock: 10 * time.Second, OutputBytes: 4096})
	res, err := s.Run(ctx, job)
	if err != nil {
		return fmt.Errorf("process sandbox self-check: %w", err)
	}
	if !res.Normal() {
		return fmt.Errorf("process sandbox self-check: exit %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return nil
}

func (s *ProcessSandbox) Close() error { return nil }

// Run executes the job's compile steps and then its run step, all within one
// wall-clock budget. The workspace and every process the job started are gone
// when Run returns.
func (s *ProcessSandbox) Run(ctx context.Context, job *Job) (*RawResult, error) {
	defer job.cleanup()
	start := time.Now()

	if err := s.prepareWorkspace(job); err != nil {
		job.finish(JobSpawnFailed)
		return nil, fmt.Errorf("%w: %v", ErrSpawn, err)
	}

	wallCtx, cancel := context.WithTimeout(ctx, job.Limits.WallClock)
	defer cancel()

	res := &RawResult{}
	steps := append(append([][]string(nil), job.Compile...), job.Run)
	for i, argv := range steps {
		compile := i < len(job.Compile)
		out, err := s.runStep(ctx, wallCtx, job, argv, compile)
		if err != nil {
			job.finish(JobSpawnFailed)
			return nil, err
		}

		res.CPUTime += out.cpu
		res.MaxRSSBytes = max(res.MaxRSSBytes, out.maxRSS)
		res.ExitCode = out.exitCode
		res.Signal = out.signalName()
		res.TimedOut = out.timedOut
		res.Cancelled = out.cancelled
		res.Violation = out.violation

		if compile {
			if out.timedOut || out.cancelled || out.violation != ViolationNone || out.exitCode != 0 || out.signal != 0 {
				res.CompileFailed = !out.timedOut && !out.cancelled
				res.Stderr = joinOutput(out.stderr, out.stdout)
				break
			}
			continue
		}
		res.Stdout = out.stdout
		res.Stderr = out.stderr
		res.StdoutTruncated = out.truncated
	}
	res.Duration = time.Since(start)

	switch {
	case res.TimedOut || res.Cancelled:
		job.finish(JobTimedOut)
	case res.Violation != ViolationNone:
		job.finish(JobViolated)
	default:
		job.finish(JobCompleted)
	}

	s.logger.Debug().
		Str("job", job.ID).
		Int("exit", res.ExitCode).
		Str("signal", res.Signal).
		Bool("timed_out", res.TimedOut).
		Str("violation", string(res.Violation)).
		Dur("duration", res.Duration).
		Msg("process job finished")
	return res, nil
}

func (s *ProcessSandbox) prepareWorkspace(job *Job) error {
	if err := job.acquireWorkspace(s.workRoot); err != nil {
		return err
	}
	if s.uid < 0 {
		return nil
	}
	dir := job.Workspace()
	if err := os.Chown(dir, s.uid, s.gid); err != nil {
		return fmt.Errorf("chown workspace: %w", err)
	}
	for _, f := range job.Files {
		if err := os.Chown(filepath.Join(dir, f.Name), s.uid, s.gid); err != nil {
			return fmt.Errorf("chown %s: %w", f.Name, err)
		}
	}
	return nil
}

type stepOutcome struct {
	stdout, stderr string
	truncated      bool
	exitCode       int
	signal         syscall.Signal
	timedOut       bool
	cancelled      bool
	memKilled      bool
	violation      Violation
	cpu            time.Duration
	maxRSS         int64
}

func (o *stepOutcome) signalName() string {
	if o.signal == 0 {
		return ""
	}
	return unix.SignalName(o.signal)
}

func (s *ProcessSandbox) runStep(parent, ctx context.Context, job *Job, argv []string, compile bool) (*stepOutcome, error) {
	if err := ctx.Err(); err != nil {
		return &stepOutcome{exitCode: -1, timedOut: parent.Err() == nil, cancelled: parent.Err() != nil}, nil
	}

	l := job.Limits
	prefix := job.MarkerPrefix
	if compile {
		prefix = ""
	}
	stdout := newCaptureWriter(l.OutputBytes, prefix)
	stderr := newCaptureWriter(l.OutputBytes, "")

	sp, err := s.spawn(ctx, job, argv, compile, stdout, stderr)
	if err != nil {
		return nil, err
	}
	cmd := sp.cmd
	pid := cmd.Process.Pid
	_ = job.transition(JobRunning)

	out := &stepOutcome{}
	var stopWatch func()
	if !compile && !l.LimitAddressSpace && l.MemoryBytes > 0 {
		stopWatch = watchRSS(pid, l.MemoryBytes, func() { out.memKilled = true })
	}
	waitErr := cmd.Wait()
	if stopWatch != nil {
		stopWatch()
	}
	_ = killGroup(pid)

	out.stdout = stdout.String()
	out.stderr = stderr.String()
	out.truncated = stdout.Truncated()

	ps := cmd.ProcessState
	if ps == nil {
		sp.close()
		return nil, fmt.Errorf("%w: %s: %v", ErrSpawn, argv[0], waitErr)
	}
	out.exitCode = ps.ExitCode()
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		out.signal = ws.Signal()
	}
	if sig := sp.relayedSignal(); sig != 0 {
		out.signal = sig
		out.exitCode = -1
	}
	if ru, ok := ps.SysUsage().(*syscall.Rusage); ok {
		out.cpu = time.Duration(ru.Utime.Nano() + ru.Stime.Nano())
		out.maxRSS = ru.Maxrss * 1024
	}

	if ctx.Err() != nil {
		if parent.Err() != nil {
			out.cancelled = true
		} else if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			out.timedOut = true
		}
	}
	out.violation = detectViolation(out, l)
	return out, nil
}

// spawned is a started init and, for confined jobs, the pipe on which it
// relays the signal that ended the target.
type spawned struct {
	cmd    *exec.Cmd
	status *os.File
}

func (sp *spawned) close() {
	if sp.status != nil {
		sp.status.Close()
		sp.status = nil
	}
}

// relayedSignal reads the confined init's report once it has exited.
func (sp *spawned) relayedSignal() syscall.Signal {
	if sp.status == nil {
		return 0
	}
	data, _ := io.ReadAll(sp.status)
	sp.close()
	n, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || n <= 0 {
		return 0
	}
	return syscall.Signal(n)
}

// spawn starts the init for one step. When the host refuses the namespaces
// the job fails with ErrIsolation, unless unisolated runs are allowed: then
// the sandbox warns once and stops asking for them.
func (s *ProcessSandbox) spawn(ctx context.Context, job *Job, argv []string, compile bool, stdout, stderr io.Writer) (*spawned, error) {
	for {
		namespaces := s.namespaces.Load()
		sp, err := s.trySpawn(ctx, job, argv, compile, namespaces, stdout, stderr)
		if err == nil || !namespaces || !errors.Is(err, ErrIsolation) {
			return sp, err
		}
		if !s.allowBare {
			s.logger.Error().Err(err).Str("job", job.ID).Msg("sandbox isolation unavailable")
			return nil, err
		}
		s.nsWarn.Do(func() {
			s.logger.Warn().Err(err).Msg("namespaces unavailable, running jobs without isolation")
		})
		s.namespaces.Store(false)
	}
}

func (s *ProcessSandbox) trySpawn(ctx context.Context, job *Job, argv []string, compile, namespaces bool, stdout, stderr io.Writer) (*spawned, error) {
	l := job.Limits
	asBytes := l.MemoryBytes
	if compile {
		asBytes *= compileMemoryFactor
	}
	confined := namespaces && s.isolateFS
	plan := "-"
	if confined {
		plan = mountPlan{
			Workspace: job.Workspace(),
			ReadOnly:  s.readOnly,
			TmpBytes:  s.tmpBytes,
			Init:      s.Executable,
			UID:       s.uid,
			GID:       s.gid,
		}.encode()
	}
	rlimits := encodeRlimits(l, l.LimitAddressSpace, asBytes, s.nprocLimit(l))
	args := append([]string{InitCommand, rlimits, plan, "--"}, argv...)

	errR, errW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("%w: spawn pipe: %v", ErrSpawn, err)
	}
	defer errR.Close()
	sp := &spawned{}
	files := []*os.File{errW}
	var statusW *os.File
	if confined {
		if sp.status, statusW, err = os.Pipe(); err != nil {
			errW.Close()
			return nil, fmt.Errorf("%w: status pipe: %v", ErrSpawn, err)
		}
		files = append(files, statusW)
	}

	cmd := exec.CommandContext(ctx, s.Executable, args...)
	cmd.Dir = job.Workspace()
	cmd.Env = s.environ(job, confined)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.ExtraFiles = files
	cmd.SysProcAttr = s.sysProcAttr(namespaces, confined)
	cmd.Cancel = func() error { return killGroup(cmd.Process.Pid) }
	cmd.WaitDelay = waitDelay
	sp.cmd = cmd

	err = cmd.Start()
	errW.Close()
	if statusW != nil {
		statusW.Close()
	}
	if err != nil {
		sp.close()
		if namespaces && namespaceUnsupported(err) {
			return nil, fmt.Errorf("%w: %v", ErrIsolation, err)
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrSpawn, argv[0], err)
	}

	pid := cmd.Process.Pid
	job.onCleanup(func() { _ = killGroup(pid) })
	if job.State() == JobCreated {
		_ = job.transition(JobSpawned)
	}

	// EOF means the init exec'd the target; anything else is its error report.
	msg, _ := io.ReadAll(errR)
	if len(msg) > 0 {
		_ = killGroup(pid)
		_ = cmd.Wait()
		sp.close()
		text := strings.TrimSpace(string(msg))
		if strings.Contains(text, isolationTag) {
			return nil, fmt.Errorf("%w: %s", ErrIsolation, text)
		}
		return nil, fmt.Errorf("%w: %s", ErrSpawn, text)
	}
	return sp, nil
}

// nprocLimit bounds the processes a job may create. RLIMIT_NPROC counts every
// task of the real uid, so jobs sharing the service uid get the tasks that
// uid already runs as headroom.
func (s *ProcessSandbox) nprocLimit(l Limits) int {
	if l.MaxProcesses <= 0 {
		return 0
	}
	if s.uid >= 0 {
		return l.MaxProcesses
	}
	return userTasks(os.Getuid()) + l.MaxProcesses
}

// userTasks counts the threads whose real uid is uid.
func userTasks(uid int) int {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return 0
	}
	n := 0
	for _, e := range entries {
		if _, err := strconv.Atoi(e.Name()); err != nil {
			continue
		}
		data, err := os.ReadFile("/proc/" + e.Name() + "/status")
		if err != nil {
			continue
		}
		owner, threads := -1, 0
		for _, line := range strings.Split(string(data), "\n") {
			f := strings.Fields(line)
			if len(f) < 2 {
				continue
			}
			switch f[0] {
			case "Uid:":
				owner, _ = strconv.Atoi(f[1])
			case "Threads:":
				threads, _ = strconv.Atoi(f[1])
			}
		}
		if owner == uid {
			n += threads
		}
	}
	return n
}

func (s *ProcessSandbox) environ(job *Job, confined bool) []string {
	home, tmp := job.Workspace(), job.Workspace()
	if confined {
		home, tmp = sandboxHome, "/tmp"
	}
	path := os.Getenv("PATH")
	if path == "" {
		path = "/usr/local/bin:/usr/bin:/bin"
	}
	env := []string{
		"PATH=" + path,
		"HOME=" + home,
		"TMPDIR=" + tmp,
		"LANG=C.UTF-8",
	}
	return append(env, job.Env...)
}

// sysProcAttr puts the init in its own process group and, with namespaces,
// in new ones. A confined init must hold CAP_SYS_ADMIN in its namespaces to
// build the root, so it is mapped to uid 0 there and drops the uid (or the
// capabilities) itself before the target runs.
func (s *ProcessSandbox) sysProcAttr(namespaces, confined bool) *syscall.SysProcAttr {
	attr := &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}
	if s.uid >= 0 && !confined {
		attr.Credential = &syscall.Credential{Uid: uint32(s.uid), Gid: uint32(s.gid), NoSetGroups: true}
	}
	if !namespaces {
		return attr
	}
	var flags uintptr
	if s.isolateNet {
		flags |= syscall.CLONE_NEWNET
	}
	if confined {
		flags |= syscall.CLONE_NEWNS | syscall.CLONE_NEWPID | syscall.CLONE_NEWIPC
	}
	if os.Geteuid() == 0 {
		attr.Cloneflags = flags
		return attr
	}
	uid, gid := os.Getuid(), os.Getgid()
	innerUID, innerGID := uid, gid
	if confined {
		innerUID, innerGID = 0, 0
	}
	attr.Cloneflags = flags | syscall.CLONE_NEWUSER
	attr.UidMappings = []syscall.SysProcIDMap{{ContainerID: innerUID, HostID: uid, Size: 1}}
	attr.GidMappings = []syscall.SysProcIDMap{{ContainerID: innerGID, HostID: gid, Size: 1}}
	attr.GidMappingsEnableSetgroups = false
	return attr
}

func namespaceUnsupported(err error) bool {
	return errors.Is(err, syscall.EPERM) ||
		errors.Is(err, syscall.EINVAL) ||
		errors.Is(err, syscall.ENOSPC) ||
		errors.Is(err, syscall.ENOSYS) ||
		errors.Is(err, syscall.EACCES)
}

func killGroup(pid int) error {
	if pid <= 0 {
		return nil
	}
	err := unix.Kill(-pid, unix.SIGKILL)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}

// watchRSS kills the process group once the resident set of the init and its
// descendants exceeds limit. It covers runtimes that cannot run under
// RLIMIT_AS.
func watchRSS(pid int, limit int64, onKill func()) (stop func()) {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(rssPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
			}
			rss, err := treeRSS(pid)
			if err != nil {
				return
			}
			if rss > limit {
				onKill()
				_ = killGroup(pid)
				return
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

// treeRSS sums the resident sets of pid and its descendants. Children that
// exit between reads are skipped.
func treeRSS(pid int) (int64, error) {
	total, err := readRSS(pid)
	if err != nil {
		return 0, err
	}
	for _, child := range childPIDs(pid) {
		if rss, err := treeRSS(child); err == nil {
			total += rss
		}
	}
	return total, nil
}

// childPIDs lists the children of every thread of pid; a Go init forks from
// whichever thread happens to run.
func childPIDs(pid int) []int {
	dir := "/proc/" + strconv.Itoa(pid) + "/task"
	tasks, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var out []int
	for _, t := range tasks {
		data, err := os.ReadFile(dir + "/" + t.Name() + "/children")
		if err != nil {
			continue
		}
		for _, f := range strings.Fields(string(data)) {
			if n, err := strconv.Atoi(f); err == nil {
				out = append(out, n)
			}
		}
	}
	return out
}

func readRSS(pid int) (int64, error) {
	data, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/statm")
	if err != nil {
		return 0, err
	}
	fields := strings.Fields(string(data))
	if len(fields) < 2 {
		return 0, fmt.Errorf("short statm %q", data)
	}
	pages, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return 0, err
	}
	return pages * int64(os.Getpagesize()), nil
}

func detectViolation(o *stepOutcome, l Limits) Violation {
	if o.memKilled {
		return ViolationMemory
	}
	switch o.signal {
	case syscall.SIGXCPU:
		return ViolationCPU
	case syscall.SIGXFSZ:
		return ViolationFileSize
	case syscall.SIGKILL:
		if l.CPUTime > 0 && o.cpu >= l.CPUTime {
			return ViolationCPU
		}
	}
	// A shell that outlived its signalled child reports 128+signal.
	switch o.exitCode {
	case exitXCPU:
		return ViolationCPU
	case exitXFSZ:
		return ViolationFileSize
	}
	if o.exitCode == 0 && o.signal == 0 {
		return ViolationNone
	}
	if hasOOMSignature(o.stderr) {
		return ViolationMemory
	}
	if l.MemoryBytes > 0 && o.maxRSS*10 >= l.MemoryBytes*9 {
		return ViolationMemory
	}
	return ViolationNone
}
