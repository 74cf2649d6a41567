package sandbox

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/itstheanurag/verdict/internal/config"
	"github.com/itstheanurag/verdict/internal/metrics"
	"github.com/rs/zerolog"
)

const containerWorkdir = "/home/sandbox"

// Exit statuses the container shell reports for signalled programs.
const (
	exitKilled  = 128 + 9
	exitXCPU    = 128 + 24
	exitXFSZ    = 128 + 25
	removeGrace = 10 * time.Second
)

// containerSpec is what the sandbox needs from a created container.
type containerSpec struct {
	Image       string
	User        string
	Env         []string
	MemoryBytes int64
	PidsLimit   int64
}

// dockerAPI is the narrow slice of the engine API the sandbox uses.
type dockerAPI interface {
	CreateContainer(ctx context.Context, spec containerSpec) (string, error)
	StartContainer(ctx context.Context, id string) error
	KillContainer(ctx context.Context, id string) error
	RemoveContainer(ctx context.Context, id string) error
	OOMKilled(ctx context.Context, id string) (bool, error)
	// Exec runs cmd inside the container and returns its exit code once
	// the output streams are drained.
	Exec(ctx context.Context, id string, cmd []string, stdin io.Reader, stdout, stderr io.Writer) (int, error)
	ImageExists(ctx context.Context, ref string) (bool, error)
	PullImage(ctx context.Context, ref string) error
	Close() error
}

// DockerSandbox runs every job in a fresh hardened container: no network,
// no capabilities, capped pids and memory, and a tmpfs workspace.
type DockerSandbox struct {
	api       dockerAPI
	user      string
	pidsLimit int64
	logger    *zerolog.Logger
}

func NewDockerSandbox(cfg config.SandboxConfig, logger *zerolog.Logger) (*DockerSandbox, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, err
	}
	return newDockerSandbox(&engineClient{cli: cli}, cfg, logger), nil
}

func newDockerSandbox(api dockerAPI, cfg config.SandboxConfig, logger *zerolog.Logger) *DockerSandbox {
	user := cfg.DockerUser
	if user == "" {
		user = "nobody"
	}
	pids := cfg.PidsLimit
	if pids <= 0 {
		pids = 64
	}
	return &DockerSandbox{api: api, user: user, pidsLimit: pids, logger: logger}
}

func (s *DockerSandbox) Close() error { return s.api.Close() }

// Prepare pulls any image that is not present locally.
func (s *DockerSandbox) Prepare(ctx context.Context, images []string) error {
	for _, img := range images {
		if err := s.EnsureImage(ctx, img); err != nil {
			return err
		}
	}
	return nil
}

func (s *DockerSandbox) EnsureImage(ctx context.Context, img string) error {
	ok, err := s.api.ImageExists(ctx, img)
	if err != nil {
		return fmt.Errorf("inspect image %s: %w", img, err)
	}
	if ok {
		return nil
	}
	s.logger.Info().Str("image", img).Msg("pulling docker image")
	if err := s.api.PullImage(ctx, img); err != nil {
		return fmt.Errorf("failed to pull image %s: %w", img, err)
	}
	s.logger.Info().Str("image", img).Msg("successfully pulled docker image")
	return nil
}

func (s *DockerSandbox) Run(ctx context.Context, job *Job) (*RawResult, error) {
	defer job.cleanup()
	start := time.Now()

	if job.Image == "" {
		job.finish(JobSpawnFailed)
		return nil, fmt.Errorf("%w: job %s has no image", ErrSpawn, job.ID)
	}

	wallCtx, cancel := context.WithTimeout(ctx, job.Limits.WallClock)
	defer cancel()

	id, err := s.api.CreateContainer(wallCtx, containerSpec{
		Image:       job.Image,
		User:        s.user,
		Env:         append([]string{"HOME=" + containerWorkdir, "TMPDIR=" + containerWorkdir, "LANG=C.UTF-8"}, job.Env...),
		MemoryBytes: job.Limits.MemoryBytes,
		PidsLimit:   s.pidsLimit,
	})
	if err != nil {
		if res := setupExpired(ctx, wallCtx, start); res != nil {
			job.finish(JobTimedOut)
			return res, nil
		}
		job.finish(JobSpawnFailed)
		return nil, fmt.Errorf("%w: create container: %v", ErrSpawn, err)
	}
	job.onCleanup(func() {
		rmCtx, rmCancel := context.WithTimeout(context.Background(), removeGrace)
		defer rmCancel()
		if err := s.api.RemoveContainer(rmCtx, id); err != nil {
			s.logger.Warn().Err(err).Str("container", id).Msg("failed to remove container")
		}
	})
	_ = job.transition(JobSpawned)

	if err := s.api.StartContainer(wallCtx, id); err != nil {
		if res := setupExpired(ctx, wallCtx, start); res != nil {
			job.finish(JobTimedOut)
			return res, nil
		}
		job.finish(JobSpawnFailed)
		return nil, fmt.Errorf("%w: start container: %v", ErrSpawn, err)
	}
	metrics.ContainerCreationTime.Observe(float64(time.Since(start).Milliseconds()))

	// CopyToContainer cannot write into a tmpfs mount, so files go through exec.
	for _, f := range job.Files {
		if err := s.writeFile(wallCtx, id, f); err != nil {
			if res := setupExpired(ctx, wallCtx, start); res != nil {
				job.finish(JobTimedOut)
				return res, nil
			}
			job.finish(JobSpawnFailed)
			return nil, fmt.Errorf("%w: %v", ErrSpawn, err)
		}
	}
	s.logger.Debug().Str("container", id).Int("files", len(job.Files)).Msg("workspace written via exec")
	_ = job.transition(JobRunning)

	res := &RawResult{}
	steps := append(append([][]string(nil), job.Compile...), job.Run)
	for i, argv := range steps {
		compile := i < len(job.Compile)
		prefix := job.MarkerPrefix
		if compile {
			prefix = ""
		}
		stdout := newCaptureWriter(job.Limits.OutputBytes, prefix)
		stderr := newCaptureWriter(job.Limits.OutputBytes, "")

		code, err := s.api.Exec(wallCtx, id, limitCommand(argv, job.Limits), nil, stdout, stderr)
		if err != nil && wallCtx.Err() == nil {
			job.finish(JobSpawnFailed)
			return nil, fmt.Errorf("%w: exec %s: %v", ErrSpawn, argv[0], err)
		}
		res.ExitCode = code
		if wallCtx.Err() != nil {
			s.kill(id)
			res.Cancelled = ctx.Err() != nil
			res.TimedOut = !res.Cancelled
			res.ExitCode = exitKilled
			res.Signal = "SIGKILL"
		} else {
			res.Violation = s.violation(ctx, id, code, stderr.String())
			res.Signal = exitSignal(code)
		}

		if compile {
			if res.TimedOut || res.Cancelled || res.Violation != ViolationNone || code != 0 {
				res.CompileFailed = !res.TimedOut && !res.Cancelled
				res.Stderr = joinOutput(stderr.String(), stdout.String())
				break
			}
			continue
		}
		res.Stdout = stdout.String()
		res.Stderr = stderr.String()
		res.StdoutTruncated = stdout.Truncated()
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
	return res, nil
}

// setupExpired reports a container that ran out of wall clock (or was
// cancelled) before the program started. It returns nil while time remains.
func setupExpired(ctx, wallCtx context.Context, start time.Time) *RawResult {
	if wallCtx.Err() == nil {
		return nil
	}
	res := &RawResult{ExitCode: exitKilled, Duration: time.Since(start)}
	res.Cancelled = ctx.Err() != nil
	res.TimedOut = !res.Cancelled
	return res
}

func (s *DockerSandbox) writeFile(ctx context.Context, id string, f File) error {
	if f.Name == "" || strings.ContainsAny(f.Name, "/'") {
		return fmt.Errorf("invalid workspace file name %q", f.Name)
	}
	script := fmt.Sprintf("cat > '%s/%s'", containerWorkdir, f.Name)
	if f.Mode&0o111 != 0 {
		script += fmt.Sprintf(" && chmod +x '%s/%s'", containerWorkdir, f.Name)
	}
	var stderr strings.Builder
	code, err := s.api.Exec(ctx, id, []string{"sh", "-c", script}, strings.NewReader(string(f.Data)), io.Discard, &stderr)
	if err != nil {
		return fmt.Errorf("write %s: %w", f.Name, err)
	}
	if code != 0 {
		return fmt.Errorf("write %s: exit %d: %s", f.Name, code, strings.TrimSpace(stderr.String()))
	}
	return nil
}

func (s *DockerSandbox) kill(id string) {
	killCtx, cancel := context.WithTimeout(context.Background(), removeGrace)
	defer cancel()
	if err := s.api.KillContainer(killCtx, id); err != nil {
		s.logger.Debug().Err(err).Str("container", id).Msg("kill container")
	}
}

func (s *DockerSandbox) violation(ctx context.Context, id string, code int, stderr string) Violation {
	switch code {
	case 0:
		return ViolationNone
	case exitXCPU:
		return ViolationCPU
	case exitXFSZ:
		return ViolationFileSize
	case exitKilled:
		if oom, err := s.api.OOMKilled(ctx, id); err == nil && oom {
			return ViolationMemory
		}
	}
	if hasOOMSignature(stderr) {
		return ViolationMemory
	}
	return ViolationNone
}

// limitCommand wraps argv so the shell applies the CPU and file-size
// ceilings before exec'ing it. Memory and pids are enforced by the container.
func limitCommand(argv []string, l Limits) []string {
	var script strings.Builder
	if l.CPUTime > 0 {
		fmt.Fprintf(&script, "ulimit -t %d; ", int64((l.CPUTime+time.Second-1)/time.Second))
	}
	if l.FileSizeBytes > 0 {
		// ulimit -f counts 512-byte blocks.
		fmt.Fprintf(&script, "ulimit -f %d; ", (l.FileSizeBytes+511)/512)
	}
	if l.OpenFiles > 0 {
		fmt.Fprintf(&script, "ulimit -n %d; ", l.OpenFiles)
	}
	script.WriteString(`exec "$@"`)
	return append([]string{"sh", "-c", script.String(), "sh"}, argv...)
}

func exitSignal(code int) string {
	switch code {
	case exitKilled:
		return "SIGKILL"
	case exitXCPU:
		return "SIGXCPU"
	case exitXFSZ:
		return "SIGXFSZ"
	}
	return ""
}

// engineClient adapts the docker engine client to dockerAPI.
type engineClient struct {
	cli *client.Client
}

func (e *engineClient) CreateContainer(ctx context.Context, spec containerSpec) (string, error) {
	pids := spec.PidsLimit
	resp, err := e.cli.ContainerCreate(ctx, &container.Config{
		Image:           spec.Image,
		Cmd:             []string{"sleep", "infinity"},
		Env:             spec.Env,
		NetworkDisabled: true,
		WorkingDir:      containerWorkdir,
		User:            spec.User,
	}, &container.HostConfig{
		Resources: container.Resources{
			Memory:     spec.MemoryBytes,
			MemorySwap: spec.MemoryBytes,
			CPUQuota:   100000,
			PidsLimit:  &pids,
		},
		NetworkMode: "none",
		SecurityOpt: []string{"no-new-privileges"},
		CapDrop:     []string{"ALL"},
		Tmpfs: map[string]string{
			containerWorkdir: "rw,exec,nosuid,size=64m,mode=1777",
			"/tmp":           "rw,noexec,nosuid,size=16m,mode=1777",
		},
	}, nil, nil, "")
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (e *engineClient) StartContainer(ctx context.Context, id string) error {
	return e.cli.ContainerStart(ctx, id, container.StartOptions{})
}

func (e *engineClient) KillContainer(ctx context.Context, id string) error {
	return e.cli.ContainerKill(ctx, id, "KILL")
}

func (e *engineClient) RemoveContainer(ctx context.Context, id string) error {
	return e.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
}

func (e *engineClient) OOMKilled(ctx context.Context, id string) (bool, error) {
	info, err := e.cli.ContainerInspect(ctx, id)
	if err != nil {
		return false, err
	}
	return info.State != nil && info.State.OOMKilled, nil
}

func (e *engineClient) Exec(ctx context.Context, id string, cmd []string, stdin io.Reader, stdout, stderr io.Writer) (int, error) {
	created, err := e.cli.ContainerExecCreate(ctx, id, container.ExecOptions{
		Cmd:          cmd,
		WorkingDir:   containerWorkdir,
		AttachStdin:  stdin != nil,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return -1, fmt.Errorf("create exec: %w", err)
	}
	attach, err := e.cli.ContainerExecAttach(ctx, created.ID, container.ExecStartOptions{})
	if err != nil {
		return -1, fmt.Errorf("attach exec: %w", err)
	}
	defer attach.Close()

	if stdin != nil {
		if _, err := io.Copy(attach.Conn, stdin); err != nil {
			return -1, fmt.Errorf("write stdin: %w", err)
		}
		_ = attach.CloseWrite()
	}

	done := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(stdout, stderr, attach.Reader)
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			return -1, fmt.Errorf("read exec output: %w", err)
		}
	case <-ctx.Done():
		return -1, ctx.Err()
	}

	for {
		inspect, err := e.cli.ContainerExecInspect(ctx, created.ID)
		if err != nil {
			return -1, fmt.Errorf("inspect exec: %w", err)
		}
		if !inspect.Running {
			return inspect.ExitCode, nil
		}
		select {
		case <-ctx.Done():
			return -1, ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func (e *engineClient) ImageExists(ctx context.Context, ref string) (bool, error) {
	_, _, err := e.cli.ImageInspectWithRaw(ctx, ref)
	if err == nil {
		return true, nil
	}
	if client.IsErrNotFound(err) {
		return false, nil
	}
	return false, err
}

func (e *engineClient) PullImage(ctx context.Context, ref string) error {
	reader, err := e.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()
	// The pull only completes once the progress stream is drained.
	_, err = io.Copy(io.Discard, reader)
	return err
}

func (e *engineClient) Close() error { return e.cli.Close() }
