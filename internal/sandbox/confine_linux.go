//go:build linux

package sandbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"syscall"

	"golang.org/x/sys/unix"
)

const (
	// sandboxHome is where a confined job sees its workspace.
	sandboxHome = "/home/sandbox"
	// initPath is where the service binary is bound inside the new root.
	initPath    = "/.verdict-init"
	rootDirName = ".verdict-root"

	// statusFD carries the signal that killed the target back to the
	// parent, since the confined init itself exits normally.
	statusFD = 4

	// isolationTag marks init errors caused by the host refusing
	// namespaces or mounts rather than by the job.
	isolationTag = "isolation: "

	rootTmpfsSize = 1 << 20

	secbitNoRoot       = 1 << 0
	secbitNoRootLocked = 1 << 1
)

// mountPlan describes the private root a confined job runs in.
type mountPlan struct {
	Workspace string   `json:"workspace"`
	ReadOnly  []string `json:"readonly"`
	TmpBytes  int64    `json:"tmp_bytes"`
	Init      string   `json:"init"`
	UID       int      `json:"uid"`
	GID       int      `json:"gid"`
}

func (p mountPlan) encode() string {
	b, _ := json.Marshal(p)
	return string(b)
}

func decodePlan(s string) (*mountPlan, error) {
	if s == "" || s == "-" {
		return nil, nil
	}
	var p mountPlan
	if err := json.Unmarshal([]byte(s), &p); err != nil {
		return nil, fmt.Errorf("mount plan: %w", err)
	}
	if !filepath.IsAbs(p.Workspace) || !filepath.IsAbs(p.Init) {
		return nil, errors.New("mount plan: workspace and init must be absolute")
	}
	for _, ro := range p.ReadOnly {
		if !filepath.IsAbs(ro) || filepath.Clean(ro) == "/" {
			return nil, fmt.Errorf("mount plan: bad read-only path %q", ro)
		}
	}
	return &p, nil
}

var deviceNodes = []string{"null", "zero", "full", "random", "urandom"}

var deviceLinks = [][2]string{
	{"fd", "/proc/self/fd"},
	{"stdin", "/proc/self/fd/0"},
	{"stdout", "/proc/self/fd/1"},
	{"stderr", "/proc/self/fd/2"},
}

// runConfined is the first init of a confined job. It is pid 1 of a fresh pid
// namespace and owns a fresh mount namespace: it pivots into the private root,
// drops the ability to regain privileges, runs the second init as its only
// child and relays how that child ended.
func runConfined(plan *mountPlan, rlimits string, argv []string, errPipe *os.File, fail func(string, ...any) int) int {
	unix.CloseOnExec(statusFD)
	status := os.NewFile(statusFD, "status")

	if err := enterRoot(plan); err != nil {
		return fail("sandbox init: %v", err)
	}
	if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
		return fail("sandbox init: no_new_privs: %v", err)
	}
	// uid 0 inside the namespace must not carry capabilities into the job.
	if err := unix.Prctl(unix.PR_SET_SECUREBITS, secbitNoRoot|secbitNoRootLocked, 0, 0, 0); err != nil {
		return fail("sandbox init: %ssecurebits: %v", isolationTag, err)
	}

	cmd := exec.Command(initPath, append([]string{InitCommand, rlimits, "-", "--"}, argv...)...)
	cmd.Dir = sandboxHome
	cmd.Env = os.Environ()
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{errPipe}
	if plan.UID >= 0 {
		cmd.SysProcAttr = &syscall.SysProcAttr{
			Credential: &syscall.Credential{Uid: uint32(plan.UID), Gid: uint32(plan.GID), NoSetGroups: true},
		}
	}
	if err := cmd.Start(); err != nil {
		return fail("sandbox init: start: %v", err)
	}
	errPipe.Close()

	_ = cmd.Wait()
	ps := cmd.ProcessState
	if ps == nil {
		return 127
	}
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		if status != nil {
			_, _ = status.WriteString(strconv.Itoa(int(ws.Signal())))
		}
		return 128 + int(ws.Signal())
	}
	return ps.ExitCode()
}

// enterRoot replaces the caller's filesystem view with a read-only tmpfs root
// holding the plan's read-only binds, a few device nodes, the workspace at
// sandboxHome and a private writable /tmp.
func enterRoot(p *mountPlan) error {
	if err := unix.Mount("", "/", "", unix.MS_REC|unix.MS_PRIVATE, ""); err != nil {
		return fmt.Errorf("%sprivate mounts: %v", isolationTag, err)
	}

	root := filepath.Join(p.Workspace, rootDirName)
	if err := os.Mkdir(root, 0o700); err != nil {
		return fmt.Errorf("root dir: %w", err)
	}
	opts := "mode=0755,size=" + strconv.Itoa(rootTmpfsSize)
	if err := unix.Mount("tmpfs", root, "tmpfs", unix.MS_NOSUID|unix.MS_NODEV, opts); err != nil {
		return fmt.Errorf("%smount root: %v", isolationTag, err)
	}

	for _, src := range p.ReadOnly {
		if err := bindReadOnly(src, filepath.Join(root, src)); err != nil {
			return err
		}
	}
	if err := populateDev(filepath.Join(root, "dev")); err != nil {
		return err
	}

	tmp := filepath.Join(root, "tmp")
	if err := os.Mkdir(tmp, 0o755); err != nil {
		return fmt.Errorf("tmp dir: %w", err)
	}
	tmpOpts := "mode=1777"
	if p.TmpBytes > 0 {
		tmpOpts += ",size=" + strconv.FormatInt(p.TmpBytes, 10)
	}
	if err := unix.Mount("tmpfs", tmp, "tmpfs", unix.MS_NOSUID|unix.MS_NODEV, tmpOpts); err != nil {
		return fmt.Errorf("%smount tmp: %v", isolationTag, err)
	}

	home := filepath.Join(root, sandboxHome)
	if err := os.MkdirAll(home, 0o755); err != nil {
		return fmt.Errorf("home dir: %w", err)
	}
	if err := unix.Mount(p.Workspace, home, "", unix.MS_BIND, ""); err != nil {
		return fmt.Errorf("%sbind workspace: %v", isolationTag, err)
	}

	initBin := filepath.Join(root, initPath)
	if err := touch(initBin, 0o555); err != nil {
		return err
	}
	if err := unix.Mount(p.Init, initBin, "", unix.MS_BIND, ""); err != nil {
		return fmt.Errorf("%sbind init: %v", isolationTag, err)
	}
	if err := remountReadOnly(initBin); err != nil {
		return err
	}

	// A proc for the new pid namespace is a convenience; some hosts refuse
	// it and the job still runs without one.
	proc := filepath.Join(root, "proc")
	if err := os.Mkdir(proc, 0o555); err != nil {
		return fmt.Errorf("proc dir: %w", err)
	}
	_ = unix.Mount("proc", proc, "proc", unix.MS_NOSUID|unix.MS_NODEV|unix.MS_NOEXEC, "")

	old := filepath.Join(root, ".old")
	if err := os.Mkdir(old, 0o700); err != nil {
		return fmt.Errorf("old root dir: %w", err)
	}
	if err := unix.PivotRoot(root, old); err != nil {
		return fmt.Errorf("%spivot_root: %v", isolationTag, err)
	}
	if err := unix.Chdir("/"); err != nil {
		return err
	}
	if err := unix.Unmount("/.old", unix.MNT_DETACH); err != nil {
		return fmt.Errorf("%sdetach old root: %v", isolationTag, err)
	}
	_ = os.Remove("/.old")
	_ = os.Remove(filepath.Join(sandboxHome, rootDirName))

	if err := unix.Mount("", "/", "", unix.MS_REMOUNT|unix.MS_BIND|unix.MS_RDONLY|unix.MS_NOSUID|unix.MS_NODEV, ""); err != nil {
		return fmt.Errorf("%sread-only root: %v", isolationTag, err)
	}
	return unix.Chdir(sandboxHome)
}

// bindReadOnly mirrors a host path into the new root. Symlinks are recreated
// rather than followed so /bin -> usr/bin keeps resolving inside the root.
func bindReadOnly(src, dst string) error {
	fi, err := os.Lstat(src)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}

	switch {
	case fi.Mode()&fs.ModeSymlink != 0:
		target, err := os.Readlink(src)
		if err != nil {
			return err
		}
		return os.Symlink(target, dst)
	case fi.IsDir():
		if err := os.Mkdir(dst, 0o755); err != nil && !errors.Is(err, fs.ErrExist) {
			return err
		}
	default:
		if err := touch(dst, 0o444); err != nil {
			return err
		}
	}

	if err := unix.Mount(src, dst, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
		return fmt.Errorf("%sbind %s: %v", isolationTag, src, err)
	}
	return remountReadOnly(dst)
}

var lockedFlags = []struct {
	st int64
	ms uintptr
}{
	{unix.ST_NOSUID, unix.MS_NOSUID},
	{unix.ST_NODEV, unix.MS_NODEV},
	{unix.ST_NOEXEC, unix.MS_NOEXEC},
	{unix.ST_NOATIME, unix.MS_NOATIME},
	{unix.ST_NODIRATIME, unix.MS_NODIRATIME},
	{unix.ST_RELATIME, unix.MS_RELATIME},
}

// remountReadOnly flips a bind mount to read-only. Flags the kernel locked on
// the source mount have to be repeated or the remount is refused.
func remountReadOnly(dst string) error {
	var st unix.Statfs_t
	if err := unix.Statfs(dst, &st); err != nil {
		return fmt.Errorf("statfs %s: %w", dst, err)
	}
	var flags uintptr = unix.MS_BIND | unix.MS_REMOUNT | unix.MS_RDONLY
	for _, f := range lockedFlags {
		if st.Flags&f.st != 0 {
			flags |= f.ms
		}
	}
	if err := unix.Mount("", dst, "", flags, ""); err != nil {
		return fmt.Errorf("%sread-only %s: %v", isolationTag, dst, err)
	}
	return nil
}

func populateDev(dev string) error {
	if err := os.Mkdir(dev, 0o755); err != nil {
		return fmt.Errorf("dev dir: %w", err)
	}
	for _, name := range deviceNodes {
		src := "/dev/" + name
		if _, err := os.Stat(src); err != nil {
			continue
		}
		dst := filepath.Join(dev, name)
		if err := touch(dst, 0o666); err != nil {
			return err
		}
		if err := unix.Mount(src, dst, "", unix.MS_BIND, ""); err != nil {
			return fmt.Errorf("%sbind %s: %v", isolationTag, src, err)
		}
	}
	for _, link := range deviceLinks {
		if err := os.Symlink(link[1], filepath.Join(dev, link[0])); err != nil {
			return err
		}
	}
	return nil
}

func touch(path string, perm os.FileMode) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, perm)
	if err != nil {
		return err
	}
	return f.Close()
}
