//go:build linux

package sandbox

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
)

// InitCommand is the argv[1] marker under which the service binary acts as
// the sandbox init: it applies rlimits to itself and execs the target.
const InitCommand = "__verdict_sandbox_init"

// spawnErrFD is the descriptor the parent passes for exec failures. It is
// close-on-exec in the init, so a successful exec leaves it silent.
const spawnErrFD = 3

// selfCheckTarget makes the init exit 0 right before it would exec, so the
// whole spawn path can be verified without any target binary.
const selfCheckTarget = "__verdict_self_check"

// MaybeRunInit must be called first thing in main (and in TestMain of
// packages that run the process sandbox). It never returns when the process
// was started as a sandbox init.
func MaybeRunInit() {
	if len(os.Args) < 2 || os.Args[1] != InitCommand {
		return
	}
	os.Exit(runInit(os.Args[2:]))
}

// runInit handles "<rlimits> <mount plan|-> -- argv...". With a mount plan
// the init first confines itself (see runConfined) and then starts a second
// init without one inside the new root.
func runInit(args []string) int {
	errPipe := os.NewFile(spawnErrFD, "spawn-err")
	fail := func(format string, a ...any) int {
		msg := fmt.Sprintf(format, a...)
		if errPipe != nil {
			_, _ = errPipe.WriteString(msg)
		}
		return 127
	}
	unix.CloseOnExec(spawnErrFD)

	if len(args) < 4 || args[2] != "--" {
		return fail("sandbox init: malformed arguments")
	}
	rlimits, err := decodeRlimits(args[0])
	if err != nil {
		return fail("sandbox init: %v", err)
	}
	plan, err := decodePlan(args[1])
	if err != nil {
		return fail("sandbox init: %v", err)
	}
	argv := args[3:]
	if plan != nil {
		return runConfined(plan, args[0], argv, errPipe, fail)
	}

	path := argv[0]
	if path != selfCheckTarget && !strings.Contains(path, "/") {
		resolved, err := exec.LookPath(path)
		if err != nil {
			return fail("sandbox init: %v", err)
		}
		path = resolved
	}
	env := os.Environ()

	if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
		return fail("sandbox init: no_new_privs: %v", err)
	}
	// Nothing below may allocate much: RLIMIT_AS applies to this process too.
	for _, rl := range rlimits {
		lim := syscall.Rlimit{Cur: rl.cur, Max: rl.max}
		if err := syscall.Setrlimit(rl.resource, &lim); err != nil {
			return fail("sandbox init: setrlimit %s: %v", rl.name, err)
		}
	}
	if path == selfCheckTarget {
		return 0
	}

	err = syscall.Exec(path, argv, env)
	return fail("sandbox init: exec %s: %v", argv[0], err)
}

type rlimitSpec struct {
	name     string
	resource int
	cur, max uint64
}

var rlimitNames = map[string]int{
	"cpu":    unix.RLIMIT_CPU,
	"as":     unix.RLIMIT_AS,
	"fsize":  unix.RLIMIT_FSIZE,
	"nofile": unix.RLIMIT_NOFILE,
	"nproc":  unix.RLIMIT_NPROC,
	"core":   unix.RLIMIT_CORE,
}

// encodeRlimits renders limits as "cpu=3:4,as=268435456,..." for the init.
func encodeRlimits(l Limits, includeAS bool, asBytes int64, nproc int) string {
	var parts []string
	if l.CPUTime > 0 {
		secs := uint64((l.CPUTime + 999_999_999) / 1_000_000_000)
		// Soft limit delivers SIGXCPU, the hard limit one second later SIGKILL.
		parts = append(parts, fmt.Sprintf("cpu=%d:%d", secs, secs+1))
	}
	if includeAS && asBytes > 0 {
		parts = append(parts, fmt.Sprintf("as=%d", asBytes))
	}
	if l.FileSizeBytes > 0 {
		parts = append(parts, fmt.Sprintf("fsize=%d", l.FileSizeBytes))
	}
	if l.OpenFiles > 0 {
		parts = append(parts, fmt.Sprintf("nofile=%d", l.OpenFiles))
	}
	if nproc > 0 {
		parts = append(parts, fmt.Sprintf("nproc=%d", nproc))
	}
	parts = append(parts, "core=0")
	return strings.Join(parts, ",")
}

func decodeRlimits(spec string) ([]rlimitSpec, error) {
	if spec == "" {
		return nil, nil
	}
	var out []rlimitSpec
	for _, field := range strings.Split(spec, ",") {
		name, value, ok := strings.Cut(field, "=")
		if !ok {
			return nil, fmt.Errorf("malformed rlimit %q", field)
		}
		res, known := rlimitNames[name]
		if !known {
			return nil, fmt.Errorf("unknown rlimit %q", name)
		}
		curStr, maxStr, hasMax := strings.Cut(value, ":")
		cur, err := strconv.ParseUint(curStr, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("rlimit %s: %w", name, err)
		}
		hi := cur
		if hasMax {
			if hi, err = strconv.ParseUint(maxStr, 10, 64); err != nil {
				return nil, fmt.Errorf("rlimit %s: %w", name, err)
			}
		}
		out = append(out, rlimitSpec{name: name, resource: res, cur: cur, max: hi})
	}
	return out, nil
}
