package executorrunner

import (
	"context"
	"fmt"
	"os/exec"
	"syscall"
)

// rlimitProcs and rlimitFiles are the spec §4.5 resource-limit ceilings
// (RLIMIT_NPROC <= 128, RLIMIT_NOFILE <= 1024), applied inside the
// sandboxed process via a ulimit-setting shell wrapper since Go's exec
// package has no direct pre-exec rlimit hook for the grandchild.
const (
	rlimitProcs = 128
	rlimitFiles = 1024
)

// interpreterFor maps a supported language to the binary that runs its
// wrapper, matching model.SupportedLanguages.
func interpreterFor(language string) (string, error) {
	switch language {
	case "python":
		return "python3", nil
	case "javascript":
		return "node", nil
	case "shell":
		return "/bin/sh", nil
	default:
		return "", fmt.Errorf("executorrunner: unsupported language %q", language)
	}
}

// buildCommand constructs the process that will run entryPath inside the
// session workspace, isolated per spec §4.5 step 3 when bwrap is available,
// or a plain rlimited subprocess when DISABLE_BWRAP permits it.
func (r *Runner) buildCommand(ctx context.Context, language, entryPath string) (*exec.Cmd, error) {
	interpreter, err := interpreterFor(language)
	if err != nil {
		return nil, err
	}

	ulimited := fmt.Sprintf("ulimit -u %d -n %d; exec \"$@\"", rlimitProcs, rlimitFiles)

	if r.bwrapPath == "" {
		cmd := exec.CommandContext(ctx, "/bin/sh", "-c", ulimited, "--", interpreter, entryPath)
		cmd.Dir = r.cfg.WorkspacePath
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
		return cmd, nil
	}

	args := []string{
		"--ro-bind", "/usr", "/usr",
		"--ro-bind", "/lib", "/lib",
		"--ro-bind", "/lib64", "/lib64",
		"--ro-bind", "/bin", "/bin",
		"--ro-bind", "/sbin", "/sbin",
		"--ro-bind", "/etc/resolv.conf", "/etc/resolv.conf",
		"--bind", r.cfg.WorkspacePath, "/workspace",
		"--chdir", "/workspace",
		"--unshare-pid",
		"--unshare-net",
		"--unshare-ipc",
		"--unshare-uts",
		"--unshare-mount",
		"--die-with-parent",
		"--new-session",
		"--cap-drop", "ALL",
		"--",
		"/bin/sh", "-c", ulimited, "--", interpreter, entryPath,
	}
	cmd := exec.CommandContext(ctx, r.bwrapPath, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true, Pdeathsig: syscall.SIGKILL}
	return cmd, nil
}
