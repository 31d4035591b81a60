//go:build !windows
// +build !windows

package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"
)

// HostLauncher runs the interpreter directly on the host machine without isolation.
// It should only be used when Docker is unavailable or explicitly requested.
type HostLauncher struct {
	Python string // interpreter binary, default "python3"
	UV     string // uv binary used to provide packages, default "uv"
}

// Name implements Launcher.
func (l HostLauncher) Name() string { return "host" }

// Launch starts the driver in spec.WorkDir. When packages are requested the
// interpreter of an ephemeral uv environment is resolved first and started directly,
// so signals reach Python without an intermediate process.
func (l HostLauncher) Launch(ctx context.Context, spec LaunchSpec) (Process, error) {
	python := l.Python
	if python == "" {
		python = "python3"
	}
	if len(spec.Packages) > 0 {
		if err := ValidatePackages(spec.Packages); err != nil {
			return nil, err
		}
		resolved, err := l.resolveWithUV(ctx, spec)
		if err != nil {
			return nil, err
		}
		python = resolved
	}

	cmd := exec.Command(python, "-u", "-c", driverSource)
	cmd.Dir = spec.WorkDir
	cmd.Env = append(os.Environ(), "PYTHONUNBUFFERED=1", "MPLBACKEND=Agg")
	cmd.Env = append(cmd.Env, spec.Env...)
	// Create a new process group so we can kill all child processes
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", python, err)
	}
	return &hostProcess{cmd: cmd, stdin: stdin, stdout: stdout, stderr: stderr}, nil
}

func (l HostLauncher) resolveWithUV(ctx context.Context, spec LaunchSpec) (string, error) {
	uv := l.UV
	if uv == "" {
		uv = "uv"
	}
	if _, err := exec.LookPath(uv); err != nil {
		return "", fmt.Errorf("installing packages on the host requires uv: %w", err)
	}

	args := []string{"run", "--no-project", "--quiet"}
	for _, p := range spec.Packages {
		args = append(args, "--with", p)
	}
	args = append(args, "python", "-c", "import sys; print(sys.executable)")

	cmd := exec.CommandContext(ctx, uv, args...)
	cmd.Dir = spec.WorkDir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("uv could not provide packages %v: %w: %s", spec.Packages, err, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(stdout.String()), nil
}

type hostProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.Reader
	stderr io.Reader
}

func (p *hostProcess) Stdin() io.Writer  { return p.stdin }
func (p *hostProcess) CloseInput() error { return p.stdin.Close() }
func (p *hostProcess) Stdout() io.Reader { return p.stdout }
func (p *hostProcess) Stderr() io.Reader { return p.stderr }

// Interrupt sends SIGINT to the interpreter only; the driver turns it into
// KeyboardInterrupt inside the running statement.
func (p *hostProcess) Interrupt() error {
	return p.cmd.Process.Signal(syscall.SIGINT)
}

// Kill the entire process group (negative PID).
func (p *hostProcess) Kill() error {
	return syscall.Kill(-p.cmd.Process.Pid, syscall.SIGKILL)
}

func (p *hostProcess) Wait() error {
	return p.cmd.Wait()
}
