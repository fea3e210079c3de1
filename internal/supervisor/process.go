package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"syscall"
)

// Process is a running transcoder subprocess. Stdout carries the encoded
// output drained by the buffer manager; Wait must only be called once both
// streams have been read to EOF.
type Process interface {
	Pid() int
	Stdout() io.Reader
	Stderr() io.Reader
	Wait() error
}

// Launcher spawns subprocesses. The context only bounds the spawn itself; the
// process outlives the request that started it.
type Launcher interface {
	Launch(ctx context.Context, argv []string) (Process, error)
}

// Signaler delivers termination signals to a process group.
type Signaler interface {
	Terminate(pid int) error
	Kill(pid int) error
}

// ExecLauncher starts processes with os/exec in their own process group so a
// stop reaches every child the encoder forks.
type ExecLauncher struct {
	Env []string
}

type execProcess struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr io.ReadCloser
}

// Launch implements Launcher.
func (l ExecLauncher) Launch(_ context.Context, argv []string) (Process, error) {
	if len(argv) == 0 {
		return nil, errors.New("empty command")
	}
	cmd := exec.Command(argv[0], argv[1:]...)
	if len(l.Env) > 0 {
		cmd.Env = append(cmd.Environ(), l.Env...)
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &execProcess{cmd: cmd, stdout: stdout, stderr: stderr}, nil
}

func (p *execProcess) Pid() int          { return p.cmd.Process.Pid }
func (p *execProcess) Stdout() io.Reader { return p.stdout }
func (p *execProcess) Stderr() io.Reader { return p.stderr }
func (p *execProcess) Wait() error       { return p.cmd.Wait() }

// GroupSignaler signals the process group led by pid, falling back to the
// single process when the group no longer exists.
type GroupSignaler struct{}

// Terminate sends SIGTERM.
func (GroupSignaler) Terminate(pid int) error {
	return signalGroup(pid, syscall.SIGTERM)
}

// Kill sends SIGKILL.
func (GroupSignaler) Kill(pid int) error {
	return signalGroup(pid, syscall.SIGKILL)
}

func signalGroup(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid %d", pid)
	}
	err := syscall.Kill(-pid, sig)
	if errors.Is(err, syscall.ESRCH) {
		err = syscall.Kill(pid, sig)
	}
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}
