// Package procstub provides an in-process stand-in for transcoder
// subprocesses. One Launcher doubles as the supervisor's Launcher, Inspector
// and Signaler so tests can spawn, observe and kill fake encoders without
// touching the operating system.
package procstub

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"sync"

	"streamshare/internal/supervisor"
)

// ErrKilled is the wait error of a process that was signalled.
var ErrKilled = errors.New("signal: killed")

// Launcher records launches and serves them as fake processes.
type Launcher struct {
	mu       sync.Mutex
	nextPID  int
	procs    map[int]*Process
	launches [][]string
	failWhen func(argv []string) error
	foreign  map[int]string
}

// NewLauncher returns a launcher whose first pid is 1000.
func NewLauncher() *Launcher {
	return &Launcher{nextPID: 1000, procs: make(map[int]*Process), foreign: make(map[int]string)}
}

// FailWhen makes Launch return the error fn yields for an argv.
func (l *Launcher) FailWhen(fn func(argv []string) error) {
	l.mu.Lock()
	l.failWhen = fn
	l.mu.Unlock()
}

// Launch implements supervisor.Launcher.
func (l *Launcher) Launch(_ context.Context, argv []string) (supervisor.Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.launches = append(l.launches, append([]string(nil), argv...))
	if l.failWhen != nil {
		if err := l.failWhen(argv); err != nil {
			return nil, err
		}
	}
	pid := l.nextPID
	l.nextPID++
	p := newProcess(pid, argv)
	l.procs[pid] = p
	return p, nil
}

// Launches returns every argv passed to Launch, in order.
func (l *Launcher) Launches() [][]string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([][]string, len(l.launches))
	copy(out, l.launches)
	return out
}

// Process returns the fake behind pid.
func (l *Launcher) Process(pid int) *Process {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.procs[pid]
}

// Find returns the most recent process whose argv contains substr.
func (l *Launcher) Find(substr string) *Process {
	l.mu.Lock()
	defer l.mu.Unlock()
	var found *Process
	for _, p := range l.procs {
		if strings.Contains(strings.Join(p.argv, " "), substr) && (found == nil || p.pid > found.pid) {
			found = p
		}
	}
	return found
}

// Alive lists the pids of processes that have not exited.
func (l *Launcher) Alive() []int {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []int
	for pid, p := range l.procs {
		if p.Alive() {
			out = append(out, pid)
		}
	}
	return out
}

// Recycle simulates the kernel handing pid to an unrelated program.
func (l *Launcher) Recycle(pid int, name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.foreign[pid] = name
}

// Inspect implements supervisor.Inspector.
func (l *Launcher) Inspect(_ context.Context, pid int) (supervisor.ProcessInfo, error) {
	l.mu.Lock()
	p := l.procs[pid]
	foreign, recycled := l.foreign[pid]
	l.mu.Unlock()
	info := supervisor.ProcessInfo{PID: pid}
	if recycled {
		info.Running = true
		info.Name = foreign
		return info, nil
	}
	if p == nil || !p.Alive() {
		return info, nil
	}
	info.Running = true
	info.Name = filepath.Base(p.argv[0])
	info.Exe = p.argv[0]
	info.Cmdline = append([]string(nil), p.argv...)
	return info, nil
}

// Terminate implements supervisor.Signaler.
func (l *Launcher) Terminate(pid int) error {
	p := l.Process(pid)
	if p == nil {
		return nil
	}
	p.mu.Lock()
	ignore := p.ignoreTerm
	p.terms++
	p.mu.Unlock()
	if !ignore {
		p.Exit(ErrKilled)
	}
	return nil
}

// Kill implements supervisor.Signaler.
func (l *Launcher) Kill(pid int) error {
	p := l.Process(pid)
	if p == nil {
		return nil
	}
	p.mu.Lock()
	p.kills++
	p.mu.Unlock()
	p.Exit(ErrKilled)
	return nil
}

// Process is a fake subprocess whose output is driven by the test.
type Process struct {
	pid  int
	argv []string

	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	stderrR *io.PipeReader
	stderrW *io.PipeWriter

	mu         sync.Mutex
	exited     bool
	exitErr    error
	done       chan struct{}
	ignoreTerm bool
	terms      int
	kills      int
}

func newProcess(pid int, argv []string) *Process {
	p := &Process{pid: pid, argv: argv, done: make(chan struct{})}
	p.stdoutR, p.stdoutW = io.Pipe()
	p.stderrR, p.stderrW = io.Pipe()
	return p
}

func (p *Process) Pid() int          { return p.pid }
func (p *Process) Stdout() io.Reader { return p.stdoutR }
func (p *Process) Stderr() io.Reader { return p.stderrR }
func (p *Process) Argv() []string    { return append([]string(nil), p.argv...) }

// Wait blocks until the process exits.
func (p *Process) Wait() error {
	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

// Write emits b on stdout. It blocks until the reader consumes it.
func (p *Process) Write(b []byte) error {
	_, err := p.stdoutW.Write(b)
	return err
}

// WriteStderr emits one diagnostic line.
func (p *Process) WriteStderr(line string) error {
	_, err := p.stderrW.Write([]byte(line + "\n"))
	return err
}

// IgnoreTerm makes the process survive SIGTERM.
func (p *Process) IgnoreTerm() {
	p.mu.Lock()
	p.ignoreTerm = true
	p.mu.Unlock()
}

// Signals reports how many SIGTERM and SIGKILL the process received.
func (p *Process) Signals() (terms, kills int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.terms, p.kills
}

// Alive reports whether the process has not exited.
func (p *Process) Alive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.exited
}

// Exit ends the process with err, closing its output streams.
func (p *Process) Exit(err error) {
	p.mu.Lock()
	if p.exited {
		p.mu.Unlock()
		return
	}
	p.exited = true
	p.exitErr = err
	p.mu.Unlock()
	_ = p.stdoutW.Close()
	_ = p.stderrW.Close()
	close(p.done)
}
