package supervisor

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"

	"github.com/shirou/gopsutil/v4/process"
)

// ProcessInfo describes a pid as seen by the operating system.
type ProcessInfo struct {
	PID     int      `json:"pid"`
	Running bool     `json:"running"`
	Zombie  bool     `json:"zombie"`
	Name    string   `json:"name,omitempty"`
	Exe     string   `json:"exe,omitempty"`
	Cmdline []string `json:"cmdline,omitempty"`
}

// Inspector looks up process state. A pid that does not exist yields a
// ProcessInfo with Running false and a nil error.
type Inspector interface {
	Inspect(ctx context.Context, pid int) (ProcessInfo, error)
}

// ProcInspector implements Inspector with gopsutil.
type ProcInspector struct{}

// Inspect implements Inspector.
func (ProcInspector) Inspect(ctx context.Context, pid int) (ProcessInfo, error) {
	info := ProcessInfo{PID: pid}
	if pid <= 0 {
		return info, nil
	}
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		if errors.Is(err, process.ErrorProcessNotRunning) {
			return info, nil
		}
		return info, fmt.Errorf("inspect pid %d: %w", pid, err)
	}
	running, err := p.IsRunningWithContext(ctx)
	if err != nil || !running {
		return info, nil
	}
	info.Running = true
	if status, err := p.StatusWithContext(ctx); err == nil && slices.Contains(status, process.Zombie) {
		info.Zombie = true
	}
	info.Name, _ = p.NameWithContext(ctx)
	info.Exe, _ = p.ExeWithContext(ctx)
	info.Cmdline, _ = p.CmdlineSliceWithContext(ctx)
	return info, nil
}

// ProcessState classifies a pid against the binary a stream expects.
type ProcessState int

const (
	ProcessDead ProcessState = iota
	ProcessForeign
	ProcessAlive
)

func (s ProcessState) String() string {
	switch s {
	case ProcessAlive:
		return "alive"
	case ProcessForeign:
		return "foreign"
	default:
		return "dead"
	}
}

// Classify reports whether info is a live instance of binary. Zombies count
// as dead. An empty binary accepts any live process.
func Classify(info ProcessInfo, binary string) ProcessState {
	if !info.Running || info.Zombie {
		return ProcessDead
	}
	if binary == "" || matchesBinary(info, binary) {
		return ProcessAlive
	}
	return ProcessForeign
}

// comm names are truncated by the kernel.
const commLen = 15

func matchesBinary(info ProcessInfo, binary string) bool {
	binary = filepath.Base(binary)
	if info.Name == binary {
		return true
	}
	if len(info.Name) == commLen && strings.HasPrefix(binary, info.Name) {
		return true
	}
	if info.Exe != "" && filepath.Base(info.Exe) == binary {
		return true
	}
	return len(info.Cmdline) > 0 && filepath.Base(info.Cmdline[0]) == binary
}
