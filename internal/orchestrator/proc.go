package orchestrator

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
)

// Handle controls one spawned worker process.
type Handle interface {
	Alive() bool
	Terminate() error
	Kill() error
	// Done is closed when the process exits.
	Done() <-chan struct{}
}

// Runner spawns worker processes. Tests substitute a fake so orchestration
// logic can be exercised without real processes.
type Runner interface {
	Start(ctx context.Context, name string, groupIDs []string) (Handle, error)
}

// ExecRunner spawns workers as child processes of the orchestrator. The
// worker binary receives its identity and group set as flags and inherits
// the orchestrator's environment for everything else.
type ExecRunner struct {
	Binary string
}

// Start launches the worker binary for the given groups.
func (r ExecRunner) Start(ctx context.Context, name string, groupIDs []string) (Handle, error) {
	cmd := exec.Command(r.Binary, "-name", name, "-groups", strings.Join(groupIDs, ","))
	cmd.Env = os.Environ()
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker %s: %w", name, err)
	}

	h := &execHandle{cmd: cmd, done: make(chan struct{})}
	go func() {
		_ = cmd.Wait()
		close(h.done)
	}()
	return h, nil
}

type execHandle struct {
	cmd  *exec.Cmd
	done chan struct{}
}

func (h *execHandle) Alive() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

func (h *execHandle) Terminate() error {
	if !h.Alive() {
		return nil
	}
	return h.cmd.Process.Signal(syscall.SIGTERM)
}

func (h *execHandle) Kill() error {
	if !h.Alive() {
		return nil
	}
	return h.cmd.Process.Kill()
}

func (h *execHandle) Done() <-chan struct{} { return h.done }
