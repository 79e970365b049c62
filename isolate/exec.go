// ExecSpawner is the simplest isolation plugin: it starts the manifest's
// executable as a plain child process via os/exec, with no sandboxing of its
// own. It is the only Spawner implementation in this package, and
// cmd/cocained hands it to every app whatever isolate.Type its profile names.
//
// Grounded on the style of the pack's restic wrapper (agent/internal/restic
// in the arkeep-io-arkeep example): one exec.Cmd per invocation, extra
// environment appended onto os.Environ() rather than replacing it.
package isolate

import (
	"context"
	"os"
	"os/exec"

	"github.com/cocaine-rt/cocained/app"
)

// ExecSpawner spawns workers as direct child processes of cocained.
type ExecSpawner struct{}

// NewExecSpawner constructs the os/exec-backed Spawner.
func NewExecSpawner() ExecSpawner { return ExecSpawner{} }

// Spawn starts manifest.Executable with env merged onto the current
// process's environment. iso is accepted for interface compatibility but
// unused: ExecSpawner applies no sandboxing regardless of what an isolate
// profile requests.
func (ExecSpawner) Spawn(ctx context.Context, manifest app.Manifest, iso app.Isolate, env map[string]string) (Handle, error) {
	cmd := exec.CommandContext(ctx, manifest.Executable)
	cmd.Env = os.Environ()
	for k, v := range env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &execHandle{cmd: cmd}, nil
}

// execHandle wraps the *exec.Cmd started for one worker process.
type execHandle struct {
	cmd *exec.Cmd
}

// Kill forcibly terminates the worker. Safe to call after the process has
// already exited.
func (h *execHandle) Kill() error {
	if h.cmd.Process == nil {
		return nil
	}
	return h.cmd.Process.Kill()
}

// Wait blocks until the process exits (or ctx is canceled first) and
// reports its exit code.
func (h *execHandle) Wait(ctx context.Context) (int, error) {
	done := make(chan error, 1)
	go func() { done <- h.cmd.Wait() }()
	select {
	case err := <-done:
		if err == nil {
			return h.cmd.ProcessState.ExitCode(), nil
		}
		if exitErr, ok := err.(*exec.ExitError); ok {
			return exitErr.ExitCode(), nil
		}
		return -1, err
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}
