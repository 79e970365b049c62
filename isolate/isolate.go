// Package isolate declares the sandbox/spawn collaborator the overseer
// delegates worker process creation to. The spec treats the concrete
// isolation mechanism (plain fork/exec, cgroups, containers, ...) as an
// external collaborator: this package declares the Spawner interface the
// overseer uses, plus one implementation, ExecSpawner (exec.go), which starts
// the executable as a plain child process.
package isolate

import (
	"context"

	"github.com/cocaine-rt/cocained/app"
)

// Handle represents one spawned worker process. Its lifetime is owned by
// whatever created it; Kill and Wait must both be safe to call after the
// process has already exited on its own.
type Handle interface {
	// Kill forcibly terminates the process. Idempotent.
	Kill() error
	// Wait blocks until the process exits and returns its exit code.
	Wait(ctx context.Context) (exitCode int, err error)
}

// Spawner creates worker processes for an app's manifest/profile, passing
// along whatever environment the caller needs injected (at minimum, the
// worker's uuid and the local socket endpoint it should dial back on).
type Spawner interface {
	Spawn(ctx context.Context, manifest app.Manifest, isolate app.Isolate, env map[string]string) (Handle, error)
}
