// Package app holds the two small immutable value types every app-scoped
// component (overseer, slave, balancer) is configured from: the Manifest
// (what to run) and the Profile (how to run it). Grounded on the teacher's
// tunnel server.Config validation pattern (server.go: New applies defaults,
// then rejects anything still invalid) adapted from server-wide settings to
// per-app ones and from timeutil.NormalizeSkew-style clamping to the spec's
// "validated at load; all timeouts strictly positive" contract.
package app

import (
	"fmt"
	"time"

	"github.com/cocaine-rt/cocained/internal/defaults"
)

// Manifest is immutable for the life of an app: what to run and where its
// workers dial back in.
type Manifest struct {
	Name       string `json:"name"`
	Executable string `json:"executable"` // path, or isolate-specific spec string
	Endpoint   string `json:"endpoint"`   // local socket path workers connect to
}

// Isolate names the sandbox/spawn plugin a profile requests, plus its
// arguments. Cocained treats this purely as data: the actual spawn
// mechanics are an external collaborator (see package isolate).
type Isolate struct {
	Type string                 `json:"type"`
	Args map[string]interface{} `json:"args"`
}

// Profile bounds an app's resource usage and timing. Node.StartApp rejects a
// profile that fails Validate before it builds the app's Overseer;
// overseer.New itself does not validate.
type Profile struct {
	HeartbeatTimeout   time.Duration `json:"heartbeat_timeout"`
	IdleTimeout        time.Duration `json:"idle_timeout"`
	StartupTimeout     time.Duration `json:"startup_timeout"`
	TerminationTimeout time.Duration `json:"termination_timeout"`

	Concurrency   int `json:"concurrency"`    // per-slave channel cap
	CrashlogLimit int `json:"crashlog_limit"`
	PoolLimit     int `json:"pool_limit"`     // max slaves
	QueueLimit    int `json:"queue_limit"`    // max pending requests
	GrowThreshold int `json:"grow_threshold"` // requests-per-slave trigger

	Isolate Isolate `json:"isolate"`
}

// DefaultProfile returns a profile seeded from the runtime's baked-in
// fallback values (internal/defaults), suitable as a starting point before
// overriding fields from configuration.
func DefaultProfile() Profile {
	return Profile{
		HeartbeatTimeout:   defaults.HeartbeatTimeout,
		IdleTimeout:        defaults.IdleTimeout,
		StartupTimeout:     defaults.StartupTimeout,
		TerminationTimeout: defaults.TerminationTimeout,
		Concurrency:        defaults.Concurrency,
		CrashlogLimit:      defaults.CrashlogLimit,
		PoolLimit:          defaults.PoolLimit,
		QueueLimit:         defaults.QueueLimit,
		GrowThreshold:      defaults.GrowThreshold,
	}
}

// Validate enforces the profile invariants the spec names explicitly: every
// timeout strictly positive, pool_limit and concurrency at least 1.
func (p Profile) Validate() error {
	if p.HeartbeatTimeout <= 0 {
		return fmt.Errorf("app: heartbeat_timeout must be positive, got %s", p.HeartbeatTimeout)
	}
	if p.IdleTimeout <= 0 {
		return fmt.Errorf("app: idle_timeout must be positive, got %s", p.IdleTimeout)
	}
	if p.StartupTimeout <= 0 {
		return fmt.Errorf("app: startup_timeout must be positive, got %s", p.StartupTimeout)
	}
	if p.TerminationTimeout <= 0 {
		return fmt.Errorf("app: termination_timeout must be positive, got %s", p.TerminationTimeout)
	}
	if p.Concurrency < 1 {
		return fmt.Errorf("app: concurrency must be >= 1, got %d", p.Concurrency)
	}
	if p.PoolLimit < 1 {
		return fmt.Errorf("app: pool_limit must be >= 1, got %d", p.PoolLimit)
	}
	if p.QueueLimit < 0 {
		return fmt.Errorf("app: queue_limit must be >= 0, got %d", p.QueueLimit)
	}
	if p.GrowThreshold < 1 {
		return fmt.Errorf("app: grow_threshold must be >= 1, got %d", p.GrowThreshold)
	}
	if p.CrashlogLimit < 0 {
		return fmt.Errorf("app: crashlog_limit must be >= 0, got %d", p.CrashlogLimit)
	}
	return nil
}

func (m Manifest) Validate() error {
	if m.Name == "" {
		return fmt.Errorf("app: manifest name must not be empty")
	}
	if m.Executable == "" {
		return fmt.Errorf("app: manifest executable must not be empty")
	}
	if m.Endpoint == "" {
		return fmt.Errorf("app: manifest endpoint must not be empty")
	}
	return nil
}
