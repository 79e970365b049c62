// Package defaults centralizes the runtime's tunable fallback values so each
// component does not hardcode its own magic numbers.
package defaults

import "time"

const (
	// HeartbeatTimeout is used when an app profile omits heartbeat_timeout.
	HeartbeatTimeout = 30 * time.Second
	// IdleTimeout is used when an app profile omits idle_timeout.
	IdleTimeout = 60 * time.Second
	// StartupTimeout is used when an app profile omits startup_timeout.
	StartupTimeout = 10 * time.Second
	// TerminationTimeout is used when an app profile omits termination_timeout.
	TerminationTimeout = 5 * time.Second

	// Concurrency is the per-slave channel cap used when a profile omits it.
	Concurrency = 10
	// CrashlogLimit bounds the number of retained crash logs per app.
	CrashlogLimit = 50
	// PoolLimit bounds the number of slaves an overseer will spawn.
	PoolLimit = 4
	// QueueLimit bounds the number of pending requests an overseer will hold.
	QueueLimit = 100
	// GrowThreshold is the requests-per-slave ratio that triggers pool growth.
	GrowThreshold = 4

	// MaxFrameBytes bounds a single framed-channel message before doubling stops
	// and the connection is treated as having committed a fatal protocol error.
	MaxFrameBytes = 8 << 20
	// InitialRingBytes is the starting capacity of a framed channel's ring buffer.
	InitialRingBytes = 4096
	// HeaderTableCapacity is the default dynamic header table byte budget.
	HeaderTableCapacity = 4096

	// EncoderSoftLimitBytes is the outgoing ring size past which the encoder
	// reports backpressure to its session.
	EncoderSoftLimitBytes = 1 << 20
)
