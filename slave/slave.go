// Package slave implements Component C6: the per-worker-process finite
// state machine (spawning -> handshaking -> active -> terminating -> dead)
// described in spec §4.5. A Slave owns its own timers on the reactor that
// drives its overseer and notifies its owner exactly once, on death, via a
// callback posted back through that reactor -- never invoked synchronously,
// including from the constructor.
//
// The timer-juggling shape (arm on entry, cancel on exit, re-arm on the
// qualifying event) is grounded on the teacher's tunnel channelState cleanup
// loop (tunnel/server/server.go: cleanupLoop checks initExp/lastActive on a
// ticker) generalized from one shared sweep to four independent, per-slave
// reactor timers as the spec's FSM requires.
package slave

import (
	"fmt"
	"sync"
	"time"

	"github.com/cocaine-rt/cocained/app"
	"github.com/cocaine-rt/cocained/dispatch"
	"github.com/cocaine-rt/cocained/fserrors"
	"github.com/cocaine-rt/cocained/queue"
	"github.com/cocaine-rt/cocained/reactor"
)

// ChannelOpener is the slice of *session.Session a slave needs once active:
// the ability to open a fresh worker-side channel on the physical connection
// the worker handshook on. Declared here rather than imported directly so
// this package does not need to know about session's other internals.
type ChannelOpener interface {
	OpenChannel(d dispatch.Dispatch) (channelID uint64, outbox *queue.Queue)
}

// State is one point in the slave lifecycle.
type State int

const (
	StateSpawning State = iota
	StateHandshaking
	StateActive
	StateTerminating
	StateDead
)

func (s State) String() string {
	switch s {
	case StateSpawning:
		return "spawning"
	case StateHandshaking:
		return "handshaking"
	case StateActive:
		return "active"
	case StateTerminating:
		return "terminating"
	case StateDead:
		return "dead"
	default:
		return "unknown"
	}
}

// DespawnPolicy selects how Despawn tears a slave down.
type DespawnPolicy int

const (
	DespawnGraceful DespawnPolicy = iota
	DespawnForce
)

// ControlDispatch is the minimal surface a slave needs from its control
// channel (channel 0) to send session-level control messages to the worker.
type ControlDispatch interface {
	SendHeartbeat() error
	SendTerminate(code fserrors.Code, reason string) error
	Close() error
}

// CleanupFunc is invoked exactly once, when a slave enters StateDead. It is
// always posted to the reactor rather than called inline, so it never runs
// from within a constructor or from deep inside another handler's stack.
type CleanupFunc func(uuid string, code fserrors.Code)

// Slave is a single worker process's state machine. Its timers fire on the
// owning Overseer's reactor goroutine, but its methods are also invoked
// directly by handler goroutines that are not that reactor (an Overseer's
// handshake/control dispatch callbacks currently run on whichever reactor
// the originating session lives on, per netserve's per-connection Pool
// assignment) -- so, unlike most of this runtime's single-reactor-owned
// components, Slave guards its own mutable state with mu rather than relying
// on the caller to already be serialized.
type Slave struct {
	uuid    string
	profile app.Profile
	re      *reactor.Reactor
	cleanup CleanupFunc

	mu              sync.Mutex
	state           State
	load            int
	activeChannels  map[uint64]struct{}
	spawnedAt       time.Time
	lastHeartbeatAt time.Time

	control ControlDispatch
	sess    ChannelOpener
	cleaned bool

	lifecycleTimer reactor.TimerHandle // startup/activate, or termination
	heartbeatTimer reactor.TimerHandle
	idleTimer      reactor.TimerHandle
	haveLifecycle  bool
	haveHeartbeat  bool
	haveIdle       bool
}

// New constructs a slave in StateSpawning and arms its startup timer. The
// returned Slave must subsequently receive exactly one of HandleHandshake or
// a startup-timeout firing (handled internally) before any channel may be
// injected into it.
func New(uuid string, profile app.Profile, re *reactor.Reactor, cleanup CleanupFunc) *Slave {
	s := &Slave{
		uuid:           uuid,
		profile:        profile,
		re:             re,
		cleanup:        cleanup,
		state:          StateSpawning,
		activeChannels: make(map[uint64]struct{}),
		spawnedAt:      time.Now(),
	}
	s.armLifecycleTimerLocked(profile.StartupTimeout, func() {
		s.die(fserrors.CodeSpawnTimeout)
	})
	return s
}

// UUID returns the slave's identity. uuid is set once at construction and
// never mutated afterward, so this is safe without locking.
func (s *Slave) UUID() string { return s.uuid }

// State returns the slave's current lifecycle state.
func (s *Slave) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Load returns the number of active channels currently routed through this
// slave -- the spec's load accounting invariant keeps this in sync with
// len(ActiveChannels()) at every instant.
func (s *Slave) Load() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load
}

// Assignable reports whether the slave may currently accept a new injected
// channel: active, and below its concurrency cap.
func (s *Slave) Assignable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.assignableLocked()
}

func (s *Slave) assignableLocked() bool {
	return s.state == StateActive && s.load < s.profile.Concurrency
}

// HandleHandshake transitions spawning -> handshaking on a matching
// handshake(uuid) frame. Returns invalid_state if called outside spawning.
func (s *Slave) HandleHandshake() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateSpawning {
		return fserrors.New(fserrors.DomainSlave, fserrors.CodeInvalidState)
	}
	s.cancelLifecycleTimerLocked()
	s.state = StateHandshaking
	s.armLifecycleTimerLocked(s.profile.StartupTimeout, func() {
		s.die(fserrors.CodeActivateTimeout)
	})
	return nil
}

// Activate installs the slave's control dispatch, transitioning
// handshaking -> active and arming the heartbeat timer.
func (s *Slave) Activate(control ControlDispatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateHandshaking {
		return fserrors.New(fserrors.DomainSlave, fserrors.CodeInvalidState)
	}
	s.cancelLifecycleTimerLocked()
	s.control = control
	s.state = StateActive
	s.lastHeartbeatAt = time.Now()
	s.armHeartbeatTimerLocked()
	s.armIdleTimerIfIdleLocked()
	return nil
}

// AttachSession records the physical connection the worker handshook on, so
// a later Inject'd channel's Assigner can open a fresh worker-side channel
// on it. Called once, right after Activate succeeds.
func (s *Slave) AttachSession(co ChannelOpener) {
	s.mu.Lock()
	s.sess = co
	s.mu.Unlock()
}

// Session returns the slave's attached connection, if any. false before
// Activate (or once the slave has died and nothing should open a channel on
// it anymore is left to the caller to check via State/Assignable).
func (s *Slave) Session() (ChannelOpener, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sess, s.sess != nil
}

// HandleHeartbeat restarts the heartbeat timer. Per the spec's open
// question, this is kept orthogonal to the idle timer: heartbeat depends
// only on control messages, idle only on load reaching zero.
func (s *Slave) HandleHeartbeat() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive {
		return fserrors.New(fserrors.DomainSlave, fserrors.CodeInvalidState)
	}
	s.lastHeartbeatAt = time.Now()
	s.armHeartbeatTimerLocked()
	return nil
}

// Inject records channelID as an active channel on this slave, incrementing
// load synchronously before any frame is sent, and cancels the idle timer if
// it was armed (load leaving zero). It does not open the channel itself (the
// overseer's Assigner does) and does not use d.
func (s *Slave) Inject(channelID uint64, d dispatch.Dispatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.assignableLocked() {
		return fserrors.New(fserrors.DomainSlave, fserrors.CodeInvalidState)
	}
	if _, dup := s.activeChannels[channelID]; dup {
		return fmt.Errorf("slave: channel %d already active on slave %s", channelID, s.uuid)
	}
	s.activeChannels[channelID] = struct{}{}
	s.load++
	s.cancelIdleTimerLocked()
	return nil
}

// ReleaseChannel decrements load exactly once for channelID, idempotent
// against repeated calls (the overseer's channel watcher may observe both
// rx-close and tx-close and must not double-decrement). Re-arms the idle
// timer if load returns to zero.
func (s *Slave) ReleaseChannel(channelID uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.activeChannels[channelID]; !ok {
		return
	}
	delete(s.activeChannels, channelID)
	s.load--
	if s.load == 0 {
		s.armIdleTimerIfIdleLocked()
	}
}

// ActiveChannels returns a snapshot of channel ids currently routed through
// this slave.
func (s *Slave) ActiveChannels() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]uint64, 0, len(s.activeChannels))
	for id := range s.activeChannels {
		out = append(out, id)
	}
	return out
}

// HandleTerminateFromWorker marks the slave dead because the worker itself
// requested shutdown (spec: "worker sent terminate" -> committed_suicide).
func (s *Slave) HandleTerminateFromWorker() {
	s.die(fserrors.CodeCommittedSuicide)
}

// HandleControlIPCError marks the slave dead because its control channel
// failed (spec: control ipc error).
func (s *Slave) HandleControlIPCError() {
	s.die(fserrors.CodeControlIPCError)
}

// HandleExit marks the slave dead because the worker process exited. code
// should be CodeCommittedSuicide if a termination frame was already
// received (the caller is expected to track that), otherwise
// CodeUnknownActivateError per the spec's exit-code contract.
func (s *Slave) HandleExit(code fserrors.Code) {
	s.die(code)
}

// Despawn transitions active -> terminating. Graceful sends terminate() on
// the control dispatch and arms the termination timer; force kills the
// slave immediately (skipping the terminating state entirely, since there
// is nothing left to wait for).
func (s *Slave) Despawn(policy DespawnPolicy, reason string) error {
	s.mu.Lock()
	if s.state != StateActive {
		s.mu.Unlock()
		return fserrors.New(fserrors.DomainSlave, fserrors.CodeInvalidState)
	}
	s.cancelIdleTimerLocked()
	s.cancelHeartbeatTimerLocked()
	if policy == DespawnForce {
		s.mu.Unlock()
		s.die(fserrors.CodeCommittedSuicide)
		return nil
	}
	s.state = StateTerminating
	control := s.control
	s.armLifecycleTimerLocked(s.profile.TerminationTimeout, func() {
		s.die(fserrors.CodeTerminateTimeout)
	})
	s.mu.Unlock()
	if control != nil {
		_ = control.SendTerminate(fserrors.CodeCommittedSuicide, reason)
	}
	return nil
}

// handleIdleTimeout is invoked (via the armed idle timer) when the slave has
// sat at load==0 past profile.IdleTimeout while active. Per spec this is a
// graceful despawn, not an immediate death.
func (s *Slave) handleIdleTimeout() {
	s.mu.Lock()
	idle := s.state == StateActive && s.load == 0
	s.mu.Unlock()
	if !idle {
		return
	}
	_ = s.Despawn(DespawnGraceful, "idle")
}

// HandleTerminateAck completes a graceful despawn early, before the
// termination timer fires.
func (s *Slave) HandleTerminateAck() {
	s.mu.Lock()
	if s.state != StateTerminating {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.die(fserrors.CodeCommittedSuicide)
}

// die transitions the slave to StateDead and notifies its owner exactly
// once. Safe to call from any goroutine and any state, including
// concurrently with itself.
func (s *Slave) die(code fserrors.Code) {
	s.mu.Lock()
	if s.state == StateDead {
		s.mu.Unlock()
		return
	}
	s.cancelLifecycleTimerLocked()
	s.cancelHeartbeatTimerLocked()
	s.cancelIdleTimerLocked()
	s.state = StateDead
	control := s.control
	var uuid string
	var cb CleanupFunc
	if !s.cleaned && s.cleanup != nil {
		s.cleaned = true
		uuid = s.uuid
		cb = s.cleanup
	}
	s.mu.Unlock()

	if control != nil {
		_ = control.Close()
	}
	if cb != nil {
		s.re.Post(func() { cb(uuid, code) })
	}
}

// The armXLocked/cancelXLocked helpers below assume s.mu is already held by
// the caller; none of them take the lock themselves, and none call any
// exported (lock-taking) Slave method.

func (s *Slave) armLifecycleTimerLocked(d time.Duration, fn func()) {
	s.cancelLifecycleTimerLocked()
	s.lifecycleTimer = s.re.StartTimer(d, 0, fn)
	s.haveLifecycle = true
}

func (s *Slave) cancelLifecycleTimerLocked() {
	if s.haveLifecycle {
		s.lifecycleTimer.Cancel()
		s.haveLifecycle = false
	}
}

func (s *Slave) armHeartbeatTimerLocked() {
	s.cancelHeartbeatTimerLocked()
	s.heartbeatTimer = s.re.StartTimer(s.profile.HeartbeatTimeout, 0, func() {
		s.die(fserrors.CodeHeartbeatTimeout)
	})
	s.haveHeartbeat = true
}

func (s *Slave) cancelHeartbeatTimerLocked() {
	if s.haveHeartbeat {
		s.heartbeatTimer.Cancel()
		s.haveHeartbeat = false
	}
}

func (s *Slave) armIdleTimerIfIdleLocked() {
	s.cancelIdleTimerLocked()
	if s.state != StateActive || s.load != 0 {
		return
	}
	s.idleTimer = s.re.StartTimer(s.profile.IdleTimeout, 0, s.handleIdleTimeout)
	s.haveIdle = true
}

func (s *Slave) cancelIdleTimerLocked() {
	if s.haveIdle {
		s.idleTimer.Cancel()
		s.haveIdle = false
	}
}
