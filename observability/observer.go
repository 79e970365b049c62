// Package observability declares the metric surfaces the runtime's
// components report through, independent of any particular backend. A
// concrete Prometheus implementation lives in the prom subpackage.
package observability

import (
	"sync"
	"sync/atomic"
	"time"
)

// AssignResult labels the outcome of one overseer assignment attempt.
type AssignResult string

const (
	AssignResultOK      AssignResult = "ok"
	AssignResultQueued  AssignResult = "queued"
	AssignResultFailed  AssignResult = "failed"
	AssignResultRefused AssignResult = "refused"
)

// SlaveDeathReason labels why a slave left the pool.
type SlaveDeathReason string

const (
	SlaveDeathSpawnTimeout     SlaveDeathReason = "spawn_timeout"
	SlaveDeathActivateTimeout  SlaveDeathReason = "activate_timeout"
	SlaveDeathHeartbeatTimeout SlaveDeathReason = "heartbeat_timeout"
	SlaveDeathTerminateTimeout SlaveDeathReason = "terminate_timeout"
	SlaveDeathControlIPCError  SlaveDeathReason = "control_ipc_error"
	SlaveDeathCommittedSuicide SlaveDeathReason = "committed_suicide"
	SlaveDeathOther            SlaveDeathReason = "other"
)

// FrameDirection labels which side of a channel a wire error occurred on.
type FrameDirection string

const (
	FrameRead  FrameDirection = "read"
	FrameWrite FrameDirection = "write"
)

// ResolveResult labels the outcome of one locator resolve() call.
type ResolveResult string

const (
	ResolveResultLocal    ResolveResult = "local"
	ResolveResultRemote   ResolveResult = "remote"
	ResolveResultNotFound ResolveResult = "not_found"
)

// OverseerObserver receives per-app pool/queue/balancer metric events.
type OverseerObserver interface {
	PoolSize(n int)
	QueueLen(n int)
	Assign(result AssignResult)
	SlaveSpawned()
	SlaveDied(reason SlaveDeathReason)
}

// SessionObserver receives per-session channel/wire metric events.
type SessionObserver interface {
	ChannelCount(n int)
	FrameError(direction FrameDirection)
}

// LocatorObserver receives locator/gateway metric events.
type LocatorObserver interface {
	Resolve(result ResolveResult)
	ConsumeAdvertisement()
	CleanupAdvertisement()
	ContinuumBuild(group string, d time.Duration)
}

type noopOverseerObserver struct{}

func (noopOverseerObserver) PoolSize(int)               {}
func (noopOverseerObserver) QueueLen(int)                {}
func (noopOverseerObserver) Assign(AssignResult)         {}
func (noopOverseerObserver) SlaveSpawned()               {}
func (noopOverseerObserver) SlaveDied(SlaveDeathReason)  {}

type noopSessionObserver struct{}

func (noopSessionObserver) ChannelCount(int)         {}
func (noopSessionObserver) FrameError(FrameDirection) {}

type noopLocatorObserver struct{}

func (noopLocatorObserver) Resolve(ResolveResult)           {}
func (noopLocatorObserver) ConsumeAdvertisement()           {}
func (noopLocatorObserver) CleanupAdvertisement()           {}
func (noopLocatorObserver) ContinuumBuild(string, time.Duration) {}

// NoopOverseerObserver is a zero-cost observer used when metrics are disabled.
var NoopOverseerObserver OverseerObserver = noopOverseerObserver{}

// NoopSessionObserver is a zero-cost observer used when metrics are disabled.
var NoopSessionObserver SessionObserver = noopSessionObserver{}

// NoopLocatorObserver is a zero-cost observer used when metrics are disabled.
var NoopLocatorObserver LocatorObserver = noopLocatorObserver{}

// AtomicOverseerObserver swaps its delegate at runtime, so an overseer can
// start against the no-op observer and be wired to a real backend once one
// is constructed, without the overseer itself depending on construction
// order.
type AtomicOverseerObserver struct {
	once sync.Once
	v    atomic.Value
}

type overseerObserverHolder struct{ obs OverseerObserver }

// NewAtomicOverseerObserver returns an initialized atomic observer.
func NewAtomicOverseerObserver() *AtomicOverseerObserver {
	a := &AtomicOverseerObserver{}
	a.once.Do(func() { a.v.Store(&overseerObserverHolder{obs: NoopOverseerObserver}) })
	return a
}

// Set replaces the delegate, falling back to the no-op observer on nil.
func (a *AtomicOverseerObserver) Set(obs OverseerObserver) {
	if obs == nil {
		obs = NoopOverseerObserver
	}
	a.once.Do(func() { a.v.Store(&overseerObserverHolder{obs: NoopOverseerObserver}) })
	a.v.Store(&overseerObserverHolder{obs: obs})
}

func (a *AtomicOverseerObserver) load() OverseerObserver {
	a.once.Do(func() { a.v.Store(&overseerObserverHolder{obs: NoopOverseerObserver}) })
	return a.v.Load().(*overseerObserverHolder).obs
}

func (a *AtomicOverseerObserver) PoolSize(n int)  { a.load().PoolSize(n) }
func (a *AtomicOverseerObserver) QueueLen(n int)  { a.load().QueueLen(n) }
func (a *AtomicOverseerObserver) Assign(r AssignResult) { a.load().Assign(r) }
func (a *AtomicOverseerObserver) SlaveSpawned()   { a.load().SlaveSpawned() }
func (a *AtomicOverseerObserver) SlaveDied(r SlaveDeathReason) { a.load().SlaveDied(r) }

// AtomicSessionObserver swaps its delegate at runtime.
type AtomicSessionObserver struct {
	once sync.Once
	v    atomic.Value
}

type sessionObserverHolder struct{ obs SessionObserver }

// NewAtomicSessionObserver returns an initialized atomic observer.
func NewAtomicSessionObserver() *AtomicSessionObserver {
	a := &AtomicSessionObserver{}
	a.once.Do(func() { a.v.Store(&sessionObserverHolder{obs: NoopSessionObserver}) })
	return a
}

// Set replaces the delegate, falling back to the no-op observer on nil.
func (a *AtomicSessionObserver) Set(obs SessionObserver) {
	if obs == nil {
		obs = NoopSessionObserver
	}
	a.once.Do(func() { a.v.Store(&sessionObserverHolder{obs: NoopSessionObserver}) })
	a.v.Store(&sessionObserverHolder{obs: obs})
}

func (a *AtomicSessionObserver) load() SessionObserver {
	a.once.Do(func() { a.v.Store(&sessionObserverHolder{obs: NoopSessionObserver}) })
	return a.v.Load().(*sessionObserverHolder).obs
}

func (a *AtomicSessionObserver) ChannelCount(n int) { a.load().ChannelCount(n) }
func (a *AtomicSessionObserver) FrameError(d FrameDirection) { a.load().FrameError(d) }

// AtomicLocatorObserver swaps its delegate at runtime.
type AtomicLocatorObserver struct {
	once sync.Once
	v    atomic.Value
}

type locatorObserverHolder struct{ obs LocatorObserver }

// NewAtomicLocatorObserver returns an initialized atomic observer.
func NewAtomicLocatorObserver() *AtomicLocatorObserver {
	a := &AtomicLocatorObserver{}
	a.once.Do(func() { a.v.Store(&locatorObserverHolder{obs: NoopLocatorObserver}) })
	return a
}

// Set replaces the delegate, falling back to the no-op observer on nil.
func (a *AtomicLocatorObserver) Set(obs LocatorObserver) {
	if obs == nil {
		obs = NoopLocatorObserver
	}
	a.once.Do(func() { a.v.Store(&locatorObserverHolder{obs: NoopLocatorObserver}) })
	a.v.Store(&locatorObserverHolder{obs: obs})
}

func (a *AtomicLocatorObserver) load() LocatorObserver {
	a.once.Do(func() { a.v.Store(&locatorObserverHolder{obs: NoopLocatorObserver}) })
	return a.v.Load().(*locatorObserverHolder).obs
}

func (a *AtomicLocatorObserver) Resolve(r ResolveResult) { a.load().Resolve(r) }
func (a *AtomicLocatorObserver) ConsumeAdvertisement()   { a.load().ConsumeAdvertisement() }
func (a *AtomicLocatorObserver) CleanupAdvertisement()   { a.load().CleanupAdvertisement() }
func (a *AtomicLocatorObserver) ContinuumBuild(group string, d time.Duration) {
	a.load().ContinuumBuild(group, d)
}
