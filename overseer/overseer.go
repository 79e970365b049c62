// Package overseer implements Component C7: the per-app orchestrator that
// owns the slave pool, the pending-request queue and the balancer, accepts
// worker handshakes, and assigns or queues client enqueue() calls.
//
// The pool/queue-under-one-lock-each shape and the "assign, then pop only on
// success" purge discipline are grounded on original_source's
// src/service/node/overseer.hpp/.cpp pool/queue fields together with
// balancing/load.cpp's purge() (see package balancer), translated from
// shared_ptr/mutex C++ into a single mutex guarding both maps the way the
// teacher's tunnel Server guards its channel table
// (tunnel/server/server.go: Server.mu guards Server.channels) -- Cocaine's
// spec asks for "single reactor, no cross-handler locking" instead, so the
// mutex here exists only to let Enqueue/handshake callbacks arrive from
// different goroutines before the reactor model is fully wired end to end;
// every method still assumes it runs on the owning Reactor.
package overseer

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/cocaine-rt/cocained/app"
	"github.com/cocaine-rt/cocained/balancer"
	"github.com/cocaine-rt/cocained/dispatch"
	"github.com/cocaine-rt/cocained/fserrors"
	"github.com/cocaine-rt/cocained/isolate"
	"github.com/cocaine-rt/cocained/reactor"
	"github.com/cocaine-rt/cocained/session"
	"github.com/cocaine-rt/cocained/slave"
	"github.com/cocaine-rt/cocained/wire"
)

func newUUID() string { return uuid.NewString() }

// Well-known message ids on the worker control channel (channel 0).
const (
	MessageHandshake uint64 = 0
	MessageHeartbeat uint64 = 1
	MessageTerminate uint64 = 2
)

// Well-known message ids on an app channel (spec §3's App RPC / Worker RPC):
// the overseer sends invoke(event) as the first frame on a freshly opened
// worker channel, then the worker replies with any number of chunks
// terminated by exactly one error or choke.
const (
	MessageInvoke uint64 = 0
	MessageChunk  uint64 = wire.MessageValue
	MessageChoke  uint64 = 2
)

// PendingRequest is one queued enqueue() call awaiting a slave.
type PendingRequest struct {
	Event          string
	Tag            string // "" means untagged
	ClientUpstream dispatch.Upstream
}

// Assigner performs the actual cross-session wiring once the overseer has
// picked a slave for a request: opening the worker-side channel, sending
// invoke(event), and gluing the worker's chunk/error/choke frames to
// clientUpstream (and vice versa). This lives outside the overseer because
// it needs both the client's and the worker's live sessions, which the
// overseer itself does not hold.
type Assigner interface {
	Assign(s *slave.Slave, channelID uint64, event string, clientUpstream dispatch.Upstream) error
}

// Overseer is the per-app orchestrator described in spec §4.6.
type Overseer struct {
	manifest app.Manifest
	profile  app.Profile
	re       *reactor.Reactor
	bal      balancer.Balancer
	spawner  isolate.Spawner
	assigner Assigner

	mu            sync.Mutex
	pool          map[string]*slave.Slave
	queue         []PendingRequest
	nextChannelID uint64
	shuttingDown  bool
}

// New constructs an Overseer for one app. bal defaults to
// balancer.NewLoadBalancer() if nil.
func New(manifest app.Manifest, profile app.Profile, re *reactor.Reactor, spawner isolate.Spawner, assigner Assigner, bal balancer.Balancer) *Overseer {
	if bal == nil {
		bal = balancer.NewLoadBalancer()
	}
	return &Overseer{
		manifest: manifest,
		profile:  profile,
		re:       re,
		bal:      bal,
		spawner:  spawner,
		assigner: assigner,
		pool:     make(map[string]*slave.Slave),
	}
}

// PoolSize reports the current slave count, bounded by profile.PoolLimit
// per the spec's pool-bound invariant.
func (o *Overseer) PoolSize() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.pool)
}

// QueueLen reports the current pending-request count, bounded by
// profile.QueueLimit per the spec's queue-bound invariant.
func (o *Overseer) QueueLen() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.queue)
}

func (o *Overseer) poolViewLocked() balancer.PoolView {
	slaves := make([]balancer.SlaveView, 0, len(o.pool))
	for id, s := range o.pool {
		slaves = append(slaves, balancer.SlaveView{UUID: id, Assignable: s.Assignable(), Load: s.Load()})
	}
	return balancer.PoolView{
		Slaves:        slaves,
		QueueLen:      len(o.queue),
		PoolLimit:     o.profile.PoolLimit,
		GrowThreshold: o.profile.GrowThreshold,
	}
}

// Enqueue admits a new client request per spec §4.6's "before affinity
// matching" resolution of the open question on queue_limit ordering: the
// queue_limit check happens first, uniformly, regardless of whether the
// request carries a tag.
func (o *Overseer) Enqueue(clientUpstream dispatch.Upstream, event string, tag string) error {
	o.mu.Lock()
	if o.shuttingDown {
		o.mu.Unlock()
		return fserrors.New(fserrors.DomainSlave, fserrors.CodeOverseerShutdowning)
	}
	if len(o.queue) >= o.profile.QueueLimit {
		o.mu.Unlock()
		return fserrors.New(fserrors.DomainOverseer, fserrors.CodeQueueIsFull)
	}

	req := PendingRequest{Event: event, Tag: tag, ClientUpstream: clientUpstream}

	if tag != "" {
		if s, ok := o.pool[tag]; ok && s.Assignable() {
			o.mu.Unlock()
			return o.tryAssign(s, req)
		}
	} else if id, ok := o.bal.OnRequest(o.poolViewLocked(), event, tag); ok {
		s := o.pool[id]
		o.mu.Unlock()
		return o.tryAssign(s, req)
	}

	o.queue = append(o.queue, req)
	spawnReq := o.bal.OnQueue(o.poolViewLocked())
	o.mu.Unlock()
	for i := 0; i < spawnReq.Count; i++ {
		if err := o.Spawn(); err != nil {
			break
		}
	}
	o.purge()
	return nil
}

// tryAssign performs the assignment protocol for one request against an
// already-selected slave: allocate a worker-side channel, bump load before
// the first frame, then hand off to the Assigner. On failure the request
// goes back to the head of the queue and the balancer is told the slave
// died, per the spec's "does not retry assignment" rule.
func (o *Overseer) tryAssign(s *slave.Slave, req PendingRequest) error {
	o.mu.Lock()
	o.nextChannelID++
	channelID := o.nextChannelID
	o.mu.Unlock()

	if err := s.Inject(channelID, dispatch.Dispatch{}); err != nil {
		o.bal.OnSlaveDeath(s.UUID())
		o.requeueFront(req)
		return nil
	}
	o.bal.OnChannelStarted(s.UUID(), channelID)

	if o.assigner == nil {
		s.ReleaseChannel(channelID)
		o.requeueFront(req)
		return nil
	}
	if err := o.assigner.Assign(s, channelID, req.Event, req.ClientUpstream); err != nil {
		s.ReleaseChannel(channelID)
		o.bal.OnChannelFinished(s.UUID(), channelID)
		o.bal.OnSlaveDeath(s.UUID())
		o.requeueFront(req)
		return nil
	}
	return nil
}

func (o *Overseer) requeueFront(req PendingRequest) {
	o.mu.Lock()
	o.queue = append([]PendingRequest{req}, o.queue...)
	o.mu.Unlock()
}

// FinishChannel reports that channelID on slave uuid has closed on both
// sides; it decrements load via the channel-watcher semantics the spec
// requires and runs the purge loop afterward, since finishing a channel may
// free capacity.
func (o *Overseer) FinishChannel(uuid string, channelID uint64) {
	o.mu.Lock()
	s, ok := o.pool[uuid]
	o.mu.Unlock()
	if !ok {
		return
	}
	s.ReleaseChannel(channelID)
	o.bal.OnChannelFinished(uuid, channelID)
	o.purge()
}

// purge drains the queue while the balancer can offer an assignable slave,
// popping a request only on successful assignment -- the strong exception
// guarantee the spec requires.
func (o *Overseer) purge() {
	for {
		o.mu.Lock()
		if len(o.queue) == 0 {
			o.mu.Unlock()
			return
		}
		id, ok := o.bal.OnRequest(o.poolViewLocked(), o.queue[0].Event, o.queue[0].Tag)
		if !ok {
			o.mu.Unlock()
			return
		}
		s := o.pool[id]
		req := o.queue[0]
		o.queue = o.queue[1:]
		o.mu.Unlock()

		if err := o.assignNoRequeueOnFailure(s, req); err != nil {
			o.requeueFront(req)
			return
		}
	}
}

func (o *Overseer) assignNoRequeueOnFailure(s *slave.Slave, req PendingRequest) error {
	o.mu.Lock()
	o.nextChannelID++
	channelID := o.nextChannelID
	o.mu.Unlock()

	if err := s.Inject(channelID, dispatch.Dispatch{}); err != nil {
		return err
	}
	o.bal.OnChannelStarted(s.UUID(), channelID)
	if o.assigner == nil {
		s.ReleaseChannel(channelID)
		return fserrors.New(fserrors.DomainOverseer, fserrors.CodeInvalidAppState)
	}
	if err := o.assigner.Assign(s, channelID, req.Event, req.ClientUpstream); err != nil {
		s.ReleaseChannel(channelID)
		o.bal.OnChannelFinished(s.UUID(), channelID)
		o.bal.OnSlaveDeath(s.UUID())
		return err
	}
	return nil
}

// Handshaker returns a one-shot dispatch for the worker-facing socket's
// accept path: it expects a handshake(uuid) frame on channel 0. If
// pool[uuid] exists and is spawning, the slave is activated (its control
// dispatch becomes the channel's new current dispatch, handling subsequent
// heartbeat/terminate frames); otherwise the worker is rejected.
func (o *Overseer) Handshaker() dispatch.Dispatch {
	return dispatch.NewBuilder("handshake").
		On(MessageHandshake, "handshake", dispatch.KindMute, o.handleHandshake).
		Build()
}

// WorkerRoot is the session.RootFactory for this app's worker-facing
// listener: every worker dials in and opens channel 0 first, carrying its
// handshake(uuid); any other channel id arriving unsolicited has no legal
// slots, since only the overseer itself opens further channels (via
// Assigner) on a connection it already owns.
func (o *Overseer) WorkerRoot() session.RootFactory {
	return func(channelID uint64) dispatch.Dispatch {
		if channelID == controlChannelID {
			return o.Handshaker()
		}
		return dispatch.Dispatch{}
	}
}

// controlChannelID is channel 0, the one every worker connection starts on.
const controlChannelID uint64 = 0

func (o *Overseer) handleHandshake(_ uint64, args []interface{}, _ []wire.Header, up dispatch.Upstream) (dispatch.Dispatch, error) {
	id, ok := firstString(args)
	if !ok {
		return dispatch.Dispatch{}, fserrors.New(fserrors.DomainSlave, fserrors.CodeInvalidState)
	}
	o.mu.Lock()
	s, ok := o.pool[id]
	o.mu.Unlock()
	if !ok || s.State() != slave.StateSpawning {
		return dispatch.Dispatch{}, fserrors.New(fserrors.DomainSlave, fserrors.CodeInvalidState)
	}
	if err := s.HandleHandshake(); err != nil {
		return dispatch.Dispatch{}, err
	}
	control := controlSink{upstream: up}
	if err := s.Activate(control); err != nil {
		return dispatch.Dispatch{}, err
	}
	if opener, ok := up.(interface{ Session() *session.Session }); ok {
		s.AttachSession(opener.Session())
	}
	o.bal.OnSlaveSpawn(id)
	o.purge()
	return o.controlDispatch(s), nil
}

// controlDispatch builds the protocol dispatch installed on channel 0 once
// a slave is active: it reacts to heartbeat and terminate frames from the
// worker.
func (o *Overseer) controlDispatch(s *slave.Slave) dispatch.Dispatch {
	var d dispatch.Dispatch
	b := dispatch.NewBuilder("control:" + s.UUID())
	b.On(MessageHeartbeat, "heartbeat", dispatch.KindMute, func(uint64, []interface{}, []wire.Header, dispatch.Upstream) (dispatch.Dispatch, error) {
		_ = s.HandleHeartbeat()
		return d, nil
	})
	b.On(MessageTerminate, "terminate", dispatch.KindMute, func(uint64, []interface{}, []wire.Header, dispatch.Upstream) (dispatch.Dispatch, error) {
		s.HandleTerminateFromWorker()
		return dispatch.Dispatch{}, nil
	})
	d = b.Build()
	return d
}

// controlSink adapts a channel's Upstream into the slave.ControlDispatch
// interface the FSM uses to push terminate() requests to the worker.
type controlSink struct {
	upstream dispatch.Upstream
}

func (c controlSink) SendHeartbeat() error { return c.upstream.Send(MessageHeartbeat, nil, nil) }

func (c controlSink) SendTerminate(code fserrors.Code, reason string) error {
	return c.upstream.Send(MessageTerminate, []interface{}{string(code), reason}, nil)
}

func (c controlSink) Close() error { return c.upstream.Close() }

// Spawn allocates a uuid, records a spawning pool entry, and asks the
// isolation plugin to start a worker process. If spawn fails the entry is
// never inserted, per the spec. Returns CodePoolIsFull if the pool is
// already at profile.PoolLimit, since a request this triggers otherwise
// fails silently further down the line.
func (o *Overseer) Spawn() error {
	o.mu.Lock()
	if o.shuttingDown {
		o.mu.Unlock()
		return fserrors.New(fserrors.DomainOverseer, fserrors.CodeOverseerShutdowning)
	}
	if len(o.pool) >= o.profile.PoolLimit {
		o.mu.Unlock()
		return fserrors.New(fserrors.DomainOverseer, fserrors.CodePoolIsFull)
	}
	uuid := newUUID()
	o.mu.Unlock()

	s := slave.New(uuid, o.profile, o.re, o.onSlaveDead)

	if o.spawner != nil {
		env := map[string]string{"COCAINE_WORKER_UUID": uuid, "COCAINE_WORKER_ENDPOINT": o.manifest.Endpoint}
		if _, err := o.spawner.Spawn(context.Background(), o.manifest, o.profile.Isolate, env); err != nil {
			return err
		}
	}

	o.mu.Lock()
	o.pool[uuid] = s
	o.mu.Unlock()
	return nil
}

func (o *Overseer) onSlaveDead(uuid string, code fserrors.Code) {
	o.bal.OnSlaveDeath(uuid)
	o.removeDeadSlave(uuid)
	o.purge()
}

func (o *Overseer) removeDeadSlave(uuid string) {
	o.mu.Lock()
	delete(o.pool, uuid)
	o.mu.Unlock()
}

// Despawn transitions a slave to terminating (graceful) or kills it
// outright (force).
func (o *Overseer) Despawn(uuid string, policy slave.DespawnPolicy) error {
	o.mu.Lock()
	s, ok := o.pool[uuid]
	o.mu.Unlock()
	if !ok {
		return fserrors.New(fserrors.DomainOverseer, fserrors.CodeInvalidAppState)
	}
	return s.Despawn(policy, "requested")
}

// Shutdown clears the pool, despawning every slave gracefully, matching the
// spec's context-shutdown hook.
func (o *Overseer) Shutdown() {
	o.mu.Lock()
	o.shuttingDown = true
	slaves := make([]*slave.Slave, 0, len(o.pool))
	for _, s := range o.pool {
		slaves = append(slaves, s)
	}
	o.mu.Unlock()
	for _, s := range slaves {
		_ = s.Despawn(slave.DespawnGraceful, "shutdown")
	}
}

func firstString(args []interface{}) (string, bool) {
	if len(args) == 0 {
		return "", false
	}
	s, ok := args[0].(string)
	return s, ok
}
