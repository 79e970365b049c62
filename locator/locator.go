// Package locator implements Component C9: the cluster-wide service
// directory. It tracks the node's own services, mirrors remote peers'
// advertisements, resolves names to endpoints (falling back to an
// injectable gateway for remote selection), and hosts one consistent-hash
// router per routing group.
//
// The read-snapshot/short-exclusive-lock discipline (resolve takes a
// snapshot, consume/cleanup hold a brief lock) is grounded on the teacher's
// tunnel Server.channels table access pattern
// (tunnel/server/server.go), generalized from one map to the three
// (local_services, remote_peers, per-group router) the spec's locator
// keeps.
package locator

import (
	"math/rand"
	"sync"

	"github.com/cocaine-rt/cocained/fserrors"
	"github.com/cocaine-rt/cocained/locator/routing"
)

// Endpoint is a dialable network address, host plus port.
type Endpoint struct {
	Host string
	Port int
}

// ServiceDescriptor is what resolve() answers with: where to dial, and the
// protocol generation a client needs to speak.
type ServiceDescriptor struct {
	Name          string
	Version       int
	Endpoints     []Endpoint
	ProtocolGraph string // opaque identifier for the dispatch graph version
}

// PeerRecord is one remote node mirrored from the cluster plugin.
type PeerRecord struct {
	UUID              string
	Endpoints         []Endpoint
	AnnouncedServices map[string]ServiceDescriptor
}

// Action classifies a connect() stream event.
type Action int

const (
	ActionExpose Action = iota
	ActionRemove
)

// DirectoryEvent is one update emitted on the connect() streaming slot.
type DirectoryEvent struct {
	Name       string
	Action     Action
	Descriptor ServiceDescriptor
}

// Gateway is the injectable remote-selection back end consulted when a name
// is not one of the node's own local_services (or always, under the "full"
// policy).
type Gateway interface {
	Resolve(name string) (ServiceDescriptor, bool)
}

// Policy selects how resolve() combines local_services and the Gateway.
type Policy int

const (
	// PolicyLocalFirst tries local_services, falling back to the gateway.
	PolicyLocalFirst Policy = iota
	// PolicyFull always asks the gateway directly.
	PolicyFull
)

// RoutingGroupSource loads (or reloads) a routing group's weighted member
// set from backing storage; refresh() calls through to this.
type RoutingGroupSource func(group string) ([]routing.Member, error)

// Locator is the per-node service directory.
type Locator struct {
	policy  Policy
	gateway Gateway
	source  RoutingGroupSource

	mu         sync.RWMutex
	local      map[string]ServiceDescriptor
	peers      map[string]PeerRecord
	continuums map[string]*routing.Continuum
	weights    map[string]map[string]float64

	subMu sync.Mutex
	subs  []chan DirectoryEvent
}

// New constructs an empty Locator. gateway and source may be nil (routing()
// and resolve() fallback simply miss).
func New(policy Policy, gateway Gateway, source RoutingGroupSource) *Locator {
	return &Locator{
		policy:     policy,
		gateway:    gateway,
		source:     source,
		local:      make(map[string]ServiceDescriptor),
		peers:      make(map[string]PeerRecord),
		continuums: make(map[string]*routing.Continuum),
		weights:    make(map[string]map[string]float64),
	}
}

// BindLocal registers (or replaces) one of the node's own services,
// notifying connect() subscribers of an expose event.
func (l *Locator) BindLocal(desc ServiceDescriptor) {
	l.mu.Lock()
	l.local[desc.Name] = desc
	l.mu.Unlock()
	l.publish(DirectoryEvent{Name: desc.Name, Action: ActionExpose, Descriptor: desc})
}

// UnbindLocal removes a previously bound local service, notifying connect()
// subscribers of a remove event.
func (l *Locator) UnbindLocal(name string) {
	l.mu.Lock()
	desc, ok := l.local[name]
	delete(l.local, name)
	l.mu.Unlock()
	if ok {
		l.publish(DirectoryEvent{Name: name, Action: ActionRemove, Descriptor: desc})
	}
}

// Resolve implements resolve(name) per the spec's policy/fallback rule.
func (l *Locator) Resolve(name string) (ServiceDescriptor, error) {
	if l.policy == PolicyFull && l.gateway != nil {
		if desc, ok := l.gateway.Resolve(name); ok {
			return desc, nil
		}
		return ServiceDescriptor{}, fserrors.New(fserrors.DomainGateway, fserrors.CodeServiceNotAvailable)
	}

	l.mu.RLock()
	desc, ok := l.local[name]
	l.mu.RUnlock()
	if ok {
		return desc, nil
	}
	if l.gateway != nil {
		if desc, ok := l.gateway.Resolve(name); ok {
			return desc, nil
		}
	}
	return ServiceDescriptor{}, fserrors.New(fserrors.DomainGateway, fserrors.CodeServiceNotAvailable)
}

// Routing returns group's member -> weight table as of the last Refresh,
// matching the RPC's map<group, map<uuid, weight>> shape for one group. It
// fails with service_not_available if the group has never been built.
func (l *Locator) Routing(group string) (map[string]float64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	w, ok := l.weights[group]
	if !ok {
		return nil, fserrors.New(fserrors.DomainGateway, fserrors.CodeServiceNotAvailable)
	}
	snapshot := make(map[string]float64, len(w))
	for k, v := range w {
		snapshot[k] = v
	}
	return snapshot, nil
}

// Refresh reloads group's member set from the RoutingGroupSource and
// rebuilds its continuum.
func (l *Locator) Refresh(group string) error {
	if l.source == nil {
		return fserrors.New(fserrors.DomainGateway, fserrors.CodeServiceNotAvailable)
	}
	members, err := l.source(group)
	if err != nil {
		return err
	}
	c := routing.Build(members, int64(len(members))+1)
	w := make(map[string]float64, len(members))
	for _, m := range members {
		w[m.Value] = m.Weight
	}
	l.mu.Lock()
	l.continuums[group] = c
	l.weights[group] = w
	l.mu.Unlock()
	return nil
}

// RouteKey resolves key to a member of group via its continuum.
func (l *Locator) RouteKey(group, key string) (string, bool) {
	l.mu.RLock()
	c, ok := l.continuums[group]
	l.mu.RUnlock()
	if !ok {
		return "", false
	}
	return c.Get(key)
}

// RouteAny resolves an arbitrary member of group via its continuum.
func (l *Locator) RouteAny(group string) (string, bool) {
	l.mu.RLock()
	c, ok := l.continuums[group]
	l.mu.RUnlock()
	if !ok {
		return "", false
	}
	return c.GetRandom()
}

// MirrorPeer records (or replaces) a remote peer's advertisement, as the
// cluster plugin observes it.
func (l *Locator) MirrorPeer(p PeerRecord) {
	l.mu.Lock()
	l.peers[p.UUID] = p
	l.mu.Unlock()
}

// ForgetPeer drops a peer entirely (on peer loss).
func (l *Locator) ForgetPeer(uuid string) {
	l.mu.Lock()
	delete(l.peers, uuid)
	l.mu.Unlock()
}

// Peers returns a snapshot of currently mirrored remote peers.
func (l *Locator) Peers() []PeerRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]PeerRecord, 0, len(l.peers))
	for _, p := range l.peers {
		out = append(out, p)
	}
	return out
}

// Subscribe registers a new connect() stream subscriber, seeded with every
// currently-bound local service as a synthetic expose event.
func (l *Locator) Subscribe() <-chan DirectoryEvent {
	ch := make(chan DirectoryEvent, 32)
	l.mu.RLock()
	seed := make([]DirectoryEvent, 0, len(l.local))
	for name, desc := range l.local {
		seed = append(seed, DirectoryEvent{Name: name, Action: ActionExpose, Descriptor: desc})
	}
	l.mu.RUnlock()
	for _, ev := range seed {
		ch <- ev
	}
	l.subMu.Lock()
	l.subs = append(l.subs, ch)
	l.subMu.Unlock()
	return ch
}

// Unsubscribe removes a previously Subscribed channel. Callers that stop
// draining a connect() stream (e.g. a websocket client disconnecting) must
// call this or the Locator keeps publishing into a channel nobody reads,
// growing subs without bound.
func (l *Locator) Unsubscribe(ch <-chan DirectoryEvent) {
	l.subMu.Lock()
	defer l.subMu.Unlock()
	for i, s := range l.subs {
		if s == ch {
			l.subs = append(l.subs[:i], l.subs[i+1:]...)
			return
		}
	}
}

func (l *Locator) publish(ev DirectoryEvent) {
	l.subMu.Lock()
	defer l.subMu.Unlock()
	for _, ch := range l.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// AdhocGateway is the reference Gateway: stores (name, version) -> remote
// instances, resolves by picking uniformly at random among matches.
type AdhocGateway struct {
	mu     sync.Mutex
	byName map[string][]adhocEntry
	rng    *rand.Rand
}

type adhocEntry struct {
	uuid      string
	version   int
	endpoints []Endpoint
}

// NewAdhocGateway constructs an empty AdhocGateway. seed controls the
// uniform-selection RNG so behavior is reproducible in tests.
func NewAdhocGateway(seed int64) *AdhocGateway {
	return &AdhocGateway{byName: make(map[string][]adhocEntry), rng: rand.New(rand.NewSource(seed))}
}

// Consume records (or replaces) one peer's advertisement of (name, version).
func (g *AdhocGateway) Consume(uuid string, name string, version int, endpoints []Endpoint) {
	g.mu.Lock()
	defer g.mu.Unlock()
	entries := g.byName[name]
	for i, e := range entries {
		if e.uuid == uuid {
			entries[i] = adhocEntry{uuid: uuid, version: version, endpoints: endpoints}
			return
		}
	}
	g.byName[name] = append(entries, adhocEntry{uuid: uuid, version: version, endpoints: endpoints})
}

// CleanupService removes uuid's advertisement of name.
func (g *AdhocGateway) CleanupService(uuid, name string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	entries := g.byName[name]
	for i, e := range entries {
		if e.uuid == uuid {
			g.byName[name] = append(entries[:i], entries[i+1:]...)
			return
		}
	}
}

// CleanupPeer removes every advertisement from uuid (peer loss).
func (g *AdhocGateway) CleanupPeer(uuid string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for name, entries := range g.byName {
		filtered := entries[:0]
		for _, e := range entries {
			if e.uuid != uuid {
				filtered = append(filtered, e)
			}
		}
		g.byName[name] = filtered
	}
}

// Resolve picks uniformly at random among name's remote instances.
func (g *AdhocGateway) Resolve(name string) (ServiceDescriptor, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	entries := g.byName[name]
	if len(entries) == 0 {
		return ServiceDescriptor{}, false
	}
	e := entries[g.rng.Intn(len(entries))]
	return ServiceDescriptor{Name: name, Version: e.version, Endpoints: e.endpoints}, true
}
