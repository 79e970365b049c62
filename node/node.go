// Package node implements the top-level Node object: the per-process
// registry of running apps described in spec §6's Node RPC
// (start_app/pause_app/list/info). It owns no protocol state of its own
// beyond that registry -- each app's actual request handling is its
// Overseer, which Node constructs on demand from a manifest/profile pair
// and tears down on pause_app.
//
// Grounded on the teacher's tunnel server top-level Server type
// (tunnel/server/server.go: one struct owning a table of live per-connection
// state plus the RPC surface that creates/destroys entries in it), adapted
// from "table of connections" to "table of running apps" and from websocket
// RPC handlers to dispatch.Slot handlers answering on the Node service's own
// channel.
package node

import (
	"fmt"
	"sync"

	"github.com/cocaine-rt/cocained/app"
	"github.com/cocaine-rt/cocained/dispatch"
	"github.com/cocaine-rt/cocained/fserrors"
	"github.com/cocaine-rt/cocained/overseer"
	"github.com/cocaine-rt/cocained/wire"
)

// Well-known message ids on the Node service's channel.
const (
	MessageStartApp uint64 = 0
	MessagePauseApp uint64 = 1
	MessageList     uint64 = 2
	MessageInfo     uint64 = 3
)

// ManifestSource loads an app's manifest by name.
type ManifestSource func(name string) (app.Manifest, error)

// ProfileSource loads a named profile.
type ProfileSource func(profileName string) (app.Profile, error)

// OverseerFactory constructs the Overseer backing one running app. Supplied
// by the caller wiring Node together so that reactor, spawner, assigner and
// balancer construction stays outside this package, the same separation
// overseer.Assigner draws between assignment bookkeeping and the live
// cross-session plumbing it needs.
type OverseerFactory func(manifest app.Manifest, profile app.Profile) (*overseer.Overseer, error)

// Info is what info(name) reports: a dynamic_object snapshot of one running
// app's state.
type Info struct {
	Name        string `msgpack:"name" json:"name"`
	ProfileName string `msgpack:"profile" json:"profile"`
	PoolSize    int    `msgpack:"pool_size" json:"pool_size"`
	QueueLen    int    `msgpack:"queue_len" json:"queue_len"`
}

// Node is the per-process app registry.
type Node struct {
	manifests ManifestSource
	profiles  ProfileSource
	factory   OverseerFactory

	mu   sync.RWMutex
	apps map[string]*runningApp
}

type runningApp struct {
	profileName string
	ov          *overseer.Overseer
}

// New constructs an empty Node.
func New(manifests ManifestSource, profiles ProfileSource, factory OverseerFactory) *Node {
	return &Node{
		manifests: manifests,
		profiles:  profiles,
		factory:   factory,
		apps:      make(map[string]*runningApp),
	}
}

// StartApp brings an app up under the given profile, or returns
// invalid_app_state if it is already running. The manifest and profile are
// loaded fresh from their sources every call, so a profile edit takes effect
// on the next start_app without a Node restart.
func (n *Node) StartApp(name, profileName string) error {
	n.mu.Lock()
	if _, running := n.apps[name]; running {
		n.mu.Unlock()
		return fserrors.New(fserrors.DomainOverseer, fserrors.CodeInvalidAppState)
	}
	n.mu.Unlock()

	manifest, err := n.manifests(name)
	if err != nil {
		return fserrors.Wrap(fserrors.DomainNode, fserrors.CodeResourceError, err)
	}
	if err := manifest.Validate(); err != nil {
		return fserrors.Wrap(fserrors.DomainNode, fserrors.CodeResourceError, err)
	}
	profile, err := n.profiles(profileName)
	if err != nil {
		return fserrors.Wrap(fserrors.DomainNode, fserrors.CodeResourceError, err)
	}
	if err := profile.Validate(); err != nil {
		return fserrors.Wrap(fserrors.DomainNode, fserrors.CodeResourceError, err)
	}

	ov, err := n.factory(manifest, profile)
	if err != nil {
		return fserrors.Wrap(fserrors.DomainNode, fserrors.CodeResourceError, err)
	}

	n.mu.Lock()
	if _, running := n.apps[name]; running {
		n.mu.Unlock()
		ov.Shutdown()
		return fserrors.New(fserrors.DomainOverseer, fserrors.CodeInvalidAppState)
	}
	n.apps[name] = &runningApp{profileName: profileName, ov: ov}
	n.mu.Unlock()
	return nil
}

// PauseApp stops a running app gracefully, draining its pool via Shutdown
// and dropping it from the registry. Pausing a name that is not running is
// invalid_app_state, matching start_app's symmetric check.
func (n *Node) PauseApp(name string) error {
	n.mu.Lock()
	a, ok := n.apps[name]
	if ok {
		delete(n.apps, name)
	}
	n.mu.Unlock()
	if !ok {
		return fserrors.New(fserrors.DomainOverseer, fserrors.CodeInvalidAppState)
	}
	a.ov.Shutdown()
	return nil
}

// List returns the names of every currently running app, in no particular
// order.
func (n *Node) List() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]string, 0, len(n.apps))
	for name := range n.apps {
		out = append(out, name)
	}
	return out
}

// AppInfo reports one running app's current pool/queue snapshot.
func (n *Node) AppInfo(name string) (Info, error) {
	n.mu.RLock()
	a, ok := n.apps[name]
	n.mu.RUnlock()
	if !ok {
		return Info{}, fserrors.New(fserrors.DomainOverseer, fserrors.CodeInvalidAppState)
	}
	return Info{
		Name:        name,
		ProfileName: a.profileName,
		PoolSize:    a.ov.PoolSize(),
		QueueLen:    a.ov.QueueLen(),
	}, nil
}

// Overseer looks up the live Overseer for a running app, for callers outside
// Node that need it directly (cmd/cocained's metrics loop reads its pool
// size and queue length through it).
func (n *Node) Overseer(name string) (*overseer.Overseer, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	a, ok := n.apps[name]
	if !ok {
		return nil, false
	}
	return a.ov, true
}

// Service builds the Node RPC's blocking dispatch: every slot replies
// synchronously with either a value(...) or an error(code, reason) frame on
// its own channel, per spec §3's well-known value/error message ids.
func (n *Node) Service() dispatch.Dispatch {
	return dispatch.NewBuilder("node").
		On(MessageStartApp, "start_app", dispatch.KindBlocking, n.handleStartApp).
		On(MessagePauseApp, "pause_app", dispatch.KindBlocking, n.handlePauseApp).
		On(MessageList, "list", dispatch.KindBlocking, n.handleList).
		On(MessageInfo, "info", dispatch.KindBlocking, n.handleInfo).
		Build()
}

func (n *Node) handleStartApp(_ uint64, args []interface{}, _ []wire.Header, up dispatch.Upstream) (dispatch.Dispatch, error) {
	name, profileName, ok := twoStrings(args)
	if !ok {
		return replyError(up, fserrors.CodeResourceError, "start_app expects (name, profile_name)")
	}
	if err := n.StartApp(name, profileName); err != nil {
		return replyFSError(up, err)
	}
	return replyValue(up, "ack")
}

func (n *Node) handlePauseApp(_ uint64, args []interface{}, _ []wire.Header, up dispatch.Upstream) (dispatch.Dispatch, error) {
	name, ok := oneString(args)
	if !ok {
		return replyError(up, fserrors.CodeResourceError, "pause_app expects (name)")
	}
	if err := n.PauseApp(name); err != nil {
		return replyFSError(up, err)
	}
	return replyValue(up, "ack")
}

func (n *Node) handleList(_ uint64, _ []interface{}, _ []wire.Header, up dispatch.Upstream) (dispatch.Dispatch, error) {
	names := n.List()
	values := make([]interface{}, len(names))
	for i, name := range names {
		values[i] = name
	}
	return replyValue(up, values)
}

func (n *Node) handleInfo(_ uint64, args []interface{}, _ []wire.Header, up dispatch.Upstream) (dispatch.Dispatch, error) {
	name, ok := oneString(args)
	if !ok {
		return replyError(up, fserrors.CodeResourceError, "info expects (name)")
	}
	info, err := n.AppInfo(name)
	if err != nil {
		return replyFSError(up, err)
	}
	return replyValue(up, map[string]interface{}{
		"name":      info.Name,
		"profile":   info.ProfileName,
		"pool_size": info.PoolSize,
		"queue_len": info.QueueLen,
	})
}

func replyValue(up dispatch.Upstream, v interface{}) (dispatch.Dispatch, error) {
	if err := up.Send(wire.MessageValue, []interface{}{v}, nil); err != nil {
		return dispatch.Dispatch{}, err
	}
	return dispatch.Dispatch{}, nil
}

func replyError(up dispatch.Upstream, code fserrors.Code, reason string) (dispatch.Dispatch, error) {
	_ = up.Send(wire.MessageError, []interface{}{string(code), reason}, nil)
	return dispatch.Dispatch{}, nil
}

func replyFSError(up dispatch.Upstream, err error) (dispatch.Dispatch, error) {
	var fe *fserrors.Error
	if e, ok := err.(*fserrors.Error); ok {
		fe = e
	} else {
		fe = &fserrors.Error{Domain: fserrors.DomainNode, Code: fserrors.CodeResourceError, Err: err}
	}
	return replyError(up, fe.Code, fmt.Sprint(fe))
}

func oneString(args []interface{}) (string, bool) {
	if len(args) < 1 {
		return "", false
	}
	s, ok := args[0].(string)
	return s, ok
}

func twoStrings(args []interface{}) (string, string, bool) {
	if len(args) < 2 {
		return "", "", false
	}
	a, ok1 := args[0].(string)
	b, ok2 := args[1].(string)
	return a, b, ok1 && ok2
}
