// Package cluster implements the default cluster plugin: a peer mesh that
// dials a predefined list of remote nodes, multiplexes many logical
// channels over each TCP connection via github.com/hashicorp/yamux, and
// reconnects on a timer when a peer drops. It is the concrete transport
// feeding a locator's remote_peers map, per spec §4.8's "predefined list
// with periodic reconnect" variant of the cluster plugin.
//
// The dial-loop/backoff shape is grounded on the teacher's endpointConn
// reconnect handling (endpoints/dial.go-style retry-with-interval), adapted
// here from one persistent websocket to one yamux session per configured
// peer.
package cluster

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/yamux"
	"golang.org/x/sync/errgroup"

	muxyamux "github.com/cocaine-rt/cocained/mux/yamux"
)

// Peer is one statically configured remote node to mesh with.
type Peer struct {
	UUID     string
	Endpoint string // host:port
}

// Handlers are the callbacks a Mesh drives as peers come and go.
type Handlers struct {
	// OnPeerUp fires once a peer's yamux session is established.
	OnPeerUp func(uuid string, sess *yamux.Session)
	// OnPeerDown fires once a peer's session has died (dial failure or a
	// live session closing).
	OnPeerDown func(uuid string)
	// OnInboundStream fires for every stream a peer opens toward us
	// (locator connect() mirroring, RPC forwarding, etc).
	OnInboundStream func(uuid string, stream net.Conn)
}

// Mesh manages one yamux session per configured peer, redialing on a fixed
// interval whenever a session is not currently up.
type Mesh struct {
	peers    []Peer
	interval time.Duration
	dialer   net.Dialer
	handlers Handlers

	mu       sync.Mutex
	sessions map[string]*yamux.Session
}

// New constructs a Mesh for the given static peer list. reconnectInterval
// bounds how often a down peer is retried.
func New(peers []Peer, reconnectInterval time.Duration, handlers Handlers) *Mesh {
	return &Mesh{
		peers:    peers,
		interval: reconnectInterval,
		handlers: handlers,
		sessions: make(map[string]*yamux.Session),
	}
}

// Run drives the dial loop for every configured peer until ctx is
// cancelled. Each peer gets its own goroutine so one slow/unreachable
// endpoint never delays the others. maintain never returns an error on its
// own (dial/handshake failures are retried, not fatal), so the errgroup
// here is purely a cancellation-propagating WaitGroup: the group's derived
// context isn't otherwise consulted.
func (m *Mesh) Run(ctx context.Context) {
	g, ctx := errgroup.WithContext(ctx)
	for _, p := range m.peers {
		p := p
		g.Go(func() error {
			m.maintain(ctx, p)
			return nil
		})
	}
	_ = g.Wait()
}

func (m *Mesh) maintain(ctx context.Context, p Peer) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		conn, err := m.dialer.DialContext(ctx, "tcp", p.Endpoint)
		if err != nil {
			if !sleepOrDone(ctx, m.interval) {
				return
			}
			continue
		}

		sess, err := muxyamux.NewClient(conn, nil)
		if err != nil {
			conn.Close()
			if !sleepOrDone(ctx, m.interval) {
				return
			}
			continue
		}

		m.mu.Lock()
		m.sessions[p.UUID] = sess
		m.mu.Unlock()
		if m.handlers.OnPeerUp != nil {
			m.handlers.OnPeerUp(p.UUID, sess)
		}

		m.acceptInbound(p.UUID, sess)

		m.mu.Lock()
		delete(m.sessions, p.UUID)
		m.mu.Unlock()
		if m.handlers.OnPeerDown != nil {
			m.handlers.OnPeerDown(p.UUID)
		}

		if !sleepOrDone(ctx, m.interval) {
			return
		}
	}
}

// acceptInbound loops accepting peer-opened streams until the session dies.
func (m *Mesh) acceptInbound(uuid string, sess *yamux.Session) {
	for {
		stream, err := sess.AcceptStream()
		if err != nil {
			return
		}
		if m.handlers.OnInboundStream != nil {
			go m.handlers.OnInboundStream(uuid, stream)
		} else {
			stream.Close()
		}
	}
}

// OpenChannel opens a new logical stream to an already-connected peer.
func (m *Mesh) OpenChannel(uuid string) (net.Conn, error) {
	m.mu.Lock()
	sess, ok := m.sessions[uuid]
	m.mu.Unlock()
	if !ok {
		return nil, errPeerNotConnected(uuid)
	}
	return sess.OpenStream()
}

// Connected reports whether a peer currently has a live session.
func (m *Mesh) Connected(uuid string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[uuid]
	return ok
}

// Listener accepts inbound peer connections on a local listener (the
// server side of the mesh, for peers that dial us instead of the other way
// around).
type Listener struct {
	handlers Handlers
}

// NewListener constructs a server-side acceptor using the same handlers a
// Mesh would.
func NewListener(handlers Handlers) *Listener {
	return &Listener{handlers: handlers}
}

// Serve accepts connections from ln until it returns an error (typically
// because ln was closed), wrapping each as a yamux server session keyed by
// the uuid the peer announces on its first stream.
func (l *Listener) Serve(ln net.Listener, identify func(first net.Conn) (uuid string, err error)) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go l.handleInbound(conn, identify)
	}
}

func (l *Listener) handleInbound(conn net.Conn, identify func(net.Conn) (string, error)) {
	sess, err := muxyamux.NewServer(conn, nil)
	if err != nil {
		conn.Close()
		return
	}
	first, err := sess.AcceptStream()
	if err != nil {
		sess.Close()
		return
	}
	uuid, err := identify(first)
	if err != nil {
		first.Close()
		sess.Close()
		return
	}
	if l.handlers.OnPeerUp != nil {
		l.handlers.OnPeerUp(uuid, sess)
	}
	for {
		stream, err := sess.AcceptStream()
		if err != nil {
			break
		}
		if l.handlers.OnInboundStream != nil {
			go l.handlers.OnInboundStream(uuid, stream)
		} else {
			stream.Close()
		}
	}
	if l.handlers.OnPeerDown != nil {
		l.handlers.OnPeerDown(uuid)
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

type peerNotConnectedError string

func (e peerNotConnectedError) Error() string { return "cluster: peer not connected: " + string(e) }

func errPeerNotConnected(uuid string) error { return peerNotConnectedError(uuid) }
