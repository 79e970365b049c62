// Package session implements Component C3: the per-connection table that
// maps channel ids to protocol state and routes every incoming Frame to the
// right Dispatch, then collects whatever each Dispatch's Slot wants to send
// back onto the same channel.
//
// Grounded on the teacher's tunnel server channel/endpoint table
// (tunnel/server/server.go: Server.channels, channelState.conns,
// endpointConn) -- the same "channel id keys a small piece of per-stream
// state, looked up and mutated under one mutex" shape, but replacing two
// paired websocket endpoints with one local Dispatch per channel talking to
// a single outgoing queue.Queue, and replacing raw frame forwarding with
// dispatch.Dispatch.Process driving a protocol state machine.
package session

import (
	"sync"

	"github.com/cocaine-rt/cocained/dispatch"
	"github.com/cocaine-rt/cocained/fserrors"
	"github.com/cocaine-rt/cocained/queue"
	"github.com/cocaine-rt/cocained/wire"
)

// RootFactory builds the initial Dispatch for a freshly opened channel. Each
// service (an App's invoke protocol, the locator's resolve protocol, ...)
// supplies its own factory.
type RootFactory func(channelID uint64) dispatch.Dispatch

// Session owns the channel id space for one physical connection: every
// inbound Frame is routed here, and every reply a Slot produces is queued
// here for the connection's write side to drain. enc is the one long-lived
// Encoder for the session's lifetime -- every channel's outbox Attach'es to
// it directly, so Pending()/Backpressured() see bytes accumulated across the
// whole connection rather than resetting every call.
type Session struct {
	mu       sync.Mutex
	root     RootFactory
	channels map[uint64]*channelEntry
	outTable *wire.Table
	enc      *wire.Encoder
	nextID   uint64
}

type channelEntry struct {
	dispatch dispatch.Dispatch
	outbox   *queue.Queue
	done     bool
}

// New constructs a Session whose fresh channels start from root. outTable is
// this session's outgoing header-compression table (nil disables persistent
// compression).
func New(root RootFactory, outTable *wire.Table) *Session {
	return &Session{
		root:     root,
		channels: make(map[uint64]*channelEntry),
		outTable: outTable,
		enc:      wire.NewEncoder(outTable),
	}
}

// sessionSink adapts the session's single Encoder into a queue.Sink: every
// channel's outbox Attach'es here the instant it is created, so Append
// forwards straight into the shared Encoder instead of buffering for a
// poller to pick up later.
type sessionSink struct {
	s *Session
}

func (sink sessionSink) Send(it queue.Item) error {
	if it.Close {
		return nil
	}
	f, ok := it.Value.(wire.Frame)
	if !ok {
		return nil
	}
	sink.s.mu.Lock()
	defer sink.s.mu.Unlock()
	return sink.s.enc.Put(f)
}

// channelUpstream adapts one channel's outbox into a dispatch.Upstream.
type channelUpstream struct {
	s         *Session
	channelID uint64
}

// Session exposes the owning Session, letting a handler that needs to open
// further channels on the same physical connection (the overseer, bridging
// a handshaken worker to the session it arrived on) recover it from the
// dispatch.Upstream it was handed. Most Upstream consumers never need this;
// it is reached via a type assertion, not the dispatch.Upstream interface
// itself.
func (u channelUpstream) Session() *Session { return u.s }

func (u channelUpstream) Send(messageID uint64, args []interface{}, headers []wire.Header) error {
	u.s.mu.Lock()
	entry, ok := u.s.channels[u.channelID]
	u.s.mu.Unlock()
	if !ok {
		return fserrors.New(fserrors.DomainProtocol, fserrors.CodeUnknownChannel)
	}
	frame := wire.Frame{ChannelID: u.channelID, MessageID: messageID, Args: args, Headers: headers}
	return entry.outbox.Append(frame)
}

func (u channelUpstream) Close() error {
	u.s.mu.Lock()
	entry, ok := u.s.channels[u.channelID]
	u.s.mu.Unlock()
	if !ok {
		return fserrors.New(fserrors.DomainProtocol, fserrors.CodeUnknownChannel)
	}
	return entry.outbox.Close()
}

// Deliver routes one incoming frame. It either invokes the channel's current
// Dispatch (creating one from the root factory on first use of a channel
// id) or, if the channel has no legal slot for this message, reports
// CodeSlotNotFound.
func (s *Session) Deliver(f wire.Frame) error {
	s.mu.Lock()
	entry, ok := s.channels[f.ChannelID]
	if !ok {
		entry = &channelEntry{dispatch: s.root(f.ChannelID), outbox: queue.New()}
		// A freshly created queue has nothing buffered, so Attach here never
		// replays through sessionSink -- no recursive lock on s.mu.
		_ = entry.outbox.Attach(sessionSink{s: s})
		s.channels[f.ChannelID] = entry
	}
	if entry.done {
		s.mu.Unlock()
		return fserrors.New(fserrors.DomainProtocol, fserrors.CodeUnknownChannel)
	}
	current := entry.dispatch
	s.mu.Unlock()

	up := channelUpstream{s: s, channelID: f.ChannelID}
	next, err := current.Process(f.MessageID, f.Args, f.Headers, up)
	if err != nil {
		s.mu.Lock()
		if e, ok := s.channels[f.ChannelID]; ok {
			e.done = true
		}
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	if e, ok := s.channels[f.ChannelID]; ok {
		if next.Name() == "" && !next.HasSlot(wire.MessageValue) && !next.HasSlot(wire.MessageError) {
			e.done = true
		} else {
			e.dispatch = next
		}
	}
	s.mu.Unlock()
	return nil
}

// OpenChannel allocates a fresh, locally initiated channel id and installs
// dispatch as its initial state; used by the side of a session that sends
// the first frame on a channel (e.g. a client invoking an app), as opposed
// to Deliver's lazily-created channels for frames arriving on a channel id
// the peer chose.
func (s *Session) OpenChannel(d dispatch.Dispatch) (uint64, *queue.Queue) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	entry := &channelEntry{dispatch: d, outbox: queue.New()}
	// Same fresh-queue invariant as Deliver: Attach never replays here.
	_ = entry.outbox.Attach(sessionSink{s: s})
	s.channels[id] = entry
	return id, entry.outbox
}

// Close drops all per-channel state for id, causing any subsequent frame
// referencing it to fail with CodeUnknownChannel.
func (s *Session) Close(id uint64) {
	s.mu.Lock()
	delete(s.channels, id)
	s.mu.Unlock()
}

// ChannelCount reports the number of channel ids the session currently
// tracks, live or finished-but-undeleted. Used to enforce the session-wide
// channel accounting invariant from the channel-conservation testable
// property.
func (s *Session) ChannelCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.channels)
}

// DrainOutgoing returns whatever bytes the session's long-lived Encoder has
// accumulated since the last call (every channel's Slot output having
// already been forwarded straight into it via sessionSink), ready to write
// to the transport.
func (s *Session) DrainOutgoing() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enc.Drain(), nil
}

// Backpressured reports whether this session's encoder has more than the
// soft limit of bytes queued for write (spec: "when the ring grows past a
// soft limit the encoder reports would block upward"). A connection's read
// side should stop consuming incoming frames while this is true, resuming
// once a drain brings it back down.
func (s *Session) Backpressured() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enc.Backpressured()
}
