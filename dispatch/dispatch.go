// Package dispatch implements the per-channel protocol state machine: a
// Dispatch holds the set of Slots legal at the current point in a protocol
// and consumes incoming messages one at a time, each time handing back
// either a new Dispatch (the protocol moved to its next state) or nothing
// (the channel is now closed for incoming traffic).
//
// This mirrors the session/channel pairing logic in the teacher's tunnel
// server (channel lookup, role table, "current state" transitions) but
// replaces its two-party websocket routing with Cocaine's single-writer,
// builder-registered slot graph.
package dispatch

import (
	"github.com/cocaine-rt/cocained/fserrors"
	"github.com/cocaine-rt/cocained/wire"
)

// Upstream is how a Slot talks back to its channel: it hands outgoing
// frames to whatever owns the physical connection (normally a Session).
type Upstream interface {
	// Send enqueues an outgoing frame with the given message id, args and
	// optional headers on the channel this Upstream belongs to.
	Send(messageID uint64, args []interface{}, headers []wire.Header) error
	// Close half-closes the outgoing direction of the channel: no further
	// Send calls are expected to succeed afterward.
	Close() error
}

// Kind classifies how many messages a Slot expects to handle and what it
// returns to the dispatch table afterward.
type Kind int

const (
	// KindBlocking handles exactly one message, returns a single value (or
	// error) and terminates the channel's incoming direction.
	KindBlocking Kind = iota
	// KindDeferred behaves like KindBlocking but the handler itself decides
	// when to reply, via Upstream, rather than synchronously returning a
	// value from Handle.
	KindDeferred
	// KindStreamed may produce any number of values over time, terminated
	// by either an explicit close message or an error.
	KindStreamed
	// KindMute never replies on this channel; it exists purely to trigger a
	// side effect (e.g. a heartbeat ping).
	KindMute
)

// Handler is invoked for every frame whose message id a Slot declares it
// accepts. It returns the Dispatch the channel should use for the *next*
// incoming frame, or the zero Dispatch if the channel's incoming side is now
// finished.
type Handler func(messageID uint64, args []interface{}, headers []wire.Header, up Upstream) (Dispatch, error)

// Slot is one message id a Dispatch accepts in its current state.
type Slot struct {
	MessageID uint64
	Name      string
	Kind      Kind
	Handle    Handler
}

// Dispatch is an immutable table of the slots legal at one point in a
// channel's protocol. Built once via Builder and never mutated afterward;
// protocol transitions produce a new Dispatch rather than editing this one.
type Dispatch struct {
	name  string
	slots map[uint64]Slot
}

// Name identifies the protocol state for logging/metrics.
func (d Dispatch) Name() string { return d.name }

// Process routes one incoming frame to the Slot registered for messageID.
// It returns the Dispatch to use for subsequent frames on the channel
// (the zero Dispatch meaning "no further frames expected"). Replies are not
// returned from here: every slot sends them through Upstream, so Process
// itself never writes to the wire.
func (d Dispatch) Process(messageID uint64, args []interface{}, headers []wire.Header, up Upstream) (Dispatch, error) {
	slot, ok := d.slots[messageID]
	if !ok {
		return Dispatch{}, fserrors.New(fserrors.DomainDispatch, fserrors.CodeSlotNotFound)
	}
	next, err := slot.Handle(messageID, args, headers, up)
	if err != nil {
		return Dispatch{}, fserrors.Wrap(fserrors.DomainDispatch, fserrors.CodeInvocationError, err)
	}
	return next, nil
}

// HasSlot reports whether messageID is legal in this dispatch state.
func (d Dispatch) HasSlot(messageID uint64) bool {
	_, ok := d.slots[messageID]
	return ok
}

// Builder assembles a Dispatch at registration time: callers declare every
// slot legal in one protocol state up front, rather than generating the
// dispatch graph from a template as the original runtime's C++ does. This is
// the registration-time design the spec calls for in place of compile-time
// protocol templates.
type Builder struct {
	name  string
	slots map[uint64]Slot
}

// NewBuilder starts a Dispatch under construction, named for logging.
func NewBuilder(name string) *Builder {
	return &Builder{name: name, slots: make(map[uint64]Slot)}
}

// On registers a slot. It panics on a duplicate message id within the same
// builder: that is a programming error in the protocol definition, not a
// runtime condition.
func (b *Builder) On(messageID uint64, name string, kind Kind, handle Handler) *Builder {
	if _, exists := b.slots[messageID]; exists {
		panic("dispatch: duplicate message id " + name)
	}
	b.slots[messageID] = Slot{MessageID: messageID, Name: name, Kind: kind, Handle: handle}
	return b
}

// Build finalizes the Dispatch. The Builder may continue to be reused
// afterward; Build takes a snapshot copy of the slot table.
func (b *Builder) Build() Dispatch {
	slots := make(map[uint64]Slot, len(b.slots))
	for k, v := range b.slots {
		slots[k] = v
	}
	return Dispatch{name: b.name, slots: slots}
}
