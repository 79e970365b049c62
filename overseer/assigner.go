package overseer

import (
	"github.com/cocaine-rt/cocained/dispatch"
	"github.com/cocaine-rt/cocained/fserrors"
	"github.com/cocaine-rt/cocained/slave"
	"github.com/cocaine-rt/cocained/wire"
)

// SessionAssigner is the production Assigner: it opens a fresh channel on
// the slave's handshaken connection, sends invoke(event) as its first
// frame, and bridges every subsequent chunk/error/choke the worker sends
// back onto clientUpstream. Grounded on the teacher's tunnel pump loop
// (tunnel/server/server.go: pump copies frames verbatim between two
// channelState entries) -- here one side is a freshly opened worker channel
// instead of a second websocket endpoint.
type SessionAssigner struct {
	// onFinish is told (uuid, channelID) once a bridged channel reaches a
	// terminal frame, so the overseer can release load and re-run purge.
	// channelID is the overseer's own accounting id (the one Inject/
	// ReleaseChannel use), not the wire-level id OpenChannel allocated.
	onFinish func(uuid string, channelID uint64)
}

// NewSessionAssigner constructs a SessionAssigner. onFinish may be nil, in
// which case completed channels are bridged but never reported back (tests
// exercising only the happy-path frame flow can pass nil).
func NewSessionAssigner(onFinish func(uuid string, channelID uint64)) *SessionAssigner {
	return &SessionAssigner{onFinish: onFinish}
}

// Assign implements Assigner.
func (a *SessionAssigner) Assign(s *slave.Slave, channelID uint64, event string, clientUpstream dispatch.Upstream) error {
	co, ok := s.Session()
	if !ok {
		return fserrors.New(fserrors.DomainOverseer, fserrors.CodeInvalidAppState)
	}
	uuid := s.UUID()
	workerChannelID, outbox := co.OpenChannel(a.bridgeDispatch(clientUpstream, uuid, channelID))
	frame := wire.Frame{ChannelID: workerChannelID, MessageID: MessageInvoke, Args: []interface{}{event}}
	return outbox.Append(frame)
}

// bridgeDispatch builds the protocol state installed on the worker channel
// Assign just opened: it forwards every chunk to clientUpstream and, on
// whichever of error/choke arrives first, half-closes clientUpstream and
// reports completion exactly once.
func (a *SessionAssigner) bridgeDispatch(clientUpstream dispatch.Upstream, uuid string, channelID uint64) dispatch.Dispatch {
	finish := func() {
		if a.onFinish != nil {
			a.onFinish(uuid, channelID)
		}
	}
	var d dispatch.Dispatch
	b := dispatch.NewBuilder("bridge:" + uuid)
	b.On(MessageChunk, "chunk", dispatch.KindStreamed, func(_ uint64, args []interface{}, headers []wire.Header, _ dispatch.Upstream) (dispatch.Dispatch, error) {
		if err := clientUpstream.Send(MessageChunk, args, headers); err != nil {
			return dispatch.Dispatch{}, err
		}
		return d, nil
	})
	b.On(wire.MessageError, "error", dispatch.KindStreamed, func(_ uint64, args []interface{}, headers []wire.Header, _ dispatch.Upstream) (dispatch.Dispatch, error) {
		_ = clientUpstream.Send(wire.MessageError, args, headers)
		_ = clientUpstream.Close()
		finish()
		return dispatch.Dispatch{}, nil
	})
	b.On(MessageChoke, "choke", dispatch.KindStreamed, func(_ uint64, _ []interface{}, _ []wire.Header, _ dispatch.Upstream) (dispatch.Dispatch, error) {
		_ = clientUpstream.Close()
		finish()
		return dispatch.Dispatch{}, nil
	})
	d = b.Build()
	return d
}
