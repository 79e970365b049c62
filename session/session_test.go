package session

import (
	"errors"
	"testing"

	"github.com/cocaine-rt/cocained/dispatch"
	"github.com/cocaine-rt/cocained/fserrors"
	"github.com/cocaine-rt/cocained/wire"
)

func echoDispatch(channelID uint64) dispatch.Dispatch {
	return dispatch.NewBuilder("echo").
		On(wire.MessageValue, "value", dispatch.KindBlocking, func(_ uint64, args []interface{}, _ []wire.Header, up dispatch.Upstream) (dispatch.Dispatch, error) {
			if err := up.Send(wire.MessageValue, args, nil); err != nil {
				return dispatch.Dispatch{}, err
			}
			return dispatch.Dispatch{}, nil
		}).
		Build()
}

func TestDeliverRoutesAndRepliesQueue(t *testing.T) {
	s := New(echoDispatch, nil)
	err := s.Deliver(wire.Frame{ChannelID: 1, MessageID: wire.MessageValue, Args: []interface{}{"hi"}})
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	raw, err := s.DrainOutgoing()
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(raw) == 0 {
		t.Fatal("expected queued reply bytes")
	}

	d := wire.NewDecoder(0, nil)
	if err := d.Feed(raw); err != nil {
		t.Fatalf("feed: %v", err)
	}
	f, ok, err := d.Next()
	if err != nil || !ok {
		t.Fatalf("decode reply: ok=%v err=%v", ok, err)
	}
	if f.ChannelID != 1 || f.MessageID != wire.MessageValue {
		t.Fatalf("unexpected reply frame: %+v", f)
	}
}

func TestDeliverUnknownSlotClosesChannel(t *testing.T) {
	s := New(echoDispatch, nil)
	err := s.Deliver(wire.Frame{ChannelID: 1, MessageID: 77})
	if !errors.Is(err, fserrors.Sentinel(fserrors.DomainDispatch, fserrors.CodeSlotNotFound)) {
		t.Fatalf("expected slot_not_found, got %v", err)
	}
	err = s.Deliver(wire.Frame{ChannelID: 1, MessageID: wire.MessageValue})
	if !errors.Is(err, fserrors.Sentinel(fserrors.DomainProtocol, fserrors.CodeUnknownChannel)) {
		t.Fatalf("expected unknown_channel after the channel finished with error, got %v", err)
	}
}

func TestOpenChannelAllocatesFreshID(t *testing.T) {
	s := New(echoDispatch, nil)
	id1, _ := s.OpenChannel(echoDispatch(0))
	id2, _ := s.OpenChannel(echoDispatch(0))
	if id1 == id2 {
		t.Fatalf("expected distinct channel ids, got %d and %d", id1, id2)
	}
	if s.ChannelCount() != 2 {
		t.Fatalf("expected 2 tracked channels, got %d", s.ChannelCount())
	}
}

func TestDrainOutgoingReusesOneEncoderAcrossCalls(t *testing.T) {
	s := New(echoDispatch, nil)
	if err := s.Deliver(wire.Frame{ChannelID: 1, MessageID: wire.MessageValue, Args: []interface{}{"a"}}); err != nil {
		t.Fatalf("deliver 1: %v", err)
	}
	first, err := s.DrainOutgoing()
	if err != nil || len(first) == 0 {
		t.Fatalf("expected first drain to carry bytes, got %d err=%v", len(first), err)
	}
	second, err := s.DrainOutgoing()
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(second) != 0 {
		t.Fatalf("expected nothing pending right after a drain, got %d bytes", len(second))
	}
	if err := s.Deliver(wire.Frame{ChannelID: 2, MessageID: wire.MessageValue, Args: []interface{}{"b"}}); err != nil {
		t.Fatalf("deliver 2: %v", err)
	}
	third, err := s.DrainOutgoing()
	if err != nil || len(third) == 0 {
		t.Fatalf("expected reply queued on the same long-lived encoder, got %d err=%v", len(third), err)
	}
}

func TestBackpressuredReflectsUndrainedBytes(t *testing.T) {
	s := New(echoDispatch, nil)
	if s.Backpressured() {
		t.Fatal("fresh session should not be backpressured")
	}
	for i := 0; i < 100000; i++ {
		if err := s.Deliver(wire.Frame{ChannelID: uint64(i + 1), MessageID: wire.MessageValue, Args: []interface{}{"payload-padding-to-grow-the-pending-buffer"}}); err != nil {
			t.Fatalf("deliver %d: %v", i, err)
		}
	}
	if !s.Backpressured() {
		t.Fatal("expected session to report backpressure before a drain catches up")
	}
	if _, err := s.DrainOutgoing(); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if s.Backpressured() {
		t.Fatal("expected backpressure to clear once drained")
	}
}

func TestCloseRemovesChannel(t *testing.T) {
	s := New(echoDispatch, nil)
	id, _ := s.OpenChannel(echoDispatch(0))
	s.Close(id)
	if s.ChannelCount() != 0 {
		t.Fatalf("expected 0 tracked channels after close, got %d", s.ChannelCount())
	}
}
