package dispatch

import (
	"errors"
	"testing"

	"github.com/cocaine-rt/cocained/fserrors"
	"github.com/cocaine-rt/cocained/wire"
)

type fakeUpstream struct {
	sent   []uint64
	closed bool
}

func (f *fakeUpstream) Send(messageID uint64, args []interface{}, headers []wire.Header) error {
	f.sent = append(f.sent, messageID)
	return nil
}

func (f *fakeUpstream) Close() error {
	f.closed = true
	return nil
}

func TestBuilderRejectsDuplicateSlot(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on duplicate message id")
		}
	}()
	NewBuilder("test").
		On(0, "value", KindBlocking, func(uint64, []interface{}, []wire.Header, Upstream) (Dispatch, error) { return Dispatch{}, nil }).
		On(0, "value2", KindBlocking, func(uint64, []interface{}, []wire.Header, Upstream) (Dispatch, error) { return Dispatch{}, nil })
}

func TestProcessRoutesToRegisteredSlot(t *testing.T) {
	var gotArgs []interface{}
	d := NewBuilder("echo").
		On(0, "value", KindBlocking, func(_ uint64, args []interface{}, _ []wire.Header, up Upstream) (Dispatch, error) {
			gotArgs = args
			return Dispatch{}, up.Send(0, args, nil)
		}).
		Build()

	up := &fakeUpstream{}
	next, err := d.Process(0, []interface{}{"hello"}, nil, up)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if next.Name() != "" {
		t.Fatalf("expected empty follow-up dispatch name, got %q", next.Name())
	}
	if len(gotArgs) != 1 || gotArgs[0] != "hello" {
		t.Fatalf("handler did not see args: %+v", gotArgs)
	}
	if len(up.sent) != 1 || up.sent[0] != 0 {
		t.Fatalf("expected one send of message 0, got %+v", up.sent)
	}
}

func TestProcessUnknownSlotReturnsCode(t *testing.T) {
	d := NewBuilder("empty").Build()
	_, err := d.Process(99, nil, nil, &fakeUpstream{})
	if !errors.Is(err, fserrors.Sentinel(fserrors.DomainDispatch, fserrors.CodeSlotNotFound)) {
		t.Fatalf("expected slot_not_found, got %v", err)
	}
}

func TestHasSlot(t *testing.T) {
	d := NewBuilder("p").
		On(5, "ping", KindMute, func(uint64, []interface{}, []wire.Header, Upstream) (Dispatch, error) { return Dispatch{}, nil }).
		Build()
	if !d.HasSlot(5) {
		t.Fatal("expected slot 5 to be registered")
	}
	if d.HasSlot(6) {
		t.Fatal("expected slot 6 to be absent")
	}
}
