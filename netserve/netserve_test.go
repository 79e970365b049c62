package netserve

import (
	"net"
	"testing"
	"time"

	"github.com/cocaine-rt/cocained/dispatch"
	"github.com/cocaine-rt/cocained/logging"
	"github.com/cocaine-rt/cocained/reactor"
	"github.com/cocaine-rt/cocained/wire"
)

func echoRoot(_ uint64) dispatch.Dispatch {
	return dispatch.NewBuilder("echo").
		On(0, "value", dispatch.KindBlocking, func(_ uint64, args []interface{}, _ []wire.Header, up dispatch.Upstream) (dispatch.Dispatch, error) {
			return dispatch.Dispatch{}, up.Send(wire.MessageValue, args, nil)
		}).
		Build()
}

func TestServeRoundTripsOneFrame(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	pool := reactor.NewPool(2)
	pool.Run()
	defer pool.Stop()
	go Serve(ln, pool, echoRoot, logging.Blackhole{})

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	enc := wire.NewEncoder(nil)
	if err := enc.Put(wire.Frame{ChannelID: 1, MessageID: 0, Args: []interface{}{"hi"}}); err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := conn.Write(enc.Drain()); err != nil {
		t.Fatalf("write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	dec := wire.NewDecoder(0, nil)
	buf := make([]byte, 4096)
	for {
		f, ok, err := dec.Next()
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if ok {
			if f.ChannelID != 1 || f.MessageID != wire.MessageValue {
				t.Fatalf("unexpected reply frame: %+v", f)
			}
			return
		}
		n, err := conn.Read(buf)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if err := dec.Feed(buf[:n]); err != nil {
			t.Fatalf("feed: %v", err)
		}
	}
}
