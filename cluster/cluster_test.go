package cluster

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/hashicorp/yamux"
)

func TestMeshDialsAndOpensChannel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	serverStream := make(chan net.Conn, 1)
	l := NewListener(Handlers{
		OnInboundStream: func(uuid string, s net.Conn) { serverStream <- s },
	})
	go l.Serve(ln, func(first net.Conn) (string, error) {
		br := bufio.NewReader(first)
		line, err := br.ReadString('\n')
		if err != nil {
			return "", err
		}
		first.Close()
		return line[:len(line)-1], nil
	})

	clientUp := make(chan *yamux.Session, 1)
	m := New([]Peer{{UUID: "peer1", Endpoint: ln.Addr().String()}}, 20*time.Millisecond, Handlers{
		OnPeerUp: func(uuid string, sess *yamux.Session) { clientUp <- sess },
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	select {
	case sess := <-clientUp:
		hello, err := sess.OpenStream()
		if err != nil {
			t.Fatalf("open hello stream: %v", err)
		}
		if _, err := hello.Write([]byte("peer1\n")); err != nil {
			t.Fatalf("write hello: %v", err)
		}
		// The listener consumes the first stream to identify the peer; only
		// streams opened after it reach OnInboundStream.
		if _, err := m.OpenChannel("peer1"); err != nil {
			t.Fatalf("open channel: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("peer never came up")
	}

	select {
	case <-serverStream:
	case <-time.After(2 * time.Second):
		t.Fatal("server never saw the opened channel")
	}

	if !m.Connected("peer1") {
		t.Fatal("expected peer1 connected")
	}
}
