// Package netserve drives one Session per accepted connection: it reads
// length-prefixed frames off the wire, feeds them to a Session, and flushes
// whatever the Session queued back out. Per spec §4.1/§5 there is no
// thread-per-connection: each accepted connection is handed to
// reactor.Watch, which performs the one unavoidable blocking Read on its own
// goroutine but runs every bit of actual handling -- frame decoding,
// Session.Deliver, flushing -- serialized on a Reactor goroutine pulled
// round-robin from a fixed Pool, exactly as §5's "assigned to a reactor from
// a fixed pool by the acceptor" requires.
//
// Grounded on the teacher's tunnel server per-connection read pump
// (tunnel/server/server.go: one goroutine per endpoint reading frames off a
// websocket and feeding them to the channel table, writing replies back
// synchronously from that same pump goroutine), adapted from websocket
// message framing to wire.Decoder's length-prefixed byte stream and from one
// goroutine per connection to one reactor.Watch per connection.
package netserve

import (
	"io"
	"net"
	"time"

	"github.com/cocaine-rt/cocained/internal/defaults"
	"github.com/cocaine-rt/cocained/logging"
	"github.com/cocaine-rt/cocained/reactor"
	"github.com/cocaine-rt/cocained/session"
	"github.com/cocaine-rt/cocained/wire"
)

// backpressureRecheckInterval bounds how long a connection stays paused
// after a backpressured flush before its encoder's drain level is checked
// again.
const backpressureRecheckInterval = 20 * time.Millisecond

// Serve accepts connections from ln until it returns an error (typically
// because ln was closed), assigning each to a reactor pulled round-robin
// from pool. root builds the protocol each freshly opened channel starts
// in. pool must already be running (pool.Run).
func Serve(ln net.Listener, pool *reactor.Pool, root session.RootFactory, sink logging.Sink) error {
	if sink == nil {
		sink = logging.Blackhole{}
	}
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		re := pool.Next()
		handleConn(conn, re, root, sink)
	}
}

// handleConn registers conn's read side with re via reactor.Watch and
// returns immediately; all actual I/O handling happens later, on re's
// goroutine.
func handleConn(conn net.Conn, re *reactor.Reactor, root session.RootFactory, sink logging.Sink) {
	sess := session.New(root, wire.DefaultTable())
	dec := wire.NewDecoder(defaults.MaxFrameBytes, wire.DefaultTable())

	c := &connState{conn: conn, sess: sess, dec: dec, sink: sink, re: re}
	c.watch = re.Watch(conn, c.onData, c.onClose)
}

// connState bundles one accepted connection's decode/session/flush state,
// all of it touched only from re's goroutine (via reactor.Watch's Post
// wrapping) except watch.Pause/Resume, which are safe from any goroutine.
type connState struct {
	conn  net.Conn
	sess  *session.Session
	dec   *wire.Decoder
	sink  logging.Sink
	re    *reactor.Reactor
	watch *reactor.Watch
}

// onData runs on c.re's goroutine for every chunk reactor.Watch reads. It
// feeds the chunk to the decoder, delivers every complete frame to the
// session, and flushes queued replies -- both the reply triggered by the
// frame just delivered and anything a slot queued asynchronously, since both
// end up in the same Encoder drained here.
func (c *connState) onData(chunk []byte) {
	if err := c.dec.Feed(chunk); err != nil {
		c.sink.Log(logging.LevelError, "netserve", "feed", "err", err)
		c.teardown()
		return
	}
	for {
		f, ok, err := c.dec.Next()
		if err != nil {
			c.sink.Log(logging.LevelError, "netserve", "framing", "err", err)
			c.teardown()
			return
		}
		if !ok {
			break
		}
		if err := c.sess.Deliver(f); err != nil {
			c.sink.Log(logging.LevelWarn, "netserve", "deliver", "channel", f.ChannelID, "err", err)
		}
	}
	if err := c.flush(); err != nil {
		c.teardown()
		return
	}
	if c.sess.Backpressured() {
		c.pauseUntilDrained()
	}
}

// onClose runs on c.re's goroutine once the read side hits EOF or an error.
func (c *connState) onClose(err error) {
	if err != io.EOF {
		c.sink.Log(logging.LevelWarn, "netserve", "read", "err", err)
	}
	c.teardown()
}

func (c *connState) flush() error {
	out, err := c.sess.DrainOutgoing()
	if err != nil {
		return err
	}
	if len(out) == 0 {
		return nil
	}
	_, err = c.conn.Write(out)
	return err
}

// pauseUntilDrained stops the connection's read side (spec: "the session
// pauses reads on all channels until drained") and arms a reactor timer that
// flushes the session's queued bytes and re-checks the encoder's backlog,
// resuming once it has fallen back under the soft limit.
func (c *connState) pauseUntilDrained() {
	c.watch.Pause()
	var h reactor.TimerHandle
	h = c.re.StartTimer(backpressureRecheckInterval, backpressureRecheckInterval, func() {
		if err := c.flush(); err != nil {
			h.Cancel()
			c.teardown()
			return
		}
		if c.sess.Backpressured() {
			return
		}
		h.Cancel()
		c.watch.Resume()
	})
}

func (c *connState) teardown() {
	c.watch.Stop()
	c.conn.Close()
}
