// Package queue implements the per-stream transmit outbox a channel's
// outgoing direction drains into: handlers append values (or an error, or a
// close) from anywhere. Append buffers until a Sink is Attach'd, at which
// point every already-buffered item replays through the sink in order and
// every subsequent Append forwards to it directly -- no poller ever has to
// come back and ask the queue what it's holding.
//
// Grounded on the teacher's tunnel endpointConn write queue
// (tunnel/server/server.go: outQueue/outCond/outClosed), adapted from a
// condition-variable-blocked multi-writer queue serving one websocket write
// pump into a channel-based queue serving one reactor-driven drain step, and
// narrowed from raw frame bytes to typed values the caller encodes later.
package queue

import (
	"sync"

	"github.com/cocaine-rt/cocained/fserrors"
)

// Item is one entry appended to a Queue: either a value, a terminal error, or
// a plain close with no payload.
type Item struct {
	Value interface{}
	Err   error
	Close bool
}

// Sink is what a Queue forwards items to once Attach'd.
type Sink interface {
	Send(Item) error
}

// Queue is a FIFO outbox for one stream. Safe for concurrent Append from any
// number of goroutines. Before Attach, Append buffers; after Attach, Append
// forwards straight to the sink (on the appending goroutine), replaying
// whatever had buffered first.
type Queue struct {
	mu     sync.Mutex
	items  []Item
	closed bool
	sink   Sink
}

// New returns an empty, open, unattached Queue.
func New() *Queue {
	return &Queue{}
}

// Attach installs sink as this queue's forwarding target: every item
// buffered so far replays through sink, in order, before Attach returns;
// every Append from then on forwards directly instead of buffering.
// Re-attaching (to a different sink) is legal and simply redirects future
// sends; it does not replay anything already delivered to the prior sink.
func (q *Queue) Attach(sink Sink) error {
	q.mu.Lock()
	buffered := q.items
	q.items = nil
	q.sink = sink
	q.mu.Unlock()
	for _, it := range buffered {
		if err := sink.Send(it); err != nil {
			return err
		}
	}
	return nil
}

// Append adds a value to the queue. Returns fserrors queue_is_closed if the
// queue has already been closed (by Close or CloseWithError).
func (q *Queue) Append(v interface{}) error {
	return q.appendItem(Item{Value: v})
}

// CloseWithError appends a terminal error and closes the queue: no further
// Append calls succeed. err may be nil, in which case this behaves like
// Close.
func (q *Queue) CloseWithError(err error) error {
	if err == nil {
		return q.Close()
	}
	return q.appendItem(Item{Err: err, Close: true})
}

// Close appends a plain close marker (no payload) and closes the queue.
func (q *Queue) Close() error {
	return q.appendItem(Item{Close: true})
}

func (q *Queue) appendItem(it Item) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return fserrors.New(fserrors.DomainDispatch, fserrors.CodeQueueIsClosed)
	}
	if it.Close {
		q.closed = true
	}
	sink := q.sink
	if sink == nil {
		q.items = append(q.items, it)
		q.mu.Unlock()
		return nil
	}
	q.mu.Unlock()
	return sink.Send(it)
}

// Drain removes and returns every item currently buffered, in FIFO order.
// The queue remains open for further Append calls unless one of the drained
// items has Close set.
func (q *Queue) Drain() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	out := q.items
	q.items = nil
	return out
}

// Closed reports whether the queue has been closed (no further Append will
// succeed), regardless of whether the close marker has been drained yet.
func (q *Queue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Len reports the number of buffered, undrained items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
