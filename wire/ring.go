package wire

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cocaine-rt/cocained/internal/bin"
	"github.com/cocaine-rt/cocained/internal/defaults"
)

// ErrFrameTooLarge is returned by Decoder.Next when a frame's length prefix
// announces a body larger than the decoder's configured maximum size. This is a fatal
// framing error: the connection the decoder is reading must be closed,
// because the stream's byte alignment cannot be trusted afterward.
var ErrFrameTooLarge = errors.New("wire: frame exceeds maximum size")

// lengthPrefixBytes is the size, in bytes, of the big-endian frame-length
// prefix that precedes every msgpack-encoded frame body on the wire.
const lengthPrefixBytes = 4

// Decoder incrementally reassembles length-prefixed frame bodies out of an
// arbitrarily chunked byte stream, growing its internal buffer only as far as
// a single in-flight frame requires. It holds no reference to any net.Conn or
// io.Reader: callers feed it bytes as they arrive (from a read loop, a test,
// or anywhere else) and drain complete frames with Next.
//
// A Decoder is not safe for concurrent use; each connection's read side owns
// exactly one.
type Decoder struct {
	buf       []byte
	start     int // first unconsumed byte
	end       int // one past the last valid byte
	maxFrame  int
	table     *Table
	useHeader bool
}

// NewDecoder constructs a Decoder with the given maximum frame size (bytes of
// msgpack body, not counting the length prefix) and header table. Pass a nil
// table to decode frames without persistent header compression (every
// literal header is treated independently, as Decode does).
func NewDecoder(maxFrameBytes int, table *Table) *Decoder {
	if maxFrameBytes <= 0 {
		maxFrameBytes = defaults.MaxFrameBytes
	}
	d := &Decoder{
		buf:      make([]byte, defaults.InitialRingBytes),
		maxFrame: maxFrameBytes,
		table:    table,
	}
	d.useHeader = table != nil
	return d
}

// Feed appends freshly read bytes to the decoder's internal buffer. The
// caller retains ownership of p; Feed copies it.
func (d *Decoder) Feed(p []byte) error {
	if len(p) == 0 {
		return nil
	}
	d.ensureCapacity(len(p))
	n := copy(d.buf[d.end:], p)
	d.end += n
	return nil
}

// ensureCapacity makes room for n more bytes, compacting first (sliding
// unconsumed bytes back to index 0) if that alone suffices, and doubling the
// backing array otherwise, up to the configured maximum frame size plus the
// length prefix, or to exactly the bytes needed when the unconsumed bytes
// plus n already exceed that.
func (d *Decoder) ensureCapacity(n int) {
	if d.end+n <= len(d.buf) {
		return
	}
	unconsumed := d.end - d.start
	if d.start > 0 && unconsumed+n <= len(d.buf) {
		copy(d.buf, d.buf[d.start:d.end])
		d.start = 0
		d.end = unconsumed
		return
	}
	needed := unconsumed + n
	newCap := len(d.buf)
	if newCap == 0 {
		newCap = defaults.InitialRingBytes
	}
	for newCap < needed {
		newCap *= 2
	}
	maxCap := d.maxFrame + lengthPrefixBytes
	if maxCap < needed {
		maxCap = needed
	}
	if newCap > maxCap {
		newCap = maxCap
	}
	grown := make([]byte, newCap)
	copy(grown, d.buf[d.start:d.end])
	d.buf = grown
	d.end = unconsumed
	d.start = 0
}

// Next returns the next fully buffered frame, if one is available. ok is
// false (with a nil error) when more bytes are needed; it never blocks.
func (d *Decoder) Next() (frame Frame, ok bool, err error) {
	available := d.end - d.start
	if available < lengthPrefixBytes {
		return Frame{}, false, nil
	}
	bodyLen := int(bin.U32BE(d.buf[d.start : d.start+lengthPrefixBytes]))
	if bodyLen < 0 || bodyLen > d.maxFrame {
		return Frame{}, false, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, bodyLen)
	}
	total := lengthPrefixBytes + bodyLen
	if available < total {
		d.ensureCapacity(total - available)
		return Frame{}, false, nil
	}
	body := d.buf[d.start+lengthPrefixBytes : d.start+total]
	d.start += total
	if d.start == d.end {
		d.start, d.end = 0, 0
	}
	var f Frame
	if d.useHeader {
		f, err = DecodeWithTable(body, d.table)
	} else {
		f, err = Decode(body)
	}
	if err != nil {
		return Frame{}, false, err
	}
	return f, true, nil
}

// Encoder serializes frames into length-prefixed wire bytes and tracks how
// much encoded data is waiting to be flushed to the underlying transport, so
// a caller can apply backpressure before memory grows unbounded.
type Encoder struct {
	pending   []byte
	table     *Table
	useHeader bool
}

// NewEncoder constructs an Encoder using table for header compression. Pass
// nil to disable persistent compression (each frame is encoded as Encode
// does, against a fresh zero-capacity table).
func NewEncoder(table *Table) *Encoder {
	return &Encoder{table: table, useHeader: table != nil}
}

// Put serializes f, appending the length-prefixed bytes to the encoder's
// pending buffer. The caller is expected to periodically call Drain and write
// the result to the transport.
func (e *Encoder) Put(f Frame) error {
	var body []byte
	var err error
	if e.useHeader {
		body, err = EncodeWithTable(f, e.table)
	} else {
		body, err = Encode(f)
	}
	if err != nil {
		return err
	}
	var hdr [lengthPrefixBytes]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(body)))
	e.pending = append(e.pending, hdr[:]...)
	e.pending = append(e.pending, body...)
	return nil
}

// Pending reports how many bytes are currently queued for write.
func (e *Encoder) Pending() int { return len(e.pending) }

// Backpressured reports whether Pending has grown past the soft limit that
// should make a session start refusing new writes until the transport
// catches up.
func (e *Encoder) Backpressured() bool {
	return len(e.pending) > defaults.EncoderSoftLimitBytes
}

// Drain returns the queued bytes and resets the pending buffer. The returned
// slice is only valid until the next call to Put or Drain.
func (e *Encoder) Drain() []byte {
	out := e.pending
	e.pending = nil
	return out
}
