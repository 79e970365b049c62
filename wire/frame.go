// Package wire implements the framed-channel wire format: length-prefixed,
// msgpack-serialized frames carrying a channel id, a message id, an argument
// array and an optional compressed header list (see Header).
//
// A Frame is the unit the Session (package session) dispatches; everything
// below this package is concerned purely with turning bytes on a stream into
// Frame values and back, with no notion of channels, dispatches or slots.
package wire

import (
	"bytes"
	"fmt"

	"github.com/hashicorp/go-msgpack/codec"
)

// Well-known message ids shared by every protocol.
const (
	MessageValue uint64 = 0
	MessageError uint64 = 1
)

// Frame is one length-prefixed wire message: [channel_id, message_id, args, headers?].
type Frame struct {
	ChannelID uint64
	MessageID uint64
	Args      []interface{}
	Headers   []Header
}

var mpHandle = &codec.MsgpackHandle{}

// Encode serializes f as a msgpack array (3 elements if Headers is empty, 4
// otherwise) without the outer length prefix; Encoder.Put adds that. Each
// call compresses headers against a fresh, zero-capacity table, so nothing
// carries over between calls: a header matching the static table is still
// sent as a static index, every other header is spelled out in full. Callers
// that want cross-frame compression should use EncodeWithTable and keep the
// Table alive for the life of the connection.
func Encode(f Frame) ([]byte, error) {
	return EncodeWithTable(f, NewTable(0))
}

// EncodeWithTable serializes f the same way Encode does, but compresses
// Headers against table, mutating it exactly as the wire encoding implies: a
// peer decoding frames from this stream in order with DecodeWithTable and an
// equivalently initialized Table stays in sync.
func EncodeWithTable(f Frame, table *Table) ([]byte, error) {
	args := f.Args
	if args == nil {
		args = []interface{}{}
	}
	var top []interface{}
	if len(f.Headers) == 0 {
		top = []interface{}{f.ChannelID, f.MessageID, args}
	} else {
		top = []interface{}{f.ChannelID, f.MessageID, args, encodeHeaderListWithTable(f.Headers, table)}
	}
	var buf bytes.Buffer
	enc := codec.NewEncoder(&buf, mpHandle)
	if err := enc.Encode(top); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode parses a single msgpack-encoded frame body (without any length
// prefix) produced by Encode or an equivalent peer implementation, using a
// fresh, zero-capacity table (the counterpart of Encode).
func Decode(b []byte) (Frame, error) {
	return DecodeWithTable(b, NewTable(0))
}

// DecodeWithTable parses a frame body the same way Decode does, but resolves
// indexed/literal headers against table, mutating it the same way
// EncodeWithTable's sender does so the two stay in sync frame over frame.
func DecodeWithTable(b []byte, table *Table) (Frame, error) {
	var top []interface{}
	dec := codec.NewDecoderBytes(b, mpHandle)
	if err := dec.Decode(&top); err != nil {
		return Frame{}, fmt.Errorf("wire: decode frame: %w", err)
	}
	if len(top) != 3 && len(top) != 4 {
		return Frame{}, fmt.Errorf("wire: frame must have 3 or 4 elements, got %d", len(top))
	}
	channelID, err := toUint64(top[0])
	if err != nil {
		return Frame{}, fmt.Errorf("wire: channel_id: %w", err)
	}
	messageID, err := toUint64(top[1])
	if err != nil {
		return Frame{}, fmt.Errorf("wire: message_id: %w", err)
	}
	args, ok := top[2].([]interface{})
	if !ok {
		if top[2] == nil {
			args = nil
		} else {
			return Frame{}, fmt.Errorf("wire: args must be an array")
		}
	}
	f := Frame{ChannelID: channelID, MessageID: messageID, Args: args}
	if len(top) == 4 {
		rawHeaders, ok := top[3].([]interface{})
		if !ok {
			return Frame{}, fmt.Errorf("wire: headers must be an array")
		}
		headers, err := decodeHeaderListWithTable(rawHeaders, table)
		if err != nil {
			return Frame{}, err
		}
		f.Headers = headers
	}
	return f, nil
}

func toUint64(v interface{}) (uint64, error) {
	switch n := v.(type) {
	case uint64:
		return n, nil
	case int64:
		if n < 0 {
			return 0, fmt.Errorf("negative value %d", n)
		}
		return uint64(n), nil
	case int:
		if n < 0 {
			return 0, fmt.Errorf("negative value %d", n)
		}
		return uint64(n), nil
	case uint:
		return uint64(n), nil
	default:
		return 0, fmt.Errorf("not an integer: %T", v)
	}
}
