package wire

import "testing"

func headersEqual(a, b []Header) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !bytesEqual(a[i].Name, b[i].Name) || !bytesEqual(a[i].Value, b[i].Value) {
			return false
		}
	}
	return true
}

func TestHeaderRoundTripStaticAndDynamic(t *testing.T) {
	headers := []Header{
		{Name: []byte("trace_id"), Value: []byte("abc123")},
		{Name: []byte("x-custom"), Value: []byte("hello")},
		{Name: []byte("trace_id"), Value: []byte("abc123")}, // repeats: should hit full-match index
		{Name: []byte("x-custom"), Value: []byte("world")},  // same name, new value
	}

	encTable := NewTable(4096)
	encoded := encodeHeaderListWithTable(headers, encTable)

	decTable := NewTable(4096)
	decoded, err := decodeHeaderListWithTable(encoded, decTable)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !headersEqual(headers, decoded) {
		t.Fatalf("round trip mismatch: got %+v, want %+v", decoded, headers)
	}
}

func TestHeaderRoundTripAcrossMultipleFrames(t *testing.T) {
	encTable := NewTable(4096)
	decTable := NewTable(4096)

	frames := [][]Header{
		{{Name: []byte("event"), Value: []byte("ping")}},
		{{Name: []byte("event"), Value: []byte("ping")}}, // should compress to an index now
		{{Name: []byte("event"), Value: []byte("pong")}},
	}
	for _, want := range frames {
		encoded := encodeHeaderListWithTable(want, encTable)
		got, err := decodeHeaderListWithTable(encoded, decTable)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if !headersEqual(want, got) {
			t.Fatalf("round trip mismatch: got %+v, want %+v", got, want)
		}
	}
}

func TestHeaderZeroCapacityDecodableByNonZeroCapacity(t *testing.T) {
	headers := []Header{
		{Name: []byte("trace_id"), Value: []byte("zzz")},
		{Name: []byte("trace_id"), Value: []byte("zzz")},
	}
	// Encoder never inserts anything (capacity 0): both entries go out as the
	// static trace_id name index plus a literal value, so a decoder with any
	// non-zero capacity must still decode them.
	encTable := NewTable(0)
	encoded := encodeHeaderListWithTable(headers, encTable)

	decTable := NewTable(4096)
	decoded, err := decodeHeaderListWithTable(encoded, decTable)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !headersEqual(headers, decoded) {
		t.Fatalf("round trip mismatch: got %+v, want %+v", decoded, headers)
	}
}

func TestTableResizeEvicts(t *testing.T) {
	table := NewTable(4096)
	table.insert(Header{Name: []byte("trace_id"), Value: []byte("0123456789")})
	if len(table.entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(table.entries))
	}
	table.Resize(0)
	if len(table.entries) != 0 {
		t.Fatalf("expected eviction to empty the table, got %d entries", len(table.entries))
	}
}

func TestFrameEncodeDecodeWithTableRoundTrip(t *testing.T) {
	encTable := NewTable(4096)
	decTable := NewTable(4096)

	f := Frame{
		ChannelID: 7,
		MessageID: MessageValue,
		Args:      []interface{}{"hello"},
		Headers: []Header{
			{Name: []byte("trace_id"), Value: []byte("abc")},
		},
	}
	b, err := EncodeWithTable(f, encTable)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := DecodeWithTable(b, decTable)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ChannelID != f.ChannelID || got.MessageID != f.MessageID {
		t.Fatalf("frame mismatch: got %+v, want %+v", got, f)
	}
	if !headersEqual(f.Headers, got.Headers) {
		t.Fatalf("header mismatch: got %+v, want %+v", got.Headers, f.Headers)
	}
}

func TestFrameEncodeDecodeNoHeaders(t *testing.T) {
	f := Frame{ChannelID: 1, MessageID: MessageValue, Args: []interface{}{int64(42)}}
	b, err := Encode(f)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := Decode(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ChannelID != f.ChannelID || got.MessageID != f.MessageID {
		t.Fatalf("frame mismatch: got %+v, want %+v", got, f)
	}
	if len(got.Headers) != 0 {
		t.Fatalf("expected no headers, got %+v", got.Headers)
	}
}
