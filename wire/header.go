package wire

import (
	"fmt"

	"github.com/cocaine-rt/cocained/internal/defaults"
)

// Header is a decompressed (name, value) pair. Frame.Headers always holds
// headers in this logical form; the compact wire encoding lives entirely
// inside Encode/Decode and Table.
type Header struct {
	Name  []byte
	Value []byte
}

// entryOverhead approximates HTTP/2 HPACK's per-entry bookkeeping cost so a
// table with a given byte budget holds a bounded, predictable entry count
// regardless of name/value sizes.
const entryOverhead = 32

func (h Header) size() int { return len(h.Name) + len(h.Value) + entryOverhead }

// staticTable holds the well-known header names/values every session agrees
// on up front, indexed from 0.
var staticTable = []Header{
	{Name: []byte("trace_id"), Value: nil},
	{Name: []byte("span_id"), Value: nil},
	{Name: []byte("parent_id"), Value: nil},
	{Name: []byte("trace_bit"), Value: []byte{1}},
	{Name: []byte("trace_bit"), Value: []byte{0}},
	{Name: []byte("authorization"), Value: nil},
	{Name: []byte("event"), Value: nil},
	{Name: []byte("uuid"), Value: nil},
}

// Table is a per-direction, per-session dynamic header table with a bounded
// byte budget. Encoders and decoders on the two ends of a connection each
// keep their own Table instance for their own direction; the two are kept in
// sync purely by both observing the same sequence of literal insertions, the
// same as HTTP/2 HPACK.
type Table struct {
	capacity int
	entries  []Header // most-recently-inserted first
	size     int
}

// NewTable constructs a dynamic table with the given byte capacity. A
// capacity of 0 is legal: nothing is ever inserted into such a table, so a
// header encoded against it is sent as a static-table index (full or
// name-only match) where one exists and as literal-with-new-name otherwise.
func NewTable(capacity int) *Table {
	if capacity < 0 {
		capacity = 0
	}
	return &Table{capacity: capacity}
}

// DefaultTable returns a table sized to defaults.HeaderTableCapacity.
func DefaultTable() *Table { return NewTable(defaults.HeaderTableCapacity) }

// Resize changes the table's capacity, evicting older entries if needed.
func (t *Table) Resize(capacity int) {
	if capacity < 0 {
		capacity = 0
	}
	t.capacity = capacity
	t.evictToFit()
}

func (t *Table) evictToFit() {
	for t.size > t.capacity && len(t.entries) > 0 {
		last := t.entries[len(t.entries)-1]
		t.entries = t.entries[:len(t.entries)-1]
		t.size -= last.size()
	}
}

func (t *Table) insert(h Header) {
	if t.capacity <= 0 {
		return
	}
	t.entries = append([]Header{h}, t.entries...)
	t.size += h.size()
	t.evictToFit()
}

// findFull returns the combined static+dynamic index of a header matching
// both name and value, or -1.
func (t *Table) findFull(h Header) int {
	for i, s := range staticTable {
		if bytesEqual(s.Name, h.Name) && bytesEqual(s.Value, h.Value) {
			return i
		}
	}
	for i, e := range t.entries {
		if bytesEqual(e.Name, h.Name) && bytesEqual(e.Value, h.Value) {
			return len(staticTable) + i
		}
	}
	return -1
}

// findName returns the combined index of any header (static or dynamic)
// matching only the name, or -1.
func (t *Table) findName(name []byte) int {
	for i, s := range staticTable {
		if bytesEqual(s.Name, name) {
			return i
		}
	}
	for i, e := range t.entries {
		if bytesEqual(e.Name, name) {
			return len(staticTable) + i
		}
	}
	return -1
}

func (t *Table) byIndex(idx int) (Header, bool) {
	if idx < 0 {
		return Header{}, false
	}
	if idx < len(staticTable) {
		return staticTable[idx], true
	}
	di := idx - len(staticTable)
	if di < 0 || di >= len(t.entries) {
		return Header{}, false
	}
	return t.entries[di], true
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// encodeHeaderListWithTable compresses headers against table, which is
// mutated: every literal insertion updates it, as on the real wire.
func encodeHeaderListWithTable(headers []Header, table *Table) []interface{} {
	out := make([]interface{}, 0, len(headers))
	for _, h := range headers {
		if idx := table.findFull(h); idx >= 0 {
			out = append(out, uint64(idx))
			continue
		}
		if idx := table.findName(h.Name); idx >= 0 {
			out = append(out, []interface{}{uint64(idx), h.Value})
			table.insert(h)
			continue
		}
		out = append(out, []interface{}{h.Name, h.Value})
		table.insert(h)
	}
	return out
}

func decodeHeaderListWithTable(raw []interface{}, table *Table) ([]Header, error) {
	out := make([]Header, 0, len(raw))
	for _, item := range raw {
		switch v := item.(type) {
		case uint64, int64, int:
			idx, err := toUint64(v)
			if err != nil {
				return nil, fmt.Errorf("wire: header index: %w", err)
			}
			h, ok := table.byIndex(int(idx))
			if !ok {
				return nil, fmt.Errorf("wire: header index %d out of range", idx)
			}
			out = append(out, h)
		case map[string]interface{}:
			capRaw, ok := v["resize"]
			if !ok {
				return nil, fmt.Errorf("wire: unrecognized header map entry")
			}
			capVal, err := toUint64(capRaw)
			if err != nil {
				return nil, fmt.Errorf("wire: resize capacity: %w", err)
			}
			table.Resize(int(capVal))
		case []interface{}:
			if len(v) != 2 {
				return nil, fmt.Errorf("wire: literal header entry must have 2 elements")
			}
			valueBytes, err := toBytes(v[1])
			if err != nil {
				return nil, fmt.Errorf("wire: header value: %w", err)
			}
			switch name := v[0].(type) {
			case []byte, string:
				nameBytes, _ := toBytes(name)
				h := Header{Name: nameBytes, Value: valueBytes}
				out = append(out, h)
				table.insert(h)
			case uint64, int64, int:
				idx, err := toUint64(name)
				if err != nil {
					return nil, fmt.Errorf("wire: header name index: %w", err)
				}
				named, ok := table.byIndex(int(idx))
				if !ok {
					return nil, fmt.Errorf("wire: header name index %d out of range", idx)
				}
				h := Header{Name: named.Name, Value: valueBytes}
				out = append(out, h)
				table.insert(h)
			default:
				return nil, fmt.Errorf("wire: unrecognized literal header name type %T", name)
			}
		default:
			return nil, fmt.Errorf("wire: unrecognized header entry type %T", item)
		}
	}
	return out, nil
}

func toBytes(v interface{}) ([]byte, error) {
	switch b := v.(type) {
	case []byte:
		return b, nil
	case string:
		return []byte(b), nil
	case nil:
		return nil, nil
	default:
		return nil, fmt.Errorf("not a byte string: %T", v)
	}
}
