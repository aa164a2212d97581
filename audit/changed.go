package audit

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Change is a single column entry of a record's changed set.
// Diff entries carry the previous value and serialize as [old, new].
type Change struct {
	Column string
	Old    any
	New    any
	Diff   bool
}

// Changed is the ordered column → value mapping of a record.
type Changed []Change

func (c Changed) Get(column string) (Change, bool) {
	for _, ch := range c {
		if ch.Column == column {
			return ch, true
		}
	}
	return Change{}, false
}

func (c Changed) Columns() []string {
	out := make([]string, len(c))
	for i, ch := range c {
		out[i] = ch.Column
	}
	return out
}

// Map flattens the set the way it is persisted: new value, or [old, new] for diffs.
func (c Changed) Map() map[string]any {
	m := make(map[string]any, len(c))
	for _, ch := range c {
		m[ch.Column] = ch.value()
	}
	return m
}

func (ch Change) value() any {
	if ch.Diff {
		return []any{ch.Old, ch.New}
	}
	return ch.New
}

// MarshalJSON writes a JSON object keeping column order.
func (c Changed) MarshalJSON() ([]byte, error) {
	if c == nil {
		return []byte("null"), nil
	}
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, ch := range c {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(ch.Column)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(ch.value())
		if err != nil {
			return nil, fmt.Errorf("audit: marshal column %q: %w", ch.Column, err)
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON reads an object keeping column order. Values are taken as-is,
// numbers as json.Number; use ParseChanged when the event is known so update pairs become diffs.
func (c *Changed) UnmarshalJSON(data []byte) error {
	out, err := decodeOrdered(data)
	if err != nil {
		return err
	}
	*c = out
	return nil
}

// ParseChanged decodes a persisted changed blob for the given event.
func ParseChanged(ev Event, data []byte) (Changed, error) {
	out, err := decodeOrdered(data)
	if err != nil {
		return nil, err
	}
	if ev == Update {
		out.asDiffs()
	}
	return out, nil
}

func (c Changed) asDiffs() {
	for i, ch := range c {
		if pair, ok := ch.New.([]any); ok && len(pair) == 2 {
			c[i] = Change{Column: ch.Column, Old: pair[0], New: pair[1], Diff: true}
		}
	}
}

func decodeOrdered(data []byte) (Changed, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil, nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("audit: decode changed: %w", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, fmt.Errorf("audit: decode changed: expected object, got %v", tok)
	}

	out := Changed{}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("audit: decode changed: %w", err)
		}
		col, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("audit: decode changed: unexpected key %v", tok)
		}
		var v any
		if err := dec.Decode(&v); err != nil {
			return nil, fmt.Errorf("audit: decode column %q: %w", col, err)
		}
		out = append(out, Change{Column: col, New: v})
	}
	if _, err := dec.Token(); err != nil {
		return nil, fmt.Errorf("audit: decode changed: %w", err)
	}
	return out, nil
}

// UnmarshalJSON restores diff pairs for update records. Numbers are kept as
// json.Number so large integers survive the round trip.
func (r *Record) UnmarshalJSON(data []byte) error {
	type plain Record
	var p plain
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&p); err != nil {
		return err
	}
	if p.Event == Update {
		p.Changed.asDiffs()
	}
	*r = Record(p)
	return nil
}
