// Package wire implements the signed message envelope shared by the timing
// station and the scoring service. An envelope is a flat JSON object whose
// field order is part of the signing contract, so Message keeps fields as an
// ordered list rather than a map and serializes them in insertion order.
package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Message types exchanged over the timing websocket.
const (
	TypeConnected   = "connected"
	TypeLapCrossing = "lap_crossing"
	TypeAck         = "ack"
	TypeWarning     = "warning"
	TypeCommand     = "command"
	TypeResponse    = "response"
)

// FieldSignature is always the last field of a signed envelope.
const FieldSignature = "hmac_signature"

// Field is one named value of an envelope, in wire order.
type Field struct {
	Name  string
	Value any
}

// Message is an ordered field list. Values are strings, numbers
// (json.Number after decoding), bools, nil, []any, or nested *Message.
type Message struct {
	fields []Field
}

// NewMessage creates an envelope with its type field set.
func NewMessage(msgType string) *Message {
	m := &Message{}
	m.Set("type", msgType)
	return m
}

// Set replaces an existing field in place or appends a new one.
func (m *Message) Set(name string, value any) *Message {
	for i := range m.fields {
		if m.fields[i].Name == name {
			m.fields[i].Value = value
			return m
		}
	}
	m.fields = append(m.fields, Field{Name: name, Value: value})
	return m
}

// Get returns a field's value.
func (m *Message) Get(name string) (any, bool) {
	for _, f := range m.fields {
		if f.Name == name {
			return f.Value, true
		}
	}
	return nil, false
}

// Delete removes a field, reporting whether it was present.
func (m *Message) Delete(name string) bool {
	for i, f := range m.fields {
		if f.Name == name {
			m.fields = append(m.fields[:i], m.fields[i+1:]...)
			return true
		}
	}
	return false
}

// Fields returns the fields in wire order.
func (m *Message) Fields() []Field {
	return m.fields
}

// Type returns the envelope's type field, or "".
func (m *Message) Type() string {
	s, _ := m.GetString("type")
	return s
}

// GetString returns a field as a string.
func (m *Message) GetString(name string) (string, bool) {
	v, ok := m.Get(name)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// GetFloat returns a numeric field as float64.
func (m *Message) GetFloat(name string) (float64, bool) {
	v, ok := m.Get(name)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case int:
		return float64(n), true
	}
	return 0, false
}

// GetInt returns a numeric field as int.
func (m *Message) GetInt(name string) (int, bool) {
	v, ok := m.Get(name)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		return n, true
	case float64:
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		return int(i), err == nil
	}
	return 0, false
}

// Marshal serializes the envelope as compact JSON with fields in order.
func (m *Message) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	if err := m.encode(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *Message) encode(buf *bytes.Buffer) error {
	buf.WriteByte('{')
	for i, f := range m.fields {
		if i > 0 {
			buf.WriteByte(',')
		}
		name, err := json.Marshal(f.Name)
		if err != nil {
			return err
		}
		buf.Write(name)
		buf.WriteByte(':')
		if err := encodeValue(buf, f.Value); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

func encodeValue(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case *Message:
		return val.encode(buf)
	case json.Number:
		// Preserve the exact digits received, so a re-serialization
		// reproduces the signed bytes.
		buf.WriteString(string(val))
		return nil
	case []any:
		buf.WriteByte('[')
		for i, e := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeValue(buf, e); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		buf.Write(b)
		return nil
	}
}

// Unmarshal decodes an envelope preserving field order. Nested objects
// become *Message; numbers become json.Number so re-serialization is exact.
func Unmarshal(data []byte) (*Message, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("invalid message: %w", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, fmt.Errorf("invalid message: expected object, got %v", tok)
	}

	m, err := decodeObject(dec)
	if err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, fmt.Errorf("invalid message: trailing data")
	}
	return m, nil
}

// decodeObject consumes fields until the object's closing brace. The opening
// brace has already been read.
func decodeObject(dec *json.Decoder) (*Message, error) {
	m := &Message{}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		name, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("invalid message: non-string key %v", tok)
		}
		v, err := decodeValue(dec)
		if err != nil {
			return nil, err
		}
		m.fields = append(m.fields, Field{Name: name, Value: v})
	}
	if _, err := dec.Token(); err != nil { // closing brace
		return nil, err
	}
	return m, nil
}

func decodeValue(dec *json.Decoder) (any, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if d, ok := tok.(json.Delim); ok {
		switch d {
		case '{':
			return decodeObject(dec)
		case '[':
			var arr []any
			for dec.More() {
				e, err := decodeValue(dec)
				if err != nil {
					return nil, err
				}
				arr = append(arr, e)
			}
			if _, err := dec.Token(); err != nil { // closing bracket
				return nil, err
			}
			return arr, nil
		}
		return nil, fmt.Errorf("invalid message: unexpected %v", d)
	}
	return tok, nil
}
