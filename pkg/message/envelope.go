package message

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
	"unicode/utf8"
)

// FieldCount is the number of fields in the envelope tuple.
const FieldCount = 8

// DefaultInstance is used when a plugin does not name its instance.
const DefaultInstance = "default"

// ErrMalformed is returned when a frame cannot be decoded into an Envelope.
var ErrMalformed = errors.New("malformed envelope")

// Envelope is the unit every worker produces and the unit routed to listeners and
// transmitted to the collector. Its JSON form is an ordered 8-element array:
//
//	[date, plugin_name, plugin_version, instance, epoch_millis, category, meta, payload]
//
// The field order is a wire contract with the downstream frame encoder.
type Envelope struct {
	Date      string  `json:"date"`
	Plugin    string  `json:"plugin_name"`
	Version   string  `json:"plugin_version"`
	Instance  string  `json:"instance"`
	Timestamp int64   `json:"timestamp"`
	Category  string  `json:"category"`
	Meta      string  `json:"meta"`
	Payload   []Value `json:"payload"`
}

// New builds an envelope stamped with the current UTC date and epoch milliseconds.
func New(plugin, version, category string, payload ...Value) *Envelope {
	now := time.Now().UTC()
	return &Envelope{
		Date:      now.Format("2006-01-02"),
		Plugin:    plugin,
		Version:   version,
		Instance:  DefaultInstance,
		Timestamp: now.UnixMilli(),
		Category:  category,
		Payload:   payload,
	}
}

// Validate checks the fields every consumer relies on.
func (e *Envelope) Validate() error {
	if e == nil {
		return fmt.Errorf("%w: nil envelope", ErrMalformed)
	}
	if e.Plugin == "" {
		return fmt.Errorf("%w: plugin name is required", ErrMalformed)
	}
	return nil
}

// Clone returns a deep copy so fan-out targets never share payload buffers.
func (e *Envelope) Clone() *Envelope {
	if e == nil {
		return nil
	}
	c := *e
	if e.Payload != nil {
		c.Payload = make([]Value, len(e.Payload))
		for i, v := range e.Payload {
			c.Payload[i] = append(Value(nil), v...)
		}
	}
	return &c
}

// Fields returns the envelope as its ordered tuple.
func (e *Envelope) Fields() []any {
	payload := make([]Value, len(e.Payload))
	copy(payload, e.Payload)
	return []any{e.Date, e.Plugin, e.Version, e.Instance, e.Timestamp, e.Category, e.Meta, payload}
}

// MarshalJSON encodes the envelope as its ordered tuple.
func (e Envelope) MarshalJSON() ([]byte, error) {
	if e.Payload == nil {
		e.Payload = []Value{}
	}
	return json.Marshal(e.Fields())
}

// UnmarshalJSON accepts the tuple form and, for collectors that speak objects, the
// keyed form using the struct's json names.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return fmt.Errorf("%w: empty frame", ErrMalformed)
	}

	switch data[0] {
	case '[':
		return e.unmarshalTuple(data)
	case '{':
		type keyed Envelope
		var k struct {
			keyed
			Timestamp json.RawMessage `json:"timestamp"`
		}
		if err := json.Unmarshal(data, &k); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		*e = Envelope(k.keyed)
		if len(k.Timestamp) > 0 {
			ts, err := parseTimestamp(k.Timestamp)
			if err != nil {
				return err
			}
			e.Timestamp = ts
		}
		return nil
	default:
		return fmt.Errorf("%w: expected array or object", ErrMalformed)
	}
}

func (e *Envelope) unmarshalTuple(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(raw) != FieldCount {
		return fmt.Errorf("%w: expected %d fields, got %d", ErrMalformed, FieldCount, len(raw))
	}

	strs := make([]string, 0, 6)
	for _, i := range []int{0, 1, 2, 3, 5, 6} {
		var s string
		if err := json.Unmarshal(raw[i], &s); err != nil {
			return fmt.Errorf("%w: field %d: %v", ErrMalformed, i, err)
		}
		strs = append(strs, s)
	}

	ts, err := parseTimestamp(raw[4])
	if err != nil {
		return err
	}

	var payload []Value
	if err := json.Unmarshal(raw[7], &payload); err != nil {
		return fmt.Errorf("%w: payload: %v", ErrMalformed, err)
	}

	*e = Envelope{
		Date:      strs[0],
		Plugin:    strs[1],
		Version:   strs[2],
		Instance:  strs[3],
		Timestamp: ts,
		Category:  strs[4],
		Meta:      strs[5],
		Payload:   payload,
	}
	return nil
}

// parseTimestamp accepts a JSON number or a numeric string; older plugins stringify it.
func parseTimestamp(raw json.RawMessage) (int64, error) {
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		if i, err := n.Int64(); err == nil {
			return i, nil
		}
		if f, err := n.Float64(); err == nil {
			return int64(f), nil
		}
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return i, nil
		}
	}
	return 0, fmt.Errorf("%w: timestamp %s is not an integer", ErrMalformed, string(raw))
}

// Value is one opaque payload item. Text values travel as JSON strings, anything
// that is not valid UTF-8 travels as {"base64": "..."}.
type Value []byte

// Text wraps a string payload item.
func Text(s string) Value { return Value(s) }

// String returns the value as text.
func (v Value) String() string { return string(v) }

// MarshalJSON implements json.Marshaler.
func (v Value) MarshalJSON() ([]byte, error) {
	if utf8.Valid(v) {
		return json.Marshal(string(v))
	}
	return json.Marshal(struct {
		Base64 string `json:"base64"`
	}{Base64: base64.StdEncoding.EncodeToString(v)})
}

// UnmarshalJSON implements json.Unmarshaler. Numbers and booleans are kept as their
// literal text so sensor readings survive a round trip through the collector.
func (v *Value) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return fmt.Errorf("%w: empty payload value", ErrMalformed)
	}
	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		*v = Value(s)
	case '{':
		var b struct {
			Base64 string `json:"base64"`
		}
		if err := json.Unmarshal(data, &b); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		decoded, err := base64.StdEncoding.DecodeString(b.Base64)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		*v = Value(decoded)
	case '[':
		return fmt.Errorf("%w: nested payload arrays are not supported", ErrMalformed)
	default:
		*v = append(Value(nil), data...)
	}
	return nil
}
