package message

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Codec turns envelopes into frames and back. Mailbox backends that cross a process
// boundary and the collector gateway both go through a Codec.
type Codec interface {
	Name() string
	Encode(env *Envelope) ([]byte, error)
	Decode(frame []byte) (*Envelope, error)
}

// Codec names accepted by CodecByName.
const (
	CodecJSON  = "json"
	CodecProto = "proto"
)

// CodecByName resolves a configured frame format.
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", CodecJSON:
		return JSONCodec{}, nil
	case CodecProto:
		return ProtoCodec{}, nil
	default:
		return nil, fmt.Errorf("unknown frame format %q", name)
	}
}

// JSONCodec encodes the envelope tuple as a single-line JSON array.
type JSONCodec struct{}

// Name implements Codec.
func (JSONCodec) Name() string { return CodecJSON }

// Encode implements Codec.
func (JSONCodec) Encode(env *Envelope) ([]byte, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// Decode implements Codec.
func (JSONCodec) Decode(frame []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		if errors.Is(err, ErrMalformed) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return &env, nil
}

// ProtoCodec encodes the tuple as a protobuf google.protobuf.ListValue. Payload items
// are base64 strings since ListValue has no bytes kind.
type ProtoCodec struct{}

// Name implements Codec.
func (ProtoCodec) Name() string { return CodecProto }

// Encode implements Codec.
func (ProtoCodec) Encode(env *Envelope) ([]byte, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}
	payload := make([]any, len(env.Payload))
	for i, v := range env.Payload {
		payload[i] = base64.StdEncoding.EncodeToString(v)
	}
	list, err := structpb.NewList([]any{
		env.Date,
		env.Plugin,
		env.Version,
		env.Instance,
		float64(env.Timestamp),
		env.Category,
		env.Meta,
		payload,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build list value: %w", err)
	}
	return proto.Marshal(list)
}

// Decode implements Codec.
func (ProtoCodec) Decode(frame []byte) (*Envelope, error) {
	var list structpb.ListValue
	if err := proto.Unmarshal(frame, &list); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	vals := list.GetValues()
	if len(vals) != FieldCount {
		return nil, fmt.Errorf("%w: expected %d fields, got %d", ErrMalformed, FieldCount, len(vals))
	}

	ts := vals[4].GetNumberValue()
	if ts != math.Trunc(ts) {
		return nil, fmt.Errorf("%w: timestamp %v is not an integer", ErrMalformed, ts)
	}

	items := vals[7].GetListValue().GetValues()
	payload := make([]Value, 0, len(items))
	for _, item := range items {
		b, err := base64.StdEncoding.DecodeString(item.GetStringValue())
		if err != nil {
			return nil, fmt.Errorf("%w: payload: %v", ErrMalformed, err)
		}
		payload = append(payload, Value(b))
	}

	env := &Envelope{
		Date:      vals[0].GetStringValue(),
		Plugin:    vals[1].GetStringValue(),
		Version:   vals[2].GetStringValue(),
		Instance:  vals[3].GetStringValue(),
		Timestamp: int64(ts),
		Category:  vals[5].GetStringValue(),
		Meta:      vals[6].GetStringValue(),
		Payload:   payload,
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return env, nil
}
