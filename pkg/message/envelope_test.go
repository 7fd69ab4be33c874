package message

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleEnvelope() *Envelope {
	return &Envelope{
		Date:      "2016-03-01",
		Plugin:    "example_sensor",
		Version:   "1",
		Instance:  "default",
		Timestamp: 1456790400123,
		Category:  "RandomNumber",
		Meta:      "meta.txt",
		Payload:   []Value{Text("42")},
	}
}

func TestEnvelope_MarshalJSON_IsOrderedTuple(t *testing.T) {
	data, err := json.Marshal(sampleEnvelope())
	require.NoError(t, err)

	assert.JSONEq(t,
		`["2016-03-01","example_sensor","1","default",1456790400123,"RandomNumber","meta.txt",["42"]]`,
		string(data))
}

func TestEnvelope_MarshalJSON_NilPayloadIsEmptyArray(t *testing.T) {
	env := sampleEnvelope()
	env.Payload = nil

	data, err := json.Marshal(env)
	require.NoError(t, err)

	var raw []json.RawMessage
	require.NoError(t, json.Unmarshal(data, &raw))
	require.Len(t, raw, FieldCount)
	assert.Equal(t, "[]", string(raw[7]))
}

func TestEnvelope_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    *Envelope
		wantErr bool
	}{
		{
			name:  "tuple form",
			input: `["2016-03-01","example_sensor","1","default",1456790400123,"RandomNumber","meta.txt",["42"]]`,
			want:  sampleEnvelope(),
		},
		{
			name:  "tuple with stringified timestamp and numeric payload",
			input: `["2016-03-01","example_sensor","1","default","1456790400123","RandomNumber","meta.txt",[42]]`,
			want:  sampleEnvelope(),
		},
		{
			name: "keyed form",
			input: `{"date":"2016-03-01","plugin_name":"example_sensor","plugin_version":"1",
				"instance":"default","timestamp":1456790400123,"category":"RandomNumber",
				"meta":"meta.txt","payload":["42"]}`,
			want: sampleEnvelope(),
		},
		{
			name:    "wrong arity",
			input:   `["2016-03-01","example_sensor"]`,
			wantErr: true,
		},
		{
			name:    "non integer timestamp",
			input:   `["2016-03-01","example_sensor","1","default","soon","RandomNumber","meta.txt",[]]`,
			wantErr: true,
		},
		{
			name:    "scalar frame",
			input:   `"hello"`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got Envelope
			err := json.Unmarshal([]byte(tt.input), &got)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrMalformed)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, &got)
		})
	}
}

func TestValue_BinaryTravelsAsBase64(t *testing.T) {
	env := sampleEnvelope()
	env.Payload = []Value{{0xff, 0x00, 0xfe}, Text("ok")}

	data, err := json.Marshal(env)
	require.NoError(t, err)
	assert.Contains(t, string(data), `{"base64":"/wD+"}`)

	var back Envelope
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, env.Payload, back.Payload)
}

func TestEnvelope_Clone_DoesNotSharePayload(t *testing.T) {
	env := sampleEnvelope()
	clone := env.Clone()

	clone.Payload[0][0] = 'x'
	clone.Category = "changed"

	assert.Equal(t, "42", env.Payload[0].String())
	assert.Equal(t, "RandomNumber", env.Category)
}

func TestNew_StampsDateAndTimestamp(t *testing.T) {
	env := New("fake_sensor", "1", "reading", Text("1.5"))

	assert.Equal(t, DefaultInstance, env.Instance)
	assert.Len(t, env.Date, len("2006-01-02"))
	assert.Positive(t, env.Timestamp)
	assert.NoError(t, env.Validate())
}

func TestCodecs_RoundTrip(t *testing.T) {
	for _, name := range []string{CodecJSON, CodecProto} {
		t.Run(name, func(t *testing.T) {
			codec, err := CodecByName(name)
			require.NoError(t, err)

			env := sampleEnvelope()
			env.Payload = append(env.Payload, Value{0x00, 0x01})

			frame, err := codec.Encode(env)
			require.NoError(t, err)

			got, err := codec.Decode(frame)
			require.NoError(t, err)
			assert.Equal(t, env, got)
		})
	}
}

func TestCodecs_RejectMissingPlugin(t *testing.T) {
	env := sampleEnvelope()
	env.Plugin = ""

	_, err := JSONCodec{}.Encode(env)
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = ProtoCodec{}.Encode(env)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestCodecByName_Unknown(t *testing.T) {
	_, err := CodecByName("msgpack")
	assert.Error(t, err)
}
