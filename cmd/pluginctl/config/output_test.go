package config

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/waggle/pluginmanager/pkg/control"
)

func init() {
	color.NoColor = true
}

func listResponse() *control.Response {
	return &control.Response{
		Status:  control.StatusSuccess,
		Message: "",
		Objects: []control.Table{
			{
				Type:   "table",
				Title:  "User plugins",
				Header: []string{"NAME", "PID", "ACTIVE", "SIGNAL"},
				Data: [][]any{
					{"example_sensor", "4242", true, "running"},
					{"system_status", "", false, nil},
				},
			},
		},
	}
}

// TestNewOutputter verifies outputter creation with different formats.
func TestNewOutputter(t *testing.T) {
	tests := []struct {
		name           string
		format         string
		expectedFormat OutputFormat
	}{
		{name: "json format", format: "json", expectedFormat: OutputJSON},
		{name: "yaml format", format: "yaml", expectedFormat: OutputYAML},
		{name: "table format", format: "table", expectedFormat: OutputTable},
		{name: "empty format defaults to empty string", format: "", expectedFormat: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := NewOutputter(tt.format)
			require.NotNil(t, out)
			assert.Equal(t, tt.expectedFormat, out.GetFormat())
			assert.NotNil(t, out.writer)
		})
	}
}

func TestOutputter_PrintUnknownFormat(t *testing.T) {
	var buf bytes.Buffer
	assert.Error(t, NewOutputterTo("xml", &buf).Print(map[string]int{"a": 1}))
	assert.Error(t, NewOutputterTo("table", &buf).Print(map[string]int{"a": 1}))
}

func TestOutputter_PrintResponseTable(t *testing.T) {
	var buf bytes.Buffer
	resp := listResponse()
	resp.Message = "done"
	require.NoError(t, NewOutputterTo("table", &buf).PrintResponse(resp))

	out := buf.String()
	assert.Contains(t, out, "User plugins")
	assert.Contains(t, out, "example_sensor")
	assert.Contains(t, out, "4242")
	assert.Contains(t, out, "running")
	assert.Contains(t, out, "done")
}

func TestOutputter_PrintResponseJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewOutputterTo("json", &buf).PrintResponse(listResponse()))

	var got control.Response
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, control.StatusSuccess, got.Status)
	require.Len(t, got.Objects, 1)
	assert.Equal(t, "example_sensor", got.Objects[0].Data[0][0])
}

func TestOutputter_PrintResponseYAML(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewOutputterTo("yaml", &buf).PrintResponse(listResponse()))

	var got map[string]any
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, control.StatusSuccess, got["status"])
}

func TestOutputter_PrintResponseError(t *testing.T) {
	resp := &control.Response{Status: control.StatusError, Message: "plugin camera is not running"}

	var buf bytes.Buffer
	err := NewOutputterTo("table", &buf).PrintResponse(resp)
	assert.EqualError(t, err, "plugin camera is not running")
	assert.Empty(t, buf.String())

	buf.Reset()
	err = NewOutputterTo("json", &buf).PrintResponse(resp)
	assert.Error(t, err)
	assert.Contains(t, buf.String(), `"status": "error"`)
}

func TestCells(t *testing.T) {
	rows := cells([][]any{{"a", float64(42), 0.5, true, nil}})
	assert.Equal(t, [][]string{{"a", "42", "0.50", "true", ""}}, rows)
}
