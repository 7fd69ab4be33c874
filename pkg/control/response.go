// Package control serves the operator control socket: a unix stream socket that
// takes one whitespace-separated command per connection and answers with one
// JSON object terminated by a newline.
package control

import "fmt"

// DefaultSocketPath is where the agent listens for operator commands.
const DefaultSocketPath = "/tmp/plugin_manager"

// MaxCommandSize bounds the single read of a command.
const MaxCommandSize = 8192

// Reply statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Response is the reply to one command.
type Response struct {
	Status  string  `json:"status" yaml:"status"`
	Message string  `json:"message,omitempty" yaml:"message,omitempty"`
	Objects []Table `json:"objects,omitempty" yaml:"objects,omitempty"`
}

// Table is a titled grid of cells. Cells are strings, numbers or booleans.
type Table struct {
	Type   string   `json:"type" yaml:"type"`
	Title  string   `json:"title" yaml:"title"`
	Header []string `json:"header" yaml:"header"`
	Data   [][]any  `json:"data" yaml:"data"`
}

// OK reports whether the command succeeded.
func (r *Response) OK() bool { return r.Status == StatusSuccess }

// Err returns the reply message as an error when the command failed.
func (r *Response) Err() error {
	if r.OK() {
		return nil
	}
	if r.Message == "" {
		return fmt.Errorf("command failed")
	}
	return fmt.Errorf("%s", r.Message)
}

func success(format string, args ...any) *Response {
	return &Response{Status: StatusSuccess, Message: fmt.Sprintf(format, args...)}
}

func failure(format string, args ...any) *Response {
	return &Response{Status: StatusError, Message: fmt.Sprintf(format, args...)}
}

func tables(objects ...Table) *Response {
	return &Response{Status: StatusSuccess, Objects: objects}
}

func table(title string, header []string, data [][]any) Table {
	if data == nil {
		data = [][]any{}
	}
	return Table{Type: "table", Title: title, Header: header, Data: data}
}
