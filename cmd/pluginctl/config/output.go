package config

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"gopkg.in/yaml.v3"

	"github.com/waggle/pluginmanager/pkg/control"
)

// OutputFormat represents the output format
type OutputFormat string

const (
	OutputTable OutputFormat = "table"
	OutputJSON  OutputFormat = "json"
	OutputYAML  OutputFormat = "yaml"
)

// Outputter handles formatted output
type Outputter struct {
	format OutputFormat
	writer io.Writer
}

// NewOutputter creates a new outputter writing to stdout
func NewOutputter(format string) *Outputter {
	return NewOutputterTo(format, os.Stdout)
}

// NewOutputterTo creates a new outputter writing to w
func NewOutputterTo(format string, w io.Writer) *Outputter {
	return &Outputter{
		format: OutputFormat(format),
		writer: w,
	}
}

// Print outputs data in the configured format
func (o *Outputter) Print(data interface{}) error {
	switch o.format {
	case OutputJSON:
		return o.printJSON(data)
	case OutputYAML:
		return o.printYAML(data)
	case OutputTable:
		// Table format requires custom handling per data type
		return fmt.Errorf("table format requires custom formatting")
	default:
		return fmt.Errorf("unknown output format: %s", o.format)
	}
}

// PrintResponse renders a control socket reply. The reply's error, if any, is
// returned after it has been printed.
func (o *Outputter) PrintResponse(resp *control.Response) error {
	if o.format != OutputTable {
		if err := o.Print(resp); err != nil {
			return err
		}
		return resp.Err()
	}

	if !resp.OK() {
		return resp.Err()
	}
	for i, t := range resp.Objects {
		if i > 0 {
			fmt.Fprintln(o.writer)
		}
		if t.Title != "" {
			color.New(color.FgCyan, color.Bold).Fprintln(o.writer, t.Title)
		}
		o.PrintTable(t.Header, cells(t.Data))
	}
	if resp.Message != "" {
		color.New(color.FgGreen).Fprintln(o.writer, resp.Message)
	}
	return nil
}

// PrintTable prints data as a table
func (o *Outputter) PrintTable(headers []string, rows [][]string) {
	table := tablewriter.NewWriter(o.writer)

	// Convert []string to []any for Header
	headerAny := make([]any, len(headers))
	for i, h := range headers {
		headerAny[i] = h
	}
	table.Header(headerAny...)

	for _, row := range rows {
		table.Append(row)
	}
	table.Render()
}

// cells renders decoded JSON cells. Whole numbers print without a fraction.
func cells(data [][]any) [][]string {
	rows := make([][]string, 0, len(data))
	for _, row := range data {
		out := make([]string, len(row))
		for i, cell := range row {
			switch v := cell.(type) {
			case nil:
				out[i] = ""
			case float64:
				if v == float64(int64(v)) {
					out[i] = fmt.Sprintf("%d", int64(v))
				} else {
					out[i] = fmt.Sprintf("%.2f", v)
				}
			default:
				out[i] = fmt.Sprint(v)
			}
		}
		rows = append(rows, out)
	}
	return rows
}

// printJSON outputs data as JSON
func (o *Outputter) printJSON(data interface{}) error {
	encoder := json.NewEncoder(o.writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}

// printYAML outputs data as YAML
func (o *Outputter) printYAML(data interface{}) error {
	encoder := yaml.NewEncoder(o.writer)
	encoder.SetIndent(2)
	defer encoder.Close()
	return encoder.Encode(data)
}

// GetFormat returns the output format
func (o *Outputter) GetFormat() OutputFormat {
	return o.format
}
