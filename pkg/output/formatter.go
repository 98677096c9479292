// Package output renders plans, drift reports, run results, checkpoints and
// history as tables, JSON or YAML.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"
)

// Format represents the output format
type Format string

const (
	FormatTable Format = "table"
	FormatJSON  Format = "json"
	FormatYAML  Format = "yaml"
)

// Formatter writes a value in one structured format.
type Formatter interface {
	Write(w io.Writer, data interface{}) error
}

// ParseFormat parses a format string. Unknown values are an error so a typo
// in --output never silently falls back to a table.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "", "table":
		return FormatTable, nil
	case "json":
		return FormatJSON, nil
	case "yaml", "yml":
		return FormatYAML, nil
	default:
		return "", fmt.Errorf("unknown output format %q (table, json, yaml)", s)
	}
}

// NewFormatter creates a structured formatter. Tables are rendered by
// Printer, so FormatTable yields nil.
func NewFormatter(format Format) Formatter {
	switch format {
	case FormatJSON:
		return &JSONFormatter{}
	case FormatYAML:
		return &YAMLFormatter{}
	default:
		return nil
	}
}

// JSONFormatter formats output as JSON
type JSONFormatter struct{}

// Write outputs the data as JSON
func (f *JSONFormatter) Write(w io.Writer, data interface{}) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}

// YAMLFormatter formats output as YAML. Values go through JSON first so the
// keys match the JSON field names.
type YAMLFormatter struct{}

// Write outputs the data as YAML
func (f *YAMLFormatter) Write(w io.Writer, data interface{}) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return err
	}

	encoder := yaml.NewEncoder(w)
	encoder.SetIndent(2)
	if err := encoder.Encode(generic); err != nil {
		return err
	}
	return encoder.Close()
}
