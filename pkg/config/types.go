package config

import (
	"fmt"
	"strings"
)

// ValidationError is one problem found in a source document.
type ValidationError struct {
	// File is the source file path.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed).
	Line int `json:"line,omitempty"`

	// Column is the column number (1-indexed).
	Column int `json:"column,omitempty"`

	// Path is the document path of the offending value (e.g., "containers[0].vmid").
	Path string `json:"path,omitempty"`

	// Message is the error message.
	Message string `json:"message"`

	// Severity is the error severity (error, warning).
	Severity string `json:"severity"`
}

func (e ValidationError) String() string {
	var b strings.Builder
	if e.File != "" {
		b.WriteString(e.File)
		if e.Line > 0 {
			fmt.Fprintf(&b, ":%d", e.Line)
			if e.Column > 0 {
				fmt.Fprintf(&b, ":%d", e.Column)
			}
		}
		b.WriteString(": ")
	}
	if e.Path != "" {
		b.WriteString(e.Path)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	return b.String()
}

// ValidationErrors collects every problem of one document.
type ValidationErrors []ValidationError

func (v ValidationErrors) Error() string {
	if len(v) == 1 {
		return v[0].String()
	}
	lines := make([]string, 0, len(v))
	for _, e := range v {
		lines = append(lines, "  "+e.String())
	}
	return fmt.Sprintf("%d validation errors:\n%s", len(v), strings.Join(lines, "\n"))
}

// Format is the syntax of a source document.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatCUE  Format = "cue"
)

// FormatOf infers the document format from a file name. Anything that is not
// a .cue file is read as YAML.
func FormatOf(path string) Format {
	if strings.HasSuffix(strings.ToLower(path), ".cue") {
		return FormatCUE
	}
	return FormatYAML
}
