package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"

	"cuelang.org/go/cue"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/tengil/tengil/pkg/engine"
	"github.com/tengil/tengil/pkg/telemetry"
)

// DefaultDocumentPath is where tg looks for the document when none is given.
const DefaultDocumentPath = "tengil.yml"

var yamlLine = regexp.MustCompile(`^(?:yaml: )?line (\d+): (.*)$`)

// Loader reads a source document into an engine.Document. YAML and CUE
// sources are accepted; both are checked against the #Document schema and
// the struct validation tags before they are returned.
type Loader struct {
	schemas  *SchemaRegistry
	validate *validator.Validate
	logger   *telemetry.Logger
}

// NewLoader creates a document loader.
func NewLoader(logger *telemetry.Logger) *Loader {
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	return &Loader{
		schemas:  NewSchemaRegistry(),
		validate: newValidator(),
		logger:   logger.NewComponentLogger("config"),
	}
}

// Schemas returns the registry the loader validates against.
func (l *Loader) Schemas() *SchemaRegistry {
	return l.schemas
}

// Load reads and validates the document at path. Every failure is a
// resolution error; validation failures wrap ValidationErrors.
func (l *Loader) Load(ctx context.Context, path string) (*engine.Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, engine.NewResolutionError(fmt.Sprintf("failed to read document %s", path), err).
			WithResource(path)
	}
	return l.Parse(ctx, path, data)
}

// Parse decodes data as the document named name. The format follows the
// name's extension.
func (l *Loader) Parse(ctx context.Context, name string, data []byte) (*engine.Document, error) {
	var (
		doc  *engine.Document
		errs ValidationErrors
	)
	switch FormatOf(name) {
	case FormatCUE:
		doc, errs = l.parseCUE(name, data)
	default:
		doc, errs = l.parseYAML(name, data)
	}
	if len(errs) == 0 {
		errs = l.check(ctx, name, doc)
	}
	if len(errs) > 0 {
		return nil, engine.NewResolutionError(fmt.Sprintf("document %s is invalid", name), errs).
			WithResource(name).
			WithDetail("errors", len(errs))
	}

	l.logger.WithFields(map[string]any{
		"document":   name,
		"pools":      len(doc.Pools),
		"containers": len(doc.Containers),
		"shares":     len(doc.Shares),
	}).Debug("Document loaded")
	return doc, nil
}

// Validate checks an already typed document.
func (l *Loader) Validate(ctx context.Context, doc *engine.Document) error {
	if doc == nil {
		return ValidationErrors{{Message: "document is nil", Severity: "error"}}
	}
	if errs := l.check(ctx, "", doc); len(errs) > 0 {
		return errs
	}
	return nil
}

func (l *Loader) check(ctx context.Context, name string, doc *engine.Document) ValidationErrors {
	if err := l.validate.StructCtx(ctx, doc); err != nil {
		return convertValidatorErrors(name, err)
	}
	if err := l.schemas.ValidateAgainstSchema(ctx, "document", doc); err != nil {
		return convertCUEErrors(name, err)
	}
	return nil
}

func (l *Loader) parseYAML(name string, data []byte) (*engine.Document, ValidationErrors) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var doc engine.Document
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ValidationErrors{{File: name, Message: "document is empty", Severity: "error"}}
		}
		return nil, convertYAMLErrors(name, err)
	}
	return &doc, nil
}

func (l *Loader) parseCUE(name string, data []byte) (*engine.Document, ValidationErrors) {
	val := l.schemas.Context().CompileBytes(data, cue.Filename(name))
	if err := val.Err(); err != nil {
		return nil, convertCUEErrors(name, err)
	}
	unified, err := l.schemas.ValidateValue("document", val)
	if err != nil {
		return nil, convertCUEErrors(name, err)
	}

	var doc engine.Document
	if err := unified.Decode(&doc); err != nil {
		return nil, convertCUEErrors(name, err)
	}
	return &doc, nil
}

func convertYAMLErrors(file string, err error) ValidationErrors {
	var messages []string
	var typeErr *yaml.TypeError
	if errors.As(err, &typeErr) {
		messages = typeErr.Errors
	} else {
		messages = []string{err.Error()}
	}

	out := make(ValidationErrors, 0, len(messages))
	for _, msg := range messages {
		ve := ValidationError{File: file, Message: msg, Severity: "error"}
		if m := yamlLine.FindStringSubmatch(msg); m != nil {
			ve.Line, _ = strconv.Atoi(m[1])
			ve.Message = m[2]
		}
		out = append(out, ve)
	}
	return out
}
