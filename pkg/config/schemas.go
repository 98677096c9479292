package config

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// SchemaRegistry manages CUE schemas for validation. A schema registered as
// "document" must declare the definition #Document; validation unifies data
// with that definition.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a new schema registry with the built-in schemas.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}
	if err := sr.RegisterSchema("document", builtinDocumentSchema); err != nil {
		panic(err)
	}
	return sr
}

// RegisterSchema compiles and registers a CUE schema under name.
func (sr *SchemaRegistry) RegisterSchema(name, schema string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(schema, cue.Filename(name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}
	if def := val.LookupPath(cue.ParsePath(definitionName(name))); !def.Exists() {
		return fmt.Errorf("schema %s does not declare %s", name, definitionName(name))
	}

	sr.schemas[name] = val
	return nil
}

// GetSchema retrieves the definition of a named schema.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	if !ok {
		return cue.Value{}, false
	}
	return val.LookupPath(cue.ParsePath(definitionName(name))), true
}

// ValidateAgainstSchema encodes data and validates it against a named schema.
func (sr *SchemaRegistry) ValidateAgainstSchema(ctx context.Context, schemaName string, data any) error {
	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}
	_, err := sr.ValidateValue(schemaName, dataVal)
	return err
}

// ValidateValue validates an already compiled CUE value against a named schema.
func (sr *SchemaRegistry) ValidateValue(schemaName string, val cue.Value) (cue.Value, error) {
	def, ok := sr.GetSchema(schemaName)
	if !ok {
		return cue.Value{}, fmt.Errorf("schema %s not found", schemaName)
	}
	unified := def.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return cue.Value{}, err
	}
	return unified, nil
}

// ListSchemas returns all registered schema names, sorted.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Context returns the CUE context values must be built in to be validated
// by this registry.
func (sr *SchemaRegistry) Context() *cue.Context {
	return sr.ctx
}

func definitionName(schema string) string {
	if schema == "" {
		return "#"
	}
	return "#" + strings.ToUpper(schema[:1]) + schema[1:]
}

const builtinDocumentSchema = `
#Name:    =~"^[A-Za-z0-9][A-Za-z0-9_.:-]*$"
#Dataset: =~"^[A-Za-z0-9][A-Za-z0-9_.:-]*(/[A-Za-z0-9][A-Za-z0-9_.:-]*)*$"
#Abs:     =~"^/"

#Document: {
	version: *1 | (int & >=0 & <=1)
	pools:   null | {[#Name]: #Pool}
	containers?: null | [...#Container]
	shares?:     null | [...#Share]
}

#Pool: {
	type?:    "" | "zfs"
	datasets: null | {[#Dataset]: #DatasetEntry}
}

#DatasetEntry: {
	profile?:     string
	zfs?:         null | {[string]: bool | number | string}
	description?: string
	containers?:  null | [...#DatasetMount]
	shares?: {
		smb?: null | #SMB
		nfs?: null | #NFS
	}
}

#DatasetMount: {
	name:      string & !=""
	mount:     string & #Abs
	readonly?: null | bool
}

#SMB: {
	name?:        string
	browseable?:  null | bool
	guest_ok?:    bool
	read_only?:   null | bool
	valid_users?: null | [...string]
	hosts_allow?: string
	comment?:     string
}

#NFS: {
	allowed?:   string
	options?:   string
	read_only?: null | bool
}

#Share: {
	dataset: string & #Dataset
	smb?:    null | #SMB
	nfs?:    null | #NFS
}

#Container: {
	name:         string & !=""
	vmid:         int & >=100 & <=999999999
	kind?:        "" | "template" | "image"
	template?:    string
	image?:       string
	auto_create?: bool
	resources?: {
		cores?:  int & >=0
		memory?: 0 | (int & >=16)
		disk?:   int & >=0
	}
	network?: {
		bridge?: string
		ip?:     string
	}
	env?:         null | {[string]: string}
	gpu?:         bool
	description?: string
	mounts?: null | [...{
		dataset:   string & #Dataset
		mount:     string & #Abs
		readonly?: null | bool
	}]
}
`
