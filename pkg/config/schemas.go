package config

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// Schema names and the definitions they export.
const (
	SchemaDeclaration = "declaration"
	SchemaSelector    = "selector"
)

// SchemaRegistry manages CUE schemas for validation.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a new schema registry with built-in schemas.
func NewSchemaRegistry() *SchemaRegistry {
	ctx := cuecontext.New()
	sr := &SchemaRegistry{
		ctx:     ctx,
		schemas: make(map[string]cue.Value),
	}

	// Register built-in schemas
	sr.registerBuiltInSchemas()

	return sr
}

// registerBuiltInSchemas registers all built-in schemas.
func (sr *SchemaRegistry) registerBuiltInSchemas() {
	// Unit declaration cell
	_ = sr.RegisterSchema(SchemaDeclaration, builtinDeclarationSchema)

	// File selector entries of wzdat.yaml
	_ = sr.RegisterSchema(SchemaSelector, builtinSelectorSchema)
}

// RegisterSchema registers a CUE schema with the given name. The schema
// source must define a definition named after the schema, e.g. #Declaration
// for "declaration".
func (sr *SchemaRegistry) RegisterSchema(name, schema string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(schema)
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}

	def := val.LookupPath(cue.ParsePath("#" + definitionName(name)))
	if !def.Exists() {
		return fmt.Errorf("schema %s does not define #%s", name, definitionName(name))
	}

	sr.schemas[name] = def
	return nil
}

// GetSchema retrieves a schema definition by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// Context returns the CUE context schemas are compiled in. Values unified
// with a schema must come from the same context.
func (sr *SchemaRegistry) Context() *cue.Context {
	return sr.ctx
}

// ValidateAgainstSchema validates data against a named schema.
func (sr *SchemaRegistry) ValidateAgainstSchema(ctx context.Context, schemaName string, data interface{}) error {
	schema, ok := sr.GetSchema(schemaName)
	if !ok {
		return fmt.Errorf("schema %s not found", schemaName)
	}

	sr.mu.Lock()
	defer sr.mu.Unlock()

	// Convert data to CUE value
	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	// Unify with schema (validates)
	unified := schema.Unify(dataVal)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	return nil
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

// definitionName maps "declaration" to "Declaration".
func definitionName(name string) string {
	if name == "" {
		return name
	}
	b := []byte(name)
	if b[0] >= 'a' && b[0] <= 'z' {
		b[0] -= 'a' - 'A'
	}
	return string(b)
}

// Built-in schema definitions

const builtinDeclarationSchema = `
// A file-set reference: selector and number of most recent dates.
#FileRef: [string & =~"^.+\\.[^.]+$", int & >0]

// An artifact key: owner and name.
#Pair: [string & !="", string & !=""]

// Declaration cell of a unit document
#Declaration: {
	// Inputs of the unit; each accepts one reference or a list
	depends?: {
		files?: #FileRef | [...#FileRef]
		hdf?:   #Pair | [...#Pair]
	}

	// The artifact the unit publishes
	output?: {
		hdf?: #Pair
	}

	// External schedule expression (cron syntax)
	schedule?: string & !=""
}
`

const builtinSelectorSchema = `
// File selector configured for one owner
#Selector: {
	// Owner is the registry name used in "<owner>.<kind>" references
	owner: string & =~"^[A-Za-z0-9_][A-Za-z0-9_.-]*$"

	// Root is the directory holding the owner's files
	root: string & !=""

	// Kinds maps a kind name to glob patterns relative to root
	kinds: {[=~"^[A-Za-z0-9_-]+$"]: [string, ...string]}

	// DatePattern extracts the date from a file name; first group wins
	date_pattern?: string
}
`

// ValidateSelector validates a selector entry against the selector schema.
func (sr *SchemaRegistry) ValidateSelector(ctx context.Context, selector SelectorConfig) error {
	return sr.ValidateAgainstSchema(ctx, SchemaSelector, selector)
}
