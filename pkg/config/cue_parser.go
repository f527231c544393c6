package config

import (
	"context"
	"fmt"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/ast"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/format"
	"github.com/go-playground/validator/v10"
	"github.com/wzdat/wzdat/pkg/engine"
)

// CUEParser parses unit declaration literals against the #Declaration
// schema. Literals are data only: nothing is evaluated beyond CUE
// unification.
type CUEParser struct {
	schemaRegistry *SchemaRegistry
	validator      *validator.Validate
}

// NewCUEParser creates a new CUE parser.
func NewCUEParser() *CUEParser {
	return NewCUEParserWithRegistry(NewSchemaRegistry())
}

// NewCUEParserWithRegistry creates a parser sharing an existing registry.
func NewCUEParserWithRegistry(registry *SchemaRegistry) *CUEParser {
	return &CUEParser{
		schemaRegistry: registry,
		validator:      validator.New(),
	}
}

// GetSchemaRegistry returns the schema registry.
func (cp *CUEParser) GetSchemaRegistry() *SchemaRegistry {
	return cp.schemaRegistry
}

// ParseDeclaration parses a declaration literal. filename is used for error
// positions. Any schema violation yields an ErrMalformedDeclaration error
// whose details carry the individual CUE errors.
func (cp *CUEParser) ParseDeclaration(ctx context.Context, filename, src string) (engine.DependencyDeclaration, error) {
	var decl engine.DependencyDeclaration

	schema, ok := cp.schemaRegistry.GetSchema(SchemaDeclaration)
	if !ok {
		return decl, fmt.Errorf("schema %s not found", SchemaDeclaration)
	}

	sr := cp.schemaRegistry
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(src, cue.Filename(filename))
	if err := val.Err(); err != nil {
		return decl, malformed(filename, err, cp.convertCUEErrors(err))
	}

	unified := schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return decl, malformed(filename, err, cp.convertCUEErrors(err))
	}

	decl, err := cp.extractDeclaration(unified)
	if err != nil {
		return decl, malformed(filename, err, nil)
	}

	if err := cp.validator.Struct(decl); err != nil {
		return decl, malformed(filename, err, nil)
	}

	return decl, nil
}

// extractDeclaration reads a unified, concrete #Declaration value.
func (cp *CUEParser) extractDeclaration(val cue.Value) (engine.DependencyDeclaration, error) {
	var decl engine.DependencyDeclaration

	if files := val.LookupPath(cue.ParsePath("depends.files")); files.Exists() {
		items, single, err := oneOrMany(files)
		if err != nil {
			return decl, fmt.Errorf("depends.files: %w", err)
		}
		decl.SingleFileDep = single
		for _, item := range items {
			elems, err := listElems(item)
			if err != nil {
				return decl, fmt.Errorf("depends.files: %w", err)
			}
			selector, err := elems[0].String()
			if err != nil {
				return decl, fmt.Errorf("depends.files: %w", err)
			}
			dates, err := elems[1].Int64()
			if err != nil {
				return decl, fmt.Errorf("depends.files: %w", err)
			}
			decl.FileDeps = append(decl.FileDeps, engine.FileRef{Selector: selector, Dates: int(dates)})
		}
	}

	if hdf := val.LookupPath(cue.ParsePath("depends.hdf")); hdf.Exists() {
		items, single, err := oneOrMany(hdf)
		if err != nil {
			return decl, fmt.Errorf("depends.hdf: %w", err)
		}
		decl.SingleArtifactDep = single
		for _, item := range items {
			key, err := pairKey(item)
			if err != nil {
				return decl, fmt.Errorf("depends.hdf: %w", err)
			}
			decl.ArtifactDeps = append(decl.ArtifactDeps, key)
		}
	}

	if out := val.LookupPath(cue.ParsePath("output.hdf")); out.Exists() {
		key, err := pairKey(out)
		if err != nil {
			return decl, fmt.Errorf("output.hdf: %w", err)
		}
		decl.PublishedArtifact = &key
	}

	if sched := val.LookupPath(cue.ParsePath("schedule")); sched.Exists() {
		s, err := sched.String()
		if err != nil {
			return decl, fmt.Errorf("schedule: %w", err)
		}
		decl.Schedule = s
	}

	return decl, nil
}

// oneOrMany returns the references held by v, which is either a single
// reference (a list of scalars) or a list of references.
func oneOrMany(v cue.Value) ([]cue.Value, bool, error) {
	elems, err := listElems(v)
	if err != nil {
		return nil, false, err
	}
	if len(elems) > 0 && elems[0].Kind() != cue.ListKind {
		return []cue.Value{v}, true, nil
	}
	return elems, false, nil
}

func listElems(v cue.Value) ([]cue.Value, error) {
	it, err := v.List()
	if err != nil {
		return nil, err
	}
	var elems []cue.Value
	for it.Next() {
		elems = append(elems, it.Value())
	}
	return elems, nil
}

func pairKey(v cue.Value) (engine.ArtifactKey, error) {
	elems, err := listElems(v)
	if err != nil {
		return engine.ArtifactKey{}, err
	}
	if len(elems) != 2 {
		return engine.ArtifactKey{}, fmt.Errorf("expected (owner, name), got %d elements", len(elems))
	}
	owner, err := elems[0].String()
	if err != nil {
		return engine.ArtifactKey{}, err
	}
	name, err := elems[1].String()
	if err != nil {
		return engine.ArtifactKey{}, err
	}
	return engine.ArtifactKey{Owner: owner, Name: name}, nil
}

// FormatDeclaration renders a declaration as a CUE literal that parses back
// to the same declaration.
func (cp *CUEParser) FormatDeclaration(decl engine.DependencyDeclaration) (string, error) {
	data := map[string]interface{}{}

	depends := map[string]interface{}{}
	if len(decl.FileDeps) > 0 {
		refs := make([]interface{}, 0, len(decl.FileDeps))
		for _, ref := range decl.FileDeps {
			refs = append(refs, []interface{}{ref.Selector, ref.Dates})
		}
		if decl.SingleFileDep && len(refs) == 1 {
			depends["files"] = refs[0]
		} else {
			depends["files"] = refs
		}
	}
	if len(decl.ArtifactDeps) > 0 {
		keys := make([]interface{}, 0, len(decl.ArtifactDeps))
		for _, k := range decl.ArtifactDeps {
			keys = append(keys, []string{k.Owner, k.Name})
		}
		if decl.SingleArtifactDep && len(keys) == 1 {
			depends["hdf"] = keys[0]
		} else {
			depends["hdf"] = keys
		}
	}
	if len(depends) > 0 {
		data["depends"] = depends
	}
	if out := decl.PublishedArtifact; out != nil {
		data["output"] = map[string]interface{}{"hdf": []string{out.Owner, out.Name}}
	}
	if decl.Schedule != "" {
		data["schedule"] = decl.Schedule
	}

	sr := cp.schemaRegistry
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.Encode(data)
	if err := val.Err(); err != nil {
		return "", fmt.Errorf("failed to encode declaration: %w", err)
	}

	node := val.Syntax(cue.Concrete(true))
	if lit, ok := node.(*ast.StructLit); ok {
		node = &ast.File{Decls: lit.Elts}
	}

	b, err := format.Node(node)
	if err != nil {
		return "", fmt.Errorf("failed to format declaration: %w", err)
	}
	return string(b), nil
}

// convertCUEErrors converts CUE errors to ValidationError slice.
func (cp *CUEParser) convertCUEErrors(err error) []ValidationError {
	var validationErrors []ValidationError

	// Handle CUE error types
	errs := errors.Errors(err)
	for _, e := range errs {
		pos := errors.Positions(e)
		var file string
		var line, column int

		if len(pos) > 0 {
			file = pos[0].Filename()
			line = pos[0].Line()
			column = pos[0].Column()
		}

		validationErrors = append(validationErrors, ValidationError{
			File:     file,
			Line:     line,
			Column:   column,
			Message:  errors.Details(e, nil),
			Severity: "error",
		})
	}

	return validationErrors
}

func malformed(filename string, err error, details []ValidationError) *engine.EngineError {
	msg := "declaration does not match schema"
	if len(details) > 0 {
		msg = fmt.Sprintf("%s: %s", msg, strings.TrimSpace(details[0].Message))
	}
	e := engine.NewConfigurationError(engine.ErrCodeMalformedDeclaration, msg, err).WithUnit(filename)
	if len(details) > 0 {
		e = e.WithDetail("errors", details)
	}
	return e
}
