// Package config loads the workspace configuration and parses unit
// declaration cells.
//
// # Overview
//
// Two kinds of input are handled here. The workspace file wzdat.yaml is
// decoded with gopkg.in/yaml.v3 on top of DefaultConfig and checked with
// validator struct tags, the telemetry rules and the #Selector CUE schema.
// Declaration cells of unit documents are CUE literals unified with the
// closed #Declaration schema.
//
// # Declaration cells
//
// A declaration lists the inputs and the output of a unit:
//
//	depends: {
//		files: [["myprj.log", 10], ["myprj.dump", 1]]
//		hdf:   ["myprj", "errors_by_host"]
//	}
//	output: hdf: ["myprj", "summary"]
//
// Both depends keys accept a single reference or a list of references.
// Anything outside the schema, including unknown keys, is reported as an
// engine.ErrMalformedDeclaration error carrying the individual CUE errors
// with their positions.
//
// # Components
//
// SchemaRegistry: compiles the built-in schemas once and validates values
// against them. Custom schemas may be registered under their own name.
//
// CUEParser: turns declaration literals into engine.DependencyDeclaration
// values and formats them back.
//
// # Usage Example
//
//	cfg, err := config.Load("wzdat.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	parser := config.NewCUEParser()
//	decl, err := parser.ParseDeclaration(ctx, "units/report.ipynb", src)
//	if errors.Is(err, engine.ErrMalformedDeclaration) {
//	    // record the error in the unit document
//	}
package config
