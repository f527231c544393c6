package config

import (
	"context"
	"errors"
	"testing"

	"github.com/wzdat/wzdat/pkg/engine"
)

func TestCUEParser_ParseDeclaration(t *testing.T) {
	parser := NewCUEParser()
	ctx := context.Background()

	tests := []struct {
		name      string
		content   string
		checkFunc func(*testing.T, engine.DependencyDeclaration)
	}{
		{
			name:    "empty declaration",
			content: ``,
			checkFunc: func(t *testing.T, d engine.DependencyDeclaration) {
				if len(d.FileDeps) != 0 || len(d.ArtifactDeps) != 0 || d.Publishes() {
					t.Errorf("expected no dependencies, got %+v", d)
				}
			},
		},
		{
			name: "single file reference",
			content: `
depends: files: ["myprj.log", 10]
`,
			checkFunc: func(t *testing.T, d engine.DependencyDeclaration) {
				if len(d.FileDeps) != 1 {
					t.Fatalf("expected 1 file dependency, got %d", len(d.FileDeps))
				}
				if d.FileDeps[0] != (engine.FileRef{Selector: "myprj.log", Dates: 10}) {
					t.Errorf("unexpected file dependency: %+v", d.FileDeps[0])
				}
				if !d.SingleFileDep {
					t.Error("expected single file dependency form")
				}
			},
		},
		{
			name: "list of file references",
			content: `
depends: files: [["myprj.log", 10], ["myprj.dump", 1]]
`,
			checkFunc: func(t *testing.T, d engine.DependencyDeclaration) {
				if len(d.FileDeps) != 2 {
					t.Fatalf("expected 2 file dependencies, got %d", len(d.FileDeps))
				}
				if d.FileDeps[1].Selector != "myprj.dump" || d.FileDeps[1].Dates != 1 {
					t.Errorf("unexpected second dependency: %+v", d.FileDeps[1])
				}
				if d.SingleFileDep {
					t.Error("expected list form")
				}
			},
		},
		{
			name: "artifact dependencies and output",
			content: `
depends: hdf: [["myprj", "errors"], ["myprj", "hosts"]]
output: hdf: ["myprj", "summary"]
`,
			checkFunc: func(t *testing.T, d engine.DependencyDeclaration) {
				want := []engine.ArtifactKey{{Owner: "myprj", Name: "errors"}, {Owner: "myprj", Name: "hosts"}}
				if len(d.ArtifactDeps) != len(want) {
					t.Fatalf("expected %d artifact dependencies, got %d", len(want), len(d.ArtifactDeps))
				}
				for i := range want {
					if d.ArtifactDeps[i] != want[i] {
						t.Errorf("dependency %d: expected %v, got %v", i, want[i], d.ArtifactDeps[i])
					}
				}
				if d.PublishedArtifact == nil || d.PublishedArtifact.String() != "myprj/summary" {
					t.Errorf("expected output myprj/summary, got %v", d.PublishedArtifact)
				}
			},
		},
		{
			name: "single artifact dependency",
			content: `
depends: hdf: ["myprj", "errors"]
`,
			checkFunc: func(t *testing.T, d engine.DependencyDeclaration) {
				if len(d.ArtifactDeps) != 1 || !d.SingleArtifactDep {
					t.Errorf("expected one single-form artifact dependency, got %+v", d)
				}
			},
		},
		{
			name: "schedule",
			content: `
schedule: "0 4 * * *"
output: hdf: ["myprj", "daily"]
`,
			checkFunc: func(t *testing.T, d engine.DependencyDeclaration) {
				if d.Schedule != "0 4 * * *" {
					t.Errorf("expected schedule '0 4 * * *', got %q", d.Schedule)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decl, err := parser.ParseDeclaration(ctx, "unit.ipynb", tt.content)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			tt.checkFunc(t, decl)
		})
	}
}

func TestCUEParser_ParseDeclarationMalformed(t *testing.T) {
	parser := NewCUEParser()
	ctx := context.Background()

	tests := []struct {
		name    string
		content string
	}{
		{"invalid syntax", `depends: {`},
		{"unknown key", `inputs: files: ["myprj.log", 1]`},
		{"unknown nested key", `depends: tables: ["myprj", "x"]`},
		{"selector without kind", `depends: files: ["myprj", 1]`},
		{"zero dates", `depends: files: ["myprj.log", 0]`},
		{"dates not an int", `depends: files: ["myprj.log", "10"]`},
		{"empty owner", `output: hdf: ["", "summary"]`},
		{"output list", `output: hdf: [["myprj", "a"], ["myprj", "b"]]`},
		{"pair too long", `depends: hdf: ["myprj", "a", "b"]`},
		{"empty schedule", `schedule: ""`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parser.ParseDeclaration(ctx, "units/bad.ipynb", tt.content)
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !errors.Is(err, engine.ErrMalformedDeclaration) {
				t.Errorf("expected malformed declaration error, got %v", err)
			}
			if !engine.IsConfiguration(err) {
				t.Errorf("expected configuration error class, got %v", err)
			}
			var ee *engine.EngineError
			if errors.As(err, &ee) && ee.Unit != "units/bad.ipynb" {
				t.Errorf("expected unit units/bad.ipynb, got %q", ee.Unit)
			}
		})
	}
}

func TestCUEParser_ErrorPositions(t *testing.T) {
	parser := NewCUEParser()

	_, err := parser.ParseDeclaration(context.Background(), "units/bad.ipynb", "depends: files: [\"myprj.log\", 0]\n")
	var ee *engine.EngineError
	if !errors.As(err, &ee) {
		t.Fatalf("expected EngineError, got %v", err)
	}

	details, ok := ee.Details["errors"].([]ValidationError)
	if !ok || len(details) == 0 {
		t.Fatalf("expected validation error details, got %v", ee.Details)
	}
	for _, d := range details {
		if d.Severity != "error" {
			t.Errorf("expected severity error, got %s", d.Severity)
		}
		if d.Message == "" {
			t.Error("expected non-empty message")
		}
	}
}

func TestCUEParser_FormatDeclaration(t *testing.T) {
	parser := NewCUEParser()
	ctx := context.Background()

	tests := []struct {
		name string
		decl engine.DependencyDeclaration
	}{
		{
			name: "empty",
			decl: engine.DependencyDeclaration{},
		},
		{
			name: "single forms",
			decl: engine.DependencyDeclaration{
				FileDeps:          []engine.FileRef{{Selector: "myprj.log", Dates: 3}},
				SingleFileDep:     true,
				ArtifactDeps:      []engine.ArtifactKey{{Owner: "myprj", Name: "errors"}},
				SingleArtifactDep: true,
			},
		},
		{
			name: "lists with output and schedule",
			decl: engine.DependencyDeclaration{
				FileDeps: []engine.FileRef{
					{Selector: "myprj.log", Dates: 3},
					{Selector: "other.prj.dump", Dates: 1},
				},
				ArtifactDeps: []engine.ArtifactKey{
					{Owner: "myprj", Name: "errors"},
					{Owner: "myprj", Name: "hosts"},
				},
				PublishedArtifact: &engine.ArtifactKey{Owner: "myprj", Name: "summary"},
				Schedule:          "*/5 * * * *",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src, err := parser.FormatDeclaration(tt.decl)
			if err != nil {
				t.Fatalf("failed to format: %v", err)
			}

			got, err := parser.ParseDeclaration(ctx, "roundtrip.ipynb", src)
			if err != nil {
				t.Fatalf("formatted declaration does not parse: %v\n%s", err, src)
			}

			if len(got.FileDeps) != len(tt.decl.FileDeps) {
				t.Fatalf("expected %d file deps, got %d", len(tt.decl.FileDeps), len(got.FileDeps))
			}
			for i := range got.FileDeps {
				if got.FileDeps[i] != tt.decl.FileDeps[i] {
					t.Errorf("file dep %d: expected %v, got %v", i, tt.decl.FileDeps[i], got.FileDeps[i])
				}
			}
			if len(got.ArtifactDeps) != len(tt.decl.ArtifactDeps) {
				t.Fatalf("expected %d artifact deps, got %d", len(tt.decl.ArtifactDeps), len(got.ArtifactDeps))
			}
			for i := range got.ArtifactDeps {
				if got.ArtifactDeps[i] != tt.decl.ArtifactDeps[i] {
					t.Errorf("artifact dep %d: expected %v, got %v", i, tt.decl.ArtifactDeps[i], got.ArtifactDeps[i])
				}
			}
			if got.SingleFileDep != tt.decl.SingleFileDep || got.SingleArtifactDep != tt.decl.SingleArtifactDep {
				t.Errorf("expected single forms %v/%v, got %v/%v",
					tt.decl.SingleFileDep, tt.decl.SingleArtifactDep, got.SingleFileDep, got.SingleArtifactDep)
			}
			if (got.PublishedArtifact == nil) != (tt.decl.PublishedArtifact == nil) {
				t.Fatalf("expected output %v, got %v", tt.decl.PublishedArtifact, got.PublishedArtifact)
			}
			if got.PublishedArtifact != nil && *got.PublishedArtifact != *tt.decl.PublishedArtifact {
				t.Errorf("expected output %v, got %v", *tt.decl.PublishedArtifact, *got.PublishedArtifact)
			}
			if got.Schedule != tt.decl.Schedule {
				t.Errorf("expected schedule %q, got %q", tt.decl.Schedule, got.Schedule)
			}
		})
	}
}

func TestCUEParser_SharedRegistry(t *testing.T) {
	registry := NewSchemaRegistry()
	parser := NewCUEParserWithRegistry(registry)

	if parser.GetSchemaRegistry() != registry {
		t.Error("expected parser to use the given registry")
	}
}
