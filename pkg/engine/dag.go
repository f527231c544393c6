package engine

import (
	"fmt"
	"sort"
	"strings"
)

// Graph is the dependency DAG of one resolve pass.
type Graph struct {
	// Units holds every unit sorted by path.
	Units []*Unit

	// ProducerOf maps an artifact key to the unit that publishes it.
	ProducerOf map[ArtifactKey]*Unit

	// DependentsOf maps a unit path to the units consuming its artifact.
	DependentsOf map[string][]*Unit

	byPath map[string]*Unit
}

// Unit returns the unit with the given path.
func (g *Graph) Unit(path string) (*Unit, bool) {
	u, ok := g.byPath[path]
	return u, ok
}

// Roots returns the resolver entry points: every non-scheduled unit.
func (g *Graph) Roots() []*Unit {
	roots := make([]*Unit, 0, len(g.Units))
	for _, u := range g.Units {
		if !u.Scheduled {
			roots = append(roots, u)
		}
	}
	return roots
}

// Edges returns every producer -> consumer pair, sorted.
func (g *Graph) Edges() [][2]string {
	edges := make([][2]string, 0)
	for _, u := range g.Units {
		for _, p := range u.DependsOn {
			edges = append(edges, [2]string{p.Path, u.Path})
		}
	}
	sort.Slice(edges, func(i, j int) bool {
		if edges[i][0] != edges[j][0] {
			return edges[i][0] < edges[j][0]
		}
		return edges[i][1] < edges[j][1]
	})
	return edges
}

// GraphBuilder builds the dependency graph from loaded unit manifests.
type GraphBuilder struct {
	// units maps unit paths to units
	units map[string]*Unit

	// producerOf maps artifact keys to their publishing unit
	producerOf map[ArtifactKey]*Unit

	// dependentsOf maps producer paths to consumer units
	dependentsOf map[string][]*Unit
}

// NewGraphBuilder creates a new graph builder.
func NewGraphBuilder() *GraphBuilder {
	return &GraphBuilder{
		units:        make(map[string]*Unit),
		producerOf:   make(map[ArtifactKey]*Unit),
		dependentsOf: make(map[string][]*Unit),
	}
}

// Build constructs the graph. It rejects duplicate publishers, units that
// depend on their own artifact, and artifact dependencies nobody publishes.
// File dependencies never create edges.
func (b *GraphBuilder) Build(units []*Unit) (*Graph, error) {
	sorted := make([]*Unit, len(units))
	copy(sorted, units)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })

	for _, u := range sorted {
		if u.Path == "" {
			return nil, NewConfigurationError(ErrCodeMalformedDeclaration, "unit has empty path", nil)
		}
		if _, exists := b.units[u.Path]; exists {
			return nil, NewConfigurationError(ErrCodeMalformedDeclaration,
				fmt.Sprintf("duplicate unit path: %s", u.Path), nil).WithUnit(u.Path)
		}
		u.DependsOn = nil
		b.units[u.Path] = u
	}

	// First pass: index publishers
	for _, u := range sorted {
		decl := u.Declaration()
		if decl.PublishedArtifact == nil {
			continue
		}
		key := *decl.PublishedArtifact
		if existing, exists := b.producerOf[key]; exists {
			return nil, NewConfigurationError(ErrCodeDuplicatePublisher,
				fmt.Sprintf("artifact %s is already published by %s", key, existing.Path), nil).
				WithUnit(u.Path).WithKey(key).WithDetail("publisher", existing.Path)
		}
		b.producerOf[key] = u
	}

	// Second pass: self references are rejected before any edge is added
	for _, u := range sorted {
		decl := u.Declaration()
		if decl.PublishedArtifact == nil {
			continue
		}
		for _, dep := range decl.ArtifactDeps {
			if dep == *decl.PublishedArtifact {
				return nil, NewConfigurationError(ErrCodeSelfReference,
					"unit depends on the artifact it publishes", nil).
					WithUnit(u.Path).WithKey(dep)
			}
		}
	}

	// Third pass: resolve artifact dependencies into edges
	for _, u := range sorted {
		for _, dep := range u.Declaration().ArtifactDeps {
			producer, exists := b.producerOf[dep]
			if !exists {
				return nil, NewConfigurationError(ErrCodeUnresolvedDependency,
					fmt.Sprintf("no unit publishes artifact %s", dep), nil).
					WithUnit(u.Path).WithKey(dep)
			}
			before := len(u.DependsOn)
			u.addDependency(producer)
			if len(u.DependsOn) > before {
				b.dependentsOf[producer.Path] = append(b.dependentsOf[producer.Path], u)
			}
		}
	}

	byPath := make(map[string]*Unit, len(b.units))
	for k, v := range b.units {
		byPath[k] = v
	}
	producerOf := make(map[ArtifactKey]*Unit, len(b.producerOf))
	for k, v := range b.producerOf {
		producerOf[k] = v
	}
	dependentsOf := make(map[string][]*Unit, len(b.dependentsOf))
	for k, v := range b.dependentsOf {
		dependentsOf[k] = v
	}

	return &Graph{
		Units:        sorted,
		ProducerOf:   producerOf,
		DependentsOf: dependentsOf,
		byPath:       byPath,
	}, nil
}

// ToDOT generates a DOT format representation of the graph for visualization.
// The output can be rendered with Graphviz tools.
func (g *Graph) ToDOT() string {
	var sb strings.Builder

	sb.WriteString("digraph UnitGraph {\n")
	sb.WriteString("  rankdir=LR;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for _, u := range g.Units {
		label := u.Path
		if out := u.Declaration().PublishedArtifact; out != nil {
			label = fmt.Sprintf("%s\\n%s", u.Path, out)
		}
		color := "white"
		if u.Scheduled {
			color = "lightgray"
		}
		sb.WriteString(fmt.Sprintf("  %q [label=\"%s\", fillcolor=\"%s\", style=\"filled,rounded\"];\n",
			u.Path, label, color))
	}

	if len(g.Units) > 0 {
		sb.WriteString("\n")
	}

	for _, e := range g.Edges() {
		sb.WriteString(fmt.Sprintf("  %q -> %q;\n", e[0], e[1]))
	}

	sb.WriteString("}\n")
	return sb.String()
}

// FindCycle returns the first dependency cycle found, closed with its first
// unit, or nil when the graph is acyclic. Units are tried in path order.
func (g *Graph) FindCycle() []string {
	visited := make(map[string]bool, len(g.Units))
	onStack := make(map[string]bool)
	var path []string

	var visit func(u *Unit) []string
	visit = func(u *Unit) []string {
		visited[u.Path] = true
		onStack[u.Path] = true
		path = append(path, u.Path)

		for _, producer := range u.DependsOn {
			if onStack[producer.Path] {
				for i, p := range path {
					if p == producer.Path {
						cycle := make([]string, 0, len(path)-i+1)
						cycle = append(cycle, path[i:]...)
						return append(cycle, producer.Path)
					}
				}
			}
			if !visited[producer.Path] {
				if cycle := visit(producer); cycle != nil {
					return cycle
				}
			}
		}

		onStack[u.Path] = false
		path = path[:len(path)-1]
		return nil
	}

	for _, u := range g.Units {
		if visited[u.Path] {
			continue
		}
		if cycle := visit(u); cycle != nil {
			return cycle
		}
	}
	return nil
}

// formatCycle formats a cycle path for error messages.
func formatCycle(cycle []string) string {
	if len(cycle) == 0 {
		return ""
	}
	return strings.Join(cycle, " -> ")
}
