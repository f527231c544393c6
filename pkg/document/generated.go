package document

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/wzdat/wzdat/pkg/engine"
)

// GeneratedHeader is the first line of the generated result cell.
const GeneratedHeader = "# WARNING: Generated Checksums. Do Not Edit."

// generatedCell is the JSON body of the generated result cell. Dependency
// fingerprints keep the shape of the declaration: a single value when the
// declaration names one reference, a list otherwise.
type generatedCell struct {
	LastRun   time.Time         `json:"last_run"`
	Elapsed   string            `json:"elapsed,omitempty"`
	MaxMemory uint64            `json:"max_memory"`
	Error     string            `json:"error,omitempty"`
	Depends   *generatedDepends `json:"depends,omitempty"`
	Output    *generatedOutput  `json:"output,omitempty"`
}

type generatedDepends struct {
	Files *shapedFingerprint `json:"files,omitempty"`
	HDF   *shapedFingerprint `json:"hdf,omitempty"`
}

type generatedOutput struct {
	HDF *int64 `json:"hdf,omitempty"`
}

// shapedFingerprint encodes as a bare integer when single is set.
type shapedFingerprint struct {
	values engine.Fingerprint
	single bool
}

func (s shapedFingerprint) MarshalJSON() ([]byte, error) {
	if s.single && len(s.values) == 1 {
		return json.Marshal(s.values[0])
	}
	values := s.values
	if values == nil {
		values = engine.Fingerprint{}
	}
	return json.Marshal([]int64(values))
}

func (s *shapedFingerprint) UnmarshalJSON(data []byte) error {
	var v int64
	if err := json.Unmarshal(data, &v); err == nil {
		s.values = engine.Fingerprint{v}
		s.single = true
		return nil
	}
	var values []int64
	if err := json.Unmarshal(data, &values); err != nil {
		return fmt.Errorf("fingerprint must be an integer or a list of integers: %w", err)
	}
	s.values = engine.Fingerprint(values)
	s.single = false
	return nil
}

func shaped(values engine.Fingerprint, single bool) *shapedFingerprint {
	if values == nil {
		return nil
	}
	return &shapedFingerprint{values: values, single: single}
}

// encodeGenerated renders the source of the generated result cell.
func encodeGenerated(result *engine.ResultCell, decl engine.DependencyDeclaration) (string, error) {
	g := generatedCell{
		LastRun:   result.LastRun.UTC(),
		MaxMemory: result.MaxMemory,
		Error:     result.Error,
	}
	if result.Elapsed != nil {
		g.Elapsed = result.Elapsed.String()
	}
	if result.FileFingerprint != nil || result.ArtifactFingerprint != nil {
		g.Depends = &generatedDepends{
			Files: shaped(result.FileFingerprint, decl.SingleFileDep),
			HDF:   shaped(result.ArtifactFingerprint, decl.SingleArtifactDep),
		}
	}
	if result.OutputFingerprint != nil {
		sum := *result.OutputFingerprint
		g.Output = &generatedOutput{HDF: &sum}
	}

	return g.source()
}

func (g *generatedCell) source() (string, error) {
	body, err := json.MarshalIndent(g, "", "    ")
	if err != nil {
		return "", err
	}
	return GeneratedHeader + "\n" + string(body) + "\n", nil
}

// parseGenerated reads the JSON body of a generated result cell.
func parseGenerated(source string) (*generatedCell, error) {
	body := strings.TrimSpace(source)
	body = strings.TrimSpace(strings.TrimPrefix(body, GeneratedHeader))
	g := &generatedCell{}
	if body == "" {
		return g, nil
	}
	if err := json.Unmarshal([]byte(body), g); err != nil {
		return nil, fmt.Errorf("invalid generated cell: %w", err)
	}
	return g, nil
}

// decodeGenerated parses the source of a generated result cell.
func decodeGenerated(source string) (*engine.ResultCell, error) {
	g, err := parseGenerated(source)
	if err != nil {
		return nil, err
	}

	result := &engine.ResultCell{
		LastRun:   g.LastRun,
		MaxMemory: g.MaxMemory,
		Error:     g.Error,
	}
	if g.Elapsed != "" {
		d, err := time.ParseDuration(g.Elapsed)
		if err != nil {
			return nil, fmt.Errorf("invalid generated cell elapsed: %w", err)
		}
		result.Elapsed = &d
	}
	if g.Depends != nil {
		if g.Depends.Files != nil {
			result.FileFingerprint = g.Depends.Files.values
		}
		if g.Depends.HDF != nil {
			result.ArtifactFingerprint = g.Depends.HDF.values
		}
	}
	if g.Output != nil && g.Output.HDF != nil {
		sum := *g.Output.HDF
		result.OutputFingerprint = &sum
	}
	return result, nil
}
