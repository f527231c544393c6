package document

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Cell types used by unit documents.
const (
	CellTypeCode     = "code"
	CellTypeMarkdown = "markdown"
)

// Notebook is a JSON notebook. Only the cell list is interpreted; every other
// field, at notebook and cell level, is kept as raw JSON and written back
// unchanged.
type Notebook struct {
	fields map[string]json.RawMessage
	Cells  []*Cell
}

// Cell is one notebook cell.
type Cell struct {
	fields map[string]json.RawMessage

	// Type is the cell type, "code" or "markdown".
	Type string

	// Source is the cell text with lines joined.
	Source string
}

// Output is a stream output attached to a code cell.
type Output struct {
	// Name is the stream name, "stdout" or "stderr".
	Name string

	// Text is the captured text.
	Text string
}

// ParseNotebook decodes a notebook document.
func ParseNotebook(data []byte) (*Notebook, error) {
	nb := &Notebook{}
	if err := json.Unmarshal(data, &nb.fields); err != nil {
		return nil, fmt.Errorf("invalid notebook JSON: %w", err)
	}
	if nb.fields == nil {
		return nil, fmt.Errorf("invalid notebook JSON: not an object")
	}

	var rawCells []map[string]json.RawMessage
	if raw, ok := nb.fields["cells"]; ok {
		if err := json.Unmarshal(raw, &rawCells); err != nil {
			return nil, fmt.Errorf("invalid cells: %w", err)
		}
	}

	for i, fields := range rawCells {
		cell := &Cell{fields: fields}
		if raw, ok := fields["cell_type"]; ok {
			if err := json.Unmarshal(raw, &cell.Type); err != nil {
				return nil, fmt.Errorf("cell %d: invalid cell_type: %w", i, err)
			}
		}
		if raw, ok := fields["source"]; ok {
			src, err := decodeMultiline(raw)
			if err != nil {
				return nil, fmt.Errorf("cell %d: invalid source: %w", i, err)
			}
			cell.Source = src
		}
		nb.Cells = append(nb.Cells, cell)
	}
	return nb, nil
}

// NewNotebook returns an empty notebook in the current format.
func NewNotebook() *Notebook {
	return &Notebook{
		fields: map[string]json.RawMessage{
			"metadata":       json.RawMessage(`{}`),
			"nbformat":       json.RawMessage(`4`),
			"nbformat_minor": json.RawMessage(`5`),
		},
	}
}

// NewCodeCell returns a code cell without outputs.
func NewCodeCell(source string) *Cell {
	return &Cell{
		fields: map[string]json.RawMessage{
			"execution_count": json.RawMessage(`null`),
			"metadata":        json.RawMessage(`{}`),
			"outputs":         json.RawMessage(`[]`),
		},
		Type:   CellTypeCode,
		Source: source,
	}
}

// NewMarkdownCell returns a markdown cell.
func NewMarkdownCell(source string) *Cell {
	return &Cell{
		fields: map[string]json.RawMessage{
			"metadata": json.RawMessage(`{}`),
		},
		Type:   CellTypeMarkdown,
		Source: source,
	}
}

// Encode renders the notebook with one-space indentation.
func (nb *Notebook) Encode() ([]byte, error) {
	cells := make([]map[string]json.RawMessage, 0, len(nb.Cells))
	for i, cell := range nb.Cells {
		fields, err := cell.encode()
		if err != nil {
			return nil, fmt.Errorf("cell %d: %w", i, err)
		}
		cells = append(cells, fields)
	}

	out := make(map[string]interface{}, len(nb.fields)+1)
	for k, v := range nb.fields {
		out[k] = v
	}
	out["cells"] = cells

	data, err := json.MarshalIndent(out, "", " ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// IsCode reports whether the cell is a code cell.
func (c *Cell) IsCode() bool {
	return c.Type == CellTypeCode
}

// FirstLine returns the first line of the source with surrounding spaces
// removed.
func (c *Cell) FirstLine() string {
	line, _, _ := strings.Cut(strings.TrimLeft(c.Source, " \t\r\n"), "\n")
	return strings.TrimSpace(line)
}

// SetOutputs replaces the outputs of a code cell.
func (c *Cell) SetOutputs(outputs []Output) error {
	type stream struct {
		Name       string   `json:"name"`
		OutputType string   `json:"output_type"`
		Text       []string `json:"text"`
	}
	streams := make([]stream, 0, len(outputs))
	for _, o := range outputs {
		streams = append(streams, stream{Name: o.Name, OutputType: "stream", Text: splitLines(o.Text)})
	}
	raw, err := json.Marshal(streams)
	if err != nil {
		return err
	}
	if c.fields == nil {
		c.fields = map[string]json.RawMessage{}
	}
	c.fields["outputs"] = raw
	return nil
}

func (c *Cell) encode() (map[string]json.RawMessage, error) {
	fields := make(map[string]json.RawMessage, len(c.fields)+2)
	for k, v := range c.fields {
		fields[k] = v
	}

	typ, err := json.Marshal(c.Type)
	if err != nil {
		return nil, err
	}
	fields["cell_type"] = typ

	src, err := json.Marshal(splitLines(c.Source))
	if err != nil {
		return nil, err
	}
	fields["source"] = src
	return fields, nil
}

// decodeMultiline accepts both notebook forms of multi-line text: a single
// string or a list of line strings.
func decodeMultiline(raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var lines []string
	if err := json.Unmarshal(raw, &lines); err != nil {
		return "", err
	}
	return strings.Join(lines, ""), nil
}

// splitLines splits text into lines that keep their trailing newline.
func splitLines(s string) []string {
	lines := []string{}
	for s != "" {
		i := strings.IndexByte(s, '\n')
		if i < 0 {
			lines = append(lines, s)
			break
		}
		lines = append(lines, s[:i+1])
		s = s[i+1:]
	}
	return lines
}
