package document

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog"
	"github.com/wzdat/wzdat/pkg/config"
	"github.com/wzdat/wzdat/pkg/engine"
)

const (
	// Extension is the file extension of unit documents.
	Extension = ".ipynb"

	// ManifestMarker starts the declaration cell.
	ManifestMarker = "#!manifest"
)

// cronName matches scheduled document names such as
// "[0 4 * * *@daily]report.ipynb".
var cronName = regexp.MustCompile(`^\[([^\]@]+)(?:@([^\]]*))?\](.+)$`)

// skipDirs are never scanned for unit documents.
var skipDirs = map[string]bool{
	".ipynb_checkpoints": true,
	".git":               true,
}

// Store reads and writes unit documents below a directory. Paths handed to
// and returned by the store are slash-separated and relative to that
// directory.
type Store struct {
	dir    string
	parser *config.CUEParser
	logger zerolog.Logger

	// mu serializes read-modify-write cycles on documents.
	mu sync.Mutex
}

var _ engine.DocumentStore = (*Store)(nil)

// NewStore creates a document store rooted at dir.
func NewStore(dir string, parser *config.CUEParser, logger *zerolog.Logger) *Store {
	if parser == nil {
		parser = config.NewCUEParser()
	}
	l := zerolog.Nop()
	if logger != nil {
		l = *logger
	}
	return &Store{
		dir:    dir,
		parser: parser,
		logger: l.With().Str("component", "documents").Logger(),
	}
}

// Dir returns the root directory of the store.
func (s *Store) Dir() string {
	return s.dir
}

// Abs returns the file system path of a unit document.
func (s *Store) Abs(path string) string {
	return filepath.Join(s.dir, filepath.FromSlash(path))
}

// List returns every unit document path, sorted.
func (s *Store) List(ctx context.Context) ([]string, error) {
	var paths []string
	err := filepath.WalkDir(s.dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			if p != s.dir && skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if filepath.Ext(p) != Extension {
			return nil
		}
		rel, err := filepath.Rel(s.dir, p)
		if err != nil {
			return err
		}
		paths = append(paths, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan unit directory %s: %w", s.dir, err)
	}
	sort.Strings(paths)
	return paths, nil
}

// Load parses the declaration and generated result cells of a document.
func (s *Store) Load(ctx context.Context, path string) (*engine.Manifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	nb, err := s.read(path)
	if err != nil {
		return nil, err
	}
	layout := scan(nb)

	m := &engine.Manifest{
		Path:               path,
		ContentFingerprint: contentFingerprint(nb, layout),
		TotalSteps:         len(layout.steps),
	}

	if layout.declaration >= 0 {
		src := declarationBody(nb.Cells[layout.declaration].Source)
		decl, err := s.parser.ParseDeclaration(ctx, path, src)
		if err != nil {
			return nil, err
		}
		m.Declaration = decl
	}

	if expr, ok := ScheduleFromName(path); ok {
		if m.Declaration.Schedule == "" {
			m.Declaration.Schedule = expr
		}
	}
	m.Scheduled = m.Declaration.Schedule != ""

	if layout.generated >= 0 {
		prev, err := decodeGenerated(nb.Cells[layout.generated].Source)
		if err != nil {
			// A damaged generated cell only means no previous run is known.
			s.logger.Warn().Err(err).Str("unit", path).Msg("Ignoring unreadable generated cell")
		} else {
			m.Previous = prev
		}
	}

	return m, nil
}

// WriteResult overwrites the generated result cell, creating it right after
// the declaration cell when absent.
func (s *Store) WriteResult(ctx context.Context, path string, result *engine.ResultCell) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	nb, err := s.read(path)
	if err != nil {
		return err
	}
	layout := scan(nb)

	var decl engine.DependencyDeclaration
	if layout.declaration >= 0 {
		// Only the single/list shape is needed; a declaration that stopped
		// parsing falls back to the list shape.
		if d, err := s.parser.ParseDeclaration(ctx, path, declarationBody(nb.Cells[layout.declaration].Source)); err == nil {
			decl = d
		}
	}

	src, err := encodeGenerated(result, decl)
	if err != nil {
		return fmt.Errorf("failed to encode result cell: %w", err)
	}
	setGenerated(nb, layout, src)
	return s.write(path, nb)
}

// RecordError writes an error into the generated result cell, keeping any
// previously recorded fingerprints.
func (s *Store) RecordError(ctx context.Context, path string, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	nb, err := s.read(path)
	if err != nil {
		return err
	}
	layout := scan(nb)

	g := &generatedCell{}
	if layout.generated >= 0 {
		if prev, err := parseGenerated(nb.Cells[layout.generated].Source); err == nil {
			g = prev
		}
	}
	g.Error = message
	g.Elapsed = ""

	src, err := g.source()
	if err != nil {
		return fmt.Errorf("failed to encode result cell: %w", err)
	}
	setGenerated(nb, layout, src)
	return s.write(path, nb)
}

// ClearResult removes the generated result cell, so the document no longer
// carries the fingerprints of a previous run. It reports whether a cell was
// removed.
func (s *Store) ClearResult(ctx context.Context, path string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	nb, err := s.read(path)
	if err != nil {
		return false, err
	}
	l := scan(nb)
	if l.generated < 0 {
		return false, nil
	}
	nb.Cells = append(nb.Cells[:l.generated], nb.Cells[l.generated+1:]...)
	return true, s.write(path, nb)
}

// StepCell is an executable cell of a unit document.
type StepCell struct {
	// Index is the position of the cell in the notebook.
	Index int

	// Source is the cell text.
	Source string
}

// Steps returns the executable cells of a document in order, excluding the
// declaration and generated cells.
func (s *Store) Steps(ctx context.Context, path string) ([]StepCell, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	nb, err := s.read(path)
	if err != nil {
		return nil, err
	}
	layout := scan(nb)

	steps := make([]StepCell, 0, len(layout.steps))
	for _, i := range layout.steps {
		steps = append(steps, StepCell{Index: i, Source: nb.Cells[i].Source})
	}
	return steps, nil
}

// WriteOutputs replaces the outputs of the given cells, keyed by cell index.
// Outputs are not part of the content fingerprint.
func (s *Store) WriteOutputs(ctx context.Context, path string, outputs map[int][]Output) error {
	if len(outputs) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	nb, err := s.read(path)
	if err != nil {
		return err
	}
	for i, outs := range outputs {
		if i < 0 || i >= len(nb.Cells) || !nb.Cells[i].IsCode() {
			return fmt.Errorf("%s: cell %d is not a code cell", path, i)
		}
		if err := nb.Cells[i].SetOutputs(outs); err != nil {
			return fmt.Errorf("%s: cell %d: %w", path, i, err)
		}
	}
	return s.write(path, nb)
}

// Create writes a new unit document with a declaration cell and the given
// code cells.
func (s *Store) Create(ctx context.Context, path, declaration string, code ...string) error {
	if _, err := s.parser.ParseDeclaration(ctx, path, declaration); err != nil {
		return err
	}

	nb := NewNotebook()
	nb.Cells = append(nb.Cells, NewCodeCell(ManifestMarker+"\n"+declaration))
	for _, src := range code {
		nb.Cells = append(nb.Cells, NewCodeCell(src))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := os.Stat(s.Abs(path)); err == nil {
		return fmt.Errorf("%s already exists", path)
	}
	return s.write(path, nb)
}

func (s *Store) read(path string) (*Notebook, error) {
	data, err := os.ReadFile(s.Abs(path))
	if err != nil {
		return nil, fmt.Errorf("failed to read unit document %s: %w", path, err)
	}
	nb, err := ParseNotebook(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return nb, nil
}

// write replaces the document atomically.
func (s *Store) write(path string, nb *Notebook) error {
	data, err := nb.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode unit document %s: %w", path, err)
	}

	abs := s.Abs(path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", path, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(abs), ".wzdat-*")
	if err != nil {
		return fmt.Errorf("failed to write unit document %s: %w", path, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write unit document %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write unit document %s: %w", path, err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return fmt.Errorf("failed to write unit document %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), abs); err != nil {
		return fmt.Errorf("failed to replace unit document %s: %w", path, err)
	}
	return nil
}

// layout locates the machine sections of a notebook.
type layout struct {
	declaration int
	generated   int
	steps       []int
}

func scan(nb *Notebook) layout {
	l := layout{declaration: -1, generated: -1}
	for i, cell := range nb.Cells {
		if !cell.IsCode() {
			continue
		}
		switch first := cell.FirstLine(); {
		case l.declaration < 0 && strings.HasPrefix(first, ManifestMarker):
			l.declaration = i
		case l.generated < 0 && first == GeneratedHeader:
			l.generated = i
		default:
			l.steps = append(l.steps, i)
		}
	}
	return l
}

// declarationBody strips the marker line from a declaration cell.
func declarationBody(source string) string {
	src := strings.TrimLeft(source, " \t\r\n")
	_, body, _ := strings.Cut(src, "\n")
	return body
}

// contentFingerprint hashes every cell except the generated one.
func contentFingerprint(nb *Notebook, l layout) int64 {
	d := xxhash.New()
	for i, cell := range nb.Cells {
		if i == l.generated {
			continue
		}
		_, _ = d.WriteString(cell.Type)
		_, _ = d.Write([]byte{0})
		_, _ = d.WriteString(cell.Source)
		_, _ = d.Write([]byte{0})
	}
	return int64(d.Sum64())
}

func setGenerated(nb *Notebook, l layout, src string) {
	if l.generated >= 0 {
		nb.Cells[l.generated].Source = src
		return
	}
	cell := NewCodeCell(src)
	at := l.declaration + 1
	nb.Cells = append(nb.Cells, nil)
	copy(nb.Cells[at+1:], nb.Cells[at:])
	nb.Cells[at] = cell
}

// ScheduleFromName extracts the cron expression from a scheduled document
// name such as "[0 4 * * *@daily]report.ipynb".
func ScheduleFromName(path string) (string, bool) {
	m := cronName.FindStringSubmatch(filepath.Base(filepath.FromSlash(path)))
	if m == nil {
		return "", false
	}
	return strings.TrimSpace(m[1]), true
}
