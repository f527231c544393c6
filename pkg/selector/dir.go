package selector

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"regexp"
	"sort"

	"github.com/gobwas/glob"
	"github.com/wzdat/wzdat/pkg/config"
	"github.com/wzdat/wzdat/pkg/engine"
)

// DefaultDatePattern matches dates such as 2014-02-28 or 20140228.
const DefaultDatePattern = `(\d{4}-?\d{2}-?\d{2})`

// DirSelector selects files below a root directory. Kinds are glob patterns
// over slash-separated paths relative to the root; "**" crosses directories.
// The date of a file is taken from its relative path.
type DirSelector struct {
	root        string
	kinds       map[string][]glob.Glob
	datePattern *regexp.Regexp
}

var (
	_ Selector     = (*DirSelector)(nil)
	_ StatSelector = (*DirSelector)(nil)
)

// NewDirSelector compiles a configured selector.
func NewDirSelector(cfg config.SelectorConfig) (*DirSelector, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("root is required")
	}

	pattern := cfg.DatePattern
	if pattern == "" {
		pattern = DefaultDatePattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid date pattern: %w", err)
	}

	s := &DirSelector{
		root:        cfg.Root,
		kinds:       make(map[string][]glob.Glob, len(cfg.Kinds)),
		datePattern: re,
	}
	for kind, patterns := range cfg.Kinds {
		for _, p := range patterns {
			g, err := glob.Compile(p, '/')
			if err != nil {
				return nil, fmt.Errorf("kind %s: invalid pattern %q: %w", kind, p, err)
			}
			s.kinds[kind] = append(s.kinds[kind], g)
		}
	}
	return s, nil
}

// Root returns the directory the selector scans.
func (s *DirSelector) Root() string {
	return s.root
}

// Kinds returns the configured kind names, sorted.
func (s *DirSelector) Kinds() []string {
	kinds := make([]string, 0, len(s.kinds))
	for k := range s.kinds {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Dates returns the distinct dates of a kind, oldest first.
func (s *DirSelector) Dates(ctx context.Context, kind string) ([]string, error) {
	byDate, err := s.scan(ctx, kind)
	if err != nil {
		return nil, err
	}
	dates := make([]string, 0, len(byDate))
	for d := range byDate {
		dates = append(dates, d)
	}
	sort.Strings(dates)
	return dates, nil
}

// Files returns the files of the last n dates of a kind. Files without a
// recognizable date are never selected.
func (s *DirSelector) Files(ctx context.Context, kind string, n int) ([]string, error) {
	stats, err := s.Stats(ctx, kind, n)
	if err != nil {
		return nil, err
	}
	files := make([]string, 0, len(stats))
	for _, st := range stats {
		files = append(files, st.Path)
	}
	return files, nil
}

// Stats returns the files of the last n dates of a kind with the size and
// modification time seen while scanning, sorted by path.
func (s *DirSelector) Stats(ctx context.Context, kind string, n int) ([]engine.FileStat, error) {
	if n <= 0 {
		return nil, fmt.Errorf("dates must be positive, got %d", n)
	}

	byDate, err := s.scan(ctx, kind)
	if err != nil {
		return nil, err
	}
	dates := make([]string, 0, len(byDate))
	for d := range byDate {
		dates = append(dates, d)
	}
	sort.Strings(dates)
	if len(dates) > n {
		dates = dates[len(dates)-n:]
	}

	var stats []engine.FileStat
	for _, d := range dates {
		stats = append(stats, byDate[d]...)
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Path < stats[j].Path })
	return stats, nil
}

// scan groups the files of a kind by date. Files removed while the walk is
// running, such as rotated logs, are left out.
func (s *DirSelector) scan(ctx context.Context, kind string) (map[string][]engine.FileStat, error) {
	globs, ok := s.kinds[kind]
	if !ok {
		return nil, engine.NewConfigurationError(engine.ErrCodeUnknownSelector,
			fmt.Sprintf("unknown file kind %q", kind), nil)
	}

	byDate := make(map[string][]engine.FileStat)
	err := filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p != s.root && errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if !matchAny(globs, rel) {
			return nil
		}
		date := s.dateOf(rel)
		if date == "" {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		byDate[date] = append(byDate[date], engine.FileStat{Path: p, Size: info.Size(), ModTime: info.ModTime()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", s.root, err)
	}
	return byDate, nil
}

// dateOf returns the normalized date found in a relative path, or "".
func (s *DirSelector) dateOf(rel string) string {
	m := s.datePattern.FindStringSubmatch(rel)
	if m == nil {
		return ""
	}
	date := m[0]
	if len(m) > 1 {
		date = m[1]
	}
	return normalizeDate(date)
}

// normalizeDate drops separators so 2014-02-28 and 20140228 sort together.
func normalizeDate(date string) string {
	b := make([]byte, 0, len(date))
	for i := 0; i < len(date); i++ {
		if c := date[i]; c >= '0' && c <= '9' {
			b = append(b, c)
		}
	}
	if len(b) == 0 {
		return date
	}
	return string(b)
}

func matchAny(globs []glob.Glob, name string) bool {
	for _, g := range globs {
		if g.Match(name) {
			return true
		}
	}
	return false
}
