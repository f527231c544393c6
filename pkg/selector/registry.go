package selector

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/wzdat/wzdat/pkg/config"
	"github.com/wzdat/wzdat/pkg/engine"
)

// Selector lists the files of one owner.
type Selector interface {
	// Files returns the files of a kind belonging to the most recent dates,
	// sorted.
	Files(ctx context.Context, kind string, dates int) ([]string, error)
}

// StatSelector is a Selector that reports file metadata together with the
// selection, so fingerprints need no second pass over the file system.
type StatSelector interface {
	Selector

	// Stats returns the selected files with size and modification time,
	// sorted by path.
	Stats(ctx context.Context, kind string, dates int) ([]engine.FileStat, error)
}

// Registry maps owner names to selectors. It resolves file-set references
// for the engine.
type Registry struct {
	// mu protects the registry state.
	mu sync.RWMutex

	// selectors maps owner name to selector.
	selectors map[string]Selector
}

var _ engine.FileSetResolver = (*Registry)(nil)

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		selectors: make(map[string]Selector),
	}
}

// FromConfig builds a registry with one DirSelector per configured owner.
func FromConfig(cfgs []config.SelectorConfig) (*Registry, error) {
	r := NewRegistry()
	for _, cfg := range cfgs {
		s, err := NewDirSelector(cfg)
		if err != nil {
			return nil, fmt.Errorf("selector %s: %w", cfg.Owner, err)
		}
		if err := r.Register(cfg.Owner, s); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a selector under an owner name.
func (r *Registry) Register(owner string, s Selector) error {
	if owner == "" {
		return fmt.Errorf("owner is required")
	}
	if s == nil {
		return fmt.Errorf("selector for %s is nil", owner)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.selectors[owner]; exists {
		return fmt.Errorf("selector for %s already registered", owner)
	}
	r.selectors[owner] = s
	return nil
}

// Lookup returns the selector registered for owner.
func (r *Registry) Lookup(owner string) (Selector, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.selectors[owner]
	return s, ok
}

// Owners returns the registered owner names, sorted.
func (r *Registry) Owners() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	owners := make([]string, 0, len(r.selectors))
	for owner := range r.selectors {
		owners = append(owners, owner)
	}
	sort.Strings(owners)
	return owners
}

// Files resolves a file-set reference into file paths.
func (r *Registry) Files(ctx context.Context, ref engine.FileRef) ([]string, error) {
	s, ok := r.Lookup(ref.Owner())
	if !ok {
		return nil, unknownOwner(ref)
	}
	return s.Files(ctx, ref.Kind(), ref.Dates)
}

// Fingerprint resolves a reference and fingerprints the selected files by
// path, size and modification time.
func (r *Registry) Fingerprint(ctx context.Context, ref engine.FileRef) (int64, error) {
	s, ok := r.Lookup(ref.Owner())
	if !ok {
		return 0, unknownOwner(ref)
	}

	if ss, ok := s.(StatSelector); ok {
		stats, err := ss.Stats(ctx, ref.Kind(), ref.Dates)
		if err != nil {
			return 0, err
		}
		return engine.FileSetFingerprint(stats), nil
	}

	files, err := s.Files(ctx, ref.Kind(), ref.Dates)
	if err != nil {
		return 0, err
	}
	stats, err := engine.StatFiles(files)
	if err != nil {
		return 0, fmt.Errorf("failed to stat files of %s: %w", ref.Selector, err)
	}
	return engine.FileSetFingerprint(stats), nil
}

func unknownOwner(ref engine.FileRef) error {
	return engine.NewConfigurationError(engine.ErrCodeUnknownSelector,
		fmt.Sprintf("no selector registered for owner %q (reference %s)", ref.Owner(), ref.Selector), nil)
}
