package workspace

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/wzdat/wzdat/pkg/config"
	"github.com/wzdat/wzdat/pkg/document"
	"github.com/wzdat/wzdat/pkg/engine"
	"github.com/wzdat/wzdat/pkg/runner"
	"github.com/wzdat/wzdat/pkg/selector"
	"github.com/wzdat/wzdat/pkg/stores"
	"github.com/wzdat/wzdat/pkg/telemetry"
)

// Workspace is an opened unit directory together with its stores. The
// stores stay open until Close.
type Workspace struct {
	cfg    *config.Config
	logger zerolog.Logger

	historyDB  *stores.SQLiteStore
	artifactDB *stores.SQLiteStore

	history   *stores.RunHistory
	artifacts *stores.ArtifactStore
	selectors *selector.Registry
	documents *document.Store
	runner    *runner.StarlarkRunner
	resolver  *engine.Resolver
}

// Open wires a workspace from its configuration. tel may be nil, in which
// case nothing is logged, measured or published.
func Open(ctx context.Context, cfg *config.Config, tel *telemetry.Telemetry) (*Workspace, error) {
	if err := cfg.Validate(ctx); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if info, err := os.Stat(cfg.UnitDir); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("unit directory %s does not exist", cfg.UnitDir)
	}

	logger := zerolog.Nop()
	var (
		metrics *telemetry.Metrics
		events  *telemetry.EventPublisher
	)
	if tel != nil {
		logger = *tel.Logger.Zerolog()
		metrics = tel.Metrics
		events = tel.Events
	}

	w := &Workspace{
		cfg:    cfg,
		logger: logger.With().Str("component", "workspace").Logger(),
	}

	var err error
	if w.historyDB, err = openStore(ctx, cfg.HistoryDB); err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}
	w.artifactDB = w.historyDB
	if filepath.Clean(cfg.ArtifactDB) != filepath.Clean(cfg.HistoryDB) {
		if w.artifactDB, err = openStore(ctx, cfg.ArtifactDB); err != nil {
			_ = w.historyDB.Close()
			return nil, fmt.Errorf("failed to open artifact database: %w", err)
		}
	}
	w.history = stores.NewRunHistory(w.historyDB)
	w.artifacts = stores.NewArtifactStore(w.artifactDB)

	if w.selectors, err = selector.FromConfig(cfg.Selectors); err != nil {
		_ = w.Close()
		return nil, err
	}
	w.documents = document.NewStore(cfg.UnitDir, config.NewCUEParser(), &logger)

	runnerOpts := runner.Options{
		Cells:     w.documents,
		Artifacts: w.artifacts,
		Files:     w.selectors,
		Logger:    &logger,
		MaxSteps:  cfg.Runner.MaxSteps,
	}
	if metrics != nil {
		runnerOpts.Metrics = metrics
	}
	if w.runner, err = runner.New(runnerOpts); err != nil {
		_ = w.Close()
		return nil, err
	}

	resolverOpts := engine.ResolverOptions{
		Docs:      w.documents,
		History:   w.history,
		Artifacts: w.artifacts,
		Files:     w.selectors,
		Runner:    w.runner,
		Logger:    &logger,
		Timeout:   cfg.Runner.Timeout,
	}
	if metrics != nil {
		resolverOpts.Metrics = metrics
	}
	if events != nil {
		resolverOpts.Events = events
	}
	if w.resolver, err = engine.NewResolver(resolverOpts); err != nil {
		_ = w.Close()
		return nil, err
	}

	w.logger.Debug().
		Str("unit_dir", cfg.UnitDir).
		Str("history_db", cfg.HistoryDB).
		Str("artifact_db", cfg.ArtifactDB).
		Strs("selectors", w.selectors.Owners()).
		Msg("Workspace opened")
	return w, nil
}

func openStore(ctx context.Context, path string) (*stores.SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	s, err := stores.NewSQLiteStore(stores.Config{Path: path})
	if err != nil {
		return nil, err
	}
	if err := s.Open(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Close closes the stores.
func (w *Workspace) Close() error {
	var errs []error
	if w.artifactDB != nil && w.artifactDB != w.historyDB {
		errs = append(errs, w.artifactDB.Close())
	}
	if w.historyDB != nil {
		errs = append(errs, w.historyDB.Close())
	}
	return errors.Join(errs...)
}

// Config returns the configuration the workspace was opened with.
func (w *Workspace) Config() *config.Config {
	return w.cfg
}

// Documents returns the unit document store.
func (w *Workspace) Documents() *document.Store {
	return w.documents
}

// Artifacts returns the artifact store.
func (w *Workspace) Artifacts() *stores.ArtifactStore {
	return w.artifacts
}

// HealthCheck pings the databases.
func (w *Workspace) HealthCheck(ctx context.Context) error {
	if err := w.historyDB.HealthCheck(ctx); err != nil {
		return err
	}
	return w.artifactDB.HealthCheck(ctx)
}

// Resolve runs one resolve pass. With execute false stale units are only
// reported.
func (w *Workspace) Resolve(ctx context.Context, execute bool) (*engine.ResolveResult, error) {
	return w.resolver.Resolve(ctx, execute)
}

// Graph builds the dependency graph of the current documents.
func (w *Workspace) Graph(ctx context.Context) (*engine.Graph, error) {
	return w.resolver.Graph(ctx)
}

// Reconcile resets run records left behind by crashed runs.
func (w *Workspace) Reconcile(ctx context.Context) ([]string, error) {
	orphans, err := w.history.ReconcileOrphans(ctx)
	if err != nil {
		return nil, err
	}
	if len(orphans) > 0 {
		w.logger.Warn().Strs("units", orphans).Msg("Reset orphaned run records")
	}
	return orphans, nil
}

// Purge deletes the run record of a unit and the generated result cell of
// its document, and its published artifact when withArtifact is set. With no
// previous fingerprints left, the next pass runs the unit if it has
// dependencies or its output is missing.
func (w *Workspace) Purge(ctx context.Context, path string, withArtifact bool) error {
	if err := w.history.Purge(ctx, path); err != nil {
		return err
	}
	w.logger.Info().Str("unit", path).Msg("Purged run record")

	if _, err := w.documents.ClearResult(ctx, path); err != nil {
		return fmt.Errorf("failed to clear result cell of %s: %w", path, err)
	}

	if !withArtifact {
		return nil
	}
	m, err := w.documents.Load(ctx, path)
	if err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	out := m.Declaration.PublishedArtifact
	if out == nil {
		return nil
	}
	if err := w.artifacts.Delete(ctx, *out); err != nil && !errors.Is(err, stores.ErrNotFound) {
		return err
	}
	w.logger.Info().Str("unit", path).Str("artifact", out.String()).Msg("Deleted artifact")
	return nil
}

// UnitStatus is the dashboard view of one unit.
type UnitStatus struct {
	Path        string              `json:"path"`
	State       engine.RunState     `json:"state"`
	Scheduled   bool                `json:"scheduled"`
	Output      *engine.ArtifactKey `json:"output,omitempty"`
	CurrentStep int                 `json:"current_step"`
	TotalSteps  int                 `json:"total_steps"`
	StartTime   *time.Time          `json:"start_time,omitempty"`
	Elapsed     *time.Duration      `json:"elapsed,omitempty"`
	MaxMemory   uint64              `json:"max_memory"`
	Error       string              `json:"error,omitempty"`
}

// Status reports the run state of every unit document. Documents that fail
// to load are listed with their error instead of failing the report.
func (w *Workspace) Status(ctx context.Context) ([]UnitStatus, error) {
	paths, err := w.documents.List(ctx)
	if err != nil {
		return nil, err
	}

	records, err := w.history.List(ctx)
	if err != nil {
		return nil, err
	}
	byPath := make(map[string]*engine.RunRecord, len(records))
	for _, rec := range records {
		byPath[rec.Path] = rec
	}

	statuses := make([]UnitStatus, 0, len(paths))
	for _, path := range paths {
		st := UnitStatus{Path: path, State: engine.RunStateNever}

		m, err := w.documents.Load(ctx, path)
		if err != nil {
			st.Error = err.Error()
		} else {
			st.Scheduled = m.Scheduled
			st.Output = m.Declaration.PublishedArtifact
			st.TotalSteps = m.TotalSteps
		}

		if rec, ok := byPath[path]; ok {
			st.State = rec.State()
			st.CurrentStep = rec.CurrentStep
			if rec.TotalSteps > 0 {
				st.TotalSteps = rec.TotalSteps
			}
			st.StartTime = rec.StartTime
			st.Elapsed = rec.Elapsed
			st.MaxMemory = rec.MaxMemory
			if rec.LastError != nil && st.Error == "" {
				st.Error = *rec.LastError
			}
		}
		statuses = append(statuses, st)
	}
	return statuses, nil
}
