package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/wzdat/wzdat/pkg/engine"

// ResolverOptions configures a Resolver. Docs, History, Artifacts, Files and
// Runner are required.
type ResolverOptions struct {
	Docs      DocumentStore
	History   HistoryStore
	Artifacts ArtifactStore
	Files     FileSetResolver
	Runner    UnitRunner

	// Events receives timeline events; optional.
	Events EventPublisher

	// Metrics receives measurements; optional.
	Metrics MetricsRecorder

	// Logger defaults to a disabled logger.
	Logger *zerolog.Logger

	// Timeout bounds a single unit execution. Zero means no limit.
	Timeout time.Duration
}

// Resolver walks the unit graph depth-first, decides which units are stale
// and runs them in dependency order.
type Resolver struct {
	docs      DocumentStore
	history   HistoryStore
	artifacts ArtifactStore
	files     FileSetResolver
	runner    UnitRunner
	events    EventPublisher
	metrics   MetricsRecorder
	logger    zerolog.Logger
	timeout   time.Duration
	tracer    trace.Tracer
}

// NewResolver creates a resolver.
func NewResolver(opts ResolverOptions) (*Resolver, error) {
	switch {
	case opts.Docs == nil:
		return nil, errors.New("resolver: document store is required")
	case opts.History == nil:
		return nil, errors.New("resolver: history store is required")
	case opts.Artifacts == nil:
		return nil, errors.New("resolver: artifact store is required")
	case opts.Files == nil:
		return nil, errors.New("resolver: file-set resolver is required")
	case opts.Runner == nil:
		return nil, errors.New("resolver: unit runner is required")
	}

	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = opts.Logger.With().Str("component", "resolver").Logger()
	}
	var metrics MetricsRecorder = noopMetrics{}
	if opts.Metrics != nil {
		metrics = opts.Metrics
	}

	return &Resolver{
		docs:      opts.Docs,
		history:   opts.History,
		artifacts: opts.Artifacts,
		files:     opts.Files,
		runner:    opts.Runner,
		events:    opts.Events,
		metrics:   metrics,
		logger:    logger,
		timeout:   opts.Timeout,
		tracer:    otel.Tracer(tracerName),
	}, nil
}

// Scan loads every unit document. A malformed declaration is written back
// into the offending document and aborts the scan.
func (r *Resolver) Scan(ctx context.Context) ([]*Unit, error) {
	paths, err := r.docs.List(ctx)
	if err != nil {
		return nil, NewInfrastructureError(ErrCodeDocumentIO, "failed to list unit documents", err)
	}

	units := make([]*Unit, 0, len(paths))
	for _, path := range paths {
		m, err := r.load(ctx, path)
		if err != nil {
			return nil, err
		}
		units = append(units, &Unit{Path: path, Manifest: m, Scheduled: m.Scheduled})
	}
	return units, nil
}

// Graph scans the documents and builds the dependency graph without
// touching run history.
func (r *Resolver) Graph(ctx context.Context) (*Graph, error) {
	units, err := r.Scan(ctx)
	if err != nil {
		return nil, err
	}
	return NewGraphBuilder().Build(units)
}

// load reads a manifest, recording declaration errors in the document.
func (r *Resolver) load(ctx context.Context, path string) (*Manifest, error) {
	m, err := r.docs.Load(ctx, path)
	if err == nil {
		return m, nil
	}
	if !errors.Is(err, ErrMalformedDeclaration) {
		if IsConfiguration(err) || IsInfrastructure(err) {
			return nil, err
		}
		return nil, NewInfrastructureError(ErrCodeDocumentIO, "failed to load unit document", err).WithUnit(path)
	}

	if werr := r.docs.RecordError(ctx, path, err.Error()); werr != nil {
		r.logger.Error().Err(werr).Str("unit", path).Msg("failed to record declaration error")
	}
	var ee *EngineError
	if errors.As(err, &ee) && ee.Unit == "" {
		ee.Unit = path
	}
	return nil, err
}

// Resolve runs one pass. With execute false, stale units are only reported.
// Configuration and infrastructure errors abort the pass and no partial
// result is returned; runner failures are recorded per unit.
func (r *Resolver) Resolve(ctx context.Context, execute bool) (result *ResolveResult, err error) {
	result = &ResolveResult{
		PassID:    uuid.New().String(),
		StartedAt: time.Now(),
	}
	logger := r.logger.With().Str("pass_id", result.PassID).Logger()

	ctx, span := r.tracer.Start(ctx, "resolve",
		trace.WithAttributes(
			attribute.String("pass.id", result.PassID),
			attribute.Bool("pass.execute", execute),
		))
	defer span.End()

	r.metrics.RecordPassStarted()
	r.publish(ctx, &Event{Type: EventTypePassStarted, PassID: result.PassID, Message: "Resolve pass started", Level: "info"})
	logger.Info().Bool("execute", execute).Msg("Resolve pass started")

	defer func() {
		result.Duration = time.Since(result.StartedAt)
		if err == nil {
			r.metrics.RecordPassCompleted("success", result.Duration)
			r.publish(ctx, &Event{
				Type:    EventTypePassCompleted,
				PassID:  result.PassID,
				Message: fmt.Sprintf("Resolve pass completed: %d resolved, %d run", len(result.Resolved), len(result.Runs)),
				Level:   "info",
			})
			logger.Info().
				Int("resolved", len(result.Resolved)).
				Int("runs", len(result.Runs)).
				Dur("duration", result.Duration).
				Msg("Resolve pass completed")
			return
		}

		if IsConfiguration(err) {
			r.metrics.RecordConfigurationError(CodeOf(err))
		}
		r.metrics.RecordPassCompleted("failed", result.Duration)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.publish(ctx, &Event{Type: EventTypePassFailed, PassID: result.PassID, Message: err.Error(), Level: "error"})
		logger.Error().Err(err).Msg("Resolve pass failed")
		result = nil
	}()

	orphans, err := r.history.ReconcileOrphans(ctx)
	if err != nil {
		return result, storeError("failed to reconcile orphaned runs", err)
	}
	result.Orphans = orphans
	if len(orphans) > 0 {
		r.metrics.RecordOrphansReconciled(len(orphans))
		logger.Warn().Strs("units", orphans).Msg("Reset orphaned run records")
	}

	graph, err := r.Graph(ctx)
	if err != nil {
		return result, err
	}

	// Scheduled units are entered only through their consumers, so a cycle
	// among them would never be walked.
	if cycle := graph.FindCycle(); cycle != nil {
		return result, NewConfigurationError(ErrCodeCircularDependency,
			fmt.Sprintf("dependency cycle: %s", formatCycle(cycle)), nil).
			WithUnit(cycle[0]).WithDetail("cycle", cycle)
	}

	w := &walker{
		resolver: r,
		execute:  execute,
		result:   result,
		logger:   logger,
		state:    make(map[string]UnitState, len(graph.Units)),
	}
	for _, u := range graph.Roots() {
		if w.state[u.Path] != UnitStateUnvisited {
			continue
		}
		if err := w.visit(ctx, u); err != nil {
			return result, err
		}
	}

	return result, nil
}

// walker holds the state of one depth-first walk.
type walker struct {
	resolver *Resolver
	execute  bool
	result   *ResolveResult
	logger   zerolog.Logger
	state    map[string]UnitState
	stack    []string
}

func (w *walker) visit(ctx context.Context, u *Unit) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	w.state[u.Path] = UnitStateInProgress
	w.stack = append(w.stack, u.Path)

	for _, producer := range u.DependsOn {
		switch w.state[producer.Path] {
		case UnitStateResolved:
			continue
		case UnitStateInProgress:
			cycle := w.cycleFrom(producer.Path)
			return NewConfigurationError(ErrCodeCircularDependency,
				fmt.Sprintf("dependency cycle: %s", formatCycle(cycle)), nil).
				WithUnit(u.Path).WithDetail("cycle", cycle)
		default:
			if err := w.visit(ctx, producer); err != nil {
				return err
			}
		}
	}

	report, err := w.resolver.resolveUnit(ctx, u, w.execute, w.result.PassID, w.logger)
	if err != nil {
		return err
	}

	w.stack = w.stack[:len(w.stack)-1]
	w.state[u.Path] = UnitStateResolved
	w.result.Resolved = append(w.result.Resolved, u)
	w.result.Reports = append(w.result.Reports, report)
	if report.Decision.Ran() {
		w.result.Runs = append(w.result.Runs, u)
	}
	return nil
}

// cycleFrom returns the stack suffix starting at path, closed with path.
func (w *walker) cycleFrom(path string) []string {
	for i, p := range w.stack {
		if p == path {
			cycle := make([]string, 0, len(w.stack)-i+1)
			cycle = append(cycle, w.stack[i:]...)
			return append(cycle, path)
		}
	}
	return []string{path}
}

// Staleness reasons reported per unit.
const (
	reasonFilesChanged       = "file dependencies changed"
	reasonArtifactsChanged   = "artifact dependencies changed"
	reasonOutputMissing      = "output artifact missing"
	reasonEditedAfterFailure = "edited since failed run"
)

// observation is the dependency state of a unit at decision time.
type observation struct {
	files         Fingerprint
	artifacts     Fingerprint
	outputMissing bool
	hadError      bool
	changed       bool
}

func (o observation) reasons(prev *ResultCell, decl DependencyDeclaration) []string {
	var prevFiles, prevArtifacts Fingerprint
	if prev != nil {
		prevFiles = prev.FileFingerprint
		prevArtifacts = prev.ArtifactFingerprint
	}

	var reasons []string
	if len(decl.FileDeps) > 0 && !o.files.Equal(prevFiles) {
		reasons = append(reasons, reasonFilesChanged)
	}
	if len(decl.ArtifactDeps) > 0 && !o.artifacts.Equal(prevArtifacts) {
		reasons = append(reasons, reasonArtifactsChanged)
	}
	if o.outputMissing {
		reasons = append(reasons, reasonOutputMissing)
	}
	if o.hadError && o.changed {
		reasons = append(reasons, reasonEditedAfterFailure)
	}
	return reasons
}

func (r *Resolver) observe(ctx context.Context, u *Unit) (observation, error) {
	var obs observation
	decl := u.Declaration()

	if len(decl.FileDeps) > 0 {
		obs.files = make(Fingerprint, 0, len(decl.FileDeps))
		for _, ref := range decl.FileDeps {
			fp, err := r.files.Fingerprint(ctx, ref)
			if err != nil {
				var ee *EngineError
				if errors.As(err, &ee) {
					return obs, ee.WithUnit(u.Path)
				}
				return obs, NewInfrastructureError(ErrCodeSelectorFailed,
					fmt.Sprintf("failed to resolve file set %s", ref.Selector), err).WithUnit(u.Path)
			}
			obs.files = append(obs.files, fp)
		}
	}

	if len(decl.ArtifactDeps) > 0 {
		obs.artifacts = make(Fingerprint, 0, len(decl.ArtifactDeps))
		for _, key := range decl.ArtifactDeps {
			sum, err := r.artifacts.Checksum(ctx, key)
			if err != nil {
				return obs, storeError("failed to read artifact checksum", err).WithUnit(u.Path).WithKey(key)
			}
			obs.artifacts = append(obs.artifacts, sum)
		}
	}

	if out := decl.PublishedArtifact; out != nil {
		exists, err := r.artifacts.Exists(ctx, *out)
		if err != nil {
			return obs, storeError("failed to check output artifact", err).WithUnit(u.Path).WithKey(*out)
		}
		obs.outputMissing = !exists
	}

	hadError, changed, err := r.history.CheckErrorAndChanged(ctx, u.Path, u.Manifest.ContentFingerprint)
	if err != nil {
		return obs, storeError("failed to read run history", err).WithUnit(u.Path)
	}
	obs.hadError = hadError
	obs.changed = changed
	return obs, nil
}

// resolveUnit reloads the unit, decides whether it is stale and runs it when
// execution is enabled.
func (r *Resolver) resolveUnit(ctx context.Context, u *Unit, execute bool, passID string, logger zerolog.Logger) (UnitReport, error) {
	report := UnitReport{Path: u.Path}
	logger = logger.With().Str("unit", u.Path).Logger()

	// Producers may have rewritten state this unit depends on.
	m, err := r.load(ctx, u.Path)
	if err != nil {
		return report, err
	}
	u.Manifest = m

	obs, err := r.observe(ctx, u)
	if err != nil {
		return report, err
	}

	report.Reasons = obs.reasons(m.Previous, m.Declaration)
	depsChanged := false
	for _, reason := range report.Reasons {
		if reason == reasonFilesChanged || reason == reasonArtifactsChanged {
			depsChanged = true
		}
	}

	switch {
	case len(report.Reasons) == 0:
		report.Decision = DecisionFresh
		logger.Debug().Msg("Unit is fresh")
	case !execute:
		report.Decision = DecisionDryRun
		logger.Info().Strs("reasons", report.Reasons).Msg("Unit is stale")
	case obs.hadError && !obs.changed && !depsChanged:
		report.Decision = DecisionSkippedError
		logger.Warn().Strs("reasons", report.Reasons).
			Msg("Unit failed on its last run and has not changed since; skipping")
		r.publish(ctx, &Event{
			Type:     EventTypeUnitSkipped,
			PassID:   passID,
			UnitPath: u.Path,
			Message:  "Unit skipped: unfixed error",
			Level:    "warn",
		})
	default:
		logger.Info().Strs("reasons", report.Reasons).Msg("Unit is stale; running")
		if err := r.run(ctx, u, obs, passID, logger, &report); err != nil {
			return report, err
		}
	}

	r.metrics.RecordUnitDecision(string(report.Decision))
	return report, nil
}

// run executes one unit and records the outcome in history and document.
func (r *Resolver) run(ctx context.Context, u *Unit, obs observation, passID string, logger zerolog.Logger, report *UnitReport) error {
	m := u.Manifest

	if err := r.history.Reset(ctx, u.Path, m.ContentFingerprint); err != nil {
		return storeError("failed to reset run record", err).WithUnit(u.Path)
	}
	if err := r.history.Start(ctx, u.Path, m.TotalSteps); err != nil {
		return storeError("failed to start run record", err).WithUnit(u.Path)
	}

	r.publish(ctx, &Event{Type: EventTypeUnitStarted, PassID: passID, UnitPath: u.Path, Message: "Unit started", Level: "info"})

	runCtx, span := r.tracer.Start(ctx, "unit.execute",
		trace.WithAttributes(
			attribute.String("unit.path", u.Path),
			attribute.Int("unit.total_steps", m.TotalSteps),
		))
	if r.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(runCtx, r.timeout)
		defer cancel()
	}

	var stepErr error
	started := time.Now()
	res := r.runner.Execute(runCtx, u, func(current int) {
		if stepErr != nil {
			return
		}
		if err := r.history.Step(ctx, u.Path, current); err != nil {
			stepErr = err
		}
	})
	elapsed := time.Since(started)

	runErr := res.Err
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		runErr = NewExecutionError(ErrCodeRunnerTimeout,
			fmt.Sprintf("unit exceeded timeout of %s", r.timeout), res.Err).WithUnit(u.Path)
	}
	if err := ctx.Err(); err != nil && runErr == nil {
		runErr = NewExecutionError(ErrCodeRunnerFailed, "unit run interrupted", err).WithUnit(u.Path)
	}
	if runErr != nil {
		span.RecordError(runErr)
		span.SetStatus(codes.Error, runErr.Error())
	}
	span.End()

	// The record is closed even when the pass was interrupted, otherwise it
	// would be left looking like a crashed run.
	if err := r.history.Finish(context.WithoutCancel(ctx), u.Path, runErr); err != nil {
		return storeError("failed to finish run record", err).WithUnit(u.Path)
	}
	if err := ctx.Err(); err != nil {
		logger.Warn().Err(runErr).Msg("Unit interrupted")
		return err
	}
	if stepErr != nil {
		return storeError("failed to record progress", stepErr).WithUnit(u.Path)
	}

	cell := &ResultCell{
		LastRun:             started,
		MaxMemory:           res.MaxMemory,
		FileFingerprint:     obs.files,
		ArtifactFingerprint: obs.artifacts,
	}
	if runErr == nil {
		cell.Elapsed = &elapsed
	} else {
		cell.Error = runErr.Error()
	}
	if out := m.Declaration.PublishedArtifact; out != nil {
		exists, err := r.artifacts.Exists(ctx, *out)
		if err != nil {
			return storeError("failed to check output artifact", err).WithUnit(u.Path).WithKey(*out)
		}
		if exists {
			sum, err := r.artifacts.Checksum(ctx, *out)
			if err != nil {
				return storeError("failed to read output checksum", err).WithUnit(u.Path).WithKey(*out)
			}
			cell.OutputFingerprint = &sum
		}
	}

	if err := r.docs.WriteResult(ctx, u.Path, cell); err != nil {
		return NewInfrastructureError(ErrCodeDocumentIO, "failed to write result cell", err).WithUnit(u.Path)
	}
	if err := r.history.RecordFingerprints(ctx, u.Path, obs.files, obs.artifacts, res.MaxMemory); err != nil {
		return storeError("failed to record fingerprints", err).WithUnit(u.Path)
	}

	report.Duration = elapsed
	if runErr != nil {
		report.Decision = DecisionFailed
		report.Error = runErr.Error()
		r.metrics.RecordUnitRun("failed", elapsed)
		r.publish(ctx, &Event{
			Type:     EventTypeUnitFailed,
			PassID:   passID,
			UnitPath: u.Path,
			Message:  runErr.Error(),
			Level:    "error",
		})
		logger.Error().Err(runErr).Dur("elapsed", elapsed).Msg("Unit failed")
		return nil
	}

	report.Decision = DecisionExecuted
	r.metrics.RecordUnitRun("success", elapsed)
	r.publish(ctx, &Event{
		Type:     EventTypeUnitCompleted,
		PassID:   passID,
		UnitPath: u.Path,
		Message:  "Unit completed",
		Level:    "info",
		Details:  map[string]interface{}{"elapsed_ms": elapsed.Milliseconds(), "max_memory": res.MaxMemory},
	})
	logger.Info().Dur("elapsed", elapsed).Uint64("max_memory", res.MaxMemory).Msg("Unit completed")
	return nil
}

func (r *Resolver) publish(ctx context.Context, event *Event) {
	if r.events == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if err := r.events.Publish(ctx, event); err != nil {
		r.logger.Debug().Err(err).Str("event", string(event.Type)).Msg("failed to publish event")
	}
}
