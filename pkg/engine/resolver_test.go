package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"
)

// fakeDocs is an in-memory DocumentStore.
type fakeDocs struct {
	mu        sync.Mutex
	manifests map[string]*Manifest
	loadErr   map[string]error
	recorded  map[string]string
}

func newFakeDocs() *fakeDocs {
	return &fakeDocs{
		manifests: make(map[string]*Manifest),
		loadErr:   make(map[string]error),
		recorded:  make(map[string]string),
	}
}

func (d *fakeDocs) add(path string, decl DependencyDeclaration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.manifests[path] = &Manifest{Path: path, Declaration: decl, ContentFingerprint: 1, TotalSteps: 3}
}

func (d *fakeDocs) edit(path string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.manifests[path].ContentFingerprint++
}

func (d *fakeDocs) List(ctx context.Context) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	paths := make([]string, 0, len(d.manifests))
	for p := range d.manifests {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths, nil
}

func (d *fakeDocs) Load(ctx context.Context, path string) (*Manifest, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.loadErr[path]; err != nil {
		return nil, err
	}
	m, ok := d.manifests[path]
	if !ok {
		return nil, fmt.Errorf("no such document: %s", path)
	}
	cp := *m
	if m.Previous != nil {
		prev := *m.Previous
		cp.Previous = &prev
	}
	return &cp, nil
}

func (d *fakeDocs) WriteResult(ctx context.Context, path string, result *ResultCell) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := *result
	d.manifests[path].Previous = &cp
	return nil
}

func (d *fakeDocs) RecordError(ctx context.Context, path string, message string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.recorded[path] = message
	return nil
}

// fakeHistory is an in-memory HistoryStore.
type fakeHistory struct {
	mu      sync.Mutex
	records map[string]*RunRecord
	steps   map[string][]int
	failAll error
}

func newFakeHistory() *fakeHistory {
	return &fakeHistory{records: make(map[string]*RunRecord), steps: make(map[string][]int)}
}

func (h *fakeHistory) record(path string) *RunRecord {
	rec, ok := h.records[path]
	if !ok {
		rec = &RunRecord{Path: path}
		h.records[path] = rec
	}
	return rec
}

func (h *fakeHistory) Reset(ctx context.Context, path string, contentFingerprint int64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.failAll != nil {
		return h.failAll
	}
	rec := h.record(path)
	rec.StartTime, rec.Elapsed, rec.LastError = nil, nil, nil
	rec.CurrentStep, rec.TotalSteps = 0, 0
	rec.ContentFingerprint = contentFingerprint
	return nil
}

func (h *fakeHistory) Start(ctx context.Context, path string, totalSteps int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	rec := h.record(path)
	now := time.Now()
	rec.StartTime = &now
	rec.TotalSteps = totalSteps
	rec.LastError = nil
	return nil
}

func (h *fakeHistory) Step(ctx context.Context, path string, current int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	rec, ok := h.records[path]
	if !ok || rec.StartTime == nil {
		return nil
	}
	rec.CurrentStep = current
	h.steps[path] = append(h.steps[path], current)
	return nil
}

func (h *fakeHistory) Finish(ctx context.Context, path string, runErr error) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	rec := h.record(path)
	if runErr != nil {
		msg := runErr.Error()
		rec.LastError = &msg
		rec.Elapsed = nil
		return nil
	}
	elapsed := time.Second
	rec.Elapsed = &elapsed
	rec.CurrentStep = rec.TotalSteps
	return nil
}

func (h *fakeHistory) ReconcileOrphans(ctx context.Context) ([]string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.failAll != nil {
		return nil, h.failAll
	}
	var orphans []string
	for path, rec := range h.records {
		if rec.Orphaned() {
			h.records[path] = &RunRecord{Path: path, ContentFingerprint: rec.ContentFingerprint}
			orphans = append(orphans, path)
		}
	}
	sort.Strings(orphans)
	return orphans, nil
}

func (h *fakeHistory) CheckErrorAndChanged(ctx context.Context, path string, contentFingerprint int64) (bool, bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	rec, ok := h.records[path]
	if !ok {
		return false, true, nil
	}
	return rec.LastError != nil, rec.ContentFingerprint != contentFingerprint, nil
}

func (h *fakeHistory) RecordFingerprints(ctx context.Context, path string, files, artifacts Fingerprint, maxMemory uint64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	rec := h.record(path)
	rec.FileFingerprint = files
	rec.ArtifactFingerprint = artifacts
	rec.MaxMemory = maxMemory
	return nil
}

// fakeArtifacts is an in-memory ArtifactStore.
type fakeArtifacts struct {
	mu   sync.Mutex
	sums map[ArtifactKey]int64
}

func newFakeArtifacts() *fakeArtifacts {
	return &fakeArtifacts{sums: make(map[ArtifactKey]int64)}
}

func (a *fakeArtifacts) append(k ArtifactKey, rows int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sums[k] += rows
}

func (a *fakeArtifacts) Exists(ctx context.Context, k ArtifactKey) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.sums[k]
	return ok, nil
}

func (a *fakeArtifacts) Checksum(ctx context.Context, k ArtifactKey) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sums[k], nil
}

// fakeFiles maps selectors to file stats.
type fakeFiles struct {
	mu    sync.Mutex
	files map[string][]FileStat
}

func newFakeFiles() *fakeFiles {
	return &fakeFiles{files: make(map[string][]FileStat)}
}

func (f *fakeFiles) add(selector string, stats ...FileStat) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[selector] = append(f.files[selector], stats...)
}

func (f *fakeFiles) Fingerprint(ctx context.Context, ref FileRef) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	stats, ok := f.files[ref.Selector]
	if !ok {
		return 0, fmt.Errorf("unknown selector %s", ref.Selector)
	}
	return FileSetFingerprint(stats), nil
}

// fakeRunner runs per-unit functions and records the call order.
type fakeRunner struct {
	mu    sync.Mutex
	funcs map[string]func(ctx context.Context) error
	calls []string
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{funcs: make(map[string]func(ctx context.Context) error)}
}

func (r *fakeRunner) Execute(ctx context.Context, unit *Unit, step StepFunc) RunResult {
	r.mu.Lock()
	r.calls = append(r.calls, unit.Path)
	fn := r.funcs[unit.Path]
	r.mu.Unlock()

	for i := 1; i <= unit.Manifest.TotalSteps; i++ {
		step(i)
	}
	var err error
	if fn != nil {
		err = fn(ctx)
	}
	return RunResult{UnitPath: unit.Path, MaxMemory: 1024, Err: err}
}

func (r *fakeRunner) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = nil
}

type recordingEvents struct {
	mu     sync.Mutex
	events []*Event
}

func (e *recordingEvents) Publish(ctx context.Context, event *Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, event)
	return nil
}

func (e *recordingEvents) count(t EventType) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, ev := range e.events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

type fixture struct {
	docs      *fakeDocs
	history   *fakeHistory
	artifacts *fakeArtifacts
	files     *fakeFiles
	runner    *fakeRunner
	events    *recordingEvents
	resolver  *Resolver
}

func newFixture(t *testing.T, timeout time.Duration) *fixture {
	t.Helper()
	f := &fixture{
		docs:      newFakeDocs(),
		history:   newFakeHistory(),
		artifacts: newFakeArtifacts(),
		files:     newFakeFiles(),
		runner:    newFakeRunner(),
		events:    &recordingEvents{},
	}
	r, err := NewResolver(ResolverOptions{
		Docs:      f.docs,
		History:   f.history,
		Artifacts: f.artifacts,
		Files:     f.files,
		Runner:    f.runner,
		Events:    f.events,
		Timeout:   timeout,
	})
	if err != nil {
		t.Fatalf("Failed to create resolver: %v", err)
	}
	f.resolver = r
	return f
}

// publisher makes the runner of path append one row to key on every run.
func (f *fixture) publisher(path string, k ArtifactKey) {
	f.runner.funcs[path] = func(ctx context.Context) error {
		f.artifacts.append(k, 1)
		return nil
	}
}

// chain sets up a.ipynb (files) -> b.ipynb -> c.ipynb.
func (f *fixture) chain() {
	f.files.add("prj.log", FileStat{Path: "/data/2024-01-01.log", Size: 10, ModTime: time.Unix(100, 0)})
	f.docs.add("a.ipynb", DependencyDeclaration{
		FileDeps:          []FileRef{{Selector: "prj.log", Dates: 10}},
		PublishedArtifact: keyPtr("prj", "a"),
	})
	f.docs.add("b.ipynb", DependencyDeclaration{
		ArtifactDeps:      []ArtifactKey{key("prj", "a")},
		PublishedArtifact: keyPtr("prj", "b"),
	})
	f.docs.add("c.ipynb", DependencyDeclaration{ArtifactDeps: []ArtifactKey{key("prj", "b")}})
	f.publisher("a.ipynb", key("prj", "a"))
	f.publisher("b.ipynb", key("prj", "b"))
}

func equalPaths(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestNewResolver_RequiresCollaborators(t *testing.T) {
	if _, err := NewResolver(ResolverOptions{}); err == nil {
		t.Fatal("Expected error for empty options, got nil")
	}
}

func TestResolver_TopologicalOrder(t *testing.T) {
	f := newFixture(t, 0)
	f.chain()

	result, err := f.resolver.Resolve(context.Background(), true)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	want := []string{"a.ipynb", "b.ipynb", "c.ipynb"}
	if got := result.ResolvedPaths(); !equalPaths(got, want) {
		t.Errorf("Expected resolved order %v, got %v", want, got)
	}
	if got := result.RunPaths(); !equalPaths(got, want) {
		t.Errorf("Expected runs %v, got %v", want, got)
	}
	if !equalPaths(f.runner.calls, want) {
		t.Errorf("Expected runner calls %v, got %v", want, f.runner.calls)
	}
	for _, rep := range result.Reports {
		if rep.Decision != DecisionExecuted {
			t.Errorf("Expected %s executed, got %s", rep.Path, rep.Decision)
		}
	}
	if result.PassID == "" {
		t.Error("Expected pass ID to be set")
	}
	if n := f.events.count(EventTypeUnitCompleted); n != 3 {
		t.Errorf("Expected 3 unit.completed events, got %d", n)
	}
}

func TestResolver_Idempotent(t *testing.T) {
	f := newFixture(t, 0)
	f.chain()
	ctx := context.Background()

	if _, err := f.resolver.Resolve(ctx, true); err != nil {
		t.Fatalf("First resolve failed: %v", err)
	}

	result, err := f.resolver.Resolve(ctx, true)
	if err != nil {
		t.Fatalf("Second resolve failed: %v", err)
	}
	if len(result.Runs) != 0 {
		t.Errorf("Expected no runs on second pass, got %v", result.RunPaths())
	}
	if len(result.Resolved) != 3 {
		t.Errorf("Expected 3 resolved units, got %d", len(result.Resolved))
	}
	for _, rep := range result.Reports {
		if rep.Decision != DecisionFresh {
			t.Errorf("Expected %s fresh, got %s (%v)", rep.Path, rep.Decision, rep.Reasons)
		}
	}
}

func TestResolver_ReloadAfterDependency(t *testing.T) {
	f := newFixture(t, 0)
	f.chain()
	ctx := context.Background()

	if _, err := f.resolver.Resolve(ctx, true); err != nil {
		t.Fatalf("First resolve failed: %v", err)
	}

	// A new log file makes a.ipynb stale; its run changes prj/a, which must
	// make b.ipynb and then c.ipynb stale within the same pass.
	f.files.add("prj.log", FileStat{Path: "/data/2024-01-02.log", Size: 20, ModTime: time.Unix(200, 0)})
	f.runner.reset()

	result, err := f.resolver.Resolve(ctx, true)
	if err != nil {
		t.Fatalf("Second resolve failed: %v", err)
	}
	want := []string{"a.ipynb", "b.ipynb", "c.ipynb"}
	if got := result.RunPaths(); !equalPaths(got, want) {
		t.Errorf("Expected runs %v, got %v", want, got)
	}
}

func TestResolver_CircularDependency(t *testing.T) {
	f := newFixture(t, 0)
	f.docs.add("a.ipynb", DependencyDeclaration{
		ArtifactDeps:      []ArtifactKey{key("prj", "c")},
		PublishedArtifact: keyPtr("prj", "a"),
	})
	f.docs.add("b.ipynb", DependencyDeclaration{
		ArtifactDeps:      []ArtifactKey{key("prj", "a")},
		PublishedArtifact: keyPtr("prj", "b"),
	})
	f.docs.add("c.ipynb", DependencyDeclaration{
		ArtifactDeps:      []ArtifactKey{key("prj", "b")},
		PublishedArtifact: keyPtr("prj", "c"),
	})

	result, err := f.resolver.Resolve(context.Background(), true)
	if !errors.Is(err, ErrCircularDependency) {
		t.Fatalf("Expected circular dependency error, got %v", err)
	}
	if result != nil {
		t.Errorf("Expected no partial result, got %v", result.ResolvedPaths())
	}
	if len(f.runner.calls) != 0 {
		t.Errorf("Expected no runner calls, got %v", f.runner.calls)
	}

	var ee *EngineError
	if !errors.As(err, &ee) {
		t.Fatalf("Expected EngineError, got %T", err)
	}
	cycle, ok := ee.Details["cycle"].([]string)
	if !ok || len(cycle) != 4 || cycle[0] != cycle[3] {
		t.Errorf("Expected closed cycle of three units, got %v", ee.Details["cycle"])
	}
}

func TestResolver_CycleAmongScheduledUnits(t *testing.T) {
	f := newFixture(t, 0)
	f.docs.add("r.ipynb", DependencyDeclaration{PublishedArtifact: keyPtr("prj", "r")})
	f.publisher("r.ipynb", key("prj", "r"))
	f.docs.add("s1.ipynb", DependencyDeclaration{
		ArtifactDeps:      []ArtifactKey{key("prj", "s2")},
		PublishedArtifact: keyPtr("prj", "s1"),
		Schedule:          "0 * * * *",
	})
	f.docs.manifests["s1.ipynb"].Scheduled = true
	f.docs.add("s2.ipynb", DependencyDeclaration{
		ArtifactDeps:      []ArtifactKey{key("prj", "s1")},
		PublishedArtifact: keyPtr("prj", "s2"),
		Schedule:          "0 * * * *",
	})
	f.docs.manifests["s2.ipynb"].Scheduled = true

	for _, execute := range []bool{false, true} {
		result, err := f.resolver.Resolve(context.Background(), execute)
		if !errors.Is(err, ErrCircularDependency) {
			t.Fatalf("execute=%v: expected circular dependency error, got %v", execute, err)
		}
		if result != nil {
			t.Errorf("execute=%v: expected no partial result, got %v", execute, result.ResolvedPaths())
		}
	}
	if len(f.runner.calls) != 0 {
		t.Errorf("Expected no runner calls, got %v", f.runner.calls)
	}
}

func TestResolver_SelfReferenceBeforeTraversal(t *testing.T) {
	f := newFixture(t, 0)
	f.chain()
	f.docs.add("z.ipynb", DependencyDeclaration{
		ArtifactDeps:      []ArtifactKey{key("prj", "z")},
		PublishedArtifact: keyPtr("prj", "z"),
	})

	result, err := f.resolver.Resolve(context.Background(), true)
	if !errors.Is(err, ErrSelfReference) {
		t.Fatalf("Expected self reference error, got %v", err)
	}
	if result != nil {
		t.Error("Expected nil result")
	}
	if len(f.runner.calls) != 0 {
		t.Errorf("Expected no units to run before the check, got %v", f.runner.calls)
	}
}

func TestResolver_DryRun(t *testing.T) {
	f := newFixture(t, 0)
	f.chain()

	result, err := f.resolver.Resolve(context.Background(), false)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if len(result.Runs) != 0 || len(f.runner.calls) != 0 {
		t.Errorf("Expected no runs in dry run, got %v", result.RunPaths())
	}
	if result.Reports[0].Decision != DecisionDryRun {
		t.Errorf("Expected a.ipynb dry_run, got %s", result.Reports[0].Decision)
	}
}

func TestResolver_FailureSkippedUntilEdited(t *testing.T) {
	f := newFixture(t, 0)
	f.files.add("prj.log", FileStat{Path: "/data/x.log", Size: 1, ModTime: time.Unix(1, 0)})
	f.docs.add("a.ipynb", DependencyDeclaration{
		FileDeps:          []FileRef{{Selector: "prj.log", Dates: 1}},
		PublishedArtifact: keyPtr("prj", "a"),
	})
	f.runner.funcs["a.ipynb"] = func(ctx context.Context) error {
		return errors.New("boom")
	}
	ctx := context.Background()

	result, err := f.resolver.Resolve(ctx, true)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if result.Reports[0].Decision != DecisionFailed {
		t.Fatalf("Expected failed, got %s", result.Reports[0].Decision)
	}
	rec := f.history.records["a.ipynb"]
	if rec.State() != RunStateErrored {
		t.Errorf("Expected errored history state, got %s", rec.State())
	}
	if f.docs.manifests["a.ipynb"].Previous.Error == "" {
		t.Error("Expected error recorded in result cell")
	}

	// The output is still missing, but the unit is unchanged.
	f.runner.reset()
	result, err = f.resolver.Resolve(ctx, true)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if result.Reports[0].Decision != DecisionSkippedError {
		t.Errorf("Expected skipped_error, got %s", result.Reports[0].Decision)
	}
	if len(f.runner.calls) != 0 {
		t.Errorf("Expected no runner calls, got %v", f.runner.calls)
	}

	// Fixing the unit makes it run again.
	f.docs.edit("a.ipynb")
	f.publisher("a.ipynb", key("prj", "a"))
	result, err = f.resolver.Resolve(ctx, true)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if result.Reports[0].Decision != DecisionExecuted {
		t.Errorf("Expected executed after edit, got %s", result.Reports[0].Decision)
	}
}

// A failed unit without an output artifact has nothing missing after its
// run, so only the edit makes it stale again.
func TestResolver_FailedUnitRetriedAfterEdit(t *testing.T) {
	f := newFixture(t, 0)
	f.files.add("prj.log", FileStat{Path: "/data/x.log", Size: 1, ModTime: time.Unix(1, 0)})
	f.docs.add("a.ipynb", DependencyDeclaration{FileDeps: []FileRef{{Selector: "prj.log", Dates: 1}}})
	f.runner.funcs["a.ipynb"] = func(ctx context.Context) error { return errors.New("boom") }
	ctx := context.Background()

	result, err := f.resolver.Resolve(ctx, true)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if result.Reports[0].Decision != DecisionFailed {
		t.Fatalf("Expected failed, got %s", result.Reports[0].Decision)
	}

	f.runner.reset()
	result, err = f.resolver.Resolve(ctx, true)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if got := result.Reports[0].Decision; got != DecisionFresh {
		t.Errorf("Expected unchanged failed unit to stay put, got %s (%v)", got, result.Reports[0].Reasons)
	}

	f.docs.edit("a.ipynb")
	delete(f.runner.funcs, "a.ipynb")

	dry, err := f.resolver.Resolve(ctx, false)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if got := dry.Reports[0]; got.Decision != DecisionDryRun || len(got.Reasons) != 1 || got.Reasons[0] != reasonEditedAfterFailure {
		t.Errorf("Expected dry run for edited unit, got %s (%v)", got.Decision, got.Reasons)
	}

	result, err = f.resolver.Resolve(ctx, true)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if got := result.Reports[0].Decision; got != DecisionExecuted {
		t.Fatalf("Expected edited unit to run, got %s", got)
	}

	f.runner.reset()
	result, err = f.resolver.Resolve(ctx, true)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if len(result.Runs) != 0 {
		t.Errorf("Expected no runs after the fix, got %v", result.RunPaths())
	}
}

func TestResolver_FailureRetriedWhenDependencyChanges(t *testing.T) {
	f := newFixture(t, 0)
	f.files.add("prj.log", FileStat{Path: "/data/x.log", Size: 1, ModTime: time.Unix(1, 0)})
	f.docs.add("a.ipynb", DependencyDeclaration{FileDeps: []FileRef{{Selector: "prj.log", Dates: 1}}})
	f.runner.funcs["a.ipynb"] = func(ctx context.Context) error { return errors.New("boom") }
	ctx := context.Background()

	if _, err := f.resolver.Resolve(ctx, true); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	f.files.add("prj.log", FileStat{Path: "/data/y.log", Size: 2, ModTime: time.Unix(2, 0)})
	f.runner.reset()
	result, err := f.resolver.Resolve(ctx, true)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if len(result.Runs) != 1 {
		t.Errorf("Expected failed unit to be retried after dependency change, got %v", result.RunPaths())
	}
}

func TestResolver_ReconcileOrphans(t *testing.T) {
	f := newFixture(t, 0)
	f.docs.add("a.ipynb", DependencyDeclaration{})
	start := time.Now()
	f.history.records["a.ipynb"] = &RunRecord{Path: "a.ipynb", StartTime: &start, CurrentStep: 2, TotalSteps: 5}

	result, err := f.resolver.Resolve(context.Background(), true)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if len(result.Orphans) != 1 || result.Orphans[0] != "a.ipynb" {
		t.Errorf("Expected a.ipynb reconciled, got %v", result.Orphans)
	}
	rec := f.history.records["a.ipynb"]
	if rec.CurrentStep != 0 || rec.StartTime != nil {
		t.Errorf("Expected orphan record reset, got %+v", rec)
	}
}

func TestResolver_Timeout(t *testing.T) {
	f := newFixture(t, 20*time.Millisecond)
	f.docs.add("slow.ipynb", DependencyDeclaration{PublishedArtifact: keyPtr("prj", "slow")})
	f.runner.funcs["slow.ipynb"] = func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}

	result, err := f.resolver.Resolve(context.Background(), true)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	rep := result.Reports[0]
	if rep.Decision != DecisionFailed {
		t.Fatalf("Expected failed, got %s", rep.Decision)
	}
	rec := f.history.records["slow.ipynb"]
	if rec.LastError == nil {
		t.Fatal("Expected timeout recorded in history")
	}
	if rec.Elapsed != nil {
		t.Error("Expected elapsed unset after timeout")
	}
}

func TestResolver_MalformedDeclaration(t *testing.T) {
	f := newFixture(t, 0)
	f.chain()
	f.docs.loadErr["b.ipynb"] = NewConfigurationError(ErrCodeMalformedDeclaration, "bad literal", nil)

	result, err := f.resolver.Resolve(context.Background(), true)
	if !errors.Is(err, ErrMalformedDeclaration) {
		t.Fatalf("Expected malformed declaration error, got %v", err)
	}
	if result != nil {
		t.Error("Expected nil result")
	}
	if f.docs.recorded["b.ipynb"] == "" {
		t.Error("Expected error written back into the document")
	}
}

func TestResolver_InfrastructureErrorIsFatal(t *testing.T) {
	f := newFixture(t, 0)
	f.chain()
	f.history.failAll = errors.New("disk I/O error")

	result, err := f.resolver.Resolve(context.Background(), true)
	if !IsInfrastructure(err) {
		t.Fatalf("Expected infrastructure error, got %v", err)
	}
	if result != nil {
		t.Error("Expected nil result")
	}
}

func TestResolver_ScheduledUnitsOnlyAsProducers(t *testing.T) {
	f := newFixture(t, 0)
	f.docs.add("cron.ipynb", DependencyDeclaration{PublishedArtifact: keyPtr("prj", "cron"), Schedule: "0 * * * *"})
	f.docs.manifests["cron.ipynb"].Scheduled = true
	f.docs.add("lonely.ipynb", DependencyDeclaration{PublishedArtifact: keyPtr("prj", "lonely"), Schedule: "0 * * * *"})
	f.docs.manifests["lonely.ipynb"].Scheduled = true
	f.docs.add("report.ipynb", DependencyDeclaration{ArtifactDeps: []ArtifactKey{key("prj", "cron")}})
	f.publisher("cron.ipynb", key("prj", "cron"))

	result, err := f.resolver.Resolve(context.Background(), true)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	want := []string{"cron.ipynb", "report.ipynb"}
	if got := result.ResolvedPaths(); !equalPaths(got, want) {
		t.Errorf("Expected resolved %v, got %v", want, got)
	}
}

func TestResolver_StepsRecorded(t *testing.T) {
	f := newFixture(t, 0)
	f.docs.add("a.ipynb", DependencyDeclaration{PublishedArtifact: keyPtr("prj", "a")})
	f.publisher("a.ipynb", key("prj", "a"))

	if _, err := f.resolver.Resolve(context.Background(), true); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	steps := f.history.steps["a.ipynb"]
	if len(steps) != 3 || steps[2] != 3 {
		t.Errorf("Expected steps [1 2 3], got %v", steps)
	}
	rec := f.history.records["a.ipynb"]
	if rec.State() != RunStateFinished || rec.CurrentStep != rec.TotalSteps {
		t.Errorf("Expected finished record, got %+v", rec)
	}
	if rec.MaxMemory != 1024 {
		t.Errorf("Expected max memory 1024, got %d", rec.MaxMemory)
	}
}

// A unit reading 450 log files re-runs when one more file arrives, and the
// unit reading a different kind does not.
func TestResolver_FileSetExample(t *testing.T) {
	f := newFixture(t, 0)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 450; i++ {
		f.files.add("prj.log", FileStat{
			Path:    fmt.Sprintf("/data/prj/log/%03d.log", i),
			Size:    int64(1000 + i),
			ModTime: base.Add(time.Duration(i) * time.Minute),
		})
	}
	f.files.add("prj.cfg", FileStat{Path: "/data/prj/cfg/app.cfg", Size: 12, ModTime: base})
	f.docs.add("logs.ipynb", DependencyDeclaration{FileDeps: []FileRef{{Selector: "prj.log", Dates: 10}}})
	f.docs.add("cfg.ipynb", DependencyDeclaration{FileDeps: []FileRef{{Selector: "prj.cfg", Dates: 1}}})
	ctx := context.Background()

	if _, err := f.resolver.Resolve(ctx, true); err != nil {
		t.Fatalf("First resolve failed: %v", err)
	}
	before, _ := f.files.Fingerprint(ctx, FileRef{Selector: "prj.log", Dates: 10})

	f.files.add("prj.log", FileStat{Path: "/data/prj/log/450.log", Size: 1450, ModTime: base.Add(450 * time.Minute)})
	after, _ := f.files.Fingerprint(ctx, FileRef{Selector: "prj.log", Dates: 10})
	if before == after {
		t.Fatal("Expected fingerprint to change after adding a file")
	}

	f.runner.reset()
	result, err := f.resolver.Resolve(ctx, true)
	if err != nil {
		t.Fatalf("Second resolve failed: %v", err)
	}
	if got := result.RunPaths(); !equalPaths(got, []string{"logs.ipynb"}) {
		t.Errorf("Expected only logs.ipynb to run, got %v", got)
	}
}

func TestResolver_ContextCanceled(t *testing.T) {
	f := newFixture(t, 0)
	f.chain()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := f.resolver.Resolve(ctx, true); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}
