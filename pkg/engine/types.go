package engine

import (
	"strings"
	"time"
)

// ArtifactKey identifies a published artifact in the shared artifact store.
type ArtifactKey struct {
	// Owner is the namespace of the artifact (usually a user or project).
	Owner string `json:"owner" validate:"required"`

	// Name is the artifact name within the owner namespace.
	Name string `json:"name" validate:"required"`
}

// String returns the "owner/name" form of the key.
func (k ArtifactKey) String() string {
	return k.Owner + "/" + k.Name
}

// FileRef is a reference into the file-selector DSL, for example
// {Selector: "myprj.log", Dates: 10} for the log files of the last ten dates.
type FileRef struct {
	// Selector is "<owner>.<kind>"; the owner part may itself contain dots.
	Selector string `json:"selector" validate:"required"`

	// Dates is how many of the most recent dates to include.
	Dates int `json:"dates" validate:"gt=0"`
}

// Owner returns the registry owner part of the selector.
func (r FileRef) Owner() string {
	i := strings.LastIndex(r.Selector, ".")
	if i < 0 {
		return r.Selector
	}
	return r.Selector[:i]
}

// Kind returns the file kind part of the selector.
func (r FileRef) Kind() string {
	i := strings.LastIndex(r.Selector, ".")
	if i < 0 {
		return ""
	}
	return r.Selector[i+1:]
}

// DependencyDeclaration is the parsed declaration cell of a unit document.
type DependencyDeclaration struct {
	// FileDeps are the raw file-set dependencies.
	FileDeps []FileRef `json:"file_deps,omitempty" validate:"dive"`

	// ArtifactDeps are the artifacts this unit reads.
	ArtifactDeps []ArtifactKey `json:"artifact_deps,omitempty" validate:"dive"`

	// PublishedArtifact is the artifact this unit writes, if any.
	PublishedArtifact *ArtifactKey `json:"published_artifact,omitempty"`

	// Schedule is the external schedule expression. Scheduled units are
	// never resolver entry points.
	Schedule string `json:"schedule,omitempty"`

	// SingleFileDep records that files were declared as one reference
	// rather than a list, so generated fingerprints keep the same shape.
	SingleFileDep bool `json:"-"`

	// SingleArtifactDep is the artifact counterpart of SingleFileDep.
	SingleArtifactDep bool `json:"-"`
}

// Publishes reports whether the unit publishes an artifact.
func (d DependencyDeclaration) Publishes() bool {
	return d.PublishedArtifact != nil
}

// Fingerprint is a cheap, comparable summary of observed state. It holds one
// value per declared dependency; a nil Fingerprint means nothing was observed.
type Fingerprint []int64

// Equal compares two fingerprints element-wise. A nil and an empty
// fingerprint are equal.
func (f Fingerprint) Equal(other Fingerprint) bool {
	if len(f) != len(other) {
		return false
	}
	for i := range f {
		if f[i] != other[i] {
			return false
		}
	}
	return true
}

// ResultCell mirrors the generated result cell of a unit document, written
// only by the engine after a run.
type ResultCell struct {
	// LastRun is when the run started.
	LastRun time.Time `json:"last_run"`

	// Elapsed is the run duration; nil when the run failed.
	Elapsed *time.Duration `json:"elapsed,omitempty"`

	// MaxMemory is the peak memory reported by the runner, in bytes.
	MaxMemory uint64 `json:"max_memory"`

	// Error is the runner or declaration error, empty on success.
	Error string `json:"error,omitempty"`

	// FileFingerprint is the file-set fingerprint observed for the run.
	FileFingerprint Fingerprint `json:"file_fingerprint,omitempty"`

	// ArtifactFingerprint is the artifact fingerprint observed for the run.
	ArtifactFingerprint Fingerprint `json:"artifact_fingerprint,omitempty"`

	// OutputFingerprint is the checksum of the published artifact after the run.
	OutputFingerprint *int64 `json:"output_fingerprint,omitempty"`
}

// Manifest is the machine-relevant view of a unit document at one point in time.
type Manifest struct {
	// Path is the unit document path.
	Path string

	// Declaration is the parsed declaration cell.
	Declaration DependencyDeclaration

	// Previous is the generated result cell of the last run, nil if none.
	Previous *ResultCell

	// ContentFingerprint hashes the author-controlled cells of the document.
	ContentFingerprint int64

	// TotalSteps is the number of executable steps in the unit.
	TotalSteps int

	// Scheduled marks documents triggered by an external schedule.
	Scheduled bool
}

// Unit is one computation document in a resolve pass.
type Unit struct {
	// Path is the unique identity of the unit.
	Path string

	// Manifest is the latest loaded view of the document.
	Manifest *Manifest

	// Scheduled marks units triggered externally.
	Scheduled bool

	// DependsOn lists producer units in declaration order, without duplicates.
	DependsOn []*Unit
}

// Declaration returns the unit's current dependency declaration.
func (u *Unit) Declaration() DependencyDeclaration {
	if u.Manifest == nil {
		return DependencyDeclaration{}
	}
	return u.Manifest.Declaration
}

func (u *Unit) addDependency(producer *Unit) {
	for _, existing := range u.DependsOn {
		if existing == producer {
			return
		}
	}
	u.DependsOn = append(u.DependsOn, producer)
}

// RunRecord is the persisted execution state of one unit.
type RunRecord struct {
	Path                string         `json:"path"`
	StartTime           *time.Time     `json:"start_time,omitempty"`
	Elapsed             *time.Duration `json:"elapsed,omitempty"`
	CurrentStep         int            `json:"current_step"`
	TotalSteps          int            `json:"total_steps"`
	LastError           *string        `json:"last_error,omitempty"`
	FileFingerprint     Fingerprint    `json:"file_fingerprint,omitempty"`
	ArtifactFingerprint Fingerprint    `json:"artifact_fingerprint,omitempty"`
	ContentFingerprint  int64          `json:"content_fingerprint"`
	MaxMemory           uint64         `json:"max_memory"`
	UpdatedAt           time.Time      `json:"updated_at"`
}

// State derives the externally visible run state from the record.
func (r *RunRecord) State() RunState {
	switch {
	case r == nil:
		return RunStateNever
	case r.LastError != nil:
		return RunStateErrored
	case r.Elapsed != nil:
		return RunStateFinished
	case r.StartTime != nil:
		return RunStateRunning
	default:
		return RunStateNever
	}
}

// Orphaned reports the pattern left by a runner that crashed without
// reporting: no error, some progress, no elapsed time.
func (r *RunRecord) Orphaned() bool {
	return r.LastError == nil && r.CurrentStep > 0 && r.Elapsed == nil
}

// Table is a tabular artifact payload.
type Table struct {
	// Columns are the column names.
	Columns []string `json:"columns"`

	// Index holds one label per row; may be empty for positional rows.
	Index []string `json:"index,omitempty"`

	// Rows holds the row values, each row aligned with Columns.
	Rows [][]interface{} `json:"rows"`
}

// RunResult is what a unit runner reports for one execution.
type RunResult struct {
	// UnitPath identifies the executed unit.
	UnitPath string

	// MaxMemory is the peak memory observed during the run, in bytes.
	MaxMemory uint64

	// Err is the execution error, nil on success.
	Err error
}

// UnitReport describes what happened to one unit during a pass.
type UnitReport struct {
	Path     string        `json:"path"`
	Decision Decision      `json:"decision"`
	Reasons  []string      `json:"reasons,omitempty"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
}

// ResolveResult is the outcome of one resolve pass.
type ResolveResult struct {
	// PassID identifies the pass in logs and events.
	PassID string `json:"pass_id"`

	// Resolved lists every visited unit in a valid topological order.
	Resolved []*Unit `json:"-"`

	// Runs lists the units that were actually executed, in execution order.
	Runs []*Unit `json:"-"`

	// Reports holds the per-unit decisions in resolution order.
	Reports []UnitReport `json:"reports"`

	// Orphans lists the records reset by orphan reconciliation.
	Orphans []string `json:"orphans,omitempty"`

	// StartedAt and Duration time the pass.
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

// ResolvedPaths returns the paths of Resolved in order.
func (r *ResolveResult) ResolvedPaths() []string {
	return unitPaths(r.Resolved)
}

// RunPaths returns the paths of Runs in order.
func (r *ResolveResult) RunPaths() []string {
	return unitPaths(r.Runs)
}

func unitPaths(units []*Unit) []string {
	paths := make([]string, len(units))
	for i, u := range units {
		paths[i] = u.Path
	}
	return paths
}

// EventType represents the type of resolver event.
type EventType string

const (
	EventTypePassStarted   EventType = "pass.started"
	EventTypePassCompleted EventType = "pass.completed"
	EventTypePassFailed    EventType = "pass.failed"
	EventTypeUnitStarted   EventType = "unit.started"
	EventTypeUnitCompleted EventType = "unit.completed"
	EventTypeUnitFailed    EventType = "unit.failed"
	EventTypeUnitSkipped   EventType = "unit.skipped"
)

// Event is a resolver timeline event consumed by dashboards.
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	PassID    string                 `json:"pass_id"`
	UnitPath  string                 `json:"unit_path,omitempty"`
	Message   string                 `json:"message"`
	Level     string                 `json:"level"`
	Details   map[string]interface{} `json:"details,omitempty"`
}
