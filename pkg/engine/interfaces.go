package engine

import (
	"context"
	"time"
)

// DocumentStore reads and writes the machine-relevant sections of unit
// documents. Implementations must never touch any other part of a document.
type DocumentStore interface {
	// List returns every unit document path, sorted.
	List(ctx context.Context) ([]string, error)

	// Load parses the declaration and generated result cells. A declaration
	// that does not match the schema yields ErrMalformedDeclaration.
	Load(ctx context.Context, path string) (*Manifest, error)

	// WriteResult overwrites the generated result cell.
	WriteResult(ctx context.Context, path string, result *ResultCell) error

	// RecordError writes an error into the generated result cell, keeping
	// any previously recorded fingerprints.
	RecordError(ctx context.Context, path string, message string) error
}

// HistoryStore persists per-unit execution state across invocations.
type HistoryStore interface {
	// Reset clears progress, error and timestamps and records the unit's
	// current own-content fingerprint.
	Reset(ctx context.Context, path string, contentFingerprint int64) error

	// Start records the start time and step count and clears the error.
	Start(ctx context.Context, path string, totalSteps int) error

	// Step updates live progress. It is a no-op without an active record.
	Step(ctx context.Context, path string, current int) error

	// Finish records elapsed time on success or the error on failure.
	Finish(ctx context.Context, path string, runErr error) error

	// ReconcileOrphans resets records left behind by crashed runs and
	// returns their paths.
	ReconcileOrphans(ctx context.Context) ([]string, error)

	// CheckErrorAndChanged reports whether the last run failed and whether
	// the document content changed since the last reset.
	CheckErrorAndChanged(ctx context.Context, path string, contentFingerprint int64) (hadError bool, changed bool, err error)

	// RecordFingerprints stores the dependency fingerprints observed for a run.
	RecordFingerprints(ctx context.Context, path string, files, artifacts Fingerprint, maxMemory uint64) error
}

// ArtifactStore is the read side of the shared artifact store used for
// staleness decisions.
type ArtifactStore interface {
	// Exists reports whether the artifact has been written.
	Exists(ctx context.Context, key ArtifactKey) (bool, error)

	// Checksum returns the accumulated checksum, 0 if never written.
	Checksum(ctx context.Context, key ArtifactKey) (int64, error)
}

// FileSetResolver resolves a file-set reference into its fingerprint.
type FileSetResolver interface {
	Fingerprint(ctx context.Context, ref FileRef) (int64, error)
}

// StepFunc receives monotonically increasing step numbers from a runner.
type StepFunc func(current int)

// UnitRunner executes a unit's code. A runner that crashes the process
// cannot report; orphan reconciliation covers that case.
type UnitRunner interface {
	Execute(ctx context.Context, unit *Unit, step StepFunc) RunResult
}

// EventPublisher publishes resolver events.
type EventPublisher interface {
	Publish(ctx context.Context, event *Event) error
}

// MetricsRecorder receives resolver measurements.
type MetricsRecorder interface {
	RecordPassStarted()
	RecordPassCompleted(status string, duration time.Duration)
	RecordUnitDecision(decision string)
	RecordUnitRun(status string, duration time.Duration)
	RecordConfigurationError(code string)
	RecordOrphansReconciled(count int)
}

type noopMetrics struct{}

func (noopMetrics) RecordPassStarted() {}
func (noopMetrics) RecordPassCompleted(string, time.Duration) {}
func (noopMetrics) RecordUnitDecision(string) {}
func (noopMetrics) RecordUnitRun(string, time.Duration) {}
func (noopMetrics) RecordConfigurationError(string) {}
func (noopMetrics) RecordOrphansReconciled(int) {}
