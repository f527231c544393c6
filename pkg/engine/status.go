package engine

import "fmt"

// UnitState is the per-unit state of the depth-first walk during one pass.
type UnitState int

const (
	// UnitStateUnvisited indicates the walk has not reached the unit yet.
	UnitStateUnvisited UnitState = iota

	// UnitStateInProgress indicates the unit is on the current DFS stack.
	// Reaching it again before it resolves means a cycle.
	UnitStateInProgress

	// UnitStateResolved indicates the unit and all its producers are done.
	UnitStateResolved
)

// String returns the state name.
func (s UnitState) String() string {
	switch s {
	case UnitStateUnvisited:
		return "unvisited"
	case UnitStateInProgress:
		return "in_progress"
	case UnitStateResolved:
		return "resolved"
	default:
		return fmt.Sprintf("unit_state(%d)", int(s))
	}
}

// Decision is what the resolver did with a unit.
type Decision string

const (
	// DecisionFresh indicates nothing changed since the last run.
	DecisionFresh Decision = "fresh"

	// DecisionDryRun indicates execution was disabled for the pass.
	DecisionDryRun Decision = "dry_run"

	// DecisionSkippedError indicates the unit failed last time and its
	// author has not touched it since.
	DecisionSkippedError Decision = "skipped_error"

	// DecisionExecuted indicates the unit ran successfully.
	DecisionExecuted Decision = "executed"

	// DecisionFailed indicates the unit ran and the runner reported failure.
	DecisionFailed Decision = "failed"
)

// Ran reports whether the decision involved invoking the runner.
func (d Decision) Ran() bool {
	return d == DecisionExecuted || d == DecisionFailed
}

// RunState is the dashboard view of a run record.
type RunState string

const (
	// RunStateNever indicates the unit has no recorded run.
	RunStateNever RunState = "never"

	// RunStateRunning indicates a run started and has not finished.
	RunStateRunning RunState = "running"

	// RunStateFinished indicates the last run succeeded.
	RunStateFinished RunState = "finished"

	// RunStateErrored indicates the last run failed.
	RunStateErrored RunState = "errored"
)

// Validate checks if the run state is valid.
func (s RunState) Validate() error {
	switch s {
	case RunStateNever, RunStateRunning, RunStateFinished, RunStateErrored:
		return nil
	default:
		return fmt.Errorf("invalid run state: %s", s)
	}
}
