package config

import (
	"time"

	"github.com/wzdat/wzdat/pkg/telemetry"
)

// Config is the workspace configuration read from wzdat.yaml.
type Config struct {
	// UnitDir is the directory scanned for unit documents.
	UnitDir string `yaml:"unit_dir" json:"unit_dir" validate:"required"`

	// DataDir is the root of the raw data files; watched for changes.
	DataDir string `yaml:"data_dir" json:"data_dir,omitempty"`

	// HistoryDB is the SQLite file holding the run history.
	HistoryDB string `yaml:"history_db" json:"history_db" validate:"required"`

	// ArtifactDB is the SQLite file holding published artifacts. It may be
	// the same file as HistoryDB.
	ArtifactDB string `yaml:"artifact_db" json:"artifact_db" validate:"required"`

	// Runner configures unit execution.
	Runner RunnerConfig `yaml:"runner" json:"runner"`

	// Selectors registers the file-set owners units may reference.
	Selectors []SelectorConfig `yaml:"selectors" json:"selectors" validate:"dive"`

	// Watch configures the watch command.
	Watch WatchConfig `yaml:"watch" json:"watch"`

	// Telemetry configures logging, metrics, tracing and events.
	Telemetry telemetry.Config `yaml:"telemetry" json:"telemetry"`
}

// RunnerConfig configures unit execution.
type RunnerConfig struct {
	// Timeout bounds one unit run; zero disables the limit.
	Timeout time.Duration `yaml:"timeout" json:"timeout" validate:"gte=0"`

	// MaxSteps bounds the Starlark execution steps of one cell; zero
	// disables the limit.
	MaxSteps uint64 `yaml:"max_steps" json:"max_steps"`
}

// SelectorConfig registers one file selector owner.
type SelectorConfig struct {
	// Owner is the name used in "<owner>.<kind>" references.
	Owner string `yaml:"owner" json:"owner" validate:"required"`

	// Root is the directory holding the owner's files.
	Root string `yaml:"root" json:"root" validate:"required"`

	// Kinds maps kind names to glob patterns relative to Root.
	Kinds map[string][]string `yaml:"kinds" json:"kinds" validate:"required,min=1"`

	// DatePattern is a regular expression extracting the date from a file
	// name. Its first capture group (or the whole match) is the date.
	DatePattern string `yaml:"date_pattern" json:"date_pattern,omitempty"`
}

// WatchConfig configures the watch command.
type WatchConfig struct {
	// Debounce is how long changes must settle before a pass starts.
	Debounce time.Duration `yaml:"debounce" json:"debounce" validate:"gte=0"`

	// Paths are extra directories to watch besides UnitDir and DataDir.
	Paths []string `yaml:"paths" json:"paths,omitempty"`
}

// ValidationError represents a configuration validation error.
type ValidationError struct {
	// File is the source file where the error occurred.
	File string `json:"file,omitempty"`

	// Line is the line number where the error occurred.
	Line int `json:"line,omitempty"`

	// Column is the column number where the error occurred.
	Column int `json:"column,omitempty"`

	// Message is the error message.
	Message string `json:"message"`

	// Severity is the error severity (error, warning, info).
	Severity string `json:"severity"`
}
