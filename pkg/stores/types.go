package stores

import (
	"context"
	"time"

	"github.com/wzdat/wzdat/pkg/engine"
)

// ArtifactInfo describes a stored artifact without its rows.
type ArtifactInfo struct {
	Key       engine.ArtifactKey `json:"key"`
	Checksum  int64              `json:"checksum"`
	RowCount  int64              `json:"row_count"`
	Columns   []string           `json:"columns"` // JSON array in storage
	Format    string             `json:"format"`
	UpdatedAt time.Time          `json:"updated_at"`
}

// Store defines the lifecycle of a persistence backend
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Utility
	HealthCheck(ctx context.Context) error
}

// HistoryReader is the dashboard view of the run history.
type HistoryReader interface {
	Get(ctx context.Context, path string) (*engine.RunRecord, error)
	List(ctx context.Context) ([]*engine.RunRecord, error)
	State(ctx context.Context, path string) (engine.RunState, error)
}

// ArtifactWriter is used by unit runners to publish and read tables.
type ArtifactWriter interface {
	Append(ctx context.Context, key engine.ArtifactKey, table engine.Table) (int64, error)
	Write(ctx context.Context, key engine.ArtifactKey, table engine.Table) (int64, error)
	Read(ctx context.Context, key engine.ArtifactKey) (*engine.Table, error)
}

var (
	_ Store          = (*SQLiteStore)(nil)
	_ HistoryReader  = (*RunHistory)(nil)
	_ ArtifactWriter = (*ArtifactStore)(nil)
)
