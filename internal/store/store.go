package store

import (
	"context"
	"errors"
	"time"

	"github.com/seantiz/kiln/internal/model"
)

// ErrInvalidTransition is returned when a run status transition is not allowed.
var ErrInvalidTransition = errors.New("invalid status transition")

// RunStats holds aggregate run statistics.
type RunStats struct {
	Total         int            `json:"total"`
	CountByStatus map[string]int `json:"count_by_status"`
	CountByType   map[string]int `json:"count_by_type"`
	AvgDurationMS float64        `json:"avg_duration_ms"`
}

// Store is the run history ledger. It outlives the in-memory run registry
// and is never consulted to decide whether a run is active.
type Store interface {
	RecordStart(ctx context.Context, r *model.RunRecord) error
	RecordStop(ctx context.Context, runID string, status model.State, errMsg string, finishedAt time.Time) error
	GetRun(ctx context.Context, runID string) (*model.RunRecord, error)
	ListRuns(ctx context.Context, limit, offset int) ([]*model.RunRecord, int, error)
	ListProgramRuns(ctx context.Context, id model.ProgramIdentity, limit, offset int) ([]*model.RunRecord, int, error)
	GetRunStats(ctx context.Context) (*RunStats, error)
	InsertRunEvent(ctx context.Context, ev model.RunEvent) error
	GetRunEvents(ctx context.Context, runID string) ([]model.RunEvent, error)
	Close() error
}
