// Package journal persists a record of every bridge call made through the
// HTTP API so operators can inspect recent activity and failure rates.
package journal

import (
	"context"
	"errors"

	"github.com/seantiz/sqlbridge/internal/model"
)

// ErrNotFound is returned when a call record does not exist.
var ErrNotFound = errors.New("call not found")

// CallStats holds aggregate call statistics.
type CallStats struct {
	Total            int            `json:"total"`
	CountByAction    map[string]int `json:"count_by_action"`
	CountByOutcome   map[string]int `json:"count_by_outcome"`
	CountByErrorKind map[string]int `json:"count_by_error_kind"`
	AvgDurationMS    float64        `json:"avg_duration_ms"`
}

// Journal defines the persistence operations for call records.
type Journal interface {
	Record(ctx context.Context, c *model.Call) error
	Get(ctx context.Context, id string) (*model.Call, error)
	List(ctx context.Context, limit, offset int) ([]*model.Call, int, error)
	Stats(ctx context.Context) (*CallStats, error)
	Close() error
}
