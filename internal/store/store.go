package store

import (
	"context"
	"errors"

	"github.com/seantiz/etna/internal/model"
)

// ErrInvalidTransition is returned when a run status transition is not allowed.
var ErrInvalidTransition = errors.New("invalid status transition")

// RunStats holds aggregate execution statistics.
type RunStats struct {
	Total         int            `json:"total"`
	CountByStatus map[string]int `json:"count_by_status"`
	AvgDurationMS float64        `json:"avg_duration_ms"`
}

// Store defines the persistence operations for run history, the script
// key/value namespaces, and files assembled by the transfer protocol.
type Store interface {
	CreateRun(ctx context.Context, r *model.Run) error
	GetRun(ctx context.Context, id string) (*model.Run, error)
	ListRuns(ctx context.Context, limit, offset int) ([]*model.Run, int, error)
	UpdateRunStatus(ctx context.Context, id, status string) error
	FinishRun(ctx context.Context, r *model.Run) error
	GetRunStats(ctx context.Context) (*RunStats, error)

	KVSet(ctx context.Context, namespace, key string, value []byte) error
	KVGet(ctx context.Context, namespace, key string) ([]byte, error)
	KVDelete(ctx context.Context, namespace, key string) error
	KVKeys(ctx context.Context, namespace string) ([]string, error)

	SaveFile(ctx context.Context, f *model.StoredFile, data []byte) error
	GetFile(ctx context.Context, name string) (*model.StoredFile, []byte, error)
	ListFiles(ctx context.Context) ([]model.StoredFile, error)
	DeleteFile(ctx context.Context, name string) error

	Close() error
}
