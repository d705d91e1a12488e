package backend

import (
	"context"
	"time"

	"spendwise/internal/store"
)

// CleanupFunc releases a backend's resources.
type CleanupFunc func() error

// RunFunc is background work a backend needs while it is in use, such as
// consuming change notifications. It returns when ctx is done.
type RunFunc func(ctx context.Context) error

// BackendResult contains the store and what it needs to run and shut down.
type BackendResult struct {
	Store   store.Store
	Run     RunFunc
	Cleanup CleanupFunc
}

// Factory creates backends based on configuration
type Factory interface {
	CreateBackend(ctx context.Context, config Config) (*BackendResult, error)
}

// Config holds configuration for backend creation
type Config struct {
	Type BackendType

	// SQLite specific
	SQLiteDBPath      string
	SnapshotCacheSize int
	SnapshotCacheTTL  time.Duration
	AMQPURL           string
	AMQPExchange      string
	AMQPQueue         string

	// Postgres specific
	DatabaseURL string
}

// BackendType represents the type of backend
type BackendType string

const (
	MemoryBackend   BackendType = "memory"
	SQLiteBackend   BackendType = "sqlite"
	PostgresBackend BackendType = "postgres"
)

func (bt BackendType) String() string {
	return string(bt)
}

func (bt BackendType) IsValid() bool {
	switch bt {
	case MemoryBackend, SQLiteBackend, PostgresBackend:
		return true
	default:
		return false
	}
}
