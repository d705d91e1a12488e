package backend

import (
	"context"
	"errors"
	"fmt"

	"spendwise/internal/amqp"
	"spendwise/internal/log"
	"spendwise/internal/store/memory"
	"spendwise/internal/store/postgres"
	"spendwise/internal/store/sqlite"
)

// DefaultFactory implements the Factory interface
type DefaultFactory struct {
	logger *log.Logger
}

func NewFactory(logger *log.Logger) Factory {
	if logger == nil {
		logger = log.Discard()
	}
	return &DefaultFactory{logger: logger.WithComponent(log.ComponentBackend)}
}

func (f *DefaultFactory) CreateBackend(ctx context.Context, config Config) (*BackendResult, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	switch config.Type {
	case MemoryBackend:
		return f.createMemoryBackend()
	case SQLiteBackend:
		return f.createSQLiteBackend(config)
	case PostgresBackend:
		return f.createPostgresBackend(ctx, config)
	default:
		return nil, fmt.Errorf("unsupported backend type: %s", config.Type)
	}
}

func (f *DefaultFactory) createMemoryBackend() (*BackendResult, error) {
	st := memory.New()
	f.logger.Info("Initialized memory backend")
	return &BackendResult{Store: st, Cleanup: st.Close}, nil
}

func (f *DefaultFactory) createSQLiteBackend(config Config) (*BackendResult, error) {
	// AMQP is optional; without it only this process sees its own writes live.
	var client *amqp.Client
	if config.AMQPURL != "" {
		var err error
		client, err = amqp.NewClient(config.AMQPURL, config.AMQPExchange, config.AMQPQueue)
		if err != nil {
			f.logger.Warn("Failed to initialize AMQP client, continuing without change fan-out", log.FieldError, err)
			client = nil
		} else {
			f.logger.Info("Initialized AMQP client", "exchange", config.AMQPExchange, "origin", client.Origin())
		}
	}

	opts := sqlite.Options{CacheSize: config.SnapshotCacheSize, CacheTTL: config.SnapshotCacheTTL}
	if client != nil {
		opts.Notifier = client
	}
	st, err := sqlite.Open(config.SQLiteDBPath, opts)
	if err != nil {
		if client != nil {
			client.Close()
		}
		return nil, fmt.Errorf("failed to initialize SQLite store: %w", err)
	}

	f.logger.Info("Initialized SQLite backend", "db_path", config.SQLiteDBPath, "amqp_enabled", client != nil)

	result := &BackendResult{Store: st, Cleanup: st.Close}
	if client != nil {
		result.Run = func(ctx context.Context) error {
			return client.ConsumeChanges(ctx, func(ctx context.Context, msg *amqp.ChangeMessage) error {
				return st.Invalidate(ctx, msg.UserID)
			})
		}
		result.Cleanup = func() error {
			return errors.Join(st.Close(), client.Close())
		}
	}
	return result, nil
}

func (f *DefaultFactory) createPostgresBackend(ctx context.Context, config Config) (*BackendResult, error) {
	st, err := postgres.Open(ctx, config.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Postgres store: %w", err)
	}
	f.logger.Info("Initialized Postgres backend", "channel", postgres.NotifyChannel)
	return &BackendResult{Store: st, Cleanup: st.Close}, nil
}
