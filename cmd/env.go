package main

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/reqident/internal/db"
	"github.com/sells-group/reqident/internal/queue"
	"github.com/sells-group/reqident/internal/store"
)

// appEnv holds the store and queue a command works against.
type appEnv struct {
	Store store.Store
	Queue *queue.Queue

	pool     *pgxpool.Pool
	migrator func(ctx context.Context) error
}

// initEnv opens the store and the queue backend named in the config.
func initEnv(ctx context.Context, opts ...queue.Option) (*appEnv, error) {
	env := &appEnv{}

	if cfg.Store.Driver == "postgres" {
		pool, err := db.Connect(ctx, cfg.Store.DatabaseURL, &db.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
		if err != nil {
			return nil, eris.Wrap(err, "connect postgres")
		}
		env.pool = pool
	}

	st, err := initStore(env.pool)
	if err != nil {
		env.Close()
		return nil, err
	}
	env.Store = st

	backend, err := env.initBackend(ctx)
	if err != nil {
		env.Close()
		return nil, err
	}

	if cfg.Queue.PollIntervalMs > 0 {
		opts = append([]queue.Option{queue.WithPollInterval(time.Duration(cfg.Queue.PollIntervalMs) * time.Millisecond)}, opts...)
	}
	env.Queue = queue.New(cfg.Queue.Name, backend, opts...)

	zap.L().Debug("environment ready",
		zap.String("store", cfg.Store.Driver),
		zap.String("queue_backend", cfg.Queue.Backend),
		zap.String("queue", cfg.Queue.Name),
	)
	return env, nil
}

func initStore(pool *pgxpool.Pool) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "reqident.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(pool), nil
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

func (e *appEnv) initBackend(ctx context.Context) (queue.Backend, error) {
	switch cfg.Queue.Backend {
	case "postgres":
		if e.pool == nil {
			return nil, eris.New("postgres queue backend requires the postgres store driver")
		}
		b := queue.NewPostgresBackend(e.pool, cfg.Queue.Name)
		e.migrator = b.Migrate
		return b, nil
	case "redis":
		opt, err := redis.ParseURL(cfg.Queue.RedisURL)
		if err != nil {
			return nil, eris.Wrap(err, "parse redis url")
		}
		client := redis.NewClient(opt)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, eris.Wrap(err, "ping redis")
		}
		// The backend owns the client and closes it with the queue.
		return queue.NewRedisBackend(client, cfg.Queue.KeyPrefix, cfg.Queue.Name), nil
	case "memory":
		zap.L().Warn("using in-memory queue backend; jobs do not survive this process")
		return queue.NewMemoryBackend(), nil
	default:
		return nil, eris.Errorf("unsupported queue backend: %s", cfg.Queue.Backend)
	}
}

// Migrate creates the store schema and, for Postgres, the queue table.
func (e *appEnv) Migrate(ctx context.Context) error {
	if err := e.Store.Migrate(ctx); err != nil {
		return eris.Wrap(err, "migrate store")
	}
	if e.migrator != nil {
		if err := e.migrator(ctx); err != nil {
			return eris.Wrap(err, "migrate queue")
		}
	}
	return nil
}

// Close releases every connection the env opened.
func (e *appEnv) Close() {
	if e.Queue != nil {
		_ = e.Queue.Close()
	}
	if e.Store != nil {
		_ = e.Store.Close()
	}
	if e.pool != nil {
		e.pool.Close()
	}
}
