package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"sudooom.im.realtime/internal/backend"
	"sudooom.im.realtime/internal/backend/live"
	"sudooom.im.realtime/internal/backend/memory"
	"sudooom.im.realtime/internal/backend/pgdoc"
	"sudooom.im.realtime/internal/backend/redisdoc"
	"sudooom.im.realtime/internal/backend/s3blob"
	"sudooom.im.realtime/internal/config"
	"sudooom.im.realtime/internal/health"
	imNats "sudooom.im.realtime/internal/nats"
)

// backends 按配置打开的存储及其连接，关闭顺序与打开顺序相反
type backends struct {
	store   backend.Store
	blobs   backend.Blobs
	pg      *pgxpool.Pool
	files   http.Handler // 内存文件存储时挂载到 /blobs
	health  []health.Option
	closers []func()
}

func (b *backends) onClose(fn func()) {
	b.closers = append(b.closers, fn)
}

func (b *backends) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

func openBackends(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*backends, error) {
	b := &backends{}
	if err := b.openDocuments(ctx, cfg, logger); err != nil {
		b.Close()
		return nil, err
	}
	if err := b.openBlobs(ctx, cfg); err != nil {
		b.Close()
		return nil, err
	}
	return b, nil
}

func (b *backends) openDocuments(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	var docs backend.Documents

	switch cfg.Backend.Documents {
	case "memory":
		store := memory.New()
		if cfg.Backend.SeedFile != "" {
			if _, err := store.LoadSeedFile(ctx, cfg.Backend.SeedFile); err != nil {
				return err
			}
		}
		b.store = store
		logger.Info("Using in-memory document store")
		return nil

	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		b.onClose(func() { client.Close() })
		store := redisdoc.New(client)
		if err := store.Ping(ctx); err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		b.health = append(b.health, health.WithRedis(client))
		docs = store
		logger.Info("Connected to Redis", "addr", cfg.Redis.Addr())

	case "postgres":
		pool, err := openPostgres(ctx, cfg.Database)
		if err != nil {
			return err
		}
		b.onClose(pool.Close)
		b.pg = pool
		b.health = append(b.health, health.WithPostgres(pool))
		docs = pgdoc.New(pool)
		logger.Info("Connected to PostgreSQL", "host", cfg.Database.Host, "db", cfg.Database.Name)

	default:
		return fmt.Errorf("unknown document backend %q", cfg.Backend.Documents)
	}

	natsClient, err := imNats.NewClient(cfg.NATS)
	if err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}
	b.onClose(natsClient.Close)
	b.health = append(b.health, health.WithNATS(natsClient.Conn()))
	logger.Info("Connected to NATS", "url", cfg.NATS.URL)

	feed := imNats.NewFeed(natsClient.Conn(), imNats.FeedConfig{SubjectPrefix: cfg.NATS.SubjectPrefix})
	if err := feed.Start(ctx); err != nil {
		return fmt.Errorf("start change feed: %w", err)
	}
	b.onClose(feed.Stop)

	liveStore := live.New(docs, feed)
	b.onClose(liveStore.Close)
	b.store, _ = liveStore.AsBatchWriter()
	return nil
}

func openPostgres(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

func (b *backends) openBlobs(ctx context.Context, cfg *config.Config) error {
	switch cfg.Backend.Blobs {
	case "s3":
		store, err := s3blob.New(ctx, cfg.S3)
		if err != nil {
			return err
		}
		b.blobs = store
	default:
		blobs := memory.NewBlobs(fmt.Sprintf("http://localhost:%d/blobs", cfg.Server.Port))
		b.blobs = blobs
		b.files = blobs
	}
	return nil
}
