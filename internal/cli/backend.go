package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	goredis "github.com/redis/go-redis/v9"

	"github.com/ChuLiYu/beaver-jobrun/internal/database"
	"github.com/ChuLiYu/beaver-jobrun/internal/lock"
	"github.com/ChuLiYu/beaver-jobrun/internal/store"
	"github.com/ChuLiYu/beaver-jobrun/internal/store/filestore"
	"github.com/ChuLiYu/beaver-jobrun/internal/store/redisstore"
	"github.com/ChuLiYu/beaver-jobrun/internal/store/sqlstore"
)

// backends 一個節點使用的租約鎖與任務存儲，以及它們共用的連線
type backends struct {
	locker lock.Locker
	store  store.Store

	redis *goredis.Client
	db    *database.Client
}

// openBackends 依配置建立租約鎖與存儲；redis / sql 連線在兩者之間共用
func openBackends(ctx context.Context, cfg *Config, log *slog.Logger) (_ *backends, err error) {
	b := &backends{}
	defer func() {
		if err != nil {
			_ = b.Close()
		}
	}()

	if cfg.Lease.Backend == BackendRedis || cfg.Store.Backend == BackendRedis {
		b.redis = goredis.NewClient(&goredis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := b.redis.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("connect redis %s: %w", cfg.Redis.Addr, err)
		}
	}
	if cfg.Lease.Backend == BackendSQL || cfg.Store.Backend == BackendSQL {
		if b.db, err = database.New(cfg.Postgres); err != nil {
			return nil, fmt.Errorf("connect database: %w", err)
		}
	}

	lockOpts := []lock.Option{lock.WithLogger(log)}
	switch cfg.Lease.Backend {
	case BackendMemory:
		b.locker, err = lock.NewMemoryLocker(cfg.Lease.TTL, lockOpts...)
	case BackendRedis:
		b.locker, err = lock.NewRedisLocker(b.redis, cfg.Lease.TTL, lockOpts...)
	case BackendSQL:
		var l *lock.SQLLocker
		if l, err = lock.NewSQLLocker(b.db.DB(), cfg.Lease.TTL, lockOpts...); err == nil {
			err = l.Migrate(ctx)
			b.locker = l
		}
	}
	if err != nil {
		return nil, fmt.Errorf("open %s lease lock: %w", cfg.Lease.Backend, err)
	}

	switch cfg.Store.Backend {
	case BackendMemory:
		b.store = store.NewMemoryStore()
	case BackendFile:
		b.store, err = filestore.Open(cfg.Store.Path)
	case BackendRedis:
		b.store = redisstore.New(b.redis, redisstore.WithLogger(log))
	case BackendSQL:
		s := sqlstore.New(b.db.DB(), sqlstore.WithLogger(log))
		err = s.Migrate(ctx)
		b.store = s
	}
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Store.Backend, err)
	}

	log.Info("backends ready", "lease", cfg.Lease.Backend, "store", cfg.Store.Backend, "ttl", cfg.Lease.TTL)
	return b, nil
}

// Close 關閉共用連線
func (b *backends) Close() error {
	var errs []error
	if b.redis != nil {
		errs = append(errs, b.redis.Close())
	}
	if b.db != nil {
		errs = append(errs, b.db.Close())
	}
	return errors.Join(errs...)
}
