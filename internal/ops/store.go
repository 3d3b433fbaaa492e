package ops

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"fixengine/internal/errors"
	"fixengine/internal/store"
	"fixengine/internal/store/badgerstore"
	"fixengine/internal/store/sqlstore"
	"fixengine/pkg/conn"
	"fixengine/pkg/exception"
)

// OpenStore opens the message store backend cfg names. SQL backends must
// answer a ping within cfg.OpenTimeout.
func OpenStore(ctx context.Context, cfg StoreConfig) (store.Factory, error) {
	switch cfg.Kind {
	case StoreMemory:
		return store.NewMemoryFactory(), nil
	case StoreFile:
		return store.NewFileFactory(cfg.Dir)
	case StoreBadger:
		return badgerstore.New(cfg.Dir)
	}

	if cfg.OpenTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.OpenTimeout)
		defer cancel()
	}
	switch cfg.Kind {
	case StoreSQLite:
		client, err := conn.NewSQLite(ctx, cfg.Dir, cfg.Pool.pool(), quietGorm())
		if err != nil {
			return nil, store.Durable(err, "open sqlite "+cfg.Dir)
		}
		return newSQL(client)
	case StorePostgres:
		client, err := conn.New(ctx, cfg.Postgres.option(cfg.Pool))
		if err != nil {
			return nil, store.Durable(err, "open postgres")
		}
		return newSQL(client)
	}
	return nil, errors.Wrap(exception.ErrConfigUnknownKind, cfg.Kind)
}

func (p PoolConfig) pool() conn.Pool {
	return conn.Pool{
		MaxOpenConns:    p.MaxOpenConns,
		MaxIdleConns:    p.MaxIdleConns,
		ConnMaxLifetime: p.ConnMaxLifetime,
		ConnMaxIdleTime: p.ConnMaxIdleTime,
	}
}

func (pg PostgresConfig) option(pool PoolConfig) conn.Option {
	return conn.Option{
		Host:       pg.Host,
		Port:       pg.Port,
		User:       pg.User,
		Password:   pg.Password,
		Database:   pg.Database,
		SSLMode:    pg.SSLMode,
		Params:     pg.Params,
		ConnString: pg.DSN,
		Pool:       pool.pool(),
		Config:     quietGorm(),
	}
}

func newSQL(client *conn.Client) (store.Factory, error) {
	f, err := sqlstore.New(client)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	return f, nil
}

func quietGorm() *gorm.Config {
	return &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)}
}
