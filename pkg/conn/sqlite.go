package conn

import (
	"context"
	"errors"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"fixengine/pkg/exception"
)

// NewSQLite opens an embedded SQLite database at path and pings it under
// ctx. The pool is held at one open connection so writes are serialized by
// database/sql; the other pool bounds apply as given.
func NewSQLite(ctx context.Context, path string, pool Pool, config *gorm.Config) (*Client, error) {
	if path == "" {
		return nil, exception.ErrConnEmptyPath
	}
	db, err := gorm.Open(sqlite.Open(path), gormConfig(config))
	if err != nil {
		return nil, errors.Join(exception.ErrConnOpen, err)
	}
	pool.MaxOpenConns = 1
	return ready(ctx, db, pool)
}
