package conn

import (
	"context"
	"errors"
	"net/url"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"fixengine/pkg/exception"
)

func TestDSNDefaults(t *testing.T) {
	u, err := url.Parse(Option{User: "fix", Database: "engine"}.dsn())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if u.Host != "localhost:5432" {
		t.Fatalf("host mismatch: %s", u.Host)
	}
	if u.Path != "/engine" || u.User.Username() != "fix" {
		t.Fatalf("unexpected dsn: %s", u)
	}
	if u.Query().Get("sslmode") != "disable" {
		t.Fatalf("sslmode mismatch: %s", u)
	}
	if u.Query().Get("application_name") != "fixengine" {
		t.Fatalf("application name missing: %s", u)
	}
}

func TestDSNConnStringWins(t *testing.T) {
	if dsn := (Option{ConnString: "postgres://x@y/z", Host: "ignored"}).dsn(); dsn != "postgres://x@y/z" {
		t.Fatalf("dsn mismatch: %s", dsn)
	}
}

func TestDSNParamsOverride(t *testing.T) {
	dsn := Option{
		Password: "p",
		User:     "u",
		Params:   map[string]string{"application_name": "venue-a", "connect_timeout": "3", "": "skip"},
	}.dsn()
	u, err := url.Parse(dsn)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	q := u.Query()
	if q.Get("application_name") != "venue-a" || q.Get("connect_timeout") != "3" {
		t.Fatalf("params missing: %s", dsn)
	}
	if q.Has("") {
		t.Fatalf("empty key kept: %s", dsn)
	}
	if pw, _ := u.User.Password(); pw != "p" {
		t.Fatalf("password missing: %s", dsn)
	}
}

func TestNilClient(t *testing.T) {
	var c *Client
	if c.DB() != nil {
		t.Fatal("nil client should have nil DB")
	}
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func silent() *gorm.Config {
	return &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}
}

func TestSQLiteAppliesPool(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fix.db")
	c, err := NewSQLite(context.Background(), path, Pool{MaxOpenConns: 8, MaxIdleConns: 1, ConnMaxLifetime: time.Minute}, silent())
	require.NoError(t, err)
	defer c.Close()

	sqlDB, err := c.DB().DB()
	require.NoError(t, err)
	require.Equal(t, 1, sqlDB.Stats().MaxOpenConnections)
	require.NoError(t, c.DB().Exec("CREATE TABLE t (v INTEGER)").Error)
}

func TestSQLiteErrors(t *testing.T) {
	_, err := NewSQLite(context.Background(), "", Pool{}, silent())
	require.ErrorIs(t, err, exception.ErrConnEmptyPath)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = NewSQLite(ctx, filepath.Join(t.TempDir(), "fix.db"), Pool{}, silent())
	require.ErrorIs(t, err, exception.ErrConnPing)
	require.ErrorIs(t, err, context.Canceled)
}

func TestPostgresPingFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := New(ctx, Option{
		Host:   "127.0.0.1",
		Port:   1,
		Params: map[string]string{"connect_timeout": "1"},
		Config: silent(),
	})
	require.Error(t, err)
	require.True(t, errors.Is(err, exception.ErrConnOpen) || errors.Is(err, exception.ErrConnPing), "unexpected error: %v", err)
}
