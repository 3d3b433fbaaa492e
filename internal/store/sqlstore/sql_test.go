package sqlstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"fixengine/internal/store"
	"fixengine/internal/store/storetest"
	"fixengine/pkg/conn"
)

func openSQLite(t *testing.T, path string) store.Factory {
	t.Helper()
	client, err := conn.NewSQLite(context.Background(), path, conn.Pool{}, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	f, err := New(client)
	require.NoError(t, err)
	return f
}

func TestSQLiteStore(t *testing.T) {
	var path string
	storetest.Run(t, storetest.Opener{
		Open: func(t *testing.T) store.Factory {
			path = filepath.Join(t.TempDir(), "fix.db")
			return openSQLite(t, path)
		},
		Reopen: func(t *testing.T) store.Factory {
			return openSQLite(t, path)
		},
	})
}

func TestNewRejectsNilClient(t *testing.T) {
	_, err := New(nil)
	require.Error(t, err)
}
