package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newSQLiteAdapter(t *testing.T) *SQLAdapter {
	t.Helper()
	ctx := context.Background()

	db, err := OpenSQL(ctx, SQLite, filepath.Join(t.TempDir(), "inventory.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	adapter := NewSQLAdapter(db, SQLite)
	require.NoError(t, adapter.Migrate(ctx))
	return adapter
}

func TestSQLiteAdapter_Contract(t *testing.T) {
	runStoreContract(t, newSQLiteAdapter(t), "sqlite")
}

func TestSQLiteAdapter_MigrateIsRepeatable(t *testing.T) {
	adapter := newSQLiteAdapter(t)
	require.NoError(t, adapter.Migrate(context.Background()))
}

func TestMySQLAdapter_Contract(t *testing.T) {
	dsn := os.Getenv("MYSQL_DSN")
	if dsn == "" {
		dsn = "root:root@tcp(localhost:3306)/inventory?parseTime=true"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	db, err := OpenSQL(ctx, MySQL, dsn)
	if err != nil {
		t.Skipf("MySQL not available: %v", err)
	}
	defer db.Close()

	adapter := NewSQLAdapter(db, MySQL)
	require.NoError(t, adapter.Migrate(context.Background()))

	// Unique prefix so reruns do not collide on barcodes.
	runStoreContract(t, adapter, fmt.Sprintf("mysql-%d", time.Now().UnixNano()))
}
