package emily

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const (
	defaultTestTimeout  = 10 * time.Second
	defaultTestInterval = 10 * time.Millisecond
)

// gormDB creates a migrated sqlite database in the test's temp dir
func gormDB(t testing.TB) *gorm.DB {
	t.Helper()
	dbfile := filepath.Join(
		t.TempDir(),
		strings.ReplaceAll(t.Name(), "/", "_")+".sqlite3",
	)

	db, err := CreateDB(context.Background(), dbTypeSQLite, dbfile)
	require.NoError(t, err)
	t.Cleanup(
		func() {
			if sqlDB, _ := db.DB(); sqlDB != nil {
				_ = sqlDB.Close()
			}
		},
	)
	return db
}

// newTestDBI returns a DBI backed by a fresh sqlite database
func newTestDBI(t testing.TB) DBI {
	t.Helper()
	return NewDatabase(gormDB(t), slog.Default().With("test", t.Name()), dbTypeSQLite)
}

func boolPtr(b bool) *bool    { return &b }
func strPtr(s string) *string { return &s }
