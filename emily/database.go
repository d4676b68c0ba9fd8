package emily

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/lmittmann/tint"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const (
	dbTypeSQLite   = "sqlite"
	dbTypePostgres = "postgres"
)

var (
	// sqlite only tolerates one writer, so the pool is pinned to a
	// single connection
	sqlitePool = struct {
		open, idle int
		lifetime   time.Duration
	}{open: 1, idle: 1, lifetime: 5 * time.Minute}

	sqlitePragmas = []string{
		"pragma journal_mode=WAL;",
		"pragma synchronous = normal;",
		"pragma temp_store = memory;",
		"pragma foreign_keys = ON;",
		"pragma mmap_size = 8000000000;",
	}

	// writeTimeout bounds a write when the caller's context has no deadline
	writeTimeout = 30 * time.Second

	// migrationLogOutput receives CreateDB's log output
	migrationLogOutput io.Writer = os.Stdout
)

// Timestamps adds millisecond unix create/update times to a model
type Timestamps struct {
	CreatedAt int64 `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
	UpdatedAt int64 `gorm:"autoUpdateTime:milli" json:"updated_at,omitempty"`
}

type RowID struct {
	ID uint `gorm:"primaryKey" json:"id"`
}

// migratedModels lists every table emily owns
func migratedModels() []any {
	return []any{
		&RuntimeConfig{},
		&User{},
		&Guild{},
		&GuildSetting{},
		&BlacklistCommand{},
		&Song{},
	}
}

// DBI is the write path to the database. Reads go straight through DB().
type DBI interface {
	DB() *gorm.DB
	Create(ctx context.Context, value any, omit ...string) (rowsAffected int64, err error)
	Updates(ctx context.Context, model any, values any) (rowsAffected int64, err error)
	Update(ctx context.Context, model any, column string, value any) (rowsAffected int64, err error)
	Delete(ctx context.Context, value any, conds ...any) (rowsAffected int64, err error)
	Transaction(ctx context.Context, fc func(tx *gorm.DB) error, opts ...*sql.TxOptions) error
}

// writeDB funnels writes through a single mutex when the backend can't
// handle concurrent writers
type writeDB struct {
	db        *gorm.DB
	serialize bool
	mu        sync.Mutex
	logger    *slog.Logger
}

// NewDatabase wraps db for writes. Writes are serialized for sqlite and
// run concurrently for postgres.
func NewDatabase(db *gorm.DB, log *slog.Logger, databaseType string) DBI {
	if log == nil {
		log = slog.Default()
	}
	return &writeDB{
		db:        db,
		serialize: databaseType != dbTypePostgres,
		logger:    log.With(loggerNameKey, "writedb"),
	}
}

func (w *writeDB) DB() *gorm.DB {
	return w.db
}

// write runs op against a context-scoped session, holding the write
// lock when required
func (w *writeDB) write(
	ctx context.Context,
	op string,
	fn func(tx *gorm.DB) *gorm.DB,
) (int64, error) {
	if w.serialize {
		w.mu.Lock()
		defer w.mu.Unlock()
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, writeTimeout)
		defer cancel()
	}

	rv := fn(w.db.WithContext(ctx))
	if rv.Error != nil {
		w.logger.DebugContext(ctx, "write failed", "op", op, tint.Err(rv.Error))
	}
	return rv.RowsAffected, rv.Error
}

func (w *writeDB) Create(ctx context.Context, value any, omit ...string) (int64, error) {
	return w.write(
		ctx, "create", func(tx *gorm.DB) *gorm.DB {
			if len(omit) > 0 {
				tx = tx.Omit(omit...)
			}
			return tx.Create(value)
		},
	)
}

func (w *writeDB) Updates(ctx context.Context, model, values any) (int64, error) {
	return w.write(
		ctx, "updates", func(tx *gorm.DB) *gorm.DB {
			return tx.Model(model).Updates(values)
		},
	)
}

func (w *writeDB) Update(
	ctx context.Context,
	model any,
	column string,
	value any,
) (int64, error) {
	return w.write(
		ctx, "update", func(tx *gorm.DB) *gorm.DB {
			return tx.Model(model).Update(column, value)
		},
	)
}

func (w *writeDB) Delete(ctx context.Context, value any, conds ...any) (int64, error) {
	return w.write(
		ctx, "delete", func(tx *gorm.DB) *gorm.DB {
			return tx.Delete(value, conds...)
		},
	)
}

// Transaction runs fc in a transaction. The write lock is held for the
// whole transaction.
func (w *writeDB) Transaction(
	ctx context.Context,
	fc func(tx *gorm.DB) error,
	opts ...*sql.TxOptions,
) error {
	_, err := w.write(
		ctx, "transaction", func(tx *gorm.DB) *gorm.DB {
			if err := tx.Transaction(fc, opts...); err != nil {
				_ = tx.AddError(err)
			}
			return tx
		},
	)
	return err
}

// CreateDB opens the database, tunes sqlite connections and migrates
// all tables. Used by `emily init` and tests.
func CreateDB(ctx context.Context, databaseType string, dsn string) (*gorm.DB, error) {
	handler := newLogHandler(migrationLogOutput, slog.LevelWarn)
	slog.New(handler).InfoContext(
		ctx,
		"opening database",
		"database_type", databaseType,
		"database", dsn,
	)

	db, err := openDB(databaseType, dsn, newGORMLogger(handler, 500*time.Millisecond))
	if err != nil {
		return nil, err
	}
	if databaseType == dbTypeSQLite {
		if err = configureSQLite(ctx, db); err != nil {
			return db, err
		}
	}
	return db, migrate(ctx, db)
}

func migrate(ctx context.Context, db *gorm.DB) error {
	err := db.WithContext(ctx).Transaction(
		func(tx *gorm.DB) error {
			return tx.Migrator().AutoMigrate(migratedModels()...)
		},
	)
	if err != nil {
		return fmt.Errorf("error migrating database: %w", err)
	}
	return nil
}

// openDB opens a connection for the given backend. For sqlite, dsn is a
// file path and its parent directory is created if needed.
func openDB(databaseType string, dsn string, logger gormlogger.Interface) (*gorm.DB, error) {
	cfg := &gorm.Config{
		Logger:  logger,
		NowFunc: func() time.Time { return time.Now().UTC() },
	}

	var dialector gorm.Dialector
	switch databaseType {
	case dbTypeSQLite:
		if dir := filepath.Dir(dsn); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil && !errors.Is(err, os.ErrExist) {
				return nil, err
			}
		}
		dialector = sqlite.Open(dsn)
	case dbTypePostgres:
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf(
			"unsupported database type %q (expected %q or %q)",
			databaseType, dbTypeSQLite, dbTypePostgres,
		)
	}
	return gorm.Open(dialector, cfg)
}

// configureSQLite pins the connection pool and applies pragmas
func configureSQLite(ctx context.Context, db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("error getting database connection: %w", err)
	}
	sqlDB.SetMaxOpenConns(sqlitePool.open)
	sqlDB.SetMaxIdleConns(sqlitePool.idle)
	sqlDB.SetConnMaxLifetime(sqlitePool.lifetime)

	var errs []error
	for _, pragma := range sqlitePragmas {
		if err = db.WithContext(ctx).Exec(pragma).Error; err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", pragma, err))
		}
	}
	return errors.Join(errs...)
}
