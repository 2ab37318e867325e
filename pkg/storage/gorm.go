package storage

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jdziat/workgate/pkg/core"
)

// GormStorage implements core.Storage using GORM.
type GormStorage struct {
	db *gorm.DB
}

// NewGormStorage creates a new GORM-backed storage.
func NewGormStorage(db *gorm.DB) *GormStorage {
	return &GormStorage{db: db}
}

// newGormLogger reports slow queries and errors to w. An empty lookup is a
// normal outcome here, so ErrRecordNotFound is not logged.
func newGormLogger(w io.Writer) logger.Interface {
	return logger.New(log.New(w, "\r\n", log.LstdFlags), logger.Config{
		SlowThreshold:             200 * time.Millisecond,
		LogLevel:                  logger.Warn,
		IgnoreRecordNotFoundError: true,
	})
}

// Open opens a database by driver name ("postgres" or "sqlite").
// SQLite DSNs get _txlock=immediate unless they set a lock mode, so every
// transaction takes the write lock up front and waits on _busy_timeout
// instead of failing with "database is locked" on lock upgrade.
func Open(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(driver) {
	case "postgres", "postgresql", "pgx":
		dialector = postgres.Open(dsn)
	case "sqlite", "sqlite3":
		dialector = sqlite.Open(SQLiteDSN(dsn))
	default:
		return nil, fmt.Errorf("storage: unsupported database driver %q", driver)
	}
	return gorm.Open(dialector, &gorm.Config{Logger: newGormLogger(os.Stderr)})
}

// SQLiteDSN adds _txlock=immediate to dsn when it has no _txlock parameter.
func SQLiteDSN(dsn string) string {
	if strings.Contains(dsn, "_txlock=") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_txlock=immediate"
}

// DB returns the underlying *gorm.DB.
func (s *GormStorage) DB() *gorm.DB {
	return s.db
}

// IsSQLite reports whether the storage runs on SQLite.
func (s *GormStorage) IsSQLite() bool {
	return s.db != nil && s.db.Dialector.Name() == "sqlite"
}

// Migrate creates the necessary tables.
func (s *GormStorage) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(
		&core.WorkUnit{},
		&core.EngineWorker{},
		&core.AuditEntry{},
		&core.QueueMetricSample{},
		&core.QueueMetricRollup{},
		&core.Incident{},
	)
}

// Ping checks database connectivity.
func (s *GormStorage) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("storage: get underlying *sql.DB: %w", err)
	}
	return sqlDB.PingContext(ctx)
}

var _ core.Storage = (*GormStorage)(nil)
