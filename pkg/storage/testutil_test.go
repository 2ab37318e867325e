package storage

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jdziat/workgate/pkg/core"
)

// openTestDB opens a database for tests.
// When TEST_DATABASE_URL is set it connects to PostgreSQL; otherwise it
// opens a fresh in-memory SQLite instance on a single connection.
func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn != "" {
		db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		require.NoError(t, err, "open postgres test db")

		sqlDB, err := db.DB()
		require.NoError(t, err, "get underlying sql.DB")
		sqlDB.SetMaxOpenConns(4)
		sqlDB.SetMaxIdleConns(1)

		// Clean before AND after to ensure test isolation.
		cleanupPostgresDB(t, db)
		t.Cleanup(func() {
			cleanupPostgresDB(t, db)
			_ = sqlDB.Close()
		})
		return db
	}
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err, "open in-memory sqlite")

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	return db
}

// cleanupPostgresDB deletes all rows so tests are isolated without
// requiring a fresh database per test.
func cleanupPostgresDB(t *testing.T, db *gorm.DB) {
	t.Helper()
	tables := []string{
		"unit_audit_log", "work_units", "engine_workers",
		"queue_metric_samples", "queue_metric_rollups", "health_incidents",
	}
	for _, tbl := range tables {
		db.Exec("DELETE FROM " + tbl)
	}
}

// newTestStorage returns a fully migrated storage.
func newTestStorage(t *testing.T) *GormStorage {
	t.Helper()
	s := NewGormStorage(openTestDB(t))
	require.NoError(t, s.Migrate(context.Background()), "migrate schema")
	return s
}

var testEpoch = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

// seedUnits creates n pending units of one job on lane, created one second
// apart starting at testEpoch.
func seedUnits(t *testing.T, s *GormStorage, jobID, lane string, n int) []*core.WorkUnit {
	t.Helper()
	units := make([]*core.WorkUnit, n)
	for i := range n {
		units[i] = &core.WorkUnit{
			JobID:       jobID,
			Ordinal:     i,
			Lane:        lane,
			MaxAttempts: 3,
			CreatedAt:   testEpoch.Add(time.Duration(i) * time.Second),
		}
	}
	require.NoError(t, s.CreateUnits(context.Background(), units, "tester"))
	return units
}

func claimParams(worker string, now time.Time) core.ClaimParams {
	return core.ClaimParams{
		WorkerName: worker,
		Token:      uuid.New().String(),
		Now:        now,
		Lease:      time.Minute,
	}
}
