package database

import (
	"fmt"
	"strings"

	"github.com/glebarez/sqlite"
	"github.com/synaptica-ai/partner-ingest/pkg/common/logger"
	"gorm.io/gorm"
)

// OpenSQLite opens a single-connection SQLite store. All writers share the
// one connection, so a goroutine holding a transaction must not issue queries
// through the outer handle until it commits.
func OpenSQLite(path string) (*gorm.DB, error) {
	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	}

	db, err := gorm.Open(sqlite.Open(dsn), gormConfig())
	if err != nil {
		logger.Log.WithError(err).WithField("path", path).Error("Failed to open SQLite")
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	logger.Log.WithField("path", path).Info("Opened SQLite store")
	return db, nil
}
