// Package store keeps the transfer history in a local SQLite database.
package store

import (
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const DefaultPath = "peer-drop.sqlite3"

// Transfer is one finished task as recorded in history.
type Transfer struct {
	ID         uint   `gorm:"primaryKey"`
	SessionID  string `gorm:"uniqueIndex;size:36"`
	Kind       string `gorm:"index"`
	PeerAddr   string
	PeerPort   int
	FileName   string
	FileSize   int64
	DataPort   int
	Status     string `gorm:"index"`
	Error      string
	StartedAt  time.Time
	FinishedAt time.Time `gorm:"index"`
}

// Open opens or creates the database at path and migrates its schema. Use
// ":memory:" for a throwaway database.
func Open(path string) (*gorm.DB, error) {
	if path == "" {
		path = DefaultPath
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger:      logger.Default.LogMode(logger.Silent),
		PrepareStmt: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open history %s: %w", path, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// a single writer avoids SQLITE_BUSY between concurrent task workers
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&Transfer{}); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("migrate history: %w", err)
	}
	return db, nil
}

func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
