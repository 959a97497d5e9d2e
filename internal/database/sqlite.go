package database

import (
	"fmt"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// OperatorRecord maps one known operator callsign to the partition table
// holding its contacts. The registry grows by set union and is dropped only by
// an explicit clear.
type OperatorRecord struct {
	Callsign         string `gorm:"column:callsign;primaryKey;size:190;not null"`
	PartitionTable   string `gorm:"column:table_name;size:190;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (OperatorRecord) TableName() string {
	return "operators"
}

// OpenSQLite establishes the shared SQLite connection and bootstraps the
// registry schema. Partition tables are created lazily as operators are seen.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Discard,
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&OperatorRecord{}); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}
