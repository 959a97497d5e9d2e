package logbook

import (
	"context"
	"errors"
	"fmt"
	"os"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// ErrEmptyPartition indicates an export was requested for an operator with no
// contacts on file.
var ErrEmptyPartition = errors.New("logbook: partition has no records")

const exportDDL = `CREATE TABLE ` + sourceTableName + ` (
	timestamp INTEGER,
	freqHz INTEGER,
	fromCallsign TEXT,
	fromGrid TEXT,
	toCallsign TEXT,
	toGrid TEXT,
	toComment TEXT,
	mode TEXT,
	relayName TEXT,
	relayAdmin TEXT
)`

// Export serializes one operator's full partition back into the bulk source
// format. Returns the suggested file name and the database bytes.
func (s *Store) Export(ctx context.Context, operator string) (string, []byte, error) {
	contacts, err := s.GetAll(ctx, operator)
	if err != nil {
		return "", nil, err
	}
	if len(contacts) == 0 {
		return "", nil, ErrEmptyPartition
	}

	tmp, err := os.CreateTemp("", "qsolog-export-*.db")
	if err != nil {
		return "", nil, err
	}
	tmpName := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpName)

	db, err := gorm.Open(sqlite.Open(tmpName), &gorm.Config{Logger: gormlogger.Discard})
	if err != nil {
		return "", nil, err
	}

	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec(exportDDL).Error; err != nil {
			return err
		}
		insert := "INSERT INTO " + sourceTableName +
			" (timestamp, freqHz, fromCallsign, fromGrid, toCallsign, toGrid, toComment, mode, relayName, relayAdmin)" +
			" VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"
		for _, contact := range contacts {
			err := tx.Exec(insert,
				contact.Timestamp,
				contact.FrequencyHz,
				contact.OperatorCallsign,
				"",
				contact.CorrespondentCallsign,
				contact.CorrespondentGrid,
				contact.Comment,
				contact.Mode,
				contact.RelayName,
				contact.RelayOperator,
			).Error
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return "", nil, fmt.Errorf("logbook: export %s: %w", operator, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return "", nil, err
	}
	if err := sqlDB.Close(); err != nil {
		return "", nil, err
	}

	data, err := os.ReadFile(tmpName)
	if err != nil {
		return "", nil, err
	}

	fileName := fmt.Sprintf("%s-logs-%d.db", operator, s.clock().UTC().Unix())
	return fileName, data, nil
}
