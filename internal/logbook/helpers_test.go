package logbook

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/fmotools/qsolog/internal/database"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "logs.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	store, err := NewStore(StoreConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	return store
}

func makeContact(operator string, timestamp int64, correspondent string) Contact {
	return Contact{
		OperatorCallsign:      operator,
		Timestamp:             timestamp,
		FrequencyHz:           4395000,
		CorrespondentCallsign: correspondent,
		CorrespondentGrid:     "OM89",
		Mode:                  "FM",
	}
}

// buildSourceDB writes rows into a qso_logs SQLite file and returns its bytes,
// mimicking a bulk source produced by the device.
func buildSourceDB(t *testing.T, rows []RawRow) []byte {
	t.Helper()

	path := filepath.Join(t.TempDir(), "source.db")
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: gormlogger.Discard})
	if err != nil {
		t.Fatalf("failed to open fixture db: %v", err)
	}
	if err := db.Exec(exportDDL).Error; err != nil {
		t.Fatalf("failed to create fixture table: %v", err)
	}
	insert := "INSERT INTO " + sourceTableName +
		" (timestamp, freqHz, fromCallsign, fromGrid, toCallsign, toGrid, toComment, mode, relayName, relayAdmin)" +
		" VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"
	for _, row := range rows {
		err := db.Exec(insert,
			row.Timestamp, row.FreqHz, row.FromCallsign, row.FromGrid,
			row.ToCallsign, row.ToGrid, row.ToComment, row.Mode,
			row.RelayName, row.RelayAdmin,
		).Error
		if err != nil {
			t.Fatalf("failed to insert fixture row: %v", err)
		}
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to unwrap fixture db: %v", err)
	}
	if err := sqlDB.Close(); err != nil {
		t.Fatalf("failed to close fixture db: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read fixture db: %v", err)
	}
	return data
}
