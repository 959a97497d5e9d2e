package logbook

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// ErrNoData indicates that an import found no usable rows and the store had
// no operators on file either.
var ErrNoData = errors.New("logbook: no data imported")

const sourceTableName = "qso_logs"

// SourceFile is one opaque bulk source: a file name and its raw bytes. Only
// .db-suffixed sources containing a qso_logs table decode; others are skipped.
type SourceFile struct {
	Name string
	Data []byte
}

// ImportProgress reports completion of one (source file, callsign) group.
// Imported is the cumulative count written for that callsign so far.
type ImportProgress struct {
	Current  int
	Total    int
	Callsign string
	Imported int
}

// ImportResult summarizes one bulk import run.
type ImportResult struct {
	TotalImported int
	Callsigns     []string
	Failed        int
}

// ImporterConfig describes the dependencies of the import pipeline.
type ImporterConfig struct {
	Store  *Store
	Logger *zap.Logger
}

// Importer drives bulk ingestion: decode source files, group rows by
// operator, upsert each group, merge discovered operators into the registry.
type Importer struct {
	store  *Store
	logger *zap.Logger
}

// NewImporter constructs the import pipeline.
func NewImporter(cfg ImporterConfig) (*Importer, error) {
	if cfg.Store == nil {
		return nil, ErrMissingDatabase
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Importer{store: cfg.Store, logger: logger}, nil
}

type sourceGroups struct {
	name      string
	callsigns []string // decode order
	rows      map[string][]Contact
}

// Import decodes every source, partitions rows by operator callsign and
// writes each group into its partition. A malformed source is logged and
// skipped; a malformed row fails inside its batch without aborting it. The
// run only fails outright when no callsigns were found anywhere and the
// registry was already empty.
func (im *Importer) Import(ctx context.Context, sources []SourceFile, progress func(ImportProgress)) (ImportResult, error) {
	var result ImportResult

	groups := make([]sourceGroups, 0, len(sources))
	totalGroups := 0
	seen := make(map[string]bool)
	for _, source := range sources {
		if !strings.HasSuffix(strings.ToLower(source.Name), ".db") {
			im.logger.Info("skipping non-database source", zap.String("source", source.Name))
			continue
		}
		rows, err := decodeSource(source)
		if err != nil {
			im.logger.Warn("skipping unreadable source",
				zap.String("source", source.Name),
				zap.Error(err))
			continue
		}

		group := sourceGroups{name: source.Name, rows: make(map[string][]Contact)}
		for _, row := range rows {
			contact := Normalize(row)
			if contact.OperatorCallsign == "" {
				continue
			}
			if _, ok := group.rows[contact.OperatorCallsign]; !ok {
				group.callsigns = append(group.callsigns, contact.OperatorCallsign)
			}
			group.rows[contact.OperatorCallsign] = append(group.rows[contact.OperatorCallsign], contact)
			seen[contact.OperatorCallsign] = true
		}
		totalGroups += len(group.callsigns)
		groups = append(groups, group)
	}

	if len(seen) == 0 {
		existing, err := im.store.ListOperators(ctx)
		if err != nil {
			return result, err
		}
		if len(existing) == 0 {
			return result, ErrNoData
		}
		// Rerun against an already populated store: a no-op, not a failure.
		return result, nil
	}

	current := 0
	importedPerCallsign := make(map[string]int)
	for _, group := range groups {
		for _, callsign := range group.callsigns {
			batch, err := im.store.Upsert(ctx, callsign, group.rows[callsign])
			if err != nil {
				return result, fmt.Errorf("logbook: import %s into %s: %w", group.name, callsign, err)
			}
			result.TotalImported += batch.Succeeded
			result.Failed += batch.Failed
			importedPerCallsign[callsign] += batch.Succeeded

			current++
			if progress != nil {
				progress(ImportProgress{
					Current:  current,
					Total:    totalGroups,
					Callsign: callsign,
					Imported: importedPerCallsign[callsign],
				})
			}
		}
	}

	callsigns := make([]string, 0, len(seen))
	for callsign := range seen {
		callsigns = append(callsigns, callsign)
	}
	sort.Strings(callsigns)
	if err := im.store.MergeOperators(ctx, callsigns); err != nil {
		return result, err
	}
	result.Callsigns = callsigns

	im.logger.Info("bulk import finished",
		zap.Int("records", result.TotalImported),
		zap.Int("failed_rows", result.Failed),
		zap.Strings("callsigns", callsigns))
	return result, nil
}

// decodeSource materializes the blob as a temporary SQLite file and reads the
// qso_logs table with the same driver the store uses.
func decodeSource(source SourceFile) ([]RawRow, error) {
	tmp, err := os.CreateTemp("", "qsolog-import-*.db")
	if err != nil {
		return nil, err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(source.Data); err != nil {
		tmp.Close()
		return nil, err
	}
	if err := tmp.Close(); err != nil {
		return nil, err
	}

	db, err := gorm.Open(sqlite.Open(tmp.Name()), &gorm.Config{Logger: gormlogger.Discard})
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	defer sqlDB.Close()

	var tableCount int64
	err = db.Raw(
		"SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?",
		sourceTableName,
	).Scan(&tableCount).Error
	if err != nil {
		return nil, err
	}
	if tableCount == 0 {
		return nil, fmt.Errorf("logbook: source has no %s table", sourceTableName)
	}

	var rows []RawRow
	if err := db.Raw("SELECT * FROM " + sourceTableName).Scan(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}
