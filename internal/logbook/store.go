package logbook

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fmotools/qsolog/internal/database"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrMissingDatabase indicates the store was constructed without a handle.
	ErrMissingDatabase = errors.New("logbook: database handle is required")
	// ErrMissingOperator indicates an operation was invoked without a callsign.
	ErrMissingOperator = errors.New("logbook: operator callsign is required")

	noOpLogger = zap.NewNop()
)

// contactRow is the stored shape of a Contact inside one partition table.
// dedup_key and utc_date are internal columns, never exposed to readers.
type contactRow struct {
	DedupKey              string `gorm:"column:dedup_key;primaryKey"`
	Timestamp             int64  `gorm:"column:timestamp"`
	UTCDate               string `gorm:"column:utc_date"`
	FrequencyHz           int64  `gorm:"column:frequency_hz"`
	CorrespondentCallsign string `gorm:"column:correspondent_callsign"`
	CorrespondentGrid     string `gorm:"column:correspondent_grid"`
	Comment               string `gorm:"column:comment"`
	Mode                  string `gorm:"column:mode"`
	RelayName             string `gorm:"column:relay_name"`
	RelayOperator         string `gorm:"column:relay_operator"`
}

func (r contactRow) toContact(operator string) Contact {
	return Contact{
		OperatorCallsign:      operator,
		Timestamp:             r.Timestamp,
		FrequencyHz:           r.FrequencyHz,
		CorrespondentCallsign: r.CorrespondentCallsign,
		CorrespondentGrid:     r.CorrespondentGrid,
		Comment:               r.Comment,
		Mode:                  r.Mode,
		RelayName:             r.RelayName,
		RelayOperator:         r.RelayOperator,
	}
}

func rowFromContact(contact Contact) contactRow {
	return contactRow{
		DedupKey:              DedupKey(contact.Timestamp, contact.CorrespondentCallsign),
		Timestamp:             contact.Timestamp,
		UTCDate:               UTCDate(contact.Timestamp),
		FrequencyHz:           contact.FrequencyHz,
		CorrespondentCallsign: contact.CorrespondentCallsign,
		CorrespondentGrid:     contact.CorrespondentGrid,
		Comment:               contact.Comment,
		Mode:                  contact.Mode,
		RelayName:             contact.RelayName,
		RelayOperator:         contact.RelayOperator,
	}
}

// BatchResult summarizes one upsert batch. Row failures do not abort the
// batch; they are collected here so partial success stays observable.
type BatchResult struct {
	Succeeded int
	Failed    int
	Errors    []error
}

// StoreConfig describes the dependencies for the partition store.
type StoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store owns durable contact persistence: one partition table per operator
// callsign plus the operator registry. All schema growth (a table for a newly
// seen operator) funnels through a single-flight guard so concurrent openers
// share one in-flight attempt.
type Store struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger

	open singleflight.Group

	mu     sync.Mutex
	tables map[string]string // callsign -> partition table name
}

// NewStore constructs the store and loads the registry mapping.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, ErrMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	store := &Store{
		db:     cfg.Database,
		clock:  clock,
		logger: logger,
		tables: make(map[string]string),
	}

	var records []database.OperatorRecord
	if err := cfg.Database.Find(&records).Error; err != nil {
		return nil, fmt.Errorf("logbook: load operator registry: %w", err)
	}
	for _, record := range records {
		store.tables[record.Callsign] = record.PartitionTable
	}

	return store, nil
}

// EnsurePartition creates the partition table for an operator if it does not
// exist yet. Idempotent and safe for concurrent callers: all racers await the
// same in-flight creation, and a failed attempt is not cached so the next
// caller retries cleanly.
func (s *Store) EnsurePartition(ctx context.Context, operator string) error {
	operator = strings.TrimSpace(operator)
	if operator == "" {
		return ErrMissingOperator
	}

	s.mu.Lock()
	_, known := s.tables[operator]
	s.mu.Unlock()
	if known {
		return nil
	}

	_, err, _ := s.open.Do(operator, func() (interface{}, error) {
		return nil, s.createPartition(ctx, operator)
	})
	return err
}

func (s *Store) createPartition(ctx context.Context, operator string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, known := s.tables[operator]; known {
		return nil
	}

	tableName := s.assignTableName(operator)
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		dedup_key TEXT PRIMARY KEY,
		timestamp INTEGER NOT NULL,
		utc_date TEXT NOT NULL,
		frequency_hz INTEGER NOT NULL DEFAULT 0,
		correspondent_callsign TEXT NOT NULL,
		correspondent_grid TEXT NOT NULL DEFAULT '',
		comment TEXT NOT NULL DEFAULT '',
		mode TEXT NOT NULL DEFAULT '',
		relay_name TEXT NOT NULL DEFAULT '',
		relay_operator TEXT NOT NULL DEFAULT ''
	)`, tableName)
	indexDDL := fmt.Sprintf(
		"CREATE INDEX IF NOT EXISTS idx_%s_utc_date ON %s(utc_date)",
		tableName, tableName)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec(ddl).Error; err != nil {
			return err
		}
		if err := tx.Exec(indexDDL).Error; err != nil {
			return err
		}
		record := database.OperatorRecord{
			Callsign:         operator,
			PartitionTable:   tableName,
			CreatedAtSeconds: s.clock().UTC().Unix(),
		}
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&record).Error
	})
	if err != nil {
		return fmt.Errorf("logbook: create partition for %s: %w", operator, err)
	}

	s.tables[operator] = tableName
	s.logger.Info("partition created",
		zap.String("operator", operator),
		zap.String("table", tableName))
	return nil
}

// assignTableName derives a schema-safe table name for a callsign, resolving
// collisions between callsigns that sanitize to the same identifier. Caller
// holds s.mu.
func (s *Store) assignTableName(operator string) string {
	sanitized := sanitizeIdentifier(operator)
	candidate := "contacts_" + sanitized
	taken := make(map[string]bool, len(s.tables))
	for _, name := range s.tables {
		taken[name] = true
	}
	for suffix := 2; taken[candidate]; suffix++ {
		candidate = fmt.Sprintf("contacts_%s_%d", sanitized, suffix)
	}
	return candidate
}

func sanitizeIdentifier(value string) string {
	var builder strings.Builder
	for _, r := range strings.ToLower(value) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			builder.WriteRune(r)
		default:
			builder.WriteByte('_')
		}
	}
	if builder.Len() == 0 {
		return "unknown"
	}
	return builder.String()
}

func (s *Store) tableFor(operator string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	name, ok := s.tables[operator]
	return name, ok
}

// Upsert writes contacts into the operator's partition with replace-on-conflict
// semantics on the dedup key: the newest write wins, including corrections to
// an already stored (UTC day, correspondent) pair. Malformed rows are counted
// as failures without aborting the batch.
func (s *Store) Upsert(ctx context.Context, operator string, contacts []Contact) (BatchResult, error) {
	var result BatchResult

	operator = strings.TrimSpace(operator)
	if operator == "" {
		return result, ErrMissingOperator
	}
	if err := s.EnsurePartition(ctx, operator); err != nil {
		return result, err
	}
	tableName, _ := s.tableFor(operator)

	for _, contact := range contacts {
		if err := validateContact(contact); err != nil {
			result.Failed++
			result.Errors = append(result.Errors, err)
			continue
		}
		row := rowFromContact(contact)
		err := s.db.WithContext(ctx).Table(tableName).
			Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "dedup_key"}},
				UpdateAll: true,
			}).
			Create(&row).Error
		if err != nil {
			result.Failed++
			result.Errors = append(result.Errors, fmt.Errorf("logbook: upsert %s: %w", row.DedupKey, err))
			s.logger.Warn("contact upsert failed",
				zap.String("operator", operator),
				zap.String("dedup_key", row.DedupKey),
				zap.Error(err))
			continue
		}
		result.Succeeded++
	}

	return result, nil
}

func validateContact(contact Contact) error {
	if contact.Timestamp <= 0 {
		return fmt.Errorf("logbook: contact has no timestamp")
	}
	if strings.TrimSpace(contact.CorrespondentCallsign) == "" {
		return fmt.Errorf("logbook: contact has no correspondent callsign")
	}
	return nil
}

// GetAll returns every contact in the operator's partition. An operator with
// no partition on file yields an empty slice.
func (s *Store) GetAll(ctx context.Context, operator string) ([]Contact, error) {
	tableName, ok := s.tableFor(operator)
	if !ok {
		return nil, nil
	}
	var rows []contactRow
	if err := s.db.WithContext(ctx).Table(tableName).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("logbook: scan partition %s: %w", operator, err)
	}
	contacts := make([]Contact, 0, len(rows))
	for _, row := range rows {
		contacts = append(contacts, row.toContact(operator))
	}
	return contacts, nil
}

// GetByUTCDate returns the operator's contacts for one UTC calendar day via
// the utc_date index.
func (s *Store) GetByUTCDate(ctx context.Context, operator, date string) ([]Contact, error) {
	tableName, ok := s.tableFor(operator)
	if !ok {
		return nil, nil
	}
	var rows []contactRow
	err := s.db.WithContext(ctx).Table(tableName).
		Where("utc_date = ?", date).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("logbook: date lookup %s/%s: %w", operator, date, err)
	}
	contacts := make([]Contact, 0, len(rows))
	for _, row := range rows {
		contacts = append(contacts, row.toContact(operator))
	}
	return contacts, nil
}

// Exists reports whether the partition already holds a contact for the
// (UTC day of timestamp, correspondent) dedup key.
func (s *Store) Exists(ctx context.Context, operator string, timestamp int64, correspondent string) (bool, error) {
	tableName, ok := s.tableFor(operator)
	if !ok {
		return false, nil
	}
	var count int64
	err := s.db.WithContext(ctx).Table(tableName).
		Where("dedup_key = ?", DedupKey(timestamp, correspondent)).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("logbook: exists lookup %s: %w", operator, err)
	}
	return count > 0, nil
}

// ListOperators returns the sorted registry of operator callsigns on file.
func (s *Store) ListOperators(ctx context.Context) ([]string, error) {
	var callsigns []string
	err := s.db.WithContext(ctx).
		Model(&database.OperatorRecord{}).
		Order("callsign").
		Pluck("callsign", &callsigns).Error
	if err != nil {
		return nil, fmt.Errorf("logbook: list operators: %w", err)
	}
	return callsigns, nil
}

// MergeOperators unions callsigns into the registry. Existing entries are
// never overwritten or lost; each new callsign also gets its partition so the
// registry and the table mapping stay consistent.
func (s *Store) MergeOperators(ctx context.Context, callsigns []string) error {
	for _, callsign := range callsigns {
		callsign = strings.TrimSpace(callsign)
		if callsign == "" {
			continue
		}
		if err := s.EnsurePartition(ctx, callsign); err != nil {
			return err
		}
	}
	return nil
}

// CountContacts returns the partition's total contact count.
func (s *Store) CountContacts(ctx context.Context, operator string) (int64, error) {
	tableName, ok := s.tableFor(operator)
	if !ok {
		return 0, nil
	}
	var count int64
	if err := s.db.WithContext(ctx).Table(tableName).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("logbook: count %s: %w", operator, err)
	}
	return count, nil
}

// CountForUTCDate returns the partition's contact count for one UTC day.
func (s *Store) CountForUTCDate(ctx context.Context, operator, date string) (int64, error) {
	tableName, ok := s.tableFor(operator)
	if !ok {
		return 0, nil
	}
	var count int64
	err := s.db.WithContext(ctx).Table(tableName).
		Where("utc_date = ?", date).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("logbook: today count %s: %w", operator, err)
	}
	return count, nil
}

// CountDistinctCorrespondents returns how many distinct correspondents the
// partition holds.
func (s *Store) CountDistinctCorrespondents(ctx context.Context, operator string) (int64, error) {
	tableName, ok := s.tableFor(operator)
	if !ok {
		return 0, nil
	}
	var count int64
	err := s.db.WithContext(ctx).Table(tableName).
		Distinct("correspondent_callsign").
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("logbook: distinct correspondents %s: %w", operator, err)
	}
	return count, nil
}

// ClearAll irreversibly drops every partition table and the operator registry.
func (s *Store) ClearAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, tableName := range s.tables {
			if err := tx.Exec("DROP TABLE IF EXISTS " + tableName).Error; err != nil {
				return err
			}
		}
		return tx.Where("1 = 1").Delete(&database.OperatorRecord{}).Error
	})
	if err != nil {
		return fmt.Errorf("logbook: clear all: %w", err)
	}

	s.tables = make(map[string]string)
	s.logger.Info("all log data cleared")
	return nil
}
