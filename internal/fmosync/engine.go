// Package fmosync keeps the local partition for the selected operator fresh
// by polling the FMO device: cheap incremental checks on every tick, a full
// today-walk once per hour, both gated by a speaking-activity heuristic so an
// idle device is not polled needlessly.
package fmosync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fmotools/qsolog/internal/fmo"
	"github.com/fmotools/qsolog/internal/logbook"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	todayPageSize       = 20
	incrementalPageSize = 10

	defaultPollInterval     = 10 * time.Second
	defaultFullSyncInterval = time.Hour
	prunePeriod             = time.Minute
)

var (
	// ErrEngineClosed indicates the engine was torn down; no new cycles start.
	ErrEngineClosed = errors.New("fmosync: engine closed")
	// ErrSyncInFlight indicates another sync cycle is already running.
	ErrSyncInFlight = errors.New("fmosync: sync already in progress")
)

// Client is the slice of the device API one sync cycle consumes.
type Client interface {
	ListContacts(ctx context.Context, page, pageSize int, operator string) ([]fmo.ListItem, error)
	ContactDetail(ctx context.Context, logID int64) (*logbook.RawRow, error)
	Close() error
}

// Outcome summarizes one sync cycle. ReloadRecommended signals that the
// partition went from empty to populated: read-side caches computed against
// "empty" should be rebuilt wholesale rather than patched.
type Outcome struct {
	Synced            int
	WasEmpty          bool
	ReloadRecommended bool
	Correspondents    []string
}

// Config describes the dependencies of the sync engine.
type Config struct {
	Store            *logbook.Store
	NewClient        func() Client
	Operator         func() string
	Speaking         *SpeakingTracker
	EventsConnected  func() bool
	OnSyncComplete   func(Outcome)
	Clock            func() time.Time
	Logger           *zap.Logger
	PollInterval     time.Duration
	FullSyncInterval time.Duration
}

// Engine runs sync cycles against the device. Each cycle owns exactly one
// client, opened lazily and closed when the cycle ends; open clients are
// tracked so teardown can force-close every outstanding connection without
// aborting a cycle mid-operation.
type Engine struct {
	store           *logbook.Store
	newClient       func() Client
	operator        func() string
	speaking        *SpeakingTracker
	eventsConnected func() bool
	onSyncComplete  func(Outcome)
	clock           func() time.Time
	logger          *zap.Logger
	pollInterval    time.Duration
	fullInterval    time.Duration

	mu           sync.Mutex
	active       map[Client]struct{}
	inFlight     bool
	closed       bool
	lastFullSync time.Time
}

// NewEngine constructs the sync engine.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, errors.New("fmosync: store is required")
	}
	if cfg.NewClient == nil {
		return nil, errors.New("fmosync: client factory is required")
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	operator := cfg.Operator
	if operator == nil {
		operator = func() string { return "" }
	}
	speaking := cfg.Speaking
	if speaking == nil {
		speaking = NewSpeakingTracker(clock)
	}
	eventsConnected := cfg.EventsConnected
	if eventsConnected == nil {
		eventsConnected = func() bool { return false }
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	fullInterval := cfg.FullSyncInterval
	if fullInterval <= 0 {
		fullInterval = defaultFullSyncInterval
	}

	return &Engine{
		store:           cfg.Store,
		newClient:       cfg.NewClient,
		operator:        operator,
		speaking:        speaking,
		eventsConnected: eventsConnected,
		onSyncComplete:  cfg.OnSyncComplete,
		clock:           clock,
		logger:          logger,
		pollInterval:    pollInterval,
		fullInterval:    fullInterval,
		active:          make(map[Client]struct{}),
	}, nil
}

// Speaking exposes the tracker feeding the scheduling heuristic; the event
// stream handler writes into it.
func (e *Engine) Speaking() *SpeakingTracker {
	return e.speaking
}

// SyncToday walks the device's newest-first listing page by page, saving
// every record from today's UTC day, and stops at the first older record or
// a short page. The catch-up path: hourly, or on manual trigger.
func (e *Engine) SyncToday(ctx context.Context, status func(string)) (Outcome, error) {
	if err := e.beginCycle(); err != nil {
		return Outcome{}, err
	}
	defer e.endCycle()

	client, err := e.acquireClient()
	if err != nil {
		return Outcome{}, err
	}
	defer e.releaseClient(client)

	logger := e.logger.With(zap.String("cycle_id", newCycleID()), zap.String("mode", "today"))
	operator := e.operator()
	wasEmpty, err := e.partitionEmpty(ctx, operator)
	if err != nil {
		return Outcome{}, err
	}

	synced, correspondents, err := e.syncTodayData(ctx, client, operator, status)
	if err != nil {
		return Outcome{}, err
	}

	outcome := Outcome{
		Synced:            synced,
		WasEmpty:          wasEmpty,
		ReloadRecommended: wasEmpty && synced > 0,
		Correspondents:    correspondents,
	}
	logger.Info("today sync finished", zap.Int("synced", synced))
	e.notify(outcome)
	return outcome, nil
}

// IncrementalSync checks only the first listing page for records not yet on
// file. The cheap "did anything new happen" path run on every polling tick.
func (e *Engine) IncrementalSync(ctx context.Context) (Outcome, error) {
	if err := e.beginCycle(); err != nil {
		return Outcome{}, err
	}
	defer e.endCycle()

	client, err := e.acquireClient()
	if err != nil {
		return Outcome{}, err
	}
	defer e.releaseClient(client)

	logger := e.logger.With(zap.String("cycle_id", newCycleID()), zap.String("mode", "incremental"))
	operator := e.operator()
	wasEmpty, err := e.partitionEmpty(ctx, operator)
	if err != nil {
		return Outcome{}, err
	}

	todayStart := logbook.StartOfTodayUTC(e.clock())
	list, err := client.ListContacts(ctx, 0, incrementalPageSize, operator)
	if err != nil {
		return Outcome{}, err
	}

	synced := 0
	var correspondents []string
	for _, item := range list {
		contact, err := e.processItem(ctx, client, item, todayStart, operator)
		if err != nil {
			return Outcome{}, err
		}
		if contact != nil {
			synced++
			correspondents = append(correspondents, contact.CorrespondentCallsign)
		}
	}

	outcome := Outcome{
		Synced:            synced,
		WasEmpty:          wasEmpty,
		ReloadRecommended: wasEmpty && synced > 0,
		Correspondents:    correspondents,
	}
	if synced > 0 {
		logger.Info("incremental sync found new contacts",
			zap.Strings("correspondents", correspondents))
	}
	e.notify(outcome)
	return outcome, nil
}

func (e *Engine) syncTodayData(ctx context.Context, client Client, operator string, status func(string)) (int, []string, error) {
	todayStart := logbook.StartOfTodayUTC(e.clock())
	page := 0
	synced := 0
	var correspondents []string

	for {
		if status != nil {
			status(fmt.Sprintf("fetching listing page %d...", page+1))
		}
		list, err := client.ListContacts(ctx, page, todayPageSize, operator)
		if err != nil {
			return synced, correspondents, err
		}
		if len(list) == 0 {
			break
		}

		reachedOlder := false
		for _, item := range list {
			if item.Timestamp < todayStart {
				// Listing is newest-first: everything below is older still.
				reachedOlder = true
				break
			}
			contact, err := e.processItem(ctx, client, item, todayStart, operator)
			if err != nil {
				return synced, correspondents, err
			}
			if contact != nil {
				if status != nil {
					status("saving contact with " + contact.CorrespondentCallsign + "...")
				}
				synced++
				correspondents = append(correspondents, contact.CorrespondentCallsign)
			}
		}

		if reachedOlder || len(list) < todayPageSize {
			break
		}
		page++
	}

	return synced, correspondents, nil
}

// processItem saves one listing entry if it belongs to today and is not
// already on file. With a selected operator the local exists-check
// short-circuits the detail fetch; without one, the detail decides which
// partition the record belongs to before the exists-check runs.
func (e *Engine) processItem(ctx context.Context, client Client, item fmo.ListItem, todayStart int64, operator string) (*logbook.Contact, error) {
	if item.Timestamp < todayStart {
		return nil, nil
	}

	if operator != "" {
		exists, err := e.store.Exists(ctx, operator, item.Timestamp, item.ToCallsign)
		if err != nil {
			return nil, err
		}
		if exists {
			return nil, nil
		}
		raw, err := client.ContactDetail(ctx, item.LogID)
		if err != nil {
			return nil, err
		}
		if raw == nil {
			return nil, nil
		}
		contact := logbook.Normalize(*raw)
		if contact.OperatorCallsign != operator {
			return nil, nil
		}
		return e.save(ctx, contact)
	}

	raw, err := client.ContactDetail(ctx, item.LogID)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}
	contact := logbook.Normalize(*raw)
	if contact.OperatorCallsign == "" {
		return nil, nil
	}
	exists, err := e.store.Exists(ctx, contact.OperatorCallsign, contact.Timestamp, contact.CorrespondentCallsign)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, nil
	}
	return e.save(ctx, contact)
}

func (e *Engine) save(ctx context.Context, contact logbook.Contact) (*logbook.Contact, error) {
	batch, err := e.store.Upsert(ctx, contact.OperatorCallsign, []logbook.Contact{contact})
	if err != nil {
		return nil, err
	}
	if batch.Succeeded == 0 {
		if len(batch.Errors) > 0 {
			return nil, batch.Errors[0]
		}
		return nil, nil
	}
	return &contact, nil
}

// Run polls on the configured cadence until ctx ends. A full today-sync is
// forced once per rolling hour to bound staleness; other ticks run an
// incremental sync only when the activity heuristic approves. A failed tick
// is logged and never stops the loop.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()
	prune := time.NewTicker(prunePeriod)
	defer prune.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-prune.C:
			e.speaking.Prune()
		case <-ticker.C:
			e.tick(ctx)
		}
	}
}

func (e *Engine) tick(ctx context.Context) {
	now := e.clock()

	e.mu.Lock()
	if e.closed || e.inFlight {
		e.mu.Unlock()
		return
	}
	needsFull := now.Sub(e.lastFullSync) >= e.fullInterval
	if needsFull {
		e.lastFullSync = now
	}
	e.mu.Unlock()

	if needsFull {
		if _, err := e.SyncToday(ctx, nil); err != nil && !errors.Is(err, ErrSyncInFlight) {
			e.logger.Warn("hourly today sync failed", zap.Error(err))
		}
		return
	}

	if !e.shouldSync() {
		e.logger.Debug("operator quiet, skipping poll",
			zap.String("operator", e.operator()))
		return
	}
	if _, err := e.IncrementalSync(ctx); err != nil && !errors.Is(err, ErrSyncInFlight) {
		e.logger.Warn("incremental sync failed", zap.Error(err))
	}
}

// shouldSync judges whether the selected operator is likely active. With the
// event stream up, the speaking history is authoritative: sync only when the
// operator appears in it. Without the live signal, fail open when there is no
// history or no selection yet, otherwise require speaking within five minutes.
func (e *Engine) shouldSync() bool {
	operator := e.operator()

	if e.eventsConnected() {
		return operator != "" && e.speaking.Has(operator)
	}

	if e.speaking.Empty() {
		return true
	}
	if operator == "" {
		return true
	}
	return e.speaking.HasRecent(operator, recentSpeakingWindow)
}

func (e *Engine) partitionEmpty(ctx context.Context, operator string) (bool, error) {
	if operator == "" {
		operators, err := e.store.ListOperators(ctx)
		if err != nil {
			return false, err
		}
		return len(operators) == 0, nil
	}
	count, err := e.store.CountContacts(ctx, operator)
	if err != nil {
		return false, err
	}
	return count == 0, nil
}

func (e *Engine) beginCycle() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrEngineClosed
	}
	if e.inFlight {
		return ErrSyncInFlight
	}
	e.inFlight = true
	return nil
}

func (e *Engine) endCycle() {
	e.mu.Lock()
	e.inFlight = false
	e.mu.Unlock()
}

func (e *Engine) acquireClient() (Client, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrEngineClosed
	}
	client := e.newClient()
	e.active[client] = struct{}{}
	return client, nil
}

func (e *Engine) releaseClient(client Client) {
	e.mu.Lock()
	delete(e.active, client)
	e.mu.Unlock()
	if err := client.Close(); err != nil {
		e.logger.Debug("client close failed", zap.Error(err))
	}
}

func (e *Engine) notify(outcome Outcome) {
	if e.onSyncComplete != nil && outcome.Synced > 0 {
		e.onSyncComplete(outcome)
	}
}

// Close blocks new cycles and force-closes every outstanding client. An
// in-flight cycle is left to finish or fail on its own.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	for client := range e.active {
		client.Close()
		delete(e.active, client)
	}
}

func newCycleID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return "unknown"
	}
	return id.String()
}
