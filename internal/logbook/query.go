package logbook

import (
	"context"
	"sort"
	"strings"
	"time"
)

const (
	// DefaultPageSize applies to the recency listing.
	DefaultPageSize = 20
	// OldFriendsPageSize applies to the recurrence listing.
	OldFriendsPageSize = 25
	// CorrespondentPageSize applies to the per-correspondent detail listing.
	CorrespondentPageSize = 10

	leaderboardLimit = 100
)

// RecentContact is a Contact annotated with its 1-based sequence number
// within its UTC day. The number is assigned over the complete per-day set,
// so it is stable under search and paging.
type RecentContact struct {
	Contact
	DailyIndex int
}

// RecentParams describes one recency listing request.
type RecentParams struct {
	Operator string
	Search   string
	Date     string // optional single UTC day, YYYY-MM-DD
	Page     int
	PageSize int
}

// RecentPage is one page of the recency listing.
type RecentPage struct {
	Data       []RecentContact
	Total      int
	Page       int
	PageSize   int
	TotalPages int
}

// RankEntry is one row of a leaderboard rollup.
type RankEntry struct {
	Key   string
	Count int
}

// RelayEntry is one row of the relay rollup, keyed for display by relay name.
type RelayEntry struct {
	RelayName     string
	RelayOperator string
	Count         int
}

// Friend summarizes repeated contacts with one correspondent.
type Friend struct {
	Callsign   string
	Count      int
	FirstTime  int64
	LatestTime int64
	Grid       string
}

// FriendsPage is one page of the recurrence listing.
type FriendsPage struct {
	Data       []Friend
	Total      int
	Page       int
	PageSize   int
	TotalPages int
}

// ContactsPage is one page of the per-correspondent detail listing.
type ContactsPage struct {
	Data       []RecentContact
	Total      int
	Page       int
	PageSize   int
	TotalPages int
}

// Stats carries the headline numbers for one operator.
type Stats struct {
	Total                int64
	Today                int64
	UniqueCorrespondents int64
}

// QueryConfig describes the dependencies of the read-side engine.
type QueryConfig struct {
	Store *Store
	Clock func() time.Time
}

// QueryEngine answers paginated and aggregated read queries over one
// operator's partition. All aggregates are on-demand full scans; partitions
// are bounded to one operator's lifetime log so interactive latency holds
// without materialized rollups.
type QueryEngine struct {
	store *Store
	clock func() time.Time
}

// NewQueryEngine constructs the read-side engine.
func NewQueryEngine(cfg QueryConfig) (*QueryEngine, error) {
	if cfg.Store == nil {
		return nil, ErrMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &QueryEngine{store: cfg.Store, clock: clock}, nil
}

// ListRecent returns the recency listing: newest first, optional
// case-insensitive substring search on the correspondent callsign, optional
// single-UTC-day filter. Querying with no operator selected is a normal
// state and yields an empty page.
func (q *QueryEngine) ListRecent(ctx context.Context, params RecentParams) (RecentPage, error) {
	pageSize := params.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	empty := RecentPage{Page: params.Page, PageSize: pageSize}
	if strings.TrimSpace(params.Operator) == "" {
		return empty, nil
	}

	var (
		contacts []Contact
		err      error
	)
	if params.Date != "" {
		contacts, err = q.store.GetByUTCDate(ctx, params.Operator, params.Date)
	} else {
		contacts, err = q.store.GetAll(ctx, params.Operator)
	}
	if err != nil {
		return empty, err
	}

	annotated := annotateDailyIndex(contacts)
	filtered := filterBySearch(annotated, params.Search)
	sort.SliceStable(filtered, func(i, j int) bool {
		return filtered[i].Timestamp > filtered[j].Timestamp
	})

	data, total, totalPages := paginate(filtered, params.Page, pageSize)
	return RecentPage{
		Data:       data,
		Total:      total,
		Page:       params.Page,
		PageSize:   pageSize,
		TotalPages: totalPages,
	}, nil
}

// annotateDailyIndex groups contacts by UTC day, orders each day ascending by
// timestamp and assigns the 1-based position. Runs before any filtering.
func annotateDailyIndex(contacts []Contact) []RecentContact {
	byDay := make(map[string][]int, 16)
	for i, contact := range contacts {
		day := UTCDate(contact.Timestamp)
		byDay[day] = append(byDay[day], i)
	}

	annotated := make([]RecentContact, len(contacts))
	for i, contact := range contacts {
		annotated[i] = RecentContact{Contact: contact}
	}
	for _, indices := range byDay {
		sort.SliceStable(indices, func(a, b int) bool {
			return contacts[indices[a]].Timestamp < contacts[indices[b]].Timestamp
		})
		for position, idx := range indices {
			annotated[idx].DailyIndex = position + 1
		}
	}
	return annotated
}

func filterBySearch(contacts []RecentContact, search string) []RecentContact {
	search = strings.ToLower(strings.TrimSpace(search))
	if search == "" {
		return contacts
	}
	filtered := make([]RecentContact, 0, len(contacts))
	for _, contact := range contacts {
		if strings.Contains(strings.ToLower(contact.CorrespondentCallsign), search) {
			filtered = append(filtered, contact)
		}
	}
	return filtered
}

// Leaderboard ranks correspondents by contact count, capped at the top 100.
func (q *QueryEngine) Leaderboard(ctx context.Context, operator string) ([]RankEntry, error) {
	contacts, err := q.operatorContacts(ctx, operator)
	if err != nil || contacts == nil {
		return nil, err
	}
	return rankByKey(contacts, func(c Contact) string { return c.CorrespondentCallsign }), nil
}

// GridRollup ranks correspondent grid squares by contact count.
func (q *QueryEngine) GridRollup(ctx context.Context, operator string) ([]RankEntry, error) {
	contacts, err := q.operatorContacts(ctx, operator)
	if err != nil || contacts == nil {
		return nil, err
	}
	return rankByKey(contacts, func(c Contact) string { return c.CorrespondentGrid }), nil
}

// RelayRollup ranks relays by contact count. Counting groups by relay name
// and relay operator jointly, display keys by relay name only: relays sharing
// a name under different operators coalesce in the count and keep whichever
// operator association was seen last. Known quirk, kept as observed.
func (q *QueryEngine) RelayRollup(ctx context.Context, operator string) ([]RelayEntry, error) {
	contacts, err := q.operatorContacts(ctx, operator)
	if err != nil || contacts == nil {
		return nil, err
	}

	type jointKey struct {
		name     string
		operator string
	}
	jointCounts := make(map[jointKey]int)
	jointOrder := make([]jointKey, 0)
	for _, contact := range contacts {
		key := jointKey{name: contact.RelayName, operator: contact.RelayOperator}
		if _, seen := jointCounts[key]; !seen {
			jointOrder = append(jointOrder, key)
		}
		jointCounts[key]++
	}

	byName := make(map[string]int, len(jointOrder))
	entries := make([]RelayEntry, 0, len(jointOrder))
	for _, key := range jointOrder {
		if idx, seen := byName[key.name]; seen {
			entries[idx].Count += jointCounts[key]
			entries[idx].RelayOperator = key.operator
			continue
		}
		byName[key.name] = len(entries)
		entries = append(entries, RelayEntry{
			RelayName:     key.name,
			RelayOperator: key.operator,
			Count:         jointCounts[key],
		})
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Count > entries[j].Count
	})
	if len(entries) > leaderboardLimit {
		entries = entries[:leaderboardLimit]
	}
	return entries, nil
}

func rankByKey(contacts []Contact, keyOf func(Contact) string) []RankEntry {
	counts := make(map[string]int)
	order := make([]string, 0)
	for _, contact := range contacts {
		key := keyOf(contact)
		if _, seen := counts[key]; !seen {
			order = append(order, key)
		}
		counts[key]++
	}

	entries := make([]RankEntry, 0, len(order))
	for _, key := range order {
		entries = append(entries, RankEntry{Key: key, Count: counts[key]})
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Count > entries[j].Count
	})
	if len(entries) > leaderboardLimit {
		entries = entries[:leaderboardLimit]
	}
	return entries
}

// OldFriends returns per-correspondent recurrence stats: contact count, first
// and latest contact time, and the grid from the record with the latest
// timestamp (grids move; most recent wins; equal timestamps leave the winner
// unspecified).
func (q *QueryEngine) OldFriends(ctx context.Context, operator, search string, page, pageSize int) (FriendsPage, error) {
	if pageSize <= 0 {
		pageSize = OldFriendsPageSize
	}
	empty := FriendsPage{Page: page, PageSize: pageSize}
	if strings.TrimSpace(operator) == "" {
		return empty, nil
	}

	contacts, err := q.store.GetAll(ctx, operator)
	if err != nil {
		return empty, err
	}

	search = strings.ToLower(strings.TrimSpace(search))
	friends := make(map[string]*Friend)
	order := make([]string, 0)
	for _, contact := range contacts {
		callsign := contact.CorrespondentCallsign
		if search != "" && !strings.Contains(strings.ToLower(callsign), search) {
			continue
		}
		friend, seen := friends[callsign]
		if !seen {
			friend = &Friend{
				Callsign:   callsign,
				FirstTime:  contact.Timestamp,
				LatestTime: contact.Timestamp,
				Grid:       contact.CorrespondentGrid,
			}
			friends[callsign] = friend
			order = append(order, callsign)
		}
		friend.Count++
		if contact.Timestamp < friend.FirstTime {
			friend.FirstTime = contact.Timestamp
		}
		if contact.Timestamp > friend.LatestTime {
			friend.LatestTime = contact.Timestamp
			friend.Grid = contact.CorrespondentGrid
		}
	}

	all := make([]Friend, 0, len(order))
	for _, callsign := range order {
		all = append(all, *friends[callsign])
	}
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].Count > all[j].Count
	})

	data, total, totalPages := paginate(all, page, pageSize)
	return FriendsPage{
		Data:       data,
		Total:      total,
		Page:       page,
		PageSize:   pageSize,
		TotalPages: totalPages,
	}, nil
}

// ListByCorrespondent returns the newest-first contacts with one exact
// correspondent, with the smaller detail page size.
func (q *QueryEngine) ListByCorrespondent(ctx context.Context, operator, correspondent string, page, pageSize int) (ContactsPage, error) {
	if pageSize <= 0 {
		pageSize = CorrespondentPageSize
	}
	empty := ContactsPage{Page: page, PageSize: pageSize}
	if strings.TrimSpace(operator) == "" || strings.TrimSpace(correspondent) == "" {
		return empty, nil
	}

	contacts, err := q.store.GetAll(ctx, operator)
	if err != nil {
		return empty, err
	}

	annotated := annotateDailyIndex(contacts)
	matching := make([]RecentContact, 0)
	for _, contact := range annotated {
		if contact.CorrespondentCallsign == correspondent {
			matching = append(matching, contact)
		}
	}
	sort.SliceStable(matching, func(i, j int) bool {
		return matching[i].Timestamp > matching[j].Timestamp
	})

	data, total, totalPages := paginate(matching, page, pageSize)
	return ContactsPage{
		Data:       data,
		Total:      total,
		Page:       page,
		PageSize:   pageSize,
		TotalPages: totalPages,
	}, nil
}

// GetStats returns total, today and unique-correspondent counts for one
// operator. No operator selected yields zeroes.
func (q *QueryEngine) GetStats(ctx context.Context, operator string) (Stats, error) {
	if strings.TrimSpace(operator) == "" {
		return Stats{}, nil
	}
	total, err := q.store.CountContacts(ctx, operator)
	if err != nil {
		return Stats{}, err
	}
	today, err := q.store.CountForUTCDate(ctx, operator, UTCDate(q.clock().Unix()))
	if err != nil {
		return Stats{}, err
	}
	unique, err := q.store.CountDistinctCorrespondents(ctx, operator)
	if err != nil {
		return Stats{}, err
	}
	return Stats{Total: total, Today: today, UniqueCorrespondents: unique}, nil
}

func (q *QueryEngine) operatorContacts(ctx context.Context, operator string) ([]Contact, error) {
	if strings.TrimSpace(operator) == "" {
		return nil, nil
	}
	contacts, err := q.store.GetAll(ctx, operator)
	if err != nil {
		return nil, err
	}
	if contacts == nil {
		contacts = []Contact{}
	}
	return contacts, nil
}

// paginate slices items for a 1-based page. Page 0 or a page beyond the last
// yields empty data; totals still describe the full result set.
func paginate[T any](items []T, page, pageSize int) (data []T, total, totalPages int) {
	total = len(items)
	if pageSize > 0 {
		totalPages = (total + pageSize - 1) / pageSize
	}
	if page < 1 || page > totalPages {
		return []T{}, total, totalPages
	}
	start := (page - 1) * pageSize
	end := start + pageSize
	if end > total {
		end = total
	}
	return items[start:end], total, totalPages
}
