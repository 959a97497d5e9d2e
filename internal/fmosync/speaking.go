package fmosync

import (
	"sync"
	"time"
)

const (
	historyRetention     = 30 * time.Minute
	recentSpeakingWindow = 5 * time.Minute
)

// SpeakingEntry records one station's most recent speaking span. EndTime is
// zero while the station is still speaking; at most one entry is open at a
// time.
type SpeakingEntry struct {
	Callsign  string
	StartTime time.Time
	EndTime   time.Time
}

func (e SpeakingEntry) effectiveTime() time.Time {
	if e.EndTime.IsZero() {
		return e.StartTime
	}
	return e.EndTime
}

// SpeakingTracker keeps the in-memory speaking history that gates sync
// scheduling. Entries older than thirty minutes are pruned; the history is
// not part of the durable contact log.
type SpeakingTracker struct {
	mu      sync.Mutex
	clock   func() time.Time
	entries []SpeakingEntry // newest first
}

// NewSpeakingTracker constructs a tracker with the given clock.
func NewSpeakingTracker(clock func() time.Time) *SpeakingTracker {
	if clock == nil {
		clock = time.Now
	}
	return &SpeakingTracker{clock: clock}
}

// Observe applies one speaking-state change. A speaker starting closes every
// open entry and moves (or creates) that callsign's entry at the front; a
// stop closes every open entry.
func (t *SpeakingTracker) Observe(callsign string, speaking bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock()
	for i := range t.entries {
		if t.entries[i].EndTime.IsZero() {
			t.entries[i].EndTime = now
		}
	}

	if !speaking || callsign == "" {
		t.pruneLocked(now)
		return
	}

	entry := SpeakingEntry{Callsign: callsign, StartTime: now}
	for i := range t.entries {
		if t.entries[i].Callsign == callsign {
			t.entries = append(t.entries[:i], t.entries[i+1:]...)
			break
		}
	}
	t.entries = append([]SpeakingEntry{entry}, t.entries...)
	t.pruneLocked(now)
}

// CurrentSpeaker returns the callsign currently speaking, or empty.
func (t *SpeakingTracker) CurrentSpeaker() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.entries) > 0 && t.entries[0].EndTime.IsZero() {
		return t.entries[0].Callsign
	}
	return ""
}

// Empty reports whether any speaking history is on file.
func (t *SpeakingTracker) Empty() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pruneLocked(t.clock())
	return len(t.entries) == 0
}

// Has reports whether the callsign appears anywhere in the retained history.
func (t *SpeakingTracker) Has(callsign string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pruneLocked(t.clock())
	for _, entry := range t.entries {
		if entry.Callsign == callsign {
			return true
		}
	}
	return false
}

// HasRecent reports whether the callsign spoke within the window.
func (t *SpeakingTracker) HasRecent(callsign string, window time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.clock().Add(-window)
	for _, entry := range t.entries {
		if entry.Callsign == callsign && entry.effectiveTime().After(cutoff) {
			return true
		}
	}
	return false
}

// Prune drops entries older than the retention window.
func (t *SpeakingTracker) Prune() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pruneLocked(t.clock())
}

// Clear empties the history.
func (t *SpeakingTracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = nil
}

// Snapshot returns a copy of the retained history, newest first.
func (t *SpeakingTracker) Snapshot() []SpeakingEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pruneLocked(t.clock())
	snapshot := make([]SpeakingEntry, len(t.entries))
	copy(snapshot, t.entries)
	return snapshot
}

func (t *SpeakingTracker) pruneLocked(now time.Time) {
	cutoff := now.Add(-historyRetention)
	kept := t.entries[:0]
	for _, entry := range t.entries {
		if entry.effectiveTime().After(cutoff) {
			kept = append(kept, entry)
		}
	}
	t.entries = kept
}
