// Package presence maintains per-room, per-user live-connection counters.
// The table is deliberately inexact: counts are clamped rather than raised
// on underflow, trading precision for a narrow mutation API that no other
// component can reach into.
package presence

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

const defaultCleanupWindow = 60 * time.Second

type entryKey struct {
	userID string
	roomID int64
}

// Entry is a snapshot of one user's presence in one room.
type Entry struct {
	UserID          string
	RoomID          int64
	ConnectionCount int
	LastRefreshAt   time.Time
}

// TrackerConfig describes tunables for the tracker.
type TrackerConfig struct {
	// CleanupWindow is how long a zero-count entry may linger before
	// CleanupStale removes it.
	CleanupWindow time.Duration
	Clock         func() time.Time
	Logger        *zap.Logger
}

// Tracker owns the presence table. All mutations go through Increment,
// Decrement, and CleanupStale, serialized by one mutex.
type Tracker struct {
	mu      sync.Mutex
	entries map[entryKey]*Entry
	window  time.Duration
	clock   func() time.Time
	logger  *zap.Logger
}

// NewTracker constructs an empty tracker.
func NewTracker(cfg TrackerConfig) *Tracker {
	window := cfg.CleanupWindow
	if window <= 0 {
		window = defaultCleanupWindow
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		entries: make(map[entryKey]*Entry),
		window:  window,
		clock:   clock,
		logger:  logger,
	}
}

// Increment records one more live connection for the user in the room and
// returns the new count. The entry is created on first use.
func (t *Tracker) Increment(userID string, roomID int64) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := entryKey{userID: userID, roomID: roomID}
	entry, ok := t.entries[key]
	if !ok {
		entry = &Entry{UserID: userID, RoomID: roomID}
		t.entries[key] = entry
	}
	entry.ConnectionCount++
	entry.LastRefreshAt = t.clock()
	return entry.ConnectionCount
}

// Decrement records one fewer live connection and returns the new count.
// Decrementing an absent or zero entry is a no-op, never a negative count.
func (t *Tracker) Decrement(userID string, roomID int64) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.entries[entryKey{userID: userID, roomID: roomID}]
	if !ok {
		return 0
	}
	if entry.ConnectionCount == 0 {
		entry.LastRefreshAt = t.clock()
		return 0
	}
	entry.ConnectionCount--
	entry.LastRefreshAt = t.clock()
	return entry.ConnectionCount
}

// IsOnline reports whether the user holds at least one live connection in the room.
func (t *Tracker) IsOnline(userID string, roomID int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.entries[entryKey{userID: userID, roomID: roomID}]
	return ok && entry.ConnectionCount > 0
}

// RoomOccupants returns the user ids currently online in the room.
func (t *Tracker) RoomOccupants(roomID int64) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var occupants []string
	for key, entry := range t.entries {
		if key.roomID == roomID && entry.ConnectionCount > 0 {
			occupants = append(occupants, key.userID)
		}
	}
	return occupants
}

// CleanupStale removes zero-count entries whose last refresh predates the
// cleanup window and returns how many were removed.
func (t *Tracker) CleanupStale() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := t.clock().Add(-t.window)
	removed := 0
	for key, entry := range t.entries {
		if entry.ConnectionCount == 0 && entry.LastRefreshAt.Before(cutoff) {
			delete(t.entries, key)
			removed++
		}
	}
	if removed > 0 {
		t.logger.Debug("stale presence entries removed", zap.Int("count", removed))
	}
	return removed
}
