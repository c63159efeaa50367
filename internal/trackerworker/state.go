package trackerworker

import (
	"sync"
	"time"

	"github.com/fatih/structs"

	"github.com/bitswarm/torrentcore/internal/tracker"
)

// TrackerState holds the mutable counters and timestamps a worker maintains
// about its tracker. Every field is read and written only while holding the
// worker's lock, obtained through Worker.LockGuard.
type TrackerState struct {
	Enabled     bool
	Busy        bool
	ScrapeBusy  bool
	LatestEvent tracker.Event

	SuccessCounter  int
	SuccessTimeLast time.Time
	SuccessTimeNext time.Time

	FailedCounter  int
	FailedTimeLast time.Time
	FailedTimeNext time.Time

	Scrapable      bool
	ScrapeTimeLast time.Time

	LatestSumPeers int
	Seeders        int32
	Leechers       int32
}

// Map renders the state as a string-keyed map for debug introspection,
// mirroring the structs.Map dump used elsewhere in this lineage's RPC layer.
func (s *TrackerState) Map() map[string]interface{} {
	return structs.Map(s)
}

// lockedState pairs a TrackerState with the mutex guarding it, giving a
// worker its own lock_guard() without borrowing one from the caller.
type lockedState struct {
	m     sync.Mutex
	state TrackerState
}

// LockGuard runs fn with the state locked.
func (l *lockedState) LockGuard(fn func(*TrackerState)) {
	l.m.Lock()
	defer l.m.Unlock()
	fn(&l.state)
}

// Snapshot returns a copy of the state taken under lock.
func (l *lockedState) Snapshot() TrackerState {
	l.m.Lock()
	defer l.m.Unlock()
	return l.state
}
