// Package trackerlist keeps the ordered groups of trackers for a single
// torrent, selecting which to contact next and reacting to announce/scrape
// outcomes reported by the workers (internal/trackerworker) it owns.
package trackerlist

import (
	"math/rand"
	"net"
	"sort"
	"sync"
	"time"

	node "github.com/nictuku/dht"

	"github.com/bitswarm/torrentcore/internal/logger"
	"github.com/bitswarm/torrentcore/internal/tracker"
	"github.com/bitswarm/torrentcore/internal/trackerworker"
)

// scrapeSuppressionWindow is the minimum time between two scrapes of the
// same tracker.
const scrapeSuppressionWindow = 10 * time.Minute

// Entry is one tracker as seen by the list: its worker plus the group it
// belongs to. Trackers at the front of their group are tried first.
type Entry struct {
	Worker *trackerworker.Worker
	Group  int

	mScrape        sync.Mutex
	lastScrapeTime time.Time
}

// CanRequestState reports whether the list may hand this entry out as a
// candidate to announce to: it must be enabled and not already busy.
func (e *Entry) CanRequestState() bool {
	s := e.Worker.State()
	return s.Enabled && !s.Busy
}

// Slots is the external callback surface the list's owner (e.g. the
// download) wires up to learn about announce/scrape outcomes. The list has
// already updated the entry's counters by the time these fire. Success
// returns how many of the peers were new to the caller, recorded back into
// the worker's LatestSumPeers.
type Slots struct {
	Success       func(e *Entry, peers []*net.TCPAddr) int
	Failure       func(e *Entry, message string)
	ScrapeSuccess func(e *Entry, resp *tracker.ScrapeResponse)
	ScrapeFailure func(e *Entry, message string)
}

// List is an ordered collection of tracker groups for one torrent.
type List struct {
	m      sync.Mutex
	groups map[int][]*Entry

	slots      Slots
	getTorrent func() tracker.Torrent
	numWant    int
	dhtNode    *node.DHT
	log        logger.Logger
}

// New returns an empty List. getTorrent is consulted before every announce
// so upload/download counters stay current.
func New(getTorrent func() tracker.Torrent, numWant int, slots Slots, dhtNode *node.DHT) *List {
	return &List{
		groups:     make(map[int][]*Entry),
		slots:      slots,
		getTorrent: getTorrent,
		numWant:    numWant,
		dhtNode:    dhtNode,
		log:        logger.New("tracker list"),
	}
}

// Insert builds a worker for rawURL, places it at the end of group, wires
// its callbacks to the list's receive handlers, and starts it.
func (l *List) Insert(group int, rawURL string) (*Entry, error) {
	return l.insert(group, func(slots trackerworker.Slots) (*trackerworker.Worker, error) {
		return trackerworker.New(rawURL, slots, l.dhtNode)
	})
}

// InsertTracker is like Insert but wraps an already-constructed
// tracker.Tracker instead of resolving one from a URL. Exported so tests (and
// any scheme this package's URL resolution doesn't know about) can supply
// their own Tracker.
func (l *List) InsertTracker(group int, trk tracker.Tracker, logName string) (*Entry, error) {
	return l.insert(group, func(slots trackerworker.Slots) (*trackerworker.Worker, error) {
		return trackerworker.NewWithTracker(trk, slots, logName)
	})
}

func (l *List) insert(group int, build func(trackerworker.Slots) (*trackerworker.Worker, error)) (*Entry, error) {
	e := &Entry{Group: group}

	w, err := build(trackerworker.Slots{
		Success:       func(peers []*net.TCPAddr) { l.onSuccess(e, peers) },
		Failure:       func(msg string) { l.onFailure(e, msg) },
		ScrapeSuccess: func(resp *tracker.ScrapeResponse) { l.onScrapeSuccess(e, resp) },
		ScrapeFailure: func(msg string) { l.onScrapeFailure(e, msg) },
		Parameters: func() trackerworker.Parameters {
			return trackerworker.Parameters{Torrent: l.getTorrent(), NumWant: l.numWant}
		},
	})
	if err != nil {
		return nil, err
	}
	e.Worker = w

	l.m.Lock()
	l.groups[group] = append(l.groups[group], e)
	l.m.Unlock()

	w.Start()
	return e, nil
}

// flattenLocked returns every entry across all groups, groups visited in
// ascending order and entries within a group in list order. Caller must
// already hold l.m.
func (l *List) flattenLocked() []*Entry {
	keys := make([]int, 0, len(l.groups))
	for g := range l.groups {
		keys = append(keys, g)
	}
	sort.Ints(keys)

	var flat []*Entry
	for _, g := range keys {
		flat = append(flat, l.groups[g]...)
	}
	return flat
}

// FindNextToRequest walks the flattened list starting at start (wrapping
// around), returning the first eligible tracker as described in the list's
// selection policy: a healthy primary wins outright; among failing
// trackers the one with the earliest next-retry time wins, unless a nearby
// healthy tracker becomes ready sooner.
func (l *List) FindNextToRequest(start int) (*Entry, int, bool) {
	l.m.Lock()
	defer l.m.Unlock()

	flat := l.flattenLocked()
	n := len(flat)
	if n == 0 {
		return nil, 0, false
	}

	idx := -1
	for i := 0; i < n; i++ {
		j := (start + i) % n
		if flat[j].CanRequestState() {
			idx = j
			break
		}
	}
	if idx == -1 {
		return nil, 0, false
	}

	preferred := flat[idx]
	preferredState := preferred.Worker.State()
	if preferredState.FailedCounter == 0 {
		return preferred, idx, true
	}

	for i := 1; i < n; i++ {
		j := (idx + i) % n
		if j == idx {
			break
		}
		cand := flat[j]
		if !cand.CanRequestState() {
			continue
		}
		candState := cand.Worker.State()
		if candState.FailedCounter > 0 {
			if candState.FailedTimeNext.Before(preferredState.FailedTimeNext) {
				preferred, preferredState, idx = cand, candState, j
			}
			continue
		}
		if candState.SuccessTimeNext.Before(preferredState.FailedTimeNext) {
			preferred, idx = cand, j
		}
		break
	}
	return preferred, idx, true
}

// Promote moves e to the front of its group. A no-op if e is already there.
func (l *List) Promote(e *Entry) {
	l.m.Lock()
	defer l.m.Unlock()
	g := l.groups[e.Group]
	for i, x := range g {
		if x == e {
			if i != 0 {
				g[0], g[i] = g[i], g[0]
			}
			return
		}
	}
}

// CycleGroup moves group's front entry to the back, by pairwise swapping
// forward through the group. Applying it len(group) times restores the
// original order.
func (l *List) CycleGroup(group int) {
	l.m.Lock()
	defer l.m.Unlock()
	g := l.groups[group]
	for i := 0; i < len(g)-1; i++ {
		g[i], g[i+1] = g[i+1], g[i]
	}
}

// RandomizeGroupEntries independently shuffles each group's internal order.
func (l *List) RandomizeGroupEntries() {
	l.m.Lock()
	defer l.m.Unlock()
	for _, g := range l.groups {
		rand.Shuffle(len(g), func(i, j int) { g[i], g[j] = g[j], g[i] })
	}
}

// SendEvent requests e announce event, unless e is not usable or e is
// already busy with an announce. A tracker only busy with a scrape has
// that scrape closed first and the event sent anyway: a worker allows only
// one outstanding operation at a time, and an announce request takes
// priority over a scrape already in flight.
func (l *List) SendEvent(e *Entry, event tracker.Event) {
	s := e.Worker.State()
	if !s.Enabled {
		return
	}
	if s.Busy {
		return
	}
	if s.ScrapeBusy {
		e.Worker.CancelScrape()
	}
	e.Worker.SendEvent(event)
}

// SendScrape requests a scrape of e, unless it is busy, not usable, not
// scrapable, or was scraped less than scrapeSuppressionWindow ago.
func (l *List) SendScrape(e *Entry) {
	s := e.Worker.State()
	if !s.Enabled || s.Busy {
		return
	}

	e.mScrape.Lock()
	last := e.lastScrapeTime
	e.mScrape.Unlock()
	if time.Since(last) < scrapeSuppressionWindow {
		return
	}

	e.Worker.SendScrape()
}

// EventMask is a set of tracker.Event values, tested with Has.
type EventMask uint8

func eventBit(e tracker.Event) EventMask { return 1 << uint(e) }

// Has reports whether e is a member of the mask.
func (m EventMask) Has(e tracker.Event) bool { return m&eventBit(e) != 0 }

// NewEventMask builds a mask containing the given events.
func NewEventMask(events ...tracker.Event) EventMask {
	var m EventMask
	for _, e := range events {
		m |= eventBit(e)
	}
	return m
}

// CloseAllExcluding closes every tracker whose latest announced event is
// not in mask.
func (l *List) CloseAllExcluding(mask EventMask) {
	l.m.Lock()
	entries := l.flattenLocked()
	l.m.Unlock()

	for _, e := range entries {
		s := e.Worker.State()
		if !mask.Has(s.LatestEvent) {
			e.Worker.Close()
		}
	}
}

// DisownAllIncluding detaches every tracker whose latest announced event is
// in mask from this list's callback surface, without stopping it.
func (l *List) DisownAllIncluding(mask EventMask) {
	l.m.Lock()
	entries := l.flattenLocked()
	l.m.Unlock()

	for _, e := range entries {
		s := e.Worker.State()
		if mask.Has(s.LatestEvent) {
			e.Worker.Disown()
		}
	}
}

func (l *List) onSuccess(e *Entry, peers []*net.TCPAddr) {
	l.Promote(e)
	unique := dedupePeers(peers)

	e.Worker.LockGuard(func(s *trackerworker.TrackerState) {
		s.SuccessTimeLast = time.Now()
		s.SuccessCounter++
		s.FailedCounter = 0
		s.LatestSumPeers = len(unique)
		s.LatestEvent = tracker.EventNone
	})

	var newPeers int
	if l.slots.Success != nil {
		newPeers = l.slots.Success(e, unique)
	}

	e.Worker.LockGuard(func(s *trackerworker.TrackerState) {
		s.LatestSumPeers = newPeers
	})
}

func (l *List) onFailure(e *Entry, message string) {
	e.Worker.LockGuard(func(s *trackerworker.TrackerState) {
		s.FailedTimeLast = time.Now()
		s.FailedCounter++
	})
	if l.slots.Failure != nil {
		l.slots.Failure(e, message)
	}
}

func (l *List) onScrapeSuccess(e *Entry, resp *tracker.ScrapeResponse) {
	e.mScrape.Lock()
	e.lastScrapeTime = time.Now()
	e.mScrape.Unlock()
	if l.slots.ScrapeSuccess != nil {
		l.slots.ScrapeSuccess(e, resp)
	}
}

func (l *List) onScrapeFailure(e *Entry, message string) {
	if l.slots.ScrapeFailure != nil {
		l.slots.ScrapeFailure(e, message)
	}
}

// dedupePeers sorts and removes duplicate addresses, matching the "sort +
// dedupe" step the list performs on every successful announce.
func dedupePeers(peers []*net.TCPAddr) []*net.TCPAddr {
	sorted := make([]*net.TCPAddr, len(peers))
	copy(sorted, peers)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].String() < sorted[j].String() })

	out := sorted[:0:0]
	var prev string
	for i, p := range sorted {
		s := p.String()
		if i == 0 || s != prev {
			out = append(out, p)
			prev = s
		}
	}
	return out
}
