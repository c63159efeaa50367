// Package trackerworker wraps a single tracker.Tracker in an asynchronous
// announce/scrape loop, dispatching results through a caller-supplied set of
// callbacks. It is the worker facet of the tracker component: the list
// (internal/trackerlist) owns many of these and reacts to their callbacks.
package trackerworker

import (
	"context"
	"fmt"
	"math"
	"net"
	"net/url"
	"sync"
	"time"

	backoff "github.com/cenkalti/backoff/v3"
	"github.com/gofrs/uuid"
	node "github.com/nictuku/dht"

	"github.com/bitswarm/torrentcore/internal/logger"
	"github.com/bitswarm/torrentcore/internal/tracker"
	"github.com/bitswarm/torrentcore/internal/tracker/httptracker"
	"github.com/bitswarm/torrentcore/internal/tracker/udptracker"
)

// Status reflects the worker's current relationship with its tracker.
type Status int

const (
	NotContactedYet Status = iota
	Contacting
	Working
	NotWorking
)

// Parameters are pulled from the caller immediately before every announce,
// letting upload/download counters stay current without the worker needing
// to know how they are tracked.
type Parameters struct {
	Torrent tracker.Torrent
	NumWant int
}

// Slots is the callback surface a list wires up at insertion time. Every
// callback except Parameters is invoked from the worker's own goroutine;
// Parameters is also called from the goroutine of each announce or scrape
// attempt. Implementations that touch shared state must synchronize
// themselves.
type Slots struct {
	Enabled       func()
	Disabled      func()
	Success       func([]*net.TCPAddr)
	Failure       func(message string)
	ScrapeSuccess func(*tracker.ScrapeResponse)
	ScrapeFailure func(message string)
	Parameters    func() Parameters
}

var (
	udpTransportOnce sync.Once
	udpTransport     *udptracker.Transport
)

func sharedUDPTransport() *udptracker.Transport {
	udpTransportOnce.Do(func() { udpTransport = udptracker.NewTransport() })
	return udpTransport
}

// Worker runs one tracker's announce/scrape lifecycle on its own goroutine.
type Worker struct {
	trk     tracker.Tracker
	scraper tracker.Scraper // nil if trk's scheme does not support scrape
	slots   Slots
	id      uuid.UUID
	log     logger.Logger
	lockedState

	backoff backoff.BackOff

	eventC  chan tracker.Event
	scrapeC chan struct{}
	closeC  chan struct{}
	doneC   chan struct{}

	scrapeM      sync.Mutex
	scrapeCancel context.CancelFunc
}

// New builds a Worker for rawURL. Scheme selects the transport: http/https,
// udp, or dht (which requires a shared DHT node; pass nil to refuse dht://
// trackers in builds/runtimes where DHT is not permitted).
func New(rawURL string, slots Slots, dhtNode *node.DHT) (*Worker, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}

	var trk tracker.Tracker
	switch u.Scheme {
	case "http", "https":
		trk = httptracker.New(u)
	case "udp":
		trk = udptracker.New(rawURL, u, sharedUDPTransport())
	case "dht":
		if dhtNode == nil {
			return nil, fmt.Errorf("trackerworker: dht:// tracker %q requires a DHT node", rawURL)
		}
		trk = newDHTTracker(rawURL, dhtNode)
	default:
		return nil, fmt.Errorf("trackerworker: unsupported tracker scheme %q", u.Scheme)
	}

	return newWorker(trk, slots, "tracker "+u.Host)
}

// NewWithTracker builds a Worker around an already-constructed Tracker,
// bypassing the URL-to-scheme resolution New does. Exported for callers
// (and tests) that supply their own Tracker, such as trackerlist's tests or
// a future scheme this package doesn't know how to dial.
func NewWithTracker(trk tracker.Tracker, slots Slots, logName string) (*Worker, error) {
	return newWorker(trk, slots, logName)
}

// newWorker builds a Worker around an already-constructed Tracker, shared by
// New's scheme switch and by tests that stub the transport.
func newWorker(trk tracker.Tracker, slots Slots, logName string) (*Worker, error) {
	id, err := uuid.NewV1()
	if err != nil {
		return nil, err
	}

	scraper, _ := trk.(tracker.Scraper)

	w := &Worker{
		trk:     trk,
		scraper: scraper,
		slots:   slots,
		id:      id,
		log:     logger.New(logName),
		eventC:  make(chan tracker.Event, 1),
		scrapeC: make(chan struct{}, 1),
		closeC:  make(chan struct{}),
		doneC:   make(chan struct{}),
		backoff: newBackoff(),
	}
	w.LockGuard(func(s *TrackerState) { s.Enabled = true })
	return w, nil
}

// Start launches the worker's goroutine. Callers that need the Worker
// registered somewhere (e.g. in a trackerlist.List) before any callback can
// fire should finish that registration first, then call Start.
func (w *Worker) Start() {
	go w.run()
}

func newBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Second
	b.RandomizationFactor = 0.5
	b.Multiplier = 2
	b.MaxInterval = 30 * time.Minute
	b.MaxElapsedTime = 0 // never stop
	return b
}

// ID is a correlation id stable across retries of the same worker, exposed
// here and through Info, and distinct from any transport's own wire-level
// transaction id. It is not included in the worker's log lines.
func (w *Worker) ID() uuid.UUID { return w.id }

// Info describes the tracker this worker announces to.
type Info struct {
	URL string
	ID  uuid.UUID
}

func (w *Worker) Info() Info {
	return Info{URL: w.trk.URL(), ID: w.id}
}

// State returns a snapshot of the worker's counters, taken under lock.
func (w *Worker) State() TrackerState { return w.Snapshot() }

// StatusOf derives a Status from a TrackerState snapshot.
func StatusOf(s TrackerState) Status {
	switch {
	case s.Busy && s.SuccessCounter == 0 && s.FailedCounter == 0:
		return Contacting
	case s.FailedCounter > 0 && s.SuccessCounter == 0:
		return NotWorking
	case s.SuccessCounter > 0:
		return Working
	default:
		return NotContactedYet
	}
}

// Status reports the worker's current relationship with its tracker,
// derived from a fresh state snapshot.
func (w *Worker) Status() Status { return StatusOf(w.State()) }

// SendEvent requests an out-of-cycle announce carrying e. Non-blocking: a
// pending event request is coalesced if the worker hasn't drained it yet.
func (w *Worker) SendEvent(e tracker.Event) {
	select {
	case w.eventC <- e:
	default:
	}
}

// SendScrape requests a scrape on the worker's own goroutine, provided the
// underlying transport supports it; a no-op otherwise.
func (w *Worker) SendScrape() {
	if w.scraper == nil {
		return
	}
	select {
	case w.scrapeC <- struct{}{}:
	default:
	}
}

// CancelScrape cancels an in-flight scrape, if any. This worker allows only
// one outstanding tracker operation at a time, so a caller that needs to
// send an announce event right away calls this first rather than waiting
// for the scrape to finish on its own.
func (w *Worker) CancelScrape() {
	w.scrapeM.Lock()
	cancel := w.scrapeCancel
	w.scrapeM.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (w *Worker) setScrapeCancel(cancel context.CancelFunc) {
	w.scrapeM.Lock()
	w.scrapeCancel = cancel
	w.scrapeM.Unlock()
}

// Close stops the worker's goroutine, sending a best-effort stopped event
// first, and waits for it to exit.
func (w *Worker) Close() {
	select {
	case <-w.doneC:
	default:
		close(w.closeC)
	}
	<-w.doneC
}

// Disown detaches the worker from its callback surface without stopping its
// goroutine: announces keep happening (so an in-flight request finishes
// cleanly) but no further slot is invoked.
func (w *Worker) Disown() {
	w.slots = Slots{}
}

func (w *Worker) parameters() Parameters {
	if w.slots.Parameters == nil {
		return Parameters{}
	}
	return w.slots.Parameters()
}

func (w *Worker) run() {
	defer close(w.doneC)
	w.backoff.Reset()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	responseC := make(chan *tracker.AnnounceResponse)
	errC := make(chan error)
	scrapeResponseC := make(chan *tracker.ScrapeResponse)
	scrapeErrC := make(chan error)

	contacting := false
	announce := func(e tracker.Event) {
		contacting = true
		w.LockGuard(func(s *TrackerState) { s.Busy = true })
		go w.announce(ctx, e, responseC, errC)
	}

	scraping := false
	startScrape := func() {
		scraping = true
		w.LockGuard(func(s *TrackerState) { s.ScrapeBusy = true })
		scrapeCtx, cancel := context.WithCancel(ctx)
		w.setScrapeCancel(cancel)
		go w.doScrape(scrapeCtx, ctx.Done(), scrapeResponseC, scrapeErrC)
	}

	timer := time.NewTimer(math.MaxInt64)
	defer timer.Stop()

	if w.slots.Enabled != nil {
		w.slots.Enabled()
	}
	announce(tracker.EventStarted)

	for {
		select {
		case <-timer.C:
			if !contacting {
				announce(tracker.EventNone)
			}

		case e := <-w.eventC:
			if !contacting {
				announce(e)
			}

		case resp := <-responseC:
			contacting = false
			w.LockGuard(func(s *TrackerState) {
				s.Busy = false
				s.SuccessCounter++
				s.SuccessTimeLast = time.Now()
				s.SuccessTimeNext = s.SuccessTimeLast.Add(resp.Interval)
				s.FailedCounter = 0
				s.LatestSumPeers = len(resp.Peers)
				s.Seeders = resp.Seeders
				s.Leechers = resp.Leechers
			})
			w.backoff.Reset()
			timer.Reset(resp.Interval)
			if w.slots.Success != nil {
				w.slots.Success(resp.Peers)
			}

		case err := <-errC:
			contacting = false
			retryIn := w.backoff.NextBackOff()
			if terr, ok := err.(*tracker.Error); ok && terr.RetryIn > 0 {
				retryIn = terr.RetryIn
			}
			w.LockGuard(func(s *TrackerState) {
				s.Busy = false
				s.FailedCounter++
				s.FailedTimeLast = time.Now()
				s.FailedTimeNext = s.FailedTimeLast.Add(retryIn)
			})
			w.log.Debugln("announce error:", err)
			timer.Reset(retryIn)
			if w.slots.Failure != nil {
				w.slots.Failure(err.Error())
			}

		case <-w.scrapeC:
			// Mutually exclusive with an in-flight announce, matching the
			// single outstanding tracker operation this worker allows; an
			// announce that needs the tracker free calls CancelScrape
			// instead of waiting here.
			if w.scraper != nil && !contacting && !scraping {
				startScrape()
			}

		case resp := <-scrapeResponseC:
			scraping = false
			w.setScrapeCancel(nil)
			w.LockGuard(func(s *TrackerState) { s.ScrapeBusy = false; s.ScrapeTimeLast = time.Now() })
			if w.slots.ScrapeSuccess != nil {
				w.slots.ScrapeSuccess(resp)
			}

		case err := <-scrapeErrC:
			scraping = false
			w.setScrapeCancel(nil)
			w.LockGuard(func(s *TrackerState) { s.ScrapeBusy = false })
			if err == context.Canceled {
				break
			}
			w.log.Debugln("scrape error:", err)
			if w.slots.ScrapeFailure != nil {
				w.slots.ScrapeFailure(err.Error())
			}

		case <-w.closeC:
			w.stop()
			if w.slots.Disabled != nil {
				w.slots.Disabled()
			}
			return
		}
	}
}

func (w *Worker) announce(ctx context.Context, e tracker.Event, responseC chan *tracker.AnnounceResponse, errC chan error) {
	params := w.parameters()
	req := tracker.AnnounceRequest{Torrent: params.Torrent, Event: e, NumWant: params.NumWant}
	resp, err := w.trk.Announce(ctx, req)
	if err != nil {
		if err == context.Canceled {
			return
		}
		select {
		case errC <- err:
		case <-ctx.Done():
		}
		return
	}
	select {
	case responseC <- resp:
	case <-ctx.Done():
	}
}

// doScrape runs one scrape attempt. scrapeCtx is specific to this attempt
// and may be canceled independently of the worker (CancelScrape) without
// tearing the worker down, so delivery of the result escapes on workerDone
// (the worker's own lifetime) rather than scrapeCtx.Done() — a cancellation
// must still be reported to run() so it can clear ScrapeBusy, unlike
// announce's single shared context where cancellation only ever means the
// whole worker is stopping.
func (w *Worker) doScrape(scrapeCtx context.Context, workerDone <-chan struct{}, responseC chan *tracker.ScrapeResponse, errC chan error) {
	params := w.parameters()
	resp, err := w.scraper.Scrape(scrapeCtx, params.Torrent.InfoHash)
	if err != nil {
		select {
		case errC <- err:
		case <-workerDone:
		}
		return
	}
	select {
	case responseC <- resp:
	case <-workerDone:
	}
}

// stop sends a best-effort stopped announce with a short timeout, bounding
// how long Close can block on a tracker that never replies.
func (w *Worker) stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	params := w.parameters()
	_, _ = w.trk.Announce(ctx, tracker.AnnounceRequest{Torrent: params.Torrent, Event: tracker.EventStopped})
}
