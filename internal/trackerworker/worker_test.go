package trackerworker

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bitswarm/torrentcore/internal/tracker"
)

type fakeTracker struct {
	m         sync.Mutex
	announces int
	events    []tracker.Event
	fail      bool
}

func (f *fakeTracker) URL() string { return "fake://tracker" }

func (f *fakeTracker) Announce(ctx context.Context, req tracker.AnnounceRequest) (*tracker.AnnounceResponse, error) {
	f.m.Lock()
	f.announces++
	f.events = append(f.events, req.Event)
	fail := f.fail
	f.m.Unlock()

	if fail {
		return nil, &tracker.Error{FailureReason: "no peers for you"}
	}
	return &tracker.AnnounceResponse{
		Interval: time.Hour,
		Seeders:  1,
		Peers:    []*net.TCPAddr{{IP: net.IPv4(1, 2, 3, 4), Port: 6881}},
	}, nil
}

func (f *fakeTracker) count() int {
	f.m.Lock()
	defer f.m.Unlock()
	return f.announces
}

func TestWorkerAnnouncesStartedOnCreation(t *testing.T) {
	trk := &fakeTracker{}
	successC := make(chan []*net.TCPAddr, 1)

	w, err := newWorker(trk, Slots{
		Success: func(peers []*net.TCPAddr) { successC <- peers },
		Parameters: func() Parameters {
			return Parameters{Torrent: tracker.Torrent{Port: 6882}, NumWant: 50}
		},
	}, "test")
	require.NoError(t, err)
	w.Start()
	defer w.Close()

	select {
	case peers := <-successC:
		require.Len(t, peers, 1)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for announce success")
	}

	state := w.State()
	require.Equal(t, 1, state.SuccessCounter)
	require.Equal(t, 0, state.FailedCounter)
	require.Equal(t, Working, w.Status())

	trk.m.Lock()
	first := trk.events[0]
	trk.m.Unlock()
	require.Equal(t, tracker.EventStarted, first)
}

func TestWorkerBackoffOnFailure(t *testing.T) {
	trk := &fakeTracker{fail: true}
	failureC := make(chan string, 1)

	w, err := newWorker(trk, Slots{
		Failure:    func(msg string) { failureC <- msg },
		Parameters: func() Parameters { return Parameters{} },
	}, "test")
	require.NoError(t, err)
	w.Start()
	defer w.Close()

	select {
	case msg := <-failureC:
		require.Equal(t, "no peers for you", msg)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for announce failure")
	}

	state := w.State()
	require.Equal(t, 1, state.FailedCounter)
	require.False(t, state.FailedTimeNext.IsZero())
}

func TestWorkerSendEventDeliversOnlyWhenIdle(t *testing.T) {
	trk := &fakeTracker{}
	successC := make(chan []*net.TCPAddr, 4)

	w, err := newWorker(trk, Slots{
		Success:    func(peers []*net.TCPAddr) { successC <- peers },
		Parameters: func() Parameters { return Parameters{} },
	}, "test")
	require.NoError(t, err)
	w.Start()
	defer w.Close()

	<-successC // drain the initial started announce

	w.SendEvent(tracker.EventCompleted)
	select {
	case <-successC:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for requested announce")
	}

	require.GreaterOrEqual(t, trk.count(), 2)
}

// scrapingTracker adds a blocking Scrape to fakeTracker: the scrape only
// returns once its context is done, letting tests force a window where the
// worker is ScrapeBusy.
type scrapingTracker struct {
	fakeTracker
	scrapeStartedC chan struct{}
}

func (f *scrapingTracker) Scrape(ctx context.Context, infoHash [20]byte) (*tracker.ScrapeResponse, error) {
	select {
	case f.scrapeStartedC <- struct{}{}:
	default:
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestWorkerCancelScrapeUnblocksAnnounce(t *testing.T) {
	trk := &scrapingTracker{
		fakeTracker:    fakeTracker{},
		scrapeStartedC: make(chan struct{}, 1),
	}
	successC := make(chan []*net.TCPAddr, 4)

	w, err := newWorker(trk, Slots{
		Success:    func(peers []*net.TCPAddr) { successC <- peers },
		Parameters: func() Parameters { return Parameters{} },
	}, "test")
	require.NoError(t, err)
	w.Start()
	defer w.Close()

	<-successC // drain the initial started announce

	w.SendScrape()
	select {
	case <-trk.scrapeStartedC:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for scrape to start")
	}

	require.Eventually(t, func() bool {
		return w.State().ScrapeBusy
	}, time.Second, 5*time.Millisecond)

	// A second scrape request must not start a parallel scrape while one
	// is already in flight.
	w.SendScrape()

	w.CancelScrape()
	w.SendEvent(tracker.EventCompleted)

	select {
	case <-successC:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for announce after CancelScrape")
	}

	require.False(t, w.State().ScrapeBusy)
}

func TestWorkerDisownStopsCallbacks(t *testing.T) {
	trk := &fakeTracker{}
	var calls int
	var m sync.Mutex

	w, err := newWorker(trk, Slots{
		Success:    func([]*net.TCPAddr) { m.Lock(); calls++; m.Unlock() },
		Parameters: func() Parameters { return Parameters{} },
	}, "test")
	require.NoError(t, err)
	w.Start()
	defer w.Close()

	time.Sleep(50 * time.Millisecond)
	w.Disown()

	w.SendEvent(tracker.EventNone)
	time.Sleep(100 * time.Millisecond)

	m.Lock()
	got := calls
	m.Unlock()
	require.LessOrEqual(t, got, 1)
}
