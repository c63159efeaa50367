package trackerlist

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
	m     sync.Mutex
	url   string
	fail  bool
	peers []*net.TCPAddr
}

func (f *fakeTracker) URL() string { return f.url }

func (f *fakeTracker) Announce(ctx context.Context, req tracker.AnnounceRequest) (*tracker.AnnounceResponse, error) {
	f.m.Lock()
	fail := f.fail
	peers := f.peers
	f.m.Unlock()

	if fail {
		return nil, &tracker.Error{FailureReason: "down"}
	}
	return &tracker.AnnounceResponse{Interval: time.Hour, Peers: peers}, nil
}

func (f *fakeTracker) setFail(v bool) {
	f.m.Lock()
	f.fail = v
	f.m.Unlock()
}

func newTestList() *List {
	return New(func() tracker.Torrent { return tracker.Torrent{Port: 6881} }, 50, Slots{}, nil)
}

func TestInsertPromotesToFrontOfGroupOnSuccess(t *testing.T) {
	l := newTestList()
	failing := &fakeTracker{url: "fake://a", fail: true}
	healthy := &fakeTracker{url: "fake://b"}

	e1, err := l.InsertTracker(0, failing, "a")
	require.NoError(t, err)
	e2, err := l.InsertTracker(0, healthy, "b")
	require.NoError(t, err)
	defer e1.Worker.Close()
	defer e2.Worker.Close()

	require.Eventually(t, func() bool {
		return e2.Worker.State().SuccessCounter > 0
	}, 2*time.Second, 5*time.Millisecond)

	l.m.Lock()
	front := l.groups[0][0]
	l.m.Unlock()
	require.Equal(t, e2, front)
}

func TestFindNextToRequestPrefersHealthy(t *testing.T) {
	l := newTestList()
	failing := &fakeTracker{url: "fake://a", fail: true}
	healthy := &fakeTracker{url: "fake://b"}

	e1, err := l.InsertTracker(0, failing, "a")
	require.NoError(t, err)
	e2, err := l.InsertTracker(0, healthy, "b")
	require.NoError(t, err)
	defer e1.Worker.Close()
	defer e2.Worker.Close()

	require.Eventually(t, func() bool {
		s1, s2 := e1.Worker.State(), e2.Worker.State()
		return s1.FailedCounter > 0 && s2.SuccessCounter > 0 && !s1.Busy && !s2.Busy
	}, 2*time.Second, 5*time.Millisecond)

	next, _, ok := l.FindNextToRequest(0)
	require.True(t, ok)
	require.Equal(t, e2, next)
}

func TestPromoteIsIdempotentAtFront(t *testing.T) {
	l := newTestList()
	t1 := &fakeTracker{url: "fake://a"}
	t2 := &fakeTracker{url: "fake://b"}
	e1, err := l.InsertTracker(1, t1, "a")
	require.NoError(t, err)
	e2, err := l.InsertTracker(1, t2, "b")
	require.NoError(t, err)
	defer e1.Worker.Close()
	defer e2.Worker.Close()

	l.Promote(e1)
	l.Promote(e1)

	l.m.Lock()
	g := append([]*Entry(nil), l.groups[1]...)
	l.m.Unlock()
	require.Equal(t, e1, g[0])
	require.Equal(t, e2, g[1])
}

func TestCycleGroupRoundTrips(t *testing.T) {
	l := newTestList()
	var entries []*Entry
	for i := 0; i < 3; i++ {
		trk := &fakeTracker{url: "fake://" + string(rune('a'+i))}
		e, err := l.InsertTracker(2, trk, trk.url)
		require.NoError(t, err)
		defer e.Worker.Close()
		entries = append(entries, e)
	}

	l.m.Lock()
	original := append([]*Entry(nil), l.groups[2]...)
	l.m.Unlock()

	for i := 0; i < len(original); i++ {
		l.CycleGroup(2)
	}

	l.m.Lock()
	cycled := l.groups[2]
	l.m.Unlock()
	require.Equal(t, original, cycled)
}
