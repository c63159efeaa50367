package trackerworker

import (
	"context"
	"net"
	"sync"
	"time"

	node "github.com/nictuku/dht"

	"github.com/bitswarm/torrentcore/internal/tracker"
)

// dhtAnnounceInterval stands in for the interval an HTTP/UDP tracker would
// hand back in an announce response; DHT has no such negotiated value.
const dhtAnnounceInterval = 5 * time.Minute

var (
	dhtDispatchM sync.Mutex
	dhtDispatch  = map[*node.DHT]*dhtFanout{}
)

// dhtFanout demultiplexes one DHT node's PeersRequestResults by info hash to
// whichever dhtTracker announces are currently outstanding for it, mirroring
// the session-wide dispatch loop this lineage runs for its peer client.
type dhtFanout struct {
	m       sync.Mutex
	waiters map[string][]chan []*net.TCPAddr
}

func dhtFanoutFor(n *node.DHT) *dhtFanout {
	dhtDispatchM.Lock()
	defer dhtDispatchM.Unlock()
	f, ok := dhtDispatch[n]
	if !ok {
		f = &dhtFanout{waiters: make(map[string][]chan []*net.TCPAddr)}
		dhtDispatch[n] = f
		go f.run(n)
	}
	return f
}

func (f *dhtFanout) run(n *node.DHT) {
	for res := range n.PeersRequestResults {
		for ih, peers := range res {
			addrs := parseDHTPeers(peers)
			f.m.Lock()
			waiters := f.waiters[string(ih)]
			f.m.Unlock()
			for _, c := range waiters {
				select {
				case c <- addrs:
				default:
				}
			}
		}
	}
}

func (f *dhtFanout) register(infoHash string, c chan []*net.TCPAddr) {
	f.m.Lock()
	f.waiters[infoHash] = append(f.waiters[infoHash], c)
	f.m.Unlock()
}

func (f *dhtFanout) unregister(infoHash string, c chan []*net.TCPAddr) {
	f.m.Lock()
	defer f.m.Unlock()
	ws := f.waiters[infoHash]
	for i, w := range ws {
		if w == c {
			f.waiters[infoHash] = append(ws[:i], ws[i+1:]...)
			break
		}
	}
	if len(f.waiters[infoHash]) == 0 {
		delete(f.waiters, infoHash)
	}
}

func parseDHTPeers(peers []string) []*net.TCPAddr {
	addrs := make([]*net.TCPAddr, 0, len(peers))
	for _, p := range peers {
		if len(p) != 6 {
			continue
		}
		addrs = append(addrs, &net.TCPAddr{
			IP:   net.IPv4(p[0], p[1], p[2], p[3]),
			Port: int(p[4])<<8 | int(p[5]),
		})
	}
	return addrs
}

// dhtTracker adapts a shared DHT node into a tracker.Tracker so the worker's
// scheme switch can treat dht:// like any other transport.
type dhtTracker struct {
	rawURL string
	node   *node.DHT
}

var _ tracker.Tracker = (*dhtTracker)(nil)

func newDHTTracker(rawURL string, n *node.DHT) *dhtTracker {
	return &dhtTracker{rawURL: rawURL, node: n}
}

func (t *dhtTracker) URL() string { return t.rawURL }

// Announce kicks off a DHT peer lookup for the torrent's info hash and waits
// for the next batch of results the node's background lookup produces.
// EventStopped is a no-op: DHT has no session to tear down.
func (t *dhtTracker) Announce(ctx context.Context, req tracker.AnnounceRequest) (*tracker.AnnounceResponse, error) {
	if req.Event == tracker.EventStopped {
		return &tracker.AnnounceResponse{Interval: dhtAnnounceInterval}, nil
	}

	infoHash := string(req.Torrent.InfoHash[:])
	fanout := dhtFanoutFor(t.node)
	resultC := make(chan []*net.TCPAddr, 1)
	fanout.register(infoHash, resultC)
	defer fanout.unregister(infoHash, resultC)

	t.node.PeersRequest(infoHash, true)

	select {
	case peers := <-resultC:
		return &tracker.AnnounceResponse{Interval: dhtAnnounceInterval, Peers: peers}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
