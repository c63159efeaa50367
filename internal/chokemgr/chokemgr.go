// Package chokemgr implements the choke manager collaborator (§6):
// deciding, on a periodic tick, which interested peers this side unchokes
// for upload. It generalizes the per-torrent unchoke scheduler this
// codebase already used for its choke algorithm, onto the PeerConnection
// interface this module exposes instead of a torrent-specific peer type.
package chokemgr

import (
	"math/rand"
	"sort"
)

// Manager runs the choke algorithm across a set of connections.
type Manager struct {
	maxUnchoked           int
	maxOptimisticUnchoked int

	// tick counts rounds mod 3; every third round applies optimistic
	// unchoking regardless of upload ranking.
	tick uint8

	unchoked           map[Peer]struct{}
	unchokedOptimistic map[Peer]struct{}
}

// Peer is the subset of Peer Connection behavior the choke manager needs.
// set_interested/set_not_interested notifications (§4.F) arrive to the
// manager indirectly: it reads Interested() fresh on every tick rather
// than being pushed updates, since the manager only runs periodically.
type Peer interface {
	Choke()
	Unchoke()
	Choking() bool

	Interested() bool

	SetOptimistic(bool)
	Optimistic() bool

	DownloadSpeed() int64
	UploadSpeed() int64
}

// New returns a Manager that keeps at most maxUnchoked regular peers and
// maxOptimisticUnchoked optimistically-unchoked peers active at once.
func New(maxUnchoked, maxOptimisticUnchoked int) *Manager {
	return &Manager{
		maxUnchoked:           maxUnchoked,
		maxOptimisticUnchoked: maxOptimisticUnchoked,
		unchoked:              make(map[Peer]struct{}, maxUnchoked),
		unchokedOptimistic:    make(map[Peer]struct{}, maxOptimisticUnchoked),
	}
}

// Disconnected removes a peer from the manager's bookkeeping. Corresponds
// to the choke manager's disconnected(conn) operation in §6.
func (m *Manager) Disconnected(p Peer) {
	delete(m.unchoked, p)
	delete(m.unchokedOptimistic, p)
}

func candidates(peers []Peer) []Peer {
	out := peers[:0]
	for _, p := range peers {
		if p.Interested() {
			out = append(out, p)
		}
	}
	return out
}

func rankBySpeed(peers []Peer, completed bool) {
	if completed {
		sort.Slice(peers, func(i, j int) bool { return peers[i].UploadSpeed() > peers[j].UploadSpeed() })
	} else {
		sort.Slice(peers, func(i, j int) bool { return peers[i].DownloadSpeed() > peers[j].DownloadSpeed() })
	}
}

// Tick runs one round of the choke algorithm over allPeers. Call
// periodically (every ~10 seconds). completed indicates whether the local
// content is fully downloaded, which switches ranking from download speed
// to upload speed (we no longer need fast downloaders once complete).
func (m *Manager) Tick(allPeers []Peer, completed bool) {
	optimisticRound := m.tick == 0
	peers := candidates(allPeers)
	rankBySpeed(peers, completed)

	var i, unchoked int
	for ; i < len(peers) && unchoked < m.maxUnchoked; i++ {
		if !optimisticRound && peers[i].Optimistic() {
			continue
		}
		m.unchoke(peers[i])
		unchoked++
	}
	peers = peers[i:]

	if optimisticRound {
		for i = 0; i < m.maxOptimisticUnchoked && len(peers) > 0; i++ {
			n := rand.Intn(len(peers)) // nolint: gosec
			m.unchokeOptimistic(peers[n])
			peers[n], peers = peers[len(peers)-1], peers[:len(peers)-1]
		}
	}

	for _, p := range peers {
		m.choke(p)
	}
	m.tick = (m.tick + 1) % 3
}

func (m *Manager) choke(p Peer) {
	if p.Choking() {
		return
	}
	p.Choke()
	p.SetOptimistic(false)
	delete(m.unchoked, p)
	delete(m.unchokedOptimistic, p)
}

func (m *Manager) unchoke(p Peer) {
	if !p.Choking() {
		if p.Optimistic() {
			p.SetOptimistic(false)
			delete(m.unchokedOptimistic, p)
			m.unchoked[p] = struct{}{}
		}
		return
	}
	p.Unchoke()
	p.SetOptimistic(false)
	m.unchoked[p] = struct{}{}
}

func (m *Manager) unchokeOptimistic(p Peer) {
	if !p.Choking() {
		if !p.Optimistic() {
			p.SetOptimistic(true)
			delete(m.unchoked, p)
			m.unchokedOptimistic[p] = struct{}{}
		}
		return
	}
	p.Unchoke()
	p.SetOptimistic(true)
	m.unchokedOptimistic[p] = struct{}{}
}

// FastUnchoke unchokes p immediately, ahead of the next scheduled Tick, if
// there is spare capacity in either pool. Called when set_remote_interested
// fires (§4.F) so a newly-interested peer does not have to wait a full
// tick to start pulling data.
func (m *Manager) FastUnchoke(p Peer) {
	if p.Choking() && p.Interested() && len(m.unchoked) < m.maxUnchoked {
		m.unchoke(p)
		return
	}
	if p.Choking() && p.Interested() && len(m.unchokedOptimistic) < m.maxOptimisticUnchoked {
		m.unchokeOptimistic(p)
	}
}
