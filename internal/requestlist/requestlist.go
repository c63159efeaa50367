// Package requestlist implements component E: the ordered sequence of
// outstanding block requests a Peer Connection has in flight with one
// peer, plus pipe-depth sizing and delegation to the selector collaborator.
// It generalizes the single-piece block bookkeeping this codebase's piece
// downloader used to do, into a flat list spanning whichever blocks the
// selector hands out across however many chunks are in progress with this
// peer.
package requestlist

import (
	"github.com/bitswarm/torrentcore/internal/block"
)

// minPipeDepth is the pipe depth returned at zero observed rate.
const minPipeDepth = 2

// maxPipeDepth bounds pipe growth so a single fast peer cannot monopolize
// an unbounded number of outstanding requests.
const maxPipeDepth = 300

// Delegator is the selector collaborator Request List consults. has
// reports whether the candidate peer holds a given chunk index; Delegate
// must not hand out a block the peer's bitfield does not have set for, nor
// one already owned exclusively by another peer outside endgame.
type Delegator interface {
	Delegate(has func(chunkIndex uint32) bool) (b block.Block, ok bool)
	// Return gives a block back to the selector's pool, e.g. on cancel,
	// skip, or peer disconnect.
	Return(b block.Block)
}

// RequestList maintains the outgoing block requests for one peer.
type RequestList struct {
	entries   []block.Block
	delegator Delegator
}

// New returns an empty RequestList backed by the given selector.
func New(d Delegator) *RequestList {
	return &RequestList{delegator: d}
}

// Empty reports whether there are no outstanding requests.
func (rl *RequestList) Empty() bool { return len(rl.entries) == 0 }

// Size returns the number of outstanding requests.
func (rl *RequestList) Size() int { return len(rl.entries) }

// Entries returns the outstanding requests in issue order. The returned
// slice must not be mutated.
func (rl *RequestList) Entries() []block.Block { return rl.entries }

// Delegate asks the selector for the next block to request from a peer
// whose chunk availability is reported by has. On success the block is
// appended to the outstanding list and returned; ok is false if the
// selector has nothing left for this peer right now.
func (rl *RequestList) Delegate(has func(chunkIndex uint32) bool) (b block.Block, ok bool) {
	b, ok = rl.delegator.Delegate(has)
	if !ok {
		return block.Block{}, false
	}
	rl.entries = append(rl.entries, b)
	return b, true
}

// CalculatePipeSize returns the target pipe depth as a monotonic
// non-decreasing function of the observed download rate, clamped to
// minPipeDepth at zero rate and to maxPipeDepth at high rate. The curve
// grows one unit of depth per 16KiB/s of observed throughput, mirroring
// one block's worth of bandwidth per additional outstanding request.
func CalculatePipeSize(rateBps int64) int {
	if rateBps <= 0 {
		return minPipeDepth
	}
	depth := minPipeDepth + int(rateBps/(16*1024))
	if depth > maxPipeDepth {
		return maxPipeDepth
	}
	return depth
}

// Remove drops b from the outstanding list, e.g. once its bytes have been
// fully received. It reports whether b was found.
func (rl *RequestList) Remove(b block.Block) bool {
	for i, e := range rl.entries {
		if e == b {
			rl.entries = append(rl.entries[:i], rl.entries[i+1:]...)
			return true
		}
	}
	return false
}

// Cancel returns every outstanding entry to the selector's pool and
// empties the list. Called on disconnect.
func (rl *RequestList) Cancel() {
	for _, b := range rl.entries {
		rl.delegator.Return(b)
	}
	rl.entries = nil
}

// Skip discards the head of the list — the block currently being
// received — returning it to the selector. Used when the peer aborts
// mid-transfer (choke, reject, or a connection error arriving mid-block).
func (rl *RequestList) Skip() {
	if len(rl.entries) == 0 {
		return
	}
	b := rl.entries[0]
	rl.entries = rl.entries[1:]
	rl.delegator.Return(b)
}

// IsDownloading reports whether a block is currently outstanding with this
// peer, i.e. there is a block in flight that may be partially received.
func (rl *RequestList) IsDownloading() bool {
	return len(rl.entries) > 0
}
