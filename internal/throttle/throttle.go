// Package throttle implements the rate controller contract of component C:
// a shared leaky-bucket tree with per-connection leaf nodes. It generalizes
// the channel-based resource arbiter pattern used elsewhere in this
// codebase's throttling code, replacing ad-hoc counting with a
// github.com/juju/ratelimit token bucket and a background goroutine that
// re-arms deactivated nodes as new quota becomes available.
package throttle

import (
	"sync"
	"time"

	"github.com/juju/ratelimit"
	metrics "github.com/rcrowley/go-metrics"

	"github.com/bitswarm/torrentcore/internal/semaphore"
)

// initialWindow is the starting credit cap of a freshly registered node, as
// named by the data model: "a small window (initial cap 30)".
const initialWindow = 30

// pollInterval is how often the tree re-examines deactivated nodes to see
// whether the bucket has refilled enough to reactivate them.
const pollInterval = 100 * time.Millisecond

// Tree is one of the two global throttle trees (upload or download). It
// owns a single shared byte budget and fans it out to registered Nodes.
type Tree struct {
	bucket *ratelimit.Bucket
	meter  metrics.Meter

	mu          sync.Mutex
	deactivated map[*Node]struct{}

	closeC chan struct{}
	doneC  chan struct{}
}

// NewTree returns a Tree whose bucket refills by quantum bytes every
// fillInterval, up to capacity bytes banked.
func NewTree(capacity int64, fillInterval time.Duration, quantum int64) *Tree {
	t := &Tree{
		bucket:      ratelimit.NewBucketWithQuantum(fillInterval, capacity, quantum),
		meter:       metrics.NewMeter(),
		deactivated: make(map[*Node]struct{}),
		closeC:      make(chan struct{}),
		doneC:       make(chan struct{}),
	}
	go t.run()
	return t
}

// Close stops the reactivation loop. Close must be called once all nodes
// have been erased.
func (t *Tree) Close() {
	close(t.closeC)
	<-t.doneC
}

func (t *Tree) run() {
	defer close(t.doneC)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.reactivate()
		case <-t.closeC:
			return
		}
	}
}

func (t *Tree) reactivate() {
	if t.bucket.Available() <= 0 {
		return
	}
	t.mu.Lock()
	ready := make([]*Node, 0, len(t.deactivated))
	for n := range t.deactivated {
		ready = append(ready, n)
		delete(t.deactivated, n)
	}
	t.mu.Unlock()
	for _, n := range ready {
		n.mu.Lock()
		n.active = true
		cb := n.onActivate
		n.mu.Unlock()
		if cb != nil {
			cb()
		}
	}
}

// NewNode registers a new leaf under this tree. onActivate is the
// activation callback: it is invoked from the tree's background goroutine
// when a previously deactivated node regains quota, and must re-arm the
// connection's poll interest for the corresponding direction.
func (t *Tree) NewNode(onActivate func()) *Node {
	return &Node{
		tree:       t,
		window:     semaphore.New(initialWindow),
		registered: true,
		active:     true,
		onActivate: onActivate,
	}
}

// Rate returns the tree's smoothed byte-per-second throughput.
func (t *Tree) Rate() int64 {
	return int64(t.meter.Rate1())
}

// Node is a per-connection leaf of a Tree (component C).
type Node struct {
	tree   *Tree
	window *semaphore.Semaphore // drained by Deactivate; the reactivation loop does not consult it

	mu         sync.Mutex
	registered bool
	active     bool
	onActivate func()
}

// IsThrottled reports whether the node is currently a member of the
// controller, i.e. has not been permanently erased.
func (n *Node) IsThrottled() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.registered
}

// Quota returns the remaining byte budget available to this node for the
// current tick, debiting the tree's shared bucket. A deactivated node
// always reports zero quota until the tree's reactivation loop flips it
// back to active.
func (n *Node) Quota() int64 {
	n.mu.Lock()
	active := n.registered && n.active
	n.mu.Unlock()
	if !active {
		return 0
	}
	return n.tree.bucket.TakeAvailable(block64)
}

// Used debits the tree's rate meter by bytes actually consumed. bytes must
// be <= the value last returned by Quota.
func (n *Node) Used(bytes int64) {
	n.tree.meter.Mark(bytes)
}

// Deactivate removes the node from the tree's ready list. Its activation
// callback fires exactly once, from the tree's background goroutine, the
// next time the bucket has quota again.
func (n *Node) Deactivate() {
	n.mu.Lock()
	if !n.registered || !n.active {
		n.mu.Unlock()
		return
	}
	n.active = false
	n.mu.Unlock()

	n.window.Block()
	n.tree.mu.Lock()
	n.tree.deactivated[n] = struct{}{}
	n.tree.mu.Unlock()
}

// Erase removes the node permanently. Erase is idempotent.
func (n *Node) Erase() {
	n.mu.Lock()
	if !n.registered {
		n.mu.Unlock()
		return
	}
	n.registered = false
	n.active = false
	n.mu.Unlock()

	n.tree.mu.Lock()
	delete(n.tree.deactivated, n)
	n.tree.mu.Unlock()
}

// block64 bounds a single Quota() draw so one connection cannot drain an
// entire tick's budget from a shared bucket in one call.
const block64 = 1 << 16
