// Package peerconn implements component F, the central orchestrator: the
// Peer Connection that owns the protocol buffers, direction state,
// throttle nodes, peer chunk bookkeeping, and request list for one peer,
// and drives them from poll-surface readiness events.
//
// It is grounded directly on the peer connection base of the BitTorrent
// engine this core's design was distilled from: initialize/teardown,
// receive_choke, read_request_piece/read_cancel_piece,
// set_remote_interested/set_remote_not_interested, load_down_chunk/
// load_up_chunk, down_chunk/up_chunk, and try_request_pieces all mirror
// that source's operations, reworked into Go's explicit-error,
// non-blocking-readiness idiom instead of exceptions and callbacks.
package peerconn

import (
	"encoding/binary"
	"net"
	"time"

	"github.com/bitswarm/torrentcore/internal/block"
	"github.com/bitswarm/torrentcore/internal/chokemgr"
	"github.com/bitswarm/torrentcore/internal/chunkstore"
	"github.com/bitswarm/torrentcore/internal/direction"
	"github.com/bitswarm/torrentcore/internal/logger"
	"github.com/bitswarm/torrentcore/internal/peerchunks"
	"github.com/bitswarm/torrentcore/internal/peererror"
	"github.com/bitswarm/torrentcore/internal/peerprotocol"
	"github.com/bitswarm/torrentcore/internal/pollsurface"
	"github.com/bitswarm/torrentcore/internal/protocolbuf"
	"github.com/bitswarm/torrentcore/internal/requestlist"
	"github.com/bitswarm/torrentcore/internal/throttle"
)

// endgameLowWaterBps is the aggregate download rate below which a stalled
// peer is still eligible for duplicate endgame requests (§4.F,
// should_request).
const endgameLowWaterBps = 10 * 1024

// bufferCapacity bounds a single pending wire message: one block plus
// message header overhead.
const bufferCapacity = block.Ceiling + 13

// Lifecycle is the connection-lifetime state machine (§4.F).
type Lifecycle int

const (
	Detached Lifecycle = iota
	Active
	TearingDown
	Destroyed
)

// Info identifies the remote endpoint of a connection.
type Info struct {
	Addr net.Addr
}

// Download is the enclosing download's collaborator surface consumed by a
// PeerConn (§6): content geometry, the shared chunk store, the selector,
// the choke manager, the connection list, and the two rate meters.
type Download interface {
	ContentInfo() block.ContentInfo
	ChunkStore() chunkstore.Store
	Selector() requestlist.Delegator
	ErasePeerChunks(pc *peerchunks.PeerChunks)
	ChokeManager() *chokemgr.Manager
	RemoveConnection(c *PeerConn)
	DownloadThrottle() *throttle.Tree
	UploadThrottle() *throttle.Tree
	Endgame() bool
	AggregateDownloadRate() int64
}

// PeerConn is the Peer Connection of component F.
type PeerConn struct {
	log logger.Logger

	download Download
	surface  pollsurface.Surface
	info     Info
	sock     Socket

	state Lifecycle

	read  *direction.Read
	write *direction.Write

	downThrottle *throttle.Node
	upThrottle   *throttle.Node

	chunks   *peerchunks.PeerChunks
	reqs     *requestlist.RequestList
	sendList []block.Block

	snubbed          bool
	optimistic       bool
	pendingSendChoke bool
	pendingInterest  bool
	pendingKeepalive bool

	lastRead time.Time
	stall    int
}

// Choke/Unchoke/Choking/Interested/SetOptimistic/Optimistic satisfy
// chokemgr.Peer so the choke manager can drive this connection directly.
// These are OUR choking decision toward the peer (write direction,
// am_choking in protocol terms) — distinct from receive_choke, which
// records the peer's choking decision toward us off the wire.
func (c *PeerConn) Choke()               { c.setOurChoke(true) }
func (c *PeerConn) Unchoke()             { c.setOurChoke(false) }
func (c *PeerConn) Choking() bool        { return c.write.Choked() }
func (c *PeerConn) Interested() bool     { return c.read.Interested() }
func (c *PeerConn) SetOptimistic(v bool) { c.optimistic = v }
func (c *PeerConn) Optimistic() bool     { return c.optimistic }
func (c *PeerConn) DownloadSpeed() int64 { return c.chunks.DownloadSpeed() }
func (c *PeerConn) UploadSpeed() int64   { return c.chunks.UploadSpeed() }

func (c *PeerConn) setOurChoke(v bool) {
	if c.write.Choked() == v {
		return
	}
	c.write.SetChoked(v)
	if v {
		c.sendList = nil // choking cancels any pending upload obligations
	}
	c.pendingSendChoke = true
	c.surface.InsertWrite(c)
}

// New returns a detached PeerConn. Call Initialize to attach it.
func New(info Info, sock Socket) *PeerConn {
	return &PeerConn{
		log:   logger.New("peer " + info.Addr.String()),
		info:  info,
		sock:  sock,
		state: Detached,
	}
}

// Initialize attaches the connection (§4.F). It sizes the peer bitfield
// from the content descriptor, seeds both throttle nodes with activation
// callbacks that re-arm poll interest, registers read and error interest
// with the poll surface, and clears any choke-manager bookkeeping left
// over for this connection.
func (c *PeerConn) Initialize(surface pollsurface.Surface, dl Download) error {
	if c.state != Detached {
		return peererror.Internalf("peerconn: re-initialization")
	}
	if dl == nil || surface == nil {
		return peererror.Internalf("peerconn: invalid initialize arguments")
	}
	c.download = dl
	c.surface = surface

	info := dl.ContentInfo()
	c.chunks = peerchunks.New(info.ChunkTotal())
	c.reqs = requestlist.New(dl.Selector())

	bufPool := protocolbuf.NewPool(bufferCapacity)
	c.read = direction.NewRead(bufPool.Get())
	c.write = direction.NewWrite(bufPool.Get())
	c.read.SetPhase(direction.Idle)
	c.write.SetPhase(direction.Idle)

	c.downThrottle = dl.DownloadThrottle().NewNode(func() { c.surface.InsertRead(c) })
	c.upThrottle = dl.UploadThrottle().NewNode(func() { c.surface.InsertWrite(c) })

	c.surface.Open(c)
	c.surface.InsertRead(c)
	c.surface.InsertError(c)
	dl.ChokeManager().Disconnected(c) // ensure a clean slate if reused

	c.state = Active
	c.lastRead = time.Now()
	return nil
}

// Teardown performs the destructor sequence of §3: deregister from the
// choke manager, remove all poll registrations, close the socket, cancel
// any in-flight block, cancel the request list, erase the peer's chunk
// advertisements from the selector, remove both throttle nodes, mark both
// direction states INTERNAL_ERROR, and release the framing buffers. No
// chunk lease is held between calls (downChunk and loadUpChunk release
// theirs before returning), so there is none to release here.
// Teardown is idempotent.
func (c *PeerConn) Teardown() {
	if c.state == Destroyed {
		return
	}
	c.state = TearingDown

	c.download.ChokeManager().Disconnected(c)
	c.surface.RemoveRead(c)
	c.surface.RemoveWrite(c)
	c.surface.RemoveError(c)
	c.surface.Close(c)
	_ = c.sock.Close()

	if c.reqs.IsDownloading() {
		c.reqs.Skip()
	}
	c.reqs.Cancel()

	c.download.ErasePeerChunks(c.chunks)

	c.downThrottle.Erase()
	c.upThrottle.Erase()

	c.read.SetPhase(direction.InternalError)
	c.write.SetPhase(direction.InternalError)
	c.read.Buffer().Release()
	c.write.Buffer().Release()

	c.state = Destroyed
}

func (c *PeerConn) fail(err error) {
	c.log.Debugln("connection failed:", err)
	c.download.RemoveConnection(c)
	c.Teardown()
}

// EventError is the poll surface's error notification (§4.F, event_error).
func (c *PeerConn) EventError() {
	c.download.RemoveConnection(c)
	c.Teardown()
}

// SetSnubbed toggles the snubbed flag (§4.F).
func (c *PeerConn) SetSnubbed(v bool) { c.snubbed = v }

// receiveChoke implements receive_choke(v) (§4.F): the peer has told us,
// over the wire, whether it is now choking us. v must differ from the
// current state; a repeated notification is a protocol violation and
// tears the connection down. Becoming choked skips any block currently
// in flight, since the peer will not honor our outstanding requests;
// becoming unchoked re-arms request pipelining.
func (c *PeerConn) receiveChoke(v bool) {
	if c.read.Choked() == v {
		c.fail(peererror.Internalf("peerconn: receive_choke(%v) with no state change", v))
		return
	}
	c.read.SetChoked(v)
	if v {
		if c.reqs.IsDownloading() {
			c.reqs.Skip()
		}
		return
	}
	c.tryRequestPieces()
}

// ReadRequestPiece handles a peer's request for a block (§4.F,
// read_request_piece). Ignored if we are choking them, already have it
// queued, or its length exceeds the block ceiling.
func (c *PeerConn) ReadRequestPiece(b block.Block) {
	if c.write.Choked() {
		return
	}
	if b.Length > block.Ceiling {
		return
	}
	for _, e := range c.sendList {
		if e == b {
			return
		}
	}
	c.sendList = append(c.sendList, b)
	c.surface.InsertWrite(c)
}

// ReadCancelPiece removes a matching entry from the send list (§4.F,
// read_cancel_piece).
func (c *PeerConn) ReadCancelPiece(b block.Block) {
	for i, e := range c.sendList {
		if e == b {
			c.sendList = append(c.sendList[:i], c.sendList[i+1:]...)
			return
		}
	}
}

// SetRemoteInterested records that the peer wants to download from us.
// A no-op if the peer's bitfield is fully set, since a peer that already
// has every chunk has nothing to download from us.
func (c *PeerConn) SetRemoteInterested() {
	if c.chunks.AllSet() {
		return
	}
	if c.read.Interested() {
		return
	}
	c.read.SetInterested(true)
	c.download.ChokeManager().FastUnchoke(c)
}

// SetRemoteNotInterested records that the peer no longer wants to download
// from us. The choke manager will stop counting this connection as a
// candidate on its next tick, since it samples Interested() fresh each
// round rather than being pushed updates.
func (c *PeerConn) SetRemoteNotInterested() {
	if !c.read.Interested() {
		return
	}
	c.read.SetInterested(false)
}

// Stall returns the number of consecutive ticks this connection has been
// downloading with no forward progress (§12, supplemented from the
// original's snub detection).
func (c *PeerConn) Stall() int { return c.stall }

// TickStall advances the stall counter by one whenever requests are
// outstanding (an empty request list zeroes it here, and ResetStall zeroes
// it on every received piece), and marks the connection snubbed once the
// counter reaches threshold. Call once per scheduling tick alongside
// chokemgr.Tick.
func (c *PeerConn) TickStall(threshold int) {
	if c.reqs.Empty() {
		c.stall = 0
		return
	}
	c.stall++
	if c.stall >= threshold {
		c.SetSnubbed(true)
	}
}

// ResetStall clears the stall counter, called whenever a piece message is
// received from this peer.
func (c *PeerConn) ResetStall() {
	c.stall = 0
	c.SetSnubbed(false)
}

// Keepalive queues a zero-length keepalive message for the next write-ready
// event, unless the write direction has left the Idle phase. It does not
// check when the peer was last written to. The poll surface driving the
// connection is responsible for calling this on a timer (§12, supplemented
// keepalive framing: the protocol's keepalive is the one message with no
// ID byte at all, distinct from every message in peerprotocol.MessageID).
func (c *PeerConn) Keepalive() {
	if c.write.Phase() != direction.Idle {
		return
	}
	c.pendingKeepalive = true
	c.surface.InsertWrite(c)
}

// EventRead is the poll surface's read-ready notification. It is the
// socket-reading step of down_chunk (§4.F, steps 1-2): fetch the download
// throttle's quota first; at zero quota, remove read interest and
// deactivate the node rather than reading anything, leaving the
// activation callback to restore read interest once quota returns.
// Otherwise it pulls up to quota bytes into the read buffer and frames as
// many complete messages as are present.
func (c *PeerConn) EventRead() {
	quota := c.downThrottle.Quota()
	if quota <= 0 {
		c.surface.RemoveRead(c)
		c.downThrottle.Deactivate()
		return
	}

	buf := c.read.Buffer()
	if buf.Remaining() == 0 {
		buf.MoveUnused()
	}
	free := buf.Free()
	if int64(len(free)) > quota {
		free = free[:quota]
	}
	n, err := c.sock.ReadStream(free)
	if err != nil {
		c.fail(peererror.New(peererror.Network, err))
		return
	}
	if n == 0 {
		return
	}
	buf.SetEnd(buf.Position() + buf.Remaining() + n)
	c.lastRead = time.Now()

	for c.frameOneMessage() {
	}
}

// frameOneMessage consumes exactly one complete message from the read
// buffer if one is fully present, dispatching it to the matching handler.
// It reports whether a message was consumed, so the caller can loop.
func (c *PeerConn) frameOneMessage() bool {
	buf := c.read.Buffer()
	unread := buf.Unread()
	if len(unread) < 4 {
		return false
	}
	length := binary.BigEndian.Uint32(unread[0:4])
	if length == 0 {
		// Keepalive: zero-length message, no ID byte.
		buf.MovePosition(4)
		return true
	}
	if uint32(len(unread)) < 4+length {
		return false
	}
	id := peerprotocol.MessageID(unread[4])
	body := unread[5 : 4+length]
	c.dispatch(id, body)
	buf.MovePosition(int(4 + length))
	return true
}

func (c *PeerConn) dispatch(id peerprotocol.MessageID, body []byte) {
	switch id {
	case peerprotocol.Choke:
		c.receiveChoke(true)
	case peerprotocol.Unchoke:
		c.receiveChoke(false)
	case peerprotocol.Interested:
		c.SetRemoteInterested()
	case peerprotocol.NotInterested:
		c.SetRemoteNotInterested()
	case peerprotocol.Have:
		if len(body) < 4 {
			return
		}
		c.chunks.Set(binary.BigEndian.Uint32(body[0:4]))
		c.tryRequestPieces()
	case peerprotocol.Bitfield:
		if want := c.chunks.Bitfield().SizeInBytes(); uint32(len(body)) != want {
			c.fail(peererror.Networkf("peerconn: bitfield message of %d bytes, want %d", len(body), want))
			return
		}
		c.readBitfieldFromBuffer(body)
		c.tryRequestPieces()
	case peerprotocol.Request:
		if len(body) < 12 {
			return
		}
		c.ReadRequestPiece(block.Block{
			ChunkIndex: binary.BigEndian.Uint32(body[0:4]),
			Begin:      binary.BigEndian.Uint32(body[4:8]),
			Length:     binary.BigEndian.Uint32(body[8:12]),
		})
	case peerprotocol.Cancel:
		if len(body) < 12 {
			return
		}
		c.ReadCancelPiece(block.Block{
			ChunkIndex: binary.BigEndian.Uint32(body[0:4]),
			Begin:      binary.BigEndian.Uint32(body[4:8]),
			Length:     binary.BigEndian.Uint32(body[8:12]),
		})
	case peerprotocol.Piece:
		if len(body) < 8 {
			return
		}
		c.downChunk(block.Block{
			ChunkIndex: binary.BigEndian.Uint32(body[0:4]),
			Begin:      binary.BigEndian.Uint32(body[4:8]),
			Length:     uint32(len(body) - 8),
		}, body[8:])
	}
}

// readBitfieldFromBuffer applies a received bitfield message body to the
// peer's chunk record by setting each advertised bit. Bits already set are
// kept, so a later bitfield adds to the earlier one rather than replacing
// it. Per the decision recorded for the bitfield position==0 open
// question, nothing is applied unless the read position is 0; PeerConn
// never moves the read position, so every bitfield message is applied.
// dispatch has already checked the body length.
func (c *PeerConn) readBitfieldFromBuffer(body []byte) {
	if c.read.Position() != 0 {
		return
	}
	bf := c.chunks.Bitfield()
	for i := uint32(0); i < bf.Len(); i++ {
		byteIdx := i / 8
		if byteIdx >= uint32(len(body)) {
			break
		}
		if body[byteIdx]&(1<<(7-(i%8))) != 0 {
			bf.Set(i)
		}
	}
	if c.chunks.AllSet() {
		c.download.ChokeManager().Disconnected(c) // a seed never downloads from us, so it needs no upload slot
	}
}

// downChunk implements the remainder of down_chunk (steps 3-6; the quota
// fetch and zero-quota deactivation of steps 1-2 already happened in
// EventRead before these bytes were read off the socket): bytes received
// for an outstanding request are written into the writable lease for
// their chunk, the request list entry is retired once fully received, and
// the stall counter resets.
func (c *PeerConn) downChunk(b block.Block, data []byte) {
	if !c.reqs.Remove(b) {
		return
	}
	c.ResetStall()
	c.chunks.RecordDownloaded(int64(len(data)))
	c.downThrottle.Used(int64(len(data)))

	h, err := c.download.ChunkStore().Get(b.ChunkIndex, true)
	if err != nil {
		c.fail(peererror.New(peererror.Storage, err))
		return
	}
	defer c.download.ChunkStore().Release(h)
	if !h.IsValid() {
		c.fail(peererror.New(peererror.Storage, h.ErrorNumber()))
		return
	}
	chunk := h.Chunk()
	part, cursor := chunk.AtMemory(int64(b.Begin), 0)
	written := 0
	for len(data) > 0 && len(part) > 0 {
		n := copy(part, data)
		data = data[n:]
		written += n
		if len(data) == 0 || cursor == -1 {
			break
		}
		part, cursor = chunk.AtMemory(int64(b.Begin)+int64(written), cursor)
	}

	c.tryRequestPieces()
}

// loadUpChunk stages the bytes for a queued send-list entry into the write
// buffer by acquiring a readable chunk lease, mirroring load_up_chunk.
func (c *PeerConn) loadUpChunk(b block.Block) ([]byte, error) {
	h, err := c.download.ChunkStore().Get(b.ChunkIndex, false)
	if err != nil {
		return nil, err
	}
	if !h.IsValid() {
		c.download.ChunkStore().Release(h)
		return nil, h.ErrorNumber()
	}
	chunk := h.Chunk()
	out := make([]byte, 0, b.Length)
	part, cursor := chunk.AtMemory(int64(b.Begin), 0)
	for uint32(len(out)) < b.Length && len(part) > 0 {
		need := int(b.Length) - len(out)
		if len(part) > need {
			part = part[:need]
		}
		out = append(out, part...)
		if uint32(len(out)) >= b.Length || cursor == -1 {
			break
		}
		part, cursor = chunk.AtMemory(int64(b.Begin)+int64(len(out)), cursor)
	}
	c.download.ChunkStore().Release(h)
	return out, nil
}

// EventWrite is the poll surface's write-ready notification: it flushes a
// pending choke/unchoke notification, then a pending interested/
// not-interested notification, then queued piece sends, then a pending
// keepalive. Request messages are not queued here; tryRequestPieces writes
// them directly. The piece-send loop is up_chunk's mirror of down_chunk: each queued
// block is gated on the upload throttle's quota, and hitting zero quota
// mid-loop removes write interest and deactivates the node rather than
// flushing the remaining queue, leaving the activation callback to
// restore write interest once quota returns.
func (c *PeerConn) EventWrite() {
	if c.pendingSendChoke {
		c.pendingSendChoke = false
		var msg peerprotocol.Message
		if c.write.Choked() {
			msg = peerprotocol.ChokeMessage{}
		} else {
			msg = peerprotocol.UnchokeMessage{}
		}
		c.sendMessage(msg)
	}

	if c.pendingInterest {
		c.pendingInterest = false
		var msg peerprotocol.Message
		if c.write.Interested() {
			msg = peerprotocol.InterestedMessage{}
		} else {
			msg = peerprotocol.NotInterestedMessage{}
		}
		c.sendMessage(msg)
	}

	for len(c.sendList) > 0 {
		b := c.sendList[0]
		// A piece is written to the wire as one message; quota is drawn in
		// block64-sized chunks (throttle.go), comfortably above the usual
		// 16KiB block size, so gate on covering the whole block rather than
		// fragmenting a single piece message across ticks.
		quota := c.upThrottle.Quota()
		if quota <= 0 || quota < int64(b.Length) {
			c.surface.RemoveWrite(c)
			c.upThrottle.Deactivate()
			return
		}

		data, err := c.loadUpChunk(b)
		if err != nil {
			c.fail(peererror.New(peererror.Storage, err))
			return
		}
		c.sendList = c.sendList[1:]
		c.chunks.RecordUploaded(int64(len(data)))
		c.upThrottle.Used(int64(len(data)))
		header := make([]byte, 13)
		binary.BigEndian.PutUint32(header[0:4], uint32(9+len(data)))
		header[4] = byte(peerprotocol.Piece)
		binary.BigEndian.PutUint32(header[5:9], b.ChunkIndex)
		binary.BigEndian.PutUint32(header[9:13], b.Begin)
		c.writeRaw(header)
		c.writeRaw(data)
	}

	if c.pendingKeepalive {
		c.pendingKeepalive = false
		c.writeRaw(make([]byte, 4))
	}

	if len(c.sendList) == 0 && !c.pendingSendChoke && !c.pendingInterest && !c.pendingKeepalive {
		c.surface.RemoveWrite(c)
	}
}

func (c *PeerConn) sendMessage(m peerprotocol.Message) {
	body := make([]byte, 256)
	n, _ := m.Read(body)
	body = body[:n]
	header := make([]byte, 5)
	binary.BigEndian.PutUint32(header[0:4], uint32(1+len(body)))
	header[4] = byte(m.ID())
	c.writeRaw(header)
	c.writeRaw(body)
}

func (c *PeerConn) writeRaw(p []byte) {
	for len(p) > 0 {
		n, err := c.sock.WriteStream(p)
		if err != nil {
			c.fail(peererror.New(peererror.Network, err))
			return
		}
		if n == 0 {
			return
		}
		p = p[n:]
	}
}

// shouldRequest implements should_request (§4.F): under endgame a block may
// be duplicate-requested from a peer that is not stalled (stall counter at
// most 1), and from a stalled peer only while the download's aggregate
// rate is below the low-water mark, preventing struggling connections from
// piling redundant requests onto the last few chunks once the swarm is
// already downloading quickly enough without them.
func (c *PeerConn) shouldRequest() bool {
	if !c.download.Endgame() {
		return true
	}
	return c.stall <= 1 || c.download.AggregateDownloadRate() < endgameLowWaterBps
}

// tryRequestPieces implements try_request_pieces: tops up the request list
// up to the pipe depth computed from the observed download rate, so long
// as the write direction can still accept more request framing and the
// peer has not choked us. It also drives our declared interest in the
// peer: becoming unable to delegate anything further while the pipe is
// empty sends not-interested, and a first successful delegation sends
// interested.
func (c *PeerConn) tryRequestPieces() {
	if c.read.Choked() {
		c.setOurInterest(false)
		return
	}
	if !c.write.CanWriteRequest() {
		return
	}
	target := requestlist.CalculatePipeSize(c.chunks.DownloadSpeed())
	if c.snubbed && !c.download.Endgame() {
		// A snubbed peer is not delivering; stop growing its pipe but let
		// already-outstanding requests drain rather than cancelling them.
		target = c.reqs.Size()
	}
	delegated := false
	for c.reqs.Size() < target {
		if !c.shouldRequest() {
			break
		}
		b, ok := c.reqs.Delegate(c.chunks.Get)
		if !ok {
			break
		}
		delegated = true
		c.sendMessage(peerprotocol.RequestMessage{Index: b.ChunkIndex, Begin: b.Begin, Length: b.Length})
	}
	if delegated || c.reqs.Size() > 0 {
		c.setOurInterest(true)
	} else {
		c.setOurInterest(false)
	}
}

// setOurInterest declares or withdraws our interest in downloading from
// this peer (am_interested), queuing an Interested/NotInterested message
// only on an actual transition.
func (c *PeerConn) setOurInterest(v bool) {
	if c.write.Interested() == v {
		return
	}
	c.write.SetInterested(v)
	c.pendingInterest = true
	c.surface.InsertWrite(c)
}
