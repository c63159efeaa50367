// Package direction implements the per-direction protocol state machine
// (component B): the small FSM that tracks where a connection's read side
// or write side currently stands within a length-prefixed message, plus
// the choke/interest flags carried alongside it.
package direction

import (
	"github.com/bitswarm/torrentcore/internal/block"
	"github.com/bitswarm/torrentcore/internal/protocolbuf"
)

// Phase is a state of the read or write FSM.
type Phase int

const (
	// Idle is the state between messages: no partial message in flight.
	Idle Phase = iota
	// Message means a length-prefixed message header/body is being
	// framed.
	Message
	// Bitfield means a bitfield message body is being transferred.
	Bitfield
	// Piece means a piece (block) body is being transferred.
	Piece
	// InternalError is a one-way terminal state: the connection owning
	// this direction must be torn down.
	InternalError
)

// Read holds the state of the receive side of a connection.
type Read struct {
	buf        protocolbuf.Buffer
	position   uint32
	choked     bool
	interested bool
	phase      Phase
	piece      *block.Block
}

// NewRead returns a Read state in the Idle phase, choked (the peer starts
// out choking us), not interested.
func NewRead(buf protocolbuf.Buffer) *Read {
	return &Read{buf: buf, choked: true}
}

func (r *Read) Buffer() *protocolbuf.Buffer { return &r.buf }
func (r *Read) Position() uint32            { return r.position }
func (r *Read) SetPosition(n uint32)        { r.position = n }
func (r *Read) AdjustPosition(n uint32)     { r.position += n }
func (r *Read) Choked() bool                { return r.choked }
func (r *Read) SetChoked(v bool)            { r.choked = v }
func (r *Read) Interested() bool            { return r.interested }
func (r *Read) SetInterested(v bool)        { r.interested = v }
func (r *Read) Phase() Phase                { return r.phase }
func (r *Read) Piece() *block.Block         { return r.piece }

// SetPiece records the block currently being received and switches to the
// Piece phase. Pass nil to clear it.
func (r *Read) SetPiece(b *block.Block) {
	r.piece = b
	if b != nil {
		r.phase = Piece
	}
}

// SetPhase moves to a new phase. Transitions out of InternalError are
// rejected: the state is one-way terminal.
func (r *Read) SetPhase(p Phase) {
	if r.phase == InternalError {
		return
	}
	r.phase = p
	if p != Piece {
		r.piece = nil
	}
	if p == Idle {
		r.position = 0
	}
}

// Write holds the state of the send side of a connection.
type Write struct {
	buf        protocolbuf.Buffer
	position   uint32
	choked     bool
	interested bool
	phase      Phase
}

// NewWrite returns a Write state in the Idle phase, choking the peer by
// default, not interested in them.
func NewWrite(buf protocolbuf.Buffer) *Write {
	return &Write{buf: buf, choked: true}
}

func (w *Write) Buffer() *protocolbuf.Buffer { return &w.buf }
func (w *Write) Position() uint32            { return w.position }
func (w *Write) SetPosition(n uint32)        { w.position = n }
func (w *Write) AdjustPosition(n uint32)     { w.position += n }
func (w *Write) Choked() bool                { return w.choked }
func (w *Write) SetChoked(v bool)            { w.choked = v }
func (w *Write) Interested() bool            { return w.interested }
func (w *Write) SetInterested(v bool)        { w.interested = v }
func (w *Write) Phase() Phase                { return w.phase }

func (w *Write) SetPhase(p Phase) {
	if w.phase == InternalError {
		return
	}
	w.phase = p
	if p == Idle {
		w.position = 0
	}
}

// CanWriteRequest reports whether the write direction may frame another
// outgoing request message right now. It is false only once the direction
// has hit InternalError and is being torn down.
func (w *Write) CanWriteRequest() bool {
	return w.phase != InternalError
}
