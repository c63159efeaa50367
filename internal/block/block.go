// Package block defines the wire-level addressable unit exchanged between
// peers: a byte range within one chunk of the shared content.
package block

// Ceiling is the maximum length of a single block. Requests and piece
// messages describing a longer range are invalid.
const Ceiling = 1 << 17

// Block identifies a contiguous byte range within one chunk of content.
// It is immutable once constructed and is used both to describe a block
// requested from a peer and a block queued to be sent to a peer.
type Block struct {
	ChunkIndex uint32
	Begin      uint32
	Length     uint32
}

// ContentInfo is the minimal geometry description a Block is validated
// against. It is implemented by the content descriptor collaborator.
type ContentInfo interface {
	ChunkTotal() uint32
	ChunkLength(index uint32) uint32
}

// Valid reports whether b addresses a real byte range of the content: the
// chunk index is in range, begin+length does not overrun the chunk, and
// length does not exceed the block ceiling.
func (b Block) Valid(info ContentInfo) bool {
	if b.Length == 0 || b.Length > Ceiling {
		return false
	}
	if b.ChunkIndex >= info.ChunkTotal() {
		return false
	}
	chunkLen := info.ChunkLength(b.ChunkIndex)
	if b.Begin >= chunkLen {
		return false
	}
	end := b.Begin + b.Length
	if end < b.Begin || end > chunkLen {
		return false
	}
	return true
}
