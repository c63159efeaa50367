// Package protocolbuf implements the fixed-capacity framing buffer each
// connection direction uses to hold the one wire message currently in
// flight. It is a direct descendant of the pooled byte-slice wrapper used
// elsewhere in this codebase, extended with the begin/position/end cursor
// triple a length-prefixed protocol needs to track a partially read or
// partially written message.
package protocolbuf

import "sync"

// Pool recycles fixed-size Buffers so repeated message framing does not
// churn the allocator.
type Pool struct {
	pool sync.Pool
}

// NewPool returns a Pool of Buffers with the given capacity.
func NewPool(capacity int) *Pool {
	return &Pool{
		pool: sync.Pool{
			New: func() interface{} {
				b := make([]byte, capacity)
				return &b
			},
		},
	}
}

// Get returns a Buffer with begin == position == end == 0 and room for up
// to the pool's configured capacity.
func (p *Pool) Get() Buffer {
	buf := p.pool.Get().(*[]byte)
	return Buffer{data: buf, pool: p}
}

// Buffer is a fixed-capacity scratch region with begin/position/end
// cursors. Bytes in [begin, position) have been consumed, bytes in
// [position, end) are buffered but not yet consumed, and bytes in
// [end, capacity) are free space new reads may land in.
type Buffer struct {
	data     *[]byte
	pool     *Pool
	begin    int
	position int
	end      int
}

// Reset returns both cursors to begin, discarding any buffered content.
func (b *Buffer) Reset() {
	b.position = b.begin
	b.end = b.begin
}

// Remaining returns the number of unconsumed buffered bytes.
func (b *Buffer) Remaining() int {
	return b.end - b.position
}

// Capacity returns the total byte capacity of the backing region.
func (b *Buffer) Capacity() int {
	return len(*b.data)
}

// Position returns the current read/write cursor.
func (b *Buffer) Position() int {
	return b.position
}

// MovePosition advances the position cursor by n, which must not push it
// past end.
func (b *Buffer) MovePosition(n int) {
	b.position += n
}

// SetPosition sets the position cursor to an absolute offset from begin.
func (b *Buffer) SetPosition(n int) {
	b.position = b.begin + n
}

// SetEnd sets the end cursor to an absolute offset from begin, e.g. after
// appending n freshly read bytes starting at begin.
func (b *Buffer) SetEnd(n int) {
	b.end = b.begin + n
}

// Unread returns the slice of buffered, not-yet-consumed bytes.
func (b *Buffer) Unread() []byte {
	return (*b.data)[b.position:b.end]
}

// Free returns the slice of free space after end, where newly read bytes
// may be appended.
func (b *Buffer) Free() []byte {
	return (*b.data)[b.end:]
}

// MoveUnused relocates the unconsumed tail to offset 0: the bytes in
// [position, end) are copied to the front of the region, position is reset
// to 0, and end is set to the length of the moved data.
func (b *Buffer) MoveUnused() {
	n := copy((*b.data)[b.begin:], (*b.data)[b.position:b.end])
	b.position = b.begin
	b.end = b.begin + n
}

// Release returns the Buffer to its Pool. The Buffer must not be used
// afterward.
func (b Buffer) Release() {
	b.pool.pool.Put(b.data)
}
