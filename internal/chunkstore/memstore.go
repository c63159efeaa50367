package chunkstore

import "sync"

// MemStore is an in-memory Store used by tests to stand in for the real
// on-disk chunk store. It holds one contiguous byte slice per chunk and
// enforces the same at-most-one-writer discipline as the real store.
type MemStore struct {
	mu     sync.Mutex
	chunks [][]byte
	locked []bool
}

// NewMemStore returns a MemStore with numChunks slots of chunkLen bytes
// each.
func NewMemStore(numChunks int, chunkLen int) *MemStore {
	m := &MemStore{
		chunks: make([][]byte, numChunks),
		locked: make([]bool, numChunks),
	}
	for i := range m.chunks {
		m.chunks[i] = make([]byte, chunkLen)
	}
	return m
}

func (m *MemStore) Get(index uint32, writable bool) (Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if int(index) >= len(m.chunks) {
		return nil, ErrNotFound
	}
	if writable {
		if m.locked[index] {
			return nil, errAlreadyLocked
		}
		m.locked[index] = true
	}
	return &memHandle{store: m, index: index, writable: writable}, nil
}

func (m *MemStore) Release(h Handle) {
	mh, ok := h.(*memHandle)
	if !ok || mh.released {
		return
	}
	mh.released = true
	if mh.writable {
		m.mu.Lock()
		m.locked[mh.index] = false
		m.mu.Unlock()
	}
}

var errAlreadyLocked = &storeError{"chunkstore: chunk already has a writable lease"}

type storeError struct{ s string }

func (e *storeError) Error() string { return e.s }

type memHandle struct {
	store    *MemStore
	index    uint32
	writable bool
	released bool
}

func (h *memHandle) IsValid() bool      { return !h.released }
func (h *memHandle) ErrorNumber() error { return nil }
func (h *memHandle) Chunk() Chunk       { return memChunk{h} }

type memChunk struct{ h *memHandle }

func (c memChunk) IsReadable() bool { return true }
func (c memChunk) IsWritable() bool { return c.h.writable }

func (c memChunk) AtMemory(pos int64, cursor int) ([]byte, int) {
	if cursor != 0 {
		return nil, -1
	}
	buf := c.h.store.chunks[c.h.index]
	if pos >= int64(len(buf)) {
		return nil, -1
	}
	return buf[pos:], -1
}
