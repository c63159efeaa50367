// Package chunkstore declares the lease-based collaborator interface that
// PeerConnection acquires chunk memory through. The store itself — file
// layout, integrity hashing, persistence — lives outside this module; it is
// an external collaborator per the core's scope.
package chunkstore

import "errors"

// ErrNotFound is returned by Store.Get when the requested chunk index does
// not exist in the content.
var ErrNotFound = errors.New("chunkstore: chunk not found")

// Store hands out leases on chunk memory. It guarantees at-most-one
// writable lease per chunk index at any time but permits any number of
// concurrent readable leases.
type Store interface {
	// Get acquires a lease on the chunk at index. Writable leases block out
	// other writers until Release; readable leases never conflict with each
	// other.
	Get(index uint32, writable bool) (Handle, error)

	// Release returns the lease to the store. Release is idempotent: a
	// double-release on the same Handle is a no-op, not an error.
	Release(h Handle)
}

// Handle is a reference-counted lease on one chunk's memory.
type Handle interface {
	IsValid() bool
	ErrorNumber() error
	Chunk() Chunk
}

// Chunk exposes the memory view backing a lease.
type Chunk interface {
	IsReadable() bool
	IsWritable() bool

	// AtMemory resolves the part of the chunk's memory view starting at
	// byte offset pos, continuing a multi-part walk from cursor. It returns
	// a byte slice for the part and the advanced cursor. A zero-length
	// slice with cursor -1 means the position is past the end of the
	// chunk's memory view.
	AtMemory(pos int64, cursor int) (part []byte, nextCursor int)
}
