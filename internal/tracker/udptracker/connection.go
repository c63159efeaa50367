package udptracker

import "context"

// connection performs a single BEP 15 connect handshake against a destination.
// Its ConnectionID is cached by Transport and reused for subsequent announces
// until it goes stale.
type connection struct {
	*requestBase
	*connectRequest
}

var _ udpRequest = (*connection)(nil)

func newConnection(ctx context.Context, dest string) *connection {
	return &connection{
		requestBase:    newRequestBase(ctx, dest),
		connectRequest: newConnectRequest(),
	}
}
