package udptracker_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"net"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bitswarm/torrentcore/internal/tracker"
	"github.com/bitswarm/torrentcore/internal/tracker/udptracker"
)

const timeout = 2 * time.Second

// fakeUDPTracker speaks just enough of BEP 15 (connect + announce) to drive
// UDPTracker.Announce end to end, replying with one fixed peer.
type fakeUDPTracker struct {
	conn *net.UDPConn
}

func startFakeUDPTracker(t *testing.T) (addr string, stop func()) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{})
	require.NoError(t, err)
	f := &fakeUDPTracker{conn: conn}
	go f.serve()
	return conn.LocalAddr().String(), func() { _ = conn.Close() }
}

func (f *fakeUDPTracker) serve() {
	buf := make([]byte, 2048)
	for {
		n, raddr, err := f.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		f.handle(buf[:n], raddr)
	}
}

func (f *fakeUDPTracker) handle(data []byte, raddr *net.UDPAddr) {
	if len(data) < 16 {
		return
	}
	connectionID := int64(binary.BigEndian.Uint64(data[0:8]))
	action := int32(binary.BigEndian.Uint32(data[8:12]))
	transactionID := int32(binary.BigEndian.Uint32(data[12:16]))

	switch action {
	case 0: // connect
		_ = connectionID
		resp := make([]byte, 16)
		binary.BigEndian.PutUint32(resp[0:4], 0)
		binary.BigEndian.PutUint32(resp[4:8], uint32(transactionID))
		binary.BigEndian.PutUint64(resp[8:16], 0xdeadbeef)
		_, _ = f.conn.WriteToUDP(resp, raddr)
	case 1: // announce
		var buf bytes.Buffer
		_ = binary.Write(&buf, binary.BigEndian, int32(1)) // action = announce
		_ = binary.Write(&buf, binary.BigEndian, transactionID)
		_ = binary.Write(&buf, binary.BigEndian, int32(60)) // interval
		_ = binary.Write(&buf, binary.BigEndian, int32(0))  // leechers
		_ = binary.Write(&buf, binary.BigEndian, int32(1))  // seeders
		buf.Write([]byte{127, 0, 0, 1})
		_ = binary.Write(&buf, binary.BigEndian, uint16(1111))
		_, _ = f.conn.WriteToUDP(buf.Bytes(), raddr)
	}
}

func TestUDPTracker(t *testing.T) {
	addr, stop := startFakeUDPTracker(t)
	defer stop()

	rawURL := "udp://" + addr + "/announce"
	u, err := url.Parse(rawURL)
	require.NoError(t, err)

	tr := udptracker.NewTransport()
	defer tr.Close()
	trk := udptracker.New(rawURL, u, tr)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	req := tracker.AnnounceRequest{
		Torrent: tracker.Torrent{
			Port:   2222,
			PeerID: [20]byte{2},
		},
		NumWant: 10,
	}
	resp, err := trk.Announce(ctx, req)
	require.NoError(t, err)
	require.Len(t, resp.Peers, 1)
	require.Equal(t, 1111, resp.Peers[0].Port)
}
