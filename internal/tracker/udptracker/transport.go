package udptracker

// http://bittorrent.org/beps/bep_0015.html
// http://xbtt.sourceforge.net/udp_tracker_protocol.html

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/bitswarm/torrentcore/internal/logger"
	"github.com/bitswarm/torrentcore/internal/tracker"
	backoff "github.com/cenkalti/backoff/v3"
)

const connectionIDMagic = 0x41727101980
const connectionIDInterval = time.Minute

// Transport is a single UDP socket shared by every UDPTracker, since BEP 15
// multiplexes all trackers over one ephemeral port via transaction IDs.
type Transport struct {
	conn *net.UDPConn
	log  logger.Logger

	connections  map[string]*connState
	transactions map[int32]udpRequest
	m            sync.Mutex

	closeC chan struct{}
}

// connState caches the ConnectionID negotiated with one tracker destination.
type connState struct {
	m           sync.Mutex
	id          int64
	connectedAt time.Time
}

func NewTransport() *Transport {
	return &Transport{
		log:          logger.New("udp tracker transport"),
		connections:  make(map[string]*connState),
		transactions: make(map[int32]udpRequest),
		closeC:       make(chan struct{}),
	}
}

func (t *Transport) getConnState(dest string) *connState {
	t.m.Lock()
	defer t.m.Unlock()
	cs, ok := t.connections[dest]
	if !ok {
		cs = new(connState)
		t.connections[dest] = cs
	}
	return cs
}

func (t *Transport) listen() error {
	t.m.Lock()
	defer t.m.Unlock()

	if t.conn != nil {
		return nil
	}

	var laddr net.UDPAddr
	conn, err := net.ListenUDP("udp4", &laddr)
	if err != nil {
		return err
	}

	t.conn = conn
	go t.readLoop()
	return nil
}

// Do sends req to its destination tracker, connecting first if the cached
// ConnectionID has gone stale, and blocks until the tracker replies or ctx is
// done.
func (t *Transport) Do(req *transportRequest) ([]byte, error) {
	return t.do(req.GetContext(), req.dest, req)
}

// Scrape sends a scrape request to dest, connecting first if needed.
func (t *Transport) Scrape(req *transportScrapeRequest) ([]byte, error) {
	return t.do(req.GetContext(), req.dest, req)
}

func (t *Transport) do(ctx context.Context, dest string, req udpRequest) ([]byte, error) {
	if err := t.listen(); err != nil {
		return nil, err
	}
	ip, port, err := tracker.ResolveHost(ctx, dest)
	if err != nil {
		return nil, err
	}
	addr := &net.UDPAddr{IP: ip, Port: port}

	cs := t.getConnState(dest)
	cs.m.Lock()
	if time.Since(cs.connectedAt) > connectionIDInterval {
		id, err := t.connect(ctx, dest, addr)
		if err != nil {
			cs.m.Unlock()
			return nil, err
		}
		cs.id = id
		cs.connectedAt = time.Now()
	}
	connectionID := cs.id
	cs.m.Unlock()

	req.SetConnectionID(connectionID)
	return t.sendRequest(ctx, req, addr)
}

// Close the tracker connection.
func (t *Transport) Close() error {
	close(t.closeC)
	if t.conn != nil {
		return t.conn.Close()
	}
	return nil
}

// readLoop reads datagrams from the connection, finds the matching
// transaction and delivers the payload to it.
func (t *Transport) readLoop() {
	// Read buffer must be big enough to hold a UDP packet of maximum expected size.
	// Current value is: 6020 = 20 + 1000*6 (AnnounceResponse with maxNumWant peers)
	const maxNumWant = 1000
	bigBuf := make([]byte, 20+6*maxNumWant)
	for {
		n, err := t.conn.Read(bigBuf)
		if err != nil {
			select {
			case <-t.closeC:
			default:
				t.log.Error(err)
			}
			return
		}
		t.log.Debug("Read ", n, " bytes")
		buf := bigBuf[:n]

		var header udpMessageHeader
		err = binary.Read(bytes.NewReader(buf), binary.BigEndian, &header)
		if err != nil {
			t.log.Error(err)
			continue
		}

		t.m.Lock()
		req, ok := t.transactions[header.TransactionID]
		delete(t.transactions, header.TransactionID)
		t.m.Unlock()
		if !ok {
			t.log.Debugln("unexpected transaction_id:", header.TransactionID)
			continue
		}

		if header.Action == actionError {
			// The part after the header is the error message.
			req.SetResponse(nil, &tracker.Error{FailureReason: string(buf[binary.Size(header):])})
			continue
		}

		// Copy data into a new slice because buf will be overwritten at next read.
		data := make([]byte, len(buf))
		copy(data, buf)
		req.SetResponse(data, nil)
	}
}

func (t *Transport) write(req udpRequest, addr *net.UDPAddr) {
	var buf bytes.Buffer
	_, err := req.WriteTo(&buf)
	if err != nil {
		t.log.Error(err)
		return
	}
	_, err = t.conn.WriteTo(buf.Bytes(), addr)
	if err != nil {
		t.log.Error(err)
	}
}

// connect sends a connectRequest to addr and returns the ConnectionID given
// by the tracker. sendRequest retransmits the request on the BEP 15 schedule
// until the tracker replies or ctx is done; an error reply or a malformed
// response is returned without retrying.
func (t *Transport) connect(ctx context.Context, dest string, addr *net.UDPAddr) (int64, error) {
	c := newConnection(ctx, dest)

	data, err := t.sendRequest(ctx, c, addr)
	if err != nil {
		return 0, err
	}

	var response connectResponse
	err = binary.Read(bytes.NewReader(data), binary.BigEndian, &response)
	if err != nil {
		return 0, err
	}
	if response.Action != actionConnect {
		return 0, errors.New("invalid action in connect response")
	}
	t.log.Debugf("connect response: %#v", response)
	return response.ConnectionID, nil
}

func (t *Transport) sendRequest(ctx context.Context, req udpRequest, addr *net.UDPAddr) ([]byte, error) {
	trx := newTransaction(req)
	defer trx.cancel()

	t.m.Lock()
	t.transactions[trx.id] = req
	t.m.Unlock()
	defer func() {
		t.m.Lock()
		delete(t.transactions, trx.id)
		t.m.Unlock()
	}()

	ticker := backoff.NewTicker(new(udpBackOff))
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.write(req, addr)
		case <-req.Wait():
			return req.GetResponse()
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
