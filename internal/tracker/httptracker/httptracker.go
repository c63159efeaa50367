package httptracker

import (
	"context"
	"fmt"
	"io"
	"io/ioutil"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/zeebo/bencode"

	"github.com/bitswarm/torrentcore/internal/logger"
	"github.com/bitswarm/torrentcore/internal/tracker"
)

var httpTimeout = 30 * time.Second

type HTTPTracker struct {
	url       *url.URL
	log       logger.Logger
	http      *http.Client
	transport *http.Transport
	trackerID string
}

func New(u *url.URL) *HTTPTracker {
	transport := &http.Transport{
		Dial: (&net.Dialer{
			Timeout: httpTimeout,
		}).Dial,
		TLSHandshakeTimeout: httpTimeout,
		DisableKeepAlives:   true,
	}
	return &HTTPTracker{
		url:       u,
		log:       logger.New("tracker " + u.String()),
		transport: transport,
		http: &http.Client{
			Timeout:   httpTimeout,
			Transport: transport,
		},
	}
}

func (t *HTTPTracker) Announce(ctx context.Context, req tracker.AnnounceRequest) (*tracker.AnnounceResponse, error) {
	torrent := req.Torrent
	q := url.Values{}
	q.Set("info_hash", string(torrent.InfoHash[:]))
	q.Set("peer_id", string(torrent.PeerID[:]))
	q.Set("port", strconv.FormatUint(uint64(torrent.Port), 10))
	q.Set("uploaded", strconv.FormatInt(torrent.BytesUploaded, 10))
	q.Set("downloaded", strconv.FormatInt(torrent.BytesDownloaded, 10))
	q.Set("left", strconv.FormatInt(torrent.BytesLeft, 10))
	q.Set("compact", "1")
	q.Set("no_peer_id", "1")
	q.Set("numwant", strconv.Itoa(req.NumWant))
	if req.Event != tracker.EventNone {
		q.Set("event", req.Event.String())
	}
	if t.trackerID != "" {
		q.Set("trackerid", t.trackerID)
	}

	u := t.url
	u.RawQuery = q.Encode()
	t.log.Debugf("making request to: %q", u.String())

	httpReq, err := http.NewRequestWithContext(ctx, "GET", u.String(), nil)
	if err != nil {
		return nil, err
	}

	bodyC := make(chan io.ReadCloser, 1)
	errC := make(chan error, 1)
	go func() {
		resp, err := t.http.Do(httpReq)
		if err != nil {
			errC <- err
			return
		}

		if resp.StatusCode != 200 {
			data, _ := ioutil.ReadAll(resp.Body)
			_ = resp.Body.Close()
			errC <- &StatusError{Code: resp.StatusCode, Header: resp.Header, Body: string(data)}
			return
		}

		bodyC <- resp.Body
	}()

	var response = new(announceResponse)

	select {
	case err := <-errC:
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	case body := <-bodyC:
		d := bencode.NewDecoder(body)
		err := d.Decode(&response)
		_ = body.Close()
		if err != nil {
			return nil, err
		}
	}

	if response.WarningMessage != "" {
		t.log.Warning(response.WarningMessage)
	}
	if response.FailureReason != "" {
		return nil, &tracker.Error{FailureReason: response.FailureReason}
	}

	if response.TrackerID != "" {
		t.trackerID = response.TrackerID
	}

	// Peers may be in binary or dictionary model.
	var peers []*net.TCPAddr
	if len(response.Peers) > 0 {
		if response.Peers[0] == 'l' {
			peers, err = t.parsePeersDictionary(response.Peers)
		} else {
			var b []byte
			err = bencode.DecodeBytes(response.Peers, &b)
			if err != nil {
				return nil, err
			}
			peers, err = tracker.DecodePeersCompact(b)
		}
		if err != nil {
			return nil, err
		}
	}

	return &tracker.AnnounceResponse{
		Interval:       time.Duration(response.Interval) * time.Second,
		MinInterval:    time.Duration(response.MinInterval) * time.Second,
		WarningMessage: response.WarningMessage,
		Leechers:       response.Incomplete,
		Seeders:        response.Complete,
		Peers:          peers,
	}, nil
}

var _ tracker.Scraper = (*HTTPTracker)(nil)

// Scrape requests swarm statistics for infoHash by replacing the first
// "/announce" in the announce path with "/scrape", per the convention most
// HTTP trackers follow.
func (t *HTTPTracker) Scrape(ctx context.Context, infoHash [20]byte) (*tracker.ScrapeResponse, error) {
	u := *t.url
	u.Path = strings.Replace(u.Path, "/announce", "/scrape", 1)
	q := url.Values{}
	q.Set("info_hash", string(infoHash[:]))
	u.RawQuery = q.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, "GET", u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := t.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		data, _ := ioutil.ReadAll(resp.Body)
		return nil, fmt.Errorf("status not 200 OK (status: %d body: %q)", resp.StatusCode, string(data))
	}

	var response scrapeResponse
	if err := bencode.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, err
	}
	if response.FailureReason != "" {
		return nil, &tracker.Error{FailureReason: response.FailureReason}
	}
	file, ok := response.Files[string(infoHash[:])]
	if !ok {
		return &tracker.ScrapeResponse{}, nil
	}
	return &tracker.ScrapeResponse{
		Complete:   file.Complete,
		Incomplete: file.Incomplete,
		Downloaded: file.Downloaded,
	}, nil
}

func (t *HTTPTracker) parsePeersDictionary(b bencode.RawMessage) ([]*net.TCPAddr, error) {
	var peers []struct {
		IP   string `bencode:"ip"`
		Port uint16 `bencode:"port"`
	}
	err := bencode.DecodeBytes(b, &peers)
	if err != nil {
		return nil, err
	}

	addrs := make([]*net.TCPAddr, len(peers))
	for i, p := range peers {
		pe := &net.TCPAddr{IP: net.ParseIP(p.IP), Port: int(p.Port)}
		addrs[i] = pe
	}
	return addrs, err
}

func (t *HTTPTracker) URL() string {
	return t.url.String()
}

func (t *HTTPTracker) Close() error {
	t.transport.CloseIdleConnections()
	return nil
}

var _ tracker.Tracker = (*HTTPTracker)(nil)
