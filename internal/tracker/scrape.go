package tracker

import "context"

// ScrapeResponse carries swarm statistics for a single torrent, as returned
// by a tracker's scrape facility.
type ScrapeResponse struct {
	Complete   int32
	Incomplete int32
	Downloaded int32
}

// Scraper is implemented by Tracker transports that also support scrape
// requests. Not every scheme does (dht:// has no notion of scrape); callers
// type-assert for it rather than requiring it on Tracker itself.
type Scraper interface {
	Scrape(ctx context.Context, infoHash [20]byte) (*ScrapeResponse, error)
}
