package udptracker

import (
	"bytes"
	"encoding/binary"
	"errors"
)

// udpScrapeResponse is the response received from the tracker for scrape.
type udpScrapeResponse struct {
	Complete   int32
	Downloaded int32
	Incomplete int32
}

// parseScrapeResponse parses the scrape response from the tracker. data is
// the whole datagram: the action/transaction id header followed by the
// counters of the first info hash.
func (t *UDPTracker) parseScrapeResponse(data []byte) (*udpScrapeResponse, error) {
	var header udpMessageHeader
	if len(data) < binary.Size(header)+12 {
		return nil, errors.New("invalid scrape response")
	}

	r := bytes.NewReader(data)
	if err := binary.Read(r, binary.BigEndian, &header); err != nil {
		return nil, err
	}
	if header.Action != actionScrape {
		return nil, errors.New("invalid action")
	}

	var response udpScrapeResponse
	err := binary.Read(r, binary.BigEndian, &response)
	if err != nil {
		return nil, err
	}

	return &response, nil
}
