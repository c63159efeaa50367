// Package peerchunks implements component D: custody of one peer's
// advertised bitfield plus the per-peer transfer tally the choke manager
// and rate meters read from.
package peerchunks

import (
	metrics "github.com/rcrowley/go-metrics"

	"github.com/bitswarm/torrentcore/internal/bitfield"
)

// PeerChunks owns a peer's bitfield, sized from the content's chunk total
// and zero-filled at construction, plus the accounting needed to drive
// choke/interest decisions for this peer.
type PeerChunks struct {
	bf bitfield.BitField

	downloaded metrics.Meter
	uploaded   metrics.Meter
}

// New returns a PeerChunks with a zero-filled bitfield of chunkTotal bits.
func New(chunkTotal uint32) *PeerChunks {
	return &PeerChunks{
		bf:         bitfield.New(chunkTotal),
		downloaded: metrics.NewMeter(),
		uploaded:   metrics.NewMeter(),
	}
}

// Bitfield returns the peer's advertised bitfield.
func (p *PeerChunks) Bitfield() *bitfield.BitField { return &p.bf }

// Get reports whether the peer has advertised chunk i.
func (p *PeerChunks) Get(i uint32) bool { return p.bf.Test(i) }

// Set records that the peer has advertised chunk i (from a Have message or
// a bit in the received bitfield).
func (p *PeerChunks) Set(i uint32) { p.bf.Set(i) }

// AllSet reports whether the peer has advertised every chunk, i.e. is a
// seed.
func (p *PeerChunks) AllSet() bool { return p.bf.All() }

// RawBytes returns the raw byte view suitable for serializing a bitfield
// message back out, e.g. when relaying availability.
func (p *PeerChunks) RawBytes() []byte { return p.bf.Bytes() }

// RecordDownloaded tallies bytes downloaded from this peer.
func (p *PeerChunks) RecordDownloaded(n int64) { p.downloaded.Mark(n) }

// RecordUploaded tallies bytes uploaded to this peer.
func (p *PeerChunks) RecordUploaded(n int64) { p.uploaded.Mark(n) }

// DownloadSpeed returns the smoothed download rate from this peer, in
// bytes per second.
func (p *PeerChunks) DownloadSpeed() int64 { return int64(p.downloaded.Rate1()) }

// UploadSpeed returns the smoothed upload rate to this peer, in bytes per
// second.
func (p *PeerChunks) UploadSpeed() int64 { return int64(p.uploaded.Rate1()) }
