package block_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bitswarm/torrentcore/internal/block"
)

type fakeContent struct {
	chunks     uint32
	chunkLen   uint32
	lastChunk  uint32
	lastLength uint32
}

func (c fakeContent) ChunkTotal() uint32 { return c.chunks }

func (c fakeContent) ChunkLength(index uint32) uint32 {
	if index == c.lastChunk {
		return c.lastLength
	}
	return c.chunkLen
}

func TestValidAcceptsInRangeBlock(t *testing.T) {
	info := fakeContent{chunks: 4, chunkLen: 1 << 18}
	b := block.Block{ChunkIndex: 1, Begin: 0, Length: block.Ceiling}
	require.True(t, b.Valid(info))
}

func TestValidRejectsZeroOrOversizedLength(t *testing.T) {
	info := fakeContent{chunks: 4, chunkLen: 1 << 18}
	require.False(t, block.Block{ChunkIndex: 0, Length: 0}.Valid(info))
	require.False(t, block.Block{ChunkIndex: 0, Length: block.Ceiling + 1}.Valid(info))
}

func TestValidRejectsChunkIndexOutOfRange(t *testing.T) {
	info := fakeContent{chunks: 2, chunkLen: 1 << 18}
	b := block.Block{ChunkIndex: 2, Begin: 0, Length: 16384}
	require.False(t, b.Valid(info))
}

func TestValidRejectsOverrunningChunk(t *testing.T) {
	info := fakeContent{chunks: 2, chunkLen: 1 << 14, lastChunk: 1, lastLength: 100}
	require.False(t, block.Block{ChunkIndex: 1, Begin: 50, Length: 100}.Valid(info))
	require.True(t, block.Block{ChunkIndex: 1, Begin: 0, Length: 100}.Valid(info))
}

func TestValidRejectsBeginAtOrPastChunkEnd(t *testing.T) {
	info := fakeContent{chunks: 1, chunkLen: 100, lastLength: 100}
	require.False(t, block.Block{ChunkIndex: 0, Begin: 100, Length: 1}.Valid(info))
}
