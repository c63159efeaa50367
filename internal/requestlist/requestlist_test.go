package requestlist_test

import (
	"testing"

	"github.com/google/btree"
	"github.com/stretchr/testify/require"

	"github.com/bitswarm/torrentcore/internal/block"
	"github.com/bitswarm/torrentcore/internal/requestlist"
)

// btreeItem orders blocks by (chunk index, begin) for ascending endgame
// scans, the ordering a selector needs to hand out duplicate requests for
// the earliest still-outstanding byte range first.
type btreeItem block.Block

func (a btreeItem) Less(than btree.Item) bool {
	b := than.(btreeItem)
	if a.ChunkIndex != b.ChunkIndex {
		return a.ChunkIndex < b.ChunkIndex
	}
	return a.Begin < b.Begin
}

// fakeSelector is a minimal Delegator backed by a btree.BTree, standing in
// for the selector collaborator Request List is specified against.
type fakeSelector struct {
	pending *btree.BTree
	has     map[uint32]bool
}

func newFakeSelector(blocks []block.Block, has map[uint32]bool) *fakeSelector {
	t := btree.New(4)
	for _, b := range blocks {
		t.ReplaceOrInsert(btreeItem(b))
	}
	return &fakeSelector{pending: t, has: has}
}

func (s *fakeSelector) Delegate(hasFn func(chunkIndex uint32) bool) (block.Block, bool) {
	var found block.Block
	var ok bool
	s.pending.Ascend(func(i btree.Item) bool {
		b := block.Block(i.(btreeItem))
		if hasFn(b.ChunkIndex) {
			found, ok = b, true
			return false
		}
		return true
	})
	if ok {
		s.pending.Delete(btreeItem(found))
	}
	return found, ok
}

func (s *fakeSelector) Return(b block.Block) {
	s.pending.ReplaceOrInsert(btreeItem(b))
}

func allChunks(m map[uint32]bool) func(uint32) bool {
	return func(i uint32) bool { return m[i] }
}

func TestDelegateAppendsToEntries(t *testing.T) {
	blocks := []block.Block{
		{ChunkIndex: 2, Begin: 0, Length: 16384},
		{ChunkIndex: 0, Begin: 0, Length: 16384},
		{ChunkIndex: 1, Begin: 0, Length: 16384},
	}
	sel := newFakeSelector(blocks, nil)
	rl := requestlist.New(sel)

	has := allChunks(map[uint32]bool{0: true, 1: true, 2: true})

	b, ok := rl.Delegate(has)
	require.True(t, ok)
	require.Equal(t, uint32(0), b.ChunkIndex)
	require.Equal(t, 1, rl.Size())
	require.False(t, rl.Empty())
	require.Contains(t, rl.Entries(), b)
}

func TestDelegateSkipsChunksPeerLacks(t *testing.T) {
	blocks := []block.Block{
		{ChunkIndex: 0, Begin: 0, Length: 16384},
		{ChunkIndex: 1, Begin: 0, Length: 16384},
	}
	sel := newFakeSelector(blocks, nil)
	rl := requestlist.New(sel)

	b, ok := rl.Delegate(allChunks(map[uint32]bool{1: true}))
	require.True(t, ok)
	require.Equal(t, uint32(1), b.ChunkIndex)
}

func TestDelegateReturnsFalseWhenNothingFits(t *testing.T) {
	sel := newFakeSelector(nil, nil)
	rl := requestlist.New(sel)

	_, ok := rl.Delegate(allChunks(nil))
	require.False(t, ok)
	require.True(t, rl.Empty())
}

func TestRemove(t *testing.T) {
	b := block.Block{ChunkIndex: 0, Begin: 0, Length: 16384}
	sel := newFakeSelector([]block.Block{b}, nil)
	rl := requestlist.New(sel)

	got, ok := rl.Delegate(allChunks(map[uint32]bool{0: true}))
	require.True(t, ok)

	require.True(t, rl.Remove(got))
	require.True(t, rl.Empty())
	require.False(t, rl.Remove(got))
}

func TestCancelReturnsEverythingToSelector(t *testing.T) {
	blocks := []block.Block{
		{ChunkIndex: 0, Begin: 0, Length: 16384},
		{ChunkIndex: 1, Begin: 0, Length: 16384},
	}
	sel := newFakeSelector(blocks, nil)
	rl := requestlist.New(sel)

	has := allChunks(map[uint32]bool{0: true, 1: true})
	_, _ = rl.Delegate(has)
	_, _ = rl.Delegate(has)
	require.Equal(t, 2, rl.Size())

	rl.Cancel()
	require.True(t, rl.Empty())
	require.Equal(t, 2, sel.pending.Len())
}

func TestSkipDiscardsHeadOnly(t *testing.T) {
	blocks := []block.Block{
		{ChunkIndex: 0, Begin: 0, Length: 16384},
		{ChunkIndex: 1, Begin: 0, Length: 16384},
	}
	sel := newFakeSelector(blocks, nil)
	rl := requestlist.New(sel)

	has := allChunks(map[uint32]bool{0: true, 1: true})
	first, _ := rl.Delegate(has)
	_, _ = rl.Delegate(has)
	require.True(t, rl.IsDownloading())

	rl.Skip()
	require.Equal(t, 1, rl.Size())
	require.NotContains(t, rl.Entries(), first)
	require.Equal(t, 1, sel.pending.Len())
}

func TestCalculatePipeSize(t *testing.T) {
	require.Equal(t, 2, requestlist.CalculatePipeSize(0))
	require.Equal(t, 2, requestlist.CalculatePipeSize(-100))
	require.Greater(t, requestlist.CalculatePipeSize(1<<20), 2)
	require.LessOrEqual(t, requestlist.CalculatePipeSize(1<<40), 300)
}
