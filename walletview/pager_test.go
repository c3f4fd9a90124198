package walletview

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/blockdex/blockdex/chaindb"
)

// TestRepageLayout checks descending pages with whole heights per page.
func TestRepageLayout(t *testing.T) {
	t.Parallel()

	pager := NewHistoryPager(3)

	counts := map[uint32]uint32{
		10: 2,
		20: 2,
		30: 2,
		40: 1,
	}

	require.Equal(t, Repaged, pager.Repage(counts))
	require.Equal(t, 2, pager.PageCount())

	// Newest first: page 0 spans [30, 40] with 3 txios, page 1 the
	// rest.
	bottom, top, err := pager.PageRange(0)
	require.NoError(t, err)
	require.Equal(t, uint32(30), bottom)
	require.Equal(t, uint32(40), top)

	bottom, top, err = pager.PageRange(1)
	require.NoError(t, err)
	require.Equal(t, uint32(10), bottom)
	require.Equal(t, uint32(20), top)

	// Repaging with the identical snapshot is a no-op.
	require.Equal(t, AlreadyPaged, pager.Repage(counts))

	// A changed snapshot repages.
	counts[50] = 1
	require.Equal(t, Repaged, pager.Repage(counts))
}

// TestPageLookups covers bottom/vicinity/page-id queries.
func TestPageLookups(t *testing.T) {
	t.Parallel()

	pager := NewHistoryPager(2)
	pager.Repage(map[uint32]uint32{10: 1, 20: 1, 30: 1, 40: 1})

	// Pages: 0 = [30, 40], 1 = [10, 20].
	b, err := pager.PageBottom(0)
	require.NoError(t, err)
	require.Equal(t, uint32(30), b)

	require.Equal(t, 0, pager.PageIDForBlockHeight(35))
	require.Equal(t, 0, pager.PageIDForBlockHeight(100))
	require.Equal(t, 1, pager.PageIDForBlockHeight(10))
	require.Equal(t, 1, pager.PageIDForBlockHeight(5))

	require.Equal(t, uint32(40), pager.BlockInVicinity(35))
	require.Equal(t, uint32(20), pager.BlockInVicinity(15))

	_, err = pager.PageBottom(7)
	require.ErrorIs(t, err, ErrPageOutOfRange)
}

// TestEmptyPagerReportsOnePage covers the empty-history boundary.
func TestEmptyPagerReportsOnePage(t *testing.T) {
	t.Parallel()

	pager := NewHistoryPager(0)
	require.Equal(t, 1, pager.PageCount())

	b, err := pager.PageBottom(0)
	require.NoError(t, err)
	require.Zero(t, b)
}

// TestPageLedgerMemoization requires the same (page, updateID) pair to
// return the identical slice without rebuilding, and a bumped updateID to
// rebuild.
func TestPageLedgerMemoization(t *testing.T) {
	t.Parallel()

	pager := NewHistoryPager(10)
	pager.Repage(map[uint32]uint32{5: 1})

	builds := 0
	getTxios := func(bottom, top uint32) (
		map[chaindb.Key]chaindb.TxIOPair, error) {

		key := chaindb.NewKey(5, 0, 0, 0)
		return map[chaindb.Key]chaindb.TxIOPair{
			key: {KeyOut: key, Value: 1000},
		}, nil
	}
	build := func(txios map[chaindb.Key]chaindb.TxIOPair) ([]LedgerEntry,
		error) {

		builds++
		return []LedgerEntry{{BlockHeight: 5, Value: 1000}}, nil
	}

	first, err := pager.PageLedgerMap(0, 7, getTxios, build)
	require.NoError(t, err)
	require.Equal(t, 1, builds)

	second, err := pager.PageLedgerMap(0, 7, getTxios, build)
	require.NoError(t, err)
	require.Equal(t, 1, builds)
	require.Equal(t, first, second)

	_, err = pager.PageLedgerMap(0, 8, getTxios, build)
	require.NoError(t, err)
	require.Equal(t, 2, builds)
}

// TestPageConcatenationEqualsFullLedger checks the pager invariant: the
// pages, concatenated in order, hold every height exactly once with no
// overlap.
func TestPageConcatenationEqualsFullLedger(t *testing.T) {
	t.Parallel()

	pager := NewHistoryPager(5)

	counts := make(map[uint32]uint32)
	for h := uint32(1); h <= 57; h++ {
		counts[h] = 2
	}
	pager.Repage(counts)

	seen := make(map[uint32]int)
	var prevBottom uint32
	for i := 0; i < pager.PageCount(); i++ {
		bottom, top, err := pager.PageRange(i)
		require.NoError(t, err)

		if i > 0 {
			// Strictly descending, no overlap.
			require.Less(t, top, prevBottom)
		}
		prevBottom = bottom

		for h := bottom; h <= top; h++ {
			seen[h]++
		}
	}

	for h := uint32(1); h <= 57; h++ {
		require.Equal(t, 1, seen[h], "height %d", h)
	}
}
