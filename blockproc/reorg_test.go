package blockproc

import (
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/require"

	"github.com/blockdex/blockdex/blkfile"
	"github.com/blockdex/blockdex/chaindb"
)

// TestReorgDepthOne plays out the canonical depth-1 reorganization: apply
// [genesis, 1a], then ingest a heavier branch [1b, 2b]. The branch point
// is genesis, 1a's transactions are removed, and derived state reflects
// the new branch only.
func TestReorgDepthOne(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	scriptA := p2pkhScript(0xaa)
	scriptB := p2pkhScript(0xbb)
	addrA := chaindb.ScrAddrFromPkScript(
		scriptA, &chaincfg.RegressionNetParams,
	)
	addrB := chaindb.ScrAddrFromPkScript(
		scriptB, &chaincfg.RegressionNetParams,
	)
	filter := filterOver(scriptA, scriptB)

	cb1a := coinbaseTx(0x1a, 50e8, scriptA)
	block1a := makeBlock(*h.genesis.Hash(), 1, cb1a)

	cb1b := coinbaseTx(0x1b, 50e8, scriptB)
	block1b := makeBlock(*h.genesis.Hash(), 100, cb1b)
	cb2b := coinbaseTx(0x2b, 50e8, scriptB)
	block2b := makeBlock(*block1b.Hash(), 101, cb2b)

	h.processBlock(h.genesis, filter)
	h.processBlock(block1a, filter)

	// 1b alone ties with 1a: stored, no reorg yet.
	state := h.processBlock(block1b, filter)
	require.True(t, state.PrevTopStillValid)
	require.False(t, state.HasNewTop)

	// 2b pushes the branch ahead: reorg through genesis.
	_, err := h.chain.AddBlock(
		*block2b.Hash(), block2b.MsgBlock().Header, blkfile.Coord{},
	)
	require.NoError(t, err)

	reorgState, err := h.chain.Organize()
	require.NoError(t, err)
	require.False(t, reorgState.PrevTopStillValid)
	require.Equal(t, *h.genesis.Hash(), reorgState.BranchPoint.Hash)

	// Store the triggering block, then run the reorg engine.
	entry, ok := h.chain.HeaderByHash(*block2b.Hash())
	require.True(t, ok)
	require.NoError(t, h.writer.StoreRawBlock(entry, block2b))
	require.NoError(t, h.writer.Flush())

	result, err := h.writer.ProcessReorg(reorgState, filter, false)
	require.NoError(t, err)

	// 1a's coinbase is removed; 1b's and 2b's are added.
	require.Equal(t, []chainhash.Hash{cb1a.TxHash()}, result.RemovedTxes)
	require.ElementsMatch(t, []chainhash.Hash{
		cb1b.TxHash(), cb2b.TxHash(),
	}, result.AddedTxes)

	// Bookkeeping reflects the new branch.
	info, err := h.db.FetchDBInfo()
	require.NoError(t, err)
	require.Equal(t, uint32(2), info.AppliedToHgt)
	require.Equal(t, *block2b.Hash(), info.TopBlkHash)

	// A's history is fully unwound.
	stateA := h.snapshotSSH(addrA)
	require.False(t, stateA.found)
	require.Empty(t, stateA.subHists)

	// B holds both branch coinbases.
	stateB := h.snapshotSSH(addrB)
	require.True(t, stateB.found)
	require.Equal(t, btcutil.Amount(100e8), stateB.summary.TotalReceived)
	require.Equal(t, uint32(2), stateB.summary.TxioCount)

	// Stale branch stxos are gone; new branch stxos exist under the
	// sibling duplicate ID.
	_, err = h.db.FetchStxo(chaindb.NewKey(1, 0, 0, 0))
	require.ErrorIs(t, err, chaindb.ErrStxoNotFound)

	main1, ok := h.chain.HeaderByHeight(1)
	require.True(t, ok)
	require.Equal(t, uint8(1), main1.DuplicateID)
	_, err = h.db.FetchStxo(chaindb.NewKey(1, 1, 0, 0))
	require.NoError(t, err)
}

// TestReorgMatchesColdBuild checks the equivalence invariant: the state
// after a reorg equals the state of a cold build over the winning chain.
func TestReorgMatchesColdBuild(t *testing.T) {
	t.Parallel()

	scriptA := p2pkhScript(0xaa)
	scriptB := p2pkhScript(0xbb)
	addrB := chaindb.ScrAddrFromPkScript(
		scriptB, &chaincfg.RegressionNetParams,
	)

	cb1a := coinbaseTx(0x1a, 50e8, scriptA)
	cb1b := coinbaseTx(0x1b, 50e8, scriptB)
	cb2b := coinbaseTx(0x2b, 25e8, scriptB)

	// Engine 1 sees the losing branch first, then reorgs.
	h1 := newHarness(t)
	filter1 := filterOver(scriptA, scriptB)

	block1a := makeBlock(*h1.genesis.Hash(), 1, cb1a)
	block1b := makeBlock(*h1.genesis.Hash(), 100, cb1b)
	block2b := makeBlock(*block1b.Hash(), 101, cb2b)

	h1.processBlock(h1.genesis, filter1)
	h1.processBlock(block1a, filter1)
	h1.processBlock(block1b, filter1)
	h1.processBlock(block2b, filter1)

	// Engine 2 cold-builds the winning chain only.
	h2 := newHarness(t)
	filter2 := filterOver(scriptA, scriptB)

	h2.processBlock(h2.genesis, filter2)
	h2.processBlock(
		makeBlock(*h2.genesis.Hash(), 100, cb1b), filter2,
	)
	h2.processBlock(makeBlock(*block1b.Hash(), 101, cb2b), filter2)

	// The summaries agree.
	sshB1 := h1.snapshotSSH(addrB)
	sshB2 := h2.snapshotSSH(addrB)
	require.Equal(t, sshB2.summary, sshB1.summary)

	// Per-block txio maps agree modulo the duplicate ID in the keys:
	// engine 1 saw a sibling at height 1 first, so the winning block
	// carries dup 1 there instead of dup 0.
	require.Equal(t, normalizeDups(sshB2.subHists),
		normalizeDups(sshB1.subHists))

	// And the bookkeeping tops agree.
	info1, err := h1.db.FetchDBInfo()
	require.NoError(t, err)
	info2, err := h2.db.FetchDBInfo()
	require.NoError(t, err)
	require.Equal(t, info2.TopBlkHash, info1.TopBlkHash)
	require.Equal(t, info2.AppliedToHgt, info1.AppliedToHgt)
}

// normalizeDups rewrites txio keys with their duplicate IDs zeroed so
// states reached through different sibling orders compare equal.
func normalizeDups(
	hists map[uint32]map[chaindb.Key]chaindb.TxIOPair,
) map[uint32]map[chaindb.Key]chaindb.TxIOPair {

	out := make(map[uint32]map[chaindb.Key]chaindb.TxIOPair)
	for height, txios := range hists {
		norm := make(map[chaindb.Key]chaindb.TxIOPair)
		for key, txio := range txios {
			nk := chaindb.NewKey(
				key.Height(), 0, key.TxIndex(), key.Index(),
			)
			txio.KeyOut = chaindb.NewKey(
				txio.KeyOut.Height(), 0,
				txio.KeyOut.TxIndex(), txio.KeyOut.Index(),
			)
			if txio.HasIn {
				txio.KeyIn = chaindb.NewKey(
					txio.KeyIn.Height(), 0,
					txio.KeyIn.TxIndex(),
					txio.KeyIn.Index(),
				)
			}
			norm[nk] = txio
		}
		out[height] = norm
	}
	return out
}
