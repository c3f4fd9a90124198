package blockproc

import (
	"testing"
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/walletdb"
	_ "github.com/btcsuite/btcwallet/walletdb/bdb"
	"github.com/stretchr/testify/require"

	"github.com/blockdex/blockdex/blkfile"
	"github.com/blockdex/blockdex/chaindb"
	"github.com/blockdex/blockdex/headerchain"
	"github.com/blockdex/blockdex/scrfilter"
)

const testBits = 0x207fffff

var testMagic = [4]byte{0xfa, 0xbf, 0xb5, 0xda}

// p2pkhScript builds a pay-to-pubkey-hash script over a synthetic hash160
// derived from the seed byte.
func p2pkhScript(seed byte) []byte {
	script := []byte{0x76, 0xa9, 0x14}
	for i := 0; i < 20; i++ {
		script = append(script, seed)
	}
	return append(script, 0x88, 0xac)
}

// coinbaseTx pays value to the given script. The tag makes tx hashes
// unique across blocks.
func coinbaseTx(tag byte, value int64, pkScript []byte) *wire.MsgTx {
	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{
			Index: wire.MaxPrevOutIndex,
		},
		SignatureScript: []byte{0x04, tag, 0x01, 0x02},
		Sequence:        wire.MaxTxInSequenceNum,
	})
	tx.AddTxOut(wire.NewTxOut(value, pkScript))
	return tx
}

// spendTx consumes (fundHash, vout) and pays value to pkScript.
func spendTx(fundHash chainhash.Hash, vout uint32, value int64,
	pkScript []byte) *wire.MsgTx {

	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{
			Hash:  fundHash,
			Index: vout,
		},
		SignatureScript: []byte{0x51},
		Sequence:        wire.MaxTxInSequenceNum,
	})
	tx.AddTxOut(wire.NewTxOut(value, pkScript))
	return tx
}

// makeBlock assembles a block over the given transactions.
func makeBlock(prev chainhash.Hash, nonce uint32,
	txs ...*wire.MsgTx) *btcutil.Block {

	msgBlock := wire.NewMsgBlock(&wire.BlockHeader{
		Version:   1,
		PrevBlock: prev,
		Timestamp: time.Unix(1231006505+int64(nonce)*600, 0),
		Bits:      testBits,
		Nonce:     nonce,
	})
	for _, tx := range txs {
		msgBlock.AddTransaction(tx)
	}

	utilTxs := make([]*btcutil.Tx, len(txs))
	for i, tx := range txs {
		utilTxs[i] = btcutil.NewTx(tx)
	}
	merkles := blockchain.BuildMerkleTreeStore(utilTxs, false)
	if root := merkles[len(merkles)-1]; root != nil {
		msgBlock.Header.MerkleRoot = *root
	}

	return btcutil.NewBlock(msgBlock)
}

// harness bundles a store, header chain, and writer over a fresh test
// database.
type harness struct {
	t      *testing.T
	db     *chaindb.DB
	chain  *headerchain.Chain
	writer *Writer

	genesis *btcutil.Block
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	tempDir := t.TempDir()
	wdb, err := walletdb.Create(
		"bdb", tempDir+"/test.db", true, time.Second*10,
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, wdb.Close())
	})

	db, err := chaindb.New(wdb, testMagic)
	require.NoError(t, err)

	genesis := makeBlock(
		chainhash.Hash{}, 0, coinbaseTx(0, 50e8, p2pkhScript(0xee)),
	)
	chain := headerchain.New(*genesis.Hash())

	writer := NewWriter(Config{
		DB:     db,
		Chain:  chain,
		Params: &chaincfg.RegressionNetParams,
	})

	return &harness{
		t:       t,
		db:      db,
		chain:   chain,
		writer:  writer,
		genesis: genesis,
	}
}

// processBlock pushes one block through the chain and the writer the way
// the ingestion loop does, returning the organize outcome.
func (h *harness) processBlock(block *btcutil.Block,
	filter scrfilter.AddressFilter) *headerchain.ReorgState {

	h.t.Helper()

	hash := block.Hash()
	entry, err := h.chain.AddBlock(
		*hash, block.MsgBlock().Header, blkfile.Coord{},
	)
	require.NoError(h.t, err)

	state, err := h.chain.Organize()
	require.NoError(h.t, err)

	switch {
	case !state.PrevTopStillValid:
		require.NoError(h.t, h.writer.StoreRawBlock(entry, block))
		require.NoError(h.t, h.writer.Flush())
		_, err := h.writer.ProcessReorg(state, filter, false)
		require.NoError(h.t, err)

	case state.HasNewTop:
		require.NoError(h.t, h.writer.ApplyBlock(entry, block, filter))
		require.NoError(h.t, h.writer.Flush())

	default:
		require.NoError(h.t, h.writer.StoreRawBlock(entry, block))
		require.NoError(h.t, h.writer.Flush())
	}

	return state
}

// filterOver builds a live filter over the given scripts.
func filterOver(scripts ...[]byte) *scrfilter.ScrAddrFilter {
	f := scrfilter.New(scrfilter.Config{
		CurrentTop: func() uint32 { return 0 },
	})

	var addrs []chaindb.ScrAddr
	for _, script := range scripts {
		addrs = append(addrs, chaindb.ScrAddrFromPkScript(
			script, &chaincfg.RegressionNetParams,
		))
	}
	f.RegisterBatch(addrs, true, nil)
	return f
}

// sshState is the comparable snapshot of one address's derived state.
type sshState struct {
	summary  *chaindb.StoredScriptHistory
	found    bool
	subHists map[uint32]map[chaindb.Key]chaindb.TxIOPair
}

func (h *harness) snapshotSSH(addr chaindb.ScrAddr) sshState {
	h.t.Helper()

	summary, found, err := h.db.FetchSSH(addr)
	require.NoError(h.t, err)

	state := sshState{
		summary:  summary,
		found:    found,
		subHists: make(map[uint32]map[chaindb.Key]chaindb.TxIOPair),
	}
	err = h.db.ForEachSubHistory(addr,
		func(sub *chaindb.StoredSubHistory) error {
			state.subHists[sub.Height] = sub.TxioMap
			return nil
		},
	)
	require.NoError(h.t, err)
	return state
}

// TestApplyBlockIndexesRegisteredAddr applies a two-block chain paying a
// watched address and checks stxo rows, SSH totals, and db-info
// bookkeeping.
func TestApplyBlockIndexesRegisteredAddr(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	scriptA := p2pkhScript(0xaa)
	addrA := chaindb.ScrAddrFromPkScript(
		scriptA, &chaincfg.RegressionNetParams,
	)
	filter := filterOver(scriptA)

	block1 := makeBlock(
		*h.genesis.Hash(), 1, coinbaseTx(1, 50e8, scriptA),
	)

	h.processBlock(h.genesis, filter)
	h.processBlock(block1, filter)

	// db-info advanced through block 1.
	info, err := h.db.FetchDBInfo()
	require.NoError(t, err)
	require.Equal(t, uint32(1), info.AppliedToHgt)
	require.Equal(t, uint32(1), info.TopBlkHgt)
	require.Equal(t, *block1.Hash(), info.TopBlkHash)
	require.Equal(t, *block1.Hash(), info.TopScannedBlkHash)

	// The coinbase output exists as an unspent stxo.
	key := chaindb.NewKey(1, 0, 0, 0)
	stxo, err := h.db.FetchStxo(key)
	require.NoError(t, err)
	require.False(t, stxo.Spent)
	require.True(t, stxo.FromCoinbase)
	require.Equal(t, btcutil.Amount(50e8), stxo.Value)

	// SSH reflects one received txio.
	state := h.snapshotSSH(addrA)
	require.True(t, state.found)
	require.Equal(t, btcutil.Amount(50e8), state.summary.TotalReceived)
	require.Equal(t, btcutil.Amount(0), state.summary.TotalSpent)
	require.Equal(t, uint32(1), state.summary.TxioCount)

	txio, ok := state.subHists[1][key]
	require.True(t, ok)
	require.True(t, txio.FromCoinbase)
	require.True(t, txio.Unspent())
}

// TestSpendUpdatesTxio spends a watched output in a later block and checks
// the funding txio mutates rather than duplicating, with the spend
// surfacing at the spending height.
func TestSpendUpdatesTxio(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	scriptA := p2pkhScript(0xaa)
	scriptB := p2pkhScript(0xbb)
	addrA := chaindb.ScrAddrFromPkScript(
		scriptA, &chaincfg.RegressionNetParams,
	)
	filter := filterOver(scriptA)

	fund := coinbaseTx(1, 50e8, scriptA)
	block1 := makeBlock(*h.genesis.Hash(), 1, fund)

	spend := spendTx(fund.TxHash(), 0, 49e8, scriptB)
	block2 := makeBlock(
		*block1.Hash(), 2, coinbaseTx(2, 50e8, scriptB), spend,
	)

	h.processBlock(h.genesis, filter)
	h.processBlock(block1, filter)
	h.processBlock(block2, filter)

	fundKey := chaindb.NewKey(1, 0, 0, 0)
	spendKey := chaindb.NewKey(2, 0, 1, 0)

	stxo, err := h.db.FetchStxo(fundKey)
	require.NoError(t, err)
	require.True(t, stxo.Spent)
	require.Equal(t, spendKey, stxo.SpentBy)

	state := h.snapshotSSH(addrA)
	require.Equal(t, btcutil.Amount(50e8), state.summary.TotalReceived)
	require.Equal(t, btcutil.Amount(50e8), state.summary.TotalSpent)
	require.Equal(t, btcutil.Amount(0), state.summary.Balance())
	require.Equal(t, uint32(2), state.summary.TxioCount)

	// Funding txio mutated in place.
	fundTxio := state.subHists[1][fundKey]
	require.True(t, fundTxio.HasIn)
	require.Equal(t, spendKey, fundTxio.KeyIn)

	// Spend-side txio recorded at height 2 under the funding key.
	spendTxio, ok := state.subHists[2][fundKey]
	require.True(t, ok)
	require.True(t, spendTxio.HasIn)
}

// TestApplyUndoRoundTrip verifies the undo law: applying then undoing a
// block leaves the stxo, SSH and db-info state identical to the
// pre-apply snapshot.
func TestApplyUndoRoundTrip(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	scriptA := p2pkhScript(0xaa)
	addrA := chaindb.ScrAddrFromPkScript(
		scriptA, &chaincfg.RegressionNetParams,
	)
	filter := filterOver(scriptA)

	fund := coinbaseTx(1, 50e8, scriptA)
	block1 := makeBlock(*h.genesis.Hash(), 1, fund)

	h.processBlock(h.genesis, filter)
	h.processBlock(block1, filter)

	// Snapshot after block 1.
	preInfo, err := h.db.FetchDBInfo()
	require.NoError(t, err)
	preSSH := h.snapshotSSH(addrA)

	// Block 2 spends the watched output back to the same address.
	spend := spendTx(fund.TxHash(), 0, 49e8, scriptA)
	block2 := makeBlock(
		*block1.Hash(), 2, coinbaseTx(2, 50e8, scriptA), spend,
	)
	h.processBlock(block2, filter)

	// Undo block 2.
	entry2, ok := h.chain.HeaderByHeight(2)
	require.True(t, ok)
	require.NoError(t, h.writer.UndoBlock(entry2, filter))
	require.NoError(t, h.writer.Flush())

	postInfo, err := h.db.FetchDBInfo()
	require.NoError(t, err)
	require.Equal(t, preInfo, postInfo)

	postSSH := h.snapshotSSH(addrA)
	require.Equal(t, preSSH.summary, postSSH.summary)
	require.Equal(t, preSSH.subHists, postSSH.subHists)

	// The spent output is unspent again; block 2's outputs are gone.
	stxo, err := h.db.FetchStxo(chaindb.NewKey(1, 0, 0, 0))
	require.NoError(t, err)
	require.False(t, stxo.Spent)

	_, err = h.db.FetchStxo(chaindb.NewKey(2, 0, 0, 0))
	require.ErrorIs(t, err, chaindb.ErrStxoNotFound)

	// And its undo record is deleted.
	_, err = h.db.FetchUndoData(2, 0)
	require.ErrorIs(t, err, chaindb.ErrUndoNotFound)
}

// TestScanBlockRange builds the index with an empty filter, then side
// scans with the address and requires the result to match a full apply.
func TestScanBlockRange(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	scriptA := p2pkhScript(0xaa)
	addrA := chaindb.ScrAddrFromPkScript(
		scriptA, &chaincfg.RegressionNetParams,
	)

	empty := filterOver()

	fund := coinbaseTx(1, 50e8, scriptA)
	block1 := makeBlock(*h.genesis.Hash(), 1, fund)
	spend := spendTx(fund.TxHash(), 0, 49e8, p2pkhScript(0xbb))
	block2 := makeBlock(
		*block1.Hash(), 2, coinbaseTx(2, 50e8, p2pkhScript(0xbb)),
		spend,
	)

	h.processBlock(h.genesis, empty)
	h.processBlock(block1, empty)
	h.processBlock(block2, empty)

	// Nothing indexed for A yet.
	_, found, err := h.db.FetchSSH(addrA)
	require.NoError(t, err)
	require.False(t, found)

	// Side scan the stored range for A.
	scanFilter := filterOver(scriptA)
	require.NoError(t, h.writer.ScanBlockRange(scanFilter, 0, 2))

	state := h.snapshotSSH(addrA)
	require.True(t, state.found)
	require.Equal(t, btcutil.Amount(50e8), state.summary.TotalReceived)
	require.Equal(t, btcutil.Amount(50e8), state.summary.TotalSpent)
	require.Equal(t, uint32(2), state.summary.TxioCount)

	// Scanning again must not double-count.
	require.NoError(t, h.writer.ScanBlockRange(scanFilter, 0, 2))
	again := h.snapshotSSH(addrA)
	require.Equal(t, state.summary, again.summary)
}
