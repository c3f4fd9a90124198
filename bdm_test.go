package blockdex

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btclog"
	"github.com/btcsuite/btcwallet/walletdb"
	_ "github.com/btcsuite/btcwallet/walletdb/bdb"
	"github.com/davecgh/go-spew/spew"
	"github.com/stretchr/testify/require"

	"github.com/blockdex/blockdex/chaindb"
	"github.com/blockdex/blockdex/ntfns"
	"github.com/blockdex/blockdex/walletview"
)

var testParams = &chaincfg.RegressionNetParams

// logLevel selects test log verbosity. Try btclog.LevelInfo for output
// like you'd see in normal operation, or btclog.LevelTrace to help debug.
var logLevel = btclog.LevelOff

func init() {
	if logLevel == btclog.LevelOff {
		return
	}

	backend := btclog.NewBackend(os.Stdout)
	logger := backend.Logger("BDEX")
	logger.SetLevel(logLevel)
	UseLogger(logger)
}

// p2pkhScript builds a pay-to-pubkey-hash script over a synthetic hash160
// derived from the seed byte.
func p2pkhScript(seed byte) []byte {
	script := []byte{0x76, 0xa9, 0x14}
	for i := 0; i < 20; i++ {
		script = append(script, seed)
	}
	return append(script, 0x88, 0xac)
}

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

// makeBlock assembles a block whose timestamp tracks the regtest genesis
// plus ten minutes per nonce step.
func makeBlock(prev chainhash.Hash, nonce uint32,
	txs ...*wire.MsgTx) *btcutil.Block {

	genesisTime := testParams.GenesisBlock.Header.Timestamp

	msgBlock := wire.NewMsgBlock(&wire.BlockHeader{
		Version:   1,
		PrevBlock: prev,
		Timestamp: genesisTime.Add(
			time.Duration(nonce) * 10 * time.Minute,
		),
		Bits:  testParams.GenesisBlock.Header.Bits,
		Nonce: nonce,
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

// appendBlockFile frames blocks into block file n under dir, appending if
// the file already exists.
func appendBlockFile(t *testing.T, dir string, n uint16,
	blocks ...*btcutil.Block) {

	t.Helper()

	var magic [4]byte
	binary.LittleEndian.PutUint32(magic[:], uint32(testParams.Net))

	path := filepath.Join(dir, fmt.Sprintf("blk%05d.dat", n))

	f, err := os.OpenFile(
		path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644,
	)
	require.NoError(t, err)
	defer f.Close()

	for _, block := range blocks {
		var payload bytes.Buffer
		require.NoError(t, block.MsgBlock().Serialize(&payload))

		_, err = f.Write(magic[:])
		require.NoError(t, err)

		var size [4]byte
		binary.LittleEndian.PutUint32(
			size[:], uint32(payload.Len()),
		)
		_, err = f.Write(size[:])
		require.NoError(t, err)

		_, err = f.Write(payload.Bytes())
		require.NoError(t, err)
	}
}

// testEngine bundles a manager and viewer over a temp dir.
type testEngine struct {
	dir    string
	bdm    *BlockDataManager
	viewer *BlockDataViewer
}

func newTestEngine(t *testing.T, dir string, zc ZeroConfSource) *testEngine {
	t.Helper()

	wdb, err := walletdb.Create(
		"bdb", filepath.Join(t.TempDir(), "test.db"), true,
		time.Second*10,
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, wdb.Close())
	})

	bdm, err := NewBlockDataManager(Config{
		Params:       testParams,
		BlockFileDir: dir,
		DB:           wdb,
		ZeroConf:     zc,
	})
	require.NoError(t, err)
	bdm.Start()
	t.Cleanup(bdm.Stop)

	viewer := NewBlockDataViewer(bdm)
	require.NoError(t, viewer.Start())
	t.Cleanup(viewer.Stop)

	return &testEngine{dir: dir, bdm: bdm, viewer: viewer}
}

// waitFor polls until the condition holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition never held")
}

// TestColdStartTwoBlocks is the canonical cold-start scenario: a file with
// genesis plus one block paying a registered address yields a single
// history entry at height 1.
func TestColdStartTwoBlocks(t *testing.T) {
	dir := t.TempDir()

	scriptA := p2pkhScript(0xaa)
	addrA := chaindb.ScrAddrFromPkScript(scriptA, testParams)

	genesis := btcutil.NewBlock(testParams.GenesisBlock)
	block1 := makeBlock(
		*testParams.GenesisHash, 1, coinbaseTx(1, 50e8, scriptA),
	)
	appendBlockFile(t, dir, 0, genesis, block1)

	eng := newTestEngine(t, dir, nil)

	require.True(t, eng.viewer.RegisterWallet(
		[]chaindb.ScrAddr{addrA}, "W", true,
	))

	require.NoError(t, eng.bdm.DoInitialSyncOnLoad())
	require.Equal(t, uint32(1), eng.bdm.GetTopBlockHeight())

	var page []walletview.LedgerEntry
	waitFor(t, func() bool {
		var err error
		page, err = eng.viewer.GetWalletsHistoryPage(0, false, false)
		return err == nil && len(page) == 1
	})

	require.Equal(t, btcutil.Amount(50e8), page[0].Value)
	require.Equal(t, uint32(1), page[0].BlockHeight)
	require.True(t, page[0].IsCoinbase)

	balance, err := eng.viewer.GetAddrFullBalance(addrA)
	require.NoError(t, err)
	require.Equal(t, int64(50e8), balance)
}

// fakeZC is a minimal mempool provider for the zero-conf lifecycle test.
// Like a real provider it drops transactions the moment a block confirms
// them, which happens inside ZCKeysForTxHashes.
type fakeZC struct {
	mtx  sync.Mutex
	txs  map[uint16]*wire.MsgTx
	txio map[chaindb.ScrAddr]map[chaindb.Key]chaindb.TxIOPair
}

func newFakeZC() *fakeZC {
	return &fakeZC{
		txs:  make(map[uint16]*wire.MsgTx),
		txio: make(map[chaindb.ScrAddr]map[chaindb.Key]chaindb.TxIOPair),
	}
}

func (f *fakeZC) announce(zcIdx uint16, tx *wire.MsgTx,
	addr chaindb.ScrAddr, vout uint16) ntfns.ZcPacket {

	f.mtx.Lock()
	defer f.mtx.Unlock()

	f.txs[zcIdx] = tx

	key := chaindb.NewZCKey(zcIdx, vout)
	txio := chaindb.TxIOPair{
		KeyOut:  key,
		Value:   btcutil.Amount(tx.TxOut[vout].Value),
		TxOutZC: true,
	}

	if f.txio[addr] == nil {
		f.txio[addr] = make(map[chaindb.Key]chaindb.TxIOPair)
	}
	f.txio[addr][key] = txio

	return ntfns.ZcPacket{
		TxioMap: map[chaindb.ScrAddr]map[chaindb.Key]chaindb.TxIOPair{
			addr: {key: txio},
		},
		NewKeys: []chaindb.Key{key},
	}
}

func (f *fakeZC) GetTxByHash(hash *chainhash.Hash) *wire.MsgTx {
	f.mtx.Lock()
	defer f.mtx.Unlock()

	for _, tx := range f.txs {
		if tx.TxHash() == *hash {
			return tx
		}
	}
	return nil
}

func (f *fakeZC) FullTxioMap() map[chaindb.ScrAddr]map[chaindb.Key]chaindb.TxIOPair {
	f.mtx.Lock()
	defer f.mtx.Unlock()

	out := make(map[chaindb.ScrAddr]map[chaindb.Key]chaindb.TxIOPair)
	for addr, txios := range f.txio {
		m := make(map[chaindb.Key]chaindb.TxIOPair, len(txios))
		for k, v := range txios {
			m[k] = v
		}
		out[addr] = m
	}
	return out
}

func (f *fakeZC) UnspentZCForScrAddr(
	addr chaindb.ScrAddr) map[chaindb.Key]chaindb.TxIOPair {

	f.mtx.Lock()
	defer f.mtx.Unlock()

	out := make(map[chaindb.Key]chaindb.TxIOPair, len(f.txio[addr]))
	for k, v := range f.txio[addr] {
		out[k] = v
	}
	return out
}

func (f *fakeZC) TxForZCKey(key chaindb.Key) *wire.MsgTx {
	f.mtx.Lock()
	defer f.mtx.Unlock()

	return f.txs[key.ZCIndex()]
}

func (f *fakeZC) ZCKeysForTxHashes(
	hashes []chainhash.Hash) []chaindb.Key {

	f.mtx.Lock()
	defer f.mtx.Unlock()

	var out []chaindb.Key
	for _, hash := range hashes {
		for zcIdx, tx := range f.txs {
			if tx.TxHash() != hash {
				continue
			}
			for vout := range tx.TxOut {
				out = append(out, chaindb.NewZCKey(
					zcIdx, uint16(vout),
				))
			}

			// Confirmed: evict from the mempool view.
			delete(f.txs, zcIdx)
			for addr := range f.txio {
				for key := range f.txio[addr] {
					if key.ZCIndex() == zcIdx {
						delete(f.txio[addr], key)
					}
				}
			}
		}
	}
	return out
}

// TestZeroConfMines covers the zero-conf lifecycle end to end: the ledger
// shows the unconfirmed tx at the sentinel height, and once the tx mines
// it appears exactly once at its confirmation height.
func TestZeroConfMines(t *testing.T) {
	dir := t.TempDir()

	scriptA := p2pkhScript(0xaa)
	addrA := chaindb.ScrAddrFromPkScript(scriptA, testParams)

	genesis := btcutil.NewBlock(testParams.GenesisBlock)
	block1 := makeBlock(
		*testParams.GenesisHash, 1,
		coinbaseTx(1, 50e8, p2pkhScript(0xee)),
	)
	appendBlockFile(t, dir, 0, genesis, block1)

	zc := newFakeZC()
	eng := newTestEngine(t, dir, zc)

	eng.viewer.RegisterWallet([]chaindb.ScrAddr{addrA}, "W", true)
	require.NoError(t, eng.bdm.DoInitialSyncOnLoad())

	// Announce T paying addrA while the tip sits at 1.
	txT := coinbaseTx(0x77, 10e8, scriptA)
	packet := zc.announce(0, txT, addrA, 0)
	eng.bdm.NotifyZC(packet)

	waitFor(t, func() bool {
		page, err := eng.viewer.GetWalletsHistoryPage(0, false, false)
		if err != nil || len(page) != 1 {
			return false
		}
		return page[0].BlockHeight == uint32(chaindb.ZCHeight) &&
			page[0].IsZC
	})

	// Block 2 mines T. The provider purges it as the block lands.
	block2 := makeBlock(
		*block1.Hash(), 2, coinbaseTx(2, 50e8, p2pkhScript(0xee)),
		txT,
	)
	appendBlockFile(t, dir, 0, block2)

	n, err := eng.bdm.ReadBlkFileUpdate()
	require.NoError(t, err)
	require.Equal(t, uint32(1), n)

	waitFor(t, func() bool {
		page, err := eng.viewer.GetWalletsHistoryPage(0, false, false)
		if err != nil || len(page) != 1 {
			return false
		}
		return page[0].BlockHeight == 2 && !page[0].IsZC
	})

	page, err := eng.viewer.GetWalletsHistoryPage(0, false, false)
	require.NoError(t, err)
	require.Len(t, page, 1)
	require.Equal(t, txT.TxHash(), page[0].TxHash)
}

// TestSideScanMerge registers an address with prior on-chain history as
// not-new, waits for the side scan to merge, then ingests one more block
// paying it. The SSH must hold each txio exactly once.
func TestSideScanMerge(t *testing.T) {
	dir := t.TempDir()

	scriptX := p2pkhScript(0xcc)
	addrX := chaindb.ScrAddrFromPkScript(scriptX, testParams)

	genesis := btcutil.NewBlock(testParams.GenesisBlock)
	block1 := makeBlock(
		*testParams.GenesisHash, 1, coinbaseTx(1, 50e8, scriptX),
	)
	appendBlockFile(t, dir, 0, genesis, block1)

	eng := newTestEngine(t, dir, nil)
	require.NoError(t, eng.bdm.DoInitialSyncOnLoad())

	// Register with prior history: a side scan back-fills block 1.
	synced := make(chan struct{})
	eng.bdm.Filter().RegisterBatch(
		[]chaindb.ScrAddr{addrX}, false,
		func(refresh bool) {
			require.True(t, refresh)
			close(synced)
		},
	)

	select {
	case <-synced:
	case <-time.After(10 * time.Second):
		t.Fatal("side scan never completed")
	}

	// Ingest block 2 paying X again; the merged live filter must catch
	// it through the main pipeline.
	block2 := makeBlock(
		*block1.Hash(), 2, coinbaseTx(2, 25e8, scriptX),
	)
	appendBlockFile(t, dir, 0, block2)

	n, err := eng.bdm.ReadBlkFileUpdate()
	require.NoError(t, err)
	require.Equal(t, uint32(1), n)

	ssh, found, err := eng.bdm.DB().FetchSSH(addrX)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, uint32(2), ssh.TxioCount)
	require.Equal(t, btcutil.Amount(75e8), ssh.TotalReceived)
}

// TestFileSplitStraddle writes the second block into a fresh block file
// and expects the incremental ingest to follow the rollover.
func TestFileSplitStraddle(t *testing.T) {
	dir := t.TempDir()

	scriptA := p2pkhScript(0xaa)
	addrA := chaindb.ScrAddrFromPkScript(scriptA, testParams)

	genesis := btcutil.NewBlock(testParams.GenesisBlock)
	appendBlockFile(t, dir, 0, genesis)

	eng := newTestEngine(t, dir, nil)
	eng.viewer.RegisterWallet([]chaindb.ScrAddr{addrA}, "W", true)
	require.NoError(t, eng.bdm.DoInitialSyncOnLoad())
	require.Equal(t, uint32(0), eng.bdm.GetTopBlockHeight())

	block1 := makeBlock(
		*testParams.GenesisHash, 1, coinbaseTx(1, 50e8, scriptA),
	)
	appendBlockFile(t, dir, 1, block1)

	n, err := eng.bdm.ReadBlkFileUpdate()
	require.NoError(t, err)
	require.Equal(t, uint32(1), n)
	require.Equal(t, uint32(1), eng.bdm.GetTopBlockHeight())
}

// TestRebuildAndRescan wipes and re-ingests, requiring the derived state
// to match the pre-rebuild state.
func TestRebuildAndRescan(t *testing.T) {
	dir := t.TempDir()

	scriptA := p2pkhScript(0xaa)
	addrA := chaindb.ScrAddrFromPkScript(scriptA, testParams)

	genesis := btcutil.NewBlock(testParams.GenesisBlock)
	fund := coinbaseTx(1, 50e8, scriptA)
	block1 := makeBlock(*testParams.GenesisHash, 1, fund)
	block2 := makeBlock(
		*block1.Hash(), 2, coinbaseTx(2, 50e8, p2pkhScript(0xee)),
		spendTx(fund.TxHash(), 0, 49e8, p2pkhScript(0xbb)),
	)
	appendBlockFile(t, dir, 0, genesis, block1, block2)

	eng := newTestEngine(t, dir, nil)
	eng.viewer.RegisterWallet([]chaindb.ScrAddr{addrA}, "W", true)
	require.NoError(t, eng.bdm.DoInitialSyncOnLoad())

	before, found, err := eng.bdm.DB().FetchSSH(addrA)
	require.NoError(t, err)
	require.True(t, found)
	infoBefore, err := eng.bdm.DB().FetchDBInfo()
	require.NoError(t, err)

	require.NoError(t, eng.bdm.RebuildAndRescan())

	after, found, err := eng.bdm.DB().FetchSSH(addrA)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, before, after, "rebuilt summary diverged: %s",
		spew.Sdump(after))

	infoAfter, err := eng.bdm.DB().FetchDBInfo()
	require.NoError(t, err)
	require.Equal(t, infoBefore, infoAfter)
}

// TestTimestampQueries covers the closest-block-by-time boundaries.
func TestTimestampQueries(t *testing.T) {
	dir := t.TempDir()

	genesis := btcutil.NewBlock(testParams.GenesisBlock)
	block1 := makeBlock(
		*testParams.GenesisHash, 1,
		coinbaseTx(1, 50e8, p2pkhScript(0xee)),
	)
	block2 := makeBlock(
		*block1.Hash(), 2, coinbaseTx(2, 50e8, p2pkhScript(0xee)),
	)
	appendBlockFile(t, dir, 0, genesis, block1, block2)

	eng := newTestEngine(t, dir, nil)
	require.NoError(t, eng.bdm.DoInitialSyncOnLoad())

	genesisTs := testParams.GenesisBlock.Header.Timestamp.Unix()

	// Before genesis clamps to 0.
	require.Equal(t, uint32(0),
		eng.viewer.GetClosestBlockHeightForTime(genesisTs-1000))

	// Block 1's own timestamp finds block 1.
	ts1 := genesisTs + 600
	require.Equal(t, uint32(1),
		eng.viewer.GetClosestBlockHeightForTime(ts1))

	// Past the top clamps to top-1.
	require.Equal(t, uint32(1),
		eng.viewer.GetClosestBlockHeightForTime(genesisTs+1e6))

	// Block time lookups clamp past-tip heights to the tip.
	blockTime, err := eng.viewer.GetBlockTimeByHeight(99)
	require.NoError(t, err)
	require.Equal(t, genesisTs+1200, blockTime.Unix())
}
