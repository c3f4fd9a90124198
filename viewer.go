package blockdex

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightninglabs/neutrino/cache"
	"github.com/lightninglabs/neutrino/cache/lru"

	"github.com/blockdex/blockdex/chaindb"
	"github.com/blockdex/blockdex/ntfns"
	"github.com/blockdex/blockdex/walletview"
)

// blockCacheSize is the memory target, in bytes, of the viewer's LRU over
// recently touched raw blocks.
const blockCacheSize = 8 * 1024 * 1024

// blockCacheKey addresses a cached block by its store coordinates.
type blockCacheKey struct {
	height uint32
	dup    uint8
}

// LedgerDelegate is the paged-history handle the query layer hands out: a
// page fetcher plus the vicinity helpers the UI uses to anchor scrolling.
type LedgerDelegate struct {
	// GetPage returns the ledger entries of one history page.
	GetPage func(pageID int) ([]walletview.LedgerEntry, error)

	// GetBlockInVicinity returns the top height of the page containing
	// the given height.
	GetBlockInVicinity func(height uint32) uint32

	// GetPageIDForBlockHeight returns the page whose span contains the
	// given height.
	GetPageIDForBlockHeight func(height uint32) int
}

// UnspentTxOut describes one unspent output returned by the UTXO queries.
type UnspentTxOut struct {
	TxHash   chainhash.Hash
	TxOutIdx uint16
	Value    btcutil.Amount
	PkScript []byte

	// Height is the confirmation height, or chaindb.ZCHeight for
	// zero-conf outputs.
	Height uint32
}

// BlockDataViewer is the read side of the engine: it groups registered
// wallets into the two fixed buckets, follows the notification bus to keep
// their ledgers current, and answers the query surface. Any number of
// goroutines may query it concurrently.
type BlockDataViewer struct {
	started sync.Once
	stopped sync.Once

	bdm *BlockDataManager

	groups [walletview.NumGroups]*walletview.WalletGroup

	// updateID is the monotone counter stamping rebuilt ledger pages.
	updateID uint64

	blockCache *lru.Cache[blockCacheKey, *CacheableBlock]

	// OnZCLedger, when set, receives per-wallet ledger entries produced
	// by zero-conf events, for forwarding to clients.
	OnZCLedger func(walletID string, entries []walletview.LedgerEntry)

	sub  *ntfns.Subscription
	quit chan struct{}
	wg   sync.WaitGroup
}

// NewBlockDataViewer creates a viewer over a manager. Call Start to begin
// following notifications.
func NewBlockDataViewer(bdm *BlockDataManager) *BlockDataViewer {
	v := &BlockDataViewer{
		bdm: bdm,
		blockCache: lru.NewCache[blockCacheKey, *CacheableBlock](
			blockCacheSize,
		),
		quit: make(chan struct{}),
	}

	for i := range v.groups {
		v.groups[i] = walletview.NewWalletGroup(
			walletview.GroupID(i), walletview.Config{
				FetchSubHistories: v.fetchSubHistories,
				Resolver:          v,
				TxioPerPage:       bdm.cfg.TxioPerPage,
			},
		)
	}

	return v
}

// Start subscribes to the bus and launches the scan loop.
func (v *BlockDataViewer) Start() error {
	var err error
	v.started.Do(func() {
		v.sub, err = v.bdm.Notifications().NewSubscription()
		if err != nil {
			return
		}

		v.wg.Add(1)
		go v.scanLoop()
	})
	return err
}

// Stop tears the scan loop down. Pending registrations are dropped.
func (v *BlockDataViewer) Stop() {
	v.stopped.Do(func() {
		close(v.quit)
		if v.sub != nil {
			v.sub.Cancel()
		}
		v.wg.Wait()
	})
}

// group returns the wallet group a wallet ID currently lives in.
func (v *BlockDataViewer) group(walletID string) (*walletview.WalletGroup,
	bool) {

	for _, g := range v.groups {
		if g.HasWallet(walletID) {
			return g, true
		}
	}
	return nil, false
}

// fetchSubHistories streams the main-branch sub-history rows of an address
// over [start, end] from the store, in ascending order.
func (v *BlockDataViewer) fetchSubHistories(addr chaindb.ScrAddr, start,
	end uint32, f func(*chaindb.StoredSubHistory) error) error {

	return v.bdm.db.ForEachSubHistory(addr,
		func(sub *chaindb.StoredSubHistory) error {
			if sub.Height < start || sub.Height > end {
				return nil
			}

			// Skip rows left behind by stale duplicates.
			main, ok := v.bdm.chain.HeaderByHeight(sub.Height)
			if !ok || main.DuplicateID != sub.Dup {
				return nil
			}

			return f(sub)
		},
	)
}

// fetchCachedBlock returns the parsed block at (height, dup), through the
// viewer's LRU.
func (v *BlockDataViewer) fetchCachedBlock(height uint32,
	dup uint8) (*btcutil.Block, error) {

	key := blockCacheKey{height: height, dup: dup}
	if cached, err := v.blockCache.Get(key); err == nil {
		return cached.Block, nil
	} else if err != cache.ErrElementNotFound {
		return nil, err
	}

	raw, err := v.bdm.db.FetchRawBlock(height, dup)
	if err != nil {
		return nil, err
	}
	block, err := btcutil.NewBlockFromBytes(raw)
	if err != nil {
		return nil, err
	}
	block.SetHeight(int32(height))

	_, _ = v.blockCache.Put(key, &CacheableBlock{Block: block})
	return block, nil
}

// ResolveTx maps a stored tx key prefix to the transaction's hash and
// opt-in-RBF flag.
//
// NOTE: Part of the walletview.TxResolver interface.
func (v *BlockDataViewer) ResolveTx(prefix [chaindb.TxKeyLen]byte) (
	chainhash.Hash, bool, error) {

	var key chaindb.Key
	copy(key[:chaindb.TxKeyLen], prefix[:])

	block, err := v.fetchCachedBlock(key.Height(), key.Dup())
	if err != nil {
		return chainhash.Hash{}, false, err
	}

	txs := block.Transactions()
	if int(key.TxIndex()) >= len(txs) {
		return chainhash.Hash{}, false, fmt.Errorf("tx index %d out "+
			"of range at height %d", key.TxIndex(), key.Height())
	}

	tx := txs[key.TxIndex()]
	return *tx.Hash(), txSignalsRBF(tx.MsgTx()), nil
}

// ResolveZCTx maps a zero-conf key to its transaction's hash and RBF flag
// through the mempool provider.
//
// NOTE: Part of the walletview.TxResolver interface.
func (v *BlockDataViewer) ResolveZCTx(key chaindb.Key) (chainhash.Hash,
	bool, error) {

	if v.bdm.cfg.ZeroConf == nil {
		return chainhash.Hash{}, false, fmt.Errorf("no zero-conf " +
			"source configured")
	}

	tx := v.bdm.cfg.ZeroConf.TxForZCKey(key)
	if tx == nil {
		return chainhash.Hash{}, false, fmt.Errorf("zero-conf key "+
			"%v no longer known", key)
	}

	return tx.TxHash(), txSignalsRBF(tx), nil
}

// txSignalsRBF reports whether a transaction signals opt-in
// replace-by-fee.
func txSignalsRBF(tx *wire.MsgTx) bool {
	for _, txIn := range tx.TxIn {
		if txIn.Sequence < wire.MaxTxInSequenceNum-1 {
			return true
		}
	}
	return false
}

// scanLoop consumes the notification bus and drives the group scans.
func (v *BlockDataViewer) scanLoop() {
	defer v.wg.Done()

	for {
		select {
		case ntfn, ok := <-v.sub.Notifications:
			if !ok {
				return
			}
			if err := v.handleNotification(ntfn); err != nil {
				log.Errorf("Wallet scan failed: %v", err)
			}

		case <-v.quit:
			return
		}
	}
}

// handleNotification translates one bus event into per-group scans.
func (v *BlockDataViewer) handleNotification(n ntfns.Notification) error {
	top := v.bdm.GetTopBlockHeight()

	scan := walletview.ScanWalletStruct{
		UpdateID: atomic.AddUint64(&v.updateID, 1),
	}

	switch n := n.(type) {
	case *ntfns.Init:
		scan.Action = walletview.ScanInit
		scan.StartBlock = 0
		scan.EndBlock = n.TopHeight
		scan.PrevTopBlock = 0

	case *ntfns.NewBlock:
		// A block that didn't move the tip carries nothing for us.
		if !n.Reorg.HasNewTop {
			return nil
		}

		scan.Action = walletview.ScanNewBlock
		scan.EndBlock = n.Reorg.NewTop.Height
		if n.Reorg.PrevTop != nil {
			scan.PrevTopBlock = n.Reorg.PrevTop.Height
		}

		if !n.Reorg.PrevTopStillValid {
			// Rescan from the branch point; wallets drop state
			// above it first. Consumers that missed events are
			// covered the same way: the range spans the gap.
			scan.Reorg = true
			scan.StartBlock = n.Reorg.BranchPoint.Height
		} else {
			scan.StartBlock = scan.PrevTopBlock
		}

		if n.Purge != nil {
			scan.InvalidatedZcKeys = append(
				n.Purge.InvalidatedKeys, n.Purge.MinedKeys...,
			)
		}
		if v.bdm.cfg.ZeroConf != nil {
			scan.ZcTxioMap = v.bdm.cfg.ZeroConf.FullTxioMap()
		}

	case *ntfns.ZC:
		scan.Action = walletview.ScanZC
		scan.StartBlock = top
		scan.EndBlock = top
		scan.PrevTopBlock = top
		scan.ZcTxioMap = n.Packet.TxioMap
		scan.NewZcKeys = n.Packet.NewKeys

	case *ntfns.Refresh:
		scan.Action = walletview.ScanRefresh
		scan.PrevTopBlock = top
		scan.EndBlock = top
		if n.Scope == ntfns.FilterChanged {
			scan.StartBlock = top
		} else {
			// Rescan scopes re-merge the whole history.
			scan.StartBlock = 0
		}
		if n.Packet != nil {
			scan.ZcTxioMap = n.Packet.TxioMap
			scan.NewZcKeys = n.Packet.NewKeys
		}

	default:
		return nil
	}

	for _, g := range v.groups {
		if _, err := g.ScanWallets(&scan); err != nil {
			return err
		}
	}

	// Zero-conf events may surface per-wallet deltas to forward.
	if scan.Action == walletview.ScanZC && v.OnZCLedger != nil {
		v.emitZCLedgers(&scan)
	}

	return nil
}

// emitZCLedgers forwards the zero-conf ledger entries of every wallet the
// packet touched.
func (v *BlockDataViewer) emitZCLedgers(scan *walletview.ScanWalletStruct) {
	for _, g := range v.groups {
		for addr := range scan.ZcTxioMap {
			if !g.HasScrAddress(addr) {
				continue
			}

			for _, id := range v.walletsWithAddr(g, addr) {
				entries, err := g.WalletLedger(
					id, chaindb.ZCHeight, chaindb.ZCHeight,
				)
				if err != nil {
					log.Debugf("Zero-conf ledger build "+
						"failed for %s: %v", id, err)
					continue
				}
				if len(entries) > 0 {
					v.OnZCLedger(id, entries)
				}
			}
		}
	}
}

func (v *BlockDataViewer) walletsWithAddr(g *walletview.WalletGroup,
	addr chaindb.ScrAddr) []string {

	var out []string
	for _, id := range g.WalletIDs() {
		if w, ok := g.Wallet(id); ok && w.HasScrAddr(addr) {
			out = append(out, id)
		}
	}
	return out
}
