package blockdex

import (
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/blockdex/blockdex/chaindb"
	"github.com/blockdex/blockdex/ntfns"
	"github.com/blockdex/blockdex/walletview"
)

// timestampLeap is the stride of the coarse backward walk the
// closest-block-by-time search uses before its linear refinement.
const timestampLeap = 1000

// RegisterWallet registers a wallet in the wallet group and submits its
// addresses to the filter. With isNew set the addresses join the live
// filter immediately; otherwise a side scan back-fills their history
// first. The return value reports whether registration completed
// synchronously; either way a Refresh notification follows once the
// addresses are live.
func (v *BlockDataViewer) RegisterWallet(addrs []chaindb.ScrAddr,
	walletID string, isNew bool) bool {

	return v.registerInGroup(
		v.groups[walletview.GroupWallet], addrs, walletID, isNew,
	)
}

// RegisterLockbox registers a lockbox in the lockbox group, with the same
// semantics as RegisterWallet.
func (v *BlockDataViewer) RegisterLockbox(addrs []chaindb.ScrAddr,
	lockboxID string, isNew bool) bool {

	return v.registerInGroup(
		v.groups[walletview.GroupLockbox], addrs, lockboxID, isNew,
	)
}

func (v *BlockDataViewer) registerInGroup(g *walletview.WalletGroup,
	addrs []chaindb.ScrAddr, walletID string, isNew bool) bool {

	g.RegisterWallet(walletID, addrs)

	return v.bdm.filter.RegisterBatch(addrs, isNew, func(refresh bool) {
		if !refresh {
			return
		}
		v.bdm.bus.Publish(&ntfns.Refresh{
			Scope:    ntfns.AndRescanAndWallet,
			WalletID: walletID,
		})
	})
}

// UnregisterWallet removes a wallet from the wallet group.
func (v *BlockDataViewer) UnregisterWallet(walletID string) bool {
	return v.groups[walletview.GroupWallet].UnregisterWallet(walletID)
}

// UnregisterLockbox removes a lockbox from the lockbox group.
func (v *BlockDataViewer) UnregisterLockbox(lockboxID string) bool {
	return v.groups[walletview.GroupLockbox].UnregisterWallet(lockboxID)
}

// RegisterAddresses extends an already-registered wallet (or lockbox) with
// further addresses. Returns false if a side scan was scheduled, true if
// the batch was live immediately; unknown wallet IDs report true with no
// work done.
func (v *BlockDataViewer) RegisterAddresses(addrs []chaindb.ScrAddr,
	walletID string, areNew bool) bool {

	g, ok := v.group(walletID)
	if !ok {
		log.Warnf("RegisterAddresses: unknown wallet %s", walletID)
		return true
	}

	if w, ok := g.Wallet(walletID); ok {
		w.AddAddresses(addrs)
	}

	return v.bdm.filter.RegisterBatch(addrs, areNew, func(refresh bool) {
		if !refresh {
			return
		}
		v.bdm.bus.Publish(&ntfns.Refresh{
			Scope:    ntfns.AndRescanAndWallet,
			WalletID: walletID,
		})
	})
}

// HasScrAddress reports whether any registered wallet or lockbox watches
// the address.
func (v *BlockDataViewer) HasScrAddress(addr chaindb.ScrAddr) bool {
	for _, g := range v.groups {
		if g.HasScrAddress(addr) {
			return true
		}
	}
	return false
}

// GetLedgerDelegateForWallets returns the paged-history handle over the
// wallet group's combined visible history.
func (v *BlockDataViewer) GetLedgerDelegateForWallets() LedgerDelegate {
	return v.delegateForGroup(v.groups[walletview.GroupWallet])
}

// GetLedgerDelegateForLockboxes returns the paged-history handle over the
// lockbox group's combined visible history.
func (v *BlockDataViewer) GetLedgerDelegateForLockboxes() LedgerDelegate {
	return v.delegateForGroup(v.groups[walletview.GroupLockbox])
}

func (v *BlockDataViewer) delegateForGroup(
	g *walletview.WalletGroup) LedgerDelegate {

	return LedgerDelegate{
		GetPage: func(pageID int) ([]walletview.LedgerEntry, error) {
			return g.HistoryPage(
				pageID, atomic.LoadUint64(&v.updateID),
			)
		},
		GetBlockInVicinity:      g.Pager().BlockInVicinity,
		GetPageIDForBlockHeight: g.Pager().PageIDForBlockHeight,
	}
}

// GetLedgerDelegateForScrAddr returns a paged-history handle over a single
// script address, backed by its own pager built straight from the store.
func (v *BlockDataViewer) GetLedgerDelegateForScrAddr(
	addr chaindb.ScrAddr) LedgerDelegate {

	pager := walletview.NewHistoryPager(v.bdm.cfg.TxioPerPage)

	repage := func() error {
		counts := make(map[uint32]uint32)
		err := v.fetchSubHistories(addr, 0, chaindb.ZCHeight,
			func(sub *chaindb.StoredSubHistory) error {
				counts[sub.Height] +=
					uint32(len(sub.TxioMap))
				return nil
			},
		)
		if err != nil {
			return err
		}
		pager.Repage(counts)
		return nil
	}

	getTxios := func(bottom, top uint32) (
		map[chaindb.Key]chaindb.TxIOPair, error) {

		out := make(map[chaindb.Key]chaindb.TxIOPair)
		err := v.fetchSubHistories(addr, bottom, top,
			func(sub *chaindb.StoredSubHistory) error {
				for k, txio := range sub.TxioMap {
					out[k] = txio
				}
				return nil
			},
		)
		if err != nil {
			return nil, err
		}

		if top == chaindb.ZCHeight && v.bdm.cfg.ZeroConf != nil {
			zc := v.bdm.cfg.ZeroConf.UnspentZCForScrAddr(addr)
			for k, txio := range zc {
				out[k] = txio
			}
		}
		return out, nil
	}

	return LedgerDelegate{
		GetPage: func(pageID int) ([]walletview.LedgerEntry, error) {
			if err := repage(); err != nil {
				return nil, err
			}

			updateID := atomic.LoadUint64(&v.updateID)
			return pager.PageLedgerMap(pageID, updateID,
				func(bottom, top uint32) (
					map[chaindb.Key]chaindb.TxIOPair,
					error) {

					if pageID == 0 {
						top = chaindb.ZCHeight
					}
					return getTxios(bottom, top)
				},
				func(txios map[chaindb.Key]chaindb.TxIOPair) (
					[]walletview.LedgerEntry, error) {

					entries, err :=
						walletview.BuildLedgerEntries(
							addr.String(), txios, v,
						)
					if err != nil {
						return nil, err
					}
					walletview.SortLedgerEntries(
						entries,
						walletview.OrderDescending,
					)
					return entries, nil
				},
			)
		},
		GetBlockInVicinity:      pager.BlockInVicinity,
		GetPageIDForBlockHeight: pager.PageIDForBlockHeight,
	}
}

// GetWalletsHistoryPage returns one page of the wallet group's combined
// history. With rebuildLedger set the memoized page is invalidated first;
// remapWallets additionally rebuilds the page layout.
func (v *BlockDataViewer) GetWalletsHistoryPage(pageID int, rebuildLedger,
	remapWallets bool) ([]walletview.LedgerEntry, error) {

	g := v.groups[walletview.GroupWallet]

	if remapWallets || rebuildLedger {
		atomic.AddUint64(&v.updateID, 1)
	}
	if remapWallets {
		top := v.bdm.GetTopBlockHeight()
		_, err := g.ScanWallets(&walletview.ScanWalletStruct{
			Action:       walletview.ScanRefresh,
			StartBlock:   top,
			EndBlock:     top,
			PrevTopBlock: top,
			UpdateID:     atomic.LoadUint64(&v.updateID),
		})
		if err != nil {
			return nil, err
		}
	}

	return g.HistoryPage(pageID, atomic.LoadUint64(&v.updateID))
}

// GetTopBlockHeight returns the current main-chain tip height.
func (v *BlockDataViewer) GetTopBlockHeight() uint32 {
	return v.bdm.GetTopBlockHeight()
}

// GetBlockTimeByHeight returns the timestamp of the main-branch block at
// the given height. Heights past the tip clamp to the tip; the genesis
// timestamp answers height 0.
func (v *BlockDataViewer) GetBlockTimeByHeight(height uint32) (time.Time,
	error) {

	top := v.bdm.chain.Top()
	if top == nil {
		return time.Time{}, ErrNoBlockFiles
	}
	if height > top.Height {
		height = top.Height
	}

	entry, ok := v.bdm.chain.HeaderByHeight(height)
	if !ok {
		// Read paths answer not-found with the zero value.
		return time.Time{}, nil
	}
	return entry.Header.Timestamp, nil
}

// GetClosestBlockHeightForTime returns the height of the main-chain block
// closest to the given unix timestamp. Times before genesis answer 0;
// times past the tip answer top-1. The block-spacing estimate and search
// tolerance come from the configuration.
func (v *BlockDataViewer) GetClosestBlockHeightForTime(ts int64) uint32 {
	chain := v.bdm.chain
	top := chain.Top()
	if top == nil {
		return 0
	}

	genesis, ok := chain.HeaderByHeight(0)
	if !ok {
		return 0
	}
	genesisTs := genesis.Header.Timestamp.Unix()
	if ts <= genesisTs {
		return 0
	}
	if ts > top.Header.Timestamp.Unix() {
		if top.Height == 0 {
			return 0
		}
		return top.Height - 1
	}

	blockTime := func(h uint32) int64 {
		e, ok := chain.HeaderByHeight(h)
		if !ok {
			return genesisTs
		}
		return e.Header.Timestamp.Unix()
	}

	// First guess from the configured spacing, then step back in coarse
	// leaps until we're at or below the target (with tolerance), then
	// refine forward one block at a time.
	spacing := int64(v.bdm.cfg.TargetBlockSpacing / time.Second)
	tolerance := int64(v.bdm.cfg.TimestampTolerance / time.Second)

	height := uint32((ts - genesisTs) / spacing)
	if height > top.Height {
		height = top.Height
	}

	for height > 0 && blockTime(height) > ts+tolerance {
		if height < timestampLeap {
			height = 0
			break
		}
		height -= timestampLeap
	}

	for height < top.Height && blockTime(height+1) <= ts {
		height++
	}

	return height
}

// GetAddrFullBalance returns the address's unspent total from its stored
// summary row. Outside super-node mode, addresses that were never
// registered answer ErrAddrNotRegistered.
func (v *BlockDataViewer) GetAddrFullBalance(
	addr chaindb.ScrAddr) (int64, error) {

	if !v.bdm.cfg.SuperNode && !v.bdm.filter.MatchAddr(addr) {
		return 0, ErrAddrNotRegistered
	}

	ssh, found, err := v.bdm.db.FetchSSH(addr)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, nil
	}
	return int64(ssh.Balance()), nil
}

// GetUnspentTxoutsForAddrList collects the unspent outputs of the given
// addresses. With ignoreZC cleared, unconfirmed unspent outputs from the
// mempool provider are included and zero-conf-spent outputs are excluded.
func (v *BlockDataViewer) GetUnspentTxoutsForAddrList(
	addrs []chaindb.ScrAddr, ignoreZC bool) ([]UnspentTxOut, error) {

	var out []UnspentTxOut
	for _, addr := range addrs {
		if !v.bdm.cfg.SuperNode && !v.bdm.filter.MatchAddr(addr) {
			return nil, ErrAddrNotRegistered
		}

		// Confirmed outputs already spent by a zero-conf input.
		zcSpent := make(map[chaindb.Key]struct{})
		if !ignoreZC && v.bdm.cfg.ZeroConf != nil {
			zcTxios := v.bdm.cfg.ZeroConf.FullTxioMap()[addr]
			for key, txio := range zcTxios {
				if !key.IsZC() && txio.HasIn {
					zcSpent[key] = struct{}{}
				}
			}
		}

		err := v.fetchSubHistories(addr, 0, chaindb.ZCHeight,
			func(sub *chaindb.StoredSubHistory) error {
				for key, txio := range sub.TxioMap {
					// Funding rows only; spend-side
					// copies reference earlier keys.
					if key.Height() != sub.Height {
						continue
					}
					if !txio.Unspent() {
						continue
					}
					if _, ok := zcSpent[key]; ok {
						continue
					}

					utxo, err := v.utxoFromTxio(
						key, &txio,
					)
					if err != nil {
						return err
					}
					out = append(out, utxo)
				}
				return nil
			},
		)
		if err != nil {
			return nil, err
		}

		if !ignoreZC && v.bdm.cfg.ZeroConf != nil {
			zc := v.bdm.cfg.ZeroConf.UnspentZCForScrAddr(addr)
			for key, txio := range zc {
				if !key.IsZC() || !txio.Unspent() {
					continue
				}

				tx := v.bdm.cfg.ZeroConf.TxForZCKey(key)
				if tx == nil {
					continue
				}
				idx := key.Index()
				if int(idx) >= len(tx.TxOut) {
					continue
				}
				out = append(out, UnspentTxOut{
					TxHash:   tx.TxHash(),
					TxOutIdx: idx,
					Value:    txio.Value,
					PkScript: tx.TxOut[idx].PkScript,
					Height:   chaindb.ZCHeight,
				})
			}
		}
	}

	return out, nil
}

// utxoFromTxio materializes an UnspentTxOut from a confirmed funding txio.
func (v *BlockDataViewer) utxoFromTxio(key chaindb.Key,
	txio *chaindb.TxIOPair) (UnspentTxOut, error) {

	stxo, err := v.bdm.db.FetchStxo(key)
	if err != nil {
		return UnspentTxOut{}, err
	}

	hash, _, err := v.ResolveTx(key.TxPrefix())
	if err != nil {
		return UnspentTxOut{}, err
	}

	return UnspentTxOut{
		TxHash:   hash,
		TxOutIdx: key.Index(),
		Value:    stxo.Value,
		PkScript: stxo.PkScript,
		Height:   key.Height(),
	}, nil
}

// IsRBF reports whether the transaction signals opt-in replace-by-fee.
// Confirmed transactions answer false; unknown hashes answer false.
func (v *BlockDataViewer) IsRBF(txHash *chainhash.Hash) bool {
	if v.bdm.cfg.ZeroConf != nil {
		if tx := v.bdm.cfg.ZeroConf.GetTxByHash(txHash); tx != nil {
			return txSignalsRBF(tx)
		}
	}

	// Once mined, a transaction can no longer be replaced.
	return false
}

// IsTxMainBranch reports whether the transaction is confirmed on the main
// branch.
func (v *BlockDataViewer) IsTxMainBranch(txHash *chainhash.Hash) bool {
	hints, err := v.bdm.db.FetchTxHints(txHash)
	if err != nil {
		return false
	}

	for _, prefix := range hints {
		var key chaindb.Key
		copy(key[:chaindb.TxKeyLen], prefix[:])

		main, ok := v.bdm.chain.HeaderByHeight(key.Height())
		if ok && main.DuplicateID == key.Dup() {
			return true
		}
	}
	return false
}

// GetTxByHash returns a confirmed main-branch transaction by hash, or nil
// if unknown. The mempool provider is consulted for zero-conf
// transactions.
func (v *BlockDataViewer) GetTxByHash(txHash *chainhash.Hash) *wire.MsgTx {
	hints, err := v.bdm.db.FetchTxHints(txHash)
	if err == nil {
		for _, prefix := range hints {
			var key chaindb.Key
			copy(key[:chaindb.TxKeyLen], prefix[:])

			main, ok := v.bdm.chain.HeaderByHeight(key.Height())
			if !ok || main.DuplicateID != key.Dup() {
				continue
			}

			block, err := v.fetchCachedBlock(
				key.Height(), key.Dup(),
			)
			if err != nil {
				continue
			}
			txs := block.Transactions()
			if int(key.TxIndex()) < len(txs) {
				return txs[key.TxIndex()].MsgTx()
			}
		}
	}

	if v.bdm.cfg.ZeroConf != nil {
		return v.bdm.cfg.ZeroConf.GetTxByHash(txHash)
	}
	return nil
}

// GetSpenderTxForTxOut returns the transaction that spent the given
// main-branch output, or nil if the output is unspent or unknown.
func (v *BlockDataViewer) GetSpenderTxForTxOut(height uint32, txIdx,
	outIdx uint16) (*wire.MsgTx, error) {

	main, ok := v.bdm.chain.HeaderByHeight(height)
	if !ok {
		return nil, nil
	}

	key := chaindb.NewKey(height, main.DuplicateID, txIdx, outIdx)
	stxo, err := v.bdm.db.FetchStxo(key)
	if err == chaindb.ErrStxoNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !stxo.Spent {
		return nil, nil
	}

	spender := stxo.SpentBy
	block, err := v.fetchCachedBlock(spender.Height(), spender.Dup())
	if err != nil {
		return nil, err
	}

	txs := block.Transactions()
	if int(spender.TxIndex()) >= len(txs) {
		return nil, nil
	}
	return txs[spender.TxIndex()].MsgTx(), nil
}

// WalletBalances returns a registered wallet's balance triple, or
// ErrUnknownWallet.
func (v *BlockDataViewer) WalletBalances(
	walletID string) (walletview.Balances, error) {

	g, ok := v.group(walletID)
	if !ok {
		return walletview.Balances{}, ErrUnknownWallet
	}
	w, ok := g.Wallet(walletID)
	if !ok {
		return walletview.Balances{}, ErrUnknownWallet
	}
	return w.Balances(), nil
}
