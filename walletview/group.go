package walletview

import (
	"fmt"
	"sync"

	"github.com/blockdex/blockdex/chaindb"
)

// GroupID selects one of the two fixed wallet groups.
type GroupID int

const (
	// GroupWallet holds ordinary wallets.
	GroupWallet GroupID = 0

	// GroupLockbox holds multi-signature lockboxes.
	GroupLockbox GroupID = 1

	// NumGroups is the fixed group count.
	NumGroups = 2
)

// ScanAction tells a group scan why it's running.
type ScanAction uint8

const (
	// ScanInit is the cold-start full scan.
	ScanInit ScanAction = iota

	// ScanNewBlock follows a main-chain extension or reorg.
	ScanNewBlock

	// ScanZC follows a mempool delta.
	ScanZC

	// ScanRefresh follows a forced repage request.
	ScanRefresh
)

// ScanWalletStruct carries everything one group scan needs: the block
// range to pull from the store, the reorg flag, the zero-conf delta, and
// the update ID stamping any pages rebuilt as a result.
type ScanWalletStruct struct {
	Action ScanAction

	// StartBlock and EndBlock bound the confirmed range to (re)merge.
	// For zero-conf and refresh scans both equal the top.
	StartBlock uint32
	EndBlock   uint32

	// PrevTopBlock is the tip before the event triggering this scan.
	PrevTopBlock uint32

	// Reorg is set when StartBlock is a reorg branch point; wallets then
	// drop state above it before re-merging.
	Reorg bool

	// ZcTxioMap is the current zero-conf txio state per address.
	ZcTxioMap map[chaindb.ScrAddr]map[chaindb.Key]chaindb.TxIOPair

	// NewZcKeys are zero-conf keys first seen in this delta.
	NewZcKeys []chaindb.Key

	// InvalidatedZcKeys are zero-conf keys to purge, whether mined or
	// evicted.
	InvalidatedZcKeys []chaindb.Key

	// UpdateID stamps pages rebuilt by this scan.
	UpdateID uint64
}

// Config supplies a wallet group's collaborators.
type Config struct {
	// FetchSubHistories streams an address's stored sub-history rows
	// over [start, end] in ascending order.
	FetchSubHistories func(addr chaindb.ScrAddr, start, end uint32,
		f func(*chaindb.StoredSubHistory) error) error

	// Resolver maps tx keys to transaction identities for ledger
	// building.
	Resolver TxResolver

	// TxioPerPage overrides the history page size target.
	TxioPerPage uint32

	// Ordering selects the ledger sort direction, newest first by
	// default.
	Ordering HistoryOrdering
}

// WalletGroup owns one bucket of registered wallets and their combined
// paged history. A reader/writer lock guards the wallet registry and the
// ui-filter set; the shared pager serializes page rebuilds internally.
type WalletGroup struct {
	ID  GroupID
	cfg Config

	// mtx guards wallets and filterSet.
	mtx sync.RWMutex

	wallets map[string]*Wallet

	// filterSet tracks the wallets currently included in the combined
	// view (UIFilter set).
	filterSet map[string]struct{}

	// hist is the group's shared history pager.
	hist *HistoryPager
}

// NewWalletGroup creates an empty group.
func NewWalletGroup(id GroupID, cfg Config) *WalletGroup {
	return &WalletGroup{
		ID:        id,
		cfg:       cfg,
		wallets:   make(map[string]*Wallet),
		filterSet: make(map[string]struct{}),
		hist:      NewHistoryPager(cfg.TxioPerPage),
	}
}

// RegisterWallet adds (or extends) a wallet in this group, returning the
// wallet and whether it was newly created.
func (g *WalletGroup) RegisterWallet(id string,
	addrs []chaindb.ScrAddr) (*Wallet, bool) {

	g.mtx.Lock()
	defer g.mtx.Unlock()

	if w, ok := g.wallets[id]; ok {
		w.AddAddresses(addrs)
		return w, false
	}

	w := NewWallet(id, addrs)
	g.wallets[id] = w
	g.filterSet[id] = struct{}{}
	return w, true
}

// UnregisterWallet removes a wallet from the group.
func (g *WalletGroup) UnregisterWallet(id string) bool {
	g.mtx.Lock()
	defer g.mtx.Unlock()

	w, ok := g.wallets[id]
	if !ok {
		return false
	}
	w.Registered = false
	delete(g.wallets, id)
	delete(g.filterSet, id)
	return true
}

// HasWallet reports whether the group holds the wallet ID.
func (g *WalletGroup) HasWallet(id string) bool {
	g.mtx.RLock()
	defer g.mtx.RUnlock()

	_, ok := g.wallets[id]
	return ok
}

// Wallet returns a wallet by ID.
func (g *WalletGroup) Wallet(id string) (*Wallet, bool) {
	g.mtx.RLock()
	defer g.mtx.RUnlock()

	w, ok := g.wallets[id]
	return w, ok
}

// WalletIDs snapshots the IDs of the group's wallets.
func (g *WalletGroup) WalletIDs() []string {
	g.mtx.RLock()
	defer g.mtx.RUnlock()

	out := make([]string, 0, len(g.wallets))
	for id := range g.wallets {
		out = append(out, id)
	}
	return out
}

// HasScrAddress reports whether any wallet in the group watches the given
// address. This is a snapshot read under the read lock.
func (g *WalletGroup) HasScrAddress(addr chaindb.ScrAddr) bool {
	g.mtx.RLock()
	defer g.mtx.RUnlock()

	for _, w := range g.wallets {
		if w.HasScrAddr(addr) {
			return true
		}
	}
	return false
}

// SetUIFilter flips a wallet's participation in the combined view,
// reporting whether the set changed.
func (g *WalletGroup) SetUIFilter(id string, include bool) bool {
	g.mtx.Lock()
	defer g.mtx.Unlock()

	w, ok := g.wallets[id]
	if !ok {
		return false
	}

	w.UIFilter = include
	if include {
		if _, ok := g.filterSet[id]; ok {
			return false
		}
		g.filterSet[id] = struct{}{}
		return true
	}

	if _, ok := g.filterSet[id]; !ok {
		return false
	}
	delete(g.filterSet, id)
	return true
}

// visibleWallets snapshots the wallets in the current filter set, under
// the read lock.
func (g *WalletGroup) visibleWallets() []*Wallet {
	g.mtx.RLock()
	defer g.mtx.RUnlock()

	out := make([]*Wallet, 0, len(g.filterSet))
	for id := range g.filterSet {
		if w, ok := g.wallets[id]; ok {
			out = append(out, w)
		}
	}
	return out
}

// ScanWallets drives the group through one event: merge the confirmed
// range from the store into each wallet, apply the zero-conf delta, and
// repage the combined history. Returns whether the page layout changed.
func (g *WalletGroup) ScanWallets(s *ScanWalletStruct) (PagingOutcome,
	error) {

	g.mtx.RLock()
	wallets := make([]*Wallet, 0, len(g.wallets))
	for _, w := range g.wallets {
		wallets = append(wallets, w)
	}
	g.mtx.RUnlock()

	for _, w := range wallets {
		if err := g.scanWallet(w, s); err != nil {
			return AlreadyPaged, err
		}
	}

	// Repage the combined view from the visible wallets' counts.
	counts := make(map[uint32]uint32)
	for _, w := range g.visibleWallets() {
		w.CountsByHeight(counts)
	}

	return g.hist.Repage(counts), nil
}

// scanWallet updates one wallet for the scan: reorg drop, confirmed
// re-merge, zero-conf purge and merge.
func (g *WalletGroup) scanWallet(w *Wallet, s *ScanWalletStruct) error {
	for addr, obj := range w.scrAddrMap {
		if s.Reorg {
			obj.dropRange(s.StartBlock, chaindb.ZCHeight-1)
		}

		if s.Action == ScanInit || s.Action == ScanNewBlock ||
			s.Action == ScanRefresh || s.Reorg {

			err := g.cfg.FetchSubHistories(
				addr, s.StartBlock, s.EndBlock,
				func(sub *chaindb.StoredSubHistory) error {
					obj.mergeSubHistory(sub)
					return nil
				},
			)
			if err != nil {
				return err
			}
		}

		obj.purgeZCKeys(s.InvalidatedZcKeys)

		if zc, ok := s.ZcTxioMap[addr]; ok {
			obj.mergeZC(zc)
		}
	}

	return nil
}

// Pager exposes the group's shared history pager.
func (g *WalletGroup) Pager() *HistoryPager {
	return g.hist
}

// HistoryPage builds (or returns the memoized) combined ledger page for
// the group's visible wallets.
func (g *WalletGroup) HistoryPage(pageID int, updateID uint64) ([]LedgerEntry,
	error) {

	wallets := g.visibleWallets()

	getTxios := func(bottom, top uint32) (
		map[chaindb.Key]chaindb.TxIOPair, error) {

		// The newest page also carries zero-conf entries, which live
		// above every confirmed height.
		if pageID == 0 {
			top = chaindb.ZCHeight
		}

		out := make(map[chaindb.Key]chaindb.TxIOPair)
		for _, w := range wallets {
			for k, v := range w.TxiosInRange(bottom, top) {
				out[k] = v
			}
		}
		return out, nil
	}

	buildLedgers := func(txios map[chaindb.Key]chaindb.TxIOPair) (
		[]LedgerEntry, error) {

		entries, err := BuildLedgerEntries(
			g.groupLabel(), txios, g.cfg.Resolver,
		)
		if err != nil {
			return nil, err
		}
		SortLedgerEntries(entries, g.cfg.Ordering)
		return entries, nil
	}

	return g.hist.PageLedgerMap(
		pageID, updateID, getTxios, buildLedgers,
	)
}

// WalletLedger builds the ledger entries of a single wallet over a height
// span, used for per-wallet deltas on zero-conf events.
func (g *WalletGroup) WalletLedger(id string, bottom, top uint32) (
	[]LedgerEntry, error) {

	w, ok := g.Wallet(id)
	if !ok {
		return nil, nil
	}

	entries, err := BuildLedgerEntries(
		id, w.TxiosInRange(bottom, top), g.cfg.Resolver,
	)
	if err != nil {
		return nil, err
	}
	SortLedgerEntries(entries, g.cfg.Ordering)
	return entries, nil
}

func (g *WalletGroup) groupLabel() string {
	switch g.ID {
	case GroupWallet:
		return "wallet"
	case GroupLockbox:
		return "lockbox"
	}
	return fmt.Sprintf("group-%d", int(g.ID))
}
