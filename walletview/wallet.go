package walletview

import (
	"github.com/btcsuite/btcd/btcutil"

	"github.com/blockdex/blockdex/chaindb"
)

// Balances is the balance triple a wallet or address reports.
type Balances struct {
	// Full counts every unspent txio, confirmed or not.
	Full btcutil.Amount

	// Spendable counts confirmed unspent txios not consumed by any
	// zero-conf spend.
	Spendable btcutil.Amount

	// Unconfirmed counts value still waiting on a confirmation, in
	// either direction.
	Unconfirmed btcutil.Amount
}

// ScrAddrObj tracks the observed history of a single watched script
// address: every txio the index has attributed to it, confirmed rows fed
// from the store and zero-conf rows merged from the mempool.
type ScrAddrObj struct {
	// Addr is the script address.
	Addr chaindb.ScrAddr

	// txios is the address's full known history keyed by output db key.
	txios map[chaindb.Key]chaindb.TxIOPair
}

// NewScrAddrObj creates an empty address tracker.
func NewScrAddrObj(addr chaindb.ScrAddr) *ScrAddrObj {
	return &ScrAddrObj{
		Addr:  addr,
		txios: make(map[chaindb.Key]chaindb.TxIOPair),
	}
}

// mergeSubHistory folds one stored sub-history row into the address's
// txio set. Later merges of the same row overwrite in place, so rescans
// are idempotent.
func (s *ScrAddrObj) mergeSubHistory(sub *chaindb.StoredSubHistory) {
	for key, txio := range sub.TxioMap {
		s.txios[key] = txio
	}
}

// dropRange removes all confirmed txios within the given height span,
// ahead of a reorg rescan re-deriving them.
func (s *ScrAddrObj) dropRange(start, end uint32) {
	for key, txio := range s.txios {
		h := key.Height()
		if h >= start && h <= end {
			delete(s.txios, key)
			continue
		}

		// An output funded below the range but spent within it loses
		// its spend mark; the rescan restores it if still valid.
		if txio.HasIn && !txio.TxInZC {
			spendH := txio.KeyIn.Height()
			if spendH >= start && spendH <= end {
				txio.HasIn = false
				txio.KeyIn = chaindb.Key{}
				s.txios[key] = txio
			}
		}
	}
}

// mergeZC folds zero-conf txios for this address into its history. New
// outputs arrive under their sentinel-height keys; zero-conf spends of
// confirmed outputs mutate the confirmed txio's input side.
func (s *ScrAddrObj) mergeZC(zc map[chaindb.Key]chaindb.TxIOPair) {
	for key, txio := range zc {
		if !key.IsZC() {
			// A zero-conf spend of a confirmed output: mutate the
			// existing txio.
			if existing, ok := s.txios[key]; ok {
				existing.HasIn = txio.HasIn
				existing.KeyIn = txio.KeyIn
				existing.TxInZC = txio.TxInZC
				s.txios[key] = existing
			}
			continue
		}

		s.txios[key] = txio
	}
}

// purgeZCKeys removes invalidated zero-conf effects: sentinel-height
// outputs are dropped outright, and confirmed txios spent by an
// invalidated zero-conf input get their spend mark cleared.
func (s *ScrAddrObj) purgeZCKeys(keys []chaindb.Key) {
	if len(keys) == 0 {
		return
	}

	invalidated := make(map[chaindb.Key]struct{}, len(keys))
	for _, k := range keys {
		invalidated[k] = struct{}{}
	}

	for key, txio := range s.txios {
		if key.IsZC() {
			if _, ok := invalidated[key]; ok {
				delete(s.txios, key)
			}
			continue
		}

		if txio.TxInZC && txio.HasIn {
			if _, ok := invalidated[txio.KeyIn]; ok {
				txio.HasIn = false
				txio.KeyIn = chaindb.Key{}
				txio.TxInZC = false
				s.txios[key] = txio
			}
		}
	}
}

// txiosInRange collects the address's txios whose visible height falls in
// [bottom, top]: outputs funded in the span plus outputs spent in it.
func (s *ScrAddrObj) txiosInRange(bottom, top uint32,
	out map[chaindb.Key]chaindb.TxIOPair) {

	for key, txio := range s.txios {
		funded := key.Height() >= bottom && key.Height() <= top
		spent := txio.HasIn && txio.KeyIn.Height() >= bottom &&
			txio.KeyIn.Height() <= top

		if funded || spent {
			out[key] = txio
		}
	}
}

// countsByHeight adds this address's per-height txio counts to the given
// accumulator, the raw material for history paging.
func (s *ScrAddrObj) countsByHeight(counts map[uint32]uint32) {
	for key, txio := range s.txios {
		counts[key.Height()]++
		if txio.HasIn && txio.KeyIn.Height() != key.Height() {
			counts[txio.KeyIn.Height()]++
		}
	}
}

// balances computes the address's balance triple.
func (s *ScrAddrObj) balances() Balances {
	var b Balances
	for key, txio := range s.txios {
		if txio.Unspent() {
			b.Full += txio.Value
			confirmedOut := !key.IsZC() && !txio.TxOutZC
			if confirmedOut {
				b.Spendable += txio.Value
			} else {
				b.Unconfirmed += txio.Value
			}
			continue
		}

		// Spent, but only by a zero-conf input: still counted as
		// unconfirmed movement, no longer spendable.
		if txio.TxInZC {
			b.Full += txio.Value
			b.Unconfirmed -= txio.Value
		}
	}
	return b
}

// unspentKeys returns the db keys of the address's unspent txios,
// optionally skipping zero-conf ones.
func (s *ScrAddrObj) unspentKeys(ignoreZC bool) []chaindb.Key {
	var out []chaindb.Key
	for key, txio := range s.txios {
		if !txio.Unspent() {
			continue
		}
		if ignoreZC && (key.IsZC() || txio.TxOutZC) {
			continue
		}
		out = append(out, key)
	}
	return out
}

// Wallet is a registered set of script addresses viewed as one ledger.
type Wallet struct {
	// ID is the caller-assigned wallet identifier.
	ID string

	// scrAddrMap holds the wallet's watched addresses.
	scrAddrMap map[chaindb.ScrAddr]*ScrAddrObj

	// UIFilter controls whether the wallet participates in the group's
	// combined history view.
	UIFilter bool

	// Registered is cleared when the wallet is torn down while a scan
	// still references it.
	Registered bool
}

// NewWallet creates a wallet over the given addresses.
func NewWallet(id string, addrs []chaindb.ScrAddr) *Wallet {
	w := &Wallet{
		ID:         id,
		scrAddrMap: make(map[chaindb.ScrAddr]*ScrAddrObj),
		UIFilter:   true,
		Registered: true,
	}
	for _, addr := range addrs {
		w.scrAddrMap[addr] = NewScrAddrObj(addr)
	}
	return w
}

// AddAddresses extends the wallet's watched set, reporting how many were
// new.
func (w *Wallet) AddAddresses(addrs []chaindb.ScrAddr) int {
	added := 0
	for _, addr := range addrs {
		if _, ok := w.scrAddrMap[addr]; ok {
			continue
		}
		w.scrAddrMap[addr] = NewScrAddrObj(addr)
		added++
	}
	return added
}

// HasScrAddr reports whether the wallet watches the address.
func (w *Wallet) HasScrAddr(addr chaindb.ScrAddr) bool {
	_, ok := w.scrAddrMap[addr]
	return ok
}

// Addrs snapshots the wallet's watched addresses.
func (w *Wallet) Addrs() []chaindb.ScrAddr {
	out := make([]chaindb.ScrAddr, 0, len(w.scrAddrMap))
	for addr := range w.scrAddrMap {
		out = append(out, addr)
	}
	return out
}

// AddrObj returns the tracker for one of the wallet's addresses.
func (w *Wallet) AddrObj(addr chaindb.ScrAddr) (*ScrAddrObj, bool) {
	obj, ok := w.scrAddrMap[addr]
	return obj, ok
}

// Balances sums the balance triple across the wallet's addresses.
func (w *Wallet) Balances() Balances {
	var total Balances
	for _, obj := range w.scrAddrMap {
		b := obj.balances()
		total.Full += b.Full
		total.Spendable += b.Spendable
		total.Unconfirmed += b.Unconfirmed
	}
	return total
}

// TxiosInRange collects the wallet's txios visible within [bottom, top].
func (w *Wallet) TxiosInRange(bottom,
	top uint32) map[chaindb.Key]chaindb.TxIOPair {

	out := make(map[chaindb.Key]chaindb.TxIOPair)
	for _, obj := range w.scrAddrMap {
		obj.txiosInRange(bottom, top, out)
	}
	return out
}

// CountsByHeight accumulates the wallet's per-height txio counts.
func (w *Wallet) CountsByHeight(counts map[uint32]uint32) {
	for _, obj := range w.scrAddrMap {
		obj.countsByHeight(counts)
	}
}
