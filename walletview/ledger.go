package walletview

import (
	"bytes"
	"sort"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/blockdex/blockdex/chaindb"
)

// HistoryOrdering selects how ledger entries sort within a page.
type HistoryOrdering uint8

const (
	// OrderDescending sorts newest first, the default for wallet
	// history views.
	OrderDescending HistoryOrdering = iota

	// OrderAscending sorts oldest first.
	OrderAscending
)

// TxResolver maps tx keys back to transaction identities. The viewer
// implements it over the raw block store and the mempool provider; tests
// supply a fake.
type TxResolver interface {
	// ResolveTx returns the hash and opt-in-RBF flag of the stored
	// transaction with the given key prefix.
	ResolveTx(prefix [chaindb.TxKeyLen]byte) (chainhash.Hash, bool, error)

	// ResolveZCTx returns the hash and opt-in-RBF flag of the zero-conf
	// transaction behind the given zero-conf key.
	ResolveZCTx(key chaindb.Key) (chainhash.Hash, bool, error)
}

// LedgerEntry is one wallet-visible transaction effect: the net value a
// single transaction moved in or out of a wallet (or address).
type LedgerEntry struct {
	// ID names the wallet or address the entry belongs to.
	ID string

	// TxHash is the transaction's hash.
	TxHash chainhash.Hash

	// Value is the net effect on the wallet in satoshis; negative for
	// outflows.
	Value btcutil.Amount

	// BlockHeight is the confirmation height, or chaindb.ZCHeight for
	// zero-conf entries.
	BlockHeight uint32

	// TxIndex is the transaction's index within its block.
	TxIndex uint16

	// IsCoinbase marks entries funded by a coinbase transaction.
	IsCoinbase bool

	// IsSentToSelf marks transactions that both spend from and pay to
	// the same wallet.
	IsSentToSelf bool

	// IsChangeBack marks transactions whose net outflow returned change
	// to the wallet.
	IsChangeBack bool

	// IsOptInRBF marks transactions signaling opt-in replace-by-fee.
	IsOptInRBF bool

	// IsZC marks unconfirmed entries.
	IsZC bool
}

// ledgerAccum is the per-transaction accumulator entries are folded into
// before emission.
type ledgerAccum struct {
	received  btcutil.Amount
	spent     btcutil.Amount
	coinbase  bool
	zc        bool
	txKey     [chaindb.TxKeyLen]byte
	zcKey     chaindb.Key
	height    uint32
	txIndex   uint16
	hasFund   bool
	hasSpend  bool
	changeDet bool
}

// BuildLedgerEntries folds a set of txios into per-transaction ledger
// entries for the given owner ID. Each txio contributes to the transaction
// that made it visible at its height: the funding tx for outputs created
// there, the spending tx for outputs consumed there.
func BuildLedgerEntries(id string, txios map[chaindb.Key]chaindb.TxIOPair,
	resolver TxResolver) ([]LedgerEntry, error) {

	accums := make(map[[chaindb.TxKeyLen]byte]*ledgerAccum)

	accumFor := func(txKey [chaindb.TxKeyLen]byte, height uint32,
		txIdx uint16, zc bool, zcKey chaindb.Key) *ledgerAccum {

		a, ok := accums[txKey]
		if !ok {
			a = &ledgerAccum{
				txKey:   txKey,
				zcKey:   zcKey,
				height:  height,
				txIndex: txIdx,
				zc:      zc,
			}
			accums[txKey] = a
		}
		return a
	}

	for _, txio := range txios {
		// Funding side: the output was created by the tx at its own
		// key.
		outKey := txio.KeyOut
		a := accumFor(
			outKey.TxPrefix(), outKey.Height(), outKey.TxIndex(),
			txio.TxOutZC || outKey.IsZC(), outKey,
		)
		a.received += txio.Value
		a.hasFund = true
		if txio.FromCoinbase {
			a.coinbase = true
		}

		// Spending side: if consumed, the consuming tx sees an
		// outflow.
		if txio.HasIn {
			inKey := txio.KeyIn
			a := accumFor(
				inKey.TxPrefix(), inKey.Height(),
				inKey.TxIndex(),
				txio.TxInZC || inKey.IsZC(), inKey,
			)
			a.spent += txio.Value
			a.hasSpend = true
		}
	}

	entries := make([]LedgerEntry, 0, len(accums))
	for _, a := range accums {
		var (
			hash chainhash.Hash
			rbf  bool
			err  error
		)
		if a.zc {
			hash, rbf, err = resolver.ResolveZCTx(a.zcKey)
		} else {
			hash, rbf, err = resolver.ResolveTx(a.txKey)
		}
		if err != nil {
			// An unresolvable tx (e.g. an evicted zero-conf) is
			// dropped rather than failing the whole page.
			log.Debugf("Dropping unresolvable ledger tx: %v", err)
			continue
		}

		entry := LedgerEntry{
			ID:           id,
			TxHash:       hash,
			Value:        a.received - a.spent,
			BlockHeight:  a.height,
			TxIndex:      a.txIndex,
			IsCoinbase:   a.coinbase,
			IsSentToSelf: a.hasFund && a.hasSpend,
			IsChangeBack: a.hasFund && a.hasSpend &&
				a.received < a.spent,
			IsOptInRBF: rbf,
			IsZC:       a.zc,
		}
		entries = append(entries, entry)
	}

	return entries, nil
}

// SortLedgerEntries orders entries by (blockHeight, txIndex) per the given
// ordering, breaking ties by tx-hash byte order so pages are deterministic.
func SortLedgerEntries(entries []LedgerEntry, ordering HistoryOrdering) {
	less := func(i, j int) bool {
		a, b := &entries[i], &entries[j]
		if a.BlockHeight != b.BlockHeight {
			return a.BlockHeight < b.BlockHeight
		}
		if a.TxIndex != b.TxIndex {
			return a.TxIndex < b.TxIndex
		}
		return bytes.Compare(a.TxHash[:], b.TxHash[:]) < 0
	}

	if ordering == OrderDescending {
		sort.Slice(entries, func(i, j int) bool {
			return less(j, i)
		})
		return
	}
	sort.Slice(entries, less)
}
