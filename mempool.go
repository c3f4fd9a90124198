package blockdex

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/blockdex/blockdex/chaindb"
)

// ZeroConfSource is the contract the mempool provider fulfills. The engine
// consumes unconfirmed transaction state through it and never inspects the
// mempool directly. Zero-conf txio keys carry the chaindb.ZCHeight sentinel
// height; providers assign the per-transaction counters.
type ZeroConfSource interface {
	// GetTxByHash returns the unconfirmed transaction with the given
	// hash, or nil if the mempool doesn't hold it.
	GetTxByHash(hash *chainhash.Hash) *wire.MsgTx

	// FullTxioMap snapshots the zero-conf txio effects per script
	// address.
	FullTxioMap() map[chaindb.ScrAddr]map[chaindb.Key]chaindb.TxIOPair

	// UnspentZCForScrAddr returns the address's unconfirmed unspent
	// txios.
	UnspentZCForScrAddr(
		addr chaindb.ScrAddr) map[chaindb.Key]chaindb.TxIOPair

	// TxForZCKey resolves a zero-conf key back to its transaction, or
	// nil if it has been evicted.
	TxForZCKey(key chaindb.Key) *wire.MsgTx

	// ZCKeysForTxHashes returns the zero-conf keys belonging to any of
	// the given transaction hashes. Ingestion uses it to compute the
	// purge packet when a block confirms mempool transactions.
	ZCKeysForTxHashes(hashes []chainhash.Hash) []chaindb.Key
}
