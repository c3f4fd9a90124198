package ntfns

import (
	"fmt"

	"github.com/blockdex/blockdex/chaindb"
	"github.com/blockdex/blockdex/headerchain"
)

// ZcPacket is a mempool delta: the txio effects of newly observed zero-conf
// transactions, grouped per script address, plus the set of zero-conf keys
// seen for the first time.
type ZcPacket struct {
	// TxioMap maps each affected address to its current zero-conf txios,
	// keyed by zero-conf db key.
	TxioMap map[chaindb.ScrAddr]map[chaindb.Key]chaindb.TxIOPair

	// NewKeys are the zero-conf keys that appear in TxioMap for the
	// first time.
	NewKeys []chaindb.Key
}

// ZcPurgePacket carries the zero-conf keys a new block invalidated: either
// because the transaction was mined, or because it was evicted.
type ZcPurgePacket struct {
	// InvalidatedKeys are the zero-conf keys the block invalidated, mined
	// keys included.
	InvalidatedKeys []chaindb.Key

	// MinedKeys are zero-conf keys whose transactions were included in
	// the new block.
	MinedKeys []chaindb.Key
}

// RefreshScope narrows what a Refresh notification forces.
type RefreshScope uint8

const (
	// FilterChanged repages because the set of visible wallets changed.
	FilterChanged RefreshScope = iota

	// AndRescan additionally rescans wallet histories.
	AndRescan

	// AndRescanAndWallet rescans a single named wallet.
	AndRescanAndWallet
)

// String implements fmt.Stringer.
func (s RefreshScope) String() string {
	switch s {
	case FilterChanged:
		return "FilterChanged"
	case AndRescan:
		return "AndRescan"
	case AndRescanAndWallet:
		return "AndRescanAndWallet"
	}
	return fmt.Sprintf("RefreshScope(%d)", uint8(s))
}

// Notification is an event published by the ingestion pipeline and consumed
// by the wallet view layer.
type Notification interface {
	fmt.Stringer
}

// Init is published once on cold start. Consumers perform a full repage
// over [0, top].
type Init struct {
	// TopHeight is the main-chain tip at the time of startup.
	TopHeight uint32
}

// String implements fmt.Stringer.
func (n *Init) String() string {
	return fmt.Sprintf("init: top=%d", n.TopHeight)
}

// NewBlock is published after ingestion applies new block data. Consumers
// ignore it when Reorg.HasNewTop is false.
type NewBlock struct {
	// Reorg is the organize outcome that produced this block event.
	Reorg headerchain.ReorgState

	// Purge carries the zero-conf keys this block invalidated, if any.
	Purge *ZcPurgePacket
}

// String implements fmt.Stringer.
func (n *NewBlock) String() string {
	height := uint32(0)
	if n.Reorg.NewTop != nil {
		height = n.Reorg.NewTop.Height
	}
	return fmt.Sprintf("new block: top=%d reorg=%v", height,
		!n.Reorg.PrevTopStillValid)
}

// ZC is published when the mempool provider reports new zero-conf
// transactions.
type ZC struct {
	Packet ZcPacket
}

// String implements fmt.Stringer.
func (n *ZC) String() string {
	return fmt.Sprintf("zc: %d new keys", len(n.Packet.NewKeys))
}

// Refresh is published to force a repage, typically after an address batch
// registration completes.
type Refresh struct {
	Scope    RefreshScope
	WalletID string
	Packet   *ZcPacket
}

// String implements fmt.Stringer.
func (n *Refresh) String() string {
	if n.Scope == AndRescanAndWallet {
		return fmt.Sprintf("refresh: %v wallet=%s", n.Scope, n.WalletID)
	}
	return fmt.Sprintf("refresh: %v", n.Scope)
}
