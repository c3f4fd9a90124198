package chaindb

import (
	"encoding/binary"
	"fmt"
	"math"
)

// DBPrefix is the 1-byte discriminator that leads every row key within the
// BLKDATA namespace. Within a prefix, keys are big-endian composite tuples
// so that cursor seeks over a partial key visit a contiguous range.
type DBPrefix byte

const (
	// PrefixDBInfo leads the single db-info row.
	PrefixDBInfo DBPrefix = 0x00

	// PrefixBlkFull leads raw full-block rows keyed by (height, dup).
	PrefixBlkFull DBPrefix = 0x01

	// PrefixScriptHistory leads per-address summary rows keyed by
	// scrAddr.
	PrefixScriptHistory DBPrefix = 0x03

	// PrefixSubHistory leads per-address, per-block txio rows keyed by
	// scrAddr || height || dup.
	PrefixSubHistory DBPrefix = 0x04

	// PrefixUndoData leads per-block undo records keyed by (height, dup).
	PrefixUndoData DBPrefix = 0x05

	// PrefixTxHints leads txhash -> tx key hint rows.
	PrefixTxHints DBPrefix = 0x06
)

// ZCHeight is the sentinel block height carried by zero-conf txio keys.
// Clients depend on this exact value on the wire, so it must never change.
const ZCHeight = math.MaxUint32

// KeyLen is the serialized length of a Key.
const KeyLen = 9

// TxKeyLen is the serialized length of a Key's transaction prefix, i.e. a
// Key without its final output/input index.
const TxKeyLen = 7

// Key addresses a single txout or txin within the block data: big-endian
// height (4), duplicate ID (1), tx index (2), and in/out index (2). Keys
// order rows by chain position, which makes height-range cursor scans
// natural. A Key with height ZCHeight addresses a zero-conf txio instead;
// its tx index and index fields then carry the mempool-assigned counter.
type Key [KeyLen]byte

// NewKey builds a key from its components.
func NewKey(height uint32, dup uint8, txIdx, idx uint16) Key {
	var k Key
	binary.BigEndian.PutUint32(k[:4], height)
	k[4] = dup
	binary.BigEndian.PutUint16(k[5:7], txIdx)
	binary.BigEndian.PutUint16(k[7:9], idx)
	return k
}

// NewZCKey builds a zero-conf key from the mempool-assigned transaction
// counter and the output (or input) index within that transaction. The
// counter occupies the tx-index field so the usual tx-prefix grouping works
// unchanged on zero-conf keys.
func NewZCKey(zcIndex, idx uint16) Key {
	var k Key
	binary.BigEndian.PutUint32(k[:4], ZCHeight)
	k[4] = 0xff
	binary.BigEndian.PutUint16(k[5:7], zcIndex)
	binary.BigEndian.PutUint16(k[7:9], idx)
	return k
}

// KeyFromBytes parses a serialized key.
func KeyFromBytes(b []byte) (Key, error) {
	var k Key
	if len(b) != KeyLen {
		return k, fmt.Errorf("invalid key length: got %d, want %d",
			len(b), KeyLen)
	}
	copy(k[:], b)
	return k, nil
}

// Height returns the block height encoded in the key.
func (k Key) Height() uint32 {
	return binary.BigEndian.Uint32(k[:4])
}

// Dup returns the duplicate ID encoded in the key.
func (k Key) Dup() uint8 {
	return k[4]
}

// TxIndex returns the transaction index encoded in the key.
func (k Key) TxIndex() uint16 {
	return binary.BigEndian.Uint16(k[5:7])
}

// Index returns the output or input index encoded in the key.
func (k Key) Index() uint16 {
	return binary.BigEndian.Uint16(k[7:9])
}

// ZCIndex returns the zero-conf transaction counter of a zero-conf key.
func (k Key) ZCIndex() uint16 {
	return binary.BigEndian.Uint16(k[5:7])
}

// IsZC reports whether the key addresses a zero-conf txio.
func (k Key) IsZC() bool {
	return k.Height() == ZCHeight
}

// TxPrefix returns the key's 7-byte transaction prefix (height, dup,
// txIndex).
func (k Key) TxPrefix() [TxKeyLen]byte {
	var p [TxKeyLen]byte
	copy(p[:], k[:TxKeyLen])
	return p
}

// WithIndex returns a copy of the key with the final index replaced.
func (k Key) WithIndex(idx uint16) Key {
	out := k
	binary.BigEndian.PutUint16(out[7:9], idx)
	return out
}

// String implements fmt.Stringer for log output.
func (k Key) String() string {
	if k.IsZC() {
		return fmt.Sprintf("zc:%d", k.ZCIndex())
	}
	return fmt.Sprintf("%d:%d:%d:%d", k.Height(), k.Dup(), k.TxIndex(),
		k.Index())
}

// ScrAddr is an opaque script address: the raw bytes identifying a script a
// wallet can watch, held in a string so it can key maps directly.
type ScrAddr string

// Bytes returns the raw address bytes.
func (s ScrAddr) Bytes() []byte {
	return []byte(s)
}

// String implements fmt.Stringer with a hex rendering for log output.
func (s ScrAddr) String() string {
	return fmt.Sprintf("%x", string(s))
}

// heightDupKey returns the 5-byte (height, dup) tuple used by full-block and
// undo rows.
func heightDupKey(height uint32, dup uint8) []byte {
	k := make([]byte, 5)
	binary.BigEndian.PutUint32(k[:4], height)
	k[4] = dup
	return k
}

// blkFullKey returns the BLKDATA key of the raw block row at (height, dup).
func blkFullKey(height uint32, dup uint8) []byte {
	return append([]byte{byte(PrefixBlkFull)},
		heightDupKey(height, dup)...)
}

// undoKey returns the BLKDATA key of the undo record at (height, dup).
func undoKey(height uint32, dup uint8) []byte {
	return append([]byte{byte(PrefixUndoData)},
		heightDupKey(height, dup)...)
}

// sshKey returns the BLKDATA key of the script-history summary row for the
// given address.
func sshKey(addr ScrAddr) []byte {
	return append([]byte{byte(PrefixScriptHistory)}, addr.Bytes()...)
}

// subSSHKey returns the BLKDATA key of the sub-history row for the given
// address at (height, dup).
func subSSHKey(addr ScrAddr, height uint32, dup uint8) []byte {
	k := append([]byte{byte(PrefixSubHistory)}, addr.Bytes()...)
	return append(k, heightDupKey(height, dup)...)
}

// subSSHPrefix returns the BLKDATA key prefix covering all sub-history rows
// of the given address.
func subSSHPrefix(addr ScrAddr) []byte {
	return append([]byte{byte(PrefixSubHistory)}, addr.Bytes()...)
}

// txHintKey returns the BLKDATA key of the tx hint row for the given tx
// hash.
func txHintKey(txHash []byte) []byte {
	return append([]byte{byte(PrefixTxHints)}, txHash...)
}

// dbInfoKey is the BLKDATA key of the single db-info row.
var dbInfoKey = []byte{byte(PrefixDBInfo)}
