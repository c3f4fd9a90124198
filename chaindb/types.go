package chaindb

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sort"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/blockdex/blockdex/blkfile"
)

// StoredHeader is a block header together with the derived state persisted
// in the HEADERS table: its chain position, duplicate ID, main-branch flag,
// and the file coordinate of its raw payload.
type StoredHeader struct {
	Header     wire.BlockHeader
	Height     uint32
	Dup        uint8
	MainBranch bool
	Coord      blkfile.Coord
}

// Serialize writes the stored header in its canonical form: the 80-byte
// header followed by height, dup, main-branch flag, and file coordinate.
func (s *StoredHeader) Serialize(w io.Writer) error {
	if err := s.Header.Serialize(w); err != nil {
		return err
	}

	var buf [20]byte
	binary.BigEndian.PutUint32(buf[0:4], s.Height)
	buf[4] = s.Dup
	if s.MainBranch {
		buf[5] = 1
	}
	binary.BigEndian.PutUint16(buf[6:8], s.Coord.File)
	binary.BigEndian.PutUint64(buf[8:16], s.Coord.Offset)
	binary.BigEndian.PutUint32(buf[16:20], s.Coord.Size)

	_, err := w.Write(buf[:])
	return err
}

// Deserialize reads a stored header from its canonical form.
func (s *StoredHeader) Deserialize(r io.Reader) error {
	if err := s.Header.Deserialize(r); err != nil {
		return err
	}

	var buf [20]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return err
	}
	s.Height = binary.BigEndian.Uint32(buf[0:4])
	s.Dup = buf[4]
	s.MainBranch = buf[5] == 1
	s.Coord.File = binary.BigEndian.Uint16(buf[6:8])
	s.Coord.Offset = binary.BigEndian.Uint64(buf[8:16])
	s.Coord.Size = binary.BigEndian.Uint32(buf[16:20])

	return nil
}

// StoredTxOut is a single transaction output row in the STXO table. Once
// the output is consumed, Spent is set and SpentBy locates the consuming
// input.
type StoredTxOut struct {
	// Value is the output amount in satoshis.
	Value btcutil.Amount

	// PkScript is the output's locking script.
	PkScript []byte

	// FromCoinbase marks outputs created by a coinbase transaction.
	FromCoinbase bool

	// Spent indicates the output has been consumed.
	Spent bool

	// SpentBy locates the TxIn that consumed this output. Only valid when
	// Spent is set.
	SpentBy Key
}

// Serialize writes the stxo in its canonical form.
func (s *StoredTxOut) Serialize(w io.Writer) error {
	var buf [9]byte
	binary.BigEndian.PutUint64(buf[:8], uint64(s.Value))

	var flags byte
	if s.FromCoinbase {
		flags |= 0x01
	}
	if s.Spent {
		flags |= 0x02
	}
	buf[8] = flags

	if _, err := w.Write(buf[:]); err != nil {
		return err
	}
	if _, err := w.Write(s.SpentBy[:]); err != nil {
		return err
	}

	var scriptLen [2]byte
	binary.BigEndian.PutUint16(scriptLen[:], uint16(len(s.PkScript)))
	if _, err := w.Write(scriptLen[:]); err != nil {
		return err
	}
	_, err := w.Write(s.PkScript)
	return err
}

// Deserialize reads an stxo from its canonical form.
func (s *StoredTxOut) Deserialize(r io.Reader) error {
	var buf [9]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return err
	}
	s.Value = btcutil.Amount(binary.BigEndian.Uint64(buf[:8]))
	s.FromCoinbase = buf[8]&0x01 != 0
	s.Spent = buf[8]&0x02 != 0

	if _, err := io.ReadFull(r, s.SpentBy[:]); err != nil {
		return err
	}

	var scriptLen [2]byte
	if _, err := io.ReadFull(r, scriptLen[:]); err != nil {
		return err
	}
	s.PkScript = make([]byte, binary.BigEndian.Uint16(scriptLen[:]))
	_, err := io.ReadFull(r, s.PkScript)
	return err
}

// UndoSpend records one output consumed by an applied block: the output's
// key and its full pre-spend row, sufficient to re-insert it on undo.
type UndoSpend struct {
	Key  Key
	Stxo StoredTxOut
}

// StoredUndoData is the per-block undo record: every stxo the block
// consumed and the key of every output it created. It is written in the
// same transaction that applies the block and is sufficient to reverse the
// block without consulting the network.
type StoredUndoData struct {
	BlockHash chainhash.Hash
	Height    uint32
	Dup       uint8

	// SpentOuts are the outputs this block consumed, with their pre-spend
	// state.
	SpentOuts []UndoSpend

	// AddedKeys are the keys of the outputs this block created.
	AddedKeys []Key
}

// Serialize writes the undo record in its canonical form.
func (u *StoredUndoData) Serialize(w io.Writer) error {
	if _, err := w.Write(u.BlockHash[:]); err != nil {
		return err
	}

	var buf [5]byte
	binary.BigEndian.PutUint32(buf[:4], u.Height)
	buf[4] = u.Dup
	if _, err := w.Write(buf[:]); err != nil {
		return err
	}

	var count [4]byte
	binary.BigEndian.PutUint32(count[:], uint32(len(u.SpentOuts)))
	if _, err := w.Write(count[:]); err != nil {
		return err
	}
	for i := range u.SpentOuts {
		if _, err := w.Write(u.SpentOuts[i].Key[:]); err != nil {
			return err
		}
		if err := u.SpentOuts[i].Stxo.Serialize(w); err != nil {
			return err
		}
	}

	binary.BigEndian.PutUint32(count[:], uint32(len(u.AddedKeys)))
	if _, err := w.Write(count[:]); err != nil {
		return err
	}
	for i := range u.AddedKeys {
		if _, err := w.Write(u.AddedKeys[i][:]); err != nil {
			return err
		}
	}

	return nil
}

// Deserialize reads an undo record from its canonical form.
func (u *StoredUndoData) Deserialize(r io.Reader) error {
	if _, err := io.ReadFull(r, u.BlockHash[:]); err != nil {
		return err
	}

	var buf [5]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return err
	}
	u.Height = binary.BigEndian.Uint32(buf[:4])
	u.Dup = buf[4]

	var count [4]byte
	if _, err := io.ReadFull(r, count[:]); err != nil {
		return err
	}
	u.SpentOuts = make([]UndoSpend, binary.BigEndian.Uint32(count[:]))
	for i := range u.SpentOuts {
		if _, err := io.ReadFull(r, u.SpentOuts[i].Key[:]); err != nil {
			return err
		}
		err := u.SpentOuts[i].Stxo.Deserialize(r)
		if err != nil {
			return err
		}
	}

	if _, err := io.ReadFull(r, count[:]); err != nil {
		return err
	}
	u.AddedKeys = make([]Key, binary.BigEndian.Uint32(count[:]))
	for i := range u.AddedKeys {
		if _, err := io.ReadFull(r, u.AddedKeys[i][:]); err != nil {
			return err
		}
	}

	return nil
}

// TxIOPair pairs an output observed for a watched address with the input
// that later consumed it, if any. A TxIO is created when its output is
// observed and mutated, never re-created, when the spending input shows up.
type TxIOPair struct {
	// KeyOut locates the output.
	KeyOut Key

	// KeyIn locates the consuming input. Only valid when HasIn is set.
	KeyIn Key

	// HasIn indicates the output has been consumed.
	HasIn bool

	// Value is the output amount in satoshis.
	Value btcutil.Amount

	// FromCoinbase marks txios created by a coinbase transaction.
	FromCoinbase bool

	// IsMultisig marks txios whose output script is multisig.
	IsMultisig bool

	// TxOutZC marks txios whose output is only known from the mempool.
	TxOutZC bool

	// TxInZC marks txios whose consuming input is only known from the
	// mempool.
	TxInZC bool
}

// Unspent reports whether the output has no consuming input at all, whether
// confirmed or zero-conf.
func (t *TxIOPair) Unspent() bool {
	return !t.HasIn
}

// txioPairLen is the serialized length of a TxIOPair.
const txioPairLen = 2*KeyLen + 8 + 1

// Serialize writes the txio pair in its canonical fixed-length form.
func (t *TxIOPair) Serialize(w io.Writer) error {
	var buf [txioPairLen]byte
	copy(buf[0:KeyLen], t.KeyOut[:])
	copy(buf[KeyLen:2*KeyLen], t.KeyIn[:])
	binary.BigEndian.PutUint64(buf[2*KeyLen:2*KeyLen+8], uint64(t.Value))

	var flags byte
	if t.HasIn {
		flags |= 0x01
	}
	if t.FromCoinbase {
		flags |= 0x02
	}
	if t.IsMultisig {
		flags |= 0x04
	}
	if t.TxOutZC {
		flags |= 0x08
	}
	if t.TxInZC {
		flags |= 0x10
	}
	buf[txioPairLen-1] = flags

	_, err := w.Write(buf[:])
	return err
}

// Deserialize reads a txio pair from its canonical form.
func (t *TxIOPair) Deserialize(r io.Reader) error {
	var buf [txioPairLen]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return err
	}

	copy(t.KeyOut[:], buf[0:KeyLen])
	copy(t.KeyIn[:], buf[KeyLen:2*KeyLen])
	t.Value = btcutil.Amount(
		binary.BigEndian.Uint64(buf[2*KeyLen : 2*KeyLen+8]),
	)

	flags := buf[txioPairLen-1]
	t.HasIn = flags&0x01 != 0
	t.FromCoinbase = flags&0x02 != 0
	t.IsMultisig = flags&0x04 != 0
	t.TxOutZC = flags&0x08 != 0
	t.TxInZC = flags&0x10 != 0

	return nil
}

// StoredScriptHistory is the per-address summary row (SSH): running totals
// over every txio ever observed for the address. The detailed txios live in
// the per-block sub-history rows.
type StoredScriptHistory struct {
	// TotalReceived is the sum of all output values ever paid to the
	// address.
	TotalReceived btcutil.Amount

	// TotalSpent is the sum of all output values consumed from the
	// address.
	TotalSpent btcutil.Amount

	// TxioCount is the total number of txios recorded for the address.
	TxioCount uint32
}

// Balance returns the address's unspent total.
func (s *StoredScriptHistory) Balance() btcutil.Amount {
	return s.TotalReceived - s.TotalSpent
}

// Serialize writes the summary in its canonical form.
func (s *StoredScriptHistory) Serialize(w io.Writer) error {
	var buf [20]byte
	binary.BigEndian.PutUint64(buf[0:8], uint64(s.TotalReceived))
	binary.BigEndian.PutUint64(buf[8:16], uint64(s.TotalSpent))
	binary.BigEndian.PutUint32(buf[16:20], s.TxioCount)
	_, err := w.Write(buf[:])
	return err
}

// Deserialize reads a summary from its canonical form.
func (s *StoredScriptHistory) Deserialize(r io.Reader) error {
	var buf [20]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return err
	}
	s.TotalReceived = btcutil.Amount(binary.BigEndian.Uint64(buf[0:8]))
	s.TotalSpent = btcutil.Amount(binary.BigEndian.Uint64(buf[8:16]))
	s.TxioCount = binary.BigEndian.Uint32(buf[16:20])
	return nil
}

// StoredSubHistory is one per-address, per-block bucket of txio pairs, the
// unit the history pager partitions on.
type StoredSubHistory struct {
	ScrAddr ScrAddr
	Height  uint32
	Dup     uint8

	// TxioMap holds every txio of the address within this block, keyed by
	// the output's db key.
	TxioMap map[Key]TxIOPair
}

// SortedKeys returns the txio keys in ascending byte order, for
// deterministic serialization and iteration.
func (s *StoredSubHistory) SortedKeys() []Key {
	keys := make([]Key, 0, len(s.TxioMap))
	for k := range s.TxioMap {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return bytes.Compare(keys[i][:], keys[j][:]) < 0
	})
	return keys
}

// Serialize writes the sub-history in its canonical form: an entry count
// followed by key/txio pairs in ascending key order.
func (s *StoredSubHistory) Serialize(w io.Writer) error {
	var count [4]byte
	binary.BigEndian.PutUint32(count[:], uint32(len(s.TxioMap)))
	if _, err := w.Write(count[:]); err != nil {
		return err
	}

	for _, k := range s.SortedKeys() {
		if _, err := w.Write(k[:]); err != nil {
			return err
		}
		txio := s.TxioMap[k]
		if err := txio.Serialize(w); err != nil {
			return err
		}
	}

	return nil
}

// Deserialize reads a sub-history from its canonical form. The address,
// height, and dup are carried by the row key, not the value, so the caller
// fills them in.
func (s *StoredSubHistory) Deserialize(r io.Reader) error {
	var count [4]byte
	if _, err := io.ReadFull(r, count[:]); err != nil {
		return err
	}

	n := binary.BigEndian.Uint32(count[:])
	s.TxioMap = make(map[Key]TxIOPair, n)
	for i := uint32(0); i < n; i++ {
		var k Key
		if _, err := io.ReadFull(r, k[:]); err != nil {
			return err
		}
		var txio TxIOPair
		if err := txio.Deserialize(r); err != nil {
			return err
		}
		s.TxioMap[k] = txio
	}

	return nil
}

// StoredDBInfo is the single bookkeeping row recording how far ingestion
// and scanning have progressed, plus the network magic the store was
// initialized with. The magic is immutable once written; a mismatch on
// restart is fatal.
type StoredDBInfo struct {
	Magic             [4]byte
	TopBlkHgt         uint32
	TopBlkHash        chainhash.Hash
	TopScannedBlkHash chainhash.Hash
	AppliedToHgt      uint32
}

// Serialize writes the db-info row in its canonical form.
func (d *StoredDBInfo) Serialize(w io.Writer) error {
	if _, err := w.Write(d.Magic[:]); err != nil {
		return err
	}

	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], d.TopBlkHgt)
	if _, err := w.Write(buf[:]); err != nil {
		return err
	}
	if _, err := w.Write(d.TopBlkHash[:]); err != nil {
		return err
	}
	if _, err := w.Write(d.TopScannedBlkHash[:]); err != nil {
		return err
	}
	binary.BigEndian.PutUint32(buf[:], d.AppliedToHgt)
	_, err := w.Write(buf[:])
	return err
}

// Deserialize reads a db-info row from its canonical form.
func (d *StoredDBInfo) Deserialize(r io.Reader) error {
	if _, err := io.ReadFull(r, d.Magic[:]); err != nil {
		return err
	}

	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return err
	}
	d.TopBlkHgt = binary.BigEndian.Uint32(buf[:])

	if _, err := io.ReadFull(r, d.TopBlkHash[:]); err != nil {
		return err
	}
	if _, err := io.ReadFull(r, d.TopScannedBlkHash[:]); err != nil {
		return err
	}

	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return err
	}
	d.AppliedToHgt = binary.BigEndian.Uint32(buf[:])

	return nil
}

// serializeToBytes is a small helper for value construction.
func serializeToBytes(s interface{ Serialize(io.Writer) error }) ([]byte,
	error) {

	var buf bytes.Buffer
	if err := s.Serialize(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// txHints is the decoded value of a tx hint row: the tx-key prefixes of
// every stored transaction sharing the hinted hash. Multiple entries occur
// when blocks on competing branches carry the same transaction.
type txHints [][TxKeyLen]byte

func (h txHints) serialize() []byte {
	out := make([]byte, 0, len(h)*TxKeyLen)
	for _, p := range h {
		out = append(out, p[:]...)
	}
	return out
}

func txHintsFromBytes(b []byte) (txHints, error) {
	if len(b)%TxKeyLen != 0 {
		return nil, fmt.Errorf("invalid tx hint row length %d", len(b))
	}

	out := make(txHints, 0, len(b)/TxKeyLen)
	for i := 0; i+TxKeyLen <= len(b); i += TxKeyLen {
		var p [TxKeyLen]byte
		copy(p[:], b[i:i+TxKeyLen])
		out = append(out, p)
	}
	return out, nil
}
