package chaindb

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcwallet/walletdb"
)

var (
	// headersBucket is the top-level bucket holding one StoredHeader per
	// known block header, keyed by header hash.
	headersBucket = []byte("headers")

	// blkdataBucket is the top-level bucket holding the prefixed row
	// families: raw blocks, script histories, sub-histories, undo
	// records, tx hints, and the db-info row.
	blkdataBucket = []byte("blkdata")

	// stxoBucket is the top-level bucket holding one StoredTxOut per
	// transaction output, keyed by its Key.
	stxoBucket = []byte("stxo")
)

var (
	// ErrWrongMagic is returned when the store was initialized for a
	// different network than the one now configured. The network binding
	// of a store is immutable.
	ErrWrongMagic = fmt.Errorf("store initialized for a different network")

	// ErrStxoNotFound is returned when a referenced output row doesn't
	// exist.
	ErrStxoNotFound = fmt.Errorf("stxo not found")

	// ErrBlockNotFound is returned when a raw block row doesn't exist.
	ErrBlockNotFound = fmt.Errorf("raw block not found")

	// ErrUndoNotFound is returned when a block has no stored undo
	// record. Callers may synthesize one from the raw block instead.
	ErrUndoNotFound = fmt.Errorf("undo record not found")
)

// bulkDeleteCap bounds how many keys a single wipe transaction collects
// before committing and restarting. Iteration and deletion never interleave
// within one transaction.
const bulkDeleteCap = 10000

// DB is the persistent store: a walletdb database with the HEADERS, BLKDATA
// and STXO tables. All mutation happens through a Batch; reads may run
// concurrently through the Fetch methods.
type DB struct {
	db walletdb.DB
}

// New wraps an open walletdb instance, creating the tables on first use and
// pinning the store to the given network magic. Reopening a store with a
// different magic fails with ErrWrongMagic.
func New(db walletdb.DB, magic [4]byte) (*DB, error) {
	d := &DB{db: db}

	err := walletdb.Update(db, func(tx walletdb.ReadWriteTx) error {
		for _, name := range [][]byte{
			headersBucket, blkdataBucket, stxoBucket,
		} {
			_, err := tx.CreateTopLevelBucket(name)
			if err != nil && err != walletdb.ErrBucketExists {
				return err
			}
		}

		blkdata := tx.ReadWriteBucket(blkdataBucket)
		raw := blkdata.Get(dbInfoKey)
		if raw == nil {
			info := &StoredDBInfo{Magic: magic}
			val, err := serializeToBytes(info)
			if err != nil {
				return err
			}
			return blkdata.Put(dbInfoKey, val)
		}

		var info StoredDBInfo
		if err := info.Deserialize(bytes.NewReader(raw)); err != nil {
			return err
		}
		if info.Magic != magic {
			return ErrWrongMagic
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return d, nil
}

// FetchDBInfo returns the store's bookkeeping row.
func (d *DB) FetchDBInfo() (*StoredDBInfo, error) {
	var info StoredDBInfo
	err := walletdb.View(d.db, func(tx walletdb.ReadTx) error {
		raw := tx.ReadBucket(blkdataBucket).Get(dbInfoKey)
		if raw == nil {
			return fmt.Errorf("db-info row missing")
		}
		return info.Deserialize(bytes.NewReader(raw))
	})
	if err != nil {
		return nil, err
	}
	return &info, nil
}

// FetchStoredHeader returns the stored header with the given hash.
func (d *DB) FetchStoredHeader(hash *chainhash.Hash) (*StoredHeader, error) {
	var hdr StoredHeader
	err := walletdb.View(d.db, func(tx walletdb.ReadTx) error {
		raw := tx.ReadBucket(headersBucket).Get(hash[:])
		if raw == nil {
			return fmt.Errorf("header %v not found", hash)
		}
		return hdr.Deserialize(bytes.NewReader(raw))
	})
	if err != nil {
		return nil, err
	}
	return &hdr, nil
}

// ForEachHeader invokes f for every stored header. Used to rebuild the
// in-memory header chain at startup.
func (d *DB) ForEachHeader(f func(*StoredHeader) error) error {
	return walletdb.View(d.db, func(tx walletdb.ReadTx) error {
		return tx.ReadBucket(headersBucket).ForEach(
			func(_, v []byte) error {
				var hdr StoredHeader
				err := hdr.Deserialize(bytes.NewReader(v))
				if err != nil {
					return err
				}
				return f(&hdr)
			},
		)
	})
}

// FetchRawBlock returns the raw block payload stored at (height, dup).
func (d *DB) FetchRawBlock(height uint32, dup uint8) ([]byte, error) {
	var payload []byte
	err := walletdb.View(d.db, func(tx walletdb.ReadTx) error {
		raw := tx.ReadBucket(blkdataBucket).Get(blkFullKey(height, dup))
		if raw == nil {
			return ErrBlockNotFound
		}
		payload = make([]byte, len(raw))
		copy(payload, raw)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return payload, nil
}

// FetchStxo returns the output row at the given key.
func (d *DB) FetchStxo(key Key) (*StoredTxOut, error) {
	var stxo StoredTxOut
	err := walletdb.View(d.db, func(tx walletdb.ReadTx) error {
		raw := tx.ReadBucket(stxoBucket).Get(key[:])
		if raw == nil {
			return ErrStxoNotFound
		}
		return stxo.Deserialize(bytes.NewReader(raw))
	})
	if err != nil {
		return nil, err
	}
	return &stxo, nil
}

// FetchSSH returns the script-history summary for an address, or ok=false
// if the address has never been observed.
func (d *DB) FetchSSH(addr ScrAddr) (*StoredScriptHistory, bool, error) {
	var (
		ssh   StoredScriptHistory
		found bool
	)
	err := walletdb.View(d.db, func(tx walletdb.ReadTx) error {
		raw := tx.ReadBucket(blkdataBucket).Get(sshKey(addr))
		if raw == nil {
			return nil
		}
		found = true
		return ssh.Deserialize(bytes.NewReader(raw))
	})
	if err != nil {
		return nil, false, err
	}
	return &ssh, found, nil
}

// FetchSubHistory returns the sub-history row of an address at a specific
// (height, dup), or ok=false if absent.
func (d *DB) FetchSubHistory(addr ScrAddr, height uint32,
	dup uint8) (*StoredSubHistory, bool, error) {

	sub := &StoredSubHistory{
		ScrAddr: addr,
		Height:  height,
		Dup:     dup,
	}
	var found bool
	err := walletdb.View(d.db, func(tx walletdb.ReadTx) error {
		raw := tx.ReadBucket(blkdataBucket).Get(
			subSSHKey(addr, height, dup),
		)
		if raw == nil {
			return nil
		}
		found = true
		return sub.Deserialize(bytes.NewReader(raw))
	})
	if err != nil {
		return nil, false, err
	}
	return sub, found, nil
}

// ForEachSubHistory invokes f for every sub-history row of the given
// address in ascending (height, dup) order. This is the seek-to-prefix scan
// the history pager and balance queries are built on.
func (d *DB) ForEachSubHistory(addr ScrAddr,
	f func(*StoredSubHistory) error) error {

	prefix := subSSHPrefix(addr)
	return walletdb.View(d.db, func(tx walletdb.ReadTx) error {
		cursor := tx.ReadBucket(blkdataBucket).ReadCursor()
		for k, v := cursor.Seek(prefix); k != nil &&
			bytes.HasPrefix(k, prefix); k, v = cursor.Next() {

			// A longer address sharing these prefix bytes owns
			// rows of a different length; they're not ours.
			if len(k) != len(prefix)+5 {
				continue
			}

			sub, err := subHistoryFromRow(addr, k, v)
			if err != nil {
				return err
			}
			if err := f(sub); err != nil {
				return err
			}
		}
		return nil
	})
}

// subHistoryFromRow decodes a sub-history row, recovering the height and
// dup from the key suffix.
func subHistoryFromRow(addr ScrAddr, k, v []byte) (*StoredSubHistory, error) {
	suffix := k[len(subSSHPrefix(addr)):]
	if len(suffix) != 5 {
		return nil, fmt.Errorf("malformed sub-history key %x", k)
	}

	sub := &StoredSubHistory{
		ScrAddr: addr,
		Height: uint32(suffix[0])<<24 | uint32(suffix[1])<<16 |
			uint32(suffix[2])<<8 | uint32(suffix[3]),
		Dup: suffix[4],
	}
	if err := sub.Deserialize(bytes.NewReader(v)); err != nil {
		return nil, err
	}
	return sub, nil
}

// FetchUndoData returns the stored undo record for (height, dup), or
// ErrUndoNotFound if the block has none.
func (d *DB) FetchUndoData(height uint32, dup uint8) (*StoredUndoData,
	error) {

	var undo StoredUndoData
	err := walletdb.View(d.db, func(tx walletdb.ReadTx) error {
		raw := tx.ReadBucket(blkdataBucket).Get(undoKey(height, dup))
		if raw == nil {
			return ErrUndoNotFound
		}
		return undo.Deserialize(bytes.NewReader(raw))
	})
	if err != nil {
		return nil, err
	}
	return &undo, nil
}

// FetchTxHints returns the tx-key prefixes of every stored transaction with
// the given hash. An empty result means the hash is unknown.
func (d *DB) FetchTxHints(txHash *chainhash.Hash) ([][TxKeyLen]byte, error) {
	var hints txHints
	err := walletdb.View(d.db, func(tx walletdb.ReadTx) error {
		raw := tx.ReadBucket(blkdataBucket).Get(txHintKey(txHash[:]))
		if raw == nil {
			return nil
		}
		var err error
		hints, err = txHintsFromBytes(raw)
		return err
	})
	if err != nil {
		return nil, err
	}
	return hints, nil
}

// Batch is a single read-write transaction over the store. All mutation
// goes through a Batch so the block writer can compose per-block atomic
// updates, pace its commits by bytes written, and read back rows it wrote
// earlier in the same transaction.
type Batch struct {
	dbTx walletdb.ReadWriteTx

	headers walletdb.ReadWriteBucket
	blkdata walletdb.ReadWriteBucket
	stxo    walletdb.ReadWriteBucket

	bytesWritten uint64
}

// NewBatch opens a read-write transaction. The caller must Commit or
// Rollback it. The underlying engine permits a single writer; concurrent
// NewBatch calls serialize on the engine's writer lock.
func (d *DB) NewBatch() (*Batch, error) {
	dbTx, err := d.db.BeginReadWriteTx()
	if err != nil {
		return nil, err
	}

	return &Batch{
		dbTx:    dbTx,
		headers: dbTx.ReadWriteBucket(headersBucket),
		blkdata: dbTx.ReadWriteBucket(blkdataBucket),
		stxo:    dbTx.ReadWriteBucket(stxoBucket),
	}, nil
}

// Commit atomically applies everything written through the batch.
func (b *Batch) Commit() error {
	return b.dbTx.Commit()
}

// Rollback discards the batch.
func (b *Batch) Rollback() error {
	return b.dbTx.Rollback()
}

// BytesWritten returns an estimate of the bytes written through this batch,
// used by the block writer to pace commits.
func (b *Batch) BytesWritten() uint64 {
	return b.bytesWritten
}

func (b *Batch) put(bucket walletdb.ReadWriteBucket, k, v []byte) error {
	b.bytesWritten += uint64(len(k) + len(v))
	return bucket.Put(k, v)
}

// PutStoredHeader writes a header row.
func (b *Batch) PutStoredHeader(hdr *StoredHeader) error {
	val, err := serializeToBytes(hdr)
	if err != nil {
		return err
	}
	hash := hdr.Header.BlockHash()
	return b.put(b.headers, hash[:], val)
}

// PutRawBlock writes the raw block payload row at (height, dup).
func (b *Batch) PutRawBlock(height uint32, dup uint8, payload []byte) error {
	return b.put(b.blkdata, blkFullKey(height, dup), payload)
}

// FetchRawBlock reads a raw block payload through the batch, observing
// earlier writes in the same transaction.
func (b *Batch) FetchRawBlock(height uint32, dup uint8) ([]byte, error) {
	raw := b.blkdata.Get(blkFullKey(height, dup))
	if raw == nil {
		return nil, ErrBlockNotFound
	}
	payload := make([]byte, len(raw))
	copy(payload, raw)
	return payload, nil
}

// FetchUndoData reads an undo record through the batch.
func (b *Batch) FetchUndoData(height uint32, dup uint8) (*StoredUndoData,
	error) {

	raw := b.blkdata.Get(undoKey(height, dup))
	if raw == nil {
		return nil, ErrUndoNotFound
	}
	var undo StoredUndoData
	if err := undo.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, err
	}
	return &undo, nil
}

// DeleteRawBlock removes the raw block payload row at (height, dup).
func (b *Batch) DeleteRawBlock(height uint32, dup uint8) error {
	return b.blkdata.Delete(blkFullKey(height, dup))
}

// FetchStxo reads an output row through the batch, observing earlier writes
// in the same transaction.
func (b *Batch) FetchStxo(key Key) (*StoredTxOut, error) {
	raw := b.stxo.Get(key[:])
	if raw == nil {
		return nil, ErrStxoNotFound
	}
	var stxo StoredTxOut
	if err := stxo.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, err
	}
	return &stxo, nil
}

// PutStxo writes an output row.
func (b *Batch) PutStxo(key Key, stxo *StoredTxOut) error {
	val, err := serializeToBytes(stxo)
	if err != nil {
		return err
	}
	return b.put(b.stxo, key[:], val)
}

// DeleteStxo removes an output row.
func (b *Batch) DeleteStxo(key Key) error {
	return b.stxo.Delete(key[:])
}

// FetchSSH reads a script-history summary through the batch.
func (b *Batch) FetchSSH(addr ScrAddr) (*StoredScriptHistory, bool, error) {
	raw := b.blkdata.Get(sshKey(addr))
	if raw == nil {
		return nil, false, nil
	}
	var ssh StoredScriptHistory
	if err := ssh.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, false, err
	}
	return &ssh, true, nil
}

// PutSSH writes a script-history summary row.
func (b *Batch) PutSSH(addr ScrAddr, ssh *StoredScriptHistory) error {
	val, err := serializeToBytes(ssh)
	if err != nil {
		return err
	}
	return b.put(b.blkdata, sshKey(addr), val)
}

// DeleteSSH removes a script-history summary row.
func (b *Batch) DeleteSSH(addr ScrAddr) error {
	return b.blkdata.Delete(sshKey(addr))
}

// FetchSubHistory reads a sub-history row through the batch.
func (b *Batch) FetchSubHistory(addr ScrAddr, height uint32,
	dup uint8) (*StoredSubHistory, bool, error) {

	raw := b.blkdata.Get(subSSHKey(addr, height, dup))
	sub := &StoredSubHistory{
		ScrAddr: addr,
		Height:  height,
		Dup:     dup,
		TxioMap: make(map[Key]TxIOPair),
	}
	if raw == nil {
		return sub, false, nil
	}
	if err := sub.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, false, err
	}
	return sub, true, nil
}

// PutSubHistory writes a sub-history row.
func (b *Batch) PutSubHistory(sub *StoredSubHistory) error {
	val, err := serializeToBytes(sub)
	if err != nil {
		return err
	}
	return b.put(
		b.blkdata, subSSHKey(sub.ScrAddr, sub.Height, sub.Dup), val,
	)
}

// DeleteSubHistory removes a sub-history row.
func (b *Batch) DeleteSubHistory(addr ScrAddr, height uint32,
	dup uint8) error {

	return b.blkdata.Delete(subSSHKey(addr, height, dup))
}

// PutUndoData writes the undo record for a block.
func (b *Batch) PutUndoData(undo *StoredUndoData) error {
	val, err := serializeToBytes(undo)
	if err != nil {
		return err
	}
	return b.put(b.blkdata, undoKey(undo.Height, undo.Dup), val)
}

// DeleteUndoData removes the undo record at (height, dup).
func (b *Batch) DeleteUndoData(height uint32, dup uint8) error {
	return b.blkdata.Delete(undoKey(height, dup))
}

// FetchTxHints reads a hint row through the batch, observing hints written
// earlier in the same transaction.
func (b *Batch) FetchTxHints(
	txHash *chainhash.Hash) ([][TxKeyLen]byte, error) {

	return txHintsFromBytes(b.blkdata.Get(txHintKey(txHash[:])))
}

// AddTxHint appends a tx-key prefix to the hint row of the given tx hash,
// if not already present.
func (b *Batch) AddTxHint(txHash *chainhash.Hash,
	prefix [TxKeyLen]byte) error {

	key := txHintKey(txHash[:])
	hints, err := txHintsFromBytes(b.blkdata.Get(key))
	if err != nil {
		return err
	}

	for _, p := range hints {
		if p == prefix {
			return nil
		}
	}
	hints = append(hints, prefix)

	return b.put(b.blkdata, key, hints.serialize())
}

// RemoveTxHint removes a tx-key prefix from the hint row of the given tx
// hash, deleting the row when it empties.
func (b *Batch) RemoveTxHint(txHash *chainhash.Hash,
	prefix [TxKeyLen]byte) error {

	key := txHintKey(txHash[:])
	hints, err := txHintsFromBytes(b.blkdata.Get(key))
	if err != nil {
		return err
	}

	out := hints[:0]
	for _, p := range hints {
		if p != prefix {
			out = append(out, p)
		}
	}

	if len(out) == 0 {
		return b.blkdata.Delete(key)
	}
	return b.put(b.blkdata, key, out.serialize())
}

// FetchDBInfo reads the bookkeeping row through the batch.
func (b *Batch) FetchDBInfo() (*StoredDBInfo, error) {
	raw := b.blkdata.Get(dbInfoKey)
	if raw == nil {
		return nil, fmt.Errorf("db-info row missing")
	}
	var info StoredDBInfo
	if err := info.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, err
	}
	return &info, nil
}

// PutDBInfo writes the bookkeeping row.
func (b *Batch) PutDBInfo(info *StoredDBInfo) error {
	val, err := serializeToBytes(info)
	if err != nil {
		return err
	}
	return b.put(b.blkdata, dbInfoKey, val)
}

// WipeDerivedState deletes all script-history and sub-history rows. Used by
// the forced rebuild path. Keys
// are collected up to a cap, the transaction commits, and the scan
// restarts, so deletion never interleaves with iteration.
func (d *DB) WipeDerivedState() error {
	if err := d.wipePrefix(blkdataBucket,
		[]byte{byte(PrefixScriptHistory)}); err != nil {

		return err
	}
	return d.wipePrefix(blkdataBucket, []byte{byte(PrefixSubHistory)})
}

// WipeBlockData deletes all raw block rows, undo records, tx hints and
// stxos, leaving headers in place. Used by the forced rebuild path.
func (d *DB) WipeBlockData() error {
	for _, prefix := range []DBPrefix{
		PrefixBlkFull, PrefixUndoData, PrefixTxHints,
	} {
		err := d.wipePrefix(blkdataBucket, []byte{byte(prefix)})
		if err != nil {
			return err
		}
	}
	return d.wipePrefix(stxoBucket, nil)
}

// WipeHeaders deletes every stored header row. Used by the forced rebuild
// path together with WipeBlockData.
func (d *DB) WipeHeaders() error {
	return d.wipePrefix(headersBucket, nil)
}

// WipeSubHistories deletes the SSH and sub-history rows of the given
// addresses only.
func (d *DB) WipeSubHistories(addrs []ScrAddr) error {
	for _, addr := range addrs {
		err := d.wipePrefix(blkdataBucket, sshKey(addr))
		if err != nil {
			return err
		}
		err = d.wipePrefix(blkdataBucket, subSSHPrefix(addr))
		if err != nil {
			return err
		}
	}
	return nil
}

// wipePrefix deletes every key in the bucket starting with prefix, in
// capped batches. A nil prefix wipes the whole bucket.
func (d *DB) wipePrefix(bucketName, prefix []byte) error {
	for {
		var keys [][]byte

		err := walletdb.View(d.db, func(tx walletdb.ReadTx) error {
			cursor := tx.ReadBucket(bucketName).ReadCursor()
			for k, _ := cursor.Seek(prefix); k != nil &&
				bytes.HasPrefix(k, prefix); k, _ = cursor.Next() {

				key := make([]byte, len(k))
				copy(key, k)
				keys = append(keys, key)
				if len(keys) >= bulkDeleteCap {
					break
				}
			}
			return nil
		})
		if err != nil {
			return err
		}

		if len(keys) == 0 {
			return nil
		}

		err = walletdb.Update(d.db, func(tx walletdb.ReadWriteTx) error {
			bucket := tx.ReadWriteBucket(bucketName)
			for _, k := range keys {
				if err := bucket.Delete(k); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return err
		}

		log.Debugf("Wiped %d key(s) under prefix %x", len(keys),
			prefix)

		if len(keys) < bulkDeleteCap {
			return nil
		}
	}
}
