package blockproc

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/blockdex/blockdex/chaindb"
	"github.com/blockdex/blockdex/headerchain"
	"github.com/blockdex/blockdex/scrfilter"
)

// DefaultUpdateBytesThresh is the default number of accumulated write bytes
// after which the writer commits its open batch and begins a new one. The
// pacing boundary always falls between whole blocks, so per-block atomicity
// is never violated.
const DefaultUpdateBytesThresh = 96 * 1024 * 1024

// ErrSpentOutputMissing is returned when a block input references an output
// the store doesn't hold. During undo this is a corruption error.
type ErrSpentOutputMissing struct {
	OutPoint wire.OutPoint
	Height   uint32
}

// Error implements the error interface.
func (e *ErrSpentOutputMissing) Error() string {
	return fmt.Sprintf("block %d spends unknown output %v", e.Height,
		e.OutPoint)
}

// Config holds the collaborators the block writer needs.
type Config struct {
	// DB is the persistent store.
	DB *chaindb.DB

	// Chain is the header arena, consulted to resolve which duplicate at
	// a height is on the main branch.
	Chain *headerchain.Chain

	// Params identifies the network, used for script-address
	// derivation.
	Params *chaincfg.Params

	// UpdateBytesThresh overrides the commit pacing threshold. Zero
	// means DefaultUpdateBytesThresh.
	UpdateBytesThresh uint64
}

// Writer applies parsed blocks to the store and reverses them using stored
// undo records. It owns at most one open write batch at a time; all
// mutation of the store flows through it.
type Writer struct {
	cfg Config

	batch *chaindb.Batch
}

// NewWriter creates a block writer.
func NewWriter(cfg Config) *Writer {
	if cfg.UpdateBytesThresh == 0 {
		cfg.UpdateBytesThresh = DefaultUpdateBytesThresh
	}
	return &Writer{cfg: cfg}
}

// ensureBatch opens the writer's batch if none is open.
func (w *Writer) ensureBatch() (*chaindb.Batch, error) {
	if w.batch != nil {
		return w.batch, nil
	}
	batch, err := w.cfg.DB.NewBatch()
	if err != nil {
		return nil, err
	}
	w.batch = batch
	return batch, nil
}

// Flush commits the writer's open batch, if any. Callers invoke it after a
// run of blocks so the final partial batch reaches the store.
func (w *Writer) Flush() error {
	if w.batch == nil {
		return nil
	}
	err := w.batch.Commit()
	w.batch = nil
	return err
}

// Abort rolls back the writer's open batch, if any.
func (w *Writer) Abort() error {
	if w.batch == nil {
		return nil
	}
	err := w.batch.Rollback()
	w.batch = nil
	return err
}

// maybePace commits and reopens the batch once the accumulated write bytes
// cross the configured threshold. Called only between whole blocks.
func (w *Writer) maybePace() error {
	if w.batch == nil ||
		w.batch.BytesWritten() < w.cfg.UpdateBytesThresh {

		return nil
	}

	log.Debugf("Commit pacing: flushing %d bytes",
		w.batch.BytesWritten())
	return w.Flush()
}

// StoreRawBlock persists the raw payload, header row, and tx hints of a
// block without touching any derived state. Used for blocks that aren't
// (yet) on the main branch; a later reorg replay picks the payload up from
// here.
func (w *Writer) StoreRawBlock(entry *headerchain.Entry,
	block *btcutil.Block) error {

	batch, err := w.ensureBatch()
	if err != nil {
		return err
	}

	raw, err := block.Bytes()
	if err != nil {
		return err
	}

	err = batch.PutRawBlock(entry.Height, entry.DuplicateID, raw)
	if err != nil {
		return err
	}

	for txIdx, tx := range block.Transactions() {
		prefix := chaindb.NewKey(
			entry.Height, entry.DuplicateID, uint16(txIdx), 0,
		).TxPrefix()
		if err := batch.AddTxHint(tx.Hash(), prefix); err != nil {
			return err
		}
	}

	return batch.PutStoredHeader(&chaindb.StoredHeader{
		Header:     entry.Header,
		Height:     entry.Height,
		Dup:        entry.DuplicateID,
		MainBranch: entry.MainBranch,
		Coord:      entry.Coord,
	})
}

// blockUpdate accumulates the per-block state the apply path builds up
// before writing it out: touched sub-histories and summaries, plus the undo
// record.
type blockUpdate struct {
	batch  *chaindb.Batch
	filter scrfilter.AddressFilter

	// subHists caches fetched sub-history rows by addr|height|dup so a
	// block touching the same bucket repeatedly reads it once.
	subHists map[string]*chaindb.StoredSubHistory

	// summaries caches fetched SSH summary rows by address.
	summaries map[chaindb.ScrAddr]*chaindb.StoredScriptHistory

	undo *chaindb.StoredUndoData
}

func (u *blockUpdate) subHist(addr chaindb.ScrAddr, height uint32,
	dup uint8) (*chaindb.StoredSubHistory, error) {

	key := chaindb.NewKey(height, dup, 0, 0)
	cacheKey := string(addr) + string(key[:])
	if sub, ok := u.subHists[cacheKey]; ok {
		return sub, nil
	}

	sub, _, err := u.batch.FetchSubHistory(addr, height, dup)
	if err != nil {
		return nil, err
	}
	u.subHists[cacheKey] = sub
	return sub, nil
}

func (u *blockUpdate) summary(
	addr chaindb.ScrAddr) (*chaindb.StoredScriptHistory, error) {

	if ssh, ok := u.summaries[addr]; ok {
		return ssh, nil
	}

	ssh, found, err := u.batch.FetchSSH(addr)
	if err != nil {
		return nil, err
	}
	if !found {
		ssh = &chaindb.StoredScriptHistory{}
	}
	u.summaries[addr] = ssh
	return ssh, nil
}

// flush writes the accumulated sub-histories and summaries out through the
// batch. Empty sub-histories and zeroed summaries are deleted rather than
// written, so undoing a block restores the exact pre-apply row set.
func (u *blockUpdate) flush() error {
	for _, sub := range u.subHists {
		if len(sub.TxioMap) == 0 {
			err := u.batch.DeleteSubHistory(
				sub.ScrAddr, sub.Height, sub.Dup,
			)
			if err != nil {
				return err
			}
			continue
		}
		if err := u.batch.PutSubHistory(sub); err != nil {
			return err
		}
	}

	for addr, ssh := range u.summaries {
		if ssh.TxioCount == 0 {
			if err := u.batch.DeleteSSH(addr); err != nil {
				return err
			}
			continue
		}
		if err := u.batch.PutSSH(addr, ssh); err != nil {
			return err
		}
	}

	return nil
}

// ApplyBlock applies a main-branch block to the store in one atomic unit:
// the raw payload row, spentness updates for every input, new stxo rows for
// every output, script-history rows for every registered address the block
// touches, the block's undo record, and finally the advanced db-info row.
func (w *Writer) ApplyBlock(entry *headerchain.Entry, block *btcutil.Block,
	filter scrfilter.AddressFilter) error {

	batch, err := w.ensureBatch()
	if err != nil {
		return err
	}

	if err := w.StoreRawBlock(entry, block); err != nil {
		return err
	}

	update := &blockUpdate{
		batch:     batch,
		filter:    filter,
		subHists:  make(map[string]*chaindb.StoredSubHistory),
		summaries: make(map[chaindb.ScrAddr]*chaindb.StoredScriptHistory),
		undo: &chaindb.StoredUndoData{
			BlockHash: *block.Hash(),
			Height:    entry.Height,
			Dup:       entry.DuplicateID,
		},
	}

	// First pass: create the stxo rows for every output so same-block
	// spends resolve against this batch.
	for txIdx, tx := range block.Transactions() {
		err := w.applyTxOutputs(update, entry, tx, uint16(txIdx))
		if err != nil {
			return err
		}
	}

	// Second pass: consume inputs.
	for txIdx, tx := range block.Transactions() {
		if blockchain.IsCoinBase(tx) {
			continue
		}
		err := w.applyTxInputs(update, entry, tx, uint16(txIdx))
		if err != nil {
			return err
		}
	}

	if err := update.flush(); err != nil {
		return err
	}
	if err := batch.PutUndoData(update.undo); err != nil {
		return err
	}

	info, err := batch.FetchDBInfo()
	if err != nil {
		return err
	}
	info.TopBlkHgt = entry.Height
	info.TopBlkHash = entry.Hash
	info.TopScannedBlkHash = entry.Hash
	info.AppliedToHgt = entry.Height
	if err := batch.PutDBInfo(info); err != nil {
		return err
	}

	return w.maybePace()
}

// applyTxOutputs writes the stxo rows and funding txios of one
// transaction.
func (w *Writer) applyTxOutputs(u *blockUpdate, entry *headerchain.Entry,
	tx *btcutil.Tx, txIdx uint16) error {

	coinbase := blockchain.IsCoinBase(tx)

	for outIdx, txOut := range tx.MsgTx().TxOut {
		key := chaindb.NewKey(
			entry.Height, entry.DuplicateID, txIdx,
			uint16(outIdx),
		)

		stxo := &chaindb.StoredTxOut{
			Value:        btcutil.Amount(txOut.Value),
			PkScript:     txOut.PkScript,
			FromCoinbase: coinbase,
		}
		if err := u.batch.PutStxo(key, stxo); err != nil {
			return err
		}
		u.undo.AddedKeys = append(u.undo.AddedKeys, key)

		addr := chaindb.ScrAddrFromPkScript(
			txOut.PkScript, w.cfg.Params,
		)
		if !u.filter.MatchAddr(addr) {
			continue
		}

		sub, err := u.subHist(addr, entry.Height, entry.DuplicateID)
		if err != nil {
			return err
		}
		sub.TxioMap[key] = chaindb.TxIOPair{
			KeyOut:       key,
			Value:        btcutil.Amount(txOut.Value),
			FromCoinbase: coinbase,
			IsMultisig:   chaindb.IsMultisigScript(txOut.PkScript),
		}

		ssh, err := u.summary(addr)
		if err != nil {
			return err
		}
		ssh.TotalReceived += btcutil.Amount(txOut.Value)
		ssh.TxioCount++
	}

	return nil
}

// applyTxInputs marks the outputs one transaction consumes as spent,
// records them in the undo data, and mutates the matching txios.
func (w *Writer) applyTxInputs(u *blockUpdate, entry *headerchain.Entry,
	tx *btcutil.Tx, txIdx uint16) error {

	for inIdx, txIn := range tx.MsgTx().TxIn {
		inKey := chaindb.NewKey(
			entry.Height, entry.DuplicateID, txIdx,
			uint16(inIdx),
		)

		outKey, stxo, err := w.resolveSpentOutput(
			u.batch, &txIn.PreviousOutPoint, entry.Height,
		)
		if err != nil {
			return err
		}

		// Undo data records the pre-spend state.
		u.undo.SpentOuts = append(u.undo.SpentOuts, chaindb.UndoSpend{
			Key:  outKey,
			Stxo: *stxo,
		})

		spent := *stxo
		spent.Spent = true
		spent.SpentBy = inKey
		if err := u.batch.PutStxo(outKey, &spent); err != nil {
			return err
		}

		addr := chaindb.ScrAddrFromPkScript(
			stxo.PkScript, w.cfg.Params,
		)
		if !u.filter.MatchAddr(addr) {
			continue
		}

		// Mutate the funding txio in place; never re-create it.
		fundSub, err := u.subHist(
			addr, outKey.Height(), outKey.Dup(),
		)
		if err != nil {
			return err
		}
		if txio, ok := fundSub.TxioMap[outKey]; ok {
			txio.HasIn = true
			txio.KeyIn = inKey
			txio.TxInZC = false
			fundSub.TxioMap[outKey] = txio
		}

		ssh, err := u.summary(addr)
		if err != nil {
			return err
		}
		ssh.TotalSpent += stxo.Value

		// A spend of an output funded in this very block shares its
		// bucket and txio with the funding side; anything else also
		// surfaces in the address's history at the spending block.
		sameBlock := outKey.Height() == entry.Height &&
			outKey.Dup() == entry.DuplicateID
		if sameBlock {
			continue
		}

		spendSub, err := u.subHist(
			addr, entry.Height, entry.DuplicateID,
		)
		if err != nil {
			return err
		}
		spendSub.TxioMap[outKey] = chaindb.TxIOPair{
			KeyOut:       outKey,
			KeyIn:        inKey,
			HasIn:        true,
			Value:        stxo.Value,
			FromCoinbase: stxo.FromCoinbase,
			IsMultisig:   chaindb.IsMultisigScript(stxo.PkScript),
		}
		ssh.TxioCount++
	}

	return nil
}

// resolveSpentOutput locates the stxo row a txin consumes, using the tx
// hint rows to map the outpoint's hash to stored tx keys and the header
// chain to pick the main-branch candidate.
func (w *Writer) resolveSpentOutput(batch *chaindb.Batch,
	op *wire.OutPoint, spendHeight uint32) (chaindb.Key,
	*chaindb.StoredTxOut, error) {

	hints, err := w.fetchTxHints(batch, &op.Hash)
	if err != nil {
		return chaindb.Key{}, nil, err
	}

	for _, prefix := range hints {
		var key chaindb.Key
		copy(key[:chaindb.TxKeyLen], prefix[:])
		key = key.WithIndex(uint16(op.Index))

		// Only candidates on the main branch count.
		main, ok := w.cfg.Chain.HeaderByHeight(key.Height())
		if !ok || main.DuplicateID != key.Dup() {
			continue
		}

		stxo, err := batch.FetchStxo(key)
		if err == chaindb.ErrStxoNotFound {
			continue
		}
		if err != nil {
			return chaindb.Key{}, nil, err
		}

		return key, stxo, nil
	}

	return chaindb.Key{}, nil, &ErrSpentOutputMissing{
		OutPoint: *op,
		Height:   spendHeight,
	}
}

// fetchTxHints reads hint rows through the open batch so hints written for
// earlier transactions of the same block are visible.
func (w *Writer) fetchTxHints(batch *chaindb.Batch,
	txHash *chainhash.Hash) ([][chaindb.TxKeyLen]byte, error) {

	// The batch shares the transaction with reads, so go through the
	// store-level fetch only as a fallback when no batch is open.
	if batch != nil {
		return batch.FetchTxHints(txHash)
	}
	return w.cfg.DB.FetchTxHints(txHash)
}

// fetchRawBlock reads a raw block row, through the open batch when one
// exists so reads never race the write transaction.
func (w *Writer) fetchRawBlock(height uint32, dup uint8) ([]byte, error) {
	if w.batch != nil {
		return w.batch.FetchRawBlock(height, dup)
	}
	return w.cfg.DB.FetchRawBlock(height, dup)
}

// UndoBlock reverses a previously applied block using its stored undo
// record, synthesizing one from the raw rows when absent. Headers and raw
// block rows survive (they're never destroyed); every derived effect of the
// block is rolled back and the db-info row retreats to the block's parent.
func (w *Writer) UndoBlock(entry *headerchain.Entry,
	filter scrfilter.AddressFilter) error {

	batch, err := w.ensureBatch()
	if err != nil {
		return err
	}

	undo, err := batch.FetchUndoData(entry.Height, entry.DuplicateID)
	if err == chaindb.ErrUndoNotFound {
		undo, err = w.synthesizeUndo(batch, entry)
	}
	if err != nil {
		return err
	}

	update := &blockUpdate{
		batch:     batch,
		filter:    filter,
		subHists:  make(map[string]*chaindb.StoredSubHistory),
		summaries: make(map[chaindb.ScrAddr]*chaindb.StoredScriptHistory),
	}

	// Delete the outputs the block added, unwinding their funding
	// txios.
	for _, key := range undo.AddedKeys {
		stxo, err := batch.FetchStxo(key)
		if err == chaindb.ErrStxoNotFound {
			// Tolerated: a partially applied block being cleaned
			// up after a crash.
			continue
		}
		if err != nil {
			return err
		}

		if err := batch.DeleteStxo(key); err != nil {
			return err
		}

		addr := chaindb.ScrAddrFromPkScript(
			stxo.PkScript, w.cfg.Params,
		)
		if !filter.MatchAddr(addr) {
			continue
		}

		sub, err := update.subHist(addr, key.Height(), key.Dup())
		if err != nil {
			return err
		}
		if _, ok := sub.TxioMap[key]; ok {
			delete(sub.TxioMap, key)

			ssh, err := update.summary(addr)
			if err != nil {
				return err
			}
			ssh.TotalReceived -= stxo.Value
			ssh.TxioCount--
		}
	}

	// Re-insert the outputs the block spent, in their pre-spend state.
	for _, spend := range undo.SpentOuts {
		err := batch.PutStxo(spend.Key, &spend.Stxo)
		if err != nil {
			return err
		}

		addr := chaindb.ScrAddrFromPkScript(
			spend.Stxo.PkScript, w.cfg.Params,
		)
		if !filter.MatchAddr(addr) {
			continue
		}

		ssh, err := update.summary(addr)
		if err != nil {
			return err
		}
		ssh.TotalSpent -= spend.Stxo.Value

		// A same-block spend shared its txio with the funding side,
		// which the added-keys pass already removed.
		sameBlock := spend.Key.Height() == entry.Height &&
			spend.Key.Dup() == entry.DuplicateID
		if sameBlock {
			continue
		}

		// Clear the spend from the funding txio.
		fundSub, err := update.subHist(
			addr, spend.Key.Height(), spend.Key.Dup(),
		)
		if err != nil {
			return err
		}
		if txio, ok := fundSub.TxioMap[spend.Key]; ok {
			txio.HasIn = false
			txio.KeyIn = chaindb.Key{}
			fundSub.TxioMap[spend.Key] = txio
		}

		// Drop the spend-side txio recorded at this block.
		spendSub, err := update.subHist(
			addr, entry.Height, entry.DuplicateID,
		)
		if err != nil {
			return err
		}
		if _, ok := spendSub.TxioMap[spend.Key]; ok {
			delete(spendSub.TxioMap, spend.Key)
			ssh.TxioCount--
		}
	}

	if err := update.flush(); err != nil {
		return err
	}

	// Remove the block's tx hints and undo record.
	raw, err := batch.FetchRawBlock(entry.Height, entry.DuplicateID)
	if err == nil {
		var msgBlock wire.MsgBlock
		err := msgBlock.Deserialize(bytes.NewReader(raw))
		if err != nil {
			return err
		}
		block := btcutil.NewBlock(&msgBlock)
		for txIdx, tx := range block.Transactions() {
			prefix := chaindb.NewKey(
				entry.Height, entry.DuplicateID,
				uint16(txIdx), 0,
			).TxPrefix()
			err := batch.RemoveTxHint(tx.Hash(), prefix)
			if err != nil {
				return err
			}
		}
	} else if err != chaindb.ErrBlockNotFound {
		return err
	}

	err = batch.DeleteUndoData(entry.Height, entry.DuplicateID)
	if err != nil {
		return err
	}

	// Retreat the bookkeeping row to the block's parent.
	info, err := batch.FetchDBInfo()
	if err != nil {
		return err
	}
	info.TopBlkHgt = entry.Height - 1
	info.TopBlkHash = entry.Header.PrevBlock
	info.TopScannedBlkHash = entry.Header.PrevBlock
	info.AppliedToHgt = entry.Height - 1
	if err := batch.PutDBInfo(info); err != nil {
		return err
	}

	return w.maybePace()
}

// synthesizeUndo rebuilds a block's undo record from the raw block row and
// the stxo rows it references. Used during reorgs when the block predates
// undo persistence.
func (w *Writer) synthesizeUndo(batch *chaindb.Batch,
	entry *headerchain.Entry) (*chaindb.StoredUndoData, error) {

	raw, err := batch.FetchRawBlock(entry.Height, entry.DuplicateID)
	if err != nil {
		return nil, err
	}

	var msgBlock wire.MsgBlock
	if err := msgBlock.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, err
	}
	block := btcutil.NewBlock(&msgBlock)

	undo := &chaindb.StoredUndoData{
		BlockHash: *block.Hash(),
		Height:    entry.Height,
		Dup:       entry.DuplicateID,
	}

	for txIdx, tx := range block.Transactions() {
		for outIdx := range tx.MsgTx().TxOut {
			undo.AddedKeys = append(undo.AddedKeys, chaindb.NewKey(
				entry.Height, entry.DuplicateID,
				uint16(txIdx), uint16(outIdx),
			))
		}

		if blockchain.IsCoinBase(tx) {
			continue
		}

		for inIdx, txIn := range tx.MsgTx().TxIn {
			inKey := chaindb.NewKey(
				entry.Height, entry.DuplicateID,
				uint16(txIdx), uint16(inIdx),
			)

			outKey, stxo, err := w.lookupStxoForOutPoint(
				batch, &txIn.PreviousOutPoint,
			)
			if err != nil {
				return nil, err
			}

			// The undo record carries pre-spend state.
			prior := *stxo
			if prior.Spent && prior.SpentBy == inKey {
				prior.Spent = false
				prior.SpentBy = chaindb.Key{}
			}

			undo.SpentOuts = append(undo.SpentOuts,
				chaindb.UndoSpend{
					Key:  outKey,
					Stxo: prior,
				})
		}
	}

	return undo, nil
}

// lookupStxoForOutPoint resolves an outpoint against the store through the
// batch, taking the first stored candidate.
func (w *Writer) lookupStxoForOutPoint(batch *chaindb.Batch,
	op *wire.OutPoint) (chaindb.Key, *chaindb.StoredTxOut, error) {

	hints, err := batch.FetchTxHints(&op.Hash)
	if err != nil {
		return chaindb.Key{}, nil, err
	}

	for _, prefix := range hints {
		var key chaindb.Key
		copy(key[:chaindb.TxKeyLen], prefix[:])
		key = key.WithIndex(uint16(op.Index))

		stxo, err := batch.FetchStxo(key)
		if err == chaindb.ErrStxoNotFound {
			continue
		}
		if err != nil {
			return chaindb.Key{}, nil, err
		}

		return key, stxo, nil
	}

	return chaindb.Key{}, nil, &ErrSpentOutputMissing{OutPoint: *op}
}

// ReplayStoredRange fully applies the main-chain blocks in [start, end]
// from their stored raw rows. Used at startup to catch derived state up to
// the header chain after a crash or an undo-only reorg.
func (w *Writer) ReplayStoredRange(start, end uint32,
	filter scrfilter.AddressFilter) error {

	for height := start; height <= end; height++ {
		entry, ok := w.cfg.Chain.HeaderByHeight(height)
		if !ok {
			return fmt.Errorf("no main-branch header at height "+
				"%d", height)
		}

		block, err := w.fetchStoredBlock(entry)
		if err != nil {
			return err
		}

		if err := w.ApplyBlock(entry, block, filter); err != nil {
			w.Abort()
			return err
		}
	}

	return w.Flush()
}

// ScanBlockRange rebuilds script-history rows for the filter's addresses
// over main-chain blocks [start, end], reading raw blocks and stxo
// spentness already in the store. This is the side-scan driver: the raw and
// stxo rows exist, only the SSH family is (re)built for the scanned
// addresses.
func (w *Writer) ScanBlockRange(filter scrfilter.AddressFilter, start,
	end uint32) error {

	for height := start; height <= end; height++ {
		entry, ok := w.cfg.Chain.HeaderByHeight(height)
		if !ok {
			return fmt.Errorf("no main-branch header at height "+
				"%d", height)
		}

		raw, err := w.fetchRawBlock(entry.Height, entry.DuplicateID)
		if err == chaindb.ErrBlockNotFound {
			// Genesis payload may be absent; nothing to scan.
			continue
		}
		if err != nil {
			return err
		}

		var msgBlock wire.MsgBlock
		err = msgBlock.Deserialize(bytes.NewReader(raw))
		if err != nil {
			return err
		}

		err = w.scanStoredBlock(
			entry, btcutil.NewBlock(&msgBlock), filter,
		)
		if err != nil {
			return err
		}

		if err := w.maybePace(); err != nil {
			return err
		}
	}

	return w.Flush()
}

// scanStoredBlock re-derives the SSH rows one stored block contributes for
// the given filter, without touching stxo spentness (already recorded).
func (w *Writer) scanStoredBlock(entry *headerchain.Entry,
	block *btcutil.Block, filter scrfilter.AddressFilter) error {

	batch, err := w.ensureBatch()
	if err != nil {
		return err
	}

	update := &blockUpdate{
		batch:     batch,
		filter:    filter,
		subHists:  make(map[string]*chaindb.StoredSubHistory),
		summaries: make(map[chaindb.ScrAddr]*chaindb.StoredScriptHistory),
	}

	for txIdx, tx := range block.Transactions() {
		coinbase := blockchain.IsCoinBase(tx)

		for outIdx, txOut := range tx.MsgTx().TxOut {
			addr := chaindb.ScrAddrFromPkScript(
				txOut.PkScript, w.cfg.Params,
			)
			if !filter.MatchAddr(addr) {
				continue
			}

			key := chaindb.NewKey(
				entry.Height, entry.DuplicateID,
				uint16(txIdx), uint16(outIdx),
			)

			// The stored stxo knows whether the output has since
			// been spent.
			stxo, err := batch.FetchStxo(key)
			if err != nil {
				return err
			}

			sub, err := update.subHist(
				addr, entry.Height, entry.DuplicateID,
			)
			if err != nil {
				return err
			}
			if _, ok := sub.TxioMap[key]; ok {
				// Already indexed; side scans are
				// idempotent.
				continue
			}

			txio := chaindb.TxIOPair{
				KeyOut:       key,
				Value:        stxo.Value,
				FromCoinbase: coinbase,
				IsMultisig: chaindb.IsMultisigScript(
					txOut.PkScript,
				),
			}
			if stxo.Spent {
				txio.HasIn = true
				txio.KeyIn = stxo.SpentBy
			}
			sub.TxioMap[key] = txio

			ssh, err := update.summary(addr)
			if err != nil {
				return err
			}
			ssh.TotalReceived += stxo.Value
			ssh.TxioCount++

			// A spend that happened in a later, already-applied
			// block surfaces at its own height too.
			if stxo.Spent &&
				stxo.SpentBy.Height() != entry.Height {

				spendSub, err := update.subHist(
					addr, stxo.SpentBy.Height(),
					stxo.SpentBy.Dup(),
				)
				if err != nil {
					return err
				}
				if _, ok := spendSub.TxioMap[key]; !ok {
					spendSub.TxioMap[key] = txio
					ssh.TotalSpent += stxo.Value
					ssh.TxioCount++
				}
			} else if stxo.Spent {
				// Spent within the same block: one bucket
				// carries both sides.
				ssh.TotalSpent += stxo.Value
			}
		}
	}

	return update.flush()
}
