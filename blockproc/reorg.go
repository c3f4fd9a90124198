package blockproc

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/blockdex/blockdex/chaindb"
	"github.com/blockdex/blockdex/headerchain"
	"github.com/blockdex/blockdex/scrfilter"
)

// ReorgResult reports the transaction-level effects of a reorganization.
// Transactions present in both the discarded and the adopted branch remain
// valid and appear in neither list.
type ReorgResult struct {
	// BranchPoint is the deepest common ancestor of the two chains.
	BranchPoint *headerchain.Entry

	// RemovedTxes are the hashes of transactions confirmed only in the
	// discarded branch.
	RemovedTxes []chainhash.Hash

	// AddedTxes are the hashes of transactions confirmed only in the
	// adopted branch.
	AddedTxes []chainhash.Hash
}

// ProcessReorg reacts to a ReorgState with PrevTopStillValid=false: it
// undoes the old chain from its tip down to the branch point using stored
// undo records, rewrites the header rows whose main-branch bits flipped,
// and replays the new branch forward. With onlyUndo set the forward replay
// is skipped, leaving the regular ingestion loop to rejoin at branch+1;
// this is the startup path when the last-applied hash fell off the main
// chain.
//
// The undo and replay run through the writer's single batch discipline, so
// a reader observes either the pre-reorg or the post-reorg top, never a
// half-unwound store.
func (w *Writer) ProcessReorg(state *headerchain.ReorgState,
	filter scrfilter.AddressFilter, onlyUndo bool) (*ReorgResult, error) {

	if state.PrevTopStillValid {
		return nil, fmt.Errorf("no reorganization to process")
	}
	if state.BranchPoint == nil {
		return nil, fmt.Errorf("reorg state carries no branch point")
	}

	branchPoint := state.BranchPoint
	log.Warnf("Blockchain reorganization detected! Undoing to branch "+
		"point at height %d (%d block(s) deep)", branchPoint.Height,
		state.PrevTop.Height-branchPoint.Height)

	result := &ReorgResult{BranchPoint: branchPoint}

	// Walk the discarded branch from the old tip down to, but not
	// including, the branch point.
	oldBranch, err := w.cfg.Chain.BranchBetween(branchPoint, state.PrevTop)
	if err != nil {
		return nil, err
	}

	removed := make(map[chainhash.Hash]struct{})
	for _, entry := range oldBranch {
		block, err := w.fetchStoredBlock(entry)
		if err != nil {
			return nil, err
		}

		for _, tx := range block.Transactions() {
			removed[*tx.Hash()] = struct{}{}
		}

		if err := w.UndoBlock(entry, filter); err != nil {
			w.Abort()
			return nil, err
		}
	}

	// Rewrite the header rows whose duplicate-ID main-branch bits
	// changed, from the branch point forward on both branches.
	if err := w.updateBranchBits(branchPoint, state, oldBranch); err != nil {
		w.Abort()
		return nil, err
	}

	if err := w.Flush(); err != nil {
		return nil, err
	}

	added := make(map[chainhash.Hash]struct{})
	if !onlyUndo {
		// Replay the adopted branch forward to the new tip.
		newBranch := w.cfg.Chain.ChainBetween(
			branchPoint, state.NewTop,
		)
		for _, entry := range newBranch {
			block, err := w.fetchStoredBlock(entry)
			if err != nil {
				return nil, err
			}

			for _, tx := range block.Transactions() {
				added[*tx.Hash()] = struct{}{}
			}

			err = w.ApplyBlock(entry, block, filter)
			if err != nil {
				w.Abort()
				return nil, err
			}
		}

		if err := w.Flush(); err != nil {
			return nil, err
		}
	}

	// Report only the txs unique to each branch.
	for hash := range removed {
		if _, ok := added[hash]; !ok {
			result.RemovedTxes = append(result.RemovedTxes, hash)
		}
	}
	for hash := range added {
		if _, ok := removed[hash]; !ok {
			result.AddedTxes = append(result.AddedTxes, hash)
		}
	}

	log.Infof("Reorganization complete: %d block(s) undone, %d tx(es) "+
		"removed, %d tx(es) added", len(oldBranch),
		len(result.RemovedTxes), len(result.AddedTxes))

	return result, nil
}

// updateBranchBits persists the flipped main-branch flags for every sibling
// at the heights the reorg touched.
func (w *Writer) updateBranchBits(branchPoint *headerchain.Entry,
	state *headerchain.ReorgState,
	oldBranch []*headerchain.Entry) error {

	batch, err := w.ensureBatch()
	if err != nil {
		return err
	}

	maxHeight := state.NewTop.Height
	for _, e := range oldBranch {
		if e.Height > maxHeight {
			maxHeight = e.Height
		}
	}

	for h := branchPoint.Height + 1; h <= maxHeight; h++ {
		for _, sibling := range w.cfg.Chain.SiblingsAtHeight(h) {
			err := batch.PutStoredHeader(&chaindb.StoredHeader{
				Header:     sibling.Header,
				Height:     sibling.Height,
				Dup:        sibling.DuplicateID,
				MainBranch: sibling.MainBranch,
				Coord:      sibling.Coord,
			})
			if err != nil {
				return err
			}
		}
	}

	return nil
}

// fetchStoredBlock loads and parses the raw block row for a header entry.
func (w *Writer) fetchStoredBlock(entry *headerchain.Entry) (*btcutil.Block,
	error) {

	raw, err := w.fetchRawBlock(entry.Height, entry.DuplicateID)
	if err != nil {
		return nil, fmt.Errorf("no stored block for height %d dup "+
			"%d: %w", entry.Height, entry.DuplicateID, err)
	}

	var msgBlock wire.MsgBlock
	if err := msgBlock.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, err
	}

	block := btcutil.NewBlock(&msgBlock)
	block.SetHeight(int32(entry.Height))
	return block, nil
}
