package blockdex

import (
	"sync"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/blockdex/blockdex/blkfile"
	"github.com/blockdex/blockdex/blockproc"
	"github.com/blockdex/blockdex/chaindb"
	"github.com/blockdex/blockdex/headerchain"
	"github.com/blockdex/blockdex/ntfns"
	"github.com/blockdex/blockdex/scrfilter"
)

// BlockDataManager is the ingestion side of the engine: it discovers raw
// block files, organizes headers into a best chain, applies main-chain
// blocks to the persistent store, reacts to reorganizations, and publishes
// events on the notification bus. A single goroutine drives ingestion;
// queries run concurrently through the viewer.
type BlockDataManager struct {
	started sync.Once
	stopped sync.Once

	cfg Config

	db     *chaindb.DB
	chain  *headerchain.Chain
	reader *blkfile.Reader
	writer *blockproc.Writer
	filter *scrfilter.ScrAddrFilter
	bus    *ntfns.SubscriptionManager

	// ingestMtx serializes the ingestion entry points.
	ingestMtx sync.Mutex

	// curFile and curOffset locate the next frame candidate in the block
	// file sequence.
	curFile   uint16
	curOffset uint64

	// endOfLastBlockByte is the global high-water mark of consumed block
	// file bytes.
	endOfLastBlockByte uint64

	// blkLogger rate-limits the per-block progress lines emitted during
	// long scans.
	blkLogger *blockProgressLogger

	missingMtx sync.Mutex
	missing    []chainhash.Hash
}

// NewBlockDataManager wires the engine together over the given
// configuration. The store is opened (and its network binding verified)
// here; call DoInitialSyncOnLoad to bring derived state up to date.
func NewBlockDataManager(cfg Config) (*BlockDataManager, error) {
	if err := cfg.normalize(); err != nil {
		return nil, err
	}

	db, err := chaindb.New(cfg.DB, cfg.magic())
	if err != nil {
		return nil, err
	}

	chain := headerchain.New(*cfg.Params.GenesisHash)
	reader := blkfile.NewReader(cfg.BlockFileDir, cfg.magic())

	writerCfg := blockproc.Config{
		DB:                db,
		Chain:             chain,
		Params:            cfg.Params,
		UpdateBytesThresh: cfg.UpdateBytesThresh,
	}

	b := &BlockDataManager{
		cfg:    cfg,
		db:     db,
		chain:  chain,
		reader: reader,
		writer: blockproc.NewWriter(writerCfg),
		bus:    ntfns.NewSubscriptionManager(),
		blkLogger: newBlockProgressLogger(
			"Processed", log,
		),
	}

	b.filter = scrfilter.New(scrfilter.Config{
		SuperNode: cfg.SuperNode,
		CurrentTop: func() uint32 {
			if top := chain.Top(); top != nil {
				return top.Height
			}
			return 0
		},
		ScanRange: func(filter scrfilter.AddressFilter, start,
			end uint32) error {

			// Side scans get their own writer so the back-fill
			// never shares a transaction with the main pipeline.
			w := blockproc.NewWriter(writerCfg)
			return w.ScanBlockRange(filter, start, end)
		},
		WipeHistories: db.WipeSubHistories,
	})

	// Rebuild the in-memory header arena from the store.
	if err := b.loadHeaders(); err != nil {
		return nil, err
	}

	return b, nil
}

// Start launches the side-scan worker and the notification bus.
func (b *BlockDataManager) Start() {
	b.started.Do(func() {
		b.bus.Start()
		b.filter.Start()
	})
}

// Stop shuts down the bus and the side-scan worker.
func (b *BlockDataManager) Stop() {
	b.stopped.Do(func() {
		b.filter.Stop()
		b.bus.Stop()
	})
}

// Notifications exposes the event bus for subscribers.
func (b *BlockDataManager) Notifications() *ntfns.SubscriptionManager {
	return b.bus
}

// Filter exposes the live script-address filter.
func (b *BlockDataManager) Filter() *scrfilter.ScrAddrFilter {
	return b.filter
}

// DB exposes the persistent store for read-side collaborators.
func (b *BlockDataManager) DB() *chaindb.DB {
	return b.db
}

// Chain exposes the header chain for read-side collaborators.
func (b *BlockDataManager) Chain() *headerchain.Chain {
	return b.chain
}

// MissingBlockHashes returns the hashes of blocks skipped due to
// corruption so far.
func (b *BlockDataManager) MissingBlockHashes() []chainhash.Hash {
	b.missingMtx.Lock()
	defer b.missingMtx.Unlock()

	out := make([]chainhash.Hash, len(b.missing))
	copy(out, b.missing)
	return out
}

// recordMissing appends a corrupted block's hash to the missing list.
func (b *BlockDataManager) recordMissing(hash chainhash.Hash) {
	b.missingMtx.Lock()
	defer b.missingMtx.Unlock()
	b.missing = append(b.missing, hash)
}

// loadHeaders rebuilds the header arena from the HEADERS table and
// restores the ingest cursor to the high-water mark of stored payloads.
func (b *BlockDataManager) loadHeaders() error {
	count := 0
	err := b.db.ForEachHeader(func(hdr *chaindb.StoredHeader) error {
		hash := hdr.Header.BlockHash()
		_, err := b.chain.AddBlock(hash, hdr.Header, hdr.Coord)
		if err != nil {
			return err
		}
		count++

		if hdr.Coord.File > b.curFile {
			b.curFile = hdr.Coord.File
			b.curOffset = 0
		}
		if hdr.Coord.File == b.curFile {
			end := hdr.Coord.Offset + uint64(hdr.Coord.Size)
			if end > b.curOffset {
				b.curOffset = end
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	if count == 0 {
		return nil
	}

	if _, err := b.chain.ForceOrganize(); err != nil {
		return err
	}

	log.Infof("Loaded %d header(s); resuming at file %d offset %d",
		count, b.curFile, b.curOffset)
	return nil
}

// DoInitialSyncOnLoad brings the store up to date with the block files:
// verify the network binding, recover from a stale applied tip (undo to
// the branch point, then rejoin), replay any stored-but-unapplied blocks,
// and finally scan the block files forward from the high-water mark. An
// Init notification is published when the catch-up completes.
func (b *BlockDataManager) DoInitialSyncOnLoad() error {
	b.ingestMtx.Lock()
	defer b.ingestMtx.Unlock()

	files, err := b.reader.EnumerateFiles()
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return ErrNoBlockFiles
	}

	// The first frame of the first file must carry our network's magic.
	if _, err := b.reader.FirstHeaderHashOfFile(0); err != nil {
		return err
	}

	// If the previously applied tip fell off the main chain while we
	// were down, undo back to the branch point before anything else.
	if err := b.recoverStaleTip(); err != nil {
		return err
	}

	// Replay main-chain blocks that are stored but not yet applied
	// (crash recovery and post-undo rejoin share this path).
	if err := b.catchupFromStore(); err != nil {
		return err
	}

	// Scan the files for data we haven't consumed yet.
	if _, err := b.ingest(true); err != nil {
		return err
	}

	top := b.chain.Top()
	var topHeight uint32
	if top != nil {
		topHeight = top.Height
	}

	log.Infof("Initial sync complete: top height %d, %d header(s)",
		topHeight, b.chain.NumHeaders())
	b.bus.Publish(&ntfns.Init{TopHeight: topHeight})
	return nil
}

// recoverStaleTip checks whether the persisted applied-to hash still lies
// on the main chain and, if not, undoes down to the branch point. The
// forward replay is left to catchupFromStore.
func (b *BlockDataManager) recoverStaleTip() error {
	info, err := b.db.FetchDBInfo()
	if err != nil {
		return err
	}

	var zero chainhash.Hash
	if info.TopBlkHash == zero {
		return nil
	}

	entry, ok := b.chain.HeaderByHash(info.TopBlkHash)
	if !ok || entry.MainBranch {
		return nil
	}

	log.Warnf("Applied tip %v is no longer on the main chain",
		info.TopBlkHash)

	state, err := b.chain.FindReorgPointFromBlock(info.TopBlkHash)
	if err != nil {
		return err
	}

	_, err = b.writer.ProcessReorg(state, b.filter, true)
	return err
}

// catchupFromStore applies stored main-chain blocks above the applied-to
// height.
func (b *BlockDataManager) catchupFromStore() error {
	top := b.chain.Top()
	if top == nil {
		return nil
	}

	info, err := b.db.FetchDBInfo()
	if err != nil {
		return err
	}

	var zero chainhash.Hash
	start := uint32(0)
	if info.TopBlkHash != zero {
		start = info.AppliedToHgt + 1
	}
	if start > top.Height {
		return nil
	}

	log.Infof("Replaying stored blocks [%d, %d]", start, top.Height)
	return b.writer.ReplayStoredRange(start, top.Height, b.filter)
}

// ReadBlkFileUpdate performs one incremental ingest pass: fold any pending
// side-scan merges, then consume freshly appended frames (straddling a
// file split if one happened), organizing and applying as it goes. It
// returns the number of blocks read.
func (b *BlockDataManager) ReadBlkFileUpdate() (uint32, error) {
	b.ingestMtx.Lock()
	defer b.ingestMtx.Unlock()

	return b.ingest(false)
}

// ingest consumes block files from the current cursor until no more data
// is available. During the initial scan, framing mismatches resync; during
// incremental updates they halt the pass (the node is still writing).
func (b *BlockDataManager) ingest(initial bool) (uint32, error) {
	// No block may be applied against a filter that's mid-merge.
	b.filter.CheckForMerge()

	var est *rateEstimator
	if initial && b.cfg.Progress != nil {
		files, err := b.reader.EnumerateFiles()
		if err == nil {
			var total uint64
			for _, f := range files {
				total += f.Size
			}
			est = newRateEstimator(total)
		}
	}

	var blocksRead uint32
	for {
		n, err := b.ingestFile(initial)
		blocksRead += n
		if err != nil {
			return blocksRead, err
		}

		if est != nil {
			fraction, eta := est.advance(
				b.globalOffset(b.curFile, b.curOffset),
			)
			b.cfg.Progress.Progress(
				PhaseBuildingDatabases, fraction, eta,
			)
		}

		// Straddle into the next file if the node split.
		if !b.reader.DetectFileSplit(b.curFile) {
			break
		}

		log.Infof("New block file split! Following to file %d",
			b.curFile+1)
		b.curFile++
		b.curOffset = 0
	}

	if err := b.writer.Flush(); err != nil {
		return blocksRead, err
	}

	return blocksRead, nil
}

// ingestFile consumes the current file from the cursor position.
func (b *BlockDataManager) ingestFile(initial bool) (uint32, error) {
	cursor, err := b.reader.IterateBlocks(
		b.curFile, b.curOffset, !initial,
	)
	if err == blkfile.ErrFileNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer cursor.Close()

	var blocksRead uint32
	for {
		blk, err := cursor.Next()
		if err == blkfile.ErrFileAbandoned {
			// Whole-file corruption: move on to the next file if
			// one exists; otherwise stop here.
			log.Errorf("Abandoning block file %d", b.curFile)
			b.curOffset = cursor.Offset()
			return blocksRead, nil
		}
		if err != nil {
			return blocksRead, err
		}
		if blk == nil {
			break
		}

		if err := b.processBlock(blk, initial); err != nil {
			return blocksRead, err
		}
		blocksRead++
	}

	b.curOffset = cursor.Offset()
	b.endOfLastBlockByte = b.globalOffset(b.curFile, b.curOffset)
	return blocksRead, nil
}

// globalOffset converts a (file, offset) cursor into the global byte
// offset over the dense file sequence.
func (b *BlockDataManager) globalOffset(file uint16, offset uint64) uint64 {
	var global uint64
	for n := uint16(0); n < file; n++ {
		size, err := b.reader.FileSize(n)
		if err != nil {
			break
		}
		global += size
	}
	return global + offset
}

// EndOfLastBlockByte returns the global high-water mark of consumed block
// file bytes.
func (b *BlockDataManager) EndOfLastBlockByte() uint64 {
	return b.endOfLastBlockByte
}

// processBlock feeds one framed block through the header chain and the
// writer, dispatching a reorganization if organizing demands one.
func (b *BlockDataManager) processBlock(blk *blkfile.Block,
	initial bool) error {

	hash := blk.Header.BlockHash()

	entry, err := b.chain.AddBlock(hash, blk.Header, blk.Coord)
	if err != nil {
		return err
	}

	block, err := btcutil.NewBlockFromBytes(blk.RawPayload)
	if err != nil {
		// Header framed fine but the body doesn't parse: skip the
		// block, remember its hash, keep ingesting.
		log.Errorf("Unparseable block %v at file %d offset %d "+
			"(size %d): %v", hash, blk.Coord.File,
			blk.Coord.Offset, blk.Coord.Size, err)
		b.recordMissing(hash)
		return nil
	}

	state, err := b.chain.Organize()
	if err != nil {
		return err
	}

	switch {
	case !state.PrevTopStillValid:
		// The new block displaced the previously applied chain.
		// Store its payload first so the replay finds it.
		err := b.writer.StoreRawBlock(entry, block)
		if err != nil {
			return err
		}
		if err := b.writer.Flush(); err != nil {
			return err
		}

		_, err = b.writer.ProcessReorg(state, b.filter, false)
		if err != nil {
			return err
		}

		if !initial {
			b.publishNewBlock(state)
		}

	case state.HasNewTop:
		err := b.writer.ApplyBlock(entry, block, b.filter)
		if err != nil {
			return err
		}
		b.blkLogger.LogBlockHeight(&entry.Header, entry.Height)

		if !initial {
			if err := b.writer.Flush(); err != nil {
				return err
			}
			b.publishNewBlock(state)
		}

	default:
		// A fork block that didn't displace the main chain: store
		// the payload and wait.
		log.Warnf("Block %v did not extend the main chain", hash)
		err := b.writer.StoreRawBlock(entry, block)
		if err != nil {
			return err
		}
	}

	return nil
}

// publishNewBlock emits a NewBlock event, attaching the zero-conf purge
// packet for any mempool transactions the new chain segment confirmed.
func (b *BlockDataManager) publishNewBlock(state *headerchain.ReorgState) {
	event := &ntfns.NewBlock{Reorg: *state}

	if b.cfg.ZeroConf != nil && state.NewTop != nil {
		start := uint32(0)
		if state.BranchPoint != nil {
			start = state.BranchPoint.Height + 1
		} else if state.PrevTop != nil {
			start = state.PrevTop.Height + 1
		}

		var confirmed []chainhash.Hash
		for h := start; h <= state.NewTop.Height; h++ {
			entry, ok := b.chain.HeaderByHeight(h)
			if !ok {
				continue
			}
			block, err := b.fetchBlock(entry)
			if err != nil {
				continue
			}
			for _, tx := range block.Transactions() {
				confirmed = append(confirmed, *tx.Hash())
			}
		}

		mined := b.cfg.ZeroConf.ZCKeysForTxHashes(confirmed)
		if len(mined) > 0 {
			event.Purge = &ntfns.ZcPurgePacket{
				MinedKeys:       mined,
				InvalidatedKeys: mined,
			}
		}
	}

	b.bus.Publish(event)
}

// fetchBlock loads and parses a stored block for a header entry.
func (b *BlockDataManager) fetchBlock(
	entry *headerchain.Entry) (*btcutil.Block, error) {

	raw, err := b.db.FetchRawBlock(entry.Height, entry.DuplicateID)
	if err != nil {
		return nil, err
	}
	return btcutil.NewBlockFromBytes(raw)
}

// NotifyZC publishes a mempool delta on the bus. The zero-conf engine
// calls this when its snapshot changes.
func (b *BlockDataManager) NotifyZC(packet ntfns.ZcPacket) {
	b.bus.Publish(&ntfns.ZC{Packet: packet})
}

// RebuildAndRescan wipes all derived state (script histories, stxos, raw
// block rows, bookkeeping) and re-ingests every block file from scratch.
// The final state matches a cold import of the same files. A Refresh
// notification with the AndRescan scope is published on completion.
func (b *BlockDataManager) RebuildAndRescan() error {
	b.ingestMtx.Lock()
	defer b.ingestMtx.Unlock()

	log.Warnf("Forced rebuild: wiping derived state and block data")

	if err := b.db.WipeDerivedState(); err != nil {
		return err
	}
	if err := b.db.WipeBlockData(); err != nil {
		return err
	}
	if err := b.db.WipeHeaders(); err != nil {
		return err
	}

	// The arena rebuilds from the files along with everything else.
	b.chain.Reset()

	// Reset the bookkeeping row before the scan repopulates everything.
	batch, err := b.db.NewBatch()
	if err != nil {
		return err
	}
	err = batch.PutDBInfo(&chaindb.StoredDBInfo{Magic: b.cfg.magic()})
	if err != nil {
		batch.Rollback()
		return err
	}
	if err := batch.Commit(); err != nil {
		return err
	}

	// Rewind the cursor and consume everything again.
	b.curFile = 0
	b.curOffset = 0
	b.endOfLastBlockByte = 0

	if _, err := b.ingest(true); err != nil {
		return err
	}

	b.bus.Publish(&ntfns.Refresh{Scope: ntfns.AndRescan})
	return nil
}

// GetTopBlockHeight returns the current main-chain tip height.
func (b *BlockDataManager) GetTopBlockHeight() uint32 {
	if top := b.chain.Top(); top != nil {
		return top.Height
	}
	return 0
}
