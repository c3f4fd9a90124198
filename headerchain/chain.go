package headerchain

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/blockdex/blockdex/blkfile"
)

// maxDuplicateID is the largest per-height duplicate index we'll assign.
// More siblings than this at a single height is treated as corruption.
const maxDuplicateID = 255

// ErrBlockCorruption is returned when organizing the header arena reveals an
// impossible structure: a cycle, a missing parent, or a genesis mismatch.
type ErrBlockCorruption struct {
	Reason string
	Hash   chainhash.Hash
}

// Error implements the error interface.
func (e *ErrBlockCorruption) Error() string {
	return fmt.Sprintf("block corruption at %v: %s", e.Hash, e.Reason)
}

// Entry is a single block header held in the arena, along with the derived
// state the rest of the engine depends on. Parent linkage is by hash only;
// entries never hold pointers into one another.
type Entry struct {
	// Header is the canonical 80-byte block header.
	Header wire.BlockHeader

	// Hash is the double-SHA256 of the serialized header.
	Hash chainhash.Hash

	// Height is the number of ancestors between this header and genesis.
	Height uint32

	// DuplicateID disambiguates sibling headers observed at the same
	// height, assigned in insertion order.
	DuplicateID uint8

	// MainBranch is true if this entry currently lies on the best chain.
	// At most one entry per height may have this set.
	MainBranch bool

	// Coord locates the raw block payload for this header, if known.
	Coord blkfile.Coord

	// resolved is set once the entry's height and duplicate ID have been
	// assigned, i.e. once it connects to genesis.
	resolved bool

	// work is the memoized cumulative proof of work from genesis through
	// this header.
	work *big.Int
}

// ReorgState describes the outcome of organizing the arena after new headers
// arrived.
type ReorgState struct {
	// HasNewTop is true if the best tip changed.
	HasNewTop bool

	// PrevTopStillValid is false iff the previously applied chain is no
	// longer a prefix of the best chain, i.e. a reorganization occurred.
	PrevTopStillValid bool

	// PrevTop is the tip before organizing.
	PrevTop *Entry

	// NewTop is the tip after organizing.
	NewTop *Entry

	// BranchPoint is the deepest ancestor common to the old and new
	// chains. On a clean extension it equals PrevTop.
	BranchPoint *Entry
}

// Chain is the in-memory header arena. It organizes all known headers into a
// best chain by cumulative proof of work, assigns per-height duplicate IDs,
// and answers the reorg queries the ingestion pipeline needs.
type Chain struct {
	mtx sync.RWMutex

	genesisHash chainhash.Hash

	// entries is the arena itself, keyed by header hash.
	entries map[chainhash.Hash]*Entry

	// byHeight holds, per height, all known siblings in duplicate-ID
	// order.
	byHeight map[uint32][]*Entry

	top *Entry
}

// New creates an empty chain expecting the given genesis hash.
func New(genesisHash chainhash.Hash) *Chain {
	return &Chain{
		genesisHash: genesisHash,
		entries:     make(map[chainhash.Hash]*Entry),
		byHeight:    make(map[uint32][]*Entry),
	}
}

// Reset drops every entry from the arena. Used by the forced rebuild
// path, which re-ingests headers from the block files.
func (c *Chain) Reset() {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	c.entries = make(map[chainhash.Hash]*Entry)
	c.byHeight = make(map[uint32][]*Entry)
	c.top = nil
}

// AddBlock inserts a header into the arena, returning its entry. Inserting a
// hash that's already present returns the existing entry untouched, so
// re-ingesting a block file is harmless. The entry's height and duplicate ID
// are resolved immediately if the parent is known, otherwise on the next
// Organize call.
func (c *Chain) AddBlock(hash chainhash.Hash, header wire.BlockHeader,
	coord blkfile.Coord) (*Entry, error) {

	c.mtx.Lock()
	defer c.mtx.Unlock()

	if e, ok := c.entries[hash]; ok {
		// Re-observation of a known header may carry a fresher file
		// coordinate, e.g. after block files were rewritten.
		if coord != (blkfile.Coord{}) {
			e.Coord = coord
		}
		return e, nil
	}

	e := &Entry{
		Header: header,
		Hash:   hash,
		Coord:  coord,
	}
	c.entries[hash] = e

	if hash == c.genesisHash {
		if err := c.indexAtHeight(e, 0); err != nil {
			return nil, err
		}
		return e, nil
	}

	if parent, ok := c.entries[header.PrevBlock]; ok && parent.resolved {
		if err := c.indexAtHeight(e, parent.Height+1); err != nil {
			return nil, err
		}
	}

	return e, nil
}

// indexAtHeight appends an entry to its height's sibling list, assigning the
// next duplicate ID. Must be called with the lock held, and only once per
// entry.
func (c *Chain) indexAtHeight(e *Entry, height uint32) error {
	siblings := c.byHeight[height]
	if len(siblings) > maxDuplicateID {
		return &ErrBlockCorruption{
			Reason: fmt.Sprintf("more than %d duplicates at "+
				"height %d", maxDuplicateID, height),
			Hash: e.Hash,
		}
	}

	e.Height = height
	e.DuplicateID = uint8(len(siblings))
	e.resolved = true
	c.byHeight[height] = append(siblings, e)
	return nil
}

// HeaderByHash returns the arena entry for the given hash.
func (c *Chain) HeaderByHash(hash chainhash.Hash) (*Entry, bool) {
	c.mtx.RLock()
	defer c.mtx.RUnlock()

	e, ok := c.entries[hash]
	return e, ok
}

// HeaderByHeight returns the main-branch entry at the given height.
func (c *Chain) HeaderByHeight(height uint32) (*Entry, bool) {
	c.mtx.RLock()
	defer c.mtx.RUnlock()

	return c.mainAtHeight(height)
}

// SiblingsAtHeight returns all known entries at the given height in
// duplicate-ID order.
func (c *Chain) SiblingsAtHeight(height uint32) []*Entry {
	c.mtx.RLock()
	defer c.mtx.RUnlock()

	out := make([]*Entry, len(c.byHeight[height]))
	copy(out, c.byHeight[height])
	return out
}

// HasHeaderWithHash reports whether the arena holds the given hash.
func (c *Chain) HasHeaderWithHash(hash chainhash.Hash) bool {
	c.mtx.RLock()
	defer c.mtx.RUnlock()

	_, ok := c.entries[hash]
	return ok
}

// Top returns the current best tip, or nil before the first organize.
func (c *Chain) Top() *Entry {
	c.mtx.RLock()
	defer c.mtx.RUnlock()

	return c.top
}

// Genesis returns the genesis entry, if it has been added.
func (c *Chain) Genesis() (*Entry, bool) {
	c.mtx.RLock()
	defer c.mtx.RUnlock()

	e, ok := c.entries[c.genesisHash]
	return e, ok
}

// NumHeaders returns the total number of headers in the arena, across all
// branches.
func (c *Chain) NumHeaders() int {
	c.mtx.RLock()
	defer c.mtx.RUnlock()

	return len(c.entries)
}

// Organize recomputes the best chain after new headers were added. It
// resolves heights for entries whose parents arrived late, finds the maximum
// cumulative-work tip, and flips the MainBranch bits across the old and new
// branches in one pass. Organize is idempotent: calling it again with no new
// headers returns ReorgState{HasNewTop: false, PrevTopStillValid: true}.
func (c *Chain) Organize() (*ReorgState, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	return c.organize(false)
}

// ForceOrganize behaves like Organize but re-marks the full main branch even
// if the tip didn't change. It's used at startup after the arena is reloaded
// from stored headers, when the MainBranch bits must be rebuilt from scratch.
func (c *Chain) ForceOrganize() (*ReorgState, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	return c.organize(true)
}

func (c *Chain) organize(force bool) (*ReorgState, error) {
	if _, ok := c.entries[c.genesisHash]; !ok {
		return nil, &ErrBlockCorruption{
			Reason: "genesis header not present",
			Hash:   c.genesisHash,
		}
	}

	if err := c.resolveHeights(); err != nil {
		return nil, err
	}

	best, err := c.findMostWork()
	if err != nil {
		return nil, err
	}

	prevTop := c.top
	state := &ReorgState{
		PrevTop:           prevTop,
		NewTop:            best,
		PrevTopStillValid: true,
		BranchPoint:       prevTop,
	}

	if prevTop != nil && best.Hash == prevTop.Hash && !force {
		return state, nil
	}

	state.HasNewTop = prevTop == nil || best.Hash != prevTop.Hash

	// Fast path: the new tip directly extends the old one, so the only
	// change is marking the new entry.
	if !force && prevTop != nil && best.Header.PrevBlock == prevTop.Hash {
		best.MainBranch = true
		c.top = best
		return state, nil
	}

	// Slow path: rebuild the main-branch marks from the new tip's path.
	newPath, err := c.pathToGenesis(best)
	if err != nil {
		return nil, err
	}
	newAtHeight := make(map[uint32]*Entry, len(newPath))
	for _, e := range newPath {
		newAtHeight[e.Height] = e
	}

	// Locate the branch point and clear the stale marks by walking the
	// old chain down until it meets the new path.
	if prevTop != nil && prevTop.Hash != best.Hash {
		cur := prevTop
		steps := 0
		for {
			if steps > len(c.entries) {
				return nil, &ErrBlockCorruption{
					Reason: "cycle while clearing stale " +
						"branch",
					Hash: prevTop.Hash,
				}
			}
			steps++

			if e, ok := newAtHeight[cur.Height]; ok &&
				e.Hash == cur.Hash {

				state.BranchPoint = cur
				break
			}

			cur.MainBranch = false

			parent, ok := c.entries[cur.Header.PrevBlock]
			if !ok {
				return nil, &ErrBlockCorruption{
					Reason: "missing parent on stale " +
						"branch",
					Hash: cur.Header.PrevBlock,
				}
			}
			cur = parent
		}

		if state.BranchPoint.Hash != prevTop.Hash {
			state.PrevTopStillValid = false
			log.Warnf("Best chain diverged from %v at height %d",
				prevTop.Hash, state.BranchPoint.Height)
		}
	}

	for _, e := range newPath {
		e.MainBranch = true
	}

	c.top = best
	return state, nil
}

// resolveHeights assigns heights and duplicate IDs to entries that were
// inserted before their parents arrived. Runs until a fixed point; with the
// lock held.
func (c *Chain) resolveHeights() error {
	for {
		progress := false
		for _, e := range c.entries {
			if e.resolved {
				continue
			}

			parent, ok := c.entries[e.Header.PrevBlock]
			if !ok || !parent.resolved {
				continue
			}

			err := c.indexAtHeight(e, parent.Height+1)
			if err != nil {
				return err
			}
			progress = true
		}

		if !progress {
			return nil
		}
	}
}

// findMostWork returns the entry with the greatest cumulative work. Ties
// retain the incumbent main chain so repeated organizes never churn.
func (c *Chain) findMostWork() (*Entry, error) {
	best := c.entries[c.genesisHash]
	bestWork := c.cumulativeWork(best)

	for _, e := range c.entries {
		if !e.resolved {
			continue
		}

		w := c.cumulativeWork(e)
		if w == nil {
			continue
		}

		switch w.Cmp(bestWork) {
		case 1:
			best, bestWork = e, w
		case 0:
			if tieBreakLess(e, best, c.top) {
				best = e
			}
		}
	}

	return best, nil
}

// cumulativeWork returns the total proof of work from genesis through e,
// memoizing along the way, or nil if e doesn't connect to genesis.
func (c *Chain) cumulativeWork(e *Entry) *big.Int {
	if e.work != nil {
		return e.work
	}

	var path []*Entry
	cur := e
	for cur.work == nil {
		if len(path) > len(c.entries) {
			return nil
		}
		path = append(path, cur)

		if cur.Hash == c.genesisHash {
			break
		}

		parent, ok := c.entries[cur.Header.PrevBlock]
		if !ok {
			return nil
		}
		if parent.work != nil {
			break
		}
		cur = parent
	}

	for i := len(path) - 1; i >= 0; i-- {
		p := path[i]
		w := blockchain.CalcWork(p.Header.Bits)
		if p.Hash != c.genesisHash {
			parent := c.entries[p.Header.PrevBlock]
			w = new(big.Int).Add(w, parent.work)
		}
		p.work = w
	}

	return e.work
}

// tieBreakLess reports whether candidate should replace incumbent on equal
// work. The incumbent main chain always wins; otherwise the taller entry,
// then the lower duplicate ID, then the lexicographically smaller hash,
// keeping the choice
// deterministic and idempotent under re-organize.
func tieBreakLess(candidate, incumbent, top *Entry) bool {
	if incumbent.MainBranch || incumbent == top {
		return false
	}
	if candidate.MainBranch || candidate == top {
		return true
	}
	if candidate.Height != incumbent.Height {
		return candidate.Height > incumbent.Height
	}
	if candidate.DuplicateID != incumbent.DuplicateID {
		return candidate.DuplicateID < incumbent.DuplicateID
	}
	return candidate.Hash.String() < incumbent.Hash.String()
}

// pathToGenesis collects the entries from e back to genesis, tip first.
func (c *Chain) pathToGenesis(e *Entry) ([]*Entry, error) {
	var path []*Entry
	cur := e
	for {
		if len(path) > len(c.entries) {
			return nil, &ErrBlockCorruption{
				Reason: "cycle while walking to genesis",
				Hash:   e.Hash,
			}
		}
		path = append(path, cur)

		if cur.Hash == c.genesisHash {
			return path, nil
		}

		parent, ok := c.entries[cur.Header.PrevBlock]
		if !ok {
			return nil, &ErrBlockCorruption{
				Reason: "missing parent while walking to " +
					"genesis",
				Hash: cur.Header.PrevBlock,
			}
		}
		cur = parent
	}
}

func (c *Chain) mainAtHeight(height uint32) (*Entry, bool) {
	for _, e := range c.byHeight[height] {
		if e.MainBranch {
			return e, true
		}
	}
	return nil, false
}

// FindReorgPointFromBlock computes the reorg state relative to an arbitrary
// previously applied tip, used at startup when the persisted applied-to hash
// may no longer be on the main chain. If the old tip fell off the best
// chain, the returned state has PrevTopStillValid=false and BranchPoint set
// to the deepest ancestor the old tip shares with the current best chain.
func (c *Chain) FindReorgPointFromBlock(oldTopHash chainhash.Hash) (
	*ReorgState, error) {

	c.mtx.RLock()
	defer c.mtx.RUnlock()

	oldTop, ok := c.entries[oldTopHash]
	if !ok {
		return nil, &ErrBlockCorruption{
			Reason: "previously applied tip unknown",
			Hash:   oldTopHash,
		}
	}

	state := &ReorgState{
		HasNewTop:         c.top != nil && c.top.Hash != oldTopHash,
		PrevTopStillValid: oldTop.MainBranch,
		PrevTop:           oldTop,
		NewTop:            c.top,
		BranchPoint:       oldTop,
	}
	if oldTop.MainBranch {
		return state, nil
	}

	cur := oldTop
	steps := 0
	for !cur.MainBranch {
		if steps > len(c.entries) {
			return nil, &ErrBlockCorruption{
				Reason: "cycle while searching for branch " +
					"point",
				Hash: oldTopHash,
			}
		}
		steps++

		parent, ok := c.entries[cur.Header.PrevBlock]
		if !ok {
			return nil, &ErrBlockCorruption{
				Reason: "missing parent while searching for " +
					"branch point",
				Hash: cur.Header.PrevBlock,
			}
		}
		cur = parent
	}

	state.BranchPoint = cur
	return state, nil
}

// ChainBetween returns the main-branch entries in (branchPoint, tip],
// ascending by height.
func (c *Chain) ChainBetween(branchPoint, tip *Entry) []*Entry {
	c.mtx.RLock()
	defer c.mtx.RUnlock()

	var out []*Entry
	for h := branchPoint.Height + 1; h <= tip.Height; h++ {
		e, ok := c.mainAtHeight(h)
		if !ok {
			break
		}
		out = append(out, e)
	}
	return out
}

// BranchBetween returns the entries walking back from tip down to, but not
// including, branchPoint, in descending height order. The walk follows
// parent hashes, so it works for stale branches as well.
func (c *Chain) BranchBetween(branchPoint, tip *Entry) ([]*Entry, error) {
	c.mtx.RLock()
	defer c.mtx.RUnlock()

	var out []*Entry
	cur := tip
	for cur.Hash != branchPoint.Hash {
		if len(out) > len(c.entries) {
			return nil, &ErrBlockCorruption{
				Reason: "cycle while walking branch",
				Hash:   tip.Hash,
			}
		}
		out = append(out, cur)

		parent, ok := c.entries[cur.Header.PrevBlock]
		if !ok {
			return nil, &ErrBlockCorruption{
				Reason: "missing parent while walking branch",
				Hash:   cur.Header.PrevBlock,
			}
		}
		cur = parent
	}
	return out, nil
}
