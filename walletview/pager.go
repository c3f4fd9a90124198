package walletview

import (
	"fmt"
	"sort"
	"sync"

	"github.com/blockdex/blockdex/chaindb"
)

// DefaultTxioPerPage is the target number of txios a history page holds.
const DefaultTxioPerPage = 100

// ErrPageOutOfRange is returned for page indexes past the end of the
// pager.
var ErrPageOutOfRange = fmt.Errorf("history page out of range")

// PagingOutcome reports whether a repage call found anything to do.
type PagingOutcome uint8

const (
	// AlreadyPaged means the page layout was already current.
	AlreadyPaged PagingOutcome = iota

	// Repaged means the page layout was rebuilt.
	Repaged
)

// Page describes one bucket of the paged history: a contiguous span of
// block heights holding roughly the target txio count.
type Page struct {
	// Top is the highest block height in the page (inclusive).
	Top uint32

	// Bottom is the lowest block height in the page (inclusive).
	Bottom uint32

	// Count is the number of txios the span held when the layout was
	// built.
	Count uint32
}

// pageCacheEntry memoizes one built page keyed by the updateID that built
// it.
type pageCacheEntry struct {
	updateID uint64
	entries  []LedgerEntry
}

// HistoryPager partitions a wallet group's combined history into
// fixed-target-size pages ordered by descending block height. Page layouts
// derive from per-height txio counts; built page contents are memoized by
// the global update ID, so the same (page, updateID) pair always yields the
// identical ledger.
type HistoryPager struct {
	// mtx serializes full-page rebuilds across wallets.
	mtx sync.Mutex

	txioPerPage uint32

	// pages is the current layout, index 0 = newest.
	pages []Page

	// counts is the per-height txio count snapshot the layout was built
	// from.
	counts map[uint32]uint32

	cache map[int]pageCacheEntry
}

// NewHistoryPager creates a pager with the given page size target, or
// DefaultTxioPerPage when zero.
func NewHistoryPager(txioPerPage uint32) *HistoryPager {
	if txioPerPage == 0 {
		txioPerPage = DefaultTxioPerPage
	}
	return &HistoryPager{
		txioPerPage: txioPerPage,
		cache:       make(map[int]pageCacheEntry),
	}
}

// Repage rebuilds the page layout from a per-height txio count snapshot.
// If the snapshot matches the current layout's, the call reports
// AlreadyPaged and leaves the memoized pages intact.
func (p *HistoryPager) Repage(counts map[uint32]uint32) PagingOutcome {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	if countsEqual(p.counts, counts) {
		return AlreadyPaged
	}

	heights := make([]uint32, 0, len(counts))
	for h := range counts {
		heights = append(heights, h)
	}
	sort.Slice(heights, func(i, j int) bool {
		return heights[i] > heights[j]
	})

	var pages []Page
	var cur *Page
	for _, h := range heights {
		n := counts[h]
		if cur == nil {
			pages = append(pages, Page{Top: h, Bottom: h, Count: n})
			cur = &pages[len(pages)-1]
			continue
		}

		// A height's txios never split across pages; the page closes
		// once it reaches the target.
		if cur.Count >= p.txioPerPage {
			pages = append(pages, Page{Top: h, Bottom: h, Count: n})
			cur = &pages[len(pages)-1]
			continue
		}

		cur.Bottom = h
		cur.Count += n
	}

	p.pages = pages
	p.counts = copyCounts(counts)
	p.cache = make(map[int]pageCacheEntry)

	return Repaged
}

// PageCount returns the number of pages in the current layout. An empty
// history still reports one (empty) page.
func (p *HistoryPager) PageCount() int {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	if len(p.pages) == 0 {
		return 1
	}
	return len(p.pages)
}

// PageBottom returns the lowest block height included in page i.
func (p *HistoryPager) PageBottom(i int) (uint32, error) {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	page, err := p.pageLocked(i)
	if err != nil {
		return 0, err
	}
	return page.Bottom, nil
}

// PageRange returns the inclusive (bottom, top) height span of page i.
func (p *HistoryPager) PageRange(i int) (uint32, uint32, error) {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	page, err := p.pageLocked(i)
	if err != nil {
		return 0, 0, err
	}
	return page.Bottom, page.Top, nil
}

func (p *HistoryPager) pageLocked(i int) (Page, error) {
	if len(p.pages) == 0 {
		if i == 0 {
			return Page{}, nil
		}
		return Page{}, ErrPageOutOfRange
	}
	if i < 0 || i >= len(p.pages) {
		return Page{}, ErrPageOutOfRange
	}
	return p.pages[i], nil
}

// PageIDForBlockHeight returns the index of the page whose span contains
// the given height. Heights above the newest page map to page 0; heights
// below the oldest map to the last page.
func (p *HistoryPager) PageIDForBlockHeight(height uint32) int {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	if len(p.pages) == 0 {
		return 0
	}

	for i, page := range p.pages {
		if height > page.Top {
			return i
		}
		if height >= page.Bottom {
			return i
		}
	}
	return len(p.pages) - 1
}

// BlockInVicinity returns the top height of the page containing the given
// height, anchoring a UI scroll position to a stable block.
func (p *HistoryPager) BlockInVicinity(height uint32) uint32 {
	id := p.PageIDForBlockHeight(height)

	p.mtx.Lock()
	defer p.mtx.Unlock()

	if len(p.pages) == 0 {
		return 0
	}
	return p.pages[id].Top
}

// PageLedgerMap returns the built ledger for a page, memoized by updateID.
// getTxios collects the raw txios over the page's height span;
// buildLedgers turns them into sorted entries. A cached page built at the
// same updateID is returned as-is, byte-identical to the first build.
func (p *HistoryPager) PageLedgerMap(pageID int, updateID uint64,
	getTxios func(bottom, top uint32) (map[chaindb.Key]chaindb.TxIOPair,
		error),
	buildLedgers func(map[chaindb.Key]chaindb.TxIOPair) ([]LedgerEntry,
		error)) ([]LedgerEntry, error) {

	p.mtx.Lock()
	page, err := p.pageLocked(pageID)
	if err != nil {
		p.mtx.Unlock()
		return nil, err
	}

	if cached, ok := p.cache[pageID]; ok && cached.updateID == updateID {
		p.mtx.Unlock()
		return cached.entries, nil
	}
	p.mtx.Unlock()

	txios, err := getTxios(page.Bottom, page.Top)
	if err != nil {
		return nil, err
	}

	entries, err := buildLedgers(txios)
	if err != nil {
		return nil, err
	}

	p.mtx.Lock()
	p.cache[pageID] = pageCacheEntry{
		updateID: updateID,
		entries:  entries,
	}
	p.mtx.Unlock()

	return entries, nil
}

func countsEqual(a, b map[uint32]uint32) bool {
	if a == nil || len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

func copyCounts(counts map[uint32]uint32) map[uint32]uint32 {
	out := make(map[uint32]uint32, len(counts))
	for k, v := range counts {
		out[k] = v
	}
	return out
}
