package scrfilter

import (
	"errors"
	"sync"

	"github.com/blockdex/blockdex/chaindb"
)

// ErrStopped is returned when registering against a filter whose side-scan
// worker has shut down.
var ErrStopped = errors.New("address filter stopped")

// AddressFilter is the narrow surface the block writer and the side-scan
// driver need: membership tests for live filtering, a restricted clone for
// back-fill scans, and a wipe for forced rescans.
type AddressFilter interface {
	// MatchAddr reports whether the address is watched.
	MatchAddr(addr chaindb.ScrAddr) bool

	// ScanFromHeight returns the height history tracking started at for
	// the address.
	ScanFromHeight(addr chaindb.ScrAddr) (uint32, bool)

	// RegisteredAddrs snapshots the watched address set.
	RegisteredAddrs() []chaindb.ScrAddr

	// CloneForScan returns a detached filter containing only the given
	// addresses, for use by a side scan.
	CloneForScan(addrs map[chaindb.ScrAddr]uint32) AddressFilter

	// Wipe deletes the derived history rows of the given addresses,
	// keeping them registered with their scan heights reset.
	Wipe(addrs []chaindb.ScrAddr) error
}

// Config supplies the callbacks a ScrAddrFilter needs from the rest of the
// engine. The filter package never touches the store or the chain directly.
type Config struct {
	// SuperNode, when set, makes the filter match every address: the
	// index then tracks the full chain rather than a registered subset.
	SuperNode bool

	// CurrentTop returns the current main-chain tip height. Captured at
	// side-scan start; blocks past it are the main pipeline's problem.
	CurrentTop func() uint32

	// ScanRange back-fills history rows for the given addresses over the
	// block range [start, end]. It runs on the side-scan worker
	// goroutine.
	ScanRange func(filter AddressFilter, start, end uint32) error

	// WipeHistories removes the stored history rows of the given
	// addresses.
	WipeHistories func(addrs []chaindb.ScrAddr) error
}

// scanJob is one queued side scan: a batch of already-active addresses that
// needs its history back-filled before joining the live filter.
type scanJob struct {
	addrs map[chaindb.ScrAddr]uint32
	done  func(refresh bool)
}

// pendingMerge is a completed side scan waiting to join the live filter.
type pendingMerge struct {
	addrs map[chaindb.ScrAddr]uint32
	done  func(refresh bool)
}

// ScrAddrFilter is the live registered-address set, shared by the block
// writer (reads, on every output) and registration calls (writes). A
// reader/writer lock guards the set; the side-scan worker back-fills new
// batches without blocking the main pipeline.
type ScrAddrFilter struct {
	started sync.Once
	stopped sync.Once

	cfg Config

	// mtx guards addrs.
	mtx sync.RWMutex

	// addrs maps each watched address to the height its history is
	// tracked from.
	addrs map[chaindb.ScrAddr]uint32

	// mergeMtx guards pending, the completed scans awaiting merge.
	mergeMtx sync.Mutex
	pending  []pendingMerge

	jobs chan scanJob
	quit chan struct{}
	wg   sync.WaitGroup
}

// A compile-time check to ensure ScrAddrFilter adheres to the AddressFilter
// interface.
var _ AddressFilter = (*ScrAddrFilter)(nil)

// New creates a filter with an idle side-scan worker. Call Start before
// registering batches.
func New(cfg Config) *ScrAddrFilter {
	return &ScrAddrFilter{
		cfg:   cfg,
		addrs: make(map[chaindb.ScrAddr]uint32),
		jobs:  make(chan scanJob, 16),
		quit:  make(chan struct{}),
	}
}

// Start launches the side-scan worker.
func (f *ScrAddrFilter) Start() {
	f.started.Do(func() {
		f.wg.Add(1)
		go f.scanWorker()
	})
}

// Stop shuts the side-scan worker down. A scan in flight completes; queued
// scans are dropped along with their pending registrations.
func (f *ScrAddrFilter) Stop() {
	f.stopped.Do(func() {
		close(f.quit)
		f.wg.Wait()
	})
}

// MatchAddr reports whether the address is watched. In super-node mode
// every address matches.
func (f *ScrAddrFilter) MatchAddr(addr chaindb.ScrAddr) bool {
	if f.cfg.SuperNode {
		return true
	}

	f.mtx.RLock()
	defer f.mtx.RUnlock()

	_, ok := f.addrs[addr]
	return ok
}

// ScanFromHeight returns the height history tracking started at for the
// address.
func (f *ScrAddrFilter) ScanFromHeight(addr chaindb.ScrAddr) (uint32, bool) {
	f.mtx.RLock()
	defer f.mtx.RUnlock()

	h, ok := f.addrs[addr]
	return h, ok
}

// RegisteredAddrs snapshots the watched address set.
func (f *ScrAddrFilter) RegisteredAddrs() []chaindb.ScrAddr {
	f.mtx.RLock()
	defer f.mtx.RUnlock()

	out := make([]chaindb.ScrAddr, 0, len(f.addrs))
	for addr := range f.addrs {
		out = append(out, addr)
	}
	return out
}

// NumRegistered returns the size of the watched set.
func (f *ScrAddrFilter) NumRegistered() int {
	f.mtx.RLock()
	defer f.mtx.RUnlock()

	return len(f.addrs)
}

// RegisterBatch adds a batch of addresses to the filter. For brand-new
// addresses (isNew=true) no history can exist on chain, so the batch joins
// the live filter immediately and done fires right away. Otherwise a side
// scan is scheduled: the worker back-fills history for the batch up to the
// tip captured now, the batch is merged into the live filter, and done
// fires. Registering a batch that's already fully registered is a no-op
// returning true with done fired immediately.
//
// The return value reports whether the batch was handled synchronously.
func (f *ScrAddrFilter) RegisterBatch(batch []chaindb.ScrAddr, isNew bool,
	done func(refresh bool)) bool {

	top := f.cfg.CurrentTop()

	f.mtx.Lock()
	fresh := make(map[chaindb.ScrAddr]uint32)
	for _, addr := range batch {
		if _, ok := f.addrs[addr]; ok {
			continue
		}
		fresh[addr] = 0
	}

	if len(fresh) == 0 {
		f.mtx.Unlock()
		if done != nil {
			done(true)
		}
		return true
	}

	if isNew {
		// Nothing on chain can reference these yet; track them from
		// the next block on.
		for addr := range fresh {
			f.addrs[addr] = top
		}
		f.mtx.Unlock()

		if done != nil {
			done(true)
		}
		return true
	}
	f.mtx.Unlock()

	select {
	case f.jobs <- scanJob{addrs: fresh, done: done}:
		return false
	case <-f.quit:
		if done != nil {
			done(false)
		}
		return false
	}
}

// scanWorker drains the side-scan queue. Each job runs against a detached
// clone of the filter so the live set stays untouched until the merge.
func (f *ScrAddrFilter) scanWorker() {
	defer f.wg.Done()

	for {
		select {
		case job := <-f.jobs:
			f.runSideScan(job)

		case <-f.quit:
			return
		}
	}
}

// runSideScan back-fills history for one batch, then queues the merge.
func (f *ScrAddrFilter) runSideScan(job scanJob) {
	// The end height is pinned here; anything that arrives above it
	// while we scan is picked up by the main pipeline after the merge.
	end := f.cfg.CurrentTop()

	clone := f.CloneForScan(job.addrs)

	start := uint32(0)
	for _, h := range job.addrs {
		if start == 0 || h < start {
			start = h
		}
	}

	log.Infof("Side scan of %d address(es) over blocks [%d, %d]",
		len(job.addrs), start, end)

	if err := f.cfg.ScanRange(clone, start, end); err != nil {
		log.Errorf("Side scan failed: %v", err)
		if job.done != nil {
			job.done(false)
		}
		return
	}

	f.mergeMtx.Lock()
	f.pending = append(f.pending, pendingMerge(job))
	f.mergeMtx.Unlock()

	// If the main pipeline is idle there's no ingest call coming to pick
	// the merge up, so apply it now. The gate below makes this safe
	// against a concurrent ingest.
	f.CheckForMerge()
}

// CheckForMerge folds any completed side scans into the live filter and
// fires their callbacks. The ingestion loop calls this at the start of
// every incremental ingest so a block is never applied against a filter
// that's halfway through a merge.
func (f *ScrAddrFilter) CheckForMerge() {
	f.mergeMtx.Lock()
	pending := f.pending
	f.pending = nil
	f.mergeMtx.Unlock()

	if len(pending) == 0 {
		return
	}

	f.mtx.Lock()
	for _, merge := range pending {
		for addr, height := range merge.addrs {
			f.addrs[addr] = height
		}
	}
	f.mtx.Unlock()

	for _, merge := range pending {
		log.Debugf("Merged %d side-scanned address(es) into live "+
			"filter", len(merge.addrs))
		if merge.done != nil {
			merge.done(true)
		}
	}
}

// CloneForScan returns a detached filter over only the given addresses.
// The clone shares no state with the live filter; it exists so a side scan
// can use the same matching machinery the main pipeline does.
func (f *ScrAddrFilter) CloneForScan(
	addrs map[chaindb.ScrAddr]uint32) AddressFilter {

	clone := &ScrAddrFilter{
		cfg:   Config{CurrentTop: f.cfg.CurrentTop},
		addrs: make(map[chaindb.ScrAddr]uint32, len(addrs)),
	}
	for addr, h := range addrs {
		clone.addrs[addr] = h
	}
	return clone
}

// Wipe deletes the stored history rows of the given addresses, keeping
// them registered with scan heights reset so the next scan rebuilds them
// from genesis.
func (f *ScrAddrFilter) Wipe(addrs []chaindb.ScrAddr) error {
	if f.cfg.WipeHistories != nil {
		if err := f.cfg.WipeHistories(addrs); err != nil {
			return err
		}
	}

	f.mtx.Lock()
	defer f.mtx.Unlock()
	for _, addr := range addrs {
		if _, ok := f.addrs[addr]; ok {
			f.addrs[addr] = 0
		}
	}
	return nil
}
