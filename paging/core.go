package paging

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// DefaultThreshold is the allocation size above which a caller should
// route through the paging core instead of ordinary local memory,
// matching MEMCLOUD_MALLOC_THRESHOLD_MB's default of 8 MiB.
const DefaultThreshold = 8 << 20

// DefaultWritebackInterval is how often the background writer scans for
// dirty pages.
const DefaultWritebackInterval = 2 * time.Second

// freeDrainPoll is how often Free rechecks a region's in-flight counter
// while waiting for concurrent faults to finish.
const freeDrainPoll = 5 * time.Millisecond

// Core tracks remote-backed regions and their page residency. Go's
// allocator cannot be interposed from pure user code the way libc malloc
// can, so Core is an explicit API rather than a transparent hook: a
// caller above a size threshold calls Allocate directly instead of an
// interposed large-allocation path. Everything downstream of that call
// is the same: reservation, fault-driven fetch, dirty tracking,
// writeback, and free.
type Core struct {
	backend RemoteBackend

	// mu guards the regions map only; it is held only for bookkeeping,
	// never across backend I/O.
	mu      sync.Mutex
	regions map[uint64]*Region

	writebackInterval time.Duration
	stopOnce          sync.Once
	stopCh            chan struct{}
	wg                sync.WaitGroup
}

// NewCore constructs a Core against backend and starts its background
// writeback loop. interval <= 0 selects DefaultWritebackInterval.
func NewCore(backend RemoteBackend, interval time.Duration) *Core {
	if interval <= 0 {
		interval = DefaultWritebackInterval
	}
	c := &Core{
		backend:           backend,
		regions:           make(map[uint64]*Region),
		writebackInterval: interval,
		stopCh:            make(chan struct{}),
	}
	c.wg.Add(1)
	go c.writebackLoop()
	return c
}

// Close stops the background writer. It does not free any outstanding
// regions; callers are responsible for calling Free on each first.
func (c *Core) Close() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

// Allocate reserves a size-byte virtual range with no access
// (PROT_NONE) and asks the backend for a remote region to back it.
func (c *Core) Allocate(ctx context.Context, size uintptr) (*Region, error) {
	regionID, err := c.backend.ReserveRegion(ctx, size)
	if err != nil {
		return nil, fmt.Errorf("paging: reserve remote region: %w", err)
	}
	region, err := newRegion(regionID, size)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.regions[regionID] = region
	c.mu.Unlock()
	log.Debug().Uint64("region_id", regionID).Int("pages", region.NumPages).Msg("[paging] region allocated")
	return region, nil
}

// Free drains in-flight faults, unmaps the local reservation, and asks
// the backend to drop the region's remote state.
func (c *Core) Free(ctx context.Context, region *Region) error {
	region.dropped.Store(true)

	for region.inFlight.Load() > 0 {
		select {
		case <-ctx.Done():
			return fmt.Errorf("paging: free region %d: %w", region.ID, ctx.Err())
		case <-time.After(freeDrainPoll):
		}
	}

	c.mu.Lock()
	delete(c.regions, region.ID)
	c.mu.Unlock()

	if err := region.unmap(); err != nil {
		return fmt.Errorf("paging: munmap region %d: %w", region.ID, err)
	}
	if err := c.backend.DropRegion(ctx, region.ID, region.NumPages); err != nil {
		log.Warn().Uint64("region_id", region.ID).Err(err).Msg("[paging] failed to drop remote region state")
		return err
	}
	return nil
}

// fault is the fault handler, entered explicitly (see package doc)
// instead of via a trapped hardware fault. It locates the
// page under a short-held lock, fetches into a scratch buffer with the
// lock released, reprotects the page read/write, copies the buffer in,
// and marks the page Resident-Clean. It never writes into PROT_NONE
// memory and never holds the lock across the remote fetch.
func (c *Core) fault(ctx context.Context, region *Region, pageIndex int) error {
	if region.dropped.Load() {
		return fmt.Errorf("paging: region %d already freed", region.ID)
	}
	region.inFlight.Add(1)
	defer region.inFlight.Add(-1)

	slot := &region.pages[pageIndex]
	slot.mu.Lock()
	if slot.state != PageNotResident {
		slot.mu.Unlock()
		return nil
	}
	slot.mu.Unlock()

	data, err := c.backend.FetchPage(ctx, region.ID, pageIndex)
	if err != nil {
		return fmt.Errorf("paging: fetch region %d page %d: %w", region.ID, pageIndex, err)
	}
	if len(data) != PageSize {
		return fmt.Errorf("paging: region %d page %d: fetched %d bytes, want %d", region.ID, pageIndex, len(data), PageSize)
	}

	page := region.pageBytes(pageIndex)
	if err := unix.Mprotect(page, unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return fmt.Errorf("paging: mprotect region %d page %d: %w", region.ID, pageIndex, err)
	}
	copy(page, data)

	slot.mu.Lock()
	if slot.state == PageNotResident {
		slot.state = PageResidentClean
	}
	slot.mu.Unlock()
	return nil
}

// Evict writes back a dirty page if needed, reprotects it to PROT_NONE,
// and marks it NotResident so the next access refetches it from the
// backend. Callers serialize eviction against their own accesses to the
// page; a write racing the writeback copy may be shipped stale and
// refetched on the next fault.
func (c *Core) Evict(ctx context.Context, region *Region, pageIndex int) error {
	if region.dropped.Load() {
		return fmt.Errorf("paging: region %d already freed", region.ID)
	}
	region.inFlight.Add(1)
	defer region.inFlight.Add(-1)

	slot := &region.pages[pageIndex]
	slot.mu.Lock()
	state := slot.state
	slot.mu.Unlock()
	if state == PageNotResident || state == PageDropped {
		return nil
	}

	if state == PageResidentDirty {
		data := make([]byte, PageSize)
		copy(data, region.pageBytes(pageIndex))
		if err := c.backend.StorePage(ctx, region.ID, pageIndex, data); err != nil {
			return fmt.Errorf("paging: evict region %d page %d: %w", region.ID, pageIndex, err)
		}
	}

	if err := unix.Mprotect(region.pageBytes(pageIndex), unix.PROT_NONE); err != nil {
		return fmt.Errorf("paging: reprotect region %d page %d: %w", region.ID, pageIndex, err)
	}
	slot.mu.Lock()
	if slot.state != PageDropped {
		slot.state = PageNotResident
	}
	slot.mu.Unlock()
	return nil
}

// MarkDirty records that pageIndex has been written, either from
// ReadAt/WriteAt's own write path or an explicit mark from a higher
// layer.
func (c *Core) MarkDirty(region *Region, pageIndex int) {
	slot := &region.pages[pageIndex]
	slot.mu.Lock()
	if slot.state != PageDropped {
		slot.state = PageResidentDirty
	}
	slot.mu.Unlock()
}

// ReadAt faults in every page touched by [offset, offset+len(buf)) and
// copies the region's bytes into buf.
func (c *Core) ReadAt(ctx context.Context, region *Region, offset int, buf []byte) error {
	return c.access(ctx, region, offset, len(buf), false, func(dst, src []byte) { copy(dst, src) }, buf)
}

// WriteAt faults in every page touched by [offset, offset+len(buf)) and
// copies buf into the region, marking each touched page dirty.
func (c *Core) WriteAt(ctx context.Context, region *Region, offset int, buf []byte) error {
	return c.access(ctx, region, offset, len(buf), true, func(dst, src []byte) { copy(dst, src) }, buf)
}

func (c *Core) access(ctx context.Context, region *Region, offset, n int, write bool, cp func(dst, src []byte), buf []byte) error {
	if offset < 0 || n < 0 || offset+n > int(region.Size) {
		return fmt.Errorf("paging: access [%d,%d) out of bounds for region %d (size %d)", offset, offset+n, region.ID, region.Size)
	}
	pos := 0
	for pos < n {
		pageIndex := (offset + pos) / PageSize
		pageOff := (offset + pos) % PageSize
		chunk := PageSize - pageOff
		if chunk > n-pos {
			chunk = n - pos
		}
		if err := c.fault(ctx, region, pageIndex); err != nil {
			return err
		}
		page := region.pageBytes(pageIndex)
		if write {
			cp(page[pageOff:pageOff+chunk], buf[pos:pos+chunk])
			c.MarkDirty(region, pageIndex)
		} else {
			cp(buf[pos:pos+chunk], page[pageOff:pageOff+chunk])
		}
		pos += chunk
	}
	return nil
}

func (c *Core) snapshotRegions() []*Region {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Region, 0, len(c.regions))
	for _, r := range c.regions {
		out = append(out, r)
	}
	return out
}
