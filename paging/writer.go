package paging

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// writebackLoop periodically scans every live region's pages for
// Resident-Dirty state and ships them to the backend.
func (c *Core) writebackLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.writebackInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.writebackPass(context.Background())
		}
	}
}

func (c *Core) writebackPass(ctx context.Context) {
	for _, region := range c.snapshotRegions() {
		if region.dropped.Load() {
			continue
		}
		region.inFlight.Add(1)
		c.writebackRegion(ctx, region)
		region.inFlight.Add(-1)
	}
}

func (c *Core) writebackRegion(ctx context.Context, region *Region) {
	for i := 0; i < region.NumPages; i++ {
		slot := &region.pages[i]
		slot.mu.Lock()
		dirty := slot.state == PageResidentDirty
		if dirty {
			slot.state = PageResidentClean
		}
		slot.mu.Unlock()
		if !dirty {
			continue
		}

		// Snapshot the page bytes before the remote send rather than
		// holding a lock across I/O. The dirty mark was cleared above, so
		// a write that lands on this page mid-flight marks it dirty again
		// and the writer re-ships it on the next pass.
		data := make([]byte, PageSize)
		copy(data, region.pageBytes(i))

		if err := c.backend.StorePage(ctx, region.ID, i, data); err != nil {
			slot.mu.Lock()
			if slot.state == PageResidentClean {
				slot.state = PageResidentDirty
			}
			slot.mu.Unlock()
			log.Debug().Uint64("region_id", region.ID).Int("page", i).Err(err).Msg("[paging] writeback failed, will retry")
			continue
		}
	}
}
