// Package paging implements the VM paging core: large allocations backed
// by remote RAM, with a fault-driven fetch path and a background
// writeback loop for dirty pages.
//
// Go gives no portable, cgo-free way to install a custom SIGSEGV handler
// and resume past the faulting instruction, so the fault handler here is
// realized as an explicit residency check invoked by Core's accessors
// (ReadAt/WriteAt) rather than by trapping a real hardware fault. The
// ordering constraints still hold in that explicit path: fetch into a
// scratch buffer with the metadata lock released, only then reprotect
// and copy into the PROT_NONE-reserved mapping, and no allocator call
// anywhere on that path.
package paging

import (
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// PageSize is the fixed page granularity the core tracks. It matches the
// common native page size; regions are always a whole number of pages.
const PageSize = 4096

// PageState is a single page's place in the residency state machine.
type PageState int32

const (
	PageNotResident PageState = iota
	PageResidentClean
	PageResidentDirty
	PageDropped
)

func (s PageState) String() string {
	switch s {
	case PageNotResident:
		return "NotResident"
	case PageResidentClean:
		return "Resident-Clean"
	case PageResidentDirty:
		return "Resident-Dirty"
	case PageDropped:
		return "Dropped"
	default:
		return "Unknown"
	}
}

// pageSlot is one page's state, guarded by its own mutex rather than a
// single region-wide lock so that concurrent faults on unrelated pages
// of the same region never block each other.
type pageSlot struct {
	mu    sync.Mutex
	state PageState
}

// Region is a virtually contiguous, page-granular range of remote-backed
// memory. mem is the PROT_NONE-reserved mapping;
// individual pages are reprotected to PROT_READ|PROT_WRITE as they are
// faulted in.
type Region struct {
	ID       uint64
	Size     uintptr
	NumPages int

	mem   []byte
	pages []pageSlot

	// inFlight counts page operations currently touching this region's
	// memory or doing remote I/O on its behalf; Free drains this to zero
	// before unmapping, so a region is never destroyed while a fault is
	// still in flight for it.
	inFlight atomic.Int32
	dropped  atomic.Bool
}

// Base returns the region's starting address, for diagnostics and tests
// that assert alignment; it carries no meaning once the region is freed.
func (r *Region) Base() uintptr {
	if len(r.mem) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&r.mem[0]))
}

// PageState reports a single page's current state.
func (r *Region) PageState(pageIndex int) PageState {
	slot := &r.pages[pageIndex]
	slot.mu.Lock()
	defer slot.mu.Unlock()
	return slot.state
}

func newRegion(id uint64, size uintptr) (*Region, error) {
	numPages := int((size + PageSize - 1) / PageSize)
	mapSize := numPages * PageSize
	mem, err := unix.Mmap(-1, 0, mapSize, unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("paging: reserve %d bytes: %w", mapSize, err)
	}
	return &Region{
		ID:       id,
		Size:     uintptr(mapSize),
		NumPages: numPages,
		mem:      mem,
		pages:    make([]pageSlot, numPages),
	}, nil
}

func (r *Region) pageBytes(pageIndex int) []byte {
	off := pageIndex * PageSize
	return r.mem[off : off+PageSize]
}

func (r *Region) unmap() error {
	return unix.Munmap(r.mem)
}
