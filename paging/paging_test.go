package paging

import (
	"bytes"
	"context"
	"math/rand"
	"sync"
	"testing"
)

// fakeBackend is an in-memory stand-in for PeerBackend, letting the core
// be exercised without a real peer connection.
type fakeBackend struct {
	mu     sync.Mutex
	nextID uint64
	pages  map[string][]byte
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{pages: make(map[string][]byte)}
}

func (b *fakeBackend) ReserveRegion(ctx context.Context, size uintptr) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	return b.nextID, nil
}

func (b *fakeBackend) FetchPage(ctx context.Context, regionID uint64, pageIndex int) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.pages[pageKey(regionID, pageIndex)]
	if !ok {
		return make([]byte, PageSize), nil
	}
	out := make([]byte, PageSize)
	copy(out, data)
	return out, nil
}

func (b *fakeBackend) StorePage(ctx context.Context, regionID uint64, pageIndex int, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	stored := make([]byte, len(data))
	copy(stored, data)
	b.pages[pageKey(regionID, pageIndex)] = stored
	return nil
}

func (b *fakeBackend) DropRegion(ctx context.Context, regionID uint64, numPages int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := 0; i < numPages; i++ {
		delete(b.pages, pageKey(regionID, i))
	}
	return nil
}

func TestAllocateReadWriteRoundTrip(t *testing.T) {
	core := NewCore(newFakeBackend(), 0)
	defer core.Close()
	ctx := context.Background()

	region, err := core.Allocate(ctx, 3*PageSize)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	want := bytes.Repeat([]byte{0xAB}, int(region.Size))
	if err := core.WriteAt(ctx, region, 0, want); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	got := make([]byte, len(want))
	if err := core.ReadAt(ctx, region, 0, got); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("read back mismatch")
	}

	if err := core.Free(ctx, region); err != nil {
		t.Fatalf("Free: %v", err)
	}
}

func TestUnwrittenPageReadsZero(t *testing.T) {
	core := NewCore(newFakeBackend(), 0)
	defer core.Close()
	ctx := context.Background()

	region, err := core.Allocate(ctx, PageSize)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	defer core.Free(ctx, region)

	buf := make([]byte, PageSize)
	if err := core.ReadAt(ctx, region, 0, buf); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	for _, b := range buf {
		if b != 0 {
			t.Fatalf("expected zero-filled unwritten page")
		}
	}
	if got := region.PageState(0); got != PageResidentClean {
		t.Fatalf("expected page resident-clean after fault, got %s", got)
	}
}

func TestWriteMarksDirtyAndWritebackDrains(t *testing.T) {
	backend := newFakeBackend()
	core := NewCore(backend, 0)
	defer core.Close()
	ctx := context.Background()

	region, err := core.Allocate(ctx, PageSize)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	defer core.Free(ctx, region)

	if err := core.WriteAt(ctx, region, 0, []byte("hello")); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	if got := region.PageState(0); got != PageResidentDirty {
		t.Fatalf("expected resident-dirty after write, got %s", got)
	}

	core.writebackPass(ctx)

	if got := region.PageState(0); got != PageResidentClean {
		t.Fatalf("expected resident-clean after writeback, got %s", got)
	}
	stored, err := backend.FetchPage(ctx, region.ID, 0)
	if err != nil {
		t.Fatalf("FetchPage: %v", err)
	}
	if !bytes.HasPrefix(stored, []byte("hello")) {
		t.Fatalf("writeback did not ship the dirty page")
	}
}

func TestRandomPermutationRoundTrip(t *testing.T) {
	const numPages = 8
	backend := newFakeBackend()
	core := NewCore(backend, 0)
	defer core.Close()
	ctx := context.Background()

	region, err := core.Allocate(ctx, numPages*PageSize)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	defer core.Free(ctx, region)

	payloads := make([][]byte, numPages)
	for i := range payloads {
		payloads[i] = make([]byte, PageSize)
		rand.New(rand.NewSource(int64(i))).Read(payloads[i])
	}

	order := rand.New(rand.NewSource(42)).Perm(numPages)
	for _, i := range order {
		if err := core.WriteAt(ctx, region, i*PageSize, payloads[i]); err != nil {
			t.Fatalf("WriteAt page %d: %v", i, err)
		}
	}

	core.writebackPass(ctx)

	for i := 0; i < numPages; i++ {
		got := make([]byte, PageSize)
		if err := core.ReadAt(ctx, region, i*PageSize, got); err != nil {
			t.Fatalf("ReadAt page %d: %v", i, err)
		}
		if !bytes.Equal(got, payloads[i]) {
			t.Fatalf("page %d mismatch after writeback drain", i)
		}
	}
}

// TestEvictedPageRefetchesFromBackend writes a page, evicts it, and
// reads it back, so the fault path is exercised against a page that was
// resident before rather than only against first-touch pages.
func TestEvictedPageRefetchesFromBackend(t *testing.T) {
	backend := newFakeBackend()
	core := NewCore(backend, 0)
	defer core.Close()
	ctx := context.Background()

	region, err := core.Allocate(ctx, 2*PageSize)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	defer core.Free(ctx, region)

	want := bytes.Repeat([]byte{0xAB}, PageSize)
	if err := core.WriteAt(ctx, region, 0, want); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	// Evict while still dirty: the page must be written back first.
	if err := core.Evict(ctx, region, 0); err != nil {
		t.Fatalf("Evict: %v", err)
	}
	if got := region.PageState(0); got != PageNotResident {
		t.Fatalf("state after evict = %s, want NotResident", got)
	}

	got := make([]byte, PageSize)
	if err := core.ReadAt(ctx, region, 0, got); err != nil {
		t.Fatalf("ReadAt after evict: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("refetched page does not match evicted contents")
	}
	if got := region.PageState(0); got != PageResidentClean {
		t.Fatalf("state after refetch = %s, want Resident-Clean", got)
	}
}

func TestFreeDropsRemoteState(t *testing.T) {
	backend := newFakeBackend()
	core := NewCore(backend, 0)
	defer core.Close()
	ctx := context.Background()

	region, err := core.Allocate(ctx, PageSize)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if err := core.WriteAt(ctx, region, 0, []byte("data")); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	core.writebackPass(ctx)

	if err := core.Free(ctx, region); err != nil {
		t.Fatalf("Free: %v", err)
	}

	backend.mu.Lock()
	_, stillThere := backend.pages[pageKey(region.ID, 0)]
	backend.mu.Unlock()
	if stillThere {
		t.Fatalf("expected Free to drop remote page state")
	}
}
