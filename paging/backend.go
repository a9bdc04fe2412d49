package paging

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/gosuda/memcloud/peer"
)

// RemoteBackend is the paging core's view of the remote side that
// actually holds page bytes. PeerBackend is the only production
// implementation; it is deliberately thin, adapting paging onto the peer
// manager's existing key/value RPCs (SetKeyRemote/GetKeyRemote) instead
// of introducing new wire messages.
type RemoteBackend interface {
	// ReserveRegion allocates a fresh region identifier for a region of
	// the given size. No remote storage is provisioned eagerly: pages
	// materialize lazily on first write; a page that was never stored
	// reads back zero-valued.
	ReserveRegion(ctx context.Context, size uintptr) (regionID uint64, err error)
	FetchPage(ctx context.Context, regionID uint64, pageIndex int) ([]byte, error)
	StorePage(ctx context.Context, regionID uint64, pageIndex int, data []byte) error
	DropRegion(ctx context.Context, regionID uint64, numPages int) error
}

// PeerBackend backs a region's pages with key/value state on a single
// trusted peer. Pages are addressed by a deterministic key derived from
// the region ID and page index; region IDs are only meaningful relative
// to the one peer they were allocated against.
type PeerBackend struct {
	manager *peer.Manager
	target  *peer.Record

	nextRegionID atomic.Uint64
}

// NewPeerBackend constructs a PeerBackend that pages against target
// through manager.
func NewPeerBackend(manager *peer.Manager, target *peer.Record) *PeerBackend {
	return &PeerBackend{manager: manager, target: target}
}

func pageKey(regionID uint64, pageIndex int) string {
	return fmt.Sprintf("vmpage:%d:%d", regionID, pageIndex)
}

// ReserveRegion hands out a locally-unique region ID; no remote call is
// needed because nothing needs to exist on the peer until a page is
// actually dirtied.
func (b *PeerBackend) ReserveRegion(ctx context.Context, size uintptr) (uint64, error) {
	return b.nextRegionID.Add(1), nil
}

// FetchPage retrieves a page's bytes from the remote peer. A page that
// was never stored reads back as all-zero bytes, preserving calloc
// semantics: the remote side need not special-case first access, it
// simply has never seen the key.
func (b *PeerBackend) FetchPage(ctx context.Context, regionID uint64, pageIndex int) ([]byte, error) {
	data, err := b.manager.GetKeyRemote(ctx, b.target, pageKey(regionID, pageIndex))
	if err != nil {
		if errors.Is(err, peer.ErrKeyNotFoundRemote) {
			return make([]byte, PageSize), nil
		}
		return nil, fmt.Errorf("paging: fetch region %d page %d: %w", regionID, pageIndex, err)
	}
	if len(data) != PageSize {
		return nil, fmt.Errorf("paging: region %d page %d: remote returned %d bytes, want %d", regionID, pageIndex, len(data), PageSize)
	}
	return data, nil
}

// StorePage ships a dirty page to the remote peer.
func (b *PeerBackend) StorePage(ctx context.Context, regionID uint64, pageIndex int, data []byte) error {
	if _, err := b.manager.SetKeyRemote(ctx, b.target, pageKey(regionID, pageIndex), data); err != nil {
		return fmt.Errorf("paging: store region %d page %d: %w", regionID, pageIndex, err)
	}
	return nil
}

// DropRegion asks the peer to forget every key that might have been
// written for this region. Free is best-effort per page: an unfreed key
// (e.g. never written) has no remote state to drop.
func (b *PeerBackend) DropRegion(ctx context.Context, regionID uint64, numPages int) error {
	var firstErr error
	for i := 0; i < numPages; i++ {
		if _, err := b.manager.GetKeyRemote(ctx, b.target, pageKey(regionID, i)); err != nil {
			continue // never written, nothing to drop
		}
		// The peer-protocol key index has no remote "unset key" verb;
		// rebinding to an empty payload is the closest available
		// approximation and keeps DropRegion within the existing wire
		// contract rather than adding a new message type for it.
		if _, err := b.manager.SetKeyRemote(ctx, b.target, pageKey(regionID, i), nil); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
