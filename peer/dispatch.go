package peer

import (
	"context"
	"fmt"

	"github.com/gosuda/memcloud/transport"
)

// request sends an envelope on a fresh yamux stream and waits for the
// matching response, enforcing the per-request timeout.
// Because every request opens a dedicated stream, correlating a response
// to its request needs no bookkeeping beyond the stream itself; the
// correlation ID is still carried on the wire per the message
// contract for any higher layer (e.g. a future multiplexed transport)
// that wants it.
func (m *Manager) request(ctx context.Context, rec *Record, msgType MessageType, body []byte) (Envelope, error) {
	if rec.Status() != StatusAuthenticated {
		return Envelope{}, fmt.Errorf("peer: session for %s is not authenticated", rec.Identity)
	}

	stream, err := rec.session.OpenStream()
	if err != nil {
		return Envelope{}, fmt.Errorf("peer: open stream to %s: %w", rec.Identity, err)
	}
	defer stream.Close()

	corrID := newCorrelationID()
	env := Envelope{Type: msgType, CorrelationID: corrID, Body: body}

	type result struct {
		env Envelope
		err error
	}
	done := make(chan result, 1)
	go func() {
		if err := transport.WriteFrame(stream, EncodeEnvelope(env)); err != nil {
			done <- result{err: fmt.Errorf("peer: send %s to %s: %w", msgType, rec.Identity, err)}
			return
		}
		frame, err := transport.ReadFrame(stream, transport.MaxPeerFrameSize)
		if err != nil {
			done <- result{err: fmt.Errorf("peer: receive response from %s: %w", rec.Identity, err)}
			return
		}
		resp, err := DecodeEnvelope(frame)
		if err != nil {
			done <- result{err: fmt.Errorf("peer: decode response from %s: %w", rec.Identity, err)}
			return
		}
		done <- result{env: resp}
	}()

	timeout := m.requestTimeout
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case r := <-done:
		if r.err == nil {
			rec.mu.Lock()
			rec.timeoutStreak = 0
			rec.mu.Unlock()
		}
		return r.env, r.err
	case <-ctx.Done():
		stream.Close() // unblocks the in-flight write/read in the goroutine above
		rec.mu.Lock()
		rec.timeoutStreak++
		streak := rec.timeoutStreak
		rec.mu.Unlock()
		if streak >= DefaultMaxRequestTimeouts {
			m.mu.Lock()
			m.closeRecordLocked(rec)
			m.mu.Unlock()
		}
		return Envelope{}, fmt.Errorf("peer: request to %s timed out: %w", rec.Identity, ctx.Err())
	}
}

// StoreRemote sends data to be stored on rec, enforcing the peer's
// advertised quota before any bytes are sent.
func (m *Manager) StoreRemote(ctx context.Context, rec *Record, data []byte) (uint64, error) {
	if err := rec.Quota.Reserve(uint64(len(data))); err != nil {
		return 0, err
	}
	body := (&StoreBlockBody{Data: data}).Marshal()
	resp, err := m.request(ctx, rec, MsgStoreBlock, body)
	if err != nil {
		rec.Quota.Release(uint64(len(data)))
		return 0, err
	}
	out, err := UnmarshalStoredBlockBody(resp.Body)
	if err != nil {
		rec.Quota.Release(uint64(len(data)))
		return 0, fmt.Errorf("peer: parse StoredBlock: %w", err)
	}
	if out.ID == 0 {
		rec.Quota.Release(uint64(len(data)))
		return 0, fmt.Errorf("peer: remote store on %s failed", rec.Identity)
	}
	return out.ID, nil
}

// LoadRemote fetches a block from rec.
func (m *Manager) LoadRemote(ctx context.Context, rec *Record, id uint64) ([]byte, error) {
	body := (&RequestBlockBody{ID: id}).Marshal()
	resp, err := m.request(ctx, rec, MsgRequestBlock, body)
	if err != nil {
		return nil, err
	}
	out, err := UnmarshalBlockDataBody(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("peer: parse BlockData: %w", err)
	}
	if !out.Found {
		return nil, fmt.Errorf("peer: block %d not found on %s", id, rec.Identity)
	}
	return out.Data, nil
}

// FreeRemote frees a block on rec and releases the reclaimed bytes from
// its quota reservation; the remote side reports how much a free
// actually released, since only it knows the block's size.
func (m *Manager) FreeRemote(ctx context.Context, rec *Record, id uint64) error {
	body := (&RequestBlockBody{ID: id}).Marshal()
	resp, err := m.request(ctx, rec, MsgFree, body)
	if err != nil {
		return err
	}
	if freed, err := UnmarshalFreedBody(resp.Body); err == nil && freed.Bytes > 0 {
		rec.Quota.Release(freed.Bytes)
	}
	return nil
}

// SetKeyRemote sets a key's binding on rec.
func (m *Manager) SetKeyRemote(ctx context.Context, rec *Record, key string, data []byte) (uint64, error) {
	if err := rec.Quota.Reserve(uint64(len(data))); err != nil {
		return 0, err
	}
	body := (&SetKeyBody{Key: key, Data: data}).Marshal()
	resp, err := m.request(ctx, rec, MsgSetKey, body)
	if err != nil {
		rec.Quota.Release(uint64(len(data)))
		return 0, err
	}
	out, err := UnmarshalStoredBlockBody(resp.Body)
	if err != nil {
		rec.Quota.Release(uint64(len(data)))
		return 0, fmt.Errorf("peer: parse StoredBlock: %w", err)
	}
	return out.ID, nil
}

// GetKeyRemote resolves a key on rec.
func (m *Manager) GetKeyRemote(ctx context.Context, rec *Record, key string) ([]byte, error) {
	body := (&GetKeyBody{Key: key}).Marshal()
	resp, err := m.request(ctx, rec, MsgGetKey, body)
	if err != nil {
		return nil, err
	}
	out, err := UnmarshalKeyFoundBody(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("peer: parse KeyFound: %w", err)
	}
	if !out.Found {
		return nil, fmt.Errorf("%w: key %q on %s", ErrKeyNotFoundRemote, key, rec.Identity)
	}
	return out.Data, nil
}
