package peer

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// livenessLoop periodically probes rec with a peer-protocol Ping/Pong
// round-trip and drops the session after too many consecutive misses,
// catching half-open peers whose TCP side is still up but whose daemon
// no longer answers.
func (m *Manager) livenessLoop(rec *Record) {
	ticker := time.NewTicker(m.pingInterval)
	defer ticker.Stop()

	for range ticker.C {
		if rec.Status() == StatusClosed {
			return
		}
		if err := m.pingPeer(rec); err != nil {
			rec.mu.Lock()
			rec.missedPings++
			missed := rec.missedPings
			rec.mu.Unlock()
			log.Debug().Str("identity", rec.Identity).Int("missed", missed).Err(err).Msg("[peer] ping failed")
			if missed >= m.maxMissedPings {
				log.Warn().Str("identity", rec.Identity).Msg("[peer] dropping session after repeated missed pings")
				m.mu.Lock()
				m.closeRecordLocked(rec)
				m.mu.Unlock()
				return
			}
			continue
		}
		rec.mu.Lock()
		rec.missedPings = 0
		rec.mu.Unlock()
	}
}

// pingPeer sends one Ping and waits for the matching Pong. The probe is
// bounded by the ping interval so a stalled peer cannot back probes up
// behind each other.
func (m *Manager) pingPeer(rec *Record) error {
	ctx, cancel := context.WithTimeout(context.Background(), m.pingInterval)
	defer cancel()
	resp, err := m.request(ctx, rec, MsgPing, nil)
	if err != nil {
		return err
	}
	if resp.Type != MsgPong {
		return fmt.Errorf("peer: unexpected %s reply to ping from %s", resp.Type, rec.Identity)
	}
	return nil
}
