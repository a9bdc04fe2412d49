package peer

import (
	"errors"
	"io"

	"github.com/gosuda/memcloud/store"
	"github.com/gosuda/memcloud/transport"
	"github.com/rs/zerolog/log"
)

// serveInbound accepts yamux streams on an authenticated session and
// services each as one peer-protocol request/response, dispatching to
// the local block store / key index. One goroutine per stream.
func (m *Manager) serveInbound(rec *Record) {
	for {
		stream, err := rec.session.AcceptStream()
		if err != nil {
			m.mu.Lock()
			m.closeRecordLocked(rec)
			m.mu.Unlock()
			log.Debug().Str("identity", rec.Identity).Err(err).Msg("[peer] session closed")
			return
		}
		go m.handleStream(rec, stream)
	}
}

func (m *Manager) handleStream(rec *Record, stream io.ReadWriteCloser) {
	defer stream.Close()

	frame, err := transport.ReadFrame(stream, transport.MaxPeerFrameSize)
	if err != nil {
		return
	}
	req, err := DecodeEnvelope(frame)
	if err != nil {
		log.Warn().Str("identity", rec.Identity).Err(err).Msg("[peer] malformed envelope, closing session")
		m.mu.Lock()
		m.closeRecordLocked(rec)
		m.mu.Unlock()
		return
	}

	resp, fatal := m.dispatchLocal(rec, req)
	if fatal {
		m.mu.Lock()
		m.closeRecordLocked(rec)
		m.mu.Unlock()
		return
	}
	if resp == nil {
		return
	}
	if err := transport.WriteFrame(stream, EncodeEnvelope(*resp)); err != nil {
		log.Debug().Str("identity", rec.Identity).Err(err).Msg("[peer] failed to write response")
	}
}

// dispatchLocal handles one inbound request against local storage. The
// bool return indicates whether the message was fatal for the session;
// an unknown message type on an authenticated session always is.
func (m *Manager) dispatchLocal(rec *Record, req Envelope) (*Envelope, bool) {
	switch req.Type {
	case MsgHello, MsgPing:
		return &Envelope{Type: MsgPong, CorrelationID: req.CorrelationID}, false

	case MsgPong:
		return nil, false

	case MsgClose:
		body, _ := UnmarshalCloseBody(req.Body)
		reason := ""
		if body != nil {
			reason = body.Reason
		}
		log.Info().Str("identity", rec.Identity).Str("reason", reason).Msg("[peer] peer requested close")
		return nil, true

	case MsgStoreBlock:
		body, err := UnmarshalStoreBlockBody(req.Body)
		if err != nil {
			return nil, true
		}
		id, err := m.blocks.Store(body.Data)
		if err != nil {
			log.Debug().Str("identity", rec.Identity).Err(err).Msg("[peer] remote store rejected")
			return &Envelope{Type: MsgStoredBlock, CorrelationID: req.CorrelationID, Body: (&StoredBlockBody{ID: 0}).Marshal()}, false
		}
		return &Envelope{Type: MsgStoredBlock, CorrelationID: req.CorrelationID, Body: (&StoredBlockBody{ID: id}).Marshal()}, false

	case MsgRequestBlock:
		body, err := UnmarshalRequestBlockBody(req.Body)
		if err != nil {
			return nil, true
		}
		data, err := m.blocks.Load(body.ID)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				log.Debug().Str("identity", rec.Identity).Err(err).Msg("[peer] load failed")
			}
			return &Envelope{Type: MsgBlockData, CorrelationID: req.CorrelationID, Body: (&BlockDataBody{ID: body.ID, Found: false}).Marshal()}, false
		}
		return &Envelope{Type: MsgBlockData, CorrelationID: req.CorrelationID, Body: (&BlockDataBody{ID: body.ID, Found: true, Data: data}).Marshal()}, false

	case MsgFree:
		body, err := UnmarshalRequestBlockBody(req.Body)
		if err != nil {
			return nil, true
		}
		freed, _ := m.blocks.FreeSized(body.ID)
		return &Envelope{Type: MsgFree, CorrelationID: req.CorrelationID, Body: (&FreedBody{Bytes: freed}).Marshal()}, false

	case MsgSetKey:
		body, err := UnmarshalSetKeyBody(req.Body)
		if err != nil {
			return nil, true
		}
		id, err := m.keys.Set(body.Key, body.Data)
		if err != nil {
			return &Envelope{Type: MsgStoredBlock, CorrelationID: req.CorrelationID, Body: (&StoredBlockBody{ID: 0}).Marshal()}, false
		}
		return &Envelope{Type: MsgStoredBlock, CorrelationID: req.CorrelationID, Body: (&StoredBlockBody{ID: id}).Marshal()}, false

	case MsgGetKey:
		body, err := UnmarshalGetKeyBody(req.Body)
		if err != nil {
			return nil, true
		}
		data, err := m.keys.Get(body.Key)
		if err != nil {
			return &Envelope{Type: MsgKeyFound, CorrelationID: req.CorrelationID, Body: (&KeyFoundBody{Key: body.Key, Found: false}).Marshal()}, false
		}
		return &Envelope{Type: MsgKeyFound, CorrelationID: req.CorrelationID, Body: (&KeyFoundBody{Key: body.Key, Found: true, Data: data}).Marshal()}, false

	default:
		return nil, true
	}
}
