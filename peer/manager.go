package peer

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gosuda/memcloud/crypto"
	"github.com/gosuda/memcloud/handshake"
	"github.com/gosuda/memcloud/store"
	"github.com/gosuda/memcloud/transport"
	"github.com/gosuda/memcloud/trust"
	"github.com/hashicorp/yamux"
	"github.com/rs/zerolog/log"
)

// Status is a peer session's place in its lifecycle state machine.
type Status int

const (
	StatusHandshaking Status = iota
	StatusPending
	StatusAuthenticated
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusHandshaking:
		return "Handshaking"
	case StatusPending:
		return "Pending"
	case StatusAuthenticated:
		return "Authenticated"
	case StatusClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// Default tuning values for session liveness and request dispatch.
const (
	DefaultRequestTimeout     = 30 * time.Second
	DefaultPingInterval       = 15 * time.Second
	DefaultMaxMissedPings     = 3
	DefaultMaxRequestTimeouts = 5
)

// ErrNoSuchPeer is returned when an identity-or-name fails to resolve.
var ErrNoSuchPeer = errors.New("peer: no such peer")

// ErrAmbiguous is returned when a name resolves to more than one peer.
var ErrAmbiguous = errors.New("peer: name is ambiguous")

// ErrDenied is returned when a connecting peer's consent request is denied.
var ErrDenied = errors.New("peer: connection denied by trust consent")

// ErrKeyNotFoundRemote is returned by GetKeyRemote when the remote peer
// reports the key is unbound, distinguishing "genuinely absent" from a
// transport-level failure for callers (e.g. the paging core) that treat
// the two differently.
var ErrKeyNotFoundRemote = errors.New("peer: remote key not found")

// Record is the runtime state for one connected peer.
type Record struct {
	Identity  string
	PublicKey [32]byte
	Name      string
	Address   string
	Quota     *Quota // peer's advertised willingness to store on our behalf

	initiatedByLocal bool
	session          *yamux.Session

	mu            sync.Mutex
	status        Status
	missedPings   int
	timeoutStreak int
	closeOnce     sync.Once
}

func (r *Record) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

func (r *Record) setStatus(s Status) {
	r.mu.Lock()
	r.status = s
	r.mu.Unlock()
}

// Manager owns every peer session: connect/accept, trust gating,
// request dispatch, quota accounting, and disconnect.
type Manager struct {
	identity   *crypto.NodeIdentity
	handshaker *handshake.Handshaker
	trustStore *trust.Store
	pending    *trust.PendingGate
	localQuota uint64

	blocks *store.BlockStore
	keys   *store.KeyIndex

	requestTimeout time.Duration
	pingInterval   time.Duration
	maxMissedPings int

	mu         sync.RWMutex
	byIdentity map[string]*Record
	byName     map[string][]*Record
}

// NewManager constructs a Manager bound to a local identity, trust
// policy, and local storage backend (used to service inbound
// peer-protocol requests from authenticated peers).
func NewManager(identity *crypto.NodeIdentity, trustStore *trust.Store, pending *trust.PendingGate, localQuota uint64, blocks *store.BlockStore, keys *store.KeyIndex) *Manager {
	return &Manager{
		identity:       identity,
		handshaker:     handshake.NewHandshaker(identity),
		trustStore:     trustStore,
		pending:        pending,
		localQuota:     localQuota,
		blocks:         blocks,
		keys:           keys,
		requestTimeout: DefaultRequestTimeout,
		pingInterval:   DefaultPingInterval,
		maxMissedPings: DefaultMaxMissedPings,
		byIdentity:     make(map[string]*Record),
		byName:         make(map[string][]*Record),
	}
}

// Connect dials address, runs the handshake as initiator, and registers
// the resulting session.
func (m *Manager) Connect(ctx context.Context, address string) (*Record, error) {
	conn, err := net.Dial("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("peer: dial %s: %w", address, err)
	}
	return m.onConnected(ctx, conn, address, true)
}

// Accept runs the handshake as responder over an already-accepted
// connection.
func (m *Manager) Accept(ctx context.Context, conn net.Conn) (*Record, error) {
	return m.onConnected(ctx, conn, conn.RemoteAddr().String(), false)
}

func (m *Manager) onConnected(ctx context.Context, conn net.Conn, address string, initiator bool) (*Record, error) {
	var result *handshake.Result
	var err error
	if initiator {
		result, err = m.handshaker.ClientHandshake(ctx, conn, m.localQuota)
	} else {
		result, err = m.handshaker.ServerHandshake(ctx, conn, m.localQuota)
	}
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("peer: handshake failed: %w", err)
	}

	if !m.trustStore.IsTrusted(result.RemoteIdentity) {
		decision, err := m.pending.Await(result.RemoteIdentity, result.RemoteName, address)
		if err != nil || decision == trust.DecisionDeny {
			result.Session.Close()
			if err != nil {
				return nil, fmt.Errorf("peer: %w", err)
			}
			return nil, ErrDenied
		}
		if decision == trust.DecisionTrust {
			if err := m.trustStore.Trust(result.RemoteIdentity, result.RemoteName); err != nil {
				log.Warn().Err(err).Str("identity", result.RemoteIdentity).Msg("[peer] failed to persist trust entry")
			}
		}
	}

	var sess *yamux.Session
	cfg := defaultYamuxConfig()
	if initiator {
		sess, err = yamux.Client(result.Session, cfg)
	} else {
		sess, err = yamux.Server(result.Session, cfg)
	}
	if err != nil {
		result.Session.Close()
		return nil, fmt.Errorf("peer: multiplex session: %w", err)
	}

	rec := &Record{
		Identity:         result.RemoteIdentity,
		PublicKey:        result.RemotePublicKey,
		Name:             result.RemoteName,
		Address:          address,
		Quota:            NewQuota(result.RemoteQuota),
		initiatedByLocal: initiator,
		session:          sess,
		status:           StatusAuthenticated,
	}

	kept, err := m.register(rec)
	if err != nil {
		sess.Close()
		return nil, err
	}
	if kept == rec {
		go m.serveInbound(rec)
		go m.livenessLoop(rec)
	}
	log.Info().Str("identity", rec.Identity).Str("name", rec.Name).Bool("initiator", initiator).Msg("[peer] session authenticated")
	return kept, nil
}

func defaultYamuxConfig() *yamux.Config {
	cfg := yamux.DefaultConfig()
	cfg.Logger = nil
	cfg.MaxStreamWindowSize = 16 * 1024 * 1024
	return cfg
}

// register applies the at-most-one-session-per-identity rule, resolving
// simultaneous-dial races via the lexicographic identity tiebreak: the
// session in which the lexicographically lower identity acted as
// initiator survives.
func (m *Manager) register(rec *Record) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.byIdentity[rec.Identity]
	if !ok || existing.Status() == StatusClosed {
		m.insertLocked(rec)
		return rec, nil
	}

	localWins := m.identity.ID() < rec.Identity
	newKeepsWinnerRole := rec.initiatedByLocal == localWins
	existingKeepsWinnerRole := existing.initiatedByLocal == localWins

	if newKeepsWinnerRole && !existingKeepsWinnerRole {
		m.closeRecordLocked(existing)
		m.insertLocked(rec)
		return rec, nil
	}
	// existing wins (or both claim the same role, in which case the
	// incumbent stays and the newcomer is the redundant one). The loser
	// closes: nothing will ever serve the newcomer's session, so tear it
	// down here rather than leak it to yamux's keepalive.
	rec.closeOnce.Do(func() {
		rec.setStatus(StatusClosed)
		rec.session.Close()
	})
	return existing, nil
}

func (m *Manager) insertLocked(rec *Record) {
	m.byIdentity[rec.Identity] = rec
	m.byName[rec.Name] = append(m.byName[rec.Name], rec)
}

func (m *Manager) closeRecordLocked(rec *Record) {
	rec.closeOnce.Do(func() {
		rec.setStatus(StatusClosed)
		rec.session.Close()
	})
	list := m.byName[rec.Name]
	for i, r := range list {
		if r == rec {
			m.byName[rec.Name] = append(list[:i], list[i+1:]...)
			break
		}
	}
}

// Resolve looks up a peer by identity first, then by name. Identity is
// the primary key; a name shared by several peers is ambiguous.
func (m *Manager) Resolve(identityOrName string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if rec, ok := m.byIdentity[identityOrName]; ok && rec.Status() != StatusClosed {
		return rec, nil
	}
	candidates := m.byName[identityOrName]
	switch len(candidates) {
	case 0:
		return nil, ErrNoSuchPeer
	case 1:
		return candidates[0], nil
	default:
		return nil, ErrAmbiguous
	}
}

// ListPeers returns a snapshot of all known peer records.
func (m *Manager) ListPeers() []*Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Record, 0, len(m.byIdentity))
	for _, r := range m.byIdentity {
		out = append(out, r)
	}
	return out
}

// Disconnect gracefully closes a peer's session.
func (m *Manager) Disconnect(identityOrName string) error {
	rec, err := m.Resolve(identityOrName)
	if err != nil {
		return err
	}
	m.sendClose(rec, "operator requested disconnect")
	m.mu.Lock()
	m.closeRecordLocked(rec)
	m.mu.Unlock()
	return nil
}

func (m *Manager) sendClose(rec *Record, reason string) {
	stream, err := rec.session.OpenStream()
	if err != nil {
		return
	}
	defer stream.Close()
	env := Envelope{Type: MsgClose, CorrelationID: newCorrelationID(), Body: (&CloseBody{Reason: reason}).Marshal()}
	_ = transport.WriteFrame(stream, EncodeEnvelope(env))
}

func newCorrelationID() uint64 {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return binary.BigEndian.Uint64(b[:])
}
