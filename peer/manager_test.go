package peer

import (
	"context"
	"errors"
	"net"
	"path/filepath"
	"testing"

	"github.com/gosuda/memcloud/crypto"
	"github.com/gosuda/memcloud/store"
	"github.com/gosuda/memcloud/trust"
	"github.com/hashicorp/yamux"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	identity, err := crypto.NewNodeIdentity("local")
	if err != nil {
		t.Fatalf("NewNodeIdentity: %v", err)
	}
	trustStore, err := trust.NewStore(filepath.Join(t.TempDir(), "trusted_devices.json"))
	if err != nil {
		t.Fatalf("trust.NewStore: %v", err)
	}
	blocks, err := store.NewBlockStore(0)
	if err != nil {
		t.Fatalf("store.NewBlockStore: %v", err)
	}
	t.Cleanup(func() { blocks.Close() })
	keys := store.NewKeyIndex(blocks)
	return NewManager(identity, trustStore, trust.NewPendingGate(0), 1<<20, blocks, keys)
}

func newTestYamuxSession(t *testing.T, client bool) *yamux.Session {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() { a.Close(); b.Close() })
	conn := a
	if !client {
		conn = b
	}
	var sess *yamux.Session
	var err error
	if client {
		sess, err = yamux.Client(conn, defaultYamuxConfig())
	} else {
		sess, err = yamux.Server(conn, defaultYamuxConfig())
	}
	if err != nil {
		t.Fatalf("yamux session: %v", err)
	}
	return sess
}

func TestRegisterFirstRecordWins(t *testing.T) {
	m := newTestManager(t)
	rec := &Record{Identity: "peer-a", Name: "alice", session: newTestYamuxSession(t, true), status: StatusAuthenticated}

	kept, err := m.register(rec)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if kept != rec {
		t.Fatalf("expected the only record to be kept")
	}
	got, err := m.Resolve("peer-a")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != rec {
		t.Fatalf("Resolve returned a different record")
	}
}

// TestRegisterTiebreakIsLexicographic exercises the simultaneous-dial
// tiebreak: of two competing sessions for the same identity, the one
// where the lexicographically lower identity acted as initiator survives.
func TestRegisterTiebreakIsLexicographic(t *testing.T) {
	m := newTestManager(t)

	dialed := &Record{Identity: "peer-a", Name: "a", session: newTestYamuxSession(t, true), status: StatusAuthenticated, initiatedByLocal: true}
	accepted := &Record{Identity: "peer-a", Name: "a", session: newTestYamuxSession(t, false), status: StatusAuthenticated, initiatedByLocal: false}

	kept1, err := m.register(dialed)
	if err != nil {
		t.Fatalf("register(dialed): %v", err)
	}
	kept2, err := m.register(accepted)
	if err != nil {
		t.Fatalf("register(accepted): %v", err)
	}

	localWins := m.identity.ID() < "peer-a"
	var want *Record
	if dialed.initiatedByLocal == localWins {
		want = dialed
	} else {
		want = accepted
	}
	// Whichever call happened second must converge on the same winner
	// regardless of arrival order.
	if kept1 != want && kept2 != want {
		t.Fatalf("neither registration kept the expected winner")
	}
	final, err := m.Resolve("peer-a")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if final != want {
		t.Fatalf("final registered record is not the tiebreak winner")
	}

	// Exactly one session survives: the loser must have been closed, not
	// leaked.
	loser := dialed
	if want == dialed {
		loser = accepted
	}
	if loser.Status() != StatusClosed {
		t.Fatalf("losing session status = %s, want Closed", loser.Status())
	}
}

// TestStoreLoadFreeAcrossPeers runs two managers against each other over
// a real TCP connection: handshake, pre-seeded trust, remote store, load,
// free, and quota accounting end to end.
func TestStoreLoadFreeAcrossPeers(t *testing.T) {
	ctx := context.Background()
	mA := newTestManager(t)
	mB := newTestManager(t)

	if err := mA.trustStore.Trust(mB.identity.ID(), "node-b"); err != nil {
		t.Fatalf("trust B from A: %v", err)
	}
	if err := mB.trustStore.Trust(mA.identity.ID(), "node-a"); err != nil {
		t.Fatalf("trust A from B: %v", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		mB.Accept(ctx, conn)
	}()

	rec, err := mA.Connect(ctx, ln.Addr().String())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if rec.Status() != StatusAuthenticated {
		t.Fatalf("session status = %s, want Authenticated", rec.Status())
	}
	if err := mA.pingPeer(rec); err != nil {
		t.Fatalf("pingPeer: %v", err)
	}

	payload := []byte("hello")
	id, err := mA.StoreRemote(ctx, rec, payload)
	if err != nil {
		t.Fatalf("StoreRemote: %v", err)
	}
	got, err := mA.LoadRemote(ctx, rec, id)
	if err != nil {
		t.Fatalf("LoadRemote: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("LoadRemote = %q, want %q", got, payload)
	}
	if _, used := rec.Quota.Snapshot(); used != uint64(len(payload)) {
		t.Fatalf("quota used = %d after store, want %d", used, len(payload))
	}

	if err := mA.FreeRemote(ctx, rec, id); err != nil {
		t.Fatalf("FreeRemote: %v", err)
	}
	if _, used := rec.Quota.Snapshot(); used != 0 {
		t.Fatalf("quota used = %d after free, want 0", used)
	}
	if _, err := mA.LoadRemote(ctx, rec, id); err == nil {
		t.Fatalf("expected LoadRemote of a freed block to fail")
	}

	// B advertises a 1 MiB quota; anything over it is rejected before any
	// bytes are sent.
	if _, err := mA.StoreRemote(ctx, rec, make([]byte, 2<<20)); err != ErrQuotaExceeded {
		t.Fatalf("oversized StoreRemote = %v, want ErrQuotaExceeded", err)
	}
}

func TestSetGetKeyAcrossPeers(t *testing.T) {
	ctx := context.Background()
	mA := newTestManager(t)
	mB := newTestManager(t)
	mA.trustStore.Trust(mB.identity.ID(), "node-b")
	mB.trustStore.Trust(mA.identity.ID(), "node-a")

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		mB.Accept(ctx, conn)
	}()

	rec, err := mA.Connect(ctx, ln.Addr().String())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if _, err := mA.SetKeyRemote(ctx, rec, "greeting", []byte("hi bob")); err != nil {
		t.Fatalf("SetKeyRemote: %v", err)
	}
	got, err := mA.GetKeyRemote(ctx, rec, "greeting")
	if err != nil {
		t.Fatalf("GetKeyRemote: %v", err)
	}
	if string(got) != "hi bob" {
		t.Fatalf("GetKeyRemote = %q, want %q", got, "hi bob")
	}

	if _, err := mA.GetKeyRemote(ctx, rec, "unbound"); !errors.Is(err, ErrKeyNotFoundRemote) {
		t.Fatalf("GetKeyRemote(unbound) = %v, want ErrKeyNotFoundRemote", err)
	}
}

func TestResolveAmbiguousName(t *testing.T) {
	m := newTestManager(t)
	rec1 := &Record{Identity: "id-1", Name: "shared", session: newTestYamuxSession(t, true), status: StatusAuthenticated}
	rec2 := &Record{Identity: "id-2", Name: "shared", session: newTestYamuxSession(t, true), status: StatusAuthenticated}

	if _, err := m.register(rec1); err != nil {
		t.Fatalf("register(rec1): %v", err)
	}
	if _, err := m.register(rec2); err != nil {
		t.Fatalf("register(rec2): %v", err)
	}

	if _, err := m.Resolve("shared"); err != ErrAmbiguous {
		t.Fatalf("Resolve(shared) = %v, want ErrAmbiguous", err)
	}
	if _, err := m.Resolve("id-1"); err != nil {
		t.Fatalf("Resolve(id-1): %v", err)
	}
	if _, err := m.Resolve("no-such-peer"); err != ErrNoSuchPeer {
		t.Fatalf("Resolve(no-such-peer) = %v, want ErrNoSuchPeer", err)
	}
}
