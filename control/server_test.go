package control

import (
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/gosuda/memcloud/crypto"
	"github.com/gosuda/memcloud/peer"
	"github.com/gosuda/memcloud/store"
	"github.com/gosuda/memcloud/stream"
	"github.com/gosuda/memcloud/transport"
	"github.com/gosuda/memcloud/trust"
)

// newTestServer wires a Server to freshly constructed dependencies, the
// same way cmd/memnoded's daemon entrypoint does.
func newTestServer(t *testing.T) *Server {
	t.Helper()
	identity, err := crypto.NewNodeIdentity("node-under-test")
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
	streams := stream.NewAssembler(0)
	t.Cleanup(streams.Close)
	pending := trust.NewPendingGate(0)
	manager := peer.NewManager(identity, trustStore, pending, 1<<20, blocks, keys)
	return NewServer(nil, blocks, keys, streams, manager, trustStore, pending)
}

// roundTrip drives one request/response exchange against s.dispatch over
// an in-memory net.Pipe, exercising the same frame+JSON path a real
// control client uses.
func roundTrip(t *testing.T, s *Server, req Request) Response {
	t.Helper()
	client, server := net.Pipe()
	defer client.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.handleConn(context.Background(), server)
	}()

	body, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	if err := transport.WriteFrame(client, body); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	frame, err := transport.ReadFrame(client, transport.MaxControlFrameSize)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	var resp Response
	if err := json.Unmarshal(frame, &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	client.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("handleConn did not exit after client close")
	}
	return resp
}

func TestServerStoreLoadFree(t *testing.T) {
	s := newTestServer(t)

	storeResp := roundTrip(t, s, Request{Command: "Store", Data: []byte("payload")})
	if storeResp.Code != CodeOK {
		t.Fatalf("Store response = %+v, want CodeOK", storeResp)
	}

	loadResp := roundTrip(t, s, Request{Command: "Load", ID: storeResp.ID})
	if loadResp.Code != CodeOK || string(loadResp.Data) != "payload" {
		t.Fatalf("Load response = %+v, want payload", loadResp)
	}

	freeResp := roundTrip(t, s, Request{Command: "Free", ID: storeResp.ID})
	if freeResp.Code != CodeOK {
		t.Fatalf("Free response = %+v, want CodeOK", freeResp)
	}

	missResp := roundTrip(t, s, Request{Command: "Load", ID: storeResp.ID})
	if missResp.Code != CodeNotFound {
		t.Fatalf("Load after Free = %+v, want CodeNotFound", missResp)
	}
}

func TestServerSetGetKeys(t *testing.T) {
	s := newTestServer(t)

	setResp := roundTrip(t, s, Request{Command: "Set", Key: "users/1", Data: []byte("alice")})
	if setResp.Code != CodeOK {
		t.Fatalf("Set response = %+v, want CodeOK", setResp)
	}
	getResp := roundTrip(t, s, Request{Command: "Get", Key: "users/1"})
	if getResp.Code != CodeOK || string(getResp.Data) != "alice" {
		t.Fatalf("Get response = %+v, want alice", getResp)
	}
	keysResp := roundTrip(t, s, Request{Command: "Keys", Pattern: "users/*"})
	if keysResp.Code != CodeOK || len(keysResp.Keys) != 1 || keysResp.Keys[0] != "users/1" {
		t.Fatalf("Keys response = %+v, want [users/1]", keysResp)
	}
}

func TestServerStreamStartChunkFinish(t *testing.T) {
	s := newTestServer(t)

	startResp := roundTrip(t, s, Request{Command: "StreamStart"})
	if startResp.Code != CodeOK {
		t.Fatalf("StreamStart response = %+v, want CodeOK", startResp)
	}
	chunkResp := roundTrip(t, s, Request{Command: "StreamChunk", StreamID: startResp.StreamID, Seq: 0, Data: []byte("chunk-one")})
	if chunkResp.Code != CodeOK {
		t.Fatalf("StreamChunk response = %+v, want CodeOK", chunkResp)
	}
	finishResp := roundTrip(t, s, Request{Command: "StreamFinish", StreamID: startResp.StreamID})
	if finishResp.Code != CodeOK {
		t.Fatalf("StreamFinish response = %+v, want CodeOK", finishResp)
	}

	loadResp := roundTrip(t, s, Request{Command: "Load", ID: finishResp.ID})
	if loadResp.Code != CodeOK || string(loadResp.Data) != "chunk-one" {
		t.Fatalf("Load of finished stream = %+v, want chunk-one", loadResp)
	}
}

func TestServerUnknownCommand(t *testing.T) {
	s := newTestServer(t)
	resp := roundTrip(t, s, Request{Command: "DoesNotExist"})
	if resp.Code != CodeInvalidArgument {
		t.Fatalf("unknown command response = %+v, want CodeInvalidArgument", resp)
	}
}

func TestServerTrustListEmpty(t *testing.T) {
	s := newTestServer(t)
	resp := roundTrip(t, s, Request{Command: "TrustList"})
	if resp.Code != CodeOK || len(resp.Trusted) != 0 {
		t.Fatalf("TrustList response = %+v, want an empty CodeOK list", resp)
	}
}

func TestServerListPendingEmpty(t *testing.T) {
	s := newTestServer(t)
	resp := roundTrip(t, s, Request{Command: "ListPending"})
	if resp.Code != CodeOK || len(resp.Pending) != 0 {
		t.Fatalf("ListPending response = %+v, want an empty CodeOK list", resp)
	}
}

func TestServerBinaryStoreLoadFree(t *testing.T) {
	s := newTestServer(t)

	req, err := DecodeRequest(EncodeBinaryStoreRequest([]byte("fast path")))
	if err != nil {
		t.Fatalf("DecodeRequest(binary store): %v", err)
	}
	storeResp := s.dispatch(context.Background(), req)
	if storeResp.Code != CodeOK {
		t.Fatalf("binary Store = %+v, want CodeOK", storeResp)
	}

	req, err = DecodeRequest(EncodeBinaryLoadRequest(storeResp.ID))
	if err != nil {
		t.Fatalf("DecodeRequest(binary load): %v", err)
	}
	loadResp := s.dispatch(context.Background(), req)
	if loadResp.Code != CodeOK || string(loadResp.Data) != "fast path" {
		t.Fatalf("binary Load = %+v, want fast path", loadResp)
	}

	req, err = DecodeRequest(EncodeBinaryFreeRequest(storeResp.ID))
	if err != nil {
		t.Fatalf("DecodeRequest(binary free): %v", err)
	}
	if freeResp := s.dispatch(context.Background(), req); freeResp.Code != CodeOK {
		t.Fatalf("binary Free = %+v, want CodeOK", freeResp)
	}
}
