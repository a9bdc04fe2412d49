package control

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gosuda/memcloud/peer"
	"github.com/gosuda/memcloud/store"
	"github.com/gosuda/memcloud/stream"
	"github.com/gosuda/memcloud/transport"
	"github.com/gosuda/memcloud/trust"
	"github.com/rs/zerolog/log"
)

// Server is the local control RPC server, listening on a Unix
// socket or loopback TCP endpoint and dispatching requests to the block
// store, key index, stream assembler, peer manager, and trust store.
type Server struct {
	listener net.Listener

	blocks  *store.BlockStore
	keys    *store.KeyIndex
	streams *stream.Assembler
	peers   *peer.Manager
	trust   *trust.Store
	pending *trust.PendingGate

	wg sync.WaitGroup
}

// NewServer constructs a Server bound to an already-created listener
// (a net.Listener over "unix" or loopback "tcp").
func NewServer(listener net.Listener, blocks *store.BlockStore, keys *store.KeyIndex, streams *stream.Assembler, peers *peer.Manager, trustStore *trust.Store, pending *trust.PendingGate) *Server {
	return &Server{
		listener: listener,
		blocks:   blocks,
		keys:     keys,
		streams:  streams,
		peers:    peers,
		trust:    trustStore,
		pending:  pending,
	}
}

// Serve accepts control connections until ctx is canceled or the
// listener is closed.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.listener.Close()
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				s.wg.Wait()
				return nil
			default:
			}
			return fmt.Errorf("control: accept: %w", err)
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	for {
		frame, err := transport.ReadFrame(conn, transport.MaxControlFrameSize)
		if err != nil {
			return
		}
		req, err := DecodeRequest(frame)
		if err != nil {
			s.reply(conn, ErrorResponse(CodeInvalidArgument, err.Error()))
			continue
		}
		resp := s.dispatch(ctx, req)
		if !s.reply(conn, resp) {
			return
		}
	}
}

func (s *Server) reply(conn net.Conn, resp Response) bool {
	body, err := EncodeResponse(resp)
	if err != nil {
		log.Error().Err(err).Msg("[control] failed to encode response")
		return false
	}
	if err := transport.WriteFrame(conn, body); err != nil {
		return false
	}
	return true
}

func (s *Server) dispatch(ctx context.Context, req Request) Response {
	switch req.Command {
	case "Store":
		id, err := s.blocks.Store(req.Data)
		if err != nil {
			return storeError(err)
		}
		return Response{Code: CodeOK, ID: id}

	case "StoreRemote":
		rec, err := s.peers.Resolve(req.Target)
		if err != nil {
			return resolveError(err)
		}
		id, err := s.peers.StoreRemote(ctx, rec, req.Data)
		if err != nil {
			return peerError(err)
		}
		return Response{Code: CodeOK, ID: id}

	case "Load":
		if req.Target != "" {
			rec, rerr := s.peers.Resolve(req.Target)
			if rerr != nil {
				return resolveError(rerr)
			}
			data, err := s.peers.LoadRemote(ctx, rec, req.ID)
			if err != nil {
				return peerError(err)
			}
			return Response{Code: CodeOK, Data: data}
		}
		data, err := s.blocks.Load(req.ID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return ErrorResponse(CodeNotFound, err.Error())
			}
			return ErrorResponse(CodeInternal, err.Error())
		}
		return Response{Code: CodeOK, Data: data}

	case "Free":
		if req.Target != "" {
			rec, rerr := s.peers.Resolve(req.Target)
			if rerr != nil {
				return resolveError(rerr)
			}
			if err := s.peers.FreeRemote(ctx, rec, req.ID); err != nil {
				return peerError(err)
			}
			return OKResponse()
		}
		if err := s.blocks.Free(req.ID); err != nil {
			return ErrorResponse(CodeInternal, err.Error())
		}
		return OKResponse()

	case "Set":
		var id uint64
		var err error
		if req.Target != "" {
			rec, rerr := s.peers.Resolve(req.Target)
			if rerr != nil {
				return resolveError(rerr)
			}
			id, err = s.peers.SetKeyRemote(ctx, rec, req.Key, req.Data)
		} else {
			id, err = s.keys.Set(req.Key, req.Data)
		}
		if err != nil {
			return storeError(err)
		}
		return Response{Code: CodeOK, ID: id}

	case "Get":
		var data []byte
		var err error
		if req.Target != "" {
			rec, rerr := s.peers.Resolve(req.Target)
			if rerr != nil {
				return resolveError(rerr)
			}
			data, err = s.peers.GetKeyRemote(ctx, rec, req.Key)
		} else {
			data, err = s.keys.Get(req.Key)
		}
		if err != nil {
			if errors.Is(err, store.ErrNotFound) || errors.Is(err, peer.ErrKeyNotFoundRemote) {
				return ErrorResponse(CodeNotFound, err.Error())
			}
			return peerError(err)
		}
		return Response{Code: CodeOK, Data: data}

	case "Keys":
		keys, err := s.keys.Keys(req.Pattern)
		if err != nil {
			return ErrorResponse(CodeInvalidArgument, err.Error())
		}
		return Response{Code: CodeOK, Keys: keys}

	case "StreamStart":
		id, err := s.streams.Start(req.SizeHint)
		if err != nil {
			return ErrorResponse(CodeInternal, err.Error())
		}
		return Response{Code: CodeOK, StreamID: id}

	case "StreamChunk":
		if err := s.streams.Chunk(req.StreamID, req.Seq, req.Data); err != nil {
			return streamError(err)
		}
		return OKResponse()

	case "StreamFinish":
		data, err := s.streams.Finish(req.StreamID)
		if err != nil {
			return streamError(err)
		}
		if req.Target != "" {
			rec, rerr := s.peers.Resolve(req.Target)
			if rerr != nil {
				return resolveError(rerr)
			}
			id, serr := s.peers.StoreRemote(ctx, rec, data)
			if serr != nil {
				return peerError(serr)
			}
			return Response{Code: CodeOK, ID: id}
		}
		id, err := s.blocks.Store(data)
		if err != nil {
			return storeError(err)
		}
		return Response{Code: CodeOK, ID: id}

	case "ListPeers":
		records := s.peers.ListPeers()
		views := make([]PeerView, 0, len(records))
		for _, r := range records {
			total, used := r.Quota.Snapshot()
			views = append(views, PeerView{
				Identity: r.Identity,
				Name:     r.Name,
				Address:  r.Address,
				Quota:    total,
				Used:     used,
				Status:   r.Status().String(),
			})
		}
		return Response{Code: CodeOK, Peers: views}

	case "Connect":
		connectCtx, cancel := context.WithTimeout(ctx, peer.DefaultRequestTimeout)
		defer cancel()
		if _, err := s.peers.Connect(connectCtx, req.Address); err != nil {
			if errors.Is(err, trust.ErrPendingTimeout) || errors.Is(err, peer.ErrDenied) {
				return ErrorResponse(CodeDenied, err.Error())
			}
			return ErrorResponse(CodeHandshakeFailed, err.Error())
		}
		return OKResponse()

	case "Disconnect":
		if err := s.peers.Disconnect(req.Target); err != nil {
			return resolveError(err)
		}
		return OKResponse()

	case "UpdatePeerQuota":
		rec, err := s.peers.Resolve(req.Target)
		if err != nil {
			return resolveError(err)
		}
		rec.Quota.Update(req.Quota)
		return OKResponse()

	case "TrustList":
		entries := s.trust.List()
		views := make([]TrustView, 0, len(entries))
		for _, e := range entries {
			views = append(views, TrustView{Identity: e.Identity, Name: e.Name, TrustedSince: e.TrustedSince.Format(time.RFC3339)})
		}
		return Response{Code: CodeOK, Trusted: views}

	case "TrustRemove":
		if err := s.trust.RemoveByIdentityOrName(req.Target); err != nil {
			if errors.Is(err, trust.ErrAmbiguousName) {
				return ErrorResponse(CodeAmbiguous, err.Error())
			}
			if errors.Is(err, trust.ErrNotTrusted) {
				return ErrorResponse(CodeNotFound, err.Error())
			}
			return ErrorResponse(CodeInternal, err.Error())
		}
		return OKResponse()

	case "ListPending":
		requests := s.pending.List()
		views := make([]PendingView, 0, len(requests))
		for _, r := range requests {
			views = append(views, PendingView{Identity: r.Identity, Name: r.Name, Address: r.Address})
		}
		return Response{Code: CodeOK, Pending: views}

	case "Consent":
		decision, err := parseDecision(req.Decision)
		if err != nil {
			return ErrorResponse(CodeInvalidArgument, err.Error())
		}
		if err := s.pending.Decide(req.Target, decision); err != nil {
			return ErrorResponse(CodeNotFound, err.Error())
		}
		return OKResponse()

	default:
		return ErrorResponse(CodeInvalidArgument, fmt.Sprintf("unknown command %q", req.Command))
	}
}

func parseDecision(s string) (trust.Decision, error) {
	switch s {
	case "allow", "allow_once":
		return trust.DecisionAllowOnce, nil
	case "trust":
		return trust.DecisionTrust, nil
	case "deny":
		return trust.DecisionDeny, nil
	default:
		return 0, fmt.Errorf("control: unknown consent decision %q", s)
	}
}

func storeError(err error) Response {
	if errors.Is(err, store.ErrOutOfCapacity) {
		return ErrorResponse(CodeOutOfCapacity, err.Error())
	}
	return ErrorResponse(CodeInternal, err.Error())
}

func resolveError(err error) Response {
	if errors.Is(err, peer.ErrAmbiguous) {
		return ErrorResponse(CodeAmbiguous, err.Error())
	}
	return ErrorResponse(CodeNoSuchPeer, err.Error())
}

func peerError(err error) Response {
	if errors.Is(err, peer.ErrQuotaExceeded) {
		return ErrorResponse(CodeQuotaExceeded, err.Error())
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorResponse(CodeTimeout, err.Error())
	}
	return ErrorResponse(CodePeerError, err.Error())
}

func streamError(err error) Response {
	if errors.Is(err, stream.ErrOutOfOrder) {
		return ErrorResponse(CodeOutOfOrder, err.Error())
	}
	// An unknown stream ID means the stream was aborted and its tombstone
	// already collected (or it never existed); either way the stream is
	// gone, not the server broken.
	if errors.Is(err, stream.ErrAborted) || errors.Is(err, stream.ErrNotFound) {
		return ErrorResponse(CodeStreamAborted, err.Error())
	}
	return ErrorResponse(CodeInternal, err.Error())
}
