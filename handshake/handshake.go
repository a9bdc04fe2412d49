// Package handshake implements the Noise-XX-like 4-message mutual
// handshake: HelloA, HelloB, AuthA, AuthB, with transcript binding and
// directional traffic-key derivation. Identities sign the running
// transcript hash rather than a bare nonce, binding every negotiated
// parameter (ephemerals, names, quotas) against active rewriting.
package handshake

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/gosuda/memcloud/crypto"
	"github.com/gosuda/memcloud/transport"
	"github.com/rs/zerolog/log"
)

// DefaultTimeout bounds the whole handshake exchange.
const DefaultTimeout = 10 * time.Second

// transcriptLabel seeds the running transcript hash so it is bound to
// this protocol and cannot be confused with a transcript from another
// wire format.
const transcriptLabel = "memcloud-handshake-v1"

// ErrSignatureMismatch is returned when a peer's AuthA/AuthB signature
// does not verify against the transcript hash observed at that point.
// This is fatal: the connection is closed, never retried within the
// same attempt.
var ErrSignatureMismatch = errors.New("handshake: signature does not verify against transcript")

// ErrTimeout is returned when the handshake does not complete within its
// deadline.
var ErrTimeout = errors.New("handshake: timed out")

// Result carries everything the peer manager needs once a handshake
// succeeds: the authenticated session and the remote side's claimed
// identity, name and advertised quota.
type Result struct {
	Session         *transport.SecureSession
	RemoteIdentity  string
	RemotePublicKey [32]byte
	RemoteName      string
	RemoteQuota     uint64
}

// Handshaker runs the client or server role of the handshake for a
// single local NodeIdentity.
type Handshaker struct {
	identity *crypto.NodeIdentity
}

// NewHandshaker constructs a Handshaker bound to a local identity.
func NewHandshaker(identity *crypto.NodeIdentity) *Handshaker {
	return &Handshaker{identity: identity}
}

type deadliner interface {
	SetDeadline(t time.Time) error
}

func withDeadline(conn io.ReadWriteCloser, d time.Duration) func() {
	if dl, ok := conn.(deadliner); ok {
		_ = dl.SetDeadline(time.Now().Add(d))
		return func() { _ = dl.SetDeadline(time.Time{}) }
	}
	return func() {}
}

// ClientHandshake runs the initiator (A) role over conn, advertising
// localQuota bytes of willingness to store on behalf of the remote peer.
func (h *Handshaker) ClientHandshake(ctx context.Context, conn io.ReadWriteCloser, localQuota uint64) (*Result, error) {
	return h.run(ctx, conn, localQuota, true)
}

// ServerHandshake runs the responder (B) role over conn.
func (h *Handshaker) ServerHandshake(ctx context.Context, conn io.ReadWriteCloser, localQuota uint64) (*Result, error) {
	return h.run(ctx, conn, localQuota, false)
}

func (h *Handshaker) run(ctx context.Context, conn io.ReadWriteCloser, localQuota uint64, initiator bool) (res *Result, err error) {
	cancelDeadline := withDeadline(conn, DefaultTimeout)
	defer cancelDeadline()

	done := make(chan struct{})
	go func() {
		res, err = h.negotiate(conn, localQuota, initiator)
		close(done)
	}()

	select {
	case <-done:
		return res, err
	case <-ctx.Done():
		conn.Close()
		<-done
		return nil, fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
	case <-time.After(DefaultTimeout + time.Second):
		conn.Close()
		<-done
		return nil, ErrTimeout
	}
}

func (h *Handshaker) negotiate(conn io.ReadWriteCloser, localQuota uint64, initiator bool) (*Result, error) {
	local, err := crypto.GenerateEphemeralKeyPair()
	if err != nil {
		return nil, err
	}
	localNonce, err := crypto.RandomNonce32()
	if err != nil {
		return nil, err
	}

	transcript := sha256.Sum256([]byte(transcriptLabel))
	h0 := transcript[:]

	var helloA, helloB *helloMessage
	var remoteEphemeral [32]byte

	if initiator {
		helloA = &helloMessage{EphemeralPublic: local.Public, Nonce: localNonce, Quota: localQuota}
		if err := transport.WriteFrame(conn, helloA.marshal(tagHelloA)); err != nil {
			return nil, fmt.Errorf("send HelloA: %w", err)
		}
		h0 = mixTranscript(h0, helloA.marshal(tagHelloA))

		frame, err := transport.ReadFrame(conn, transport.MaxControlFrameSize)
		if err != nil {
			return nil, fmt.Errorf("receive HelloB: %w", err)
		}
		helloB, err = unmarshalHello(frame, tagHelloB)
		if err != nil {
			return nil, fmt.Errorf("parse HelloB: %w", err)
		}
		h0 = mixTranscript(h0, frame)
		remoteEphemeral = helloB.EphemeralPublic
	} else {
		frame, err := transport.ReadFrame(conn, transport.MaxControlFrameSize)
		if err != nil {
			return nil, fmt.Errorf("receive HelloA: %w", err)
		}
		helloA, err = unmarshalHello(frame, tagHelloA)
		if err != nil {
			return nil, fmt.Errorf("parse HelloA: %w", err)
		}
		h0 = mixTranscript(h0, frame)
		remoteEphemeral = helloA.EphemeralPublic

		helloB = &helloMessage{EphemeralPublic: local.Public, Nonce: localNonce, Quota: localQuota}
		if err := transport.WriteFrame(conn, helloB.marshal(tagHelloB)); err != nil {
			return nil, fmt.Errorf("send HelloB: %w", err)
		}
		h0 = mixTranscript(h0, helloB.marshal(tagHelloB))
	}

	dh, err := crypto.ECDH(local.Private, remoteEphemeral)
	if err != nil {
		return nil, fmt.Errorf("handshake ecdh: %w", err)
	}
	hsMaterial, err := crypto.DeriveKeys(dh, h0, []byte("memcloud handshake keys"), 64)
	if err != nil {
		return nil, err
	}
	kHandshake := hsMaterial[:32]
	chainingKey := hsMaterial[32:]

	hsAEAD, err := crypto.NewAEAD(kHandshake)
	if err != nil {
		return nil, fmt.Errorf("handshake cipher: %w", err)
	}

	// By convention the initiator's AuthA uses handshake-nonce 0 and the
	// responder's AuthB uses handshake-nonce 1; exactly one message is
	// ever sent in each role so this can never repeat (nonce
	// invariant).
	const authANonce = 0
	const authBNonce = 1

	var remotePub [32]byte
	var remoteName string
	var h1 []byte

	if initiator {
		sigA := h.identity.Sign(h0)
		authA := &authPlaintext{IdentityPublic: [32]byte(h.identity.PublicKey()), Name: h.identity.DisplayName, Signature: [64]byte(sigA)}
		nonce := crypto.NonceFromCounter(authANonce)
		ciphertext := hsAEAD.Seal(nil, nonce[:], authA.marshal(), nil)
		if err := transport.WriteFrame(conn, appendTag(ciphertext, tagAuthA)); err != nil {
			return nil, fmt.Errorf("send AuthA: %w", err)
		}
		h1 = mixTranscript(h0, appendTag(ciphertext, tagAuthA))

		frame, err := transport.ReadFrame(conn, transport.MaxControlFrameSize)
		if err != nil {
			return nil, fmt.Errorf("receive AuthB: %w", err)
		}
		ct, tag, err := stripTag(frame)
		if err != nil || tag != tagAuthB {
			return nil, fmt.Errorf("handshake: unexpected AuthB frame")
		}
		bNonce := crypto.NonceFromCounter(authBNonce)
		plain, err := hsAEAD.Open(nil, bNonce[:], ct, nil)
		if err != nil {
			return nil, fmt.Errorf("handshake: AuthB decryption failed: %w", err)
		}
		authB, err := unmarshalAuthPlaintext(plain)
		if err != nil {
			return nil, fmt.Errorf("parse AuthB: %w", err)
		}
		if err := crypto.ValidateRemoteIdentity(crypto.DeriveID(authB.IdentityPublic[:]), authB.IdentityPublic[:]); err != nil {
			return nil, err
		}
		if !crypto.VerifyWithKey(authB.IdentityPublic[:], h1, authB.Signature[:]) {
			return nil, ErrSignatureMismatch
		}
		remotePub = authB.IdentityPublic
		remoteName = authB.Name
	} else {
		frame, err := transport.ReadFrame(conn, transport.MaxControlFrameSize)
		if err != nil {
			return nil, fmt.Errorf("receive AuthA: %w", err)
		}
		ct, tag, err := stripTag(frame)
		if err != nil || tag != tagAuthA {
			return nil, fmt.Errorf("handshake: unexpected AuthA frame")
		}
		aNonce := crypto.NonceFromCounter(authANonce)
		plain, err := hsAEAD.Open(nil, aNonce[:], ct, nil)
		if err != nil {
			return nil, fmt.Errorf("handshake: AuthA decryption failed: %w", err)
		}
		authA, err := unmarshalAuthPlaintext(plain)
		if err != nil {
			return nil, fmt.Errorf("parse AuthA: %w", err)
		}
		if err := crypto.ValidateRemoteIdentity(crypto.DeriveID(authA.IdentityPublic[:]), authA.IdentityPublic[:]); err != nil {
			return nil, err
		}
		if !crypto.VerifyWithKey(authA.IdentityPublic[:], h0, authA.Signature[:]) {
			return nil, ErrSignatureMismatch
		}
		remotePub = authA.IdentityPublic
		remoteName = authA.Name
		h1 = mixTranscript(h0, frame)

		sigB := h.identity.Sign(h1)
		authB := &authPlaintext{IdentityPublic: [32]byte(h.identity.PublicKey()), Name: h.identity.DisplayName, Signature: [64]byte(sigB)}
		bNonce := crypto.NonceFromCounter(authBNonce)
		ciphertext := hsAEAD.Seal(nil, bNonce[:], authB.marshal(), nil)
		if err := transport.WriteFrame(conn, appendTag(ciphertext, tagAuthB)); err != nil {
			return nil, fmt.Errorf("send AuthB: %w", err)
		}
	}

	txInfo, rxInfo := []byte("memcloud tx:A2B"), []byte("memcloud tx:B2A")
	if !initiator {
		txInfo, rxInfo = rxInfo, txInfo
	}
	txKey, err := crypto.DeriveKeys(chainingKey, nil, txInfo, 32)
	if err != nil {
		return nil, err
	}
	rxKey, err := crypto.DeriveKeys(chainingKey, nil, rxInfo, 32)
	if err != nil {
		return nil, err
	}

	session, err := transport.NewSecureSession(conn, txKey, rxKey, h1)
	if err != nil {
		return nil, err
	}

	log.Debug().Str("remote_id", crypto.DeriveID(remotePub[:])).Bool("initiator", initiator).Msg("[handshake] session established")

	return &Result{
		Session:         session,
		RemoteIdentity:  crypto.DeriveID(remotePub[:]),
		RemotePublicKey: remotePub,
		RemoteName:      remoteName,
		RemoteQuota:     remoteQuotaFor(initiator, helloA, helloB),
	}, nil
}

func remoteQuotaFor(initiator bool, helloA, helloB *helloMessage) uint64 {
	if initiator {
		return helloB.Quota
	}
	return helloA.Quota
}

// mixTranscript folds message bytes into the running transcript hash:
// h' = SHA256(h || message).
func mixTranscript(h, message []byte) []byte {
	sum := sha256.New()
	sum.Write(h)
	sum.Write(message)
	return sum.Sum(nil)
}

func appendTag(ciphertext []byte, tag byte) []byte {
	out := make([]byte, 0, 2+len(ciphertext))
	out = append(out, wireVersion, tag)
	out = append(out, ciphertext...)
	return out
}

func stripTag(frame []byte) (ciphertext []byte, tag byte, err error) {
	if len(frame) < 2 {
		return nil, 0, fmt.Errorf("handshake: frame too short")
	}
	if frame[0] != wireVersion {
		return nil, 0, fmt.Errorf("handshake: unsupported version byte %d", frame[0])
	}
	return frame[2:], frame[1], nil
}
