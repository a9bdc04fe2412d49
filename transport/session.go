package transport

import (
	"errors"
	"fmt"
	"io"
	"math"
	"sync"

	"github.com/gosuda/memcloud/crypto"
)

// ErrNonceExhausted is returned when a direction's 64-bit counter would
// wrap; the session must be closed rather than ever reuse a nonce.
var ErrNonceExhausted = errors.New("transport: session nonce counter exhausted")

// ErrSessionClosed is returned by Read/Write after Close.
var ErrSessionClosed = errors.New("transport: session closed")

// SecureSession wraps a raw framed connection with per-direction AEAD
// encryption once the handshake has produced traffic keys. It
// implements io.ReadWriteCloser so it can be used directly as
// the transport yamux multiplexes over (see peer.Manager).
type SecureSession struct {
	conn io.ReadWriteCloser

	txAEAD crypto.AEAD
	rxAEAD crypto.AEAD

	// TranscriptHash is the channel-binding value produced by the
	// handshake; retained for diagnostics and for tests that assert two
	// sides agreed on the same binding.
	TranscriptHash []byte

	writeMu  sync.Mutex
	txNonce  uint64
	readMu   sync.Mutex
	rxNonce  uint64
	closeMu  sync.Mutex
	closed   bool
	readBuf  []byte // leftover plaintext from a frame larger than the caller's buffer
}

// NewSecureSession constructs a session from already-derived directional
// AEAD ciphers. txKey encrypts frames this side sends; rxKey decrypts
// frames this side receives.
func NewSecureSession(conn io.ReadWriteCloser, txKey, rxKey, transcriptHash []byte) (*SecureSession, error) {
	txAEAD, err := crypto.NewAEAD(txKey)
	if err != nil {
		return nil, fmt.Errorf("session tx cipher: %w", err)
	}
	rxAEAD, err := crypto.NewAEAD(rxKey)
	if err != nil {
		return nil, fmt.Errorf("session rx cipher: %w", err)
	}
	return &SecureSession{
		conn:           conn,
		txAEAD:         txAEAD,
		rxAEAD:         rxAEAD,
		TranscriptHash: transcriptHash,
	}, nil
}

// Write encrypts and frames p as a single AEAD ciphertext frame.
func (s *SecureSession) Write(p []byte) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.isClosed() {
		return 0, ErrSessionClosed
	}
	if s.txNonce == math.MaxUint64 {
		return 0, ErrNonceExhausted
	}

	nonce := crypto.NonceFromCounter(s.txNonce)
	ciphertext := s.txAEAD.Seal(nil, nonce[:], p, nil)
	if err := WriteFrame(s.conn, ciphertext); err != nil {
		return 0, fmt.Errorf("write secure frame: %w", err)
	}
	s.txNonce++
	return len(p), nil
}

// Read decrypts the next AEAD frame and copies as much of its plaintext
// as fits into p, buffering any remainder for the next call.
func (s *SecureSession) Read(p []byte) (int, error) {
	s.readMu.Lock()
	defer s.readMu.Unlock()

	if len(s.readBuf) == 0 {
		if s.isClosed() {
			return 0, ErrSessionClosed
		}
		if s.rxNonce == math.MaxUint64 {
			return 0, ErrNonceExhausted
		}
		ciphertext, err := ReadFrame(s.conn, MaxPeerFrameSize)
		if err != nil {
			return 0, fmt.Errorf("read secure frame: %w", err)
		}
		nonce := crypto.NonceFromCounter(s.rxNonce)
		plaintext, err := s.rxAEAD.Open(nil, nonce[:], ciphertext, nil)
		if err != nil {
			// AEAD failure is fatal for the session.
			s.Close()
			return 0, fmt.Errorf("transport: decryption failure, session closed: %w", err)
		}
		s.rxNonce++
		s.readBuf = plaintext
	}

	n := copy(p, s.readBuf)
	s.readBuf = s.readBuf[n:]
	return n, nil
}

// Close tears down the underlying connection. Idempotent.
func (s *SecureSession) Close() error {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.conn.Close()
}

func (s *SecureSession) isClosed() bool {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	return s.closed
}
