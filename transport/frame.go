// Package transport implements the length-prefixed framing shared by the
// peer protocol and the control RPC server, plus the AEAD session
// wrapper applied once a handshake has established traffic keys.
package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/valyala/bytebufferpool"
)

// MaxPeerFrameSize bounds a single peer-protocol frame body, matching the
// 64 MiB ceiling for peer frames.
const MaxPeerFrameSize = 64 << 20

// MaxControlFrameSize bounds a single control-socket frame body.
const MaxControlFrameSize = 16 << 20

// ErrFrameTooLarge is returned when a peer advertises a frame length
// beyond the configured ceiling; the caller must close the connection,
// since this is a fatal protocol error.
var ErrFrameTooLarge = errors.New("transport: frame exceeds maximum size")

var framePool bytebufferpool.Pool

// WriteFrame writes a single length-prefixed frame (4-byte big-endian
// length || body) to w.
func WriteFrame(w io.Writer, body []byte) error {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(body)))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if len(body) == 0 {
		return nil
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("write frame body: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame from r, enforcing maxSize.
// It returns a freshly allocated copy of the body and puts the pooled
// read buffer back itself, so the caller owns the result outright
// (ReadFrameBuffer returns the pooled buffer directly for callers that
// want to avoid the copy).
func ReadFrame(r io.Reader, maxSize int) ([]byte, error) {
	buf, err := ReadFrameBuffer(r, maxSize)
	if err != nil {
		return nil, err
	}
	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	bytebufferpool.Put(buf)
	return out, nil
}

// ReadFrameBuffer reads one length-prefixed frame into a pooled buffer.
// Ownership of the returned buffer transfers to the caller, which must
// call bytebufferpool.Put(buf) when finished.
func ReadFrameBuffer(r io.Reader, maxSize int) (*bytebufferpool.ByteBuffer, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, fmt.Errorf("read frame header: %w", err)
	}
	length := binary.BigEndian.Uint32(hdr[:])
	if int(length) > maxSize {
		return nil, ErrFrameTooLarge
	}
	buf := bytebufferpool.Get()
	bufferGrow(buf, int(length))
	if length > 0 {
		if _, err := io.ReadFull(r, buf.B); err != nil {
			bytebufferpool.Put(buf)
			return nil, fmt.Errorf("read frame body: %w", err)
		}
	}
	return buf, nil
}

// bufferGrow resizes buf.B to exactly n bytes, reusing the backing array
// when it is already large enough.
func bufferGrow(buf *bytebufferpool.ByteBuffer, n int) {
	if cap(buf.B) >= n {
		buf.B = buf.B[:n]
		return
	}
	buf.B = make([]byte, n)
}
