package handshake

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// wireVersion is the fixed version byte leading every handshake
// message.
const wireVersion = 1

const (
	tagHelloA = 1
	tagHelloB = 2
	tagAuthA  = 3
	tagAuthB  = 4
)

// helloMessage is the plaintext HelloA/HelloB payload: eph_pub(32) ||
// nonce(32) || quota(8).
type helloMessage struct {
	EphemeralPublic [32]byte
	Nonce           [32]byte
	Quota           uint64
}

func (h *helloMessage) marshal(tag byte) []byte {
	buf := make([]byte, 0, 2+32+32+8)
	buf = append(buf, wireVersion, tag)
	buf = append(buf, h.EphemeralPublic[:]...)
	buf = append(buf, h.Nonce[:]...)
	var quota [8]byte
	binary.BigEndian.PutUint64(quota[:], h.Quota)
	buf = append(buf, quota[:]...)
	return buf
}

func unmarshalHello(data []byte, wantTag byte) (*helloMessage, error) {
	if len(data) != 2+32+32+8 {
		return nil, fmt.Errorf("handshake: hello message has wrong length %d", len(data))
	}
	if data[0] != wireVersion {
		return nil, fmt.Errorf("handshake: unsupported version byte %d", data[0])
	}
	if data[1] != wantTag {
		return nil, fmt.Errorf("handshake: expected tag %d, got %d", wantTag, data[1])
	}
	var h helloMessage
	copy(h.EphemeralPublic[:], data[2:34])
	copy(h.Nonce[:], data[34:66])
	h.Quota = binary.BigEndian.Uint64(data[66:74])
	return &h, nil
}

// authPlaintext is the AEAD-protected AuthA/AuthB payload: identity_pub(32)
// || name_len(2) || name || sig(64).
type authPlaintext struct {
	IdentityPublic [32]byte
	Name           string
	Signature      [64]byte
}

func (a *authPlaintext) marshal() []byte {
	buf := new(bytes.Buffer)
	buf.Write(a.IdentityPublic[:])
	nameBytes := []byte(a.Name)
	var nameLen [2]byte
	binary.BigEndian.PutUint16(nameLen[:], uint16(len(nameBytes)))
	buf.Write(nameLen[:])
	buf.Write(nameBytes)
	buf.Write(a.Signature[:])
	return buf.Bytes()
}

func unmarshalAuthPlaintext(data []byte) (*authPlaintext, error) {
	if len(data) < 32+2+64 {
		return nil, fmt.Errorf("handshake: auth payload too short (%d bytes)", len(data))
	}
	var a authPlaintext
	copy(a.IdentityPublic[:], data[0:32])
	nameLen := int(binary.BigEndian.Uint16(data[32:34]))
	expect := 32 + 2 + nameLen + 64
	if len(data) != expect {
		return nil, fmt.Errorf("handshake: auth payload length mismatch, expected %d got %d", expect, len(data))
	}
	a.Name = string(data[34 : 34+nameLen])
	copy(a.Signature[:], data[34+nameLen:34+nameLen+64])
	return &a, nil
}
