// Package control implements the local control RPC server:
// request/response dispatch over the same length-prefixed framing as
// the peer transport, but plaintext, since the control socket is within
// the local trust boundary.
package control

// Code is the stable machine-readable error identifier carried on every
// failed response, alongside a human-readable message.
type Code string

const (
	CodeOK              Code = "OK"
	CodeOutOfCapacity   Code = "OutOfCapacity"
	CodeNotFound        Code = "NotFound"
	CodeNoSuchPeer      Code = "NoSuchPeer"
	CodeQuotaExceeded   Code = "QuotaExceeded"
	CodePeerError       Code = "PeerError"
	CodeOutOfOrder      Code = "OutOfOrder"
	CodeStreamAborted   Code = "StreamAborted"
	CodeAmbiguous       Code = "Ambiguous"
	CodeHandshakeFailed Code = "HandshakeFailed"
	CodeDenied          Code = "Denied"
	CodeTimeout         Code = "Timeout"
	CodeInvalidArgument Code = "InvalidArgument"
	CodeInternal        Code = "Internal"
)
