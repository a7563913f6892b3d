package wire

import (
	"encoding/binary"
	"fmt"
)

// Close status codes carried in the first two bytes of a termination frame
// payload. Values follow RFC 6455 section 7.4.1.
const (
	CloseNormal          = 1000
	CloseGoingAway       = 1001
	CloseProtocolError   = 1002
	CloseUnsupportedData = 1003
	ClosePolicyViolation = 1008
	CloseMessageTooBig   = 1009
	CloseInternalError   = 1011
)

// CloseError reports that the termination handshake completed. It carries
// the status code and reason from the peer's termination frame, when one
// was present. errors.Is(err, ErrConnectionClosed) holds for every
// CloseError, so callers can distinguish a graceful close from an abnormal
// transport failure without inspecting the type.
type CloseError struct {
	// Code is the close status code, or zero when the termination frame
	// carried no status payload.
	Code int
	// Reason is the optional UTF-8 text following the status code.
	Reason string
}

// Error implements the error interface.
func (e *CloseError) Error() string {
	if e.Code == 0 {
		return "connection closed"
	}
	if e.Reason == "" {
		return fmt.Sprintf("connection closed: status %d", e.Code)
	}
	return fmt.Sprintf("connection closed: status %d %q", e.Code, e.Reason)
}

// Unwrap makes every CloseError match ErrConnectionClosed.
func (e *CloseError) Unwrap() error {
	return ErrConnectionClosed
}

// encodeClosePayload builds a termination frame payload: a 2-byte status
// code followed by the reason text. A zero code yields an empty payload.
// The reason is truncated so the payload fits the control frame limit.
func encodeClosePayload(code int, reason string) []byte {
	if code == 0 {
		return nil
	}
	if len(reason) > maxControlPayload-2 {
		reason = reason[:maxControlPayload-2]
	}
	p := make([]byte, 2+len(reason))
	binary.BigEndian.PutUint16(p, uint16(code))
	copy(p[2:], reason)
	return p
}

// parseClosePayload extracts the status code and reason from a termination
// frame payload. A payload of fewer than two bytes carries no code.
func parseClosePayload(p []byte) (int, string) {
	if len(p) < 2 {
		return 0, ""
	}
	return int(binary.BigEndian.Uint16(p[:2])), string(p[2:])
}

// Termination handshake states. The state is derived from the sent and
// received flags tracked per connection.
const (
	stateActive = iota
	stateCloseSent
	stateCloseReceived
	stateClosed
)
