package wire

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// Opcode identifies the type of a wire frame.
type Opcode byte

// Frame opcodes. Values follow RFC 6455 section 5.2 so that conforming
// peers interoperate.
const (
	// OpContinuation carries a fragment of the message started by a
	// preceding data frame.
	OpContinuation Opcode = 0x0
	// OpText carries a text data message.
	OpText Opcode = 0x1
	// OpBinary carries a binary data message.
	OpBinary Opcode = 0x2
	// OpClose starts or completes the termination handshake.
	OpClose Opcode = 0x8
	// OpPing is a keep-alive probe.
	OpPing Opcode = 0x9
	// OpPong is the reply to a keep-alive probe.
	OpPong Opcode = 0xA
)

// IsControl reports whether the opcode tags a control frame.
func (o Opcode) IsControl() bool {
	switch o {
	case OpClose, OpPing, OpPong:
		return true
	default:
		return false
	}
}

// IsData reports whether the opcode tags a data frame.
func (o Opcode) IsData() bool {
	switch o {
	case OpContinuation, OpText, OpBinary:
		return true
	default:
		return false
	}
}

// IsValid reports whether the opcode is known at all.
func (o Opcode) IsValid() bool {
	return o.IsControl() || o.IsData()
}

// String returns the opcode name for logging.
func (o Opcode) String() string {
	switch o {
	case OpContinuation:
		return "CONTINUATION"
	case OpText:
		return "TEXT"
	case OpBinary:
		return "BINARY"
	case OpClose:
		return "CLOSE"
	case OpPing:
		return "PING"
	case OpPong:
		return "PONG"
	default:
		return "UNKNOWN"
	}
}

const (
	finBit  = 0x80
	rsvMask = 0x70
	maskBit = 0x80

	// maxControlPayload is the frame-level payload limit for control
	// frames.
	maxControlPayload = 125

	// maxFrameHeader is the largest possible frame header: two flag
	// bytes, a 64-bit extended length and a masking key.
	maxFrameHeader = 14
)

// Frame decoding errors.
var (
	// ErrInvalidOpcode is returned when a frame carries an unknown opcode.
	ErrInvalidOpcode = errors.New("invalid frame opcode")
	// ErrControlTooLong is returned when a control frame payload exceeds
	// the 125-byte frame-level limit.
	ErrControlTooLong = errors.New("control frame payload too long")
	// ErrFragmentedControl is returned when a control frame arrives
	// without the FIN bit set.
	ErrFragmentedControl = errors.New("control frames cannot be fragmented")
	// ErrReservedBits is returned when reserved header bits are set.
	ErrReservedBits = errors.New("reserved frame bits set")
)

// frame is one decoded wire frame.
type frame struct {
	fin     bool
	op      Opcode
	payload []byte
}

// readFrame decodes a single frame from r. Masked payloads are unmasked in
// place; maxPayload bounds the accepted payload size.
func readFrame(r io.Reader, maxPayload int64) (frame, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return frame{}, err
	}

	f := frame{
		fin: hdr[0]&finBit != 0,
		op:  Opcode(hdr[0] & 0x0F),
	}
	if hdr[0]&rsvMask != 0 {
		return frame{}, ErrReservedBits
	}
	if !f.op.IsValid() {
		return frame{}, ErrInvalidOpcode
	}

	masked := hdr[1]&maskBit != 0
	length := int64(hdr[1] & 0x7F)
	switch length {
	case 126:
		var ext [2]byte
		if _, err := io.ReadFull(r, ext[:]); err != nil {
			return frame{}, err
		}
		length = int64(binary.BigEndian.Uint16(ext[:]))
	case 127:
		var ext [8]byte
		if _, err := io.ReadFull(r, ext[:]); err != nil {
			return frame{}, err
		}
		v := binary.BigEndian.Uint64(ext[:])
		if v > uint64(maxPayload) {
			return frame{}, ErrMessageTooLarge
		}
		length = int64(v)
	}

	if f.op.IsControl() {
		if !f.fin {
			return frame{}, ErrFragmentedControl
		}
		if length > maxControlPayload {
			return frame{}, ErrControlTooLong
		}
	}
	if length > maxPayload {
		return frame{}, ErrMessageTooLarge
	}

	var key [4]byte
	if masked {
		if _, err := io.ReadFull(r, key[:]); err != nil {
			return frame{}, err
		}
	}

	if length > 0 {
		f.payload = make([]byte, length)
		if _, err := io.ReadFull(r, f.payload); err != nil {
			return frame{}, err
		}
		if masked {
			maskBytes(f.payload, key)
		}
	}
	return f, nil
}

// appendFrameHeader appends the encoded frame header for a payload of n
// bytes to dst.
func appendFrameHeader(dst []byte, fin bool, op Opcode, n int, masked bool, key [4]byte) []byte {
	b0 := byte(op)
	if fin {
		b0 |= finBit
	}
	dst = append(dst, b0)

	var mb byte
	if masked {
		mb = maskBit
	}
	switch {
	case n <= 125:
		dst = append(dst, byte(n)|mb)
	case n <= 0xFFFF:
		dst = append(dst, 126|mb)
		dst = binary.BigEndian.AppendUint16(dst, uint16(n))
	default:
		dst = append(dst, 127|mb)
		dst = binary.BigEndian.AppendUint64(dst, uint64(n))
	}
	if masked {
		dst = append(dst, key[:]...)
	}
	return dst
}

// maskBytes applies the XOR masking key to p in place. Masking its own
// inverse, the same routine masks and unmasks.
func maskBytes(p []byte, key [4]byte) {
	for i := range p {
		p[i] ^= key[i%4]
	}
}
