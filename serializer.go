package wire

import (
	"strconv"

	"github.com/pkg/errors"
)

// Errors reported by the serializer.
var (
	// ErrInvalidState is returned when an operation is attempted on an
	// object that a previous error has made unusable.
	ErrInvalidState = errors.New("invalid state")
	// ErrSerializerDone is returned when Produce is called after the whole
	// message has already been serialized.
	ErrSerializerDone = errors.New("message already fully serialized")
	// ErrContentLengthMismatch is returned when the body yields a different
	// number of bytes than the header declared.
	ErrContentLengthMismatch = errors.New("body length does not match declared content length")
)

// crlf terminates start lines, field lines and chunk framing.
var crlf = []byte("\r\n")

// chunkOverhead reserves room for the hex chunk-size line when bounding a
// body read: up to 16 hex digits plus CRLF.
const chunkOverhead = 18

// ChunkDecorator supplies optional chunk-extension text and trailer fields
// when a message is serialized with chunked framing. Extension is invoked
// once per chunk production cycle with the size of the chunk's payload
// (zero for the terminal chunk); the returned text is emitted verbatim
// between the chunk size and its CRLF. Extension text is not counted
// against the Produce limit.
type ChunkDecorator interface {
	Extension(size int) string
	Trailer() []Field
}

// nopDecorator emits no extensions and no trailers.
type nopDecorator struct{}

func (nopDecorator) Extension(int) string { return "" }
func (nopDecorator) Trailer() []Field     { return nil }

// SerializerOption configures a Serializer.
type SerializerOption func(*Serializer)

// DecoratorOption returns a SerializerOption that sets the chunk decorator.
func DecoratorOption(d ChunkDecorator) SerializerOption {
	return func(s *Serializer) {
		s.dec = d
	}
}

// SplitOption returns a SerializerOption that sets the initial split flag,
// so that the header is never combined with body output in one cycle.
func SplitOption(split bool) SerializerOption {
	return func(s *Serializer) {
		s.split = split
	}
}

// Serializer converts one message into an ordered sequence of wire-format
// byte views, incrementally. Produce hands out the next views, bounded by a
// caller-supplied byte ceiling, and Consume advances past bytes that have
// been written to the transport. The serializer borrows the message for its
// whole lifetime and owns no transport.
//
// The header is formatted once into a single contiguous buffer; body views
// reference the body's own buffers. When the header declares no valid
// Content-Length the body is wrapped in chunked framing, ending with a
// zero-size chunk and optional trailer fields.
type Serializer struct {
	msg *Message
	dec ChunkDecorator

	split    bool
	chunked  bool
	declared int64 // valid only when !chunked
	counted  int64

	headerProduced  bool
	headerRemaining int
	headerDone      bool
	bodyDone        bool
	done            bool

	pending [][]byte
	failed  error
}

// NewSerializer returns a serializer bound to msg. The message must remain
// valid and unmodified until the serializer is discarded.
func NewSerializer(msg *Message, opts ...SerializerOption) *Serializer {
	s := &Serializer{msg: msg, dec: nopDecorator{}}
	for _, opt := range opts {
		opt(s)
	}
	declared, known := msg.Header.ContentLength()
	s.chunked = !known
	s.declared = declared
	return s
}

// Split controls whether production may advance past the end of the header
// within one cycle. Write engines force it on for header-only writes.
func (s *Serializer) Split(v bool) {
	s.split = v
}

// IsSplit reports the current split setting.
func (s *Serializer) IsSplit() bool {
	return s.split
}

// HeaderDone reports whether the header has been fully serialized and
// consumed. Once true it stays true.
func (s *Serializer) HeaderDone() bool {
	return s.headerDone
}

// Done reports whether the entire message has been fully serialized and
// consumed. Once true, Produce must not be called again.
func (s *Serializer) Done() bool {
	return s.done
}

// Produce returns the next views of wire bytes, limited to limit bytes in
// total when limit > 0 (limit <= 0 means unbounded for this call). Views
// not yet consumed are returned again, so an interrupted write can resume.
// An empty result with Done still false means production needs another
// call; callers must not issue a zero-byte transport write for it.
//
// Produce fails with ErrSerializerDone once the message is complete, and
// with ErrInvalidState after any body or framing error has poisoned the
// serializer.
func (s *Serializer) Produce(limit int) ([][]byte, error) {
	if s.failed != nil {
		return nil, ErrInvalidState
	}
	if s.done {
		return nil, ErrSerializerDone
	}
	if len(s.pending) == 0 {
		if err := s.fill(limit); err != nil {
			return nil, err
		}
	}
	return limitViews(s.pending, limit), nil
}

// Consume advances past n bytes of previously produced views. Consuming
// more than is pending is clamped.
func (s *Serializer) Consume(n int) {
	for n > 0 && len(s.pending) > 0 {
		b := s.pending[0]
		take := len(b)
		if take > n {
			take = n
		}
		if s.headerRemaining > 0 {
			h := take
			if h > s.headerRemaining {
				h = s.headerRemaining
			}
			s.headerRemaining -= h
		}
		if take == len(b) {
			s.pending = s.pending[1:]
		} else {
			s.pending[0] = b[take:]
		}
		n -= take
	}
	if s.headerProduced && s.headerRemaining == 0 {
		s.headerDone = true
	}
	if s.headerDone && s.bodyDone && len(s.pending) == 0 {
		s.done = true
	}
}

// fill generates the next production cycle into pending.
func (s *Serializer) fill(limit int) error {
	if !s.headerProduced {
		hdr := formatHeader(&s.msg.Header)
		s.headerProduced = true
		s.headerRemaining = len(hdr)
		s.pending = append(s.pending, hdr)
		if s.split {
			return nil
		}
	}
	return s.fillBody(limit)
}

// fillBody runs one body production cycle, wrapping it in chunk framing
// when the body length is not declared.
func (s *Serializer) fillBody(limit int) error {
	if s.bodyDone {
		s.finishIfDrained()
		return nil
	}

	if s.msg.Body == nil {
		s.bodyDone = true
		if s.chunked {
			s.appendFinalChunk()
		} else if s.declared != 0 {
			return s.fail(ErrContentLengthMismatch)
		}
		s.finishIfDrained()
		return nil
	}

	bodyLimit := 0
	if limit > 0 {
		bodyLimit = limit - s.pendingSize()
		if s.chunked {
			bodyLimit -= chunkOverhead + len(crlf)
		}
		if bodyLimit <= 0 {
			if len(s.pending) > 0 {
				return nil // flush what is pending first
			}
			bodyLimit = 1
		}
	}

	buf, more, err := s.msg.Body.Next(bodyLimit)
	if err != nil {
		return s.fail(errors.Wrap(err, "read body"))
	}

	if s.chunked {
		if len(buf) > 0 {
			ext := s.dec.Extension(len(buf))
			line := strconv.AppendInt(make([]byte, 0, chunkOverhead+len(ext)), int64(len(buf)), 16)
			line = append(line, ext...)
			line = append(line, crlf...)
			s.pending = append(s.pending, line, buf, crlf)
		}
		if !more {
			s.bodyDone = true
			s.appendFinalChunk()
		}
	} else {
		s.counted += int64(len(buf))
		if s.counted > s.declared {
			return s.fail(ErrContentLengthMismatch)
		}
		if !more {
			s.bodyDone = true
			if s.counted != s.declared {
				return s.fail(ErrContentLengthMismatch)
			}
		}
		if len(buf) > 0 {
			s.pending = append(s.pending, buf)
		}
	}

	s.finishIfDrained()
	return nil
}

// appendFinalChunk emits the terminal zero-size chunk, trailer fields and
// the closing CRLF.
func (s *Serializer) appendFinalChunk() {
	ext := s.dec.Extension(0)
	line := append(make([]byte, 0, 3+len(ext)), '0')
	line = append(line, ext...)
	line = append(line, crlf...)
	s.pending = append(s.pending, line)
	for _, f := range s.dec.Trailer() {
		t := make([]byte, 0, len(f.Name)+len(f.Value)+4)
		t = append(t, f.Name...)
		t = append(t, ": "...)
		t = append(t, f.Value...)
		t = append(t, crlf...)
		s.pending = append(s.pending, t)
	}
	s.pending = append(s.pending, crlf)
}

// finishIfDrained flips done when nothing remains to produce or consume.
func (s *Serializer) finishIfDrained() {
	if s.headerDone && s.bodyDone && len(s.pending) == 0 {
		s.done = true
	}
}

// fail poisons the serializer so that later calls report ErrInvalidState.
func (s *Serializer) fail(err error) error {
	s.failed = err
	return err
}

func (s *Serializer) pendingSize() int {
	n := 0
	for _, b := range s.pending {
		n += len(b)
	}
	return n
}

// formatHeader renders the start line, field lines and the blank separator
// line into one contiguous buffer.
func formatHeader(h *Header) []byte {
	n := len(h.Start) + 2*len(crlf)
	for _, f := range h.Fields {
		n += len(f.Name) + len(f.Value) + 4
	}
	buf := make([]byte, 0, n)
	buf = append(buf, h.Start...)
	buf = append(buf, crlf...)
	for _, f := range h.Fields {
		buf = append(buf, f.Name...)
		buf = append(buf, ": "...)
		buf = append(buf, f.Value...)
		buf = append(buf, crlf...)
	}
	return append(buf, crlf...)
}

// limitViews returns a prefix of bufs totalling at most limit bytes.
// The final view may be truncated; the underlying arrays are shared.
func limitViews(bufs [][]byte, limit int) [][]byte {
	if limit <= 0 {
		return bufs
	}
	var out [][]byte
	remain := limit
	for _, b := range bufs {
		if remain == 0 {
			break
		}
		if len(b) > remain {
			b = b[:remain]
		}
		out = append(out, b)
		remain -= len(b)
	}
	return out
}
