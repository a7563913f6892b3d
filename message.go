package wire

import (
	"bytes"
	"io"
	"strconv"
	"strings"
)

// Field is a single protocol header field. Field order is significant on
// the wire, so headers keep fields in a slice instead of a map.
type Field struct {
	Name  string
	Value string
}

// Header holds the metadata portion of a text-protocol message: the start
// line (request line or status line) and the ordered field list.
type Header struct {
	// Start is the start line without the trailing CRLF,
	// e.g. "HTTP/1.1 200 OK" or "GET /index HTTP/1.1".
	Start string
	// Fields are serialized in order, one "Name: Value" line each.
	Fields []Field
}

// Get returns the value of the first field with the given name.
// Field names are compared case-insensitively.
func (h *Header) Get(name string) (string, bool) {
	for _, f := range h.Fields {
		if strings.EqualFold(f.Name, name) {
			return f.Value, true
		}
	}
	return "", false
}

// Set replaces the first field with the given name, or appends a new
// field when none exists.
func (h *Header) Set(name, value string) {
	for i, f := range h.Fields {
		if strings.EqualFold(f.Name, name) {
			h.Fields[i].Value = value
			return
		}
	}
	h.Add(name, value)
}

// Add appends a field without replacing existing ones with the same name.
func (h *Header) Add(name, value string) {
	h.Fields = append(h.Fields, Field{Name: name, Value: value})
}

// ContentLength reports the declared body length. The second return value
// is false when no valid Content-Length field is present, which selects
// chunked framing for the body.
func (h *Header) ContentLength() (int64, bool) {
	v, ok := h.Get("Content-Length")
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// CloseAfterReply reports whether the message semantics require the
// transport to be closed once the message has been sent. This is the case
// for an explicit "Connection: close" field, and for HTTP/1.0 start lines
// without "Connection: keep-alive".
func (h *Header) CloseAfterReply() bool {
	if conn, ok := h.Get("Connection"); ok {
		if hasToken(conn, "close") {
			return true
		}
		if hasToken(conn, "keep-alive") {
			return false
		}
	}
	return strings.Contains(h.Start, "HTTP/1.0")
}

// hasToken reports whether a comma-separated field value contains the token.
func hasToken(value, token string) bool {
	for _, part := range strings.Split(value, ",") {
		if strings.EqualFold(strings.TrimSpace(part), token) {
			return true
		}
	}
	return false
}

// Message is one text-protocol message: a header plus an optional streamable
// body. The caller owns the message; a Serializer borrows it for the
// duration of serialization and must not outlive it.
type Message struct {
	Header Header
	// Body produces the message payload. A nil Body means an empty body.
	Body BodyReader
}

// Chunked reports whether the body must be framed with chunked transfer
// encoding, which is the case whenever no valid Content-Length is declared.
func (m *Message) Chunked() bool {
	_, known := m.Header.ContentLength()
	return !known
}

// BodyReader is the producer side of the body content contract. A body can
// be stored anywhere (memory, file, generator); the serializer only relies
// on this interface.
type BodyReader interface {
	// Next returns the next view of body content, at most limit bytes when
	// limit > 0 (limit <= 0 means unbounded for that call). The second
	// return value reports whether more content follows; once it is false
	// the returned buffer is the final one and Next will not be called
	// again. The returned buffer is only valid until the next call.
	Next(limit int) ([]byte, bool, error)
}

// BodyWriter is the consumer side of the body content contract. The
// read-side frame decoder feeds incoming payload views into it.
type BodyWriter interface {
	// Put accepts one incoming view of body content.
	Put(p []byte) error
	// Finish marks the body as complete. No Put calls follow.
	Finish() error
}

// BytesBody is an in-memory body with a length known in advance.
type BytesBody struct {
	data []byte
	off  int
}

// NewBytesBody returns a body that yields p. The slice is not copied.
func NewBytesBody(p []byte) *BytesBody {
	return &BytesBody{data: p}
}

// Len returns the total body length, for declaring Content-Length.
func (b *BytesBody) Len() int {
	return len(b.data)
}

// Next implements BodyReader by slicing into the underlying data.
func (b *BytesBody) Next(limit int) ([]byte, bool, error) {
	rest := b.data[b.off:]
	if limit > 0 && len(rest) > limit {
		rest = rest[:limit]
	}
	b.off += len(rest)
	return rest, b.off < len(b.data), nil
}

// ReaderBody adapts an io.Reader into a body of unknown length, which makes
// the serializer emit chunked framing.
type ReaderBody struct {
	r   io.Reader
	buf []byte
	eof bool
}

// defaultBodyBuffer is the read buffer size used when the caller imposes no
// per-call limit.
const defaultBodyBuffer = 8 * 1024

// NewReaderBody returns a body streaming from r until io.EOF.
func NewReaderBody(r io.Reader) *ReaderBody {
	return &ReaderBody{r: r, buf: make([]byte, defaultBodyBuffer)}
}

// Next implements BodyReader with one Read per call. A Read that returns
// zero bytes without an error yields an empty view with more == true; the
// write engine re-invokes production instead of issuing an empty write.
func (b *ReaderBody) Next(limit int) ([]byte, bool, error) {
	if b.eof {
		return nil, false, nil
	}
	p := b.buf
	if limit > 0 && limit < len(p) {
		p = p[:limit]
	}
	n, err := b.r.Read(p)
	if err == io.EOF {
		b.eof = true
		return p[:n], false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return p[:n], true, nil
}

// BufferBody collects incoming body content in memory. It implements
// BodyWriter for the read side of the body content contract.
type BufferBody struct {
	buf      bytes.Buffer
	finished bool
}

// Put implements BodyWriter.
func (b *BufferBody) Put(p []byte) error {
	if b.finished {
		return ErrInvalidState
	}
	b.buf.Write(p)
	return nil
}

// Finish implements BodyWriter. Further Put calls fail with ErrInvalidState.
func (b *BufferBody) Finish() error {
	b.finished = true
	return nil
}

// Bytes returns the content collected so far.
func (b *BufferBody) Bytes() []byte {
	return b.buf.Bytes()
}
