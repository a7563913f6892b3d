package wire

import (
	"io"
	"net"

	"github.com/pkg/errors"
)

// ErrEndOfStream is returned by Write when the message semantics require
// the transport to be closed after the message has been sent. It signals a
// condition to the caller, not a failure: the message itself was written
// completely.
var ErrEndOfStream = errors.New("end of stream")

// WriteSome performs one bounded transfer of the next available serializer
// output to w. It maps to a single scatter-gather write on transports that
// support it, consumes exactly what was transferred, and returns the byte
// count. A serializer that is already done is a no-op success. When a cycle
// yields no bytes but the serializer is not done, production is re-invoked
// rather than issuing a zero-byte write.
//
// A transport error leaves the serializer positioned mid-message; the
// connection must be treated as unusable because the byte position within
// the stream cannot be renegotiated.
func WriteSome(w io.Writer, s *Serializer) (int64, error) {
	if s.Done() {
		return 0, nil
	}

	var views [][]byte
	for {
		var err error
		views, err = s.Produce(0)
		if err != nil {
			return 0, err
		}
		if s.Done() {
			return 0, nil
		}
		if len(views) > 0 {
			break
		}
	}

	bufs := make(net.Buffers, 0, len(views))
	for _, v := range views {
		if len(v) > 0 {
			bufs = append(bufs, v)
		}
	}
	if len(bufs) == 0 {
		return 0, nil
	}

	n, err := bufs.WriteTo(w)
	if n > 0 {
		s.Consume(int(n))
	}
	if err != nil {
		return n, errors.Wrap(err, "write")
	}
	return n, nil
}

// WriteHeader writes the message header to w using s, performing bounded
// transfers until the header is complete. The serializer's split setting is
// forced on for the duration and restored on exit, success or failure.
func WriteHeader(w io.Writer, s *Serializer) (int64, error) {
	split := s.IsSplit()
	s.Split(true)
	defer s.Split(split)

	var total int64
	for !s.HeaderDone() {
		n, err := WriteSome(w, s)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// WriteMessage writes the remainder of the message to w using s, performing
// bounded transfers until the serializer reports completion.
func WriteMessage(w io.Writer, s *Serializer) (int64, error) {
	var total int64
	for !s.Done() {
		n, err := WriteSome(w, s)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// Write serializes msg to w in full, using a temporary serializer with the
// default decorator. When the message's framing semantics require closing
// the transport after sending (for example "Connection: close"), Write
// returns ErrEndOfStream after the complete message has been written; the
// caller should close the transport.
func Write(w io.Writer, msg *Message) (int64, error) {
	s := NewSerializer(msg)
	n, err := WriteMessage(w, s)
	if err != nil {
		return n, err
	}
	if msg.Header.CloseAfterReply() {
		return n, ErrEndOfStream
	}
	return n, nil
}

// AsyncWriteSome is the suspend/resume form of WriteSome. The operation
// runs on its own goroutine and fn receives the result. fn is never invoked
// before AsyncWriteSome returns, even when the serializer is already done.
func AsyncWriteSome(w io.Writer, s *Serializer, fn func(int64, error)) {
	go func() {
		fn(WriteSome(w, s))
	}()
}

// AsyncWriteHeader is the suspend/resume form of WriteHeader. fn is never
// invoked before AsyncWriteHeader returns.
func AsyncWriteHeader(w io.Writer, s *Serializer, fn func(int64, error)) {
	go func() {
		fn(WriteHeader(w, s))
	}()
}

// AsyncWriteMessage is the suspend/resume form of WriteMessage. fn is never
// invoked before AsyncWriteMessage returns. The serializer must not be
// touched by the caller until fn has been called.
func AsyncWriteMessage(w io.Writer, s *Serializer, fn func(int64, error)) {
	go func() {
		fn(WriteMessage(w, s))
	}()
}

// AsyncWrite is the suspend/resume form of Write. fn is never invoked
// before AsyncWrite returns.
func AsyncWrite(w io.Writer, msg *Message, fn func(int64, error)) {
	go func() {
		fn(Write(w, msg))
	}()
}
