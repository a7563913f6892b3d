// Package wire implements bounded, resumable serialization of text-protocol
// messages and a framed, full-duplex messaging connection sharing the same
// transport model. The serializer and write engine stream one message at a
// time with O(one production cycle) memory; the framed connection absorbs
// in-band control signals (keep-alive probes and replies, termination
// handshake) transparently during reads.
package wire

import (
	"bufio"
	"context"
	"crypto/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Errors returned by connection operations.
var (
	// ErrMessageTooLarge is returned when a message exceeds the maximum allowed size.
	ErrMessageTooLarge = errors.New("message too large")
	// ErrInvalidConn is returned when no transport connection is provided.
	ErrInvalidConn = errors.New("invalid transport connection")
)

// ErrConnectionClosed is returned when operating on a closed connection.
// After a completed termination handshake the returned error is a
// *CloseError, which still matches ErrConnectionClosed under errors.Is.
var ErrConnectionClosed = errors.New("connection closed")

// Default configuration values.
const (
	// defaultBufferSize is the default depth of the writer slot queue.
	defaultBufferSize = 1
	// defaultMaxPayloadLength is the default maximum size of a single message (1MB).
	defaultMaxPayloadLength = 1024 * 1024
	// defaultHeartbeat drives read/write deadlines (heartbeat * 2).
	defaultHeartbeat = 30 * time.Second
)

// writeIntent is one queued request for the writer slot: a single wire
// frame plus the channel its result is delivered on.
type writeIntent struct {
	fin     bool
	op      Opcode
	payload []byte
	result  chan error
}

// Conn is a framed, full-duplex connection over one byte-stream transport.
//
// A caller may hold one read and one write operation outstanding at a time.
// All writes, caller-initiated and automatic control replies alike, go
// through a single writer slot (a queue drained by one pump goroutine), so
// at most one transport write is in flight at any instant. Control frames
// observed during a read are absorbed before data is delivered: keep-alive
// probes are answered automatically with a reply carrying the same payload,
// and termination frames drive the close handshake.
type Conn struct {
	id     string
	raw    net.Conn
	reader *bufio.Reader
	logger Logger

	opts    options
	limiter *rate.Limiter

	writeC   chan writeIntent
	quit     chan struct{}
	quitOnce sync.Once
	closed   atomic.Bool

	control atomic.Pointer[ControlHandler]

	// closeMu guards the termination handshake flags.
	closeMu       sync.Mutex
	closeSent     bool
	closeReceived bool
	terminal      *CloseError // set once the handshake resolves
	ioErr         error       // first fatal transport error
}

// NewConn creates a framed connection over the given transport connection.
// It applies the provided options, fills in defaults and starts the writer
// pump. The connection assumes sole ownership of conn's read and write
// sides until it is closed.
func NewConn(conn net.Conn, opt ...Option) (*Conn, error) {
	if conn == nil {
		return nil, ErrInvalidConn
	}

	var opts options
	for _, o := range opt {
		o(&opts)
	}
	checkOptions(&opts)

	c := &Conn{
		id:     uuid.NewString(),
		raw:    conn,
		reader: bufio.NewReader(conn),
		logger: opts.logger,
		opts:   opts,
		writeC: make(chan writeIntent, opts.bufferSize),
		quit:   make(chan struct{}),
	}
	if opts.msgRate > 0 {
		c.limiter = rate.NewLimiter(opts.msgRate, opts.msgBurst)
	}
	if opts.onControl != nil {
		h := opts.onControl
		c.control.Store(&h)
	}

	go c.writePump()

	c.logger.Debug("connection open", "conn_id", c.id, "addr", c.Addr())
	return c, nil
}

// checkOptions sets default values for connection options.
func checkOptions(opts *options) {
	if opts.bufferSize <= 0 {
		opts.bufferSize = defaultBufferSize
	}
	if opts.maxReadLength <= 0 {
		opts.maxReadLength = defaultMaxPayloadLength
	}
	if opts.heartbeat <= 0 {
		opts.heartbeat = defaultHeartbeat
	}
	if opts.msgBurst <= 0 {
		opts.msgBurst = 1
	}
	if opts.logger == nil {
		opts.logger = defaultLogger()
	}
}

// ID returns the unique identifier assigned to this connection.
func (c *Conn) ID() string {
	return c.id
}

// Addr returns the remote address of the connection.
func (c *Conn) Addr() net.Addr {
	return c.raw.RemoteAddr()
}

// IsClosed returns true if the connection has been closed.
func (c *Conn) IsClosed() bool {
	return c.closed.Load()
}

// SetControlHandler registers the observer invoked for every keep-alive
// probe (isReply false) and probe reply (isReply true) absorbed during
// reads. The slot holds at most one handler; passing nil clears it. The
// handler runs synchronously inside the read call that observed the frame.
func (c *Conn) SetControlHandler(handler ControlHandler) {
	if handler == nil {
		c.control.Store(nil)
		return
	}
	c.control.Store(&handler)
}

func (c *Conn) notifyControl(isReply bool, payload []byte) {
	if h := c.control.Load(); h != nil {
		(*h)(isReply, payload)
	}
}

// ReadMessage reads the next data message, absorbing any control frames
// encountered along the way. Fragmented messages are reassembled. Once the
// termination handshake has completed, ReadMessage fails with an error
// matching ErrConnectionClosed without touching the transport.
func (c *Conn) ReadMessage() (Opcode, []byte, error) {
	var body BufferBody
	op, err := c.ReadMessageInto(&body)
	if err != nil {
		return 0, nil, err
	}
	return op, body.Bytes(), nil
}

// ReadMessageInto reads the next data message, feeding each fragment's
// payload into dst and calling Finish when the message is complete. This is
// the consumer side of the body content contract: dst may accumulate in
// memory, spill to disk or process the content incrementally.
func (c *Conn) ReadMessageInto(dst BodyWriter) (Opcode, error) {
	var op Opcode
	total := 0
	assembling := false
	for {
		f, err := c.nextFrame()
		if err != nil {
			return 0, err
		}

		if assembling {
			if f.op != OpContinuation {
				return 0, c.abortProtocol(errors.Wrap(ErrInvalidOpcode, "expected continuation frame"))
			}
		} else {
			if f.op == OpContinuation {
				return 0, c.abortProtocol(errors.Wrap(ErrInvalidOpcode, "continuation without preceding data frame"))
			}
			op = f.op
			assembling = true
		}

		total += len(f.payload)
		if total > c.opts.maxReadLength {
			return 0, c.abortProtocol(ErrMessageTooLarge)
		}
		if err := dst.Put(f.payload); err != nil {
			return 0, err
		}

		if f.fin {
			if c.limiter != nil && !c.limiter.Allow() {
				return 0, c.abortPolicy()
			}
			if err := dst.Finish(); err != nil {
				return 0, err
			}
			return op, nil
		}
	}
}

// nextFrame returns the next data frame, handling control frames in-band.
func (c *Conn) nextFrame() (frame, error) {
	for {
		if err := c.terminalError(); err != nil {
			return frame{}, err
		}

		if c.opts.heartbeat > 0 {
			_ = c.raw.SetReadDeadline(time.Now().Add(c.opts.heartbeat * 2))
		}

		f, err := readFrame(c.reader, int64(c.opts.maxReadLength))
		if err != nil {
			if isProtocolError(err) {
				return frame{}, c.abortProtocol(err)
			}
			werr := errors.Wrap(err, "read frame")
			c.teardown(werr)
			return frame{}, werr
		}

		switch f.op {
		case OpPing:
			c.logger.Debug("probe received", "conn_id", c.id, "len", len(f.payload))
			c.notifyControl(false, f.payload)
			if st := c.closeState(); st == stateActive || st == stateCloseSent {
				// The reply goes through the writer slot like any other
				// write; the blocking read waits for it so the reply is
				// on the wire before data is delivered.
				if err := c.enqueue(true, OpPong, f.payload); err != nil {
					return frame{}, err
				}
			}
		case OpPong:
			c.notifyControl(true, f.payload)
		case OpClose:
			return frame{}, c.handlePeerClose(f.payload)
		default:
			return f, nil
		}
	}
}

// handlePeerClose runs the receive side of the termination handshake.
func (c *Conn) handlePeerClose(payload []byte) error {
	code, reason := parseClosePayload(payload)
	status := &CloseError{Code: code, Reason: reason}

	c.closeMu.Lock()
	c.closeReceived = true
	if c.terminal == nil {
		c.terminal = status
	}
	needEcho := !c.closeSent
	c.closeSent = true
	c.closeMu.Unlock()

	if needEcho {
		echo := code
		if echo == 0 {
			echo = CloseNormal
		}
		if err := c.enqueue(true, OpClose, encodeClosePayload(echo, "")); err != nil && !errors.Is(err, ErrConnectionClosed) {
			c.teardown(err)
			return err
		}
	}

	c.teardown(nil)
	c.logger.Info("connection closed by peer", "conn_id", c.id, "addr", c.Addr(), "status", status.Code)
	return status
}

// Close initiates the termination handshake: it sends a termination frame
// with the given status code (CloseNormal when zero), then consumes and
// discards incoming data until the peer's termination frame arrives or the
// transport fails. Calling Close when a close has already been sent or the
// handshake has completed is a no-op.
//
// Close consumes from the read side while awaiting the peer's termination
// frame; it must not race a concurrent ReadMessage. Callers holding a
// pending read should instead wait for that read to fail with
// ErrConnectionClosed after the peer answers.
func (c *Conn) Close(code int, reason string) error {
	c.closeMu.Lock()
	if c.closeSent {
		c.closeMu.Unlock()
		return nil
	}
	if c.closed.Load() {
		c.closeMu.Unlock()
		return c.lastError()
	}
	c.closeSent = true
	c.closeMu.Unlock()

	if code == 0 {
		code = CloseNormal
	}
	if err := c.enqueue(true, OpClose, encodeClosePayload(code, reason)); err != nil {
		return err
	}

	c.logger.Debug("close sent, awaiting peer", "conn_id", c.id, "code", code)
	for {
		if _, _, err := c.ReadMessage(); err != nil {
			if errors.Is(err, ErrConnectionClosed) {
				return nil
			}
			return err
		}
	}
}

// WriteMessage sends one data message. When the payload exceeds the
// configured frame payload ceiling it is either split into continuation
// frames (auto-fragmentation on) or rejected with ErrMessageTooLarge.
// Fragments are separate writer slot requests, so a pending control reply
// is delayed by at most one frame's transmission.
func (c *Conn) WriteMessage(op Opcode, payload []byte) error {
	if !op.IsData() || op == OpContinuation {
		return ErrInvalidOpcode
	}
	if err := c.writableError(); err != nil {
		return err
	}

	limit := c.opts.maxFramePayload
	if limit > 0 && len(payload) > limit {
		if !c.opts.autoFragment {
			return ErrMessageTooLarge
		}
		for off := 0; ; {
			end := off + limit
			if end > len(payload) {
				end = len(payload)
			}
			fop := OpContinuation
			if off == 0 {
				fop = op
			}
			if err := c.enqueue(end == len(payload), fop, payload[off:end]); err != nil {
				return err
			}
			if end == len(payload) {
				return nil
			}
			off = end
		}
	}
	return c.enqueue(true, op, payload)
}

// Ping sends a keep-alive probe. The peer is expected to answer with a
// reply carrying the same payload, observable through the control handler.
func (c *Conn) Ping(payload []byte) error {
	if len(payload) > maxControlPayload {
		return ErrControlTooLong
	}
	if err := c.writableError(); err != nil {
		return err
	}
	return c.enqueue(true, OpPing, payload)
}

// Run drives the connection with a message callback until the context is
// canceled, the peer closes, or an error occurs. A graceful close and
// context cancellation both return nil.
func (c *Conn) Run(ctx context.Context, onMessage func(op Opcode, payload []byte) error) error {
	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		for {
			op, payload, err := c.ReadMessage()
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return err
			}
			if err := onMessage(op, payload); err != nil {
				return err
			}
		}
	})

	group.Go(func() error {
		<-ctx.Done()
		c.teardown(nil)
		return ctx.Err()
	})

	err := group.Wait()
	c.teardown(nil)

	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, ErrConnectionClosed) {
		c.logger.Info("connection closed with error", "conn_id", c.id, "addr", c.Addr(), "error", err)
		return err
	}
	c.logger.Info("connection closed", "conn_id", c.id, "addr", c.Addr())
	return nil
}

// enqueue submits one frame to the writer slot and waits for its result.
func (c *Conn) enqueue(fin bool, op Opcode, payload []byte) error {
	req := writeIntent{fin: fin, op: op, payload: payload, result: make(chan error, 1)}
	select {
	case c.writeC <- req:
	case <-c.quit:
		return c.lastError()
	}
	select {
	case err := <-req.result:
		return err
	case <-c.quit:
		select {
		case err := <-req.result:
			return err
		default:
			return c.lastError()
		}
	}
}

// writePump is the single worker draining the writer slot queue. Exactly
// one transport write is in flight at any instant, regardless of how many
// logical writers (caller writes, automatic replies) are queued.
func (c *Conn) writePump() {
	for {
		select {
		case req := <-c.writeC:
			err := c.writeFrame(req.fin, req.op, req.payload)
			req.result <- err
			if err != nil {
				c.teardown(err)
			}
		case <-c.quit:
			for {
				select {
				case req := <-c.writeC:
					req.result <- c.lastError()
				default:
					return
				}
			}
		}
	}
}

// writeFrame encodes and sends one frame with a single transport write.
func (c *Conn) writeFrame(fin bool, op Opcode, payload []byte) error {
	if c.opts.heartbeat > 0 {
		_ = c.raw.SetWriteDeadline(time.Now().Add(c.opts.heartbeat * 2))
	}

	hdr := make([]byte, 0, maxFrameHeader)
	if c.opts.client {
		var key [4]byte
		if _, err := rand.Read(key[:]); err != nil {
			return errors.Wrap(err, "mask key")
		}
		hdr = appendFrameHeader(hdr, fin, op, len(payload), true, key)
		buf := make([]byte, len(hdr)+len(payload))
		n := copy(buf, hdr)
		copy(buf[n:], payload)
		maskBytes(buf[n:], key)
		_, err := c.raw.Write(buf)
		return errors.Wrap(err, "write frame")
	}

	hdr = appendFrameHeader(hdr, fin, op, len(payload), false, [4]byte{})
	if len(payload) == 0 {
		_, err := c.raw.Write(hdr)
		return errors.Wrap(err, "write frame")
	}
	bufs := net.Buffers{hdr, payload}
	_, err := bufs.WriteTo(c.raw)
	return errors.Wrap(err, "write frame")
}

// closeState derives the handshake state from the sent/received flag pair.
func (c *Conn) closeState() int {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	switch {
	case c.closeSent && c.closeReceived:
		return stateClosed
	case c.closeSent:
		return stateCloseSent
	case c.closeReceived:
		return stateCloseReceived
	default:
		return stateActive
	}
}

// terminalError reports the error reads must fail with once the connection
// has terminated, or nil while reads may proceed.
func (c *Conn) terminalError() error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closeReceived {
		if c.terminal != nil {
			return c.terminal
		}
		return ErrConnectionClosed
	}
	if c.closed.Load() {
		return c.lastErrorLocked()
	}
	return nil
}

// writableError reports the error writes must fail with, or nil.
func (c *Conn) writableError() error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closeSent || c.closeReceived || c.closed.Load() {
		return c.lastErrorLocked()
	}
	return nil
}

// lastError returns the terminal condition of a dead connection.
func (c *Conn) lastError() error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	return c.lastErrorLocked()
}

func (c *Conn) lastErrorLocked() error {
	if c.ioErr != nil {
		return c.ioErr
	}
	if c.terminal != nil {
		return c.terminal
	}
	return ErrConnectionClosed
}

// abortProtocol fails the connection on a framing violation, sending a
// best-effort termination frame first.
func (c *Conn) abortProtocol(err error) error {
	code := CloseProtocolError
	if errors.Is(err, ErrMessageTooLarge) {
		code = CloseMessageTooBig
	}

	c.closeMu.Lock()
	send := !c.closeSent
	c.closeSent = true
	c.closeMu.Unlock()

	if send {
		_ = c.enqueue(true, OpClose, encodeClosePayload(code, err.Error()))
	}
	c.teardown(err)
	c.logger.Debug("protocol violation", "conn_id", c.id, "addr", c.Addr(), "error", err)
	return err
}

// abortPolicy closes a connection that exceeded the inbound message rate.
func (c *Conn) abortPolicy() error {
	status := &CloseError{Code: ClosePolicyViolation, Reason: "rate limit exceeded"}

	c.closeMu.Lock()
	send := !c.closeSent
	c.closeSent = true
	if c.terminal == nil {
		c.terminal = status
	}
	c.closeMu.Unlock()

	if send {
		_ = c.enqueue(true, OpClose, encodeClosePayload(status.Code, status.Reason))
	}
	c.teardown(nil)
	c.logger.Warn("rate limit exceeded", "conn_id", c.id, "addr", c.Addr())
	return status
}

// teardown records the fatal error (first one wins), releases the writer
// slot and closes the transport. Safe to call multiple times.
func (c *Conn) teardown(err error) {
	c.closeMu.Lock()
	if err != nil && c.ioErr == nil {
		c.ioErr = err
	}
	c.closeMu.Unlock()

	c.quitOnce.Do(func() {
		c.closed.Store(true)
		close(c.quit)
		_ = c.raw.Close()
	})
}

// isProtocolError reports whether a frame decoding failure is a framing
// violation, as opposed to a transport failure.
func isProtocolError(err error) bool {
	return errors.Is(err, ErrInvalidOpcode) ||
		errors.Is(err, ErrReservedBits) ||
		errors.Is(err, ErrFragmentedControl) ||
		errors.Is(err, ErrControlTooLong) ||
		errors.Is(err, ErrMessageTooLarge)
}
