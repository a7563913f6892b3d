package wire

import (
	"time"

	"golang.org/x/time/rate"
)

// ControlHandler observes control frames absorbed during reads. isReply is
// false for a keep-alive probe and true for a probe reply; payload is the
// frame payload. The handler runs synchronously inside whichever read call
// observed the frame.
type ControlHandler func(isReply bool, payload []byte)

// options holds the configuration for a framed connection.
type options struct {
	logger Logger

	// onControl is invoked for every keep-alive probe or reply absorbed
	// by a read operation.
	onControl ControlHandler

	bufferSize      int           // writer slot queue depth
	maxReadLength   int           // maximum accepted inbound payload size
	maxFramePayload int           // outgoing per-frame payload ceiling
	autoFragment    bool          // split oversized messages into fragments
	client          bool          // mask outgoing frames (client role)
	heartbeat       time.Duration // read/write deadline interval

	msgRate  rate.Limit // inbound data message rate, 0 disables limiting
	msgBurst int
}

// Option is a function that configures connection options.
type Option func(*options)

// LoggerOption returns an Option that sets the logger.
// If not set, the default slog logger will be used.
func LoggerOption(logger Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// BufferSizeOption returns an Option that sets the writer slot queue depth.
// A larger queue lets more write intents wait without blocking the callers
// that enqueue them.
func BufferSizeOption(size int) Option {
	return func(o *options) {
		o.bufferSize = size
	}
}

// HeartbeatOption returns an Option that sets the heartbeat interval.
// This determines the read/write deadline timeout (heartbeat * 2).
func HeartbeatOption(heartbeat time.Duration) Option {
	return func(o *options) {
		o.heartbeat = heartbeat
	}
}

// MessageMaxSize returns an Option that sets the maximum message buffer size.
// Messages larger than this size cannot be received.
func MessageMaxSize(size int) Option {
	return func(o *options) {
		o.maxReadLength = size
	}
}

// MaxFramePayloadOption returns an Option that sets the largest payload one
// outgoing wire frame may carry. Zero means unlimited. Combined with
// AutoFragmentOption, this bounds how long a pending control reply can be
// delayed behind a large data message.
func MaxFramePayloadOption(size int) Option {
	return func(o *options) {
		o.maxFramePayload = size
	}
}

// AutoFragmentOption returns an Option that controls automatic splitting of
// outgoing messages larger than the frame payload ceiling into continuation
// frames. When disabled, oversized writes fail with ErrMessageTooLarge.
func AutoFragmentOption(on bool) Option {
	return func(o *options) {
		o.autoFragment = on
	}
}

// ClientModeOption returns an Option that puts the connection in the client
// role: outgoing frames are masked, per RFC 6455.
func ClientModeOption() Option {
	return func(o *options) {
		o.client = true
	}
}

// ControlHandlerOption returns an Option that registers the control frame
// observer. The handler slot can also be set later with SetControlHandler.
func ControlHandlerOption(handler ControlHandler) Option {
	return func(o *options) {
		o.onControl = handler
	}
}

// RateLimitOption returns an Option that limits inbound data messages with
// a token bucket. A connection exceeding the limit is closed with status
// ClosePolicyViolation. A limit of zero disables rate limiting.
func RateLimitOption(limit rate.Limit, burst int) Option {
	return func(o *options) {
		o.msgRate = limit
		o.msgBurst = burst
	}
}
