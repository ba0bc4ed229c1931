package session

import (
	"io"
	"log/slog"

	"github.com/bigbag/coaster-loader/internal/protocol"
)

// DefaultRxBufferSize is the inbound assembly buffer size.
const DefaultRxBufferSize = 4096

// FramingPolicy selects what a malformed frame does to the session.
type FramingPolicy int

const (
	// FramingTerminate fails the session on the first malformed frame.
	FramingTerminate FramingPolicy = iota

	// FramingResync drops the malformed bytes and keeps the session alive.
	// The framing error is still returned from the call that saw it.
	FramingResync
)

func (p FramingPolicy) String() string {
	if p == FramingResync {
		return "resync"
	}
	return "terminate"
}

// ParseFramingPolicy parses "terminate" or "resync".
func ParseFramingPolicy(s string) (FramingPolicy, bool) {
	switch s {
	case "terminate", "":
		return FramingTerminate, true
	case "resync":
		return FramingResync, true
	default:
		return FramingTerminate, false
	}
}

type config struct {
	chunkSize     int
	rxBufferSize  int
	framingPolicy FramingPolicy
	logger        *slog.Logger
}

func defaultConfig() config {
	return config{
		chunkSize:     protocol.DefaultChunkSize,
		rxBufferSize:  DefaultRxBufferSize,
		framingPolicy: FramingTerminate,
		logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

// Option configures a Session.
type Option func(*config)

// WithChunkSize sets the chunk size agreed with the device.
// Values outside (0, protocol.MaxChunkSize] are ignored.
func WithChunkSize(size int) Option {
	return func(c *config) {
		if size > 0 && size <= protocol.MaxChunkSize {
			c.chunkSize = size
		}
	}
}

// WithRxBufferSize sets the inbound buffer capacity. Non-positive values are
// ignored.
func WithRxBufferSize(size int) Option {
	return func(c *config) {
		if size > 0 {
			c.rxBufferSize = size
		}
	}
}

// WithFramingPolicy sets how malformed frames are handled.
func WithFramingPolicy(p FramingPolicy) Option {
	return func(c *config) {
		c.framingPolicy = p
	}
}

// WithLogger sets the logger for session events.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		if logger != nil {
			c.logger = logger
		}
	}
}
