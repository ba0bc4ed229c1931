package device

import (
	"io"
	"log/slog"

	"github.com/bigbag/coaster-loader/internal/partition"
	"github.com/bigbag/coaster-loader/internal/protocol"
)

type config struct {
	mode     protocol.DeviceMode
	version  protocol.Version
	capacity int
	fault    Fault
	maxRead  int
	stale    []byte
	logger   *slog.Logger
}

func defaultConfig() config {
	return config{
		mode:     protocol.ModeUpdateReady,
		capacity: partition.DefaultCapacity,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

// Option configures an Emulator.
type Option func(*config)

// WithMode sets the mode reported in ModeReply.
func WithMode(mode protocol.DeviceMode) Option {
	return func(c *config) {
		c.mode = mode
	}
}

// WithVersion sets the firmware version reported in ModeReply.
func WithVersion(v protocol.Version) Option {
	return func(c *config) {
		c.version = v
	}
}

// WithCapacity sets the update partition size.
func WithCapacity(capacity int) Option {
	return func(c *config) {
		if capacity > 0 {
			c.capacity = capacity
		}
	}
}

// WithFault injects a fault.
func WithFault(f Fault) Option {
	return func(c *config) {
		c.fault = f
	}
}

// WithMaxRead caps the bytes returned by a single Read, splitting frames
// across reads.
func WithMaxRead(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.maxRead = n
		}
	}
}

// WithStale preloads bytes for the host to read before anything the
// emulator sends, as left behind by an abandoned session.
func WithStale(data []byte) Option {
	return func(c *config) {
		c.stale = append(c.stale, data...)
	}
}

// WithLogger sets the logger for device events.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		if logger != nil {
			c.logger = logger
		}
	}
}
