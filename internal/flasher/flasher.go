package flasher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/bigbag/coaster-loader/internal/session"
)

// DefaultIdleTimeout is how long Run waits for the device to say anything.
const DefaultIdleTimeout = 5 * time.Second

// ErrIdleTimeout is returned when the device stops responding.
var ErrIdleTimeout = errors.New("device stopped responding")

// flusher is implemented by links that can drop input left over from an
// earlier session, such as serial.Port.
type flusher interface {
	Flush() error
}

// ProgressCallback is called to report transfer progress in chunks.
type ProgressCallback func(current, total int)

// Flasher drives a transfer session over a byte connection.
type Flasher struct {
	conn        io.ReadWriter
	progress    ProgressCallback
	idleTimeout time.Duration
	readSize    int
	logger      *slog.Logger
}

// Option configures a Flasher.
type Option func(*Flasher)

// WithIdleTimeout sets how long to wait for inbound bytes before giving up.
func WithIdleTimeout(d time.Duration) Option {
	return func(f *Flasher) {
		if d > 0 {
			f.idleTimeout = d
		}
	}
}

// WithReadSize sets the read buffer size.
func WithReadSize(n int) Option {
	return func(f *Flasher) {
		if n > 0 {
			f.readSize = n
		}
	}
}

// WithLogger sets the logger for driver events.
func WithLogger(logger *slog.Logger) Option {
	return func(f *Flasher) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// New creates a new Flasher for the given connection.
func New(conn io.ReadWriter, opts ...Option) *Flasher {
	f := &Flasher{
		conn:        conn,
		idleTimeout: DefaultIdleTimeout,
		readSize:    1024,
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// SetProgressCallback sets the progress callback function.
func (f *Flasher) SetProgressCallback(cb ProgressCallback) {
	f.progress = cb
}

// reportProgress calls the progress callback if set.
func (f *Flasher) reportProgress(current, total int) {
	if f.progress != nil {
		f.progress(current, total)
	}
}

// Run starts s and drives it until it ends. It returns nil once the session
// completes and the session's error once it fails.
//
// Input already buffered on the link is discarded first when the link
// supports it. Outbound frames are written in queue order before waiting for more input.
// The session is abandoned, not failed, when ctx is cancelled, the
// connection breaks, or the device is silent for longer than the idle
// timeout; the caller may start a fresh session afterwards.
func (f *Flasher) Run(ctx context.Context, s *session.Session) error {
	if fl, ok := f.conn.(flusher); ok {
		if err := fl.Flush(); err != nil {
			return fmt.Errorf("failed to flush connection: %w", err)
		}
	}

	if err := s.Init(); err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}

	readCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	inbound := make(chan []byte)
	readErr := make(chan error, 1)
	go f.readLoop(readCtx, inbound, readErr)

	idle := time.NewTimer(f.idleTimeout)
	defer idle.Stop()

	lastReported := -1
	for {
		if err := f.flush(s); err != nil {
			return err
		}

		if p, ok := s.Progress(); ok && int(p.Current) != lastReported {
			lastReported = int(p.Current)
			f.reportProgress(int(p.Current), int(p.Max))
		}

		if s.Ended() {
			return s.Err()
		}

		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-readErr:
			return fmt.Errorf("connection read failed: %w", err)

		case <-idle.C:
			return fmt.Errorf("%w: no data for %s in state %s", ErrIdleTimeout, f.idleTimeout, s.State())

		case data := <-inbound:
			idle.Reset(f.idleTimeout)
			f.logger.Debug("flasher:recv", slog.Int("bytes", len(data)))

			if err := s.HandleIncomingBytes(data); err != nil {
				if s.Ended() {
					return err
				}
				f.logger.Warn("flasher:resync", slog.String("err", err.Error()))
			}
		}
	}
}

// flush writes every queued outbound frame.
func (f *Flasher) flush(s *session.Session) error {
	for frame := s.BytesToSend(); frame != nil; frame = s.BytesToSend() {
		if _, err := f.conn.Write(frame); err != nil {
			return fmt.Errorf("failed to send frame: %w", err)
		}
		f.logger.Debug("flasher:sent", slog.Int("bytes", len(frame)))
	}
	return nil
}

// readLoop forwards inbound bytes until the connection fails or ctx ends.
// A zero-byte read is a serial read timeout and is retried.
func (f *Flasher) readLoop(ctx context.Context, out chan<- []byte, errs chan<- error) {
	buf := make([]byte, f.readSize)
	for {
		n, err := f.conn.Read(buf)
		if n > 0 {
			data := append([]byte(nil), buf[:n]...)
			select {
			case out <- data:
			case <-ctx.Done():
				return
			}
		}
		if err != nil {
			errs <- err
			return
		}
		if ctx.Err() != nil {
			return
		}
	}
}
