// Package device emulates the coaster bootloader's firmware downloader.
//
// The Emulator is the other end of a transfer session: it answers the mode
// query, pulls chunks in order into an in-memory update partition, verifies
// the image checksum and reports completion. It implements io.ReadWriteCloser
// so it can stand in for a serial link.
package device

import (
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/bigbag/coaster-loader/internal/partition"
	"github.com/bigbag/coaster-loader/internal/protocol"
)

// Fault makes the emulator misbehave in a specific way.
type Fault int

const (
	FaultNone Fault = iota
	// FaultOutOfBounds requests one chunk past the end of the image after the
	// first chunk arrives.
	FaultOutOfBounds
	// FaultPrematureComplete reports completion after the first chunk.
	FaultPrematureComplete
	// FaultCorruptRequest sends the first chunk request with a bad checksum.
	FaultCorruptRequest
	// FaultErrorNotify reports ErrCodeFlashWrite after the first chunk.
	FaultErrorNotify
	// FaultSilent never answers.
	FaultSilent
	// FaultBadImage flips a bit of the first chunk before it is stored, so
	// the image checksum does not match at the end.
	FaultBadImage
)

type downloaderState int

const (
	waitingForQuery downloaderState = iota
	waitingForChunk
	downloadFinished
	idle
)

// ErrClosed is returned by Write after Close.
var ErrClosed = errors.New("device closed")

// Emulator is an in-process coaster bootloader.
type Emulator struct {
	mu   sync.Mutex
	cond *sync.Cond
	cfg  config

	codec *protocol.Codec
	state downloaderState
	rx    []byte
	tx    []byte

	imageSize  uint32
	imageCRC   uint32
	chunkSize  int
	next       uint32
	update     []byte
	received   []uint32
	marker     *partition.Marker
	faultFired bool
	closed     bool
}

// New creates an emulator.
func New(opts ...Option) *Emulator {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	e := &Emulator{
		cfg:   cfg,
		codec: protocol.NewCodec(protocol.MaxChunkSize),
		tx:    append([]byte(nil), cfg.stale...),
	}
	e.cond = sync.NewCond(&e.mu)
	return e
}

// Write feeds host bytes to the device.
func (e *Emulator) Write(p []byte) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return 0, ErrClosed
	}

	e.rx = append(e.rx, p...)
	e.process()
	e.cond.Broadcast()
	return len(p), nil
}

// Read returns bytes the device sends to the host. It blocks until data is
// available and returns io.EOF once the emulator is closed and drained.
func (e *Emulator) Read(p []byte) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for len(e.tx) == 0 && !e.closed {
		e.cond.Wait()
	}
	if len(e.tx) == 0 {
		return 0, io.EOF
	}

	limit := len(p)
	if e.cfg.maxRead > 0 && limit > e.cfg.maxRead {
		limit = e.cfg.maxRead
	}
	n := copy(p[:limit], e.tx)
	e.tx = e.tx[n:]
	return n, nil
}

// Buffered returns the number of bytes waiting to be read.
func (e *Emulator) Buffered() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.tx)
}

// Flush drops bytes the host has not read yet.
func (e *Emulator) Flush() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tx = e.tx[:0]
	return nil
}

// Close unblocks pending reads.
func (e *Emulator) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.closed = true
	e.cond.Broadcast()
	return nil
}

// Image returns a copy of the bytes written to the update partition.
func (e *Emulator) Image() []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]byte(nil), e.update...)
}

// Received returns the chunk indexes accepted so far, in order.
func (e *Emulator) Received() []uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]uint32(nil), e.received...)
}

// Marker returns the swap marker the device recorded after a verified image.
func (e *Emulator) Marker() (partition.Marker, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.marker == nil {
		return partition.Marker{}, false
	}
	return *e.marker, true
}

// process decodes every complete host frame in rx.
func (e *Emulator) process() {
	for len(e.rx) > 0 {
		msg, n, err := e.codec.Decode(e.rx)
		if errors.Is(err, protocol.ErrIncomplete) {
			return
		}
		e.rx = e.rx[n:]
		if err != nil {
			e.cfg.logger.Warn("device:bad-frame", slog.String("err", err.Error()))
			continue
		}
		e.handle(msg)
	}
}

func (e *Emulator) handle(msg protocol.Message) {
	if e.cfg.fault == FaultSilent {
		return
	}

	switch e.state {
	case waitingForQuery:
		q, ok := msg.(protocol.ModeQuery)
		if !ok {
			e.cfg.logger.Debug("device:ignored", slog.String("tag", msg.Tag().String()))
			return
		}
		e.onModeQuery(q)

	case waitingForChunk:
		c, ok := msg.(protocol.ChunkData)
		if !ok {
			e.cfg.logger.Debug("device:ignored", slog.String("tag", msg.Tag().String()))
			return
		}
		e.onChunk(c)

	default:
		e.cfg.logger.Debug("device:ignored", slog.String("tag", msg.Tag().String()))
	}
}

func (e *Emulator) onModeQuery(q protocol.ModeQuery) {
	e.send(protocol.ModeReply{Mode: e.cfg.mode, Version: e.cfg.version})
	if e.cfg.mode != protocol.ModeUpdateReady {
		e.state = idle
		return
	}

	if int(q.ChunkSize) <= 0 || int(q.ChunkSize) > protocol.MaxChunkSize {
		e.send(protocol.ErrorNotify{Code: protocol.ErrCodeUnsupportedChunkSize})
		e.state = idle
		return
	}
	if int(q.ImageSize) > e.cfg.capacity {
		e.send(protocol.ErrorNotify{Code: protocol.ErrCodeImageTooLarge})
		e.state = idle
		return
	}

	e.imageSize = q.ImageSize
	e.imageCRC = q.ImageCRC32
	e.chunkSize = int(q.ChunkSize)
	e.update = make([]byte, 0, q.ImageSize)
	e.next = 0
	e.cfg.logger.Info("device:download-start",
		slog.Uint64("size", uint64(q.ImageSize)),
		slog.Int("chunk_size", e.chunkSize))

	if q.ImageSize == 0 {
		e.finish()
		return
	}

	e.state = waitingForChunk
	e.requestNext()
}

func (e *Emulator) onChunk(c protocol.ChunkData) {
	if c.Index != e.next {
		e.cfg.logger.Warn("device:unexpected-chunk",
			slog.Uint64("got", uint64(c.Index)),
			slog.Uint64("want", uint64(e.next)))
		e.requestNext()
		return
	}

	want := min(e.chunkSize, int(e.imageSize)-int(e.next)*e.chunkSize)
	if len(c.Data) != want {
		e.cfg.logger.Warn("device:short-chunk", slog.Int("got", len(c.Data)), slog.Int("want", want))
		e.requestNext()
		return
	}

	data := c.Data
	if e.cfg.fault == FaultBadImage && !e.faultFired {
		e.faultFired = true
		data = append([]byte(nil), data...)
		data[0] ^= 0x01
	}

	e.update = append(e.update, data...)
	e.received = append(e.received, c.Index)
	e.next++

	if e.injectFault() {
		return
	}

	if uint64(e.next)*uint64(e.chunkSize) >= uint64(e.imageSize) {
		e.finish()
		return
	}
	e.requestNext()
}

// injectFault applies a one-shot fault after the first chunk. It reports
// whether the normal flow should stop.
func (e *Emulator) injectFault() bool {
	if e.faultFired {
		return false
	}

	switch e.cfg.fault {
	case FaultOutOfBounds:
		e.faultFired = true
		count := (e.imageSize + uint32(e.chunkSize) - 1) / uint32(e.chunkSize)
		e.send(protocol.ChunkRequest{Index: count})
		e.state = idle
		return true
	case FaultPrematureComplete:
		e.faultFired = true
		e.send(protocol.TransferComplete{})
		e.state = idle
		return true
	case FaultErrorNotify:
		e.faultFired = true
		e.send(protocol.ErrorNotify{Code: protocol.ErrCodeFlashWrite})
		e.state = idle
		return true
	}
	return false
}

// finish verifies the received image and reports the outcome.
func (e *Emulator) finish() {
	e.state = downloadFinished

	if protocol.ImageChecksum(e.update) != e.imageCRC {
		e.cfg.logger.Error("device:image-crc-mismatch")
		e.update = e.update[:0]
		e.send(protocol.ErrorNotify{Code: protocol.ErrCodeImageCRC})
		e.state = idle
		return
	}

	e.marker = &partition.Marker{ImageSize: e.imageSize, ImageCRC32: e.imageCRC}
	e.cfg.logger.Info("device:download-finished", slog.String("marker", e.marker.String()))
	e.send(protocol.TransferComplete{})
	e.state = idle
}

func (e *Emulator) requestNext() {
	if e.cfg.fault == FaultCorruptRequest && !e.faultFired {
		e.faultFired = true
		frame, _ := e.codec.Encode(protocol.ChunkRequest{Index: e.next})
		frame[len(frame)-1] ^= 0xFF
		e.tx = append(e.tx, frame...)
		return
	}
	e.send(protocol.ChunkRequest{Index: e.next})
}

func (e *Emulator) send(msg protocol.Message) {
	frame, err := e.codec.Encode(msg)
	if err != nil {
		e.cfg.logger.Error("device:encode-failed", slog.String("err", err.Error()))
		return
	}
	e.tx = append(e.tx, frame...)
}
