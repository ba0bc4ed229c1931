// Package session implements the sender side of the coaster firmware transfer.
//
// A Session is a pure state machine: the host feeds it the bytes it receives
// and sends out whatever BytesToSend returns. The device drives the transfer
// by requesting chunks; the session only answers. A Session performs no
// locking and must be driven by a single goroutine.
package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/google/uuid"
	"github.com/looplab/fsm"

	"github.com/bigbag/coaster-loader/internal/chunk"
	"github.com/bigbag/coaster-loader/internal/partition"
	"github.com/bigbag/coaster-loader/internal/protocol"
)

// State is the lifecycle state of a session.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateInitializing  State = "initializing"
	StateTransferring  State = "transferring"
	StateCompleted     State = "completed"
	StateFailed        State = "failed"
)

// Ended reports whether s is terminal.
func (s State) Ended() bool {
	return s == StateCompleted || s == StateFailed
}

const (
	eventInit     = "init"
	eventReady    = "ready"
	eventComplete = "complete"
	eventFail     = "fail"
)

// Progress counts the chunks the device has requested so far.
type Progress struct {
	Current uint32
	Max     uint32
}

// Percent returns progress in the range [0, 1].
func (p Progress) Percent() float64 {
	if p.Max == 0 {
		return 0
	}
	return float64(p.Current) / float64(p.Max)
}

// Session transfers one firmware image to one device.
type Session struct {
	id      uuid.UUID
	cfg     config
	logger  *slog.Logger
	machine *fsm.FSM

	image   []byte
	crc     uint32
	planner *chunk.Planner
	codec   *protocol.Codec
	gate    *partition.Gate

	rx       []byte
	outbound [][]byte
	current  uint32
	version  protocol.Version
	err      error
}

// New creates a session for image. The image is copied. The gate is checked
// for capacity here; an image that does not fit fails with ErrTooLarge.
func New(image []byte, gate *partition.Gate, opts ...Option) (*Session, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	if len(image) == 0 {
		return nil, ErrEmptyImage
	}
	if gate == nil {
		return nil, ErrNoGate
	}
	if uint64(len(image)) > math.MaxUint32 {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, len(image))
	}
	if err := gate.ValidateCapacity(len(image)); err != nil {
		return nil, err
	}

	img := bytes.Clone(image)
	planner, err := chunk.NewPlanner(img, cfg.chunkSize)
	if err != nil {
		return nil, err
	}

	s := &Session{
		id:      uuid.New(),
		cfg:     cfg,
		image:   img,
		crc:     protocol.ImageChecksum(img),
		planner: planner,
		codec:   protocol.NewCodec(cfg.chunkSize),
		gate:    gate,
		rx:      make([]byte, 0, cfg.rxBufferSize),
	}
	s.logger = cfg.logger.With(slog.String("session", s.id.String()))

	s.machine = fsm.NewFSM(
		string(StateUninitialized),
		fsm.Events{
			{Name: eventInit, Src: []string{string(StateUninitialized)}, Dst: string(StateInitializing)},
			{Name: eventReady, Src: []string{string(StateInitializing)}, Dst: string(StateTransferring)},
			{Name: eventComplete, Src: []string{string(StateTransferring)}, Dst: string(StateCompleted)},
			{
				Name: eventFail,
				Src:  []string{string(StateUninitialized), string(StateInitializing), string(StateTransferring)},
				Dst:  string(StateFailed),
			},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				s.logger.Debug("session:state",
					slog.String("from", e.Src),
					slog.String("to", e.Dst),
					slog.String("event", e.Event))
			},
		},
	)

	s.logger.Debug("session:created",
		slog.Int("size", len(img)),
		slog.Int("chunk_size", cfg.chunkSize),
		slog.Uint64("chunks", uint64(planner.Count())),
		slog.String("framing", cfg.framingPolicy.String()))

	return s, nil
}

// ID returns the session identifier used in log records.
func (s *Session) ID() uuid.UUID {
	return s.id
}

// State returns the current state.
func (s *Session) State() State {
	return State(s.machine.Current())
}

// Ended reports whether the session has completed or failed.
func (s *Session) Ended() bool {
	return s.State().Ended()
}

// Err returns the error that failed the session, or nil.
func (s *Session) Err() error {
	return s.err
}

// FirmwareSize returns the image length in bytes.
func (s *Session) FirmwareSize() int {
	return len(s.image)
}

// ChunkSize returns the chunk size in use.
func (s *Session) ChunkSize() int {
	return s.planner.ChunkSize()
}

// ChunkCount returns the number of chunks the image splits into.
func (s *Session) ChunkCount() uint32 {
	return s.planner.Count()
}

// DeviceVersion returns the firmware version from the device's ModeReply.
// It is the zero value until the device has answered.
func (s *Session) DeviceVersion() protocol.Version {
	return s.version
}

// Progress returns the current progress. It reports false until Init has
// been called.
func (s *Session) Progress() (Progress, bool) {
	if s.State() == StateUninitialized {
		return Progress{}, false
	}
	return Progress{Current: s.current, Max: s.planner.Count()}, true
}

// Init queues the ModeQuery that opens the transfer. It is valid only once,
// on a fresh session.
func (s *Session) Init() error {
	if s.Ended() {
		return ErrSessionEnded
	}
	if state := s.State(); state != StateUninitialized {
		return s.fail(fmt.Errorf("%w: init in state %s", ErrUnexpectedMessage, state))
	}

	frame, err := s.codec.Encode(protocol.ModeQuery{
		ImageSize:  uint32(len(s.image)),
		ImageCRC32: s.crc,
		ChunkSize:  uint32(s.planner.ChunkSize()),
	})
	if err != nil {
		return s.fail(err)
	}

	s.enqueue(frame)
	return s.transition(eventInit)
}

// BytesToSend removes and returns the oldest pending outbound frame. It
// returns nil when nothing is pending.
func (s *Session) BytesToSend() []byte {
	if len(s.outbound) == 0 {
		return nil
	}
	frame := s.outbound[0]
	s.outbound[0] = nil
	s.outbound = s.outbound[1:]
	return frame
}

// Pending returns the number of queued outbound frames.
func (s *Session) Pending() int {
	return len(s.outbound)
}

// HandleIncomingBytes feeds bytes received from the device into the session
// and processes every frame they complete.
//
// Under FramingResync a malformed frame is dropped and processing continues;
// the first framing error of the call is returned while the session stays
// alive. Any other error fails the session.
func (s *Session) HandleIncomingBytes(data []byte) error {
	if s.Ended() {
		return ErrSessionEnded
	}

	var framingErr error
	for {
		n := min(cap(s.rx)-len(s.rx), len(data))
		s.rx = append(s.rx, data[:n]...)
		data = data[n:]

		if err := s.process(&framingErr); err != nil {
			return err
		}
		if s.Ended() || len(data) == 0 {
			return framingErr
		}
		if len(s.rx) == cap(s.rx) {
			return s.fail(fmt.Errorf("%w: %d byte buffer holds an incomplete frame", ErrRxBufferNotEnoughSpace, cap(s.rx)))
		}
	}
}

// process decodes and dispatches every complete frame in the rx buffer.
func (s *Session) process(framingErr *error) error {
	off := 0
	defer func() {
		if s.Ended() {
			s.rx = s.rx[:0]
			return
		}
		s.rx = s.rx[:copy(s.rx, s.rx[off:])]
	}()

	for !s.Ended() {
		msg, n, err := s.codec.Decode(s.rx[off:])
		if errors.Is(err, protocol.ErrIncomplete) {
			return nil
		}
		off += n

		if err != nil {
			ferr := fmt.Errorf("%w: %w", ErrFraming, err)
			if s.cfg.framingPolicy == FramingTerminate {
				return s.fail(ferr)
			}
			s.logger.Warn("session:resync", slog.Int("discarded", n), slog.String("err", err.Error()))
			if *framingErr == nil {
				*framingErr = ferr
			}
			continue
		}

		if err := s.dispatch(msg); err != nil {
			return err
		}
	}
	return nil
}

// dispatch applies one decoded message to the current state.
func (s *Session) dispatch(msg protocol.Message) error {
	state := s.State()
	s.logger.Debug("session:recv", slog.String("tag", msg.Tag().String()), slog.String("state", string(state)))

	switch state {
	case StateInitializing:
		reply, ok := msg.(protocol.ModeReply)
		if !ok {
			return s.fail(unexpected(msg, state))
		}
		if reply.Mode != protocol.ModeUpdateReady {
			return s.fail(fmt.Errorf("%w: device is in %s mode", ErrIncorrectDeviceMode, reply.Mode))
		}
		s.version = reply.Version
		s.logger.Info("session:device-ready", slog.String("version", reply.Version.String()))
		return s.transition(eventReady)

	case StateTransferring:
		switch m := msg.(type) {
		case protocol.ChunkRequest:
			return s.serveChunk(m.Index)
		case protocol.TransferComplete:
			return s.complete()
		case protocol.ErrorNotify:
			return s.fail(&DeviceError{Code: m.Code})
		case protocol.ModeQuery, protocol.ModeReply, protocol.ChunkData:
			return s.fail(unexpected(msg, state))
		}
	}

	return s.fail(unexpected(msg, state))
}

// serveChunk queues the chunk the device asked for.
func (s *Session) serveChunk(index uint32) error {
	data, err := s.planner.Chunk(index)
	if err != nil {
		return s.fail(fmt.Errorf("%w: index %d, chunks %d", ErrChunkRequestOutOfBounds, index, s.planner.Count()))
	}

	frame, err := s.codec.Encode(protocol.ChunkData{Index: index, Data: data})
	if err != nil {
		return s.fail(err)
	}
	s.enqueue(frame)

	if index+1 > s.current {
		s.current = index + 1
	}

	s.logger.Debug("session:chunk",
		slog.Uint64("index", uint64(index)),
		slog.Int("bytes", len(data)),
		slog.Uint64("current", uint64(s.current)))
	return nil
}

// complete commits the swap marker once every chunk has been served.
func (s *Session) complete() error {
	if total := s.planner.Count(); s.current < total {
		return s.fail(fmt.Errorf("%w: transfer complete after %d of %d chunks", ErrUnexpectedMessage, s.current, total))
	}

	marker := partition.Marker{ImageSize: uint32(len(s.image)), ImageCRC32: s.crc}
	if err := s.gate.CommitReadyMarker(marker); err != nil {
		return s.fail(fmt.Errorf("%w: %w", ErrCommit, err))
	}

	s.logger.Info("session:completed", slog.String("marker", marker.String()))
	return s.transition(eventComplete)
}

func (s *Session) enqueue(frame []byte) {
	s.outbound = append(s.outbound, frame)
}

func (s *Session) transition(event string) error {
	if err := s.machine.Event(context.Background(), event); err != nil {
		return fmt.Errorf("session transition %q from %s: %w", event, s.State(), err)
	}
	return nil
}

// fail moves the session to StateFailed and returns err.
func (s *Session) fail(err error) error {
	s.err = err
	if tErr := s.machine.Event(context.Background(), eventFail); tErr != nil {
		s.logger.Error("session:fail-transition", slog.String("err", tErr.Error()))
	}
	s.logger.Warn("session:failed", slog.String("err", err.Error()))
	return err
}

func unexpected(msg protocol.Message, state State) error {
	return fmt.Errorf("%w: %s in state %s", ErrUnexpectedMessage, msg.Tag(), state)
}
