package device

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/bigbag/coaster-loader/internal/partition"
	"github.com/bigbag/coaster-loader/internal/protocol"
	"github.com/bigbag/coaster-loader/internal/session"
)

func makeImage(n int) []byte {
	image := make([]byte, n)
	for i := range image {
		image[i] = byte(i*13 + 1)
	}
	return image
}

// pump drives s against e until the session ends or nothing moves.
func pump(t *testing.T, s *session.Session, e *Emulator) error {
	t.Helper()
	buf := make([]byte, 256)

	for i := 0; i < 10000; i++ {
		moved := false
		for out := s.BytesToSend(); out != nil; out = s.BytesToSend() {
			if _, err := e.Write(out); err != nil {
				t.Fatalf("Write() error = %v", err)
			}
			moved = true
		}
		for e.Buffered() > 0 {
			n, err := e.Read(buf)
			if err != nil {
				t.Fatalf("Read() error = %v", err)
			}
			moved = true
			if err := s.HandleIncomingBytes(buf[:n]); err != nil {
				return err
			}
		}
		if s.Ended() || !moved {
			return nil
		}
	}
	t.Fatal("pump did not settle")
	return nil
}

func newSession(t *testing.T, image []byte, opts ...session.Option) (*session.Session, *partition.MemoryStore) {
	t.Helper()
	store := partition.NewMemoryStore()
	s, err := session.New(image, partition.NewGate(partition.DefaultCapacity, store), opts...)
	if err != nil {
		t.Fatalf("session.New() error = %v", err)
	}
	if err := s.Init(); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	return s, store
}

func TestEmulator_FullTransfer(t *testing.T) {
	tests := []struct {
		name      string
		size      int
		chunkSize int
		maxRead   int
	}{
		{"exact multiple", 120, 40, 0},
		{"short last chunk", 100, 40, 0},
		{"single chunk", 10, 512, 0},
		{"default chunk size", 5000, 512, 0},
		{"fragmented reads", 300, 64, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			image := makeImage(tt.size)
			e := New(WithMaxRead(tt.maxRead), WithVersion(protocol.Version{Major: 1}))
			defer e.Close()

			s, store := newSession(t, image, session.WithChunkSize(tt.chunkSize))
			if err := pump(t, s, e); err != nil {
				t.Fatalf("pump() error = %v", err)
			}

			if s.State() != session.StateCompleted {
				t.Fatalf("State() = %s, want %s (err = %v)", s.State(), session.StateCompleted, s.Err())
			}
			if !bytes.Equal(e.Image(), image) {
				t.Error("device partition does not match image")
			}

			p, _ := s.Progress()
			if p.Current != p.Max || int(p.Max) != len(e.Received()) {
				t.Errorf("Progress() = %+v, device received %d chunks", p, len(e.Received()))
			}

			hostMarker, err := store.LoadMarker()
			if err != nil {
				t.Fatalf("LoadMarker() error = %v", err)
			}
			devMarker, ok := e.Marker()
			if !ok {
				t.Fatal("device recorded no marker")
			}
			if hostMarker != devMarker {
				t.Errorf("host marker %v != device marker %v", hostMarker, devMarker)
			}
			if s.DeviceVersion().Major != 1 {
				t.Errorf("DeviceVersion() = %v, want 1.0.0", s.DeviceVersion())
			}
		})
	}
}

func TestEmulator_Faults(t *testing.T) {
	tests := []struct {
		name    string
		opts    []Option
		wantErr error
	}{
		{"application mode", []Option{WithMode(protocol.ModeApplication)}, session.ErrIncorrectDeviceMode},
		{"out of bounds", []Option{WithFault(FaultOutOfBounds)}, session.ErrChunkRequestOutOfBounds},
		{"premature complete", []Option{WithFault(FaultPrematureComplete)}, session.ErrUnexpectedMessage},
		{"error notify", []Option{WithFault(FaultErrorNotify)}, session.ErrDeviceReported},
		{"bad image", []Option{WithFault(FaultBadImage)}, session.ErrDeviceReported},
		{"corrupt request", []Option{WithFault(FaultCorruptRequest)}, session.ErrFraming},
		{"image too large", []Option{WithCapacity(50)}, session.ErrDeviceReported},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := New(tt.opts...)
			defer e.Close()

			s, store := newSession(t, makeImage(100), session.WithChunkSize(40))
			err := pump(t, s, e)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("pump() error = %v, want %v", err, tt.wantErr)
			}
			if s.State() != session.StateFailed {
				t.Errorf("State() = %s, want %s", s.State(), session.StateFailed)
			}
			if store.Writes() != 0 {
				t.Errorf("marker writes = %d, want 0", store.Writes())
			}
		})
	}
}

func TestEmulator_CorruptRequestResync(t *testing.T) {
	e := New(WithFault(FaultCorruptRequest))
	defer e.Close()

	s, _ := newSession(t, makeImage(100), session.WithChunkSize(40), session.WithFramingPolicy(session.FramingResync))
	if err := pump(t, s, e); !errors.Is(err, session.ErrFraming) {
		t.Fatalf("pump() error = %v, want ErrFraming", err)
	}
	if s.State() != session.StateTransferring {
		t.Fatalf("State() = %s, want %s", s.State(), session.StateTransferring)
	}

	// The device never got chunk 0, so nothing moves until the host
	// restarts; the session itself is still usable.
	if s.Ended() {
		t.Error("Ended() = true under resync policy")
	}
}

func TestEmulator_Silent(t *testing.T) {
	e := New(WithFault(FaultSilent))
	defer e.Close()

	s, _ := newSession(t, makeImage(100))
	if err := pump(t, s, e); err != nil {
		t.Fatalf("pump() error = %v", err)
	}
	if s.State() != session.StateInitializing {
		t.Errorf("State() = %s, want %s", s.State(), session.StateInitializing)
	}
}

func TestEmulator_ReRequestsWrongIndex(t *testing.T) {
	e := New()
	defer e.Close()
	codec := protocol.NewCodec(40)

	query, _ := codec.Encode(protocol.ModeQuery{ImageSize: 80, ImageCRC32: protocol.ImageChecksum(makeImage(80)), ChunkSize: 40})
	e.Write(query)
	e.tx = e.tx[:0]

	wrong, _ := codec.Encode(protocol.ChunkData{Index: 1, Data: makeImage(80)[40:]})
	e.Write(wrong)

	msg, _, err := codec.Decode(e.tx)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if msg != (protocol.ChunkRequest{Index: 0}) {
		t.Errorf("device sent %#v, want ChunkRequest{0}", msg)
	}
}

func TestEmulator_CloseUnblocksRead(t *testing.T) {
	e := New()
	done := make(chan error, 1)
	go func() {
		_, err := e.Read(make([]byte, 8))
		done <- err
	}()

	e.Close()
	if err := <-done; !errors.Is(err, io.EOF) {
		t.Errorf("Read() after Close error = %v, want io.EOF", err)
	}
	if _, err := e.Write([]byte{1}); !errors.Is(err, ErrClosed) {
		t.Errorf("Write() after Close error = %v, want ErrClosed", err)
	}
}

func TestEmulator_FlushDropsStaleBytes(t *testing.T) {
	stale := []byte{0x03, 0x02, 0x00, 0x81, 0x02, 0x5D, 0x1A}
	e := New(WithStale(stale))
	defer e.Close()

	if got := e.Buffered(); got != len(stale) {
		t.Fatalf("Buffered() = %d, want %d", got, len(stale))
	}
	if err := e.Flush(); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if got := e.Buffered(); got != 0 {
		t.Errorf("Buffered() after Flush = %d, want 0", got)
	}

	s, _ := newSession(t, makeImage(300), session.WithChunkSize(100))
	if err := pump(t, s, e); err != nil {
		t.Fatalf("transfer after Flush error = %v", err)
	}
	if s.State() != session.StateCompleted {
		t.Errorf("State() = %s, want %s", s.State(), session.StateCompleted)
	}
}
