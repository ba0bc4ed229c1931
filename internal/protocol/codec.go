package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	// ErrIncomplete means the buffer holds only part of a frame. Callers keep
	// the bytes and retry once more arrive.
	ErrIncomplete = errors.New("incomplete frame")

	// ErrMalformed is matched by every *FrameError.
	ErrMalformed = errors.New("malformed frame")

	// ErrPayloadTooLarge is returned by Encode when a payload exceeds the
	// codec's maximum.
	ErrPayloadTooLarge = errors.New("payload too large")
)

// FrameError describes a frame that could not be decoded.
type FrameError struct {
	Tag    Tag
	Reason string
	Err    error
}

func (e *FrameError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed %s frame: %s: %v", e.Tag, e.Reason, e.Err)
	}
	return fmt.Sprintf("malformed %s frame: %s", e.Tag, e.Reason)
}

func (e *FrameError) Is(target error) bool {
	return target == ErrMalformed
}

func (e *FrameError) Unwrap() error {
	return e.Err
}

// Codec encodes and decodes length-delimited frames. It holds no session
// state and is safe to share.
type Codec struct {
	maxPayload int
}

// NewCodec creates a codec for the given chunk size. Non-positive sizes
// select DefaultChunkSize; sizes above MaxChunkSize are clamped.
func NewCodec(chunkSize int) *Codec {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if chunkSize > MaxChunkSize {
		chunkSize = MaxChunkSize
	}
	return &Codec{maxPayload: chunkSize + PayloadMargin}
}

// MaxPayload returns the largest payload length the codec accepts.
func (c *Codec) MaxPayload() int {
	return c.maxPayload
}

// MaxFrameSize returns the largest frame the codec accepts, overhead included.
func (c *Codec) MaxFrameSize() int {
	return c.maxPayload + FrameOverhead
}

// Encode serializes msg into a complete frame.
func (c *Codec) Encode(msg Message) ([]byte, error) {
	payload, err := encodePayload(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", msg.Tag(), err)
	}
	if len(payload) > c.maxPayload {
		return nil, fmt.Errorf("%w: %s payload is %d bytes (max %d)", ErrPayloadTooLarge, msg.Tag(), len(payload), c.maxPayload)
	}

	frame := make([]byte, HeaderSize+len(payload), HeaderSize+len(payload)+TrailerSize)
	frame[0] = byte(msg.Tag())
	binary.LittleEndian.PutUint16(frame[1:3], uint16(len(payload)))
	copy(frame[HeaderSize:], payload)

	return binary.LittleEndian.AppendUint16(frame, CalculateCRC(frame)), nil
}

// Decode decodes the frame at the start of buf.
//
// On success it returns the message and the number of bytes the frame
// occupied. If buf holds only part of a frame it returns ErrIncomplete and
// zero. If the frame is malformed it returns a *FrameError together with the
// number of bytes to discard before decoding again: one byte for a bad header
// so the next header-sized window is tried, the whole frame when the checksum
// or payload is bad.
func (c *Codec) Decode(buf []byte) (Message, int, error) {
	if len(buf) == 0 {
		return nil, 0, ErrIncomplete
	}

	tag := Tag(buf[0])
	if !tag.Valid() {
		return nil, 1, &FrameError{Tag: tag, Reason: "unknown tag"}
	}

	if len(buf) < HeaderSize {
		return nil, 0, ErrIncomplete
	}

	length := int(binary.LittleEndian.Uint16(buf[1:3]))
	if length > c.maxPayload {
		return nil, 1, &FrameError{
			Tag:    tag,
			Reason: fmt.Sprintf("declared length %d exceeds maximum %d", length, c.maxPayload),
		}
	}

	total := HeaderSize + length + TrailerSize
	if len(buf) < total {
		return nil, 0, ErrIncomplete
	}

	body := buf[:HeaderSize+length]
	want := binary.LittleEndian.Uint16(buf[HeaderSize+length : total])
	if got := CalculateCRC(body); got != want {
		return nil, total, &FrameError{
			Tag:    tag,
			Reason: fmt.Sprintf("checksum mismatch (got 0x%04X, want 0x%04X)", got, want),
		}
	}

	msg, err := decodePayload(tag, body[HeaderSize:])
	if err != nil {
		return nil, total, &FrameError{Tag: tag, Reason: "bad payload", Err: err}
	}

	return msg, total, nil
}
