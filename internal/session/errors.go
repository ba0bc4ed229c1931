package session

import (
	"errors"
	"fmt"

	"github.com/bigbag/coaster-loader/internal/partition"
	"github.com/bigbag/coaster-loader/internal/protocol"
)

var (
	// ErrFraming wraps every malformed-frame failure.
	ErrFraming = errors.New("framing error")

	// ErrRxBufferNotEnoughSpace means a frame would not fit the inbound buffer.
	ErrRxBufferNotEnoughSpace = errors.New("rx buffer not enough space")

	// ErrUnexpectedMessage means a message or call is not valid in the
	// current state.
	ErrUnexpectedMessage = errors.New("unexpected message")

	// ErrIncorrectDeviceMode means the device is not in update-ready mode.
	ErrIncorrectDeviceMode = errors.New("incorrect device mode")

	// ErrSessionEnded is returned for any call made after the session ended.
	ErrSessionEnded = errors.New("session ended")

	// ErrChunkRequestOutOfBounds means the device asked for a chunk past the
	// end of the image.
	ErrChunkRequestOutOfBounds = errors.New("chunk request out of bounds")

	// ErrDeviceReported is matched by every *DeviceError.
	ErrDeviceReported = errors.New("device reported error")

	// ErrCommit means the swap marker could not be committed.
	ErrCommit = errors.New("swap marker commit failed")

	// ErrEmptyImage is returned when constructing a session without an image.
	ErrEmptyImage = errors.New("firmware image is empty")

	// ErrNoGate is returned when constructing a session without a partition gate.
	ErrNoGate = errors.New("no partition gate")

	// ErrTooLarge is returned when the image does not fit the update partition.
	ErrTooLarge = partition.ErrTooLarge
)

// DeviceError is an error reported by the device through ErrorNotify.
type DeviceError struct {
	Code protocol.ErrorCode
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("device reported error: %s", e.Code)
}

func (e *DeviceError) Is(target error) bool {
	return target == ErrDeviceReported
}
