package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/bigbag/coaster-loader/internal/protocol"
	"github.com/bigbag/coaster-loader/internal/session"
)

// Process exit codes.
const (
	exitOK         = 0
	exitFault      = 1
	exitConnection = 2
	exitDeviceMode = 3
	exitTooLarge   = 4
)

// connError marks a failure to reach or keep talking to the device.
type connError struct {
	err error
}

func (e *connError) Error() string { return e.err.Error() }
func (e *connError) Unwrap() error { return e.err }

// exitCode maps a command error to the process exit code and prints a hint
// for the errors a user can fix.
func exitCode(err error) int {
	var ce *connError
	var de *session.DeviceError
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, session.ErrIncorrectDeviceMode):
		fmt.Fprintln(os.Stderr, "The device is not in update mode. Switch it to update mode and try again.")
		return exitDeviceMode
	case errors.Is(err, session.ErrTooLarge):
		return exitTooLarge
	case errors.As(err, &de) && de.Code == protocol.ErrCodeImageTooLarge:
		return exitTooLarge
	case errors.As(err, &ce):
		return exitConnection
	default:
		return exitFault
	}
}
