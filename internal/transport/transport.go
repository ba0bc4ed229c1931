// Package transport opens the byte links a transfer session runs over: a
// local serial port or a serial-over-WebSocket bridge.
package transport

import (
	"errors"
	"fmt"
	"io"

	"github.com/bigbag/coaster-loader/internal/serial"
)

// Conn is a bidirectional byte stream to a coaster.
type Conn interface {
	io.Reader
	io.Writer
	io.Closer
}

// ErrNoEndpoint is returned by Open when neither a port nor a URL is given.
var ErrNoEndpoint = errors.New("either a serial port or a WebSocket URL must be specified")

// Options selects and configures a connection.
type Options struct {
	Port     string
	BaudRate int

	URL           string
	Username      string
	Password      string
	SkipSSLVerify bool
}

// Open opens a WebSocket connection when a URL is set, otherwise a serial
// connection. It returns the connection and a description for display.
func Open(opts Options) (Conn, string, error) {
	if opts.URL != "" {
		conn, err := DialWebSocket(opts.URL, opts.Username, opts.Password, opts.SkipSSLVerify)
		if err != nil {
			return nil, "", err
		}
		return conn, fmt.Sprintf("WebSocket: %s", opts.URL), nil
	}

	if opts.Port != "" {
		conn, err := serial.Open(opts.Port, opts.BaudRate)
		if err != nil {
			return nil, "", err
		}
		return conn, fmt.Sprintf("Serial: %s @ %d baud", opts.Port, opts.BaudRate), nil
	}

	return nil, "", ErrNoEndpoint
}
