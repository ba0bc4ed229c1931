//go:build js && wasm

// Command coaster-loader-wasm exposes the transfer session to JavaScript.
//
// The page owns the link to the device (Web Serial, WebUSB or a WebSocket)
// and drives the session through a CoasterFirmwareLoader object:
//
//	const loader = new CoasterFirmwareLoader(firmwareBytes);
//	if (loader instanceof Error) throw loader;
//	loader.initSession();
//	// send loader.getBytesToSend() until it returns null
//	// feed device bytes to loader.handleIncomingBytes(bytes)
//	// stop once loader.isSessionEnded()
//
// Methods that can fail return null on success and an Error otherwise. A
// loader runs exactly one session; retrying means constructing a new one.
package main

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"syscall/js"

	"github.com/bigbag/coaster-loader/internal/partition"
	"github.com/bigbag/coaster-loader/internal/session"
)

var (
	logger   = slog.New(slog.NewTextHandler(io.Discard, nil))
	logLevel = new(slog.LevelVar)
)

type loader struct {
	session *session.Session
}

func main() {
	js.Global().Set("CoasterFirmwareLoader", js.FuncOf(newLoader))
	js.Global().Set("coasterLoaderInitLogging", js.FuncOf(initLogging))
	select {}
}

// initLogging routes session logs to the console. The optional argument is
// a level name; the default is debug.
func initLogging(this js.Value, args []js.Value) any {
	logLevel.Set(slog.LevelDebug)
	if len(args) > 0 && args[0].Type() == js.TypeString {
		if err := logLevel.UnmarshalText([]byte(args[0].String())); err != nil {
			return jsError(err)
		}
	}
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	return js.Null()
}

// newLoader builds the JS object. Arguments: firmware (Uint8Array) and an
// optional chunk size. It returns an Error instead of a loader when no
// session can be built for the image.
func newLoader(this js.Value, args []js.Value) any {
	if len(args) < 1 {
		return jsError(errors.New("firmware bytes required"))
	}

	var chunkSize int
	if len(args) > 1 && args[1].Type() == js.TypeNumber {
		chunkSize = args[1].Int()
	}

	l, err := newSessionLoader(bytesFromJS(args[0]), chunkSize)
	if err != nil {
		return jsError(err)
	}

	obj := js.Global().Get("Object").New()
	obj.Set("initSession", js.FuncOf(l.initSession))
	obj.Set("handleIncomingBytes", js.FuncOf(l.handleIncomingBytes))
	obj.Set("getBytesToSend", js.FuncOf(l.getBytesToSend))
	obj.Set("getProgress", js.FuncOf(l.getProgress))
	obj.Set("getFirmwareSize", js.FuncOf(l.getFirmwareSize))
	obj.Set("isSessionEnded", js.FuncOf(l.isSessionEnded))
	obj.Set("getState", js.FuncOf(l.getState))
	return obj
}

// newSessionLoader constructs the session for firmware. The partition gate
// records the swap marker in memory; the page reads the outcome from the
// session state.
func newSessionLoader(firmware []byte, chunkSize int) (*loader, error) {
	gate := partition.NewGate(partition.DefaultCapacity, partition.NewMemoryStore())
	opts := []session.Option{session.WithLogger(logger)}
	if chunkSize > 0 {
		opts = append(opts, session.WithChunkSize(chunkSize))
	}

	s, err := session.New(firmware, gate, opts...)
	if err != nil {
		return nil, err
	}
	return &loader{session: s}, nil
}

// initSession queues the mode query. A loader runs one session; start over
// with a new loader.
func (l *loader) initSession(this js.Value, args []js.Value) any {
	if err := l.session.Init(); err != nil {
		return jsError(err)
	}
	return js.Null()
}

func (l *loader) handleIncomingBytes(this js.Value, args []js.Value) any {
	if len(args) < 1 {
		return js.Null()
	}
	if err := l.session.HandleIncomingBytes(bytesFromJS(args[0])); err != nil {
		return jsError(err)
	}
	return js.Null()
}

func (l *loader) getBytesToSend(this js.Value, args []js.Value) any {
	frame := l.session.BytesToSend()
	if frame == nil {
		return js.Null()
	}
	out := js.Global().Get("Uint8Array").New(len(frame))
	js.CopyBytesToJS(out, frame)
	return out
}

func (l *loader) getProgress(this js.Value, args []js.Value) any {
	p, ok := l.session.Progress()
	if !ok {
		return js.Null()
	}
	return map[string]any{
		"maxChunks":    int(p.Max),
		"currentChunk": int(p.Current),
	}
}

func (l *loader) getFirmwareSize(this js.Value, args []js.Value) any {
	return l.session.FirmwareSize()
}

func (l *loader) isSessionEnded(this js.Value, args []js.Value) any {
	return l.session.Ended()
}

func (l *loader) getState(this js.Value, args []js.Value) any {
	return string(l.session.State())
}

func bytesFromJS(v js.Value) []byte {
	b := make([]byte, v.Get("length").Int())
	js.CopyBytesToGo(b, v)
	return b
}

func jsError(err error) js.Value {
	return js.Global().Get("Error").New(err.Error())
}
