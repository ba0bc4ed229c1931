package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/bigbag/coaster-loader/internal/detect"
	"github.com/bigbag/coaster-loader/internal/flasher"
	"github.com/bigbag/coaster-loader/internal/partition"
	"github.com/bigbag/coaster-loader/internal/protocol"
	"github.com/bigbag/coaster-loader/internal/session"
	"github.com/bigbag/coaster-loader/internal/settings"
	"github.com/bigbag/coaster-loader/internal/transport"
	"github.com/bigbag/coaster-loader/internal/tui"
)

var (
	portFlag        string
	baudFlag        int
	urlFlag         string
	usernameFlag    string
	noSSLVerifyFlag bool
	chunkSizeFlag   int
	idleTimeoutFlag time.Duration
	resyncFlag      bool
	tuiFlag         bool
)

func addFlashFlags(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&portFlag, "port", "p", "", "Serial port (auto-detect if not specified)")
	cmd.Flags().IntVarP(&baudFlag, "baud", "b", protocol.DefaultBaudRate, "Baud rate")
	cmd.Flags().StringVarP(&urlFlag, "url", "u", "", "WebSocket bridge URL (ws:// or wss://)")
	cmd.Flags().StringVar(&usernameFlag, "username", "", "WebSocket bridge username (password from $"+transport.PasswordEnv+" or prompt)")
	cmd.Flags().BoolVar(&noSSLVerifyFlag, "no-ssl-verify", false, "Skip TLS certificate verification")
	cmd.Flags().IntVar(&chunkSizeFlag, "chunk-size", protocol.DefaultChunkSize, "Chunk size in bytes")
	cmd.Flags().DurationVar(&idleTimeoutFlag, "idle-timeout", flasher.DefaultIdleTimeout, "Give up when the device is silent this long")
	cmd.Flags().BoolVar(&resyncFlag, "resync", false, "Drop malformed frames instead of failing")
	cmd.Flags().BoolVar(&tuiFlag, "tui", false, "Show an interactive progress view")
}

// flashConfig is the flag and settings view a transfer runs with.
type flashConfig struct {
	port        string
	baud        int
	chunkSize   int
	idleTimeout time.Duration
	capacity    int
	framing     session.FramingPolicy
}

// resolveConfig layers explicitly set flags over the settings store.
func resolveConfig(cmd *cobra.Command) (flashConfig, error) {
	var cfg flashConfig
	var err error

	if cfg.port, err = store.Get(settings.KeyPort); err != nil {
		return cfg, err
	}
	if cfg.baud, err = store.Int(settings.KeyBaud); err != nil {
		return cfg, err
	}
	if cfg.chunkSize, err = store.Int(settings.KeyChunkSize); err != nil {
		return cfg, err
	}
	if cfg.idleTimeout, err = store.Duration(settings.KeyIdleTimeout); err != nil {
		return cfg, err
	}
	if cfg.capacity, err = store.Int(settings.KeyPartitionCapacity); err != nil {
		return cfg, err
	}
	policy, err := store.Get(settings.KeyFramingPolicy)
	if err != nil {
		return cfg, err
	}
	cfg.framing, _ = session.ParseFramingPolicy(policy)

	flags := cmd.Flags()
	if flags.Changed("port") {
		cfg.port = portFlag
	}
	if flags.Changed("baud") {
		cfg.baud = baudFlag
	}
	if flags.Changed("chunk-size") {
		if chunkSizeFlag <= 0 || chunkSizeFlag > protocol.MaxChunkSize {
			return cfg, fmt.Errorf("--chunk-size must be between 1 and %d", protocol.MaxChunkSize)
		}
		cfg.chunkSize = chunkSizeFlag
	}
	if flags.Changed("idle-timeout") {
		cfg.idleTimeout = idleTimeoutFlag
	}
	if flags.Changed("resync") {
		cfg.framing = session.FramingTerminate
		if resyncFlag {
			cfg.framing = session.FramingResync
		}
	}

	return cfg, nil
}

func runFlash(cmd *cobra.Command, args []string) error {
	firmwarePath := args[0]

	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}

	// Read firmware file
	firmware, err := os.ReadFile(firmwarePath)
	if err != nil {
		return fmt.Errorf("failed to read firmware file: %w", err)
	}

	fmt.Printf("Firmware: %s (%d bytes)\n", firmwarePath, len(firmware))

	ms, err := markerStore()
	if err != nil {
		return err
	}
	gate := partition.NewGate(cfg.capacity, ms)

	s, err := session.New(firmware, gate,
		session.WithChunkSize(cfg.chunkSize),
		session.WithFramingPolicy(cfg.framing),
		session.WithLogger(logger))
	if err != nil {
		return err
	}

	// Find or use specified port
	if urlFlag == "" && cfg.port == "" {
		fmt.Println("Detecting device...")
		result, err := detect.New(nil).DetectDevice()
		if err != nil {
			return &connError{fmt.Errorf("device detection failed: %w", err)}
		}
		cfg.port = result.Port
		fmt.Printf("Found %s on %s\n", result.Name(), result.Port)
	}

	opts := transport.Options{
		Port:          cfg.port,
		BaudRate:      cfg.baud,
		URL:           urlFlag,
		Username:      usernameFlag,
		SkipSSLVerify: noSSLVerifyFlag,
	}
	if urlFlag != "" && usernameFlag != "" {
		if opts.Password, err = transport.GetPassword(); err != nil {
			return err
		}
	}

	conn, desc, err := transport.Open(opts)
	if err != nil {
		return &connError{fmt.Errorf("failed to open connection: %w", err)}
	}
	defer conn.Close()

	fmt.Println(desc)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	f := flasher.New(conn,
		flasher.WithIdleTimeout(cfg.idleTimeout),
		flasher.WithLogger(logger))

	if tuiFlag {
		err = runWithTUI(ctx, f, s, desc)
	} else {
		err = runWithBar(ctx, f, s)
	}
	if err != nil {
		return classify(ctx, s, err)
	}

	fmt.Printf("\nTransfer complete! Device firmware %s will be replaced on next boot.\n", s.DeviceVersion())
	return nil
}

func runWithBar(ctx context.Context, f *flasher.Flasher, s *session.Session) error {
	bar := progressbar.NewOptions(int(s.ChunkCount()),
		progressbar.OptionSetDescription("Transferring"),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowBytes(false),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)

	f.SetProgressCallback(func(current, total int) {
		bar.Set(current)
	})

	fmt.Println("Waiting for device...")
	err := f.Run(ctx, s)
	if err == nil {
		bar.Finish()
	}
	return err
}

func runWithTUI(ctx context.Context, f *flasher.Flasher, s *session.Session, desc string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p := tea.NewProgram(tui.New(desc, s.FirmwareSize()))
	f.SetProgressCallback(func(current, total int) {
		p.Send(tui.ProgressMsg{Current: current, Total: total})
	})

	result := make(chan error, 1)
	go func() {
		err := f.Run(ctx, s)
		p.Send(tui.DoneMsg{Err: err})
		result <- err
	}()

	final, err := p.Run()
	if err != nil {
		cancel()
		<-result
		return err
	}
	if m, ok := final.(tui.Model); ok && m.Aborted() {
		cancel()
	}
	return <-result
}

// classify marks link failures as connection errors. A session that has not
// ended was abandoned, which only happens when the link broke or went silent.
func classify(ctx context.Context, s *session.Session, err error) error {
	if s.Ended() {
		logger.Debug("flash:failed", slog.String("state", string(s.State())), slog.String("err", err.Error()))
		return err
	}
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return fmt.Errorf("transfer aborted: %w", err)
	}
	return &connError{err}
}
