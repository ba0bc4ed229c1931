package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/bigbag/coaster-loader/internal/detect"
	"github.com/bigbag/coaster-loader/internal/partition"
	"github.com/bigbag/coaster-loader/internal/serial"
	"github.com/bigbag/coaster-loader/internal/settings"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var (
	configFlag   string
	logLevelFlag string

	store  *settings.Store
	logger *slog.Logger
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "coaster-loader",
		Short: "Transfer firmware to SmartCoaster devices",
		Long: `Coaster Loader sends a firmware image to a SmartCoaster that is waiting
in update mode. The device pulls the image chunk by chunk, checks it, and
swaps to it on the next boot.

Connect over a local serial port (auto-detected when not given) or through
a serial-over-WebSocket bridge.`,
		SilenceUsage:      true,
		PersistentPreRunE: setup,
	}
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "", "Settings file (default is the per-user config dir)")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "warn", "Log level (debug, info, warn, error)")

	// Flash command
	flashCmd := &cobra.Command{
		Use:   "flash <firmware.bin>",
		Short: "Send firmware to a device",
		Long: `Send a firmware image to a SmartCoaster in update mode.

The device must have been switched to update mode first. Once the transfer
completes the image is marked for swap and the device boots into it.`,
		Args: cobra.ExactArgs(1),
		RunE: runFlash,
	}
	addFlashFlags(flashCmd)

	// Selftest command
	selftestCmd := &cobra.Command{
		Use:   "selftest [firmware.bin]",
		Short: "Run a transfer against the built-in device emulator",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runSelftest,
	}
	selftestCmd.Flags().IntVar(&selftestSizeFlag, "size", 64*1024, "Random image size when no file is given")
	selftestCmd.Flags().IntVar(&chunkSizeFlag, "chunk-size", 0, "Chunk size in bytes")
	selftestCmd.Flags().BoolVar(&resyncFlag, "resync", false, "Drop malformed frames instead of failing")

	// Marker command
	markerCmd := &cobra.Command{
		Use:   "marker",
		Short: "Show the swap marker from the last completed transfer",
		RunE:  runMarker,
	}

	// List command
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List available serial ports",
		RunE:  runList,
	}

	// Version command
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version info",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("coaster-loader %s\n", version)
			fmt.Printf("  commit: %s\n", commit)
			fmt.Printf("  built:  %s\n", date)
		},
	}

	rootCmd.AddCommand(flashCmd, selftestCmd, markerCmd, listCmd, settingsCommand(), versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(exitCode(err))
	}
}

// setup loads the settings store and builds the logger.
func setup(cmd *cobra.Command, args []string) error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevelFlag)); err != nil {
		return fmt.Errorf("invalid --log-level %q", logLevelFlag)
	}
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	path := configFlag
	if path == "" {
		p, err := settings.DefaultPath()
		if err != nil {
			logger.Warn("settings:no-config-dir", slog.String("err", err.Error()))
		}
		path = p
	}

	s, err := settings.Load(path)
	if err != nil {
		return err
	}
	store = s
	logger.Debug("settings:loaded", slog.String("path", path))
	return nil
}

// markerStore returns the file store configured by marker_file, falling back
// to swap.marker next to the settings file.
func markerStore() (*partition.FileStore, error) {
	path, err := store.Get(settings.KeyMarkerFile)
	if err != nil {
		return nil, err
	}
	if path == "" {
		dir, err := os.UserConfigDir()
		if err != nil {
			return nil, fmt.Errorf("no marker_file set and no config dir: %w", err)
		}
		path = filepath.Join(dir, "coaster-loader", "swap.marker")
	}
	return partition.NewFileStore(path), nil
}

func runMarker(cmd *cobra.Command, args []string) error {
	ms, err := markerStore()
	if err != nil {
		return err
	}

	m, err := ms.LoadMarker()
	if err != nil {
		if errors.Is(err, partition.ErrNoMarker) {
			fmt.Println("No swap pending")
			return nil
		}
		return err
	}

	fmt.Printf("Marker file: %s\n", ms.Path())
	fmt.Printf("  %s\n", m)
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	ports, err := serial.ListDetailed()
	if err != nil {
		return err
	}

	if len(ports) == 0 {
		fmt.Println("No serial ports found")
		return nil
	}

	fmt.Println("Available serial ports:")
	for _, p := range ports {
		line := "  " + p.Name
		if p.IsUSB {
			line += fmt.Sprintf("  [%s:%s]", strings.ToUpper(p.VID), strings.ToUpper(p.PID))
		}
		if p.Product != "" {
			line += "  " + p.Product
		}
		if detect.IsCoaster(p) {
			line += "  (SmartCoaster)"
		}
		fmt.Println(line)
	}

	return nil
}
