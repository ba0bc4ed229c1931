package main

import (
	"bytes"
	"context"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/bigbag/coaster-loader/internal/device"
	"github.com/bigbag/coaster-loader/internal/flasher"
	"github.com/bigbag/coaster-loader/internal/partition"
	"github.com/bigbag/coaster-loader/internal/session"
	"github.com/bigbag/coaster-loader/internal/settings"
)

var selftestSizeFlag int

// runSelftest transfers an image to the in-process emulator and checks that
// the emulator ends up with the same bytes and a valid swap marker.
func runSelftest(cmd *cobra.Command, args []string) error {
	var image []byte
	if len(args) == 1 {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to read firmware file: %w", err)
		}
		image = data
	} else {
		if selftestSizeFlag <= 0 {
			return fmt.Errorf("--size must be positive")
		}
		image = make([]byte, selftestSizeFlag)
		for i := range image {
			image[i] = byte(rand.Intn(256))
		}
	}

	chunkSize, err := store.Int(settings.KeyChunkSize)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("chunk-size") {
		chunkSize = chunkSizeFlag
	}
	framing := session.FramingTerminate
	if resyncFlag {
		framing = session.FramingResync
	}

	dev := device.New(device.WithMaxRead(64), device.WithLogger(logger))
	defer dev.Close()

	ms := partition.NewMemoryStore()
	s, err := session.New(image, partition.NewGate(partition.DefaultCapacity, ms),
		session.WithChunkSize(chunkSize),
		session.WithFramingPolicy(framing),
		session.WithLogger(logger))
	if err != nil {
		return err
	}

	fmt.Printf("Image: %d bytes, %d chunks of %d bytes\n", len(image), s.ChunkCount(), s.ChunkSize())

	start := time.Now()
	f := flasher.New(dev, flasher.WithIdleTimeout(2*time.Second), flasher.WithLogger(logger))
	if err := f.Run(context.Background(), s); err != nil {
		return fmt.Errorf("selftest transfer failed: %w", err)
	}
	elapsed := time.Since(start)

	if !bytes.Equal(dev.Image(), image) {
		return fmt.Errorf("selftest failed: device image differs from source")
	}
	marker, err := ms.LoadMarker()
	if err != nil {
		return fmt.Errorf("selftest failed: %w", err)
	}

	fmt.Printf("Session %s completed in %s\n", s.ID(), elapsed.Round(time.Millisecond))
	fmt.Printf("Requests: %d\n", len(dev.Received()))
	fmt.Printf("Marker:   %s\n", marker)
	fmt.Println("Selftest passed")
	return nil
}
