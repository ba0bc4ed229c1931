package detect

import (
	"errors"
	"fmt"
	"strings"

	"github.com/bigbag/coaster-loader/internal/serial"
)

// USB identifiers of the coaster bootloader (pid.codes test range).
const (
	BootloaderVID = "1209"
	BootloaderPID = "4004"
)

// ErrNotFound is returned when no coaster is attached.
var ErrNotFound = errors.New("no SmartCoaster device found")

// Result represents a detected coaster.
type Result struct {
	Port         string
	Product      string
	SerialNumber string
}

// Name returns a display name for the device.
func (r Result) Name() string {
	if r.Product != "" {
		return r.Product
	}
	return "SmartCoaster Bootloader"
}

// Lister enumerates serial ports. It is serial.ListDetailed outside tests.
type Lister func() ([]serial.PortInfo, error)

// Detector finds coasters among the system's serial ports.
type Detector struct {
	list Lister
}

// New creates a detector that enumerates ports with list. A nil list uses
// serial.ListDetailed.
func New(list Lister) *Detector {
	if list == nil {
		list = serial.ListDetailed
	}
	return &Detector{list: list}
}

// DetectDevice returns the first coaster found.
func (d *Detector) DetectDevice() (*Result, error) {
	devices, err := d.ListDevices()
	if err != nil {
		return nil, err
	}
	if len(devices) == 0 {
		return nil, ErrNotFound
	}
	return &devices[0], nil
}

// ListDevices returns every attached coaster.
func (d *Detector) ListDevices() ([]Result, error) {
	ports, err := d.list()
	if err != nil {
		return nil, fmt.Errorf("failed to list ports: %w", err)
	}

	var results []Result
	for _, p := range ports {
		if !IsCoaster(p) {
			continue
		}
		results = append(results, Result{
			Port:         p.Name,
			Product:      p.Product,
			SerialNumber: p.SerialNumber,
		})
	}
	return results, nil
}

// IsCoaster reports whether p is a coaster bootloader.
func IsCoaster(p serial.PortInfo) bool {
	return p.IsUSB &&
		strings.EqualFold(p.VID, BootloaderVID) &&
		strings.EqualFold(p.PID, BootloaderPID)
}
