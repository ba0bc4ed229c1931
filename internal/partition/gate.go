package partition

import (
	"errors"
	"fmt"
)

// DefaultCapacity is the size of the coaster's update partition.
const DefaultCapacity = 1 << 20

var (
	// ErrTooLarge is returned when an image does not fit the update partition.
	ErrTooLarge = errors.New("image too large for update partition")

	// ErrAlreadyCommitted is returned by a second CommitReadyMarker call.
	ErrAlreadyCommitted = errors.New("swap marker already committed")
)

// Gate guards the update partition: it checks that an image fits and
// commits the swap marker exactly once.
type Gate struct {
	capacity  int
	store     MarkerStore
	committed bool
}

// NewGate creates a gate for a partition of the given capacity. A
// non-positive capacity selects DefaultCapacity.
func NewGate(capacity int, store MarkerStore) *Gate {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Gate{capacity: capacity, store: store}
}

// Capacity returns the partition capacity in bytes.
func (g *Gate) Capacity() int {
	return g.capacity
}

// ValidateCapacity checks that an image of length bytes fits the partition.
func (g *Gate) ValidateCapacity(length int) error {
	if length > g.capacity {
		return fmt.Errorf("%w: %d bytes, capacity %d", ErrTooLarge, length, g.capacity)
	}
	return nil
}

// CommitReadyMarker persists m. It succeeds at most once per gate; a failed
// store attempt does not count.
func (g *Gate) CommitReadyMarker(m Marker) error {
	if g.committed {
		return ErrAlreadyCommitted
	}
	if err := g.ValidateCapacity(int(m.ImageSize)); err != nil {
		return err
	}
	if err := g.store.StoreMarker(m); err != nil {
		return fmt.Errorf("failed to store swap marker: %w", err)
	}
	g.committed = true
	return nil
}

// Committed reports whether the marker has been committed.
func (g *Gate) Committed() bool {
	return g.committed
}
