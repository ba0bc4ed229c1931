package chunk

import (
	"errors"
	"fmt"
)

var (
	// ErrOutOfBounds is returned for a chunk index at or past Count.
	ErrOutOfBounds = errors.New("chunk index out of bounds")

	// ErrInvalidChunkSize is returned for a non-positive chunk size.
	ErrInvalidChunkSize = errors.New("invalid chunk size")
)

// Planner splits a firmware image into fixed-size chunks. The last chunk may
// be shorter than the chunk size.
type Planner struct {
	image     []byte
	chunkSize int
	count     uint32
}

// NewPlanner creates a planner over image. The image is not copied and must
// not be modified while the planner is in use.
func NewPlanner(image []byte, chunkSize int) (*Planner, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidChunkSize, chunkSize)
	}

	count := (len(image) + chunkSize - 1) / chunkSize

	return &Planner{
		image:     image,
		chunkSize: chunkSize,
		count:     uint32(count),
	}, nil
}

// Count returns the number of chunks, ceil(len(image) / chunkSize).
func (p *Planner) Count() uint32 {
	return p.count
}

// Size returns the image length in bytes.
func (p *Planner) Size() int {
	return len(p.image)
}

// ChunkSize returns the configured chunk size.
func (p *Planner) ChunkSize() int {
	return p.chunkSize
}

// Chunk returns the bytes of the chunk at index.
func (p *Planner) Chunk(index uint32) ([]byte, error) {
	if index >= p.count {
		return nil, fmt.Errorf("%w: index %d, count %d", ErrOutOfBounds, index, p.count)
	}

	start := int(index) * p.chunkSize
	end := start + p.chunkSize
	if end > len(p.image) {
		end = len(p.image)
	}

	return p.image[start:end:end], nil
}
