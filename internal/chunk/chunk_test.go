package chunk

import (
	"bytes"
	"errors"
	"testing"
)

func makeImage(n int) []byte {
	image := make([]byte, n)
	for i := range image {
		image[i] = byte(i)
	}
	return image
}

func TestPlanner_Count(t *testing.T) {
	tests := []struct {
		length    int
		chunkSize int
		want      uint32
	}{
		{0, 40, 0},
		{1, 40, 1},
		{39, 40, 1},
		{40, 40, 1},
		{41, 40, 2},
		{100, 40, 3},
		{120, 40, 3},
		{121, 40, 4},
		{4096, 512, 8},
		{4097, 512, 9},
	}

	for _, tt := range tests {
		p, err := NewPlanner(makeImage(tt.length), tt.chunkSize)
		if err != nil {
			t.Fatalf("NewPlanner(%d, %d) error = %v", tt.length, tt.chunkSize, err)
		}
		if got := p.Count(); got != tt.want {
			t.Errorf("Count() for length=%d chunk=%d = %d, want %d", tt.length, tt.chunkSize, got, tt.want)
		}

		// The index equal to Count is always out of bounds.
		if _, err := p.Chunk(p.Count()); !errors.Is(err, ErrOutOfBounds) {
			t.Errorf("Chunk(%d) error = %v, want ErrOutOfBounds", p.Count(), err)
		}
	}
}

func TestPlanner_Chunk(t *testing.T) {
	image := makeImage(100)
	p, err := NewPlanner(image, 40)
	if err != nil {
		t.Fatalf("NewPlanner() error = %v", err)
	}

	tests := []struct {
		index uint32
		want  []byte
	}{
		{0, image[0:40]},
		{1, image[40:80]},
		{2, image[80:100]},
	}

	for _, tt := range tests {
		got, err := p.Chunk(tt.index)
		if err != nil {
			t.Fatalf("Chunk(%d) error = %v", tt.index, err)
		}
		if !bytes.Equal(got, tt.want) {
			t.Errorf("Chunk(%d) = %v, want %v", tt.index, got, tt.want)
		}
	}
}

func TestPlanner_ChunksReassemble(t *testing.T) {
	image := makeImage(1000)
	p, _ := NewPlanner(image, 64)

	var out []byte
	for i := uint32(0); i < p.Count(); i++ {
		c, err := p.Chunk(i)
		if err != nil {
			t.Fatalf("Chunk(%d) error = %v", i, err)
		}
		out = append(out, c...)
	}

	if !bytes.Equal(out, image) {
		t.Error("reassembled chunks do not match image")
	}
}

func TestPlanner_ChunkAppendDoesNotClobber(t *testing.T) {
	image := makeImage(80)
	p, _ := NewPlanner(image, 40)

	c, _ := p.Chunk(0)
	_ = append(c, 0xFF)

	if image[40] != 40 {
		t.Errorf("image[40] = %d after append to chunk 0, want 40", image[40])
	}
}

func TestNewPlanner_InvalidChunkSize(t *testing.T) {
	for _, size := range []int{0, -1} {
		if _, err := NewPlanner(makeImage(10), size); !errors.Is(err, ErrInvalidChunkSize) {
			t.Errorf("NewPlanner(chunkSize=%d) error = %v, want ErrInvalidChunkSize", size, err)
		}
	}
}

func TestPlanner_Accessors(t *testing.T) {
	p, _ := NewPlanner(makeImage(100), 40)
	if p.Size() != 100 {
		t.Errorf("Size() = %d, want 100", p.Size())
	}
	if p.ChunkSize() != 40 {
		t.Errorf("ChunkSize() = %d, want 40", p.ChunkSize())
	}
}
