package partition

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
)

// MarkerSize is the size of the persisted swap marker record.
const MarkerSize = 16

// markerMagic opens every marker record ("SWAP").
var markerMagic = [4]byte{'S', 'W', 'A', 'P'}

// ErrBadMarker is returned when a marker record fails validation.
var ErrBadMarker = errors.New("invalid swap marker")

// Marker tells the bootloader that the update partition holds a complete
// image and should be swapped in on next boot.
type Marker struct {
	ImageSize  uint32
	ImageCRC32 uint32
}

// MarshalBinary encodes the marker record:
//
//	0-3:   magic "SWAP"
//	4-7:   image size (little-endian)
//	8-11:  image CRC-32 (little-endian)
//	12-15: CRC-32 of bytes 0-11 (little-endian)
func (m Marker) MarshalBinary() ([]byte, error) {
	buf := make([]byte, MarkerSize)
	copy(buf[0:4], markerMagic[:])
	binary.LittleEndian.PutUint32(buf[4:8], m.ImageSize)
	binary.LittleEndian.PutUint32(buf[8:12], m.ImageCRC32)
	binary.LittleEndian.PutUint32(buf[12:16], crc32.ChecksumIEEE(buf[:12]))
	return buf, nil
}

// UnmarshalBinary decodes a marker record produced by MarshalBinary.
func (m *Marker) UnmarshalBinary(data []byte) error {
	if len(data) != MarkerSize {
		return fmt.Errorf("%w: record is %d bytes, want %d", ErrBadMarker, len(data), MarkerSize)
	}
	if [4]byte(data[0:4]) != markerMagic {
		return fmt.Errorf("%w: bad magic % X", ErrBadMarker, data[0:4])
	}

	want := binary.LittleEndian.Uint32(data[12:16])
	if got := crc32.ChecksumIEEE(data[:12]); got != want {
		return fmt.Errorf("%w: record checksum 0x%08X, want 0x%08X", ErrBadMarker, got, want)
	}

	m.ImageSize = binary.LittleEndian.Uint32(data[4:8])
	m.ImageCRC32 = binary.LittleEndian.Uint32(data[8:12])
	return nil
}

func (m Marker) String() string {
	return fmt.Sprintf("size=%d crc32=0x%08X", m.ImageSize, m.ImageCRC32)
}
