package protocol

import "fmt"

// Frame layout: [tag:1][length:2 LE][payload:length][crc16:2 LE]
const (
	HeaderSize    = 3
	TrailerSize   = 2
	FrameOverhead = HeaderSize + TrailerSize
)

// Chunk sizing. Both ends must agree on the chunk size; the maximum payload
// is the chunk size plus a margin for the CBOR envelope and non-chunk messages.
const (
	DefaultChunkSize = 512
	PayloadMargin    = 32
	MaxChunkSize     = 0xFFFF - PayloadMargin
)

// CRC-16-CCITT parameters.
const (
	crcInitial    = 0xFFFF
	crcPolynomial = 0x1021
)

// DefaultBaudRate is the bootloader's USB CDC line rate.
const DefaultBaudRate = 115200

// Tag identifies the message carried by a frame.
type Tag byte

const (
	TagModeQuery        Tag = 0x01
	TagModeReply        Tag = 0x02
	TagChunkRequest     Tag = 0x03
	TagChunkData        Tag = 0x04
	TagTransferComplete Tag = 0x05
	TagErrorNotify      Tag = 0x06
)

// Valid reports whether t is a known message tag.
func (t Tag) Valid() bool {
	return t >= TagModeQuery && t <= TagErrorNotify
}

func (t Tag) String() string {
	switch t {
	case TagModeQuery:
		return "MODE_QUERY"
	case TagModeReply:
		return "MODE_REPLY"
	case TagChunkRequest:
		return "CHUNK_REQUEST"
	case TagChunkData:
		return "CHUNK_DATA"
	case TagTransferComplete:
		return "TRANSFER_COMPLETE"
	case TagErrorNotify:
		return "ERROR_NOTIFY"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02X)", byte(t))
	}
}

// DeviceMode is the mode a device reports in its ModeReply.
type DeviceMode uint8

const (
	ModeApplication DeviceMode = 0
	ModeUpdateReady DeviceMode = 1
)

func (m DeviceMode) String() string {
	switch m {
	case ModeApplication:
		return "application"
	case ModeUpdateReady:
		return "update-ready"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

// ErrorCode is the reason carried by an ErrorNotify.
type ErrorCode uint8

const (
	ErrCodeFlashWrite           ErrorCode = 0x01
	ErrCodeImageCRC             ErrorCode = 0x02
	ErrCodeChunkCRC             ErrorCode = 0x03
	ErrCodeUnsupportedChunkSize ErrorCode = 0x04
	ErrCodeImageTooLarge        ErrorCode = 0x05
	ErrCodeUnknown              ErrorCode = 0xFF
)

var errorCodeNames = map[ErrorCode]string{
	ErrCodeFlashWrite:           "flash write failed",
	ErrCodeImageCRC:             "image checksum mismatch",
	ErrCodeChunkCRC:             "chunk checksum mismatch",
	ErrCodeUnsupportedChunkSize: "unsupported chunk size",
	ErrCodeImageTooLarge:        "image too large",
	ErrCodeUnknown:              "unknown error",
}

func (c ErrorCode) String() string {
	if name, ok := errorCodeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("error code 0x%02X", uint8(c))
}
