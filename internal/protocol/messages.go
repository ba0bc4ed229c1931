package protocol

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Message is a decoded frame payload. The set of implementations is closed;
// consumers switch on the concrete type.
type Message interface {
	Tag() Tag
	isMessage()
}

// ModeQuery asks the device which mode it is in and announces the image.
type ModeQuery struct {
	_          struct{} `cbor:",toarray"`
	ImageSize  uint32
	ImageCRC32 uint32
	ChunkSize  uint32
}

// Version is a firmware version triple.
type Version struct {
	_     struct{} `cbor:",toarray"`
	Major uint8
	Minor uint8
	Patch uint8
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// ModeReply is the device's answer to ModeQuery.
type ModeReply struct {
	_       struct{} `cbor:",toarray"`
	Mode    DeviceMode
	Version Version
}

// ChunkRequest asks the sender for the chunk at Index.
type ChunkRequest struct {
	_     struct{} `cbor:",toarray"`
	Index uint32
}

// ChunkData carries the bytes of one chunk.
type ChunkData struct {
	_     struct{} `cbor:",toarray"`
	Index uint32
	Data  []byte
}

// TransferComplete signals that the device has received the whole image.
// It has an empty payload.
type TransferComplete struct{}

// ErrorNotify reports a device-side failure.
type ErrorNotify struct {
	_    struct{} `cbor:",toarray"`
	Code ErrorCode
}

func (ModeQuery) Tag() Tag        { return TagModeQuery }
func (ModeReply) Tag() Tag        { return TagModeReply }
func (ChunkRequest) Tag() Tag     { return TagChunkRequest }
func (ChunkData) Tag() Tag        { return TagChunkData }
func (TransferComplete) Tag() Tag { return TagTransferComplete }
func (ErrorNotify) Tag() Tag      { return TagErrorNotify }

func (ModeQuery) isMessage()        {}
func (ModeReply) isMessage()        {}
func (ChunkRequest) isMessage()     {}
func (ChunkData) isMessage()        {}
func (TransferComplete) isMessage() {}
func (ErrorNotify) isMessage()      {}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("protocol: cbor encode mode: %v", err))
	}
	decMode, err = cbor.DecOptions{
		MaxNestedLevels:  4,
		MaxArrayElements: 16,
		MaxMapPairs:      16,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("protocol: cbor decode mode: %v", err))
	}
}

var errUnexpectedPayload = errors.New("payload not allowed")

// encodePayload returns the CBOR payload bytes for msg.
func encodePayload(msg Message) ([]byte, error) {
	if _, ok := msg.(TransferComplete); ok {
		return nil, nil
	}
	return encMode.Marshal(msg)
}

// decodePayload decodes the payload of a frame carrying tag.
func decodePayload(tag Tag, payload []byte) (Message, error) {
	switch tag {
	case TagModeQuery:
		var m ModeQuery
		if err := decMode.Unmarshal(payload, &m); err != nil {
			return nil, err
		}
		return m, nil
	case TagModeReply:
		var m ModeReply
		if err := decMode.Unmarshal(payload, &m); err != nil {
			return nil, err
		}
		return m, nil
	case TagChunkRequest:
		var m ChunkRequest
		if err := decMode.Unmarshal(payload, &m); err != nil {
			return nil, err
		}
		return m, nil
	case TagChunkData:
		var m ChunkData
		if err := decMode.Unmarshal(payload, &m); err != nil {
			return nil, err
		}
		return m, nil
	case TagTransferComplete:
		if len(payload) != 0 {
			return nil, errUnexpectedPayload
		}
		return TransferComplete{}, nil
	case TagErrorNotify:
		var m ErrorNotify
		if err := decMode.Unmarshal(payload, &m); err != nil {
			return nil, err
		}
		return m, nil
	default:
		return nil, fmt.Errorf("unknown tag %s", tag)
	}
}
