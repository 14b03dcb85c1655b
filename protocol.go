package nsq

import (
	"encoding/binary"
	"fmt"
	"io"
	"regexp"
)

// MagicV2 is sent once per connection, before any command.
var MagicV2 = []byte("  V2")

const (
	FrameTypeResponse int32 = 0
	FrameTypeError    int32 = 1
	FrameTypeMessage  int32 = 2
)

// Hard caps on the declared frame size. A frame claiming more than this is a
// protocol violation, not a large payload.
const (
	MaxMessageFrameSize = 8 << 20
	MaxControlFrameSize = 1 << 20
)

var heartbeatBytes = []byte("_heartbeat_")

// ReadResponse reads one length-prefixed frame (frame type + payload) and
// returns the raw bytes following the size field.
//
// It is suggested that the supplied Reader is buffered to avoid performing
// many system calls.
func ReadResponse(r io.Reader) ([]byte, error) {
	var msgSize int32

	err := binary.Read(r, binary.BigEndian, &msgSize)
	if err != nil {
		return nil, err
	}

	if msgSize < 4 {
		return nil, &ProtocolError{fmt.Sprintf("length of frame (%d) too small", msgSize)}
	}
	if msgSize > MaxMessageFrameSize {
		return nil, &ProtocolError{fmt.Sprintf("length of frame (%d) exceeds limit (%d)", msgSize, MaxMessageFrameSize)}
	}

	data := make([]byte, msgSize)
	_, err = io.ReadFull(r, data)
	if err != nil {
		return nil, err
	}

	return data, nil
}

// UnpackResponse splits raw frame bytes (from ReadResponse) into frame type
// and payload.
func UnpackResponse(response []byte) (int32, []byte, error) {
	if len(response) < 4 {
		return -1, nil, &ProtocolError{"length of response is too small"}
	}

	return int32(binary.BigEndian.Uint32(response)), response[4:], nil
}

// ReadUnpackedResponse reads one frame and validates its type and size,
// returning the frame type and payload.
func ReadUnpackedResponse(r io.Reader) (int32, []byte, error) {
	resp, err := ReadResponse(r)
	if err != nil {
		return -1, nil, err
	}
	frameType, data, err := UnpackResponse(resp)
	if err != nil {
		return -1, nil, err
	}

	switch frameType {
	case FrameTypeMessage:
	case FrameTypeResponse, FrameTypeError:
		if len(data) > MaxControlFrameSize {
			return -1, nil, &ProtocolError{fmt.Sprintf("length of %s frame (%d) exceeds limit (%d)",
				frameTypeName(frameType), len(data), MaxControlFrameSize)}
		}
	default:
		return -1, nil, &ProtocolError{fmt.Sprintf("unknown frame type %d", frameType)}
	}

	return frameType, data, nil
}

func frameTypeName(frameType int32) string {
	switch frameType {
	case FrameTypeResponse:
		return "RESPONSE"
	case FrameTypeError:
		return "ERROR"
	case FrameTypeMessage:
		return "MESSAGE"
	}
	return "UNKNOWN"
}

var validTopicChannelNameRegex = regexp.MustCompile(`^[\.a-zA-Z0-9_-]+(#ephemeral)?$`)

// IsValidTopicName checks a topic name for correctness
func IsValidTopicName(name string) bool {
	return isValidName(name)
}

// IsValidChannelName checks a channel name for correctness
func IsValidChannelName(name string) bool {
	return isValidName(name)
}

func isValidName(name string) bool {
	if len(name) > 64 || len(name) < 1 {
		return false
	}
	return validTopicChannelNameRegex.MatchString(name)
}
