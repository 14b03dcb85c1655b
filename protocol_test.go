package nsq

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/nsqio/go-nsqcore/internal/test"
)

func frameBytes(frameType int32, data []byte) []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, int32(4+len(data)))
	binary.Write(&buf, binary.BigEndian, frameType)
	buf.Write(data)
	return buf.Bytes()
}

func TestReadUnpackedResponse(t *testing.T) {
	for _, frameType := range []int32{FrameTypeResponse, FrameTypeError} {
		r := bytes.NewReader(frameBytes(frameType, []byte("OK")))
		ft, data, err := ReadUnpackedResponse(r)
		test.Nil(t, err)
		test.Equal(t, frameType, ft)
		test.Equal(t, []byte("OK"), data)
	}
}

func TestReadUnpackedResponseStreaming(t *testing.T) {
	// two frames back to back in one buffer decode in sequence
	var buf bytes.Buffer
	buf.Write(frameBytes(FrameTypeResponse, []byte("first")))
	buf.Write(frameBytes(FrameTypeResponse, []byte("second")))

	_, data, err := ReadUnpackedResponse(&buf)
	test.Nil(t, err)
	test.Equal(t, []byte("first"), data)

	_, data, err = ReadUnpackedResponse(&buf)
	test.Nil(t, err)
	test.Equal(t, []byte("second"), data)
}

func TestReadUnpackedResponseUnknownFrameType(t *testing.T) {
	r := bytes.NewReader(frameBytes(9, []byte("?")))
	_, _, err := ReadUnpackedResponse(r)
	test.NotNil(t, err)
	_, ok := err.(*ProtocolError)
	test.Equal(t, true, ok)
}

func TestReadUnpackedResponseOversized(t *testing.T) {
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, int32(MaxMessageFrameSize+1))
	_, _, err := ReadUnpackedResponse(&buf)
	test.NotNil(t, err)
	_, ok := err.(*ProtocolError)
	test.Equal(t, true, ok)
}

func TestReadUnpackedResponseUndersized(t *testing.T) {
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, int32(2))
	buf.Write([]byte{0, 0})
	_, _, err := ReadUnpackedResponse(&buf)
	test.NotNil(t, err)
	_, ok := err.(*ProtocolError)
	test.Equal(t, true, ok)
}

func TestMessageFrameRoundTrip(t *testing.T) {
	var id MessageID
	copy(id[:], "0123456789abcdef")
	msg := NewMessage(id, []byte("the body"))
	msg.Timestamp = 1700000000000000000
	msg.Attempts = 3

	payload, err := msg.EncodeBytes()
	test.Nil(t, err)

	r := bytes.NewReader(frameBytes(FrameTypeMessage, payload))
	ft, data, err := ReadUnpackedResponse(r)
	test.Nil(t, err)
	test.Equal(t, FrameTypeMessage, ft)

	decoded, err := DecodeMessage(data)
	test.Nil(t, err)
	test.Equal(t, msg.ID, decoded.ID)
	test.Equal(t, msg.Body, decoded.Body)
	test.Equal(t, msg.Timestamp, decoded.Timestamp)
	test.Equal(t, msg.Attempts, decoded.Attempts)
}

func TestIsValidTopicName(t *testing.T) {
	test.Equal(t, true, IsValidTopicName("test"))
	test.Equal(t, true, IsValidTopicName("test-with_period."))
	test.Equal(t, true, IsValidTopicName("test#ephemeral"))
	test.Equal(t, false, IsValidTopicName(""))
	test.Equal(t, false, IsValidTopicName("test bad"))

	var longName bytes.Buffer
	for i := 0; i < 65; i++ {
		longName.WriteByte('a')
	}
	test.Equal(t, false, IsValidTopicName(longName.String()))
}

func TestIsValidChannelName(t *testing.T) {
	test.Equal(t, true, IsValidChannelName("test"))
	test.Equal(t, true, IsValidChannelName("test#ephemeral"))
	test.Equal(t, false, IsValidChannelName("test bad"))
}
