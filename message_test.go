package nsq

import (
	"testing"

	"github.com/nsqio/go-nsqcore/internal/test"
)

func TestDecodeMessage(t *testing.T) {
	payload := make([]byte, 0, 32)
	payload = append(payload, 0x17, 0x97, 0x9C, 0xFE, 0x36, 0x2A, 0x00, 0x00) // 1700000000000000000
	payload = append(payload, 0x00, 0x01)
	payload = append(payload, []byte("0123456789abcdef")...)
	payload = append(payload, []byte("hello")...)

	msg, err := DecodeMessage(payload)
	test.Nil(t, err)
	test.Equal(t, int64(1700000000000000000), msg.Timestamp)
	test.Equal(t, uint16(1), msg.Attempts)
	test.Equal(t, "0123456789abcdef", string(msg.ID[:]))
	test.Equal(t, []byte("hello"), msg.Body)
}

func TestDecodeMessageTruncated(t *testing.T) {
	_, err := DecodeMessage(make([]byte, 10))
	test.NotNil(t, err)
	_, ok := err.(*ProtocolError)
	test.Equal(t, true, ok)
}

func TestMessageEncodeDecode(t *testing.T) {
	var id MessageID
	copy(id[:], "fedcba9876543210")
	msg := NewMessage(id, []byte("payload"))
	msg.Attempts = 7

	b, err := msg.EncodeBytes()
	test.Nil(t, err)

	decoded, err := DecodeMessage(b)
	test.Nil(t, err)
	test.Equal(t, msg.ID, decoded.ID)
	test.Equal(t, msg.Body, decoded.Body)
	test.Equal(t, msg.Attempts, decoded.Attempts)
	test.Equal(t, msg.Timestamp, decoded.Timestamp)
}

func TestMessageAckWithoutConnection(t *testing.T) {
	var id MessageID
	msg := NewMessage(id, []byte("stray"))

	test.Equal(t, ErrMessageGone, msg.Finish())
	test.Equal(t, ErrMessageGone, msg.Requeue(0))
	test.Equal(t, ErrMessageGone, msg.Touch())
	test.Equal(t, false, msg.IsProcessed())
}

func TestMessageNoTimeoutNegotiated(t *testing.T) {
	var id MessageID
	msg := NewMessage(id, nil)
	test.Equal(t, false, msg.IsTimedOut())
}
