package nsq

import (
	"bytes"
	"encoding/binary"
	"testing"
	"time"

	"github.com/nsqio/go-nsqcore/internal/test"
)

func commandBytes(t *testing.T, cmd *Command) []byte {
	var buf bytes.Buffer
	err := cmd.Write(&buf)
	test.Nil(t, err)
	return buf.Bytes()
}

func TestCommandEncoding(t *testing.T) {
	var id MessageID
	copy(id[:], "0123456789abcdef")

	test.Equal(t, []byte("SUB t c\n"), commandBytes(t, Subscribe("t", "c")))
	test.Equal(t, []byte("RDY 5\n"), commandBytes(t, Ready(5)))
	test.Equal(t, []byte("FIN 0123456789abcdef\n"), commandBytes(t, Finish(id)))
	test.Equal(t, []byte("REQ 0123456789abcdef 1500\n"),
		commandBytes(t, Requeue(id, 1500*time.Millisecond)))
	test.Equal(t, []byte("TOUCH 0123456789abcdef\n"), commandBytes(t, Touch(id)))
	test.Equal(t, []byte("CLS\n"), commandBytes(t, StartClose()))
	test.Equal(t, []byte("NOP\n"), commandBytes(t, Nop()))
}

func TestPublishEncoding(t *testing.T) {
	b := commandBytes(t, Publish("topic", []byte("hello")))
	test.Equal(t, []byte("PUB topic\n\x00\x00\x00\x05hello"), b)
}

func TestDeferredPublishEncoding(t *testing.T) {
	b := commandBytes(t, DeferredPublish("topic", 2*time.Second, []byte("later")))
	test.Equal(t, []byte("DPUB topic 2000\n\x00\x00\x00\x05later"), b)
}

func TestMultiPublishEncoding(t *testing.T) {
	cmd, err := MultiPublish("topic", [][]byte{[]byte("one"), []byte("two")})
	test.Nil(t, err)
	b := commandBytes(t, cmd)

	// verb line, then count-prefixed length-prefixed bodies
	test.Equal(t, []byte("MPUB topic\n"), b[:11])

	body := b[11:]
	test.Equal(t, uint32(4+4+3+4+3), binary.BigEndian.Uint32(body[:4]))
	body = body[4:]
	test.Equal(t, uint32(2), binary.BigEndian.Uint32(body[:4]))
	test.Equal(t, uint32(3), binary.BigEndian.Uint32(body[4:8]))
	test.Equal(t, []byte("one"), body[8:11])
	test.Equal(t, uint32(3), binary.BigEndian.Uint32(body[11:15]))
	test.Equal(t, []byte("two"), body[15:18])
}

func TestCommandString(t *testing.T) {
	test.Equal(t, "SUB t c", Subscribe("t", "c").String())
	test.Equal(t, "NOP", Nop().String())
}

func TestCommandExpectsResponse(t *testing.T) {
	var id MessageID
	test.Equal(t, false, commandExpectsResponse(Nop()))
	test.Equal(t, false, commandExpectsResponse(Ready(1)))
	test.Equal(t, false, commandExpectsResponse(Finish(id)))
	test.Equal(t, false, commandExpectsResponse(Requeue(id, 0)))
	test.Equal(t, false, commandExpectsResponse(Touch(id)))
	test.Equal(t, true, commandExpectsResponse(Subscribe("t", "c")))
	test.Equal(t, true, commandExpectsResponse(Publish("t", nil)))
	test.Equal(t, true, commandExpectsResponse(StartClose()))
	test.Equal(t, true, commandExpectsResponse(Identify(nil)))
	test.Equal(t, true, commandExpectsResponse(Auth("s")))
}
