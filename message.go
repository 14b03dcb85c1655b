package nsq

import (
	"bytes"
	"encoding/binary"
	"io"
	"sync/atomic"
	"time"
)

// MsgIDLength is the fixed width of a message id on the wire (16 ASCII chars)
const MsgIDLength = 16

// MessageID is the ASCII encoded hexadecimal message ID
type MessageID [MsgIDLength]byte

// Message is the fundamental data type containing
// the id, body, and metadata of an inbound message,
// along with the ack operations that route back through
// the connection that delivered it.
type Message struct {
	ID        MessageID
	Body      []byte
	Timestamp int64
	Attempts  uint16

	// non-owning back-reference; never extends the Conn's lifetime
	conn *Conn

	msgTimeout    time.Duration
	initializedAt int64
	processed     int32
}

// NewMessage creates a Message, initializes some metadata,
// and returns a pointer
func NewMessage(id MessageID, body []byte) *Message {
	return &Message{
		ID:            id,
		Body:          body,
		Timestamp:     time.Now().UnixNano(),
		initializedAt: time.Now().UnixNano(),
	}
}

// DecodeMessage deserializes data (as []byte) and creates a new Message
//
// message format:
//
//	[8-byte timestamp][2-byte attempts][16-byte id][N-byte body]
func DecodeMessage(b []byte) (*Message, error) {
	var msg Message

	if len(b) < 10+MsgIDLength {
		return nil, &ProtocolError{"not enough data to decode valid message"}
	}

	msg.Timestamp = int64(binary.BigEndian.Uint64(b[:8]))
	msg.Attempts = binary.BigEndian.Uint16(b[8:10])
	copy(msg.ID[:], b[10:10+MsgIDLength])
	msg.Body = b[10+MsgIDLength:]
	msg.initializedAt = time.Now().UnixNano()

	return &msg, nil
}

// Encode serializes the receiver into the supplied Writer (the inverse of
// DecodeMessage)
func (m *Message) Encode(w io.Writer) error {
	var buf [10]byte
	binary.BigEndian.PutUint64(buf[:8], uint64(m.Timestamp))
	binary.BigEndian.PutUint16(buf[8:10], m.Attempts)

	_, err := w.Write(buf[:])
	if err != nil {
		return err
	}
	_, err = w.Write(m.ID[:])
	if err != nil {
		return err
	}
	_, err = w.Write(m.Body)
	return err
}

// EncodeBytes serializes the message into a newly allocated byte slice
func (m *Message) EncodeBytes() ([]byte, error) {
	var buf bytes.Buffer
	err := m.Encode(&buf)
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// IsProcessed indicates whether the message has been finished or requeued
func (m *Message) IsProcessed() bool {
	return atomic.LoadInt32(&m.processed) == 1
}

// IsTimedOut indicates whether the negotiated server-side message timeout
// has elapsed since receipt (or the last TOUCH). A message without a
// negotiated timeout never times out client-side.
func (m *Message) IsTimedOut() bool {
	if m.msgTimeout <= 0 {
		return false
	}
	deadline := atomic.LoadInt64(&m.initializedAt) + int64(m.msgTimeout)
	return time.Now().UnixNano() > deadline
}

// Finish sends a FIN command to the nsqd which
// sent this message
func (m *Message) Finish() error {
	if err := m.ackable(); err != nil {
		return err
	}
	if !atomic.CompareAndSwapInt32(&m.processed, 0, 1) {
		return ErrAlreadyProcessed
	}
	return m.conn.Fin(m.ID)
}

// Requeue sends a REQ command to the nsqd which sent this message, using the
// supplied delay. A delay < 0 uses the configured default scaled by the
// attempt count and bounded by the configured max.
func (m *Message) Requeue(delay time.Duration) error {
	if err := m.ackable(); err != nil {
		return err
	}
	if delay < 0 {
		delay = m.conn.config.DefaultRequeueDelay * time.Duration(m.Attempts)
		if delay > m.conn.config.MaxRequeueDelay {
			delay = m.conn.config.MaxRequeueDelay
		}
	}
	if !atomic.CompareAndSwapInt32(&m.processed, 0, 1) {
		return ErrAlreadyProcessed
	}
	return m.conn.Req(m.ID, delay)
}

// Touch sends a TOUCH command to the nsqd which sent this message, resetting
// its server-side timeout (and the client-side receipt time)
func (m *Message) Touch() error {
	if err := m.ackable(); err != nil {
		return err
	}
	if m.IsProcessed() {
		return ErrAlreadyProcessed
	}
	err := m.conn.Touch(m.ID)
	if err != nil {
		return err
	}
	atomic.StoreInt64(&m.initializedAt, time.Now().UnixNano())
	return nil
}

// at most one of FIN/REQ may succeed; nothing may touch the wire after the
// owning connection has gone away or the server has reclaimed the message
func (m *Message) ackable() error {
	if m.conn == nil || m.conn.Status() == StatusClosed {
		return ErrMessageGone
	}
	if m.IsProcessed() {
		return ErrAlreadyProcessed
	}
	if m.IsTimedOut() {
		return ErrMessageTimedOut
	}
	return nil
}
