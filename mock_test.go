package nsq

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nsqio/go-nsqcore/internal/lg"
	"github.com/nsqio/go-nsqcore/internal/test"
)

// fakeNSQD speaks just enough of the V2 protocol to exercise the client:
// it answers the handshake, records every command it receives, and lets
// tests inject frames (messages, heartbeats, errors) at will.
type fakeNSQD struct {
	listener net.Listener
	addr     string

	mtx         sync.Mutex
	identify    map[string]interface{}
	pubReplies  []string
	subReply    string
	holdReplies bool
	held        []heldReply
	sessions    []*fakeSession

	cmdChan     chan fakeCmd
	sessionChan chan *fakeSession
}

type fakeCmd struct {
	line string
	body []byte
}

type heldReply struct {
	s         *fakeSession
	frameType int32
	data      []byte
}

type fakeSession struct {
	conn net.Conn
	wmtx sync.Mutex
	srv  *fakeNSQD
}

func newFakeNSQD(t *testing.T) *fakeNSQD {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	n := &fakeNSQD{
		listener:    listener,
		addr:        listener.Addr().String(),
		identify:    make(map[string]interface{}),
		cmdChan:     make(chan fakeCmd, 64),
		sessionChan: make(chan *fakeSession, 8),
	}
	go n.acceptLoop()
	return n
}

func (n *fakeNSQD) acceptLoop() {
	for {
		conn, err := n.listener.Accept()
		if err != nil {
			return
		}
		s := &fakeSession{conn: conn, srv: n}
		n.mtx.Lock()
		n.sessions = append(n.sessions, s)
		n.mtx.Unlock()
		go n.handle(s)
	}
}

func (n *fakeNSQD) handle(s *fakeSession) {
	magic := make([]byte, 4)
	_, err := io.ReadFull(s.conn, magic)
	if err != nil || string(magic) != "  V2" {
		s.conn.Close()
		return
	}

	select {
	case n.sessionChan <- s:
	default:
	}

	r := bufio.NewReader(s.conn)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimSuffix(line, "\n")
		verb := strings.SplitN(line, " ", 2)[0]

		var body []byte
		switch verb {
		case "IDENTIFY", "AUTH", "PUB", "MPUB", "DPUB":
			var size int32
			err = binary.Read(r, binary.BigEndian, &size)
			if err != nil {
				return
			}
			body = make([]byte, size)
			_, err = io.ReadFull(r, body)
			if err != nil {
				return
			}
		}

		n.cmdChan <- fakeCmd{line, body}

		switch verb {
		case "IDENTIFY":
			s.sendFrame(FrameTypeResponse, n.identifyResponseBytes())
		case "AUTH":
			s.sendFrame(FrameTypeResponse, []byte(`{"identity":"test","identity_url":"","permission_count":1}`))
		case "SUB":
			reply := n.takeSubReply()
			if strings.HasPrefix(reply, "E_") {
				s.reply(FrameTypeError, []byte(reply))
			} else {
				s.reply(FrameTypeResponse, []byte("OK"))
			}
		case "CLS":
			s.sendFrame(FrameTypeResponse, []byte("CLOSE_WAIT"))
		case "PUB", "MPUB", "DPUB":
			reply := n.takePubReply()
			if strings.HasPrefix(reply, "E_") {
				s.reply(FrameTypeError, []byte(reply))
			} else {
				s.reply(FrameTypeResponse, []byte("OK"))
			}
		}
	}
}

func (n *fakeNSQD) identifyResponseBytes() []byte {
	resp := map[string]interface{}{
		"max_rdy_count":      2500,
		"version":            "1.2.1",
		"max_msg_timeout":    900000,
		"msg_timeout":        60000,
		"heartbeat_interval": 30000,
		"auth_required":      false,
	}
	n.mtx.Lock()
	for k, v := range n.identify {
		resp[k] = v
	}
	n.mtx.Unlock()
	b, _ := json.Marshal(resp)
	return b
}

func (n *fakeNSQD) setIdentify(k string, v interface{}) {
	n.mtx.Lock()
	n.identify[k] = v
	n.mtx.Unlock()
}

func (n *fakeNSQD) scriptPub(replies ...string) {
	n.mtx.Lock()
	n.pubReplies = append(n.pubReplies, replies...)
	n.mtx.Unlock()
}

func (n *fakeNSQD) takePubReply() string {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	if len(n.pubReplies) == 0 {
		return "OK"
	}
	reply := n.pubReplies[0]
	n.pubReplies = n.pubReplies[1:]
	return reply
}

func (n *fakeNSQD) takeSubReply() string {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	return n.subReply
}

func (n *fakeNSQD) hold() {
	n.mtx.Lock()
	n.holdReplies = true
	n.mtx.Unlock()
}

func (n *fakeNSQD) release() {
	n.mtx.Lock()
	held := n.held
	n.held = nil
	n.holdReplies = false
	n.mtx.Unlock()
	for _, h := range held {
		h.s.sendFrame(h.frameType, h.data)
	}
}

func (n *fakeNSQD) Close() {
	n.listener.Close()
	n.mtx.Lock()
	sessions := n.sessions
	n.sessions = nil
	n.mtx.Unlock()
	for _, s := range sessions {
		s.conn.Close()
	}
}

// reply respects hold mode so tests can control response timing
func (s *fakeSession) reply(frameType int32, data []byte) {
	s.srv.mtx.Lock()
	if s.srv.holdReplies {
		s.srv.held = append(s.srv.held, heldReply{s, frameType, data})
		s.srv.mtx.Unlock()
		return
	}
	s.srv.mtx.Unlock()
	s.sendFrame(frameType, data)
}

func (s *fakeSession) sendFrame(frameType int32, data []byte) {
	s.wmtx.Lock()
	defer s.wmtx.Unlock()
	buf := make([]byte, 8)
	binary.BigEndian.PutUint32(buf[:4], uint32(4+len(data)))
	binary.BigEndian.PutUint32(buf[4:], uint32(frameType))
	s.conn.Write(buf)
	s.conn.Write(data)
}

func (s *fakeSession) sendMessage(ts int64, attempts uint16, id string, body []byte) {
	data := make([]byte, 10+MsgIDLength+len(body))
	binary.BigEndian.PutUint64(data[:8], uint64(ts))
	binary.BigEndian.PutUint16(data[8:10], attempts)
	copy(data[10:10+MsgIDLength], id)
	copy(data[10+MsgIDLength:], body)
	s.sendFrame(FrameTypeMessage, data)
}

func (s *fakeSession) sendHeartbeat() {
	s.sendFrame(FrameTypeResponse, []byte("_heartbeat_"))
}

func (s *fakeSession) close() {
	s.conn.Close()
}

func nextCmd(t *testing.T, n *fakeNSQD) fakeCmd {
	select {
	case cmd := <-n.cmdChan:
		return cmd
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for command")
	}
	return fakeCmd{}
}

func expectCmd(t *testing.T, n *fakeNSQD, line string) fakeCmd {
	cmd := nextCmd(t, n)
	if cmd.line != line {
		t.Fatalf("expected command %q got %q", line, cmd.line)
	}
	return cmd
}

func nextSession(t *testing.T, n *fakeNSQD) *fakeSession {
	select {
	case s := <-n.sessionChan:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for connection")
	}
	return nil
}

func testConfig(t *testing.T) *Config {
	config := NewConfig()
	config.Logger = test.NewTestLogger(t)
	// suppress teardown noise from connections outliving a test body
	config.LogLevel = lg.FATAL
	config.AutoReconnect = false
	config.DialTimeout = time.Second
	config.IdentifyTimeout = 2 * time.Second
	return config
}
