package nsq

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/blang/semver"

	"github.com/nsqio/go-nsqcore/internal/lg"
)

// Conn represents one TCP connection to nsqd.
//
// A Conn multiplexes two independent inbound streams over the socket:
// responses correlated (in FIFO order) to the commands that expect one, and
// unsolicited messages delivered after SUB. Heartbeats are answered
// autonomously and never surfaced.
type Conn struct {
	addr   string
	config *Config

	mtx sync.Mutex

	conn net.Conn
	r    *bufio.Reader
	w    *bufio.Writer

	wmtx sync.Mutex

	status int32

	pmtx    sync.Mutex
	pending []*pendingSlot

	incomingMessages chan *Message

	// negotiated via IDENTIFY
	maxRdyCount       int64
	msgTimeout        time.Duration
	heartbeatInterval time.Duration
	serverVersion     semver.Version
	authRequired      bool
	authorized        bool

	// subscription state replayed on reconnect
	topic   string
	channel string
	rdy     int64

	rdyCount int64

	readyChan    chan struct{}
	exitChan     chan struct{}
	exitOnce     sync.Once
	reconnecting int32
	wg           sync.WaitGroup

	messagesReceived uint64
	messagesFinished uint64
	messagesRequeued uint64
}

type pendingSlot struct {
	respChan  chan *cmdResponse
	abandoned int32
}

type cmdResponse struct {
	frameType int32
	data      []byte
	err       error
}

// NewConn returns a new Conn instance for the given "host:port" address
func NewConn(addr string, config *Config) *Conn {
	if config == nil {
		config = NewConfig()
	}
	return &Conn{
		addr:             addr,
		config:           config,
		status:           int32(StatusInit),
		incomingMessages: make(chan *Message, config.MaxInFlight+1),
		readyChan:        make(chan struct{}),
		exitChan:         make(chan struct{}),
		maxRdyCount:      2500,
	}
}

// OpenConnection dials nsqd at host:port, performs the IDENTIFY handshake
// (and AUTH when required) and returns a connected Conn.
func OpenConnection(host string, port int, config *Config) (*Conn, error) {
	c := NewConn(net.JoinHostPort(host, strconv.Itoa(port)), config)
	err := c.Connect()
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Conn) String() string {
	return c.addr
}

// Status returns a consistent snapshot of the connection state
func (c *Conn) Status() ConnStatus {
	return ConnStatus(atomic.LoadInt32(&c.status))
}

func (c *Conn) setStatus(s ConnStatus) {
	atomic.StoreInt32(&c.status, int32(s))
}

func (c *Conn) logf(lvl lg.LogLevel, f string, args ...interface{}) {
	lg.Logf(c.config.Logger, c.config.LogLevel, lvl, "[%s] "+f,
		append([]interface{}{c.addr}, args...)...)
}

// Connect establishes the TCP connection, sends the magic, and performs the
// IDENTIFY (and, when demanded, AUTH) handshake.
func (c *Conn) Connect() error {
	if !atomic.CompareAndSwapInt32(&c.status, int32(StatusInit), int32(StatusConnecting)) {
		if c.Status() == StatusClosed {
			return ErrConnectionClosed
		}
		return ErrAlreadyConnected
	}

	err := c.dialAndHandshake()
	if err != nil {
		c.doClose()
		return err
	}

	c.setStatus(StatusConnected)
	c.signalReady()
	return nil
}

// dialAndHandshake (re)establishes the transport and runs the handshake.
// The caller owns the status transition around it.
func (c *Conn) dialAndHandshake() error {
	conn, err := net.DialTimeout("tcp", c.addr, c.config.DialTimeout)
	if err != nil {
		return &ConnectionError{c.addr, err}
	}

	c.mtx.Lock()
	c.conn = conn
	c.r = bufio.NewReader(conn)
	c.w = bufio.NewWriter(conn)
	c.mtx.Unlock()

	conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	_, err = conn.Write(MagicV2)
	if err != nil {
		conn.Close()
		return &ConnectionError{c.addr, fmt.Errorf("failed to write magic - %s", err)}
	}

	c.wg.Add(1)
	go func(conn net.Conn, r *bufio.Reader) {
		defer c.wg.Done()
		c.readLoop(conn, r)
	}(conn, c.r)

	err = c.identify()
	if err != nil {
		conn.Close()
		return err
	}

	return nil
}

func (c *Conn) identify() error {
	ci := &identifyBody{
		ClientID:            c.config.ClientID,
		Hostname:            c.config.Hostname,
		UserAgent:           c.config.UserAgent,
		HeartbeatInterval:   int64(c.config.HeartbeatInterval / time.Millisecond),
		OutputBufferSize:    c.config.OutputBufferSize,
		OutputBufferTimeout: int64(c.config.OutputBufferTimeout / time.Millisecond),
		SampleRate:          c.config.SampleRate,
		MsgTimeout:          int64(c.config.MsgTimeout / time.Millisecond),
		FeatureNegotiation:  true,
	}
	if c.config.HeartbeatInterval < 0 {
		ci.HeartbeatInterval = -1
	}

	body, err := json.Marshal(ci)
	if err != nil {
		return err
	}

	data, err := c.execute(Identify(body), c.config.IdentifyTimeout, true)
	if err != nil {
		return err
	}

	resp := &identifyResponse{}
	err = json.Unmarshal(data, resp)
	if err != nil {
		return &ProtocolError{fmt.Sprintf("malformed IDENTIFY response - %s (%s)", err, data)}
	}

	c.logf(lg.DEBUG, "IDENTIFY response: %+v", resp)

	if resp.TLSv1 || resp.Snappy || resp.Deflate {
		return &ProtocolError{"server demands an unsupported transport (tls/snappy/deflate)"}
	}

	c.mtx.Lock()
	if resp.MaxRdyCount > 0 {
		c.maxRdyCount = resp.MaxRdyCount
	}
	c.msgTimeout = time.Duration(resp.MsgTimeout) * time.Millisecond
	c.heartbeatInterval = time.Duration(resp.HeartbeatInterval) * time.Millisecond
	if v, verr := semver.ParseTolerant(resp.Version); verr == nil {
		c.serverVersion = v
	}
	c.authRequired = resp.AuthRequired
	c.mtx.Unlock()

	if resp.AuthRequired {
		if c.config.AuthSecret == "" {
			return ErrAuthRequired
		}
		err = c.auth()
		if err != nil {
			return err
		}
	}

	return nil
}

func (c *Conn) auth() error {
	data, err := c.execute(Auth(c.config.AuthSecret), c.config.IdentifyTimeout, true)
	if err != nil {
		if _, ok := err.(*ProtocolError); ok {
			return ErrAuthFailed
		}
		return err
	}

	resp := &authResponse{}
	if jerr := json.Unmarshal(data, resp); jerr == nil && resp.Identity != "" {
		c.logf(lg.INFO, "authorized as %s (permissions: %d)", resp.Identity, resp.PermissionCount)
	}

	c.mtx.Lock()
	c.authorized = true
	c.mtx.Unlock()
	return nil
}

// Execute serializes the command, appends a pending completion slot (unless
// the command elicits no reply) and blocks until the correlated RESPONSE or
// ERROR frame arrives. A server ERROR completes with *ProtocolError carrying
// the error body; transport teardown completes with ErrConnectionClosed.
func (c *Conn) Execute(cmd *Command) ([]byte, error) {
	return c.executeTimeout(cmd, 0)
}

func (c *Conn) executeTimeout(cmd *Command, timeout time.Duration) ([]byte, error) {
	return c.execute(cmd, timeout, false)
}

// handshake commands (IDENTIFY/AUTH issued while CONNECTING or RECONNECTING)
// bypass the status gate; everything else waits out a reconnect
func (c *Conn) execute(cmd *Command, timeout time.Duration, handshake bool) ([]byte, error) {
	for {
		switch c.Status() {
		case StatusClosed:
			return nil, ErrConnectionClosed
		case StatusClosing:
			if !bytes.Equal(cmd.Name, []byte("CLS")) {
				return nil, ErrConnectionClosed
			}
		case StatusInit:
			return nil, errors.New("not connected - call Connect first")
		case StatusReconnecting:
			if handshake {
				break
			}
			// commands issued after a failure see the new socket
			select {
			case <-c.readySignal():
			case <-c.exitChan:
				return nil, ErrConnectionClosed
			}
			continue
		}

		if c.authGate(cmd) {
			return nil, ErrAuthRequired
		}

		if !commandExpectsResponse(cmd) {
			return nil, c.writeCommand(cmd)
		}

		// the slot append and the write happen under the same lock so that
		// pending order always equals wire order
		c.wmtx.Lock()
		slot := &pendingSlot{respChan: make(chan *cmdResponse, 1)}
		c.pmtx.Lock()
		c.pending = append(c.pending, slot)
		c.pmtx.Unlock()
		err := c.writeCommandLocked(cmd)
		c.wmtx.Unlock()
		if err != nil {
			atomic.StoreInt32(&slot.abandoned, 1)
			return nil, err
		}

		var timeoutChan <-chan time.Time
		if timeout > 0 {
			t := time.NewTimer(timeout)
			defer t.Stop()
			timeoutChan = t.C
		}

		select {
		case resp := <-slot.respChan:
			if resp.err != nil {
				return nil, resp.err
			}
			if resp.frameType == FrameTypeError {
				return nil, &ProtocolError{string(resp.data)}
			}
			return resp.data, nil
		case <-timeoutChan:
			// the reply may still arrive; the read loop discards it rather
			// than mis-routing it to the next caller
			atomic.StoreInt32(&slot.abandoned, 1)
			return nil, fmt.Errorf("[%s] timeout waiting for %s response", c.addr, cmd)
		}
	}
}

// NOP, RDY, FIN, REQ and TOUCH elicit no reply on success (their failures
// arrive as unsolicited ERROR frames), so they never occupy a pending slot.
func commandExpectsResponse(cmd *Command) bool {
	switch string(cmd.Name) {
	case "NOP", "RDY", "FIN", "REQ", "TOUCH":
		return false
	}
	return true
}

// the server requires AUTH before anything but IDENTIFY/AUTH/CLS/NOP once
// it has flagged auth_required
func (c *Conn) authGate(cmd *Command) bool {
	c.mtx.Lock()
	gated := c.authRequired && !c.authorized
	c.mtx.Unlock()
	if !gated {
		return false
	}
	switch string(cmd.Name) {
	case "IDENTIFY", "AUTH", "CLS", "NOP":
		return false
	}
	return true
}

func (c *Conn) writeCommand(cmd *Command) error {
	c.wmtx.Lock()
	defer c.wmtx.Unlock()
	return c.writeCommandLocked(cmd)
}

func (c *Conn) writeCommandLocked(cmd *Command) error {
	c.mtx.Lock()
	conn, w := c.conn, c.w
	c.mtx.Unlock()

	if conn == nil {
		return ErrConnectionClosed
	}

	conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	err := cmd.Write(w)
	if err == nil {
		err = w.Flush()
	}
	if err != nil {
		c.logf(lg.ERROR, "error writing %s - %s", cmd, err)
		conn.Close()
		return &ConnectionError{c.addr, err}
	}
	return nil
}

// Subscribe issues SUB for the topic/channel, awaits OK, and primes the
// server with the given RDY count. At most one subscription is allowed per
// connection.
func (c *Conn) Subscribe(topic string, channel string, rdy int) error {
	if !IsValidTopicName(topic) {
		return errors.New("invalid topic name")
	}
	if !IsValidChannelName(channel) {
		return errors.New("invalid channel name")
	}

	c.mtx.Lock()
	if c.topic != "" {
		c.mtx.Unlock()
		return fmt.Errorf("[%s] already subscribed to (%s, %s)", c.addr, c.topic, c.channel)
	}
	c.mtx.Unlock()

	_, err := c.Execute(Subscribe(topic, channel))
	if err != nil {
		return err
	}

	c.mtx.Lock()
	c.topic = topic
	c.channel = channel
	c.mtx.Unlock()
	c.setStatus(StatusSubscribed)

	return c.SetRDY(rdy)
}

// SetRDY updates the ready count for this connection, clamped to the
// server-negotiated maximum.
func (c *Conn) SetRDY(count int) error {
	c.mtx.Lock()
	if int64(count) > c.maxRdyCount {
		c.logf(lg.WARN, "RDY %d over server max, clamping to %d", count, c.maxRdyCount)
		count = int(c.maxRdyCount)
	}
	c.rdy = int64(count)
	c.mtx.Unlock()

	atomic.StoreInt64(&c.rdyCount, int64(count))
	_, err := c.Execute(Ready(count))
	return err
}

// RDY returns the last configured ready count
func (c *Conn) RDY() int64 {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.rdy
}

// MaxRDY returns the server-negotiated maximum ready count
func (c *Conn) MaxRDY() int64 {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.maxRdyCount
}

// Fin acknowledges successful processing of a message. Fire-and-forget: a
// failure arrives asynchronously on the error path.
func (c *Conn) Fin(id MessageID) error {
	if c.Status() == StatusClosed {
		return ErrConnectionClosed
	}
	atomic.AddUint64(&c.messagesFinished, 1)
	return c.writeCommand(Finish(id))
}

// Req requeues a message with the given delay
func (c *Conn) Req(id MessageID, delay time.Duration) error {
	if c.Status() == StatusClosed {
		return ErrConnectionClosed
	}
	atomic.AddUint64(&c.messagesRequeued, 1)
	return c.writeCommand(Requeue(id, delay))
}

// Touch resets the server-side timeout for an in-flight message
func (c *Conn) Touch(id MessageID) error {
	if c.Status() == StatusClosed {
		return ErrConnectionClosed
	}
	return c.writeCommand(Touch(id))
}

// Messages returns the channel on which inbound messages are delivered.
// It is closed when the connection reaches CLOSED.
func (c *Conn) Messages() <-chan *Message {
	return c.incomingMessages
}

// WaitForMessage blocks until a message is available or the connection is
// closed (in which case it returns nil).
func (c *Conn) WaitForMessage() *Message {
	return <-c.incomingMessages
}

// GetMessage returns a buffered message without blocking, or nil.
func (c *Conn) GetMessage() *Message {
	select {
	case m := <-c.incomingMessages:
		return m
	default:
		return nil
	}
}

// Close starts a clean close cycle: CLS is sent and CLOSE_WAIT awaited (up
// to CloseTimeout) before the transport is torn down. Pending commands are
// completed with ErrConnectionClosed and the message channel is closed.
func (c *Conn) Close() error {
	switch c.Status() {
	case StatusClosing, StatusClosed:
		return nil
	case StatusInit, StatusReconnecting:
		// nothing usable to send CLS over
		c.doClose()
		return nil
	}

	c.setStatus(StatusClosing)

	_, err := c.executeTimeout(StartClose(), c.config.CloseTimeout)
	if err != nil {
		c.logf(lg.WARN, "CLS - %s", err)
	}

	c.doClose()
	return nil
}

// doClose is the terminal teardown; safe to call more than once.
func (c *Conn) doClose() {
	c.exitOnce.Do(func() {
		c.setStatus(StatusClosed)
		close(c.exitChan)

		c.mtx.Lock()
		conn := c.conn
		c.mtx.Unlock()
		if conn != nil {
			conn.Close()
		}

		c.drainPending(ErrConnectionClosed)

		// the read loop may be blocked handing off a message; close the
		// channel only after it has exited
		go func() {
			c.wg.Wait()
			close(c.incomingMessages)
		}()
	})
}

func (c *Conn) drainPending(err error) {
	c.pmtx.Lock()
	pending := c.pending
	c.pending = nil
	c.pmtx.Unlock()

	for _, slot := range pending {
		slot.respChan <- &cmdResponse{err: err}
	}
}

func (c *Conn) popPending() *pendingSlot {
	c.pmtx.Lock()
	defer c.pmtx.Unlock()
	for len(c.pending) > 0 {
		slot := c.pending[0]
		c.pending = c.pending[1:]
		if atomic.LoadInt32(&slot.abandoned) == 1 {
			// cancelled caller; its reply is discarded, not mis-routed
			continue
		}
		return slot
	}
	return nil
}

func (c *Conn) readLoop(conn net.Conn, r *bufio.Reader) {
	for {
		// heartbeat watchdog: a healthy server sends _something_ at least
		// every heartbeat interval
		c.mtx.Lock()
		hb := c.heartbeatInterval
		c.mtx.Unlock()
		if hb > 0 {
			conn.SetReadDeadline(time.Now().Add(2 * hb))
		} else {
			conn.SetReadDeadline(time.Time{})
		}

		frameType, data, err := ReadUnpackedResponse(r)
		if err != nil {
			if perr, ok := err.(*ProtocolError); ok {
				c.logf(lg.ERROR, "IO error - %s", perr)
			}
			c.transportLost(conn, err)
			return
		}

		switch frameType {
		case FrameTypeResponse:
			if bytes.Equal(data, heartbeatBytes) {
				c.logf(lg.DEBUG, "heartbeat received")
				if err := c.writeCommand(Nop()); err != nil {
					c.transportLost(conn, err)
					return
				}
				continue
			}
			slot := c.popPending()
			if slot == nil {
				c.logf(lg.ERROR, "unexpected response with no command in flight (%s)", data)
				c.transportLost(conn, &ProtocolError{"response with no command in flight"})
				return
			}
			slot.respChan <- &cmdResponse{frameType: frameType, data: data}
		case FrameTypeError:
			slot := c.popPending()
			if slot != nil {
				slot.respChan <- &cmdResponse{frameType: frameType, data: data}
				continue
			}
			// unsolicited server error (e.g. a failed FIN); only tear down
			// for the fatal error classes
			perr := &ProtocolError{string(data)}
			if perr.IsFatal() {
				c.logf(lg.ERROR, "fatal error from nsqd - %s", data)
				c.transportLost(conn, perr)
				return
			}
			c.logf(lg.WARN, "error from nsqd - %s", data)
		case FrameTypeMessage:
			msg, err := DecodeMessage(data)
			if err != nil {
				c.logf(lg.ERROR, "error decoding message - %s", err)
				c.transportLost(conn, err)
				return
			}
			msg.conn = c
			c.mtx.Lock()
			msg.msgTimeout = c.msgTimeout
			c.mtx.Unlock()

			atomic.AddUint64(&c.messagesReceived, 1)
			if atomic.AddInt64(&c.rdyCount, -1) < 0 {
				// the server is not trusted to honor RDY as a hard gate
				c.logf(lg.WARN, "message %s delivered with RDY 0", msg.ID)
			}

			select {
			case c.incomingMessages <- msg:
			case <-c.exitChan:
				return
			}
		}
	}
}

// transportLost handles the death of one socket generation: pending commands
// fail, and the connection either reconnects (supervised) or closes.
func (c *Conn) transportLost(conn net.Conn, err error) {
	c.mtx.Lock()
	if c.conn != conn {
		// a newer socket has already replaced this one
		c.mtx.Unlock()
		return
	}
	c.mtx.Unlock()

	switch c.Status() {
	case StatusClosing, StatusClosed:
		return
	}

	conn.Close()
	c.drainPending(ErrConnectionClosed)

	if !c.config.AutoReconnect {
		c.logf(lg.ERROR, "lost connection - %s", err)
		c.doClose()
		return
	}

	if !atomic.CompareAndSwapInt32(&c.reconnecting, 0, 1) {
		return
	}

	c.logf(lg.WARN, "lost connection - %s, reconnecting", err)
	c.clearReady()
	c.setStatus(StatusReconnecting)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.reconnectLoop()
	}()
}

// reconnectLoop re-dials with exponentially increasing, jittered delays and
// replays IDENTIFY/AUTH and any recorded subscription on the new socket.
func (c *Conn) reconnectLoop() {
	defer atomic.StoreInt32(&c.reconnecting, 0)

	for attempt := 0; ; attempt++ {
		delay := c.reconnectDelay(attempt)
		c.logf(lg.INFO, "reconnect attempt %d in %s", attempt+1, delay)

		select {
		case <-time.After(delay):
		case <-c.exitChan:
			return
		}

		if s := c.Status(); s == StatusClosing || s == StatusClosed {
			return
		}

		err := c.dialAndHandshake()
		if err != nil {
			c.logf(lg.WARN, "reconnect failed - %s", err)
			continue
		}

		c.mtx.Lock()
		topic, channel, rdy := c.topic, c.channel, c.rdy
		c.mtx.Unlock()

		if topic != "" {
			_, err = c.replaySubscription(topic, channel, rdy)
			if err != nil {
				c.logf(lg.WARN, "replay of (%s, %s) failed - %s", topic, channel, err)
				c.mtx.Lock()
				conn := c.conn
				c.mtx.Unlock()
				conn.Close()
				continue
			}
			c.setStatus(StatusSubscribed)
		} else {
			c.setStatus(StatusConnected)
		}

		c.signalReady()
		c.logf(lg.INFO, "reconnected")
		return
	}
}

func (c *Conn) replaySubscription(topic string, channel string, rdy int64) ([]byte, error) {
	// bypass Execute: status is still RECONNECTING while we replay
	c.wmtx.Lock()
	slot := &pendingSlot{respChan: make(chan *cmdResponse, 1)}
	c.pmtx.Lock()
	c.pending = append(c.pending, slot)
	c.pmtx.Unlock()
	err := c.writeCommandLocked(Subscribe(topic, channel))
	c.wmtx.Unlock()
	if err != nil {
		atomic.StoreInt32(&slot.abandoned, 1)
		return nil, err
	}

	resp := <-slot.respChan
	if resp.err != nil {
		return nil, resp.err
	}
	if resp.frameType == FrameTypeError {
		return nil, &ProtocolError{string(resp.data)}
	}

	atomic.StoreInt64(&c.rdyCount, rdy)
	return resp.data, c.writeCommand(Ready(int(rdy)))
}

func (c *Conn) reconnectDelay(attempt int) time.Duration {
	delay := c.config.InitialReconnectDelay
	for i := 0; i < attempt && delay < c.config.MaxReconnectDelay; i++ {
		delay *= 2
	}
	if delay > c.config.MaxReconnectDelay {
		delay = c.config.MaxReconnectDelay
	}
	// +/- 20%
	jitter := time.Duration(0.2 * float64(delay) * (rand.Float64()*2 - 1))
	return delay + jitter
}

func (c *Conn) readySignal() <-chan struct{} {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.readyChan
}

func (c *Conn) signalReady() {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	select {
	case <-c.readyChan:
	default:
		close(c.readyChan)
	}
}

func (c *Conn) clearReady() {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	select {
	case <-c.readyChan:
		c.readyChan = make(chan struct{})
	default:
	}
}

// ServerVersion returns the nsqd version reported during IDENTIFY
func (c *Conn) ServerVersion() semver.Version {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.serverVersion
}

// MsgTimeout returns the negotiated per-message server timeout
func (c *Conn) MsgTimeout() time.Duration {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.msgTimeout
}

// ConnStats is a point-in-time snapshot of per-connection counters
type ConnStats struct {
	MessagesReceived uint64
	MessagesFinished uint64
	MessagesRequeued uint64
	RdyCount         int64
}

// Stats returns a snapshot of this connection's counters
func (c *Conn) Stats() ConnStats {
	return ConnStats{
		MessagesReceived: atomic.LoadUint64(&c.messagesReceived),
		MessagesFinished: atomic.LoadUint64(&c.messagesFinished),
		MessagesRequeued: atomic.LoadUint64(&c.messagesRequeued),
		RdyCount:         atomic.LoadInt64(&c.rdyCount),
	}
}
