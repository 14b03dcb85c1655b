package nsq

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bitly/go-hostpool"

	"github.com/nsqio/go-nsqcore/internal/lg"
)

// address selection strategies for a Writer with more than one nsqd
const (
	ModeRoundRobin = iota
	ModeHostPool
)

// Writer is a producer facade over a pool of connections, one per configured
// nsqd address, dialled lazily on first use.
type Writer struct {
	config     *Config
	connConfig *Config
	addrs      []string

	mode     int
	hostPool hostpool.HostPool
	counter  uint64

	mtx   sync.Mutex
	conns map[string]*Conn

	stopFlag int32
}

// NewWriter returns a Writer publishing to the given nsqd TCP addresses
func NewWriter(addrs []string, config *Config) (*Writer, error) {
	if len(addrs) == 0 {
		return nil, errors.New("addrs must not be empty")
	}
	if config == nil {
		config = NewConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	// publish failures fall through to the next address in the sweep rather
	// than blocking on a reconnecting socket
	connConfig := *config
	connConfig.AutoReconnect = false

	return &Writer{
		config:     config,
		connConfig: &connConfig,
		addrs:      addrs,
		mode:       ModeRoundRobin,
		hostPool:   hostpool.New(addrs),
		conns:      make(map[string]*Conn),
	}, nil
}

// SetMode selects the address selection strategy (ModeRoundRobin or
// ModeHostPool)
func (w *Writer) SetMode(mode int) {
	w.mode = mode
}

func (w *Writer) logf(lvl lg.LogLevel, f string, args ...interface{}) {
	lg.Logf(w.config.Logger, w.config.LogLevel, lvl, f, args...)
}

// Publish synchronously sends a message body to the given topic
func (w *Writer) Publish(topic string, body []byte) error {
	return w.send(Publish(topic, body))
}

// MultiPublish synchronously sends a batch of message bodies to the given
// topic
func (w *Writer) MultiPublish(topic string, bodies [][]byte) error {
	cmd, err := MultiPublish(topic, bodies)
	if err != nil {
		return err
	}
	return w.send(cmd)
}

// DeferredPublish synchronously sends a message body to the given topic
// where the message will queue at the channel level until the delay expires
func (w *Writer) DeferredPublish(topic string, delay time.Duration, body []byte) error {
	return w.send(DeferredPublish(topic, delay, body))
}

// Ping dials (and IDENTIFYs) every configured nsqd, verifying the Writer can
// publish
func (w *Writer) Ping() error {
	if atomic.LoadInt32(&w.stopFlag) == 1 {
		return ErrStopped
	}
	for _, addr := range w.addrs {
		_, err := w.conn(addr)
		if err != nil {
			return err
		}
	}
	return nil
}

// send sweeps the configured addresses, starting with the one the selection
// strategy picks, until a publish succeeds. A server ERROR reply propagates
// to the caller immediately; transport failures try the next address. If
// every address fails in one sweep the call fails with ErrNoConnections.
func (w *Writer) send(cmd *Command) error {
	if atomic.LoadInt32(&w.stopFlag) == 1 {
		return ErrStopped
	}

	var hpr hostpool.HostPoolResponse
	var start int
	switch w.mode {
	case ModeHostPool:
		hpr = w.hostPool.Get()
		start = w.addrIndex(hpr.Host())
	default:
		start = int(atomic.AddUint64(&w.counter, 1) % uint64(len(w.addrs)))
	}

	for i := 0; i < len(w.addrs); i++ {
		addr := w.addrs[(start+i)%len(w.addrs)]

		conn, err := w.conn(addr)
		if err != nil {
			w.logf(lg.WARN, "[%s] skipping - %s", addr, err)
			continue
		}

		_, err = conn.Execute(cmd)
		if err == nil {
			if hpr != nil {
				hpr.Mark(nil)
			}
			return nil
		}

		if perr, ok := err.(*ProtocolError); ok {
			// the server accepted the connection and rejected the command;
			// another nsqd would reject it too
			if hpr != nil {
				hpr.Mark(nil)
			}
			return perr
		}

		w.logf(lg.WARN, "[%s] %s failed - %s", addr, cmd, err)
		w.dropConn(addr, conn)
		if hpr != nil {
			hpr.Mark(err)
			hpr = nil
		}
	}

	return ErrNoConnections
}

func (w *Writer) addrIndex(addr string) int {
	for i, a := range w.addrs {
		if a == addr {
			return i
		}
	}
	return 0
}

// conn returns the live connection for addr, dialling lazily
func (w *Writer) conn(addr string) (*Conn, error) {
	w.mtx.Lock()
	defer w.mtx.Unlock()

	if c, ok := w.conns[addr]; ok {
		if s := c.Status(); s != StatusClosed && s != StatusClosing {
			return c, nil
		}
		delete(w.conns, addr)
	}

	c := NewConn(addr, w.connConfig)
	err := c.Connect()
	if err != nil {
		return nil, err
	}
	w.conns[addr] = c
	return c, nil
}

func (w *Writer) dropConn(addr string, conn *Conn) {
	w.mtx.Lock()
	if w.conns[addr] == conn {
		delete(w.conns, addr)
	}
	w.mtx.Unlock()
	conn.Close()
}

// Stop closes every connection. The Writer cannot be used afterwards.
func (w *Writer) Stop() {
	if !atomic.CompareAndSwapInt32(&w.stopFlag, 0, 1) {
		return
	}
	w.mtx.Lock()
	conns := make([]*Conn, 0, len(w.conns))
	for _, c := range w.conns {
		conns = append(conns, c)
	}
	w.conns = make(map[string]*Conn)
	w.mtx.Unlock()

	for _, c := range conns {
		c.Close()
	}
}
