package nsq

import (
	"errors"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nsqio/go-nsqcore/internal/lg"
)

// Reader is a consumer of a single (topic, channel) pair across every nsqd
// producing it. Producers are either configured statically (ConnectToNSQD)
// or discovered by polling nsqlookupd (ConnectToNSQLookupd); either way one
// Conn is maintained per nsqd and their inbound messages are merged onto a
// single channel.
type Reader struct {
	topic   string
	channel string

	config *Config

	mtx            sync.Mutex
	connections    map[string]*Conn
	discovered     map[string]bool
	missingPolls   map[string]int
	lookupdClients []*LookupdClient
	rdyRotate      int

	incomingMessages chan *Message
	exitChan         chan struct{}
	recheckChan      chan int
	wg               sync.WaitGroup
	connWG           sync.WaitGroup
	stopFlag         int32
	rdyLoopOnce      sync.Once
	exitOnce         sync.Once
}

// NewReader returns a Reader for the given topic and channel. Connect it to
// producers with ConnectToNSQD or ConnectToNSQLookupd.
func NewReader(topic string, channel string, config *Config) (*Reader, error) {
	if !IsValidTopicName(topic) {
		return nil, errors.New("invalid topic name")
	}
	if !IsValidChannelName(channel) {
		return nil, errors.New("invalid channel name")
	}
	if config == nil {
		config = NewConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &Reader{
		topic:            topic,
		channel:          channel,
		config:           config,
		connections:      make(map[string]*Conn),
		discovered:       make(map[string]bool),
		missingPolls:     make(map[string]int),
		incomingMessages: make(chan *Message),
		exitChan:         make(chan struct{}),
		recheckChan:      make(chan int, 1),
	}, nil
}

func (r *Reader) logf(lvl lg.LogLevel, f string, args ...interface{}) {
	lg.Logf(r.config.Logger, r.config.LogLevel, lvl, f, args...)
}

// Topic returns the subscribed topic
func (r *Reader) Topic() string {
	return r.topic
}

// Channel returns the subscribed channel
func (r *Reader) Channel() string {
	return r.channel
}

// Messages returns the channel on which messages from every connection are
// delivered. It is closed after Stop once all connections have wound down.
func (r *Reader) Messages() <-chan *Message {
	return r.incomingMessages
}

// WaitForMessage blocks until a message is available or the Reader is
// stopped (in which case it returns nil)
func (r *Reader) WaitForMessage() *Message {
	return <-r.incomingMessages
}

// ConnectToNSQD subscribes to a statically configured nsqd TCP address
func (r *Reader) ConnectToNSQD(addr string) error {
	return r.connectToNSQD(addr, false)
}

// ConnectToNSQDs subscribes to multiple statically configured nsqd TCP
// addresses
func (r *Reader) ConnectToNSQDs(addrs []string) error {
	for _, addr := range addrs {
		err := r.ConnectToNSQD(addr)
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *Reader) connectToNSQD(addr string, viaLookupd bool) error {
	if atomic.LoadInt32(&r.stopFlag) == 1 {
		return ErrStopped
	}

	r.mtx.Lock()
	if _, ok := r.connections[addr]; ok {
		r.mtx.Unlock()
		return ErrAlreadyConnected
	}
	r.mtx.Unlock()

	r.logf(lg.INFO, "(%s) connecting to nsqd", addr)

	conn := NewConn(addr, r.config)
	err := conn.Connect()
	if err != nil {
		return err
	}

	// prime with RDY 0; the distribution pass assigns real credits so the
	// per-reader max-in-flight invariant holds at all times
	err = conn.Subscribe(r.topic, r.channel, 0)
	if err != nil {
		conn.Close()
		return err
	}

	r.mtx.Lock()
	if _, ok := r.connections[addr]; ok {
		r.mtx.Unlock()
		conn.Close()
		return ErrAlreadyConnected
	}
	r.connections[addr] = conn
	r.discovered[addr] = viaLookupd
	delete(r.missingPolls, addr)
	r.mtx.Unlock()

	r.connWG.Add(1)
	go r.forwardLoop(addr, conn)

	r.rdyLoopOnce.Do(func() {
		r.wg.Add(1)
		go r.rdyLoop()
	})

	r.redistributeRDY()
	return nil
}

// ConnectToNSQLookupd adds an nsqlookupd HTTP address to poll for producers
// of the topic. The first call triggers an immediate query and starts the
// polling loop.
func (r *Reader) ConnectToNSQLookupd(addr string) error {
	if atomic.LoadInt32(&r.stopFlag) == 1 {
		return ErrStopped
	}

	r.mtx.Lock()
	for _, lc := range r.lookupdClients {
		if lc.addr == addr {
			r.mtx.Unlock()
			return errors.New("lookupd address already exists")
		}
	}
	r.lookupdClients = append(r.lookupdClients, NewLookupdClient(addr, r.config.LookupTimeout))
	numLookupd := len(r.lookupdClients)
	r.mtx.Unlock()

	if numLookupd == 1 {
		r.queryLookupd()
		r.wg.Add(1)
		go r.lookupdLoop()
	}

	return nil
}

// ConnectToNSQLookupds adds multiple nsqlookupd addresses to poll
func (r *Reader) ConnectToNSQLookupds(addrs []string) error {
	for _, addr := range addrs {
		err := r.ConnectToNSQLookupd(addr)
		if err != nil {
			return err
		}
	}
	return nil
}

// poll all known lookupd, sleeping interval +/- jitter each cycle
func (r *Reader) lookupdLoop() {
	defer r.wg.Done()

	for {
		interval := r.config.LookupdPollInterval
		jitter := time.Duration(rand.Float64() * r.config.LookupdPollJitter * float64(interval))
		if rand.Intn(2) == 0 {
			jitter = -jitter
		}

		timer := time.NewTimer(interval + jitter)
		select {
		case <-timer.C:
			r.queryLookupd()
		case <-r.recheckChan:
			timer.Stop()
			r.queryLookupd()
		case <-r.exitChan:
			timer.Stop()
			return
		}
	}
}

// queryLookupd unions the producers reported by every lookupd, spawns
// connections for new addresses, and retires connections whose address has
// been absent for a full poll cycle (transient lookupd outages do not thrash
// the producer set)
func (r *Reader) queryLookupd() {
	r.mtx.Lock()
	clients := make([]*LookupdClient, len(r.lookupdClients))
	copy(clients, r.lookupdClients)
	r.mtx.Unlock()

	union := make(map[string]bool)
	anySuccess := false
	for _, lc := range clients {
		r.logf(lg.DEBUG, "LOOKUPD: querying %s for topic %s", lc, r.topic)
		addrs, err := lc.Lookup(r.topic)
		if err != nil {
			r.logf(lg.ERROR, "%s", err)
			continue
		}
		anySuccess = true
		for _, addr := range addrs {
			union[addr] = true
		}
	}

	if !anySuccess {
		// keep the current producer set; a dead directory is not dead
		// producers
		r.logf(lg.WARN, "no lookupd responded, retaining %d connections", len(r.conns()))
		return
	}

	for addr := range union {
		err := r.connectToNSQD(addr, true)
		if err != nil && err != ErrAlreadyConnected && err != ErrStopped {
			r.logf(lg.ERROR, "(%s) error connecting to nsqd - %s", addr, err)
		}
	}

	var retired []*Conn
	r.mtx.Lock()
	for addr, conn := range r.connections {
		if !r.discovered[addr] {
			continue
		}
		if union[addr] {
			r.missingPolls[addr] = 0
			continue
		}
		r.missingPolls[addr]++
		if r.missingPolls[addr] > 1 {
			r.logf(lg.INFO, "(%s) no longer produces %s, closing", addr, r.topic)
			retired = append(retired, conn)
		}
	}
	r.mtx.Unlock()

	for _, conn := range retired {
		conn.Close()
	}
}

// forwardLoop fair-merges one connection's messages into the Reader's
// channel and reaps the connection when it terminally closes
func (r *Reader) forwardLoop(addr string, conn *Conn) {
	defer r.connWG.Done()

	for msg := range conn.Messages() {
		select {
		case r.incomingMessages <- msg:
		case <-r.exitChan:
			// unforwarded messages are requeued server-side on timeout
			return
		}
	}

	r.mtx.Lock()
	if r.connections[addr] == conn {
		delete(r.connections, addr)
		delete(r.discovered, addr)
		delete(r.missingPolls, addr)
	}
	numLookupd := len(r.lookupdClients)
	r.mtx.Unlock()

	r.logf(lg.INFO, "(%s) connection closed, %d remaining", addr, len(r.conns()))
	r.redistributeRDY()

	if numLookupd > 0 && atomic.LoadInt32(&r.stopFlag) == 0 {
		// trigger a poll so a bounced nsqd is picked back up promptly
		select {
		case r.recheckChan <- 1:
		default:
		}
	}
}

func (r *Reader) conns() []*Conn {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	addrs := make([]string, 0, len(r.connections))
	for addr := range r.connections {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)
	conns := make([]*Conn, 0, len(addrs))
	for _, addr := range addrs {
		conns = append(conns, r.connections[addr])
	}
	return conns
}

// rdyLoop periodically rotates RDY among connections when there are more
// connections than max-in-flight allows credits for, so every producer
// eventually delivers
func (r *Reader) rdyLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.config.LowRdyIdleTimeout)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.mtx.Lock()
			starved := len(r.connections) > r.config.MaxInFlight
			if starved {
				r.rdyRotate++
			}
			r.mtx.Unlock()
			if starved {
				r.redistributeRDY()
			}
		case <-r.exitChan:
			return
		}
	}
}

// redistributeRDY assigns every connection its share of max-in-flight.
// With n <= max the credits split evenly (remainder to the first few); with
// n > max a rotating subset of size max holds RDY 1 and the rest hold 0.
// The per-reader invariant is sum(RDY) <= MaxInFlight at all times.
func (r *Reader) redistributeRDY() {
	conns := r.conns()
	n := len(conns)
	if n == 0 {
		return
	}

	r.mtx.Lock()
	rotate := r.rdyRotate
	r.mtx.Unlock()

	maxInFlight := r.config.MaxInFlight

	targets := make([]int, n)
	if n <= maxInFlight {
		per := maxInFlight / n
		remainder := maxInFlight % n
		for i := range conns {
			targets[i] = per
			if i < remainder {
				targets[i]++
			}
		}
	} else {
		for i := range conns {
			if (i+n-rotate%n)%n < maxInFlight {
				targets[i] = 1
			}
		}
	}

	// apply decreases before increases so the bound holds mid-transition
	for i, conn := range conns {
		if int64(targets[i]) < conn.RDY() {
			r.updateRDY(conn, targets[i])
		}
	}
	for i, conn := range conns {
		if int64(targets[i]) > conn.RDY() {
			r.updateRDY(conn, targets[i])
		}
	}
}

func (r *Reader) updateRDY(conn *Conn, rdy int) {
	if conn.RDY() == int64(rdy) {
		return
	}
	r.logf(lg.DEBUG, "(%s) RDY %d", conn, rdy)
	err := conn.SetRDY(rdy)
	if err != nil && err != ErrConnectionClosed {
		r.logf(lg.WARN, "(%s) error setting RDY %d - %s", conn, rdy, err)
	}
}

// Stop closes every connection and, once they have wound down, the message
// channel
func (r *Reader) Stop() {
	if !atomic.CompareAndSwapInt32(&r.stopFlag, 0, 1) {
		return
	}

	r.logf(lg.INFO, "stopping reader for (%s, %s)", r.topic, r.channel)

	for _, conn := range r.conns() {
		conn.Close()
	}

	r.exitOnce.Do(func() {
		close(r.exitChan)
	})

	go func() {
		r.connWG.Wait()
		r.wg.Wait()
		close(r.incomingMessages)
	}()
}

// ReaderStats is a point-in-time snapshot of the Reader's aggregate counters
type ReaderStats struct {
	Connections      int
	MessagesReceived uint64
	MessagesFinished uint64
	MessagesRequeued uint64
}

// Stats aggregates the counters of every live connection
func (r *Reader) Stats() ReaderStats {
	conns := r.conns()
	stats := ReaderStats{Connections: len(conns)}
	for _, conn := range conns {
		cs := conn.Stats()
		stats.MessagesReceived += cs.MessagesReceived
		stats.MessagesFinished += cs.MessagesFinished
		stats.MessagesRequeued += cs.MessagesRequeued
	}
	return stats
}
