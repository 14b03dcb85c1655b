package nsq

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/nsqio/go-nsqcore/internal/lg"
)

type logger interface {
	Output(maxdepth int, s string) error
}

// Config holds the options used by Conn, Reader and Writer.
//
// Create one via NewConfig (which seeds defaults) and adjust fields before
// passing it in; a Config must not be mutated once in use.
type Config struct {
	// identification sent in IDENTIFY
	ClientID  string
	Hostname  string
	UserAgent string

	// secret sent in AUTH when the server indicates auth_required
	AuthSecret string

	// duration between heartbeats from nsqd (negotiated down by the server
	// if it exceeds the server's max). A value < 0 disables heartbeats.
	HeartbeatInterval time.Duration

	// size of the buffer (in bytes) used by nsqd for buffering writes to
	// this connection. 0 keeps the server default, -1 disables buffering.
	OutputBufferSize int64

	// timeout used by nsqd before flushing buffered writes
	OutputBufferTimeout time.Duration

	// deliver a percentage of all messages received to this connection (0-99)
	SampleRate int32

	// server-side message timeout for messages delivered to this client.
	// 0 keeps the server default; the negotiated value is applied to
	// received messages.
	MsgTimeout time.Duration

	DialTimeout     time.Duration
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdentifyTimeout time.Duration
	// how long Close waits for the CLOSE_WAIT reply before tearing down
	CloseTimeout time.Duration

	// transparently re-dial, re-IDENTIFY and replay subscription state when
	// the transport is lost
	AutoReconnect         bool
	InitialReconnectDelay time.Duration
	MaxReconnectDelay     time.Duration

	// maximum number of messages to allow in flight across a Reader
	MaxInFlight int

	// duration between polling lookupd for new producers, and the fractional
	// jitter applied to it
	LookupdPollInterval time.Duration
	LookupdPollJitter   float64
	// timeout for a single lookupd HTTP query
	LookupTimeout time.Duration

	// duration between RDY redistribution when there are more connections
	// than MaxInFlight allows credits for
	LowRdyIdleTimeout time.Duration

	// delay used by Message.Requeue when the caller passes a delay < 0
	// (scaled by attempt count, bounded by MaxRequeueDelay)
	DefaultRequeueDelay time.Duration
	MaxRequeueDelay     time.Duration

	Logger   logger
	LogLevel lg.LogLevel
}

// NewConfig returns a Config with sane defaults applied.
func NewConfig() *Config {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return &Config{
		ClientID:  shortHostname(hostname),
		Hostname:  hostname,
		UserAgent: "go-nsqcore/" + VERSION,

		HeartbeatInterval: 30 * time.Second,
		SampleRate:        0,

		DialTimeout:     5 * time.Second,
		ReadTimeout:     60 * time.Second,
		WriteTimeout:    time.Second,
		IdentifyTimeout: 5 * time.Second,
		CloseTimeout:    time.Second,

		AutoReconnect:         true,
		InitialReconnectDelay: time.Second,
		MaxReconnectDelay:     30 * time.Second,

		MaxInFlight:         1,
		LookupdPollInterval: 60 * time.Second,
		LookupdPollJitter:   0.3,
		LookupTimeout:       2 * time.Second,
		LowRdyIdleTimeout:   10 * time.Second,

		DefaultRequeueDelay: 90 * time.Second,
		MaxRequeueDelay:     15 * time.Minute,

		Logger:   log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lmicroseconds),
		LogLevel: lg.INFO,
	}
}

// Validate checks that all values fall within their allowed ranges.
func (c *Config) Validate() error {
	if c.SampleRate < 0 || c.SampleRate > 99 {
		return fmt.Errorf("invalid sample rate %d, should be 0-99", c.SampleRate)
	}
	if c.MaxInFlight < 1 {
		return fmt.Errorf("invalid max-in-flight %d, should be >= 1", c.MaxInFlight)
	}
	if c.LookupdPollJitter < 0 || c.LookupdPollJitter > 1 {
		return fmt.Errorf("invalid lookupd poll jitter %f, should be 0-1", c.LookupdPollJitter)
	}
	if c.InitialReconnectDelay <= 0 || c.MaxReconnectDelay < c.InitialReconnectDelay {
		return fmt.Errorf("invalid reconnect delays (initial %s, max %s)",
			c.InitialReconnectDelay, c.MaxReconnectDelay)
	}
	return nil
}

func shortHostname(hostname string) string {
	for i := 0; i < len(hostname); i++ {
		if hostname[i] == '.' {
			return hostname[:i]
		}
	}
	return hostname
}

// identifyBody is the JSON document sent with IDENTIFY. The transport
// toggles are advertised false: this client rejects servers that force
// TLS or compression.
type identifyBody struct {
	ClientID            string `json:"client_id"`
	Hostname            string `json:"hostname"`
	UserAgent           string `json:"user_agent"`
	HeartbeatInterval   int64  `json:"heartbeat_interval"`
	OutputBufferSize    int64  `json:"output_buffer_size,omitempty"`
	OutputBufferTimeout int64  `json:"output_buffer_timeout,omitempty"`
	SampleRate          int32  `json:"sample_rate"`
	MsgTimeout          int64  `json:"msg_timeout,omitempty"`
	TLSv1               bool   `json:"tls_v1"`
	Snappy              bool   `json:"snappy"`
	Deflate             bool   `json:"deflate"`
	FeatureNegotiation  bool   `json:"feature_negotiation"`
}

// identifyResponse is the (feature negotiated) JSON reply to IDENTIFY.
// Additional keys are ignored.
type identifyResponse struct {
	MaxRdyCount       int64  `json:"max_rdy_count"`
	MaxMsgTimeout     int64  `json:"max_msg_timeout"`
	MsgTimeout        int64  `json:"msg_timeout"`
	HeartbeatInterval int64  `json:"heartbeat_interval"`
	AuthRequired      bool   `json:"auth_required"`
	TLSv1             bool   `json:"tls_v1"`
	Snappy            bool   `json:"snappy"`
	Deflate           bool   `json:"deflate"`
	Version           string `json:"version"`
}

type authResponse struct {
	Identity        string `json:"identity"`
	IdentityURL     string `json:"identity_url"`
	PermissionCount int64  `json:"permission_count"`
}
