package nsq

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/nsqio/go-nsqcore/internal/http_api"
)

// LookupdClient queries one nsqlookupd over HTTP for the producers of a
// topic.
type LookupdClient struct {
	addr   string
	client *http_api.Client
}

// NewLookupdClient returns a client for the nsqlookupd HTTP endpoint at
// "host:port"
func NewLookupdClient(addr string, timeout time.Duration) *LookupdClient {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &LookupdClient{
		addr:   addr,
		client: http_api.NewClient(timeout),
	}
}

func (lc *LookupdClient) String() string {
	return lc.addr
}

type peerInfo struct {
	RemoteAddress    string `json:"remote_address"`
	Hostname         string `json:"hostname"`
	BroadcastAddress string `json:"broadcast_address"`
	TCPPort          int    `json:"tcp_port"`
	HTTPPort         int    `json:"http_port"`
	Version          string `json:"version"`
}

type lookupResp struct {
	Channels  []string    `json:"channels"`
	Producers []*peerInfo `json:"producers"`
}

// Lookup returns the set of "host:port" TCP addresses of nsqd nodes
// producing the given topic. An unregistered topic (TOPIC_NOT_FOUND) is
// normal and yields an empty set; transport and parse failures surface as
// *LookupError and never poison the caller's producer set.
func (lc *LookupdClient) Lookup(topic string) ([]string, error) {
	endpoint := fmt.Sprintf("http://%s/lookup?topic=%s", lc.addr, url.QueryEscape(topic))

	var resp lookupResp
	err := lc.client.GETV1(endpoint, &resp)
	if err != nil {
		if apiErr, ok := err.(http_api.Err); ok && apiErr.Code == 404 {
			return nil, nil
		}
		return nil, &LookupError{lc.addr, err}
	}

	var addrs []string
	for _, producer := range resp.Producers {
		broadcastAddress := producer.BroadcastAddress
		if broadcastAddress == "" {
			broadcastAddress = producer.Hostname
		}
		addrs = append(addrs, net.JoinHostPort(broadcastAddress, strconv.Itoa(producer.TCPPort)))
	}
	return addrs, nil
}
