package http_api

import (
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net"
	"net/http"
	"time"
)

type deadlinedConn struct {
	Timeout time.Duration
	net.Conn
}

func (c *deadlinedConn) Read(b []byte) (n int, err error) {
	c.Conn.SetReadDeadline(time.Now().Add(c.Timeout))
	return c.Conn.Read(b)
}

func (c *deadlinedConn) Write(b []byte) (n int, err error) {
	c.Conn.SetWriteDeadline(time.Now().Add(c.Timeout))
	return c.Conn.Write(b)
}

// NewDeadlineTransport is a custom http.Transport with support for deadline
// timeouts on both the dial and each individual read/write
func NewDeadlineTransport(timeout time.Duration) *http.Transport {
	transport := &http.Transport{
		Dial: func(netw, addr string) (net.Conn, error) {
			c, err := net.DialTimeout(netw, addr, timeout)
			if err != nil {
				return nil, err
			}
			return &deadlinedConn{timeout, c}, nil
		},
	}
	return transport
}

type Client struct {
	c *http.Client
}

func NewClient(timeout time.Duration) *Client {
	return &Client{
		c: &http.Client{
			Transport: NewDeadlineTransport(timeout),
		},
	}
}

// Err carries the HTTP (or enveloped) status code of a failed request
type Err struct {
	Code int
	Text string
}

func (e Err) Error() string {
	return fmt.Sprintf("got response %d %q", e.Code, e.Text)
}

// GETV1 performs a GET request negotiating the v1 daemon response format,
// falling back to unwrapping the legacy {status_code, data} envelope, and
// stores the result in the value pointed to by v.
func (c *Client) GETV1(endpoint string, v interface{}) error {
	req, err := http.NewRequest("GET", endpoint, nil)
	if err != nil {
		return err
	}

	req.Header.Add("Accept", "application/vnd.nsq; version=1.0")

	resp, err := c.c.Do(req)
	if err != nil {
		return err
	}

	respBody, err := ioutil.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return err
	}
	if resp.StatusCode != 200 {
		return Err{resp.StatusCode, string(respBody)}
	}

	if len(respBody) == 0 {
		respBody = []byte("{}")
	}

	// unwrap pre-1.0 api response
	if resp.Header.Get("X-NSQ-Content-Type") != "nsq; version=1.0" {
		var u struct {
			StatusCode int64           `json:"status_code"`
			StatusTxt  string          `json:"status_txt"`
			Data       json.RawMessage `json:"data"`
		}
		if uerr := json.Unmarshal(respBody, &u); uerr == nil && u.StatusCode != 0 {
			if u.StatusCode != 200 {
				return Err{int(u.StatusCode), u.StatusTxt}
			}
			respBody = u.Data
		}
	}

	return json.Unmarshal(respBody, v)
}
