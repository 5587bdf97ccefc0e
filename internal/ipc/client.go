package ipc

import (
	"fmt"
	"net"
	"time"
)

const defaultClientTimeout = 10 * time.Second

// Client sends requests to a Server. Each call dials a fresh connection, so
// a Client is safe for concurrent use.
type Client struct {
	socketPath string
	timeout    time.Duration
}

// NewClient returns a client for the daemon listening on socketPath.
func NewClient(socketPath string) *Client {
	return &Client{socketPath: socketPath, timeout: defaultClientTimeout}
}

// SetTimeout bounds dialing plus the whole request/response exchange.
func (c *Client) SetTimeout(d time.Duration) {
	c.timeout = d
}

// Send writes req and returns the daemon's response. Handler failures come
// back as a Response with Error set; the error return covers transport only.
func (c *Client) Send(req *Request) (*Response, error) {
	conn, err := net.DialTimeout("unix", c.socketPath, c.timeout)
	if err != nil {
		return nil, fmt.Errorf("connecting to daemon at %s: %w", c.socketPath, err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(c.timeout))

	if err := WriteFrame(conn, req); err != nil {
		return nil, fmt.Errorf("send %s: %w", req.Command, err)
	}
	resp := new(Response)
	if err := ReadFrame(conn, resp); err != nil {
		return nil, fmt.Errorf("read %s response: %w", req.Command, err)
	}
	return resp, nil
}

// SendCommand builds a request with NewRequest and sends it.
func (c *Client) SendCommand(command, id string, params any) (*Response, error) {
	req, err := NewRequest(command, id, params)
	if err != nil {
		return nil, err
	}
	return c.Send(req)
}
