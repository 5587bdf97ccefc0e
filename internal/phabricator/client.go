// Package phabricator is a small Conduit client on top of gonduit: it
// resolves a diff into its patch stack and reports work results on the
// revision.
package phabricator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/uber/gonduit"
	"github.com/uber/gonduit/core"
)

// maxStackDepth bounds the walk up revision parents
const maxStackDepth = 50

// callTimeout bounds a single Conduit request
const callTimeout = 30 * time.Second

// ErrNotFound is returned when Conduit knows nothing about an object
var ErrNotFound = errors.New("phabricator object not found")

// APIError is an error reported by Conduit itself
type APIError struct {
	Method string
	Code   string
	Info   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("conduit %s: %s: %s", e.Method, e.Code, e.Info)
}

// Client talks to a Phabricator instance. The connection is dialed on the
// first call so a daemon can start while Phabricator is unreachable.
type Client struct {
	host    string
	token   string
	options *core.ClientOptions

	mu   sync.Mutex
	conn *gonduit.Conn
}

// NewClient creates a client for the Conduit endpoint at baseURL
// (for example https://phabricator.example.com/api/)
func NewClient(baseURL, token string) *Client {
	host := strings.TrimSuffix(strings.TrimRight(baseURL, "/"), "/api")
	return &Client{
		host:  host,
		token: token,
		options: &core.ClientOptions{
			APIToken: token,
			Timeout:  callTimeout,
		},
	}
}

func (c *Client) dial() (*gonduit.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return c.conn, nil
	}
	conn, err := gonduit.Dial(c.host, c.options)
	if err != nil {
		return nil, fmt.Errorf("connecting to conduit at %s: %w", c.host, err)
	}
	c.conn = conn
	return conn, nil
}

// call invokes a Conduit method and decodes its result into out
func (c *Client) call(ctx context.Context, method string, params map[string]any, out any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	conn, err := c.dial()
	if err != nil {
		return err
	}

	if params == nil {
		params = map[string]any{}
	}
	params["__conduit__"] = map[string]string{"token": c.token}

	var raw json.RawMessage
	done := make(chan error, 1)
	go func() { done <- conn.Call(method, params, &raw) }()

	select {
	case <-ctx.Done():
		return fmt.Errorf("conduit %s: %w", method, ctx.Err())
	case err = <-done:
	}

	var conduitErr *core.ConduitError
	if errors.As(err, &conduitErr) {
		return &APIError{Method: method, Code: conduitErr.Code(), Info: conduitErr.Info()}
	}
	if err != nil {
		return fmt.Errorf("conduit %s: %w", method, err)
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("conduit %s: decoding result: %w", method, err)
	}
	return nil
}
