// Package worker implements the control channel into a sandbox: a duplex
// websocket connection to the worker process running inside, used to exec
// commands and read files remotely.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/cruciblehq/crucible/api/pkg/system"
)

// ErrFileNotFound is returned by ReadFile when the path does not exist in
// the sandbox filesystem.
var ErrFileNotFound = errors.New("file not found in sandbox")

// ErrNotConnected is returned when an operation is attempted on a channel
// that never connected or has been closed.
var ErrNotConnected = errors.New("worker channel not connected")

type ExecResult struct {
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

// Channel is the capability the sandbox layer needs: run a command, read a
// file, hang up.
type Channel interface {
	Exec(ctx context.Context, command string) (*ExecResult, error)
	ReadFile(ctx context.Context, path string) ([]byte, error)
	Close() error
}

type request struct {
	ID      string `json:"id"`
	Op      string `json:"op"` // "exec" or "read_file"
	Command string `json:"command,omitempty"`
	Path    string `json:"path,omitempty"`
}

type response struct {
	ID       string `json:"id"`
	Error    string `json:"error,omitempty"`
	NotFound bool   `json:"not_found,omitempty"`
	ExitCode int    `json:"exit_code,omitempty"`
	Stdout   string `json:"stdout,omitempty"`
	Stderr   string `json:"stderr,omitempty"`
	Content  []byte `json:"content,omitempty"`
}

// Client is a websocket-backed Channel. One read-loop goroutine correlates
// replies to in-flight requests by id.
type Client struct {
	conn *websocket.Conn

	mu      sync.Mutex
	pending map[string]chan *response
	closed  bool
}

var _ Channel = &Client{}

// Connect dials the worker control endpoint of a sandbox. The url is the
// http(s) form of the worker service; it is rewritten to ws(s) here.
func Connect(ctx context.Context, url string) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, system.WSURL(url)+"/control", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial worker control channel: %w", err)
	}

	c := &Client{
		conn:    conn,
		pending: make(map[string]chan *response),
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) readLoop() {
	for {
		var resp response
		if err := c.conn.ReadJSON(&resp); err != nil {
			c.failPending(err)
			return
		}

		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		if ok {
			delete(c.pending, resp.ID)
		}
		c.mu.Unlock()

		if !ok {
			log.Debug().Str("request_id", resp.ID).Msg("worker reply for unknown request")
			continue
		}
		ch <- &resp
	}
}

// failPending closes every in-flight request when the connection dies, so
// callers blocked in roundTrip unblock with an error instead of hanging.
func (c *Client) failPending(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for id, ch := range c.pending {
		delete(c.pending, id)
		close(ch)
	}
	if !errors.Is(err, websocket.ErrCloseSent) {
		log.Debug().Err(err).Msg("worker control channel closed")
	}
}

func (c *Client) roundTrip(ctx context.Context, req *request) (*response, error) {
	req.ID = system.GenerateUUID()
	ch := make(chan *response, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	c.pending[req.ID] = ch
	bts, err := json.Marshal(req)
	if err != nil {
		delete(c.pending, req.ID)
		c.mu.Unlock()
		return nil, err
	}
	err = c.conn.WriteMessage(websocket.TextMessage, bts)
	c.mu.Unlock()
	if err != nil {
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
		return nil, fmt.Errorf("failed to send worker request: %w", err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrNotConnected
		}
		return resp, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
		return nil, ctx.Err()
	}
}

func (c *Client) Exec(ctx context.Context, command string) (*ExecResult, error) {
	resp, err := c.roundTrip(ctx, &request{Op: "exec", Command: command})
	if err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("worker exec failed: %s", resp.Error)
	}
	return &ExecResult{
		ExitCode: resp.ExitCode,
		Stdout:   resp.Stdout,
		Stderr:   resp.Stderr,
	}, nil
}

func (c *Client) ReadFile(ctx context.Context, path string) ([]byte, error) {
	resp, err := c.roundTrip(ctx, &request{Op: "read_file", Path: path})
	if err != nil {
		return nil, err
	}
	if resp.NotFound {
		return nil, fmt.Errorf("%s: %w", path, ErrFileNotFound)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("worker read_file failed: %s", resp.Error)
	}
	return resp.Content, nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	// Best-effort close handshake; the read loop fails the rest.
	_ = c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return c.conn.Close()
}
