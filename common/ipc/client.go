package ipc

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/semblance-ai/semblance/common/retry"
)

// disconnectedErrCode is reported to every pending caller when the
// connection drops before its response arrives.
const disconnectedErrCode = "ipc_disconnected"

// Client is the Core-side endpoint: it sends Requests and correlates
// Responses to them by requestId, tolerating out-of-order delivery from
// the Gateway.
type Client struct {
	addr string

	mu   sync.Mutex // serializes frame writes
	conn net.Conn
	r    *bufio.Reader

	pendMu  sync.Mutex
	pending map[string]chan Response
}

// Dial connects to the Gateway endpoint at addr, retrying with exponential
// backoff per common/retry.DefaultConfig.
func Dial(ctxDial context.Context, addr string) (*Client, error) {
	c := &Client{addr: addr, pending: make(map[string]chan Response)}
	err := retry.Do(ctxDial, retry.DefaultConfig, func() error {
		conn, dialErr := dialConn(addr)
		if dialErr != nil {
			return dialErr
		}
		c.conn = conn
		c.r = bufio.NewReader(conn)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ipc: dial %s: %w", addr, err)
	}

	go c.readLoop()
	return c, nil
}

// Call sends req and blocks until the correlated Response arrives or ctx is
// done. The pending entry is removed in either case so a late response
// after a timeout does not leak.
func (c *Client) Call(ctx context.Context, req Request) (Response, error) {
	body, err := EncodeRequest(req)
	if err != nil {
		return Response{}, fmt.Errorf("ipc: encode request: %w", err)
	}

	ch := make(chan Response, 1)
	c.pendMu.Lock()
	c.pending[req.ID] = ch
	c.pendMu.Unlock()

	c.mu.Lock()
	writeErr := WriteFrame(c.conn, body)
	c.mu.Unlock()
	if writeErr != nil {
		c.pendMu.Lock()
		delete(c.pending, req.ID)
		c.pendMu.Unlock()
		return Response{}, fmt.Errorf("ipc: write request %s: %w", req.ID, writeErr)
	}

	select {
	case <-ctx.Done():
		c.pendMu.Lock()
		delete(c.pending, req.ID)
		c.pendMu.Unlock()
		return Response{}, ctx.Err()
	case resp := <-ch:
		return resp, nil
	}
}

// Close shuts down the connection to the Gateway.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) readLoop() {
	for {
		body, err := ReadFrame(c.r)
		if err != nil {
			slog.Warn("ipc: client read loop ended", "addr", c.addr, "err", err)
			break
		}

		resp, err := DecodeResponse(body)
		if err != nil {
			slog.Warn("ipc: failed to parse response frame", "err", err)
			continue
		}

		c.pendMu.Lock()
		ch, ok := c.pending[resp.RequestID]
		if ok {
			delete(c.pending, resp.RequestID)
		}
		c.pendMu.Unlock()

		if ok {
			ch <- resp
		}
	}

	c.pendMu.Lock()
	for id, ch := range c.pending {
		ch <- Response{
			RequestID: id,
			Status:    StatusError,
			Error:     &ResponseError{Code: disconnectedErrCode, Message: "gateway connection closed"},
		}
	}
	c.pending = make(map[string]chan Response)
	c.pendMu.Unlock()
}
