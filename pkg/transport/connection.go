package transport

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

// Status is the lifecycle state of a Connection.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusConnecting Status = "connecting"
	StatusConnected  Status = "connected"
	StatusError      Status = "error"
	StatusClosed     Status = "closed"
)

// Connection is the channel that won a selection pass.
type Connection struct {
	kind            Kind
	workflow        string
	channel         Channel
	responseTimeout time.Duration

	// abandoned is set when the connect attempt timed out; late frames from
	// such a channel are dropped.
	abandoned atomic.Bool

	mu        sync.Mutex
	status    Status
	sessionID string
	lastErr   error
}

func newConnection(kind Kind, workflow string, ch Channel, responseTimeout time.Duration) *Connection {
	return &Connection{
		kind:            kind,
		workflow:        workflow,
		channel:         ch,
		responseTimeout: responseTimeout,
		status:          StatusIdle,
	}
}

// Kind reports which transport won the selection pass.
func (c *Connection) Kind() Kind { return c.kind }

func (c *Connection) Workflow() string { return c.workflow }

func (c *Connection) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *Connection) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Err returns the last asynchronous channel error, if any.
func (c *Connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

func (c *Connection) setStatus(s Status) {
	c.mu.Lock()
	c.status = s
	c.mu.Unlock()
}

func (c *Connection) fail(err error) {
	c.mu.Lock()
	if c.status != StatusClosed {
		c.status = StatusError
		c.lastErr = err
	}
	c.mu.Unlock()
}

// Send encodes v as JSON (raw []byte is sent as-is) and transmits it. The
// call is bounded by the response timeout even if the channel ignores ctx.
func (c *Connection) Send(ctx context.Context, v any) error {
	if st := c.Status(); st != StatusConnected {
		return errors.Wrapf(ErrNotConnected, "connection is %s", st)
	}
	var frame []byte
	switch x := v.(type) {
	case []byte:
		frame = x
	case json.RawMessage:
		frame = x
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return errors.Wrap(err, "encode outbound message")
		}
		frame = b
	}

	sctx, cancel := context.WithTimeout(ctx, c.responseTimeout)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- c.channel.Send(sctx, frame) }()

	select {
	case err := <-done:
		if err != nil && ctx.Err() == nil && errors.Is(sctx.Err(), context.DeadlineExceeded) && !IsTimeout(err) {
			return &TimeoutError{Kind: c.kind, Op: "send", After: c.responseTimeout}
		}
		return err
	case <-sctx.Done():
		if ctx.Err() != nil {
			return errors.Wrap(ctx.Err(), "send")
		}
		return &TimeoutError{Kind: c.kind, Op: "send", After: c.responseTimeout}
	}
}

// Close shuts down the underlying channel. Closing twice is a no-op.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.status == StatusClosed {
		c.mu.Unlock()
		return nil
	}
	c.status = StatusClosed
	c.mu.Unlock()
	return c.channel.Close()
}
