// Package session wires one logical chat session together: transport
// selection, ordered inbound routing, echo suppression and the connection
// generation token.
package session

import (
	"context"
	"net/http"
	"sync"

	"github.com/go-go-golems/chatwire/pkg/components"
	"github.com/go-go-golems/chatwire/pkg/events"
	"github.com/go-go-golems/chatwire/pkg/router"
	"github.com/go-go-golems/chatwire/pkg/stream"
	"github.com/go-go-golems/chatwire/pkg/transport"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Status is the session lifecycle reported to the status sink.
type Status string

const (
	StatusIdle         Status = "idle"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	// StatusError is terminal until the caller reconnects.
	StatusError Status = "error"
)

var ErrNotConnected = errors.New("session is not connected")

// Connector selects and opens a transport. *transport.Manager implements it.
type Connector interface {
	SelectAndConnect(ctx context.Context, workflowID string, params transport.ConnectParams) (*transport.Connection, error)
}

// Params identify the session to connect.
type Params struct {
	Workflow  string
	ChatID    string
	SessionID string
	Headers   http.Header
}

type Options struct {
	Connector Connector
	// Resolver, when set, is switched to the session's workflow on Connect.
	Resolver   *components.Resolver
	Messages   router.MessageSink
	Components router.ComponentHandler
	Status     router.StatusSink
}

// Controller owns one logical session.
//
// Every Connect/Disconnect bumps or checks a generation counter; results of
// asynchronous work (connect completions, inbound frames) that carry an
// older generation are dropped.
type Controller struct {
	opts        Options
	echo        *PendingEcho
	assembler   *stream.Assembler
	router      *router.Router
	coordinator *Coordinator

	mu         sync.Mutex
	status     Status
	generation uint64
	conn       *transport.Connection
	params     Params
}

func NewController(sessionKey string, opts Options) (*Controller, error) {
	if opts.Connector == nil {
		return nil, errors.New("session: connector is required")
	}
	c := &Controller{
		opts:      opts,
		echo:      NewPendingEcho(),
		assembler: stream.NewAssembler(sessionKey),
		status:    StatusIdle,
	}
	c.router = router.New(router.Options{
		Assembler:  c.assembler,
		Messages:   opts.Messages,
		Components: opts.Components,
		Status:     opts.Status,
		Chat:       c,
	})
	c.coordinator = NewCoordinator(sessionKey, c.routeFrame)
	if err := c.coordinator.Start(context.Background()); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Controller) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation
}

// Connection returns the active connection, or nil.
func (c *Controller) Connection() *transport.Connection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

func (c *Controller) Router() *router.Router { return c.router }

func (c *Controller) PendingEchoes() int { return c.echo.Len() }

// Connect selects a transport and starts routing inbound frames. Calling it
// while connecting or connected is a no-op. Exhaustion of the fallback
// chain is reported as a terminal error status and returned.
func (c *Controller) Connect(ctx context.Context, p Params) error {
	c.mu.Lock()
	if c.status == StatusConnecting || c.status == StatusConnected {
		status := c.status
		c.mu.Unlock()
		log.Debug().Str("component", "session").Str("status", string(status)).Msg("connect ignored, already active")
		return nil
	}
	c.status = StatusConnecting
	c.params = p
	gen := c.generation
	c.mu.Unlock()

	c.emitStatus(ctx, StatusConnecting, nil)

	if c.opts.Resolver != nil && p.Workflow != "" {
		if err := c.opts.Resolver.SetActiveWorkflow(ctx, p.Workflow); err != nil {
			log.Warn().Err(err).Str("component", "session").Str("workflow", p.Workflow).Msg("workflow components unavailable")
		}
	}

	conn, err := c.opts.Connector.SelectAndConnect(ctx, p.Workflow, transport.ConnectParams{
		SessionKey: p.ChatID,
		SessionID:  p.SessionID,
		ChatID:     p.ChatID,
		Workflow:   p.Workflow,
		Headers:    p.Headers,
		Generation: gen,
		OnFrame: func(frame []byte) {
			if err := c.coordinator.Publish(gen, frame); err != nil {
				log.Warn().Err(err).Str("component", "session").Msg("inbound frame lost")
			}
		},
		OnError: func(err error) {
			c.onTransportError(context.Background(), gen, err)
		},
	})

	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		log.Debug().Str("component", "session").Uint64("generation", gen).Msg("discarding stale connect result")
		if conn != nil {
			_ = conn.Close()
		}
		return nil
	}
	if err != nil {
		c.status = StatusError
		c.mu.Unlock()
		log.Error().Err(err).Str("component", "session").Str("workflow", p.Workflow).Msg("connect failed")
		c.emitStatus(ctx, StatusError, map[string]any{"error": err.Error()})
		return err
	}
	c.conn = conn
	c.status = StatusConnected
	c.mu.Unlock()

	c.emitStatus(ctx, StatusConnected, map[string]any{
		"transport":  string(conn.Kind()),
		"session_id": conn.SessionID(),
	})
	return nil
}

// Send transmits a user message. The content is registered for echo
// suppression before transmission and withdrawn if transmission fails.
func (c *Controller) Send(ctx context.Context, content string) error {
	conn, p, err := c.activeConnection()
	if err != nil {
		return err
	}
	msg := events.NewUserMessage(content)
	msg.ChatID = p.ChatID
	msg.SessionID = conn.SessionID()
	msg.Workflow = p.Workflow

	ticket := c.echo.Register(content)
	if err := conn.Send(ctx, msg); err != nil {
		c.echo.Withdraw(ticket)
		return errors.Wrap(err, "send user message")
	}
	return nil
}

// SendToolAction reports a user interaction with a rendered component.
func (c *Controller) SendToolAction(ctx context.Context, toolID string, payload map[string]any) error {
	conn, p, err := c.activeConnection()
	if err != nil {
		return err
	}
	msg := events.NewToolAction(toolID, payload)
	msg.ChatID = p.ChatID
	msg.SessionID = conn.SessionID()
	msg.Workflow = p.Workflow
	if err := conn.Send(ctx, msg); err != nil {
		return errors.Wrap(err, "send tool action")
	}
	return nil
}

func (c *Controller) activeConnection() (*transport.Connection, Params, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil || c.status != StatusConnected {
		return nil, c.params, errors.Wrapf(ErrNotConnected, "status %s", c.status)
	}
	return c.conn, c.params, nil
}

// Disconnect invalidates the current generation, closes the connection and
// forgets pending echoes and partial streams. In-flight work is not
// cancelled; its results are dropped when they arrive.
func (c *Controller) Disconnect() {
	c.mu.Lock()
	c.generation++
	conn := c.conn
	c.conn = nil
	prev := c.status
	c.status = StatusDisconnected
	c.mu.Unlock()

	c.echo.Clear()
	c.assembler.Reset()
	if conn != nil {
		if err := conn.Close(); err != nil {
			log.Warn().Err(err).Str("component", "session").Msg("closing connection failed")
		}
	}
	if prev != StatusIdle && prev != StatusDisconnected {
		c.emitStatus(context.Background(), StatusDisconnected, nil)
	}
}

// Reconnect disconnects and connects again with the last parameters.
// Retry policy is left to the caller.
func (c *Controller) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	p := c.params
	c.mu.Unlock()
	c.Disconnect()
	return c.Connect(ctx, p)
}

// Close disconnects and stops inbound routing for good.
func (c *Controller) Close() error {
	c.Disconnect()
	return c.coordinator.Close()
}

// OnChat implements router.ChatHandler: inbound copies of our own sends are
// suppressed, everything else is rendered as an agent message.
func (c *Controller) OnChat(ctx context.Context, ev *events.ChatMessage) {
	if c.echo.Match(ev.Content) {
		log.Debug().Str("component", "session").Msg("suppressed echo of sent message")
		return
	}
	if c.opts.Messages != nil {
		c.opts.Messages.OnMessage(ctx, router.ChatState(ev))
	}
}

func (c *Controller) routeFrame(ctx context.Context, gen uint64, frame []byte) {
	if current := c.Generation(); gen != current {
		log.Debug().Str("component", "session").Uint64("generation", gen).Uint64("current", current).
			Msg("dropping frame from stale connection")
		return
	}
	c.router.RouteFrame(ctx, frame)
}

func (c *Controller) onTransportError(ctx context.Context, gen uint64, err error) {
	c.mu.Lock()
	if gen != c.generation || c.status != StatusConnected {
		c.mu.Unlock()
		log.Debug().Err(err).Str("component", "session").Msg("ignoring error from inactive connection")
		return
	}
	c.generation++
	c.status = StatusDisconnected
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	log.Warn().Err(err).Str("component", "session").Msg("transport lost")
	c.assembler.Reset()
	if conn != nil {
		_ = conn.Close()
	}
	c.emitStatus(ctx, StatusDisconnected, map[string]any{"error": err.Error()})
}

func (c *Controller) emitStatus(ctx context.Context, s Status, payload map[string]any) {
	if c.opts.Status == nil {
		return
	}
	if payload == nil {
		payload = map[string]any{}
	}
	payload["source"] = "session"
	c.opts.Status.OnStatus(ctx, &events.Status{Status: string(s), Payload: payload})
}
