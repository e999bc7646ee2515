package transport

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

const (
	DefaultConnectTimeout  = 10 * time.Second
	DefaultResponseTimeout = 30 * time.Second
	DefaultPollInterval    = time.Second
)

// ReceiveHandler gets every inbound frame, in arrival order.
type ReceiveHandler func(frame []byte)

// ErrorHandler gets asynchronous failures after a channel connected
// (read loop errors, stream closed by the server).
type ErrorHandler func(err error)

// Channel is one protocol implementation. Handlers are installed before
// Connect and are invoked from the channel's own goroutine.
type Channel interface {
	Kind() Kind
	// Connect opens the channel and returns the session id the backend
	// assigned, or the requested one if the protocol does not assign ids.
	Connect(ctx context.Context, params ConnectParams) (string, error)
	Send(ctx context.Context, frame []byte) error
	SetReceiveHandler(h ReceiveHandler)
	SetErrorHandler(h ErrorHandler)
	Close() error
}

// ChannelConfig is the per-kind configuration handed to a Factory.
type ChannelConfig struct {
	Kind            Kind
	URL             string
	ConnectTimeout  time.Duration
	ResponseTimeout time.Duration
	PollInterval    time.Duration
	Headers         http.Header
	HTTPClient      *http.Client
	Dialer          *websocket.Dialer
}

func (c ChannelConfig) withDefaults() ChannelConfig {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.ResponseTimeout <= 0 {
		c.ResponseTimeout = DefaultResponseTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{}
	}
	return c
}

// ConnectParams identify the logical session a connection is opened for.
type ConnectParams struct {
	// SessionKey scopes the idempotency guard and the remembered session id.
	// Defaults to ChatID, then the workflow id.
	SessionKey string
	SessionID  string
	ChatID     string
	Workflow   string
	Headers    http.Header
	// Generation separates passes of the same session that must not be
	// shared, e.g. a connect issued after the caller disconnected.
	Generation uint64

	OnFrame ReceiveHandler
	OnError ErrorHandler
}

func (p ConnectParams) key(workflowID string) string {
	switch {
	case p.SessionKey != "":
		return p.SessionKey
	case p.ChatID != "":
		return p.ChatID
	default:
		return workflowID
	}
}

// Factory builds a Channel for a kind. Tests inject fakes here.
type Factory func(cfg ChannelConfig) (Channel, error)

// NewChannel is the default Factory.
func NewChannel(cfg ChannelConfig) (Channel, error) {
	cfg = cfg.withDefaults()
	if cfg.URL == "" {
		return nil, errors.Errorf("no url configured for %s transport", cfg.Kind)
	}
	switch cfg.Kind {
	case KindSocket:
		return newSocketChannel(cfg), nil
	case KindSSE:
		return newSSEChannel(cfg), nil
	case KindPolling:
		return newPollingChannel(cfg), nil
	default:
		return nil, errors.Wrapf(ErrUnknownKind, "%q", cfg.Kind)
	}
}

func mergeHeaders(dst http.Header, srcs ...http.Header) {
	for _, src := range srcs {
		for k, vs := range src {
			for _, v := range vs {
				dst.Add(k, v)
			}
		}
	}
}
