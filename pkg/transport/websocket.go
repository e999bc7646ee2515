package transport

import (
	"context"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// socketChannel is a bidirectional websocket connection. The server is
// expected to know the session already, so the id travels in the query.
type socketChannel struct {
	cfg ChannelConfig

	mu        sync.Mutex
	writeMu   sync.Mutex
	conn      *websocket.Conn
	closed    bool
	onReceive ReceiveHandler
	onError   ErrorHandler
	sessionID string
}

func newSocketChannel(cfg ChannelConfig) *socketChannel {
	return &socketChannel{cfg: cfg}
}

func (s *socketChannel) Kind() Kind { return KindSocket }

func (s *socketChannel) SetReceiveHandler(h ReceiveHandler) {
	s.mu.Lock()
	s.onReceive = h
	s.mu.Unlock()
}

func (s *socketChannel) SetErrorHandler(h ErrorHandler) {
	s.mu.Lock()
	s.onError = h
	s.mu.Unlock()
}

func (s *socketChannel) Connect(ctx context.Context, params ConnectParams) (string, error) {
	if params.SessionID == "" {
		return "", ErrSessionRequired
	}
	u, err := withQuery(s.cfg.URL, map[string]string{
		"session_id": params.SessionID,
		"chat_id":    params.ChatID,
		"workflow":   params.Workflow,
	})
	if err != nil {
		return "", err
	}
	dialer := s.cfg.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: s.cfg.ConnectTimeout,
		}
	}
	header := http.Header{}
	mergeHeaders(header, s.cfg.Headers, params.Headers)

	conn, resp, err := dialer.DialContext(ctx, u, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return "", errors.Wrap(err, "websocket dial")
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.Close()
		return "", ErrClosed
	}
	s.conn = conn
	s.sessionID = params.SessionID
	s.mu.Unlock()

	log.Debug().Str("component", "transport").Str("kind", string(KindSocket)).Str("session_id", params.SessionID).Msg("websocket connected")
	go s.readLoop(conn)
	return params.SessionID, nil
}

func (s *socketChannel) readLoop(conn *websocket.Conn) {
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			onError := s.onError
			s.mu.Unlock()
			if closed {
				return
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				err = errors.Wrap(ErrClosed, "server closed websocket")
			}
			log.Warn().Err(err).Str("component", "transport").Str("kind", string(KindSocket)).Str("session_id", s.sessionID).Msg("websocket read failed")
			if onError != nil {
				onError(err)
			}
			return
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		s.mu.Lock()
		h := s.onReceive
		s.mu.Unlock()
		if h != nil {
			h(data)
		}
	}
}

func (s *socketChannel) Send(ctx context.Context, frame []byte) error {
	s.mu.Lock()
	conn := s.conn
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if conn == nil {
		return ErrNotConnected
	}

	deadline := time.Now().Add(s.cfg.ResponseTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return errors.Wrap(err, "websocket write")
	}
	return nil
}

func (s *socketChannel) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return nil
	}
	s.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	s.writeMu.Unlock()
	return conn.Close()
}

func withQuery(raw string, params map[string]string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", errors.Wrapf(err, "parse url %q", raw)
	}
	q := u.Query()
	for k, v := range params {
		if v != "" {
			q.Set(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
