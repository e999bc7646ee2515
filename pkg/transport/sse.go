package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// SessionHeader carries the server-assigned session id on SSE and polling
// responses.
const SessionHeader = "X-Session-Id"

// sessionEvent is the SSE event name a server may use instead of the header
// to announce the assigned session id as the first event of the stream.
const sessionEvent = "session"

// sseChannel reads a text/event-stream with GET and sends with POST to the
// same URL. The stream can bootstrap a session: the backend assigns an id on
// open.
type sseChannel struct {
	cfg ChannelConfig

	mu        sync.Mutex
	closed    bool
	cancel    context.CancelFunc
	body      io.Closer
	onReceive ReceiveHandler
	onError   ErrorHandler
	sessionID string
	params    ConnectParams
}

func newSSEChannel(cfg ChannelConfig) *sseChannel {
	return &sseChannel{cfg: cfg}
}

func (s *sseChannel) Kind() Kind { return KindSSE }

func (s *sseChannel) SetReceiveHandler(h ReceiveHandler) {
	s.mu.Lock()
	s.onReceive = h
	s.mu.Unlock()
}

func (s *sseChannel) SetErrorHandler(h ErrorHandler) {
	s.mu.Lock()
	s.onError = h
	s.mu.Unlock()
}

func (s *sseChannel) Connect(ctx context.Context, params ConnectParams) (string, error) {
	u, err := withQuery(s.cfg.URL, map[string]string{
		"session_id": params.SessionID,
		"chat_id":    params.ChatID,
		"workflow":   params.Workflow,
	})
	if err != nil {
		return "", err
	}

	// The stream outlives ctx; ctx only bounds the handshake.
	streamCtx, cancel := context.WithCancel(context.Background())
	stop := context.AfterFunc(ctx, cancel)

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, u, nil)
	if err != nil {
		stop()
		cancel()
		return "", errors.Wrap(err, "build sse request")
	}
	mergeHeaders(req.Header, s.cfg.Headers, params.Headers)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := s.cfg.HTTPClient.Do(req)
	if err != nil {
		stop()
		cancel()
		if ctx.Err() != nil {
			return "", errors.Wrap(ctx.Err(), "sse connect")
		}
		return "", errors.Wrap(err, "sse connect")
	}
	if resp.StatusCode != http.StatusOK {
		stop()
		_ = resp.Body.Close()
		cancel()
		return "", errors.Errorf("sse connect: unexpected status %s", resp.Status)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "text/event-stream") {
		stop()
		_ = resp.Body.Close()
		cancel()
		return "", errors.Errorf("sse connect: unexpected content type %q", ct)
	}

	reader := newSSEReader(resp.Body)
	sessionID := strings.TrimSpace(resp.Header.Get(SessionHeader))
	var pending *sseEvent
	if sessionID == "" {
		ev, err := reader.Next()
		if err != nil {
			stop()
			_ = resp.Body.Close()
			cancel()
			if ctx.Err() != nil {
				return "", errors.Wrap(ctx.Err(), "sse connect")
			}
			return "", errors.Wrap(err, "sse read first event")
		}
		if ev.Event == sessionEvent {
			sessionID = sessionIDFromData(ev.Data)
		} else {
			pending = &ev
		}
	}
	if !stop() {
		_ = resp.Body.Close()
		cancel()
		return "", errors.Wrap(ctx.Err(), "sse connect")
	}
	if sessionID == "" {
		sessionID = params.SessionID
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = resp.Body.Close()
		cancel()
		return "", ErrClosed
	}
	s.cancel = cancel
	s.body = resp.Body
	s.sessionID = sessionID
	s.params = params
	s.mu.Unlock()

	log.Debug().Str("component", "transport").Str("kind", string(KindSSE)).Str("session_id", sessionID).Msg("event stream connected")
	go s.readLoop(reader, pending)
	return sessionID, nil
}

func (s *sseChannel) readLoop(reader *sseReader, pending *sseEvent) {
	if pending != nil {
		s.deliver(*pending)
	}
	for {
		ev, err := reader.Next()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			onError := s.onError
			s.mu.Unlock()
			if closed {
				return
			}
			if errors.Is(err, io.EOF) {
				err = errors.Wrap(ErrClosed, "server closed event stream")
			}
			log.Warn().Err(err).Str("component", "transport").Str("kind", string(KindSSE)).Str("session_id", s.sessionID).Msg("event stream read failed")
			if onError != nil {
				onError(err)
			}
			return
		}
		s.deliver(ev)
	}
}

func (s *sseChannel) deliver(ev sseEvent) {
	if ev.Event == sessionEvent || len(ev.Data) == 0 {
		return
	}
	s.mu.Lock()
	h := s.onReceive
	s.mu.Unlock()
	if h != nil {
		h(ev.Data)
	}
}

func (s *sseChannel) Send(ctx context.Context, frame []byte) error {
	s.mu.Lock()
	closed := s.closed
	connected := s.body != nil
	sessionID := s.sessionID
	params := s.params
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if !connected {
		return ErrNotConnected
	}
	u, err := withQuery(s.cfg.URL, map[string]string{"session_id": sessionID})
	if err != nil {
		return err
	}
	_, err = postJSON(ctx, s.cfg, KindSSE, u, frame, params.Headers)
	return err
}

func (s *sseChannel) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cancel := s.cancel
	body := s.body
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if body != nil {
		return body.Close()
	}
	return nil
}

// postJSON performs a request/response POST bounded by the response timeout.
func postJSON(ctx context.Context, cfg ChannelConfig, kind Kind, u string, body []byte, headers http.Header) ([]byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, cfg.ResponseTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "build request")
	}
	mergeHeaders(req.Header, cfg.Headers, headers)
	req.Header.Set("Content-Type", "application/json")

	resp, err := cfg.HTTPClient.Do(req)
	if err != nil {
		if ctx.Err() == nil && errors.Is(reqCtx.Err(), context.DeadlineExceeded) {
			return nil, &TimeoutError{Kind: kind, Op: "send", After: cfg.ResponseTimeout}
		}
		return nil, errors.Wrapf(err, "%s post", kind)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctx.Err() == nil && errors.Is(reqCtx.Err(), context.DeadlineExceeded) {
			return nil, &TimeoutError{Kind: kind, Op: "send", After: cfg.ResponseTimeout}
		}
		return nil, errors.Wrapf(err, "%s read response", kind)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, errors.Errorf("%s post: unexpected status %s", kind, resp.Status)
	}
	return data, nil
}

func sessionIDFromData(data []byte) string {
	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err == nil {
		for _, k := range []string{"session_id", "sessionId", "id"} {
			if s, ok := obj[k].(string); ok && strings.TrimSpace(s) != "" {
				return strings.TrimSpace(s)
			}
		}
		return ""
	}
	return strings.TrimSpace(string(data))
}

type sseEvent struct {
	Event string
	ID    string
	Data  []byte
}

// sseReader parses the text/event-stream line format: data lines are joined
// with '\n', comment lines start with ':', an empty line dispatches.
type sseReader struct {
	r *bufio.Reader
}

func newSSEReader(r io.Reader) *sseReader {
	return &sseReader{r: bufio.NewReader(r)}
}

func (r *sseReader) Next() (sseEvent, error) {
	var (
		ev      sseEvent
		data    bytes.Buffer
		hasData bool
	)
	for {
		line, err := r.r.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) && hasData {
				ev.Data = data.Bytes()
				return ev, nil
			}
			return sseEvent{}, err
		}
		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			if !hasData && ev.Event == "" {
				continue
			}
			ev.Data = data.Bytes()
			return ev, nil
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "data":
			if hasData {
				data.WriteByte('\n')
			}
			data.WriteString(value)
			hasData = true
		case "event":
			ev.Event = value
		case "id":
			ev.ID = value
		}
	}
}
