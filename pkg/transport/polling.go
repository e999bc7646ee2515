package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// maxPollFailures is how many consecutive failed polls end the channel.
const maxPollFailures = 3

type openResponse struct {
	SessionID string `json:"session_id"`
}

type pollResponse struct {
	Events []json.RawMessage `json:"events"`
	Cursor string            `json:"cursor,omitempty"`
}

// pollingChannel opens a session with POST {url}/open, then polls
// GET {url}?session_id=&cursor= for events. Sends are POSTs to {url} whose
// response may carry events; those are delivered before Send returns.
type pollingChannel struct {
	cfg ChannelConfig

	mu        sync.Mutex
	deliverMu sync.Mutex
	closed    bool
	cancel    context.CancelFunc
	onReceive ReceiveHandler
	onError   ErrorHandler
	sessionID string
	cursor    string
	params    ConnectParams
}

func newPollingChannel(cfg ChannelConfig) *pollingChannel {
	return &pollingChannel{cfg: cfg}
}

func (p *pollingChannel) Kind() Kind { return KindPolling }

func (p *pollingChannel) SetReceiveHandler(h ReceiveHandler) {
	p.mu.Lock()
	p.onReceive = h
	p.mu.Unlock()
}

func (p *pollingChannel) SetErrorHandler(h ErrorHandler) {
	p.mu.Lock()
	p.onError = h
	p.mu.Unlock()
}

func (p *pollingChannel) Connect(ctx context.Context, params ConnectParams) (string, error) {
	body, err := json.Marshal(map[string]string{
		"session_id": params.SessionID,
		"chat_id":    params.ChatID,
		"workflow":   params.Workflow,
	})
	if err != nil {
		return "", errors.Wrap(err, "encode open request")
	}
	openURL := strings.TrimRight(p.cfg.URL, "/") + "/open"

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, openURL, bytes.NewReader(body))
	if err != nil {
		return "", errors.Wrap(err, "build open request")
	}
	mergeHeaders(req.Header, p.cfg.Headers, params.Headers)
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.cfg.HTTPClient.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "polling open")
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", errors.Errorf("polling open: unexpected status %s", resp.Status)
	}
	var open openResponse
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", errors.Wrap(err, "read open response")
	}
	if len(strings.TrimSpace(string(data))) > 0 {
		if err := json.Unmarshal(data, &open); err != nil {
			return "", errors.Wrap(err, "decode open response")
		}
	}
	sessionID := strings.TrimSpace(open.SessionID)
	if sessionID == "" {
		sessionID = strings.TrimSpace(resp.Header.Get(SessionHeader))
	}
	if sessionID == "" {
		sessionID = params.SessionID
	}
	if sessionID == "" {
		return "", errors.New("polling open: backend assigned no session id")
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		cancel()
		return "", ErrClosed
	}
	p.cancel = cancel
	p.sessionID = sessionID
	p.params = params
	p.mu.Unlock()

	log.Debug().Str("component", "transport").Str("kind", string(KindPolling)).Str("session_id", sessionID).Msg("polling session opened")
	go p.pollLoop(loopCtx)
	return sessionID, nil
}

func (p *pollingChannel) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		err := p.pollOnce(ctx)
		if err == nil {
			failures = 0
			continue
		}
		if ctx.Err() != nil {
			return
		}
		failures++
		log.Warn().Err(err).Str("component", "transport").Str("kind", string(KindPolling)).
			Str("session_id", p.sessionID).Int("failures", failures).Msg("poll failed")
		if failures >= maxPollFailures {
			p.mu.Lock()
			onError := p.onError
			p.mu.Unlock()
			if onError != nil {
				onError(errors.Wrapf(err, "polling gave up after %d failures", failures))
			}
			return
		}
	}
}

func (p *pollingChannel) pollOnce(ctx context.Context) error {
	p.mu.Lock()
	sessionID := p.sessionID
	cursor := p.cursor
	headers := p.params.Headers
	p.mu.Unlock()

	u, err := withQuery(p.cfg.URL, map[string]string{"session_id": sessionID, "cursor": cursor})
	if err != nil {
		return err
	}
	reqCtx, cancel := context.WithTimeout(ctx, p.cfg.ResponseTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, u, nil)
	if err != nil {
		return errors.Wrap(err, "build poll request")
	}
	mergeHeaders(req.Header, p.cfg.Headers, headers)
	req.Header.Set("Accept", "application/json")
	resp, err := p.cfg.HTTPClient.Do(req)
	if err != nil {
		if ctx.Err() == nil && errors.Is(reqCtx.Err(), context.DeadlineExceeded) {
			return &TimeoutError{Kind: KindPolling, Op: "poll", After: p.cfg.ResponseTimeout}
		}
		return errors.Wrap(err, "poll")
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errors.Errorf("poll: unexpected status %s", resp.Status)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "read poll response")
	}
	return p.deliverBatch(data)
}

// deliverBatch hands every event of a poll or send response to the receive
// handler, in order, and advances the cursor.
func (p *pollingChannel) deliverBatch(data []byte) error {
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil
	}
	var batch pollResponse
	if err := json.Unmarshal(data, &batch); err != nil {
		return errors.Wrap(err, "decode poll response")
	}

	p.deliverMu.Lock()
	defer p.deliverMu.Unlock()

	p.mu.Lock()
	if batch.Cursor != "" {
		p.cursor = batch.Cursor
	}
	h := p.onReceive
	closed := p.closed
	p.mu.Unlock()
	if closed || h == nil {
		return nil
	}
	for _, ev := range batch.Events {
		h([]byte(ev))
	}
	return nil
}

func (p *pollingChannel) Send(ctx context.Context, frame []byte) error {
	p.mu.Lock()
	closed := p.closed
	sessionID := p.sessionID
	headers := p.params.Headers
	p.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if sessionID == "" {
		return ErrNotConnected
	}
	u, err := withQuery(p.cfg.URL, map[string]string{"session_id": sessionID})
	if err != nil {
		return err
	}
	data, err := postJSON(ctx, p.cfg, KindPolling, u, frame, headers)
	if err != nil {
		return err
	}
	if err := p.deliverBatch(data); err != nil {
		log.Warn().Err(err).Str("component", "transport").Str("kind", string(KindPolling)).Msg("send response not an event batch")
	}
	return nil
}

func (p *pollingChannel) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	cancel := p.cancel
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}
