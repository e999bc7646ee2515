package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

type frameCollector struct {
	mu     sync.Mutex
	frames []string
}

func (c *frameCollector) add(f []byte) {
	c.mu.Lock()
	c.frames = append(c.frames, string(f))
	c.mu.Unlock()
}

func (c *frameCollector) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.frames...)
}

func TestSSEReader_ParsesEventStream(t *testing.T) {
	stream := ": keepalive\n" +
		"event: session\n" +
		"data: {\"session_id\":\"abc\"}\n\n" +
		"data: line one\r\n" +
		"data: line two\r\n" +
		"id: 7\r\n\r\n" +
		"retry: 1000\n\n" +
		"data:{\"type\":\"status\"}\n\n"
	r := newSSEReader(strings.NewReader(stream))

	ev, err := r.Next()
	require.NoError(t, err)
	require.Equal(t, "session", ev.Event)
	require.Equal(t, "abc", sessionIDFromData(ev.Data))

	ev, err = r.Next()
	require.NoError(t, err)
	require.Equal(t, "line one\nline two", string(ev.Data))
	require.Equal(t, "7", ev.ID)

	ev, err = r.Next()
	require.NoError(t, err)
	require.Equal(t, `{"type":"status"}`, string(ev.Data))

	_, err = r.Next()
	require.ErrorIs(t, err, io.EOF)
}

func TestSSEChannel_AssignsSessionAndDeliversInOrder(t *testing.T) {
	var posted []string
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			body, _ := io.ReadAll(r.Body)
			mu.Lock()
			posted = append(posted, r.URL.Query().Get("session_id")+"|"+string(body))
			mu.Unlock()
			w.WriteHeader(http.StatusAccepted)
			return
		}
		require.Equal(t, "text/event-stream", r.Header.Get("Accept"))
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		_, _ = fmt.Fprint(w, "event: session\ndata: sess-42\n\n")
		for i := 0; i < 3; i++ {
			_, _ = fmt.Fprintf(w, "data: {\"n\":%d}\n\n", i)
		}
		flusher.Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	ch, err := NewChannel(ChannelConfig{Kind: KindSSE, URL: srv.URL})
	require.NoError(t, err)
	frames := &frameCollector{}
	ch.SetReceiveHandler(frames.add)

	id, err := ch.Connect(context.Background(), ConnectParams{ChatID: "c1"})
	require.NoError(t, err)
	require.Equal(t, "sess-42", id)

	require.Eventually(t, func() bool { return len(frames.snapshot()) == 3 }, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, []string{`{"n":0}`, `{"n":1}`, `{"n":2}`}, frames.snapshot())

	require.NoError(t, ch.Send(context.Background(), []byte(`{"type":"user-message"}`)))
	mu.Lock()
	require.Equal(t, []string{`sess-42|{"type":"user-message"}`}, posted)
	mu.Unlock()

	require.NoError(t, ch.Close())
	require.ErrorIs(t, ch.Send(context.Background(), []byte("x")), ErrClosed)
}

func TestSSEChannel_SessionFromHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set(SessionHeader, "hdr-1")
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	ch, err := NewChannel(ChannelConfig{Kind: KindSSE, URL: srv.URL})
	require.NoError(t, err)
	id, err := ch.Connect(context.Background(), ConnectParams{})
	require.NoError(t, err)
	require.Equal(t, "hdr-1", id)
	require.NoError(t, ch.Close())
}

func TestSSEChannel_SendTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			_, _ = io.Copy(io.Discard, r.Body)
			<-r.Context().Done()
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set(SessionHeader, "s")
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	ch, err := NewChannel(ChannelConfig{Kind: KindSSE, URL: srv.URL, ResponseTimeout: 50 * time.Millisecond})
	require.NoError(t, err)
	_, err = ch.Connect(context.Background(), ConnectParams{})
	require.NoError(t, err)
	defer func() { _ = ch.Close() }()

	err = ch.Send(context.Background(), []byte(`{}`))
	require.True(t, IsTimeout(err), "got %v", err)
}

func TestPollingChannel_OpenPollAndSend(t *testing.T) {
	var mu sync.Mutex
	queue := []string{`{"type":"message-start","data":{"id":"m1"}}`, `{"type":"message-content","data":{"id":"m1","delta":"hi"}}`}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/open"):
			_ = json.NewEncoder(w).Encode(map[string]string{"session_id": "p-1"})
		case r.Method == http.MethodGet:
			require.Equal(t, "p-1", r.URL.Query().Get("session_id"))
			mu.Lock()
			events := queue
			queue = nil
			mu.Unlock()
			raw := make([]json.RawMessage, 0, len(events))
			for _, e := range events {
				raw = append(raw, json.RawMessage(e))
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"events": raw, "cursor": "c-1"})
		case r.Method == http.MethodPost:
			_, _ = w.Write([]byte(`{"events":[{"type":"chat-message","data":{"content":"ack"}}]}`))
		}
	}))
	defer srv.Close()

	ch, err := NewChannel(ChannelConfig{Kind: KindPolling, URL: srv.URL + "/events", PollInterval: 10 * time.Millisecond})
	require.NoError(t, err)
	frames := &frameCollector{}
	ch.SetReceiveHandler(frames.add)

	id, err := ch.Connect(context.Background(), ConnectParams{Workflow: "wf"})
	require.NoError(t, err)
	require.Equal(t, "p-1", id)

	require.Eventually(t, func() bool { return len(frames.snapshot()) == 2 }, 2*time.Second, 10*time.Millisecond)
	require.Contains(t, frames.snapshot()[0], "message-start")
	require.Contains(t, frames.snapshot()[1], "message-content")

	require.NoError(t, ch.Send(context.Background(), []byte(`{"type":"user-message"}`)))
	got := frames.snapshot()
	require.Len(t, got, 3)
	require.Contains(t, got[2], "ack")

	require.NoError(t, ch.Close())
}

func TestSocketChannel_RequiresSessionAndRoundTrips(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "s-9", r.URL.Query().Get("session_id"))
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			_ = conn.WriteMessage(mt, append([]byte("echo:"), data...))
		}
	}))
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	ch, err := NewChannel(ChannelConfig{Kind: KindSocket, URL: wsURL})
	require.NoError(t, err)
	_, err = ch.Connect(context.Background(), ConnectParams{})
	require.ErrorIs(t, err, ErrSessionRequired)

	ch, err = NewChannel(ChannelConfig{Kind: KindSocket, URL: wsURL})
	require.NoError(t, err)
	frames := &frameCollector{}
	ch.SetReceiveHandler(frames.add)
	id, err := ch.Connect(context.Background(), ConnectParams{SessionID: "s-9"})
	require.NoError(t, err)
	require.Equal(t, "s-9", id)

	require.NoError(t, ch.Send(context.Background(), []byte("one")))
	require.NoError(t, ch.Send(context.Background(), []byte("two")))
	require.Eventually(t, func() bool { return len(frames.snapshot()) == 2 }, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, []string{"echo:one", "echo:two"}, frames.snapshot())

	require.NoError(t, ch.Close())
}

func TestNewChannel_RejectsMissingURLAndUnknownKind(t *testing.T) {
	_, err := NewChannel(ChannelConfig{Kind: KindSSE})
	require.Error(t, err)
	_, err = NewChannel(ChannelConfig{Kind: "carrier-pigeon", URL: "http://x"})
	require.ErrorIs(t, err, ErrUnknownKind)
}
