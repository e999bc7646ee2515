package main

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/go-go-golems/chatwire/pkg/components"
	"github.com/go-go-golems/chatwire/pkg/config"
	"github.com/go-go-golems/chatwire/pkg/events"
	"github.com/go-go-golems/chatwire/pkg/stream"
	"github.com/stretchr/testify/require"
)

func TestTerminalSurface_PlainStreaming(t *testing.T) {
	var buf bytes.Buffer
	s := newTerminalSurface(&buf, false, nil)
	ctx := context.Background()

	s.OnMessage(ctx, stream.MessageState{ID: "m1", DisplayName: "Planner", Streaming: true})
	s.OnMessage(ctx, stream.MessageState{ID: "m1", DisplayName: "Planner", Content: "Hel", Streaming: true})
	s.OnMessage(ctx, stream.MessageState{ID: "m1", DisplayName: "Planner", Content: "Hello", Streaming: true})
	s.OnMessage(ctx, stream.MessageState{ID: "m1", DisplayName: "Planner", Content: "Hello", Streaming: false})
	s.OnMessage(ctx, stream.MessageState{ID: "c1", DisplayName: "Agent", Content: "done"})

	require.Equal(t, "Planner: Hello\nAgent:\ndone\n", buf.String())
}

func TestTerminalSurface_StatusSignalsLoss(t *testing.T) {
	var buf bytes.Buffer
	lost := make(chan error, 1)
	s := newTerminalSurface(&buf, false, lost)

	s.OnStatus(context.Background(), &events.Status{Status: "connected", Payload: map[string]any{"transport": "sse", "source": "session"}})
	s.OnStatus(context.Background(), &events.Status{Status: "disconnected", Payload: map[string]any{"error": "eof"}})

	require.Equal(t, "[connected] transport=sse\n[disconnected] error=eof\n", buf.String())
	select {
	case err := <-lost:
		require.EqualError(t, err, "eof")
	default:
		t.Fatal("loss was not signalled")
	}
}

func TestTerminalSurface_RenderFallsBackToPayload(t *testing.T) {
	var buf bytes.Buffer
	s := newTerminalSurface(&buf, false, nil)
	s.Render(components.RenderRequest{
		Surface:  components.SurfaceInline,
		Name:     "Approve",
		Payload:  map[string]any{"ok": true},
		Fallback: true,
	})
	require.Equal(t, "[Approve (no renderer)] {\n  \"ok\": true\n}\n", buf.String())
}

func TestHandleLine_RejectsBadCommands(t *testing.T) {
	require.ErrorIs(t, handleLine(context.Background(), nil, "/quit"), errQuit)
	require.NoError(t, handleLine(context.Background(), nil, "   "))
	require.Error(t, handleLine(context.Background(), nil, "/action"))
	require.Error(t, handleLine(context.Background(), nil, "/frobnicate"))
}

func TestKeepAlive_GivesUpWithoutAttempts(t *testing.T) {
	lost := make(chan error, 1)
	lost <- context.DeadlineExceeded
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := keepAlive(ctx, nil, config.ReconnectSettings{}, lost)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Contains(t, err.Error(), "connection lost")
}
