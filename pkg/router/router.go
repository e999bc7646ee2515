// Package router classifies inbound backend events and hands each one to
// the collaborator that owns its rendering surface.
package router

import (
	"context"
	"sync"

	"github.com/go-go-golems/chatwire/pkg/events"
	"github.com/go-go-golems/chatwire/pkg/stream"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Target is the surface an event was routed to.
type Target string

const (
	TargetChatInline    Target = "chat-inline"
	TargetArtifactPanel Target = "artifact-panel"
	TargetStatus        Target = "status-sink"
	TargetError         Target = "error-sink"
	// TargetDropped marks events that were logged and discarded.
	TargetDropped Target = "dropped"
)

// MessageSink receives idempotent message states; replace by ID.
type MessageSink interface {
	OnMessage(ctx context.Context, msg stream.MessageState)
}

// ComponentHandler resolves and renders component events. Implementations
// must not block the caller.
type ComponentHandler interface {
	RouteArtifact(ctx context.Context, ev *events.RouteToArtifact)
	RouteInline(ctx context.Context, ev *events.RouteToChat)
	RouteToolAction(ctx context.Context, ev *events.UIToolAction)
	Refresh(ctx context.Context, ev *events.ComponentUpdate)
}

type StatusSink interface {
	OnStatus(ctx context.Context, ev *events.Status)
	OnError(ctx context.Context, ev *events.Error)
}

// ChatHandler receives complete, non-streamed chat messages. The session
// controller implements it to suppress echoes of its own sends.
type ChatHandler interface {
	OnChat(ctx context.Context, ev *events.ChatMessage)
}

// Handler routes one decoded event.
type Handler func(ctx context.Context, ev events.Event) Target

type Options struct {
	Assembler  *stream.Assembler
	Messages   MessageSink
	Components ComponentHandler
	Status     StatusSink
	// Chat defaults to forwarding plain chat to Messages.
	Chat ChatHandler
}

type Router struct {
	opts Options

	mu       sync.RWMutex
	handlers map[events.Type]Handler
}

func New(opts Options) *Router {
	if opts.Assembler == nil {
		opts.Assembler = stream.NewAssembler("")
	}
	r := &Router{opts: opts, handlers: map[events.Type]Handler{}}
	r.handlers[events.TypeMessageStart] = r.onMessageStart
	r.handlers[events.TypeMessageContent] = r.onMessageContent
	r.handlers[events.TypeMessageEnd] = r.onMessageEnd
	r.handlers[events.TypeRouteToArtifact] = r.onRouteToArtifact
	r.handlers[events.TypeRouteToChat] = r.onRouteToChat
	r.handlers[events.TypeUIToolAction] = r.onToolAction
	r.handlers[events.TypeComponentUpdate] = r.onComponentUpdate
	r.handlers[events.TypeStatus] = r.onStatus
	r.handlers[events.TypeError] = r.onError
	r.handlers[events.TypeChatMessage] = r.onChat
	r.handlers[events.TypeUnknown] = r.onUnknown
	return r
}

// Handle replaces the handler for a canonical type.
func (r *Router) Handle(t events.Type, h Handler) {
	if h == nil {
		return
	}
	r.mu.Lock()
	r.handlers[t] = h
	r.mu.Unlock()
}

func (r *Router) Assembler() *stream.Assembler { return r.opts.Assembler }

// RouteFrame decodes a raw frame and routes it. Malformed frames are logged
// and dropped.
func (r *Router) RouteFrame(ctx context.Context, frame []byte) Target {
	ev, err := events.Parse(frame)
	if err != nil {
		log.Warn().Err(err).Str("component", "router").Int("bytes", len(frame)).Msg("dropping malformed frame")
		return TargetDropped
	}
	return r.Route(ctx, ev)
}

// Route dispatches one event. Events of a connection must be routed in
// arrival order from a single goroutine.
func (r *Router) Route(ctx context.Context, ev events.Event) Target {
	if ev == nil {
		return TargetDropped
	}
	r.mu.RLock()
	h, ok := r.handlers[ev.Type()]
	r.mu.RUnlock()
	if !ok {
		log.Warn().Str("component", "router").Str("type", string(ev.Type())).Msg("no handler for event type")
		return TargetDropped
	}
	return h(ctx, ev)
}

func (r *Router) emit(ctx context.Context, st stream.MessageState) Target {
	if r.opts.Messages != nil {
		r.opts.Messages.OnMessage(ctx, st)
	}
	return TargetChatInline
}

func (r *Router) onMessageStart(ctx context.Context, ev events.Event) Target {
	e := ev.(*events.MessageStart)
	st, emitted := r.opts.Assembler.Start(e.ID, stream.Meta{Sender: e.Sender, DisplayName: e.DisplayName})
	if !emitted {
		return TargetChatInline
	}
	return r.emit(ctx, st)
}

func (r *Router) onMessageContent(ctx context.Context, ev events.Event) Target {
	e := ev.(*events.MessageContent)
	st := r.opts.Assembler.Content(e.ID, e.Delta, stream.Meta{Sender: e.Sender, DisplayName: e.DisplayName})
	return r.emit(ctx, st)
}

func (r *Router) onMessageEnd(ctx context.Context, ev events.Event) Target {
	e := ev.(*events.MessageEnd)
	st, ok := r.opts.Assembler.End(e.ID)
	if !ok {
		return TargetDropped
	}
	return r.emit(ctx, st)
}

func (r *Router) onRouteToArtifact(ctx context.Context, ev events.Event) Target {
	if r.opts.Components == nil {
		return r.noDelegate(ev, "components")
	}
	r.opts.Components.RouteArtifact(ctx, ev.(*events.RouteToArtifact))
	return TargetArtifactPanel
}

func (r *Router) onRouteToChat(ctx context.Context, ev events.Event) Target {
	if r.opts.Components == nil {
		return r.noDelegate(ev, "components")
	}
	r.opts.Components.RouteInline(ctx, ev.(*events.RouteToChat))
	return TargetChatInline
}

func (r *Router) onToolAction(ctx context.Context, ev events.Event) Target {
	if r.opts.Components == nil {
		return r.noDelegate(ev, "components")
	}
	r.opts.Components.RouteToolAction(ctx, ev.(*events.UIToolAction))
	return TargetChatInline
}

func (r *Router) onComponentUpdate(ctx context.Context, ev events.Event) Target {
	if r.opts.Components == nil {
		return r.noDelegate(ev, "components")
	}
	r.opts.Components.Refresh(ctx, ev.(*events.ComponentUpdate))
	return TargetArtifactPanel
}

func (r *Router) onStatus(ctx context.Context, ev events.Event) Target {
	if r.opts.Status == nil {
		return r.noDelegate(ev, "status")
	}
	r.opts.Status.OnStatus(ctx, ev.(*events.Status))
	return TargetStatus
}

func (r *Router) onError(ctx context.Context, ev events.Event) Target {
	if r.opts.Status == nil {
		return r.noDelegate(ev, "status")
	}
	r.opts.Status.OnError(ctx, ev.(*events.Error))
	return TargetError
}

func (r *Router) onChat(ctx context.Context, ev events.Event) Target {
	e := ev.(*events.ChatMessage)
	if r.opts.Chat != nil {
		r.opts.Chat.OnChat(ctx, e)
		return TargetChatInline
	}
	return r.emit(ctx, ChatState(e))
}

// onUnknown treats unrecognized events with text as plain chat.
func (r *Router) onUnknown(ctx context.Context, ev events.Event) Target {
	e := ev.(*events.Unknown)
	if e.Content == "" {
		log.Warn().Str("component", "router").Str("raw_type", e.RawType).Msg("dropping unrecognized event without content")
		return TargetDropped
	}
	log.Debug().Str("component", "router").Str("raw_type", e.RawType).Msg("treating unrecognized event as chat")
	sender, _ := e.Data["sender"].(string)
	return r.onChat(ctx, &events.ChatMessage{Meta: e.Meta, Content: e.Content, Sender: sender})
}

func (r *Router) noDelegate(ev events.Event, what string) Target {
	log.Debug().Str("component", "router").Str("type", string(ev.Type())).Str("delegate", what).Msg("no delegate configured, dropping event")
	return TargetDropped
}

// ChatState converts a complete chat message into a final message state.
func ChatState(e *events.ChatMessage) stream.MessageState {
	id := e.ID
	switch {
	case id != "":
	case !e.At.IsZero():
		id = "chat-" + e.At.UTC().Format("20060102T150405.000000000")
	default:
		id = "chat-" + uuid.NewString()
	}
	name := e.Sender
	if name == "" {
		name = stream.DefaultDisplayName
	}
	return stream.MessageState{
		ID:          id,
		Sender:      e.Sender,
		DisplayName: name,
		Content:     e.Content,
		Streaming:   false,
		StartedAt:   e.At,
	}
}
