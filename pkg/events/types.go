package events

import (
	"strings"
)

// Type is the canonical event type tag used throughout the routing engine.
type Type string

const (
	TypeMessageStart    Type = "message-start"
	TypeMessageContent  Type = "message-content"
	TypeMessageEnd      Type = "message-end"
	TypeRouteToArtifact Type = "route-to-artifact"
	TypeRouteToChat     Type = "route-to-chat"
	TypeUIToolAction    Type = "ui-tool-action"
	TypeStatus          Type = "status"
	TypeError           Type = "error"
	TypeComponentUpdate Type = "component-update"
	// TypeChatMessage is a complete, non-streamed chat message.
	TypeChatMessage Type = "chat-message"
	// TypeUnknown marks events whose tag is not in the alias table.
	TypeUnknown Type = "unknown"
)

// aliases maps normalized wire tags to canonical types. Every spelling the
// backend has ever emitted lives here and nowhere else.
var aliases = map[string]Type{
	"message-start":        TypeMessageStart,
	"text-message-start":   TypeMessageStart,
	"agent-message-start":  TypeMessageStart,
	"stream-start":         TypeMessageStart,
	"chat-start":           TypeMessageStart,
	"llm-start":            TypeMessageStart,
	"message-content":      TypeMessageContent,
	"text-message-content": TypeMessageContent,
	"message-chunk":        TypeMessageContent,
	"message-delta":        TypeMessageContent,
	"stream-chunk":         TypeMessageContent,
	"llm-delta":            TypeMessageContent,
	"chunk":                TypeMessageContent,
	"message-end":          TypeMessageEnd,
	"text-message-end":     TypeMessageEnd,
	"message-complete":     TypeMessageEnd,
	"stream-end":           TypeMessageEnd,
	"llm-final":            TypeMessageEnd,
	"route-to-artifact":    TypeRouteToArtifact,
	"ui-route-to-artifact": TypeRouteToArtifact,
	"artifact-routing":     TypeRouteToArtifact,
	"show-artifact":        TypeRouteToArtifact,
	"artifact":             TypeRouteToArtifact,
	"route-to-chat":        TypeRouteToChat,
	"ui-route-to-chat":     TypeRouteToChat,
	"chat-routing":         TypeRouteToChat,
	"inline-component":     TypeRouteToChat,
	"ui-tool-action":       TypeUIToolAction,
	"ui-tool-event":        TypeUIToolAction,
	"tool-action":          TypeUIToolAction,
	"status":               TypeStatus,
	"agent-status":         TypeStatus,
	"connection-status":    TypeStatus,
	"error":                TypeError,
	"agent-error":          TypeError,
	"component-update":     TypeComponentUpdate,
	"ui-component-update":  TypeComponentUpdate,
	"chat-message":         TypeChatMessage,
	"message":              TypeChatMessage,
	"text":                 TypeChatMessage,
	"agent-message":        TypeChatMessage,
	"user-message":         TypeChatMessage,
}

var tagReplacer = strings.NewReplacer("_", "-", ".", "-", " ", "-")

// Normalize maps a wire type tag to its canonical Type. Matching is
// case-insensitive and treats '_', '.' and ' ' like '-'. Unrecognized tags
// return TypeUnknown.
func Normalize(tag string) Type {
	key := tagReplacer.Replace(strings.ToLower(strings.TrimSpace(tag)))
	if key == "" {
		return TypeUnknown
	}
	if t, ok := aliases[key]; ok {
		return t
	}
	return TypeUnknown
}
