package events

import "github.com/google/uuid"

// OutboundType tags messages sent to the backend.
type OutboundType string

const (
	OutboundUserMessage  OutboundType = "user-message"
	OutboundUIToolAction OutboundType = "ui-tool-action"
)

// Outbound is the message shape sent to the backend over any transport.
type Outbound struct {
	Type          OutboundType   `json:"type"`
	Content       string         `json:"content,omitempty"`
	Payload       map[string]any `json:"payload,omitempty"`
	ToolID        string         `json:"tool_id,omitempty"`
	ChatID        string         `json:"chat_id,omitempty"`
	SessionID     string         `json:"session_id,omitempty"`
	Workflow      string         `json:"workflow,omitempty"`
	CorrelationID string         `json:"correlation_id"`
}

func NewUserMessage(content string) Outbound {
	return Outbound{
		Type:          OutboundUserMessage,
		Content:       content,
		CorrelationID: uuid.NewString(),
	}
}

func NewToolAction(toolID string, payload map[string]any) Outbound {
	if payload == nil {
		payload = map[string]any{}
	}
	return Outbound{
		Type:          OutboundUIToolAction,
		ToolID:        toolID,
		Payload:       payload,
		CorrelationID: uuid.NewString(),
	}
}
