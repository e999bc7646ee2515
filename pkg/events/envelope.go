package events

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Envelope is the wire-level inbound frame: { type, data, timestamp }.
type Envelope struct {
	Type      string         `json:"type"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp string         `json:"timestamp,omitempty"`
}

var (
	ErrEmptyFrame   = errors.New("empty frame")
	ErrMissingType  = errors.New("event has no type")
	ErrMissingField = errors.New("event is missing a required field")
)

// ParseEnvelope decodes a raw frame. Frames without a "data" object are
// treated as flat events: every top-level key except type/timestamp becomes data.
func ParseEnvelope(raw []byte) (Envelope, error) {
	if len(strings.TrimSpace(string(raw))) == 0 {
		return Envelope{}, ErrEmptyFrame
	}
	var top map[string]any
	if err := json.Unmarshal(raw, &top); err != nil {
		return Envelope{}, errors.Wrap(err, "decode envelope")
	}
	env := Envelope{
		Type:      stringOf(top["type"]),
		Timestamp: timestampOf(top["timestamp"]),
	}
	if env.Type == "" {
		env.Type = stringOf(top["event"])
	}
	if data, ok := top["data"].(map[string]any); ok {
		env.Data = data
	} else {
		env.Data = map[string]any{}
		for k, v := range top {
			switch k {
			case "type", "timestamp", "event":
				continue
			}
			env.Data[k] = v
		}
	}
	if strings.TrimSpace(env.Type) == "" {
		return env, ErrMissingType
	}
	return env, nil
}

// Parse decodes a raw frame into a typed Event.
func Parse(raw []byte) (Event, error) {
	env, err := ParseEnvelope(raw)
	if err != nil {
		return nil, err
	}
	return Decode(env)
}

// Decode converts an envelope into its typed record. Field spellings that
// differ between backend versions are resolved here, once.
func Decode(env Envelope) (Event, error) {
	meta := Meta{RawType: env.Type, At: parseTimestamp(env.Timestamp)}
	d := env.Data
	if d == nil {
		d = map[string]any{}
	}

	switch Normalize(env.Type) {
	case TypeMessageStart:
		return &MessageStart{
			Meta:        meta,
			ID:          messageID(d, env.Timestamp),
			Sender:      firstNonEmptyString(d, "sender", "agent", "agent_name", "agentName", "role"),
			DisplayName: firstNonEmptyString(d, "display_name", "displayName", "name", "agent_name", "agentName", "sender", "agent"),
		}, nil

	case TypeMessageContent:
		return &MessageContent{
			Meta:        meta,
			ID:          messageID(d, env.Timestamp),
			Delta:       firstString(d, "delta", "content", "chunk", "text"),
			Sender:      firstNonEmptyString(d, "sender", "agent", "agent_name", "agentName", "role"),
			DisplayName: firstNonEmptyString(d, "display_name", "displayName", "name", "agent_name", "agentName", "sender", "agent"),
		}, nil

	case TypeMessageEnd:
		return &MessageEnd{Meta: meta, ID: messageID(d, env.Timestamp)}, nil

	case TypeRouteToArtifact:
		ref, err := componentRef(d)
		if err != nil {
			return nil, errors.Wrapf(err, "decode %s", env.Type)
		}
		return &RouteToArtifact{Meta: meta, ComponentRef: ref}, nil

	case TypeRouteToChat:
		ref, err := componentRef(d)
		if err != nil {
			return nil, errors.Wrapf(err, "decode %s", env.Type)
		}
		return &RouteToChat{Meta: meta, ComponentRef: ref}, nil

	case TypeUIToolAction:
		ev := &UIToolAction{
			Meta:     meta,
			ToolID:   firstNonEmptyString(d, "tool_id", "toolId", "tool_call_id", "id"),
			ToolType: firstNonEmptyString(d, "tool_type", "toolType", "component_type", "componentType", "tool_name", "action"),
			Payload:  payloadOf(d),
		}
		if ev.ToolType == "" {
			return nil, errors.Wrapf(ErrMissingField, "decode %s: tool_type", env.Type)
		}
		return ev, nil

	case TypeStatus:
		status := firstNonEmptyString(d, "status", "state", "message")
		return &Status{Meta: meta, Status: status, Payload: d}, nil

	case TypeError:
		return &Error{
			Meta:    meta,
			Message: firstNonEmptyString(d, "message", "error", "detail", "reason"),
			Code:    firstNonEmptyString(d, "code", "error_code", "errorCode"),
			Payload: d,
		}, nil

	case TypeComponentUpdate:
		id := firstNonEmptyString(d, "component_id", "componentId", "component", "component_name", "id")
		if id == "" {
			return nil, errors.Wrapf(ErrMissingField, "decode %s: component_id", env.Type)
		}
		return &ComponentUpdate{Meta: meta, ComponentID: id, Payload: payloadOf(d)}, nil

	case TypeChatMessage:
		return &ChatMessage{
			Meta:    meta,
			ID:      firstNonEmptyString(d, "id", "message_id", "messageId"),
			Content: textContent(d),
			Sender:  firstNonEmptyString(d, "sender", "agent", "agent_name", "agentName", "role"),
		}, nil

	default:
		return &Unknown{Meta: meta, Content: textContent(d), Data: d}, nil
	}
}

func componentRef(d map[string]any) (ComponentRef, error) {
	name := firstNonEmptyString(d, "component", "component_name", "componentName", "component_type", "componentType", "name")
	if name == "" {
		return ComponentRef{}, errors.Wrap(ErrMissingField, "component name")
	}
	return ComponentRef{Component: name, Payload: payloadOf(d)}, nil
}

// messageID derives the streaming correlation id. When the payload carries no
// correlation field, the frame timestamp is used so that the id is still stable
// for that frame.
func messageID(d map[string]any, timestamp string) string {
	if id := firstNonEmptyString(d, "id", "message_id", "messageId", "stream_id", "streamId", "correlation_id"); id != "" {
		return id
	}
	turn := firstNonEmptyString(d, "turn_id", "turnId")
	agent := firstNonEmptyString(d, "agent", "agent_name", "agentName", "sender")
	if turn != "" {
		if agent != "" {
			return turn + ":" + agent
		}
		return turn
	}
	if timestamp != "" {
		return "ts-" + timestamp
	}
	return "ts-" + strconv.FormatInt(time.Now().UnixNano(), 10)
}

func payloadOf(d map[string]any) map[string]any {
	for _, key := range []string{"payload", "props", "data"} {
		if m, ok := d[key].(map[string]any); ok {
			return m
		}
	}
	return map[string]any{}
}

func textContent(d map[string]any) string {
	return firstString(d, "content", "text", "message", "delta", "chunk")
}

// firstString is firstNonEmptyString without trimming: streaming deltas may
// legitimately be a single space.
func firstString(m map[string]any, keys ...string) string {
	for _, key := range keys {
		if value, ok := m[key]; ok {
			if s, ok := value.(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}

func firstNonEmptyString(m map[string]any, keys ...string) string {
	for _, key := range keys {
		if value, ok := m[key]; ok {
			if s, ok := value.(string); ok {
				s = strings.TrimSpace(s)
				if s != "" {
					return s
				}
			}
		}
	}
	return ""
}

func stringOf(v any) string {
	s, _ := v.(string)
	return strings.TrimSpace(s)
}

func timestampOf(v any) string {
	switch x := v.(type) {
	case string:
		return strings.TrimSpace(x)
	case float64:
		return strconv.FormatInt(int64(x), 10)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", x)
	}
}

func parseTimestamp(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms)
	}
	return time.Time{}
}
