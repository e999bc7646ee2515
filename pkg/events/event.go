package events

import "time"

// Event is the tagged union over the canonical inbound event types.
type Event interface {
	Type() Type
	Timestamp() time.Time
}

// Meta carries the fields shared by every decoded event.
type Meta struct {
	// RawType is the tag as it appeared on the wire, before normalization.
	RawType string
	At      time.Time
}

func (m Meta) Timestamp() time.Time { return m.At }

type MessageStart struct {
	Meta
	ID          string
	Sender      string
	DisplayName string
}

func (*MessageStart) Type() Type { return TypeMessageStart }

type MessageContent struct {
	Meta
	ID          string
	Delta       string
	Sender      string
	DisplayName string
}

func (*MessageContent) Type() Type { return TypeMessageContent }

type MessageEnd struct {
	Meta
	ID string
}

func (*MessageEnd) Type() Type { return TypeMessageEnd }

// ComponentRef names a component and the payload it should render.
type ComponentRef struct {
	Component string
	Payload   map[string]any
}

type RouteToArtifact struct {
	Meta
	ComponentRef
}

func (*RouteToArtifact) Type() Type { return TypeRouteToArtifact }

type RouteToChat struct {
	Meta
	ComponentRef
}

func (*RouteToChat) Type() Type { return TypeRouteToChat }

type UIToolAction struct {
	Meta
	ToolID   string
	ToolType string
	Payload  map[string]any
}

func (*UIToolAction) Type() Type { return TypeUIToolAction }

type Status struct {
	Meta
	Status  string
	Payload map[string]any
}

func (*Status) Type() Type { return TypeStatus }

type Error struct {
	Meta
	Message string
	Code    string
	Payload map[string]any
}

func (*Error) Type() Type { return TypeError }

type ComponentUpdate struct {
	Meta
	ComponentID string
	Payload     map[string]any
}

func (*ComponentUpdate) Type() Type { return TypeComponentUpdate }

type ChatMessage struct {
	Meta
	ID      string
	Content string
	Sender  string
}

func (*ChatMessage) Type() Type { return TypeChatMessage }

// Unknown holds an event whose tag is not in the alias table.
type Unknown struct {
	Meta
	Content string
	Data    map[string]any
}

func (*Unknown) Type() Type { return TypeUnknown }
