package pipeline

import "time"

// Event is one normalized telemetry event handed to downstream sinks.
// Params: identity, normalized attributes, and global attributes at send time.
// Returns: one event payload.
type Event struct {
	ID         string            `json:"id"`
	Timestamp  time.Time         `json:"timestamp"`
	Session    string            `json:"session,omitempty"`
	EventType  string            `json:"event_type"`
	Name       string            `json:"name"`
	Attributes map[string]any    `json:"attributes"`
	Global     map[string]string `json:"global,omitempty"`
}

// Field resolves one filterable field by name.
// Params: name is "type", "name", "session", or an attribute/global attribute name.
// Returns: field value and presence flag; attributes shadow global attributes.
func (e Event) Field(name string) (any, bool) {
	switch name {
	case "type":
		return e.EventType, true
	case "name":
		return e.Name, true
	case "session":
		return e.Session, true
	}
	if value, ok := e.Attributes[name]; ok {
		return value, true
	}
	if value, ok := e.Global[name]; ok {
		return value, true
	}
	return nil, false
}
