// Package wireformat defines the JSON records exchanged between the host and
// guest modules. These types are part of the ABI contract and must remain
// stable and backward compatible.
package wireformat

import "time"

// ContextWireFormat is the JSON wire format for context.Context propagation.
type ContextWireFormat struct {
	Deadline  *time.Time `json:"deadline,omitempty"`
	TimeoutMs int64      `json:"timeout_ms,omitempty"`
	RequestID string     `json:"request_id,omitempty"` // For log correlation
	Canceled  bool       `json:"canceled,omitempty"`
}

// LogMessageWire is a log record sent by the guest through log_message.
type LogMessageWire struct {
	Timestamp time.Time         `json:"timestamp"`
	Context   ContextWireFormat `json:"context"`
	Level     string            `json:"level"`
	Message   string            `json:"message"`
	Attrs     []LogAttrWire     `json:"attrs,omitempty"`
}

// LogAttrWire represents a single slog attribute.
type LogAttrWire struct {
	Key   string `json:"key"`
	Type  string `json:"type"`  // "string", "int64", "bool", "float64", "time", "error", "any"
	Value string `json:"value"` // String representation of the value
}

// HTTPRequestWire is an inbound request handed to a guest route handler.
type HTTPRequestWire struct {
	Params     map[string]string   `json:"params,omitempty"` // Values of :name route segments
	Headers    map[string][]string `json:"headers,omitempty"`
	Method     string              `json:"method"`
	Path       string              `json:"path"`
	Query      string              `json:"query,omitempty"`
	RemoteAddr string              `json:"remote_addr,omitempty"`
	RequestID  string              `json:"request_id"`
	Body       []byte              `json:"body,omitempty"`
}

// HTTPResponseWire is the response a guest route handler returns.
type HTTPResponseWire struct {
	Headers    map[string][]string `json:"headers,omitempty"`
	Body       []byte              `json:"body,omitempty"`
	StatusCode int                 `json:"status_code"`
}

// SQLStatementWire is a parameterized statement for the sql capability.
type SQLStatementWire struct {
	Query  string `json:"query"`
	Params []any  `json:"params,omitempty"`
}

// SQLRowSetWire is the result of a sql query.
type SQLRowSetWire struct {
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`
}

// ContainerInfoWire describes a blob container.
type ContainerInfoWire struct {
	CreatedAt time.Time `json:"created_at"`
	Name      string    `json:"name"`
}

// ObjectInfoWire describes one object in a blob container.
type ObjectInfoWire struct {
	CreatedAt time.Time `json:"created_at"`
	Name      string    `json:"name"`
	Container string    `json:"container"`
	Size      uint64    `json:"size"`
}

// EventWire is delivered to the guest handle_event export when an
// observed key changes.
type EventWire struct {
	Source  string `json:"source"` // Declared name of the store
	Key     string `json:"key"`
	Value   []byte `json:"value,omitempty"`
	Deleted bool   `json:"deleted,omitempty"`
}
