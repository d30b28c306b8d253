// Package wire defines the JSON control messages exchanged with the agent.
package wire

import (
	"encoding/json"
	"fmt"
)

// Kind identifies a message variant. The set is closed: decoding a message
// with an unrecognized kind fails with a *ProtocolError.
type Kind string

const (
	KindConnect           Kind = "connect"
	KindListTools         Kind = "list_tools"
	KindListToolsResponse Kind = "list_tools_response"
	KindExecuteTool       Kind = "execute_tool"
	KindToolResult        Kind = "tool_result"
	KindPrompt            Kind = "prompt"
	KindPromptResponse    Kind = "prompt_response"
	KindError             Kind = "error"
	KindPing              Kind = "ping"
	KindPong              Kind = "pong"
)

// Older agent builds emit these kind names; they decode to the canonical kind.
var kindAliases = map[string]Kind{
	"initialize":            KindListTools,
	"execute_tool_response": KindToolResult,
}

var knownKinds = map[Kind]bool{
	KindConnect:           true,
	KindListTools:         true,
	KindListToolsResponse: true,
	KindExecuteTool:       true,
	KindToolResult:        true,
	KindPrompt:            true,
	KindPromptResponse:    true,
	KindError:             true,
	KindPing:              true,
	KindPong:              true,
}

// ProtocolError reports a malformed frame or an unexpected message kind.
type ProtocolError struct {
	Kind   string
	Reason string
}

func (e *ProtocolError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("protocol error: %s (kind %q)", e.Reason, e.Kind)
	}
	return "protocol error: " + e.Reason
}

// ToolParam describes one parameter of a remote tool.
type ToolParam struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Required bool   `json:"required,omitempty"`
}

// Tool describes a capability the agent can execute on request.
type Tool struct {
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Parameters  []ToolParam `json:"parameters,omitempty"`
}

// Message is a single frame on the bridge. Kind is always set; the payload
// fields are populated per kind. ID is present when a reply is expected or
// when the message is such a reply. Timestamp is unix milliseconds, zero
// when absent.
type Message struct {
	Kind       Kind
	ID         string
	Timestamp  int64
	Tool       string
	Parameters map[string]any
	Result     json.RawMessage
	Content    string
	Error      string
	Tools      []Tool
}

// rawMessage mirrors the wire layout, including legacy field names still
// produced by older agent builds (tool_name, tool_input, tool_output).
type rawMessage struct {
	Type       string          `json:"type"`
	ID         string          `json:"id,omitempty"`
	Timestamp  int64           `json:"timestamp,omitempty"`
	Tool       string          `json:"tool,omitempty"`
	ToolName   string          `json:"tool_name,omitempty"`
	Parameters map[string]any  `json:"parameters,omitempty"`
	ToolInput  map[string]any  `json:"tool_input,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	ToolOutput json.RawMessage `json:"tool_output,omitempty"`
	Content    string          `json:"content,omitempty"`
	Error      string          `json:"error,omitempty"`
	Tools      []Tool          `json:"tools,omitempty"`
}

// MarshalJSON emits the canonical field names for the message kind.
func (m Message) MarshalJSON() ([]byte, error) {
	if !knownKinds[m.Kind] {
		return nil, &ProtocolError{Kind: string(m.Kind), Reason: "unknown message kind"}
	}
	raw := rawMessage{
		Type:       string(m.Kind),
		ID:         m.ID,
		Timestamp:  m.Timestamp,
		Tool:       m.Tool,
		Parameters: m.Parameters,
		Result:     m.Result,
		Content:    m.Content,
		Error:      m.Error,
		Tools:      m.Tools,
	}
	return json.Marshal(raw)
}

// UnmarshalJSON decodes a frame, folding legacy kind and field aliases into
// their canonical form and validating kind-specific required fields.
func (m *Message) UnmarshalJSON(data []byte) error {
	var raw rawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return &ProtocolError{Reason: "malformed frame: " + err.Error()}
	}
	if raw.Type == "" {
		return &ProtocolError{Reason: "missing message kind"}
	}
	kind := Kind(raw.Type)
	if alias, ok := kindAliases[raw.Type]; ok {
		kind = alias
	}
	if !knownKinds[kind] {
		return &ProtocolError{Kind: raw.Type, Reason: "unknown message kind"}
	}

	out := Message{
		Kind:       kind,
		ID:         raw.ID,
		Timestamp:  raw.Timestamp,
		Tool:       raw.Tool,
		Parameters: raw.Parameters,
		Result:     raw.Result,
		Content:    raw.Content,
		Error:      raw.Error,
		Tools:      raw.Tools,
	}
	if out.Tool == "" {
		out.Tool = raw.ToolName
	}
	if out.Parameters == nil {
		out.Parameters = raw.ToolInput
	}
	if out.Result == nil {
		out.Result = raw.ToolOutput
	}

	switch kind {
	case KindExecuteTool:
		if out.Tool == "" {
			return &ProtocolError{Kind: raw.Type, Reason: "execute_tool requires a tool name"}
		}
	case KindToolResult:
		if out.Tool == "" {
			return &ProtocolError{Kind: raw.Type, Reason: "tool_result requires a tool name"}
		}
	case KindListToolsResponse:
		if raw.Tools == nil {
			return &ProtocolError{Kind: raw.Type, Reason: "list_tools_response requires tools"}
		}
	case KindPrompt, KindPromptResponse:
		if out.Content == "" {
			return &ProtocolError{Kind: raw.Type, Reason: string(kind) + " requires content"}
		}
	case KindError:
		if out.Error == "" {
			return &ProtocolError{Kind: raw.Type, Reason: "error message requires an error string"}
		}
	}

	*m = out
	return nil
}

// Encode serializes a message for the wire.
func Encode(m Message) ([]byte, error) {
	return json.Marshal(m)
}

// Decode parses one complete frame into a Message.
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, err
	}
	return m, nil
}
