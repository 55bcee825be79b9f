package models

import "time"

// Role identifies the author of a message
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Phase tags which writer owns a message. The stream writer owns streaming
// messages; the interaction engine owns finalized ones.
type Phase string

const (
	PhaseStreaming Phase = "streaming"
	PhaseFinalized Phase = "finalized"
)

// Message is a single entry in a conversation context
type Message struct {
	ID         string     `json:"id"`
	ContextID  string     `json:"context_id"`
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	IsError    bool       `json:"is_error,omitempty"`
	Phase      Phase      `json:"phase,omitempty"`
	Sequence   uint64     `json:"sequence,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// HasToolCalls reports whether the message requests at least one tool
func (m Message) HasToolCalls() bool {
	return len(m.ToolCalls) > 0
}

// ToolCall is a tool invocation emitted by the model
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Parameter parsing strategies
const (
	AIParameterParsing = "AIParameterParsing"
	DirectParameters   = "DirectParameters"
)

// ToolCallRequest asks the interaction engine to run a tool
type ToolCallRequest struct {
	ToolName                 string `json:"tool_name" validate:"required"`
	UserDescription          string `json:"user_description"`
	ParameterParsingStrategy string `json:"parameter_parsing_strategy"`
	ToolCallID               string `json:"tool_call_id,omitempty"`
}

// Parameter is a resolved tool argument
type Parameter struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Chunk is one incremental piece of streamed message content
type Chunk struct {
	Sequence uint64 `json:"sequence"`
	Delta    string `json:"delta"`
}
