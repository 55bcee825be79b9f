package models

// ContextMetadata is the server's summary of a conversation context
type ContextMetadata struct {
	ID               string `json:"id"`
	CurrentState     string `json:"current_state"`
	ActiveBranchName string `json:"active_branch_name"`
	MessageCount     int    `json:"message_count"`
	ModelID          string `json:"model_id"`
	Mode             string `json:"mode"`
	SystemPromptID   string `json:"system_prompt_id,omitempty"`
	WorkspacePath    string `json:"workspace_path,omitempty"`
	Title            string `json:"title,omitempty"`
}

// MessagesResponse carries either an ids lookup (RequestedCount/FoundCount)
// or a page (Total/Limit/Offset).
type MessagesResponse struct {
	Messages       []Message `json:"messages"`
	RequestedCount int       `json:"requested_count,omitempty"`
	FoundCount     int       `json:"found_count,omitempty"`
	Total          int       `json:"total,omitempty"`
	Limit          int       `json:"limit,omitempty"`
	Offset         int       `json:"offset,omitempty"`
}

// Partial reports an ids lookup that found fewer messages than requested
func (r *MessagesResponse) Partial() bool {
	return r.RequestedCount > 0 && r.FoundCount < r.RequestedCount
}

// ChunksResponse is the streaming-chunks pull result
type ChunksResponse struct {
	ContextID       string  `json:"context_id"`
	MessageID       string  `json:"message_id"`
	Chunks          []Chunk `json:"chunks"`
	CurrentSequence uint64  `json:"current_sequence"`
	HasMore         bool    `json:"has_more"`
}

// SystemPromptPreset is a named system prompt stored on the server
type SystemPromptPreset struct {
	ID      string `json:"id"`
	Name    string `json:"name,omitempty"`
	Content string `json:"content"`
}
