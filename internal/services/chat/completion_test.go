package chat

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/deepgram/sigpull/internal/domain/chat/models"
	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

type toolList []openai.Tool

func (l toolList) GetTools() []openai.Tool { return l }

func sseHandler(t *testing.T, body *string, chunks ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		*body = string(raw)
		w.Header().Set("Content-Type", "text/event-stream")
		for _, c := range chunks {
			fmt.Fprintf(w, "data: %s\n\n", c)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}
}

func TestOpenAICompletionStreamText(t *testing.T) {
	var body string
	client := newTestClient(t, sseHandler(t, &body,
		`{"id":"cmpl-1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"role":"assistant","content":"Hel"}}]}`,
		`{"id":"cmpl-1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"content":"lo"}}]}`,
	))

	tools := toolList{{Type: openai.ToolTypeFunction, Function: &openai.FunctionDefinition{Name: "read_file"}}}
	s := NewOpenAICompletionService(client, "gpt-4o-mini", 0.2, tools)

	var fragments []string
	msg, err := s.Stream(context.Background(), userMessages("hi"), FragmentSinkFunc(func(d string) { fragments = append(fragments, d) }))
	require.NoError(t, err)

	assert.Equal(t, "Hello", msg.Content)
	assert.Equal(t, "cmpl-1", msg.ID)
	assert.Equal(t, models.RoleAssistant, msg.Role)
	assert.False(t, msg.HasToolCalls())
	assert.Equal(t, []string{"Hel", "lo"}, fragments)

	assert.True(t, gjson.Get(body, "stream").Bool())
	assert.Equal(t, "read_file", gjson.Get(body, "tools.0.function.name").String())
	assert.False(t, gjson.Get(body, "parallel_tool_calls").Bool())
}

func TestOpenAICompletionStreamToolCall(t *testing.T) {
	var body string
	client := newTestClient(t, sseHandler(t, &body,
		`{"id":"cmpl-2","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_9","type":"function","function":{"name":"read_file","arguments":""}}]}}]}`,
		`{"id":"cmpl-2","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"path\":"}}]}}]}`,
		`{"id":"cmpl-2","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"go.mod\"}"}}]}}]}`,
	))

	s := NewOpenAICompletionService(client, "gpt-4o-mini", 0, nil)
	msg, err := s.Stream(context.Background(), userMessages("read go.mod"), nil)
	require.NoError(t, err)

	require.Len(t, msg.ToolCalls, 1)
	assert.Equal(t, models.ToolCall{ID: "call_9", Name: "read_file", Arguments: `{"path":"go.mod"}`}, msg.ToolCalls[0])
	assert.False(t, gjson.Get(body, "tools").Exists())
}

func TestOpenAICompletionStreamError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"bad key","type":"invalid_request_error"}}`))
	})

	s := NewOpenAICompletionService(client, "gpt-4o-mini", 0, nil)
	_, err := s.Stream(context.Background(), userMessages("hi"), nil)
	assert.Error(t, err)

	_, err = NewOpenAICompletionService(nil, "m", 0, nil).Stream(context.Background(), nil, nil)
	assert.Error(t, err)
}

func TestToOpenAIMessages(t *testing.T) {
	history := []models.Message{
		{Role: models.RoleSystem, Content: "sys"},
		{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{{ID: "a", Name: "execute_command", Arguments: "ls"}}},
		{Role: models.RoleTool, ToolCallID: "a", Content: "README.md"},
		{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{{ID: "b", Name: "execute_command", Arguments: "rm -rf /"}}},
		{Role: models.RoleUser, Content: "I declined"},
	}

	out := toOpenAIMessages(history)
	require.Len(t, out, 5)
	require.Len(t, out[1].ToolCalls, 1)
	assert.Equal(t, "a", out[1].ToolCalls[0].ID)
	assert.Equal(t, "a", out[2].ToolCallID)
	assert.Empty(t, out[3].ToolCalls)
	assert.True(t, strings.Contains(out[3].Content, "rm -rf /"))
}
