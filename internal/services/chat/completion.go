package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/deepgram/sigpull/internal/domain/chat/models"
	"github.com/deepgram/sigpull/pkg/logger"
	"github.com/rs/zerolog"
	"github.com/sashabaranov/go-openai"
)

// FragmentSink receives streamed text as it arrives
type FragmentSink interface {
	OnFragment(delta string)
}

// FragmentSinkFunc adapts a function to FragmentSink
type FragmentSinkFunc func(delta string)

func (f FragmentSinkFunc) OnFragment(delta string) { f(delta) }

// ToolSource lists the tools offered to the model
type ToolSource interface {
	GetTools() []openai.Tool
}

// OpenAICompletionService streams chat completions and gathers any tool call
type OpenAICompletionService struct {
	client      *openai.Client
	model       string
	temperature float32
	tools       ToolSource
	log         zerolog.Logger
}

func NewOpenAICompletionService(client *openai.Client, model string, temperature float32, tools ToolSource) *OpenAICompletionService {
	return &OpenAICompletionService{
		client:      client,
		model:       model,
		temperature: temperature,
		tools:       tools,
		log:         logger.With(logger.CHAT),
	}
}

// Stream runs one completion. Cancelling ctx aborts the request.
func (s *OpenAICompletionService) Stream(ctx context.Context, messages []models.Message, sink FragmentSink) (models.Message, error) {
	if s.client == nil {
		return models.Message{}, fmt.Errorf("OpenAI service not configured")
	}

	req := openai.ChatCompletionRequest{
		Model:       s.model,
		Messages:    toOpenAIMessages(messages),
		Temperature: s.temperature,
		Stream:      true,
	}
	if s.tools != nil {
		if tools := s.tools.GetTools(); len(tools) > 0 {
			req.Tools = tools
			req.ParallelToolCalls = false
		}
	}

	s.log.Debug().Int("messages", len(req.Messages)).Str("model", s.model).Msg("Starting completion stream")

	stream, err := s.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return models.Message{}, fmt.Errorf("failed to start completion stream: %w", err)
	}
	defer stream.Close()

	var content strings.Builder
	calls := map[int]*models.ToolCall{}
	var id string

	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return models.Message{}, fmt.Errorf("completion stream failed: %w", err)
		}
		if id == "" {
			id = resp.ID
		}
		if len(resp.Choices) == 0 {
			continue
		}

		delta := resp.Choices[0].Delta
		if delta.Content != "" {
			content.WriteString(delta.Content)
			if sink != nil {
				sink.OnFragment(delta.Content)
			}
		}
		for _, tc := range delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			call, ok := calls[idx]
			if !ok {
				call = &models.ToolCall{}
				calls[idx] = call
			}
			if tc.ID != "" {
				call.ID = tc.ID
			}
			call.Name += tc.Function.Name
			call.Arguments += tc.Function.Arguments
		}
	}

	msg := models.Message{
		ID:        id,
		Role:      models.RoleAssistant,
		Content:   content.String(),
		CreatedAt: time.Now(),
	}

	indexes := make([]int, 0, len(calls))
	for idx := range calls {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)
	for _, idx := range indexes {
		msg.ToolCalls = append(msg.ToolCalls, *calls[idx])
	}

	return msg, nil
}

// toOpenAIMessages converts history for the API. Tool calls that never got
// a result (a declined call) are rendered as plain text so the request stays
// well formed.
func toOpenAIMessages(messages []models.Message) []openai.ChatCompletionMessage {
	answered := map[string]bool{}
	for _, m := range messages {
		if m.Role == models.RoleTool && m.ToolCallID != "" {
			answered[m.ToolCallID] = true
		}
	}

	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		msg := openai.ChatCompletionMessage{
			Role:       string(m.Role),
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}

		if m.HasToolCalls() {
			complete := true
			for _, call := range m.ToolCalls {
				complete = complete && answered[call.ID]
			}
			if complete {
				for _, call := range m.ToolCalls {
					msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
						ID:   call.ID,
						Type: openai.ToolTypeFunction,
						Function: openai.FunctionCall{
							Name:      call.Name,
							Arguments: call.Arguments,
						},
					})
				}
			} else {
				var b strings.Builder
				b.WriteString(m.Content)
				for _, call := range m.ToolCalls {
					if b.Len() > 0 {
						b.WriteString("\n")
					}
					fmt.Fprintf(&b, "Requested tool %s with %s", call.Name, call.Arguments)
				}
				msg.Content = b.String()
			}
		}

		out = append(out, msg)
	}
	return out
}
