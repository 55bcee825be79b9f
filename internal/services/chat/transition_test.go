package chat

import (
	"errors"
	"testing"

	"github.com/deepgram/sigpull/internal/domain/chat/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type catalogEntry struct {
	strategy string
	primary  string
}

type fakeCatalog map[string]catalogEntry

func (c fakeCatalog) Strategy(tool string) string {
	if e, ok := c[tool]; ok {
		return e.strategy
	}
	return models.DirectParameters
}

func (c fakeCatalog) PrimaryParameter(tool string) string {
	return c[tool].primary
}

var testCatalog = fakeCatalog{
	"execute_command": {strategy: models.DirectParameters, primary: "command"},
	"read_file":       {strategy: models.AIParameterParsing},
}

func userMessages(texts ...string) []models.Message {
	out := make([]models.Message, 0, len(texts))
	for _, t := range texts {
		out = append(out, models.Message{Role: models.RoleUser, Content: t})
	}
	return out
}

// thinking returns a context as it looks while the model is streaming
func thinking(t *testing.T) TurnContext {
	t.Helper()
	state, tc, _ := Transition(Idle, TurnContext{MaxToolRounds: 10}, UserSubmits{Messages: userMessages("hi")}, testCatalog)
	require.Equal(t, PreparingPrompt, state)
	state, tc, _ = Transition(state, tc, PromptReady{Epoch: tc.Epoch, System: "sys"}, testCatalog)
	require.Equal(t, Thinking, state)
	return tc
}

func toolCallMessage(name, args string) models.Message {
	return models.Message{
		Role:      models.RoleAssistant,
		ToolCalls: []models.ToolCall{{ID: "call_a", Name: name, Arguments: args}},
	}
}

func finishOf(t *testing.T, effects []Effect) TurnResult {
	t.Helper()
	for _, e := range effects {
		if f, ok := e.(Finish); ok {
			return f.Result
		}
	}
	t.Fatalf("no Finish effect in %v", effects)
	return TurnResult{}
}

func TestUserSubmitsAlwaysPreparesPrompt(t *testing.T) {
	tests := []struct {
		name     string
		messages []models.Message
	}{
		{"empty history", nil},
		{"single message", userMessages("hello")},
		{"with system message", append([]models.Message{{Role: models.RoleSystem, Content: "be brief"}}, userMessages("hello")...)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state, tc, effects := Transition(Idle, TurnContext{}, UserSubmits{Messages: tt.messages}, testCatalog)
			assert.Equal(t, PreparingPrompt, state)
			assert.Equal(t, uint64(1), tc.Epoch)
			assert.Equal(t, tt.messages, tc.Messages)
			require.Len(t, effects, 1)
			assert.IsType(t, PreparePrompt{}, effects[0])
		})
	}
}

func TestPreparePromptCustomInstructions(t *testing.T) {
	messages := append([]models.Message{{Role: models.RoleSystem, Content: "be brief"}}, userMessages("hello")...)
	_, _, effects := Transition(Idle, TurnContext{}, UserSubmits{Messages: messages}, testCatalog)
	require.Len(t, effects, 1)
	assert.Equal(t, "be brief", effects[0].(PreparePrompt).Custom)
}

func TestUserSubmitsCommitsPrompt(t *testing.T) {
	tests := []struct {
		name     string
		messages []models.Message
		want     []models.Message
	}{
		{
			name:     "trailing user message",
			messages: userMessages("earlier", "now"),
			want:     []models.Message{{Role: models.RoleUser, Content: "now"}},
		},
		{
			name: "history ending in a reply",
			messages: append(userMessages("earlier"), models.Message{
				Role:    models.RoleAssistant,
				Content: "answer",
			}),
		},
		{name: "empty history"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, tc, _ := Transition(Idle, TurnContext{}, UserSubmits{Messages: tt.messages}, testCatalog)
			if tt.want == nil {
				assert.Empty(t, tc.Appended)
				return
			}
			assert.Equal(t, tt.want, tc.Appended)
		})
	}
}

func TestPromptFailureReturnsToIdleWithHistoryUntouched(t *testing.T) {
	messages := userMessages("one", "two")
	state, tc, _ := Transition(Idle, TurnContext{}, UserSubmits{Messages: messages}, testCatalog)

	state, tc, effects := Transition(state, tc, PromptReady{Epoch: tc.Epoch, Err: errors.New("preset unavailable")}, testCatalog)
	assert.Equal(t, Idle, state)
	require.Error(t, tc.LastErr)

	result := finishOf(t, effects)
	assert.Equal(t, messages, result.Messages)
	assert.Empty(t, result.Appended)
	assert.ErrorContains(t, result.Err, "preset unavailable")
}

func TestPromptReadySetsSystemMessage(t *testing.T) {
	t.Run("prepends", func(t *testing.T) {
		state, tc, _ := Transition(Idle, TurnContext{}, UserSubmits{Messages: userMessages("hi")}, testCatalog)
		state, tc, effects := Transition(state, tc, PromptReady{Epoch: tc.Epoch, System: "core"}, testCatalog)
		assert.Equal(t, Thinking, state)
		require.Len(t, tc.Messages, 2)
		assert.Equal(t, models.RoleSystem, tc.Messages[0].Role)
		assert.Equal(t, "core", tc.Messages[0].Content)
		require.Len(t, effects, 1)
		assert.Len(t, effects[0].(Stream).Messages, 2)
	})

	t.Run("replaces", func(t *testing.T) {
		messages := append([]models.Message{{ID: "s", Role: models.RoleSystem, Content: "custom"}}, userMessages("hi")...)
		state, tc, _ := Transition(Idle, TurnContext{}, UserSubmits{Messages: messages}, testCatalog)
		_, tc, _ = Transition(state, tc, PromptReady{Epoch: tc.Epoch, System: "wrapped"}, testCatalog)
		require.Len(t, tc.Messages, 2)
		assert.Equal(t, "wrapped", tc.Messages[0].Content)
		assert.Equal(t, "s", tc.Messages[0].ID)
		assert.Equal(t, "custom", messages[0].Content, "caller slice is not mutated")
	})
}

func TestTextCompletionEndsTurn(t *testing.T) {
	tc := thinking(t)
	state, tc, effects := Transition(Thinking, tc, StreamDone{Epoch: tc.Epoch, Message: models.Message{Content: "hello back"}}, testCatalog)
	assert.Equal(t, Idle, state)

	result := finishOf(t, effects)
	require.NoError(t, result.Err)
	require.Len(t, result.Appended, 2)
	assert.Equal(t, models.RoleUser, result.Appended[0].Role)
	assert.Equal(t, "hi", result.Appended[0].Content)
	assert.Equal(t, models.RoleAssistant, result.Appended[1].Role)
	assert.Equal(t, "hello back", result.Appended[1].Content)
	assert.Empty(t, tc.Messages, "turn context is reset")
}

func TestStreamErrorAppendsErrorMessage(t *testing.T) {
	tc := thinking(t)
	state, _, effects := Transition(Thinking, tc, StreamDone{Epoch: tc.Epoch, Err: errors.New("connection reset")}, testCatalog)
	assert.Equal(t, Idle, state)

	result := finishOf(t, effects)
	require.Len(t, result.Appended, 2)
	assert.True(t, result.Appended[1].IsError)
	assert.Contains(t, result.Appended[1].Content, "connection reset")
	assert.Error(t, result.Err)
}

func TestDirectToolCallSkipsParsing(t *testing.T) {
	tc := thinking(t)
	state, tc, effects := Transition(Thinking, tc, StreamDone{Epoch: tc.Epoch, Message: toolCallMessage("execute_command", "ls -la")}, testCatalog)

	assert.Equal(t, CheckingApproval, state)
	assert.Equal(t, []models.Parameter{{Name: "command", Value: "ls -la"}}, tc.Parameters)
	require.Len(t, effects, 1)
	assert.Equal(t, CheckApproval{Epoch: tc.Epoch, ToolName: "execute_command"}, effects[0])

	last := tc.Messages[len(tc.Messages)-1]
	assert.True(t, last.HasToolCalls())
}

func TestAIToolCallParsesParameters(t *testing.T) {
	tc := thinking(t)
	state, tc, effects := Transition(Thinking, tc, StreamDone{Epoch: tc.Epoch, Message: toolCallMessage("read_file", "show me main.go")}, testCatalog)

	assert.Equal(t, ParsingParameters, state)
	require.Len(t, effects, 1)
	parse := effects[0].(ParseParameters)
	assert.Equal(t, "show me main.go", parse.Request.UserDescription)
	assert.Equal(t, models.AIParameterParsing, parse.Request.ParameterParsingStrategy)

	t.Run("success checks approval", func(t *testing.T) {
		params := []models.Parameter{{Name: "path", Value: "main.go"}}
		state, next, effects := Transition(state, tc, ParametersParsed{Epoch: tc.Epoch, Parameters: params}, testCatalog)
		assert.Equal(t, CheckingApproval, state)
		assert.Equal(t, params, next.Parameters)
		assert.IsType(t, CheckApproval{}, effects[0])
	})

	t.Run("failure returns to thinking", func(t *testing.T) {
		state, next, effects := Transition(state, tc, ParametersParsed{Epoch: tc.Epoch, Err: errors.New("no path")}, testCatalog)
		assert.Equal(t, Thinking, state)
		last := next.Messages[len(next.Messages)-1]
		assert.Equal(t, models.RoleTool, last.Role)
		assert.True(t, last.IsError)
		assert.Equal(t, "call_a", last.ToolCallID)
		assert.IsType(t, Stream{}, effects[0])
	})
}

func TestOnlyFirstToolCallIsKept(t *testing.T) {
	tc := thinking(t)
	msg := models.Message{ToolCalls: []models.ToolCall{
		{ID: "a", Name: "execute_command", Arguments: "pwd"},
		{ID: "b", Name: "execute_command", Arguments: "ls"},
	}}
	_, tc, _ = Transition(Thinking, tc, StreamDone{Epoch: tc.Epoch, Message: msg}, testCatalog)
	last := tc.Messages[len(tc.Messages)-1]
	require.Len(t, last.ToolCalls, 1)
	assert.Equal(t, "a", tc.Request.ToolCallID)
}

func approvalPending(t *testing.T) TurnContext {
	t.Helper()
	tc := thinking(t)
	state, tc, _ := Transition(Thinking, tc, StreamDone{Epoch: tc.Epoch, Message: toolCallMessage("execute_command", "rm -rf build")}, testCatalog)
	state, tc, effects := Transition(state, tc, ApprovalChecked{Epoch: tc.Epoch, Required: true}, testCatalog)
	require.Equal(t, AwaitingApproval, state)
	require.Len(t, effects, 1)
	assert.Equal(t, "execute_command", effects[0].(AwaitApproval).Request.ToolName)
	return tc
}

func TestApprovalFlow(t *testing.T) {
	t.Run("not required executes", func(t *testing.T) {
		tc := thinking(t)
		state, tc, _ := Transition(Thinking, tc, StreamDone{Epoch: tc.Epoch, Message: toolCallMessage("execute_command", "pwd")}, testCatalog)
		state, _, effects := Transition(state, tc, ApprovalChecked{Epoch: tc.Epoch}, testCatalog)
		assert.Equal(t, ExecutingTool, state)
		assert.Equal(t, []models.Parameter{{Name: "command", Value: "pwd"}}, effects[0].(ExecuteTool).Parameters)
	})

	t.Run("approves", func(t *testing.T) {
		tc := approvalPending(t)
		state, _, effects := Transition(AwaitingApproval, tc, UserApproves{}, testCatalog)
		assert.Equal(t, ExecutingTool, state)
		assert.IsType(t, ExecuteTool{}, effects[0])
	})

	t.Run("rejects continues thinking", func(t *testing.T) {
		tc := approvalPending(t)
		before := len(tc.Messages)
		state, next, effects := Transition(AwaitingApproval, tc, UserRejects{}, testCatalog)
		assert.Equal(t, Thinking, state)
		require.Len(t, next.Messages, before+1)

		call := next.Messages[before-1]
		assert.True(t, call.HasToolCalls(), "tool-call message stays in history")
		note := next.Messages[before]
		assert.Equal(t, models.RoleUser, note.Role)
		assert.Contains(t, note.Content, "declined")
		for _, m := range next.Messages {
			assert.NotEqual(t, models.RoleTool, m.Role, "rejected call is never executed")
		}
		assert.IsType(t, Stream{}, effects[0])
	})

	t.Run("check error ends turn", func(t *testing.T) {
		tc := thinking(t)
		state, tc, _ := Transition(Thinking, tc, StreamDone{Epoch: tc.Epoch, Message: toolCallMessage("execute_command", "pwd")}, testCatalog)
		state, _, effects := Transition(state, tc, ApprovalChecked{Epoch: tc.Epoch, Err: errors.New("oracle down")}, testCatalog)
		assert.Equal(t, Idle, state)
		assert.ErrorContains(t, finishOf(t, effects).Err, "oracle down")
	})
}

func TestToolExecution(t *testing.T) {
	tests := []struct {
		name    string
		event   ToolExecuted
		content string
		isError bool
	}{
		{"success", ToolExecuted{Result: "README.md\n"}, "README.md\n", false},
		{"failure", ToolExecuted{Err: errors.New("exit status 1")}, "Error: exit status 1", true},
		{
			"failure with output",
			ToolExecuted{Err: errors.New("command failed: exit status 3"), Result: "partial\n"},
			"Error: command failed: exit status 3\npartial\n",
			true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tc := thinking(t)
			state, tc, _ := Transition(Thinking, tc, StreamDone{Epoch: tc.Epoch, Message: toolCallMessage("execute_command", "ls")}, testCatalog)
			state, tc, _ = Transition(state, tc, ApprovalChecked{Epoch: tc.Epoch}, testCatalog)
			require.Equal(t, ExecutingTool, state)

			ev := tt.event
			ev.Epoch = tc.Epoch
			state, next, effects := Transition(state, tc, ev, testCatalog)
			assert.Equal(t, Thinking, state)

			last := next.Messages[len(next.Messages)-1]
			assert.Equal(t, models.RoleTool, last.Role)
			assert.Equal(t, "call_a", last.ToolCallID)
			assert.Equal(t, tt.content, last.Content)
			assert.Equal(t, tt.isError, last.IsError)
			assert.Equal(t, 1, next.ToolRounds)
			assert.IsType(t, Stream{}, effects[0])
		})
	}
}

func TestCancel(t *testing.T) {
	t.Run("aborts thinking", func(t *testing.T) {
		tc := thinking(t)
		epoch := tc.Epoch
		state, next, effects := Transition(Thinking, tc, Cancel{}, testCatalog)

		assert.Equal(t, Idle, state)
		require.Len(t, effects, 2)
		assert.Equal(t, CancelStream{Epoch: epoch}, effects[0])
		result := finishOf(t, effects)
		assert.ErrorIs(t, result.Err, ErrTurnCanceled)
		assert.Empty(t, result.Appended)
		assert.Empty(t, next.Messages)

		// The aborted stream's completion arrives late
		state, after, effects := Transition(state, next, StreamDone{Epoch: epoch, Message: models.Message{Content: "late"}}, testCatalog)
		assert.Equal(t, Idle, state)
		assert.Equal(t, next, after)
		assert.Empty(t, effects)
	})

	t.Run("ignored outside thinking", func(t *testing.T) {
		for _, state := range []State{Idle, PreparingPrompt, AwaitingApproval, ExecutingTool} {
			got, _, effects := Transition(state, TurnContext{Epoch: 3}, Cancel{}, testCatalog)
			assert.Equal(t, state, got)
			assert.Empty(t, effects)
		}
	})
}

func TestStaleCompletionIgnored(t *testing.T) {
	tc := thinking(t)
	state, next, effects := Transition(Thinking, tc, StreamDone{Epoch: tc.Epoch - 1, Message: models.Message{Content: "old"}}, testCatalog)
	assert.Equal(t, Thinking, state)
	assert.Equal(t, tc, next)
	assert.Empty(t, effects)
}

func TestMaxToolRounds(t *testing.T) {
	state, tc, _ := Transition(Idle, TurnContext{MaxToolRounds: 2}, UserSubmits{Messages: userMessages("loop")}, testCatalog)
	state, tc, _ = Transition(state, tc, PromptReady{Epoch: tc.Epoch, System: "sys"}, testCatalog)

	var effects []Effect
	for round := 1; round <= 2; round++ {
		state, tc, _ = Transition(state, tc, StreamDone{Epoch: tc.Epoch, Message: toolCallMessage("execute_command", "date")}, testCatalog)
		state, tc, _ = Transition(state, tc, ApprovalChecked{Epoch: tc.Epoch}, testCatalog)
		state, tc, effects = Transition(state, tc, ToolExecuted{Epoch: tc.Epoch, Result: "ok"}, testCatalog)
	}

	assert.Equal(t, Idle, state)
	result := finishOf(t, effects)
	assert.ErrorIs(t, result.Err, ErrToolRoundsExceeded)
	assert.Len(t, result.Appended, 5)
}

func TestInvokeTool(t *testing.T) {
	req := models.ToolCallRequest{ToolName: "execute_command", UserDescription: "git status"}
	state, tc, effects := Transition(Idle, TurnContext{}, InvokeTool{Request: req, Messages: userMessages("check")}, testCatalog)

	assert.Equal(t, CheckingApproval, state)
	assert.Equal(t, []models.Parameter{{Name: "command", Value: "git status"}}, tc.Parameters)
	assert.Equal(t, "call_1", tc.Request.ToolCallID)
	assert.Equal(t, models.DirectParameters, tc.Request.ParameterParsingStrategy)
	require.Len(t, tc.Messages, 2)
	assert.Equal(t, "call_1", tc.Messages[1].ToolCalls[0].ID)
	assert.IsType(t, CheckApproval{}, effects[0])

	t.Run("explicit strategy wins", func(t *testing.T) {
		req := models.ToolCallRequest{ToolName: "execute_command", UserDescription: "list files", ParameterParsingStrategy: models.AIParameterParsing}
		state, _, _ := Transition(Idle, TurnContext{}, InvokeTool{Request: req}, testCatalog)
		assert.Equal(t, ParsingParameters, state)
	})
}

func TestIdleIgnoresOtherEvents(t *testing.T) {
	for _, ev := range []Event{UserApproves{}, UserRejects{}, ToolExecuted{}} {
		state, _, effects := Transition(Idle, TurnContext{}, ev, testCatalog)
		assert.Equal(t, Idle, state, ev.Name())
		assert.Empty(t, effects)
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "AWAITING_APPROVAL", AwaitingApproval.String())
	assert.Equal(t, "UNKNOWN", State(42).String())
}
