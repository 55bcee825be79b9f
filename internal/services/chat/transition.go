package chat

import (
	"fmt"

	"github.com/deepgram/sigpull/internal/domain/chat/models"
)

// Catalog answers routing questions about tools
type Catalog interface {
	Strategy(tool string) string
	PrimaryParameter(tool string) string
}

// TurnContext is the state carried through one turn
type TurnContext struct {
	// Epoch increments whenever a turn starts or ends
	Epoch         uint64
	MaxToolRounds int

	Messages   []models.Message
	Appended   []models.Message
	Request    *models.ToolCallRequest
	Parameters []models.Parameter
	ToolRounds int

	// LastErr survives the reset at the end of a turn
	LastErr error
}

// Transition computes the next state without side effects. Completion events
// from another epoch and events the state does not accept leave everything
// unchanged.
func Transition(state State, tc TurnContext, ev Event, catalog Catalog) (State, TurnContext, []Effect) {
	if stale(tc, ev) {
		return state, tc, nil
	}

	switch state {
	case Idle:
		switch e := ev.(type) {
		case UserSubmits:
			tc = begin(tc)
			tc.Messages = cloneMessages(e.Messages)
			// the trailing user message is the new prompt and is committed with the turn
			if n := len(tc.Messages); n > 0 && tc.Messages[n-1].Role == models.RoleUser {
				tc.Appended = []models.Message{tc.Messages[n-1]}
			}
			return PreparingPrompt, tc, []Effect{PreparePrompt{Epoch: tc.Epoch, Custom: customInstructions(tc.Messages)}}
		case InvokeTool:
			tc = begin(tc)
			tc.Messages = cloneMessages(e.Messages)
			req := e.Request
			if req.ToolCallID == "" {
				req.ToolCallID = fmt.Sprintf("call_%d", tc.Epoch)
			}
			if req.ParameterParsingStrategy == "" {
				req.ParameterParsingStrategy = catalog.Strategy(req.ToolName)
			}
			tc = appendMessage(tc, models.Message{
				Role:      models.RoleAssistant,
				ToolCalls: []models.ToolCall{{ID: req.ToolCallID, Name: req.ToolName, Arguments: req.UserDescription}},
			})
			tc.Request = &req
			return route(tc, catalog)
		}

	case PreparingPrompt:
		if e, ok := ev.(PromptReady); ok {
			if e.Err != nil {
				tc.Appended = nil
				return finish(tc, fmt.Errorf("failed to prepare prompt: %w", e.Err))
			}
			tc.Messages = withSystem(tc.Messages, e.System)
			return Thinking, tc, []Effect{Stream{Epoch: tc.Epoch, Messages: cloneMessages(tc.Messages)}}
		}

	case Thinking:
		switch e := ev.(type) {
		case Cancel:
			next, cleared, effects := finish(TurnContext{Epoch: tc.Epoch, MaxToolRounds: tc.MaxToolRounds}, ErrTurnCanceled)
			return next, cleared, append([]Effect{CancelStream{Epoch: tc.Epoch}}, effects...)
		case StreamDone:
			if e.Err != nil {
				tc = appendMessage(tc, models.Message{
					Role:    models.RoleAssistant,
					Content: fmt.Sprintf("Error: %v", e.Err),
					IsError: true,
				})
				return finish(tc, fmt.Errorf("failed to stream completion: %w", e.Err))
			}

			msg := e.Message
			msg.Role = models.RoleAssistant
			if !msg.HasToolCalls() {
				tc = appendMessage(tc, msg)
				return finish(tc, nil)
			}

			// One tool call per round
			call := msg.ToolCalls[0]
			msg.ToolCalls = []models.ToolCall{call}
			tc = appendMessage(tc, msg)
			tc.Request = &models.ToolCallRequest{
				ToolName:                 call.Name,
				UserDescription:          call.Arguments,
				ParameterParsingStrategy: catalog.Strategy(call.Name),
				ToolCallID:               call.ID,
			}
			return route(tc, catalog)
		}

	case ParsingParameters:
		if e, ok := ev.(ParametersParsed); ok {
			if e.Err != nil {
				tc = appendMessage(tc, toolResult(tc.Request, fmt.Sprintf("Failed to parse parameters for %s: %v", tc.Request.ToolName, e.Err), true))
				return resume(tc)
			}
			tc.Parameters = e.Parameters
			return CheckingApproval, tc, []Effect{CheckApproval{Epoch: tc.Epoch, ToolName: tc.Request.ToolName}}
		}

	case CheckingApproval:
		if e, ok := ev.(ApprovalChecked); ok {
			if e.Err != nil {
				return finish(tc, fmt.Errorf("failed to check approval: %w", e.Err))
			}
			if e.Required {
				return AwaitingApproval, tc, []Effect{AwaitApproval{Request: *tc.Request, Parameters: tc.Parameters}}
			}
			return ExecutingTool, tc, []Effect{execute(tc)}
		}

	case AwaitingApproval:
		switch ev.(type) {
		case UserApproves:
			return ExecutingTool, tc, []Effect{execute(tc)}
		case UserRejects:
			tc = appendMessage(tc, models.Message{
				Role:    models.RoleUser,
				Content: fmt.Sprintf("I declined the %s tool call. Do not run it; continue without it.", tc.Request.ToolName),
			})
			return resume(tc)
		}

	case ExecutingTool:
		if e, ok := ev.(ToolExecuted); ok {
			if e.Err != nil {
				content := fmt.Sprintf("Error: %v", e.Err)
				if e.Result != "" {
					content = fmt.Sprintf("Error: %v\n%s", e.Err, e.Result)
				}
				tc = appendMessage(tc, toolResult(tc.Request, content, true))
			} else {
				tc = appendMessage(tc, toolResult(tc.Request, e.Result, false))
			}
			return resume(tc)
		}
	}

	return state, tc, nil
}

// route is the eventless ROUTING_TOOL_CALL step
func route(tc TurnContext, catalog Catalog) (State, TurnContext, []Effect) {
	req := *tc.Request
	if requiresParsing(req) {
		return ParsingParameters, tc, []Effect{ParseParameters{Epoch: tc.Epoch, Request: req}}
	}
	tc.Parameters = DirectParameters(req.UserDescription, catalog.PrimaryParameter(req.ToolName))
	return CheckingApproval, tc, []Effect{CheckApproval{Epoch: tc.Epoch, ToolName: req.ToolName}}
}

func requiresParsing(req models.ToolCallRequest) bool {
	return req.ParameterParsingStrategy == models.AIParameterParsing
}

// resume returns to THINKING after a tool round, unless the turn has used up
// its rounds
func resume(tc TurnContext) (State, TurnContext, []Effect) {
	tc.ToolRounds++
	tc.Request = nil
	tc.Parameters = nil
	if tc.MaxToolRounds > 0 && tc.ToolRounds >= tc.MaxToolRounds {
		return finish(tc, fmt.Errorf("%w: %d", ErrToolRoundsExceeded, tc.ToolRounds))
	}
	return Thinking, tc, []Effect{Stream{Epoch: tc.Epoch, Messages: cloneMessages(tc.Messages)}}
}

func finish(tc TurnContext, err error) (State, TurnContext, []Effect) {
	result := TurnResult{
		Messages: tc.Messages,
		Appended: tc.Appended,
		Err:      err,
	}
	next := TurnContext{
		Epoch:         tc.Epoch + 1,
		MaxToolRounds: tc.MaxToolRounds,
		LastErr:       err,
	}
	return Idle, next, []Effect{Finish{Result: result}}
}

func begin(tc TurnContext) TurnContext {
	return TurnContext{
		Epoch:         tc.Epoch + 1,
		MaxToolRounds: tc.MaxToolRounds,
	}
}

func execute(tc TurnContext) Effect {
	return ExecuteTool{Epoch: tc.Epoch, Request: *tc.Request, Parameters: tc.Parameters}
}

func stale(tc TurnContext, ev Event) bool {
	switch e := ev.(type) {
	case PromptReady:
		return e.Epoch != tc.Epoch
	case StreamDone:
		return e.Epoch != tc.Epoch
	case ParametersParsed:
		return e.Epoch != tc.Epoch
	case ApprovalChecked:
		return e.Epoch != tc.Epoch
	case ToolExecuted:
		return e.Epoch != tc.Epoch
	}
	return false
}

func toolResult(req *models.ToolCallRequest, content string, isError bool) models.Message {
	return models.Message{
		Role:       models.RoleTool,
		Content:    content,
		ToolCallID: req.ToolCallID,
		IsError:    isError,
	}
}

// appendMessage copies before appending so earlier contexts stay intact
func appendMessage(tc TurnContext, msg models.Message) TurnContext {
	tc.Messages = append(cloneMessages(tc.Messages), msg)
	tc.Appended = append(cloneMessages(tc.Appended), msg)
	return tc
}

// withSystem replaces a leading system message or prepends one
func withSystem(messages []models.Message, system string) []models.Message {
	sys := models.Message{Role: models.RoleSystem, Content: system}
	if len(messages) > 0 && messages[0].Role == models.RoleSystem {
		out := cloneMessages(messages)
		sys.ID = out[0].ID
		out[0] = sys
		return out
	}
	return append([]models.Message{sys}, messages...)
}

func customInstructions(messages []models.Message) string {
	if len(messages) > 0 && messages[0].Role == models.RoleSystem {
		return models.CustomInstructions(messages[0].Content)
	}
	return ""
}

func cloneMessages(messages []models.Message) []models.Message {
	if messages == nil {
		return nil
	}
	out := make([]models.Message, len(messages))
	copy(out, messages)
	return out
}
