package chat

import (
	"errors"

	"github.com/deepgram/sigpull/internal/domain/chat/models"
)

var (
	// ErrTurnCanceled ends a turn aborted while streaming
	ErrTurnCanceled = errors.New("turn canceled")
	// ErrToolRoundsExceeded ends a turn that kept calling tools
	ErrToolRoundsExceeded = errors.New("tool rounds exceeded")
)

// Event drives the state machine
type Event interface {
	Name() string
}

// External events

type UserSubmits struct {
	Messages []models.Message
}

type InvokeTool struct {
	Request  models.ToolCallRequest
	Messages []models.Message
}

type UserApproves struct{}

type UserRejects struct{}

type Cancel struct{}

func (UserSubmits) Name() string  { return "USER_SUBMITS" }
func (InvokeTool) Name() string   { return "INVOKE_TOOL" }
func (UserApproves) Name() string { return "USER_APPROVES" }
func (UserRejects) Name() string  { return "USER_REJECTS" }
func (Cancel) Name() string       { return "CANCEL" }

// Completion events report effect results. Epoch ties each one to the turn
// that started the effect.

type PromptReady struct {
	Epoch  uint64
	System string
	Err    error
}

type StreamDone struct {
	Epoch   uint64
	Message models.Message
	Err     error
}

type ParametersParsed struct {
	Epoch      uint64
	Parameters []models.Parameter
	Err        error
}

type ApprovalChecked struct {
	Epoch    uint64
	Required bool
	Err      error
}

type ToolExecuted struct {
	Epoch  uint64
	Result string
	Err    error
}

func (PromptReady) Name() string      { return "PROMPT_READY" }
func (StreamDone) Name() string       { return "STREAM_DONE" }
func (ParametersParsed) Name() string { return "PARAMETERS_PARSED" }
func (ApprovalChecked) Name() string  { return "APPROVAL_CHECKED" }
func (ToolExecuted) Name() string     { return "TOOL_EXECUTED" }

// Effect is work the runner performs after a transition
type Effect interface {
	effect()
}

type PreparePrompt struct {
	Epoch uint64
	// Custom holds caller-supplied system instructions, if any
	Custom string
}

type Stream struct {
	Epoch    uint64
	Messages []models.Message
}

type CancelStream struct {
	Epoch uint64
}

type ParseParameters struct {
	Epoch   uint64
	Request models.ToolCallRequest
}

type CheckApproval struct {
	Epoch    uint64
	ToolName string
}

// AwaitApproval asks the approval source for a decision
type AwaitApproval struct {
	Request    models.ToolCallRequest
	Parameters []models.Parameter
}

type ExecuteTool struct {
	Epoch      uint64
	Request    models.ToolCallRequest
	Parameters []models.Parameter
}

type Finish struct {
	Result TurnResult
}

func (PreparePrompt) effect()   {}
func (Stream) effect()          {}
func (CancelStream) effect()    {}
func (ParseParameters) effect() {}
func (CheckApproval) effect()   {}
func (AwaitApproval) effect()   {}
func (ExecuteTool) effect()     {}
func (Finish) effect()          {}

// TurnResult is what a finished turn leaves behind
type TurnResult struct {
	// Messages is the full history at the end of the turn
	Messages []models.Message
	// Appended holds only the messages this turn produced
	Appended []models.Message
	Err      error
}
