package chat

// State is a node of the interaction state machine
type State int

const (
	Idle State = iota
	PreparingPrompt
	Thinking
	RoutingToolCall
	ParsingParameters
	CheckingApproval
	AwaitingApproval
	ExecutingTool
)

var stateNames = [...]string{
	Idle:              "IDLE",
	PreparingPrompt:   "PREPARING_PROMPT",
	Thinking:          "THINKING",
	RoutingToolCall:   "ROUTING_TOOL_CALL",
	ParsingParameters: "PARSING_PARAMETERS",
	CheckingApproval:  "CHECKING_APPROVAL",
	AwaitingApproval:  "AWAITING_APPROVAL",
	ExecutingTool:     "EXECUTING_TOOL",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "UNKNOWN"
	}
	return stateNames[s]
}
