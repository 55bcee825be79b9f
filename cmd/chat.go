package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/deepgram/sigpull/internal/domain/chat/models"
	"github.com/deepgram/sigpull/internal/services/chat"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var toolName string

var chatCmd = &cobra.Command{
	Use:   "chat [prompt]",
	Short: "Run one interaction turn against the configured model",
	Long: `Run one interaction turn. The prompt is appended to the context's stored
history and sent to the model. Tool calls that need approval are confirmed
on stdin. With --tool the prompt is handed straight to that tool instead.

The first Ctrl-C cancels a streaming reply; the second exits.`,
	Args: cobra.ExactArgs(1),
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringVar(&contextID, "context", "", "context id the turn belongs to")
	chatCmd.Flags().StringVar(&toolName, "tool", "", "invoke this tool directly with the prompt as its description")
	_ = chatCmd.MarkFlagRequired("context")
}

func runChat(cmd *cobra.Command, args []string) error {
	_, svcs, err := initServices()
	if err != nil {
		return err
	}
	defer svcs.Close()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	out := cmd.OutOrStdout()
	approver := newStdinApprover(cmd.InOrStdin(), out)
	sink := chat.FragmentSinkFunc(func(fragment string) {
		fmt.Fprint(out, fragment)
	})

	machine, err := svcs.NewMachine(contextID, sink, approver)
	if err != nil {
		return err
	}
	approver.bind(machine)

	go func() {
		if err := machine.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("Interaction engine stopped")
		}
	}()
	go interruptTurn(ctx, machine, cancel)

	history, err := svcs.GetStoreService().Hydrate(ctx, contextID)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to load stored history")
	}
	history = finalized(history)

	var ev chat.Event
	if toolName != "" {
		ev = chat.InvokeTool{
			Request:  models.ToolCallRequest{ToolName: toolName, UserDescription: args[0]},
			Messages: history,
		}
	} else {
		ev = chat.UserSubmits{Messages: append(history, userMessage(contextID, args[0]))}
	}

	result, err := machine.Turn(ctx, ev)
	if err != nil {
		return err
	}
	fmt.Fprintln(out)

	if result.Err != nil {
		return fmt.Errorf("turn ended: %w", result.Err)
	}
	log.Debug().Int("appended", len(result.Appended)).Msg("Turn finished")
	return nil
}

// interruptTurn cancels a streaming reply on the first interrupt and exits on
// the second.
func interruptTurn(ctx context.Context, machine *chat.Machine, cancel context.CancelFunc) {
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	interrupted := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-sigs:
			if interrupted || machine.State() != chat.Thinking {
				cancel()
				return
			}
			interrupted = true
			_ = machine.Send(chat.Cancel{})
		}
	}
}

func finalized(messages []models.Message) []models.Message {
	out := messages[:0]
	for _, msg := range messages {
		if msg.Phase != models.PhaseStreaming {
			out = append(out, msg)
		}
	}
	return out
}

func userMessage(contextID, content string) models.Message {
	return models.Message{
		ID:        "msg_" + uuid.NewString(),
		ContextID: contextID,
		Role:      models.RoleUser,
		Content:   content,
		Phase:     models.PhaseFinalized,
		CreatedAt: time.Now().UTC(),
	}
}

// stdinApprover asks on the terminal before a tool runs
type stdinApprover struct {
	in  *bufio.Reader
	out io.Writer

	mu      sync.Mutex
	machine *chat.Machine
}

func newStdinApprover(in io.Reader, out io.Writer) *stdinApprover {
	return &stdinApprover{in: bufio.NewReader(in), out: out}
}

func (a *stdinApprover) bind(m *chat.Machine) {
	a.mu.Lock()
	a.machine = m
	a.mu.Unlock()
}

func (a *stdinApprover) OnTransition(t chat.StateTransition) {
	if t.Changed {
		log.Debug().Str("from", t.From.String()).Str("to", t.To.String()).Str("event", t.Event).Msg("Transition")
	}
}

func (a *stdinApprover) OnApprovalRequired(req models.ToolCallRequest, params []models.Parameter) {
	fmt.Fprintf(a.out, "\nRun %s?\n", req.ToolName)
	for _, p := range params {
		fmt.Fprintf(a.out, "  %s: %s\n", p.Name, p.Value)
	}
	fmt.Fprint(a.out, "[y/N] ")

	line, _ := a.in.ReadString('\n')

	a.mu.Lock()
	m := a.machine
	a.mu.Unlock()
	if m == nil {
		return
	}

	var ev chat.Event = chat.UserRejects{}
	if approved(line) {
		ev = chat.UserApproves{}
	}
	if err := m.Send(ev); err != nil {
		log.Warn().Err(err).Msg("Failed to deliver approval answer")
	}
}

func (a *stdinApprover) OnTurnFinished(result chat.TurnResult) {
	for _, msg := range result.Appended {
		if msg.Role == models.RoleTool {
			fmt.Fprintf(a.out, "\n[%s result]\n%s\n", msg.ToolCallID, msg.Content)
		}
	}
}

func approved(answer string) bool {
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return true
	default:
		return false
	}
}
