package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/deepgram/sigpull/internal/domain/chat/models"
	"github.com/deepgram/sigpull/pkg/logger"
	"github.com/rs/zerolog"
)

// historySize bounds the transition log
const historySize = 50

var (
	ErrMachineStopped = errors.New("interaction machine stopped")
	// ErrTurnInProgress rejects a Turn while another turn is running
	ErrTurnInProgress = errors.New("a turn is already in progress")
)

type PromptResolver interface {
	Resolve(ctx context.Context, custom string) (string, error)
}

type CompletionService interface {
	Stream(ctx context.Context, messages []models.Message, sink FragmentSink) (models.Message, error)
}

type ParameterResolver interface {
	Resolve(ctx context.Context, req models.ToolCallRequest) ([]models.Parameter, error)
}

type ApprovalOracle interface {
	RequiresApproval(ctx context.Context, tool string) (bool, error)
}

type ToolExecutor interface {
	Execute(ctx context.Context, tool string, params []models.Parameter) (string, error)
}

// TurnStore persists the messages a turn produced
type TurnStore interface {
	Append(ctx context.Context, contextID string, msg models.Message) (models.Message, error)
}

// Observer follows the machine. Callbacks run on the machine goroutine, except
// OnApprovalRequired which runs on its own goroutine and may block.
type Observer interface {
	OnTransition(t StateTransition)
	OnApprovalRequired(req models.ToolCallRequest, params []models.Parameter)
	OnTurnFinished(result TurnResult)
}

// StateTransition records one handled event
type StateTransition struct {
	From    State
	To      State
	Event   string
	Changed bool
	At      time.Time
}

// Collaborators are the machine's injected services. Sink, Store and
// Observer may be nil.
type Collaborators struct {
	Prompts     PromptResolver
	Completions CompletionService
	Parameters  ParameterResolver
	Approvals   ApprovalOracle
	Executor    ToolExecutor
	Sink        FragmentSink
	Store       TurnStore
	Observer    Observer
}

type MachineConfig struct {
	ContextID     string
	MaxToolRounds int
}

// Machine runs the interaction state machine. A single goroutine inside Run
// owns the state; effects run on their own goroutines and report back through
// the event channel.
type Machine struct {
	cfg     MachineConfig
	catalog Catalog
	c       Collaborators

	events chan Event
	done   chan struct{}
	once   sync.Once

	mu      sync.RWMutex
	state   State
	tc      TurnContext
	history []StateTransition
	waiter  chan turnOutcome

	// owned by the Run goroutine
	cancelStream context.CancelFunc

	log zerolog.Logger
}

func NewMachine(cfg MachineConfig, catalog Catalog, c Collaborators) *Machine {
	return &Machine{
		cfg:     cfg,
		catalog: catalog,
		c:       c,
		events:  make(chan Event, 32),
		done:    make(chan struct{}),
		state:   Idle,
		tc:      TurnContext{MaxToolRounds: cfg.MaxToolRounds},
		log:     logger.With(logger.CHAT).With().Str("context_id", cfg.ContextID).Logger(),
	}
}

// Send queues an event
func (m *Machine) Send(ev Event) error {
	select {
	case <-m.done:
		return ErrMachineStopped
	default:
	}
	select {
	case m.events <- ev:
		return nil
	case <-m.done:
		return ErrMachineStopped
	}
}

type turnOutcome struct {
	result TurnResult
	err    error
}

// startTurn carries a turn-starting event together with the caller waiting
// for that turn
type startTurn struct {
	Event
	wait chan turnOutcome
}

// Turn starts a turn with USER_SUBMITS or INVOKE_TOOL and waits for that turn
// to finish. It fails with ErrTurnInProgress unless the machine is idle.
func (m *Machine) Turn(ctx context.Context, ev Event) (TurnResult, error) {
	switch ev.(type) {
	case UserSubmits, InvokeTool:
	default:
		return TurnResult{}, fmt.Errorf("%s does not start a turn", ev.Name())
	}

	wait := make(chan turnOutcome, 1)
	if err := m.Send(startTurn{Event: ev, wait: wait}); err != nil {
		return TurnResult{}, err
	}

	select {
	case out := <-wait:
		return out.result, out.err
	case <-ctx.Done():
		return TurnResult{}, ctx.Err()
	case <-m.done:
		return TurnResult{}, ErrMachineStopped
	}
}

func (m *Machine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// LastError is the error that ended the previous turn
func (m *Machine) LastError() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tc.LastErr
}

// History returns up to the last 50 transitions, oldest first
func (m *Machine) History() []StateTransition {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]StateTransition, len(m.history))
	copy(out, m.history)
	return out
}

// Run processes events until ctx is done. Teardown aborts any in-flight stream.
func (m *Machine) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		if m.cancelStream != nil {
			m.cancelStream()
			m.cancelStream = nil
		}
		cancel()
		m.once.Do(func() { close(m.done) })
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-m.events:
			if st, ok := ev.(startTurn); ok {
				if !m.claim(st.wait) {
					st.wait <- turnOutcome{err: ErrTurnInProgress}
					continue
				}
				ev = st.Event
			}
			m.step(ctx, ev)
		}
	}
}

// claim registers the waiter for the turn about to start. Only an idle
// machine without a waiter can start one.
func (m *Machine) claim(wait chan turnOutcome) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Idle || m.waiter != nil {
		return false
	}
	m.waiter = wait
	return true
}

func (m *Machine) step(ctx context.Context, ev Event) {
	m.mu.Lock()
	from := m.state
	to, tc, effects := Transition(from, m.tc, ev, m.catalog)
	m.state = to
	m.tc = tc
	t := StateTransition{From: from, To: to, Event: ev.Name(), Changed: from != to, At: time.Now()}
	m.history = append(m.history, t)
	if len(m.history) > historySize {
		m.history = m.history[len(m.history)-historySize:]
	}
	m.mu.Unlock()

	if t.Changed {
		m.log.Debug().Str("from", from.String()).Str("to", to.String()).Str("event", t.Event).Msg("State transition")
	} else if len(effects) == 0 {
		m.log.Debug().Str("state", from.String()).Str("event", t.Event).Msg("Event ignored")
	}
	if m.c.Observer != nil {
		m.c.Observer.OnTransition(t)
	}

	for _, eff := range effects {
		m.perform(ctx, eff)
	}
}

func (m *Machine) perform(ctx context.Context, eff Effect) {
	switch e := eff.(type) {
	case PreparePrompt:
		go func() {
			system, err := m.c.Prompts.Resolve(ctx, e.Custom)
			m.complete(PromptReady{Epoch: e.Epoch, System: system, Err: err})
		}()

	case Stream:
		streamCtx, cancel := context.WithCancel(ctx)
		m.cancelStream = cancel
		go func() {
			defer cancel()
			msg, err := m.c.Completions.Stream(streamCtx, e.Messages, m.c.Sink)
			m.complete(StreamDone{Epoch: e.Epoch, Message: msg, Err: err})
		}()

	case CancelStream:
		if m.cancelStream != nil {
			m.log.Info().Uint64("epoch", e.Epoch).Msg("Cancelling completion stream")
			m.cancelStream()
			m.cancelStream = nil
		}

	case ParseParameters:
		go func() {
			params, err := m.c.Parameters.Resolve(ctx, e.Request)
			m.complete(ParametersParsed{Epoch: e.Epoch, Parameters: params, Err: err})
		}()

	case CheckApproval:
		go func() {
			required, err := m.c.Approvals.RequiresApproval(ctx, e.ToolName)
			m.complete(ApprovalChecked{Epoch: e.Epoch, Required: required, Err: err})
		}()

	case AwaitApproval:
		m.log.Info().Str("tool", e.Request.ToolName).Msg("Tool call awaiting approval")
		if m.c.Observer != nil {
			go m.c.Observer.OnApprovalRequired(e.Request, e.Parameters)
		}

	case ExecuteTool:
		go func() {
			result, err := m.c.Executor.Execute(ctx, e.Request.ToolName, e.Parameters)
			m.complete(ToolExecuted{Epoch: e.Epoch, Result: result, Err: err})
		}()

	case Finish:
		m.cancelStream = nil
		m.finish(ctx, e.Result)
	}
}

// finish persists the turn's messages and hands the result to the waiting caller
func (m *Machine) finish(ctx context.Context, result TurnResult) {
	if result.Err != nil {
		m.log.Warn().Err(result.Err).Int("appended", len(result.Appended)).Msg("Turn finished with error")
	} else {
		m.log.Info().Int("appended", len(result.Appended)).Msg("Turn finished")
	}

	if m.c.Store != nil && len(result.Appended) > 0 {
		stored := make([]models.Message, 0, len(result.Appended))
		for _, msg := range result.Appended {
			saved, err := m.c.Store.Append(ctx, m.cfg.ContextID, msg)
			if err != nil {
				m.log.Error().Err(err).Msg("Failed to store turn message")
				saved = msg
			}
			stored = append(stored, saved)
		}
		result.Appended = stored
	}

	m.mu.Lock()
	waiter := m.waiter
	m.waiter = nil
	m.mu.Unlock()

	if waiter != nil {
		waiter <- turnOutcome{result: result}
	}
	if m.c.Observer != nil {
		m.c.Observer.OnTurnFinished(result)
	}
}

func (m *Machine) complete(ev Event) {
	select {
	case m.events <- ev:
	case <-m.done:
	}
}
