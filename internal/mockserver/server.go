// Package mockserver is an in-memory Signal-Pull server for local development
// and end-to-end tests. It serves the pull endpoints over REST and pushes
// content-free signals over a per-context WebSocket.
package mockserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/deepgram/sigpull/internal/connections"
	"github.com/deepgram/sigpull/internal/domain/chat/models"
	"github.com/deepgram/sigpull/pkg/logger"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	defaultBranch    = "main"
	defaultChunkPage = 100
	maxPageSize      = 500
)

var (
	ErrUnknownContext = errors.New("unknown context")
	ErrUnknownMessage = errors.New("unknown message")
	ErrNotStreaming   = errors.New("message is not streaming")
)

// Config configures a Server
type Config struct {
	// JWTSecret enables bearer token checks when set
	JWTSecret string
	Timeouts  connections.TimeoutConfig
	// ChunkPage caps the chunks returned per pull, forcing has_more
	ChunkPage int
	// HeartbeatInterval drives heartbeat signals in ListenAndServe
	HeartbeatInterval time.Duration
}

type conversation struct {
	meta     models.ContextMetadata
	messages []*models.Message
	chunks   map[string][]models.Chunk
}

// Server holds conversations and their subscribers
type Server struct {
	cfg     Config
	manager *connections.Manager
	log     zerolog.Logger
	now     func() time.Time

	mu       sync.RWMutex
	contexts map[string]*conversation
	presets  map[string]models.SystemPromptPreset

	muted atomic.Bool
	sent  atomic.Int64
}

func New(cfg Config) *Server {
	if cfg.Timeouts == (connections.TimeoutConfig{}) {
		cfg.Timeouts = connections.DefaultTimeouts
	}
	if cfg.ChunkPage <= 0 {
		cfg.ChunkPage = defaultChunkPage
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	return &Server{
		cfg:      cfg,
		manager:  connections.NewManager(cfg.Timeouts),
		log:      logger.With(logger.SERVER),
		now:      time.Now,
		contexts: make(map[string]*conversation),
		presets:  make(map[string]models.SystemPromptPreset),
	}
}

// ListenAndServe serves on addr until ctx is done, sending heartbeats to
// every context on the configured interval
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		ticker := time.NewTicker(s.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, id := range s.contextIDs() {
					s.Heartbeat(id)
				}
			}
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", addr).Msg("Mock Signal-Pull server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.manager.CloseAll()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down mock server: %w", err)
	}
	return nil
}

// CreateContext registers a conversation. Missing metadata fields are defaulted.
func (s *Server) CreateContext(meta models.ContextMetadata) string {
	if meta.ID == "" {
		meta.ID = uuid.New().String()
	}
	if meta.ActiveBranchName == "" {
		meta.ActiveBranchName = defaultBranch
	}
	if meta.CurrentState == "" {
		meta.CurrentState = "idle"
	}

	s.mu.Lock()
	s.contexts[meta.ID] = &conversation{meta: meta, chunks: make(map[string][]models.Chunk)}
	s.mu.Unlock()

	s.log.Info().Str("context_id", meta.ID).Msg("Context created")
	return meta.ID
}

// AddPreset stores a system prompt preset
func (s *Server) AddPreset(preset models.SystemPromptPreset) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.presets[preset.ID] = preset
}

// AddMessage appends a finalized message and signals its creation
func (s *Server) AddMessage(contextID string, msg models.Message) (models.Message, error) {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	msg.ContextID = contextID
	msg.Phase = models.PhaseFinalized
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now()
	}

	s.mu.Lock()
	conv, ok := s.contexts[contextID]
	if !ok {
		s.mu.Unlock()
		return models.Message{}, fmt.Errorf("%w: %s", ErrUnknownContext, contextID)
	}
	m := msg
	conv.messages = append(conv.messages, &m)
	s.mu.Unlock()

	s.emit(models.SignalEvent{Type: models.SignalMessageCreated, ContextID: contextID, MessageID: msg.ID, Role: msg.Role})
	return msg, nil
}

// BeginStreaming creates an empty streaming message and returns its id
func (s *Server) BeginStreaming(contextID string, role models.Role) (string, error) {
	msg := &models.Message{
		ID:        uuid.New().String(),
		ContextID: contextID,
		Role:      role,
		Phase:     models.PhaseStreaming,
		CreatedAt: s.now(),
	}

	s.mu.Lock()
	conv, ok := s.contexts[contextID]
	if !ok {
		s.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrUnknownContext, contextID)
	}
	conv.messages = append(conv.messages, msg)
	conv.meta.CurrentState = "streaming"
	s.mu.Unlock()

	s.emit(models.SignalEvent{Type: models.SignalMessageCreated, ContextID: contextID, MessageID: msg.ID, Role: role})
	s.emit(models.SignalEvent{Type: models.SignalStateChanged, ContextID: contextID, NewState: "streaming"})
	return msg.ID, nil
}

// AppendChunk adds the next chunk of a streaming message and signals the new
// sequence
func (s *Server) AppendChunk(contextID, messageID, delta string) (uint64, error) {
	s.mu.Lock()
	conv, msg, err := s.lookup(contextID, messageID)
	if err != nil {
		s.mu.Unlock()
		return 0, err
	}
	if msg.Phase != models.PhaseStreaming {
		s.mu.Unlock()
		return 0, fmt.Errorf("%w: %s", ErrNotStreaming, messageID)
	}
	msg.Sequence++
	seq := msg.Sequence
	msg.Content += delta
	conv.chunks[messageID] = append(conv.chunks[messageID], models.Chunk{Sequence: seq, Delta: delta})
	s.mu.Unlock()

	s.emit(models.SignalEvent{Type: models.SignalContentDelta, ContextID: contextID, MessageID: messageID, CurrentSequence: seq})
	return seq, nil
}

// Complete finalizes a streaming message
func (s *Server) Complete(contextID, messageID string) error {
	s.mu.Lock()
	conv, msg, err := s.lookup(contextID, messageID)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if msg.Phase != models.PhaseStreaming {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotStreaming, messageID)
	}
	msg.Phase = models.PhaseFinalized
	final := msg.Sequence
	conv.meta.CurrentState = "idle"
	s.mu.Unlock()

	s.emit(models.SignalEvent{
		Type:          models.SignalMessageCompleted,
		ContextID:     contextID,
		MessageID:     messageID,
		FinalSequence: final,
		Timestamp:     s.now().UTC().Format(time.RFC3339),
	})
	s.emit(models.SignalEvent{Type: models.SignalStateChanged, ContextID: contextID, NewState: "idle"})
	return nil
}

// SetState changes the context state and signals it
func (s *Server) SetState(contextID, state string) error {
	s.mu.Lock()
	conv, ok := s.contexts[contextID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownContext, contextID)
	}
	conv.meta.CurrentState = state
	s.mu.Unlock()

	s.emit(models.SignalEvent{Type: models.SignalStateChanged, ContextID: contextID, NewState: state})
	return nil
}

// SetTitle renames the context and signals it
func (s *Server) SetTitle(contextID, title string) error {
	s.mu.Lock()
	conv, ok := s.contexts[contextID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownContext, contextID)
	}
	conv.meta.Title = title
	s.mu.Unlock()

	s.emit(models.SignalEvent{Type: models.SignalTitleUpdated, ContextID: contextID, Title: title})
	return nil
}

// StreamReply streams text as a new assistant message, chunkSize bytes at a
// time with interval between chunks
func (s *Server) StreamReply(ctx context.Context, contextID, text string, chunkSize int, interval time.Duration) (string, error) {
	if chunkSize <= 0 {
		chunkSize = 8
	}
	messageID, err := s.BeginStreaming(contextID, models.RoleAssistant)
	if err != nil {
		return "", err
	}

	for start := 0; start < len(text); start += chunkSize {
		end := start + chunkSize
		if end > len(text) {
			end = len(text)
		}
		if _, err := s.AppendChunk(contextID, messageID, text[start:end]); err != nil {
			return messageID, err
		}
		if interval > 0 {
			select {
			case <-ctx.Done():
				return messageID, ctx.Err()
			case <-time.After(interval):
			}
		}
	}

	return messageID, s.Complete(contextID, messageID)
}

// Heartbeat sends a heartbeat signal to the context's subscribers
func (s *Server) Heartbeat(contextID string) {
	s.emit(models.SignalEvent{Type: models.SignalHeartbeat, ContextID: contextID, Timestamp: s.now().UTC().Format(time.RFC3339)})
}

// Mute drops every signal until unmuted, simulating signal loss
func (s *Server) Mute(muted bool) {
	s.muted.Store(muted)
}

// DropSubscribers closes every subscription, forcing clients to reconnect
func (s *Server) DropSubscribers() {
	s.manager.CloseAll()
}

// Subscribers counts open subscriptions for a context
func (s *Server) Subscribers(contextID string) int {
	return s.manager.CountFor(contextID)
}

// SignalsSent counts delivered signal frames
func (s *Server) SignalsSent() int64 {
	return s.sent.Load()
}

func (s *Server) emit(ev models.SignalEvent) {
	if s.muted.Load() {
		s.log.Debug().Str("type", string(ev.Type)).Str("context_id", ev.ContextID).Msg("Signal muted")
		return
	}
	payload, err := models.EncodeSignal(ev)
	if err != nil {
		s.log.Error().Err(err).Str("type", string(ev.Type)).Msg("Failed to encode signal")
		return
	}
	delivered := s.manager.Broadcast(ev.ContextID, payload)
	s.sent.Add(int64(delivered))
}

// lookup must be called with s.mu held
func (s *Server) lookup(contextID, messageID string) (*conversation, *models.Message, error) {
	conv, ok := s.contexts[contextID]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownContext, contextID)
	}
	for _, m := range conv.messages {
		if m.ID == messageID {
			return conv, m, nil
		}
	}
	return nil, nil, fmt.Errorf("%w: %s", ErrUnknownMessage, messageID)
}

func (s *Server) contextIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.contexts))
	for id := range s.contexts {
		ids = append(ids, id)
	}
	return ids
}
