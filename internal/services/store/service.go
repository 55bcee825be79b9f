// Package store holds conversation messages under a single-writer-per-phase
// rule: the stream writer owns messages in the streaming phase and the
// interaction engine owns finalized ones.
package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/deepgram/sigpull/internal/domain/chat/models"
	"github.com/deepgram/sigpull/pkg/logger"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrMessageFinalized = errors.New("message already finalized")
	ErrMessageStreaming = errors.New("message is still streaming")
	ErrNotFound         = errors.New("message not found")
)

// Backend persists messages behind the in-memory owner
type Backend interface {
	Name() string
	Save(ctx context.Context, msg models.Message) error
	Load(ctx context.Context, contextID string) ([]models.Message, error)
	Close() error
}

type Service struct {
	mu       sync.RWMutex
	messages map[string]*models.Message
	order    map[string][]string
	backend  Backend
	now      func() time.Time
	log      zerolog.Logger
}

// NewService creates a store. A nil backend keeps messages in memory only.
func NewService(backend Backend) *Service {
	s := &Service{
		messages: make(map[string]*models.Message),
		order:    make(map[string][]string),
		backend:  backend,
		now:      time.Now,
		log:      logger.With(logger.STORE),
	}
	name := "memory"
	if backend != nil {
		name = backend.Name()
	}
	s.log.Info().Str("backend", name).Msg("Message store ready")
	return s
}

// Hydrate loads a context from the backend, keeping anything already in memory
func (s *Service) Hydrate(ctx context.Context, contextID string) ([]models.Message, error) {
	if s.backend == nil {
		return s.List(ctx, contextID), nil
	}

	loaded, err := s.backend.Load(ctx, contextID)
	if err != nil {
		return nil, fmt.Errorf("failed to load context %s: %w", contextID, err)
	}

	s.mu.Lock()
	for _, msg := range loaded {
		if _, exists := s.messages[msg.ID]; exists {
			continue
		}
		m := clone(msg)
		s.insert(&m)
	}
	s.mu.Unlock()

	s.log.Debug().Str("context_id", contextID).Int("messages", len(loaded)).Msg("Hydrated context")
	return s.List(ctx, contextID), nil
}

// AppendChunk applies one streamed delta. Unknown messages are created in the
// streaming phase; chunks at or below the applied sequence are ignored.
func (s *Service) AppendChunk(ctx context.Context, contextID, messageID string, seq uint64, delta string) error {
	s.mu.Lock()
	m, exists := s.messages[messageID]
	if !exists {
		m = &models.Message{
			ID:        messageID,
			ContextID: contextID,
			Role:      models.RoleAssistant,
			Phase:     models.PhaseStreaming,
			CreatedAt: s.now(),
		}
		s.insert(m)
	}
	if m.Phase == models.PhaseFinalized {
		s.mu.Unlock()
		return fmt.Errorf("append chunk %d to %s: %w", seq, messageID, ErrMessageFinalized)
	}
	if seq <= m.Sequence {
		s.mu.Unlock()
		return nil
	}
	m.Content += delta
	m.Sequence = seq
	snapshot := clone(*m)
	s.mu.Unlock()

	return s.persist(ctx, snapshot)
}

// MarkFinalized ends the streaming phase of a message
func (s *Service) MarkFinalized(ctx context.Context, messageID string) error {
	s.mu.Lock()
	m, exists := s.messages[messageID]
	if !exists {
		s.mu.Unlock()
		return fmt.Errorf("finalize %s: %w", messageID, ErrNotFound)
	}
	if m.Phase == models.PhaseFinalized {
		s.mu.Unlock()
		return nil
	}
	m.Phase = models.PhaseFinalized
	snapshot := clone(*m)
	s.mu.Unlock()

	return s.persist(ctx, snapshot)
}

// Upsert stores a pulled message. A message still streaming keeps its
// content, sequence and phase; only its metadata is refreshed.
func (s *Service) Upsert(ctx context.Context, msg models.Message) error {
	if msg.ID == "" {
		return fmt.Errorf("upsert: message has no id")
	}

	s.mu.Lock()
	existing, exists := s.messages[msg.ID]
	var snapshot models.Message
	switch {
	case exists && existing.Phase == models.PhaseStreaming:
		existing.Role = msg.Role
		existing.ToolCalls = cloneCalls(msg.ToolCalls)
		existing.ToolCallID = msg.ToolCallID
		existing.IsError = msg.IsError
		snapshot = clone(*existing)
	case exists:
		m := clone(msg)
		m.Phase = models.PhaseFinalized
		if m.CreatedAt.IsZero() {
			m.CreatedAt = existing.CreatedAt
		}
		*existing = m
		snapshot = clone(m)
	default:
		m := clone(msg)
		if m.Phase == "" {
			m.Phase = models.PhaseFinalized
		}
		if m.CreatedAt.IsZero() {
			m.CreatedAt = s.now()
		}
		s.insert(&m)
		snapshot = clone(m)
	}
	s.mu.Unlock()

	return s.persist(ctx, snapshot)
}

// Append commits a finalized turn message. Messages owned by the stream
// writer are rejected. An empty id is assigned.
func (s *Service) Append(ctx context.Context, contextID string, msg models.Message) (models.Message, error) {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	msg.ContextID = contextID
	msg.Phase = models.PhaseFinalized
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now()
	}

	s.mu.Lock()
	existing, exists := s.messages[msg.ID]
	if exists && existing.Phase == models.PhaseStreaming {
		s.mu.Unlock()
		return models.Message{}, fmt.Errorf("append %s: %w", msg.ID, ErrMessageStreaming)
	}
	m := clone(msg)
	if exists {
		*existing = m
	} else {
		s.insert(&m)
	}
	s.mu.Unlock()

	return msg, s.persist(ctx, clone(msg))
}

// Get returns a copy of a message
func (s *Service) Get(ctx context.Context, messageID string) (models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, exists := s.messages[messageID]
	if !exists {
		return models.Message{}, fmt.Errorf("get %s: %w", messageID, ErrNotFound)
	}
	return clone(*m), nil
}

// List returns copies of a context's messages in insertion order
func (s *Service) List(ctx context.Context, contextID string) []models.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.order[contextID]
	out := make([]models.Message, 0, len(ids))
	for _, id := range ids {
		out = append(out, clone(*s.messages[id]))
	}
	return out
}

// Count returns the number of messages held for a context
func (s *Service) Count(ctx context.Context, contextID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order[contextID])
}

// Close releases the backend
func (s *Service) Close() error {
	if s.backend == nil {
		return nil
	}
	return s.backend.Close()
}

// insert must be called with mu held
func (s *Service) insert(m *models.Message) {
	s.messages[m.ID] = m
	s.order[m.ContextID] = append(s.order[m.ContextID], m.ID)
}

func (s *Service) persist(ctx context.Context, msg models.Message) error {
	if s.backend == nil {
		return nil
	}
	if err := s.backend.Save(ctx, msg); err != nil {
		s.log.Error().Err(err).Str("message_id", msg.ID).Str("backend", s.backend.Name()).Msg("Failed to persist message")
		return fmt.Errorf("failed to persist message %s: %w", msg.ID, err)
	}
	return nil
}

func clone(m models.Message) models.Message {
	m.ToolCalls = cloneCalls(m.ToolCalls)
	return m
}

func cloneCalls(calls []models.ToolCall) []models.ToolCall {
	if calls == nil {
		return nil
	}
	out := make([]models.ToolCall, len(calls))
	copy(out, calls)
	return out
}
