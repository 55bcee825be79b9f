package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/deepgram/sigpull/internal/domain/chat/models"
	"github.com/deepgram/sigpull/internal/infrastructure/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingBackend struct {
	mu    sync.Mutex
	saved []models.Message
	err   error
	load  []models.Message
}

func (rb *recordingBackend) Name() string { return "recording" }

func (rb *recordingBackend) Save(ctx context.Context, msg models.Message) error {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.saved = append(rb.saved, msg)
	return rb.err
}

func (rb *recordingBackend) Load(ctx context.Context, contextID string) ([]models.Message, error) {
	return rb.load, nil
}

func (rb *recordingBackend) Close() error { return nil }

func TestAppendChunk(t *testing.T) {
	ctx := context.Background()
	s := NewService(nil)

	require.NoError(t, s.AppendChunk(ctx, "c1", "m1", 1, "Hel"))
	require.NoError(t, s.AppendChunk(ctx, "c1", "m1", 2, "lo"))
	require.NoError(t, s.AppendChunk(ctx, "c1", "m1", 2, "lo"), "duplicate chunk is ignored")

	msg, err := s.Get(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, "Hello", msg.Content)
	assert.Equal(t, uint64(2), msg.Sequence)
	assert.Equal(t, models.PhaseStreaming, msg.Phase)
	assert.Equal(t, models.RoleAssistant, msg.Role)

	require.NoError(t, s.MarkFinalized(ctx, "m1"))
	require.NoError(t, s.MarkFinalized(ctx, "m1"), "finalizing twice is a no-op")

	err = s.AppendChunk(ctx, "c1", "m1", 3, "!")
	assert.ErrorIs(t, err, ErrMessageFinalized)

	msg, _ = s.Get(ctx, "m1")
	assert.Equal(t, "Hello", msg.Content)
}

func TestMarkFinalizedUnknown(t *testing.T) {
	err := NewService(nil).MarkFinalized(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpsert(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name        string
		setup       func(s *Service)
		upsert      models.Message
		wantContent string
		wantPhase   models.Phase
	}{
		{
			name:        "new message defaults to finalized",
			upsert:      models.Message{ID: "m1", ContextID: "c1", Role: models.RoleUser, Content: "hi"},
			wantContent: "hi",
			wantPhase:   models.PhaseFinalized,
		},
		{
			name:        "new message keeps explicit streaming phase",
			upsert:      models.Message{ID: "m1", ContextID: "c1", Role: models.RoleAssistant, Phase: models.PhaseStreaming},
			wantContent: "",
			wantPhase:   models.PhaseStreaming,
		},
		{
			name: "streaming content is not overwritten",
			setup: func(s *Service) {
				s.AppendChunk(ctx, "c1", "m1", 1, "partial")
			},
			upsert:      models.Message{ID: "m1", ContextID: "c1", Role: models.RoleAssistant, Content: "stale"},
			wantContent: "partial",
			wantPhase:   models.PhaseStreaming,
		},
		{
			name: "finalized message is replaced",
			setup: func(s *Service) {
				s.Append(ctx, "c1", models.Message{ID: "m1", Role: models.RoleUser, Content: "old"})
			},
			upsert:      models.Message{ID: "m1", ContextID: "c1", Role: models.RoleUser, Content: "new"},
			wantContent: "new",
			wantPhase:   models.PhaseFinalized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewService(nil)
			if tt.setup != nil {
				tt.setup(s)
			}
			require.NoError(t, s.Upsert(ctx, tt.upsert))

			msg, err := s.Get(ctx, "m1")
			require.NoError(t, err)
			assert.Equal(t, tt.wantContent, msg.Content)
			assert.Equal(t, tt.wantPhase, msg.Phase)
			assert.Equal(t, 1, s.Count(ctx, "c1"))
		})
	}

	assert.Error(t, NewService(nil).Upsert(ctx, models.Message{}))
}

func TestAppend(t *testing.T) {
	ctx := context.Background()
	s := NewService(nil)

	stored, err := s.Append(ctx, "c1", models.Message{Role: models.RoleUser, Content: "hello"})
	require.NoError(t, err)
	assert.NotEmpty(t, stored.ID)
	assert.Equal(t, "c1", stored.ContextID)
	assert.Equal(t, models.PhaseFinalized, stored.Phase)
	assert.False(t, stored.CreatedAt.IsZero())

	require.NoError(t, s.AppendChunk(ctx, "c1", "streamed", 1, "x"))
	_, err = s.Append(ctx, "c1", models.Message{ID: "streamed", Role: models.RoleAssistant})
	assert.ErrorIs(t, err, ErrMessageStreaming)

	list := s.List(ctx, "c1")
	require.Len(t, list, 2)
	assert.Equal(t, stored.ID, list[0].ID)
	assert.Equal(t, "streamed", list[1].ID)
	assert.Empty(t, s.List(ctx, "other"))
}

func TestListReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewService(nil)
	_, err := s.Append(ctx, "c1", models.Message{ID: "m1", ToolCalls: []models.ToolCall{{ID: "t1", Name: "read_file"}}})
	require.NoError(t, err)

	list := s.List(ctx, "c1")
	list[0].ToolCalls[0].Name = "mutated"
	list[0].Content = "mutated"

	msg, _ := s.Get(ctx, "m1")
	assert.Equal(t, "read_file", msg.ToolCalls[0].Name)
	assert.Empty(t, msg.Content)
}

func TestWriteThrough(t *testing.T) {
	ctx := context.Background()
	backend := &recordingBackend{}
	s := NewService(backend)

	require.NoError(t, s.AppendChunk(ctx, "c1", "m1", 1, "a"))
	require.NoError(t, s.AppendChunk(ctx, "c1", "m1", 1, "a"))
	require.NoError(t, s.MarkFinalized(ctx, "m1"))

	require.Len(t, backend.saved, 2, "ignored duplicates are not persisted")
	assert.Equal(t, models.PhaseFinalized, backend.saved[1].Phase)

	backend.err = errors.New("disk full")
	_, err := s.Append(ctx, "c1", models.Message{ID: "m2"})
	assert.ErrorContains(t, err, "disk full")

	_, err = s.Get(ctx, "m2")
	assert.NoError(t, err, "memory stays authoritative when persistence fails")
}

func TestHydrate(t *testing.T) {
	ctx := context.Background()
	backend := &recordingBackend{load: []models.Message{
		{ID: "m1", ContextID: "c1", Content: "from disk", Phase: models.PhaseFinalized},
		{ID: "m2", ContextID: "c1", Content: "partial", Phase: models.PhaseStreaming, Sequence: 3},
	}}
	s := NewService(backend)
	_, err := s.Append(ctx, "c1", models.Message{ID: "m1", Content: "in memory"})
	require.NoError(t, err)

	list, err := s.Hydrate(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "in memory", list[0].Content)
	assert.Equal(t, uint64(3), list[1].Sequence)
}

func TestSQLiteBackend(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "data", "sigpull.db")

	backend, err := NewSQLiteBackend(path)
	require.NoError(t, err)

	s := NewService(backend)
	_, err = s.Append(ctx, "c1", models.Message{ID: "u1", Role: models.RoleUser, Content: "question"})
	require.NoError(t, err)
	require.NoError(t, s.AppendChunk(ctx, "c1", "a1", 1, "ans"))
	require.NoError(t, s.AppendChunk(ctx, "c1", "a1", 2, "wer"))
	require.NoError(t, s.Close())

	reopened, err := NewSQLiteBackend(path)
	require.NoError(t, err)
	defer reopened.Close()

	restored := NewService(reopened)
	list, err := restored.Hydrate(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "u1", list[0].ID)
	assert.Equal(t, "answer", list[1].Content)
	assert.Equal(t, uint64(2), list[1].Sequence)
	assert.Equal(t, models.PhaseStreaming, list[1].Phase)
}

func TestNewBackend(t *testing.T) {
	b, err := NewBackend("memory", "", nil)
	require.NoError(t, err)
	assert.Nil(t, b)

	b, err = NewBackend("redis", "", nil)
	require.NoError(t, err)
	assert.Nil(t, b, "redis without a service falls back to memory")

	_, err = NewBackend("postgres", "", nil)
	assert.Error(t, err)

	b, err = NewBackend("sqlite", filepath.Join(t.TempDir(), "x.db"), nil)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", b.Name())
	b.Close()
}

func TestRedisKeys(t *testing.T) {
	assert.Equal(t, "sigpull:msg:m1", messageKey("m1"))
	assert.Equal(t, "sigpull:ctx:c1:messages", contextIndexKey("c1"))
}

func TestRedisBackendCloseLeavesConnection(t *testing.T) {
	// A zero Service has no client, so touching it would panic
	s := NewService(NewRedisBackend(&redis.Service{}))
	assert.NoError(t, s.Close())
	assert.NoError(t, s.Close())
}
