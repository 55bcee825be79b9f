package mockserver

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/deepgram/sigpull/internal/connections"
	"github.com/deepgram/sigpull/internal/domain/chat/models"
	"github.com/deepgram/sigpull/internal/infrastructure/signalchannel"
	"github.com/deepgram/sigpull/internal/retry"
	"github.com/deepgram/sigpull/internal/services/store"
	"github.com/deepgram/sigpull/internal/services/syncer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type syncHarness struct {
	server   *Server
	store    *store.Service
	listener *syncer.Listener
	cancel   context.CancelFunc
	done     chan error
}

func startSync(t *testing.T, contextID string) *syncHarness {
	t.Helper()
	s, srv := newTestServer(t, Config{})
	s.CreateContext(models.ContextMetadata{ID: contextID})

	messages := store.NewService(nil)
	listener := syncer.NewListener(syncer.ListenerConfig{
		ContextID: contextID,
		PageSize:  2,
		Completion: retry.Config{
			MaxRetries:     5,
			InitialBackoff: 20 * time.Millisecond,
		},
	}, pullClient(srv, nil), messages, nil)

	channel := signalchannel.New(signalchannel.Config{
		URL: "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1",
		Timeouts: connections.TimeoutConfig{
			PongWait:   2 * time.Second,
			PingPeriod: time.Second,
			WriteWait:  time.Second,
		},
		MaxReconnectAttempts: 10,
		ReconnectBackoff:     10 * time.Millisecond,
		MaxReconnectBackoff:  100 * time.Millisecond,
	}, contextID, nil)

	ctx, cancel := context.WithCancel(context.Background())
	h := &syncHarness{server: s, store: messages, listener: listener, cancel: cancel, done: make(chan error, 1)}
	go func() { h.done <- listener.Run(ctx, channel) }()
	t.Cleanup(func() {
		cancel()
		<-h.done
	})

	require.Eventually(t, func() bool { return s.Subscribers(contextID) == 1 }, 3*time.Second, 5*time.Millisecond)
	return h
}

func (h *syncHarness) converged(t *testing.T, messageID, content string) {
	t.Helper()
	require.Eventually(t, func() bool {
		msg, err := h.store.Get(context.Background(), messageID)
		return err == nil && msg.Content == content && msg.Phase == models.PhaseFinalized
	}, 5*time.Second, 10*time.Millisecond)
}

func TestSyncConvergesDespiteLostSignals(t *testing.T) {
	h := startSync(t, "ctx-1")
	s := h.server

	messageID, err := s.BeginStreaming("ctx-1", models.RoleAssistant)
	require.NoError(t, err)
	_, err = s.AppendChunk("ctx-1", messageID, "Hel")
	require.NoError(t, err)

	s.Mute(true)
	_, err = s.AppendChunk("ctx-1", messageID, "lo ")
	require.NoError(t, err)
	_, err = s.AppendChunk("ctx-1", messageID, "wor")
	require.NoError(t, err)
	s.Mute(false)

	_, err = s.AppendChunk("ctx-1", messageID, "ld")
	require.NoError(t, err)
	require.NoError(t, s.Complete("ctx-1", messageID))

	h.converged(t, messageID, "Hello world")

	msg, err := h.store.Get(context.Background(), messageID)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), msg.Sequence)
	assert.Equal(t, uint64(4), h.listener.Tracker().Sequence(messageID))
	assert.True(t, h.listener.Tracker().IsTerminal(messageID))
}

func TestSyncCompletionSignalAlone(t *testing.T) {
	h := startSync(t, "ctx-1")
	s := h.server

	// Creation and every delta are lost; the completion signal alone pulls
	// the whole message
	s.Mute(true)
	messageID, err := s.BeginStreaming("ctx-1", models.RoleAssistant)
	require.NoError(t, err)
	for _, d := range []string{"a", "b", "c"} {
		_, err := s.AppendChunk("ctx-1", messageID, d)
		require.NoError(t, err)
	}
	s.Mute(false)
	require.NoError(t, s.Complete("ctx-1", messageID))

	h.converged(t, messageID, "abc")
}

func TestSyncRecoversAfterReconnect(t *testing.T) {
	h := startSync(t, "ctx-1")
	s := h.server

	s.Mute(true)
	user, err := s.AddMessage("ctx-1", models.Message{Role: models.RoleUser, Content: "What is Go?"})
	require.NoError(t, err)
	reply, err := s.StreamReply(context.Background(), "ctx-1", "Go is a programming language.", 5, 0)
	require.NoError(t, err)
	_, err = s.AddMessage("ctx-1", models.Message{Role: models.RoleUser, Content: "Thanks"})
	require.NoError(t, err)
	s.Mute(false)

	s.DropSubscribers()
	require.Eventually(t, func() bool { return s.Subscribers("ctx-1") == 1 }, 3*time.Second, 10*time.Millisecond)

	h.converged(t, reply, "Go is a programming language.")
	require.Eventually(t, func() bool { return h.store.Count(context.Background(), "ctx-1") == 3 }, 3*time.Second, 10*time.Millisecond)

	list := h.store.List(context.Background(), "ctx-1")
	assert.Equal(t, user.ID, list[0].ID)
	assert.Equal(t, "Thanks", list[2].Content)
}
