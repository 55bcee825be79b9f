package syncer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/deepgram/sigpull/internal/domain/chat/models"
	"github.com/deepgram/sigpull/internal/infrastructure/signalchannel"
	"github.com/deepgram/sigpull/internal/infrastructure/signalpull"
	"github.com/deepgram/sigpull/internal/retry"
	"github.com/deepgram/sigpull/internal/services/store"
	"github.com/deepgram/sigpull/pkg/logger"
	"github.com/deepgram/sigpull/pkg/ratelimit"
	"github.com/rs/zerolog"
)

// minRefreshDelay floors the wait before a deferred refresh
const minRefreshDelay = 10 * time.Millisecond

// Puller is the read side of the Signal-Pull REST API
type Puller interface {
	ChunkPuller
	GetMetadata(ctx context.Context, contextID string) (*models.ContextMetadata, error)
	GetMessages(ctx context.Context, contextID string, query signalpull.MessageQuery) (*models.MessagesResponse, error)
}

// MessageStore is the slice of the message store the listener writes to
type MessageStore interface {
	ChunkSink
	MarkFinalized(ctx context.Context, messageID string) error
	Upsert(ctx context.Context, msg models.Message) error
	Get(ctx context.Context, messageID string) (models.Message, error)
	List(ctx context.Context, contextID string) []models.Message
	Count(ctx context.Context, contextID string) int
	Hydrate(ctx context.Context, contextID string) ([]models.Message, error)
}

// StateObserver receives context-level changes. It drives indicators only.
type StateObserver interface {
	OnStateChanged(contextID, state string)
	OnTitleUpdated(contextID, title string)
	OnConnectionStatus(contextID string, status signalchannel.Status)
	OnMessageUpdated(contextID, messageID string)
}

// NopObserver ignores every notification
type NopObserver struct{}

func (NopObserver) OnStateChanged(string, string)                   {}
func (NopObserver) OnTitleUpdated(string, string)                   {}
func (NopObserver) OnConnectionStatus(string, signalchannel.Status) {}
func (NopObserver) OnMessageUpdated(string, string)                 {}

// Subscription delivers signals for one context
type Subscription interface {
	OnEvent(fn func(models.SignalEvent))
	OnConnect(fn func(reconnect bool))
	OnStatus(fn func(signalchannel.Status))
	Run(ctx context.Context) error
}

// ListenerConfig tunes a Listener
type ListenerConfig struct {
	ContextID string
	// PageSize bounds each page fetched when the local copy is behind
	PageSize int
	// RefreshPerMinute throttles reconnect refreshes; 0 disables throttling
	RefreshPerMinute int
	// Completion retries the final pull of a completed message
	Completion retry.Config
}

// Listener routes each signal of one context exactly once
type Listener struct {
	cfg        ListenerConfig
	puller     Puller
	store      MessageStore
	observer   StateObserver
	tracker    *Tracker
	reconciler *Reconciler
	limiter    *ratelimit.Limiter
	log        zerolog.Logger

	wg            sync.WaitGroup
	lastHeartbeat atomic.Int64
	dropped       atomic.Int64

	// a throttled refresh is deferred until the limiter window frees up
	deferMu        sync.Mutex
	deferCancel    context.CancelFunc
	deferReconnect bool
}

func NewListener(cfg ListenerConfig, puller Puller, messageStore MessageStore, observer StateObserver) *Listener {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 50
	}
	if cfg.Completion.MaxRetries <= 0 {
		cfg.Completion = retry.Config{MaxRetries: 3, InitialBackoff: 200 * time.Millisecond, MaxBackoff: 2 * time.Second}
	}
	if observer == nil {
		observer = NopObserver{}
	}

	tracker := NewTracker()
	reconciler := NewReconciler(cfg.ContextID, puller, messageStore, tracker)
	reconciler.OnApplied(func(messageID string, _ uint64) {
		observer.OnMessageUpdated(cfg.ContextID, messageID)
	})

	return &Listener{
		cfg:        cfg,
		puller:     puller,
		store:      messageStore,
		observer:   observer,
		tracker:    tracker,
		reconciler: reconciler,
		limiter:    ratelimit.NewLimiter(time.Minute, cfg.RefreshPerMinute),
		log:        logger.With(logger.SYNC).With().Str("context_id", cfg.ContextID).Logger(),
	}
}

func (l *Listener) Tracker() *Tracker { return l.tracker }

func (l *Listener) Reconciler() *Reconciler { return l.reconciler }

// LastHeartbeat returns when the last heartbeat arrived
func (l *Listener) LastHeartbeat() time.Time {
	ns := l.lastHeartbeat.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Dropped counts signals addressed to other contexts
func (l *Listener) Dropped() int64 {
	return l.dropped.Load()
}

// Seed restores tracker state from persisted messages
func (l *Listener) Seed(ctx context.Context) error {
	messages, err := l.store.Hydrate(ctx, l.cfg.ContextID)
	if err != nil {
		return err
	}
	for _, msg := range messages {
		l.tracker.SetSequence(msg.ID, msg.Sequence)
		if msg.Phase == models.PhaseFinalized {
			l.tracker.MarkTerminal(msg.ID)
		}
	}
	return nil
}

// Run seeds local state, subscribes and blocks until ctx is done or the
// subscription gives up
func (l *Listener) Run(ctx context.Context, sub Subscription) error {
	if err := l.Seed(ctx); err != nil {
		l.log.Warn().Err(err).Msg("Failed to restore persisted messages")
	}

	sub.OnEvent(func(ev models.SignalEvent) { l.Handle(ctx, ev) })
	sub.OnConnect(func(reconnect bool) { l.Refresh(ctx, reconnect) })
	sub.OnStatus(func(status signalchannel.Status) {
		l.observer.OnConnectionStatus(l.cfg.ContextID, status)
	})

	err := sub.Run(ctx)
	l.cancelDeferred()
	l.Wait()
	return err
}

// Wait blocks until background completions and pulls have finished
func (l *Listener) Wait() {
	l.wg.Wait()
	l.reconciler.Wait()
}

func (l *Listener) spawn(fn func()) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		fn()
	}()
}

// Handle routes one decoded signal
func (l *Listener) Handle(ctx context.Context, ev models.SignalEvent) {
	if ev.ContextID != "" && ev.ContextID != l.cfg.ContextID {
		l.dropped.Add(1)
		l.log.Debug().Str("type", string(ev.Type)).Str("other_context", ev.ContextID).Msg("Dropping signal for another context")
		return
	}

	switch ev.Type {
	case models.SignalStateChanged:
		l.observer.OnStateChanged(l.cfg.ContextID, ev.NewState)

	case models.SignalContentDelta:
		if l.tracker.IsTerminal(ev.MessageID) {
			return
		}
		l.reconciler.Reconcile(ctx, ev.MessageID, ev.CurrentSequence)

	case models.SignalMessageCompleted:
		if l.tracker.IsTerminal(ev.MessageID) {
			return
		}
		l.spawn(func() { l.complete(ctx, ev.MessageID, ev.FinalSequence) })

	case models.SignalMessageCreated:
		l.spawn(func() { l.fetchCreated(ctx, ev.MessageID) })

	case models.SignalTitleUpdated:
		l.observer.OnTitleUpdated(l.cfg.ContextID, ev.Title)

	case models.SignalHeartbeat:
		l.lastHeartbeat.Store(time.Now().UnixNano())
	}
}

// complete pulls the final content and hands the message to the finalized
// phase. A message that cannot reach its final sequence stays streaming.
func (l *Listener) complete(ctx context.Context, messageID string, finalSequence uint64) {
	err := retry.Do(ctx, l.cfg.Completion, func() error {
		return l.reconciler.Await(ctx, messageID, finalSequence)
	}, func(err error) bool {
		return !errors.Is(err, store.ErrMessageFinalized) && ctx.Err() == nil
	})
	if err != nil && !errors.Is(err, store.ErrMessageFinalized) {
		l.log.Error().Err(err).Str("message_id", messageID).Uint64("final_sequence", finalSequence).Msg("Completed message could not be converged")
		return
	}

	l.tracker.MarkTerminal(messageID)
	if err := l.store.MarkFinalized(ctx, messageID); err != nil && !errors.Is(err, store.ErrNotFound) {
		l.log.Warn().Err(err).Str("message_id", messageID).Msg("Failed to finalize message")
	}
	l.log.Debug().Str("message_id", messageID).Uint64("final_sequence", finalSequence).Msg("Message completed")
	l.observer.OnMessageUpdated(l.cfg.ContextID, messageID)
}

func (l *Listener) fetchCreated(ctx context.Context, messageID string) {
	resp, err := l.puller.GetMessages(ctx, l.cfg.ContextID, signalpull.MessageQuery{IDs: []string{messageID}})
	if err != nil {
		l.log.Warn().Err(err).Str("message_id", messageID).Msg("Failed to fetch created message")
		return
	}
	for _, msg := range resp.Messages {
		l.upsert(ctx, msg, true)
	}
}

// upsert stores a pulled message. A freshly created assistant message has
// its content delivered through chunks, so it starts empty and streaming.
func (l *Listener) upsert(ctx context.Context, msg models.Message, created bool) {
	if msg.ContextID == "" {
		msg.ContextID = l.cfg.ContextID
	}
	if created && msg.Role == models.RoleAssistant && msg.Phase == "" && msg.Sequence == 0 {
		msg.Phase = models.PhaseStreaming
		msg.Content = ""
	}

	if err := l.store.Upsert(ctx, msg); err != nil {
		l.log.Warn().Err(err).Str("message_id", msg.ID).Msg("Failed to store pulled message")
		return
	}

	stored, err := l.store.Get(ctx, msg.ID)
	if err == nil {
		l.tracker.SetSequence(stored.ID, stored.Sequence)
		if stored.Phase == models.PhaseFinalized {
			l.tracker.MarkTerminal(stored.ID)
		}
	}
	l.observer.OnMessageUpdated(l.cfg.ContextID, msg.ID)
}

// Refresh resynchronizes context state after a (re)connection: it forwards
// the current state, pages any messages missing locally and catches up
// messages that were streaming while the channel was down.
func (l *Listener) Refresh(ctx context.Context, reconnect bool) {
	if !l.limiter.Allow(l.cfg.ContextID) {
		l.deferRefresh(ctx, reconnect)
		return
	}

	meta, err := l.puller.GetMetadata(ctx, l.cfg.ContextID)
	if err != nil {
		l.log.Warn().Err(err).Msg("Metadata refresh failed")
		return
	}

	l.observer.OnStateChanged(l.cfg.ContextID, meta.CurrentState)
	if meta.Title != "" {
		l.observer.OnTitleUpdated(l.cfg.ContextID, meta.Title)
	}

	local := l.store.Count(ctx, l.cfg.ContextID)
	for local < meta.MessageCount {
		resp, err := l.puller.GetMessages(ctx, l.cfg.ContextID, signalpull.MessageQuery{
			Offset: local,
			Limit:  l.cfg.PageSize,
			Branch: meta.ActiveBranchName,
		})
		if err != nil {
			l.log.Warn().Err(err).Int("offset", local).Msg("Failed to page missing messages")
			break
		}
		if len(resp.Messages) == 0 {
			break
		}
		for _, msg := range resp.Messages {
			l.upsert(ctx, msg, false)
		}
		next := l.store.Count(ctx, l.cfg.ContextID)
		if next <= local {
			break
		}
		local = next
	}

	if reconnect {
		for _, msg := range l.streaming(ctx) {
			l.reconciler.CatchUp(ctx, msg)
		}
	}

	l.log.Info().
		Bool("reconnect", reconnect).
		Str("state", meta.CurrentState).
		Int("server_messages", meta.MessageCount).
		Int("local_messages", local).
		Msg("Context refreshed")
}

// deferRefresh schedules one refresh for when the limiter allows it again.
// Throttled refreshes in the meantime fold into it.
func (l *Listener) deferRefresh(ctx context.Context, reconnect bool) {
	l.deferMu.Lock()
	defer l.deferMu.Unlock()

	l.deferReconnect = l.deferReconnect || reconnect
	if l.deferCancel != nil {
		return
	}

	wait := l.limiter.RetryAfter(l.cfg.ContextID)
	if wait < minRefreshDelay {
		wait = minRefreshDelay
	}
	dctx, cancel := context.WithCancel(ctx)
	l.deferCancel = cancel
	l.log.Warn().Bool("reconnect", reconnect).Dur("retry_after", wait).Msg("Refresh throttled, deferring")

	l.spawn(func() {
		defer cancel()

		timer := time.NewTimer(wait)
		defer timer.Stop()

		select {
		case <-dctx.Done():
			l.deferMu.Lock()
			l.deferCancel = nil
			l.deferReconnect = false
			l.deferMu.Unlock()
			return
		case <-timer.C:
		}

		l.deferMu.Lock()
		pending := l.deferReconnect
		l.deferCancel = nil
		l.deferReconnect = false
		l.deferMu.Unlock()

		l.Refresh(ctx, pending)
	})
}

func (l *Listener) cancelDeferred() {
	l.deferMu.Lock()
	defer l.deferMu.Unlock()
	if l.deferCancel != nil {
		l.deferCancel()
	}
}

func (l *Listener) streaming(ctx context.Context) []string {
	var ids []string
	for _, msg := range l.store.List(ctx, l.cfg.ContextID) {
		if msg.Phase == models.PhaseStreaming && !l.tracker.IsTerminal(msg.ID) {
			ids = append(ids, msg.ID)
		}
	}
	return ids
}
