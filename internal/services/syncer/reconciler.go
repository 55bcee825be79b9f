package syncer

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/deepgram/sigpull/internal/domain/chat/models"
	"github.com/deepgram/sigpull/internal/services/store"
	"github.com/deepgram/sigpull/pkg/logger"
	"github.com/rs/zerolog"
)

// catchUp pulls every contiguous chunk the server has
const catchUp = math.MaxUint64

// ErrBehind is returned by Await when pulls ended short of the target
var ErrBehind = errors.New("message content behind server sequence")

// ChunkPuller fetches streamed chunks after a sequence
type ChunkPuller interface {
	GetChunks(ctx context.Context, contextID, messageID string, fromSequence uint64) (*models.ChunksResponse, error)
}

// ChunkSink receives chunks in sequence order
type ChunkSink interface {
	AppendChunk(ctx context.Context, contextID, messageID string, seq uint64, delta string) error
}

// Stats counts reconciler activity
type Stats struct {
	Pulls     int64
	Gaps      int64
	Coalesced int64
	Failures  int64
}

type flight struct {
	target uint64
	done   chan struct{}
	err    error
}

// Reconciler turns a sequence announcement into at most one pull in flight
// per message. Signals that arrive during a pull raise its target and are
// served by a single follow-up pull.
type Reconciler struct {
	contextID string
	puller    ChunkPuller
	sink      ChunkSink
	tracker   *Tracker
	log       zerolog.Logger
	onApplied func(messageID string, sequence uint64)

	mu       sync.Mutex
	inflight map[string]*flight
	wg       sync.WaitGroup

	pulls     atomic.Int64
	gaps      atomic.Int64
	coalesced atomic.Int64
	failures  atomic.Int64
}

func NewReconciler(contextID string, puller ChunkPuller, sink ChunkSink, tracker *Tracker) *Reconciler {
	return &Reconciler{
		contextID: contextID,
		puller:    puller,
		sink:      sink,
		tracker:   tracker,
		log:       logger.With(logger.SYNC).With().Str("context_id", contextID).Logger(),
		inflight:  make(map[string]*flight),
	}
}

// OnApplied registers a hook called after a pull applies new chunks. Register
// it before the first Reconcile.
func (r *Reconciler) OnApplied(fn func(messageID string, sequence uint64)) {
	r.onApplied = fn
}

// Reconcile brings a message up to serverSequence in the background. The
// returned channel closes when no pull for the message is in flight.
func (r *Reconciler) Reconcile(ctx context.Context, messageID string, serverSequence uint64) <-chan struct{} {
	return r.start(ctx, messageID, serverSequence).done
}

// CatchUp pulls whatever the server holds beyond the applied sequence
func (r *Reconciler) CatchUp(ctx context.Context, messageID string) <-chan struct{} {
	return r.Reconcile(ctx, messageID, catchUp)
}

// Await reconciles and blocks until the message reaches target
func (r *Reconciler) Await(ctx context.Context, messageID string, target uint64) error {
	if r.tracker.Sequence(messageID) >= target {
		return nil
	}

	f := r.start(ctx, messageID, target)
	select {
	case <-f.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	if local := r.tracker.Sequence(messageID); local < target {
		if f.err != nil {
			return fmt.Errorf("%w: %s at %d of %d: %w", ErrBehind, messageID, local, target, f.err)
		}
		return fmt.Errorf("%w: %s at %d of %d", ErrBehind, messageID, local, target)
	}
	return nil
}

// Wait blocks until every background pull has finished
func (r *Reconciler) Wait() {
	r.wg.Wait()
}

func (r *Reconciler) Stats() Stats {
	return Stats{
		Pulls:     r.pulls.Load(),
		Gaps:      r.gaps.Load(),
		Coalesced: r.coalesced.Load(),
		Failures:  r.failures.Load(),
	}
}

func (r *Reconciler) start(ctx context.Context, messageID string, target uint64) *flight {
	r.mu.Lock()
	defer r.mu.Unlock()

	if f, ok := r.inflight[messageID]; ok {
		if target > f.target {
			f.target = target
		}
		r.coalesced.Add(1)
		return f
	}

	f := &flight{target: target, done: make(chan struct{})}
	if target <= r.tracker.Sequence(messageID) {
		close(f.done)
		return f
	}

	r.inflight[messageID] = f
	r.wg.Add(1)
	go r.run(ctx, messageID, f)
	return f
}

func (r *Reconciler) run(ctx context.Context, messageID string, f *flight) {
	defer r.wg.Done()

	for {
		r.mu.Lock()
		target := f.target
		r.mu.Unlock()

		err := r.pull(ctx, messageID, target)

		r.mu.Lock()
		f.err = err
		if err == nil && f.target > target && f.target > r.tracker.Sequence(messageID) {
			r.mu.Unlock()
			continue
		}
		delete(r.inflight, messageID)
		close(f.done)
		r.mu.Unlock()
		return
	}
}

func (r *Reconciler) pull(ctx context.Context, messageID string, target uint64) error {
	local := r.tracker.Sequence(messageID)
	if target <= local {
		return nil
	}

	if target != catchUp && r.tracker.DetectGap(messageID, target) {
		r.gaps.Add(1)
		r.log.Info().
			Str("message_id", messageID).
			Uint64("local", local).
			Uint64("server", target).
			Bool("gap", true).
			Msg("Sequence gap detected, recovering")
	}

	applied := local
	for {
		r.pulls.Add(1)
		resp, err := r.puller.GetChunks(ctx, r.contextID, messageID, applied)
		if err != nil {
			r.failures.Add(1)
			r.log.Warn().Err(err).Str("message_id", messageID).Uint64("from_sequence", applied).Msg("Chunk pull failed")
			r.advance(messageID, local, applied)
			return err
		}

		before := applied
		applied, err = r.apply(ctx, messageID, applied, target, resp.Chunks)
		r.advance(messageID, local, applied)
		if applied > before && r.onApplied != nil {
			r.onApplied(messageID, applied)
		}
		if err != nil {
			return err
		}

		if applied >= target || applied == before || !resp.HasMore || applied >= resp.CurrentSequence {
			break
		}
	}

	if target != catchUp && applied < target {
		r.log.Debug().Str("message_id", messageID).Uint64("applied", applied).Uint64("target", target).Msg("Pull ended short of target")
	}
	return nil
}

// apply appends chunks that continue the applied sequence and stops at the
// first hole or past target
func (r *Reconciler) apply(ctx context.Context, messageID string, applied, target uint64, chunks []models.Chunk) (uint64, error) {
	for _, chunk := range chunks {
		if chunk.Sequence != applied+1 || chunk.Sequence > target {
			break
		}
		if err := r.sink.AppendChunk(ctx, r.contextID, messageID, chunk.Sequence, chunk.Delta); err != nil {
			if errors.Is(err, store.ErrMessageFinalized) {
				return applied, err
			}
			// persistence failed but the in-memory copy holds the chunk
			r.log.Error().Err(err).Str("message_id", messageID).Uint64("sequence", chunk.Sequence).Msg("Chunk persisted with error")
		}
		applied = chunk.Sequence
	}
	return applied, nil
}

func (r *Reconciler) advance(messageID string, local, applied uint64) {
	if applied > local {
		r.tracker.SetSequence(messageID, applied)
	}
}
