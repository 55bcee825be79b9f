// Package syncer keeps a local copy of a conversation context converged with
// the server: signals announce change, pulls fetch it, and per-message
// sequence numbers detect and heal gaps.
package syncer

import "sync"

// Tracker records the last applied chunk sequence per message. It performs
// no I/O.
type Tracker struct {
	mu        sync.RWMutex
	sequences map[string]uint64
	terminal  map[string]struct{}
}

func NewTracker() *Tracker {
	return &Tracker{
		sequences: make(map[string]uint64),
		terminal:  make(map[string]struct{}),
	}
}

// Sequence returns the applied sequence, 0 for unknown messages
func (t *Tracker) Sequence(messageID string) uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.sequences[messageID]
}

// SetSequence advances the applied sequence. Lower or equal values are
// ignored and reported as false.
func (t *Tracker) SetSequence(messageID string, seq uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if seq <= t.sequences[messageID] {
		return false
	}
	t.sequences[messageID] = seq
	return true
}

// DetectGap reports whether serverSequence skips past at least one chunk
// beyond the applied one
func (t *Tracker) DetectGap(messageID string, serverSequence uint64) bool {
	local := t.Sequence(messageID)
	return serverSequence > local && serverSequence-local > 1
}

// MarkTerminal records that a message expects no further chunks
func (t *Tracker) MarkTerminal(messageID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.terminal[messageID] = struct{}{}
}

func (t *Tracker) IsTerminal(messageID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.terminal[messageID]
	return ok
}

// Forget drops all state for a message
func (t *Tracker) Forget(messageID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sequences, messageID)
	delete(t.terminal, messageID)
}
