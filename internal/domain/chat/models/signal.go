package models

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// MaxSignalSize bounds a single signal frame
const MaxSignalSize = 1024

var (
	ErrSignalTooLarge  = errors.New("signal exceeds maximum size")
	ErrUnknownSignal   = errors.New("unknown signal type")
	ErrInvalidSignal   = errors.New("invalid signal")
	signalValidator    = validator.New()
	signalRequirements = map[SignalType][]string{
		SignalStateChanged:     {"ContextID", "NewState"},
		SignalContentDelta:     {"ContextID", "MessageID", "CurrentSequence"},
		SignalMessageCompleted: {"ContextID", "MessageID"},
		SignalMessageCreated:   {"MessageID"},
		SignalTitleUpdated:     {"ContextID", "Title"},
		SignalHeartbeat:        nil,
	}
)

type SignalType string

const (
	SignalStateChanged     SignalType = "state_changed"
	SignalContentDelta     SignalType = "content_delta"
	SignalMessageCompleted SignalType = "message_completed"
	SignalMessageCreated   SignalType = "message_created"
	SignalTitleUpdated     SignalType = "title_updated"
	SignalHeartbeat        SignalType = "heartbeat"
)

// SignalEvent is a content-free notification pushed by the server. Only the
// fields of the variant named by Type are populated.
type SignalEvent struct {
	Type            SignalType `json:"type"`
	ContextID       string     `json:"context_id,omitempty" validate:"required"`
	MessageID       string     `json:"message_id,omitempty" validate:"required"`
	NewState        string     `json:"new_state,omitempty" validate:"required"`
	CurrentSequence uint64     `json:"current_sequence,omitempty" validate:"required"`
	FinalSequence   uint64     `json:"final_sequence,omitempty"`
	Role            Role       `json:"role,omitempty"`
	Title           string     `json:"title,omitempty" validate:"required"`
	Timestamp       string     `json:"timestamp,omitempty"`
}

// Sequence returns the server sequence the signal announces
func (e SignalEvent) Sequence() uint64 {
	if e.Type == SignalMessageCompleted {
		return e.FinalSequence
	}
	return e.CurrentSequence
}

// DecodeSignal parses and validates one signal frame
func DecodeSignal(data []byte) (SignalEvent, error) {
	var ev SignalEvent
	if len(data) > MaxSignalSize {
		return ev, fmt.Errorf("%w: %d bytes", ErrSignalTooLarge, len(data))
	}
	if err := json.Unmarshal(data, &ev); err != nil {
		return ev, fmt.Errorf("failed to decode signal: %w", err)
	}

	fields, ok := signalRequirements[ev.Type]
	if !ok {
		return ev, fmt.Errorf("%w: %q", ErrUnknownSignal, ev.Type)
	}
	if len(fields) > 0 {
		if err := signalValidator.StructPartial(ev, fields...); err != nil {
			return ev, fmt.Errorf("%w %s: %v", ErrInvalidSignal, ev.Type, err)
		}
	}
	return ev, nil
}

// EncodeSignal serializes a signal for the wire
func EncodeSignal(ev SignalEvent) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("failed to encode signal: %w", err)
	}
	if len(data) > MaxSignalSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrSignalTooLarge, len(data))
	}
	return data, nil
}
