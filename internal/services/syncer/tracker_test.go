package syncer

import (
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTrackerSequence(t *testing.T) {
	tr := NewTracker()
	assert.Equal(t, uint64(0), tr.Sequence("m1"))

	assert.True(t, tr.SetSequence("m1", 3))
	assert.False(t, tr.SetSequence("m1", 3), "equal value is a no-op")
	assert.False(t, tr.SetSequence("m1", 2), "regression is a no-op")
	assert.Equal(t, uint64(3), tr.Sequence("m1"))
}

func TestDetectGap(t *testing.T) {
	tests := []struct {
		name   string
		local  uint64
		server uint64
		want   bool
	}{
		{"next chunk", 0, 1, false},
		{"equal", 4, 4, false},
		{"regressive", 5, 2, false},
		{"one missing", 3, 5, true},
		{"wide gap", 0, 100, true},
		{"no underflow near max", 2, math.MaxUint64, true},
		{"server zero", 7, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := NewTracker()
			tr.SetSequence("m", tt.local)
			assert.Equal(t, tt.want, tr.DetectGap("m", tt.server))
		})
	}
}

func TestTrackerTerminalAndForget(t *testing.T) {
	tr := NewTracker()
	tr.SetSequence("m1", 9)
	tr.MarkTerminal("m1")
	assert.True(t, tr.IsTerminal("m1"))
	assert.False(t, tr.IsTerminal("m2"))

	tr.Forget("m1")
	assert.False(t, tr.IsTerminal("m1"))
	assert.Equal(t, uint64(0), tr.Sequence("m1"))
}

func TestTrackerConcurrentMonotonic(t *testing.T) {
	tr := NewTracker()
	var wg sync.WaitGroup
	for i := uint64(1); i <= 200; i++ {
		wg.Add(1)
		go func(seq uint64) {
			defer wg.Done()
			tr.SetSequence("m", seq)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, uint64(200), tr.Sequence("m"))
}
