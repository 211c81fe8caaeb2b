package playback

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "catching_up", StateCatchingUp.String())
	assert.Equal(t, "unknown", State(42).String())
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateIdle, StateInitializing, true},
		{StateIdle, StatePlaying, false},
		{StateInitializing, StatePlaying, true},
		{StatePlaying, StateSeeking, true},
		{StateSeeking, StatePlaying, true},
		{StatePlaying, StateCatchingUp, true},
		{StateCatchingUp, StatePlaying, true},
		{StateCatchingUp, StateSeeking, true},
		{StatePlaying, StateEnded, true},
		{StateEnded, StateCatchingUp, false},
		{StateEnded, StateInitializing, false},
		{StateCatchingUp, StateIdle, false},
	}
	for _, tt := range tests {
		t.Run(tt.from.String()+"->"+tt.to.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, canTransition(tt.from, tt.to))
		})
	}
}
