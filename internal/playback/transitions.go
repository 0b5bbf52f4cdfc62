package playback

import (
	"errors"
	"fmt"
	"time"

	"github.com/petervdpas/slotcast/internal/proto"
)

var ErrInvalidTransition = errors.New("playback: invalid transition")

var allowed = map[proto.PlaybackState][]proto.PlaybackState{
	proto.StateIdle:      {proto.StateLoading},
	proto.StateLoading:   {proto.StateBuffering, proto.StateLoading},
	proto.StateBuffering: {proto.StatePlaying, proto.StateLoading},
	proto.StatePlaying:   {proto.StatePaused, proto.StateBuffering, proto.StateEnded, proto.StateLoading},
	proto.StatePaused:    {proto.StatePlaying, proto.StateEnded, proto.StateLoading},
	proto.StateEnded:     {proto.StateLoading},
}

// CanTransition reports whether from → to is in the transition table.
func CanTransition(from, to proto.PlaybackState) bool {
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}

func checkTransition(from, to proto.PlaybackState) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// Transition is published on every state change.
type Transition struct {
	From proto.PlaybackState
	To   proto.PlaybackState
	AdID string
	At   time.Time
}
