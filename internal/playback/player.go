package playback

import "github.com/petervdpas/slotcast/internal/catalog"

// Player is the renderer the machine drives. Implementations report
// lifecycle changes on Events; method calls must not block on the machine.
type Player interface {
	Load(ad catalog.Ad) error
	Play() error
	Pause() error
	Seek(sec float64) error
	Status() PlayerStatus
	Events() <-chan PlayerEvent
}

// PlayerStatus is what the renderer reports when polled.
type PlayerStatus struct {
	Playing  bool
	Position float64 // seconds
	Duration float64 // seconds
	Rate     float64
	Volume   float64
	Muted    bool
}

type PlayerEventKind int

const (
	PlayerBuffering PlayerEventKind = iota
	PlayerPlaying
	PlayerPaused
	PlayerEnded
	PlayerError
)

func (k PlayerEventKind) String() string {
	switch k {
	case PlayerBuffering:
		return "buffering"
	case PlayerPlaying:
		return "playing"
	case PlayerPaused:
		return "paused"
	case PlayerEnded:
		return "ended"
	case PlayerError:
		return "error"
	}
	return "unknown"
}

// PlayerEvent is one lifecycle notification. AdID names the ad the event
// belongs to so late events from a replaced ad can be discarded.
type PlayerEvent struct {
	Kind PlayerEventKind
	AdID string
	Err  error
}
