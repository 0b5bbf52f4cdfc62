package proto

import "math"

// PlaybackState is the lifecycle state of one slot's player.
type PlaybackState string

const (
	StateIdle      PlaybackState = "idle"
	StateLoading   PlaybackState = "loading"
	StateBuffering PlaybackState = "buffering"
	StatePlaying   PlaybackState = "playing"
	StatePaused    PlaybackState = "paused"
	StateEnded     PlaybackState = "ended"
)

// Settled reports whether the state describes real content on screen
// (playing or paused) as opposed to a startup or transition state.
func (s PlaybackState) Settled() bool {
	return s == StatePlaying || s == StatePaused
}

// PlaybackUpdate is a snapshot of one slot's playback.
// Times are in seconds, timestamp in unix millis.
type PlaybackUpdate struct {
	DeviceID      string        `json:"deviceId"`
	SlotNumber    int           `json:"slotNumber"`
	MaterialID    string        `json:"materialId"`
	AdID          string        `json:"adId"`
	AdTitle       string        `json:"adTitle"`
	State         PlaybackState `json:"state"`
	CurrentTime   float64       `json:"currentTime"`
	Duration      float64       `json:"duration"`
	Progress      float64       `json:"progress"`
	RemainingTime float64       `json:"remainingTime"`
	PlaybackRate  float64       `json:"playbackRate"`
	Volume        float64       `json:"volume"`
	IsMuted       bool          `json:"isMuted"`
	Timestamp     int64         `json:"timestamp"`
}

// AdPlaybackUpdate is the periodic telemetry frame on the playback channel.
type AdPlaybackUpdate struct {
	Type string `json:"type"` // "adPlaybackUpdate"
	PlaybackUpdate
}

// ClampPosition limits current to [0, duration]. A non-positive or NaN
// duration yields 0.
func ClampPosition(current, duration float64) float64 {
	if !(duration > 0) || !(current > 0) {
		return 0
	}
	if current > duration {
		return duration
	}
	return current
}

// Progress returns current/duration as a percentage in [0, 100].
func Progress(current, duration float64) float64 {
	if !(duration > 0) || math.IsInf(duration, 1) {
		return 0
	}
	return ClampPosition(current, duration) / duration * 100
}

// Remaining returns the time left, never negative.
func Remaining(current, duration float64) float64 {
	if !(duration > 0) {
		return 0
	}
	return duration - ClampPosition(current, duration)
}

// Normalize clamps the position to [0, duration] and recomputes progress
// and remaining time from it.
func (u *PlaybackUpdate) Normalize() {
	if !(u.Duration > 0) || math.IsInf(u.Duration, 1) {
		u.Duration = 0
	}
	u.CurrentTime = ClampPosition(u.CurrentTime, u.Duration)
	u.Progress = Progress(u.CurrentTime, u.Duration)
	u.RemainingTime = Remaining(u.CurrentTime, u.Duration)
}
