package playback

import (
	"errors"
	"log"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/petervdpas/slotcast/internal/catalog"
	"github.com/petervdpas/slotcast/internal/timers"
)

var errMediaUnavailable = errors.New("simplayer: media unavailable")

// SimPlayer is a headless player driven by a clock. It buffers for
// LoadDelay, then plays the ad for its DurationSec.
type SimPlayer struct {
	LoadDelay time.Duration

	clk    clock.Clock
	timers *timers.Set
	events chan PlayerEvent

	mu      sync.Mutex
	ad      *catalog.Ad
	playing bool
	base    float64   // position when playback last (re)started
	since   time.Time // clock time of that start
	broken  map[string]bool
	loads   map[string]int
}

func NewSimPlayer(clk clock.Clock) *SimPlayer {
	if clk == nil {
		clk = clock.New()
	}
	return &SimPlayer{
		LoadDelay: 300 * time.Millisecond,
		clk:       clk,
		timers:    timers.New(clk),
		events:    make(chan PlayerEvent, 64),
		broken:    make(map[string]bool),
		loads:     make(map[string]int),
	}
}

// Break makes every future Load of adID fail.
func (p *SimPlayer) Break(adID string) {
	p.mu.Lock()
	p.broken[adID] = true
	p.mu.Unlock()
}

// Loads returns how many times adID was loaded.
func (p *SimPlayer) Loads(adID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loads[adID]
}

func (p *SimPlayer) Events() <-chan PlayerEvent { return p.events }

func (p *SimPlayer) emit(kind PlayerEventKind, adID string, err error) {
	select {
	case p.events <- PlayerEvent{Kind: kind, AdID: adID, Err: err}:
	default:
		log.Printf("PLAYBACK: simplayer event queue full, dropped %s", kind)
	}
}

func (p *SimPlayer) Load(ad catalog.Ad) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.timers.CancelAll()
	p.loads[ad.ID]++
	p.ad = &ad
	p.playing = false
	p.base = 0

	if p.broken[ad.ID] || ad.DurationSec <= 0 {
		// Reported asynchronously like a real decoder error.
		p.emit(PlayerError, ad.ID, errMediaUnavailable)
		return nil
	}
	p.emit(PlayerBuffering, ad.ID, nil)
	p.timers.Arm("ready", p.LoadDelay, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.ad == nil || p.ad.ID != ad.ID {
			return
		}
		p.start()
	})
	return nil
}

// start begins or resumes playback. Caller holds mu.
func (p *SimPlayer) start() {
	p.playing = true
	p.since = p.clk.Now()
	id := p.ad.ID
	remaining := time.Duration((p.ad.DurationSec - p.base) * float64(time.Second))
	p.timers.Arm("end", remaining, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.ad == nil || p.ad.ID != id || !p.playing {
			return
		}
		p.base = p.ad.DurationSec
		p.playing = false
		p.emit(PlayerEnded, id, nil)
	})
	p.emit(PlayerPlaying, id, nil)
}

func (p *SimPlayer) position() float64 {
	if p.ad == nil {
		return 0
	}
	pos := p.base
	if p.playing {
		pos += p.clk.Since(p.since).Seconds()
	}
	if pos > p.ad.DurationSec {
		pos = p.ad.DurationSec
	}
	return pos
}

func (p *SimPlayer) Play() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ad == nil || p.playing || p.base >= p.ad.DurationSec {
		return nil
	}
	p.start()
	return nil
}

func (p *SimPlayer) Pause() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ad == nil || !p.playing {
		return nil
	}
	p.base = p.position()
	p.playing = false
	p.timers.Cancel("end")
	p.emit(PlayerPaused, p.ad.ID, nil)
	return nil
}

func (p *SimPlayer) Seek(sec float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ad == nil {
		return nil
	}
	p.base = sec
	if p.playing {
		p.timers.Cancel("end")
		p.start()
	}
	return nil
}

func (p *SimPlayer) Status() PlayerStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := PlayerStatus{Playing: p.playing, Position: p.position(), Rate: 1, Volume: 1}
	if p.ad != nil {
		st.Duration = p.ad.DurationSec
	}
	return st
}
