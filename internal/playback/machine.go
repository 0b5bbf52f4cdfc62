// Package playback drives one slot's ad rotation and reports its state.
//
//	idle → loading → buffering → playing ⇄ paused → ended → loading
//
// Playing is only entered after the player confirms it twice: once through
// its event and again, after a short settle delay, by reporting a moving
// position. While playing, a snapshot goes out on every tick.
package playback

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/petervdpas/slotcast/internal/catalog"
	"github.com/petervdpas/slotcast/internal/conn"
	"github.com/petervdpas/slotcast/internal/proto"
	"github.com/petervdpas/slotcast/internal/queue"
	"github.com/petervdpas/slotcast/internal/timers"
)

const (
	timerSettle   timers.Kind = "settle"
	timerTick     timers.Kind = "tick"
	timerRetry    timers.Kind = "error-retry"
	timerCooldown timers.Kind = "idle-cooldown"
)

// Publisher sends frames on the playback channel (conn.Manager).
type Publisher interface {
	Send(v any) error
}

// Recorder durably stores discrete events (queue.Queue).
type Recorder interface {
	Enqueue(ctx context.Context, kind queue.Kind, payload any) (string, error)
}

// Catalog is the ad source (catalog.Catalog).
type Catalog interface {
	Eligible(t time.Time) []catalog.Ad
	Filler() (catalog.Ad, bool)
	Lookup(id string) (catalog.Ad, error)
	Version() uint64
}

type Options struct {
	DeviceID   string
	MaterialID string
	SlotNumber int

	Tick                  time.Duration
	Settle                time.Duration
	ErrorRetries          int
	ErrorRetryDelay       time.Duration
	FillerInterleaveBelow int
	IdleCooldown          time.Duration

	Clock clock.Clock
}

func (o *Options) setDefaults() {
	if o.Tick <= 0 {
		o.Tick = 200 * time.Millisecond
	}
	if o.Settle <= 0 {
		o.Settle = 500 * time.Millisecond
	}
	if o.ErrorRetries == 0 {
		o.ErrorRetries = 3
	}
	if o.ErrorRetryDelay <= 0 {
		o.ErrorRetryDelay = 2 * time.Second
	}
	if o.FillerInterleaveBelow == 0 {
		o.FillerInterleaveBelow = 5
	}
	if o.IdleCooldown <= 0 {
		o.IdleCooldown = 30 * time.Second
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
}

// PlaybackRecord is the durable ad-playback event written when an ad ends.
type PlaybackRecord struct {
	DeviceID   string  `json:"deviceId"`
	MaterialID string  `json:"materialId"`
	SlotNumber int     `json:"slotNumber"`
	AdID       string  `json:"adId"`
	AdTitle    string  `json:"adTitle"`
	Duration   float64 `json:"duration"`
	StartedAt  int64   `json:"startedAt"`
	EndedAt    int64   `json:"endedAt"`
}

type Machine struct {
	opts   Options
	player Player
	pub    Publisher
	rec    Recorder
	cat    Catalog
	timers *timers.Set

	transitions chan Transition

	mu         sync.Mutex
	state      proto.PlaybackState
	ad         *catalog.Ad
	loadSeq    uint64
	startedAt  time.Time
	endedFired bool
	buffering  bool // snapshot already sent for this buffering episode
	retries    int
	unplayable map[string]bool
	playlist   []catalog.Ad
	pos        int
	catVersion uint64
	outbox     []proto.PlaybackUpdate
	records    []PlaybackRecord

	// sendMu is taken before mu is released so snapshots leave in the
	// order they were queued.
	sendMu sync.Mutex

	ctx context.Context
	wg  sync.WaitGroup
}

func New(opts Options, player Player, pub Publisher, rec Recorder, cat Catalog) *Machine {
	opts.setDefaults()
	return &Machine{
		opts:        opts,
		player:      player,
		pub:         pub,
		rec:         rec,
		cat:         cat,
		timers:      timers.New(opts.Clock),
		transitions: make(chan Transition, 32),
		state:       proto.StateIdle,
		unplayable:  make(map[string]bool),
		ctx:         context.Background(),
	}
}

// Run starts the rotation and consumes player events until ctx is done.
func (m *Machine) Run(ctx context.Context) {
	m.mu.Lock()
	m.ctx = ctx
	if m.state == proto.StateIdle && m.ad == nil {
		m.advance()
	}
	m.unlock()

	events := m.player.Events()
	for {
		select {
		case <-ctx.Done():
			m.timers.CancelAll()
			m.wg.Wait()
			return
		case ev := <-events:
			m.HandleEvent(ev)
		}
	}
}

// Transitions delivers every state change. When the reader lags the oldest
// entries are dropped.
func (m *Machine) Transitions() <-chan Transition { return m.transitions }

// unlock releases the lock, then sends queued snapshots and records.
func (m *Machine) unlock() {
	out, recs := m.outbox, m.records
	m.outbox, m.records = nil, nil
	ctx, pub := m.ctx, m.pub
	m.sendMu.Lock()
	m.mu.Unlock()

	for _, u := range out {
		if err := pub.Send(proto.AdPlaybackUpdate{Type: proto.TypeAdPlaybackUpdate, PlaybackUpdate: u}); err != nil && !errors.Is(err, conn.ErrNotConnected) {
			log.Printf("PLAYBACK: publish %s: %v", u.State, err)
		}
	}
	m.sendMu.Unlock()
	for _, r := range recs {
		m.wg.Add(1)
		go func(r PlaybackRecord) {
			defer m.wg.Done()
			if _, err := m.rec.Enqueue(ctx, queue.KindAdPlayback, r); err != nil {
				log.Printf("PLAYBACK: record %s: %v", r.AdID, err)
			}
		}(r)
	}
}

func (m *Machine) setState(to proto.PlaybackState) error {
	if err := checkTransition(m.state, to); err != nil {
		return err
	}
	m.forceState(to)
	return nil
}

func (m *Machine) forceState(to proto.PlaybackState) {
	tr := Transition{From: m.state, To: to, At: m.opts.Clock.Now()}
	if m.ad != nil {
		tr.AdID = m.ad.ID
	}
	m.state = to
	select {
	case m.transitions <- tr:
	default:
		select {
		case <-m.transitions:
		default:
		}
		select {
		case m.transitions <- tr:
		default:
		}
	}
}

// queueSnapshot schedules the current snapshot for sending on unlock.
func (m *Machine) queueSnapshot() {
	m.outbox = append(m.outbox, m.snapshot())
}

func (m *Machine) snapshot() proto.PlaybackUpdate {
	u := proto.PlaybackUpdate{
		DeviceID:   m.opts.DeviceID,
		SlotNumber: m.opts.SlotNumber,
		MaterialID: m.opts.MaterialID,
		State:      m.state,
		Timestamp:  m.opts.Clock.Now().UnixMilli(),
	}
	if m.ad != nil {
		u.AdID = m.ad.ID
		u.AdTitle = m.ad.Title
		u.Duration = m.ad.DurationSec
	}
	if m.state != proto.StateIdle {
		st := m.player.Status()
		u.CurrentTime = st.Position
		if st.Duration > 0 {
			u.Duration = st.Duration
		}
		u.PlaybackRate = st.Rate
		u.Volume = st.Volume
		u.IsMuted = st.Muted
	}
	if m.state == proto.StateEnded {
		u.CurrentTime = u.Duration
	}
	u.Normalize()
	return u
}

// HandleEvent applies one player event. Events for an ad other than the
// loaded one are ignored.
func (m *Machine) HandleEvent(ev PlayerEvent) {
	m.mu.Lock()
	defer m.unlock()

	if m.ad == nil || ev.AdID != m.ad.ID {
		return
	}
	switch ev.Kind {
	case PlayerBuffering:
		m.onBuffering()
	case PlayerPlaying:
		m.onPlayerPlaying()
	case PlayerPaused:
		m.onPaused()
	case PlayerEnded:
		m.onEnded()
	case PlayerError:
		m.onError(ev.Err)
	}
}

func (m *Machine) onBuffering() {
	switch m.state {
	case proto.StateLoading, proto.StatePlaying:
		m.timers.Cancel(timerTick)
		m.setState(proto.StateBuffering)
	case proto.StateBuffering:
	default:
		return
	}
	if !m.buffering {
		m.buffering = true
		m.queueSnapshot()
	}
}

func (m *Machine) onPlayerPlaying() {
	switch m.state {
	case proto.StateLoading, proto.StateBuffering, proto.StatePaused:
		m.armSettle()
	}
}

func (m *Machine) armSettle() {
	seq := m.loadSeq
	m.timers.Arm(timerSettle, m.opts.Settle, func() {
		m.mu.Lock()
		defer m.unlock()
		if seq != m.loadSeq {
			return
		}
		m.confirmPlaying()
	})
}

// confirmPlaying is the second confirmation stage.
func (m *Machine) confirmPlaying() {
	switch m.state {
	case proto.StateLoading, proto.StateBuffering, proto.StatePaused:
	default:
		return
	}
	st := m.player.Status()
	if !st.Playing {
		return
	}
	if st.Position <= 0 {
		m.armSettle()
		return
	}
	if m.state == proto.StateLoading {
		m.setState(proto.StateBuffering)
	}
	if m.startedAt.IsZero() {
		m.startedAt = m.opts.Clock.Now()
	}
	m.setState(proto.StatePlaying)
	m.buffering = false
	m.retries = 0
	m.queueSnapshot()
	m.armTick()
}

func (m *Machine) armTick() {
	seq := m.loadSeq
	m.timers.Arm(timerTick, m.opts.Tick, func() {
		m.mu.Lock()
		defer m.unlock()
		if seq != m.loadSeq || m.state != proto.StatePlaying {
			return
		}
		m.queueSnapshot()
		m.armTick()
	})
}

func (m *Machine) onPaused() {
	if m.state != proto.StatePlaying {
		return
	}
	m.timers.Cancel(timerTick)
	m.setState(proto.StatePaused)
	m.queueSnapshot()
}

func (m *Machine) onEnded() {
	if m.endedFired {
		return
	}
	if m.state != proto.StatePlaying && m.state != proto.StatePaused {
		log.Printf("PLAYBACK: ignoring end of %s while %s", m.ad.ID, m.state)
		return
	}
	m.endedFired = true
	m.timers.Cancel(timerTick)
	m.timers.Cancel(timerSettle)
	m.setState(proto.StateEnded)
	m.queueSnapshot()

	now := m.opts.Clock.Now()
	m.records = append(m.records, PlaybackRecord{
		DeviceID:   m.opts.DeviceID,
		MaterialID: m.opts.MaterialID,
		SlotNumber: m.opts.SlotNumber,
		AdID:       m.ad.ID,
		AdTitle:    m.ad.Title,
		Duration:   m.ad.DurationSec,
		StartedAt:  m.startedAt.UnixMilli(),
		EndedAt:    now.UnixMilli(),
	})
	log.Printf("PLAYBACK: slot %d finished %s", m.opts.SlotNumber, m.ad.ID)
	m.advance()
}

func (m *Machine) onError(err error) {
	ad := *m.ad
	m.timers.Cancel(timerTick)
	m.timers.Cancel(timerSettle)
	m.retries++
	if m.retries <= m.opts.ErrorRetries {
		log.Printf("PLAYBACK: %s failed (%v), retry %d/%d", ad.ID, err, m.retries, m.opts.ErrorRetries)
		seq := m.loadSeq
		m.timers.Arm(timerRetry, m.opts.ErrorRetryDelay, func() {
			m.mu.Lock()
			defer m.unlock()
			if seq != m.loadSeq {
				return
			}
			m.load(ad, true)
		})
		return
	}
	log.Printf("PLAYBACK: %s unplayable after %d retries, skipping", ad.ID, m.opts.ErrorRetries)
	m.unplayable[ad.ID] = true
	m.retries = 0
	m.advance()
}

// load replaces the current ad. retry keeps the error counter.
func (m *Machine) load(ad catalog.Ad, retry bool) {
	m.timers.Cancel(timerTick)
	m.timers.Cancel(timerSettle)
	m.timers.Cancel(timerRetry)
	m.timers.Cancel(timerCooldown)
	if !retry {
		m.retries = 0
	}
	m.loadSeq++
	m.ad = &ad
	m.endedFired = false
	m.buffering = false
	m.startedAt = time.Time{}
	if err := m.setState(proto.StateLoading); err != nil {
		m.forceState(proto.StateLoading)
	}
	if err := m.player.Load(ad); err != nil {
		m.onError(err)
	}
}

// Playlist builds one rotation cycle: user ads only when there are enough,
// user ads followed by the filler when there are a few, the filler alone
// when there are none.
func Playlist(users []catalog.Ad, filler *catalog.Ad, interleaveBelow int) []catalog.Ad {
	switch {
	case len(users) == 0:
		if filler == nil {
			return nil
		}
		return []catalog.Ad{*filler}
	case len(users) < interleaveBelow && filler != nil:
		out := append(make([]catalog.Ad, 0, len(users)+1), users...)
		return append(out, *filler)
	default:
		return append([]catalog.Ad(nil), users...)
	}
}

func (m *Machine) buildPlaylist() []catalog.Ad {
	var users []catalog.Ad
	for _, a := range m.cat.Eligible(m.opts.Clock.Now()) {
		if !m.unplayable[a.ID] {
			users = append(users, a)
		}
	}
	var filler *catalog.Ad
	if f, ok := m.cat.Filler(); ok && !m.unplayable[f.ID] {
		filler = &f
	}
	return Playlist(users, filler, m.opts.FillerInterleaveBelow)
}

// advance loads the next ad of the rotation, rebuilding the cycle when it is
// exhausted or the catalog changed.
func (m *Machine) advance() {
	if v := m.cat.Version(); v != m.catVersion {
		m.catVersion = v
		m.playlist = nil
		clear(m.unplayable)
	}
	m.pos++
	if m.pos >= len(m.playlist) {
		m.playlist = m.buildPlaylist()
		m.pos = 0
	}
	if len(m.playlist) == 0 {
		m.park()
		return
	}
	m.load(m.playlist[m.pos], false)
}

// park stops in idle and restarts the rotation after the cool-down.
func (m *Machine) park() {
	m.timers.Cancel(timerTick)
	m.timers.Cancel(timerSettle)
	m.loadSeq++
	m.ad = nil
	if m.state != proto.StateIdle {
		m.forceState(proto.StateIdle)
	}
	log.Printf("PLAYBACK: slot %d has nothing playable, idle for %s", m.opts.SlotNumber, m.opts.IdleCooldown)
	m.timers.Arm(timerCooldown, m.opts.IdleCooldown, func() {
		m.mu.Lock()
		defer m.unlock()
		if m.state != proto.StateIdle {
			return
		}
		clear(m.unplayable)
		m.playlist = nil
		m.advance()
	})
}

// SwitchTo loads adID now. The rotation continues after it when the ad is
// part of the current cycle. Switching to the ad already loaded is a no-op.
func (m *Machine) SwitchTo(adID string) error {
	ad, err := m.cat.Lookup(adID)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.unlock()
	if m.ad != nil && m.ad.ID == adID && m.state != proto.StateEnded {
		return nil
	}
	for i, a := range m.playlist {
		if a.ID == adID {
			m.pos = i
			break
		}
	}
	log.Printf("PLAYBACK: slot %d switching to %s", m.opts.SlotNumber, adID)
	m.load(ad, false)
	return nil
}

// HasAd reports whether adID is known to the local catalog.
func (m *Machine) HasAd(adID string) bool {
	_, err := m.cat.Lookup(adID)
	return err == nil
}

// Seek moves the playhead, clamped to the ad's duration.
func (m *Machine) Seek(sec float64) error {
	m.mu.Lock()
	defer m.unlock()
	if m.ad == nil {
		return nil
	}
	d := m.player.Status().Duration
	if d <= 0 {
		d = m.ad.DurationSec
	}
	return m.player.Seek(proto.ClampPosition(sec, d))
}

// Play resumes a paused ad. The playing state is entered once the player
// confirms.
func (m *Machine) Play() error {
	m.mu.Lock()
	defer m.unlock()
	if m.state != proto.StatePaused {
		return nil
	}
	return m.player.Play()
}

// Pause pauses a playing ad.
func (m *Machine) Pause() error {
	m.mu.Lock()
	defer m.unlock()
	if m.state != proto.StatePlaying {
		return nil
	}
	return m.player.Pause()
}

// Snapshot returns the current playback update.
func (m *Machine) Snapshot() proto.PlaybackUpdate {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot()
}

// State returns the current state.
func (m *Machine) State() proto.PlaybackState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}
