// Package slotsync keeps the slots of one material showing broadly the same
// ad. There is no leader: each slot announces what it plays and follows a
// peer that claimed playing before it did.
//
// A peer's claim time is its receipt time minus its position. A slot acts
// on a playing peer only when the peer is further along by more than
// DriftTolerance, and this applies to a different ad as much as to the same
// one: a peer showing another ad that started later, or within the
// tolerance, does not make this slot switch. Two slots that claim within
// the tolerance of each other keep their own ads until one of them rotates.
package slotsync

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/petervdpas/slotcast/internal/conn"
	"github.com/petervdpas/slotcast/internal/playback"
	"github.com/petervdpas/slotcast/internal/proto"
	"github.com/petervdpas/slotcast/internal/timers"
)

const timerFollow timers.Kind = "switch-settle"

// Machine is the local playback state machine (playback.Machine).
type Machine interface {
	State() proto.PlaybackState
	Snapshot() proto.PlaybackUpdate
	SwitchTo(adID string) error
	HasAd(adID string) bool
	Seek(sec float64) error
	Play() error
	Pause() error
	Transitions() <-chan playback.Transition
}

// Channel is the playback channel (conn.Manager).
type Channel interface {
	Send(v any) error
	Inbox() <-chan []byte
	Status() conn.Status
	Subscribe() (chan conn.Status, func())
}

// Refresher reloads the ad catalog (catalog.Catalog).
type Refresher interface {
	Refresh() error
}

// PeerObserver records peer snapshots (state.SlotTable).
type PeerObserver interface {
	Observe(u proto.PlaybackUpdate) bool
}

type Options struct {
	MaterialID string
	SlotNumber int

	Interval       time.Duration // SyncRequest broadcast period
	StartupQuiet   time.Duration // no broadcast this long after connect; negative disables
	LoadSettle     time.Duration // wait after a switch before seeking
	DriftTolerance float64       // seconds

	Clock clock.Clock
}

func (o *Options) setDefaults() {
	if o.Interval <= 0 {
		o.Interval = 30 * time.Second
	}
	switch {
	case o.StartupQuiet == 0:
		o.StartupQuiet = 60 * time.Second
	case o.StartupQuiet < 0:
		o.StartupQuiet = 0
	}
	if o.LoadSettle <= 0 {
		o.LoadSettle = 1500 * time.Millisecond
	}
	if o.DriftTolerance <= 0 {
		o.DriftTolerance = 2
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
}

type Synchronizer struct {
	opts   Options
	m      Machine
	ch     Channel
	cat    Refresher
	peers  PeerObserver
	timers *timers.Set

	refreshing atomic.Bool
	wg         sync.WaitGroup

	mu          sync.Mutex
	online      bool
	connectedAt time.Time
}

// New returns a Synchronizer. cat and peers may be nil.
func New(opts Options, m Machine, ch Channel, cat Refresher, peers PeerObserver) *Synchronizer {
	opts.setDefaults()
	return &Synchronizer{
		opts:   opts,
		m:      m,
		ch:     ch,
		cat:    cat,
		peers:  peers,
		timers: timers.New(opts.Clock),
	}
}

// Run consumes channel status, inbound frames and local transitions until
// ctx is done. It is the only reader of the channel inbox and of the
// machine's transitions.
func (s *Synchronizer) Run(ctx context.Context) {
	statuses, unsubscribe := s.ch.Subscribe()
	defer unsubscribe()
	s.setOnline(s.ch.Status().Online)

	ticker := s.opts.Clock.Ticker(s.opts.Interval)
	defer ticker.Stop()

	inbox := s.ch.Inbox()
	transitions := s.m.Transitions()
	for {
		select {
		case <-ctx.Done():
			s.timers.CancelAll()
			s.wg.Wait()
			return
		case st, ok := <-statuses:
			if !ok {
				statuses = nil
				continue
			}
			s.setOnline(st.Online)
		case data := <-inbox:
			s.HandleFrame(data)
		case tr := <-transitions:
			s.onTransition(tr)
		case <-ticker.C:
			s.broadcast()
		}
	}
}

// setOnline tracks the connect time and asks peers for their state on every
// offline to online edge.
func (s *Synchronizer) setOnline(online bool) {
	s.mu.Lock()
	was := s.online
	s.online = online
	if online && !was {
		s.connectedAt = s.opts.Clock.Now()
	}
	s.mu.Unlock()

	if online && !was {
		s.send(proto.NewStateRequest(s.opts.MaterialID, s.opts.SlotNumber))
	}
}

// broadcast sends the periodic SyncRequest unless the channel is down, the
// connection is younger than the startup quiet period or the local slot is
// still loading.
func (s *Synchronizer) broadcast() {
	s.mu.Lock()
	online, since := s.online, s.connectedAt
	s.mu.Unlock()

	if !online || s.opts.Clock.Since(since) < s.opts.StartupQuiet {
		return
	}
	switch s.m.State() {
	case proto.StateLoading, proto.StateBuffering:
		return
	}
	s.send(proto.NewSyncRequest(s.opts.MaterialID, s.opts.SlotNumber))
}

func (s *Synchronizer) onTransition(tr playback.Transition) {
	if !tr.To.Settled() {
		return
	}
	snap := s.m.Snapshot()
	if !snap.State.Settled() {
		return
	}
	s.send(proto.NewSlotSync(snap))
}

func (s *Synchronizer) send(v any) {
	if err := s.ch.Send(v); err != nil && !errors.Is(err, conn.ErrNotConnected) {
		log.Printf("SYNC: send: %v", err)
	}
}

// HandleFrame decodes one playback-channel frame and applies it.
// Telemetry frames from peers only update the peer table.
func (s *Synchronizer) HandleFrame(data []byte) {
	now := s.opts.Clock.Now()

	var env proto.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Printf("SYNC: dropped malformed frame: %v", err)
		return
	}
	if env.Type == proto.TypeAdPlaybackUpdate {
		var u proto.AdPlaybackUpdate
		if err := json.Unmarshal(data, &u); err != nil {
			log.Printf("SYNC: dropped malformed %s: %v", env.Type, err)
			return
		}
		s.observe(u.PlaybackUpdate)
		return
	}

	msg, err := proto.Decode(data)
	if err != nil {
		log.Printf("SYNC: dropped frame: %v", err)
		return
	}
	s.Handle(msg, now)
}

// Handle applies a decoded message received at the given time. Messages
// from this slot or another material are ignored.
func (s *Synchronizer) Handle(msg proto.SyncMessage, receivedAt time.Time) {
	if msg.Material() != s.opts.MaterialID || msg.Source() == s.opts.SlotNumber {
		return
	}

	switch m := msg.(type) {
	case *proto.SyncRequest:
		s.answer(m.SlotNumber)
	case *proto.StateRequest:
		s.answer(m.RequestingSlot)
	case *proto.StateResponse:
		if m.RequestingSlot != s.opts.SlotNumber {
			return
		}
		s.observe(m.PlaybackUpdate)
		s.reconcile(m.PlaybackUpdate, receivedAt)
	case *proto.SlotSync:
		s.observe(m.PlaybackUpdate)
		s.reconcile(m.PlaybackUpdate, receivedAt)
	}
}

// answer replies with the local state, but only once there is real content
// on screen. A loading slot has nothing worth following.
func (s *Synchronizer) answer(requester int) {
	snap := s.m.Snapshot()
	if !snap.State.Settled() {
		return
	}
	s.send(proto.NewStateResponse(requester, snap))
}

func (s *Synchronizer) observe(u proto.PlaybackUpdate) {
	if s.peers != nil {
		s.peers.Observe(u)
	}
}

// reconcile moves the local slot towards peer. Whichever slot has been
// playing its ad longer claimed playing first and is followed; within the
// drift tolerance neither side moves.
func (s *Synchronizer) reconcile(peer proto.PlaybackUpdate, receivedAt time.Time) {
	local := s.m.Snapshot()
	if !local.State.Settled() {
		return
	}

	switch peer.State {
	case proto.StatePaused:
		if local.State == proto.StatePlaying {
			log.Printf("SYNC: slot %d paused, pausing %s", peer.SlotNumber, local.AdID)
			if err := s.m.Pause(); err != nil {
				log.Printf("SYNC: pause: %v", err)
			}
		}
		return
	case proto.StatePlaying:
	default:
		return
	}

	peerPos := peer.CurrentTime + s.opts.Clock.Since(receivedAt).Seconds()
	if peerPos <= local.CurrentTime+s.opts.DriftTolerance {
		return
	}

	if peer.AdID == local.AdID {
		log.Printf("SYNC: %s drifted %.1fs behind slot %d, seeking", local.AdID, peerPos-local.CurrentTime, peer.SlotNumber)
		if err := s.m.Seek(peerPos); err != nil {
			log.Printf("SYNC: seek: %v", err)
		}
		return
	}

	if !s.m.HasAd(peer.AdID) {
		s.refresh(peer.AdID)
		return
	}
	log.Printf("SYNC: following slot %d to %s", peer.SlotNumber, peer.AdID)
	if err := s.m.SwitchTo(peer.AdID); err != nil {
		log.Printf("SYNC: switch to %s: %v", peer.AdID, err)
		return
	}
	s.timers.Arm(timerFollow, s.opts.LoadSettle, func() { s.follow(peer, receivedAt) })
}

// follow seeks to where the peer is now, once the switched ad has loaded.
// A slot still loading gets another settle period.
func (s *Synchronizer) follow(peer proto.PlaybackUpdate, receivedAt time.Time) {
	local := s.m.Snapshot()
	if local.AdID != peer.AdID {
		return
	}
	switch local.State {
	case proto.StateLoading, proto.StateBuffering:
		s.timers.Arm(timerFollow, s.opts.LoadSettle, func() { s.follow(peer, receivedAt) })
		return
	case proto.StateIdle, proto.StateEnded:
		return
	}
	target := peer.CurrentTime + s.opts.Clock.Since(receivedAt).Seconds()
	if err := s.m.Seek(target); err != nil {
		log.Printf("SYNC: seek after switch: %v", err)
		return
	}
	if peer.State == proto.StatePlaying && s.m.State() == proto.StatePaused {
		if err := s.m.Play(); err != nil {
			log.Printf("SYNC: resume: %v", err)
		}
	}
}

// refresh reloads the catalog in the background, at most one at a time.
func (s *Synchronizer) refresh(adID string) {
	if s.cat == nil || !s.refreshing.CompareAndSwap(false, true) {
		return
	}
	log.Printf("SYNC: ad %s not in local catalog, refreshing", adID)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.refreshing.Store(false)
		if err := s.cat.Refresh(); err != nil {
			log.Printf("SYNC: catalog refresh: %v", err)
		}
	}()
}
