// Package state tracks what the other slots of this material were last
// seen playing.
package state

import (
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/petervdpas/slotcast/internal/proto"
)

// SeenSlot is the last playback update heard from a peer slot.
type SeenSlot struct {
	Update   proto.PlaybackUpdate `json:"update"`
	LastSeen time.Time            `json:"lastSeen"`
	Stale    bool                 `json:"stale"`
}

type SlotEvent struct {
	Type string    `json:"type"` // "update" or "remove"
	Slot int       `json:"slot"`
	Seen *SeenSlot `json:"seen,omitempty"`
}

// SlotTable is keyed by slot number. Updates from other materials and from
// the local slot are not recorded.
type SlotTable struct {
	materialID string
	self       int
	staleAfter time.Duration
	clk        clock.Clock

	mu        sync.Mutex
	slots     map[int]SeenSlot
	listeners []chan SlotEvent
}

func NewSlotTable(materialID string, self int, staleAfter time.Duration, clk clock.Clock) *SlotTable {
	if clk == nil {
		clk = clock.New()
	}
	return &SlotTable{
		materialID: materialID,
		self:       self,
		staleAfter: staleAfter,
		clk:        clk,
		slots:      map[int]SeenSlot{},
	}
}

// Observe records u and reports whether it was accepted.
func (t *SlotTable) Observe(u proto.PlaybackUpdate) bool {
	if u.MaterialID != t.materialID || u.SlotNumber == t.self || u.SlotNumber < 1 {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if prev, ok := t.slots[u.SlotNumber]; ok && u.Timestamp != 0 && u.Timestamp < prev.Update.Timestamp {
		// Reordered frame.
		return false
	}
	seen := SeenSlot{Update: u, LastSeen: t.clk.Now()}
	t.slots[u.SlotNumber] = seen
	t.notifyListeners(SlotEvent{Type: "update", Slot: u.SlotNumber, Seen: &seen})
	return true
}

func (t *SlotTable) Get(slot int) (SeenSlot, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.slots[slot]
	if ok {
		s.Stale = t.stale(s)
	}
	return s, ok
}

func (t *SlotTable) Remove(slot int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.slots[slot]; !ok {
		return
	}
	delete(t.slots, slot)
	t.notifyListeners(SlotEvent{Type: "remove", Slot: slot})
}

func (t *SlotTable) stale(s SeenSlot) bool {
	return t.staleAfter > 0 && t.clk.Since(s.LastSeen) > t.staleAfter
}

// Snapshot returns every known slot ordered by slot number, with Stale set
// for entries not refreshed within the stale window.
func (t *SlotTable) Snapshot() []SeenSlot {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]SeenSlot, 0, len(t.slots))
	for _, s := range t.slots {
		s.Stale = t.stale(s)
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Update.SlotNumber < out[j].Update.SlotNumber })
	return out
}

// PruneStale removes slots that have not been heard from since cutoff.
func (t *SlotTable) PruneStale(cutoff time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for slot, s := range t.slots {
		if s.LastSeen.Before(cutoff) {
			delete(t.slots, slot)
			t.notifyListeners(SlotEvent{Type: "remove", Slot: slot})
			n++
		}
	}
	return n
}

func (t *SlotTable) Subscribe() chan SlotEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch := make(chan SlotEvent, 16)
	t.listeners = append(t.listeners, ch)
	return ch
}

func (t *SlotTable) Unsubscribe(ch chan SlotEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, listener := range t.listeners {
		if listener == ch {
			close(listener)
			t.listeners = append(t.listeners[:i], t.listeners[i+1:]...)
			return
		}
	}
}

func (t *SlotTable) notifyListeners(evt SlotEvent) {
	for _, ch := range t.listeners {
		select {
		case ch <- evt:
		default:
		}
	}
}
