package proto

import (
	"encoding/json"
	"errors"
	"math"
	"testing"
)

func TestNormalizeClampsProgress(t *testing.T) {
	cases := []struct{ current, duration float64 }{
		{0, 0},
		{5, 0},
		{-3, 10},
		{3, 10},
		{10, 10},
		{25, 10},
		{math.NaN(), 10},
		{5, math.NaN()},
		{math.Inf(1), 30},
		{2, math.Inf(1)},
		{1, -4},
	}
	for _, c := range cases {
		u := PlaybackUpdate{CurrentTime: c.current, Duration: c.duration}
		u.Normalize()
		if u.Progress < 0 || u.Progress > 100 || math.IsNaN(u.Progress) {
			t.Fatalf("current=%v duration=%v: progress %v out of range", c.current, c.duration, u.Progress)
		}
		if u.RemainingTime < 0 || math.IsNaN(u.RemainingTime) {
			t.Fatalf("current=%v duration=%v: remaining %v negative", c.current, c.duration, u.RemainingTime)
		}
		if u.CurrentTime < 0 || (u.Duration > 0 && u.CurrentTime > u.Duration) {
			t.Fatalf("current=%v duration=%v: position %v not clamped", c.current, c.duration, u.CurrentTime)
		}
	}
}

func TestProgress(t *testing.T) {
	if got := Progress(15, 60); got != 25 {
		t.Fatalf("Progress(15, 60) = %v, want 25", got)
	}
	if got := Remaining(15, 60); got != 45 {
		t.Fatalf("Remaining(15, 60) = %v, want 45", got)
	}
	if got := Progress(90, 60); got != 100 {
		t.Fatalf("Progress(90, 60) = %v, want 100", got)
	}
}

func TestDecodeVariants(t *testing.T) {
	snap := PlaybackUpdate{DeviceID: "dev-b", SlotNumber: 2, MaterialID: "bus-7", AdID: "ad-1", State: StatePlaying, CurrentTime: 12, Duration: 30}

	t.Run("slotSync", func(t *testing.T) {
		b, _ := json.Marshal(NewSlotSync(snap))
		msg, err := Decode(b)
		if err != nil {
			t.Fatal(err)
		}
		s, ok := msg.(*SlotSync)
		if !ok {
			t.Fatalf("got %T, want *SlotSync", msg)
		}
		if s.Source() != 2 || s.AdID != "ad-1" || s.Material() != "bus-7" || s.CurrentTime != 12 {
			t.Fatalf("unexpected decode: %+v", s)
		}
	})

	t.Run("slotSync without sourceSlot", func(t *testing.T) {
		msg, err := Decode([]byte(`{"type":"slotSync","slotNumber":3,"materialId":"m","adId":"x","state":"paused"}`))
		if err != nil {
			t.Fatal(err)
		}
		if msg.Source() != 3 {
			t.Fatalf("source = %d, want 3", msg.Source())
		}
	})

	t.Run("stateResponse", func(t *testing.T) {
		b, _ := json.Marshal(NewStateResponse(1, snap))
		msg, err := Decode(b)
		if err != nil {
			t.Fatal(err)
		}
		r := msg.(*StateResponse)
		if r.RequestingSlot != 1 || r.Source() != 2 {
			t.Fatalf("unexpected decode: %+v", r)
		}
	})

	t.Run("syncRequest", func(t *testing.T) {
		b, _ := json.Marshal(NewSyncRequest("bus-7", 1))
		msg, err := Decode(b)
		if err != nil {
			t.Fatal(err)
		}
		if _, ok := msg.(*SyncRequest); !ok || msg.Source() != 1 {
			t.Fatalf("unexpected decode: %#v", msg)
		}
	})

	t.Run("stateRequest", func(t *testing.T) {
		b, _ := json.Marshal(NewStateRequest("bus-7", 2))
		msg, err := Decode(b)
		if err != nil {
			t.Fatal(err)
		}
		if _, ok := msg.(*StateRequest); !ok || msg.Source() != 2 {
			t.Fatalf("unexpected decode: %#v", msg)
		}
	})

	t.Run("unknown", func(t *testing.T) {
		_, err := Decode([]byte(`{"type":"adPlaybackUpdate"}`))
		if !errors.Is(err, ErrUnknownMessage) {
			t.Fatalf("err = %v, want ErrUnknownMessage", err)
		}
	})

	t.Run("malformed", func(t *testing.T) {
		_, err := Decode([]byte(`{"type":`))
		if err == nil || errors.Is(err, ErrUnknownMessage) {
			t.Fatalf("err = %v, want decode error", err)
		}
	})
}

func TestAdPlaybackUpdateIsFlat(t *testing.T) {
	b, err := json.Marshal(AdPlaybackUpdate{Type: TypeAdPlaybackUpdate, PlaybackUpdate: PlaybackUpdate{AdID: "a"}})
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatal(err)
	}
	if m["type"] != TypeAdPlaybackUpdate || m["adId"] != "a" {
		t.Fatalf("unexpected shape: %s", b)
	}
}
