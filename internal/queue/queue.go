// Package queue is the durable, retryable store for device telemetry.
//
// Every event is persisted before any send is attempted. A successful live
// send deletes it; a failed one flags it offline and leaves it for the next
// sweep. Delivery is at-least-once; receivers dedupe by event id.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
)

var ErrSweepInProgress = errors.New("queue: sweep already in progress")

// Sender delivers events to the backend. Send targets the live endpoint of
// a kind, Replay the offline flush endpoint.
type Sender interface {
	Send(ctx context.Context, ev Event) error
	Replay(ctx context.Context, ev Event) error
}

type Options struct {
	Clock         clock.Clock
	SendTimeout   time.Duration // per-item deadline; default 10s
	SweepInterval time.Duration // 0 disables the periodic sweep in Run
	BatchSize     int           // max items per kind per sweep; 0 = all
}

// Report summarises one sweep.
type Report struct {
	Sent   map[Kind]int `json:"sent"`
	Failed map[Kind]int `json:"failed"`
}

type Queue struct {
	store  *Store
	sender Sender
	opts   Options

	online   atomic.Bool
	sweeping atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// New returns a queue that starts in the offline state.
func New(store *Store, sender Sender, opts Options) *Queue {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{store: store, sender: sender, opts: opts, ctx: ctx, cancel: cancel}
}

// Enqueue persists payload as a new event of kind and, when online, starts
// a live delivery attempt in the background. The returned id is the event's
// dedupe key. A failed delivery is not an error: the event stays queued for
// the sweep.
func (q *Queue) Enqueue(ctx context.Context, kind Kind, payload any) (string, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return "", fmt.Errorf("queue: enqueue %s: %w", kind, err)
	}
	live := q.online.Load() && q.beginLive()
	ev := Event{
		ID:         uuid.NewString(),
		Kind:       kind,
		Payload:    raw,
		EnqueuedAt: q.opts.Clock.Now(),
		Offline:    !live,
	}
	if err := q.store.Insert(ctx, ev); err != nil {
		if live {
			q.wg.Done()
		}
		return "", fmt.Errorf("queue: enqueue %s: %w", kind, err)
	}
	if live {
		go q.sendLive(ev)
	}
	return ev.ID, nil
}

// beginLive registers a live attempt unless the queue is closed.
func (q *Queue) beginLive() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.wg.Add(1)
	return true
}

func (q *Queue) sendLive(ev Event) {
	defer q.wg.Done()

	sendCtx, cancel := context.WithTimeout(q.ctx, q.opts.SendTimeout)
	err := q.sender.Send(sendCtx, ev)
	cancel()

	// Bookkeeping must land even when Close interrupted the send.
	bctx, bcancel := context.WithTimeout(context.WithoutCancel(q.ctx), q.opts.SendTimeout)
	defer bcancel()
	if err == nil {
		if err := q.store.Delete(bctx, ev.Kind, ev.ID); err != nil {
			log.Printf("QUEUE: delivered %s %s but delete failed: %v", ev.Kind, ev.ID, err)
		}
		return
	}
	log.Printf("QUEUE: live send %s %s failed, keeping for sweep: %v", ev.Kind, ev.ID, err)
	if err := q.store.MarkOffline(bctx, ev.Kind, ev.ID); err != nil {
		log.Printf("QUEUE: mark offline %s: %v", ev.ID, err)
	}
}

func marshalPayload(v any) (json.RawMessage, error) {
	switch p := v.(type) {
	case json.RawMessage:
		if !json.Valid(p) {
			return nil, errors.New("payload is not valid JSON")
		}
		return p, nil
	case []byte:
		if !json.Valid(p) {
			return nil, errors.New("payload is not valid JSON")
		}
		return json.RawMessage(p), nil
	default:
		return json.Marshal(v)
	}
}

// SetOnline records the connectivity signal. An offline to online edge
// starts a sweep in the background.
func (q *Queue) SetOnline(online bool) {
	was := q.online.Swap(online)
	if online && !was {
		q.sweepAsync("back online")
	}
}

// Online reports the last connectivity signal.
func (q *Queue) Online() bool { return q.online.Load() }

func (q *Queue) sweepAsync(reason string) {
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		rep, err := q.SyncQueuedData(q.ctx)
		switch {
		case errors.Is(err, ErrSweepInProgress):
		case err != nil:
			log.Printf("QUEUE: sweep (%s): %v", reason, err)
		default:
			if total(rep.Sent)+total(rep.Failed) > 0 {
				log.Printf("QUEUE: sweep (%s): sent=%d failed=%d", reason, total(rep.Sent), total(rep.Failed))
			}
		}
	}()
}

// SyncQueuedData flushes every offline-flagged event, oldest first, kind by
// kind. Events whose live attempt never reported back (older than
// SendTimeout and still unflagged) are flushed too. A failing item is left in place and the sweep moves on. Only one
// sweep runs at a time; a concurrent call returns ErrSweepInProgress.
func (q *Queue) SyncQueuedData(ctx context.Context) (Report, error) {
	if !q.sweeping.CompareAndSwap(false, true) {
		return Report{}, ErrSweepInProgress
	}
	defer q.sweeping.Store(false)

	rep := Report{Sent: map[Kind]int{}, Failed: map[Kind]int{}}
	for _, kind := range Kinds {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		stale := q.opts.Clock.Now().Add(-q.opts.SendTimeout)
		pending, err := q.store.Pending(ctx, kind, stale, q.opts.BatchSize)
		if err != nil {
			log.Printf("QUEUE: load pending %s: %v", kind, err)
			continue
		}
		for _, ev := range pending {
			if err := ctx.Err(); err != nil {
				return rep, err
			}
			sendCtx, cancel := context.WithTimeout(ctx, q.opts.SendTimeout)
			err := q.sender.Replay(sendCtx, ev)
			cancel()
			if err != nil {
				rep.Failed[kind]++
				log.Printf("QUEUE: replay %s %s: %v", kind, ev.ID, err)
				continue
			}
			if err := q.store.Delete(context.WithoutCancel(ctx), kind, ev.ID); err != nil {
				log.Printf("QUEUE: replayed %s but delete failed: %v", ev.ID, err)
			}
			rep.Sent[kind]++
		}
	}
	return rep, nil
}

// Run performs the periodic sweep while online until ctx is done.
func (q *Queue) Run(ctx context.Context) {
	if q.opts.SweepInterval <= 0 {
		<-ctx.Done()
		return
	}
	t := q.opts.Clock.Ticker(q.opts.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if q.online.Load() {
				q.sweepAsync("periodic")
			}
		}
	}
}

// Stats returns stored and offline counts per kind.
func (q *Queue) Stats(ctx context.Context) (map[Kind]Counts, error) {
	out := make(map[Kind]Counts, len(Kinds))
	for _, k := range Kinds {
		c, err := q.store.Count(ctx, k)
		if err != nil {
			return nil, err
		}
		out[k] = c
	}
	return out, nil
}

// Close stops background sweeps and live sends and waits for them to
// return. Interrupted live sends are flagged offline. The store is owned by
// the caller.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cancel()
	q.wg.Wait()
}

func total(m map[Kind]int) int {
	n := 0
	for _, v := range m {
		n += v
	}
	return n
}
