// Package conn keeps one persistent WebSocket per logical channel.
//
// Each Manager owns a single event loop. Dialing, reading and timers run on
// their own goroutines but only post events; every state change and every
// socket write happens on the loop, so ConnectionState has one writer.
//
//	→ {"type":"ping"} every 30 s
//	← {"type":"pong"}  reply
//
// No pong within the watchdog window after the oldest unanswered ping →
// socket treated as dead → backoff reconnect.
package conn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/url"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"

	"github.com/petervdpas/slotcast/internal/timers"
)

var ErrNotConnected = errors.New("conn: channel not connected")

var errClosed = errors.New("conn: manager closed")

const (
	timerPing       timers.Kind = "ping"
	timerWatchdog   timers.Kind = "pong-watchdog"
	timerReconnect  timers.Kind = "reconnect"
	timerBackground timers.Kind = "background-close"

	writeTimeout = 10 * time.Second
	dialTimeout  = 15 * time.Second
	inboxSize    = 256
	maxFrame     = 1 << 20
)

// DialFunc opens a WebSocket to url.
type DialFunc func(ctx context.Context, url string) (*websocket.Conn, error)

func defaultDial(ctx context.Context, u string) (*websocket.Conn, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, u, nil)
	return ws, err
}

type Options struct {
	Key string // channel key reported in Status
	URL string

	PingInterval    time.Duration
	PongTimeout     time.Duration
	BackoffBase     time.Duration
	BackoffCap      time.Duration
	MaxAttempts     int
	BackgroundGrace time.Duration

	Clock  clock.Clock
	Dial   DialFunc
	Jitter func() time.Duration // default: uniform in [0, 1s)
}

func (o *Options) setDefaults() {
	if o.PingInterval <= 0 {
		o.PingInterval = 30 * time.Second
	}
	if o.PongTimeout <= 0 {
		o.PongTimeout = 60 * time.Second
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = time.Second
	}
	if o.BackoffCap <= 0 {
		o.BackoffCap = 30 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.BackgroundGrace <= 0 {
		o.BackgroundGrace = 5 * time.Minute
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.Dial == nil {
		o.Dial = defaultDial
	}
	if o.Jitter == nil {
		o.Jitter = func() time.Duration { return rand.N(time.Second) }
	}
}

// Backoff is the delay before reconnect attempt n (0-based):
// min(base·2ⁿ, cap) plus jitter.
func (o Options) Backoff(n int) time.Duration {
	d := o.BackoffCap
	if n < 32 {
		if b := o.BackoffBase << n; b > 0 && b < d {
			d = b
		}
	}
	if o.Jitter != nil {
		d += o.Jitter()
	}
	return d
}

// ChannelURL appends path and query to a ws:// or wss:// base.
func ChannelURL(base, path string, q url.Values) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	u = u.JoinPath(path)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Status is a snapshot of the connection state.
type Status struct {
	Channel    string    `json:"channel"`
	Online     bool      `json:"online"`
	Attempts   int       `json:"attempts"`
	GaveUp     bool      `json:"gaveUp"`
	LastPongAt time.Time `json:"lastPongAt"`
}

type phase int

const (
	phaseIdle phase = iota
	phaseConnecting
	phaseOpen
)

type Manager struct {
	opts   Options
	timers *timers.Set

	events chan event
	inbox  chan []byte
	quit   chan struct{}
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc

	// Loop-owned state. Only the event loop goroutine touches these.
	phase      phase
	gen        uint64
	sock       *websocket.Conn
	attempts   int
	gaveUp     bool
	manual     bool // closed on purpose; no auto reconnect
	background bool
	lastPong   time.Time
	handlers   map[eventKind]func(event)

	mu     sync.RWMutex
	status Status

	listenerMu sync.Mutex
	listeners  map[chan Status]struct{}

	closeOnce sync.Once
}

// New starts the event loop. Nothing is dialed until Connect.
func New(opts Options) *Manager {
	opts.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		opts:      opts,
		timers:    timers.New(opts.Clock),
		events:    make(chan event, 64),
		inbox:     make(chan []byte, inboxSize),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
		manual:    true,
		status:    Status{Channel: opts.Key},
		listeners: make(map[chan Status]struct{}),
	}
	m.handlers = map[eventKind]func(event){
		evConnect:           m.onConnect,
		evDisconnect:        m.onDisconnect,
		evOpened:            m.onOpened,
		evDialFailed:        m.onDialFailed,
		evClosed:            m.onClosed,
		evFrame:             m.onFrame,
		evPingDue:           m.onPingDue,
		evPongTimeout:       m.onPongTimeout,
		evReconnectDue:      m.onReconnectDue,
		evSuspend:           m.onSuspend,
		evResume:            m.onResume,
		evBackgroundExpired: m.onBackgroundExpired,
		evReset:             m.onReset,
		evSend:              m.onSend,
	}
	go m.loop()
	return m
}

// Key returns the channel key.
func (m *Manager) Key() string { return m.opts.Key }

// Connect dials the channel unless it is already open or connecting.
func (m *Manager) Connect() { m.post(event{kind: evConnect}) }

// Disconnect closes the socket with code 1000 and clears every timer.
// The channel stays down until the next Connect.
func (m *Manager) Disconnect() { m.post(event{kind: evDisconnect}) }

// Suspend starts the background grace period. When it elapses the socket
// is closed normally.
func (m *Manager) Suspend() { m.post(event{kind: evSuspend}) }

// Resume cancels a pending background close and clears a GaveUp state.
func (m *Manager) Resume() { m.post(event{kind: evResume}) }

// Reset clears the reconnect budget and dials again if the channel is down.
func (m *Manager) Reset() { m.post(event{kind: evReset}) }

// Send marshals v and writes it on the loop. Returns ErrNotConnected when
// the channel is not open; nothing is buffered.
func (m *Manager) Send(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("conn: marshal: %w", err)
	}
	reply := make(chan error, 1)
	if !m.post(event{kind: evSend, data: b, reply: reply}) {
		return errClosed
	}
	select {
	case err := <-reply:
		return err
	case <-m.done:
		return errClosed
	}
}

// Inbox delivers every inbound frame except pongs. There is one consumer.
func (m *Manager) Inbox() <-chan []byte { return m.inbox }

// Status returns the current snapshot.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// Subscribe returns a channel that receives every status change. When the
// subscriber lags, older statuses are dropped in favour of the newest.
func (m *Manager) Subscribe() (ch chan Status, cancel func()) {
	ch = make(chan Status, 8)

	m.listenerMu.Lock()
	m.listeners[ch] = struct{}{}
	m.listenerMu.Unlock()

	cancel = func() {
		m.listenerMu.Lock()
		if _, ok := m.listeners[ch]; ok {
			delete(m.listeners, ch)
			close(ch)
		}
		m.listenerMu.Unlock()
	}
	return ch, cancel
}

// Close disconnects and stops the event loop.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		m.Disconnect()
		close(m.quit)
		<-m.done
		m.cancel()
	})
}

func (m *Manager) post(ev event) bool {
	select {
	case m.events <- ev:
		return true
	case <-m.done:
		return false
	}
}

func (m *Manager) loop() {
	defer close(m.done)
	for {
		select {
		case ev := <-m.events:
			m.handlers[ev.kind](ev)
		case <-m.quit:
			// Drain whatever is queued so a final Disconnect is honoured.
			for {
				select {
				case ev := <-m.events:
					m.handlers[ev.kind](ev)
				default:
					m.timers.CancelAll()
					if m.sock != nil {
						m.sock.Close()
					}
					return
				}
			}
		}
	}
}

// publish stores the snapshot and fans it out. Loop goroutine only.
func (m *Manager) publish() {
	s := Status{
		Channel:    m.opts.Key,
		Online:     m.phase == phaseOpen,
		Attempts:   m.attempts,
		GaveUp:     m.gaveUp,
		LastPongAt: m.lastPong,
	}
	m.mu.Lock()
	changed := s != m.status
	m.status = s
	m.mu.Unlock()
	if !changed {
		return
	}

	m.listenerMu.Lock()
	for ch := range m.listeners {
		select {
		case ch <- s:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- s:
			default:
			}
		}
	}
	m.listenerMu.Unlock()
}
