package conn

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// hub is a scripted WebSocket server. behave is called once per accepted
// connection with its 1-based index.
type hub struct {
	srv      *httptest.Server
	accepted atomic.Int32

	mu     sync.Mutex
	frames []string
	conns  []*websocket.Conn

	behave func(n int, ws *websocket.Conn)
}

func newHub(t *testing.T, behave func(n int, ws *websocket.Conn)) *hub {
	t.Helper()
	h := &hub{behave: behave}
	up := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	h.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		n := int(h.accepted.Add(1))
		h.mu.Lock()
		h.conns = append(h.conns, ws)
		h.mu.Unlock()
		if h.behave != nil {
			h.behave(n, ws)
			return
		}
		h.serve(ws, true)
	}))
	t.Cleanup(h.srv.Close)
	return h
}

// serve records frames and optionally answers pings.
func (h *hub) serve(ws *websocket.Conn, pong bool) {
	defer ws.Close()
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		h.mu.Lock()
		h.frames = append(h.frames, string(data))
		h.mu.Unlock()
		if pong && strings.Contains(string(data), `"ping"`) {
			ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"pong"}`))
		}
	}
}

func (h *hub) received() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.frames...)
}

func (h *hub) url() string { return "ws" + strings.TrimPrefix(h.srv.URL, "http") }

type counter struct{ n atomic.Int32 }

func (c *counter) dial(ctx context.Context, u string) (*websocket.Conn, error) {
	c.n.Add(1)
	return defaultDial(ctx, u)
}

func newManager(t *testing.T, mock *clock.Mock, url string, dial DialFunc, tweak ...func(*Options)) *Manager {
	t.Helper()
	opts := Options{
		Key:         "status:dev-1:bus-7",
		URL:         url,
		BackoffBase: time.Second,
		BackoffCap:  30 * time.Second,
		Clock:       mock,
		Dial:        dial,
		Jitter:      func() time.Duration { return 0 },
	}
	for _, f := range tweak {
		f(&opts)
	}
	m := New(opts)
	t.Cleanup(m.Close)
	return m
}

// nextStatus waits for the next published status matching cond.
func nextStatus(t *testing.T, ch <-chan Status, what string, cond func(Status) bool) Status {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case s := <-ch:
			if cond(s) {
				return s
			}
		case <-timeout:
			t.Fatalf("timed out waiting for status: %s", what)
		}
	}
}

func TestBackoff(t *testing.T) {
	o := Options{BackoffBase: time.Second, BackoffCap: 30 * time.Second}
	want := []time.Duration{1, 2, 4, 8, 16, 30, 30}
	prev := time.Duration(0)
	for n, w := range want {
		got := o.Backoff(n)
		if got != w*time.Second {
			t.Fatalf("Backoff(%d) = %s, want %s", n, got, w*time.Second)
		}
		if got < prev {
			t.Fatalf("Backoff decreased at %d", n)
		}
		prev = got
	}
	if got := o.Backoff(200); got != 30*time.Second {
		t.Fatalf("Backoff(200) = %s", got)
	}

	o.setDefaults()
	for i := 0; i < 200; i++ {
		d := o.Backoff(0) - time.Second
		if d < 0 || d >= time.Second {
			t.Fatalf("jitter %s outside [0,1s)", d)
		}
	}
}

func TestConnectIsIdempotent(t *testing.T) {
	h := newHub(t, nil)
	mock := clock.NewMock()
	var c counter
	m := newManager(t, mock, h.url(), c.dial)

	statuses, cancel := m.Subscribe()
	defer cancel()

	m.Connect()
	m.Connect()
	waitFor(t, "online", func() bool { return m.Status().Online })
	m.Connect()

	select {
	case s := <-statuses:
		if !s.Online || s.Channel != "status:dev-1:bus-7" {
			t.Fatalf("status = %+v", s)
		}
	case <-time.After(time.Second):
		t.Fatal("no status published")
	}

	time.Sleep(20 * time.Millisecond)
	if n := c.n.Load(); n != 1 {
		t.Fatalf("dialed %d times, want 1", n)
	}
	if n := h.accepted.Load(); n != 1 {
		t.Fatalf("server accepted %d sockets, want 1", n)
	}
}

func TestHeartbeat(t *testing.T) {
	h := newHub(t, nil)
	mock := clock.NewMock()
	m := newManager(t, mock, h.url(), nil)

	m.Connect()
	waitFor(t, "online", func() bool { return m.Status().Online })
	before := m.Status().LastPongAt

	mock.Add(30 * time.Second)
	waitFor(t, "ping", func() bool {
		for _, f := range h.received() {
			if f == `{"type":"ping"}` {
				return true
			}
		}
		return false
	})
	waitFor(t, "pong recorded", func() bool { return m.Status().LastPongAt.After(before) })
	if m.timers.Pending(timerWatchdog) {
		t.Fatal("watchdog still armed after pong")
	}
}

func TestWatchdogForcesReconnect(t *testing.T) {
	h := newHub(t, func(n int, ws *websocket.Conn) {
		(&hub{}).serve(ws, false) // never pongs
	})
	mock := clock.NewMock()
	var c counter
	m := newManager(t, mock, h.url(), c.dial)

	m.Connect()
	waitFor(t, "online", func() bool { return m.Status().Online })

	mock.Add(30 * time.Second)
	waitFor(t, "watchdog armed", func() bool { return m.timers.Pending(timerWatchdog) })

	mock.Add(60 * time.Second)
	waitFor(t, "offline", func() bool { return !m.Status().Online })
	waitFor(t, "reconnect scheduled", func() bool { return m.timers.Pending(timerReconnect) })

	mock.Add(time.Second)
	waitFor(t, "second dial", func() bool { return c.n.Load() == 2 })
	waitFor(t, "online again", func() bool { return m.Status().Online })
	if a := m.Status().Attempts; a != 0 {
		t.Fatalf("attempts after successful reconnect = %d", a)
	}
}

func TestGivesUpAfterMaxAttempts(t *testing.T) {
	mock := clock.NewMock()
	var dials atomic.Int32
	failing := func(ctx context.Context, u string) (*websocket.Conn, error) {
		dials.Add(1)
		return nil, errors.New("connection refused")
	}
	m := newManager(t, mock, "ws://127.0.0.1:1/ws/status", failing)

	m.Connect()
	for i := 1; i <= 5; i++ {
		waitFor(t, "reconnect armed", func() bool {
			return m.Status().Attempts == i && m.timers.Pending(timerReconnect)
		})
		mock.Add(30 * time.Second)
		waitFor(t, "dial", func() bool { return int(dials.Load()) == i+1 })
	}
	waitFor(t, "gave up", func() bool { return m.Status().GaveUp })

	mock.Add(10 * time.Minute)
	m.Connect()
	time.Sleep(20 * time.Millisecond)
	if n := dials.Load(); n != 6 {
		t.Fatalf("dials after giving up = %d, want 6", n)
	}

	m.Reset()
	waitFor(t, "dial after reset", func() bool { return dials.Load() == 7 })
	waitFor(t, "budget restored", func() bool {
		s := m.Status()
		return !s.GaveUp && s.Attempts == 1
	})
}

func TestServerNormalCloseDoesNotReconnect(t *testing.T) {
	h := newHub(t, func(n int, ws *websocket.Conn) {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")
		ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		time.Sleep(50 * time.Millisecond)
		ws.Close()
	})
	mock := clock.NewMock()
	var c counter
	m := newManager(t, mock, h.url(), c.dial)
	statuses, cancel := m.Subscribe()
	defer cancel()

	m.Connect()
	nextStatus(t, statuses, "online", func(s Status) bool { return s.Online })
	nextStatus(t, statuses, "offline", func(s Status) bool { return !s.Online })

	mock.Add(time.Minute)
	time.Sleep(20 * time.Millisecond)
	if c.n.Load() != 1 || m.timers.Pending(timerReconnect) {
		t.Fatal("reconnected after a normal close")
	}
}

func TestAbnormalCloseReconnects(t *testing.T) {
	var h *hub
	h = newHub(t, func(n int, ws *websocket.Conn) {
		if n == 1 {
			ws.Close()
			return
		}
		h.serve(ws, true)
	})
	mock := clock.NewMock()
	m := newManager(t, mock, h.url(), nil)

	m.Connect()
	waitFor(t, "reconnect armed", func() bool { return m.timers.Pending(timerReconnect) })
	mock.Add(time.Second)
	waitFor(t, "second socket", func() bool { return h.accepted.Load() == 2 })
	waitFor(t, "online", func() bool { return m.Status().Online })
}

func TestSendAndInbox(t *testing.T) {
	h := newHub(t, func(n int, ws *websocket.Conn) {
		ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"pong"}`))
		ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"slotSync","sourceSlot":2}`))
		(&hub{}).serve(ws, true)
	})
	mock := clock.NewMock()
	m := newManager(t, mock, h.url(), nil)

	if err := m.Send(map[string]string{"type": "statusUpdate"}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("send while down: %v", err)
	}

	m.Connect()
	select {
	case data := <-m.Inbox():
		var env struct {
			Type string `json:"type"`
		}
		json.Unmarshal(data, &env)
		if env.Type != "slotSync" {
			t.Fatalf("first inbox frame = %s (pongs must not reach the inbox)", data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no inbound frame")
	}

	if err := m.Send(map[string]string{"type": "statusUpdate"}); err != nil {
		t.Fatal(err)
	}
}

func TestDisconnectClosesNormally(t *testing.T) {
	closeCode := make(chan int, 1)
	h := newHub(t, func(n int, ws *websocket.Conn) {
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				var ce *websocket.CloseError
				if errors.As(err, &ce) {
					closeCode <- ce.Code
				} else {
					closeCode <- -1
				}
				return
			}
		}
	})
	mock := clock.NewMock()
	m := newManager(t, mock, h.url(), nil)

	m.Connect()
	waitFor(t, "online", func() bool { return m.Status().Online })
	m.Disconnect()

	select {
	case code := <-closeCode:
		if code != websocket.CloseNormalClosure {
			t.Fatalf("close code = %d, want 1000", code)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server never saw the close")
	}
	waitFor(t, "offline", func() bool { return !m.Status().Online })
	mock.Add(time.Hour)
	time.Sleep(20 * time.Millisecond)
	if h.accepted.Load() != 1 {
		t.Fatal("reconnected after Disconnect")
	}
}

func TestBackgroundGrace(t *testing.T) {
	h := newHub(t, nil)
	mock := clock.NewMock()
	m := newManager(t, mock, h.url(), nil, func(o *Options) {
		o.PingInterval = 24 * time.Hour
		o.PongTimeout = 48 * time.Hour
	})

	m.Connect()
	waitFor(t, "online", func() bool { return m.Status().Online })

	// Resumed within the grace period: nothing happens.
	m.Suspend()
	waitFor(t, "grace armed", func() bool { return m.timers.Pending(timerBackground) })
	mock.Add(time.Minute)
	m.Resume()
	waitFor(t, "grace cancelled", func() bool { return !m.timers.Pending(timerBackground) })
	mock.Add(10 * time.Minute)
	time.Sleep(20 * time.Millisecond)
	if !m.Status().Online {
		t.Fatal("closed despite resume")
	}

	// Left in the background: closed, then restored by Connect.
	m.Suspend()
	waitFor(t, "grace armed", func() bool { return m.timers.Pending(timerBackground) })
	mock.Add(5 * time.Minute)
	waitFor(t, "closed", func() bool { return !m.Status().Online })
	if m.timers.Pending(timerReconnect) {
		t.Fatal("background close scheduled a reconnect")
	}
	m.Resume()
	m.Connect()
	waitFor(t, "online again", func() bool { return m.Status().Online })
	if n := h.accepted.Load(); n != 2 {
		t.Fatalf("accepted %d sockets, want 2", n)
	}
}
