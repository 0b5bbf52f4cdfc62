package conn

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/gorilla/websocket"

	"github.com/petervdpas/slotcast/internal/proto"
)

type eventKind int

const (
	evConnect eventKind = iota
	evDisconnect
	evOpened
	evDialFailed
	evClosed
	evFrame
	evPingDue
	evPongTimeout
	evReconnectDue
	evSuspend
	evResume
	evBackgroundExpired
	evReset
	evSend
)

var eventNames = [...]string{
	"connect", "disconnect", "opened", "dial-failed", "closed", "frame",
	"ping-due", "pong-timeout", "reconnect-due", "suspend", "resume",
	"background-expired", "reset", "send",
}

func (k eventKind) String() string {
	if int(k) < len(eventNames) {
		return eventNames[k]
	}
	return "unknown"
}

type event struct {
	kind  eventKind
	gen   uint64
	ws    *websocket.Conn
	err   error
	data  []byte
	reply chan error
}

// fire returns a timer callback that posts kind tagged with the current
// socket generation.
func (m *Manager) fire(kind eventKind) func() {
	gen := m.gen
	return func() { m.post(event{kind: kind, gen: gen}) }
}

func (m *Manager) onConnect(event) {
	m.manual = false
	if m.phase != phaseIdle {
		return
	}
	if m.gaveUp {
		log.Printf("CONN: %s: connect ignored, reconnect budget exhausted (reset required)", m.opts.Key)
		return
	}
	m.timers.Cancel(timerReconnect)
	m.dial()
}

func (m *Manager) dial() {
	m.phase = phaseConnecting
	m.gen++
	gen := m.gen
	go func() {
		ctx, cancel := context.WithTimeout(m.ctx, dialTimeout)
		defer cancel()
		ws, err := m.opts.Dial(ctx, m.opts.URL)
		if err != nil {
			m.post(event{kind: evDialFailed, gen: gen, err: err})
			return
		}
		if !m.post(event{kind: evOpened, gen: gen, ws: ws}) {
			ws.Close()
		}
	}()
}

func (m *Manager) onOpened(ev event) {
	if ev.gen != m.gen || m.phase != phaseConnecting {
		ev.ws.Close()
		return
	}
	m.phase = phaseOpen
	m.sock = ev.ws
	m.attempts = 0
	m.gaveUp = false
	m.lastPong = m.opts.Clock.Now()
	m.timers.Cancel(timerReconnect)
	m.timers.Arm(timerPing, m.opts.PingInterval, m.fire(evPingDue))

	go m.readPump(m.gen, ev.ws)

	log.Printf("CONN: %s: connected", m.opts.Key)
	m.publish()
}

func (m *Manager) readPump(gen uint64, ws *websocket.Conn) {
	ws.SetReadLimit(maxFrame)
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			m.post(event{kind: evClosed, gen: gen, err: err})
			return
		}
		if !m.post(event{kind: evFrame, gen: gen, data: data}) {
			return
		}
	}
}

func (m *Manager) onDialFailed(ev event) {
	if ev.gen != m.gen || m.phase != phaseConnecting {
		return
	}
	m.phase = phaseIdle
	log.Printf("CONN: %s: dial failed: %v", m.opts.Key, ev.err)
	m.scheduleReconnect()
	m.publish()
}

func (m *Manager) onClosed(ev event) {
	if ev.gen != m.gen || m.phase != phaseOpen {
		return
	}
	m.teardown()

	var ce *websocket.CloseError
	if errors.As(ev.err, &ce) && ce.Code == websocket.CloseNormalClosure {
		log.Printf("CONN: %s: closed normally by server", m.opts.Key)
		m.manual = true
		m.publish()
		return
	}
	log.Printf("CONN: %s: connection lost: %v", m.opts.Key, ev.err)
	m.scheduleReconnect()
	m.publish()
}

func (m *Manager) onFrame(ev event) {
	if ev.gen != m.gen || m.phase != phaseOpen {
		return
	}
	var env proto.Envelope
	if err := json.Unmarshal(ev.data, &env); err != nil {
		log.Printf("CONN: %s: dropping malformed frame: %v", m.opts.Key, err)
		return
	}
	if env.Type == proto.TypePong {
		m.lastPong = m.opts.Clock.Now()
		m.timers.Cancel(timerWatchdog)
		m.publish()
		return
	}
	select {
	case m.inbox <- ev.data:
	default:
		log.Printf("CONN: %s: inbox full, dropping %s frame", m.opts.Key, env.Type)
	}
}

func (m *Manager) onPingDue(ev event) {
	if ev.gen != m.gen || m.phase != phaseOpen {
		return
	}
	// The watchdog measures from the oldest unanswered ping.
	m.timers.ArmIfIdle(timerWatchdog, m.opts.PongTimeout, m.fire(evPongTimeout))
	m.timers.Arm(timerPing, m.opts.PingInterval, m.fire(evPingDue))
	if err := m.write(proto.Ping{Type: proto.TypePing}); err != nil {
		m.fail("ping write failed: " + err.Error())
	}
}

func (m *Manager) onPongTimeout(ev event) {
	if ev.gen != m.gen || m.phase != phaseOpen {
		return
	}
	m.fail("no pong within " + m.opts.PongTimeout.String())
}

// fail drops an open socket that is considered dead and schedules a reconnect.
func (m *Manager) fail(reason string) {
	log.Printf("CONN: %s: %s, reconnecting", m.opts.Key, reason)
	m.sock.Close()
	m.teardown()
	m.scheduleReconnect()
	m.publish()
}

func (m *Manager) onReconnectDue(ev event) {
	if m.phase != phaseIdle || m.manual || m.gaveUp {
		return
	}
	m.dial()
}

func (m *Manager) scheduleReconnect() {
	if m.manual {
		return
	}
	if m.attempts >= m.opts.MaxAttempts {
		if !m.gaveUp {
			m.gaveUp = true
			log.Printf("CONN: %s: giving up after %d reconnect attempts", m.opts.Key, m.attempts)
		}
		return
	}
	d := m.opts.Backoff(m.attempts)
	m.attempts++
	m.timers.Arm(timerReconnect, d, m.fire(evReconnectDue))
	log.Printf("CONN: %s: reconnect %d/%d in %s", m.opts.Key, m.attempts, m.opts.MaxAttempts, d.Round(time.Millisecond))
}

// teardown forgets the current socket. Events from it become stale.
func (m *Manager) teardown() {
	m.sock = nil
	m.phase = phaseIdle
	m.gen++
	m.timers.Cancel(timerPing)
	m.timers.Cancel(timerWatchdog)
}

// closeNormally sends a 1000 close frame and tears the socket down. A dial
// in flight is invalidated.
func (m *Manager) closeNormally(reason string) {
	m.manual = true
	switch m.phase {
	case phaseOpen:
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
		_ = m.sock.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		m.sock.Close()
		m.teardown()
	case phaseConnecting:
		m.phase = phaseIdle
		m.gen++
	}
}

func (m *Manager) onDisconnect(event) {
	m.timers.CancelAll()
	m.background = false
	wasUp := m.phase != phaseIdle
	m.closeNormally("disconnect")
	if wasUp {
		log.Printf("CONN: %s: disconnected", m.opts.Key)
	}
	m.publish()
}

func (m *Manager) onSuspend(event) {
	if m.background {
		return
	}
	m.background = true
	m.timers.Arm(timerBackground, m.opts.BackgroundGrace, m.fire(evBackgroundExpired))
}

func (m *Manager) onBackgroundExpired(event) {
	if !m.background {
		return
	}
	m.background = false
	m.timers.CancelAll()
	m.closeNormally("background")
	log.Printf("CONN: %s: closed after %s in background", m.opts.Key, m.opts.BackgroundGrace)
	m.publish()
}

func (m *Manager) onResume(event) {
	m.background = false
	m.timers.Cancel(timerBackground)
	if m.gaveUp {
		m.onReset(event{})
	}
}

func (m *Manager) onReset(event) {
	m.attempts = 0
	m.gaveUp = false
	m.timers.Cancel(timerReconnect)
	if m.phase == phaseIdle && !m.manual {
		m.dial()
	}
	m.publish()
}

func (m *Manager) onSend(ev event) {
	if m.phase != phaseOpen {
		ev.reply <- ErrNotConnected
		return
	}
	err := m.writeRaw(ev.data)
	ev.reply <- err
	if err != nil {
		m.fail("write failed: " + err.Error())
	}
}

func (m *Manager) write(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return m.writeRaw(b)
}

func (m *Manager) writeRaw(b []byte) error {
	_ = m.sock.SetWriteDeadline(time.Now().Add(writeTimeout))
	return m.sock.WriteMessage(websocket.TextMessage, b)
}
