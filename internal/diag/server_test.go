package diag

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/petervdpas/slotcast/internal/geofence"
	"github.com/petervdpas/slotcast/internal/proto"
	"github.com/petervdpas/slotcast/internal/queue"
	"github.com/petervdpas/slotcast/internal/state"
)

type enqueued struct {
	kind    queue.Kind
	payload any
}

type fakeQueue struct {
	mu     sync.Mutex
	events []enqueued
	busy   bool
}

func (q *fakeQueue) Enqueue(_ context.Context, kind queue.Kind, payload any) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.events = append(q.events, enqueued{kind, payload})
	return fmt.Sprintf("ev-%d", len(q.events)), nil
}

func (q *fakeQueue) got() []enqueued {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]enqueued(nil), q.events...)
}

func (q *fakeQueue) SyncQueuedData(context.Context) (queue.Report, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.busy {
		return queue.Report{}, queue.ErrSweepInProgress
	}
	return queue.Report{Sent: map[queue.Kind]int{queue.KindLocation: 2}}, nil
}

type fakeLifecycle struct {
	mu    sync.Mutex
	calls []string
}

func (l *fakeLifecycle) record(c string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, c)
}

func (l *fakeLifecycle) Suspend() { l.record("suspend") }
func (l *fakeLifecycle) Resume()  { l.record("resume") }

type server struct {
	*httptest.Server
	q    *fakeQueue
	life *fakeLifecycle
	logs *LogBuffer
	mock *clock.Mock
}

func newServer(t *testing.T) *server {
	t.Helper()
	s := &server{q: &fakeQueue{}, life: &fakeLifecycle{}, logs: NewLogBuffer(10), mock: clock.NewMock()}
	s.mock.Set(time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC))

	slots := state.NewSlotTable("bus-7", 1, time.Minute, s.mock)
	slots.Observe(proto.PlaybackUpdate{MaterialID: "bus-7", SlotNumber: 2, AdID: "a1", State: proto.StatePlaying})

	rules, err := geofence.ParseRules([]byte(`
zones:
  - name: school
    speed_limit_kmh: 30
    priority: 10
    bounds: {min_lat: 52.0, max_lat: 52.1, min_lng: 4.0, max_lng: 4.1}
`))
	if err != nil {
		t.Fatal(err)
	}

	s.Server = httptest.NewServer(Handler(Deps{
		Identity:  Identity{DeviceID: "dev-1", MaterialID: "bus-7", SlotNumber: 1},
		Logs:      s.logs,
		Status:    func(context.Context) (any, error) { return map[string]bool{"online": true}, nil },
		Slots:     slots,
		Speed:     geofence.NewMonitor(rules),
		Queue:     s.q,
		Lifecycle: s.life,
		CurrentAd: func() string { return "a3" },
		Clock:     s.mock,
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *server) post(t *testing.T, path, body string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Post(s.URL+path, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out map[string]any
	json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestLocationRecordsViolation(t *testing.T) {
	s := newServer(t)

	resp, out := s.post(t, "/api/location", `{"lat":52.05,"lng":4.05,"speedKmh":70}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d (%v)", resp.StatusCode, out)
	}
	events := s.q.got()
	if len(events) != 1 || events[0].kind != queue.KindLocation {
		t.Fatalf("events = %+v", events)
	}
	ev := events[0].payload.(LocationEvent)
	if ev.Violation == nil || ev.Violation.Level != geofence.LevelExtreme || ev.Violation.Zone != "school" {
		t.Fatalf("violation = %+v", ev.Violation)
	}
	if ev.DeviceID != "dev-1" || ev.Timestamp != s.mock.Now().UnixMilli() {
		t.Fatalf("event = %+v", ev)
	}
}

func TestLocationWithinGrace(t *testing.T) {
	s := newServer(t)
	resp, _ := s.post(t, "/api/location", `{"lat":52.05,"lng":4.05,"speedKmh":33,"timestamp":1700000000000}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	ev := s.q.got()[0].payload.(LocationEvent)
	if ev.Violation != nil || ev.Timestamp != 1700000000000 {
		t.Fatalf("event = %+v", ev)
	}
}

func TestLocationValidation(t *testing.T) {
	s := newServer(t)
	for _, body := range []string{`{"lng":4}`, `{"lat":1,"lng":4,"speedKmh":-1}`, `nope`} {
		if resp, _ := s.post(t, "/api/location", body); resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: status = %d", body, resp.StatusCode)
		}
	}
	if events := s.q.got(); len(events) != 0 {
		t.Fatalf("invalid samples were queued: %+v", events)
	}
}

func TestQRScanStampsCurrentAd(t *testing.T) {
	s := newServer(t)
	if resp, _ := s.post(t, "/api/qr-scan", `{"code":""}`); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty code accepted: %d", resp.StatusCode)
	}
	resp, out := s.post(t, "/api/qr-scan", `{"code":"promo-17"}`)
	if resp.StatusCode != http.StatusAccepted || out["id"] != "ev-1" {
		t.Fatalf("status = %d out = %v", resp.StatusCode, out)
	}
	events := s.q.got()
	ev := events[0].payload.(QRScanEvent)
	if ev.AdID != "a3" || ev.Code != "promo-17" || events[0].kind != queue.KindQRScan {
		t.Fatalf("event = %+v", ev)
	}
}

func TestQueueSync(t *testing.T) {
	s := newServer(t)
	resp, out := s.post(t, "/api/queue/sync", ``)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if sent := out["sent"].(map[string]any); sent[string(queue.KindLocation)] != float64(2) {
		t.Fatalf("report = %v", out)
	}

	s.q.mu.Lock()
	s.q.busy = true
	s.q.mu.Unlock()
	if resp, _ := s.post(t, "/api/queue/sync", ``); resp.StatusCode != http.StatusConflict {
		t.Fatalf("concurrent sweep status = %d", resp.StatusCode)
	}
}

func TestLifecycle(t *testing.T) {
	s := newServer(t)
	s.post(t, "/api/lifecycle/suspend", ``)
	s.post(t, "/api/lifecycle/resume", ``)
	if resp, _ := s.post(t, "/api/lifecycle/hibernate", ``); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown phase status = %d", resp.StatusCode)
	}
	s.life.mu.Lock()
	defer s.life.mu.Unlock()
	if strings.Join(s.life.calls, ",") != "suspend,resume" {
		t.Fatalf("calls = %v", s.life.calls)
	}
}

func TestReadEndpoints(t *testing.T) {
	s := newServer(t)
	log.New(s.logs, "", 0).Print("SYNC: first")
	log.New(s.logs, "", 0).Print("SYNC: second")

	get := func(path string, into any) {
		t.Helper()
		resp, err := http.Get(s.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s: status = %d", path, resp.StatusCode)
		}
		if err := json.NewDecoder(resp.Body).Decode(into); err != nil {
			t.Fatal(err)
		}
	}

	var logs []LogEntry
	get("/api/logs?n=1", &logs)
	if len(logs) != 1 || logs[0].Msg != "SYNC: second" {
		t.Fatalf("logs = %+v", logs)
	}

	var slots []state.SeenSlot
	get("/api/slots", &slots)
	if len(slots) != 1 || slots[0].Update.AdID != "a1" {
		t.Fatalf("slots = %+v", slots)
	}

	var st map[string]bool
	get("/api/status", &st)
	if !st["online"] {
		t.Fatalf("status = %v", st)
	}

	if resp, _ := http.Post(s.URL+"/api/slots", "application/json", nil); resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("POST /api/slots = %d", resp.StatusCode)
	}
}

func TestLogStream(t *testing.T) {
	s := newServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, s.URL+"/api/logs/stream", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	// The subscription is registered before the headers are flushed.
	s.logs.Write([]byte("QUEUE: swept 3\n"))

	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(line, "data: ") {
			var e LogEntry
			json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &e)
			if e.Msg != "QUEUE: swept 3" {
				t.Fatalf("entry = %+v", e)
			}
			return
		}
	}
	t.Fatal("stream ended without data")
}

func TestLogBufferPartialLines(t *testing.T) {
	b := NewLogBuffer(2)
	b.Write([]byte("CONN: open"))
	if len(b.Tail(0, "")) != 0 {
		t.Fatal("partial line stored")
	}
	b.Write([]byte("ed\r\n\nA\nB\n"))
	got := b.Tail(0, "")
	if len(got) != 2 || got[0].Msg != "A" || got[1].Msg != "B" {
		t.Fatalf("tail = %+v", got)
	}
}

func TestLogSources(t *testing.T) {
	cases := map[string]string{
		"CONN: status: open":                         "CONN",
		"2026/10/16 09:12:01 SYNC: following slot 2": "SYNC",
		"2026/10/16 09:12:01.123456 QUEUE: swept":    "QUEUE",
		"plain line":         "",
		"Shutting down: bye": "",
	}
	for line, want := range cases {
		if got := sourceOf(line); got != want {
			t.Errorf("sourceOf(%q) = %q, want %q", line, got, want)
		}
	}

	b := NewLogBuffer(10)
	l := log.New(b, "", log.LstdFlags)
	l.Print("SYNC: one")
	l.Print("CONN: two")
	l.Print("SYNC: three")
	got := b.Tail(0, "sync")
	if len(got) != 2 || !strings.HasSuffix(got[1].Msg, "SYNC: three") || got[0].Seq != 1 || got[1].Seq != 3 {
		t.Fatalf("sync tail = %+v", got)
	}
}

func TestLogStreamResumesAfterLastEventID(t *testing.T) {
	s := newServer(t)
	s.logs.Write([]byte("SYNC: a\nCONN: b\nSYNC: c\n"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, s.URL+"/api/logs/stream?source=SYNC", nil)
	req.Header.Set("Last-Event-ID", "1")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	s.logs.Write([]byte("CONN: d\nSYNC: e\n"))

	var ids []string
	var msgs []string
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() && len(msgs) < 2 {
		line := sc.Text()
		if id, ok := strings.CutPrefix(line, "id: "); ok {
			ids = append(ids, id)
		}
		if data, ok := strings.CutPrefix(line, "data: "); ok {
			var e LogEntry
			json.Unmarshal([]byte(data), &e)
			msgs = append(msgs, e.Msg)
		}
	}
	if strings.Join(msgs, ",") != "SYNC: c,SYNC: e" || strings.Join(ids, ",") != "3,5" {
		t.Fatalf("ids = %v msgs = %v", ids, msgs)
	}
}
