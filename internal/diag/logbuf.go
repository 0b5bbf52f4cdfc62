package diag

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/petervdpas/slotcast/internal/util"
)

// LogEntry is one captured log line. Source is the subsystem prefix the
// line was logged with ("CONN", "SYNC", ...), empty when it had none.
type LogEntry struct {
	Seq    uint64    `json:"seq"`
	TS     time.Time `json:"ts"`
	Source string    `json:"source,omitempty"`
	Msg    string    `json:"msg"`
}

// LogBuffer is an io.Writer that keeps the most recent log lines for the
// diagnostics API. Install it with log.SetOutput(io.MultiWriter(os.Stderr, buf)).
type LogBuffer struct {
	mu      sync.Mutex
	seq     uint64
	lines   *util.RingBuffer[LogEntry]
	subs    map[chan LogEntry]struct{}
	pending []byte
}

func NewLogBuffer(max int) *LogBuffer {
	if max <= 0 {
		max = 500
	}
	return &LogBuffer{
		lines: util.NewRingBuffer[LogEntry](max),
		subs:  make(map[chan LogEntry]struct{}),
	}
}

// Write records every complete line in p. Text after the last newline is
// held until a later Write completes it.
func (b *LogBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.pending = append(b.pending, p...)
	for {
		i := bytes.IndexByte(b.pending, '\n')
		if i < 0 {
			break
		}
		line := strings.TrimRight(string(b.pending[:i]), "\r")
		b.pending = b.pending[i+1:]
		if strings.TrimSpace(line) != "" {
			b.record(line)
		}
	}
	if len(b.pending) == 0 {
		b.pending = nil
	}
	return len(p), nil
}

// record stores and fans out one line. Caller holds mu.
func (b *LogBuffer) record(line string) {
	b.seq++
	e := LogEntry{Seq: b.seq, TS: time.Now(), Source: sourceOf(line), Msg: line}
	b.lines.Push(e)
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// sourceOf finds the "PREFIX:" subsystem tag, skipping the date and time
// fields the standard logger may put in front of it.
func sourceOf(line string) string {
	for i, f := range strings.Fields(line) {
		if i > 2 {
			break
		}
		tag, ok := strings.CutSuffix(f, ":")
		if ok && tag != "" && strings.Trim(tag, "ABCDEFGHIJKLMNOPQRSTUVWXYZ") == "" {
			return tag
		}
	}
	return ""
}

// Tail returns up to n of the newest entries, oldest first. n <= 0 means
// all. A non-empty source keeps only lines from that subsystem.
func (b *LogBuffer) Tail(n int, source string) []LogEntry {
	return b.lines.Select(n, matchSource(source))
}

func matchSource(source string) func(LogEntry) bool {
	if source == "" {
		return nil
	}
	source = strings.ToUpper(source)
	return func(e LogEntry) bool { return e.Source == source }
}

func (b *LogBuffer) Subscribe() (ch chan LogEntry, cancel func()) {
	ch = make(chan LogEntry, 64)

	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	cancel = func() {
		b.mu.Lock()
		if _, ok := b.subs[ch]; ok {
			delete(b.subs, ch)
			close(ch)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// GET /api/logs?n=100&source=SYNC
func (b *LogBuffer) serveJSON(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	n, _ := strconv.Atoi(q.Get("n"))
	writeJSON(w, http.StatusOK, b.Tail(n, q.Get("source")))
}

// GET /api/logs/stream?source=SYNC
//
// Server-Sent Events carrying new lines. A client reconnecting with
// Last-Event-ID first receives the buffered lines it missed.
func (b *LogBuffer) serveSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	keep := matchSource(r.URL.Query().Get("source"))
	ch, cancel := b.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	var last uint64
	send := func(e LogEntry) {
		if e.Seq <= last || (keep != nil && !keep(e)) {
			return
		}
		last = e.Seq
		data, _ := json.Marshal(e)
		fmt.Fprintf(w, "id: %d\nevent: message\ndata: %s\n\n", e.Seq, data)
	}
	if id, err := strconv.ParseUint(r.Header.Get("Last-Event-ID"), 10, 64); err == nil {
		last = id
		for _, e := range b.lines.Select(0, func(e LogEntry) bool { return e.Seq > id }) {
			send(e)
		}
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			send(e)
			flusher.Flush()
		}
	}
}
