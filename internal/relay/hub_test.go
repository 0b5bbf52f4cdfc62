package relay

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/petervdpas/slotcast/internal/proto"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newHub(t *testing.T) (*Hub, string) {
	t.Helper()
	h := New()
	srv := httptest.NewServer(h.Handler())
	t.Cleanup(func() {
		h.Close()
		srv.Close()
	})
	return h, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, base, path, query string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(base+path+"?"+query, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func slot(t *testing.T, base, device, material string, n int) *websocket.Conn {
	return dial(t, base, proto.PlaybackPath, "deviceId="+device+"&materialId="+material+"&slotNumber="+strconv.Itoa(n))
}

func send(t *testing.T, ws *websocket.Conn, v any) {
	t.Helper()
	if err := ws.WriteJSON(v); err != nil {
		t.Fatal(err)
	}
}

// recvType reads frames until one with the wanted type arrives.
func recvType(t *testing.T, ws *websocket.Conn, want string) []byte {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for %s: %v", want, err)
		}
		var env proto.Envelope
		json.Unmarshal(data, &env)
		if env.Type == want {
			return data
		}
	}
}

// expectSilence asserts no frame arrives within a short window.
func expectSilence(t *testing.T, ws *websocket.Conn) {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	if _, data, err := ws.ReadMessage(); err == nil {
		t.Fatalf("unexpected frame %s", data)
	}
}

func TestRejectsMissingIdentity(t *testing.T) {
	_, base := newHub(t)
	cases := []struct{ path, query string }{
		{proto.StatusPath, "materialId=m"},
		{proto.PlaybackPath, "deviceId=d&materialId=m"},
		{proto.PlaybackPath, "deviceId=d&materialId=m&slotNumber=0"},
	}
	for _, tc := range cases {
		_, resp, err := websocket.DefaultDialer.Dial(base+tc.path+"?"+tc.query, nil)
		if err == nil {
			t.Fatalf("%s?%s: dial succeeded", tc.path, tc.query)
		}
		if resp == nil || resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("%s?%s: response = %v", tc.path, tc.query, resp)
		}
	}
}

func TestPingPongAndStatus(t *testing.T) {
	h, base := newHub(t)
	ws := dial(t, base, proto.StatusPath, "deviceId=dev-1&materialId=bus-7")

	send(t, ws, proto.Ping{Type: proto.TypePing})
	recvType(t, ws, proto.TypePong)

	send(t, ws, proto.StatusUpdate{Type: proto.TypeStatusUpdate, DeviceID: "dev-1", MaterialID: "bus-7", AppVersion: "1.0"})
	waitFor(t, "device registered", func() bool { return h.Devices()["dev-1"].AppVersion == "1.0" })

	if got := h.Clients(); len(got) != 1 || got[0].Channel != "status" {
		t.Fatalf("clients = %+v", got)
	}
}

func TestPlaybackFanOut(t *testing.T) {
	h, base := newHub(t)
	a := slot(t, base, "dev-a", "bus-7", 1)
	b := slot(t, base, "dev-b", "bus-7", 2)
	other := slot(t, base, "dev-x", "tram-3", 2)
	waitFor(t, "registered", func() bool { return len(h.Clients()) == 3 })

	snap := proto.PlaybackUpdate{MaterialID: "bus-7", SlotNumber: 1, AdID: "a1", State: proto.StatePlaying}
	send(t, a, proto.NewSlotSync(snap))

	data := recvType(t, b, proto.TypeSlotSync)
	msg, err := proto.Decode(data)
	if err != nil {
		t.Fatal(err)
	}
	if msg.Source() != 1 {
		t.Fatalf("source = %d", msg.Source())
	}
	expectSilence(t, a)
	expectSilence(t, other)
}

func TestStateResponseGoesToRequester(t *testing.T) {
	h, base := newHub(t)
	s1 := slot(t, base, "dev-a", "bus-7", 1)
	s2 := slot(t, base, "dev-b", "bus-7", 2)
	s3 := slot(t, base, "dev-c", "bus-7", 3)
	waitFor(t, "registered", func() bool { return len(h.Clients()) == 3 })

	send(t, s3, proto.NewStateRequest("bus-7", 3))
	recvType(t, s1, proto.TypeStateRequest)
	recvType(t, s2, proto.TypeStateRequest)

	snap := proto.PlaybackUpdate{MaterialID: "bus-7", SlotNumber: 1, AdID: "a1", State: proto.StatePaused}
	send(t, s1, proto.NewStateResponse(3, snap))
	recvType(t, s3, proto.TypeStateResponse)
	expectSilence(t, s2)
}

func TestDisconnectUnregisters(t *testing.T) {
	h, base := newHub(t)
	ws := slot(t, base, "dev-a", "bus-7", 1)
	waitFor(t, "registered", func() bool { return len(h.Clients()) == 1 })

	ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	ws.Close()
	waitFor(t, "unregistered", func() bool { return len(h.Clients()) == 0 })
}
