package device

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/petervdpas/slotcast/internal/proto"
)

var ident = Identity{DeviceID: "dev-1", DeviceName: "front", MaterialID: "bus-7", SlotNumber: 2, AppVersion: "1.4.0"}

func TestCollect(t *testing.T) {
	c := &Collector{DiskPath: t.TempDir()}
	s := c.Collect(context.Background())
	if s.Platform == "" {
		t.Fatal("platform empty")
	}
	if s.Timestamp == 0 {
		t.Fatal("timestamp not set")
	}
	if s.MemUsedMB > s.MemTotalMB || s.DiskUsedMB > s.DiskTotalMB {
		t.Fatalf("used exceeds total: %+v", s)
	}
}

func TestStatusUpdate(t *testing.T) {
	s := Sample{Platform: "debian", OSVersion: "12 6.1.0", Timestamp: 42}
	u := StatusUpdate(ident, s)

	b, err := json.Marshal(u)
	if err != nil {
		t.Fatal(err)
	}
	var got map[string]any
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatal(err)
	}
	want := map[string]any{
		"type":       proto.TypeStatusUpdate,
		"deviceId":   "dev-1",
		"materialId": "bus-7",
		"deviceName": "front",
		"appVersion": "1.4.0",
		"platform":   "debian",
		"osVersion":  "12 6.1.0",
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("%s = %v, want %v", k, got[k], v)
		}
	}
}

func TestReportFlattensSample(t *testing.T) {
	r := NewReport(ident, Sample{CPUPercent: 12.5, Timestamp: 7}, true)
	b, err := json.Marshal(r)
	if err != nil {
		t.Fatal(err)
	}
	var got map[string]any
	json.Unmarshal(b, &got)
	if got["slotNumber"] != float64(2) || got["cpuPercent"] != 12.5 || got["online"] != true {
		t.Fatalf("report = %s", b)
	}
}
