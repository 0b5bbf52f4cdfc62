// Package telemetry delivers queued device events to the backend, either
// over HTTP or by publishing to an MQTT broker.
package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/petervdpas/slotcast/internal/queue"
)

var livePaths = map[queue.Kind]string{
	queue.KindAdPlayback:   "/deviceTracking/ad-playback",
	queue.KindLocation:     "/deviceTracking/location-update",
	queue.KindQRScan:       "/deviceTracking/qr-scan",
	queue.KindDeviceStatus: "/screenTracking/device-status",
}

var offlinePaths = map[queue.Kind]string{
	queue.KindAdPlayback:   "/offlineQueue/ad-playback",
	queue.KindLocation:     "/offlineQueue/location-data",
	queue.KindDeviceStatus: "/offlineQueue/device-status",
	queue.KindQRScan:       "/offlineQueue/qr-scan",
}

// EventIDHeader carries the queue event id on every request so the backend
// can drop duplicates.
const EventIDHeader = "X-Slotcast-Event-Id"

// Record is the body of an offline flush request.
type Record struct {
	ID         string          `json:"id"`
	DeviceID   string          `json:"deviceId"`
	Kind       queue.Kind      `json:"kind"`
	EnqueuedAt int64           `json:"enqueuedAt"`
	Payload    json.RawMessage `json:"payload"`
}

func newRecord(deviceID string, ev queue.Event) Record {
	return Record{
		ID:         ev.ID,
		DeviceID:   deviceID,
		Kind:       ev.Kind,
		EnqueuedAt: ev.EnqueuedAt.UnixMilli(),
		Payload:    ev.Payload,
	}
}

type Client struct {
	BaseURL  string
	DeviceID string
	HTTP     *http.Client

	// Bodies of at least GzipMinBytes are sent gzip-encoded. 0 disables.
	GzipMinBytes int
}

func NewClient(baseURL, deviceID string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		BaseURL:  strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		DeviceID: deviceID,
		HTTP:     &http.Client{Timeout: timeout},
	}
}

// Send posts the event payload as-is to the kind's live endpoint.
func (c *Client) Send(ctx context.Context, ev queue.Event) error {
	p, ok := livePaths[ev.Kind]
	if !ok {
		return fmt.Errorf("telemetry: no live endpoint for %q", ev.Kind)
	}
	return c.post(ctx, p, ev.ID, ev.Payload)
}

// Replay posts the event wrapped in a Record to the kind's offline endpoint.
func (c *Client) Replay(ctx context.Context, ev queue.Event) error {
	p, ok := offlinePaths[ev.Kind]
	if !ok {
		return fmt.Errorf("telemetry: no offline endpoint for %q", ev.Kind)
	}
	b, err := json.Marshal(newRecord(c.DeviceID, ev))
	if err != nil {
		return err
	}
	return c.post(ctx, p, ev.ID, b)
}

func (c *Client) post(ctx context.Context, path, id string, body []byte) error {
	var encoded bool
	if c.GzipMinBytes > 0 && len(body) >= c.GzipMinBytes {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(body); err != nil {
			return err
		}
		if err := zw.Close(); err != nil {
			return err
		}
		body, encoded = buf.Bytes(), true
	}

	u := c.BaseURL + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("content-type", "application/json")
	req.Header.Set(EventIDHeader, id)
	if encoded {
		req.Header.Set("content-encoding", "gzip")
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()

	// 409 means the backend already has this id.
	if resp.StatusCode/100 == 2 || resp.StatusCode == http.StatusConflict {
		return nil
	}
	return fmt.Errorf("POST %s: status %s", path, resp.Status)
}
