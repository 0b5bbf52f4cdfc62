// Package diag serves the local diagnostics and producer API of a device:
// status, recent logs, peer slots, and the inputs from the GPS and QR
// collaborators.
package diag

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/petervdpas/slotcast/internal/geofence"
	"github.com/petervdpas/slotcast/internal/queue"
	"github.com/petervdpas/slotcast/internal/state"
)

type SpeedChecker interface {
	Check(s geofence.Sample) *geofence.Violation
}

type Recorder interface {
	Enqueue(ctx context.Context, kind queue.Kind, payload any) (string, error)
	SyncQueuedData(ctx context.Context) (queue.Report, error)
}

type SlotSource interface {
	Snapshot() []state.SeenSlot
}

// Lifecycle receives app foreground/background signals.
type Lifecycle interface {
	Suspend()
	Resume()
}

// Identity stamps every event recorded through the API.
type Identity struct {
	DeviceID   string
	MaterialID string
	SlotNumber int
}

type Deps struct {
	Identity  Identity
	Logs      *LogBuffer
	Status    func(ctx context.Context) (any, error)
	Slots     SlotSource
	Speed     SpeedChecker
	Queue     Recorder
	Lifecycle Lifecycle
	CurrentAd func() string // ad on screen, stamped on QR scans
	Clock     clock.Clock
}

// LocationEvent is the durable location record. Violation is nil when the
// sample was within the limit.
type LocationEvent struct {
	DeviceID   string              `json:"deviceId"`
	MaterialID string              `json:"materialId"`
	SlotNumber int                 `json:"slotNumber"`
	Lat        float64             `json:"lat"`
	Lng        float64             `json:"lng"`
	SpeedKmh   float64             `json:"speedKmh"`
	Timestamp  int64               `json:"timestamp"`
	Violation  *geofence.Violation `json:"violation,omitempty"`
}

type QRScanEvent struct {
	DeviceID   string `json:"deviceId"`
	MaterialID string `json:"materialId"`
	SlotNumber int    `json:"slotNumber"`
	AdID       string `json:"adId"`
	Code       string `json:"code"`
	Timestamp  int64  `json:"timestamp"`
}

// Handler builds the API mux. Routes whose dependency is nil are not
// registered.
//
//	GET  /api/status
//	GET  /api/logs, /api/logs/stream
//	GET  /api/slots
//	POST /api/location
//	POST /api/qr-scan
//	POST /api/queue/sync
//	POST /api/lifecycle/suspend, /api/lifecycle/resume
func Handler(d Deps) http.Handler {
	if d.Clock == nil {
		d.Clock = clock.New()
	}
	mux := http.NewServeMux()

	if d.Status != nil {
		mux.HandleFunc("GET /api/status", func(w http.ResponseWriter, r *http.Request) {
			st, err := d.Status(r.Context())
			if err != nil {
				writeError(w, http.StatusInternalServerError, err)
				return
			}
			writeJSON(w, http.StatusOK, st)
		})
	}
	if d.Logs != nil {
		mux.HandleFunc("GET /api/logs", d.Logs.serveJSON)
		mux.HandleFunc("GET /api/logs/stream", d.Logs.serveSSE)
	}
	if d.Slots != nil {
		mux.HandleFunc("GET /api/slots", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, d.Slots.Snapshot())
		})
	}
	if d.Queue != nil {
		registerProducers(mux, d)
	}
	if d.Lifecycle != nil {
		mux.HandleFunc("POST /api/lifecycle/{phase}", func(w http.ResponseWriter, r *http.Request) {
			switch phase := r.PathValue("phase"); phase {
			case "suspend":
				d.Lifecycle.Suspend()
			case "resume":
				d.Lifecycle.Resume()
			default:
				writeError(w, http.StatusNotFound, fmt.Errorf("unknown lifecycle phase %q", phase))
				return
			}
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})
	}
	return mux
}

func registerProducers(mux *http.ServeMux, d Deps) {
	handlePost(mux, "/api/location", func(w http.ResponseWriter, r *http.Request, req struct {
		Lat       *float64 `json:"lat"`
		Lng       *float64 `json:"lng"`
		SpeedKmh  float64  `json:"speedKmh"`
		Timestamp int64    `json:"timestamp"` // unix ms; 0 = now
	}) {
		if req.Lat == nil || req.Lng == nil {
			writeError(w, http.StatusBadRequest, errors.New("lat and lng are required"))
			return
		}
		if req.SpeedKmh < 0 {
			writeError(w, http.StatusBadRequest, errors.New("speedKmh must be >= 0"))
			return
		}
		at := d.Clock.Now()
		if req.Timestamp > 0 {
			at = time.UnixMilli(req.Timestamp)
		}

		ev := LocationEvent{
			DeviceID:   d.Identity.DeviceID,
			MaterialID: d.Identity.MaterialID,
			SlotNumber: d.Identity.SlotNumber,
			Lat:        *req.Lat,
			Lng:        *req.Lng,
			SpeedKmh:   req.SpeedKmh,
			Timestamp:  at.UnixMilli(),
		}
		if d.Speed != nil {
			ev.Violation = d.Speed.Check(geofence.Sample{Lat: ev.Lat, Lng: ev.Lng, SpeedKmh: ev.SpeedKmh, Timestamp: at})
		}
		if ev.Violation != nil {
			log.Printf("GEOFENCE: %s violation in %s: %.0f km/h (limit %.0f)",
				ev.Violation.Level, ev.Violation.Zone, ev.SpeedKmh, ev.Violation.LimitKmh)
		}

		id, err := d.Queue.Enqueue(r.Context(), queue.KindLocation, ev)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"id": id, "violation": ev.Violation})
	})

	handlePost(mux, "/api/qr-scan", func(w http.ResponseWriter, r *http.Request, req struct {
		Code string `json:"code"`
		AdID string `json:"adId"`
	}) {
		if strings.TrimSpace(req.Code) == "" {
			writeError(w, http.StatusBadRequest, errors.New("code is required"))
			return
		}
		ev := QRScanEvent{
			DeviceID:   d.Identity.DeviceID,
			MaterialID: d.Identity.MaterialID,
			SlotNumber: d.Identity.SlotNumber,
			AdID:       req.AdID,
			Code:       req.Code,
			Timestamp:  d.Clock.Now().UnixMilli(),
		}
		if ev.AdID == "" && d.CurrentAd != nil {
			ev.AdID = d.CurrentAd()
		}
		id, err := d.Queue.Enqueue(r.Context(), queue.KindQRScan, ev)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
	})

	mux.HandleFunc("POST /api/queue/sync", func(w http.ResponseWriter, r *http.Request) {
		rep, err := d.Queue.SyncQueuedData(r.Context())
		if errors.Is(err, queue.ErrSweepInProgress) {
			writeError(w, http.StatusConflict, err)
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, rep)
	})
}

// handlePost registers a JSON POST endpoint with a typed request body.
func handlePost[T any](mux *http.ServeMux, path string, fn func(http.ResponseWriter, *http.Request, T)) {
	mux.HandleFunc("POST "+path, func(w http.ResponseWriter, r *http.Request) {
		var req T
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
		if err := dec.Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json: %w", err))
			return
		}
		fn(w, r, req)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

// Serve runs the API on addr until ctx is done.
func Serve(ctx context.Context, addr string, h http.Handler) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("diag: listen %s: %w", addr, err)
	}
	srv := &http.Server{Handler: h, ReadHeaderTimeout: 5 * time.Second}
	log.Printf("DIAG: listening on http://%s", ln.Addr())

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
