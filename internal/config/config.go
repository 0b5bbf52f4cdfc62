package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/petervdpas/slotcast/internal/util"

	"github.com/tidwall/jsonc"
)

// FileName is the config file looked up inside a device directory.
const FileName = "slotcast.json"

type Config struct {
	Device     Device     `json:"device"`
	Backend    Backend    `json:"backend"`
	Connection Connection `json:"connection"`
	Playback   Playback   `json:"playback"`
	Sync       Sync       `json:"sync"`
	Queue      Queue      `json:"queue"`
	Geofence   Geofence   `json:"geofence"`
	Diag       Diag       `json:"diag"`
	Status     Status     `json:"status"`
}

type Device struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	MaterialID string `json:"material_id"`
	SlotNumber int    `json:"slot_number"`
	AppVersion string `json:"app_version"`
}

type Backend struct {
	// Base URL of the HTTP collaborator, e.g. "https://api.example.org".
	BaseURL string `json:"base_url"`

	// WebSocket base, e.g. "wss://api.example.org". The channel paths
	// (/ws/status, /ws/playback) are appended.
	WSURL string `json:"ws_url"`

	// "http" or "mqtt". Selects the telemetry sender used by the queue.
	Transport  string `json:"transport"`
	MQTTBroker string `json:"mqtt_broker"` // e.g. "tcp://broker:1883"

	HTTPTimeoutSec int `json:"http_timeout_seconds"`

	// Request bodies at least this large are gzip-compressed. 0 disables.
	GzipMinBytes int `json:"gzip_min_bytes"`
}

type Connection struct {
	PingIntervalSec    int `json:"ping_interval_seconds"`
	PongTimeoutSec     int `json:"pong_timeout_seconds"`
	BackoffBaseMs      int `json:"backoff_base_ms"`
	BackoffCapSec      int `json:"backoff_cap_seconds"`
	MaxAttempts        int `json:"max_attempts"`
	BackgroundGraceSec int `json:"background_grace_seconds"`
}

type Playback struct {
	TickMs                int    `json:"tick_ms"`
	SettleMs              int    `json:"settle_ms"`
	ErrorRetries          int    `json:"error_retries"`
	ErrorRetryDelayMs     int    `json:"error_retry_delay_ms"`
	FillerInterleaveBelow int    `json:"filler_interleave_below"`
	IdleCooldownSec       int    `json:"idle_cooldown_seconds"`
	CatalogFile           string `json:"catalog_file"`
}

type Sync struct {
	IntervalSec       int     `json:"interval_seconds"`
	StartupQuietSec   int     `json:"startup_quiet_seconds"` // negative disables
	LoadSettleMs      int     `json:"load_settle_ms"`
	DriftToleranceSec float64 `json:"drift_tolerance_seconds"`
	PeerStaleAfterSec int     `json:"peer_stale_after_seconds"`
}

type Queue struct {
	DBPath           string `json:"db_path"`
	SweepIntervalSec int    `json:"sweep_interval_seconds"` // 0 disables the periodic sweep
}

type Geofence struct {
	ZonesFile string `json:"zones_file"`
}

type Diag struct {
	HTTPAddr string `json:"http_addr"` // empty disables the diagnostics server
	LogLines int    `json:"log_lines"`
}

type Status struct {
	IntervalSec int `json:"interval_seconds"`
}

func Default() Config {
	return Config{
		Device: Device{
			Name:       "tablet",
			SlotNumber: 1,
			AppVersion: "dev",
		},
		Backend: Backend{
			BaseURL:        "http://127.0.0.1:8790",
			WSURL:          "ws://127.0.0.1:8790",
			Transport:      "http",
			HTTPTimeoutSec: 10,
			GzipMinBytes:   1024,
		},
		Connection: Connection{
			PingIntervalSec:    30,
			PongTimeoutSec:     60,
			BackoffBaseMs:      1000,
			BackoffCapSec:      30,
			MaxAttempts:        5,
			BackgroundGraceSec: 300,
		},
		Playback: Playback{
			TickMs:                200,
			SettleMs:              500,
			ErrorRetries:          3,
			ErrorRetryDelayMs:     2000,
			FillerInterleaveBelow: 5,
			IdleCooldownSec:       30,
			CatalogFile:           "ads.json",
		},
		Sync: Sync{
			IntervalSec:       30,
			StartupQuietSec:   60,
			LoadSettleMs:      1500,
			DriftToleranceSec: 2,
			PeerStaleAfterSec: 90,
		},
		Queue: Queue{
			DBPath:           "data/queue.db",
			SweepIntervalSec: 300,
		},
		Geofence: Geofence{
			ZonesFile: "zones.yaml",
		},
		Diag: Diag{
			HTTPAddr: "127.0.0.1:8791",
			LogLines: 500,
		},
		Status: Status{
			IntervalSec: 300,
		},
	}
}

func (c *Config) Validate() error {
	// Device
	if strings.TrimSpace(c.Device.ID) == "" {
		return errors.New("device.id is required")
	}
	if strings.TrimSpace(c.Device.MaterialID) == "" {
		return errors.New("device.material_id is required")
	}
	if c.Device.SlotNumber < 1 {
		return errors.New("device.slot_number must be >= 1")
	}

	// Backend
	if err := validateURL(c.Backend.BaseURL, "http", "https"); err != nil {
		return fmt.Errorf("backend.base_url: %w", err)
	}
	if err := validateURL(c.Backend.WSURL, "ws", "wss"); err != nil {
		return fmt.Errorf("backend.ws_url: %w", err)
	}
	switch c.Backend.Transport {
	case "http":
	case "mqtt":
		if strings.TrimSpace(c.Backend.MQTTBroker) == "" {
			return errors.New("backend.mqtt_broker is required when transport is mqtt")
		}
	default:
		return fmt.Errorf("backend.transport must be http or mqtt, got %q", c.Backend.Transport)
	}
	if c.Backend.HTTPTimeoutSec <= 0 {
		return errors.New("backend.http_timeout_seconds must be > 0")
	}
	if c.Backend.GzipMinBytes < 0 {
		return errors.New("backend.gzip_min_bytes must be >= 0")
	}

	// Connection
	cn := c.Connection
	if cn.PingIntervalSec <= 0 {
		return errors.New("connection.ping_interval_seconds must be > 0")
	}
	if cn.PongTimeoutSec <= cn.PingIntervalSec {
		return errors.New("connection.pong_timeout_seconds must be > ping_interval_seconds")
	}
	if cn.BackoffBaseMs <= 0 || cn.BackoffCapSec <= 0 {
		return errors.New("connection backoff timings must be > 0")
	}
	if cn.MaxAttempts < 1 {
		return errors.New("connection.max_attempts must be >= 1")
	}
	if cn.BackgroundGraceSec < 0 {
		return errors.New("connection.background_grace_seconds must be >= 0")
	}

	// Playback
	p := c.Playback
	if p.TickMs < 50 || p.TickMs > 5000 {
		return errors.New("playback.tick_ms must be 50..5000")
	}
	if p.SettleMs < 0 || p.ErrorRetryDelayMs < 0 {
		return errors.New("playback delays must be >= 0")
	}
	if p.ErrorRetries < 0 {
		return errors.New("playback.error_retries must be >= 0")
	}
	if p.FillerInterleaveBelow < 0 {
		return errors.New("playback.filler_interleave_below must be >= 0")
	}
	if strings.TrimSpace(p.CatalogFile) == "" {
		return errors.New("playback.catalog_file is required")
	}

	// Sync
	if c.Sync.IntervalSec <= 0 {
		return errors.New("sync.interval_seconds must be > 0")
	}
	if c.Sync.LoadSettleMs < 0 {
		return errors.New("sync.load_settle_ms must be >= 0")
	}
	if c.Sync.DriftToleranceSec <= 0 {
		return errors.New("sync.drift_tolerance_seconds must be > 0")
	}

	// Queue
	if strings.TrimSpace(c.Queue.DBPath) == "" {
		return errors.New("queue.db_path is required")
	}
	if c.Queue.SweepIntervalSec < 0 {
		return errors.New("queue.sweep_interval_seconds must be >= 0")
	}

	if c.Status.IntervalSec < 0 {
		return errors.New("status.interval_seconds must be >= 0")
	}
	return nil
}

func validateURL(raw string, schemes ...string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	ok := false
	for _, s := range schemes {
		if u.Scheme == s {
			ok = true
		}
	}
	if !ok {
		return fmt.Errorf("scheme must be one of %s", strings.Join(schemes, ", "))
	}
	if u.Hostname() == "" {
		return errors.New("missing host")
	}
	return nil
}

// Seconds converts a config field in seconds to a duration.
func Seconds(n int) time.Duration { return time.Duration(n) * time.Second }

// Millis converts a config field in milliseconds to a duration.
func Millis(n int) time.Duration { return time.Duration(n) * time.Millisecond }

func Load(path string) (Config, error) {
	cfg, err := LoadPartial(path)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadPartial reads a config file without validation. Missing fields keep
// their defaults; // and /* */ comments and trailing commas are accepted.
func LoadPartial(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	cfg := Default()
	if err := json.Unmarshal(jsonc.ToJSON(stripBOM(b)), &cfg); err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise writes cfg (typically Default()
// with a generated device id) and returns it. Returns (cfg, createdNew, err).
func Ensure(path string, seed Config) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	if err := Save(path, seed); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return seed, true, nil
}
