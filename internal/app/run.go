// Package app builds the components of one device session and wires them
// together.
package app

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/petervdpas/slotcast/internal/catalog"
	"github.com/petervdpas/slotcast/internal/config"
	"github.com/petervdpas/slotcast/internal/conn"
	"github.com/petervdpas/slotcast/internal/device"
	"github.com/petervdpas/slotcast/internal/diag"
	"github.com/petervdpas/slotcast/internal/geofence"
	"github.com/petervdpas/slotcast/internal/playback"
	"github.com/petervdpas/slotcast/internal/proto"
	"github.com/petervdpas/slotcast/internal/queue"
	"github.com/petervdpas/slotcast/internal/slotsync"
	"github.com/petervdpas/slotcast/internal/state"
	"github.com/petervdpas/slotcast/internal/telemetry"
	"github.com/petervdpas/slotcast/internal/util"
)

type Options struct {
	DeviceDir string
	CfgPath   string
	Cfg       config.Config
	Clock     clock.Clock // nil = wall clock
	Logs      *diag.LogBuffer
}

type Identity = device.Identity

// Session is one running device: both channels, the playback machine, its
// synchronizer and the offline queue. Build it with New, then Start.
type Session struct {
	cfg config.Config
	dir string
	id  Identity
	clk clock.Clock

	logs      *diag.LogBuffer
	store     *queue.Store
	sender    queue.Sender
	closeSend func()
	queue     *queue.Queue
	catalog   *catalog.Catalog
	geo       *geofence.Monitor
	statusCh  *conn.Manager
	playCh    *conn.Manager
	player    *playback.SimPlayer
	machine   *playback.Machine
	peers     *state.SlotTable
	sync      *slotsync.Synchronizer
	collector *device.Collector

	mu         sync.Mutex
	lastSample device.Sample

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// Run installs the log buffer, starts a session and blocks until ctx is done.
func Run(ctx context.Context, opt Options) error {
	if opt.Logs == nil {
		opt.Logs = diag.NewLogBuffer(opt.Cfg.Diag.LogLines)
	}
	log.SetOutput(io.MultiWriter(os.Stderr, opt.Logs))

	s, err := New(ctx, opt)
	if err != nil {
		return err
	}
	logBanner(opt.DeviceDir, opt.CfgPath, s.id)
	s.Start(ctx)

	if addr := NormalizeLocalAddr(opt.Cfg.Diag.HTTPAddr); addr != "" {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := diag.Serve(ctx, addr, s.Handler()); err != nil {
				log.Printf("DIAG: %v", err)
			}
		}()
	}

	<-ctx.Done()
	log.Println("Shutting down...")
	s.Close()
	return nil
}

// New opens the queue store, loads the catalog and zones and builds every
// component. Nothing runs until Start.
func New(ctx context.Context, opt Options) (*Session, error) {
	cfg := opt.Cfg
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	clk := opt.Clock
	if clk == nil {
		clk = clock.New()
	}
	if opt.Logs == nil {
		opt.Logs = diag.NewLogBuffer(cfg.Diag.LogLines)
	}
	s := &Session{
		cfg:  cfg,
		dir:  opt.DeviceDir,
		clk:  clk,
		logs: opt.Logs,
		id: Identity{
			DeviceID:   cfg.Device.ID,
			DeviceName: cfg.Device.Name,
			MaterialID: cfg.Device.MaterialID,
			SlotNumber: cfg.Device.SlotNumber,
			AppVersion: cfg.Device.AppVersion,
		},
		collector: &device.Collector{DiskPath: opt.DeviceDir},
	}

	var err error
	if s.store, err = queue.OpenStore(util.ResolvePath(s.dir, cfg.Queue.DBPath)); err != nil {
		return nil, err
	}
	if err := s.openSender(ctx); err != nil {
		s.store.Close()
		return nil, err
	}
	s.queue = queue.New(s.store, s.sender, queue.Options{
		Clock:         clk,
		SendTimeout:   config.Seconds(cfg.Backend.HTTPTimeoutSec),
		SweepInterval: config.Seconds(cfg.Queue.SweepIntervalSec),
	})

	if s.catalog, err = catalog.Load(util.ResolvePath(s.dir, cfg.Playback.CatalogFile)); err != nil {
		s.closeStore()
		return nil, err
	}
	if s.geo, err = geofence.LoadMonitor(util.ResolvePath(s.dir, cfg.Geofence.ZonesFile)); err != nil {
		s.closeStore()
		return nil, err
	}

	statusURL, playURL, err := channelURLs(cfg)
	if err != nil {
		s.closeStore()
		return nil, err
	}
	s.statusCh = conn.New(connOptions(cfg, "status", statusURL, clk))
	s.playCh = conn.New(connOptions(cfg, "playback", playURL, clk))

	s.player = playback.NewSimPlayer(clk)
	s.machine = playback.New(playback.Options{
		DeviceID:              s.id.DeviceID,
		MaterialID:            s.id.MaterialID,
		SlotNumber:            s.id.SlotNumber,
		Tick:                  config.Millis(cfg.Playback.TickMs),
		Settle:                config.Millis(cfg.Playback.SettleMs),
		ErrorRetries:          cfg.Playback.ErrorRetries,
		ErrorRetryDelay:       config.Millis(cfg.Playback.ErrorRetryDelayMs),
		FillerInterleaveBelow: cfg.Playback.FillerInterleaveBelow,
		IdleCooldown:          config.Seconds(cfg.Playback.IdleCooldownSec),
		Clock:                 clk,
	}, s.player, s.playCh, s.queue, s.catalog)

	s.peers = state.NewSlotTable(s.id.MaterialID, s.id.SlotNumber, config.Seconds(cfg.Sync.PeerStaleAfterSec), clk)
	s.sync = slotsync.New(slotsync.Options{
		MaterialID:     s.id.MaterialID,
		SlotNumber:     s.id.SlotNumber,
		Interval:       config.Seconds(cfg.Sync.IntervalSec),
		StartupQuiet:   config.Seconds(cfg.Sync.StartupQuietSec),
		LoadSettle:     config.Millis(cfg.Sync.LoadSettleMs),
		DriftTolerance: cfg.Sync.DriftToleranceSec,
		Clock:          clk,
	}, s.machine, s.playCh, s.catalog, s.peers)
	return s, nil
}

func (s *Session) openSender(ctx context.Context) error {
	b := s.cfg.Backend
	switch b.Transport {
	case "mqtt":
		dialCtx, cancel := context.WithTimeout(ctx, util.DefaultConnectTimeout)
		defer cancel()
		m, err := telemetry.DialMQTT(dialCtx, b.MQTTBroker, s.id.DeviceID)
		if err != nil {
			return err
		}
		s.sender, s.closeSend = m, m.Close
	default:
		c := telemetry.NewClient(b.BaseURL, s.id.DeviceID, config.Seconds(b.HTTPTimeoutSec))
		c.GzipMinBytes = b.GzipMinBytes
		s.sender, s.closeSend = c, func() {}
	}
	return nil
}

func (s *Session) closeStore() {
	s.closeSend()
	if err := s.store.Close(); err != nil {
		log.Printf("QUEUE: close store: %v", err)
	}
}

func channelURLs(cfg config.Config) (status, play string, err error) {
	q := url.Values{
		"deviceId":   {cfg.Device.ID},
		"materialId": {cfg.Device.MaterialID},
	}
	if status, err = conn.ChannelURL(cfg.Backend.WSURL, proto.StatusPath, q); err != nil {
		return "", "", err
	}
	q.Set("slotNumber", strconv.Itoa(cfg.Device.SlotNumber))
	if play, err = conn.ChannelURL(cfg.Backend.WSURL, proto.PlaybackPath, q); err != nil {
		return "", "", err
	}
	return status, play, nil
}

func connOptions(cfg config.Config, key, u string, clk clock.Clock) conn.Options {
	c := cfg.Connection
	return conn.Options{
		Key:             key,
		URL:             u,
		PingInterval:    config.Seconds(c.PingIntervalSec),
		PongTimeout:     config.Seconds(c.PongTimeoutSec),
		BackoffBase:     config.Millis(c.BackoffBaseMs),
		BackoffCap:      config.Seconds(c.BackoffCapSec),
		MaxAttempts:     c.MaxAttempts,
		BackgroundGrace: config.Seconds(c.BackgroundGraceSec),
		Clock:           clk,
	}
}

// Start launches the background loops and connects both channels.
func (s *Session) Start(ctx context.Context) {
	s.goLoop(func() { s.queue.Run(ctx) })
	s.goLoop(func() { s.machine.Run(ctx) })
	s.goLoop(func() { s.sync.Run(ctx) })
	s.goLoop(func() { s.watchStatus(ctx) })
	s.goLoop(func() {
		if err := s.catalog.Watch(ctx); err != nil {
			log.Printf("CATALOG: watch: %v", err)
		}
	})
	s.goLoop(func() {
		if err := s.geo.Watch(ctx); err != nil {
			log.Printf("GEOFENCE: watch: %v", err)
		}
	})

	s.statusCh.Connect()
	s.playCh.Connect()
}

func (s *Session) goLoop(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

// watchStatus drives the queue's connectivity from the status channel and
// reports device health on every connect and every status interval.
func (s *Session) watchStatus(ctx context.Context) {
	statuses, unsubscribe := s.statusCh.Subscribe()
	defer unsubscribe()

	var tick <-chan time.Time
	if d := config.Seconds(s.cfg.Status.IntervalSec); d > 0 {
		t := s.clk.Ticker(d)
		defer t.Stop()
		tick = t.C
	}

	online := false
	for {
		select {
		case <-ctx.Done():
			return
		case st, ok := <-statuses:
			if !ok {
				return
			}
			s.queue.SetOnline(st.Online)
			if st.Online && !online {
				s.reportStatus(ctx, true)
			}
			online = st.Online
		case <-tick:
			s.reportStatus(ctx, online)
			if stale := config.Seconds(s.cfg.Sync.PeerStaleAfterSec); stale > 0 {
				s.peers.PruneStale(s.clk.Now().Add(-4 * stale))
			}
		}
	}
}

func (s *Session) reportStatus(ctx context.Context, online bool) {
	sample := s.collector.Collect(ctx)
	s.mu.Lock()
	s.lastSample = sample
	s.mu.Unlock()

	if online {
		if err := s.statusCh.Send(device.StatusUpdate(s.id, sample)); err != nil {
			log.Printf("CONN: status update: %v", err)
		}
	}
	if _, err := s.queue.Enqueue(ctx, queue.KindDeviceStatus, device.NewReport(s.id, sample, online)); err != nil {
		log.Printf("QUEUE: device status: %v", err)
	}
}

// Suspend starts the background grace period on both channels.
func (s *Session) Suspend() {
	log.Println("APP: moved to background")
	s.statusCh.Suspend()
	s.playCh.Suspend()
}

// Resume cancels a pending background close and reconnects if needed.
func (s *Session) Resume() {
	log.Println("APP: back in foreground")
	s.statusCh.Resume()
	s.playCh.Resume()
	s.statusCh.Connect()
	s.playCh.Connect()
}

// StatusReport is served at /api/status.
type StatusReport struct {
	Device         Identity                    `json:"device"`
	Channels       []conn.Status               `json:"channels"`
	Playback       proto.PlaybackUpdate        `json:"playback"`
	Queue          map[queue.Kind]queue.Counts `json:"queue"`
	QueueOnline    bool                        `json:"queueOnline"`
	CatalogVersion uint64                      `json:"catalogVersion"`
	Zones          int                         `json:"zones"`
	Host           device.Sample               `json:"host"`
}

func (s *Session) Status(ctx context.Context) (StatusReport, error) {
	counts, err := s.queue.Stats(ctx)
	if err != nil {
		return StatusReport{}, err
	}
	s.mu.Lock()
	host := s.lastSample
	s.mu.Unlock()
	return StatusReport{
		Device:         s.id,
		Channels:       []conn.Status{s.statusCh.Status(), s.playCh.Status()},
		Playback:       s.machine.Snapshot(),
		Queue:          counts,
		QueueOnline:    s.queue.Online(),
		CatalogVersion: s.catalog.Version(),
		Zones:          s.geo.Zones(),
		Host:           host,
	}, nil
}

// Handler is the diagnostics and producer API for this session.
func (s *Session) Handler() http.Handler {
	return diag.Handler(diag.Deps{
		Identity: diag.Identity{
			DeviceID:   s.id.DeviceID,
			MaterialID: s.id.MaterialID,
			SlotNumber: s.id.SlotNumber,
		},
		Logs:      s.logs,
		Status:    func(ctx context.Context) (any, error) { return s.Status(ctx) },
		Slots:     s.peers,
		Speed:     s.geo,
		Queue:     s.queue,
		Lifecycle: s,
		CurrentAd: func() string { return s.machine.Snapshot().AdID },
		Clock:     s.clk,
	})
}

// Close disconnects both channels and releases the queue store. The
// context passed to Start must already be cancelled.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.statusCh.Close()
		s.playCh.Close()
		s.wg.Wait()
		s.queue.Close()
		s.closeStore()
	})
}
