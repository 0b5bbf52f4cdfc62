package geofence

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/petervdpas/slotcast/internal/util"

	"gopkg.in/yaml.v3"
)

// Bounds is a lat/lng box. Inclusive on all edges.
type Bounds struct {
	MinLat float64 `yaml:"min_lat"`
	MinLng float64 `yaml:"min_lng"`
	MaxLat float64 `yaml:"max_lat"`
	MaxLng float64 `yaml:"max_lng"`
}

// Window is a daily time-of-day range, "HH:MM" in the sample's location.
// End before Start wraps past midnight.
type Window struct {
	Start string `yaml:"start"`
	End   string `yaml:"end"`

	startMin, endMin int
}

// Zone is a geofenced area with its own speed limit.
type Zone struct {
	Name          string  `yaml:"name"`
	Bounds        Bounds  `yaml:"bounds"`
	SpeedLimitKmh float64 `yaml:"speed_limit_kmh"`
	Window        *Window `yaml:"window,omitempty"`
	Priority      int     `yaml:"priority"`
}

// Contains reports whether the point lies inside the zone's bounds.
func (z Zone) Contains(lat, lng float64) bool {
	b := z.Bounds
	return lat >= b.MinLat && lat <= b.MaxLat && lng >= b.MinLng && lng <= b.MaxLng
}

// ActiveAt reports whether the zone applies at t. Zones without a window
// always apply.
func (z Zone) ActiveAt(t time.Time) bool {
	if z.Window == nil {
		return true
	}
	m := t.Hour()*60 + t.Minute()
	w := z.Window
	if w.startMin <= w.endMin {
		return m >= w.startMin && m < w.endMin
	}
	return m >= w.startMin || m < w.endMin
}

func parseClock(s string) (int, error) {
	h, m, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, fmt.Errorf("want HH:MM, got %q", s)
	}
	hh, err := strconv.Atoi(h)
	if err != nil || hh < 0 || hh > 24 {
		return 0, fmt.Errorf("bad hour in %q", s)
	}
	mm, err := strconv.Atoi(m)
	if err != nil || mm < 0 || mm > 59 || (hh == 24 && mm != 0) {
		return 0, fmt.Errorf("bad minute in %q", s)
	}
	return hh*60 + mm, nil
}

// Rules is the parsed content of a zones file.
type Rules struct {
	Fallback Fallback `yaml:"fallback"`
	Zones    []Zone   `yaml:"zones"`
}

// ParseRules decodes YAML, validates windows and orders zones by priority.
func ParseRules(data []byte) (*Rules, error) {
	var r Rules
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("geofence: parse zones: %w", err)
	}
	for i := range r.Zones {
		z := &r.Zones[i]
		if z.SpeedLimitKmh <= 0 {
			return nil, fmt.Errorf("geofence: zone %q: speed_limit_kmh must be > 0", z.Name)
		}
		if z.Window == nil {
			continue
		}
		var err error
		if z.Window.startMin, err = parseClock(z.Window.Start); err != nil {
			return nil, fmt.Errorf("geofence: zone %q window start: %w", z.Name, err)
		}
		if z.Window.endMin, err = parseClock(z.Window.End); err != nil {
			return nil, fmt.Errorf("geofence: zone %q window end: %w", z.Name, err)
		}
	}
	SortZones(r.Zones)
	if r.Fallback.DefaultKmh <= 0 {
		r.Fallback.DefaultKmh = DefaultUrbanKmh
	}
	return &r, nil
}

// Monitor classifies samples against the current rule set. Rules can be
// swapped at runtime (file reload) without blocking Check.
type Monitor struct {
	rules atomic.Pointer[Rules]
	path  string
}

// NewMonitor returns a monitor using rules. A nil rules value means no
// zones and the default fallback.
func NewMonitor(rules *Rules) *Monitor {
	m := &Monitor{}
	if rules == nil {
		rules = &Rules{Fallback: DefaultFallback()}
	}
	m.rules.Store(rules)
	return m
}

// LoadMonitor reads a zones file. A missing file yields an empty rule set.
func LoadMonitor(path string) (*Monitor, error) {
	m := NewMonitor(nil)
	m.path = path
	if err := m.Reload(); err != nil {
		return nil, err
	}
	return m, nil
}

// Reload re-reads the zones file. On error the previous rules stay active.
func (m *Monitor) Reload() error {
	if m.path == "" {
		return nil
	}
	b, err := os.ReadFile(m.path)
	if os.IsNotExist(err) {
		log.Printf("GEOFENCE: %s not found, using fallback limits only", m.path)
		return nil
	}
	if err != nil {
		return fmt.Errorf("geofence: read %s: %w", m.path, err)
	}
	r, err := ParseRules(b)
	if err != nil {
		return err
	}
	m.rules.Store(r)
	log.Printf("GEOFENCE: loaded %d zone(s) from %s", len(r.Zones), m.path)
	return nil
}

// Watch reloads the zones file whenever it changes until ctx is done.
func (m *Monitor) Watch(ctx context.Context) error {
	if m.path == "" {
		return nil
	}
	return util.WatchFile(ctx, m.path, func() {
		if err := m.Reload(); err != nil {
			log.Printf("GEOFENCE: reload failed: %v", err)
		}
	})
}

// Check classifies one sample.
func (m *Monitor) Check(s Sample) *Violation {
	r := m.rules.Load()
	return Classify(r.Zones, r.Fallback, s)
}

// Zones returns the number of active zones.
func (m *Monitor) Zones() int {
	return len(m.rules.Load().Zones)
}
