// Package geofence classifies location/speed samples into speed-violation
// levels using an ordered list of zones and a regional fallback.
package geofence

import (
	"math"
	"sort"
	"time"
)

// Level is the severity bucket of a speed violation.
type Level string

const (
	LevelLow     Level = "LOW"
	LevelMedium  Level = "MEDIUM"
	LevelHigh    Level = "HIGH"
	LevelExtreme Level = "EXTREME"
)

// Over-limit thresholds in km/h. Anything at or below GraceKmh is ignored.
const (
	GraceKmh  = 5
	lowMax    = 15
	mediumMax = 25
	highMax   = 35
)

var penalties = map[Level]int{
	LevelLow:     1,
	LevelMedium:  3,
	LevelHigh:    5,
	LevelExtreme: 10,
}

// Penalty returns the fixed weight of a level.
func Penalty(l Level) int { return penalties[l] }

// Sample is one location/speed reading.
type Sample struct {
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	SpeedKmh  float64   `json:"speedKmh"`
	Timestamp time.Time `json:"timestamp"`
}

// Violation describes a sample that exceeded its applicable limit.
type Violation struct {
	Zone      string    `json:"zone"` // zone name or fallback tier
	LimitKmh  float64   `json:"limitKmh"`
	SpeedKmh  float64   `json:"speedKmh"`
	OverKmh   float64   `json:"overKmh"`
	Level     Level     `json:"level"`
	Penalty   int       `json:"penalty"`
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	Timestamp time.Time `json:"timestamp"`
}

// Classify returns the violation for s, or nil when s is within the limit
// plus the grace band. zones must already be ordered (see SortZones);
// the first zone whose bounds and time window match supplies the limit.
func Classify(zones []Zone, fb Fallback, s Sample) *Violation {
	name, limit := fb.Limit(s.Lat, s.Lng)
	for _, z := range zones {
		if z.Contains(s.Lat, s.Lng) && z.ActiveAt(s.Timestamp) {
			name, limit = z.Name, z.SpeedLimitKmh
			break
		}
	}

	over := s.SpeedKmh - limit
	level, ok := bucket(over)
	if !ok {
		return nil
	}
	return &Violation{
		Zone:      name,
		LimitKmh:  limit,
		SpeedKmh:  s.SpeedKmh,
		OverKmh:   over,
		Level:     level,
		Penalty:   Penalty(level),
		Lat:       s.Lat,
		Lng:       s.Lng,
		Timestamp: s.Timestamp,
	}
}

func bucket(over float64) (Level, bool) {
	switch {
	case math.IsNaN(over) || over <= GraceKmh:
		return "", false
	case over <= lowMax:
		return LevelLow, true
	case over <= mediumMax:
		return LevelMedium, true
	case over <= highMax:
		return LevelHigh, true
	default:
		return LevelExtreme, true
	}
}

// SortZones orders zones by descending priority, keeping file order for ties,
// so specific zones are consulted before general ones.
func SortZones(zones []Zone) {
	sort.SliceStable(zones, func(i, j int) bool {
		return zones[i].Priority > zones[j].Priority
	})
}

// Fallback is the regional heuristic used when no zone matches.
type Fallback struct {
	Regions    []Region `yaml:"regions"`
	DefaultKmh float64  `yaml:"default_kmh"`
}

// Region is a city with three concentric tiers around its centre.
type Region struct {
	Name              string  `yaml:"name"`
	Lat               float64 `yaml:"lat"`
	Lng               float64 `yaml:"lng"`
	CenterRadiusKm    float64 `yaml:"center_radius_km"`
	ResidentialRadius float64 `yaml:"residential_radius_km"`
	HighwayRadiusKm   float64 `yaml:"highway_radius_km"`
	CenterKmh         float64 `yaml:"center_kmh"`
	ResidentialKmh    float64 `yaml:"residential_kmh"`
	HighwayKmh        float64 `yaml:"highway_kmh"`
}

// DefaultUrbanKmh is the general urban limit used when nothing else applies.
const DefaultUrbanKmh = 50

// DefaultFallback has no regions; every unmatched sample gets the urban limit.
func DefaultFallback() Fallback {
	return Fallback{DefaultKmh: DefaultUrbanKmh}
}

// Limit returns the tier name and limit for a point outside every zone.
func (f Fallback) Limit(lat, lng float64) (string, float64) {
	for _, r := range f.Regions {
		d := distanceKm(lat, lng, r.Lat, r.Lng)
		switch {
		case d <= r.CenterRadiusKm:
			return r.Name + "/city-center", r.CenterKmh
		case d <= r.ResidentialRadius:
			return r.Name + "/residential", r.ResidentialKmh
		case d <= r.HighwayRadiusKm:
			return r.Name + "/highway", r.HighwayKmh
		}
	}
	def := f.DefaultKmh
	if def <= 0 {
		def = DefaultUrbanKmh
	}
	return "urban", def
}

const earthRadiusKm = 6371.0

// distanceKm is the haversine distance between two points.
func distanceKm(lat1, lng1, lat2, lng2 float64) float64 {
	rad := math.Pi / 180
	dLat := (lat2 - lat1) * rad
	dLng := (lng2 - lng1) * rad
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusKm * math.Asin(math.Sqrt(a))
}
