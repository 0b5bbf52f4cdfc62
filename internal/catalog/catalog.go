// Package catalog holds the ads a slot may play and the filler shown when
// there is nothing else. The catalog is loaded from a JSON document on disk
// and can be refreshed at runtime.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/petervdpas/slotcast/internal/util"
)

var ErrAdNotFound = errors.New("catalog: ad not found")

// Ad is one playable creative.
type Ad struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	MediaURL    string     `json:"mediaUrl"`
	DurationSec float64    `json:"durationSec"`
	Active      bool       `json:"active"`
	StartsAt    *time.Time `json:"startsAt,omitempty"`
	EndsAt      *time.Time `json:"endsAt,omitempty"`
}

// EligibleAt reports whether the ad may be scheduled at t.
func (a Ad) EligibleAt(t time.Time) bool {
	if !a.Active {
		return false
	}
	if a.StartsAt != nil && t.Before(*a.StartsAt) {
		return false
	}
	if a.EndsAt != nil && !t.Before(*a.EndsAt) {
		return false
	}
	return true
}

type document struct {
	Filler *Ad  `json:"filler"`
	Ads    []Ad `json:"ads"`
}

// Catalog is safe for concurrent use.
type Catalog struct {
	path string

	mu      sync.RWMutex
	ads     []Ad
	byID    map[string]Ad
	filler  *Ad
	version uint64
}

// New builds an in-memory catalog. filler may be nil.
func New(ads []Ad, filler *Ad) *Catalog {
	c := &Catalog{}
	c.set(ads, filler)
	return c
}

// Load reads path. A missing file yields an empty catalog that can be
// filled later by Refresh.
func Load(path string) (*Catalog, error) {
	c := &Catalog{path: path, byID: map[string]Ad{}}
	if err := c.Refresh(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Catalog) set(ads []Ad, filler *Ad) {
	byID := make(map[string]Ad, len(ads)+1)
	for _, a := range ads {
		byID[a.ID] = a
	}
	if filler != nil {
		byID[filler.ID] = *filler
	}
	c.mu.Lock()
	c.ads = ads
	c.byID = byID
	c.filler = filler
	c.version++
	c.mu.Unlock()
}

// Refresh re-reads the catalog file. On error the current content is kept.
func (c *Catalog) Refresh() error {
	if c.path == "" {
		return nil
	}
	b, err := os.ReadFile(c.path)
	if os.IsNotExist(err) {
		log.Printf("CATALOG: %s not found, catalog is empty", c.path)
		return nil
	}
	if err != nil {
		return fmt.Errorf("catalog: read %s: %w", c.path, err)
	}
	var doc document
	if err := json.Unmarshal(b, &doc); err != nil {
		return fmt.Errorf("catalog: parse %s: %w", c.path, err)
	}
	seen := make(map[string]bool, len(doc.Ads))
	for _, a := range doc.Ads {
		if a.ID == "" {
			return fmt.Errorf("catalog: %s: ad without id", c.path)
		}
		if seen[a.ID] {
			return fmt.Errorf("catalog: %s: duplicate ad id %q", c.path, a.ID)
		}
		seen[a.ID] = true
	}
	if doc.Filler != nil && doc.Filler.ID == "" {
		return fmt.Errorf("catalog: %s: filler without id", c.path)
	}
	c.set(doc.Ads, doc.Filler)
	log.Printf("CATALOG: loaded %d ad(s) from %s (filler=%v)", len(doc.Ads), c.path, doc.Filler != nil)
	return nil
}

// Watch refreshes the catalog whenever its file changes until ctx is done.
func (c *Catalog) Watch(ctx context.Context) error {
	if c.path == "" {
		return nil
	}
	return util.WatchFile(ctx, c.path, func() {
		if err := c.Refresh(); err != nil {
			log.Printf("CATALOG: reload failed: %v", err)
		}
	})
}

// Eligible returns the user ads eligible at t, in file order.
func (c *Catalog) Eligible(t time.Time) []Ad {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Ad, 0, len(c.ads))
	for _, a := range c.ads {
		if a.EligibleAt(t) {
			out = append(out, a)
		}
	}
	return out
}

// Filler returns the filler ad, if configured.
func (c *Catalog) Filler() (Ad, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.filler == nil {
		return Ad{}, false
	}
	return *c.filler, true
}

// Lookup finds an ad (user or filler) by id.
func (c *Catalog) Lookup(id string) (Ad, error) {
	c.mu.RLock()
	a, ok := c.byID[id]
	c.mu.RUnlock()
	if !ok {
		return Ad{}, fmt.Errorf("%w: %s", ErrAdNotFound, id)
	}
	return a, nil
}

// Version increases every time the content is replaced.
func (c *Catalog) Version() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.version
}
