// Package catalog holds the static purchase and service-cost reference data.
// It is loaded once at process start and immutable thereafter.
package catalog

import (
	_ "embed"
	"fmt"
	"os"
	"sort"

	"github.com/BurntSushi/toml"
)

//go:embed defaults.toml
var defaultsTOML []byte

// Plan is a purchasable credit bundle. Bonus credits are granted on top of
// Credits at purchase time. PriceCents is informational; payment capture
// happens upstream.
type Plan struct {
	ID         string `toml:"id"`
	Credits    int64  `toml:"credits"`
	Bonus      int64  `toml:"bonus"`
	PriceCents int64  `toml:"price_cents"`
}

// ServiceCost maps a metered service key to its credit cost.
type ServiceCost struct {
	Key         string `toml:"key"`
	Cost        int64  `toml:"cost"`
	Description string `toml:"description"`
}

type document struct {
	Plans    []Plan        `toml:"plans"`
	Services []ServiceCost `toml:"services"`
}

// Catalog is a read-only lookup over plans and service costs.
type Catalog struct {
	plans    map[string]Plan
	services map[string]ServiceCost
}

// Default returns the catalog built from the embedded defaults.
func Default() *Catalog {
	c, err := parse(defaultsTOML)
	if err != nil {
		// The embedded document is validated by tests; a parse failure here is
		// a build defect.
		panic(fmt.Sprintf("catalog: embedded defaults invalid: %v", err))
	}
	return c
}

// Load reads a catalog from a TOML file. An empty path returns the defaults.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Default(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return parse(raw)
}

func parse(raw []byte) (*Catalog, error) {
	var doc document
	if err := toml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}

	c := &Catalog{
		plans:    make(map[string]Plan, len(doc.Plans)),
		services: make(map[string]ServiceCost, len(doc.Services)),
	}
	for _, p := range doc.Plans {
		if p.ID == "" {
			return nil, fmt.Errorf("catalog: plan with empty id")
		}
		if p.Credits <= 0 || p.Bonus < 0 {
			return nil, fmt.Errorf("catalog: plan %s has invalid credit amounts", p.ID)
		}
		if _, dup := c.plans[p.ID]; dup {
			return nil, fmt.Errorf("catalog: duplicate plan %s", p.ID)
		}
		c.plans[p.ID] = p
	}
	for _, s := range doc.Services {
		if s.Key == "" {
			return nil, fmt.Errorf("catalog: service with empty key")
		}
		if s.Cost <= 0 {
			return nil, fmt.Errorf("catalog: service %s has invalid cost", s.Key)
		}
		if _, dup := c.services[s.Key]; dup {
			return nil, fmt.Errorf("catalog: duplicate service %s", s.Key)
		}
		c.services[s.Key] = s
	}
	return c, nil
}

// Plan looks up a purchasable credit plan.
func (c *Catalog) Plan(id string) (Plan, bool) {
	p, ok := c.plans[id]
	return p, ok
}

// Service looks up the cost entry for a metered service.
func (c *Catalog) Service(key string) (ServiceCost, bool) {
	s, ok := c.services[key]
	return s, ok
}

// Plans returns all plans sorted by id, for display surfaces.
func (c *Catalog) Plans() []Plan {
	out := make([]Plan, 0, len(c.plans))
	for _, p := range c.plans {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Services returns all service costs sorted by key.
func (c *Catalog) Services() []ServiceCost {
	out := make([]ServiceCost, 0, len(c.services))
	for _, s := range c.services {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
