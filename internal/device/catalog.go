package device

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Entry is one configured device instance.
type Entry struct {
	ID      string `json:"id" mapstructure:"id"`
	Address string `json:"address" mapstructure:"address"`
}

// Type groups devices driven by the same communicator.
type Type struct {
	ID       string  `json:"id" mapstructure:"id"`
	DriverID string  `json:"plugin_id" mapstructure:"driver_id"`
	Devices  []Entry `json:"devices" mapstructure:"devices"`
}

// UnmarshalJSON accepts "driver_id" as well as "plugin_id", and
// "instances" as well as "devices".
func (t *Type) UnmarshalJSON(b []byte) error {
	var raw struct {
		ID        string  `json:"id"`
		PluginID  string  `json:"plugin_id"`
		DriverID  string  `json:"driver_id"`
		Devices   []Entry `json:"devices"`
		Instances []Entry `json:"instances"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	t.ID = raw.ID
	t.DriverID = raw.PluginID
	if t.DriverID == "" {
		t.DriverID = raw.DriverID
	}
	t.Devices = raw.Devices
	if t.Devices == nil {
		t.Devices = raw.Instances
	}
	return nil
}

// Catalog is a snapshot of the configured device types.
type Catalog struct {
	DeviceTypes []Type `json:"device_types" mapstructure:"device_types"`
}

// Resolved is a device entry joined with its type.
type Resolved struct {
	ID       string
	TypeID   string
	Address  string
	DriverID string
}

// ParseCatalog decodes a JSON catalog document.
func ParseCatalog(data []byte) (Catalog, error) {
	var c Catalog
	if err := json.Unmarshal(data, &c); err != nil {
		return Catalog{}, fmt.Errorf("parse device catalog: %w", err)
	}
	return c, nil
}

// Lookup finds a device by id. Entries without an id are ignored.
func (c Catalog) Lookup(id string) (Resolved, bool) {
	for _, t := range c.DeviceTypes {
		for _, d := range t.Devices {
			if d.ID != "" && d.ID == id {
				return Resolved{ID: d.ID, TypeID: t.ID, Address: d.Address, DriverID: t.DriverID}, true
			}
		}
	}
	return Resolved{}, false
}

// All lists every device with an id, sorted by id. The first occurrence of a
// duplicated id wins.
func (c Catalog) All() []Resolved {
	seen := make(map[string]bool)
	var out []Resolved
	for _, t := range c.DeviceTypes {
		for _, d := range t.Devices {
			if strings.TrimSpace(d.ID) == "" || seen[d.ID] {
				continue
			}
			seen[d.ID] = true
			out = append(out, Resolved{ID: d.ID, TypeID: t.ID, Address: d.Address, DriverID: t.DriverID})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Source yields the current catalog. Implementations must return a fresh
// snapshot on every call.
type Source interface {
	Catalog(ctx context.Context) (Catalog, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) (Catalog, error)

func (f SourceFunc) Catalog(ctx context.Context) (Catalog, error) { return f(ctx) }

// StaticSource serves a catalog held in memory. Set replaces it.
type StaticSource struct {
	mu  sync.RWMutex
	cat Catalog
}

func NewStaticSource(c Catalog) *StaticSource { return &StaticSource{cat: c} }

func (s *StaticSource) Catalog(context.Context) (Catalog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cat, nil
}

func (s *StaticSource) Set(c Catalog) {
	s.mu.Lock()
	s.cat = c
	s.mu.Unlock()
}
