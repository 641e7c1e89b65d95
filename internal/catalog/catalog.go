// Package catalog holds point-in-time snapshots of every Home Assistant
// entity. A [Snapshot] is immutable; [Catalog.Refresh] replaces the
// current snapshot rather than editing it.
package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/nugget/hearth/internal/homeassistant"
)

// Entity is one entity's state at snapshot time.
type Entity struct {
	ID          string
	Domain      string
	State       string
	Attributes  map[string]any
	LastChanged time.Time
}

func (e Entity) stringAttr(key string) string {
	v, _ := e.Attributes[key].(string)
	return v
}

// FriendlyName returns the friendly_name attribute, or "".
func (e Entity) FriendlyName() string { return e.stringAttr("friendly_name") }

// Unit returns the unit_of_measurement attribute, or "".
func (e Entity) Unit() string { return e.stringAttr("unit_of_measurement") }

// DeviceClass returns the device_class attribute, or "".
func (e Entity) DeviceClass() string { return e.stringAttr("device_class") }

// Snapshot is an immutable set of entities keyed by unique id, in the
// order Home Assistant listed them.
type Snapshot struct {
	entities []Entity
	index    map[string]int
	takenAt  time.Time
}

// NewSnapshot builds a snapshot from raw states. Duplicate ids keep
// their first occurrence. Attribute maps are copied so later changes
// to states cannot leak in.
func NewSnapshot(states []homeassistant.State, takenAt time.Time) *Snapshot {
	s := &Snapshot{
		entities: make([]Entity, 0, len(states)),
		index:    make(map[string]int, len(states)),
		takenAt:  takenAt,
	}
	for _, st := range states {
		if st.EntityID == "" {
			continue
		}
		if _, dup := s.index[st.EntityID]; dup {
			continue
		}
		s.index[st.EntityID] = len(s.entities)
		s.entities = append(s.entities, Entity{
			ID:          st.EntityID,
			Domain:      homeassistant.Domain(st.EntityID),
			State:       st.State,
			Attributes:  maps.Clone(st.Attributes),
			LastChanged: st.LastChanged,
		})
	}
	return s
}

// Empty returns a snapshot with no entities.
func Empty() *Snapshot {
	return NewSnapshot(nil, time.Time{})
}

// Len returns the number of entities.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.entities)
}

// TakenAt returns when the snapshot was captured.
func (s *Snapshot) TakenAt() time.Time { return s.takenAt }

// Entities returns the entities in snapshot order. The slice is a copy.
func (s *Snapshot) Entities() []Entity {
	if s == nil {
		return nil
	}
	return append([]Entity(nil), s.entities...)
}

// Get looks up an entity by id.
func (s *Snapshot) Get(id string) (Entity, bool) {
	if s == nil {
		return Entity{}, false
	}
	i, ok := s.index[id]
	if !ok {
		return Entity{}, false
	}
	return s.entities[i], true
}

// StateSource lists every entity state. [homeassistant.Client]
// satisfies it.
type StateSource interface {
	GetStates(ctx context.Context) ([]homeassistant.State, error)
}

// Catalog refreshes and holds the latest snapshot.
type Catalog struct {
	source  StateSource
	logger  *slog.Logger
	nowFunc func() time.Time

	mu      sync.RWMutex
	current *Snapshot
}

// New creates a catalog. Until the first successful refresh, Current
// returns an empty snapshot.
func New(source StateSource, logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	return &Catalog{
		source:  source,
		logger:  logger,
		nowFunc: time.Now,
		current: Empty(),
	}
}

// Refresh fetches all states and installs a new snapshot. On failure
// the previous snapshot stays current and the error is returned.
func (c *Catalog) Refresh(ctx context.Context) (*Snapshot, error) {
	states, err := c.source.GetStates(ctx)
	if err != nil {
		return nil, fmt.Errorf("refresh entity catalog: %w", err)
	}

	snap := NewSnapshot(states, c.nowFunc())

	c.mu.Lock()
	c.current = snap
	c.mu.Unlock()

	c.logger.Debug("entity catalog refreshed", "entities", snap.Len())
	return snap, nil
}

// Current returns the most recent successful snapshot.
func (c *Catalog) Current() *Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}
