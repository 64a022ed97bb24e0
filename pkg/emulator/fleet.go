package emulator

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/chargekit/chargekit/pkg/logging"
)

// Fleet owns a set of running chargers keyed by charger ID.
type Fleet struct {
	log *slog.Logger

	mu       sync.RWMutex
	chargers map[string]*Charger
}

// NewFleet returns an empty fleet.
func NewFleet(logger *slog.Logger) *Fleet {
	return &Fleet{
		log:      logging.Component(logger, "fleet"),
		chargers: make(map[string]*Charger),
	}
}

// Spawn creates a charger from cfg, starts it, and registers it with the
// fleet. The charger ID must not collide with a registered charger.
func (f *Fleet) Spawn(ctx context.Context, cfg ChargerConfig) (*Charger, error) {
	charger, err := NewCharger(cfg)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	if _, exists := f.chargers[charger.ID()]; exists {
		f.mu.Unlock()
		return nil, fmt.Errorf("charger %q already exists", charger.ID())
	}
	f.chargers[charger.ID()] = charger
	f.mu.Unlock()

	if err := charger.Start(ctx); err != nil {
		f.mu.Lock()
		delete(f.chargers, charger.ID())
		f.mu.Unlock()
		return nil, err
	}

	f.log.Info("charger spawned", "chargerId", charger.ID(), "fleetSize", f.Size())
	return charger, nil
}

// SpawnN starts n chargers from a shared template. IDs are derived from the
// template's charger ID (or "CP" when unset) with a numeric suffix. On
// failure the chargers spawned so far are stopped and removed.
func (f *Fleet) SpawnN(ctx context.Context, n int, template ChargerConfig) ([]string, error) {
	if n <= 0 {
		return nil, fmt.Errorf("charger count must be positive, got %d", n)
	}

	prefix := template.ChargerID
	if prefix == "" {
		prefix = "CP"
	}

	ids := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		cfg := template
		cfg.ChargerID = fmt.Sprintf("%s-%d", prefix, i)
		if _, err := f.Spawn(ctx, cfg); err != nil {
			for _, spawned := range ids {
				f.Remove(spawned)
			}
			return nil, fmt.Errorf("failed to spawn charger %d of %d: %w", i, n, err)
		}
		ids = append(ids, cfg.ChargerID)
	}
	return ids, nil
}

// Charger looks up a registered charger by ID.
func (f *Fleet) Charger(chargerID string) (*Charger, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	charger, ok := f.chargers[chargerID]
	return charger, ok
}

// Remove stops a charger and drops it from the fleet. It reports whether
// the charger was registered.
func (f *Fleet) Remove(chargerID string) bool {
	f.mu.Lock()
	charger, ok := f.chargers[chargerID]
	if ok {
		delete(f.chargers, chargerID)
	}
	f.mu.Unlock()

	if !ok {
		return false
	}
	charger.Stop()
	f.log.Info("charger removed", "chargerId", chargerID, "fleetSize", f.Size())
	return true
}

// IDs returns the registered charger IDs in sorted order.
func (f *Fleet) IDs() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	ids := make([]string, 0, len(f.chargers))
	for chargerID := range f.chargers {
		ids = append(ids, chargerID)
	}
	sort.Strings(ids)
	return ids
}

// Size returns the number of registered chargers.
func (f *Fleet) Size() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.chargers)
}

// Snapshots returns the state of every registered charger, sorted by ID.
func (f *Fleet) Snapshots() []Snapshot {
	f.mu.RLock()
	chargers := make([]*Charger, 0, len(f.chargers))
	for _, charger := range f.chargers {
		chargers = append(chargers, charger)
	}
	f.mu.RUnlock()

	snaps := make([]Snapshot, 0, len(chargers))
	for _, charger := range chargers {
		snaps = append(snaps, charger.Snapshot())
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].ChargerID < snaps[j].ChargerID })
	return snaps
}

// StopAll stops every charger and empties the fleet.
func (f *Fleet) StopAll() {
	f.mu.Lock()
	chargers := f.chargers
	f.chargers = make(map[string]*Charger)
	f.mu.Unlock()

	for _, charger := range chargers {
		charger.Stop()
	}
	if len(chargers) > 0 {
		f.log.Info("fleet stopped", "chargers", len(chargers))
	}
}
