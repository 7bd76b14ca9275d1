package orchestrator

import (
	"context"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
)

type UnitRegistry interface {
	Track(ctx context.Context, unit WorkUnit) (context.Context, func())
	Active() []string
	CancelAll()
}

type trackedUnit struct {
	description string
	cancel      context.CancelFunc
}

// Registry keeps the cancel functions of the work units running in this process.
// Duplicate deliveries of one unit may run side by side, so every Track call
// gets its own entry.
type Registry struct {
	running map[uint64]trackedUnit
	next    uint64
	mu      sync.RWMutex
}

// NewUnitRegistry creates an empty registry
func NewUnitRegistry() UnitRegistry {
	return &Registry{
		running: make(map[uint64]trackedUnit),
	}
}

// Track derives a cancellable context for the unit. The returned func must be
// called when the unit completes; it only removes this call's entry.
func (r *Registry) Track(ctx context.Context, unit WorkUnit) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)

	r.mu.Lock()
	r.next++
	token := r.next
	r.running[token] = trackedUnit{description: Describe(unit), cancel: cancel}
	r.mu.Unlock()

	return ctx, func() {
		r.mu.Lock()
		delete(r.running, token)
		r.mu.Unlock()
		cancel()
	}
}

// Active lists the running units, sorted. A unit running twice is listed twice.
func (r *Registry) Active() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	units := make([]string, 0, len(r.running))
	for _, unit := range r.running {
		units = append(units, unit.description)
	}
	sort.Strings(units)

	return units
}

func (r *Registry) CancelAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, unit := range r.running {
		unit.cancel()
	}

	if len(r.running) > 0 {
		log.Info().Int("units", len(r.running)).Msg("Cancelled running work units")
	}
}
