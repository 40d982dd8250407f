package area

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/motiond/internal/deconz"
)

// Registry owns the configured controllers and routes presence events to
// them by sensor id. It implements deconz.Dispatcher.
type Registry struct {
	mu          sync.RWMutex
	controllers []*Controller
	bySensor    map[int][]*Controller
	closed      bool

	inflight sync.WaitGroup
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		bySensor: make(map[int][]*Controller),
	}
}

// Register validates the controller, forces its target off and makes it
// eligible for dispatch. Several controllers may share a sensor.
func (r *Registry) Register(ctx context.Context, c *Controller) error {
	return r.RegisterAll(ctx, []*Controller{c})
}

// RegisterAll validates every controller before touching the hub, then
// runs the baselines concurrently so one unreachable target does not hold
// up the others. Controllers become eligible for dispatch in order.
func (r *Registry) RegisterAll(ctx context.Context, controllers []*Controller) error {
	r.mu.RLock()
	seen := make(map[string]bool, len(r.controllers)+len(controllers))
	for _, existing := range r.controllers {
		seen[existing.Name()] = true
	}
	r.mu.RUnlock()

	for _, c := range controllers {
		if err := c.Settings().Validate(); err != nil {
			return err
		}
		if seen[c.Name()] {
			return &ConfigError{Area: c.Name(), Field: "name", Reason: "is already registered"}
		}
		seen[c.Name()] = true
	}

	var wg sync.WaitGroup
	for _, c := range controllers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Start(ctx)
		}()
	}
	wg.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range controllers {
		r.controllers = append(r.controllers, c)
		sensor := c.Settings().SensorID
		r.bySensor[sensor] = append(r.bySensor[sensor], c)
	}
	return nil
}

// Dispatch hands msg to every controller bound to its sensor. Each
// controller handles it on its own goroutine so a slow hub call for one
// area never delays another.
func (r *Registry) Dispatch(ctx context.Context, msg deconz.EventMessage) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}

	targets := r.bySensor[msg.ID]
	if len(targets) == 0 {
		log.Trace().Int("sensor", msg.ID).Msg("No area bound to sensor")
		return
	}

	// Add runs under the read lock so Shutdown never waits while a new
	// handler is being counted.
	for _, c := range targets {
		r.inflight.Add(1)
		go func() {
			defer r.inflight.Done()
			defer func() {
				if rec := recover(); rec != nil {
					log.Error().
						Interface("panic", rec).
						Str("area", c.Name()).
						Msg("Area handler panicked")
				}
			}()
			c.Handle(ctx, msg)
		}()
	}
}

// Controllers returns the registered controllers in registration order.
func (r *Registry) Controllers() []*Controller {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Controller, len(r.controllers))
	copy(out, r.controllers)
	return out
}

// Snapshots returns the state of every controller.
func (r *Registry) Snapshots() []Snapshot {
	controllers := r.Controllers()
	out := make([]Snapshot, 0, len(controllers))
	for _, c := range controllers {
		out = append(out, c.Snapshot())
	}
	return out
}

// Shutdown stops dispatching, cancels every pending timer and waits for
// in-flight event handlers until ctx expires.
func (r *Registry) Shutdown(ctx context.Context) {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	for _, c := range r.Controllers() {
		c.Stop()
	}

	done := make(chan struct{})
	go func() {
		r.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Debug().Msg("Area handlers drained")
	case <-ctx.Done():
		log.Warn().Msg("Timed out waiting for area handlers")
	}
}

// wait blocks until all dispatched events have been handled.
func (r *Registry) wait() {
	r.inflight.Wait()
}
