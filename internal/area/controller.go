// Package area drives one light or group per configured area from presence
// events: switch on at schedule brightness, dim after a quiet period, then
// switch off, stopping whenever someone else has changed the light.
package area

import (
	"context"
	"encoding/json"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/motiond/internal/clock"
	"github.com/dokzlo13/motiond/internal/deconz"
	"github.com/dokzlo13/motiond/internal/eventbus"
	"github.com/dokzlo13/motiond/internal/schedule"
)

// Defaults for the per-area timings.
const (
	DefaultDimAfter   = 2 * time.Minute
	DefaultOffAfter   = 2 * time.Minute
	DefaultTransition = 30 * time.Second
)

// softOffGrace is added to the fade duration before the final off.
const softOffGrace = time.Second

// Commander is the subset of the hub client a controller needs.
type Commander interface {
	Get(ctx context.Context, url string) (json.RawMessage, error)
	Put(ctx context.Context, url string, body any) (json.RawMessage, error)
	ResourceURL(kind string, id int) string
}

// Publisher receives advisory notifications. It must not block.
type Publisher interface {
	Publish(event eventbus.Event)
}

// Settings is the immutable configuration of one area.
type Settings struct {
	Name       string
	SensorID   int
	Target     Target
	Schedule   *schedule.Table
	DimAfter   time.Duration
	OffAfter   time.Duration
	Transition time.Duration
	DryRun     bool
	Location   *time.Location // schedule time zone; nil means time.Local
}

// Validate reports the first missing or contradictory setting.
func (s Settings) Validate() error {
	switch {
	case s.Name == "":
		return &ConfigError{Field: "name", Reason: "is required"}
	case s.SensorID <= 0:
		return &ConfigError{Area: s.Name, Field: "sensor_id", Reason: "must be a positive integer"}
	case s.Target.IsZero():
		return &ConfigError{Area: s.Name, Field: "target", Reason: "one of target_light or target_group is required"}
	case !s.Target.valid():
		return &ConfigError{Area: s.Name, Field: "target", Reason: "unknown target " + s.Target.String()}
	case s.Schedule == nil || len(s.Schedule.Entries()) == 0:
		return &ConfigError{Area: s.Name, Field: "schedule", Reason: "is required"}
	case s.DimAfter < 0 || s.OffAfter < 0 || s.Transition < 0:
		return &ConfigError{Area: s.Name, Field: "timings", Reason: "must not be negative"}
	}
	return nil
}

func (s Settings) withDefaults() Settings {
	if s.DimAfter == 0 {
		s.DimAfter = DefaultDimAfter
	}
	if s.OffAfter == 0 {
		s.OffAfter = DefaultOffAfter
	}
	if s.Transition == 0 {
		s.Transition = DefaultTransition
	}
	if s.Location == nil {
		s.Location = time.Local
	}
	return s
}

// Snapshot is a point-in-time view of a controller.
type Snapshot struct {
	Name        string     `json:"name"`
	SensorID    int        `json:"sensor_id"`
	Target      string     `json:"target"`
	Phase       string     `json:"phase"`
	LastApplied *int       `json:"last_applied,omitempty"`
	Pending     string     `json:"pending,omitempty"`
	Deadline    *time.Time `json:"deadline,omitempty"`
	Chain       string     `json:"chain,omitempty"`
	DryRun      bool       `json:"dry_run"`
}

// Controller runs the timer chain for one area.
//
// All state changes happen under mu. Hub calls run with mu released so a
// presence event can take over while a timer step is still retrying. Every
// step, arm and cancel bumps generation; a timer or an in-flight step whose
// generation is no longer current drops its result.
type Controller struct {
	settings Settings
	client   Commander
	clock    clock.Clock
	bus      Publisher

	mu          sync.Mutex
	ctx         context.Context
	phase       Phase
	lastApplied *int
	timer       clock.Timer
	pending     Action
	deadline    time.Time
	generation  uint64
	chain       string
	stopped     bool
}

// NewController creates a controller. Call Validate on settings first or
// register through a Registry, which does.
func NewController(settings Settings, client Commander, clk clock.Clock, bus Publisher) *Controller {
	if clk == nil {
		clk = clock.Real()
	}
	return &Controller{
		settings: settings.withDefaults(),
		client:   client,
		clock:    clk,
		bus:      bus,
		ctx:      context.Background(),
		phase:    PhaseUntracked,
	}
}

// Settings returns the controller's configuration.
func (c *Controller) Settings() Settings {
	return c.settings
}

// Name returns the area name.
func (c *Controller) Name() string {
	return c.settings.Name
}

// Phase returns the current phase.
func (c *Controller) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// Snapshot returns the current state for reporting.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Snapshot{
		Name:     c.settings.Name,
		SensorID: c.settings.SensorID,
		Target:   c.settings.Target.String(),
		Phase:    c.phase.String(),
		Chain:    c.chain,
		DryRun:   c.settings.DryRun,
	}
	if c.lastApplied != nil {
		v := *c.lastApplied
		s.LastApplied = &v
	}
	if c.timer != nil {
		d := c.deadline
		s.Pending = c.pending.String()
		s.Deadline = &d
	}
	return s
}

// Start binds the controller to ctx, which is used by timer-driven steps,
// and forces the target off so the controller starts from a known state.
// A failed baseline leaves the controller untracked but usable.
func (c *Controller) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.ctx = ctx
	c.logger().Info().
		Int("sensor", c.settings.SensorID).
		Str("target", c.settings.Target.String()).
		Str("schedule", c.settings.Schedule.String()).
		Bool("dry_run", c.settings.DryRun).
		Msg("Area registered, switching target off")
	c.turnOffLocked(ctx, c.beginLocked(), "baseline")
}

// Handle reacts to a feed message. Only presence=true from the area's
// sensor starts a chain; everything else is ignored.
func (c *Controller) Handle(ctx context.Context, msg deconz.EventMessage) {
	if msg.ID != c.settings.SensorID || !msg.IsPresence() || !*msg.Presence {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}

	if c.timer != nil {
		c.logger().Debug().Msg("Pending timer reset")
	}
	gen := c.beginLocked()
	c.chain = uuid.NewString()
	c.publishLocked(eventbus.EventTypePresence, nil)

	target := c.settings.Schedule.BrightnessAt(c.now(), false)
	c.logger().Info().
		Int("brightness", target).
		Int("percent", percent(target)).
		Msg("Presence detected, turning on")

	if !c.sendLocked(ctx, gen, "turn_on", deconz.TurnOn(target)) {
		return
	}
	c.lastApplied = &target
	c.armLocked(c.settings.DimAfter, nextAfter(target, ActionDim))
	c.enterLocked(PhaseActive, "presence")
}

// Stop cancels the pending timer. Later events and timers are ignored, and
// a step still waiting on the hub drops its result.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.timer != nil {
		c.logger().Info().Msg("Pending timer cancelled")
	}
	c.cancelTimerLocked()
	c.stopped = true
}

// fire runs a timer step unless the timer was superseded.
func (c *Controller) fire(gen uint64, action Action) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped || gen != c.generation {
		c.logger().Debug().Str("action", action.String()).Msg("Discarding stale timer")
		return
	}

	ctx := c.ctx
	if ctx.Err() != nil {
		return
	}
	gen = c.beginLocked()

	switch action {
	case ActionDim:
		c.dimLocked(ctx, gen)
	case ActionSoftOff:
		c.softOffLocked(ctx, gen)
	case ActionHardOff:
		c.turnOffLocked(ctx, gen, "timeout")
	}
}

func (c *Controller) dimLocked(ctx context.Context, gen uint64) {
	if !c.verifyLocked(ctx, gen, "dim") {
		return
	}

	target := c.settings.Schedule.BrightnessAt(c.now(), true)
	c.logger().Info().
		Int("brightness", target).
		Int("percent", percent(target)).
		Dur("transition", c.settings.Transition).
		Msg("No presence, dimming")

	if !c.sendLocked(ctx, gen, "dim", deconz.Fade(target, c.settings.Transition)) {
		return
	}
	c.lastApplied = &target
	c.armLocked(c.settings.OffAfter, nextAfter(target, ActionSoftOff))
	c.enterLocked(PhaseDimmed, "dim")
}

// softOffLocked fades to the floor and schedules the final off once the fade is done.
func (c *Controller) softOffLocked(ctx context.Context, gen uint64) {
	if !c.verifyLocked(ctx, gen, "soft_off") {
		return
	}

	floor := FloorBrightness
	c.logger().Info().
		Int("brightness", floor).
		Dur("transition", c.settings.Transition).
		Msg("No presence, fading out")

	if !c.sendLocked(ctx, gen, "soft_off", deconz.Fade(floor, c.settings.Transition)) {
		return
	}
	c.lastApplied = &floor
	c.armLocked(c.settings.Transition+softOffGrace, ActionHardOff)
	c.enterLocked(PhaseDimmed, "soft_off")
}

func (c *Controller) turnOffLocked(ctx context.Context, gen uint64, reason string) {
	c.logger().Info().Str("reason", reason).Msg("Turning off")

	if !c.sendLocked(ctx, gen, "turn_off", deconz.TurnOff()) {
		return
	}
	c.lastApplied = nil
	c.enterLocked(PhaseOff, reason)
}

// verifyLocked re-reads the target and reports whether the chain may go on.
// It stops the chain when the state cannot be read or differs from what
// this controller applied last.
func (c *Controller) verifyLocked(ctx context.Context, gen uint64, step string) bool {
	if c.settings.DryRun {
		return true
	}

	url := c.targetURL()
	c.mu.Unlock()
	raw, err := c.client.Get(ctx, url)
	c.mu.Lock()

	if !c.currentLocked(gen, step) {
		return false
	}
	if err != nil {
		c.abortLocked(step, err)
		return false
	}

	reported, err := deconz.DecodeState(raw)
	if err != nil {
		c.logger().Warn().
			Err(err).
			Str("step", step).
			Str("body", string(raw)).
			Msg("Unexpected hub state, stopping timer chain")
		c.enterLocked(PhaseUntracked, "malformed_state")
		return false
	}

	if c.lastApplied == nil || !reported.On || reported.Bri != *c.lastApplied {
		expected := -1
		if c.lastApplied != nil {
			expected = *c.lastApplied
		}
		c.logger().Info().
			Str("step", step).
			Bool("on", reported.On).
			Int("brightness", reported.Bri).
			Int("expected", expected).
			Msg("Light changed externally, stopping timer chain")
		c.publishLocked(eventbus.EventTypeOverride, map[string]interface{}{
			"step":       step,
			"on":         reported.On,
			"brightness": reported.Bri,
			"expected":   expected,
		})
		c.enterLocked(PhaseUntracked, "override")
		return false
	}
	return true
}

// sendLocked issues cmd and reports whether the step may apply its result:
// the command succeeded and no newer event or Stop took over meanwhile.
func (c *Controller) sendLocked(ctx context.Context, gen uint64, step string, cmd deconz.Command) bool {
	if c.settings.DryRun {
		c.logger().Info().Interface("command", cmd).Msg("Dry run, command not sent")
		return true
	}

	url := c.actionURL()
	c.mu.Unlock()
	_, err := c.client.Put(ctx, url, cmd)
	c.mu.Lock()

	if !c.currentLocked(gen, step) {
		return false
	}
	if err != nil {
		c.abortLocked(step, err)
		return false
	}
	return true
}

// currentLocked reports whether the step started at gen still owns the
// controller after waiting on the hub.
func (c *Controller) currentLocked(gen uint64, step string) bool {
	if !c.stopped && gen == c.generation {
		return true
	}
	c.logger().Debug().Str("step", step).Msg("Step superseded, result discarded")
	return false
}

// abortLocked ends the chain after a failed hub call. lastApplied is kept.
func (c *Controller) abortLocked(step string, err error) {
	if c.ctx.Err() != nil {
		c.logger().Debug().Err(err).Str("step", step).Msg("Step interrupted by shutdown")
		return
	}
	c.logger().Error().Err(err).Str("step", step).Msg("Hub command failed, stopping timer chain")
	c.publishLocked(eventbus.EventTypeCommandFailed, map[string]interface{}{
		"step":  step,
		"error": err.Error(),
	})
	c.enterLocked(PhaseUntracked, "error")
}

func (c *Controller) armLocked(d time.Duration, action Action) {
	c.cancelTimerLocked()
	if c.stopped {
		return
	}

	gen := c.generation
	c.pending = action
	c.deadline = c.now().Add(d)
	c.timer = c.clock.AfterFunc(d, func() { c.fire(gen, action) })

	c.logger().Debug().
		Str("action", action.String()).
		Dur("after", d).
		Msg("Timer armed")
}

// cancelTimerLocked invalidates any armed timer and any step in flight.
func (c *Controller) cancelTimerLocked() {
	c.generation++
	if c.timer == nil {
		return
	}
	c.timer.Stop()
	c.timer = nil
}

// beginLocked starts a step: it cancels the armed timer and returns the
// generation the step must still hold when its hub calls return.
func (c *Controller) beginLocked() uint64 {
	c.cancelTimerLocked()
	return c.generation
}

func (c *Controller) enterLocked(phase Phase, reason string) {
	prev := c.phase
	c.phase = phase
	if prev != phase {
		c.logger().Debug().
			Str("from", prev.String()).
			Str("to", phase.String()).
			Str("reason", reason).
			Msg("Phase changed")
	}

	data := map[string]interface{}{
		"from":   prev.String(),
		"reason": reason,
	}
	if c.lastApplied != nil {
		data["brightness"] = *c.lastApplied
	}
	if c.timer != nil {
		data["pending"] = c.pending.String()
		data["deadline"] = c.deadline
	}
	c.publishLocked(eventbus.EventTypeTransition, data)
}

func (c *Controller) publishLocked(t eventbus.EventType, extra map[string]interface{}) {
	if c.bus == nil {
		return
	}
	data := map[string]interface{}{
		"area":    c.settings.Name,
		"sensor":  c.settings.SensorID,
		"target":  c.settings.Target.String(),
		"phase":   c.phase.String(),
		"chain":   c.chain,
		"dry_run": c.settings.DryRun,
		"at":      c.now(),
	}
	for k, v := range extra {
		data[k] = v
	}
	c.bus.Publish(eventbus.Event{Type: t, Data: data})
}

func (c *Controller) targetURL() string {
	return c.client.ResourceURL(c.settings.Target.Kind, c.settings.Target.ID)
}

func (c *Controller) actionURL() string {
	return c.targetURL() + "/action"
}

func (c *Controller) now() time.Time {
	return c.clock.Now().In(c.settings.Location)
}

func (c *Controller) logger() *zerolog.Logger {
	l := log.With().Str("area", c.settings.Name).Logger()
	if c.chain != "" {
		l = l.With().Str("chain", c.chain).Logger()
	}
	return &l
}

// percent converts a 0-255 brightness to a rounded percentage for logs.
func percent(brightness int) int {
	return int(math.Round(float64(brightness) / schedule.MaxBrightness * 100))
}
