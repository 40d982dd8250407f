package app

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/motiond/internal/area"
	"github.com/dokzlo13/motiond/internal/clock"
	"github.com/dokzlo13/motiond/internal/config"
	"github.com/dokzlo13/motiond/internal/deconz"
	"github.com/dokzlo13/motiond/internal/schedule"
)

// HubService wraps all hub-related components: REST client, event feed,
// and the area controllers the feed drives.
type HubService struct {
	cfg *config.Config

	Client   *deconz.Client
	Stream   *deconz.EventStream
	Registry *area.Registry

	controllers []*area.Controller
	running     bool
	done        chan struct{}
}

// NewHubService builds the client, the feed and one controller per
// configured area. Nothing is contacted until Start.
func NewHubService(cfg *config.Config, bus area.Publisher, clk clock.Clock, forceDryRun bool) (*HubService, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, &config.ConfigurationError{Field: "timezone", Reason: err.Error()}
	}

	rps := cfg.Hub.RateLimitRPS
	if rps < 0 {
		rps = 0
	}
	client := deconz.NewClient(deconz.ClientConfig{
		Host:         cfg.Hub.Host,
		RESTPort:     cfg.Hub.RESTPort,
		Credential:   cfg.Hub.Credential,
		CallTimeout:  cfg.Hub.RequestTimeout.Duration(),
		MaxAttempts:  cfg.Hub.MaxAttempts,
		RetryBackoff: cfg.Hub.RetryBackoff.Duration(),
		RateLimitRPS: rps,
	}, clk)

	stream := deconz.NewEventStream(deconz.EventStreamConfig{
		Host:               cfg.Hub.Host,
		Port:               cfg.Hub.WebsocketPort,
		MaxStartupAttempts: cfg.Stream.MaxStartupAttempts,
		BackoffStep:        cfg.Stream.BackoffStep.Duration(),
		HandshakeTimeout:   cfg.Stream.HandshakeTimeout.Duration(),
		CloseTimeout:       cfg.Stream.CloseTimeout.Duration(),
	}, clk)

	controllers := make([]*area.Controller, 0, len(cfg.Areas))
	for _, a := range cfg.Areas {
		settings, err := areaSettings(a, loc, forceDryRun)
		if err != nil {
			return nil, err
		}
		controllers = append(controllers, area.NewController(settings, client, clk, bus))
	}

	return &HubService{
		cfg:         cfg,
		Client:      client,
		Stream:      stream,
		Registry:    area.NewRegistry(),
		controllers: controllers,
		done:        make(chan struct{}),
	}, nil
}

// areaSettings converts one configured area into controller settings.
func areaSettings(a config.AreaConfig, loc *time.Location, forceDryRun bool) (area.Settings, error) {
	target, err := area.NewTarget(a.TargetLight, a.TargetGroup)
	if err != nil {
		return area.Settings{}, &config.ConfigurationError{Area: a.Name, Field: "target", Reason: err.Error()}
	}
	table, err := schedule.Parse(a.Schedule)
	if err != nil {
		return area.Settings{}, &config.ConfigurationError{Area: a.Name, Field: "schedule", Reason: err.Error()}
	}

	return area.Settings{
		Name:       a.Name,
		SensorID:   a.SensorID,
		Target:     target,
		Schedule:   table,
		DimAfter:   a.DimAfter.Duration(),
		OffAfter:   a.OffAfter.Duration(),
		Transition: a.Transition.Duration(),
		DryRun:     a.DryRun || forceDryRun,
		Location:   loc,
	}, nil
}

// Start registers every area, which forces each target off. Baselines run
// concurrently.
func (s *HubService) Start(ctx context.Context) error {
	log.Info().
		Str("hub", s.cfg.Hub.Host).
		Int("areas", len(s.controllers)).
		Msg("Registering areas")

	if err := s.Registry.RegisterAll(ctx, s.controllers); err != nil {
		var areaErr *area.ConfigError
		if errors.As(err, &areaErr) {
			return &config.ConfigurationError{Area: areaErr.Area, Field: areaErr.Field, Reason: areaErr.Reason}
		}
		return err
	}
	return nil
}

// StartBackground runs the event feed until ctx is cancelled.
// onFatalError is called if the feed never manages to connect.
func (s *HubService) StartBackground(ctx context.Context, onFatalError func(error)) {
	s.running = true
	go func() {
		defer close(s.done)
		if err := s.Stream.Run(ctx, s.Registry); err != nil {
			if errors.Is(err, deconz.ErrConnectFailedAtStartup) {
				log.Error().Msg("Event feed: could not connect at startup, triggering shutdown")
			}
			if onFatalError != nil {
				onFatalError(err)
			}
		}
	}()
}

// Connected reports whether the event feed is up.
func (s *HubService) Connected() bool {
	return s.Stream.Connected()
}

// Received returns the number of feed frames read so far.
func (s *HubService) Received() int64 {
	return s.Stream.Received()
}

// Snapshots returns the state of every registered area.
func (s *HubService) Snapshots() []area.Snapshot {
	return s.Registry.Snapshots()
}

// Shutdown cancels every pending timer and waits for the feed and
// in-flight handlers until ctx expires. The run context must already be
// cancelled.
func (s *HubService) Shutdown(ctx context.Context) {
	s.Registry.Shutdown(ctx)
	if !s.running {
		return
	}

	select {
	case <-s.done:
	case <-ctx.Done():
		log.Warn().Msg("Timed out waiting for the event feed to close")
	}
}

// Close releases all resources.
func (s *HubService) Close() {
	if s.Client != nil {
		s.Client.Close()
	}
}
