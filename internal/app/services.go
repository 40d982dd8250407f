package app

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/motiond/internal/clock"
	"github.com/dokzlo13/motiond/internal/config"
	"github.com/dokzlo13/motiond/internal/db"
	"github.com/dokzlo13/motiond/internal/eventbus"
	"github.com/dokzlo13/motiond/internal/ledger"
)

// Services is a container for all application services.
// It manages service initialization order and dependencies.
type Services struct {
	cfg   *config.Config
	clock clock.Clock

	// Core infrastructure
	Bus *eventbus.Bus

	// Optional audit trail
	DB     *db.DB
	Ledger *LedgerService

	// High-level services
	Hub    *HubService
	MQTT   *MQTTService
	Health *HealthService
}

// NewServices creates all services with proper dependency injection.
func NewServices(cfg *config.Config, opts Options) (*Services, error) {
	s := &Services{cfg: cfg, clock: clock.Real()}

	// Notifications fan out to the ledger and MQTT without blocking areas
	s.Bus = eventbus.NewWithConfig(cfg.EventBus.Workers, cfg.EventBus.QueueSize)

	if cfg.Ledger.Enabled {
		database, err := db.Open(cfg.Ledger.Path)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.DB = database
		s.Ledger = NewLedgerService(cfg, ledger.New(database.DB, s.clock))
		s.Bus.SubscribeAll(s.Ledger.Ledger.Record)
	}

	if cfg.MQTT.Enabled {
		mqttService, err := NewMQTTService(cfg, s.clock)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.MQTT = mqttService
		s.Bus.Subscribe(eventbus.EventTypeTransition, s.MQTT.Publisher.Handle)
		s.Bus.Subscribe(eventbus.EventTypeOverride, s.MQTT.Publisher.Handle)
	}

	hub, err := NewHubService(cfg, s.Bus, s.clock, opts.DryRun)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.Hub = hub

	var history HistorySource
	if s.Ledger != nil {
		history = s.Ledger.Ledger
	}
	s.Health = NewHealthService(cfg, s.Hub, history)

	return s, nil
}

// Start starts all services in the correct order.
// The onFatalError callback is called when a fatal error occurs (e.g., the
// feed never connected).
func (s *Services) Start(ctx context.Context, onFatalError func(error)) error {
	// Broker first so baseline transitions are mirrored once it connects
	if s.MQTT != nil {
		s.MQTT.Start()
	}

	// Force every area off and make it eligible for dispatch
	if err := s.Hub.Start(ctx); err != nil {
		return err
	}

	s.Hub.StartBackground(ctx, onFatalError)
	if s.Ledger != nil {
		s.Ledger.Start(ctx)
	}
	s.Health.Start(ctx)

	return nil
}

// Stop gracefully stops all services. The caller cancels the run context first.
func (s *Services) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout.Duration())
	defer cancel()

	if s.Hub != nil {
		s.Hub.Shutdown(ctx)
	}
	s.Health.Wait(ctx)
	s.Close()
	return nil
}

// Close releases all resources.
func (s *Services) Close() {
	if s.Bus != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout.Duration())
		s.Bus.Close(ctx)
		cancel()
	}
	if s.MQTT != nil {
		s.MQTT.Close()
	}
	if s.Hub != nil {
		s.Hub.Close()
	}
	if s.DB != nil {
		if err := s.DB.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close ledger database")
		}
	}
}
