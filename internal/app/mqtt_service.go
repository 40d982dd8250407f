package app

import (
	"github.com/dokzlo13/motiond/internal/clock"
	"github.com/dokzlo13/motiond/internal/config"
	"github.com/dokzlo13/motiond/internal/mqtt"
)

// MQTTService mirrors area state to an MQTT broker.
type MQTTService struct {
	Publisher *mqtt.Publisher
}

// NewMQTTService creates the publisher. It connects on Start.
func NewMQTTService(cfg *config.Config, clk clock.Clock) (*MQTTService, error) {
	p, err := mqtt.New(mqtt.Config{
		Broker:      cfg.MQTT.Broker,
		ClientID:    cfg.MQTT.ClientID,
		Username:    cfg.MQTT.Username,
		Password:    cfg.MQTT.Password,
		TopicPrefix: cfg.MQTT.TopicPrefix,
		QoS:         cfg.MQTT.GetQoS(),
	}, clk)
	if err != nil {
		return nil, &config.ConfigurationError{Field: "mqtt", Reason: err.Error()}
	}
	return &MQTTService{Publisher: p}, nil
}

// Start connects in the background.
func (s *MQTTService) Start() {
	s.Publisher.Start()
}

// Connected reports whether the broker connection is up.
func (s *MQTTService) Connected() bool {
	return s.Publisher.Connected()
}

// Close publishes the offline status and disconnects.
func (s *MQTTService) Close() {
	s.Publisher.Close()
}
