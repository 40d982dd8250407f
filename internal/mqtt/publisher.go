// Package mqtt mirrors area state to an MQTT broker as retained JSON
// documents, with an online/offline status topic backed by a Last Will.
package mqtt

import (
	"encoding/json"
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/motiond/internal/clock"
	"github.com/dokzlo13/motiond/internal/eventbus"
)

const (
	defaultConnectTimeout    = 10 * time.Second
	defaultPublishTimeout    = 5 * time.Second
	defaultDisconnectQuiesce = 1000 // milliseconds
	defaultKeepAlive         = 60 * time.Second
	maxReconnectInterval     = 2 * time.Minute
	maxQoS                   = 2
)

// Config contains broker connection settings.
type Config struct {
	Broker      string // tcp://host:1883 or ssl://host:8883
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	QoS         byte
}

// Publisher is an eventbus subscriber that publishes area state.
// Publishing is best effort: while the broker is unreachable, updates are
// logged and dropped.
type Publisher struct {
	cfg    Config
	topics Topics
	clock  clock.Clock
	client pahomqtt.Client

	// send publishes one message. It is replaced in tests.
	send func(topic string, retained bool, payload []byte) error
}

// New builds a publisher. It does not connect; call Start.
func New(cfg Config, clk clock.Clock) (*Publisher, error) {
	if cfg.Broker == "" {
		return nil, ErrInvalidBroker
	}
	if cfg.QoS > maxQoS {
		return nil, ErrInvalidQoS
	}
	if clk == nil {
		clk = clock.Real()
	}

	p := &Publisher{
		cfg:    cfg,
		topics: Topics{Prefix: cfg.TopicPrefix},
		clock:  clk,
	}
	p.client = pahomqtt.NewClient(p.buildClientOptions())
	p.send = p.publish
	return p, nil
}

func (p *Publisher) buildClientOptions() *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(p.cfg.Broker)
	opts.SetClientID(p.cfg.ClientID)
	if p.cfg.Username != "" {
		opts.SetUsername(p.cfg.Username)
		opts.SetPassword(p.cfg.Password)
	}

	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(maxReconnectInterval)
	opts.SetConnectTimeout(defaultConnectTimeout)
	opts.SetKeepAlive(defaultKeepAlive)

	// Broker publishes this if we vanish without a clean disconnect.
	opts.SetWill(p.topics.Status(),
		string(buildStatusPayload("offline", p.cfg.ClientID, "unexpected_disconnect", p.clock.Now())),
		p.cfg.QoS, true)

	opts.SetOnConnectHandler(func(pahomqtt.Client) {
		log.Info().Str("broker", p.cfg.Broker).Msg("Connected to MQTT broker")
		p.client.Publish(p.topics.Status(), p.cfg.QoS, true,
			buildStatusPayload("online", p.cfg.ClientID, "", p.clock.Now()))
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		log.Warn().Err(err).Msg("MQTT connection lost, reconnecting")
	})
	return opts
}

// Start connects in the background. An unreachable broker never blocks
// startup; paho keeps retrying.
func (p *Publisher) Start() {
	log.Info().Str("broker", p.cfg.Broker).Str("prefix", p.cfg.TopicPrefix).Msg("Starting MQTT publisher")
	p.client.Connect()
}

// Connected reports whether the broker connection is up.
func (p *Publisher) Connected() bool {
	return p.client != nil && p.client.IsConnected()
}

// Handle is the eventbus handler. Transitions and overrides update the
// area's retained state document; other events are ignored.
func (p *Publisher) Handle(e eventbus.Event) {
	if e.Type != eventbus.EventTypeTransition && e.Type != eventbus.EventTypeOverride {
		return
	}

	payload, ok := statePayload(e, p.clock.Now())
	if !ok {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Str("area", payload.Area).Msg("Failed to encode MQTT state")
		return
	}

	topic := p.topics.AreaState(payload.Area)
	if err := p.send(topic, true, data); err != nil {
		log.Debug().Err(err).Str("topic", topic).Msg("MQTT state not published")
	}
}

func (p *Publisher) publish(topic string, retained bool, payload []byte) error {
	if !p.client.IsConnected() {
		return ErrNotConnected
	}

	token := p.client.Publish(topic, p.cfg.QoS, retained, payload)
	if !token.WaitTimeout(defaultPublishTimeout) {
		return fmt.Errorf("%w: timeout after %v", ErrPublishFailed, defaultPublishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}
	return nil
}

// Close publishes a graceful offline status and disconnects.
func (p *Publisher) Close() {
	if p.client == nil {
		return
	}
	if p.client.IsConnected() {
		payload := buildStatusPayload("offline", p.cfg.ClientID, "graceful_shutdown", p.clock.Now())
		if err := p.send(p.topics.Status(), true, payload); err != nil {
			log.Debug().Err(err).Msg("Failed to publish offline status")
		}
	}
	p.client.Disconnect(defaultDisconnectQuiesce)
	log.Debug().Msg("MQTT publisher stopped")
}
