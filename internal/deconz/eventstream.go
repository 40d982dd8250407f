package deconz

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/motiond/internal/clock"
)

// Dispatcher receives decoded presence frames. Dispatch must not block the
// read loop for longer than it takes to hand the message off.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg EventMessage)
}

// EventStreamConfig contains configuration for the feed connection.
type EventStreamConfig struct {
	Host               string
	Port               int
	MaxStartupAttempts int           // attempts before giving up when never connected
	BackoffStep        time.Duration // wait before attempt n+1 is n*BackoffStep
	HandshakeTimeout   time.Duration
	CloseTimeout       time.Duration
}

// DefaultEventStreamConfig returns the reconnect policy of the feed.
func DefaultEventStreamConfig() EventStreamConfig {
	return EventStreamConfig{
		Port:               443,
		MaxStartupAttempts: 10,
		BackoffStep:        2 * time.Second,
		HandshakeTimeout:   10 * time.Second,
		CloseTimeout:       3 * time.Second,
	}
}

// EventStream keeps the websocket feed open and hands frames to a Dispatcher.
type EventStream struct {
	url       string
	config    EventStreamConfig
	dialer    *websocket.Dialer
	clock     clock.Clock
	connected atomic.Bool
	received  atomic.Int64
}

// NewEventStream creates a feed listener. Zero config values fall back to defaults.
func NewEventStream(config EventStreamConfig, clk clock.Clock) *EventStream {
	defaults := DefaultEventStreamConfig()
	if config.Port == 0 {
		config.Port = defaults.Port
	}
	if config.MaxStartupAttempts <= 0 {
		config.MaxStartupAttempts = defaults.MaxStartupAttempts
	}
	if config.BackoffStep <= 0 {
		config.BackoffStep = defaults.BackoffStep
	}
	if config.HandshakeTimeout <= 0 {
		config.HandshakeTimeout = defaults.HandshakeTimeout
	}
	if config.CloseTimeout <= 0 {
		config.CloseTimeout = defaults.CloseTimeout
	}
	if clk == nil {
		clk = clock.Real()
	}

	return &EventStream{
		url:    fmt.Sprintf("ws://%s:%d", config.Host, config.Port),
		config: config,
		dialer: &websocket.Dialer{HandshakeTimeout: config.HandshakeTimeout},
		clock:  clk,
	}
}

// URL returns the feed address.
func (e *EventStream) URL() string {
	return e.url
}

// Connected reports whether a feed connection is currently open.
func (e *EventStream) Connected() bool {
	return e.connected.Load()
}

// Received returns the number of frames read since start.
func (e *EventStream) Received() int64 {
	return e.received.Load()
}

// Run connects and reads until ctx is cancelled, reconnecting on loss.
// Before the first successful connection it gives up after
// MaxStartupAttempts and returns ErrConnectFailedAtStartup; once connected
// it retries forever. Cancelling ctx closes the connection and returns nil.
func (e *EventStream) Run(ctx context.Context, d Dispatcher) error {
	attempt := 0
	everConnected := false

	for {
		if ctx.Err() != nil {
			return nil
		}

		attempt++
		opened, err := e.session(ctx, d)
		if opened {
			everConnected = true
			attempt = 1
		}
		if ctx.Err() != nil {
			return nil
		}

		if !everConnected && attempt >= e.config.MaxStartupAttempts {
			log.Error().
				Err(err).
				Int("attempts", attempt).
				Msg("Event feed: could not connect, giving up")
			return fmt.Errorf("%w after %d attempts: %v", ErrConnectFailedAtStartup, attempt, err)
		}

		backoff := e.config.BackoffStep * time.Duration(attempt)
		log.Warn().
			Err(err).
			Bool("was_connected", everConnected).
			Int("attempt", attempt).
			Dur("backoff", backoff).
			Msg("Event feed unavailable, reconnecting")

		select {
		case <-ctx.Done():
			return nil
		case <-e.clock.After(backoff):
		}
	}
}

// session runs one connection. opened reports whether the handshake succeeded.
func (e *EventStream) session(ctx context.Context, d Dispatcher) (opened bool, err error) {
	conn, resp, err := e.dialer.DialContext(ctx, e.url, nil)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("%w (status %d)", err, resp.StatusCode)
		}
		return false, err
	}

	e.connected.Store(true)
	defer e.connected.Store(false)
	log.Info().Str("url", e.url).Msg("Connected to hub event feed")

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			e.closeConn(conn)
		case <-done:
		}
	}()
	defer conn.Close()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return true, fmt.Errorf("%w: %v", ErrConnectionLost, err)
		}
		e.received.Add(1)
		e.handleFrame(ctx, data, d)
	}
}

func (e *EventStream) closeConn(conn *websocket.Conn) {
	log.Info().Msg("Closing hub event feed")
	deadline := time.Now().Add(e.config.CloseTimeout)
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown")
	if err := conn.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
		log.Debug().Err(err).Msg("Failed to send close frame")
	}
	conn.Close()
}

func (e *EventStream) handleFrame(ctx context.Context, data []byte, d Dispatcher) {
	msg, err := DecodeEvent(data)
	if err != nil {
		log.Debug().Err(err).Str("data", string(data)).Msg("Discarding undecodable feed frame")
		return
	}

	if !msg.IsPresence() {
		log.Trace().
			Str("resource", msg.Resource).
			Int("id", msg.ID).
			Msg("Ignoring non-presence frame")
		return
	}

	log.Debug().
		Int("sensor", msg.ID).
		Bool("presence", *msg.Presence).
		Msg("Presence frame")

	d.Dispatch(ctx, msg)
}
