package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	chaterr "github.com/alexjbarnes/chat-sync/internal/errors"
)

const (
	connectTimeout   = 30 * time.Second
	heartbeatTimeout = 10 * time.Second
)

// AuthProvider supplies the session token and is told when the server
// rejects it.
type AuthProvider interface {
	Token() (string, bool)
	OnUnauthorized()
}

// ClientConfig tunes heartbeats and reconnection. Zero values fall back
// to the server's heartbeat interval and to unlimited reconnects.
type ClientConfig struct {
	HeartbeatInterval    time.Duration
	HealthCheckInterval  time.Duration
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	MaxReconnectAttempts int
}

// Listener receives events for the name it was registered under.
type Listener func(Event)

// ListenerID identifies a registration for Off.
type ListenerID uint64

type listenerEntry struct {
	id ListenerID
	fn Listener
}

// Client maintains a gateway session: it connects through a Transport,
// keeps the connection alive with heartbeats and a health check,
// reconnects with backoff after unexpected closes, and fans dispatched
// events out to listeners.
//
// Each connection attempt gets a generation number. Callbacks bound to
// an older generation are ignored, so a superseded connection can never
// mutate client state or reach listeners.
type Client struct {
	transport  Transport
	auth       AuthProvider
	dispatcher *Dispatcher
	logger     *slog.Logger
	cfg        ClientConfig

	mu            sync.Mutex
	state         ConnState
	generation    uint64
	explicit      bool
	attempts      int
	heartbeat     *Heartbeat
	health        *Heartbeat
	reconnect     *ReconnectTimer
	healthTimer   *ReconnectTimer
	connectCancel context.CancelFunc
	awaitingAck   bool
	ackSinceCheck bool
	missedBeats   int

	listenersMu sync.RWMutex
	listeners   map[EventName][]listenerEntry
	nextID      ListenerID
}

// NewClient creates a disconnected client.
func NewClient(transport Transport, auth AuthProvider, cfg ClientConfig, logger *slog.Logger) *Client {
	if cfg.ReconnectBaseDelay <= 0 {
		cfg.ReconnectBaseDelay = time.Second
	}

	if cfg.ReconnectMaxDelay < cfg.ReconnectBaseDelay {
		cfg.ReconnectMaxDelay = 30 * time.Second
	}

	return &Client{
		transport:  transport,
		auth:       auth,
		dispatcher: NewDispatcher(logger),
		logger:     logger,
		cfg:        cfg,
		listeners:  make(map[EventName][]listenerEntry),
	}
}

// On registers fn for events named name and returns an id for Off.
func (c *Client) On(name EventName, fn Listener) ListenerID {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()

	c.nextID++
	c.listeners[name] = append(c.listeners[name], listenerEntry{id: c.nextID, fn: fn})

	return c.nextID
}

// Off removes a listener. Unknown ids are ignored.
func (c *Client) Off(name EventName, id ListenerID) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()

	entries := c.listeners[name]
	for i, e := range entries {
		if e.id == id {
			c.listeners[name] = append(entries[:i:i], entries[i+1:]...)
			return
		}
	}
}

func (c *Client) emit(ev Event) {
	c.listenersMu.RLock()
	entries := append([]listenerEntry(nil), c.listeners[ev.Name()]...)
	c.listenersMu.RUnlock()

	for _, e := range entries {
		e.fn(ev)
	}
}

// State returns the current connection state.
func (c *Client) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state
}

// Connected reports whether the session is established.
func (c *Client) Connected() bool {
	return c.State() == StateConnected
}

// Connect establishes a session. It fails with ErrNoToken when no token
// is available and with ErrLoginFailed when the transport cannot connect.
// An auth rejection triggers the unauthorized callback before returning.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	c.explicit = false
	c.attempts = 0
	c.reconnect.Cancel()
	c.reconnect = nil
	c.mu.Unlock()

	return c.connect(ctx)
}

func (c *Client) connect(ctx context.Context) error {
	token, ok := c.auth.Token()
	if !ok || token == "" {
		return chaterr.ErrNoToken
	}

	c.mu.Lock()
	c.generation++
	gen := c.generation
	c.state = StateConnecting
	c.mu.Unlock()

	err := c.transport.Connect(ctx, token, func(ev TransportEvent) {
		c.handleTransportEvent(gen, ev)
	})
	if err != nil {
		c.mu.Lock()
		if gen == c.generation {
			c.state = StateDisconnected
		}
		c.mu.Unlock()

		if errors.Is(err, chaterr.ErrUnauthorized) {
			c.logger.Warn("gateway rejected token")
			c.auth.OnUnauthorized()
		}

		return fmt.Errorf("%w: %w", chaterr.ErrLoginFailed, err)
	}

	return nil
}

// Close ends the session on purpose. Reconnection is suppressed and any
// pending reconnect or heartbeat is cancelled.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.explicit && c.state == StateDisconnected {
		c.mu.Unlock()
		return nil
	}

	c.explicit = true
	c.state = StateClosing
	c.generation++
	c.stopTimersLocked()
	cancel := c.connectCancel
	c.connectCancel = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	err := c.transport.Close()

	c.mu.Lock()
	c.state = StateDisconnected
	c.mu.Unlock()

	c.logger.Info("gateway closed")
	c.emit(CloseEvent{Code: CloseNormal, Reason: "client closed", Explicit: true})

	return err
}

func (c *Client) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return gen == c.generation
}

func (c *Client) handleTransportEvent(gen uint64, ev TransportEvent) {
	if !c.current(gen) {
		c.logger.Debug("ignoring event from superseded connection", slog.Int("kind", int(ev.Kind)))
		return
	}

	switch ev.Kind {
	case TransportReady:
		c.onReady(gen)
	case TransportHeartbeatAck:
		c.mu.Lock()
		c.awaitingAck = false
		c.ackSinceCheck = true
		c.missedBeats = 0
		c.mu.Unlock()
	case TransportDispatch:
		c.dispatcher.Dispatch(ev.EventType, ev.Data, c.emit)
	case TransportSocketError:
		c.logger.Warn("gateway socket error", slog.String("error", ev.Err.Error()))
		c.emit(ErrorEvent{Err: ev.Err})
	case TransportClosed:
		c.onClosed(gen, ev.Code, ev.Reason)
	}
}

func (c *Client) onReady(gen uint64) {
	c.mu.Lock()
	if gen != c.generation || c.explicit {
		c.mu.Unlock()
		return
	}

	c.stopTimersLocked()
	c.state = StateConnected
	c.attempts = 0
	c.awaitingAck = false
	c.ackSinceCheck = true
	c.missedBeats = 0

	interval := c.cfg.HeartbeatInterval
	healthInterval := c.cfg.HealthCheckInterval
	c.mu.Unlock()

	if interval <= 0 {
		interval = c.transport.HeartbeatInterval()
	}

	if healthInterval <= 0 {
		healthInterval = 2 * interval
	}

	hb := StartHeartbeat(interval,
		func() { c.sendHeartbeat(gen) },
		func() { c.onMissedBeat(gen) },
	)
	health := runTicker(healthInterval, func() { c.checkHealth(gen) })

	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		CleanupHeartbeat(hb)
		CleanupHeartbeat(health)

		return
	}

	c.heartbeat = hb
	c.health = health
	c.mu.Unlock()

	c.logger.Info("gateway connected", slog.Duration("heartbeat_interval", interval))
	c.emit(ConnectedEvent{})
}

func (c *Client) sendHeartbeat(gen uint64) {
	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		return
	}

	c.awaitingAck = true
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), heartbeatTimeout)
	defer cancel()

	if err := c.transport.Heartbeat(ctx); err != nil {
		c.logger.Warn("sending heartbeat", slog.String("error", err.Error()))
	}
}

func (c *Client) onMissedBeat(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.generation || !c.awaitingAck {
		return
	}

	c.missedBeats++
	c.logger.Debug("heartbeat not acknowledged", slog.Int("missed", c.missedBeats))
}

func (c *Client) checkHealth(gen uint64) {
	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		return
	}

	connected := c.state == StateConnected
	ack := c.ackSinceCheck
	c.ackSinceCheck = false
	c.mu.Unlock()

	t := CheckConnectionHealth(connected, ack, func() { c.forceReconnect(gen) }, 0)
	if t == nil {
		return
	}

	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		t.Cancel()

		return
	}

	c.state = StateUnhealthy
	c.healthTimer.Cancel()
	c.healthTimer = t
	c.mu.Unlock()

	c.logger.Warn("gateway unhealthy, no heartbeat ack since last check")
}

// forceReconnect abandons the current connection and starts the
// reconnect cycle.
func (c *Client) forceReconnect(gen uint64) {
	c.mu.Lock()
	if gen != c.generation || c.explicit {
		c.mu.Unlock()
		return
	}

	c.generation++
	c.stopTimersLocked()
	c.state = StateDisconnected
	c.mu.Unlock()

	if err := c.transport.Close(); err != nil {
		c.logger.Debug("closing unhealthy connection", slog.String("error", err.Error()))
	}

	c.emit(CloseEvent{Code: CloseNoStatus, Reason: "health check failed"})
	c.scheduleReconnect()
}

func (c *Client) onClosed(gen uint64, code int, reason string) {
	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		return
	}

	c.generation++
	explicit := c.explicit
	c.stopTimersLocked()
	c.state = StateDisconnected
	c.mu.Unlock()

	c.logger.Info("gateway connection closed",
		slog.Int("code", code),
		slog.String("reason", reason),
	)

	if code == CloseUnauthorized {
		c.auth.OnUnauthorized()
		c.emit(CloseEvent{Code: code, Reason: reason, Explicit: explicit})

		return
	}

	c.emit(CloseEvent{Code: code, Reason: reason, Explicit: explicit})

	if !explicit {
		c.scheduleReconnect()
	}
}

func (c *Client) scheduleReconnect() {
	c.mu.Lock()
	attempts := c.attempts
	delay := Backoff(attempts, c.cfg.ReconnectBaseDelay, c.cfg.ReconnectMaxDelay)

	t := ScheduleReconnect(c.explicit, attempts, c.cfg.MaxReconnectAttempts, delay, c.reconnectNow)
	if t == nil {
		explicit := c.explicit
		c.mu.Unlock()

		if !explicit {
			c.logger.Error("giving up on gateway", slog.Int("attempts", attempts))
			c.emit(ErrorEvent{Err: fmt.Errorf("%w after %d attempts", chaterr.ErrReconnectExhausted, attempts)})
		}

		return
	}

	c.reconnect.Cancel()
	c.reconnect = t
	c.mu.Unlock()

	c.logger.Info("scheduling gateway reconnect",
		slog.Int("attempt", attempts+1),
		slog.Duration("delay", delay),
	)
}

func (c *Client) reconnectNow() {
	c.mu.Lock()
	if c.explicit {
		c.mu.Unlock()
		return
	}

	c.attempts++
	c.reconnect = nil
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	c.connectCancel = cancel
	c.mu.Unlock()

	defer cancel()

	err := c.connect(ctx)

	c.mu.Lock()
	c.connectCancel = nil
	explicit := c.explicit
	c.mu.Unlock()

	if err == nil {
		if explicit {
			_ = c.transport.Close()
		}

		return
	}

	c.logger.Warn("gateway reconnect failed", slog.String("error", err.Error()))

	if errors.Is(err, chaterr.ErrNoToken) || errors.Is(err, chaterr.ErrUnauthorized) {
		c.emit(ErrorEvent{Err: err})
		return
	}

	c.scheduleReconnect()
}

// stopTimersLocked cancels every timer bound to the current connection.
// c.mu must be held.
func (c *Client) stopTimersLocked() {
	CleanupHeartbeat(c.heartbeat)
	CleanupHeartbeat(c.health)
	c.reconnect.Cancel()
	c.healthTimer.Cancel()

	c.heartbeat = nil
	c.health = nil
	c.reconnect = nil
	c.healthTimer = nil
}
