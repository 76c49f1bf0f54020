package gateway

import (
	"math/rand/v2"
	"sync"
	"time"
)

// ConnState is the connection lifecycle state.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateClosing
	StateUnhealthy
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	case StateUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

const jitterDivisor = 2

// Heartbeat is a running ticker. Stop it with CleanupHeartbeat.
type Heartbeat struct {
	ticker *time.Ticker
	done   chan struct{}
	once   sync.Once
}

// StartHeartbeat sends one heartbeat immediately, then on every tick
// calls onMissed followed by send. onMissed fires unconditionally; the
// caller decides whether the previous beat went unacknowledged.
func StartHeartbeat(interval time.Duration, send func(), onMissed func()) *Heartbeat {
	send()

	return runTicker(interval, func() {
		onMissed()
		send()
	})
}

// runTicker calls fn every interval until the returned Heartbeat is
// cleaned up.
func runTicker(interval time.Duration, fn func()) *Heartbeat {
	hb := &Heartbeat{
		ticker: time.NewTicker(interval),
		done:   make(chan struct{}),
	}

	go func() {
		for {
			select {
			case <-hb.done:
				return
			case <-hb.ticker.C:
				select {
				case <-hb.done:
					return
				default:
				}

				fn()
			}
		}
	}()

	return hb
}

// CleanupHeartbeat stops hb. It is safe to call with nil and more than once.
func CleanupHeartbeat(hb *Heartbeat) {
	if hb == nil {
		return
	}

	hb.once.Do(func() {
		hb.ticker.Stop()
		close(hb.done)
	})
}

// ReconnectTimer is a pending reconnect attempt.
type ReconnectTimer struct {
	timer *time.Timer
	mu    sync.Mutex
	done  bool
}

// Cancel stops the timer if it has not fired. Safe on nil and idempotent.
func (r *ReconnectTimer) Cancel() {
	if r == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.done {
		return
	}

	r.done = true
	r.timer.Stop()
}

func newReconnectTimer(delay time.Duration, fn func()) *ReconnectTimer {
	r := &ReconnectTimer{}

	r.mu.Lock()
	r.timer = time.AfterFunc(delay, func() {
		r.mu.Lock()
		if r.done {
			r.mu.Unlock()
			return
		}

		r.done = true
		r.mu.Unlock()

		fn()
	})
	r.mu.Unlock()

	return r
}

// ScheduleReconnect arranges for fn to run after delay. It returns nil
// when the close was explicit or the attempt budget is spent. A
// maxAttempts of zero or less means no limit.
func ScheduleReconnect(explicitClose bool, attempts, maxAttempts int, delay time.Duration, fn func()) *ReconnectTimer {
	if explicitClose {
		return nil
	}

	if maxAttempts > 0 && attempts >= maxAttempts {
		return nil
	}

	return newReconnectTimer(delay, fn)
}

// CheckConnectionHealth schedules a forced reconnect after delay when
// the connection is down or no heartbeat ack arrived since the last
// check. It returns nil when the connection is healthy.
func CheckConnectionHealth(isConnected, ackReceived bool, fn func(), delay time.Duration) *ReconnectTimer {
	if isConnected && ackReceived {
		return nil
	}

	return newReconnectTimer(delay, fn)
}

// Backoff returns the delay before reconnect attempt number attempt
// (zero based): base doubled per attempt, capped at max, plus jitter in
// [0, d/2).
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}

	if max < base {
		max = base
	}

	d := base
	for i := 0; i < attempt && d < max; i++ {
		d *= 2
	}

	if d > max {
		d = max
	}

	if half := int64(d) / jitterDivisor; half > 0 {
		d += time.Duration(rand.Int64N(half)) //nolint:gosec // G404: math/rand is fine for reconnect jitter
	}

	return d
}
