package main

import (
	"context"
	"errors"
	"log/slog"
	"time"

	chaterr "github.com/alexjbarnes/chat-sync/internal/errors"
	"github.com/alexjbarnes/chat-sync/internal/gateway"
)

type connector interface {
	Connect(ctx context.Context) error
	Connected() bool
}

// superviseGateway keeps the gateway session up. Once connected the
// client reconnects by itself; the supervisor only steps in when woken,
// which happens after an auth rejection, after the client gave up
// reconnecting, or when a new token appears.
func superviseGateway(ctx context.Context, gw connector, wake <-chan struct{}, base, maxDelay time.Duration, logger *slog.Logger) error {
	for {
		if !gw.Connected() {
			connectWithBackoff(ctx, gw, base, maxDelay, logger)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-wake:
		}
	}
}

// connectWithBackoff retries Connect until it succeeds, ctx ends, or
// the failure is one only a new token can fix.
func connectWithBackoff(ctx context.Context, gw connector, base, maxDelay time.Duration, logger *slog.Logger) {
	for attempt := 0; ; attempt++ {
		err := gw.Connect(ctx)
		if err == nil {
			logger.Info("gateway connected")
			return
		}

		if ctx.Err() != nil {
			return
		}

		if errors.Is(err, chaterr.ErrNoToken) || errors.Is(err, chaterr.ErrUnauthorized) {
			logger.Error("gateway needs a valid token; waiting for one", slog.String("error", err.Error()))
			return
		}

		delay := gateway.Backoff(attempt, base, maxDelay)
		logger.Warn("gateway connect failed",
			slog.String("error", err.Error()),
			slog.Int("attempt", attempt+1),
			slog.Duration("retry_in", delay),
		)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}
