package syncengine

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/momentum/internal/client/transport"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
)

const (
	followRetryBase = time.Second
	followRetryCap  = time.Minute
)

// EventSource streams server change notifications.
type EventSource interface {
	Subscribe(ctx context.Context, handle func(transport.Event)) error
}

// Trigger asks a running Run loop for an immediate sync, e.g. after a
// reconnect. Triggers coalesce while a run is pending.
func (e *Engine) Trigger() {
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

// Run syncs once immediately, then on every interval tick and Trigger, until
// ctx ends. Transport failures are logged and retried on the next tick.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	e.runOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.runOnce(ctx)
		case <-e.trigger:
			e.runOnce(ctx)
		}
	}
}

func (e *Engine) runOnce(ctx context.Context) {
	report, err := e.Sync(ctx)
	var rejectedErr *PushRejectedError
	switch {
	case err == nil:
		if report.Pushed > 0 || report.Pulled > 0 {
			e.logger.Info("sync complete",
				zap.Int("pushed", report.Pushed),
				zap.Int("pulled", report.Pulled),
				zap.Bool("resynced", report.Resynced))
		}
	case errors.As(err, &rejectedErr):
		e.logger.Warn("server rejected mutations", zap.Int("count", len(rejectedErr.Rejected)))
		if e.onRejected != nil {
			e.onRejected(rejectedErr.Rejected)
		}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
	case errors.Is(err, transport.ErrTransport):
		e.logger.Warn("server unreachable, will retry", zap.Error(err))
	default:
		e.logger.Error("sync failed", zap.Error(err))
	}
}

// Follow subscribes to source and triggers a sync for every change made by
// another device, and after each reconnect. It returns when ctx ends or the
// server refuses the credentials.
func (e *Engine) Follow(ctx context.Context, source EventSource) error {
	backoff := retry.NewExponential(followRetryBase)
	backoff = retry.WithJitterPercent(20, backoff)
	backoff = retry.WithCappedDuration(followRetryCap, backoff)

	device := e.log.Device().String()
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		e.Trigger()
		err := source.Subscribe(ctx, func(event transport.Event) {
			if event.OriginDevice == device {
				return
			}
			e.logger.Debug("remote change", zap.Strings("entities", event.EntityKeys))
			e.Trigger()
		})
		if errors.Is(err, transport.ErrTransport) {
			e.logger.Debug("event stream dropped, reconnecting", zap.Error(err))
			return retry.RetryableError(err)
		}
		return err
	})
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return err
}
