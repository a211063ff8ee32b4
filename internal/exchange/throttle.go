package exchange

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Throttle enforces a minimum gap between the completion of one call and the
// start of the next on a single adapter instance. The slot is held for the
// whole wait, call and stamp sequence, so concurrent callers are serialized.
type Throttle struct {
	span   time.Duration
	logger *zap.Logger

	slot chan struct{}
	last time.Time

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func NewThrottle(span time.Duration, logger *zap.Logger) *Throttle {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Throttle{
		span:   span,
		logger: logger,
		slot:   make(chan struct{}, 1),
		now:    time.Now,
		sleep:  sleepContext,
	}
}

func (t *Throttle) Span() time.Duration { return t.span }

// Do waits for the slot and the span, runs fn and records the completion
// time. The stamp is taken even when fn fails: a failed request still
// reached, or tried to reach, the exchange.
func (t *Throttle) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	select {
	case t.slot <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-t.slot }()

	if !t.last.IsZero() {
		if wait := t.span - t.now().Sub(t.last); wait > 0 {
			t.logger.Debug("throttle wait", zap.String("op", op), zap.Duration("wait", wait))
			if err := t.sleep(ctx, wait); err != nil {
				return err
			}
		}
	}

	err := fn(ctx)
	t.last = t.now()
	return err
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
