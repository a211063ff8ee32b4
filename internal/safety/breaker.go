package safety

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"order-planner/internal/core"
)

var ErrCircuitOpen = errors.New("circuit breaker open")

type Action string

const (
	ActionPlace  Action = "place order"
	ActionCancel Action = "cancel order"
)

type circuitState string

const (
	circuitClosed   circuitState = "closed"
	circuitOpen     circuitState = "open"
	circuitHalfOpen circuitState = "half_open"
)

const (
	defaultCooldown          = 30 * time.Second
	defaultHalfOpenSuccesses = 1
)

type Settings struct {
	Enabled           bool
	MaxPlaceFailures  int
	MaxCancelFailures int
	Cooldown          time.Duration
	HalfOpenSuccesses int
}

type circuit struct {
	maxFailures     int
	failures        int
	state           circuitState
	openedAt        time.Time
	openErr         error
	halfOpenSuccess int
}

// Breaker stops order submission or cancellation after a run of consecutive
// exchange failures. After the cooldown one probe is let through (half-open);
// its outcome closes or re-opens the circuit.
type Breaker struct {
	enabled bool

	mu       sync.Mutex
	circuits map[Action]*circuit

	cooldown          time.Duration
	halfOpenSuccesses int

	logger *zap.Logger
	now    func() time.Time
}

func NewBreaker(settings Settings, logger *zap.Logger) *Breaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	cooldown := settings.Cooldown
	if cooldown <= 0 {
		cooldown = defaultCooldown
	}
	halfOpen := settings.HalfOpenSuccesses
	if halfOpen < 1 {
		halfOpen = defaultHalfOpenSuccesses
	}
	return &Breaker{
		enabled: settings.Enabled,
		circuits: map[Action]*circuit{
			ActionPlace:  {maxFailures: settings.MaxPlaceFailures, state: circuitClosed},
			ActionCancel: {maxFailures: settings.MaxCancelFailures, state: circuitClosed},
		},
		cooldown:          cooldown,
		halfOpenSuccesses: halfOpen,
		logger:            logger,
		now:               time.Now,
	}
}

// Guard runs fn unless the action's circuit is open, and feeds the outcome
// back into the circuit.
func (b *Breaker) Guard(action Action, fn func() error) error {
	if err := b.Allow(action); err != nil {
		return err
	}
	err := fn()
	if trip := b.Record(action, err); trip != nil {
		return trip
	}
	return err
}

func (b *Breaker) Allow(action Action) error {
	if b == nil || !b.enabled {
		return nil
	}
	b.mu.Lock()
	c, ok := b.circuits[action]
	if !ok || c.state != circuitOpen {
		b.mu.Unlock()
		return nil
	}
	if b.now().Sub(c.openedAt) < b.cooldown {
		err := c.openErr
		if err == nil {
			err = fmt.Errorf("%w: %s circuit is open", ErrCircuitOpen, action)
		}
		b.mu.Unlock()
		return err
	}
	c.state = circuitHalfOpen
	c.halfOpenSuccess = 0
	c.failures = 0
	c.openErr = nil
	b.mu.Unlock()
	b.logger.Info("circuit breaker half open",
		zap.String("action", string(action)),
		zap.Duration("cooldown", b.cooldown),
	)
	return nil
}

// Record feeds one outcome into the circuit. It returns a non-nil error only
// when the circuit is (or just became) open.
func (b *Breaker) Record(action Action, err error) error {
	if b == nil || !b.enabled {
		return nil
	}
	b.mu.Lock()
	c, ok := b.circuits[action]
	if !ok || c.maxFailures < 1 {
		b.mu.Unlock()
		return nil
	}

	if err == nil || !countsAsFailure(err) {
		prevFailures := c.failures
		prevState := c.state
		recovered := false
		switch c.state {
		case circuitHalfOpen:
			if err != nil {
				// caller mistake, the probe told us nothing
				break
			}
			c.halfOpenSuccess++
			if c.halfOpenSuccess >= b.halfOpenSuccesses {
				recovered = true
				c.state = circuitClosed
				c.failures = 0
				c.openedAt = time.Time{}
				c.halfOpenSuccess = 0
			}
		case circuitClosed:
			if err == nil && c.failures > 0 {
				recovered = true
				c.failures = 0
			}
		}
		b.mu.Unlock()
		if recovered {
			b.logger.Info("circuit breaker recovered",
				zap.String("action", string(action)),
				zap.Int("previous_consecutive_failures", prevFailures),
				zap.String("from_state", string(prevState)),
			)
		}
		return nil
	}

	switch c.state {
	case circuitOpen:
		openErr := c.openErr
		if openErr == nil {
			openErr = fmt.Errorf("%w: %s circuit is open", ErrCircuitOpen, action)
			c.openErr = openErr
		}
		b.mu.Unlock()
		return openErr
	case circuitHalfOpen:
		openErr := b.tripLocked(action, c, err, c.maxFailures, "half_open_probe_failed")
		b.mu.Unlock()
		b.logger.Error("circuit breaker trip",
			zap.String("action", string(action)),
			zap.String("phase", "half_open"),
			zap.Error(err),
		)
		return openErr
	}

	c.failures++
	failures := c.failures
	limit := c.maxFailures
	if failures < limit {
		b.mu.Unlock()
		if failures == limit-1 {
			b.logger.Warn("circuit breaker near trip",
				zap.String("action", string(action)),
				zap.Int("consecutive_failures", failures),
				zap.Int("threshold", limit),
				zap.Error(err),
			)
		}
		return nil
	}
	openErr := b.tripLocked(action, c, err, failures, "consecutive_failures")
	b.mu.Unlock()
	b.logger.Error("circuit breaker trip",
		zap.String("action", string(action)),
		zap.Int("consecutive_failures", failures),
		zap.Int("threshold", limit),
		zap.Error(err),
	)
	return openErr
}

func (b *Breaker) CooldownRemaining(action Action) time.Duration {
	if b == nil || !b.enabled {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.circuits[action]
	if !ok || c.state != circuitOpen {
		return 0
	}
	elapsed := b.now().Sub(c.openedAt)
	if elapsed >= b.cooldown {
		return 0
	}
	return b.cooldown - elapsed
}

func (b *Breaker) tripLocked(action Action, c *circuit, err error, failures int, reason string) error {
	c.state = circuitOpen
	c.openedAt = b.now()
	c.halfOpenSuccess = 0
	c.failures = failures
	c.openErr = fmt.Errorf("%w: %s failed %d consecutive times, cooldown=%s, reason=%s, last error: %v",
		ErrCircuitOpen, action, failures, b.cooldown, reason, err)
	return c.openErr
}

// Rejections the client caused itself say nothing about exchange health.
func countsAsFailure(err error) bool {
	switch {
	case errors.Is(err, core.ErrInvalidOrder),
		errors.Is(err, core.ErrBelowMinQty),
		errors.Is(err, core.ErrConfiguration):
		return false
	}
	return true
}
