// Package circuitbreaker guards notification presenters that talk to an
// external service (the desktop notification daemon) so a dead service
// fails fast instead of stalling every reminder.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/lalithlochan/tbx/internal/metrics"
	"github.com/lalithlochan/tbx/internal/notify"
)

// ErrCircuitOpen is returned when the breaker rejects a request.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Config holds the configuration for a breaker.
//
// State transitions:
//
//	Closed -> Open:      after MaxFailures consecutive failures
//	Open -> HalfOpen:    after RecoveryTimeout
//	HalfOpen -> Closed:  when the trial requests succeed
//	HalfOpen -> Open:    when a trial request fails
type Config struct {
	Name                string
	MaxFailures         uint32
	RecoveryTimeout     time.Duration
	HalfOpenMaxRequests uint32
}

// DefaultConfig returns the defaults used for the desktop presenter.
func DefaultConfig(name string) Config {
	return Config{
		Name:                name,
		MaxFailures:         5,
		RecoveryTimeout:     30 * time.Second,
		HalfOpenMaxRequests: 1,
	}
}

// ProtectedPresenter wraps a presenter with a circuit breaker.
type ProtectedPresenter struct {
	next    notify.Presenter
	breaker *gobreaker.CircuitBreaker[struct{}]
	name    string
	logger  *zap.Logger
}

// NewProtectedPresenter wraps next.
func NewProtectedPresenter(next notify.Presenter, cfg Config, logger *zap.Logger) *ProtectedPresenter {
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = 5
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMaxRequests == 0 {
		cfg.HalfOpenMaxRequests = 1
	}

	p := &ProtectedPresenter{next: next, name: cfg.Name, logger: logger}
	p.breaker = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.HalfOpenMaxRequests,
		Timeout:     cfg.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.SetCircuitState(name, int(to))
			logger.Warn("circuit breaker state changed",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	metrics.SetCircuitState(cfg.Name, int(gobreaker.StateClosed))

	logger.Info("circuit breaker created",
		zap.String("name", cfg.Name),
		zap.Uint32("max_failures", cfg.MaxFailures),
		zap.Duration("recovery_timeout", cfg.RecoveryTimeout),
	)
	return p
}

// Show displays n unless the breaker is open.
func (p *ProtectedPresenter) Show(ctx context.Context, n notify.Notification) error {
	_, err := p.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, p.next.Show(ctx, n)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		p.logger.Debug("circuit breaker rejected notification",
			zap.String("breaker", p.name),
			zap.String("tag", n.Tag),
		)
		return fmt.Errorf("%w: %s presenter unavailable", ErrCircuitOpen, p.name)
	}
	return err
}

// CloseAll is passed straight through; closing is best effort.
func (p *ProtectedPresenter) CloseAll(ctx context.Context) error {
	return p.next.CloseAll(ctx)
}

// State reports the breaker state ("closed", "half-open", "open").
func (p *ProtectedPresenter) State() string {
	return p.breaker.State().String()
}
