package worker

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/lalithlochan/tbx/internal/notify"
)

// LogPresenter writes notifications to the log. It never fails and is the
// last resort of a Chain.
type LogPresenter struct {
	logger *zap.Logger
}

func NewLogPresenter(logger *zap.Logger) *LogPresenter {
	return &LogPresenter{logger: logger}
}

func (p *LogPresenter) Show(ctx context.Context, n notify.Notification) error {
	p.logger.Info("notification",
		zap.String("title", n.Title),
		zap.String("body", n.Body),
		zap.String("tag", n.Tag),
		zap.String("medication_id", n.Data.MedicationID),
		zap.String("type", string(n.Data.Type)),
	)
	return nil
}

func (p *LogPresenter) CloseAll(ctx context.Context) error {
	return nil
}

// Chain tries presenters in order and stops at the first that succeeds.
type Chain struct {
	presenters []notify.Presenter
	logger     *zap.Logger
}

// NewChain creates a chain over presenters.
func NewChain(logger *zap.Logger, presenters ...notify.Presenter) *Chain {
	return &Chain{presenters: presenters, logger: logger}
}

// Show displays n with the first presenter that accepts it.
func (c *Chain) Show(ctx context.Context, n notify.Notification) error {
	var errs []error
	for i, p := range c.presenters {
		err := p.Show(ctx, n)
		if err == nil {
			return nil
		}
		c.logger.Debug("presenter failed, trying next",
			zap.Int("index", i),
			zap.Error(err),
		)
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return errors.New("no presenters configured")
	}
	return fmt.Errorf("all presenters failed: %w", errors.Join(errs...))
}

// CloseAll closes notifications on every presenter.
func (c *Chain) CloseAll(ctx context.Context) error {
	var errs []error
	for _, p := range c.presenters {
		if err := p.CloseAll(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
