package workers

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"listing_harvester/storage"
)

const (
	transitionBase = 100 * time.Millisecond
	transitionMax  = 5 * time.Second
)

// backoff returns base * 2^attempt, capped at max.
func backoff(attempt int, base, max time.Duration) time.Duration {
	d := base
	for i := 0; i < attempt && d < max; i++ {
		d *= 2
	}
	if d > max {
		d = max
	}
	return d
}

// permanent errors are store answers that another attempt cannot change.
func permanent(err error) bool {
	return errors.Is(err, storage.ErrTaskNotOwned) ||
		errors.Is(err, storage.ErrNotFound) ||
		errors.Is(err, storage.ErrInvalidState)
}

// retryTransition runs fn until it succeeds, fails permanently or ctx ends.
// Task transitions carry job counters, so giving up on a busy database
// would leave the job aggregate short.
func retryTransition(ctx context.Context, sleep func(context.Context, time.Duration) error, logger *zap.Logger, op string, fn func(ctx context.Context) error) error {
	for attempt := 0; ; attempt++ {
		err := fn(ctx)
		if err == nil || permanent(err) {
			return err
		}
		if ctx.Err() != nil {
			return err
		}

		delay := backoff(attempt, transitionBase, transitionMax)
		logger.Warn("task transition failed, retrying",
			zap.String("op", op),
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.Error(err))
		if serr := sleep(ctx, delay); serr != nil {
			return err
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
