package ledger

import (
	"context"
	"errors"
	"time"
)

// inTx runs fn in a transaction, retrying when the store reports a lost
// race. fn must not carry state between attempts.
func (s *Service) inTx(ctx context.Context, op string, fn func(Store) error) error {
	attempts := s.cfg.MaxRetries + 1
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = s.store.WithTx(ctx, fn)
		if !errors.Is(err, ErrConcurrentModification) {
			return err
		}
		if attempt == attempts {
			break
		}
		s.observer.ObserveRetry(op)
		s.log.WithField("module", "ledger").WithField("op", op).
			WithField("attempt", attempt).Debug("retrying after concurrent modification")
		if werr := sleepCtx(ctx, s.cfg.RetryBackoff*time.Duration(attempt)); werr != nil {
			return werr
		}
	}
	return &RetryableError{Op: op, Attempts: attempts, Err: err}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
