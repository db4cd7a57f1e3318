package usecase

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/kstore/order-api/internal/logging"
)

const (
	maxTxAttempts   = 3
	conflictBackoff = 20 * time.Millisecond
)

// withinTxRetry runs fn in a transaction and runs it again when the database
// aborted it over a lock conflict. fn must not keep state between runs.
func withinTxRetry(ctx context.Context, store Store, fn func(tx Tx) error) error {
	var err error
	for attempt := 1; attempt <= maxTxAttempts; attempt++ {
		err = store.WithinTx(ctx, fn)
		if !errors.Is(err, ErrTxConflict) {
			return err
		}
		logging.FromCtx(ctx).Warn("transaction conflict", slog.Int("attempt", attempt), slog.Any("err", err))
		if attempt < maxTxAttempts {
			if perr := conflictPause(ctx, attempt); perr != nil {
				return err
			}
		}
	}
	return err
}

// conflictPause waits a little longer after each lost conflict.
func conflictPause(ctx context.Context, attempt int) error {
	t := time.NewTimer(time.Duration(attempt) * conflictBackoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
