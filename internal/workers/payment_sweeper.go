package workers

import (
	"context"
	"log/slog"
	"time"
)

// PaymentStore is the slice of the reconciliation store the sweeper needs.
type PaymentStore interface {
	ExpireStalePayments(ctx context.Context, olderThan time.Duration) (int64, error)
}

// PaymentSweeper worker marks long-unmatched PENDING payments as FAILED so
// they stop surfacing as smart-match candidates.
type PaymentSweeper struct {
	logger *slog.Logger
	store  PaymentStore

	// Age after which an unmatched payment is considered stale
	maxAge time.Duration

	// How often to run the sweep
	sweepInterval time.Duration
}

func NewPaymentSweeper(logger *slog.Logger, store PaymentStore, maxAge, sweepInterval time.Duration) *PaymentSweeper {
	return &PaymentSweeper{
		logger:        logger,
		store:         store,
		maxAge:        maxAge,
		sweepInterval: sweepInterval,
	}
}

// Start begins the periodic sweep of stale payments.
func (ps *PaymentSweeper) Start(ctx context.Context) {
	ps.logger.Info("Starting payment sweeper worker",
		"max_age", ps.maxAge.String(), "sweep_interval", ps.sweepInterval.String())

	if err := ps.sweep(ctx); err != nil {
		ps.logger.Error("Initial payment sweep failed", "error", err)
	}

	ticker := time.NewTicker(ps.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			ps.logger.Info("Payment sweeper worker stopped")
			return
		case <-ticker.C:
			if err := ps.sweep(ctx); err != nil {
				ps.logger.Error("Payment sweep failed", "error", err)
			}
		}
	}
}

func (ps *PaymentSweeper) sweep(ctx context.Context) error {
	count, err := ps.store.ExpireStalePayments(ctx, ps.maxAge)
	if err != nil {
		return err
	}

	if count > 0 {
		ps.logger.Info("Expired stale payments", "count", count, "older_than", ps.maxAge.String())
	} else {
		ps.logger.Debug("No stale payments to expire")
	}

	return nil
}
