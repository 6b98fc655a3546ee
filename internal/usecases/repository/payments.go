package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/meridianpay/p2p-autorelease/backend/internal/core/ports"
	"github.com/meridianpay/p2p-autorelease/backend/internal/entities"
)

// UpsertPayment stores a normalized bank payment. Re-delivered webhooks for a
// known transaction id refresh sender/amount but never touch the status.
func (s *ReconciliationStore) UpsertPayment(ctx context.Context, payment entities.Payment) error {
	_, err := s.db(ctx).Exec(ctx, `
		INSERT INTO payments (transaction_id, amount, sender_name, currency, status, received_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (transaction_id)
		DO UPDATE SET amount = EXCLUDED.amount, sender_name = EXCLUDED.sender_name, updated_at = NOW()`,
		payment.TransactionID, payment.Amount, payment.SenderName, payment.Currency, payment.Status, payment.ReceivedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert payment %s: %w", payment.TransactionID, err)
	}

	return nil
}

// UpdatePaymentStatus moves a payment to the given status, refusing invalid
// transitions out of RELEASED.
func (s *ReconciliationStore) UpdatePaymentStatus(ctx context.Context, transactionID string, status entities.PaymentStatus) error {
	tag, err := s.db(ctx).Exec(ctx,
		`UPDATE payments SET status = $2, updated_at = NOW() WHERE transaction_id = $1 AND status <> 'RELEASED'`,
		transactionID, status)
	if err != nil {
		return fmt.Errorf("failed to update payment %s status: %w", transactionID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("payment %s not updatable to %s", transactionID, status)
	}

	return nil
}

// FindPaymentByTransactionID returns the payment or nil when unknown.
func (s *ReconciliationStore) FindPaymentByTransactionID(ctx context.Context, transactionID string) (*entities.Payment, error) {
	rows, err := s.db(ctx).Query(ctx, `
		SELECT id, transaction_id, amount, sender_name, currency, status, matched_order_id, match_method, received_at, updated_at
		  FROM payments
		 WHERE transaction_id = $1`, transactionID)
	if err != nil {
		return nil, err
	}

	payment, err := pgx.CollectOneRow(rows, pgx.RowToStructByName[entities.Payment])
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return &payment, nil
}

// FindUnmatchedPaymentsByAmount returns still-PENDING payments whose amount
// falls within tolerancePct of the given amount, newest first, bounded by
// maxAge. This backs the bidirectional search when an order is marked paid
// after its payment already arrived.
func (s *ReconciliationStore) FindUnmatchedPaymentsByAmount(ctx context.Context, amount, tolerancePct float64, maxAge time.Duration) ([]entities.Payment, error) {
	lo, hi := amountWindow(amount, tolerancePct)

	query, args, err := s.builder.
		Select("id", "transaction_id", "amount", "sender_name", "currency", "status",
			"matched_order_id", "match_method", "received_at", "updated_at").
		From("payments").
		Where(sq.Eq{"status": entities.PaymentPending}).
		Where(sq.GtOrEq{"amount": lo}).
		Where(sq.LtOrEq{"amount": hi}).
		Where(sq.Expr("received_at > NOW() - ?::interval", fmt.Sprintf("%d minutes", int(maxAge.Minutes())))).
		OrderBy("received_at DESC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build unmatched payments query: %w", err)
	}

	rows, err := s.db(ctx).Query(ctx, query, args...)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	payments, err := pgx.CollectRows(rows, pgx.RowToStructByName[entities.Payment])
	if err != nil {
		s.logger.Error("failed to collect payment rows", "error", err)
		return nil, err
	}

	return payments, nil
}

// ExpireStalePayments fails PENDING payments older than the given age so
// they stop surfacing as smart-match candidates. Returns the count expired.
func (s *ReconciliationStore) ExpireStalePayments(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := s.db(ctx).Exec(ctx, `
		UPDATE payments
		   SET status = 'FAILED', updated_at = NOW()
		 WHERE status = 'PENDING' AND received_at < NOW() - $1::interval`,
		fmt.Sprintf("%d minutes", int(olderThan.Minutes())))
	if err != nil {
		return 0, fmt.Errorf("failed to expire stale payments: %w", err)
	}

	return tag.RowsAffected(), nil
}

// MatchPayment atomically attaches a payment to an order. Returns false when
// the payment is already released, already matched elsewhere, or unknown:
// a RELEASED payment can never fund a second order.
func (s *ReconciliationStore) MatchPayment(ctx context.Context, transactionID, orderID, method string) (bool, error) {
	tag, err := s.db(ctx).Exec(ctx, `
		UPDATE payments
		   SET status = 'MATCHED', matched_order_id = $2, match_method = $3, updated_at = NOW()
		 WHERE transaction_id = $1
		   AND (status = 'PENDING' OR (status = 'MATCHED' AND matched_order_id = $2))`,
		transactionID, orderID, method)
	if err != nil {
		return false, fmt.Errorf("failed to match payment %s to order %s: %w", transactionID, orderID, err)
	}

	return tag.RowsAffected() > 0, nil
}

// UnmatchPayment returns a matched payment to PENDING so it can match a
// different order sharing the amount. RELEASED payments are untouchable.
func (s *ReconciliationStore) UnmatchPayment(ctx context.Context, transactionID string) error {
	tag, err := s.db(ctx).Exec(ctx, `
		UPDATE payments
		   SET status = 'PENDING', matched_order_id = NULL, match_method = '', updated_at = NOW()
		 WHERE transaction_id = $1 AND status = 'MATCHED'`,
		transactionID)
	if err != nil {
		return fmt.Errorf("failed to unmatch payment %s: %w", transactionID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("payment %s is not in a matchable state", transactionID)
	}

	return nil
}

// MarkPaymentReleased performs the terminal release transition as a single
// compare-and-swap. Returns false when the transaction already funded a
// release, which the caller must treat as a double-spend attempt.
func (s *ReconciliationStore) MarkPaymentReleased(ctx context.Context, transactionID, orderID string) (bool, error) {
	tag, err := s.db(ctx).Exec(ctx, `
		UPDATE payments
		   SET status = 'RELEASED', matched_order_id = $2, released_at = NOW(), updated_at = NOW()
		 WHERE transaction_id = $1 AND status <> 'RELEASED'`,
		transactionID, orderID)
	if err != nil {
		return false, fmt.Errorf("failed to mark payment %s released: %w", transactionID, err)
	}

	return tag.RowsAffected() > 0, nil
}

// IsAlreadyReleased reports whether the bank transaction already funded a
// release, and for which order.
func (s *ReconciliationStore) IsAlreadyReleased(ctx context.Context, transactionID string) (*ports.ReleaseStatus, error) {
	var (
		status     entities.PaymentStatus
		orderID    *string
		releasedAt *time.Time
	)

	err := s.db(ctx).QueryRow(ctx,
		`SELECT status, matched_order_id, released_at FROM payments WHERE transaction_id = $1`,
		transactionID).Scan(&status, &orderID, &releasedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return &ports.ReleaseStatus{Released: false}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to check release status of %s: %w", transactionID, err)
	}

	result := &ports.ReleaseStatus{Released: status == entities.PaymentReleased, ReleasedAt: releasedAt}
	if orderID != nil {
		result.OrderID = *orderID
	}

	return result, nil
}
