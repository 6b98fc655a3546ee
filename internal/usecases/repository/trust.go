package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/meridianpay/p2p-autorelease/backend/internal/entities"
)

// IsTrustedBuyer reports whether the counterparty user id is on the trusted
// list. Empty ids are never trusted; the trusted list is keyed strictly by
// the exchange's immutable user id, never by nickname.
func (s *ReconciliationStore) IsTrustedBuyer(ctx context.Context, userID string) (bool, error) {
	if userID == "" {
		return false, nil
	}

	var trusted bool
	err := s.db(ctx).QueryRow(ctx,
		`SELECT COALESCE((SELECT trusted FROM trusted_buyers WHERE user_id = $1), false)`,
		userID).Scan(&trusted)
	if err != nil {
		return false, fmt.Errorf("failed to look up trusted buyer %s: %w", userID, err)
	}

	return trusted, nil
}

// IncrementTrustedStats records a completed auto-release for the counterparty.
func (s *ReconciliationStore) IncrementTrustedStats(ctx context.Context, userID, nickname string, amount float64) error {
	if userID == "" {
		return fmt.Errorf("cannot track trusted stats without a user id")
	}

	_, err := s.db(ctx).Exec(ctx, `
		INSERT INTO trusted_buyers (user_id, nickname, release_count, total_amount, first_released, last_released)
		VALUES ($1, $2, 1, $3, NOW(), NOW())
		ON CONFLICT (user_id)
		DO UPDATE SET release_count = trusted_buyers.release_count + 1,
		              total_amount = trusted_buyers.total_amount + EXCLUDED.total_amount,
		              nickname = EXCLUDED.nickname,
		              last_released = NOW()`,
		userID, nickname, amount)
	if err != nil {
		return fmt.Errorf("failed to increment trusted stats for %s: %w", userID, err)
	}

	return nil
}

// CreateAlert persists an operator alert.
func (s *ReconciliationStore) CreateAlert(ctx context.Context, alert entities.Alert) error {
	if alert.ID == "" {
		alert.ID = uuid.NewString()
	}

	var detailsJSON []byte
	if alert.Details != nil {
		var err error
		detailsJSON, err = json.Marshal(alert.Details)
		if err != nil {
			return fmt.Errorf("failed to marshal alert details: %w", err)
		}
	}

	_, err := s.db(ctx).Exec(ctx, `
		INSERT INTO alerts (id, category, severity, order_id, transaction_id, message, details)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		alert.ID, alert.Category, alert.Severity, alert.OrderID, alert.TransactionID, alert.Message, detailsJSON)
	if err != nil {
		return fmt.Errorf("failed to create alert: %w", err)
	}

	s.logger.InfoContext(ctx, "Alert created",
		"alert_id", alert.ID, "category", alert.Category, "severity", alert.Severity)

	return nil
}
