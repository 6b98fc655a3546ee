package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/meridianpay/p2p-autorelease/backend/internal/entities"
)

// AppendVerificationStep appends one immutable row to the order's audit
// timeline and advances the recorded status along the partial order in the
// same transaction. Timeline rows are never updated or deleted.
func (s *ReconciliationStore) AppendVerificationStep(ctx context.Context, orderID string, status entities.VerificationStatus, message string, details map[string]any) error {
	var detailsJSON []byte
	if details != nil {
		var err error
		detailsJSON, err = json.Marshal(details)
		if err != nil {
			return fmt.Errorf("failed to marshal step details: %w", err)
		}
	}

	return s.transactor.WithinTransaction(ctx, func(txCtx context.Context) error {
		_, err := s.db(txCtx).Exec(txCtx,
			`INSERT INTO verification_steps (order_id, status, message, details) VALUES ($1, $2, $3, $4)`,
			orderID, status, message, detailsJSON)
		if err != nil {
			return fmt.Errorf("failed to append verification step: %w", err)
		}

		if err = s.AdvanceOrderStatus(txCtx, orderID, status); err != nil {
			return err
		}

		return nil
	})
}

// GetVerificationTimeline returns the full audit timeline for an order,
// oldest first.
func (s *ReconciliationStore) GetVerificationTimeline(ctx context.Context, orderID string) ([]entities.VerificationStep, error) {
	rows, err := s.db(ctx).Query(ctx, `
		SELECT id, order_id, status, message, details, created_at
		  FROM verification_steps
		 WHERE order_id = $1
		 ORDER BY id ASC`, orderID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	steps, err := pgx.CollectRows(rows, pgx.RowToStructByName[entities.VerificationStep])
	if err != nil {
		s.logger.Error("failed to collect verification step rows", "error", err)
		return nil, err
	}

	return steps, nil
}
