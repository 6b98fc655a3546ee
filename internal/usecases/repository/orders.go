package repository

import (
	"context"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/meridianpay/p2p-autorelease/backend/internal/entities"
	"github.com/meridianpay/p2p-autorelease/backend/internal/matching"
)

// UpsertOrder mirrors an exchange order into the store. The verification
// status is managed separately through AdvanceOrderStatus.
func (s *ReconciliationStore) UpsertOrder(ctx context.Context, order entities.Order) error {
	_, err := s.db(ctx).Exec(ctx, `
		INSERT INTO orders (id, trade_type, asset, fiat, expected_amount, nickname, real_name, user_id, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id)
		DO UPDATE SET expected_amount = EXCLUDED.expected_amount,
		              nickname = EXCLUDED.nickname,
		              real_name = CASE WHEN EXCLUDED.real_name <> '' THEN EXCLUDED.real_name ELSE orders.real_name END,
		              status = EXCLUDED.status,
		              updated_at = NOW()`,
		order.ID, order.TradeType, order.Asset, order.Fiat, order.ExpectedAmount,
		order.Nickname, order.RealName, order.UserID, order.Status, order.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert order %s: %w", order.ID, err)
	}

	return nil
}

// AdvanceOrderStatus records the verification status, honoring the partial
// order: the stored status never moves backward, RELEASED always applies.
func (s *ReconciliationStore) AdvanceOrderStatus(ctx context.Context, orderID string, status entities.VerificationStatus) error {
	_, err := s.db(ctx).Exec(ctx, `
		UPDATE orders
		   SET verification_status = $2, verification_ordinal = $3, updated_at = NOW()
		 WHERE id = $1 AND (verification_ordinal <= $3 OR $2 = 'RELEASED')`,
		orderID, status, status.Ordinal())
	if err != nil {
		return fmt.Errorf("failed to advance order %s status to %s: %w", orderID, status, err)
	}

	return nil
}

// FindOrdersAwaitingPayment returns open orders whose expected amount lies
// within tolerancePct of the given amount and which have no live payment
// match yet. These are the smart-match candidates for an incoming payment.
func (s *ReconciliationStore) FindOrdersAwaitingPayment(ctx context.Context, amount, tolerancePct float64) ([]entities.Order, error) {
	lo, hi := amountWindow(amount, tolerancePct)

	query, args, err := s.builder.
		Select("id", "trade_type", "asset", "fiat", "expected_amount", "nickname", "real_name", "user_id", "status", "created_at").
		From("orders").
		Where(sq.Eq{"status": []string{entities.OrderStatusCreated, entities.OrderStatusBuyerPaid, entities.OrderStatusAwaitingRelease}}).
		Where(sq.GtOrEq{"expected_amount": lo}).
		Where(sq.LtOrEq{"expected_amount": hi}).
		Where("NOT EXISTS (SELECT 1 FROM payments p WHERE p.matched_order_id = orders.id AND p.status IN ('MATCHED','RELEASED'))").
		OrderBy("created_at ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build awaiting orders query: %w", err)
	}

	rows, err := s.db(ctx).Query(ctx, query, args...)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	orders, err := pgx.CollectRows(rows, pgx.RowToStructByName[entities.Order])
	if err != nil {
		s.logger.Error("failed to collect order rows", "error", err)
		return nil, err
	}

	return orders, nil
}

// FindOrderByAmountAndName runs a smart match inside the store: amount-window
// candidates scored against the sender name, returning only the single best
// candidate above the name threshold, or nil.
func (s *ReconciliationStore) FindOrderByAmountAndName(ctx context.Context, amount float64, senderName string, tolerancePct float64) (*entities.Order, error) {
	candidates, err := s.FindOrdersAwaitingPayment(ctx, amount, tolerancePct)
	if err != nil {
		return nil, err
	}

	best, _ := matching.BestCandidate(senderName, candidates)
	if best == nil {
		return nil, nil
	}

	order := best.Order
	return &order, nil
}
