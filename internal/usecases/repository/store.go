// Package repository implements the reconciliation store on Postgres: the
// durable record of orders, bank payments, verification timelines, trusted
// buyers, and operator alerts.
package repository

import (
	"log/slog"

	sq "github.com/Masterminds/squirrel"
	tx "github.com/Thiht/transactor/pgx"
	"github.com/meridianpay/p2p-autorelease/backend/pkg/database"
)

// ReconciliationStore is the pgx-backed store used by the orchestrator.
type ReconciliationStore struct {
	logger *slog.Logger

	db         tx.DBGetter
	transactor *tx.Transactor
	builder    sq.StatementBuilderType
}

func NewReconciliationStore(logger *slog.Logger, pg *database.Postgres) *ReconciliationStore {
	return &ReconciliationStore{
		logger:     logger,
		db:         pg.DBGetter,
		transactor: pg.Transactor,
		builder:    sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
	}
}

// amountWindow returns the inclusive [lo, hi] band for an amount search.
func amountWindow(amount, tolerancePct float64) (float64, float64) {
	delta := amount * tolerancePct / 100
	return amount - delta, amount + delta
}
