package usecases

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/meridianpay/p2p-autorelease/backend/config"
	"github.com/meridianpay/p2p-autorelease/backend/internal/entities"
)

// CounterpartyStatsSource fetches trailing trust statistics from the exchange.
type CounterpartyStatsSource interface {
	GetCounterpartyStats(ctx context.Context, userID string) (*entities.CounterpartyStats, error)
}

// TrustedLookup answers whether a counterparty user id is on the trusted list.
type TrustedLookup interface {
	IsTrustedBuyer(ctx context.Context, userID string) (bool, error)
}

// BuyerRiskAssessor gates auto-release on the counterparty's trading history.
// An unreachable stats service degrades to a failed assessment rather than
// crashing the pipeline.
type BuyerRiskAssessor struct {
	logger  *slog.Logger
	cfg     config.Risk
	stats   CounterpartyStatsSource
	trusted TrustedLookup
}

func NewBuyerRiskAssessor(logger *slog.Logger, cfg config.Risk, stats CounterpartyStatsSource, trusted TrustedLookup) *BuyerRiskAssessor {
	return &BuyerRiskAssessor{
		logger:  logger,
		cfg:     cfg,
		stats:   stats,
		trusted: trusted,
	}
}

// Assess evaluates the counterparty against the configured minimums. The
// check is skipped entirely for small amounts and for trusted counterparties,
// identified strictly by their immutable exchange user id.
func (a *BuyerRiskAssessor) Assess(ctx context.Context, order entities.Order) *entities.RiskAssessment {
	assessment := &entities.RiskAssessment{AssessedAt: time.Now()}

	if !a.cfg.EnableBuyerRiskCheck {
		assessment.Passed = true
		assessment.Skipped = true
		assessment.SkipReason = "buyer risk check disabled"
		return assessment
	}

	if order.ExpectedAmount <= a.cfg.SkipRiskCheckThreshold {
		assessment.Passed = true
		assessment.Skipped = true
		assessment.SkipReason = fmt.Sprintf("amount %.2f at or below risk threshold %.2f",
			order.ExpectedAmount, a.cfg.SkipRiskCheckThreshold)
		return assessment
	}

	trusted, err := a.trusted.IsTrustedBuyer(ctx, order.UserID)
	if err != nil {
		// Degrade the trusted shortcut only; the stats check still runs.
		a.logger.ErrorContext(ctx, "Trusted buyer lookup failed",
			"error", err, "user_id", order.UserID, "order_id", order.ID)
	} else if trusted {
		assessment.Passed = true
		assessment.Skipped = true
		assessment.SkipReason = "trusted counterparty"
		return assessment
	}

	stats, err := a.stats.GetCounterpartyStats(ctx, order.UserID)
	if err != nil {
		a.logger.ErrorContext(ctx, "Counterparty stats unavailable, failing risk check",
			"error", err, "user_id", order.UserID, "order_id", order.ID)
		assessment.FailedCriteria = []string{"counterparty stats unavailable"}
		return assessment
	}
	assessment.Stats = stats

	if stats.TotalOrders < a.cfg.MinTotalOrders {
		assessment.FailedCriteria = append(assessment.FailedCriteria,
			fmt.Sprintf("total orders %d below minimum %d", stats.TotalOrders, a.cfg.MinTotalOrders))
	}
	if stats.RecentOrders30d < a.cfg.MinRecentOrders {
		assessment.FailedCriteria = append(assessment.FailedCriteria,
			fmt.Sprintf("orders in last 30 days %d below minimum %d", stats.RecentOrders30d, a.cfg.MinRecentOrders))
	}
	if stats.AccountAgeDays < a.cfg.MinAccountAgeDays {
		assessment.FailedCriteria = append(assessment.FailedCriteria,
			fmt.Sprintf("account age %d days below minimum %d", stats.AccountAgeDays, a.cfg.MinAccountAgeDays))
	}
	if stats.FinishRate < a.cfg.MinFinishRate {
		assessment.FailedCriteria = append(assessment.FailedCriteria,
			fmt.Sprintf("finish rate %.2f below minimum %.2f", stats.FinishRate, a.cfg.MinFinishRate))
	}

	assessment.Passed = len(assessment.FailedCriteria) == 0

	if !assessment.Passed {
		a.logger.InfoContext(ctx, "Buyer risk check failed",
			"order_id", order.ID, "user_id", order.UserID, "failed_criteria", assessment.FailedCriteria)
	}

	return assessment
}
