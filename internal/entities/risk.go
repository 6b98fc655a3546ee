package entities

import "time"

// CounterpartyStats are the trailing trust statistics the exchange exposes
// for a counterparty.
type CounterpartyStats struct {
	UserID          string  `json:"user_id"`
	TotalOrders     int     `json:"total_orders"`
	RecentOrders30d int     `json:"recent_orders_30d"`
	AccountAgeDays  int     `json:"account_age_days"`
	FinishRate      float64 `json:"finish_rate"`
	PositiveRate    float64 `json:"positive_rate"`
}

// RiskAssessment is the outcome of a buyer risk check. Failing blocks
// auto-release and routes the order to manual review.
type RiskAssessment struct {
	Passed         bool               `json:"passed"`
	Skipped        bool               `json:"skipped"`
	SkipReason     string             `json:"skip_reason,omitempty"`
	FailedCriteria []string           `json:"failed_criteria,omitempty"`
	Stats          *CounterpartyStats `json:"stats,omitempty"`
	AssessedAt     time.Time          `json:"assessed_at"`
}

// TrustedBuyer tracks completed auto-releases per counterparty. Keyed
// strictly by the exchange's immutable user id; nicknames are often masked
// and never unique.
type TrustedBuyer struct {
	UserID        string    `json:"user_id" db:"user_id"`
	Nickname      string    `json:"nickname" db:"nickname"`
	ReleaseCount  int       `json:"release_count" db:"release_count"`
	TotalAmount   float64   `json:"total_amount" db:"total_amount"`
	Trusted       bool      `json:"trusted" db:"trusted"`
	FirstReleased time.Time `json:"first_released" db:"first_released"`
	LastReleased  time.Time `json:"last_released" db:"last_released"`
}
