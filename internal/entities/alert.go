package entities

import "time"

// Alert severities.
const (
	AlertSeverityInfo     = "INFO"
	AlertSeverityWarning  = "WARNING"
	AlertSeverityCritical = "CRITICAL"
)

// Alert categories.
const (
	AlertThirdPartyPayment = "THIRD_PARTY_PAYMENT"
	AlertNameMismatch      = "NAME_MISMATCH"
	AlertDoubleSpend       = "DOUBLE_SPEND_ATTEMPT"
	AlertReleaseFailed     = "RELEASE_FAILED"
	AlertPaymentReversed   = "PAYMENT_REVERSED"
	AlertRiskCheckFailed   = "RISK_CHECK_FAILED"
)

// Alert is a persisted operator notification.
type Alert struct {
	ID            string         `json:"id" db:"id"`
	Category      string         `json:"category" db:"category"`
	Severity      string         `json:"severity" db:"severity"`
	OrderID       *string        `json:"order_id" db:"order_id"`
	TransactionID *string        `json:"transaction_id" db:"transaction_id"`
	Message       string         `json:"message" db:"message"`
	Details       map[string]any `json:"details" db:"details"`
	CreatedAt     time.Time      `json:"created_at" db:"created_at"`
}
