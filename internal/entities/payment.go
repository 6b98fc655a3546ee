package entities

import "time"

// PaymentStatus tracks a bank payment through reconciliation.
type PaymentStatus string

const (
	PaymentPending    PaymentStatus = "PENDING"
	PaymentMatched    PaymentStatus = "MATCHED"
	PaymentReleased   PaymentStatus = "RELEASED"
	PaymentReversed   PaymentStatus = "REVERSED"
	PaymentThirdParty PaymentStatus = "THIRD_PARTY"
	PaymentFailed     PaymentStatus = "FAILED"
)

// Terminal reports whether no further transition is allowed from s.
// RELEASED is the only status that additionally forbids re-matching.
func (s PaymentStatus) Terminal() bool {
	return s == PaymentReleased
}

// CanTransition validates the allowed payment status transitions:
// PENDING -> MATCHED -> RELEASED, MATCHED -> PENDING (unmatch),
// PENDING/MATCHED -> REVERSED | THIRD_PARTY | FAILED.
func (s PaymentStatus) CanTransition(next PaymentStatus) bool {
	if s.Terminal() {
		return false
	}
	switch s {
	case PaymentPending:
		return next == PaymentMatched || next == PaymentReversed ||
			next == PaymentThirdParty || next == PaymentFailed
	case PaymentMatched:
		return next == PaymentReleased || next == PaymentPending ||
			next == PaymentReversed || next == PaymentThirdParty || next == PaymentFailed
	default:
		return false
	}
}

// Payment is a normalized incoming bank transfer.
type Payment struct {
	ID             int64         `json:"id" db:"id"`
	TransactionID  string        `json:"transaction_id" db:"transaction_id"`
	Amount         float64       `json:"amount" db:"amount"`
	SenderName     string        `json:"sender_name" db:"sender_name"`
	Currency       string        `json:"currency" db:"currency"`
	Status         PaymentStatus `json:"status" db:"status"`
	MatchedOrderID *string       `json:"matched_order_id" db:"matched_order_id"`
	MatchMethod    string        `json:"match_method" db:"match_method"`
	ReceivedAt     time.Time     `json:"received_at" db:"received_at"`
	UpdatedAt      time.Time     `json:"updated_at" db:"updated_at"`
}
