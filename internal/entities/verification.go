package entities

import "time"

// VerificationStatus is the per-order verification progression. Statuses are
// partially ordered: later events may append to the audit timeline but the
// recorded status never moves backward along this order.
type VerificationStatus string

const (
	StatusAwaitingPayment     VerificationStatus = "AWAITING_PAYMENT"
	StatusBuyerMarkedPaid     VerificationStatus = "BUYER_MARKED_PAID"
	StatusBankPaymentReceived VerificationStatus = "BANK_PAYMENT_RECEIVED"
	StatusPaymentMatched      VerificationStatus = "PAYMENT_MATCHED"
	StatusAmountVerified      VerificationStatus = "AMOUNT_VERIFIED"
	StatusAmountMismatch      VerificationStatus = "AMOUNT_MISMATCH"
	StatusNameVerified        VerificationStatus = "NAME_VERIFIED"
	StatusNameMismatch        VerificationStatus = "NAME_MISMATCH"
	StatusReadyToRelease      VerificationStatus = "READY_TO_RELEASE"
	StatusManualReview        VerificationStatus = "MANUAL_REVIEW"
	StatusReleased            VerificationStatus = "RELEASED"
)

var statusOrdinals = map[VerificationStatus]int{
	StatusAwaitingPayment:     0,
	StatusBuyerMarkedPaid:     1,
	StatusBankPaymentReceived: 2,
	StatusPaymentMatched:      3,
	StatusAmountVerified:      4,
	StatusAmountMismatch:      4,
	StatusNameVerified:        5,
	StatusNameMismatch:        5,
	StatusReadyToRelease:      6,
	StatusManualReview:        6,
	StatusReleased:            7,
}

// Ordinal returns the position of s in the progression. Unknown statuses
// rank lowest so they can never clobber a recorded one.
func (s VerificationStatus) Ordinal() int {
	ord, ok := statusOrdinals[s]
	if !ok {
		return -1
	}
	return ord
}

// Advance returns the status to record after observing next: next when it is
// at or past the current position (or is RELEASED, which always applies),
// otherwise the current status unchanged. The triggering event still appends
// to the timeline either way.
func (s VerificationStatus) Advance(next VerificationStatus) VerificationStatus {
	if next == StatusReleased {
		return next
	}
	if next.Ordinal() >= s.Ordinal() {
		return next
	}
	return s
}

// VerificationStep is one immutable row of an order's audit timeline.
type VerificationStep struct {
	ID        int64              `json:"id" db:"id"`
	OrderID   string             `json:"order_id" db:"order_id"`
	Status    VerificationStatus `json:"status" db:"status"`
	Message   string             `json:"message" db:"message"`
	Details   map[string]any     `json:"details" db:"details"`
	CreatedAt time.Time          `json:"created_at" db:"created_at"`
}
