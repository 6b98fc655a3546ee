package entities

import "time"

// PendingRelease is the orchestrator's in-memory reconciliation record for one
// in-flight order. It is created on the first payment-relevant event for the
// order and destroyed on release, cancellation, or bank reversal.
type PendingRelease struct {
	Order   Order
	Payment *Payment

	OCRVerified   bool
	OCRConfidence float64
	// NameVerified gates every automatic release. A bank match with a failed
	// name check is a hard block, never silently retried.
	NameVerified   bool
	AmountVerified bool
	// ManualApproved records an operator override of the name gate.
	ManualApproved bool
	ReceiptURL     string

	Status         VerificationStatus
	QueuedAt       time.Time
	Attempts       int
	RiskAssessment *RiskAssessment
}

// BankTransactionID returns the matched bank transaction id, empty when no
// payment has been attached yet.
func (p *PendingRelease) BankTransactionID() string {
	if p.Payment == nil {
		return ""
	}
	return p.Payment.TransactionID
}
