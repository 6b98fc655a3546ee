package ports

import (
	"context"
	"time"

	"github.com/meridianpay/p2p-autorelease/backend/internal/entities"
)

// ExchangeClient is the signed trading API surface the engine depends on.
type ExchangeClient interface {
	GetOrderDetail(ctx context.Context, orderID string) (*entities.Order, error)
	ListPendingOrders(ctx context.Context) ([]entities.Order, error)
	GetCounterpartyStats(ctx context.Context, userID string) (*entities.CounterpartyStats, error)
	Release(ctx context.Context, orderID, authType, code string) error
}

// TOTPProvider issues one-time 2FA codes. Next never knowingly returns the
// same code twice within one time window; a second call inside the window
// blocks until the window rolls over.
type TOTPProvider interface {
	Next(ctx context.Context) (string, error)
	WaitNextWindow(ctx context.Context) error
}

// OCRResult is the raw extraction from a receipt image.
type OCRResult struct {
	Amount     float64 `json:"amount"`
	SenderName string  `json:"sender_name"`
	Confidence float64 `json:"confidence"`
}

// OCRVerification is the outcome of checking an extraction against the
// order's expected amount and counterparty name.
type OCRVerification struct {
	Verified   bool     `json:"verified"`
	Confidence float64  `json:"confidence"`
	Issues     []string `json:"issues,omitempty"`
}

// OCRService extracts and verifies transfer receipts.
type OCRService interface {
	Extract(ctx context.Context, imageURL string) (*OCRResult, error)
	Verify(result *OCRResult, expectedAmount float64, expectedName string) *OCRVerification
}

// ReleaseStatus reports whether a bank transaction already funded a release.
type ReleaseStatus struct {
	Released   bool
	OrderID    string
	ReleasedAt *time.Time
}

// ReconciliationStore is the durable record of payments, verification
// timelines, and trust state. Match and release-marking operations are atomic
// at the store layer: touching an already released payment fails instead of
// racing.
type ReconciliationStore interface {
	AppendVerificationStep(ctx context.Context, orderID string, status entities.VerificationStatus, message string, details map[string]any) error

	UpsertOrder(ctx context.Context, order entities.Order) error
	AdvanceOrderStatus(ctx context.Context, orderID string, status entities.VerificationStatus) error

	UpsertPayment(ctx context.Context, payment entities.Payment) error
	UpdatePaymentStatus(ctx context.Context, transactionID string, status entities.PaymentStatus) error
	FindUnmatchedPaymentsByAmount(ctx context.Context, amount, tolerancePct float64, maxAge time.Duration) ([]entities.Payment, error)
	FindPaymentByTransactionID(ctx context.Context, transactionID string) (*entities.Payment, error)

	FindOrdersAwaitingPayment(ctx context.Context, amount, tolerancePct float64) ([]entities.Order, error)
	FindOrderByAmountAndName(ctx context.Context, amount float64, senderName string, tolerancePct float64) (*entities.Order, error)

	MatchPayment(ctx context.Context, transactionID, orderID, method string) (bool, error)
	UnmatchPayment(ctx context.Context, transactionID string) error
	MarkPaymentReleased(ctx context.Context, transactionID, orderID string) (bool, error)
	IsAlreadyReleased(ctx context.Context, transactionID string) (*ReleaseStatus, error)

	IsTrustedBuyer(ctx context.Context, userID string) (bool, error)
	IncrementTrustedStats(ctx context.Context, userID, nickname string, amount float64) error

	CreateAlert(ctx context.Context, alert entities.Alert) error
}

// Notifier publishes operator-visible outcome events.
type Notifier interface {
	Emit(ctx context.Context, event entities.OutcomeEvent)
}

// RiskAssessor evaluates counterparty trust before an automatic release.
type RiskAssessor interface {
	Assess(ctx context.Context, order entities.Order) *entities.RiskAssessment
}
