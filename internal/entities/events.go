package entities

import "time"

// Event is the tagged union consumed by the orchestrator. Every external
// source (order stream, bank webhooks, chat) normalizes into one of the
// concrete event types below.
type Event interface {
	EventKind() string
}

// Order event types.
const (
	OrderEventNew       = "new"
	OrderEventPaid      = "paid"
	OrderEventMatched   = "matched"
	OrderEventReleased  = "released"
	OrderEventCancelled = "cancelled"
)

// OrderEvent signals an order lifecycle transition observed on the exchange.
type OrderEvent struct {
	Type  string   `json:"type"`
	Order Order    `json:"order"`
	Match *Payment `json:"match,omitempty"`
}

func (e OrderEvent) EventKind() string { return "order." + e.Type }

// Payment event types.
const (
	PaymentEventPayment     = "payment"
	PaymentEventReversal    = "reversal"
	PaymentEventSyncMatched = "sync_matched"
)

// PaymentEvent is a normalized bank notification.
type PaymentEvent struct {
	Type          string    `json:"type"`
	TransactionID string    `json:"transaction_id"`
	Amount        float64   `json:"amount"`
	SenderName    string    `json:"sender_name"`
	Currency      string    `json:"currency"`
	Timestamp     time.Time `json:"timestamp"`
}

func (e PaymentEvent) EventKind() string { return "payment." + e.Type }

// ChatImageEvent is an image posted in the order chat, usually a transfer
// receipt screenshot.
type ChatImageEvent struct {
	OrderID        string    `json:"order_id"`
	ImageURL       string    `json:"image_url"`
	ThumbnailURL   string    `json:"thumbnail_url"`
	SenderNickname string    `json:"sender_nickname"`
	Time           time.Time `json:"time"`
}

func (e ChatImageEvent) EventKind() string { return "chat.image" }

// Operator-visible outcome event types.
const (
	OutcomeReleaseSuccess     = "release_success"
	OutcomeReleaseFailed      = "release_failed"
	OutcomeManualRequired     = "manual_required"
	OutcomeThirdPartyPayment  = "third_party_payment"
	OutcomeDoubleSpendBlocked = "double_spend_blocked"
)

// OutcomeEvent is emitted for operators whenever the engine reaches a
// decision a human may need to act on. There is no silent failure of a
// release determination.
type OutcomeEvent struct {
	Type    string         `json:"type"`
	OrderID string         `json:"order_id"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	At      time.Time      `json:"at"`
}

func (e OutcomeEvent) EventKind() string { return "outcome." + e.Type }
