package entities

import "time"

// Trade side of the order from our point of view.
const (
	TradeTypeBuy  = "BUY"
	TradeTypeSell = "SELL"
)

// Order statuses as reported by the exchange.
const (
	OrderStatusCreated         = "CREATED"
	OrderStatusBuyerPaid       = "BUYER_PAID"
	OrderStatusAwaitingRelease = "AWAITING_RELEASE"
	OrderStatusReleased        = "RELEASED"
	OrderStatusCancelled       = "CANCELLED"
	OrderStatusAppealed        = "APPEALED"
)

// Order is a read-only mirror of an exchange P2P order.
type Order struct {
	ID             string    `json:"id" db:"id"`
	TradeType      string    `json:"trade_type" db:"trade_type"`
	Asset          string    `json:"asset" db:"asset"`
	Fiat           string    `json:"fiat" db:"fiat"`
	ExpectedAmount float64   `json:"expected_amount" db:"expected_amount"`
	Nickname       string    `json:"nickname" db:"nickname"`
	// RealName is the KYC-verified legal name of the counterparty.
	// May be empty when the exchange withholds it until order detail lookup.
	RealName  string    `json:"real_name" db:"real_name"`
	UserID    string    `json:"user_id" db:"user_id"`
	Status    string    `json:"status" db:"status"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// CounterpartyName returns the best identity we hold for the buyer:
// the verified real name when present, otherwise the public nickname.
func (o *Order) CounterpartyName() string {
	if o.RealName != "" {
		return o.RealName
	}
	return o.Nickname
}
