package entities

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAdvanceMovesForward(t *testing.T) {
	s := StatusAwaitingPayment
	s = s.Advance(StatusBuyerMarkedPaid)
	require.Equal(t, StatusBuyerMarkedPaid, s)

	s = s.Advance(StatusPaymentMatched)
	require.Equal(t, StatusPaymentMatched, s)
}

func TestAdvanceNeverRegresses(t *testing.T) {
	s := StatusNameVerified
	require.Equal(t, StatusNameVerified, s.Advance(StatusBuyerMarkedPaid))
	require.Equal(t, StatusNameVerified, s.Advance(StatusAwaitingPayment))
}

func TestAdvanceReleasedAlwaysApplies(t *testing.T) {
	// RELEASED is terminal and wins from any prior point, including manual
	// review.
	require.Equal(t, StatusReleased, StatusManualReview.Advance(StatusReleased))
	require.Equal(t, StatusReleased, StatusAwaitingPayment.Advance(StatusReleased))
	require.Equal(t, StatusReleased, StatusReleased.Advance(StatusBuyerMarkedPaid))
}

func TestAdvanceUnknownStatusIgnored(t *testing.T) {
	s := StatusPaymentMatched
	require.Equal(t, StatusPaymentMatched, s.Advance(VerificationStatus("BOGUS")))
}

func TestOrdinalUnknown(t *testing.T) {
	require.Equal(t, -1, VerificationStatus("BOGUS").Ordinal())
}

func TestPaymentStatusTerminal(t *testing.T) {
	require.True(t, PaymentReleased.Terminal())
	require.False(t, PaymentMatched.Terminal())
	require.False(t, PaymentPending.Terminal())
}

func TestPaymentStatusTransitions(t *testing.T) {
	require.True(t, PaymentPending.CanTransition(PaymentMatched))
	require.True(t, PaymentMatched.CanTransition(PaymentReleased))
	// Unmatch returns a matched payment to the pool.
	require.True(t, PaymentMatched.CanTransition(PaymentPending))
	// Released is terminal.
	require.False(t, PaymentReleased.CanTransition(PaymentPending))
	require.False(t, PaymentReleased.CanTransition(PaymentMatched))
}

func TestCounterpartyName(t *testing.T) {
	order := Order{Nickname: "cryptoking99", RealName: "SAIB BRIBIESCA LOPEZ"}
	require.Equal(t, "SAIB BRIBIESCA LOPEZ", order.CounterpartyName())

	order.RealName = ""
	require.Equal(t, "cryptoking99", order.CounterpartyName())
}

func TestBankTransactionID(t *testing.T) {
	rec := &PendingRelease{Order: Order{ID: "ord-1"}}
	require.Empty(t, rec.BankTransactionID())

	rec.Payment = &Payment{TransactionID: "tx-77"}
	require.Equal(t, "tx-77", rec.BankTransactionID())
}
