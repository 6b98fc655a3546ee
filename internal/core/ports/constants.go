package ports

import "time"

const (
	StreamRetryDelay = 10 * time.Second // Delay before reconnecting the exchange stream

	// AmountTolerancePct is the default bank/order amount tolerance.
	AmountTolerancePct = 1.0

	// ReadinessThrottle caps readiness re-evaluation per order; significant
	// state changes clear the throttle explicitly.
	ReadinessThrottle = 5 * time.Second

	// PaymentLookbackAge bounds the backward search over still-unmatched
	// payments when an order is marked paid.
	PaymentLookbackAge = 30 * time.Minute

	// MaxReleaseAttempts bounds release retries before manual escalation.
	MaxReleaseAttempts = 3
)
