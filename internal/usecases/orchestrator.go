// Package usecases contains the auto-release reconciliation engine: the
// per-order verification state machine, readiness gating, and release
// execution with retry and idempotency guarantees.
package usecases

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.openly.dev/pointy"

	"github.com/meridianpay/p2p-autorelease/backend/config"
	"github.com/meridianpay/p2p-autorelease/backend/internal/core/ports"
	"github.com/meridianpay/p2p-autorelease/backend/internal/entities"
	"github.com/meridianpay/p2p-autorelease/backend/internal/matching"
)

// Orchestrator reconciles order, bank, and chat signals into a release
// decision per in-flight order. Events are consumed from a single channel,
// so handlers run serialized; the registry is still mutex-guarded because
// the release queue worker and manual overrides touch it from other
// goroutines.
type Orchestrator struct {
	logger   *slog.Logger
	cfg      config.Release
	store    ports.ReconciliationStore
	exchange ports.ExchangeClient
	ocr      ports.OCRService
	risk     ports.RiskAssessor
	totp     ports.TOTPProvider
	notifier ports.Notifier
	queue    *ReleaseQueue

	mu            sync.Mutex
	pending       map[string]*entities.PendingRelease
	lastCheck     map[string]time.Time
	blockedLogged map[string]map[string]struct{}
	inFlight      map[string]struct{}

	now func() time.Time
}

func NewOrchestrator(
	logger *slog.Logger,
	cfg config.Release,
	store ports.ReconciliationStore,
	exchange ports.ExchangeClient,
	ocr ports.OCRService,
	risk ports.RiskAssessor,
	totp ports.TOTPProvider,
	notifier ports.Notifier,
) *Orchestrator {
	o := &Orchestrator{
		logger:        logger,
		cfg:           cfg,
		store:         store,
		exchange:      exchange,
		ocr:           ocr,
		risk:          risk,
		totp:          totp,
		notifier:      notifier,
		pending:       make(map[string]*entities.PendingRelease),
		lastCheck:     make(map[string]time.Time),
		blockedLogged: make(map[string]map[string]struct{}),
		inFlight:      make(map[string]struct{}),
		now:           time.Now,
	}
	o.queue = NewReleaseQueue(logger, o, time.Duration(cfg.ReleaseDelayMs)*time.Millisecond)

	return o
}

// Queue exposes the release queue so main can run its drain worker.
func (o *Orchestrator) Queue() *ReleaseQueue {
	return o.queue
}

// Run consumes events until the context is cancelled.
func (o *Orchestrator) Run(ctx context.Context, events <-chan entities.Event) {
	o.logger.Info("Starting auto-release orchestrator",
		"auto_release_enabled", o.cfg.EnableAutoRelease,
		"max_auto_release_amount", o.cfg.MaxAutoReleaseAmount,
		"release_delay_ms", o.cfg.ReleaseDelayMs)

	for {
		select {
		case <-ctx.Done():
			o.logger.Info("Auto-release orchestrator stopped")
			return
		case ev := <-events:
			o.Dispatch(ctx, ev)
		}
	}
}

// Dispatch routes one event to its handler.
func (o *Orchestrator) Dispatch(ctx context.Context, ev entities.Event) {
	switch e := ev.(type) {
	case entities.OrderEvent:
		switch e.Type {
		case entities.OrderEventNew:
			o.handleOrderNew(ctx, e.Order)
		case entities.OrderEventPaid, entities.OrderEventMatched:
			o.HandleOrderPaid(ctx, e.Order)
		case entities.OrderEventReleased, entities.OrderEventCancelled:
			o.handleOrderClosed(ctx, e)
		}
	case entities.PaymentEvent:
		switch e.Type {
		case entities.PaymentEventPayment:
			o.HandlePaymentReceived(ctx, e)
		case entities.PaymentEventReversal:
			o.HandleReversal(ctx, e)
		case entities.PaymentEventSyncMatched:
			o.handleSyncMatched(ctx, e)
		}
	case entities.ChatImageEvent:
		o.HandleChatImage(ctx, e)
	default:
		o.logger.Warn("Unknown event kind", "kind", ev.EventKind())
	}
}

func (o *Orchestrator) handleOrderNew(ctx context.Context, order entities.Order) {
	if err := o.store.UpsertOrder(ctx, order); err != nil {
		o.logger.ErrorContext(ctx, "Failed to mirror new order", "error", err, "order_id", order.ID)
	}
	if err := o.store.AppendVerificationStep(ctx, order.ID, entities.StatusAwaitingPayment,
		"order opened, awaiting bank payment", nil); err != nil {
		o.logger.ErrorContext(ctx, "Failed to append timeline step", "error", err, "order_id", order.ID)
	}
}

// HandleOrderPaid processes the buyer's "I have paid" signal. Auxiliary
// lookups may fail individually; the final readiness evaluation always runs
// regardless, so a degraded signal never suppresses a correct determination.
func (o *Orchestrator) HandleOrderPaid(ctx context.Context, order entities.Order) {
	// The paid notification often lacks the KYC name; pull the order detail
	// to get it. Failure degrades name verification, nothing else.
	if order.RealName == "" {
		if detail, err := o.exchange.GetOrderDetail(ctx, order.ID); err != nil {
			o.logger.ErrorContext(ctx, "Order detail lookup failed", "error", err, "order_id", order.ID)
		} else {
			order.RealName = detail.RealName
			if order.UserID == "" {
				order.UserID = detail.UserID
			}
		}
	}

	if err := o.store.UpsertOrder(ctx, order); err != nil {
		o.logger.ErrorContext(ctx, "Failed to mirror paid order", "error", err, "order_id", order.ID)
	}

	rec := o.ensurePending(order)
	o.appendStep(ctx, rec, entities.StatusBuyerMarkedPaid, "buyer marked the order as paid", nil)

	// Bidirectional search: the bank payment may have arrived before this
	// signal. Look back over recent still-unmatched payments.
	if rec.Payment == nil {
		if o.searchRecentPayments(ctx, rec) {
			o.markSignificant(order.ID)
		}
	}

	o.CheckReadyForRelease(ctx, order.ID)
}

func (o *Orchestrator) searchRecentPayments(ctx context.Context, rec *entities.PendingRelease) bool {
	payments, err := o.store.FindUnmatchedPaymentsByAmount(ctx,
		rec.Order.ExpectedAmount, ports.AmountTolerancePct, ports.PaymentLookbackAge)
	if err != nil {
		o.logger.ErrorContext(ctx, "Recent payment search failed", "error", err, "order_id", rec.Order.ID)
		return false
	}

	counterparty := rec.Order.CounterpartyName()
	var best *entities.Payment
	bestScore := matching.NameMatchThreshold
	for i := range payments {
		if score := matching.CompareNames(payments[i].SenderName, counterparty); score > bestScore {
			best = &payments[i]
			bestScore = score
		}
	}
	if best == nil {
		return false
	}

	ok, err := o.store.MatchPayment(ctx, best.TransactionID, rec.Order.ID, "bidirectional")
	if err != nil {
		o.logger.ErrorContext(ctx, "Failed to match recent payment",
			"error", err, "order_id", rec.Order.ID, "transaction_id", best.TransactionID)
		return false
	}
	if !ok {
		o.logger.Info("Recent payment no longer matchable",
			"order_id", rec.Order.ID, "transaction_id", best.TransactionID)
		return false
	}

	o.attachPayment(ctx, rec, *best, bestScore)

	return true
}

// HandlePaymentReceived runs the smart match for an incoming bank payment:
// amount-window candidates disambiguated by sender/buyer name similarity.
func (o *Orchestrator) HandlePaymentReceived(ctx context.Context, ev entities.PaymentEvent) {
	payment := entities.Payment{
		TransactionID: ev.TransactionID,
		Amount:        ev.Amount,
		SenderName:    ev.SenderName,
		Currency:      ev.Currency,
		Status:        entities.PaymentPending,
		ReceivedAt:    ev.Timestamp,
	}
	if err := o.store.UpsertPayment(ctx, payment); err != nil {
		o.logger.ErrorContext(ctx, "Failed to persist payment", "error", err, "transaction_id", ev.TransactionID)
	}

	candidates, err := o.store.FindOrdersAwaitingPayment(ctx, ev.Amount, ports.AmountTolerancePct)
	if err != nil {
		// The payment stays PENDING; the bidirectional search will pick it
		// up once the store recovers.
		o.logger.ErrorContext(ctx, "Candidate order search failed", "error", err, "transaction_id", ev.TransactionID)
		return
	}

	best, scored := matching.BestCandidate(ev.SenderName, candidates)

	var chosen entities.Order
	var score float64
	var method string
	switch {
	case best != nil:
		chosen, score, method = best.Order, best.Score, "smart_match"
	case len(candidates) == 1:
		// A single amount-window candidate is matched even when the name
		// scores below threshold; name verification then fails loudly
		// instead of the payment vanishing into the unexplained pile.
		chosen, score, method = candidates[0], scored[0].Score, "amount_single"
	default:
		o.flagThirdParty(ctx, ev)
		return
	}
	orderID := chosen.ID

	// A second concurrent handler for the same order returns immediately.
	if !o.tryAcquire(orderID) {
		o.logger.Info("Order already being processed, skipping", "order_id", orderID, "transaction_id", ev.TransactionID)
		return
	}
	defer o.releaseGuard(orderID)

	ok, err := o.store.MatchPayment(ctx, ev.TransactionID, orderID, method)
	if err != nil {
		o.logger.ErrorContext(ctx, "Failed to match payment",
			"error", err, "order_id", orderID, "transaction_id", ev.TransactionID)
		return
	}
	if !ok {
		o.logger.Warn("Payment not matchable, possibly already released elsewhere",
			"order_id", orderID, "transaction_id", ev.TransactionID)
		return
	}

	rec := o.ensurePending(chosen)
	o.attachPayment(ctx, rec, payment, score)
	o.CheckReadyForRelease(ctx, orderID)
}

// flagThirdParty marks a payment whose sender matches no open order. P2P
// platform rules prohibit releasing against third-party transfers.
func (o *Orchestrator) flagThirdParty(ctx context.Context, ev entities.PaymentEvent) {
	o.logger.Warn("Third-party payment detected",
		"transaction_id", ev.TransactionID, "amount", ev.Amount, "sender", ev.SenderName)

	if err := o.store.UpdatePaymentStatus(ctx, ev.TransactionID, entities.PaymentThirdParty); err != nil {
		o.logger.ErrorContext(ctx, "Failed to flag third-party payment", "error", err, "transaction_id", ev.TransactionID)
	}
	if err := o.store.CreateAlert(ctx, entities.Alert{
		Category:      entities.AlertThirdPartyPayment,
		Severity:      entities.AlertSeverityWarning,
		TransactionID: pointy.String(ev.TransactionID),
		Message:       fmt.Sprintf("payment of %.2f %s from %q matches no open order", ev.Amount, ev.Currency, ev.SenderName),
	}); err != nil {
		o.logger.ErrorContext(ctx, "Failed to create third-party alert", "error", err, "transaction_id", ev.TransactionID)
	}

	o.notifier.Emit(ctx, entities.OutcomeEvent{
		Type:    entities.OutcomeThirdPartyPayment,
		Message: "unattributable bank payment " + ev.TransactionID,
		Details: map[string]any{"transaction_id": ev.TransactionID, "amount": ev.Amount},
		At:      o.now(),
	})
}

// attachPayment records a store-accepted match on the in-memory record and
// runs amount and name verification. nameScore is the sender-vs-counterparty
// similarity that selected this pairing.
func (o *Orchestrator) attachPayment(ctx context.Context, rec *entities.PendingRelease, payment entities.Payment, nameScore float64) {
	payment.Status = entities.PaymentMatched
	payment.MatchedOrderID = pointy.String(rec.Order.ID)

	o.mu.Lock()
	rec.Payment = &payment
	o.mu.Unlock()

	o.appendStep(ctx, rec, entities.StatusBankPaymentReceived, "bank payment received", map[string]any{
		"transaction_id": payment.TransactionID,
		"amount":         payment.Amount,
		"sender_name":    payment.SenderName,
	})
	o.appendStep(ctx, rec, entities.StatusPaymentMatched, "payment matched to order", map[string]any{
		"transaction_id": payment.TransactionID,
		"name_score":     nameScore,
	})

	if matching.AmountWithinTolerance(payment.Amount, rec.Order.ExpectedAmount, ports.AmountTolerancePct) {
		o.mu.Lock()
		rec.AmountVerified = true
		o.mu.Unlock()
		o.appendStep(ctx, rec, entities.StatusAmountVerified, "amount within tolerance", map[string]any{
			"received": payment.Amount,
			"expected": rec.Order.ExpectedAmount,
		})
	} else {
		o.appendStep(ctx, rec, entities.StatusAmountMismatch, "amount outside tolerance", map[string]any{
			"received": payment.Amount,
			"expected": rec.Order.ExpectedAmount,
		})
		return
	}

	if nameScore > matching.NameMatchThreshold {
		o.mu.Lock()
		rec.NameVerified = true
		o.mu.Unlock()
		o.appendStep(ctx, rec, entities.StatusNameVerified, "sender name matches counterparty", map[string]any{
			"score": nameScore,
		})
		o.markSignificant(rec.Order.ID)
		return
	}

	// Name verification failed: hard block for this order, but release the
	// payment back to PENDING so it can still fund a different order sharing
	// the amount. The failed pairing stays on the record and is never
	// silently retried with a different outcome.
	o.appendStep(ctx, rec, entities.StatusNameMismatch, "sender name does not match counterparty", map[string]any{
		"sender_name":  payment.SenderName,
		"counterparty": rec.Order.CounterpartyName(),
		"score":        nameScore,
	})
	if err := o.store.UnmatchPayment(ctx, payment.TransactionID); err != nil {
		o.logger.ErrorContext(ctx, "Failed to unmatch payment after name mismatch",
			"error", err, "transaction_id", payment.TransactionID)
	}
	if err := o.store.CreateAlert(ctx, entities.Alert{
		Category:      entities.AlertNameMismatch,
		Severity:      entities.AlertSeverityWarning,
		OrderID:       pointy.String(rec.Order.ID),
		TransactionID: pointy.String(payment.TransactionID),
		Message:       "possible fraud or third-party payment: bank match with failed name verification",
	}); err != nil {
		o.logger.ErrorContext(ctx, "Failed to create name-mismatch alert", "error", err, "order_id", rec.Order.ID)
	}
	o.appendStep(ctx, rec, entities.StatusManualReview, "routed to manual review after name mismatch", nil)
	o.notifier.Emit(ctx, entities.OutcomeEvent{
		Type:    entities.OutcomeManualRequired,
		OrderID: rec.Order.ID,
		Message: "name verification failed for matched bank payment",
		At:      o.now(),
	})
}

// handleSyncMatched ingests a payment already reconciled by an external
// sync. It is matched when possible but never flagged third-party.
func (o *Orchestrator) handleSyncMatched(ctx context.Context, ev entities.PaymentEvent) {
	payment := entities.Payment{
		TransactionID: ev.TransactionID,
		Amount:        ev.Amount,
		SenderName:    ev.SenderName,
		Currency:      ev.Currency,
		Status:        entities.PaymentPending,
		ReceivedAt:    ev.Timestamp,
	}
	if err := o.store.UpsertPayment(ctx, payment); err != nil {
		o.logger.ErrorContext(ctx, "Failed to persist synced payment", "error", err, "transaction_id", ev.TransactionID)
		return
	}

	order, err := o.store.FindOrderByAmountAndName(ctx, ev.Amount, ev.SenderName, ports.AmountTolerancePct)
	if err != nil || order == nil {
		if err != nil {
			o.logger.ErrorContext(ctx, "Synced payment lookup failed", "error", err, "transaction_id", ev.TransactionID)
		}
		return
	}

	ok, err := o.store.MatchPayment(ctx, ev.TransactionID, order.ID, "sync")
	if err != nil || !ok {
		return
	}

	rec := o.ensurePending(*order)
	o.attachPayment(ctx, rec, payment, matching.CompareNames(ev.SenderName, order.CounterpartyName()))
	o.CheckReadyForRelease(ctx, order.ID)
}

// HandleChatImage runs optional OCR verification on a receipt screenshot.
func (o *Orchestrator) HandleChatImage(ctx context.Context, ev entities.ChatImageEvent) {
	rec := o.getPending(ev.OrderID)
	if rec == nil {
		detail, err := o.exchange.GetOrderDetail(ctx, ev.OrderID)
		if err != nil {
			o.logger.ErrorContext(ctx, "Cannot resolve order for receipt", "error", err, "order_id", ev.OrderID)
			return
		}
		rec = o.ensurePending(*detail)
	}

	o.mu.Lock()
	rec.ReceiptURL = ev.ImageURL
	expectedAmount := rec.Order.ExpectedAmount
	counterparty := rec.Order.CounterpartyName()
	o.mu.Unlock()

	if o.ocr == nil {
		return
	}

	result, err := o.ocr.Extract(ctx, ev.ImageURL)
	if err != nil {
		// OCR is advisory; a failed extraction degrades this signal only.
		o.logger.ErrorContext(ctx, "Receipt extraction failed", "error", err, "order_id", ev.OrderID)
		o.CheckReadyForRelease(ctx, ev.OrderID)
		return
	}

	verification := o.ocr.Verify(result, expectedAmount, counterparty)

	o.mu.Lock()
	rec.OCRVerified = verification.Verified
	rec.OCRConfidence = verification.Confidence
	status := rec.Status
	o.mu.Unlock()

	o.appendStep(ctx, rec, status, "receipt OCR verification", map[string]any{
		"verified":   verification.Verified,
		"confidence": verification.Confidence,
		"issues":     verification.Issues,
	})

	if verification.Verified {
		o.markSignificant(ev.OrderID)
	}

	o.CheckReadyForRelease(ctx, ev.OrderID)
}

// HandleReversal purges all bookkeeping for the order matched to the
// reversed bank transaction and withdraws any still-queued release.
func (o *Orchestrator) HandleReversal(ctx context.Context, ev entities.PaymentEvent) {
	o.logger.Warn("Bank payment reversed", "transaction_id", ev.TransactionID)

	var orderID string
	payment, err := o.store.FindPaymentByTransactionID(ctx, ev.TransactionID)
	if err != nil {
		o.logger.ErrorContext(ctx, "Reversed payment lookup failed", "error", err, "transaction_id", ev.TransactionID)
	} else if payment != nil && payment.MatchedOrderID != nil {
		orderID = *payment.MatchedOrderID
	}
	if orderID == "" {
		// Fall back to the in-memory records when the store lags behind.
		o.mu.Lock()
		for id, rec := range o.pending {
			if rec.Payment != nil && rec.Payment.TransactionID == ev.TransactionID {
				orderID = id
				break
			}
		}
		o.mu.Unlock()
	}

	if err := o.store.UpdatePaymentStatus(ctx, ev.TransactionID, entities.PaymentReversed); err != nil {
		// A reversal of an already RELEASED payment is unrecoverable here
		// and needs a human immediately.
		o.logger.ErrorContext(ctx, "Failed to mark payment reversed", "error", err, "transaction_id", ev.TransactionID)
	}

	severity := entities.AlertSeverityWarning
	if payment != nil && payment.Status == entities.PaymentReleased {
		severity = entities.AlertSeverityCritical
	}
	if err := o.store.CreateAlert(ctx, entities.Alert{
		Category:      entities.AlertPaymentReversed,
		Severity:      severity,
		TransactionID: pointy.String(ev.TransactionID),
		OrderID:       optionalID(orderID),
		Message:       "bank payment reversed",
	}); err != nil {
		o.logger.ErrorContext(ctx, "Failed to create reversal alert", "error", err, "transaction_id", ev.TransactionID)
	}

	if orderID == "" {
		return
	}

	o.queue.Remove(orderID)
	o.purge(orderID)

	if err := o.store.AppendVerificationStep(ctx, orderID, entities.StatusManualReview,
		"bank payment reversed, auto-release withdrawn", map[string]any{"transaction_id": ev.TransactionID}); err != nil {
		o.logger.ErrorContext(ctx, "Failed to append reversal step", "error", err, "order_id", orderID)
	}

	o.notifier.Emit(ctx, entities.OutcomeEvent{
		Type:    entities.OutcomeManualRequired,
		OrderID: orderID,
		Message: "matched bank payment was reversed",
		Details: map[string]any{"transaction_id": ev.TransactionID},
		At:      o.now(),
	})
}

func (o *Orchestrator) handleOrderClosed(ctx context.Context, ev entities.OrderEvent) {
	orderID := ev.Order.ID

	if err := o.store.UpsertOrder(ctx, ev.Order); err != nil {
		o.logger.ErrorContext(ctx, "Failed to mirror closed order", "error", err, "order_id", orderID)
	}

	rec := o.getPending(orderID)
	if rec == nil {
		return
	}

	if ev.Type == entities.OrderEventReleased {
		// Released outside the engine, e.g. manually in the exchange UI.
		// The double-spend guard still needs the payment marked consumed.
		if txID := rec.BankTransactionID(); txID != "" {
			if _, err := o.store.MarkPaymentReleased(ctx, txID, orderID); err != nil {
				o.logger.ErrorContext(ctx, "Failed to mark externally released payment", "error", err, "transaction_id", txID)
			}
		}
		o.appendStep(ctx, rec, entities.StatusReleased, "order released on exchange", nil)
	}

	o.queue.Remove(orderID)
	o.purge(orderID)
}

// RegisterOrderForRelease registers an order whose bank transaction is
// already known, e.g. handed over by an upstream trading flow. The payment
// goes through the same match and verification path as a webhook-delivered
// one; nothing skips the gates.
func (o *Orchestrator) RegisterOrderForRelease(ctx context.Context, order entities.Order, bankTransactionID string) error {
	if err := o.store.UpsertOrder(ctx, order); err != nil {
		o.logger.ErrorContext(ctx, "Failed to mirror registered order", "error", err, "order_id", order.ID)
	}

	rec := o.ensurePending(order)

	if bankTransactionID == "" {
		o.CheckReadyForRelease(ctx, order.ID)
		return nil
	}

	payment, err := o.store.FindPaymentByTransactionID(ctx, bankTransactionID)
	if err != nil {
		return fmt.Errorf("bank transaction lookup failed: %w", err)
	}
	if payment == nil {
		return fmt.Errorf("unknown bank transaction %s", bankTransactionID)
	}

	ok, err := o.store.MatchPayment(ctx, bankTransactionID, order.ID, "registered")
	if err != nil {
		return fmt.Errorf("failed to match bank transaction %s: %w", bankTransactionID, err)
	}
	if !ok {
		return fmt.Errorf("bank transaction %s is no longer matchable", bankTransactionID)
	}

	o.attachPayment(ctx, rec, *payment, matching.CompareNames(payment.SenderName, order.CounterpartyName()))
	o.markSignificant(order.ID)
	o.CheckReadyForRelease(ctx, order.ID)

	return nil
}

// ManualApprove is the human override: it queues the order for release even
// when name verification has not passed. The double-spend guard still
// applies at execution time.
func (o *Orchestrator) ManualApprove(ctx context.Context, orderID string) error {
	rec := o.getPending(orderID)
	if rec == nil {
		return fmt.Errorf("no pending release for order %s", orderID)
	}

	o.mu.Lock()
	rec.ManualApproved = true
	o.mu.Unlock()

	o.logger.Warn("Manual approval applied", "order_id", orderID)
	o.appendStep(ctx, rec, entities.StatusReadyToRelease, "manually approved for release", nil)
	o.markSignificant(orderID)
	o.CheckReadyForRelease(ctx, orderID)

	return nil
}

// CheckReadyForRelease evaluates the release gates for an order. Evaluation
// is throttled to once per window per order to collapse event bursts;
// significant state changes (name verification, manual approval) clear the
// throttle. Each distinct blocking reason is logged once per order.
func (o *Orchestrator) CheckReadyForRelease(ctx context.Context, orderID string) {
	o.mu.Lock()
	rec, ok := o.pending[orderID]
	if !ok {
		o.mu.Unlock()
		return
	}
	if last, checked := o.lastCheck[orderID]; checked && o.now().Sub(last) < ports.ReadinessThrottle {
		o.mu.Unlock()
		return
	}
	o.lastCheck[orderID] = o.now()
	order := rec.Order
	txID := rec.BankTransactionID()
	nameVerified := rec.NameVerified
	manualApproved := rec.ManualApproved
	ocrVerified := rec.OCRVerified
	o.mu.Unlock()

	if !o.cfg.EnableAutoRelease {
		o.blockedOnce(orderID, "auto-release disabled")
		return
	}

	if o.cfg.MaxAutoReleaseAmount > 0 && order.ExpectedAmount > o.cfg.MaxAutoReleaseAmount {
		o.blockedOnce(orderID, fmt.Sprintf("amount %.2f above auto-release maximum %.2f",
			order.ExpectedAmount, o.cfg.MaxAutoReleaseAmount))
		return
	}

	assessment := o.risk.Assess(ctx, order)
	o.mu.Lock()
	rec.RiskAssessment = assessment
	o.mu.Unlock()
	if !assessment.Passed {
		if o.blockedOnce(orderID, "buyer risk check failed") {
			o.appendStep(ctx, rec, entities.StatusManualReview, "buyer risk check failed", map[string]any{
				"failed_criteria": assessment.FailedCriteria,
			})
			if err := o.store.CreateAlert(ctx, entities.Alert{
				Category: entities.AlertRiskCheckFailed,
				Severity: entities.AlertSeverityWarning,
				OrderID:  pointy.String(orderID),
				Message:  "buyer risk check failed",
				Details:  map[string]any{"failed_criteria": assessment.FailedCriteria},
			}); err != nil {
				o.logger.ErrorContext(ctx, "Failed to create risk alert", "error", err, "order_id", orderID)
			}
			o.notifier.Emit(ctx, entities.OutcomeEvent{
				Type:    entities.OutcomeManualRequired,
				OrderID: orderID,
				Message: "buyer risk check failed",
				Details: map[string]any{"failed_criteria": assessment.FailedCriteria},
				At:      o.now(),
			})
		}
		return
	}

	if o.cfg.RequireBankMatch {
		if txID == "" {
			o.blockedOnce(orderID, "no bank transaction matched")
			return
		}
		// Hard gate: a bank match with a failed name check never releases
		// automatically. Only the explicit human override bypasses it.
		if !nameVerified && !manualApproved {
			o.blockedOnce(orderID, "counterparty name not verified")
			return
		}
	}

	if o.cfg.RequireOCRVerification && !ocrVerified {
		o.blockedOnce(orderID, "receipt not verified by OCR")
		return
	}

	o.enqueueRelease(ctx, rec)
}

func (o *Orchestrator) enqueueRelease(ctx context.Context, rec *entities.PendingRelease) {
	orderID := rec.Order.ID
	if !o.queue.Enqueue(orderID) {
		return
	}

	o.mu.Lock()
	rec.QueuedAt = o.now()
	txID := rec.BankTransactionID()
	o.mu.Unlock()

	o.appendStep(ctx, rec, entities.StatusReadyToRelease, "all release checks passed", map[string]any{
		"transaction_id": txID,
	})
}

// ExecuteRelease performs one release attempt. Called by the release queue
// worker; at most one attempt executes at a time across all orders.
func (o *Orchestrator) ExecuteRelease(ctx context.Context, orderID string) {
	rec := o.getPending(orderID)
	if rec == nil {
		o.logger.Info("Skipping release of purged order", "order_id", orderID)
		return
	}
	o.mu.Lock()
	txID := rec.BankTransactionID()
	manualApproved := rec.ManualApproved
	o.mu.Unlock()

	if txID != "" {
		status, err := o.store.IsAlreadyReleased(ctx, txID)
		if err != nil {
			// Never release without a working double-spend guard.
			o.failAttempt(ctx, rec, fmt.Errorf("double-spend check unavailable: %w", err))
			return
		}
		if status.Released && status.OrderID != orderID {
			o.blockDoubleSpend(ctx, rec, txID, status)
			return
		}
	} else if o.cfg.RequireBankMatch && !manualApproved {
		o.logger.Warn("Refusing release without bank transaction", "order_id", orderID)
		return
	}

	// The order may have moved concurrently (appeal, cancellation, manual
	// release); re-confirm before the irreversible call.
	detail, err := o.exchange.GetOrderDetail(ctx, orderID)
	if err != nil {
		o.failAttempt(ctx, rec, fmt.Errorf("order re-confirmation failed: %w", err))
		return
	}
	switch detail.Status {
	case entities.OrderStatusBuyerPaid, entities.OrderStatusAwaitingRelease:
		// still awaiting release
	case entities.OrderStatusReleased:
		o.logger.Info("Order already released on exchange", "order_id", orderID)
		if txID != "" {
			if _, err = o.store.MarkPaymentReleased(ctx, txID, orderID); err != nil {
				o.logger.ErrorContext(ctx, "Failed to mark payment for externally released order", "error", err, "transaction_id", txID)
			}
		}
		o.purge(orderID)
		return
	default:
		o.logger.Info("Order no longer awaiting release, skipping",
			"order_id", orderID, "status", detail.Status)
		o.purge(orderID)
		return
	}

	code, err := o.totp.Next(ctx)
	if err != nil {
		o.failAttempt(ctx, rec, fmt.Errorf("2fa code unavailable: %w", err))
		return
	}

	if err = o.exchange.Release(ctx, orderID, o.cfg.AuthType, code); err != nil {
		o.failAttempt(ctx, rec, err)
		return
	}

	o.finishRelease(ctx, rec, txID)
}

func (o *Orchestrator) finishRelease(ctx context.Context, rec *entities.PendingRelease, txID string) {
	orderID := rec.Order.ID

	if txID != "" {
		released, err := o.store.MarkPaymentReleased(ctx, txID, orderID)
		if err != nil {
			o.logger.ErrorContext(ctx, "Failed to mark payment released", "error", err, "transaction_id", txID)
		} else if !released {
			// The CAS lost: the transaction was consumed between the guard
			// check and our release. The escrow is out; flag it loudly.
			if alertErr := o.store.CreateAlert(ctx, entities.Alert{
				Category:      entities.AlertDoubleSpend,
				Severity:      entities.AlertSeverityCritical,
				OrderID:       pointy.String(orderID),
				TransactionID: pointy.String(txID),
				Message:       "release completed with an already-consumed bank transaction",
			}); alertErr != nil {
				o.logger.ErrorContext(ctx, "Failed to create double-spend alert", "error", alertErr, "order_id", orderID)
			}
		}
	}

	o.appendStep(ctx, rec, entities.StatusReleased, "escrow released", map[string]any{
		"transaction_id": txID,
	})

	if rec.Order.UserID != "" {
		if err := o.store.IncrementTrustedStats(ctx, rec.Order.UserID, rec.Order.Nickname, rec.Order.ExpectedAmount); err != nil {
			o.logger.ErrorContext(ctx, "Failed to update trusted buyer stats", "error", err, "user_id", rec.Order.UserID)
		}
	}

	o.notifier.Emit(ctx, entities.OutcomeEvent{
		Type:    entities.OutcomeReleaseSuccess,
		OrderID: orderID,
		Message: "escrow released automatically",
		Details: map[string]any{"transaction_id": txID, "amount": rec.Order.ExpectedAmount},
		At:      o.now(),
	})

	o.logger.Info("Auto-release completed",
		"order_id", orderID, "transaction_id", txID, "amount", rec.Order.ExpectedAmount)

	o.purge(orderID)
}

func (o *Orchestrator) blockDoubleSpend(ctx context.Context, rec *entities.PendingRelease, txID string, status *ports.ReleaseStatus) {
	orderID := rec.Order.ID

	o.logger.Error("Double-spend attempt blocked",
		"order_id", orderID, "transaction_id", txID, "released_for_order", status.OrderID)

	if err := o.store.CreateAlert(ctx, entities.Alert{
		Category:      entities.AlertDoubleSpend,
		Severity:      entities.AlertSeverityCritical,
		OrderID:       pointy.String(orderID),
		TransactionID: pointy.String(txID),
		Message:       fmt.Sprintf("bank transaction already funded a release for order %s", status.OrderID),
	}); err != nil {
		o.logger.ErrorContext(ctx, "Failed to create double-spend alert", "error", err, "order_id", orderID)
	}

	o.notifier.Emit(ctx, entities.OutcomeEvent{
		Type:    entities.OutcomeDoubleSpendBlocked,
		OrderID: orderID,
		Message: "release aborted: bank transaction already consumed",
		Details: map[string]any{"transaction_id": txID, "released_for_order": status.OrderID},
		At:      o.now(),
	})

	o.queue.Remove(orderID)
	o.purge(orderID)
}

func (o *Orchestrator) failAttempt(ctx context.Context, rec *entities.PendingRelease, cause error) {
	orderID := rec.Order.ID

	o.mu.Lock()
	rec.Attempts++
	attempts := rec.Attempts
	o.mu.Unlock()

	o.logger.ErrorContext(ctx, "Release attempt failed",
		"error", cause, "order_id", orderID, "attempt", attempts)

	if attempts < ports.MaxReleaseAttempts {
		// Wait out the current 2FA window so the retry gets a fresh code.
		// The wait suspends only this order; the queue worker moves on.
		go func() {
			if err := o.totp.WaitNextWindow(ctx); err != nil {
				return
			}
			o.queue.Enqueue(orderID)
		}()
		return
	}

	if err := o.store.CreateAlert(ctx, entities.Alert{
		Category: entities.AlertReleaseFailed,
		Severity: entities.AlertSeverityCritical,
		OrderID:  pointy.String(orderID),
		Message:  fmt.Sprintf("release failed after %d attempts: %v", attempts, cause),
	}); err != nil {
		o.logger.ErrorContext(ctx, "Failed to create release-failed alert", "error", err, "order_id", orderID)
	}
	o.appendStep(ctx, rec, entities.StatusManualReview, "release failed, manual intervention required", map[string]any{
		"attempts": attempts,
		"error":    cause.Error(),
	})

	o.notifier.Emit(ctx, entities.OutcomeEvent{
		Type:    entities.OutcomeReleaseFailed,
		OrderID: orderID,
		Message: fmt.Sprintf("release failed after %d attempts", attempts),
		At:      o.now(),
	})
	o.notifier.Emit(ctx, entities.OutcomeEvent{
		Type:    entities.OutcomeManualRequired,
		OrderID: orderID,
		Message: "release requires manual intervention",
		At:      o.now(),
	})
}

// --- registry helpers ---

// ensurePending returns the order's reconciliation record, creating it on
// the first payment-relevant event. An existing record keeps every field a
// prior event already set; only the order snapshot is refreshed.
func (o *Orchestrator) ensurePending(order entities.Order) *entities.PendingRelease {
	o.mu.Lock()
	defer o.mu.Unlock()

	rec, ok := o.pending[order.ID]
	if !ok {
		rec = &entities.PendingRelease{Order: order, Status: entities.StatusAwaitingPayment}
		o.pending[order.ID] = rec
		return rec
	}

	rec.Order.Status = order.Status
	if order.RealName != "" {
		rec.Order.RealName = order.RealName
	}
	if rec.Order.UserID == "" {
		rec.Order.UserID = order.UserID
	}

	return rec
}

func (o *Orchestrator) getPending(orderID string) *entities.PendingRelease {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.pending[orderID]
}

func (o *Orchestrator) purge(orderID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.pending, orderID)
	delete(o.lastCheck, orderID)
	delete(o.blockedLogged, orderID)
	delete(o.inFlight, orderID)
}

// markSignificant clears the readiness throttle so the next evaluation for
// the order runs immediately.
func (o *Orchestrator) markSignificant(orderID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.lastCheck, orderID)
}

func (o *Orchestrator) tryAcquire(orderID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, busy := o.inFlight[orderID]; busy {
		return false
	}
	o.inFlight[orderID] = struct{}{}
	return true
}

func (o *Orchestrator) releaseGuard(orderID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.inFlight, orderID)
}

// blockedOnce logs a blocking reason the first time it occurs for an order.
// Returns true on first occurrence.
func (o *Orchestrator) blockedOnce(orderID, reason string) bool {
	o.mu.Lock()
	reasons, ok := o.blockedLogged[orderID]
	if !ok {
		reasons = make(map[string]struct{})
		o.blockedLogged[orderID] = reasons
	}
	if _, logged := reasons[reason]; logged {
		o.mu.Unlock()
		return false
	}
	reasons[reason] = struct{}{}
	o.mu.Unlock()

	o.logger.Info("Release blocked", "order_id", orderID, "reason", reason)
	return true
}

// appendStep writes one timeline row and advances the in-memory status along
// the partial order. Persistence is best-effort: an audit write failure must
// never change a release determination.
func (o *Orchestrator) appendStep(ctx context.Context, rec *entities.PendingRelease, status entities.VerificationStatus, message string, details map[string]any) {
	o.mu.Lock()
	rec.Status = rec.Status.Advance(status)
	orderID := rec.Order.ID
	o.mu.Unlock()

	if err := o.store.AppendVerificationStep(ctx, orderID, status, message, details); err != nil {
		o.logger.ErrorContext(ctx, "Failed to append verification step",
			"error", err, "order_id", orderID, "status", status)
	}
}

func optionalID(id string) *string {
	if id == "" {
		return nil
	}
	return pointy.String(id)
}
