// Package handlers exposes the HTTP surface of the engine: the bank webhook
// ingester and a health endpoint.
package handlers

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/meridianpay/p2p-autorelease/backend/internal/entities"
)

// WebhookHandler normalizes bank notifications into payment events.
type WebhookHandler struct {
	logger *slog.Logger
	secret string
	events chan<- entities.Event
}

func NewWebhookHandler(logger *slog.Logger, secret string, events chan<- entities.Event) *WebhookHandler {
	return &WebhookHandler{logger: logger, secret: secret, events: events}
}

// RegisterRoutes attaches the webhook endpoints to the router.
func (h *WebhookHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/webhooks/bank", h.handleBankWebhook).Methods(http.MethodPost)
	router.HandleFunc("/health", h.handleHealth).Methods(http.MethodGet)
}

// bankNotification covers the field spellings of the bank providers we
// ingest from; normalization maps them onto one payment event.
type bankNotification struct {
	Type          string  `json:"type"`
	TransactionID string  `json:"transaction_id"`
	Reference     string  `json:"reference"` // some providers send the id as "reference"
	Amount        float64 `json:"amount"`
	SenderName    string  `json:"sender_name"`
	Payer         string  `json:"payer"` // alternate sender field
	Currency      string  `json:"currency"`
	Timestamp     string  `json:"timestamp"`
}

func (h *WebhookHandler) handleBankWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	if !h.verifySignature(r.Header.Get("X-Signature"), body) {
		h.logger.Warn("Rejected webhook with bad signature", "remote", r.RemoteAddr)
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	var notification bankNotification
	if err = json.Unmarshal(body, &notification); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	event, ok := h.normalize(notification)
	if !ok {
		http.Error(w, "unrecognized notification", http.StatusUnprocessableEntity)
		return
	}

	h.logger.InfoContext(r.Context(), "Bank notification received",
		"type", event.Type, "transaction_id", event.TransactionID, "amount", event.Amount)

	select {
	case h.events <- event:
	case <-r.Context().Done():
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

func (h *WebhookHandler) verifySignature(signature string, body []byte) bool {
	if h.secret == "" {
		// Signature checking disabled, e.g. behind a trusted proxy.
		return true
	}
	mac := hmac.New(sha256.New, []byte(h.secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(strings.ToLower(signature)), []byte(expected))
}

func (h *WebhookHandler) normalize(n bankNotification) (entities.PaymentEvent, bool) {
	txID := n.TransactionID
	if txID == "" {
		txID = n.Reference
	}
	if txID == "" {
		return entities.PaymentEvent{}, false
	}

	sender := n.SenderName
	if sender == "" {
		sender = n.Payer
	}

	eventType := entities.PaymentEventPayment
	switch strings.ToLower(n.Type) {
	case "payment", "transfer", "deposit", "":
	case "reversal", "chargeback", "refund":
		eventType = entities.PaymentEventReversal
	default:
		return entities.PaymentEvent{}, false
	}

	timestamp := time.Now()
	if n.Timestamp != "" {
		if parsed, err := time.Parse(time.RFC3339, n.Timestamp); err == nil {
			timestamp = parsed
		}
	}

	return entities.PaymentEvent{
		Type:          eventType,
		TransactionID: txID,
		Amount:        n.Amount,
		SenderName:    sender,
		Currency:      n.Currency,
		Timestamp:     timestamp,
	}, true
}

func (h *WebhookHandler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
