package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/meridianpay/p2p-autorelease/backend/internal/entities"
)

// ReleaseApprover is the operator surface of the orchestrator: manual
// overrides and direct order registration.
type ReleaseApprover interface {
	ManualApprove(ctx context.Context, orderID string) error
	RegisterOrderForRelease(ctx context.Context, order entities.Order, bankTransactionID string) error
}

// TimelineReader fetches the persisted verification timeline of an order.
type TimelineReader interface {
	GetVerificationTimeline(ctx context.Context, orderID string) ([]entities.VerificationStep, error)
}

// AdminHandler exposes operator endpoints: manual release approval and the
// per-order verification timeline.
type AdminHandler struct {
	logger   *slog.Logger
	approver ReleaseApprover
	timeline TimelineReader
}

func NewAdminHandler(logger *slog.Logger, approver ReleaseApprover, timeline TimelineReader) *AdminHandler {
	return &AdminHandler{logger: logger, approver: approver, timeline: timeline}
}

func (h *AdminHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/admin/orders/{id}/approve", h.handleApprove).Methods(http.MethodPost)
	router.HandleFunc("/admin/orders/register", h.handleRegister).Methods(http.MethodPost)
	router.HandleFunc("/orders/{id}/timeline", h.handleTimeline).Methods(http.MethodGet)
}

type registerOrderRequest struct {
	Order         entities.Order `json:"order"`
	TransactionID string         `json:"transaction_id"`
}

func (h *AdminHandler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Order.ID == "" {
		http.Error(w, "order id is required", http.StatusUnprocessableEntity)
		return
	}

	if err := h.approver.RegisterOrderForRelease(r.Context(), req.Order, req.TransactionID); err != nil {
		h.logger.Warn("Order registration rejected", "order_id", req.Order.ID, "error", err)
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}

	h.logger.InfoContext(r.Context(), "Order registered for release", "order_id", req.Order.ID, "transaction_id", req.TransactionID)

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "registered", "order_id": req.Order.ID})
}

func (h *AdminHandler) handleApprove(w http.ResponseWriter, r *http.Request) {
	orderID := mux.Vars(r)["id"]

	if err := h.approver.ManualApprove(r.Context(), orderID); err != nil {
		h.logger.Warn("Manual approval rejected", "order_id", orderID, "error", err)
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	h.logger.InfoContext(r.Context(), "Manual approval accepted", "order_id", orderID)

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "approved", "order_id": orderID})
}

func (h *AdminHandler) handleTimeline(w http.ResponseWriter, r *http.Request) {
	orderID := mux.Vars(r)["id"]

	steps, err := h.timeline.GetVerificationTimeline(r.Context(), orderID)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "Failed to load verification timeline", "error", err, "order_id", orderID)
		http.Error(w, "failed to load timeline", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(steps)
}
