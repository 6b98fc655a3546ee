package handlers

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"

	"github.com/meridianpay/p2p-autorelease/backend/internal/entities"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newWebhookServer(secret string, events chan entities.Event) *httptest.Server {
	router := mux.NewRouter()
	NewWebhookHandler(testLogger(), secret, events).RegisterRoutes(router)
	return httptest.NewServer(router)
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func postWebhook(t *testing.T, server *httptest.Server, body []byte, signature string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, server.URL+"/webhooks/bank", bytes.NewReader(body))
	require.NoError(t, err)
	if signature != "" {
		req.Header.Set("X-Signature", signature)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestBankWebhookAccepted(t *testing.T) {
	events := make(chan entities.Event, 1)
	server := newWebhookServer("shh", events)
	defer server.Close()

	body := []byte(`{"type":"payment","transaction_id":"tx-1","amount":5000,"sender_name":"SAIB BRIBIESCA LOPEZ","currency":"MXN","timestamp":"2026-08-30T12:00:00Z"}`)
	resp := postWebhook(t, server, body, sign("shh", body))
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	ev := (<-events).(entities.PaymentEvent)
	require.Equal(t, entities.PaymentEventPayment, ev.Type)
	require.Equal(t, "tx-1", ev.TransactionID)
	require.InDelta(t, 5000, ev.Amount, 0.001)
	require.Equal(t, "SAIB BRIBIESCA LOPEZ", ev.SenderName)
	require.Equal(t, 2026, ev.Timestamp.Year())
}

func TestBankWebhookRejectsBadSignature(t *testing.T) {
	events := make(chan entities.Event, 1)
	server := newWebhookServer("shh", events)
	defer server.Close()

	body := []byte(`{"transaction_id":"tx-1","amount":5000}`)
	resp := postWebhook(t, server, body, "deadbeef")
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Empty(t, events)
}

func TestBankWebhookSignatureDisabledWithoutSecret(t *testing.T) {
	events := make(chan entities.Event, 1)
	server := newWebhookServer("", events)
	defer server.Close()

	body := []byte(`{"transaction_id":"tx-1","amount":100,"sender_name":"X Y"}`)
	resp := postWebhook(t, server, body, "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Len(t, events, 1)
}

func TestBankWebhookNormalizesAlternateFields(t *testing.T) {
	events := make(chan entities.Event, 1)
	server := newWebhookServer("", events)
	defer server.Close()

	// Some providers send "reference" and "payer" instead.
	body := []byte(`{"type":"transfer","reference":"ref-7","amount":1200,"payer":"LUIS TORRES"}`)
	resp := postWebhook(t, server, body, "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	ev := (<-events).(entities.PaymentEvent)
	require.Equal(t, entities.PaymentEventPayment, ev.Type)
	require.Equal(t, "ref-7", ev.TransactionID)
	require.Equal(t, "LUIS TORRES", ev.SenderName)
}

func TestBankWebhookNormalizesReversal(t *testing.T) {
	events := make(chan entities.Event, 1)
	server := newWebhookServer("", events)
	defer server.Close()

	body := []byte(`{"type":"chargeback","transaction_id":"tx-1","amount":5000}`)
	resp := postWebhook(t, server, body, "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	ev := (<-events).(entities.PaymentEvent)
	require.Equal(t, entities.PaymentEventReversal, ev.Type)
}

func TestBankWebhookRejectsUnknownType(t *testing.T) {
	events := make(chan entities.Event, 1)
	server := newWebhookServer("", events)
	defer server.Close()

	body := []byte(`{"type":"balance_inquiry","transaction_id":"tx-1"}`)
	resp := postWebhook(t, server, body, "")
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	require.Empty(t, events)
}

func TestBankWebhookRejectsMissingTransactionID(t *testing.T) {
	events := make(chan entities.Event, 1)
	server := newWebhookServer("", events)
	defer server.Close()

	body := []byte(`{"type":"payment","amount":5000}`)
	resp := postWebhook(t, server, body, "")
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestBankWebhookRejectsMalformedJSON(t *testing.T) {
	events := make(chan entities.Event, 1)
	server := newWebhookServer("", events)
	defer server.Close()

	resp := postWebhook(t, server, []byte(`{nope`), "")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealthEndpoint(t *testing.T) {
	server := newWebhookServer("", make(chan entities.Event, 1))
	defer server.Close()

	resp, err := http.Get(server.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
