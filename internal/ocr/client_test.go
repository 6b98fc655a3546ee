package ocr

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/meridianpay/p2p-autorelease/backend/internal/core/ports"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestExtract(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/extract", r.URL.Path)
		require.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "https://img.example/receipt.png", body["image_url"])

		_ = json.NewEncoder(w).Encode(ports.OCRResult{
			Amount:     5000,
			SenderName: "SAIB BRIBIESCA LOPEZ",
			Confidence: 0.92,
		})
	}))
	defer server.Close()

	c := NewClient(testLogger(), server.URL, "test-key", 0.7)

	result, err := c.Extract(context.Background(), "https://img.example/receipt.png")
	require.NoError(t, err)
	require.InDelta(t, 5000, result.Amount, 0.001)
	require.Equal(t, "SAIB BRIBIESCA LOPEZ", result.SenderName)
}

func TestExtractServiceError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer server.Close()

	c := NewClient(testLogger(), server.URL, "", 0.7)

	_, err := c.Extract(context.Background(), "https://img.example/receipt.png")
	require.Error(t, err)
	require.Contains(t, err.Error(), "502")
}

func TestVerifyPasses(t *testing.T) {
	c := NewClient(testLogger(), "http://unused", "", 0.7)

	v := c.Verify(&ports.OCRResult{Amount: 4980, SenderName: "BRIBIESCA/LOPEZ,SAIB", Confidence: 0.9},
		5000, "SAIB BRIBIESCA LOPEZ")
	require.True(t, v.Verified)
	require.Empty(t, v.Issues)
	require.InDelta(t, 0.9, v.Confidence, 0.0001)
}

func TestVerifyLowConfidence(t *testing.T) {
	c := NewClient(testLogger(), "http://unused", "", 0.7)

	v := c.Verify(&ports.OCRResult{Amount: 5000, SenderName: "SAIB BRIBIESCA LOPEZ", Confidence: 0.4},
		5000, "SAIB BRIBIESCA LOPEZ")
	require.False(t, v.Verified)
	require.Len(t, v.Issues, 1)
	require.Contains(t, v.Issues[0], "confidence")
}

func TestVerifyAmountMismatch(t *testing.T) {
	c := NewClient(testLogger(), "http://unused", "", 0.7)

	v := c.Verify(&ports.OCRResult{Amount: 3000, SenderName: "SAIB BRIBIESCA LOPEZ", Confidence: 0.9},
		5000, "SAIB BRIBIESCA LOPEZ")
	require.False(t, v.Verified)
	require.Len(t, v.Issues, 1)
	require.Contains(t, v.Issues[0], "amount")
}

func TestVerifyNameMismatch(t *testing.T) {
	c := NewClient(testLogger(), "http://unused", "", 0.7)

	v := c.Verify(&ports.OCRResult{Amount: 5000, SenderName: "MARIA GARCIA", Confidence: 0.9},
		5000, "SAIB BRIBIESCA LOPEZ")
	require.False(t, v.Verified)
	require.Len(t, v.Issues, 1)
	require.Contains(t, v.Issues[0], "sender")
}

func TestVerifySkipsNameCheckWithoutExpectedName(t *testing.T) {
	c := NewClient(testLogger(), "http://unused", "", 0.7)

	v := c.Verify(&ports.OCRResult{Amount: 5000, SenderName: "ANYONE", Confidence: 0.9}, 5000, "")
	require.True(t, v.Verified)
}
