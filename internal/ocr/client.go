// Package ocr talks to the receipt extraction service and verifies
// extractions against an order's expected amount and counterparty name.
package ocr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/meridianpay/p2p-autorelease/backend/internal/core/ports"
	"github.com/meridianpay/p2p-autorelease/backend/internal/matching"
)

// Client calls the external OCR extraction service.
type Client struct {
	logger        *slog.Logger
	baseURL       string
	apiKey        string
	minConfidence float64
	client        *http.Client
}

func NewClient(logger *slog.Logger, baseURL, apiKey string, minConfidence float64) *Client {
	return &Client{
		logger:        logger,
		baseURL:       baseURL,
		apiKey:        apiKey,
		minConfidence: minConfidence,
		client:        &http.Client{Timeout: 30 * time.Second},
	}
}

// Extract sends the receipt image URL to the OCR service and returns the
// extracted amount, sender name, and extraction confidence.
func (c *Client) Extract(ctx context.Context, imageURL string) (*ports.OCRResult, error) {
	payload, err := json.Marshal(map[string]string{"image_url": imageURL})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal OCR request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/extract", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create OCR request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("OCR request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("OCR service returned status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	var result ports.OCRResult
	if err = json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode OCR response: %w", err)
	}

	c.logger.InfoContext(ctx, "Receipt extracted",
		"amount", result.Amount, "sender", result.SenderName, "confidence", result.Confidence)

	return &result, nil
}

// Verify checks an extraction against the order's expected amount and
// counterparty name. Verification is advisory: it can add confidence to a
// release decision but the bank match and name gate stay authoritative.
func (c *Client) Verify(result *ports.OCRResult, expectedAmount float64, expectedName string) *ports.OCRVerification {
	v := &ports.OCRVerification{Confidence: result.Confidence}

	if result.Confidence < c.minConfidence {
		v.Issues = append(v.Issues, fmt.Sprintf("extraction confidence %.2f below minimum %.2f", result.Confidence, c.minConfidence))
	}

	if !matching.AmountWithinTolerance(result.Amount, expectedAmount, ports.AmountTolerancePct) {
		v.Issues = append(v.Issues, fmt.Sprintf("receipt amount %.2f does not match expected %.2f", result.Amount, expectedAmount))
	}

	if expectedName != "" {
		if score := matching.CompareNames(result.SenderName, expectedName); score <= matching.NameMatchThreshold {
			v.Issues = append(v.Issues, fmt.Sprintf("receipt sender %q does not match counterparty (score %.2f)", result.SenderName, score))
		}
	}

	v.Verified = len(v.Issues) == 0

	return v
}
