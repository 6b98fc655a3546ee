// Package exchange wraps the P2P trading API of the exchange: signed HTTP
// calls for order detail, counterparty stats, and escrow release, plus the
// websocket stream of order and chat events.
package exchange

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/meridianpay/p2p-autorelease/backend/internal/entities"
)

const requestTimeout = 10 * time.Second

// Client is the signed HTTP client for the exchange trading API.
type Client struct {
	logger    *slog.Logger
	baseURL   string
	apiKey    string
	apiSecret string
	client    *http.Client
}

func NewClient(logger *slog.Logger, baseURL, apiKey, apiSecret string) *Client {
	return &Client{
		logger:    logger,
		baseURL:   baseURL,
		apiKey:    apiKey,
		apiSecret: apiSecret,
		client:    &http.Client{Timeout: requestTimeout},
	}
}

// sign computes the request signature: HMAC-SHA256 over
// timestamp + method + path + body with the API secret.
func (c *Client) sign(timestamp, method, path string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(c.apiSecret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte(method))
	mac.Write([]byte(path))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (c *Client) do(ctx context.Context, method, path string, payload, out any) error {
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", c.apiKey)
	req.Header.Set("X-Timestamp", timestamp)
	req.Header.Set("X-Signature", c.sign(timestamp, method, path, body))

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("exchange request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("exchange API returned status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	if out != nil {
		if err = json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode exchange response: %w", err)
		}
	}

	return nil
}

// GetOrderDetail fetches a single order, including the counterparty's
// KYC-verified real name when the exchange exposes it.
func (c *Client) GetOrderDetail(ctx context.Context, orderID string) (*entities.Order, error) {
	var out struct {
		Order entities.Order `json:"order"`
	}
	if err := c.do(ctx, http.MethodGet, "/p2p/orders/"+orderID, nil, &out); err != nil {
		return nil, err
	}

	return &out.Order, nil
}

// ListPendingOrders returns our open P2P orders.
func (c *Client) ListPendingOrders(ctx context.Context) ([]entities.Order, error) {
	var out struct {
		Orders []entities.Order `json:"orders"`
	}
	if err := c.do(ctx, http.MethodGet, "/p2p/orders?status=open", nil, &out); err != nil {
		return nil, err
	}

	return out.Orders, nil
}

// GetCounterpartyStats fetches trailing trust statistics for a counterparty
// by immutable user id.
func (c *Client) GetCounterpartyStats(ctx context.Context, userID string) (*entities.CounterpartyStats, error) {
	var out entities.CounterpartyStats
	if err := c.do(ctx, http.MethodGet, "/p2p/users/"+userID+"/stats", nil, &out); err != nil {
		return nil, err
	}

	return &out, nil
}

// Release confirms the escrow release for an order with a one-time 2FA code.
// This call is irreversible on success.
func (c *Client) Release(ctx context.Context, orderID, authType, code string) error {
	payload := map[string]string{
		"order_id":  orderID,
		"auth_type": authType,
		"code":      code,
	}

	var out struct {
		OK      bool   `json:"ok"`
		Message string `json:"message"`
	}
	if err := c.do(ctx, http.MethodPost, "/p2p/orders/"+orderID+"/release", payload, &out); err != nil {
		return err
	}
	if !out.OK {
		return fmt.Errorf("exchange rejected release: %s", out.Message)
	}

	c.logger.InfoContext(ctx, "Escrow released on exchange", "order_id", orderID, "auth_type", authType)

	return nil
}
