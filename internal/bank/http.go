package bank

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPClient talks JSON to the ledger service. Every request is authenticated
// with the application id as a bearer token.
type HTTPClient struct {
	endpoint string
	appID    string
	client   *http.Client
}

func NewHTTPClient(endpoint, appID string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		endpoint: strings.TrimRight(endpoint, "/"),
		appID:    appID,
		client:   &http.Client{Timeout: timeout},
	}
}

type balanceResponse struct {
	Balance int64 `json:"balance"`
}

type reserveRequest struct {
	Account
	Amount int64 `json:"amount"`
}

type reserveResponse struct {
	HoldID HoldID `json:"hold_id"`
}

type transferRequest struct {
	HoldID HoldID   `json:"hold_id"`
	Amount int64    `json:"amount,omitempty"`
	Peer   *Account `json:"peer,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (c *HTTPClient) CheckBalance(ctx context.Context, account Account) (int64, error) {
	var res balanceResponse
	if err := c.call(ctx, "/check_balance", account, &res); err != nil {
		return 0, err
	}
	return res.Balance, nil
}

func (c *HTTPClient) Reserve(ctx context.Context, account Account, amount int64) (HoldID, error) {
	var res reserveResponse
	if err := c.call(ctx, "/reserve", reserveRequest{Account: account, Amount: amount}, &res); err != nil {
		return "", err
	}
	if res.HoldID == "" {
		return "", fmt.Errorf("%w: empty hold id", ErrUnavailable)
	}
	return res.HoldID, nil
}

func (c *HTTPClient) Commit(ctx context.Context, hold HoldID, amount int64, to Account) error {
	return c.call(ctx, "/commit", transferRequest{HoldID: hold, Amount: amount, Peer: &to}, nil)
}

func (c *HTTPClient) Cancel(ctx context.Context, hold HoldID) error {
	return c.call(ctx, "/cancel", transferRequest{HoldID: hold}, nil)
}

func (c *HTTPClient) Reverse(ctx context.Context, hold HoldID, amount int64, from Account) error {
	return c.call(ctx, "/reverse", transferRequest{HoldID: hold, Amount: amount, Peer: &from}, nil)
}

func (c *HTTPClient) call(ctx context.Context, path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode %s request: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.appID)
	if key := IdempotencyKey(ctx); key != "" {
		req.Header.Set("Idempotency-Key", key)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrUnavailable, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: %s: reading body: %v", ErrUnavailable, path, err)
	}

	if resp.StatusCode == http.StatusOK {
		if out == nil || len(data) == 0 {
			return nil
		}
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("%w: %s: decoding body: %v", ErrUnavailable, path, err)
		}
		return nil
	}

	return statusError(path, resp.StatusCode, data)
}

// statusError maps a non-200 ledger response onto the gateway error kinds
func statusError(path string, status int, body []byte) error {
	var res errorResponse
	_ = json.Unmarshal(body, &res)
	msg := res.Error
	if msg == "" {
		msg = http.StatusText(status)
	}

	var kind error
	switch {
	case status >= 500 || status == http.StatusTooManyRequests || status == http.StatusRequestTimeout:
		kind = ErrUnavailable
	case status == http.StatusNotFound:
		kind = ErrHoldNotFound
	case status == http.StatusBadRequest && strings.Contains(msg, ErrInsufficientFunds.Error()):
		kind = ErrInsufficientFunds
	default:
		kind = ErrRejected
	}
	return fmt.Errorf("%w: %s: %d %s", kind, path, status, msg)
}

var _ Gateway = (*HTTPClient)(nil)
var _ Gateway = (*Simulated)(nil)
