// Package payments talks to the external payment processor that moves real money.
package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ErrDeclined is returned when the processor refused the operation.
var ErrDeclined = errors.New("payment declined")

// Processor charges and pays out users. Reference is the idempotency key.
type Processor interface {
	Charge(ctx context.Context, userID uuid.UUID, amount decimal.Decimal, reference string) (string, error)
	Payout(ctx context.Context, userID uuid.UUID, amount decimal.Decimal, reference string) (string, error)
}

// HTTPProcessor is the processor's JSON API client.
type HTTPProcessor struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewHTTPProcessor creates a new processor client
func NewHTTPProcessor(baseURL, apiKey string, timeout time.Duration) *HTTPProcessor {
	return &HTTPProcessor{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// OperationRequest is the body of a charge or payout call
type OperationRequest struct {
	UserID    string `json:"user_id"`
	Amount    string `json:"amount"`
	Currency  string `json:"currency"`
	Reference string `json:"reference"`
}

// OperationResponse is the processor's answer
type OperationResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

func (p *HTTPProcessor) Charge(ctx context.Context, userID uuid.UUID, amount decimal.Decimal, reference string) (string, error) {
	return p.do(ctx, "/v1/charges", userID, amount, reference)
}

func (p *HTTPProcessor) Payout(ctx context.Context, userID uuid.UUID, amount decimal.Decimal, reference string) (string, error) {
	return p.do(ctx, "/v1/payouts", userID, amount, reference)
}

func (p *HTTPProcessor) do(ctx context.Context, path string, userID uuid.UUID, amount decimal.Decimal, reference string) (string, error) {
	data, err := json.Marshal(OperationRequest{
		UserID:    userID.String(),
		Amount:    amount.StringFixed(2),
		Currency:  "USD",
		Reference: reference,
	})
	if err != nil {
		return "", err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-API-Key", p.apiKey)
	httpReq.Header.Set("Idempotency-Key", reference)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("payment processor unreachable: %w", err)
	}
	defer resp.Body.Close()

	var result OperationResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusPaymentRequired || result.Status == "declined":
		return "", fmt.Errorf("%w: %s", ErrDeclined, result.Reason)
	case resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated:
		return "", fmt.Errorf("payment processor failed with status: %d", resp.StatusCode)
	case result.Status != "succeeded":
		return "", fmt.Errorf("payment processor returned status %q", result.Status)
	}
	return result.ID, nil
}

// Sandbox approves every operation. Used when no processor is configured.
type Sandbox struct{}

func (Sandbox) Charge(ctx context.Context, userID uuid.UUID, amount decimal.Decimal, reference string) (string, error) {
	return "sandbox-" + reference, nil
}

func (Sandbox) Payout(ctx context.Context, userID uuid.UUID, amount decimal.Decimal, reference string) (string, error) {
	return "sandbox-" + reference, nil
}
