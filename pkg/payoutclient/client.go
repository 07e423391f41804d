/**
 * @description
 * This package provides a client for the external payout processor API. It
 * encapsulates the logic for making authenticated HTTP requests to the
 * processor's endpoints, handling request body construction, and parsing
 * responses for both supported rails: bank transfers and claim-based
 * (PayPal-style) payouts.
 *
 * @dependencies
 * - bytes, context, encoding/json, fmt, net/http, time: Standard Go libraries.
 */
package payoutclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Client is a client for the payout processor API.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// NewClient creates a new payout processor API client.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: baseURL,
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// SubmitRequest is the payload for submitting a payout to the processor.
type SubmitRequest struct {
	Rail          string `json:"rail"`
	Currency      string `json:"currency"`
	AmountCents   int64  `json:"amount_cents"`
	BankAccountID string `json:"bank_account_id,omitempty"`
	PayeeEmail    string `json:"payee_email,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
	Reference     string `json:"reference,omitempty"`
}

// SubmitResponse is the processor's acknowledgement of a submitted payout.
type SubmitResponse struct {
	TransferID    string `json:"transfer_id"`
	CorrelationID string `json:"correlation_id,omitempty"`
	Status        string `json:"status"`
}

// TransferStatus is the processor's authoritative view of one payout.
// Found=false means the processor has no record of the payout at all.
type TransferStatus struct {
	Found      bool   `json:"found"`
	TransferID string `json:"transfer_id,omitempty"`
	Status     string `json:"status,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// ErrorResponse represents an error from the payout processor API.
type ErrorResponse struct {
	StatusCode int `json:"-"`
	Errors     []struct {
		Title  string `json:"title"`
		Detail string `json:"detail"`
	} `json:"errors"`
}

func (e *ErrorResponse) Error() string {
	if len(e.Errors) > 0 {
		return fmt.Sprintf("payout api error: %s - %s", e.Errors[0].Title, e.Errors[0].Detail)
	}
	return fmt.Sprintf("payout api error (status %d)", e.StatusCode)
}

// IsExplicitRejection reports whether the processor definitively refused the
// request, as opposed to an ambiguous transport or server failure.
func (e *ErrorResponse) IsExplicitRejection() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500 && e.StatusCode != http.StatusNotFound
}

// SubmitBankTransfer submits a bank-rail payout.
func (c *Client) SubmitBankTransfer(ctx context.Context, bankAccountID, currency, reference string, amountCents int64) (*SubmitResponse, error) {
	payload := SubmitRequest{
		Rail:          "bank",
		Currency:      currency,
		AmountCents:   amountCents,
		BankAccountID: bankAccountID,
		Reference:     reference,
	}
	return c.submit(ctx, payload)
}

// SubmitClaimPayout submits a claim-rail payout addressed to the payee's email.
func (c *Client) SubmitClaimPayout(ctx context.Context, payeeEmail, currency, correlationID string, amountCents int64) (*SubmitResponse, error) {
	payload := SubmitRequest{
		Rail:          "claim",
		Currency:      currency,
		AmountCents:   amountCents,
		PayeeEmail:    payeeEmail,
		CorrelationID: correlationID,
	}
	return c.submit(ctx, payload)
}

func (c *Client) submit(ctx context.Context, payload SubmitRequest) (*SubmitResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payout request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.BaseURL+"/api/v1/payouts", bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create payout request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-payout-key", c.APIKey)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute payout request: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read payout response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, c.decodeError("submit", resp.StatusCode, bodyBytes)
	}

	var successResp SubmitResponse
	if err := json.Unmarshal(bodyBytes, &successResp); err != nil {
		return nil, fmt.Errorf("failed to decode payout response: %w", err)
	}
	return &successResp, nil
}

// GetTransferStatus queries the processor for a bank-rail payout by transfer
// id and amount. A 404 is not an error: it means the processor has no record
// of the payout, which the caller treats as a failed payout.
func (c *Client) GetTransferStatus(ctx context.Context, transferID string, amountCents int64) (*TransferStatus, error) {
	endpoint := fmt.Sprintf("%s/api/v1/payouts/%s?amount_cents=%d", c.BaseURL, url.PathEscape(transferID), amountCents)

	req, err := http.NewRequestWithContext(ctx, "GET", endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create status request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-payout-key", c.APIKey)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute status request: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read status response: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return &TransferStatus{Found: false}, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, c.decodeError("get_status", resp.StatusCode, bodyBytes)
	}

	var status TransferStatus
	if err := json.Unmarshal(bodyBytes, &status); err != nil {
		return nil, fmt.Errorf("failed to decode status response: %w", err)
	}
	status.Found = true
	return &status, nil
}

// SearchClaimPayout queries the claim rail for a payout by amount, correlation
// id and payee address within a time window. Claim payouts have no stable
// transfer id until claimed, which is why the lookup is a search.
func (c *Client) SearchClaimPayout(ctx context.Context, correlationID, payeeEmail string, amountCents int64, window time.Duration) (*TransferStatus, error) {
	params := url.Values{}
	params.Set("correlation_id", correlationID)
	params.Set("payee_email", payeeEmail)
	params.Set("amount_cents", strconv.FormatInt(amountCents, 10))
	params.Set("window_minutes", strconv.Itoa(int(window.Minutes())))
	endpoint := c.BaseURL + "/api/v1/payouts/search?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, "GET", endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create search request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-payout-key", c.APIKey)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute search request: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read search response: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return &TransferStatus{Found: false}, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, c.decodeError("search", resp.StatusCode, bodyBytes)
	}

	var status TransferStatus
	if err := json.Unmarshal(bodyBytes, &status); err != nil {
		return nil, fmt.Errorf("failed to decode search response: %w", err)
	}
	status.Found = true
	return &status, nil
}

func (c *Client) decodeError(op string, statusCode int, body []byte) error {
	errResp := &ErrorResponse{StatusCode: statusCode}
	if err := json.Unmarshal(body, errResp); err != nil {
		log.Printf("level=warn component=payout_client op=%s status=%d msg=\"non-2xx response (unparsable error body)\"", op, statusCode)
		return fmt.Errorf("failed to decode error response (status %d)", statusCode)
	}
	log.Printf("level=warn component=payout_client op=%s status=%d err=%q", op, statusCode, errResp.Error())
	return errResp
}
