/**
 * @description
 * This package provides a client for the treasury API, the service that custodies
 * the contract's token holdings and signs the actual stablecoin transfers. It
 * encapsulates the logic for making authenticated HTTP requests, constructing
 * request bodies, and parsing responses. The vault-service never touches keys or
 * chain RPC directly; every movement of value goes through this client.
 *
 * @dependencies
 * - bytes, context, encoding/json, fmt, net/http, time: Standard Go libraries.
 */
package tokenclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"
)

// ErrTransferRejected is returned when the treasury refuses a transfer, e.g. the
// donor's balance or allowance cannot cover a pull. The caller must treat the
// whole surrounding operation as failed; no value moved.
var ErrTransferRejected = errors.New("transfer rejected by treasury")

// Client is a client for the treasury API.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// NewClient creates a new treasury API client.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: baseURL,
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// TransferRequest is the payload for treasury-outbound transfers and donor pulls.
type TransferRequest struct {
	Asset     string `json:"asset"`
	From      string `json:"from,omitempty"`
	To        string `json:"to,omitempty"`
	Amount    int64  `json:"amount"`
	Reference string `json:"reference,omitempty"`
}

// TransferResponse is the expected response from the treasury's transfer endpoints.
type TransferResponse struct {
	Data struct {
		ID     string `json:"id"`
		Status string `json:"status"`
		TxHash string `json:"tx_hash,omitempty"`
	} `json:"data"`
}

// BalanceResponse is the expected response from the balance endpoint.
type BalanceResponse struct {
	Data struct {
		Asset   string `json:"asset"`
		Address string `json:"address"`
		Balance int64  `json:"balance"`
	} `json:"data"`
}

// ErrorResponse represents an error from the treasury API.
type ErrorResponse struct {
	Errors []struct {
		Title  string `json:"title"`
		Detail string `json:"detail"`
		Status string `json:"status"`
	} `json:"errors"`
}

func (e *ErrorResponse) Error() string {
	if len(e.Errors) > 0 {
		return fmt.Sprintf("treasury api error: %s - %s", e.Errors[0].Title, e.Errors[0].Detail)
	}
	return "unknown treasury api error"
}

// BalanceOf returns the treasury-tracked balance of an address for an asset.
func (c *Client) BalanceOf(ctx context.Context, asset, address string) (int64, error) {
	url := fmt.Sprintf("%s/v1/balances/%s/%s", c.BaseURL, asset, address)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}

	var resp BalanceResponse
	if err := c.do(req, &resp); err != nil {
		return 0, err
	}
	return resp.Data.Balance, nil
}

// Transfer moves value out of the treasury to a recipient address.
func (c *Client) Transfer(ctx context.Context, asset, to string, amount int64, reference string) (*TransferResponse, error) {
	payload := TransferRequest{Asset: asset, To: to, Amount: amount, Reference: reference}
	return c.postTransfer(ctx, "/v1/transfers", payload)
}

// Pull moves value from a donor into the treasury, relying on the on-chain
// allowance the donor granted beforehand. A missing or insufficient allowance
// surfaces as ErrTransferRejected.
func (c *Client) Pull(ctx context.Context, asset, from string, amount int64, reference string) (*TransferResponse, error) {
	payload := TransferRequest{Asset: asset, From: from, Amount: amount, Reference: reference}
	return c.postTransfer(ctx, "/v1/pulls", payload)
}

func (c *Client) postTransfer(ctx context.Context, path string, payload TransferRequest) (*TransferResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	var resp TransferResponse
	if err := c.do(req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) do(req *http.Request, out interface{}) error {
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(resp.Body)
		var apiErr ErrorResponse
		if jsonErr := json.Unmarshal(raw, &apiErr); jsonErr == nil && len(apiErr.Errors) > 0 {
			log.Printf("level=warn component=tokenclient msg=\"treasury request failed\" status=%d detail=%q", resp.StatusCode, apiErr.Errors[0].Detail)
			if resp.StatusCode == http.StatusPaymentRequired || resp.StatusCode == http.StatusUnprocessableEntity {
				return fmt.Errorf("%w: %s", ErrTransferRejected, apiErr.Errors[0].Detail)
			}
			return &apiErr
		}
		if resp.StatusCode == http.StatusPaymentRequired || resp.StatusCode == http.StatusUnprocessableEntity {
			return ErrTransferRejected
		}
		return fmt.Errorf("treasury api returned status %d: %s", resp.StatusCode, string(raw))
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
