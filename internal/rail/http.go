package rail

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HTTPRail talks to an external payment rail over HTTP. A funding request
// POSTs to {baseURL}/fund and expects a JSON body with the transaction id.
type HTTPRail struct {
	baseURL string
	client  *http.Client
}

// NewHTTPRail creates a rail client for the given base URL.
func NewHTTPRail(baseURL string) *HTTPRail {
	return &HTTPRail{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

type fundRequest struct {
	ContractID string `json:"contractId"`
	Amount     string `json:"amount"`
	Currency   string `json:"currency"`
}

type fundResponse struct {
	TxID string `json:"txId"`
}

func (r *HTTPRail) Fund(ctx context.Context, contractID, amount, currency string) (string, error) {
	body, err := json.Marshal(fundRequest{ContractID: contractID, Amount: amount, Currency: currency})
	if err != nil {
		return "", fmt.Errorf("encode fund request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/fund", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build fund request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("%w: rail returned status %d", ErrUnavailable, resp.StatusCode)
	}

	var out fundResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("%w: decode rail response: %v", ErrUnavailable, err)
	}
	if out.TxID == "" {
		return "", fmt.Errorf("%w: rail returned empty transaction id", ErrUnavailable)
	}
	return out.TxID, nil
}

var _ Rail = (*HTTPRail)(nil)
