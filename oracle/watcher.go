package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"kioskexchange/exchange"
)

// LedgerWatcher asks an address-watching service whether the crypto leg of a
// Purchase arrived at its receive address.
type LedgerWatcher struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

var _ ReceiveOracle = (*LedgerWatcher)(nil)

func NewLedgerWatcher(baseURL, apiKey string, timeout time.Duration) *LedgerWatcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &LedgerWatcher{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
	}
}

type receivedResponse struct {
	Received bool   `json:"received"`
	Amount   string `json:"amount"`
}

// Received implements ReceiveOracle. A confirmation for less than the quoted
// crypto amount is treated as not received.
func (w *LedgerWatcher) Received(ctx context.Context, purchase *exchange.Purchase) (bool, error) {
	if purchase.ReceiveAddress == "" {
		return false, nil
	}
	query := url.Values{}
	query.Set("asset", string(purchase.Asset))
	query.Set("amount", purchase.CryptoAmount.String())
	endpoint := fmt.Sprintf("%s/v1/addresses/%s/received?%s", w.baseURL, url.PathEscape(purchase.ReceiveAddress), query.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Accept", "application/json")
	if w.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+w.apiKey)
	}
	resp, err := w.http.Do(req)
	if err != nil {
		return false, upstream("ledger watcher", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if resp.StatusCode >= 300 {
		return false, upstream("ledger watcher", fmt.Errorf("status=%d", resp.StatusCode))
	}
	var payload receivedResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return false, upstream("ledger watcher", fmt.Errorf("decode response: %w", err))
	}
	if !payload.Received {
		return false, nil
	}
	if payload.Amount == "" {
		return true, nil
	}
	amount, err := decimal.NewFromString(payload.Amount)
	if err != nil {
		return false, upstream("ledger watcher", fmt.Errorf("parse amount %q: %w", payload.Amount, err))
	}
	return amount.GreaterThanOrEqual(purchase.CryptoAmount), nil
}
