package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"kioskexchange/exchange"
)

// NowPaymentsInvoiceRequest is the invoice creation payload.
type NowPaymentsInvoiceRequest struct {
	PriceAmount    string `json:"price_amount"`
	PriceCurrency  string `json:"price_currency"`
	PayCurrency    string `json:"pay_currency"`
	OrderID        string `json:"order_id"`
	OrderDesc      string `json:"order_description,omitempty"`
	IPNCallbackURL string `json:"ipn_callback_url,omitempty"`
	FixedRate      bool   `json:"is_fixed_rate"`
}

// NowPaymentsInvoice captures the invoice attributes the engine reads.
type NowPaymentsInvoice struct {
	ID            string `json:"id"`
	InvoiceID     string `json:"invoice_id"`
	OrderID       string `json:"order_id"`
	PaymentStatus string `json:"payment_status"`
	Status        string `json:"status"`
	InvoiceURL    string `json:"invoice_url"`
}

// Paid reports whether the invoice is settled.
func (i *NowPaymentsInvoice) Paid() bool {
	status := strings.ToLower(strings.TrimSpace(i.PaymentStatus))
	if status == "" {
		status = strings.ToLower(strings.TrimSpace(i.Status))
	}
	switch status {
	case "finished", "confirmed":
		return true
	}
	return false
}

// NowPayments issues hosted invoices for Sessions and reports their status.
type NowPayments struct {
	apiKey      string
	baseURL     string
	callbackURL string
	http        *http.Client
}

var (
	_ InvoiceIssuer    = (*NowPayments)(nil)
	_ SettlementOracle = (*NowPayments)(nil)
)

// NewNowPayments constructs the client. A zero timeout defaults to 10s.
func NewNowPayments(baseURL, apiKey, callbackURL string, timeout time.Duration) *NowPayments {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &NowPayments{
		apiKey:      apiKey,
		baseURL:     strings.TrimRight(baseURL, "/"),
		callbackURL: callbackURL,
		http:        &http.Client{Timeout: timeout},
	}
}

// Issue implements InvoiceIssuer.
func (c *NowPayments) Issue(ctx context.Context, session *exchange.Session) (Invoice, error) {
	currency := payCurrency(session.Asset)
	invoice, err := c.do(ctx, http.MethodPost, "/invoice", &NowPaymentsInvoiceRequest{
		PriceAmount:    session.CryptoAmount.String(),
		PriceCurrency:  currency,
		PayCurrency:    currency,
		OrderID:        session.Code,
		OrderDesc:      fmt.Sprintf("kiosk session %s", session.Code),
		IPNCallbackURL: c.callbackURL,
		FixedRate:      true,
	})
	if err != nil {
		return Invoice{}, err
	}
	ref := invoice.InvoiceID
	if ref == "" {
		ref = invoice.ID
	}
	if ref == "" || invoice.InvoiceURL == "" {
		return Invoice{}, upstream("nowpayments", fmt.Errorf("invoice response missing id or url"))
	}
	return Invoice{Request: invoice.InvoiceURL, Ref: ref}, nil
}

// SettlementStatus implements SettlementOracle.
func (c *NowPayments) SettlementStatus(ctx context.Context, session *exchange.Session) (bool, error) {
	if session.SettlementRef == "" {
		return false, fmt.Errorf("session %s has no invoice reference", session.Code)
	}
	invoice, err := c.do(ctx, http.MethodGet, "/invoice/"+url.PathEscape(session.SettlementRef), nil)
	if err != nil {
		return false, err
	}
	return invoice.Paid(), nil
}

func (c *NowPayments) do(ctx context.Context, method, path string, payload any) (*NowPaymentsInvoice, error) {
	var body *bytes.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(buf)
	} else {
		body = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, upstream("nowpayments", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, upstream("nowpayments", fmt.Errorf("%s %s: status=%d", method, path, resp.StatusCode))
	}
	var invoice NowPaymentsInvoice
	if err := json.NewDecoder(resp.Body).Decode(&invoice); err != nil {
		return nil, upstream("nowpayments", fmt.Errorf("decode invoice: %w", err))
	}
	return &invoice, nil
}

func payCurrency(asset exchange.Asset) string {
	switch asset {
	case exchange.AssetUSDT:
		return "usdttrc20"
	default:
		return strings.ToLower(string(asset))
	}
}
