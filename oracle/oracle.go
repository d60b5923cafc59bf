// Package oracle holds the external collaborators that issue settlement
// requests and report whether money actually moved.
package oracle

import (
	"context"
	"fmt"
	"strings"

	"kioskexchange/exchange"
)

// Invoice is an issued settlement request.
type Invoice struct {
	// Request is what the customer pays against: a payment URI or hosted
	// invoice URL.
	Request string
	// Ref is the issuer-side identifier used for later status queries. It is
	// empty for locally rendered requests.
	Ref string
}

// InvoiceIssuer builds the settlement request for a new Session.
type InvoiceIssuer interface {
	Issue(ctx context.Context, session *exchange.Session) (Invoice, error)
}

// SettlementOracle reports whether a Session's settlement request was paid.
type SettlementOracle interface {
	SettlementStatus(ctx context.Context, session *exchange.Session) (paid bool, err error)
}

// ReceiveOracle reports whether a Purchase's crypto leg arrived.
type ReceiveOracle interface {
	Received(ctx context.Context, purchase *exchange.Purchase) (confirmed bool, err error)
}

// TemplateIssuer renders settlement requests from the per-asset invoice
// template. {code} and {amount} are substituted.
type TemplateIssuer struct {
	catalog *exchange.Catalog
}

func NewTemplateIssuer(catalog *exchange.Catalog) *TemplateIssuer {
	return &TemplateIssuer{catalog: catalog}
}

// Issue implements InvoiceIssuer.
func (t *TemplateIssuer) Issue(_ context.Context, session *exchange.Session) (Invoice, error) {
	spec, err := t.catalog.Lookup(session.Asset)
	if err != nil {
		return Invoice{}, err
	}
	if strings.TrimSpace(spec.InvoiceTemplate) == "" {
		return Invoice{}, fmt.Errorf("no invoice template configured for %s", session.Asset)
	}
	request := strings.NewReplacer(
		"{code}", session.Code,
		"{amount}", session.CryptoAmount.StringFixed(spec.Decimals),
	).Replace(spec.InvoiceTemplate)
	return Invoice{Request: request}, nil
}

func upstream(name string, err error) error {
	return fmt.Errorf("%w: %s: %v", exchange.ErrUpstreamUnavailable, name, err)
}
