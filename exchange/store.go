package exchange

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Store is the keyed persistent home of Sessions and Purchases. Updates are
// conditional on the version the caller read; implementations return
// ErrVersionConflict when another writer got there first and ErrNotFound for
// unknown codes. A successful update increments Version on the passed record.
type Store interface {
	CreateSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, code string) (*Session, error)
	UpdateSession(ctx context.Context, s *Session, expectedVersion int64) error
	// OpenSessions lists sessions whose status is still awaiting_settlement.
	OpenSessions(ctx context.Context, limit int) ([]*Session, error)

	CreatePurchase(ctx context.Context, p *Purchase) error
	GetPurchase(ctx context.Context, code string) (*Purchase, error)
	GetPurchaseByCorrelation(ctx context.Context, correlationID string) (*Purchase, error)
	UpdatePurchase(ctx context.Context, p *Purchase, expectedVersion int64) error
	// OpenPurchases lists purchases in a non-terminal status.
	OpenPurchases(ctx context.Context, limit int) ([]*Purchase, error)
}

// Usage summarises orders created in a period. SettledFiat sums the fiat
// amount of paid sessions and completed purchases only.
type Usage struct {
	Orders      int
	SettledFiat decimal.Decimal
}

// UsageReader reports order volume since a cut-off.
type UsageReader interface {
	UsageSince(ctx context.Context, since time.Time) (Usage, error)
}
