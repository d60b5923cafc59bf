// Package storage persists Sessions, Purchases and audit events. The SQL
// store runs on SQLite for a single kiosk host and on Postgres for shared
// deployments; MemoryStore backs tests and throwaway runs.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"kioskexchange/exchange"
)

// Options tunes the SQL connection.
type Options struct {
	MaxOpenConns int
	AutoMigrate  bool
	LogLevel     logger.LogLevel
}

// Open connects to dsn. postgres:// and postgresql:// URLs, as well as
// key=value strings containing host=, use the Postgres driver; anything else
// is treated as a SQLite DSN.
func Open(dsn string, opts Options) (*gorm.DB, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("database dsn required")
	}
	level := opts.LogLevel
	if level == 0 {
		level = logger.Warn
	}
	cfg := &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(level),
		NowFunc:        func() time.Time { return time.Now().UTC() },
	}
	var dialector gorm.Dialector
	if isPostgres(dsn) {
		dialector = postgres.Open(dsn)
	} else {
		dialector = sqlite.Open(dsn)
	}
	db, err := gorm.Open(dialector, cfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if opts.MaxOpenConns > 0 {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("database handle: %w", err)
		}
		sqlDB.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.AutoMigrate {
		if err := AutoMigrate(db); err != nil {
			return nil, fmt.Errorf("auto migrate: %w", err)
		}
	}
	return db, nil
}

func isPostgres(dsn string) bool {
	lower := strings.ToLower(dsn)
	return strings.HasPrefix(lower, "postgres://") ||
		strings.HasPrefix(lower, "postgresql://") ||
		strings.Contains(lower, "host=")
}

// SQLStore implements exchange.Store on gorm.
type SQLStore struct {
	db *gorm.DB
}

var (
	_ exchange.Store       = (*SQLStore)(nil)
	_ exchange.UsageReader = (*SQLStore)(nil)
)

// NewSQLStore wraps an open gorm handle. The schema must already exist.
func NewSQLStore(db *gorm.DB) *SQLStore {
	return &SQLStore{db: db}
}

// DB exposes the underlying handle.
func (s *SQLStore) DB() *gorm.DB { return s.db }

// Close releases the connection pool.
func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping checks connectivity.
func (s *SQLStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *SQLStore) CreateSession(ctx context.Context, sess *exchange.Session) error {
	if sess.Version == 0 {
		sess.Version = 1
	}
	rec := sessionToRecord(sess)
	return s.create(ctx, &SessionRecord{}, &rec, sess.Code)
}

func (s *SQLStore) GetSession(ctx context.Context, code string) (*exchange.Session, error) {
	var rec SessionRecord
	if err := s.db.WithContext(ctx).First(&rec, "code = ?", code).Error; err != nil {
		return nil, translate(err, code)
	}
	return rec.toSession(), nil
}

func (s *SQLStore) UpdateSession(ctx context.Context, sess *exchange.Session, expectedVersion int64) error {
	rec := sessionToRecord(sess)
	changes := map[string]any{
		"status":             rec.Status,
		"settlement_request": rec.SettlementRequest,
		"settlement_ref":     rec.SettlementRef,
		"settlement_status":  rec.SettlementStatus,
		"risk_score":         rec.RiskScore,
		"flagged":            rec.Flagged,
		"completed_at":       rec.CompletedAt,
		"version":            expectedVersion + 1,
	}
	if err := s.conditionalUpdate(ctx, &SessionRecord{}, sess.Code, expectedVersion, changes); err != nil {
		return err
	}
	sess.Version = expectedVersion + 1
	return nil
}

func (s *SQLStore) OpenSessions(ctx context.Context, limit int) ([]*exchange.Session, error) {
	var recs []SessionRecord
	query := s.db.WithContext(ctx).
		Where("status = ?", string(exchange.SessionAwaitingSettlement)).
		Order("expires_at ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("list open sessions: %w", err)
	}
	out := make([]*exchange.Session, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.toSession())
	}
	return out, nil
}

func (s *SQLStore) CreatePurchase(ctx context.Context, p *exchange.Purchase) error {
	if p.Version == 0 {
		p.Version = 1
	}
	rec := purchaseToRecord(p)
	return s.create(ctx, &PurchaseRecord{}, &rec, p.Code)
}

func (s *SQLStore) GetPurchase(ctx context.Context, code string) (*exchange.Purchase, error) {
	var rec PurchaseRecord
	if err := s.db.WithContext(ctx).First(&rec, "code = ?", code).Error; err != nil {
		return nil, translate(err, code)
	}
	return rec.toPurchase(), nil
}

func (s *SQLStore) GetPurchaseByCorrelation(ctx context.Context, correlationID string) (*exchange.Purchase, error) {
	var rec PurchaseRecord
	if err := s.db.WithContext(ctx).First(&rec, "correlation_id = ?", correlationID).Error; err != nil {
		return nil, translate(err, correlationID)
	}
	return rec.toPurchase(), nil
}

func (s *SQLStore) UpdatePurchase(ctx context.Context, p *exchange.Purchase, expectedVersion int64) error {
	rec := purchaseToRecord(p)
	changes := map[string]any{
		"status":                 rec.Status,
		"receive_address":        rec.ReceiveAddress,
		"fiat_settlement_method": rec.FiatSettlementMethod,
		"cancel_reason":          rec.CancelReason,
		"risk_score":             rec.RiskScore,
		"flagged":                rec.Flagged,
		"completed_at":           rec.CompletedAt,
		"version":                expectedVersion + 1,
	}
	if err := s.conditionalUpdate(ctx, &PurchaseRecord{}, p.Code, expectedVersion, changes); err != nil {
		return err
	}
	p.Version = expectedVersion + 1
	return nil
}

func (s *SQLStore) OpenPurchases(ctx context.Context, limit int) ([]*exchange.Purchase, error) {
	var recs []PurchaseRecord
	query := s.db.WithContext(ctx).
		Where("status IN ?", []string{
			string(exchange.PurchaseAwaitingAddress),
			string(exchange.PurchaseAwaitingCrypto),
			string(exchange.PurchaseCryptoReceived),
		}).
		Order("expires_at ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("list open purchases: %w", err)
	}
	out := make([]*exchange.Purchase, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.toPurchase())
	}
	return out, nil
}

// UsageSince counts sessions and purchases created at or after since and sums
// the fiat of those that settled. Amounts are stored as text, so the sum is
// taken in Go.
func (s *SQLStore) UsageSince(ctx context.Context, since time.Time) (exchange.Usage, error) {
	usage := exchange.Usage{SettledFiat: decimal.Zero}
	db := s.db.WithContext(ctx)
	since = since.UTC()

	var sessions, purchases int64
	if err := db.Model(&SessionRecord{}).Where("created_at >= ?", since).Count(&sessions).Error; err != nil {
		return usage, fmt.Errorf("count sessions: %w", err)
	}
	if err := db.Model(&PurchaseRecord{}).Where("created_at >= ?", since).Count(&purchases).Error; err != nil {
		return usage, fmt.Errorf("count purchases: %w", err)
	}
	usage.Orders = int(sessions + purchases)

	var paid, completed []decimal.Decimal
	if err := db.Model(&SessionRecord{}).
		Where("created_at >= ? AND status = ?", since, string(exchange.SessionPaid)).
		Pluck("fiat_amount", &paid).Error; err != nil {
		return usage, fmt.Errorf("sum paid sessions: %w", err)
	}
	if err := db.Model(&PurchaseRecord{}).
		Where("created_at >= ? AND status = ?", since, string(exchange.PurchaseCompleted)).
		Pluck("fiat_amount", &completed).Error; err != nil {
		return usage, fmt.Errorf("sum completed purchases: %w", err)
	}
	for _, amount := range append(paid, completed...) {
		usage.SettledFiat = usage.SettledFiat.Add(amount)
	}
	return usage, nil
}

func (s *SQLStore) create(ctx context.Context, model, rec any, code string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(model).Where("code = ?", code).Count(&count).Error; err != nil {
			return fmt.Errorf("check order code: %w", err)
		}
		if count > 0 {
			return fmt.Errorf("%w: %s", exchange.ErrDuplicateCode, code)
		}
		if err := tx.Create(rec).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return fmt.Errorf("%w: %s", exchange.ErrDuplicateCode, code)
			}
			return fmt.Errorf("insert order %s: %w", code, err)
		}
		return nil
	})
}

// conditionalUpdate applies changes only when the stored version still equals
// expected. Zero affected rows means either the code is unknown or another
// writer moved the version on.
func (s *SQLStore) conditionalUpdate(ctx context.Context, model any, code string, expected int64, changes map[string]any) error {
	db := s.db.WithContext(ctx)
	res := db.Model(model).
		Where("code = ? AND version = ?", code, expected).
		Updates(changes)
	if res.Error != nil {
		return fmt.Errorf("update order %s: %w", code, res.Error)
	}
	if res.RowsAffected == 1 {
		return nil
	}
	var count int64
	if err := db.Model(model).Where("code = ?", code).Count(&count).Error; err != nil {
		return fmt.Errorf("check order %s: %w", code, err)
	}
	if count == 0 {
		return exchange.NotFoundError(code)
	}
	return fmt.Errorf("%w: %s at version %d", exchange.ErrVersionConflict, code, expected)
}

func translate(err error, key string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return exchange.NotFoundError(key)
	}
	return fmt.Errorf("load order %s: %w", key, err)
}
