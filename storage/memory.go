package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"kioskexchange/exchange"
)

// MemoryStore keeps orders in process. Records are copied on the way in and
// out so callers never share state with the store.
type MemoryStore struct {
	mu        sync.RWMutex
	sessions  map[string]exchange.Session
	purchases map[string]exchange.Purchase
	byCorr    map[string]string
}

var (
	_ exchange.Store       = (*MemoryStore)(nil)
	_ exchange.UsageReader = (*MemoryStore)(nil)
)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:  make(map[string]exchange.Session),
		purchases: make(map[string]exchange.Purchase),
		byCorr:    make(map[string]string),
	}
}

func (m *MemoryStore) CreateSession(_ context.Context, s *exchange.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.Code]; ok {
		return fmt.Errorf("%w: %s", exchange.ErrDuplicateCode, s.Code)
	}
	if s.Version == 0 {
		s.Version = 1
	}
	m.sessions[s.Code] = cloneSession(*s)
	return nil
}

func (m *MemoryStore) GetSession(_ context.Context, code string) (*exchange.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[code]
	if !ok {
		return nil, exchange.NotFoundError(code)
	}
	out := cloneSession(s)
	return &out, nil
}

func (m *MemoryStore) UpdateSession(_ context.Context, s *exchange.Session, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.sessions[s.Code]
	if !ok {
		return exchange.NotFoundError(s.Code)
	}
	if current.Version != expectedVersion {
		return fmt.Errorf("%w: %s at version %d", exchange.ErrVersionConflict, s.Code, expectedVersion)
	}
	s.Version = expectedVersion + 1
	m.sessions[s.Code] = cloneSession(*s)
	return nil
}

func (m *MemoryStore) OpenSessions(_ context.Context, limit int) ([]*exchange.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*exchange.Session
	for _, s := range m.sessions {
		if s.Status == exchange.SessionAwaitingSettlement {
			c := cloneSession(s)
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) CreatePurchase(_ context.Context, p *exchange.Purchase) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.purchases[p.Code]; ok {
		return fmt.Errorf("%w: %s", exchange.ErrDuplicateCode, p.Code)
	}
	if p.Version == 0 {
		p.Version = 1
	}
	m.purchases[p.Code] = clonePurchase(*p)
	if p.CorrelationID != "" {
		m.byCorr[p.CorrelationID] = p.Code
	}
	return nil
}

func (m *MemoryStore) GetPurchase(_ context.Context, code string) (*exchange.Purchase, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.purchases[code]
	if !ok {
		return nil, exchange.NotFoundError(code)
	}
	out := clonePurchase(p)
	return &out, nil
}

func (m *MemoryStore) GetPurchaseByCorrelation(ctx context.Context, correlationID string) (*exchange.Purchase, error) {
	m.mu.RLock()
	code, ok := m.byCorr[correlationID]
	m.mu.RUnlock()
	if !ok {
		return nil, exchange.NotFoundError(correlationID)
	}
	return m.GetPurchase(ctx, code)
}

func (m *MemoryStore) UpdatePurchase(_ context.Context, p *exchange.Purchase, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.purchases[p.Code]
	if !ok {
		return exchange.NotFoundError(p.Code)
	}
	if current.Version != expectedVersion {
		return fmt.Errorf("%w: %s at version %d", exchange.ErrVersionConflict, p.Code, expectedVersion)
	}
	p.Version = expectedVersion + 1
	m.purchases[p.Code] = clonePurchase(*p)
	return nil
}

func (m *MemoryStore) OpenPurchases(_ context.Context, limit int) ([]*exchange.Purchase, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*exchange.Purchase
	for _, p := range m.purchases {
		if !p.Status.Terminal() {
			c := clonePurchase(p)
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) UsageSince(_ context.Context, since time.Time) (exchange.Usage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	usage := exchange.Usage{SettledFiat: decimal.Zero}
	for _, s := range m.sessions {
		if s.CreatedAt.Before(since) {
			continue
		}
		usage.Orders++
		if s.Status == exchange.SessionPaid {
			usage.SettledFiat = usage.SettledFiat.Add(s.FiatAmount)
		}
	}
	for _, p := range m.purchases {
		if p.CreatedAt.Before(since) {
			continue
		}
		usage.Orders++
		if p.Status == exchange.PurchaseCompleted {
			usage.SettledFiat = usage.SettledFiat.Add(p.FiatAmount)
		}
	}
	return usage, nil
}

func cloneSession(s exchange.Session) exchange.Session {
	s.CompletedAt = utcPtr(s.CompletedAt)
	return s
}

func clonePurchase(p exchange.Purchase) exchange.Purchase {
	p.CompletedAt = utcPtr(p.CompletedAt)
	return p
}
