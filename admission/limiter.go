// Package admission gates order creation and order lookups behind a
// sliding-window rate limiter and a heuristic fraud scorer.
package admission

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"kioskexchange/exchange"
	"kioskexchange/observability"
)

// Well-known limiter scopes.
const (
	ScopeGlobal   = "global"
	ScopeIdentity = "ip"
	ScopeLogin    = "login"
	ScopeAPI      = "api"
	ScopeAdmin    = "admin"
	ScopeOrder    = "order"
)

const globalIdentity = "*"

// Limiter enforces per-scope sliding windows. Windows live in the primary
// store when one is configured; when the primary store errors the in-process
// fallback window takes over for that decision, so limiting stays on.
type Limiter struct {
	rules     map[string]Rule
	primary   WindowStore
	fallback  *MemoryWindow
	whitelist Whitelist
	clock     exchange.Clock
	logger    *slog.Logger
	metrics   *observability.AdmissionMetrics

	degradedMu sync.Mutex
	degraded   bool
	onDegrade  func(err error)
}

// LimiterOption configures a Limiter.
type LimiterOption func(*Limiter)

// WithPrimaryStore sets the shared window store consulted before the fallback.
func WithPrimaryStore(store WindowStore) LimiterOption {
	return func(l *Limiter) { l.primary = store }
}

// WithLimiterClock overrides the time source.
func WithLimiterClock(clock exchange.Clock) LimiterOption {
	return func(l *Limiter) {
		if clock != nil {
			l.clock = clock
		}
	}
}

// WithLimiterLogger overrides the logger.
func WithLimiterLogger(logger *slog.Logger) LimiterOption {
	return func(l *Limiter) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithDegradeHook is called once each time the limiter switches from the
// primary store to the fallback.
func WithDegradeHook(fn func(err error)) LimiterOption {
	return func(l *Limiter) { l.onDegrade = fn }
}

// Whitelist is a set of networks exempt from per-identity limiting.
type Whitelist []*net.IPNet

// ParseWhitelist accepts IP addresses and CIDR blocks.
func ParseWhitelist(entries []string) (Whitelist, error) {
	var out Whitelist
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			_, network, err := net.ParseCIDR(entry)
			if err != nil {
				return nil, fmt.Errorf("whitelist entry %q: %w", entry, err)
			}
			out = append(out, network)
			continue
		}
		ip := net.ParseIP(entry)
		if ip == nil {
			return nil, fmt.Errorf("whitelist entry %q: invalid IP address", entry)
		}
		bits := 8 * net.IPv6len
		if v4 := ip.To4(); v4 != nil {
			ip, bits = v4, 8*net.IPv4len
		}
		out = append(out, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
	}
	return out, nil
}

// Contains reports whether identity is an IP inside one of the networks.
// Identities that are not IP addresses never match.
func (w Whitelist) Contains(identity string) bool {
	if len(w) == 0 {
		return false
	}
	ip := net.ParseIP(strings.TrimSpace(identity))
	if ip == nil {
		return false
	}
	for _, network := range w {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

// WithWhitelist exempts whitelisted identities from every scope but global.
func WithWhitelist(w Whitelist) LimiterOption {
	return func(l *Limiter) { l.whitelist = w }
}

// NewLimiter builds a limiter with per-scope rules. Scopes without a rule are
// not limited.
func NewLimiter(rules map[string]Rule, opts ...LimiterOption) *Limiter {
	l := &Limiter{
		rules:    make(map[string]Rule, len(rules)),
		fallback: NewMemoryWindow(),
		clock:    exchange.SystemClock{},
		logger:   slog.Default(),
		metrics:  observability.Admission(),
	}
	for scope, rule := range rules {
		if rule.Rate > 0 && rule.Per > 0 {
			l.rules[strings.ToLower(scope)] = rule
		}
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Allow records a hit for identity under scope. It returns a
// *exchange.RateLimitedError when the window is full.
func (l *Limiter) Allow(ctx context.Context, scope, identity string) error {
	scope = strings.ToLower(scope)
	rule, ok := l.rules[scope]
	if !ok {
		return nil
	}
	if scope != ScopeGlobal && l.whitelist.Contains(identity) {
		return nil
	}
	now := l.clock.Now()
	key := windowKey(scope, identity)
	decision, err := l.hit(ctx, scope, key, now, rule)
	if err != nil {
		return err
	}
	if !decision.Allowed {
		return &exchange.RateLimitedError{Scope: scope, RetryAfter: decision.RetryAfter}
	}
	return nil
}

// Status reports the current window for identity under scope without
// recording a hit.
func (l *Limiter) Status(ctx context.Context, scope, identity string) (Decision, bool) {
	scope = strings.ToLower(scope)
	rule, ok := l.rules[scope]
	if !ok {
		return Decision{Allowed: true}, false
	}
	now := l.clock.Now()
	key := windowKey(scope, identity)
	if l.primary != nil {
		if d, err := l.primary.Peek(ctx, key, now, rule); err == nil {
			return d, true
		}
	}
	d, _ := l.fallback.Peek(ctx, key, now, rule)
	return d, true
}

func (l *Limiter) hit(ctx context.Context, scope, key string, now time.Time, rule Rule) (Decision, error) {
	if l.primary != nil {
		decision, err := l.primary.Hit(ctx, key, now, rule)
		if err == nil {
			l.recover()
			return decision, nil
		}
		if ctx.Err() != nil {
			return Decision{}, ctx.Err()
		}
		l.degrade(err)
		l.metrics.RecordStoreFallback(scope)
	}
	return l.fallback.Hit(ctx, key, now, rule)
}

func (l *Limiter) degrade(err error) {
	l.degradedMu.Lock()
	first := !l.degraded
	l.degraded = true
	l.degradedMu.Unlock()
	if !first {
		return
	}
	l.logger.Warn("limiter primary store unavailable, using in-process windows", slog.Any("error", err))
	if l.onDegrade != nil {
		l.onDegrade(err)
	}
}

func (l *Limiter) recover() {
	l.degradedMu.Lock()
	was := l.degraded
	l.degraded = false
	l.degradedMu.Unlock()
	if was {
		l.logger.Info("limiter primary store recovered")
	}
}

// Degraded reports whether the last decision was served by the fallback.
func (l *Limiter) Degraded() bool {
	l.degradedMu.Lock()
	defer l.degradedMu.Unlock()
	return l.degraded
}

// Sweep evicts idle keys from the fallback windows.
func (l *Limiter) Sweep() int {
	return l.fallback.Sweep(l.clock.Now())
}

// RunSweeper calls Sweep every interval until ctx is cancelled. When the
// primary store supports pruning, stale persisted entries are removed too.
func (l *Limiter) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed := l.Sweep()
			if pruner, ok := l.primary.(interface {
				Prune(context.Context, time.Time) (int, error)
			}); ok {
				if _, err := pruner.Prune(ctx, l.clock.Now().Add(-l.widest())); err != nil {
					l.logger.Warn("limiter prune failed", slog.Any("error", err))
				}
			}
			if removed > 0 {
				l.logger.Debug("limiter sweep", slog.Int("evicted", removed))
			}
		}
	}
}

func (l *Limiter) widest() time.Duration {
	var widest time.Duration
	for _, rule := range l.rules {
		if rule.Per > widest {
			widest = rule.Per
		}
	}
	return widest
}

func windowKey(scope, identity string) string {
	if scope == ScopeGlobal {
		return scope + "|" + globalIdentity
	}
	identity = strings.TrimSpace(identity)
	if identity == "" {
		identity = "anonymous"
	}
	return scope + "|" + identity
}
