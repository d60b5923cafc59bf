package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"

	"kioskexchange/admission"
	"kioskexchange/audit"
	"kioskexchange/exchange"
	"kioskexchange/messaging"
	"kioskexchange/oracle"
)

// CreateSessionRequest is a sell order request from a kiosk.
type CreateSessionRequest struct {
	Identity   string
	KioskID    string
	Asset      exchange.Asset
	FiatAmount decimal.Decimal
}

// SessionService runs the sell state machine:
// awaiting_settlement -> paid | expired.
type SessionService struct {
	engine
	issuer oracle.InvoiceIssuer
	oracle oracle.SettlementOracle
	ttl    time.Duration
}

// SessionOption configures a SessionService.
type SessionOption func(*SessionService)

// WithSessionTTL overrides the five minute default.
func WithSessionTTL(ttl time.Duration) SessionOption {
	return func(s *SessionService) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithSettlementOracle sets the oracle polled by RefreshSession. Without one,
// settlement arrives only through UpdateSettlementStatus.
func WithSettlementOracle(o oracle.SettlementOracle) SessionOption {
	return func(s *SessionService) { s.oracle = o }
}

func NewSessionService(deps Deps, issuer oracle.InvoiceIssuer, opts ...SessionOption) *SessionService {
	s := &SessionService{
		engine: newEngine(deps, exchange.OrderSession),
		issuer: issuer,
		ttl:    DefaultSessionTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateSession admits, quotes and persists a new sell order together with
// its settlement request.
func (s *SessionService) CreateSession(ctx context.Context, req CreateSessionRequest) (*exchange.Session, error) {
	ctx, span := tracer.Start(ctx, "lifecycle.CreateSession")
	defer span.End()

	spec, err := s.Catalog.Lookup(req.Asset)
	if err != nil {
		return nil, err
	}
	assessment, err := s.admit(ctx, admission.Request{
		Identity:   req.Identity,
		Endpoint:   admission.ScopeOrder,
		KioskID:    req.KioskID,
		Asset:      req.Asset,
		FiatAmount: req.FiatAmount,
	})
	if err != nil {
		return nil, err
	}
	q, err := s.Quotes.Quote(ctx, req.Asset, req.FiatAmount, exchange.DirectionSell)
	if err != nil {
		return nil, err
	}

	now := s.Clock.Now()
	for attempt := 0; attempt < s.CodeAttempts; attempt++ {
		code, err := newSessionCode()
		if err != nil {
			return nil, err
		}
		sess := &exchange.Session{
			Order:            orderBase(q, spec, req.KioskID, assessment, now, s.ttl),
			Status:           exchange.SessionAwaitingSettlement,
			SettlementStatus: exchange.SettlementPending,
		}
		sess.Code = code
		invoice, err := s.issuer.Issue(ctx, sess)
		if err != nil {
			return nil, fmt.Errorf("issue settlement request: %w", err)
		}
		sess.SettlementRequest = invoice.Request
		sess.SettlementRef = invoice.Ref

		if err := s.Store.CreateSession(ctx, sess); err != nil {
			if errors.Is(err, exchange.ErrDuplicateCode) {
				continue
			}
			return nil, fmt.Errorf("persist session: %w", err)
		}
		span.SetAttributes(attribute.String("code", code))
		s.created(code, sess.Asset, string(sess.Status), map[string]string{
			"fiat_amount":   sess.FiatAmount.String(),
			"crypto_amount": sess.CryptoAmount.String(),
			"price_source":  q.PriceSource,
			"flagged":       fmt.Sprint(sess.Flagged),
		}, assessment)
		s.publish(ctx, messaging.Message{
			Type:      messaging.TypeSettlementRequested,
			OrderCode: code,
			Payload: map[string]string{
				"asset":              string(sess.Asset),
				"network":            string(sess.Network),
				"crypto_amount":      sess.CryptoAmount.String(),
				"settlement_request": sess.SettlementRequest,
				"expires_at":         sess.ExpiresAt.Format(time.RFC3339),
			},
		})
		return sess, nil
	}
	return nil, fmt.Errorf("allocate session code: %w", exchange.ErrDuplicateCode)
}

// GetSessionStatus returns the session, expiring it first when its TTL has
// passed. Nothing else is mutated.
func (s *SessionService) GetSessionStatus(ctx context.Context, code string) (*exchange.Session, error) {
	release := s.locks.Lock(code)
	defer release()
	sess, err := s.Store.GetSession(ctx, code)
	if err != nil {
		return nil, err
	}
	if _, err := s.expireIfDue(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// UpdateSettlementStatus applies a settlement report for the session.
// A payment reported after the TTL is not applied: the session expires and
// the call fails with a transition error carrying status expired.
func (s *SessionService) UpdateSettlementStatus(ctx context.Context, code string, status exchange.SettlementStatus) (*exchange.Session, error) {
	ctx, span := tracer.Start(ctx, "lifecycle.UpdateSettlementStatus")
	defer span.End()
	span.SetAttributes(attribute.String("code", code), attribute.String("status", string(status)))

	release := s.locks.Lock(code)
	defer release()
	sess, err := s.Store.GetSession(ctx, code)
	if err != nil {
		return nil, err
	}
	return sess, s.applySettlement(ctx, sess, status, "settlement report")
}

// RefreshSession expires the session when due, otherwise asks the settlement
// oracle and applies a payment it reports. Terminal sessions are returned
// unchanged.
func (s *SessionService) RefreshSession(ctx context.Context, code string) (*exchange.Session, error) {
	release := s.locks.Lock(code)
	defer release()
	sess, err := s.Store.GetSession(ctx, code)
	if err != nil {
		return nil, err
	}
	if sess.Status.Terminal() {
		return sess, nil
	}
	expired, err := s.expireIfDue(ctx, sess)
	if err != nil || expired || s.oracle == nil {
		return sess, err
	}
	paid, err := s.oracle.SettlementStatus(ctx, sess)
	if err != nil {
		return sess, fmt.Errorf("query settlement oracle for %s: %w", code, err)
	}
	if !paid {
		return sess, nil
	}
	if err := s.applySettlement(ctx, sess, exchange.SettlementPaid, "settlement oracle"); err != nil {
		return sess, err
	}
	return sess, nil
}

// ExpireSession forces an open session to expired regardless of its TTL.
func (s *SessionService) ExpireSession(ctx context.Context, code string) (*exchange.Session, error) {
	return s.UpdateSettlementStatus(ctx, code, exchange.SettlementExpired)
}

func (s *SessionService) applySettlement(ctx context.Context, sess *exchange.Session, status exchange.SettlementStatus, source string) error {
	switch status {
	case exchange.SettlementPaid:
		if sess.Status != exchange.SessionAwaitingSettlement {
			if sess.Status == exchange.SessionExpired {
				s.lateSettlement(sess, source)
			}
			return s.reject(sess.Code, string(sess.Status), string(exchange.SessionPaid), "session is "+string(sess.Status))
		}
		expired, err := s.expireIfDue(ctx, sess)
		if err != nil {
			return err
		}
		if expired {
			s.lateSettlement(sess, source)
			return s.reject(sess.Code, string(sess.Status), string(exchange.SessionPaid), "session expired before settlement")
		}
		return s.transition(ctx, sess, exchange.SessionPaid, exchange.SettlementPaid, source)

	case exchange.SettlementExpired:
		if sess.Status != exchange.SessionAwaitingSettlement {
			return s.reject(sess.Code, string(sess.Status), string(exchange.SessionExpired), "session is "+string(sess.Status))
		}
		return s.transition(ctx, sess, exchange.SessionExpired, exchange.SettlementExpired, source)

	case exchange.SettlementPending:
		if sess.Status != exchange.SessionAwaitingSettlement {
			return s.reject(sess.Code, string(sess.Status), string(exchange.SessionAwaitingSettlement), "session is "+string(sess.Status))
		}
		_, err := s.expireIfDue(ctx, sess)
		return err
	}
	return &exchange.ValidationError{Field: "status", Kind: exchange.ErrValidation, Detail: fmt.Sprintf("unknown settlement status %q", status)}
}

// expireIfDue moves an awaiting session past its TTL to expired and reports
// whether it did.
func (s *SessionService) expireIfDue(ctx context.Context, sess *exchange.Session) (bool, error) {
	if sess.Status != exchange.SessionAwaitingSettlement || !sess.PastTTL(s.Clock.Now()) {
		return false, nil
	}
	if err := s.transition(ctx, sess, exchange.SessionExpired, exchange.SettlementExpired, "ttl elapsed"); err != nil {
		return false, err
	}
	return true, nil
}

// transition writes the new status with a version-conditional update. On
// failure sess is left as loaded.
func (s *SessionService) transition(ctx context.Context, sess *exchange.Session, to exchange.SessionStatus, sub exchange.SettlementStatus, reason string) error {
	from := sess.Status
	next := *sess
	next.Status = to
	next.SettlementStatus = sub
	if to == exchange.SessionPaid {
		next.CompletedAt = timePtr(s.Clock.Now())
	}
	if err := s.Store.UpdateSession(ctx, &next, sess.Version); err != nil {
		return persistFailure(sess.Code, err)
	}
	*sess = next
	s.transitioned(sess.Code, string(from), string(to), reason)
	return nil
}

func (s *SessionService) lateSettlement(sess *exchange.Session, source string) {
	s.Logger.Warn("late settlement ignored",
		slog.String("code", sess.Code),
		slog.String("status", string(sess.Status)),
		slog.String("source", source))
	s.Notifier.Notify(audit.Event{
		Type:      audit.TypeLateSettlement,
		OrderType: string(exchange.OrderSession),
		OrderCode: sess.Code,
		From:      string(sess.Status),
		To:        string(exchange.SessionPaid),
		Reason:    strings.TrimSpace(source),
		Timestamp: s.Clock.Now(),
	})
}
