package routes

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"kioskexchange/admission"
	"kioskexchange/exchange"
	"kioskexchange/gateway/middleware"
	"kioskexchange/lifecycle"
	"kioskexchange/quote"
)

// Sessions is the sell-flow surface used by the handlers.
type Sessions interface {
	CreateSession(ctx context.Context, req lifecycle.CreateSessionRequest) (*exchange.Session, error)
	GetSessionStatus(ctx context.Context, code string) (*exchange.Session, error)
	UpdateSettlementStatus(ctx context.Context, code string, status exchange.SettlementStatus) (*exchange.Session, error)
}

// Purchases is the buy-flow surface used by the handlers.
type Purchases interface {
	CreatePurchase(ctx context.Context, req lifecycle.CreatePurchaseRequest) (*exchange.Purchase, error)
	GetPurchaseStatus(ctx context.Context, code string) (*exchange.Purchase, error)
	ReceiveAddress(ctx context.Context, correlationID, address string) error
	ConfirmCryptoReceived(ctx context.Context, code string) (*exchange.Purchase, error)
	ConfirmFiatSettlement(ctx context.Context, code string) (*exchange.Purchase, error)
	CancelPurchase(ctx context.Context, code, reason string) (*exchange.Purchase, error)
}

// Quoter prices ad-hoc quote requests.
type Quoter interface {
	Quote(ctx context.Context, asset exchange.Asset, fiatAmount decimal.Decimal, dir exchange.Direction) (quote.Quote, error)
}

type Config struct {
	Sessions      Sessions
	Purchases     Purchases
	Quotes        Quoter
	Admission     middleware.Admitter
	Authenticator *middleware.Authenticator
	Observability *middleware.Observability
	CORS          middleware.CORSConfig
	// WebhookSecret signs settlement and address callbacks. Empty rejects all callbacks.
	WebhookSecret string
	ServiceName   string
	Logger        *slog.Logger
}

// New builds the kioskd HTTP handler.
func New(cfg Config) (http.Handler, error) {
	if cfg.Sessions == nil || cfg.Purchases == nil || cfg.Quotes == nil {
		return nil, errors.New("routes: sessions, purchases and quotes are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "kioskd"
	}
	h := &handlers{
		sessions:      cfg.Sessions,
		purchases:     cfg.Purchases,
		quotes:        cfg.Quotes,
		validate:      newValidator(),
		webhookSecret: cfg.WebhookSecret,
		logger:        cfg.Logger,
	}

	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(middleware.CORS(cfg.CORS))
	if cfg.Observability != nil {
		r.Use(cfg.Observability.Middleware)
		r.Handle("/metrics", cfg.Observability.MetricsHandler())
	}
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	admit := func(endpoint string) func(http.Handler) http.Handler {
		return middleware.Admission(cfg.Admission, endpoint)
	}

	r.Route("/v1", func(v1 chi.Router) {
		// Callbacks from the settlement oracle and the address service are
		// authenticated by signature, not by kiosk token.
		v1.Post("/sessions/{code}/settlement", h.updateSettlement)
		v1.Post("/purchases/address", h.receiveAddress)

		v1.Group(func(kiosk chi.Router) {
			kiosk.Use(cfg.Authenticator.Middleware())
			kiosk.With(admit(admission.ScopeAPI)).Get("/quotes", h.quote)

			kiosk.Post("/sessions", h.createSession)
			kiosk.With(admit(admission.ScopeAPI)).Get("/sessions/{code}", h.getSession)

			kiosk.Post("/purchases", h.createPurchase)
			kiosk.With(admit(admission.ScopeAPI)).Get("/purchases/{code}", h.getPurchase)
			kiosk.With(admit(admission.ScopeAPI)).Post("/purchases/{code}/crypto-received", h.confirmCrypto)
			kiosk.With(admit(admission.ScopeAPI)).Post("/purchases/{code}/fiat-settlement", h.confirmFiat)
			kiosk.With(admit(admission.ScopeAPI)).Post("/purchases/{code}/cancel", h.cancelPurchase)
		})
	})

	return otelhttp.NewHandler(r, cfg.ServiceName), nil
}
