package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	gormlogger "gorm.io/gorm/logger"

	"kioskexchange/admission"
	"kioskexchange/audit"
	"kioskexchange/config"
	"kioskexchange/exchange"
	"kioskexchange/gateway/middleware"
	"kioskexchange/gateway/routes"
	"kioskexchange/lifecycle"
	"kioskexchange/messaging"
	"kioskexchange/oracle"
	"kioskexchange/poller"
	"kioskexchange/quote"
	"kioskexchange/storage"
)

// app holds the long-running pieces of a kioskd process.
type app struct {
	handler    http.Handler
	dispatcher *audit.Dispatcher
	limiter    *admission.Limiter
	scorer     *admission.Scorer
	poller     *poller.Poller
	consumer   *messaging.SQSConsumer
	sweepEvery time.Duration
	closers    []io.Closer
	logger     *slog.Logger
}

func build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app, error) {
	a := &app{logger: logger, sweepEvery: cfg.Admission.SweepInterval.Duration}
	fail := func(err error) (*app, error) {
		a.Close()
		return nil, err
	}

	specs, err := cfg.AssetSpecs()
	if err != nil {
		return fail(err)
	}
	catalog := exchange.NewCatalog(specs...)

	db, err := storage.Open(cfg.Database.DSN, storage.Options{
		MaxOpenConns: cfg.Database.MaxOpenConns,
		AutoMigrate:  cfg.Database.AutoMigrate,
		LogLevel:     gormlogger.Warn,
	})
	if err != nil {
		return fail(err)
	}
	store := storage.NewSQLStore(db)
	a.closers = append(a.closers, store)

	sinks := []audit.Sink{audit.LogSink{Logger: logger.With(slog.String("component", "audit"))}}
	if cfg.Audit.Persist {
		sinks = append(sinks, storage.NewAuditSink(db))
	}
	a.dispatcher = audit.NewDispatcher(cfg.Audit.Buffer, sinks, audit.WithLogger(logger))

	registry := quote.NewRegistry()
	registry.HTTPClient = &http.Client{
		Timeout:   cfg.Quote.Timeout.Duration * 2,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
	quoteOpts := []quote.Option{
		quote.WithTimeout(cfg.Quote.Timeout.Duration),
		quote.WithCacheTTL(cfg.Quote.CacheTTL.Duration),
		quote.WithLogger(logger),
	}
	for _, asset := range cfg.Assets {
		chain, err := registry.BuildChain(asset.Sources)
		if err != nil {
			return fail(fmt.Errorf("asset %s: %w", asset.Symbol, err))
		}
		parsed, err := exchange.ParseAsset(asset.Symbol)
		if err != nil {
			return fail(err)
		}
		quoteOpts = append(quoteOpts, quote.WithSources(parsed, chain...))
	}
	quotes := quote.NewEngine(catalog, quoteOpts...)

	limiterOpts := []admission.LimiterOption{
		admission.WithLimiterLogger(logger),
		admission.WithDegradeHook(func(err error) {
			logger.Error("limiter store degraded, using in-process windows", slog.Any("error", err))
		}),
	}
	if path := strings.TrimSpace(cfg.Admission.StorePath); path != "" {
		window, err := admission.OpenLevelDBWindow(path)
		if err != nil {
			return fail(err)
		}
		a.closers = append(a.closers, window)
		limiterOpts = append(limiterOpts, admission.WithPrimaryStore(window))
	}
	whitelist, err := admission.ParseWhitelist(cfg.Admission.Whitelist)
	if err != nil {
		return fail(err)
	}
	limiterOpts = append(limiterOpts, admission.WithWhitelist(whitelist))
	a.limiter = admission.NewLimiter(limitRules(cfg.Admission.Limits), limiterOpts...)
	a.scorer = admission.NewScorer(fraudPolicy(cfg.Admission.Fraud), nil, cfg.Admission.Fraud.FlaggedIdentities...)
	amounts, err := cfg.Admission.Amounts()
	if err != nil {
		return fail(err)
	}
	gate := admission.NewGate(a.limiter, a.scorer, catalog, a.dispatcher, logger,
		admission.WithDailyCaps(store, admission.DailyCaps{
			MaxTransactions: cfg.Admission.MaxDailyTransactions,
			MaxAmount:       amounts.MaxDaily,
		}),
		admission.WithCompliance(admission.ComplianceThresholds{AML: amounts.AML, Reporting: amounts.Reporting}))

	var (
		issuer     oracle.InvoiceIssuer = oracle.NewTemplateIssuer(catalog)
		settlement oracle.SettlementOracle
		receive    oracle.ReceiveOracle
	)
	switch strings.ToLower(cfg.Oracle.Mode) {
	case "nowpayments":
		np := oracle.NewNowPayments(cfg.Oracle.NowPayments.Endpoint, cfg.Oracle.NowPayments.APIKey,
			cfg.Oracle.NowPayments.CallbackURL, cfg.Oracle.NowPayments.Timeout.Duration)
		issuer, settlement = np, np
	case "template":
	default:
		return fail(fmt.Errorf("unknown oracle mode %q", cfg.Oracle.Mode))
	}
	if endpoint := strings.TrimSpace(cfg.Oracle.Watcher.Endpoint); endpoint != "" {
		receive = oracle.NewLedgerWatcher(endpoint, cfg.Oracle.Watcher.APIKey, cfg.Oracle.Watcher.Timeout.Duration)
	}

	deps := lifecycle.Deps{
		Store:        store,
		Catalog:      catalog,
		Quotes:       quotes,
		Admission:    gate,
		Notifier:     a.dispatcher,
		Logger:       logger,
		CodeAttempts: cfg.Orders.CodeAttempts,
	}
	var (
		bus       *messaging.MemoryBus
		sqsClient messaging.SQSAPI
	)
	switch strings.ToLower(cfg.Messaging.Driver) {
	case "sqs":
		client, err := messaging.NewSQSClient(ctx, cfg.Messaging.Region, cfg.Messaging.Endpoint)
		if err != nil {
			return fail(err)
		}
		sqsClient = client
		deps.Publisher = messaging.NewSQSPublisher(client, cfg.Messaging.OutboundQueueURL)
	case "memory":
		bus = messaging.NewMemoryBus()
		deps.Publisher = bus
	default:
		return fail(fmt.Errorf("unknown messaging driver %q", cfg.Messaging.Driver))
	}

	sessionOpts := []lifecycle.SessionOption{lifecycle.WithSessionTTL(cfg.Orders.SessionTTL.Duration)}
	if settlement != nil {
		sessionOpts = append(sessionOpts, lifecycle.WithSettlementOracle(settlement))
	}
	purchaseOpts := []lifecycle.PurchaseOption{lifecycle.WithPurchaseTTL(cfg.Orders.PurchaseTTL.Duration)}
	if receive != nil {
		purchaseOpts = append(purchaseOpts, lifecycle.WithReceiveOracle(receive))
	}
	sessions := lifecycle.NewSessionService(deps, issuer, sessionOpts...)
	purchases := lifecycle.NewPurchaseService(deps, purchaseOpts...)

	addressHandler := messaging.AddressHandler(purchases)
	if bus != nil {
		bus.Subscribe(addressHandler)
	}
	if sqsClient != nil && cfg.Messaging.InboundQueueURL != "" {
		a.consumer = messaging.NewSQSConsumer(sqsClient, cfg.Messaging.InboundQueueURL, addressHandler,
			messaging.WithWaitTime(cfg.Messaging.WaitTime.Duration),
			messaging.WithMaxMessages(cfg.Messaging.MaxMessages),
			messaging.WithConsumerLogger(logger))
	}

	if !cfg.Poller.Disabled {
		a.poller = poller.New(store, sessions, purchases,
			poller.WithInterval(cfg.Poller.Interval.Duration),
			poller.WithOracleTimeout(cfg.Poller.OracleTimeout.Duration),
			poller.WithBatchSize(cfg.Poller.BatchSize),
			poller.WithLogger(logger))
	}

	a.handler, err = routes.New(routes.Config{
		Sessions:  sessions,
		Purchases: purchases,
		Quotes:    quotes,
		Admission: gate,
		Authenticator: middleware.NewAuthenticator(middleware.AuthConfig{
			Enabled:    cfg.Auth.Enabled,
			HMACSecret: cfg.Auth.HMACSecret,
			Issuer:     cfg.Auth.Issuer,
			Audience:   cfg.Auth.Audience,
			KioskClaim: cfg.Auth.KioskClaim,
			ClockSkew:  cfg.Auth.ClockSkew.Duration,
		}, logger),
		Observability: middleware.NewObservability(middleware.ObservabilityConfig{LogRequests: true}, logger),
		WebhookSecret: cfg.Oracle.WebhookSecret,
		ServiceName:   cfg.Service,
		Logger:        logger,
	})
	if err != nil {
		return fail(fmt.Errorf("configure routes: %w", err))
	}
	return a, nil
}

// Start launches the background workers. They stop when ctx is cancelled.
func (a *app) Start(ctx context.Context) {
	go a.dispatcher.Run(ctx)
	go a.limiter.RunSweeper(ctx, a.sweepEvery)
	go a.sweepScorer(ctx)
	if a.poller != nil {
		go a.poller.Run(ctx)
	}
	if a.consumer != nil {
		go func() {
			if err := a.consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				a.logger.Error("address consumer stopped", slog.Any("error", err))
			}
		}()
	}
}

func (a *app) sweepScorer(ctx context.Context) {
	ticker := time.NewTicker(a.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := a.scorer.Sweep(); removed > 0 {
				a.logger.Debug("fraud history sweep", slog.Int("evicted", removed))
			}
		}
	}
}

// Close releases stores in reverse order of opening.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			a.logger.Warn("close failed", slog.Any("error", err))
		}
	}
	a.closers = nil
}

func limitRules(limits map[string]config.LimitConfig) map[string]admission.Rule {
	rules := make(map[string]admission.Rule, len(limits))
	for scope, limit := range limits {
		rules[scope] = admission.Rule{Rate: limit.Rate, Per: limit.Per.Duration}
	}
	return rules
}

func fraudPolicy(cfg config.FraudConfig) admission.FraudPolicy {
	return admission.FraudPolicy{
		HighThreshold:   cfg.HighThreshold,
		MediumThreshold: cfg.MediumThreshold,
		AttemptWindow:   cfg.AttemptWindow.Duration,
		MaxCodeAttempts: cfg.MaxCodeAttempts,
		VelocityWindow:  cfg.VelocityWindow.Duration,
		VelocityLimit:   cfg.VelocityLimit,
	}
}
