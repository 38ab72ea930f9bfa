package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/branchorder/api/internal/di"
	"github.com/branchorder/api/internal/handlers"
	"github.com/branchorder/api/internal/platform/auth"
	"github.com/branchorder/api/internal/platform/config"
	"github.com/branchorder/api/internal/platform/events"
	"github.com/branchorder/api/internal/platform/observability"
	ppostgres "github.com/branchorder/api/internal/platform/postgres"
	"github.com/branchorder/api/internal/platform/secrets"
	pgrepo "github.com/branchorder/api/internal/repositories/postgres"
	"github.com/branchorder/api/internal/services"
)

const meterName = "github.com/branchorder/api/cmd/api"

func main() {
	ctx := context.Background()
	startedAt := time.Now().UTC()

	level, _, _ := config.Lookup("APP_LOG_LEVEL")
	baseLogger, err := observability.NewLogger(level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()
	logger := baseLogger.Named("api")

	fetcher, err := newSecretFetcher(ctx, logger)
	if err != nil {
		logger.Fatal("failed to initialise secret fetcher", zap.Error(err))
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx,
		config.WithSecretResolver(fetcher),
		config.WithRequiredSecrets(requiredSecretNames()...),
	)
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Fatal("missing required secrets", zap.Strings("secrets", missing.RedactedNames()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}
	if cfg.Auth.Environment == "prod" && strings.TrimSpace(cfg.Webhooks.Secret) == "" {
		logger.Fatal("webhook secret is required in prod")
	}

	dbProvider := ppostgres.NewProvider(cfg.Database)
	registry, err := pgrepo.NewRegistry(ctx, dbProvider)
	if err != nil {
		logger.Fatal("failed to initialise postgres registry", zap.Error(err))
	}
	if cfg.Database.AutoMigrate {
		migrateLogger := observability.NewPrintfAdapter(logger.Named("migrate"))
		if err := ppostgres.Migrate(ctx, registry.Pool(), migrateLogger.Printf); err != nil {
			logger.Fatal("failed to apply migrations", zap.Error(err))
		}
	}

	meter := otel.GetMeterProvider().Meter(meterName)
	metrics, err := services.NewMetrics(meter)
	if err != nil {
		logger.Fatal("failed to register service metrics", zap.Error(err))
	}
	verifications, err := newVerificationRecorder(meter)
	if err != nil {
		logger.Fatal("failed to register auth metrics", zap.Error(err))
	}

	gateway, err := di.NewPaymentGateway(cfg.Payments, observability.EventLogger(logger.Named("payments")))
	if err != nil {
		logger.Fatal("failed to initialise payment gateway", zap.Error(err))
	}

	var (
		publisher    services.EventPublisher
		pubsubClient *pubsub.Client
		topic        *pubsub.Topic
	)
	if cfg.Events.TopicID != "" {
		pubsubClient, err = pubsub.NewClient(ctx, cfg.Events.ProjectID)
		if err != nil {
			logger.Fatal("failed to initialise pubsub client", zap.Error(err))
		}
		topic = pubsubClient.Topic(cfg.Events.TopicID)
		topic.EnableMessageOrdering = true
		pub, err := events.NewPubSubPublisher(topic)
		if err != nil {
			logger.Fatal("failed to initialise event publisher", zap.Error(err))
		}
		publisher = pub
	} else {
		logger.Info("event topic not configured; domain events disabled")
	}

	verifier := auth.NewWebhookVerifier(cfg.Webhooks.Secret, auth.WithWebhookMetrics(verifications))

	container, err := di.NewContainer(ctx, cfg, registry, di.Externals{
		Gateway:  gateway,
		Verifier: verifier,
		Events:   publisher,
		Metrics:  metrics,
		Logger:   observability.EventLogger(logger.Named("engine")),
		Clock:    time.Now,
	})
	if err != nil {
		logger.Fatal("failed to build services", zap.Error(err))
	}

	var requireStaff func(http.Handler) http.Handler
	if secret := strings.TrimSpace(cfg.Auth.StaffJWTSecret); secret != "" {
		staff := auth.NewStaffAuthenticator(secret,
			auth.WithIssuer(cfg.Auth.StaffJWTIssuer),
			auth.WithAudience(cfg.Auth.StaffJWTAudience),
			auth.WithStaffLogger(observability.NewPrintfAdapter(logger.Named("auth"))),
			auth.WithStaffMetrics(verifications),
		)
		requireStaff = staff.RequireStaff(auth.RoleStaff, auth.RoleManager, auth.RoleAdmin)
	} else {
		logger.Warn("staff token secret not configured; refunds are disabled")
	}

	checks := []handlers.DependencyCheck{
		{Name: "postgres", Check: registry.Ping},
	}
	if topic != nil {
		checks = append(checks, handlers.DependencyCheck{
			Name:     "pubsub",
			Optional: true,
			Check: func(ctx context.Context) error {
				ok, err := topic.Exists(ctx)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("topic %s does not exist", cfg.Events.TopicID)
				}
				return nil
			},
		})
	}
	healthHandlers := handlers.NewHealthHandlers(
		handlers.WithHealthBuildInfo(buildInfo(cfg, startedAt)),
		handlers.WithHealthChecks(checks...),
	)

	orderHandlers := handlers.NewOrderHandlers(container.Services.Orders, container.Services.Payments)
	paymentHandlers := handlers.NewPaymentHandlers(container.Services.Payments, requireStaff)
	webhookHandlers := handlers.NewWebhookHandlers(container.Services.Webhooks, cfg.Webhooks.SignatureHeader)

	projectID := traceProjectID(cfg)
	router := handlers.NewRouter(
		handlers.WithMiddlewares(
			observability.TraceMiddleware(projectID),
			observability.InjectLoggerMiddleware(logger.Named("http")),
			observability.IdempotencyKeyMiddleware(cfg.Server.IdempotencyHeader),
			observability.RecoveryMiddleware(logger.Named("http")),
			observability.RequestLoggerMiddleware(),
		),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithOrderRoutes(orderHandlers.Routes),
		handlers.WithPaymentRoutes(paymentHandlers.Routes),
		handlers.WithWebhookRoutes(webhookHandlers.Routes),
	)

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
	go func() {
		serverLogger.Info("branchorder api listening",
			zap.String("provider", cfg.Payments.Provider),
			zap.Bool("mock_payments", cfg.Payments.MockMode),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
	if pub, ok := publisher.(*events.PubSubPublisher); ok {
		pub.Stop()
	}
	if pubsubClient != nil {
		if err := pubsubClient.Close(); err != nil {
			logger.Warn("pubsub close error", zap.Error(err))
		}
	}
	if err := container.Close(shutdownCtx); err != nil {
		logger.Warn("repository close error", zap.Error(err))
	}
}

func newSecretFetcher(ctx context.Context, logger *zap.Logger) (*secrets.Fetcher, error) {
	lookup := func(key string) string {
		value, _, err := config.Lookup(key)
		if err != nil {
			return ""
		}
		return strings.TrimSpace(value)
	}

	opts := []secrets.Option{
		secrets.WithLogger(logger.Named("secrets")),
	}
	if project := lookup("APP_SECRETS_PROJECT_ID"); project != "" {
		opts = append(opts, secrets.WithProject(project))
	}
	if path := lookup("APP_SECRETS_FALLBACK_FILE"); path != "" {
		opts = append(opts, secrets.WithFallbackFile(path))
	}
	return secrets.NewFetcher(ctx, opts...)
}

func requiredSecretNames() []string {
	required := []string{"Database.URL"}
	env, _, _ := config.Lookup("APP_SECURITY_ENVIRONMENT")
	if strings.EqualFold(strings.TrimSpace(env), "prod") {
		required = append(required, "Webhooks.Secret", "Auth.StaffJWTSecret")
	}
	return required
}

func buildInfo(cfg config.Config, started time.Time) handlers.BuildInfo {
	version, _, _ := config.Lookup("APP_BUILD_VERSION")
	if strings.TrimSpace(version) == "" {
		version = "dev"
	}
	commit, _, _ := config.Lookup("APP_BUILD_COMMIT_SHA")
	if strings.TrimSpace(commit) == "" {
		commit = "unknown"
	}
	return handlers.BuildInfo{
		Version:     strings.TrimSpace(version),
		CommitSHA:   strings.TrimSpace(commit),
		Environment: cfg.Auth.Environment,
		StartedAt:   started,
	}
}

func traceProjectID(cfg config.Config) string {
	if id := strings.TrimSpace(cfg.Events.ProjectID); id != "" {
		return id
	}
	return strings.TrimSpace(cfg.Secrets.ProjectID)
}

func newVerificationRecorder(meter metric.Meter) (auth.MetricsRecorder, error) {
	counter, err := meter.Int64Counter(
		"auth.verifications",
		metric.WithDescription("Webhook signature and staff token verification outcomes"),
	)
	if err != nil {
		return nil, err
	}
	latency, err := meter.Float64Histogram(
		"auth.verification.latency",
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}
	return auth.MetricsRecorderFunc(func(ctx context.Context, kind string, success bool, reason string, d time.Duration) {
		attrs := metric.WithAttributes(
			attribute.String("kind", kind),
			attribute.Bool("success", success),
			attribute.String("reason", reason),
		)
		counter.Add(ctx, 1, attrs)
		latency.Record(ctx, float64(d)/float64(time.Millisecond), attrs)
	}), nil
}
