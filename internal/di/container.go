package di

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/branchorder/api/internal/payments"
	"github.com/branchorder/api/internal/platform/config"
	"github.com/branchorder/api/internal/repositories"
	"github.com/branchorder/api/internal/services"
)

// refundTxMargin is the database headroom added on top of the provider timeout for refunds.
const refundTxMargin = 15 * time.Second

// Services bundles the service-layer contracts that handlers rely upon. Concrete implementations
// are assembled via dependency injection in NewContainer.
type Services struct {
	Orders   services.OrderService
	Payments services.PaymentService
	Webhooks services.WebhookService
}

// Externals carries collaborators built outside the repository registry. Events may be nil,
// in which case domain events are dropped.
type Externals struct {
	Gateway  services.PaymentGateway
	Verifier services.SignatureVerifier
	Events   services.EventPublisher
	Metrics  *services.Metrics
	Logger   services.Logger
	Clock    func() time.Time
}

// Container wires repositories and services for runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Services     Services
}

// NewContainer constructs the runtime dependencies. Production wiring passes the Postgres
// registry, while tests can supply in-memory registries.
func NewContainer(ctx context.Context, cfg config.Config, reg repositories.Registry, ext Externals) (*Container, error) {
	if reg == nil {
		return nil, errors.New("repositories registry is required")
	}

	svc, err := buildServices(ctx, reg, cfg, ext)
	if err != nil {
		return nil, err
	}

	return &Container{
		Config:       cfg,
		Repositories: reg,
		Services:     svc,
	}, nil
}

// Close releases the repository registry.
func (c *Container) Close(ctx context.Context) error {
	if c == nil || c.Repositories == nil {
		return nil
	}
	return c.Repositories.Close(ctx)
}

func buildServices(_ context.Context, reg repositories.Registry, cfg config.Config, ext Externals) (Services, error) {
	var svc Services

	inventory, err := services.NewInventoryGate(reg.Inventory())
	if err != nil {
		return Services{}, fmt.Errorf("build inventory gate: %w", err)
	}

	svc.Orders, err = services.NewOrderService(services.OrderServiceDeps{
		Orders:     reg.Orders(),
		Products:   reg.Products(),
		DedupLogs:  reg.DedupLogs(),
		Inventory:  inventory,
		UnitOfWork: reg,
		Windows: services.DedupWindows{
			StrongWindow:   cfg.Dedup.StrongWindow,
			StrongLookback: cfg.Dedup.StrongLookback,
			WeakWindow:     cfg.Dedup.WeakWindow,
			WeakLookback:   cfg.Dedup.WeakLookback,
		},
		Clock:   ext.Clock,
		Events:  ext.Events,
		Metrics: ext.Metrics,
		Logger:  ext.Logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build order service: %w", err)
	}

	svc.Payments, err = services.NewPaymentService(services.PaymentServiceDeps{
		Orders:     reg.Orders(),
		Payments:   reg.Payments(),
		UnitOfWork: reg,
		Gateway:    ext.Gateway,
		Currency:   cfg.Payments.Currency,
		Clock:      ext.Clock,
		Events:     ext.Events,
		Metrics:    ext.Metrics,
		Logger:     ext.Logger,

		RefundTxTimeout: cfg.Payments.Timeout + refundTxMargin,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build payment service: %w", err)
	}

	svc.Webhooks, err = services.NewWebhookService(services.WebhookServiceDeps{
		Orders:      reg.Orders(),
		Payments:    reg.Payments(),
		WebhookLogs: reg.WebhookLogs(),
		UnitOfWork:  reg,
		Verifier:    ext.Verifier,
		Provider:    cfg.Payments.Provider,
		Currency:    cfg.Payments.Currency,
		Clock:       ext.Clock,
		Events:      ext.Events,
		Metrics:     ext.Metrics,
		Logger:      ext.Logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build webhook service: %w", err)
	}

	return svc, nil
}

// NewPaymentGateway registers every provider that has credentials (or mock mode, for Toss)
// and makes cfg.Provider the default.
func NewPaymentGateway(cfg config.PaymentsConfig, logger func(ctx context.Context, event string, fields map[string]any)) (*payments.Manager, error) {
	providers := make(map[string]payments.Provider)
	selected := strings.ToLower(strings.TrimSpace(cfg.Provider))

	if selected == "toss" || strings.TrimSpace(cfg.TossSecretKey) != "" {
		toss, err := payments.NewTossProvider(payments.TossProviderConfig{
			SecretKey: cfg.TossSecretKey,
			BaseURL:   cfg.TossBaseURL,
			Timeout:   cfg.Timeout,
			MockMode:  cfg.MockMode,
			Logger:    logger,
		})
		if err != nil {
			return nil, fmt.Errorf("build toss provider: %w", err)
		}
		providers["toss"] = toss
	}

	if strings.TrimSpace(cfg.StripeAPIKey) != "" {
		stripe, err := payments.NewStripeProvider(payments.StripeProviderConfig{
			APIKey: cfg.StripeAPIKey,
			Logger: logger,
		})
		if err != nil {
			return nil, fmt.Errorf("build stripe provider: %w", err)
		}
		providers["stripe"] = stripe
	} else if selected == "stripe" {
		return nil, errors.New("build stripe provider: api key is required, stripe has no mock mode")
	}

	return payments.NewManager(providers,
		payments.WithDefaultProvider(selected),
		payments.WithCurrencyRoutes(map[string]string{cfg.Currency: selected}),
	)
}
