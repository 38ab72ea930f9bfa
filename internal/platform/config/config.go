package config

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	defaultEnvFile            = ".env"
	defaultPort               = "8080"
	defaultReadTimeout        = 15 * time.Second
	defaultWriteTimeout       = 30 * time.Second
	defaultIdleTimeout        = 120 * time.Second
	defaultDBMaxConns         = 10
	defaultDBConnLifetime     = 30 * time.Minute
	defaultProvider           = "toss"
	defaultTossBaseURL        = "https://api.tosspayments.com"
	defaultProviderTimeout    = 15 * time.Second
	defaultCurrency           = "KRW"
	defaultWebhookHeader      = "toss-signature"
	defaultStrongWindow       = 60 * time.Second
	defaultStrongLookback     = 20
	defaultWeakWindow         = 20 * time.Second
	defaultWeakLookback       = 3
	defaultIdempotencyHeader  = "Idempotency-Key"
	defaultSecurityEnv        = "local"
	defaultStaffTokenIssuer   = "branchorder"
	defaultStaffTokenAudience = "branchorder-staff"
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Payments PaymentsConfig
	Webhooks WebhookConfig
	Dedup    DedupConfig
	Auth     AuthConfig
	Events   EventsConfig
	Secrets  SecretsConfig
}

// ServerConfig configures HTTP server parameters.
type ServerConfig struct {
	Port              string
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	IdempotencyHeader string
}

// DatabaseConfig holds Postgres pool settings.
type DatabaseConfig struct {
	URL             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	AutoMigrate     bool
}

// PaymentsConfig selects and configures the payment provider.
type PaymentsConfig struct {
	Provider      string
	Currency      string
	TossSecretKey string
	TossBaseURL   string
	StripeAPIKey  string
	Timeout       time.Duration
	MockMode      bool
}

// WebhookConfig contains webhook signature parameters. An empty secret disables verification.
type WebhookConfig struct {
	Secret          string
	SignatureHeader string
}

// DedupConfig bounds the recent-duplicate scan.
type DedupConfig struct {
	StrongWindow   time.Duration
	StrongLookback int
	WeakWindow     time.Duration
	WeakLookback   int
}

// AuthConfig configures staff bearer tokens.
type AuthConfig struct {
	Environment      string
	StaffJWTSecret   string
	StaffJWTIssuer   string
	StaffJWTAudience string
}

// EventsConfig points at the Pub/Sub topic receiving domain events. Empty topic disables publishing.
type EventsConfig struct {
	ProjectID string
	TopicID   string
}

// SecretsConfig configures secret:// resolution.
type SecretsConfig struct {
	ProjectID    string
	FallbackFile string
}

// SecretResolver resolves references to external secrets (e.g. Secret Manager URIs).
type SecretResolver interface {
	ResolveSecret(ctx context.Context, ref string) (string, error)
}

// SecretResolverFunc adapts ordinary functions to SecretResolver.
type SecretResolverFunc func(context.Context, string) (string, error)

// ResolveSecret resolves the secret using the wrapped function.
func (f SecretResolverFunc) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f(ctx, ref)
}

// ValidationError is returned when required configuration fields are missing or invalid.
type ValidationError struct {
	fields []string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

// Fields returns a copy of the missing/invalid field list.
func (e *ValidationError) Fields() []string {
	out := make([]string, len(e.fields))
	copy(out, e.fields)
	return out
}

// SecretError describes failures while resolving a secret reference.
type SecretError struct {
	Ref string
	Err error
}

// Error implements the error interface.
func (e *SecretError) Error() string {
	return fmt.Sprintf("secret resolution failed for ref %q: %v", e.Ref, e.Err)
}

// Unwrap exposes the underlying error.
func (e *SecretError) Unwrap() error { return e.Err }

// MissingSecretsError indicates that one or more required secrets resolved empty.
type MissingSecretsError struct {
	names []string
}

// Error implements the error interface.
func (e *MissingSecretsError) Error() string {
	if e == nil || len(e.names) == 0 {
		return "missing required secrets"
	}
	return fmt.Sprintf("missing required secrets [%s]", strings.Join(e.RedactedNames(), ", "))
}

// Names returns the underlying field names, sorted.
func (e *MissingSecretsError) Names() []string {
	if e == nil {
		return nil
	}
	out := append([]string(nil), e.names...)
	sort.Strings(out)
	return out
}

// RedactedNames returns hashed field names safe for logs.
func (e *MissingSecretsError) RedactedNames() []string {
	names := e.Names()
	for i, name := range names {
		names[i] = redactSecretName(name)
	}
	sort.Strings(names)
	return names
}

var errSecretResolverNotConfigured = errors.New("secret resolver not configured")

// Option customises Load behaviour.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile         string
	envMap          map[string]string
	useSystemEnv    bool
	secret          SecretResolver
	requiredSecrets []string
}

// WithEnvFile overrides the .env file path used for local overrides. Empty disables dotenv.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) {
		o.envFile = path
	}
}

// WithEnvMap injects an explicit key/value map. Values in the map take precedence over the process environment.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) {
		o.envMap = values
	}
}

// WithoutSystemEnv disables reading from the process environment.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) {
		o.useSystemEnv = false
	}
}

// WithSecretResolver sets the resolver used for secret:// references.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) {
		o.secret = resolver
	}
}

// WithRequiredSecrets marks the provided field names (e.g. "Payments.TossSecretKey") as mandatory.
func WithRequiredSecrets(names ...string) Option {
	return func(o *loaderOptions) {
		o.requiredSecrets = append(o.requiredSecrets, names...)
	}
}

func defaultOptions(opts []Option) loaderOptions {
	options := loaderOptions{
		envFile:      defaultEnvFile,
		useSystemEnv: true,
	}
	for _, opt := range opts {
		opt(&options)
	}
	return options
}

func (o loaderOptions) lookup() (func(string) (string, bool), error) {
	dotEnvValues, err := loadDotEnv(o.envFile)
	if err != nil {
		return nil, err
	}
	return func(key string) (string, bool) {
		if o.envMap != nil {
			if value, ok := o.envMap[key]; ok {
				return value, true
			}
		}
		if o.useSystemEnv {
			if value, ok := os.LookupEnv(key); ok {
				return value, true
			}
		}
		if value, ok := dotEnvValues[key]; ok {
			return value, true
		}
		return "", false
	}, nil
}

// Lookup returns a single value using the same precedence as Load. Used to bootstrap
// dependencies (logger, secret fetcher) before the full configuration is available.
func Lookup(key string, opts ...Option) (string, bool, error) {
	lookup, err := defaultOptions(opts).lookup()
	if err != nil {
		return "", false, err
	}
	value, ok := lookup(key)
	return value, ok, nil
}

// Load assembles the application configuration by combining defaults, .env overrides,
// environment variables, and optional secret manager lookups.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := defaultOptions(opts)
	lookup, err := options.lookup()
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Server: ServerConfig{
			Port:              stringWithDefault(lookup, "APP_SERVER_PORT", defaultPort),
			ReadTimeout:       durationWithDefault(lookup, "APP_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout:      durationWithDefault(lookup, "APP_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:       durationWithDefault(lookup, "APP_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
			IdempotencyHeader: stringWithDefault(lookup, "APP_SERVER_IDEMPOTENCY_HEADER", defaultIdempotencyHeader),
		},
		Database: DatabaseConfig{
			URL:             stringWithDefault(lookup, "APP_DB_URL", ""),
			MaxConns:        int32(intWithDefault(lookup, "APP_DB_MAX_CONNS", defaultDBMaxConns)),
			MinConns:        int32(intWithDefault(lookup, "APP_DB_MIN_CONNS", 0)),
			MaxConnLifetime: durationWithDefault(lookup, "APP_DB_MAX_CONN_LIFETIME", defaultDBConnLifetime),
			AutoMigrate:     boolWithDefault(lookup, "APP_DB_AUTO_MIGRATE", false),
		},
		Payments: PaymentsConfig{
			Provider:      strings.ToLower(stringWithDefault(lookup, "APP_PAYMENTS_PROVIDER", defaultProvider)),
			Currency:      strings.ToUpper(stringWithDefault(lookup, "APP_PAYMENTS_CURRENCY", defaultCurrency)),
			TossSecretKey: stringWithDefault(lookup, "APP_PAYMENTS_TOSS_SECRET_KEY", ""),
			TossBaseURL:   stringWithDefault(lookup, "APP_PAYMENTS_TOSS_BASE_URL", defaultTossBaseURL),
			StripeAPIKey:  stringWithDefault(lookup, "APP_PAYMENTS_STRIPE_API_KEY", ""),
			Timeout:       durationWithDefault(lookup, "APP_PAYMENTS_TIMEOUT", defaultProviderTimeout),
			MockMode:      boolWithDefault(lookup, "APP_PAYMENTS_MOCK_MODE", false),
		},
		Webhooks: WebhookConfig{
			Secret:          stringWithDefault(lookup, "APP_WEBHOOK_SECRET", ""),
			SignatureHeader: stringWithDefault(lookup, "APP_WEBHOOK_SIGNATURE_HEADER", defaultWebhookHeader),
		},
		Dedup: DedupConfig{
			StrongWindow:   durationWithDefault(lookup, "APP_DEDUP_STRONG_WINDOW", defaultStrongWindow),
			StrongLookback: intWithDefault(lookup, "APP_DEDUP_STRONG_LOOKBACK", defaultStrongLookback),
			WeakWindow:     durationWithDefault(lookup, "APP_DEDUP_WEAK_WINDOW", defaultWeakWindow),
			WeakLookback:   intWithDefault(lookup, "APP_DEDUP_WEAK_LOOKBACK", defaultWeakLookback),
		},
		Auth: AuthConfig{
			Environment:      strings.ToLower(stringWithDefault(lookup, "APP_SECURITY_ENVIRONMENT", defaultSecurityEnv)),
			StaffJWTSecret:   stringWithDefault(lookup, "APP_AUTH_STAFF_JWT_SECRET", ""),
			StaffJWTIssuer:   stringWithDefault(lookup, "APP_AUTH_STAFF_JWT_ISSUER", defaultStaffTokenIssuer),
			StaffJWTAudience: stringWithDefault(lookup, "APP_AUTH_STAFF_JWT_AUDIENCE", defaultStaffTokenAudience),
		},
		Events: EventsConfig{
			ProjectID: stringWithDefault(lookup, "APP_PUBSUB_PROJECT_ID", ""),
			TopicID:   stringWithDefault(lookup, "APP_PUBSUB_TOPIC", ""),
		},
		Secrets: SecretsConfig{
			ProjectID:    stringWithDefault(lookup, "APP_SECRETS_PROJECT_ID", ""),
			FallbackFile: stringWithDefault(lookup, "APP_SECRETS_FALLBACK_FILE", ".secrets.local"),
		},
	}

	if cfg.Events.ProjectID == "" {
		cfg.Events.ProjectID = cfg.Secrets.ProjectID
	}

	resolved := make(map[string]string)
	secretFields := []struct {
		name  string
		field *string
	}{
		{"Database.URL", &cfg.Database.URL},
		{"Payments.TossSecretKey", &cfg.Payments.TossSecretKey},
		{"Payments.StripeAPIKey", &cfg.Payments.StripeAPIKey},
		{"Webhooks.Secret", &cfg.Webhooks.Secret},
		{"Auth.StaffJWTSecret", &cfg.Auth.StaffJWTSecret},
	}
	for _, target := range secretFields {
		value, err := resolveSecret(ctx, *target.field, options.secret)
		if err != nil {
			return Config{}, err
		}
		*target.field = value
		resolved[target.name] = strings.TrimSpace(value)
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	if missing := findMissingSecrets(options.requiredSecrets, resolved); missing != nil {
		return Config{}, missing
	}

	return cfg, nil
}

func resolveSecret(ctx context.Context, value string, resolver SecretResolver) (string, error) {
	if value == "" || !isSecretReference(value) {
		return value, nil
	}
	normalized := normalizeSecretReference(value)
	if resolver == nil {
		return "", &SecretError{Ref: normalized, Err: errSecretResolverNotConfigured}
	}
	secret, err := resolver.ResolveSecret(ctx, normalized)
	if err != nil {
		return "", &SecretError{Ref: normalized, Err: err}
	}
	return secret, nil
}

func validateConfig(cfg Config) error {
	var missing []string

	if cfg.Server.Port == "" {
		missing = append(missing, "Server.Port")
	}
	if strings.TrimSpace(cfg.Server.IdempotencyHeader) == "" {
		missing = append(missing, "Server.IdempotencyHeader")
	}
	if cfg.Database.URL == "" {
		missing = append(missing, "Database.URL")
	}
	if cfg.Database.MaxConns <= 0 || cfg.Database.MinConns < 0 || cfg.Database.MinConns > cfg.Database.MaxConns {
		missing = append(missing, "Database.MaxConns")
	}
	switch cfg.Payments.Provider {
	case "toss":
		if cfg.Payments.TossSecretKey == "" && !cfg.Payments.MockMode {
			missing = append(missing, "Payments.TossSecretKey")
		}
	case "stripe":
		if cfg.Payments.StripeAPIKey == "" && !cfg.Payments.MockMode {
			missing = append(missing, "Payments.StripeAPIKey")
		}
	default:
		missing = append(missing, "Payments.Provider")
	}
	if cfg.Payments.Timeout <= 0 {
		missing = append(missing, "Payments.Timeout")
	}
	if cfg.Dedup.StrongWindow <= 0 || cfg.Dedup.StrongLookback <= 0 {
		missing = append(missing, "Dedup.Strong")
	}
	if cfg.Dedup.WeakWindow <= 0 || cfg.Dedup.WeakLookback <= 0 {
		missing = append(missing, "Dedup.Weak")
	}

	if len(missing) > 0 {
		return &ValidationError{fields: missing}
	}
	return nil
}

func findMissingSecrets(required []string, resolved map[string]string) *MissingSecretsError {
	var names []string
	seen := make(map[string]struct{})
	for _, name := range required {
		trimmed := strings.TrimSpace(name)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		if resolved[trimmed] == "" {
			names = append(names, trimmed)
		}
	}
	if len(names) == 0 {
		return nil
	}
	return &MissingSecretsError{names: names}
}

func isSecretReference(value string) bool {
	trimmed := strings.TrimSpace(value)
	return strings.HasPrefix(trimmed, "secret://") || strings.HasPrefix(trimmed, "sm://")
}

func normalizeSecretReference(value string) string {
	trimmed := strings.TrimSpace(value)
	if strings.HasPrefix(trimmed, "sm://") {
		return "secret://" + strings.TrimPrefix(trimmed, "sm://")
	}
	return trimmed
}

func redactSecretName(name string) string {
	sum := sha256.Sum256([]byte(name))
	return hex.EncodeToString(sum[:8])
}

func loadDotEnv(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	values, err := godotenv.Read(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: unable to read %s: %w", path, err)
	}
	return values, nil
}

func stringWithDefault(lookup func(string) (string, bool), key, fallback string) string {
	if value, ok := lookup(key); ok && strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return fallback
}

func durationWithDefault(lookup func(string) (string, bool), key string, fallback time.Duration) time.Duration {
	if value, ok := lookup(key); ok && value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}

func intWithDefault(lookup func(string) (string, bool), key string, fallback int) int {
	if value, ok := lookup(key); ok && value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func boolWithDefault(lookup func(string) (string, bool), key string, fallback bool) bool {
	if value, ok := lookup(key); ok && value != "" {
		switch strings.ToLower(value) {
		case "true", "1", "yes", "on":
			return true
		case "false", "0", "no", "off":
			return false
		}
	}
	return fallback
}
