package auth

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v4"
)

const (
	defaultRoleClaim   = "roles"
	defaultBranchClaim = "branch_id"
	defaultEmailClaim  = "email"
)

// Logger captures the minimal logging contract used by the auth package.
type Logger interface {
	Printf(format string, args ...any)
}

// MetricsRecorder records verification outcomes for observability.
type MetricsRecorder interface {
	RecordVerification(ctx context.Context, kind string, success bool, reason string, duration time.Duration)
}

// MetricsRecorderFunc adapts a function to MetricsRecorder.
type MetricsRecorderFunc func(context.Context, string, bool, string, time.Duration)

// RecordVerification implements MetricsRecorder.
func (f MetricsRecorderFunc) RecordVerification(ctx context.Context, kind string, success bool, reason string, duration time.Duration) {
	if f != nil {
		f(ctx, kind, success, reason, duration)
	}
}

// StaffAuthenticator verifies HS256 bearer tokens issued to branch staff.
type StaffAuthenticator struct {
	secret   []byte
	issuer   string
	audience string

	roleClaim   string
	branchClaim string

	logger  Logger
	metrics MetricsRecorder
	now     func() time.Time
}

// StaffOption customises StaffAuthenticator behaviour.
type StaffOption func(*StaffAuthenticator)

// WithIssuer requires the iss claim to match.
func WithIssuer(issuer string) StaffOption {
	return func(a *StaffAuthenticator) {
		a.issuer = strings.TrimSpace(issuer)
	}
}

// WithAudience requires the aud claim to contain audience.
func WithAudience(audience string) StaffOption {
	return func(a *StaffAuthenticator) {
		a.audience = strings.TrimSpace(audience)
	}
}

// WithRoleClaim overrides the claim used for role extraction.
func WithRoleClaim(claim string) StaffOption {
	return func(a *StaffAuthenticator) {
		claim = strings.TrimSpace(claim)
		if claim != "" {
			a.roleClaim = claim
		}
	}
}

// WithStaffLogger overrides the authenticator logger.
func WithStaffLogger(logger Logger) StaffOption {
	return func(a *StaffAuthenticator) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithStaffMetrics sets the metrics recorder.
func WithStaffMetrics(metrics MetricsRecorder) StaffOption {
	return func(a *StaffAuthenticator) {
		a.metrics = metrics
	}
}

// WithStaffClock injects a custom clock used for expiry checks.
func WithStaffClock(now func() time.Time) StaffOption {
	return func(a *StaffAuthenticator) {
		if now != nil {
			a.now = now
		}
	}
}

// NewStaffAuthenticator constructs the authenticator for the shared signing secret.
func NewStaffAuthenticator(secret string, opts ...StaffOption) *StaffAuthenticator {
	a := &StaffAuthenticator{
		secret:      []byte(strings.TrimSpace(secret)),
		roleClaim:   defaultRoleClaim,
		branchClaim: defaultBranchClaim,
		logger:      log.Default(),
		now:         time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// RequireStaff verifies the Authorization bearer token and ensures one of allowedRoles is held.
func (a *StaffAuthenticator) RequireStaff(allowedRoles ...string) func(http.Handler) http.Handler {
	allowed := make(map[string]struct{}, len(allowedRoles))
	for _, role := range allowedRoles {
		role = normaliseRole(role)
		if role == "" {
			continue
		}
		allowed[role] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			start := time.Now()
			if a != nil {
				start = a.now()
			}

			if a == nil || len(a.secret) == 0 {
				a.record(ctx, false, "secret_not_configured", start)
				respondAuthError(w, http.StatusServiceUnavailable, "verification_unavailable", "staff authentication not configured")
				return
			}

			tokenStr, ok := extractBearerToken(r.Header.Get("Authorization"))
			if !ok {
				a.record(ctx, false, "token_missing", start)
				respondAuthError(w, http.StatusUnauthorized, "unauthenticated", "authorization header missing or invalid")
				return
			}

			identity, err := a.Verify(tokenStr)
			if err != nil {
				reason := "token_invalid"
				code := "invalid_token"
				if errors.Is(err, jwt.ErrTokenExpired) {
					reason = "token_expired"
					code = "token_expired"
				}
				a.logger.Printf("auth: staff token rejected (%s): %v", reason, err)
				a.record(ctx, false, reason, start)
				respondAuthError(w, http.StatusUnauthorized, code, "staff token verification failed")
				return
			}

			if len(allowed) > 0 && !hasAllowedRole(identity.Roles, allowed) {
				a.record(ctx, false, "insufficient_role", start)
				respondAuthError(w, http.StatusForbidden, "insufficient_role", "identity does not have required role")
				return
			}

			a.record(ctx, true, "ok", start)
			next.ServeHTTP(w, r.WithContext(WithIdentity(ctx, identity)))
		})
	}
}

// Verify parses and validates a staff token, returning the identity it carries.
func (a *StaffAuthenticator) Verify(tokenStr string) (*Identity, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	claims := jwt.MapClaims{}
	if _, err := parser.ParseWithClaims(tokenStr, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}); err != nil {
		return nil, err
	}

	now := a.now()
	if !claims.VerifyExpiresAt(now.Unix(), true) {
		return nil, jwt.ErrTokenExpired
	}
	if !claims.VerifyNotBefore(now.Unix(), false) {
		return nil, jwt.ErrTokenNotValidYet
	}
	if a.issuer != "" && !claims.VerifyIssuer(a.issuer, true) {
		return nil, errors.New("auth: issuer mismatch")
	}
	if a.audience != "" && !containsString(audienceFromClaims(claims), a.audience) {
		return nil, errors.New("auth: audience mismatch")
	}

	subject := claimAsString(claims, "sub")
	if subject == "" {
		return nil, errors.New("auth: subject missing")
	}

	identity := &Identity{
		UID:      subject,
		Email:    claimAsString(claims, defaultEmailClaim),
		BranchID: claimAsString(claims, a.branchClaim),
		Roles:    rolesFromClaims(claims, a.roleClaim),
		Claims:   cloneClaims(claims),
	}
	if len(identity.Roles) == 0 {
		return nil, errors.New("auth: no roles associated with identity")
	}
	return identity, nil
}

func (a *StaffAuthenticator) record(ctx context.Context, success bool, reason string, start time.Time) {
	if a == nil || a.metrics == nil {
		return
	}
	a.metrics.RecordVerification(ctx, "staff_jwt", success, reason, a.now().Sub(start))
}

func hasAllowedRole(identityRoles []string, allowed map[string]struct{}) bool {
	for _, role := range identityRoles {
		if _, ok := allowed[normaliseRole(role)]; ok {
			return true
		}
	}
	return false
}

func rolesFromClaims(claims map[string]any, key string) []string {
	raw, ok := claims[key]
	if !ok {
		return nil
	}

	switch v := raw.(type) {
	case string:
		role := normaliseRole(v)
		if role == "" {
			return nil
		}
		return []string{role}
	case []any:
		out := make([]string, 0, len(v))
		seen := make(map[string]struct{}, len(v))
		for _, item := range v {
			str, ok := item.(string)
			if !ok {
				continue
			}
			role := normaliseRole(str)
			if role == "" {
				continue
			}
			if _, exists := seen[role]; exists {
				continue
			}
			seen[role] = struct{}{}
			out = append(out, role)
		}
		return out
	default:
		return nil
	}
}

func audienceFromClaims(claims jwt.MapClaims) []string {
	raw, ok := claims["aud"]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case string:
		return []string{strings.TrimSpace(v)}
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			str, ok := item.(string)
			if !ok {
				continue
			}
			str = strings.TrimSpace(str)
			if str != "" {
				out = append(out, str)
			}
		}
		return out
	default:
		return nil
	}
}

func containsString(values []string, target string) bool {
	for _, value := range values {
		if value == target {
			return true
		}
	}
	return false
}

func cloneClaims(claims jwt.MapClaims) map[string]any {
	out := make(map[string]any, len(claims))
	for key, value := range claims {
		out[key] = value
	}
	return out
}

func claimAsString(claims map[string]any, key string) string {
	raw, ok := claims[key]
	if !ok {
		return ""
	}
	switch v := raw.(type) {
	case string:
		return strings.TrimSpace(v)
	default:
		return ""
	}
}

func normaliseRole(role string) string {
	return strings.ToLower(strings.TrimSpace(role))
}

func extractBearerToken(header string) (string, bool) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", false
	}

	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return "", false
	}

	if !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}

	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", false
	}

	return token, true
}

func respondAuthError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error":   code,
		"message": message,
		"status":  status,
	})
}
