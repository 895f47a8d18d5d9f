package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ImpersonationAudience is the audience of every impersonation token.
const ImpersonationAudience = "orchestrator-impersonation"

var (
	ErrInvalidToken  = errors.New("auth: invalid token")
	ErrNotConfigured = errors.New("auth: signing secret not configured")
)

// Config drives token verification and issuance.
type Config struct {
	Enabled             bool
	Secret              string
	Issuer              string
	AudienceControl     string
	AudienceExec        string
	ImpersonationSecret string
	ImpersonationTTL    time.Duration
	DefaultTenantID     string
}

// Claims is the access token body.
type Claims struct {
	jwt.RegisteredClaims
	TenantID string   `json:"tid,omitempty"`
	Role     string   `json:"role,omitempty"`
	Scopes   []string `json:"scopes,omitempty"`
}

// ImpersonationClaims is the body of a token issued by an operator.
type ImpersonationClaims struct {
	jwt.RegisteredClaims
	TenantID   string `json:"tid,omitempty"`
	Reason     string `json:"reason,omitempty"`
	OperatorID string `json:"operator_id,omitempty"`
}

// Authenticator verifies access tokens and issues impersonation tokens. HS256 only.
type Authenticator struct {
	cfg Config
	now func() time.Time
}

func NewAuthenticator(cfg Config) *Authenticator {
	if cfg.ImpersonationTTL <= 0 {
		cfg.ImpersonationTTL = 15 * time.Minute
	}
	return &Authenticator{cfg: cfg, now: time.Now}
}

func (a *Authenticator) Enabled() bool { return a.cfg.Enabled }

// DefaultTenant is the tenant used when a token carries none.
func (a *Authenticator) DefaultTenant() string { return a.cfg.DefaultTenantID }

// ImpersonationTTL is the lifetime of issued impersonation tokens when none is requested.
func (a *Authenticator) ImpersonationTTL() time.Duration { return a.cfg.ImpersonationTTL }

func (a *Authenticator) parserOptions(audience string) []jwt.ParserOption {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(a.now),
		jwt.WithExpirationRequired(),
	}
	if a.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.cfg.Issuer))
	}
	if audience != "" {
		opts = append(opts, jwt.WithAudience(audience))
	}
	return opts
}

// Verify checks an access token. exec selects the exec audience instead of control.
func (a *Authenticator) Verify(raw string, exec bool) (Principal, error) {
	if a.cfg.Secret == "" {
		return Principal{}, ErrNotConfigured
	}
	audience := a.cfg.AudienceControl
	if exec {
		audience = a.cfg.AudienceExec
	}
	var claims Claims
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return []byte(a.cfg.Secret), nil
	}, a.parserOptions(audience)...)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	tenant := claims.TenantID
	if tenant == "" {
		tenant = a.cfg.DefaultTenantID
	}
	return Principal{
		Subject:  claims.Subject,
		TenantID: tenant,
		Role:     claims.Role,
		Scopes:   claims.Scopes,
	}, nil
}

func (a *Authenticator) impersonationIssuer() string {
	if a.cfg.Issuer != "" {
		return a.cfg.Issuer
	}
	return "orchestrator"
}

// IssueImpersonation signs a token that lets operator act as sub within tenant. Empty
// sub or tenant fall back to the operator's own.
func (a *Authenticator) IssueImpersonation(operator Principal, sub, tenant, reason string, ttl time.Duration) (string, time.Time, error) {
	if a.cfg.ImpersonationSecret == "" {
		return "", time.Time{}, ErrNotConfigured
	}
	if ttl <= 0 {
		ttl = a.cfg.ImpersonationTTL
	}
	if sub == "" {
		sub = operator.Subject
	}
	if tenant == "" {
		tenant = operator.TenantID
	}
	now := a.now()
	exp := now.Add(ttl).Truncate(time.Second)
	claims := ImpersonationClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			Issuer:    a.impersonationIssuer(),
			Audience:  jwt.ClaimStrings{ImpersonationAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		TenantID:   tenant,
		Reason:     reason,
		OperatorID: operator.Subject,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(a.cfg.ImpersonationSecret))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign impersonation token: %w", err)
	}
	return token, exp, nil
}

// VerifyImpersonation checks a token produced by IssueImpersonation.
func (a *Authenticator) VerifyImpersonation(raw string) (ImpersonationClaims, error) {
	if a.cfg.ImpersonationSecret == "" {
		return ImpersonationClaims{}, ErrNotConfigured
	}
	var claims ImpersonationClaims
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(a.now),
		jwt.WithIssuer(a.impersonationIssuer()),
		jwt.WithAudience(ImpersonationAudience),
		jwt.WithExpirationRequired(),
	}
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return []byte(a.cfg.ImpersonationSecret), nil
	}, opts...)
	if err != nil {
		return ImpersonationClaims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return claims, nil
}
