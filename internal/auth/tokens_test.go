package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "test-shared-secret"

func newAuth() *Authenticator {
	return NewAuthenticator(Config{
		Enabled:             true,
		Secret:              testSecret,
		Issuer:              "issuer-1",
		AudienceControl:     "control",
		AudienceExec:        "exec",
		ImpersonationSecret: "imp-secret",
		DefaultTenantID:     "00000000-0000-0000-0000-000000000000",
	})
}

func sign(t *testing.T, c Claims, secret string) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return tok
}

func claims(aud, role string, scopes ...string) Claims {
	return Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			Issuer:    "issuer-1",
			Audience:  jwt.ClaimStrings{aud},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		TenantID: "tenant-a",
		Role:     role,
		Scopes:   scopes,
	}
}

func TestVerifyChecksAudienceIssuerAndSignature(t *testing.T) {
	a := newAuth()

	p, err := a.Verify(sign(t, claims("control", RoleSupport), testSecret), false)
	if err != nil {
		t.Fatalf("verify control token: %v", err)
	}
	if p.Subject != "user-1" || p.Tenant() != "tenant-a" || !p.Has(ScopeControlWrite) || p.Has(ScopeAdmin) {
		t.Fatalf("unexpected principal %+v", p)
	}
	if _, err := a.Verify(sign(t, claims("control", RoleSupport), testSecret), true); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("control token must not pass the exec audience, got %v", err)
	}
	if _, err := a.Verify(sign(t, claims("control", RoleSupport), "other"), false); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("wrong secret must fail, got %v", err)
	}
	c := claims("control", RoleSupport)
	c.Issuer = "someone-else"
	if _, err := a.Verify(sign(t, c, testSecret), false); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("wrong issuer must fail, got %v", err)
	}
	c = claims("control", RoleSupport)
	c.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
	if _, err := a.Verify(sign(t, c, testSecret), false); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expired token must fail, got %v", err)
	}
}

func TestEffectiveScopes(t *testing.T) {
	cases := []struct {
		role   string
		token  []string
		scope  string
		expect bool
	}{
		{RoleOperatorAdmin, nil, ScopeAdmin, true},
		{RoleBreakGlassAdmin, nil, ScopeImpersonate, true},
		{RoleSupport, []string{ScopeAdmin}, ScopeAdmin, false},
		{RoleReadOnlyAuditor, nil, ScopeControlWrite, false},
		{RoleReadOnlyAuditor, nil, ScopeControlRead, true},
		{"Custom", []string{ScopeAdmin}, ScopeAdmin, true},
		{"", nil, ScopeControlRead, false},
	}
	for _, tc := range cases {
		p := Principal{Role: tc.role, Scopes: tc.token}
		if got := p.Has(tc.scope); got != tc.expect {
			t.Fatalf("role %q scope %q: got %v want %v", tc.role, tc.scope, got, tc.expect)
		}
	}
}

func TestImpersonationRoundTrip(t *testing.T) {
	a := newAuth()
	op := Principal{Subject: "op-1", TenantID: "tenant-a", Role: RoleOperatorAdmin}

	tok, exp, err := a.IssueImpersonation(op, "", "tenant-b", "ticket 42", 5*time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if d := time.Until(exp); d <= 4*time.Minute || d > 5*time.Minute {
		t.Fatalf("unexpected expiry %v", exp)
	}
	c, err := a.VerifyImpersonation(tok)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if c.Subject != "op-1" || c.TenantID != "tenant-b" || c.Reason != "ticket 42" || c.OperatorID != "op-1" {
		t.Fatalf("unexpected claims %+v", c)
	}
	// Access tokens are not impersonation tokens.
	if _, err := a.VerifyImpersonation(sign(t, claims("control", RoleSupport), "imp-secret")); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected audience mismatch, got %v", err)
	}
}

func TestNotConfigured(t *testing.T) {
	a := NewAuthenticator(Config{Enabled: true})
	if _, err := a.Verify("x", false); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
	if _, _, err := a.IssueImpersonation(Principal{}, "", "", "r", 0); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}
