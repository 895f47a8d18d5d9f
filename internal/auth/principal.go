package auth

import (
	"context"
	"slices"
)

// Scopes checked by the API.
const (
	ScopeControlRead  = "orchestrator.control.read"
	ScopeControlWrite = "orchestrator.control.write"
	ScopeAdmin        = "orchestrator.admin"
	ScopeImpersonate  = "orchestrator.impersonate"
)

// Roles with a fixed scope set.
const (
	RoleOperatorAdmin   = "OperatorAdmin"
	RoleBreakGlassAdmin = "BreakGlassAdmin"
	RoleSupport         = "Support"
	RoleReadOnlyAuditor = "ReadOnlyAuditor"
)

var allScopes = []string{ScopeControlRead, ScopeControlWrite, ScopeAdmin, ScopeImpersonate}

var roleScopes = map[string][]string{
	RoleOperatorAdmin:   allScopes,
	RoleBreakGlassAdmin: allScopes,
	RoleSupport:         {ScopeControlRead, ScopeControlWrite},
	RoleReadOnlyAuditor: {ScopeControlRead},
}

// EffectiveScopes returns the role's scopes, or the token's own scopes for an unknown role.
func EffectiveScopes(role string, tokenScopes []string) []string {
	if s, ok := roleScopes[role]; ok {
		return s
	}
	return tokenScopes
}

// Principal is the authenticated caller of a request.
type Principal struct {
	Subject            string
	TenantID           string
	Role               string
	Scopes             []string
	ImpersonatedSub    string
	ImpersonatedTenant string
}

// Anonymous is the caller when authentication is disabled; it holds every scope.
func Anonymous(tenantID string) Principal {
	return Principal{TenantID: tenantID, Scopes: allScopes}
}

// Has reports whether the principal holds scope.
func (p Principal) Has(scope string) bool {
	return slices.Contains(EffectiveScopes(p.Role, p.Scopes), scope)
}

// Tenant is the tenant the request acts on, after impersonation.
func (p Principal) Tenant() string {
	if p.ImpersonatedTenant != "" {
		return p.ImpersonatedTenant
	}
	return p.TenantID
}

// Actor is the subject the request acts as, after impersonation.
func (p Principal) Actor() string {
	if p.ImpersonatedSub != "" {
		return p.ImpersonatedSub
	}
	return p.Subject
}

type principalKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// FromContext returns the request principal, if the auth middleware ran.
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}
