/*Package access provides authentication and authorization: the auth
context, token verification, the declarative rule evaluator with its
checker registry, and the ownership enforcer.
*/
package access

import (
	"context"
)

// contextKey is the type for context keys. Go linter does not like plain strings.
type contextKey string

const contextKeyAuthContext contextKey = "_auth_context_"

/*AuthContext carries the authenticated caller of a request.

An anonymous request carries the zero value. System callers (internal
pipelines, migrations) set System and bypass ownership stamping.

Auth contexts are added to a request context with

	ctx = auth.ContextWithAuth(ctx)

and retrieved with

	auth := access.AuthFromContext(ctx)
*/
type AuthContext struct {
	UserID     string         `json:"user_id,omitempty"`
	ProviderID string         `json:"provider_id,omitempty"`
	Email      string         `json:"email,omitempty"`
	Roles      []string       `json:"roles,omitempty"`
	RawClaims  map[string]any `json:"-"`
	TokenID    string         `json:"token_id,omitempty"`
	System     bool           `json:"system,omitempty"`
}

// Anonymous returns an empty auth context.
func Anonymous() *AuthContext {
	return &AuthContext{}
}

// Authenticated returns true if the context has a local user id, a
// provider id, or is flagged system.
func (a *AuthContext) Authenticated() bool {
	if a == nil {
		return false
	}
	return a.UserID != "" || a.ProviderID != "" || a.System
}

// HasRole returns true if the context contains the requested role;
// otherwise it returns false.
func (a *AuthContext) HasRole(role string) bool {
	if a == nil {
		return false
	}
	for _, hasRole := range a.Roles {
		if role == hasRole {
			return true
		}
	}
	return false
}

// Admin returns true for admin and system callers. Admins are exempt from
// ownership filtering.
func (a *AuthContext) Admin() bool {
	if a == nil {
		return false
	}
	return a.System || a.HasRole("admin")
}

// ContextWithAuth returns a new context with this auth context added to it.
func (a *AuthContext) ContextWithAuth(ctx context.Context) context.Context {
	return context.WithValue(ctx, contextKeyAuthContext, a)
}

// AuthFromContext retrieves the auth context from the context, or nil.
func AuthFromContext(ctx context.Context) *AuthContext {
	a, ok := ctx.Value(contextKeyAuthContext).(*AuthContext)
	if ok {
		return a
	}
	return nil
}
