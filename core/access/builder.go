package access

import (
	"context"
	"fmt"

	"github.com/relabs-tech/restio/core"
	"github.com/relabs-tech/restio/core/logger"
	"github.com/relabs-tech/restio/core/storage"
)

// Provider is one configured token issuer.
type Provider struct {
	Name     string
	Verifier Verifier
	// IDColumn is the users column carrying this provider's subject id;
	// defaults to "<name>_id".
	IDColumn string
	// LinkByEmail permits linking a verified token to an existing local
	// user by email when no provider id matches.
	LinkByEmail bool
}

func (p *Provider) idColumn() string {
	if p.IDColumn == "" {
		return p.Name + "_id"
	}
	return p.IDColumn
}

// ContextBuilder verifies presented tokens and produces auth contexts.
// With a storage adapter attached it also links verified identities to
// local user records, creating them on first login.
type ContextBuilder struct {
	providers       map[string]*Provider
	defaultProvider string

	// Revocations is optional; without it no token is ever revoked.
	Revocations RevocationStore
	// Store is optional; without it no local user linking happens and
	// contexts carry the provider id only.
	Store storage.Adapter
	// UsersResource defaults to "users".
	UsersResource string
	// UsersIDField defaults to "id".
	UsersIDField string
}

// NewContextBuilder creates a builder; the first provider is the default.
func NewContextBuilder(providers ...*Provider) *ContextBuilder {
	b := &ContextBuilder{providers: map[string]*Provider{}}
	for i, p := range providers {
		if i == 0 {
			b.defaultProvider = p.Name
		}
		b.providers[p.Name] = p
	}
	return b
}

func (b *ContextBuilder) usersResource() string {
	if b.UsersResource == "" {
		return "users"
	}
	return b.UsersResource
}

func (b *ContextBuilder) usersIDField() string {
	if b.UsersIDField == "" {
		return "id"
	}
	return b.UsersIDField
}

// Build verifies the token with the named provider's verifier and returns
// the auth context. An absent token yields the anonymous context; a
// present but invalid token yields an authentication error; a verified
// but revoked token yields the anonymous context.
func (b *ContextBuilder) Build(ctx context.Context, token, providerName string) (*AuthContext, error) {
	if token == "" {
		return Anonymous(), nil
	}
	if providerName == "" {
		providerName = b.defaultProvider
	}
	provider, ok := b.providers[providerName]
	if !ok {
		return nil, core.Authentication(fmt.Sprintf("unknown auth provider %q", providerName))
	}

	claims, err := provider.Verifier.Verify(ctx, token)
	if err != nil {
		return nil, core.Authentication("invalid token")
	}

	if b.Revocations != nil && claims.TokenID != "" {
		revoked, err := b.Revocations.IsRevoked(ctx, claims.TokenID)
		if err != nil {
			return nil, core.AsError(err)
		}
		if revoked {
			return Anonymous(), nil
		}
	}

	auth := &AuthContext{
		ProviderID: claims.Subject,
		Email:      claims.Email,
		Roles:      claims.Roles,
		RawClaims:  claims.Raw,
		TokenID:    claims.TokenID,
	}

	if b.Store != nil && claims.Subject != "" {
		userID, err := b.link(ctx, provider, claims)
		if err != nil {
			return nil, core.AsError(err)
		}
		auth.UserID = userID
	}
	return auth, nil
}

// link attaches the verified identity to a local user record: first by
// provider-specific id, then (if enabled) by email, otherwise by creating
// a new user. A create that loses a race against a concurrent login is
// retried once by re-looking up the provider id; a second conflict
// surfaces as 409.
func (b *ContextBuilder) link(ctx context.Context, provider *Provider, claims *Claims) (string, error) {
	users := b.usersResource()
	column := provider.idColumn()

	if id, err := b.lookupUser(ctx, users, column, claims.Subject); err != nil || id != "" {
		return id, err
	}

	if provider.LinkByEmail && claims.Email != "" {
		id, err := b.lookupUser(ctx, users, "email", claims.Email)
		if err != nil {
			return "", err
		}
		if id != "" {
			_, err := b.Store.Patch(ctx, nil, users, id, core.Record{column: claims.Subject})
			if err == storage.ErrConflict {
				return b.relink(ctx, users, column, claims.Subject)
			}
			if err != nil {
				return "", err
			}
			logger.FromContext(ctx).Debugln("linked user by email:", id)
			return id, nil
		}
	}

	record := core.Record{column: claims.Subject}
	if claims.Email != "" {
		record["email"] = claims.Email
	}
	if name, ok := claims.Raw["name"].(string); ok && name != "" {
		record["name"] = name
	}
	created, err := b.Store.Post(ctx, nil, users, record)
	if err == storage.ErrConflict {
		return b.relink(ctx, users, column, claims.Subject)
	}
	if err != nil {
		return "", err
	}
	return core.IDString(created[b.usersIDField()]), nil
}

// relink is the single retry after a create/link conflict.
func (b *ContextBuilder) relink(ctx context.Context, users, column, subject string) (string, error) {
	id, err := b.lookupUser(ctx, users, column, subject)
	if err != nil {
		return "", err
	}
	if id == "" {
		return "", core.Conflict("concurrent login conflict for " + column)
	}
	return id, nil
}

func (b *ContextBuilder) lookupUser(ctx context.Context, users, column, value string) (string, error) {
	result, err := b.Store.Query(ctx, nil, users, storage.Query{
		Clauses: []storage.Clause{storage.Equal(column, value)},
	})
	if err != nil {
		return "", err
	}
	if len(result.Records) == 0 {
		return "", nil
	}
	return core.IDString(result.Records[0][b.usersIDField()]), nil
}
