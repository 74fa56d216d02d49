package access

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/assert"

	"github.com/relabs-tech/restio/core"
	"github.com/relabs-tech/restio/core/schema"
	"github.com/relabs-tech/restio/core/storage/memstore"
)

func signHMAC(t *testing.T, secret []byte, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		t.Fatal(err)
	}
	return token
}

func usersRegistry(t *testing.T) *schema.Registry {
	t.Helper()
	b := schema.NewBuilder()
	b.MustAddResource(&schema.ResourceDefinition{
		Name: "users",
		Fields: map[string]schema.FieldSpec{
			"name":      {Kind: schema.FieldString},
			"email":     {Kind: schema.FieldString},
			"github_id": {Kind: schema.FieldString},
		},
	})
	registry, err := b.Freeze()
	if err != nil {
		t.Fatal(err)
	}
	return registry
}

func TestHMACVerifier(t *testing.T) {
	secret := []byte("test-secret")
	verifier := &HMACVerifier{Secret: secret}

	token := signHMAC(t, secret, jwt.MapClaims{
		"sub":   "subject-1",
		"email": "ann@example.com",
		"roles": []string{"editor", "admin"},
		"jti":   "token-1",
	})
	claims, err := verifier.Verify(context.Background(), token)
	assert.NoError(t, err)
	assert.Equal(t, "subject-1", claims.Subject)
	assert.Equal(t, "ann@example.com", claims.Email)
	assert.Equal(t, []string{"editor", "admin"}, claims.Roles)
	assert.Equal(t, "token-1", claims.TokenID)

	// wrong secret fails
	bad := signHMAC(t, []byte("other"), jwt.MapClaims{"sub": "x"})
	_, err = verifier.Verify(context.Background(), bad)
	assert.Error(t, err)

	// issuer mismatch fails
	strict := &HMACVerifier{Secret: secret, Issuer: "restio"}
	_, err = strict.Verify(context.Background(), signHMAC(t, secret, jwt.MapClaims{"iss": "someone else"}))
	assert.Error(t, err)
}

func TestContextBuilderLinksUsers(t *testing.T) {
	ctx := context.Background()
	secret := []byte("s")
	registry := usersRegistry(t)
	store := memstore.New(registry)

	builder := NewContextBuilder(&Provider{
		Name:     "github",
		Verifier: &HMACVerifier{Secret: secret},
	})
	builder.Store = store

	token := signHMAC(t, secret, jwt.MapClaims{"sub": "gh-1", "email": "ann@example.com"})

	// first login creates the local user
	auth, err := builder.Build(ctx, token, "github")
	assert.NoError(t, err)
	assert.NotEmpty(t, auth.UserID)
	assert.True(t, auth.Authenticated())

	// second login finds it again
	again, err := builder.Build(ctx, token, "github")
	assert.NoError(t, err)
	assert.Equal(t, auth.UserID, again.UserID)

	// no token is anonymous, not an error
	anonymous, err := builder.Build(ctx, "", "github")
	assert.NoError(t, err)
	assert.False(t, anonymous.Authenticated())

	// garbage is an authentication error
	_, err = builder.Build(ctx, "garbage", "github")
	if assert.Error(t, err) {
		assert.Equal(t, core.CodeAuthentication, core.AsError(err).Code)
	}

	// unknown provider is an authentication error
	_, err = builder.Build(ctx, token, "gitlab")
	assert.Error(t, err)
}

func TestContextBuilderLinksByEmail(t *testing.T) {
	ctx := context.Background()
	secret := []byte("s")
	registry := usersRegistry(t)
	store := memstore.New(registry)

	existing, err := store.Post(ctx, nil, "users", core.Record{"name": "Ann", "email": "ann@example.com"})
	assert.NoError(t, err)

	builder := NewContextBuilder(&Provider{
		Name:        "github",
		Verifier:    &HMACVerifier{Secret: secret},
		LinkByEmail: true,
	})
	builder.Store = store

	token := signHMAC(t, secret, jwt.MapClaims{"sub": "gh-1", "email": "ann@example.com"})
	auth, err := builder.Build(ctx, token, "github")
	assert.NoError(t, err)
	assert.Equal(t, core.IDString(existing["id"]), auth.UserID)

	// the provider id is now stored on the user
	linked, err := store.Get(ctx, nil, "users", auth.UserID, nil)
	assert.NoError(t, err)
	assert.Equal(t, "gh-1", linked["github_id"])
}

func TestRevocation(t *testing.T) {
	ctx := context.Background()
	secret := []byte("s")
	builder := NewContextBuilder(&Provider{
		Name:     "local",
		Verifier: &HMACVerifier{Secret: secret},
	})
	revocations := NewMemoryRevocations()
	builder.Revocations = revocations

	token := signHMAC(t, secret, jwt.MapClaims{"sub": "u-1", "jti": "jti-1"})
	auth, err := builder.Build(ctx, token, "")
	assert.NoError(t, err)
	assert.True(t, auth.Authenticated())

	assert.NoError(t, revocations.Revoke(ctx, "jti-1", "u-1", time.Now().Add(time.Hour)))

	// a revoked token degrades to anonymous
	auth, err = builder.Build(ctx, token, "")
	assert.NoError(t, err)
	assert.False(t, auth.Authenticated())

	// expired revocations are pruned and stop matching
	assert.NoError(t, revocations.Revoke(ctx, "jti-2", "u-2", time.Now().Add(-time.Minute)))
	revoked, err := revocations.IsRevoked(ctx, "jti-2")
	assert.NoError(t, err)
	assert.False(t, revoked)
	assert.Equal(t, 1, revocations.Prune())
}

func TestCheckersEvaluate(t *testing.T) {
	ctx := context.Background()
	checkers := NewCheckers()
	checkers.Register("role", func(ctx context.Context, auth *AuthContext, input *CheckerInput) (bool, error) {
		return auth.HasRole(input.Param), nil
	})

	def := &schema.ResourceDefinition{Name: "things", Fields: map[string]schema.FieldSpec{}}
	input := &CheckerInput{Resource: def}

	// rules are OR-combined
	editor := &AuthContext{UserID: "1", Roles: []string{"editor"}}
	assert.NoError(t, checkers.Evaluate(ctx, []string{"role:admin", "role:editor"}, editor, input))
	assert.Error(t, checkers.Evaluate(ctx, []string{"role:admin"}, editor, input))

	// the empty rule set denies
	assert.Error(t, checkers.Evaluate(ctx, nil, editor, input))

	// unknown checkers do not authorize
	err := checkers.Evaluate(ctx, []string{"nonexistent"}, editor, input)
	if assert.Error(t, err) {
		assert.Equal(t, core.CodeAuthorization, core.AsError(err).Code)
	}
}

func TestOwnership(t *testing.T) {
	def := &schema.ResourceDefinition{
		Name: "notes",
		Fields: map[string]schema.FieldSpec{
			"user_id": {Kind: schema.FieldBelongsTo, Target: "users", Alias: "owner"},
		},
		Ownership: schema.OwnershipAlways,
	}
	owner := &AuthContext{UserID: "7"}
	stranger := &AuthContext{UserID: "8"}
	admin := &AuthContext{UserID: "9", Roles: []string{"admin"}}
	record := core.Record{"id": "1", "user_id": "7"}

	assert.True(t, Owns(def, owner, record))
	assert.False(t, Owns(def, stranger, record))

	// the mask yields not_found, never forbidden
	err := MaskOwner(def, stranger, "1", record)
	if assert.NotNil(t, err) {
		assert.Equal(t, core.CodeNotFound, err.Code)
	}
	assert.Nil(t, MaskOwner(def, owner, "1", record))
	assert.Nil(t, MaskOwner(def, admin, "1", record))

	// writes get stamped for plain users, not for admins
	attributes := core.Record{}
	StampOwner(def, owner, attributes)
	assert.Equal(t, "7", attributes["user_id"])
	adminAttributes := core.Record{"user_id": "42"}
	StampOwner(def, admin, adminAttributes)
	assert.Equal(t, "42", adminAttributes["user_id"])

	// collection reads filter by owner, admins see everything
	clause, filtered := OwnerClause(def, owner)
	assert.True(t, filtered)
	assert.Equal(t, "user_id", clause.Field)
	_, filtered = OwnerClause(def, admin)
	assert.False(t, filtered)
}

func TestUserActingOnItself(t *testing.T) {
	def := &schema.ResourceDefinition{
		Name:       "users",
		Fields:     map[string]schema.FieldSpec{},
		Ownership:  schema.OwnershipAlways,
		OwnerField: "id",
	}
	self := &AuthContext{UserID: "7"}
	record := core.Record{"id": "7"}
	assert.True(t, Owns(def, self, record))
	assert.False(t, Owns(def, self, core.Record{"id": "8"}))
}
