package access

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v4"

	"github.com/relabs-tech/restio/core/logger"
)

// Claims are the verified claims of a token, mapped to neutral names by
// the provider's claim configuration.
type Claims struct {
	Subject   string
	Email     string
	TokenID   string
	Roles     []string
	ExpiresAt time.Time
	Raw       map[string]any
}

// Verifier verifies an opaque token string and returns its claims.
type Verifier interface {
	Verify(ctx context.Context, token string) (*Claims, error)
}

// ClaimMapping names the claims a provider stores its fields under.
// Zero values fall back to the registered-claim defaults.
type ClaimMapping struct {
	Subject string // default "sub"
	Email   string // default "email"
	Roles   string // default "roles"
	TokenID string // default "jti"
}

func (m ClaimMapping) withDefaults() ClaimMapping {
	if m.Subject == "" {
		m.Subject = "sub"
	}
	if m.Email == "" {
		m.Email = "email"
	}
	if m.Roles == "" {
		m.Roles = "roles"
	}
	if m.TokenID == "" {
		m.TokenID = "jti"
	}
	return m
}

func mapClaims(raw jwt.MapClaims, mapping ClaimMapping) *Claims {
	mapping = mapping.withDefaults()
	claims := &Claims{Raw: raw}
	if s, ok := raw[mapping.Subject].(string); ok {
		claims.Subject = s
	}
	if s, ok := raw[mapping.Email].(string); ok {
		claims.Email = s
	}
	if s, ok := raw[mapping.TokenID].(string); ok {
		claims.TokenID = s
	}
	switch roles := raw[mapping.Roles].(type) {
	case []any:
		for _, role := range roles {
			if s, ok := role.(string); ok {
				claims.Roles = append(claims.Roles, s)
			}
		}
	case []string:
		claims.Roles = roles
	case string:
		claims.Roles = []string{roles}
	}
	if exp, ok := raw["exp"].(float64); ok {
		claims.ExpiresAt = time.Unix(int64(exp), 0)
	}
	return claims
}

// HMACVerifier verifies tokens signed with a symmetric secret.
type HMACVerifier struct {
	Secret []byte
	Issuer string // accepted issuer; empty accepts any
	Claims ClaimMapping
}

// Verify implements Verifier.
func (v *HMACVerifier) Verify(ctx context.Context, tokenString string) (*Claims, error) {
	raw := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(tokenString, raw, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %s", t.Method.Alg())
		}
		return v.Secret, nil
	})
	if err != nil || !token.Valid {
		return nil, errors.New("invalid token")
	}
	if v.Issuer != "" && !raw.VerifyIssuer(v.Issuer, true) {
		return nil, errors.New("invalid token issuer")
	}
	return mapClaims(raw, v.Claims), nil
}

// RSAVerifier verifies tokens signed with an asymmetric key.
type RSAVerifier struct {
	PublicKey *rsa.PublicKey
	Issuer    string
	Claims    ClaimMapping
}

// Verify implements Verifier.
func (v *RSAVerifier) Verify(ctx context.Context, tokenString string) (*Claims, error) {
	raw := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(tokenString, raw, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method %s", t.Method.Alg())
		}
		return v.PublicKey, nil
	})
	if err != nil || !token.Valid {
		return nil, errors.New("invalid token")
	}
	if v.Issuer != "" && !raw.VerifyIssuer(v.Issuer, true) {
		return nil, errors.New("invalid token issuer")
	}
	return mapClaims(raw, v.Claims), nil
}

// JWKSVerifier verifies tokens against a remote key set of PEM
// certificates keyed by kid, in the style of google's securetoken
// endpoint. Keys are cached and refreshed at most every RefreshAfter.
type JWKSVerifier struct {
	// DownloadURL is the download url for public keys. In case of google,
	// this would be
	// "https://www.googleapis.com/robot/v1/metadata/x509/securetoken@system.gserviceaccount.com"
	DownloadURL string
	Issuer      string
	Claims      ClaimMapping
	// RefreshAfter defaults to 6 hours.
	RefreshAfter time.Duration
	// Client defaults to http.DefaultClient.
	Client *http.Client

	mu        sync.Mutex
	keys      map[string]*rsa.PublicKey
	refreshed time.Time
}

func (v *JWKSVerifier) refresh(ctx context.Context) error {
	refreshAfter := v.RefreshAfter
	if refreshAfter == 0 {
		refreshAfter = 6 * time.Hour
	}
	if v.keys != nil && time.Since(v.refreshed) < refreshAfter {
		return nil
	}
	client := v.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.DownloadURL, nil)
	if err != nil {
		return err
	}
	res, err := client.Do(req)
	if err != nil {
		// keep serving the cached keys when the refresh fails
		if v.keys != nil {
			return nil
		}
		return err
	}
	defer res.Body.Close()

	var certificates map[string]string
	if err := json.NewDecoder(res.Body).Decode(&certificates); err != nil {
		return err
	}
	keys := map[string]*rsa.PublicKey{}
	for kid, cert := range certificates {
		key, err := jwt.ParseRSAPublicKeyFromPEM([]byte(cert))
		if err != nil {
			logger.FromContext(ctx).WithError(err).Warningln("certificate error for kid", kid)
			continue
		}
		keys[kid] = key
	}
	v.keys = keys
	v.refreshed = time.Now()
	return nil
}

// Verify implements Verifier.
func (v *JWKSVerifier) Verify(ctx context.Context, tokenString string) (*Claims, error) {
	v.mu.Lock()
	err := v.refresh(ctx)
	keys := v.keys
	v.mu.Unlock()
	if err != nil {
		return nil, err
	}

	raw := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(tokenString, raw, func(t *jwt.Token) (interface{}, error) {
		kid, _ := t.Header["kid"].(string)
		key, ok := keys[kid]
		if !ok {
			return nil, fmt.Errorf("no key for kid %q", kid)
		}
		return key, nil
	})
	if err != nil || !token.Valid {
		return nil, errors.New("invalid token")
	}
	if v.Issuer != "" && !raw.VerifyIssuer(v.Issuer, true) {
		return nil, errors.New("invalid token issuer")
	}
	return mapClaims(raw, v.Claims), nil
}
