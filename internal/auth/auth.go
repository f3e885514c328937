// Package auth provides bearer-token authentication for the admin API.
// Tokens are HS256 JWTs signed with a shared secret; the hub's admin
// backend mints them with a short expiry.
package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// RFC 6750 Section 3 error codes
const (
	errorCodeInvalidRequest = "invalid_request"
	errorCodeInvalidToken   = "invalid_token"
)

const defaultRealm = "booksy-sync-admin"

type claimsContextKey struct{}

// Middleware validates admin bearer tokens.
type Middleware struct {
	secret []byte
	realm  string
}

// Option configures the middleware.
type Option func(*Middleware)

// WithRealm sets the WWW-Authenticate protection space identifier.
func WithRealm(realm string) Option {
	return func(m *Middleware) {
		if realm != "" {
			m.realm = realm
		}
	}
}

// NewMiddleware creates the admin auth middleware keyed with the shared
// signing secret.
func NewMiddleware(secret []byte, opts ...Option) (*Middleware, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("admin auth secret must not be empty")
	}
	m := &Middleware{
		secret: secret,
		realm:  defaultRealm,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Handler wraps next with bearer-token validation.
func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := extractBearerToken(r)
		if err != nil {
			m.writeUnauthorized(w, errorCodeInvalidRequest, err.Error())
			return
		}

		claims, err := m.validate(token)
		if err != nil {
			m.writeUnauthorized(w, errorCodeInvalidToken, "token validation failed")
			return
		}

		ctx := context.WithValue(r.Context(), claimsContextKey{}, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ClaimsFromContext returns the validated claims, nil when the request did
// not pass through the middleware.
func ClaimsFromContext(ctx context.Context) jwt.MapClaims {
	claims, _ := ctx.Value(claimsContextKey{}).(jwt.MapClaims)
	return claims
}

// Subject returns the "sub" claim of the authenticated caller, empty when
// unauthenticated. Handlers use it as the audit actor.
func Subject(ctx context.Context) string {
	claims := ClaimsFromContext(ctx)
	if claims == nil {
		return ""
	}
	subject, _ := claims.GetSubject()
	return subject
}

func (m *Middleware) validate(tokenString string) (jwt.MapClaims, error) {
	token, err := jwt.Parse(tokenString,
		func(*jwt.Token) (any, error) { return m.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired())
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("unexpected claims type %T", token.Claims)
	}
	return claims, nil
}

func extractBearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", fmt.Errorf("missing Authorization header")
	}
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") || token == "" {
		return "", fmt.Errorf("Authorization header must use the Bearer scheme")
	}
	return token, nil
}

func (m *Middleware) writeUnauthorized(w http.ResponseWriter, code, description string) {
	w.Header().Set("WWW-Authenticate",
		fmt.Sprintf(`Bearer realm=%q, error=%q, error_description=%q`, m.realm, code, description))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = fmt.Fprintf(w, `{"error":%q}`, code)
}
