// Package auth verifies bearer tokens on the deal API. Tokens are HS256 JWTs
// minted by the marketplace's identity service; the subject identifies the
// party and the role claim separates operators from users.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const (
	contextKeySubject contextKey = "auth_subject"
	contextKeyRole    contextKey = "auth_role"
)

// Role is the authorization tier carried in the token.
type Role string

const (
	// RoleUser is a marketplace participant acting on their own deals.
	RoleUser Role = "user"
	// RoleAdmin is a marketplace operator; resolves disputes and may act on
	// any deal.
	RoleAdmin Role = "admin"
)

var (
	// ErrMissingToken indicates no bearer token was supplied.
	ErrMissingToken = errors.New("auth: missing bearer token")
	// ErrInvalidToken indicates the token failed verification.
	ErrInvalidToken = errors.New("auth: invalid token")
)

// Verifier validates tokens and decorates request contexts.
type Verifier struct {
	secret   []byte
	issuer   string
	audience string
}

// NewVerifier builds a verifier for HS256 tokens. issuer and audience are
// enforced when non-empty.
func NewVerifier(secret, issuer, audience string) (*Verifier, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, fmt.Errorf("auth: signing secret is required")
	}
	return &Verifier{secret: []byte(secret), issuer: issuer, audience: audience}, nil
}

type tokenClaims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Verify parses and validates a raw token, returning the subject and role.
func (v *Verifier) Verify(raw string) (string, Role, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}
	var claims tokenClaims
	token, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return "", "", ErrInvalidToken
	}
	subject := strings.TrimSpace(claims.Subject)
	if subject == "" {
		return "", "", fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	role := RoleUser
	if Role(claims.Role) == RoleAdmin {
		role = RoleAdmin
	}
	return subject, role, nil
}

// Middleware rejects requests without a valid bearer token and stores the
// authenticated identity on the context.
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := strings.TrimSpace(r.Header.Get("Authorization"))
		if header == "" || !strings.HasPrefix(header, "Bearer ") {
			writeUnauthorized(w, ErrMissingToken)
			return
		}
		subject, role, err := v.Verify(strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			writeUnauthorized(w, err)
			return
		}
		ctx := context.WithValue(r.Context(), contextKeySubject, subject)
		ctx = context.WithValue(ctx, contextKeyRole, role)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Subject returns the authenticated party identifier, if any.
func Subject(ctx context.Context) string {
	if sub, ok := ctx.Value(contextKeySubject).(string); ok {
		return sub
	}
	return ""
}

// IsAdmin reports whether the request carries the admin role.
func IsAdmin(ctx context.Context) bool {
	role, ok := ctx.Value(contextKeyRole).(Role)
	return ok && role == RoleAdmin
}

// RequireAdmin rejects non-admin requests.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !IsAdmin(r.Context()) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`{"error":"admin role required"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// MintToken issues a token for the supplied subject and role. Used by tests
// and local tooling.
func MintToken(secret, issuer, audience, subject string, role Role) (string, error) {
	claims := tokenClaims{
		Role: string(role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject: subject,
			Issuer:  issuer,
		},
	}
	if audience != "" {
		claims.Audience = jwt.ClaimStrings{audience}
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

func writeUnauthorized(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = fmt.Fprintf(w, `{"error":%q}`, err.Error())
}
