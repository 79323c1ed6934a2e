package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const contextKeyClaims contextKey = "jwt_claims"

// Claims is the identity attached to authenticated requests.
type Claims struct {
	Subject    string
	Attributes jwt.MapClaims
}

// AuthOptions configure bearer-token verification. HS256 only; the gateway is
// an internal service fronted by an identity-issuing proxy.
type AuthOptions struct {
	Secret   []byte
	Issuer   string
	Audience string
	Leeway   time.Duration
	Now      func() time.Time
}

// Authenticator verifies Authorization bearer tokens.
type Authenticator struct {
	opts AuthOptions
}

// NewAuthenticator builds the middleware; an empty secret is refused.
func NewAuthenticator(opts AuthOptions) (*Authenticator, error) {
	if len(opts.Secret) == 0 {
		return nil, errors.New("server: auth secret must not be empty")
	}
	if opts.Leeway <= 0 {
		opts.Leeway = 30 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Authenticator{opts: opts}, nil
}

// Middleware enforces a valid bearer token and attaches Claims to the context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authz := strings.TrimSpace(r.Header.Get("Authorization"))
		parts := strings.SplitN(authz, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || strings.TrimSpace(parts[1]) == "" {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		claims, err := a.verify(strings.TrimSpace(parts[1]))
		if err != nil {
			http.Error(w, "invalid authorization token", http.StatusUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), contextKeyClaims, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *Authenticator) verify(token string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(a.opts.Leeway),
		jwt.WithTimeFunc(func() time.Time { return a.opts.Now() }),
	}
	if a.opts.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.opts.Issuer))
	}
	if a.opts.Audience != "" {
		opts = append(opts, jwt.WithAudience(a.opts.Audience))
	}
	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return a.opts.Secret, nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	if !parsed.Valid {
		return nil, errors.New("token validation failed")
	}
	subject, _ := claims["sub"].(string)
	if strings.TrimSpace(subject) == "" {
		return nil, errors.New("token subject missing")
	}
	return &Claims{Subject: subject, Attributes: claims}, nil
}

// FromContext extracts the Claims attached by the middleware.
func FromContext(ctx context.Context) (*Claims, error) {
	if claims, ok := ctx.Value(contextKeyClaims).(*Claims); ok && claims != nil {
		return claims, nil
	}
	return nil, errors.New("missing identity in context")
}
