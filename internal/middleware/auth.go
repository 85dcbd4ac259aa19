package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/ruralpay/cardengine/internal/logger"
	"github.com/ruralpay/cardengine/internal/models"
)

type Role string

const (
	RoleUser     Role = "user"
	RoleTerminal Role = "terminal"
	RoleVendor   Role = "vendor"
	RoleAdmin    Role = "admin"
)

// Claims are the JWT claims every caller presents. Subject is the user,
// terminal, vendor or operator id depending on Role.
type Claims struct {
	Role Role `json:"role"`
	jwt.RegisteredClaims
}

type contextKey string

const claimsKey contextKey = "claims"

var ErrMissingClaims = errors.New("no authenticated caller")

// Authenticator issues and verifies HS256 tokens.
type Authenticator struct {
	secret []byte
	issuer string
	now    func() time.Time
}

func NewAuthenticator(secret, issuer string) *Authenticator {
	return &Authenticator{secret: []byte(secret), issuer: issuer, now: time.Now}
}

// IssueToken signs a token for subject with the given role.
func (a *Authenticator) IssueToken(subject string, role Role, ttl time.Duration) (string, error) {
	now := a.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
	return token.SignedString(a.secret)
}

func (a *Authenticator) parse(tokenString string) (*Claims, error) {
	var claims Claims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (interface{}, error) {
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(a.issuer),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		return nil, err
	}
	if !token.Valid || claims.Subject == "" {
		return nil, fmt.Errorf("invalid token")
	}
	switch claims.Role {
	case RoleUser, RoleTerminal, RoleVendor, RoleAdmin:
	default:
		return nil, fmt.Errorf("unknown role %q", claims.Role)
	}
	return &claims, nil
}

// Middleware rejects requests without a valid bearer token.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, "Authorization header required", http.StatusUnauthorized)
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			http.Error(w, "Invalid authorization header format", http.StatusUnauthorized)
			return
		}

		claims, err := a.parse(parts[1])
		if err != nil {
			logger.Log.Info("[AUTH] rejected token", zap.String("path", r.URL.Path), zap.Error(err))
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), claimsKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireRole lets through callers holding one of roles.
func RequireRole(roles ...Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := ClaimsFrom(r.Context())
			if !ok || !slices.Contains(roles, claims.Role) {
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func ClaimsFrom(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(claimsKey).(*Claims)
	return claims, ok && claims != nil
}

// WithClaims attaches claims to ctx.
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, claimsKey, claims)
}

// ActorFrom maps the authenticated caller onto the audit actor.
func ActorFrom(ctx context.Context) (models.Actor, error) {
	claims, ok := ClaimsFrom(ctx)
	if !ok {
		return models.Actor{}, ErrMissingClaims
	}
	actor := models.Actor{ID: claims.Subject}
	switch claims.Role {
	case RoleAdmin:
		actor.Type = models.ActorAdmin
	case RoleVendor:
		actor.Type = models.ActorVendor
	case RoleTerminal:
		actor.Type = models.ActorTerminal
	default:
		actor.Type = models.ActorUser
	}
	return actor, nil
}
