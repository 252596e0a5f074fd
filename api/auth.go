/*
auth.go - Bearer token authentication

PURPOSE:
  Turns the Authorization header into a stock.Actor and stores it in the
  request context. Every handler passes that Actor into the service, so
  capability checks live in the domain and not in the router.

TOKENS:
  HS256 JWT with the registered "sub" claim and a custom "role" claim.
  Role must be one of the stock roles (Administrator, Stock User, Guest).

  No header         -> Guest
  Invalid token     -> 401
  Unknown role      -> actor with no capabilities (403 on every operation)

DEVELOPMENT MODE:
  With no secret configured, requests without a token act as the
  Administrator "dev". config.Validate refuses an empty secret in production.

SEE ALSO:
  - stock/access.go: Roles and capabilities
  - server.go: Middleware order
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/warp/stock-ledger/stock"
)

var errInvalidToken = errors.New("invalid token")

// Claims is the token payload.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Authenticator verifies bearer tokens.
type Authenticator struct {
	secret []byte
	issuer string
}

// NewAuthenticator returns an Authenticator. An empty secret enables development mode.
func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret), issuer: "stock-ledger"}
}

// IssueToken signs a token for id with the given role.
func (a *Authenticator) IssueToken(id string, role stock.Role, ttl time.Duration) (string, error) {
	if len(a.secret) == 0 {
		return "", errors.New("no signing secret configured")
	}
	now := time.Now()
	claims := Claims{
		Role: string(role),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    a.issuer,
			Subject:   id,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

// Parse validates a raw token and returns the Actor it names.
func (a *Authenticator) Parse(raw string) (stock.Actor, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithIssuer(a.issuer))
	if err != nil {
		return stock.Actor{}, fmt.Errorf("%w: %v", errInvalidToken, err)
	}
	if !token.Valid || claims.Subject == "" {
		return stock.Actor{}, errInvalidToken
	}
	return stock.ActorForRole(claims.Subject, stock.Role(claims.Role)), nil
}

// Middleware attaches the request's Actor to the context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" {
			actor := stock.ActorForRole("guest", stock.RoleGuest)
			if len(a.secret) == 0 {
				actor = stock.ActorForRole("dev", stock.RoleAdministrator)
			}
			next.ServeHTTP(w, r.WithContext(withActor(r.Context(), actor)))
			return
		}

		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || len(a.secret) == 0 {
			writeError(w, http.StatusUnauthorized, "Invalid authorization header", nil)
			return
		}
		actor, err := a.Parse(strings.TrimSpace(raw))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Invalid token", err)
			return
		}
		next.ServeHTTP(w, r.WithContext(withActor(r.Context(), actor)))
	})
}

type actorKey struct{}

func withActor(ctx context.Context, actor stock.Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFrom returns the Actor set by the auth middleware.
// Requests that bypassed it get an actor with no capabilities.
func ActorFrom(ctx context.Context) stock.Actor {
	actor, _ := ctx.Value(actorKey{}).(stock.Actor)
	return actor
}
