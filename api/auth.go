package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/oar-cd/conductor/domain"
)

type contextKey string

const ctxKeyActor contextKey = "actor"

// Claims carried by API bearer tokens. Subject is the user id.
type Claims struct {
	Username string `json:"username"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// IssueToken signs an HS256 bearer token for an operator or an external identity provider bridge
func IssueToken(secret string, userID uuid.UUID, username string, role domain.Role, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("jwt secret is not configured")
	}
	if role == domain.RoleSystem || role == domain.RoleUnknown {
		return "", fmt.Errorf("role %s cannot be issued", role)
	}

	now := time.Now()
	claims := Claims{
		Username: username,
		Role:     role.String(),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  userID.String(),
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}

	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func parseToken(secret, tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

// actorFromClaims maps verified claims to an actor. System identities never come from tokens.
func actorFromClaims(claims *Claims, ip string) (domain.Actor, error) {
	role, err := domain.ParseRole(claims.Role)
	if err != nil {
		return domain.Actor{}, err
	}
	if role == domain.RoleSystem {
		return domain.Actor{}, errors.New("system role is reserved")
	}

	actor := domain.Actor{
		Username: claims.Username,
		Role:     role,
		IP:       ip,
	}
	if id, err := uuid.Parse(claims.Subject); err == nil {
		actor.UserID = &id
	}
	return actor, nil
}

// Authenticate rejects requests without a valid bearer token and stores the actor in the request context
func (h *Handlers) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		tokenString, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || tokenString == "" {
			writeJSONError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		claims, err := parseToken(h.jwtSecret, tokenString)
		if err != nil {
			slog.Debug("Rejected bearer token",
				"layer", "api",
				"operation", "authenticate",
				"ip", clientIP(r),
				"error", err)
			writeJSONError(w, http.StatusUnauthorized, "invalid bearer token")
			return
		}

		actor, err := actorFromClaims(claims, clientIP(r))
		if err != nil {
			writeJSONError(w, http.StatusUnauthorized, "invalid bearer token")
			return
		}

		ctx := context.WithValue(r.Context(), ctxKeyActor, actor)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ActorFromContext returns the authenticated actor of a request
func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(ctxKeyActor).(domain.Actor)
	return actor, ok
}

// clientIP is the peer address, or the proxy-reported one when RealIP is installed
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
