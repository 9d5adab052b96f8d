package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/claritycare/triage-orchestrator/internal/model"
)

type contextKey string

const principalKey contextKey = "principal"

// Principal is the authenticated caller. The user directory is an
// external collaborator; the token is the only identity source here.
type Principal struct {
	ID   string
	Role model.Role
}

type Claims struct {
	PrincipalID string `json:"uid"`
	Role        string `json:"role"`
	jwt.RegisteredClaims
}

func Middleware(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, err := principalFromRequest(r, secret)
			if err != nil {
				http.Error(w, `{"error":{"code":"unauthorized","message":"`+err.Error()+`"}}`, http.StatusUnauthorized)
				return
			}
			ctx := context.WithValue(r.Context(), principalKey, p)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func principalFromRequest(r *http.Request, secret string) (Principal, error) {
	authz := r.Header.Get("Authorization")
	tokenRaw := ""
	switch {
	case strings.HasPrefix(authz, "Bearer "):
		tokenRaw = strings.TrimSpace(strings.TrimPrefix(authz, "Bearer "))
	case r.URL.Query().Get("token") != "":
		// Browser WebSocket clients cannot set headers on the upgrade request.
		tokenRaw = r.URL.Query().Get("token")
	default:
		return Principal{}, errors.New("missing bearer token")
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenRaw, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(secret), nil
	})
	if err != nil || !token.Valid || claims.PrincipalID == "" {
		return Principal{}, errors.New("invalid token")
	}
	role := model.Role(claims.Role)
	if role != model.RolePatient && role != model.RoleDoctor {
		return Principal{}, errors.New("invalid role claim")
	}
	return Principal{ID: claims.PrincipalID, Role: role}, nil
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey).(Principal)
	return p, ok && p.ID != ""
}

// RequireRole wraps a handler and rejects callers whose role differs.
func RequireRole(role model.Role, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, ok := PrincipalFromContext(r.Context())
		if !ok || p.Role != role {
			http.Error(w, `{"error":{"code":"forbidden","message":"wrong role for this endpoint"}}`, http.StatusForbidden)
			return
		}
		next(w, r)
	}
}
