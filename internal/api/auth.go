package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type contextKey string

const principalKey contextKey = "principal"

// Principal is the authenticated caller. Service callers (the service-role
// key) act on behalf of the user named in the request.
type Principal struct {
	UserID  uuid.UUID
	Role    string
	Service bool
}

// Claims are the fields of a Supabase access token we use.
type Claims struct {
	jwt.RegisteredClaims
	Role  string `json:"role"`
	Email string `json:"email,omitempty"`
}

// Auth accepts a Supabase user JWT signed with jwtSecret (HS256) or the
// service-role key as bearer token.
func Auth(jwtSecret, serviceRoleKey string, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			scheme, token, ok := strings.Cut(header, " ")
			if !ok || !strings.EqualFold(scheme, "bearer") || token == "" {
				writeProblem(w, http.StatusUnauthorized, "unauthorized", "Missing bearer token", "")
				return
			}

			if serviceRoleKey != "" && subtle.ConstantTimeCompare([]byte(token), []byte(serviceRoleKey)) == 1 {
				p := &Principal{Role: "service_role", Service: true}
				next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey, p)))
				return
			}

			if jwtSecret == "" {
				writeProblem(w, http.StatusUnauthorized, "unauthorized", "Invalid token", "")
				return
			}

			claims := &Claims{}
			parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, jwt.ErrSignatureInvalid
				}
				return []byte(jwtSecret), nil
			})
			if err != nil || !parsed.Valid {
				logger.Debug("token rejected", zap.Error(err))
				writeProblem(w, http.StatusUnauthorized, "unauthorized", "Invalid token", "")
				return
			}

			userID, err := uuid.Parse(claims.Subject)
			if err != nil {
				writeProblem(w, http.StatusUnauthorized, "unauthorized", "Invalid token", "sub must be a user id")
				return
			}

			p := &Principal{UserID: userID, Role: claims.Role}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey, p)))
		})
	}
}

// PrincipalFrom returns the caller stored by Auth, or nil.
func PrincipalFrom(ctx context.Context) *Principal {
	p, _ := ctx.Value(principalKey).(*Principal)
	return p
}

// WithPrincipal stores p in ctx. Used by tests and internal callers.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// actingUser resolves the user a request acts for: the token's subject for
// user callers, the explicit id for service callers.
func actingUser(r *http.Request, explicit string) (uuid.UUID, bool) {
	p := PrincipalFrom(r.Context())
	if p == nil {
		return uuid.Nil, false
	}
	if !p.Service {
		return p.UserID, true
	}
	id, err := uuid.Parse(explicit)
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}
