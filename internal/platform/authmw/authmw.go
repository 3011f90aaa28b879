// Package authmw implements merchant API authentication (spec section 6):
// "Authorization: Bearer <jwt>" or "X-API-Key", grounded on
// bugielektrik-library's internal/infrastructure/auth (golang-jwt/jwt/v5
// claims + signing) and its handler/http/middleware/auth.go (Bearer-header
// parsing middleware), adapted to the gateway's merchant-id claim and to
// gorilla/mux's MiddlewareFunc shape instead of go-chi.
package authmw

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"

	gwerrors "github.com/r3e-network/acquiring-gateway/internal/platform/errors"
	"github.com/r3e-network/acquiring-gateway/internal/platform/httpmw"
)

type ctxKey string

const merchantCtxKey ctxKey = "merchant_id"

// Claims is the gateway's JWT claim set: one merchant per token.
type Claims struct {
	MerchantID string `json:"merchant_id"`
	jwt.RegisteredClaims
}

// IssueToken signs a merchant-scoped access token, used by the (out of
// scope) merchant onboarding flow and by tests.
func IssueToken(signingKey, merchantID string, ttl time.Duration) (string, error) {
	claims := &Claims{
		MerchantID: merchantID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Subject:   merchantID,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(signingKey))
}

func parseToken(signingKey, tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, gwerrors.Unauthenticated("unexpected signing method")
		}
		return []byte(signingKey), nil
	})
	if err != nil || !token.Valid {
		return nil, gwerrors.Unauthenticated("invalid or expired token")
	}
	return claims, nil
}

// APIKeyResolver maps an API key to its owning merchant id. cmd/gateway
// wires a resolver over an in-process map; tests substitute their own
// static map.
type APIKeyResolver func(ctx context.Context, apiKey string) (merchantID string, ok bool)

// Middleware authenticates merchant-facing requests via Bearer JWT or the
// configured API-key header, rejecting everything else with 401.
func Middleware(signingKey, apiKeyHeader string, resolveAPIKey APIKeyResolver) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if authz := r.Header.Get("Authorization"); authz != "" {
				parts := strings.SplitN(authz, " ", 2)
				if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
					httpmw.WriteError(w, gwerrors.Unauthenticated("malformed Authorization header"))
					return
				}
				claims, err := parseToken(signingKey, parts[1])
				if err != nil {
					httpmw.WriteError(w, err)
					return
				}
				next.ServeHTTP(w, r.WithContext(WithMerchantID(r.Context(), claims.MerchantID)))
				return
			}

			if apiKey := r.Header.Get(apiKeyHeader); apiKey != "" {
				merchantID, ok := resolveAPIKey(r.Context(), apiKey)
				if !ok {
					httpmw.WriteError(w, gwerrors.Unauthenticated("invalid API key"))
					return
				}
				next.ServeHTTP(w, r.WithContext(WithMerchantID(r.Context(), merchantID)))
				return
			}

			httpmw.WriteError(w, gwerrors.Unauthenticated("Authorization or API key header required"))
		})
	}
}

func WithMerchantID(ctx context.Context, merchantID string) context.Context {
	return context.WithValue(ctx, merchantCtxKey, merchantID)
}

// MerchantIDFromContext extracts the authenticated merchant id a handler
// runs on behalf of.
func MerchantIDFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(merchantCtxKey).(string)
	return v, ok && v != ""
}
