package core

import (
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"billingledger/internal/types"
)

// ActorSourceAdmin marks requests authenticated with the admin API key.
const ActorSourceAdmin = "admin_api_key"

// AdminAuth returns middleware that accepts only requests whose Bearer
// token matches the bcrypt hash. An empty hash rejects every request.
func AdminAuth(keyHash types.SecretString) func(http.Handler) http.Handler {
	hash := []byte(keyHash.Unmask())

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := extractBearerToken(r.Header.Get("Authorization"))
			if token == "" {
				Error(w, r, types.NewAppError(types.ErrCodeAuthTokenMissing, "Bearer token is required", nil))
				return
			}
			if len(hash) == 0 || bcrypt.CompareHashAndPassword(hash, []byte(token)) != nil {
				Error(w, r, types.NewAppError(types.ErrCodeAuthTokenInvalid, "Invalid authentication token", nil))
				return
			}

			ctx := types.WithActor(r.Context(), types.Actor{ID: "admin", Source: ActorSourceAdmin})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// extractBearerToken returns the token of a "Bearer <token>" header. The
// scheme is matched case-insensitively (RFC 7235).
func extractBearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}
