package transport

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

const userUUIDHeader = "X-User-UUID"

type contextKey string

const contextKeyUserUUID contextKey = "user_uuid"

// RequireUser reads the caller id set by the upstream auth gateway. Requests
// without a valid one are rejected before reaching a handler.
func RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimSpace(r.Header.Get(userUUIDHeader))
		id, err := uuid.Parse(raw)
		if raw == "" || err != nil {
			writeJSONError(w, CodeNotPermission, http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), contextKeyUserUUID, id.String())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func userUUIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(contextKeyUserUUID).(string); ok {
		return id
	}
	return ""
}
