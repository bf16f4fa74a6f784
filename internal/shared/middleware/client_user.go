package middleware

import (
	"context"
	"net/http"
	"strings"
)

type ContextKey string

const ClientUserIDKey ContextKey = "client_user_id"

// ClientUserHeader names the caller-supplied end-user identifier forwarded to
// the aggregator. Authentication happens upstream of this service.
const ClientUserHeader = "X-Client-User-Id"

const maxClientUserIDLength = 128

// ClientUser resolves the client user id for the request and stores it in
// the context under ClientUserIDKey. Requests without the header fall back
// to defaultID; if that is empty too the request is rejected.
func ClientUser(defaultID string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := strings.TrimSpace(r.Header.Get(ClientUserHeader))
			if id == "" {
				id = defaultID
			}
			if id == "" {
				http.Error(w, "X-Client-User-Id header is required", http.StatusUnauthorized)
				return
			}
			if len(id) > maxClientUserIDLength {
				http.Error(w, "X-Client-User-Id header is too long", http.StatusBadRequest)
				return
			}

			ctx := context.WithValue(r.Context(), ClientUserIDKey, id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ClientUserID returns the id stored by ClientUser.
func ClientUserID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(ClientUserIDKey).(string)
	return id, ok && id != ""
}
